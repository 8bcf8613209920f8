package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/audiosum/errs"
	"github.com/coachpo/audiosum/internal/domain/audio"
)

// Segments are normalised to 16-bit PCM stereo at 44.1 kHz.
const (
	OutputFormat     = audio.FormatWAV
	OutputChannels   = 2
	OutputSampleRate = 44100
	outputCodec      = "pcm_s16le"
)

// Config locates the binaries and the scratch directory.
type Config struct {
	FFmpegPath  string
	FFprobePath string
	TempDir     string
}

// Tool wraps the ffmpeg binaries.
type Tool struct {
	exec    Executor
	ffmpeg  string
	ffprobe string
	tempDir string
}

// New builds a Tool. A nil executor uses os/exec.
func New(cfg Config, executor Executor) *Tool {
	if executor == nil {
		executor = NewExecutor()
	}
	t := &Tool{exec: executor, ffmpeg: cfg.FFmpegPath, ffprobe: cfg.FFprobePath, tempDir: cfg.TempDir}
	if t.ffmpeg == "" {
		t.ffmpeg = "ffmpeg"
	}
	if t.ffprobe == "" {
		t.ffprobe = "ffprobe"
	}
	if t.tempDir == "" {
		t.tempDir = os.TempDir()
	}
	return t
}

// TempDir returns the scratch directory used for intermediate files.
func (t *Tool) TempDir() string { return t.tempDir }

// Info is what ffprobe reports about the first audio stream.
type Info struct {
	Duration   time.Duration
	Channels   int
	SampleRate int
	Codec      string
}

type probeOutput struct {
	Streams []struct {
		CodecName  string `json:"codec_name"`
		Channels   int    `json:"channels"`
		SampleRate string `json:"sample_rate"`
		Duration   string `json:"duration"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// Probe inspects the first audio stream of a file.
func (t *Tool) Probe(ctx context.Context, path string) (Info, error) {
	out, err := t.exec.Execute(ctx, t.ffprobe,
		"-v", "error",
		"-select_streams", "a:0",
		"-show_entries", "stream=codec_name,channels,sample_rate,duration:format=duration",
		"-of", "json",
		path,
	)
	if err != nil {
		return Info{}, external("probe", path, err)
	}
	return parseProbe(out)
}

func parseProbe(raw []byte) (Info, error) {
	var out probeOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return Info{}, errs.New("ffmpeg", errs.CodeExternal, errs.WithMessage("decode ffprobe output"), errs.WithCause(err))
	}
	if len(out.Streams) == 0 {
		return Info{}, errs.New("ffmpeg", errs.CodeInvalid, errs.WithMessage("no audio stream"))
	}
	stream := out.Streams[0]
	info := Info{Channels: stream.Channels, Codec: stream.CodecName}
	if stream.SampleRate != "" {
		rate, err := strconv.Atoi(stream.SampleRate)
		if err != nil {
			return Info{}, errs.New("ffmpeg", errs.CodeExternal,
				errs.WithMessage("invalid sample rate"),
				errs.WithDetail("sample_rate", stream.SampleRate))
		}
		info.SampleRate = rate
	}
	duration := stream.Duration
	if duration == "" || duration == "N/A" {
		duration = out.Format.Duration
	}
	if duration != "" && duration != "N/A" {
		seconds, err := strconv.ParseFloat(duration, 64)
		if err != nil {
			return Info{}, errs.New("ffmpeg", errs.CodeExternal,
				errs.WithMessage("invalid duration"),
				errs.WithDetail("duration", duration))
		}
		info.Duration = time.Duration(math.Round(seconds * float64(time.Second)))
	}
	return info, nil
}

// Cut extracts [offset, offset+duration) of input into output as PCM WAV.
func (t *Tool) Cut(ctx context.Context, input, output string, offset, duration time.Duration) error {
	args := cutArgs(input, output, offset, duration)
	if _, err := t.exec.Execute(ctx, t.ffmpeg, args...); err != nil {
		var exitErr *ExitError
		if errors.As(err, &exitErr) {
			return errs.New("ffmpeg", errs.CodeSplittingFailed,
				errs.WithMessage("cut segment"),
				errs.WithDetail("input", filepath.Base(input)),
				errs.WithDetail("offset", offset.String()),
				errs.WithCause(err))
		}
		return external("cut", input, err)
	}
	return nil
}

func cutArgs(input, output string, offset, duration time.Duration) []string {
	return []string{
		"-y",
		"-v", "error",
		"-ss", seconds(offset),
		"-t", seconds(duration),
		"-i", input,
		"-map", "0:a",
		"-c:a", outputCodec,
		"-ac", strconv.Itoa(OutputChannels),
		"-ar", strconv.Itoa(OutputSampleRate),
		output,
	}
}

// Filter runs input through an audio filter graph into output as PCM WAV.
func (t *Tool) Filter(ctx context.Context, input, output string, chain Chain) error {
	if len(chain) == 0 {
		return errs.New("ffmpeg", errs.CodeInvalid, errs.WithMessage("empty filter chain"))
	}
	args := []string{
		"-y",
		"-v", "error",
		"-i", input,
		"-af", chain.String(),
		"-c:a", outputCodec,
		output,
	}
	if _, err := t.exec.Execute(ctx, t.ffmpeg, args...); err != nil {
		return external("filter", input, err)
	}
	return nil
}

// WorkDir creates a private scratch directory. The caller removes it.
func (t *Tool) WorkDir(prefix string) (string, error) {
	dir, err := os.MkdirTemp(t.tempDir, prefix+"-")
	if err != nil {
		return "", fmt.Errorf("ffmpeg: create work dir: %w", err)
	}
	return dir, nil
}

func external(op, path string, err error) error {
	if errs.CodeOf(err) != "" {
		return err
	}
	return errs.New("ffmpeg", errs.CodeExternal,
		errs.WithMessage(op),
		errs.WithDetail("file", filepath.Base(path)),
		errs.WithCause(err))
}

func seconds(d time.Duration) string {
	return strings.TrimRight(strings.TrimRight(strconv.FormatFloat(d.Seconds(), 'f', 3, 64), "0"), ".")
}
