package speech

import (
	"fmt"
	"strings"
	"time"

	"github.com/coachpo/audiosum/errs"
	"github.com/coachpo/audiosum/internal/domain/audio"
)

// Encoding is an audio encoding accepted by the recognition API.
type Encoding string

const (
	EncodingPCM   Encoding = "PCM_S16LE"
	EncodingOpus  Encoding = "OPUS"
	EncodingMP3   Encoding = "MP3"
	EncodingFLAC  Encoding = "FLAC"
	EncodingALAW  Encoding = "ALAW"
	EncodingMULAW Encoding = "MULAW"
	EncodingG729  Encoding = "G729"
)

type encodingSpec struct {
	maxChannels int
	// minRate and maxRate are zero when the service detects the rate itself.
	minRate     int
	maxRate     int
	contentType string
}

var encodings = map[Encoding]encodingSpec{
	EncodingPCM:   {maxChannels: 8, minRate: 8000, maxRate: 96000, contentType: "audio/x-pcm;bit=16;rate=%d"},
	EncodingOpus:  {maxChannels: 1, contentType: "audio/ogg;codecs=opus"},
	EncodingMP3:   {maxChannels: 2, contentType: "audio/mpeg"},
	EncodingFLAC:  {maxChannels: 8, contentType: "audio/flac"},
	EncodingALAW:  {maxChannels: 1, minRate: 8000, maxRate: 8000, contentType: "audio/pcma;rate=%d"},
	EncodingMULAW: {maxChannels: 1, minRate: 8000, maxRate: 8000, contentType: "audio/pcmu;rate=%d"},
	EncodingG729:  {maxChannels: 1, minRate: 8000, maxRate: 8000, contentType: "audio/g729"},
}

// EncodingFor maps a container format to the encoding the service expects.
func EncodingFor(format audio.Format) (Encoding, error) {
	switch format {
	case audio.FormatWAV:
		return EncodingPCM, nil
	case audio.FormatOGG, audio.FormatOPUS, audio.FormatWEBM:
		return EncodingOpus, nil
	case audio.FormatMP3:
		return EncodingMP3, nil
	case audio.FormatFLAC:
		return EncodingFLAC, nil
	default:
		return "", errs.New("speech", errs.CodeInvalid,
			errs.WithMessage("unsupported audio format for recognition"),
			errs.WithDetail("format", string(format)))
	}
}

// ContentType validates the channel count and sample rate and returns the upload MIME type.
func (e Encoding) ContentType(channels, sampleRate int) (string, error) {
	spec, ok := encodings[e]
	if !ok {
		return "", errs.New("speech", errs.CodeInvalid, errs.WithMessage("unknown encoding"), errs.WithDetail("encoding", string(e)))
	}
	if channels <= 0 || channels > spec.maxChannels {
		return "", errs.New("speech", errs.CodeInvalid,
			errs.WithMessage("channel count out of range"),
			errs.WithDetail("encoding", string(e)),
			errs.WithDetail("channels", fmt.Sprint(channels)))
	}
	if spec.maxRate > 0 && (sampleRate < spec.minRate || sampleRate > spec.maxRate) {
		return "", errs.New("speech", errs.CodeInvalid,
			errs.WithMessage("sample rate out of range"),
			errs.WithDetail("encoding", string(e)),
			errs.WithDetail("sample_rate", fmt.Sprint(sampleRate)))
	}
	if strings.Contains(spec.contentType, "%d") {
		return fmt.Sprintf(spec.contentType, sampleRate), nil
	}
	return spec.contentType, nil
}

// TaskStatus is the lifecycle state of a recognition task.
type TaskStatus string

const (
	TaskNew      TaskStatus = "NEW"
	TaskRunning  TaskStatus = "RUNNING"
	TaskCanceled TaskStatus = "CANCELED"
	TaskDone     TaskStatus = "DONE"
	TaskError    TaskStatus = "ERROR"
)

// Terminal reports whether polling can stop.
func (s TaskStatus) Terminal() bool {
	return s == TaskDone || s == TaskError || s == TaskCanceled
}

// Task is a recognition job.
type Task struct {
	ID             string     `json:"id"`
	Status         TaskStatus `json:"status"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	ResponseFileID string     `json:"response_file_id,omitempty"`
	Error          string     `json:"error,omitempty"`
}

// Options tune a recognition request.
type Options struct {
	Model           string
	Encoding        Encoding
	SampleRate      int
	Language        string
	ChannelsCount   int
	ProfanityFilter bool
	Diarization     bool
	SpeakerCount    int
}

// Emotion is the dominant emotion of an utterance.
type Emotion string

const (
	EmotionPositive Emotion = "positive"
	EmotionNeutral  Emotion = "neutral"
	EmotionNegative Emotion = "negative"
)

// Utterance is one recognised phrase.
type Utterance struct {
	Text    string
	Speaker *int
	Emotion Emotion
}

// Transcript is the recognised speech of one file, in order.
type Transcript []Utterance

// Markdown renders the transcript as a numbered list with speaker and emotion marks.
func (t Transcript) Markdown() string {
	if len(t) == 0 {
		return "No speech recognized"
	}
	lines := make([]string, 0, len(t))
	for i, u := range t {
		line := fmt.Sprintf("%d. %s", i+1, u.Text)
		if u.Speaker != nil {
			line += fmt.Sprintf(" (%d)", *u.Speaker)
		}
		if u.Emotion != "" {
			line += fmt.Sprintf(" [%s]", u.Emotion)
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

// Text joins the utterances into plain prose.
func (t Transcript) Text() string {
	parts := make([]string, 0, len(t))
	for _, u := range t {
		if s := strings.TrimSpace(u.Text); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, " ")
}

type recognitionResult struct {
	Results []struct {
		Text           string `json:"text"`
		NormalizedText string `json:"normalized_text"`
	} `json:"results"`
	SpeakerInfo *struct {
		SpeakerID int `json:"speaker_id"`
	} `json:"speaker_info"`
	EmotionsResult map[Emotion]float64 `json:"emotions_result"`
}

func (r recognitionResult) utterance() (Utterance, bool) {
	if len(r.Results) == 0 {
		return Utterance{}, false
	}
	text := r.Results[0].NormalizedText
	if text == "" {
		text = r.Results[0].Text
	}
	u := Utterance{Text: text, Emotion: dominantEmotion(r.EmotionsResult)}
	// speaker -1 means separation was off
	if r.SpeakerInfo != nil && r.SpeakerInfo.SpeakerID >= 0 {
		id := r.SpeakerInfo.SpeakerID
		u.Speaker = &id
	}
	return u, true
}

func dominantEmotion(scores map[Emotion]float64) Emotion {
	var (
		best  Emotion
		score = -1.0
	)
	for _, e := range []Emotion{EmotionPositive, EmotionNeutral, EmotionNegative} {
		if v, ok := scores[e]; ok && v > score {
			best, score = e, v
		}
	}
	return best
}
