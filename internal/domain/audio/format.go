// Package audio defines audio value objects and segmentation rules.
package audio

import (
	"path/filepath"
	"strings"
)

// Format names an audio container or codec by its file extension.
type Format string

const (
	FormatMP3  Format = "mp3"
	FormatWAV  Format = "wav"
	FormatM4A  Format = "m4a"
	FormatFLAC Format = "flac"
	FormatAAC  Format = "aac"
	FormatOGG  Format = "ogg"
	FormatWMA  Format = "wma"
	FormatAIFF Format = "aiff"
	FormatALAC Format = "alac"
	FormatOPUS Format = "opus"
	FormatAMR  Format = "amr"
	FormatWEBM Format = "webm"
	FormatMP4  Format = "mp4"
)

var knownFormats = map[Format]struct{}{
	FormatMP3: {}, FormatWAV: {}, FormatM4A: {}, FormatFLAC: {}, FormatAAC: {},
	FormatOGG: {}, FormatWMA: {}, FormatAIFF: {}, FormatALAC: {}, FormatOPUS: {},
	FormatAMR: {}, FormatWEBM: {}, FormatMP4: {},
}

// ParseFormat normalises a format name and reports whether it is supported.
func ParseFormat(raw string) (Format, bool) {
	f := Format(strings.ToLower(strings.TrimPrefix(strings.TrimSpace(raw), ".")))
	_, ok := knownFormats[f]
	return f, ok
}

// FormatFromPath derives the format from a file extension.
func FormatFromPath(path string) (Format, bool) {
	return ParseFormat(filepath.Ext(path))
}

// IsLossless reports whether the format stores uncompressed or losslessly compressed audio.
func (f Format) IsLossless() bool {
	switch f {
	case FormatWAV, FormatFLAC, FormatAIFF, FormatALAC:
		return true
	default:
		return false
	}
}

// Extension returns the dotted file extension.
func (f Format) Extension() string {
	return "." + string(f)
}

func (f Format) String() string { return string(f) }
