package ffmpeg

import (
	"fmt"
	"strings"
)

// Filter is one node of an ffmpeg audio filter graph.
type Filter struct {
	Name string
	// Options are rendered in order as key=value pairs.
	Options [][2]string
}

func (f Filter) String() string {
	if len(f.Options) == 0 {
		return f.Name
	}
	pairs := make([]string, 0, len(f.Options))
	for _, opt := range f.Options {
		pairs = append(pairs, opt[0]+"="+opt[1])
	}
	return f.Name + "=" + strings.Join(pairs, ":")
}

// Chain is an ordered filter graph applied left to right.
type Chain []Filter

func (c Chain) String() string {
	parts := make([]string, 0, len(c))
	for _, f := range c {
		parts = append(parts, f.String())
	}
	return strings.Join(parts, ",")
}

// NoiseGate attenuates signal below thresholdDB.
func NoiseGate(thresholdDB, ratio float64, releaseMS int) Filter {
	return Filter{Name: "agate", Options: [][2]string{
		{"threshold", db(thresholdDB)},
		{"ratio", num(ratio)},
		{"release", fmt.Sprint(releaseMS)},
	}}
}

// Compressor reduces dynamic range above thresholdDB.
func Compressor(thresholdDB, ratio float64, attackMS, releaseMS int) Filter {
	return Filter{Name: "acompressor", Options: [][2]string{
		{"threshold", db(thresholdDB)},
		{"ratio", num(ratio)},
		{"attack", fmt.Sprint(attackMS)},
		{"release", fmt.Sprint(releaseMS)},
	}}
}

// LowShelf boosts or cuts frequencies below cutoffHz.
func LowShelf(cutoffHz int, gainDB, q float64) Filter {
	return Filter{Name: "lowshelf", Options: [][2]string{
		{"f", fmt.Sprint(cutoffHz)},
		{"g", num(gainDB)},
		{"t", "q"},
		{"w", num(q)},
	}}
}

// Gain changes the volume by gainDB.
func Gain(gainDB float64) Filter {
	return Filter{Name: "volume", Options: [][2]string{{"volume", db(gainDB)}}}
}

// SpeechChain is the enhancement applied to every segment before recognition.
func SpeechChain() Chain {
	return Chain{
		NoiseGate(-30, 1.5, 250),
		Compressor(-16, 4, 5, 100),
		LowShelf(400, 8, 1),
		Gain(2),
	}
}

func db(v float64) string {
	return num(v) + "dB"
}

func num(v float64) string {
	return strings.TrimSuffix(fmt.Sprintf("%g", v), ".0")
}
