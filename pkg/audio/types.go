// Package audio describes 16-bit PCM streams and the WAV container used to
// carry them to upstreams that expect a file upload.
package audio

import "time"

// bitsPerSample is fixed at 16: every source handled here is 16-bit signed
// little-endian PCM.
const bitsPerSample = 16

// Format describes the sample rate and channel count of a PCM stream.
type Format struct {
	SampleRate int
	Channels   int
}

// DefaultFormat is 16 kHz mono, what most STT providers expect.
var DefaultFormat = Format{SampleRate: 16000, Channels: 1}

// BlockAlign returns the size in bytes of one sample frame across all
// channels. Chunk boundaries must fall on multiples of it.
func (f Format) BlockAlign() int {
	return f.Channels * bitsPerSample / 8
}

// BytesPerSecond returns the PCM byte rate of f.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.BlockAlign()
}

// Duration returns the play time of n PCM bytes in format f. Returns 0 for an
// invalid format.
func (f Format) Duration(n int64) time.Duration {
	bps := int64(f.BytesPerSecond())
	if bps <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(bps)
}

// Valid reports whether f describes a usable PCM stream.
func (f Format) Valid() bool {
	return f.SampleRate > 0 && f.Channels > 0
}
