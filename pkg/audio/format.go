package audio

import "fmt"

// Format describes raw PCM exchanged with the device. It is fixed per
// deployment and must match the device firmware.
type Format struct {
	SampleRate    int
	BitsPerSample int
	Channels      int
}

// DefaultFormat is 16 kHz, 16-bit, mono.
func DefaultFormat() Format {
	return Format{
		SampleRate:    16000,
		BitsPerSample: 16,
		Channels:      1,
	}
}

// Normalize fills zero fields from DefaultFormat.
func (f Format) Normalize() Format {
	def := DefaultFormat()
	if f.SampleRate <= 0 {
		f.SampleRate = def.SampleRate
	}
	if f.BitsPerSample <= 0 {
		f.BitsPerSample = def.BitsPerSample
	}
	if f.Channels <= 0 {
		f.Channels = def.Channels
	}
	return f
}

// BlockAlign is the size in bytes of one sample frame across all channels.
func (f Format) BlockAlign() int {
	return f.Channels * (f.BitsPerSample / 8)
}

// ByteRate is the number of bytes per second of audio.
func (f Format) ByteRate() int {
	return f.SampleRate * f.BlockAlign()
}

func (f Format) String() string {
	return fmt.Sprintf("%dHz/%dbit/%dch", f.SampleRate, f.BitsPerSample, f.Channels)
}
