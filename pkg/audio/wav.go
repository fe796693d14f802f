package audio

import (
	"bytes"
	"encoding/binary"
)

const (
	// WAVHeaderSize is the size of the canonical RIFF/WAVE header.
	WAVHeaderSize = 44
	// UnknownDataSize marks a stream of unknown length. Decoders read it as
	// "play until the connection closes".
	UnknownDataSize uint32 = 0xFFFFFFFF - 36

	wavFormatPCM = 1
)

// WAVHeader returns the 44-byte header for numSamples sample frames in
// format f. A zero numSamples produces a live-stream header whose RIFF and
// data size fields both hold UnknownDataSize.
func WAVHeader(f Format, numSamples int) []byte {
	f = f.Normalize()
	if numSamples <= 0 {
		return wavHeader(f, UnknownDataSize, UnknownDataSize)
	}
	dataSize := uint32(numSamples * f.BlockAlign())
	return wavHeader(f, dataSize+36, dataSize)
}

// EncodeWAV wraps a complete PCM buffer in a WAV container.
func EncodeWAV(f Format, pcm []byte) []byte {
	f = f.Normalize()
	out := make([]byte, 0, WAVHeaderSize+len(pcm))
	out = append(out, wavHeader(f, uint32(len(pcm))+36, uint32(len(pcm)))...)
	return append(out, pcm...)
}

func wavHeader(f Format, riffSize, dataSize uint32) []byte {
	var buf bytes.Buffer
	buf.Grow(WAVHeaderSize)

	buf.WriteString("RIFF")
	_ = binary.Write(&buf, binary.LittleEndian, riffSize)
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(16))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(wavFormatPCM))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(f.Channels))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(f.SampleRate))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(f.ByteRate()))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(f.BlockAlign()))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(f.BitsPerSample))

	buf.WriteString("data")
	_ = binary.Write(&buf, binary.LittleEndian, dataSize)

	return buf.Bytes()
}
