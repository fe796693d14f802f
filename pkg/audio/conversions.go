package audio

import "math"

func float32ToInt16(sample float32) int16 {
	if sample > 1.0 {
		return math.MaxInt16
	}
	if sample < -1.0 {
		return math.MinInt16
	}
	return int16(sample * math.MaxInt16)
}

// PCM16ToFloat32Into decodes little-endian 16-bit PCM into normalised
// float32 samples. A trailing odd byte is ignored.
func PCM16ToFloat32Into(dst []float32, pcm []byte) []float32 {
	n := len(pcm) / 2
	if cap(dst) < n {
		dst = make([]float32, n)
	} else {
		dst = dst[:n]
	}
	for i := 0; i < n; i++ {
		sample := int16(uint16(pcm[i*2]) | uint16(pcm[i*2+1])<<8)
		dst[i] = float32(sample) / float32(math.MaxInt16)
	}
	return dst
}

// Float32ToPCM16Into encodes float32 samples as little-endian 16-bit PCM.
func Float32ToPCM16Into(dst []byte, samples []float32) []byte {
	needed := len(samples) * 2
	if cap(dst) < needed {
		dst = make([]byte, needed)
	} else {
		dst = dst[:needed]
	}
	for i, sample := range samples {
		v := float32ToInt16(sample)
		dst[i*2] = byte(v)
		dst[i*2+1] = byte(v >> 8)
	}
	return dst
}
