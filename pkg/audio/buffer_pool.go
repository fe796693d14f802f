package audio

import "sync"

var bytesPool sync.Pool
var float32Pool sync.Pool

// AcquireBytes returns a byte slice with length size.
func AcquireBytes(size int) []byte {
	if size <= 0 {
		return nil
	}
	if v := bytesPool.Get(); v != nil {
		buf := v.([]byte)
		if cap(buf) >= size {
			return buf[:size]
		}
	}
	return make([]byte, size)
}

// AcquireSilence returns a zeroed byte slice with length size.
func AcquireSilence(size int) []byte {
	buf := AcquireBytes(size)
	clear(buf)
	return buf
}

// ReleaseBytes puts a byte slice back to the pool.
func ReleaseBytes(buf []byte) {
	if buf == nil {
		return
	}
	bytesPool.Put(buf[:0])
}

// AcquireFloat32 returns a float32 slice with length size.
func AcquireFloat32(size int) []float32 {
	if size <= 0 {
		return nil
	}
	if v := float32Pool.Get(); v != nil {
		buf := v.([]float32)
		if cap(buf) >= size {
			return buf[:size]
		}
	}
	return make([]float32, size)
}

// ReleaseFloat32 puts a float32 slice back to the pool.
func ReleaseFloat32(buf []float32) {
	if buf == nil {
		return
	}
	float32Pool.Put(buf[:0])
}
