package audio

import (
	"errors"
	"fmt"
	"sync"

	resampler "github.com/godeps/go-audio-soxr"
)

type soxrKey struct {
	inRate  int
	outRate int
}

var soxrPools sync.Map

func soxrPool(key soxrKey) *sync.Pool {
	if pool, ok := soxrPools.Load(key); ok {
		return pool.(*sync.Pool)
	}
	actual, _ := soxrPools.LoadOrStore(key, &sync.Pool{})
	return actual.(*sync.Pool)
}

// Resampler converts mono float32 audio between sample rates. Engines are
// pooled per rate pair; Close returns the engine to its pool.
type Resampler struct {
	key    soxrKey
	engine *resampler.SimpleResamplerFloat32
}

// NewResampler acquires an engine converting inRate to outRate.
func NewResampler(inRate, outRate int) (*Resampler, error) {
	if inRate <= 0 || outRate <= 0 {
		return nil, fmt.Errorf("invalid resample rates %d -> %d", inRate, outRate)
	}
	key := soxrKey{inRate: inRate, outRate: outRate}
	if v := soxrPool(key).Get(); v != nil {
		if engine, ok := v.(*resampler.SimpleResamplerFloat32); ok && engine != nil {
			return &Resampler{key: key, engine: engine}, nil
		}
	}
	engine, err := resampler.NewEngineFloat32(float64(inRate), float64(outRate), resampler.QualityHigh)
	if err != nil {
		return nil, fmt.Errorf("create soxr engine: %w", err)
	}
	return &Resampler{key: key, engine: engine}, nil
}

// Process resamples one block of input.
func (r *Resampler) Process(input []float32) ([]float32, error) {
	if r == nil || r.engine == nil {
		return nil, errors.New("soxr resampler is closed")
	}
	return r.engine.Process(input)
}

// Flush drains samples still held by the engine.
func (r *Resampler) Flush() ([]float32, error) {
	if r == nil || r.engine == nil {
		return nil, errors.New("soxr resampler is closed")
	}
	return r.engine.Flush()
}

// Close resets the engine and returns it to the pool.
func (r *Resampler) Close() {
	if r == nil || r.engine == nil {
		return
	}
	r.engine.Reset()
	soxrPool(r.key).Put(r.engine)
	r.engine = nil
}

// ResamplePCM16 converts a complete buffer of mono 16-bit little-endian PCM
// from inRate to outRate.
func ResamplePCM16(pcm []byte, inRate, outRate int) ([]byte, error) {
	if inRate == outRate || len(pcm) < 2 {
		return pcm, nil
	}
	r, err := NewResampler(inRate, outRate)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	in := AcquireFloat32(len(pcm) / 2)
	in = PCM16ToFloat32Into(in, pcm)
	out, err := r.Process(in)
	ReleaseFloat32(in)
	if err != nil {
		return nil, fmt.Errorf("resample: %w", err)
	}
	tail, err := r.Flush()
	if err != nil {
		return nil, fmt.Errorf("resample flush: %w", err)
	}
	samples := make([]float32, 0, len(out)+len(tail))
	samples = append(samples, out...)
	samples = append(samples, tail...)
	return Float32ToPCM16Into(nil, samples), nil
}
