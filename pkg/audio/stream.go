package audio

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultStreamCapacity is the number of frames a Stream buffers.
const DefaultStreamCapacity = 100

// Stream decouples the arrival rate of device audio from one consumer.
// Enqueue never blocks; when the buffer is full the oldest frame is evicted.
// Each Stream owns its buffer, so several streams fed from the same source
// never affect each other.
type Stream struct {
	capacity int

	mu      sync.Mutex
	frames  [][]byte
	started bool

	signal  chan struct{}
	dropped atomic.Uint64
}

// NewStream creates a stopped stream buffering up to capacity frames.
func NewStream(capacity int) *Stream {
	if capacity <= 0 {
		capacity = DefaultStreamCapacity
	}
	return &Stream{
		capacity: capacity,
		frames:   make([][]byte, 0, capacity),
		signal:   make(chan struct{}, 1),
	}
}

// Enqueue appends frame if the stream is started. Frames are retained by
// reference and must not be modified afterwards.
func (s *Stream) Enqueue(frame []byte) {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	if len(s.frames) >= s.capacity {
		copy(s.frames, s.frames[1:])
		s.frames[len(s.frames)-1] = nil
		s.frames = s.frames[:len(s.frames)-1]
		s.dropped.Add(1)
	}
	s.frames = append(s.frames, frame)
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// Dequeue returns the oldest buffered frame, waiting up to timeout for one
// to arrive. It returns false on timeout, when ctx is done, or while the
// stream is stopped.
func (s *Stream) Dequeue(ctx context.Context, timeout time.Duration) ([]byte, bool) {
	if frame, ok := s.pop(); ok {
		return frame, true
	}
	if timeout <= 0 {
		return nil, false
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, false
		case <-timer.C:
			return s.pop()
		case <-s.signal:
			if frame, ok := s.pop(); ok {
				return frame, true
			}
			if !s.Started() {
				return nil, false
			}
		}
	}
}

// Start discards residual frames and begins accepting new ones.
func (s *Stream) Start() {
	s.mu.Lock()
	for i := range s.frames {
		s.frames[i] = nil
	}
	s.frames = s.frames[:0]
	s.started = true
	s.mu.Unlock()

	select {
	case <-s.signal:
	default:
	}
}

// Stop rejects further frames and wakes a pending Dequeue. Buffered frames
// are kept until the next Start clears them.
func (s *Stream) Stop() {
	s.mu.Lock()
	s.started = false
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// Started reports whether the stream accepts frames.
func (s *Stream) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// Len returns the number of buffered frames.
func (s *Stream) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

// Dropped returns how many frames were evicted to admit newer ones.
func (s *Stream) Dropped() uint64 {
	return s.dropped.Load()
}

func (s *Stream) pop() ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started || len(s.frames) == 0 {
		return nil, false
	}
	frame := s.frames[0]
	copy(s.frames, s.frames[1:])
	s.frames[len(s.frames)-1] = nil
	s.frames = s.frames[:len(s.frames)-1]
	return frame, true
}
