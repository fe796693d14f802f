package fanout

import (
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/saker-ai/smart-intercom/pkg/audio"
)

// Member is one audio listener attached to a hub.
type Member struct {
	ID     string
	Stream *audio.Stream
}

// Hub distributes device audio frames to independent listener streams.
// Each member owns its buffer, so a slow listener only loses its own oldest
// frames.
type Hub struct {
	mu       sync.RWMutex
	capacity int
	members  map[string]*audio.Stream
}

// NewHub creates a hub whose member streams buffer capacity frames.
func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = audio.DefaultStreamCapacity
	}
	return &Hub{
		capacity: capacity,
		members:  make(map[string]*audio.Stream),
	}
}

// Join attaches a started stream and returns it with its member id.
func (h *Hub) Join() Member {
	stream := audio.NewStream(h.capacity)
	stream.Start()
	id := uuid.NewString()

	h.mu.Lock()
	h.members[id] = stream
	h.mu.Unlock()
	return Member{ID: id, Stream: stream}
}

// Leave stops and detaches a member. It reports false for unknown ids.
func (h *Hub) Leave(id string) bool {
	h.mu.Lock()
	stream, ok := h.members[id]
	delete(h.members, id)
	h.mu.Unlock()
	if ok {
		stream.Stop()
	}
	return ok
}

// Publish enqueues frame on every member stream.
func (h *Hub) Publish(frame []byte) {
	if len(frame) == 0 {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, stream := range h.members {
		stream.Enqueue(frame)
	}
}

// Len returns the number of attached members.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.members)
}

// Members returns the sorted member ids.
func (h *Hub) Members() []string {
	h.mu.RLock()
	ids := make([]string, 0, len(h.members))
	for id := range h.members {
		ids = append(ids, id)
	}
	h.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Close detaches and stops every member.
func (h *Hub) Close() {
	h.mu.Lock()
	members := h.members
	h.members = make(map[string]*audio.Stream)
	h.mu.Unlock()
	for _, stream := range members {
		stream.Stop()
	}
}
