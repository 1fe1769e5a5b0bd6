package collab

import (
	"sync"
	"time"
)

// DefaultHistoryLimit is the number of chat messages a workspace retains.
const DefaultHistoryLimit = 100

// ChatEntry is one admitted chat message. From is the sender's user ID as
// stamped by the relay, never a value taken from the payload.
type ChatEntry struct {
	From       string    `json:"from"`
	Username   string    `json:"username"`
	Content    string    `json:"content"`
	ReceivedAt time.Time `json:"received_at"`
}

// History keeps the most recent chat entries in a fixed-size ring buffer so a
// long-lived session cannot grow without bound. It is goroutine-safe.
type History struct {
	mu    sync.RWMutex
	items []ChatEntry
	pos   int
	count int
}

// NewHistory returns an empty History holding at most limit entries. A
// non-positive limit selects DefaultHistoryLimit.
func NewHistory(limit int) *History {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &History{items: make([]ChatEntry, limit)}
}

// Add appends an entry. When the buffer is full the oldest entry is
// overwritten.
func (h *History) Add(entry ChatEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.items[h.pos] = entry
	h.pos = (h.pos + 1) % len(h.items)
	if h.count < len(h.items) {
		h.count++
	}
}

// Entries returns the retained entries in chronological order (oldest
// first). The result is never nil.
func (h *History) Entries() []ChatEntry {
	h.mu.RLock()
	defer h.mu.RUnlock()

	size := len(h.items)
	result := make([]ChatEntry, h.count)
	// The oldest entry is at position (pos - count) mod size.
	start := (h.pos - h.count + size) % size
	for i := 0; i < h.count; i++ {
		result[i] = h.items[(start+i)%size]
	}
	return result
}

// Len returns the number of retained entries.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}

