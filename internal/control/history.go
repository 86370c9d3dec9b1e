package control

import (
	"sync"

	"lanhub/internal/protocol"
)

// History is a fixed-capacity ring of the most recent chat, broadcast and
// unicast messages, replayed to clients on get_history.
type History struct {
	mu    sync.Mutex
	buf   []protocol.Message
	start int
	count int
}

// NewHistory returns a ring holding up to max messages.
func NewHistory(max int) *History {
	if max <= 0 {
		max = 500
	}
	return &History{buf: make([]protocol.Message, max)}
}

// Append records one message, evicting the oldest when full.
func (h *History) Append(msg protocol.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.count < len(h.buf) {
		h.buf[(h.start+h.count)%len(h.buf)] = msg
		h.count++
		return
	}
	h.buf[h.start] = msg
	h.start = (h.start + 1) % len(h.buf)
}

// Snapshot returns the retained messages, oldest first.
func (h *History) Snapshot() []protocol.Message {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]protocol.Message, h.count)
	for i := 0; i < h.count; i++ {
		out[i] = h.buf[(h.start+i)%len(h.buf)]
	}
	return out
}

// Len returns how many messages are retained.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}
