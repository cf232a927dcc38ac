package agent

import (
	"sync"
	"time"

	"wecombot/internal/provider"
)

// DefaultHistoryIdle is how long an untouched conversation is remembered.
const DefaultHistoryIdle = 30 * time.Minute

// History remembers the last few exchanges of each conversation in memory.
// It resets on restart. A nil *History remembers nothing.
type History struct {
	maxTurns int
	idle     time.Duration
	now      func() time.Time

	mu    sync.Mutex
	convs map[string]*conversation
}

type conversation struct {
	turns    []provider.Message // alternating user/assistant
	lastUsed time.Time
}

// NewHistory keeps up to maxTurns exchanges per conversation. It returns nil
// when maxTurns is not positive.
func NewHistory(maxTurns int, idle time.Duration) *History {
	if maxTurns <= 0 {
		return nil
	}
	if idle <= 0 {
		idle = DefaultHistoryIdle
	}
	return &History{
		maxTurns: maxTurns,
		idle:     idle,
		now:      time.Now,
		convs:    make(map[string]*conversation),
	}
}

// Messages returns a copy of the remembered turns of key, oldest first.
func (h *History) Messages(key string) []provider.Message {
	if h == nil {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.convs[key]
	if !ok {
		return nil
	}
	if h.now().Sub(c.lastUsed) > h.idle {
		delete(h.convs, key)
		return nil
	}
	return append([]provider.Message(nil), c.turns...)
}

// Append records one exchange and forgets the oldest beyond the limit.
func (h *History) Append(key, user, assistant string) {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	now := h.now()
	h.pruneLocked(now)

	c, ok := h.convs[key]
	if !ok {
		c = &conversation{}
		h.convs[key] = c
	}
	c.turns = append(c.turns,
		provider.Message{Role: "user", Content: user},
		provider.Message{Role: "assistant", Content: assistant},
	)
	if over := len(c.turns) - 2*h.maxTurns; over > 0 {
		c.turns = append(c.turns[:0:0], c.turns[over:]...)
	}
	c.lastUsed = now
}

// Clear forgets key.
func (h *History) Clear(key string) {
	if h == nil {
		return
	}
	h.mu.Lock()
	delete(h.convs, key)
	h.mu.Unlock()
}

// Len returns the number of exchanges remembered for key.
func (h *History) Len(key string) int {
	if h == nil {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.convs[key]; ok {
		return len(c.turns) / 2
	}
	return 0
}

func (h *History) pruneLocked(now time.Time) {
	for key, c := range h.convs {
		if now.Sub(c.lastUsed) > h.idle {
			delete(h.convs, key)
		}
	}
}
