package gateway

import (
	"sort"
	"sync"
	"time"

	"wecombot/internal/bus"
)

// AccountStatus is the observable state of one account.
type AccountStatus struct {
	AccountID      string    `json:"accountId"`
	Running        bool      `json:"running"`
	Configured     bool      `json:"configured"`
	WebhookPath    string    `json:"webhookPath,omitempty"`
	LastStartAt    time.Time `json:"lastStartAt,omitzero"`
	LastStopAt     time.Time `json:"lastStopAt,omitzero"`
	LastInboundAt  time.Time `json:"lastInboundAt,omitzero"`
	LastOutboundAt time.Time `json:"lastOutboundAt,omitzero"`
	LastError      string    `json:"lastError,omitempty"`
}

// StatusTracker folds bus events into per-account status.
type StatusTracker struct {
	events *bus.EventBus

	mu       sync.RWMutex
	accounts map[string]*AccountStatus
	subs     map[string]string // handler id -> event type
}

func NewStatusTracker(events *bus.EventBus) *StatusTracker {
	s := &StatusTracker{
		events:   events,
		accounts: make(map[string]*AccountStatus),
		subs:     make(map[string]string),
	}
	for typ, fn := range map[string]bus.EventHandler{
		bus.EventAccountStarted:  s.onStarted,
		bus.EventAccountStopped:  s.onStopped,
		bus.EventWebhookReceived: s.onInbound,
		bus.EventStreamFinished:  s.onFinished,
	} {
		s.subs[events.On(typ, fn)] = typ
	}
	return s
}

// entry returns the status of id, creating it. Caller holds mu.
func (s *StatusTracker) entry(id string) *AccountStatus {
	st, ok := s.accounts[id]
	if !ok {
		st = &AccountStatus{AccountID: id}
		s.accounts[id] = st
	}
	return st
}

func (s *StatusTracker) onStarted(e bus.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.entry(e.AccountID)
	st.Running = true
	st.Configured = true
	if c, ok := e.Payload["configured"].(bool); ok {
		st.Configured = c
	}
	st.WebhookPath, _ = e.Payload["path"].(string)
	st.LastStartAt = e.Timestamp
	st.LastError = ""
}

func (s *StatusTracker) onStopped(e bus.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.entry(e.AccountID)
	st.Running = false
	st.LastStopAt = e.Timestamp
}

func (s *StatusTracker) onInbound(e bus.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entry(e.AccountID).LastInboundAt = e.Timestamp
}

func (s *StatusTracker) onFinished(e bus.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.entry(e.AccountID)
	st.LastOutboundAt = e.Timestamp
	if msg, ok := e.Payload["error"].(string); ok && msg != "" {
		st.LastError = msg
	}
}

// skipped records an account that was not started.
func (s *StatusTracker) skipped(id, path string, configured bool, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.entry(id)
	st.Running = false
	st.Configured = configured
	st.WebhookPath = path
	st.LastError = reason
}

// Get returns the status of one account.
func (s *StatusTracker) Get(id string) (AccountStatus, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.accounts[id]
	if !ok {
		return AccountStatus{}, false
	}
	return *st, true
}

// Snapshot returns every known account sorted by id.
func (s *StatusTracker) Snapshot() []AccountStatus {
	s.mu.RLock()
	out := make([]AccountStatus, 0, len(s.accounts))
	for _, st := range s.accounts {
		out = append(out, *st)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out
}

// Close unsubscribes from the bus.
func (s *StatusTracker) Close() {
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()
	for id, typ := range subs {
		s.events.Off(typ, id)
	}
}
