// Package stream tracks replies that are delivered across several webhook
// round-trips. A Store holds one State per in-flight reply, deduplicates
// retried deliveries of the same inbound message and reaps idle entries.
package stream

import (
	"context"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	DefaultTTL      = 10 * time.Minute
	DefaultMaxBytes = 20480

	chunkSeparator = "\n\n"
)

// State is a snapshot of one streamed reply.
type State struct {
	ID          string
	SourceMsgID string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	Started     bool
	Finished    bool
	Err         string
	Content     string
}

// Ready reports whether there is anything worth returning to the platform
// beyond a placeholder.
func (s State) Ready() bool {
	return s.Content != "" || s.Finished || s.Err != ""
}

type entry struct {
	state   State
	task    *Task
	changed chan struct{} // closed and replaced on every mutation
}

func (e *entry) touch(now time.Time) {
	e.state.UpdatedAt = now
	close(e.changed)
	e.changed = make(chan struct{})
}

// Options configures a Store. Zero values select the defaults.
type Options struct {
	TTL      time.Duration
	MaxBytes int
	Now      func() time.Time
	NewID    func() string
}

// Store is safe for concurrent use.
type Store struct {
	mu       sync.Mutex
	streams  map[string]*entry
	bySource map[string]string

	ttl      time.Duration
	maxBytes int
	now      func() time.Time
	newID    func() string
}

func NewStore(opts Options) *Store {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxBytes
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = func() string { return uuid.NewString() }
	}
	return &Store{
		streams:  make(map[string]*entry),
		bySource: make(map[string]string),
		ttl:      opts.TTL,
		maxBytes: opts.MaxBytes,
		now:      opts.Now,
		newID:    opts.NewID,
	}
}

// TTL returns the idle lifetime after which a stream is pruned.
func (s *Store) TTL() time.Duration { return s.ttl }

// MaxBytes returns the content cap.
func (s *Store) MaxBytes() int { return s.maxBytes }

// Create allocates a new stream. When sourceMsgID is non-empty it becomes the
// dedup key for the stream, replacing any previous mapping.
func (s *Store) Create(sourceMsgID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createLocked(sourceMsgID)
}

func (s *Store) createLocked(sourceMsgID string) string {
	id := s.newID()
	for _, exists := s.streams[id]; exists; _, exists = s.streams[id] {
		id = s.newID()
	}
	now := s.now()
	s.streams[id] = &entry{
		state: State{
			ID:          id,
			SourceMsgID: sourceMsgID,
			CreatedAt:   now,
			UpdatedAt:   now,
		},
		changed: make(chan struct{}),
	}
	if sourceMsgID != "" {
		s.bySource[sourceMsgID] = id
	}
	return id
}

// Claim returns the stream already bound to sourceMsgID, or creates one.
// created is false on a dedup hit.
func (s *Store) Claim(sourceMsgID string) (id string, created bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sourceMsgID != "" {
		if existing, ok := s.bySource[sourceMsgID]; ok {
			if _, live := s.streams[existing]; live {
				return existing, false
			}
			delete(s.bySource, sourceMsgID)
		}
	}
	return s.createLocked(sourceMsgID), true
}

// FindBySourceID returns the stream bound to an inbound message id.
func (s *Store) FindBySourceID(sourceMsgID string) (string, bool) {
	if sourceMsgID == "" {
		return "", false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.bySource[sourceMsgID]
	if !ok {
		return "", false
	}
	if _, live := s.streams[id]; !live {
		return "", false
	}
	return id, true
}

// Get returns a copy of the stream's state.
func (s *Store) Get(id string) (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.streams[id]
	if !ok {
		return State{}, false
	}
	return e.state, true
}

// Len returns the number of live streams.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.streams)
}

// MarkStarted flags that a producer has picked the stream up.
func (s *Store) MarkStarted(id string) {
	s.update(id, func(st *State) { st.Started = true })
}

// Append adds a chunk of reply text. Chunks are separated by a blank line and
// only the newest MaxBytes bytes are kept.
func (s *Store) Append(id, chunk string) {
	if chunk == "" {
		return
	}
	s.update(id, func(st *State) {
		if st.Finished {
			return
		}
		st.Started = true
		if st.Content == "" {
			st.Content = chunk
		} else {
			st.Content = st.Content + chunkSeparator + chunk
		}
		st.Content = keepTail(st.Content, s.maxBytes)
	})
}

// MarkFinished completes the stream.
func (s *Store) MarkFinished(id string) {
	s.update(id, func(st *State) { st.Finished = true })
}

// MarkError records a producer failure and completes the stream.
func (s *Store) MarkError(id, msg string) {
	s.update(id, func(st *State) {
		st.Err = msg
		st.Finished = true
	})
}

// update applies fn to a live stream. Missing ids are ignored: the stream may
// have been pruned while its producer was still running.
func (s *Store) update(id string, fn func(*State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.streams[id]
	if !ok {
		return
	}
	fn(&e.state)
	e.touch(s.now())
}

// Prune removes streams idle for longer than the TTL and any dedup entries
// left pointing at them. It returns the number of streams removed.
func (s *Store) Prune(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, e := range s.streams {
		if now.Sub(e.state.UpdatedAt) > s.ttl {
			delete(s.streams, id)
			removed++
		}
	}
	for src, id := range s.bySource {
		if _, ok := s.streams[id]; !ok {
			delete(s.bySource, src)
		}
	}
	return removed
}

// WaitFirst blocks until the stream has content, finishes or fails, or until
// limit elapses or ctx is done. It returns the latest snapshot and whether the
// stream still exists.
func (s *Store) WaitFirst(ctx context.Context, id string, limit time.Duration) (State, bool) {
	timer := time.NewTimer(limit)
	defer timer.Stop()
	for {
		s.mu.Lock()
		e, ok := s.streams[id]
		if !ok {
			s.mu.Unlock()
			return State{}, false
		}
		st, changed := e.state, e.changed
		s.mu.Unlock()

		if st.Ready() {
			return st, true
		}
		select {
		case <-changed:
		case <-timer.C:
			return s.Get(id)
		case <-ctx.Done():
			return s.Get(id)
		}
	}
}

// keepTail returns the last n bytes of s without splitting a UTF-8 sequence.
func keepTail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := len(s) - n
	for cut < len(s) && !utf8.RuneStart(s[cut]) {
		cut++
	}
	return s[cut:]
}

// Task is the handle of a stream's background producer.
type Task struct {
	done chan struct{}
	err  error
}

// Done is closed once the producer returns.
func (t *Task) Done() <-chan struct{} { return t.done }

// Err is valid after Done is closed.
func (t *Task) Err() error {
	<-t.done
	return t.err
}

// ProduceFunc generates reply text for a stream, handing each block to deliver.
type ProduceFunc func(ctx context.Context, deliver func(chunk string)) error

// Run starts fn for stream id on its own goroutine and returns its handle.
// The producer's outcome is written into the stream under the store lock; if
// the stream was pruned meanwhile the outcome is dropped.
func (s *Store) Run(ctx context.Context, id string, fn ProduceFunc) *Task {
	task := &Task{done: make(chan struct{})}

	s.mu.Lock()
	if e, ok := s.streams[id]; ok {
		e.task = task
		e.state.Started = true
		e.touch(s.now())
	}
	s.mu.Unlock()

	go func() {
		defer close(task.done)
		err := runProducer(ctx, fn, func(chunk string) { s.Append(id, chunk) })
		task.err = err
		if err != nil {
			s.MarkError(id, err.Error())
			return
		}
		s.MarkFinished(id)
	}()
	return task
}

// TaskFor returns the producer handle attached to a stream, if any.
func (s *Store) TaskFor(id string) (*Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.streams[id]
	if !ok || e.task == nil {
		return nil, false
	}
	return e.task, true
}

func runProducer(ctx context.Context, fn ProduceFunc, deliver func(string)) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("reply producer panic: %v", r)
		}
	}()
	return fn(ctx, deliver)
}
