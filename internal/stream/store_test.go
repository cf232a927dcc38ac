package stream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestStore(opts Options) (*Store, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	if opts.Now == nil {
		opts.Now = clock.Now
	}
	return NewStore(opts), clock
}

func TestStore_CreateAndGet(t *testing.T) {
	s, _ := newTestStore(Options{})
	id := s.Create("M1")
	if id == "" {
		t.Fatal("expected non-empty stream id")
	}
	st, ok := s.Get(id)
	if !ok {
		t.Fatal("created stream should exist")
	}
	if st.SourceMsgID != "M1" || st.Finished || st.Content != "" {
		t.Errorf("unexpected initial state: %+v", st)
	}
	if st.UpdatedAt.Before(st.CreatedAt) {
		t.Error("updatedAt should not precede createdAt")
	}
	if got, ok := s.FindBySourceID("M1"); !ok || got != id {
		t.Errorf("expected dedup hit %s, got %s (%v)", id, got, ok)
	}
}

func TestStore_CreateWithoutSourceID(t *testing.T) {
	s, _ := newTestStore(Options{})
	a := s.Create("")
	b := s.Create("")
	if a == b {
		t.Error("stream ids must be unique")
	}
	if _, ok := s.FindBySourceID(""); ok {
		t.Error("empty source id should never match")
	}
}

func TestStore_UniqueIDsOnCollision(t *testing.T) {
	ids := []string{"dup", "dup", "fresh"}
	n := 0
	s, _ := newTestStore(Options{NewID: func() string { id := ids[n%len(ids)]; n++; return id }})
	a := s.Create("")
	b := s.Create("")
	if a == b {
		t.Errorf("expected distinct ids, got %s twice", a)
	}
}

func TestStore_ClaimDeduplicates(t *testing.T) {
	s, _ := newTestStore(Options{})
	id1, created1 := s.Claim("M1")
	id2, created2 := s.Claim("M1")
	if !created1 || created2 {
		t.Errorf("expected created=true then false, got %v %v", created1, created2)
	}
	if id1 != id2 {
		t.Errorf("expected same stream id, got %s and %s", id1, id2)
	}
}

func TestStore_ClaimConcurrent(t *testing.T) {
	s, _ := newTestStore(Options{})
	var wg sync.WaitGroup
	ids := make([]string, 32)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i], _ = s.Claim("same")
		}(i)
	}
	wg.Wait()
	for _, id := range ids {
		if id != ids[0] {
			t.Fatalf("concurrent claims produced different ids: %s vs %s", id, ids[0])
		}
	}
	if s.Len() != 1 {
		t.Errorf("expected 1 stream, got %d", s.Len())
	}
}

func TestStore_AppendJoinsChunks(t *testing.T) {
	s, clock := newTestStore(Options{})
	id := s.Create("")
	created, _ := s.Get(id)

	clock.Advance(time.Second)
	s.Append(id, "first")
	s.Append(id, "")
	s.Append(id, "second")

	st, _ := s.Get(id)
	if st.Content != "first\n\nsecond" {
		t.Errorf("expected joined content, got %q", st.Content)
	}
	if !st.Started {
		t.Error("append should mark the stream started")
	}
	if !st.UpdatedAt.After(created.UpdatedAt) {
		t.Error("append should refresh updatedAt")
	}
}

func TestStore_AppendAfterFinishIgnored(t *testing.T) {
	s, _ := newTestStore(Options{})
	id := s.Create("")
	s.Append(id, "done")
	s.MarkFinished(id)
	s.Append(id, "late")
	st, _ := s.Get(id)
	if st.Content != "done" {
		t.Errorf("expected content to stay %q, got %q", "done", st.Content)
	}
}

func TestStore_ByteCapKeepsNewestBytes(t *testing.T) {
	s, _ := newTestStore(Options{MaxBytes: 10})
	id := s.Create("")
	s.Append(id, "0123456789")
	s.Append(id, "abc")
	st, _ := s.Get(id)
	if len(st.Content) > 10 {
		t.Fatalf("content exceeds cap: %d bytes", len(st.Content))
	}
	if !strings.HasSuffix(st.Content, "abc") {
		t.Errorf("expected newest bytes kept, got %q", st.Content)
	}
}

func TestStore_ByteCapRespectsUTF8(t *testing.T) {
	s, _ := newTestStore(Options{MaxBytes: 8})
	id := s.Create("")
	// each rune is 3 bytes
	s.Append(id, "你好世界再见")
	st, _ := s.Get(id)
	if len(st.Content) > 8 {
		t.Fatalf("content exceeds cap: %d bytes", len(st.Content))
	}
	if !utf8.ValidString(st.Content) {
		t.Fatalf("content split a multi-byte rune: %q", st.Content)
	}
	if st.Content != "再见" {
		t.Errorf("expected %q, got %q", "再见", st.Content)
	}
}

func TestKeepTail(t *testing.T) {
	cases := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"abcdef", 3, "def"},
		{"é", 1, ""},
		{"aé", 2, "é"},
	}
	for _, c := range cases {
		if got := keepTail(c.in, c.n); got != c.want {
			t.Errorf("keepTail(%q, %d): expected %q, got %q", c.in, c.n, c.want, got)
		}
	}
}

func TestStore_MarkError(t *testing.T) {
	s, _ := newTestStore(Options{})
	id := s.Create("")
	s.MarkError(id, "backend down")
	st, _ := s.Get(id)
	if !st.Finished || st.Err != "backend down" {
		t.Errorf("expected finished with error, got %+v", st)
	}
}

func TestStore_MissingIDIsNoop(t *testing.T) {
	s, _ := newTestStore(Options{})
	s.Append("nope", "x")
	s.MarkFinished("nope")
	s.MarkError("nope", "x")
	s.MarkStarted("nope")
	if s.Len() != 0 {
		t.Errorf("expected empty store, got %d", s.Len())
	}
	if _, ok := s.Get("nope"); ok {
		t.Error("missing id should not be found")
	}
}

func TestStore_PruneUsesUpdatedAt(t *testing.T) {
	s, clock := newTestStore(Options{TTL: time.Minute})
	stale := s.Create("old")
	active := s.Create("new")

	clock.Advance(50 * time.Second)
	s.Append(active, "still going")
	clock.Advance(20 * time.Second)

	removed := s.Prune(clock.Now())
	if removed != 1 {
		t.Errorf("expected 1 pruned, got %d", removed)
	}
	if _, ok := s.Get(stale); ok {
		t.Error("stale stream should be pruned")
	}
	if _, ok := s.Get(active); !ok {
		t.Error("recently updated stream should survive")
	}
	if _, ok := s.FindBySourceID("old"); ok {
		t.Error("dedup entry for pruned stream should be gone")
	}
	if id, ok := s.FindBySourceID("new"); !ok || id != active {
		t.Error("dedup entry for live stream should remain")
	}
}

func TestStore_ClaimAfterPruneCreatesNew(t *testing.T) {
	s, clock := newTestStore(Options{TTL: time.Minute})
	first, _ := s.Claim("M1")
	clock.Advance(2 * time.Minute)
	s.Prune(clock.Now())
	second, created := s.Claim("M1")
	if !created || second == first {
		t.Errorf("expected a fresh stream after prune, got %s (created=%v)", second, created)
	}
}

func TestStore_WaitFirstReturnsOnAppend(t *testing.T) {
	s := NewStore(Options{})
	id := s.Create("")
	go func() {
		time.Sleep(20 * time.Millisecond)
		s.Append(id, "hi")
	}()
	start := time.Now()
	st, ok := s.WaitFirst(context.Background(), id, 2*time.Second)
	if !ok || st.Content != "hi" {
		t.Fatalf("expected content hi, got %+v (%v)", st, ok)
	}
	if time.Since(start) > time.Second {
		t.Error("WaitFirst should wake on append, not on the timeout")
	}
}

func TestStore_WaitFirstTimesOut(t *testing.T) {
	s := NewStore(Options{})
	id := s.Create("")
	st, ok := s.WaitFirst(context.Background(), id, 30*time.Millisecond)
	if !ok {
		t.Fatal("stream should still exist")
	}
	if st.Ready() {
		t.Errorf("expected unready state, got %+v", st)
	}
}

func TestStore_WaitFirstMissing(t *testing.T) {
	s := NewStore(Options{})
	if _, ok := s.WaitFirst(context.Background(), "missing", time.Second); ok {
		t.Error("missing stream should report not found")
	}
}

func TestStore_RunFinishes(t *testing.T) {
	s := NewStore(Options{})
	id := s.Create("")
	task := s.Run(context.Background(), id, func(ctx context.Context, deliver func(string)) error {
		deliver("part one")
		deliver("part two")
		return nil
	})
	if err := task.Err(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	st, _ := s.Get(id)
	if !st.Finished || st.Content != "part one\n\npart two" {
		t.Errorf("unexpected state: %+v", st)
	}
	if got, ok := s.TaskFor(id); !ok || got != task {
		t.Error("task handle should be stored with the stream")
	}
}

func TestStore_RunCapturesError(t *testing.T) {
	s := NewStore(Options{})
	id := s.Create("")
	task := s.Run(context.Background(), id, func(ctx context.Context, deliver func(string)) error {
		deliver("partial")
		return errors.New("model exploded")
	})
	<-task.Done()
	st, _ := s.Get(id)
	if !st.Finished || st.Err != "model exploded" || st.Content != "partial" {
		t.Errorf("unexpected state: %+v", st)
	}
}

func TestStore_RunRecoversPanic(t *testing.T) {
	s := NewStore(Options{})
	id := s.Create("")
	task := s.Run(context.Background(), id, func(ctx context.Context, deliver func(string)) error {
		panic("boom")
	})
	if err := task.Err(); err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("expected panic error, got %v", err)
	}
	st, _ := s.Get(id)
	if !st.Finished || st.Err == "" {
		t.Errorf("panic should finish the stream with an error, got %+v", st)
	}
}

func TestStore_RunOnPrunedStream(t *testing.T) {
	s, clock := newTestStore(Options{TTL: time.Second})
	id := s.Create("")
	release := make(chan struct{})
	task := s.Run(context.Background(), id, func(ctx context.Context, deliver func(string)) error {
		<-release
		deliver("too late")
		return nil
	})
	clock.Advance(time.Minute)
	s.Prune(clock.Now())
	close(release)
	if err := task.Err(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Len() != 0 {
		t.Errorf("pruned stream should not be resurrected, got %d streams", s.Len())
	}
}

func TestStore_ConcurrentAppendAndPrune(t *testing.T) {
	s := NewStore(Options{MaxBytes: 1 << 16})
	id := s.Create("")
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				s.Append(id, fmt.Sprintf("w%d-%d", i, j))
				s.Prune(time.Now())
				s.Get(id)
			}
		}(i)
	}
	wg.Wait()
	st, ok := s.Get(id)
	if !ok {
		t.Fatal("active stream should survive pruning")
	}
	if got := strings.Count(st.Content, "\n\n") + 1; got != 400 {
		t.Errorf("expected 400 chunks, got %d", got)
	}
}
