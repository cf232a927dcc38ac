package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"wecombot/internal/bus"
	"wecombot/internal/domain"
)

// Recorder writes gateway events into a transcript store from a single
// background worker so webhook handlers never wait on the database.
type Recorder struct {
	store   *SQLiteStore
	events  *bus.EventBus
	logger  *slog.Logger
	content func(streamID string) (string, bool)

	jobs    chan func(context.Context) error
	ids     []string
	wg      sync.WaitGroup
	once    sync.Once
	mu      sync.RWMutex
	closed  bool
	dropped int
}

// RecorderConfig configures a Recorder.
type RecorderConfig struct {
	Store  *SQLiteStore
	Events *bus.EventBus
	Logger *slog.Logger
	Buffer int // queued writes before new ones are dropped (default: 256)

	// Content returns the reply text of a finished stream. The finished
	// event only carries its size.
	Content func(streamID string) (string, bool)
}

// NewRecorder subscribes to the bus and starts the writer.
func NewRecorder(cfg RecorderConfig) *Recorder {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}
	r := &Recorder{
		store:   cfg.Store,
		events:  cfg.Events,
		logger:  cfg.Logger,
		content: cfg.Content,
		jobs:    make(chan func(context.Context) error, cfg.Buffer),
	}
	r.ids = append(r.ids,
		cfg.Events.On(bus.EventWebhookReceived, r.onReceived),
		cfg.Events.On(bus.EventStreamFinished, r.onFinished),
	)
	r.wg.Add(1)
	go r.run()
	return r
}

func (r *Recorder) run() {
	defer r.wg.Done()
	for job := range r.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := job(ctx); err != nil {
			r.logger.Warn("transcript write failed", "err", err)
		}
		cancel()
	}
}

func (r *Recorder) enqueue(job func(context.Context) error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	select {
	case r.jobs <- job:
	default:
		r.dropped++
		r.logger.Warn("transcript queue full, dropping write", "dropped", r.dropped)
	}
}

func (r *Recorder) onReceived(e bus.Event) {
	msg, ok := e.Payload["message"].(domain.InboundMessage)
	if !ok {
		return
	}
	in := Inbound{
		AccountID:  msg.AccountID,
		MsgID:      msg.MsgID,
		StreamID:   e.StreamID,
		MsgType:    msg.MsgType,
		ChatType:   msg.ChatType,
		ChatID:     msg.ChatID,
		SenderID:   msg.SenderID,
		Content:    msg.Content,
		ReceivedAt: msg.Timestamp,
	}
	r.enqueue(func(ctx context.Context) error { return r.store.RecordInbound(ctx, in) })
}

func (r *Recorder) onFinished(e bus.Event) {
	rep := Reply{
		StreamID:   e.StreamID,
		AccountID:  e.AccountID,
		FinishedAt: e.Timestamp,
	}
	// Read now: the stream may be pruned before the write runs.
	if r.content != nil {
		rep.Content, _ = r.content(e.StreamID)
	}
	rep.Error, _ = e.Payload["error"].(string)
	rep.MsgID, _ = e.Payload["msgid"].(string)
	rep.Duration, _ = e.Payload["duration"].(time.Duration)
	r.enqueue(func(ctx context.Context) error { return r.store.RecordReply(ctx, rep) })
}

// Close unsubscribes, flushes queued writes and stops the worker. It does not
// close the store.
func (r *Recorder) Close() {
	r.once.Do(func() {
		r.events.Off(bus.EventWebhookReceived, r.ids[0])
		r.events.Off(bus.EventStreamFinished, r.ids[1])
		r.mu.Lock()
		r.closed = true
		close(r.jobs)
		r.mu.Unlock()
		r.wg.Wait()
	})
}
