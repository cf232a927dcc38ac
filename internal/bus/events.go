// Package bus carries gateway lifecycle events between the webhook handler,
// the account supervisor and the transcript recorder.
package bus

import (
	"log/slog"
	"strconv"
	"sync"
	"time"
)

// Event is a single gateway notification.
type Event struct {
	Type      string         // e.g. "webhook.received", "stream.finished"
	AccountID string         // account the event belongs to, if any
	StreamID  string         // stream the event belongs to, if any
	Payload   map[string]any // event-specific data
	Timestamp time.Time
}

// EventHandler is a callback for events.
type EventHandler func(Event)

// EventBus is a topic-based publish/subscribe bus with a bounded replay
// history. Handlers registered for "*" receive every event.
type EventBus struct {
	handlers   map[string][]namedHandler
	mu         sync.RWMutex
	logger     *slog.Logger
	history    []Event
	maxHistory int
	nextID     uint64
}

type namedHandler struct {
	ID      string
	Handler EventHandler
}

// DefaultHistory is the replay buffer size of NewEventBus.
const DefaultHistory = 1000

func NewEventBus(logger *slog.Logger) *EventBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBus{
		handlers:   make(map[string][]namedHandler),
		logger:     logger,
		maxHistory: DefaultHistory,
	}
}

// On registers a handler for the given event type and returns its ID.
func (eb *EventBus) On(eventType string, handler EventHandler) string {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.nextID++
	id := eventType + "-" + strconv.FormatUint(eb.nextID, 10)
	eb.handlers[eventType] = append(eb.handlers[eventType], namedHandler{ID: id, Handler: handler})
	return id
}

// Off removes a handler by its ID.
func (eb *EventBus) Off(eventType, handlerID string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	handlers := eb.handlers[eventType]
	for i, h := range handlers {
		if h.ID == handlerID {
			eb.handlers[eventType] = append(handlers[:i:i], handlers[i+1:]...)
			return
		}
	}
}

// Emit publishes an event. Handlers run synchronously in registration order,
// specific handlers before wildcard ones. A panicking handler is logged and
// does not stop the others.
func (eb *EventBus) Emit(event Event) {
	if eb == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	eb.mu.Lock()
	if len(eb.history) >= eb.maxHistory {
		eb.history = eb.history[1:]
	}
	eb.history = append(eb.history, event)

	var handlers []namedHandler
	handlers = append(handlers, eb.handlers[event.Type]...)
	handlers = append(handlers, eb.handlers["*"]...)
	eb.mu.Unlock()

	for _, h := range handlers {
		func(nh namedHandler) {
			defer func() {
				if r := recover(); r != nil {
					eb.logger.Error("event handler panic", "event", event.Type, "handler", nh.ID, "panic", r)
				}
			}()
			nh.Handler(event)
		}(h)
	}
}

// EmitAsync publishes an event on a new goroutine.
func (eb *EventBus) EmitAsync(event Event) {
	if eb == nil {
		return
	}
	go eb.Emit(event)
}

// Replay returns historical events of the given type ("*" for all) that were
// emitted at or after since.
func (eb *EventBus) Replay(eventType string, since time.Time) []Event {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	var result []Event
	for _, e := range eb.history {
		if e.Timestamp.Before(since) {
			continue
		}
		if eventType == "*" || e.Type == eventType {
			result = append(result, e)
		}
	}
	return result
}

func (eb *EventBus) HistoryLen() int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.history)
}

// Well-known event types.
const (
	EventWebhookReceived = "webhook.received"
	EventStreamCreated   = "stream.created"
	EventStreamDelivered = "stream.delivered"
	EventStreamFinished  = "stream.finished"
	EventAuthRejected    = "auth.rejected"
	EventAccountStarted  = "account.started"
	EventAccountStopped  = "account.stopped"
)
