package memory

import (
	"context"
	"testing"
	"time"

	"wecombot/internal/bus"
	"wecombot/internal/domain"
)

func TestRecorder_WritesEvents(t *testing.T) {
	s := testStore(t)
	events := bus.NewEventBus(testLogger())
	replies := map[string]string{"s1": "hi"}
	rec := NewRecorder(RecorderConfig{
		Store:  s,
		Events: events,
		Logger: testLogger(),
		Content: func(id string) (string, bool) {
			c, ok := replies[id]
			return c, ok
		},
	})

	events.Emit(bus.Event{
		Type:      bus.EventWebhookReceived,
		AccountID: "default",
		StreamID:  "s1",
		Payload: map[string]any{"message": domain.InboundMessage{
			AccountID: "default", MsgID: "m1", MsgType: "text", SenderID: "alice", Content: "hello",
			Timestamp: time.Now(),
		}},
	})
	events.Emit(bus.Event{
		Type:      bus.EventStreamFinished,
		AccountID: "default",
		StreamID:  "s1",
		Payload:   map[string]any{"bytes": 2, "msgid": "m1", "duration": 2 * time.Second},
	})
	// Unrelated payloads are ignored.
	events.Emit(bus.Event{Type: bus.EventWebhookReceived, Payload: map[string]any{"message": "nope"}})

	rec.Close()

	got, err := s.ListRecent(context.Background(), "default", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 exchange, got %d", len(got))
	}
	if got[0].Content != "hello" || got[0].SenderID != "alice" {
		t.Errorf("unexpected inbound %+v", got[0].Inbound)
	}
	if got[0].Reply == nil || got[0].Reply.Content != "hi" || got[0].Reply.Duration != 2*time.Second {
		t.Errorf("unexpected reply %+v", got[0].Reply)
	}
}

func TestRecorder_CloseUnsubscribes(t *testing.T) {
	s := testStore(t)
	events := bus.NewEventBus(testLogger())
	rec := NewRecorder(RecorderConfig{Store: s, Events: events})
	rec.Close()
	rec.Close()

	events.Emit(bus.Event{Type: bus.EventStreamFinished, StreamID: "late", Payload: map[string]any{}})
	st, _ := s.Stats(context.Background())
	if st.Replies != 0 {
		t.Errorf("expected no writes after close, got %d", st.Replies)
	}
}

func TestRecorder_ReplyWithoutContentSource(t *testing.T) {
	s := testStore(t)
	events := bus.NewEventBus(testLogger())
	rec := NewRecorder(RecorderConfig{Store: s, Events: events, Logger: testLogger()})

	events.Emit(bus.Event{
		Type:      bus.EventStreamFinished,
		AccountID: "default",
		StreamID:  "s2",
		Payload:   map[string]any{"bytes": 5, "msgid": "m2", "error": "timeout"},
	})
	rec.Close()

	st, err := s.Stats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if st.Replies != 1 {
		t.Errorf("expected the reply row to be written, got %d", st.Replies)
	}
}
