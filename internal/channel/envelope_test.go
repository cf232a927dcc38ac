package channel

import (
	"net/http"
	"testing"

	"wecombot/internal/stream"
)

func TestEnvelope_Kind(t *testing.T) {
	tests := []struct {
		msgType string
		want    Kind
	}{
		{"text", KindContent},
		{"voice", KindContent},
		{"image", KindContent},
		{"file", KindContent},
		{"mixed", KindContent},
		{"TEXT", KindContent},
		{"stream", KindStreamRefresh},
		{"event", KindEvent},
		{"location", KindUnknown},
		{"", KindUnknown},
	}
	for _, tt := range tests {
		env := &Envelope{MsgType: tt.msgType}
		if got := env.Kind(); got != tt.want {
			t.Errorf("Kind(%q): expected %v, got %v", tt.msgType, tt.want, got)
		}
	}
}

func TestEnvelope_Body(t *testing.T) {
	tests := []struct {
		name string
		json string
		want string
	}{
		{"text", `{"msgtype":"text","text":{"content":" hi "}}`, "hi"},
		{"voice", `{"msgtype":"voice","voice":{"content":"spoken"}}`, "spoken"},
		{"image", `{"msgtype":"image","image":{"url":"http://x"}}`, "[image]"},
		{"file", `{"msgtype":"file","file":{"url":"http://x"}}`, "[file]"},
		{"mixed", `{"msgtype":"mixed","mixed":{"msg_item":[{"msgtype":"text","text":{"content":"look"}},{"msgtype":"image","image":{"url":"u"}}]}}`, "look\n[image]"},
		{"quote", `{"msgtype":"text","text":{"content":"yes"},"quote":{"msgtype":"text","text":{"content":"are you there?"}}}`, "> are you there?\nyes"},
		{"text without body", `{"msgtype":"text"}`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := ParseEnvelope([]byte(tt.json))
			if err != nil {
				t.Fatal(err)
			}
			if got := env.Body(); got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestEnvelope_StreamAndEvent(t *testing.T) {
	env, err := ParseEnvelope([]byte(`{"msgtype":"stream","stream":{"id":" s1 "}}`))
	if err != nil {
		t.Fatal(err)
	}
	if env.StreamID() != "s1" {
		t.Errorf("expected s1, got %q", env.StreamID())
	}
	if env.EventType() != "" {
		t.Errorf("expected no event type, got %q", env.EventType())
	}

	env, _ = ParseEnvelope([]byte(`{"msgtype":"event","event":{"eventtype":"enter_chat"}}`))
	if env.EventType() != EventEnterChat {
		t.Errorf("expected enter_chat, got %q", env.EventType())
	}
}

func TestParseEnvelope_Invalid(t *testing.T) {
	if _, err := ParseEnvelope([]byte("{")); err == nil {
		t.Error("expected error for truncated JSON")
	}
}

func TestRenderState(t *testing.T) {
	tests := []struct {
		name    string
		st      stream.State
		content string
		finish  bool
	}{
		{"empty running", stream.State{ID: "s"}, "1", false},
		{"partial", stream.State{ID: "s", Content: "abc"}, "abc", false},
		{"finished empty", stream.State{ID: "s", Finished: true}, "", true},
		{"error only", stream.State{ID: "s", Finished: true, Err: "boom"}, "[error] boom", true},
		{"content and error", stream.State{ID: "s", Finished: true, Content: "abc", Err: "boom"}, "abc\n\n[error] boom", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := renderState(tt.st, DefaultPlaceholder)
			if got.MsgType != "stream" || got.Stream.ID != "s" {
				t.Errorf("unexpected shape %+v", got)
			}
			if got.Stream.Content != tt.content || got.Stream.Finish != tt.finish {
				t.Errorf("expected (%q, %v), got (%q, %v)", tt.content, tt.finish, got.Stream.Content, got.Stream.Finish)
			}
		})
	}
}

func TestPolicyFor(t *testing.T) {
	wecom := PolicyFor(ProtocolWeCom)
	if wecom.UnconfiguredTarget != http.StatusInternalServerError {
		t.Errorf("expected 500 for wecom, got %d", wecom.UnconfiguredTarget)
	}
	if wecom.PayloadTooLarge != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413, got %d", wecom.PayloadTooLarge)
	}
	if tim := PolicyFor(ProtocolTIM); tim.UnconfiguredTarget != http.StatusOK {
		t.Errorf("expected 200 for tim, got %d", tim.UnconfiguredTarget)
	}
	if PolicyFor("unknown") != wecom {
		t.Error("unknown protocol should fall back to wecom")
	}
}
