package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"wecombot/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func fastRetries(t *testing.T) {
	t.Helper()
	prev := retryBaseDelay
	retryBaseDelay = time.Millisecond
	t.Cleanup(func() { retryBaseDelay = prev })
}

func collect(p Provider, req Request) (string, error) {
	var b strings.Builder
	err := p.Stream(context.Background(), req, func(tok string) { b.WriteString(tok) })
	return b.String(), err
}

func userReq(text string) Request {
	return Request{Messages: []Message{{Role: "system", Content: "be brief"}, {Role: "user", Content: text}}}
}

func TestEcho_StreamsWords(t *testing.T) {
	e := NewEcho(EchoConfig{Prefix: "you said: "})
	var tokens []string
	err := e.Stream(context.Background(), userReq("hello there world"), func(tok string) {
		tokens = append(tokens, tok)
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := strings.Join(tokens, ""); got != "you said: hello there world" {
		t.Errorf("expected echoed text, got %q", got)
	}
	if len(tokens) != 5 {
		t.Errorf("expected 5 tokens, got %d: %q", len(tokens), tokens)
	}
}

func TestEcho_CancelledContext(t *testing.T) {
	e := NewEcho(EchoConfig{Delay: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := e.Stream(ctx, userReq("one two"), func(string) { calls++ })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 token before cancel, got %d", calls)
	}
}

func TestLastUserMessage(t *testing.T) {
	msgs := []Message{{Role: "user", Content: "first"}, {Role: "assistant", Content: "x"}, {Role: "user", Content: "second"}, {Role: "assistant", Content: "y"}}
	if got := LastUserMessage(msgs); got != "second" {
		t.Errorf("expected 'second', got %q", got)
	}
	if got := LastUserMessage(nil); got != "" {
		t.Errorf("expected empty, got %q", got)
	}
}

func ndjson(w http.ResponseWriter, chunks ...string) {
	w.Header().Set("Content-Type", "application/x-ndjson")
	for _, c := range chunks {
		fmt.Fprintf(w, `{"message":{"role":"assistant","content":%q},"done":false}`+"\n", c)
	}
	fmt.Fprintln(w, `{"message":{"role":"assistant","content":""},"done":true,"done_reason":"stop"}`)
}

func TestOllama_Stream(t *testing.T) {
	var got ollamaRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		ndjson(w, "Hel", "lo", "!")
	}))
	defer srv.Close()

	o := NewOllama(OllamaConfig{APIBase: srv.URL + "/", DefaultModel: "tiny", Logger: testLogger()})
	text, err := collect(o, userReq("hi"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != "Hello!" {
		t.Errorf("expected 'Hello!', got %q", text)
	}
	if got.Model != "tiny" || !got.Stream {
		t.Errorf("expected model tiny with stream=true, got %+v", got)
	}
	if len(got.Messages) != 2 || got.Messages[1].Content != "hi" {
		t.Errorf("expected messages forwarded, got %+v", got.Messages)
	}
}

func TestOllama_RequestModelOverridesDefault(t *testing.T) {
	var model string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ollamaRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		model = req.Model
		ndjson(w, "ok")
	}))
	defer srv.Close()

	o := NewOllama(OllamaConfig{APIBase: srv.URL, Logger: testLogger()})
	req := userReq("hi")
	req.Model = "big"
	if _, err := collect(o, req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if model != "big" {
		t.Errorf("expected model 'big', got %q", model)
	}
}

func TestOllama_RetriesServerErrors(t *testing.T) {
	fastRetries(t)
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		ndjson(w, "finally")
	}))
	defer srv.Close()

	o := NewOllama(OllamaConfig{APIBase: srv.URL, Logger: testLogger()})
	text, err := collect(o, userReq("hi"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != "finally" {
		t.Errorf("expected 'finally', got %q", text)
	}
	if n := calls.Load(); n != 3 {
		t.Errorf("expected 3 attempts, got %d", n)
	}
}

func TestOllama_GivesUpAfterMaxRetries(t *testing.T) {
	fastRetries(t)
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	o := NewOllama(OllamaConfig{APIBase: srv.URL, Logger: testLogger()})
	_, err := collect(o, userReq("hi"))
	var re *retryableError
	if !errors.As(err, &re) || re.statusCode != http.StatusTooManyRequests {
		t.Fatalf("expected retryableError 429, got %v", err)
	}
	if n := calls.Load(); n != maxRetries+1 {
		t.Errorf("expected %d attempts, got %d", maxRetries+1, n)
	}
}

func TestOllama_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"error":"model not found"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	o := NewOllama(OllamaConfig{APIBase: srv.URL, Logger: testLogger()})
	_, err := collect(o, userReq("hi"))
	if err == nil || !strings.Contains(err.Error(), "model not found") {
		t.Fatalf("expected not-found error, got %v", err)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("expected 1 attempt, got %d", n)
	}
}

func TestOllama_StreamErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"error chunk", `{"message":{"content":"par"},"done":false}` + "\n" + `{"error":"out of memory"}` + "\n", "out of memory"},
		{"truncated", `{"message":{"content":"par"},"done":false}` + "\n", "before done"},
		{"garbage", `{"message":{"content":"par"},"done":false}` + "\nnot json\n", "stream decode"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			o := NewOllama(OllamaConfig{APIBase: srv.URL, Logger: testLogger()})
			text, err := collect(o, userReq("hi"))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
			if text != "par" {
				t.Errorf("expected partial text 'par', got %q", text)
			}
		})
	}
}

func TestOllama_Healthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/tags" {
			io.WriteString(w, `{"models":[]}`)
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	o := NewOllama(OllamaConfig{APIBase: srv.URL, Logger: testLogger()})
	if err := o.Healthy(context.Background()); err != nil {
		t.Errorf("expected healthy, got %v", err)
	}

	bad := NewOllama(OllamaConfig{APIBase: srv.URL + "/missing", Logger: testLogger()})
	if err := bad.Healthy(context.Background()); err == nil {
		t.Error("expected error for non-200 tags response")
	}
}

func TestNew(t *testing.T) {
	p, err := New(config.ProviderConfig{Kind: "echo"}, testLogger())
	if err != nil || p.Name() != "echo" {
		t.Errorf("expected echo provider, got %v, %v", p, err)
	}
	p, err = New(config.ProviderConfig{Kind: "ollama", Model: "m"}, testLogger())
	if err != nil || p.Name() != "ollama" {
		t.Errorf("expected ollama provider, got %v, %v", p, err)
	}
	if _, err := New(config.ProviderConfig{Kind: "gpt"}, testLogger()); err == nil {
		t.Error("expected error for unknown kind")
	}
}
