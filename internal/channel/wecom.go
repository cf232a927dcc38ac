package channel

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"wecombot/internal/bus"
	"wecombot/internal/domain"
	"wecombot/internal/metrics"
	"wecombot/internal/stream"
)

const (
	// DefaultMaxBodyBytes caps callback bodies.
	DefaultMaxBodyBytes = 1 << 20
	// DefaultFirstChunkWait bounds how long a callback waits for reply text.
	DefaultFirstChunkWait = 800 * time.Millisecond
	// DefaultReplyTimeout bounds a background reply.
	DefaultReplyTimeout = 5 * time.Minute
)

// WeComConfig configures the WeCom intelligent-bot webhook handler.
type WeComConfig struct {
	Registry *Registry
	Streams  *stream.Store
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
	Events   *bus.EventBus

	FirstChunkWait time.Duration
	ReplyTimeout   time.Duration
	MaxBodyBytes   int64
	Placeholder    string

	// Context is the parent of every background reply. It is cancelled when
	// the gateway shuts down.
	Context context.Context
	Now     func() time.Time
}

// WeCom serves the encrypted callback protocol on every path in its registry.
type WeCom struct {
	registry       *Registry
	streams        *stream.Store
	logger         *slog.Logger
	metrics        *metrics.Metrics
	events         *bus.EventBus
	policy         StatusPolicy
	firstChunkWait time.Duration
	replyTimeout   time.Duration
	maxBodyBytes   int64
	placeholder    string
	baseCtx        context.Context
	now            func() time.Time
}

func NewWeCom(cfg WeComConfig) *WeCom {
	if cfg.Registry == nil {
		cfg.Registry = NewRegistry()
	}
	if cfg.Streams == nil {
		cfg.Streams = stream.NewStore(stream.Options{})
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.FirstChunkWait <= 0 {
		cfg.FirstChunkWait = DefaultFirstChunkWait
	}
	if cfg.ReplyTimeout <= 0 {
		cfg.ReplyTimeout = DefaultReplyTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if cfg.Placeholder == "" {
		cfg.Placeholder = DefaultPlaceholder
	}
	if cfg.Context == nil {
		cfg.Context = context.Background()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &WeCom{
		registry:       cfg.Registry,
		streams:        cfg.Streams,
		logger:         cfg.Logger,
		metrics:        cfg.Metrics,
		events:         cfg.Events,
		policy:         PolicyFor(ProtocolWeCom),
		firstChunkWait: cfg.FirstChunkWait,
		replyTimeout:   cfg.ReplyTimeout,
		maxBodyBytes:   cfg.MaxBodyBytes,
		placeholder:    cfg.Placeholder,
		baseCtx:        cfg.Context,
		now:            cfg.Now,
	}
}

func (w *WeCom) Name() string { return string(ProtocolWeCom) }

// Registry returns the registry the handler resolves paths against.
func (w *WeCom) Registry() *Registry { return w.registry }

// Streams returns the handler's stream store.
func (w *WeCom) Streams() *stream.Store { return w.streams }

// ServeHTTP handles registered paths and answers 404 elsewhere.
func (w *WeCom) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	if !w.Handle(rw, r) {
		http.NotFound(rw, r)
	}
}

// Handle serves r if its path has registered targets and reports whether it
// did. A handled request always receives exactly one response.
func (w *WeCom) Handle(rw http.ResponseWriter, r *http.Request) bool {
	if n := w.streams.Prune(w.now()); n > 0 {
		w.metrics.StreamsPruned(n)
		w.logger.Debug("pruned idle streams", "count", n)
	}
	w.metrics.SetActiveStreams(w.streams.Len())

	targets := w.registry.Resolve(r.URL.Path)
	if len(targets) == 0 {
		return false
	}

	rec := &statusRecorder{ResponseWriter: rw, status: http.StatusOK}
	defer func() { w.metrics.RecordRequest(r.Method, rec.status) }()

	switch r.Method {
	case http.MethodGet:
		w.handleHandshake(rec, r, targets)
	case http.MethodPost:
		w.handleCallback(rec, r, targets)
	default:
		rec.Header().Set("Allow", "GET, POST")
		http.Error(rec, "Method Not Allowed", http.StatusMethodNotAllowed)
	}
	return true
}

func (w *WeCom) handleHandshake(rw http.ResponseWriter, r *http.Request, targets []*Target) {
	q := r.URL.Query()
	sig, ts, nonce, echo := q.Get("msg_signature"), q.Get("timestamp"), q.Get("nonce"), q.Get("echostr")
	if sig == "" || ts == "" || nonce == "" || echo == "" {
		w.reject(rw, r, http.StatusBadRequest, "missing_params", "missing handshake parameters")
		return
	}

	t := selectTarget(targets, ts, nonce, echo, sig)
	if t == nil {
		w.rejectAuth(rw, r)
		return
	}
	if !t.Configured {
		w.logger.Error("handshake matched unconfigured account", "account", t.AccountID, "path", r.URL.Path)
		w.reject(rw, r, w.policy.UnconfiguredTarget, "unconfigured", "account not configured")
		return
	}

	plain, err := t.codec.Decrypt(echo)
	if err != nil {
		w.logger.Warn("handshake decrypt failed", "account", t.AccountID, "err", err)
		w.reject(rw, r, w.policy.DecryptFailure, "decrypt", "decrypt failed")
		return
	}

	w.logger.Info("webhook verified", "account", t.AccountID, "path", r.URL.Path)
	rw.Header().Set("Content-Type", "text/plain; charset=utf-8")
	rw.WriteHeader(http.StatusOK)
	rw.Write(plain)
}

type callbackBody struct {
	Encrypt string `json:"encrypt"`
}

func (w *WeCom) handleCallback(rw http.ResponseWriter, r *http.Request, targets []*Target) {
	q := r.URL.Query()
	sig, ts, nonce := q.Get("msg_signature"), q.Get("timestamp"), q.Get("nonce")
	if sig == "" || ts == "" || nonce == "" {
		w.reject(rw, r, w.policy.MalformedBody, "missing_params", "missing query parameters")
		return
	}

	raw, err := io.ReadAll(http.MaxBytesReader(rw, r.Body, w.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			w.reject(rw, r, w.policy.PayloadTooLarge, "too_large", "payload too large")
			return
		}
		w.reject(rw, r, w.policy.MalformedBody, "read", "read body failed")
		return
	}

	var body callbackBody
	if err := json.Unmarshal(raw, &body); err != nil || strings.TrimSpace(body.Encrypt) == "" {
		w.reject(rw, r, w.policy.MalformedBody, "malformed", "malformed body")
		return
	}

	t := selectTarget(targets, ts, nonce, body.Encrypt, sig)
	if t == nil {
		w.rejectAuth(rw, r)
		return
	}
	if !t.Configured {
		w.logger.Error("callback matched unconfigured account", "account", t.AccountID, "path", r.URL.Path)
		w.reject(rw, r, w.policy.UnconfiguredTarget, "unconfigured", "account not configured")
		return
	}

	plain, err := t.codec.Decrypt(body.Encrypt)
	if err != nil {
		w.logger.Warn("callback decrypt failed", "account", t.AccountID, "err", err)
		w.reject(rw, r, w.policy.DecryptFailure, "decrypt", "decrypt failed")
		return
	}

	env, err := ParseEnvelope(plain)
	if err != nil {
		w.logger.Warn("callback envelope invalid", "account", t.AccountID, "err", err)
		w.reject(rw, r, w.policy.MalformedBody, "envelope", "invalid message")
		return
	}

	kind := env.Kind()
	w.metrics.RecordCallback(kind.String())
	w.logger.Debug("callback received", "account", t.AccountID, "kind", kind, "msgid", env.MsgID)

	var payload any
	switch kind {
	case KindStreamRefresh:
		payload = w.handleRefresh(t, env)
	case KindEvent:
		payload = w.handleEvent(t, env)
	case KindContent:
		payload = w.handleContent(r.Context(), t, env)
	default:
		payload = emptyReply{}
	}
	w.respond(rw, t, payload)
}

func (w *WeCom) handleRefresh(t *Target, env *Envelope) any {
	id := env.StreamID()
	st, ok := w.streams.Get(id)
	if !ok {
		// Unknown or pruned: finish it so the client stops polling.
		return newStreamReply(id, true, "")
	}
	if st.Finished {
		w.events.Emit(bus.Event{Type: bus.EventStreamDelivered, AccountID: t.AccountID, StreamID: id,
			Payload: map[string]any{"finished": true}})
	}
	return renderState(st, w.placeholder)
}

func (w *WeCom) handleEvent(t *Target, env *Envelope) any {
	if env.EventType() == EventEnterChat && t.WelcomeText != "" {
		return newTextReply(t.WelcomeText)
	}
	return emptyReply{}
}

func (w *WeCom) handleContent(reqCtx context.Context, t *Target, env *Envelope) any {
	id, created := w.streams.Claim(env.MsgID)
	if !created {
		w.metrics.DedupHit()
		w.logger.Info("duplicate delivery", "account", t.AccountID, "msgid", env.MsgID, "stream_id", id)
		return newStreamReply(id, false, w.placeholder)
	}
	w.metrics.StreamCreated()

	msg := w.inbound(t, env)
	w.events.Emit(bus.Event{Type: bus.EventWebhookReceived, AccountID: t.AccountID, StreamID: id,
		Payload: map[string]any{"message": msg}})
	w.events.Emit(bus.Event{Type: bus.EventStreamCreated, AccountID: t.AccountID, StreamID: id,
		Payload: map[string]any{"msgid": env.MsgID}})

	w.dispatch(t, id, msg)

	start := w.now()
	st, ok := w.streams.WaitFirst(reqCtx, id, w.firstChunkWait)
	w.metrics.ObserveFirstChunk(w.now().Sub(start), ok && st.Content != "")
	if !ok {
		return newStreamReply(id, false, w.placeholder)
	}
	return renderState(st, w.placeholder)
}

// dispatch starts the background reply for stream id. It outlives the
// request and is bounded by the reply timeout and the handler's base context.
func (w *WeCom) dispatch(t *Target, id string, msg domain.InboundMessage) {
	replier := t.Replier
	ctx, cancel := context.WithTimeout(w.baseCtx, w.replyTimeout)
	start := w.now()

	task := w.streams.Run(ctx, id, func(ctx context.Context, deliver func(string)) error {
		if replier == nil {
			return errors.New("no reply backend configured")
		}
		return replier.Reply(ctx, msg, deliver)
	})

	go func() {
		<-task.Done()
		cancel()
		err := task.Err()
		elapsed := w.now().Sub(start)
		w.metrics.ObserveReply(elapsed, err)

		st, _ := w.streams.Get(id)
		fields := map[string]any{"bytes": len(st.Content), "msgid": msg.MsgID, "duration": elapsed}
		if err != nil {
			fields["error"] = err.Error()
			w.logger.Warn("reply failed", "account", t.AccountID, "stream_id", id, "err", err)
		} else {
			w.logger.Debug("reply finished", "account", t.AccountID, "stream_id", id, "bytes", len(st.Content))
		}
		w.events.Emit(bus.Event{Type: bus.EventStreamFinished, AccountID: t.AccountID, StreamID: id, Payload: fields})
	}()
}

func (w *WeCom) inbound(t *Target, env *Envelope) domain.InboundMessage {
	ts := w.now()
	if env.CreateTime > 0 {
		ts = time.Unix(env.CreateTime, 0)
	}
	chatID := env.ChatID
	if chatID == "" {
		chatID = env.From.UserID
	}
	return domain.InboundMessage{
		Channel:     string(ProtocolWeCom),
		AccountID:   t.AccountID,
		MsgID:       env.MsgID,
		MsgType:     env.MsgType,
		ChatType:    env.ChatType,
		ChatID:      chatID,
		SenderID:    env.From.UserID,
		Content:     env.Body(),
		ResponseURL: env.ResponseURL,
		Timestamp:   ts,
	}
}

func (w *WeCom) respond(rw http.ResponseWriter, t *Target, payload any) {
	resp, err := sealReply(t, payload, w.now())
	if err != nil {
		w.logger.Error("seal reply failed", "account", t.AccountID, "err", err)
		http.Error(rw, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(http.StatusOK)
	json.NewEncoder(rw).Encode(resp)
}

func (w *WeCom) rejectAuth(rw http.ResponseWriter, r *http.Request) {
	w.logger.Warn("signature mismatch", "path", r.URL.Path, "remote", r.RemoteAddr)
	w.events.Emit(bus.Event{Type: bus.EventAuthRejected, Payload: map[string]any{"path": r.URL.Path}})
	w.reject(rw, r, w.policy.Unauthenticated, "signature", "unauthorized")
}

func (w *WeCom) reject(rw http.ResponseWriter, r *http.Request, status int, reason, msg string) {
	w.metrics.RecordRejection(reason)
	w.logger.Debug("request rejected", "path", r.URL.Path, "method", r.Method, "status", status, "reason", reason)
	http.Error(rw, msg, status)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}
