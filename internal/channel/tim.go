package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
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

// TIMCommandC2C is the only callback command that reaches the replier.
const TIMCommandC2C = "Bot.OnC2CMessage"

const timTextElem = "TIMTextElem"

// Placeholders for non-text message elements.
var timElemText = map[string]string{
	"TIMCustomElem":    "[custom]",
	"TIMImageElem":     "[image]",
	"TIMSoundElem":     "[voice]",
	"TIMFileElem":      "[file]",
	"TIMVideoFileElem": "[video]",
	"TIMFaceElem":      "[face]",
	"TIMLocationElem":  "[location]",
}

// TIMTargetConfig describes a Tencent IM account to register.
type TIMTargetConfig struct {
	AccountID string
	Path      string
	Identity  TIMIdentity
	Replier   domain.Replier
}

// NewTIMTarget builds a Tencent IM target. It is Configured once sdkAppId and
// userSig are set.
func NewTIMTarget(cfg TIMTargetConfig) *Target {
	id := cfg.Identity
	return &Target{
		AccountID:  cfg.AccountID,
		Path:       NormalizePath(cfg.Path),
		Configured: id.SdkAppID != "" && id.UserSig != "",
		Replier:    cfg.Replier,
		TIM:        &id,
	}
}

// TIMConfig configures the Tencent IM bot webhook handler.
type TIMConfig struct {
	Registry *Registry
	Streams  *stream.Store
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
	Events   *bus.EventBus
	Sender   TIMSender

	ReplyTimeout time.Duration
	MaxBodyBytes int64

	// Context is the parent of every background reply.
	Context context.Context
	Now     func() time.Time
}

// TIM serves the plain-JSON Tencent IM callback. Replies are not returned in
// the response; they are sent back through the REST API as they are produced.
type TIM struct {
	registry     *Registry
	streams      *stream.Store
	logger       *slog.Logger
	metrics      *metrics.Metrics
	events       *bus.EventBus
	sender       TIMSender
	policy       StatusPolicy
	replyTimeout time.Duration
	maxBodyBytes int64
	baseCtx      context.Context
	now          func() time.Time
}

func NewTIM(cfg TIMConfig) *TIM {
	if cfg.Registry == nil {
		cfg.Registry = NewRegistry()
	}
	if cfg.Streams == nil {
		cfg.Streams = stream.NewStore(stream.Options{})
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Sender == nil {
		cfg.Sender = NewTIMClient(nil, cfg.Logger)
	}
	if cfg.ReplyTimeout <= 0 {
		cfg.ReplyTimeout = DefaultReplyTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if cfg.Context == nil {
		cfg.Context = context.Background()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &TIM{
		registry:     cfg.Registry,
		streams:      cfg.Streams,
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
		events:       cfg.Events,
		sender:       cfg.Sender,
		policy:       PolicyFor(ProtocolTIM),
		replyTimeout: cfg.ReplyTimeout,
		maxBodyBytes: cfg.MaxBodyBytes,
		baseCtx:      cfg.Context,
		now:          cfg.Now,
	}
}

func (h *TIM) Name() string { return string(ProtocolTIM) }

// Registry returns the registry the handler resolves paths against.
func (h *TIM) Registry() *Registry { return h.registry }

// ServeHTTP handles registered paths and answers 404 elsewhere.
func (h *TIM) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	if !h.Handle(rw, r) {
		http.NotFound(rw, r)
	}
}

type timElem struct {
	MsgType    string `json:"MsgType"`
	MsgContent struct {
		Text string `json:"Text"`
	} `json:"MsgContent"`
}

type timCallback struct {
	CallbackCommand string    `json:"CallbackCommand"`
	FromAccount     string    `json:"From_Account"`
	ToAccount       string    `json:"To_Account"`
	MsgSeq          int64     `json:"MsgSeq"`
	MsgRandom       int64     `json:"MsgRandom"`
	MsgTime         int64     `json:"MsgTime"`
	MsgKey          string    `json:"MsgKey"`
	MsgID           string    `json:"MsgId"`
	MsgBody         []timElem `json:"MsgBody"`
}

// key identifies the message for dedup of platform retries.
func (c *timCallback) key() string {
	switch {
	case c.MsgKey != "":
		return c.MsgKey
	case c.MsgID != "":
		return c.MsgID
	}
	return fmt.Sprintf("%s:%d:%d", c.FromAccount, c.MsgSeq, c.MsgRandom)
}

// text joins the text elements, with placeholders for the other known kinds.
func (c *timCallback) text() (string, string) {
	var parts []string
	msgType := "text"
	for _, e := range c.MsgBody {
		if e.MsgType == timTextElem {
			if e.MsgContent.Text != "" {
				parts = append(parts, e.MsgContent.Text)
			}
			continue
		}
		if p, ok := timElemText[e.MsgType]; ok {
			parts = append(parts, p)
			msgType = "mixed"
		}
	}
	return strings.Join(parts, "\n"), msgType
}

type timAck struct {
	ActionStatus string `json:"ActionStatus"`
	ErrorCode    int    `json:"ErrorCode"`
	ErrorInfo    string `json:"ErrorInfo"`
}

// Handle serves r if its path has registered Tencent IM targets and reports
// whether it did.
func (h *TIM) Handle(rw http.ResponseWriter, r *http.Request) bool {
	targets := h.registry.Resolve(r.URL.Path)
	if len(targets) == 0 {
		return false
	}

	rec := &statusRecorder{ResponseWriter: rw, status: http.StatusOK}
	defer func() { h.metrics.RecordRequest(r.Method, rec.status) }()

	if r.Method != http.MethodPost {
		rec.Header().Set("Allow", http.MethodPost)
		http.Error(rec, "Method Not Allowed", http.StatusMethodNotAllowed)
		return true
	}

	raw, err := io.ReadAll(http.MaxBytesReader(rec, r.Body, h.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.reject(rec, r, h.policy.PayloadTooLarge, "too_large", "payload too large")
			return true
		}
		h.reject(rec, r, h.policy.MalformedBody, "read", "read body failed")
		return true
	}
	if len(strings.TrimSpace(string(raw))) == 0 {
		h.reject(rec, r, h.policy.MalformedBody, "empty", "empty payload")
		return true
	}
	var msg timCallback
	if err := json.Unmarshal(raw, &msg); err != nil {
		h.reject(rec, r, h.policy.MalformedBody, "malformed", "invalid payload")
		return true
	}

	q := r.URL.Query()
	sdkAppID := q.Get("SdkAppid")
	if sdkAppID == "" {
		sdkAppID = q.Get("sdkappid")
	}
	t := selectTIMTarget(targets, sdkAppID, msg.ToAccount)
	if !t.Configured {
		h.logger.Warn("tim callback for unconfigured account", "account", t.AccountID, "path", r.URL.Path)
		h.metrics.RecordRejection("unconfigured")
		h.ack(rec, h.policy.UnconfiguredTarget)
		return true
	}

	h.logger.Debug("tim callback received", "account", t.AccountID, "command", msg.CallbackCommand,
		"from", msg.FromAccount, "msg_key", msg.MsgKey)
	if msg.CallbackCommand != TIMCommandC2C {
		h.metrics.RecordCallback("tim_other")
		h.ack(rec, http.StatusOK)
		return true
	}
	h.metrics.RecordCallback("tim_c2c")
	h.handleC2C(t, &msg)
	h.ack(rec, http.StatusOK)
	return true
}

// selectTIMTarget picks the first configured target matching the query's
// SdkAppid and, when the account names its bot, the callback's To_Account.
// Without a match the first registration answers.
func selectTIMTarget(targets []*Target, sdkAppID, toAccount string) *Target {
	for _, t := range targets {
		if !t.Configured || t.TIM == nil {
			continue
		}
		if sdkAppID != "" && t.TIM.SdkAppID != sdkAppID {
			continue
		}
		if t.TIM.BotAccount != "" && toAccount != "" && t.TIM.BotAccount != toAccount {
			continue
		}
		return t
	}
	return targets[0]
}

func (h *TIM) handleC2C(t *Target, msg *timCallback) {
	content, msgType := msg.text()
	if strings.TrimSpace(content) == "" {
		h.logger.Debug("tim message has no text", "account", t.AccountID, "msg_key", msg.MsgKey)
		return
	}
	from := strings.TrimSpace(msg.FromAccount)
	if from == "" {
		from = "unknown"
	}

	key := msg.key()
	id, created := h.streams.Claim(string(ProtocolTIM) + ":" + key)
	if !created {
		h.metrics.DedupHit()
		h.logger.Info("duplicate tim delivery", "account", t.AccountID, "msg_key", key, "stream_id", id)
		return
	}
	h.metrics.StreamCreated()

	ts := h.now()
	if msg.MsgTime > 0 {
		ts = time.Unix(msg.MsgTime, 0)
	}
	in := domain.InboundMessage{
		Channel:   string(ProtocolTIM),
		AccountID: t.AccountID,
		MsgID:     key,
		MsgType:   msgType,
		ChatType:  "single",
		ChatID:    from,
		SenderID:  from,
		Content:   content,
		Timestamp: ts,
	}
	h.events.Emit(bus.Event{Type: bus.EventWebhookReceived, AccountID: t.AccountID, StreamID: id,
		Payload: map[string]any{"message": in}})
	h.events.Emit(bus.Event{Type: bus.EventStreamCreated, AccountID: t.AccountID, StreamID: id,
		Payload: map[string]any{"msgid": key}})

	h.dispatch(t, id, in)
}

// dispatch runs the replier in the background. Every block is kept in the
// stream and sent to the user as it arrives.
func (h *TIM) dispatch(t *Target, id string, msg domain.InboundMessage) {
	replier := t.Replier
	ident := *t.TIM
	ctx, cancel := context.WithTimeout(h.baseCtx, h.replyTimeout)
	start := h.now()

	task := h.streams.Run(ctx, id, func(ctx context.Context, deliver func(string)) error {
		if replier == nil {
			return errors.New("no reply backend configured")
		}
		var sendErr error
		err := replier.Reply(ctx, msg, func(block string) {
			if strings.TrimSpace(block) == "" {
				return
			}
			deliver(block)
			if _, err := h.sender.SendText(ctx, ident, msg.SenderID, block); err != nil {
				h.logger.Warn("tim send failed", "account", t.AccountID, "to", msg.SenderID, "err", err)
				if sendErr == nil {
					sendErr = err
				}
			}
		})
		if err != nil {
			return err
		}
		return sendErr
	})

	go func() {
		<-task.Done()
		cancel()
		err := task.Err()
		elapsed := h.now().Sub(start)
		h.metrics.ObserveReply(elapsed, err)

		st, _ := h.streams.Get(id)
		fields := map[string]any{"bytes": len(st.Content), "msgid": msg.MsgID, "duration": elapsed}
		if err != nil {
			fields["error"] = err.Error()
			h.logger.Warn("tim reply failed", "account", t.AccountID, "stream_id", id, "err", err)
		}
		h.events.Emit(bus.Event{Type: bus.EventStreamFinished, AccountID: t.AccountID, StreamID: id, Payload: fields})
	}()
}

func (h *TIM) ack(rw http.ResponseWriter, status int) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(timAck{ActionStatus: "OK"})
}

func (h *TIM) reject(rw http.ResponseWriter, r *http.Request, status int, reason, msg string) {
	h.metrics.RecordRejection(reason)
	h.logger.Debug("tim request rejected", "path", r.URL.Path, "status", status, "reason", reason)
	http.Error(rw, msg, status)
}
