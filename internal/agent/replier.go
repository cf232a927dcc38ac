package agent

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"wecombot/internal/domain"
	"wecombot/internal/provider"
)

const blockSeparator = "\n\n"

// Replier answers inbound messages with a streaming provider. Generated text
// is cut into paragraph blocks at blank lines and each finished paragraph is
// delivered as soon as it is complete.
type Replier struct {
	provider     provider.Provider
	model        string
	systemPrompt string
	history      *History
	limiter      *KeyedLimiter
	logger       *slog.Logger
}

type Config struct {
	Provider     provider.Provider
	Model        string // overrides the provider default when set
	SystemPrompt string
	History      *History      // nil disables multi-turn context
	Limiter      *KeyedLimiter // nil disables throttling
	Logger       *slog.Logger
}

func New(cfg Config) *Replier {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Replier{
		provider:     cfg.Provider,
		model:        cfg.Model,
		systemPrompt: cfg.SystemPrompt,
		history:      cfg.History,
		limiter:      cfg.Limiter,
		logger:       cfg.Logger,
	}
}

// Reply implements domain.Replier.
func (r *Replier) Reply(ctx context.Context, msg domain.InboundMessage, deliver func(block string)) error {
	text := strings.TrimSpace(msg.Content)
	if text == "" {
		deliver("I can only read text messages for now.")
		return nil
	}
	if cmd := ParseCommand(text); cmd != nil {
		if res := r.HandleCommand(cmd, msg); res.Handled {
			deliver(res.Response)
			return nil
		}
	}
	if r.provider == nil {
		return errors.New("no provider configured")
	}

	key := msg.ConversationKey()
	if err := r.limiter.Wait(ctx, msg.AccountID+":"+msg.SenderID); err != nil {
		return err
	}

	req := provider.Request{Model: r.model, Messages: r.buildMessages(key, text)}
	start := time.Now()
	w := &blockWriter{deliver: deliver}
	err := r.provider.Stream(ctx, req, w.write)
	w.flush()
	if err != nil {
		r.logger.Warn("reply failed", "provider", r.provider.Name(), "conversation", key, "err", err)
		return err
	}
	r.history.Append(key, text, w.full.String())
	r.logger.Debug("reply complete", "provider", r.provider.Name(), "conversation", key,
		"blocks", w.blocks, "duration", time.Since(start))
	return nil
}

func (r *Replier) buildMessages(key, text string) []provider.Message {
	past := r.history.Messages(key)
	msgs := make([]provider.Message, 0, len(past)+2)
	if r.systemPrompt != "" {
		msgs = append(msgs, provider.Message{Role: "system", Content: r.systemPrompt})
	}
	msgs = append(msgs, past...)
	return append(msgs, provider.Message{Role: "user", Content: text})
}

// blockWriter buffers tokens and hands out complete paragraphs.
type blockWriter struct {
	deliver func(string)
	buf     strings.Builder
	full    strings.Builder
	blocks  int
}

func (w *blockWriter) write(token string) {
	w.full.WriteString(token)
	w.buf.WriteString(token)
	pending := w.buf.String()
	i := strings.LastIndex(pending, blockSeparator)
	if i < 0 {
		return
	}
	for _, para := range strings.Split(pending[:i], blockSeparator) {
		w.emit(para)
	}
	w.buf.Reset()
	w.buf.WriteString(pending[i+len(blockSeparator):])
}

func (w *blockWriter) flush() {
	w.emit(w.buf.String())
	w.buf.Reset()
}

func (w *blockWriter) emit(para string) {
	para = strings.TrimSpace(para)
	if para == "" {
		return
	}
	w.blocks++
	w.deliver(para)
}
