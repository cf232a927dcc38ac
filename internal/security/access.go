package security

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"wecombot/internal/config"
	"wecombot/internal/domain"
)

const (
	disabledNotice   = "Direct messages to this bot are disabled."
	notAllowedNotice = "You are not allowed to message this bot."
)

// GuardConfig configures a Guard.
type GuardConfig struct {
	Next      domain.Replier
	Policy    string   // one of the config.DMPolicy* values; empty means open
	AllowFrom []string // normalized sender ids, "*" matches anyone
	Pairing   *PairingService
	Logger    *slog.Logger
}

// Guard enforces an account's direct-message policy before handing the
// message to the next replier. Group chats always pass through.
type Guard struct {
	next      domain.Replier
	policy    string
	allowFrom []string
	pairing   *PairingService
	logger    *slog.Logger
}

// NewGuard wraps cfg.Next. For the open policy it returns cfg.Next itself.
func NewGuard(cfg GuardConfig) (domain.Replier, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	switch cfg.Policy {
	case "", config.DMPolicyOpen:
		return cfg.Next, nil
	case config.DMPolicyAllowlist, config.DMPolicyDisabled:
	case config.DMPolicyPairing:
		if cfg.Pairing == nil {
			return nil, fmt.Errorf("dm policy %q needs a pairing store", cfg.Policy)
		}
	default:
		return nil, fmt.Errorf("unknown dm policy %q", cfg.Policy)
	}
	return &Guard{
		next:      cfg.Next,
		policy:    cfg.Policy,
		allowFrom: config.NormalizeAllowFrom(cfg.AllowFrom),
		pairing:   cfg.Pairing,
		logger:    cfg.Logger,
	}, nil
}

func (g *Guard) Reply(ctx context.Context, msg domain.InboundMessage, deliver func(string)) error {
	if msg.ChatType == "group" {
		return g.forward(ctx, msg, deliver)
	}

	switch g.policy {
	case config.DMPolicyDisabled:
		deliver(disabledNotice)
		return nil

	case config.DMPolicyAllowlist:
		if !g.allowed(msg.SenderID) {
			g.logger.Info("dm rejected by allowlist", "account", msg.AccountID, "sender", msg.SenderID)
			deliver(notAllowedNotice)
			return nil
		}

	case config.DMPolicyPairing:
		if g.allowed(msg.SenderID) {
			break
		}
		sender := normalizeSender(msg.SenderID)
		ok, err := g.pairing.IsPaired(ctx, msg.AccountID, sender)
		if err != nil {
			return err
		}
		if !ok {
			code, err := g.pairing.Request(ctx, msg.AccountID, sender)
			if err != nil {
				return err
			}
			deliver(fmt.Sprintf("This bot needs approval before it can talk to you.\nYour pairing code: %s\nAsk the operator to run: wecombot pairing approve %s", code, code))
			return nil
		}
	}
	return g.forward(ctx, msg, deliver)
}

func (g *Guard) forward(ctx context.Context, msg domain.InboundMessage, deliver func(string)) error {
	if g.next == nil {
		return fmt.Errorf("no replier configured")
	}
	return g.next.Reply(ctx, msg, deliver)
}

func (g *Guard) allowed(sender string) bool {
	if slices.Contains(g.allowFrom, "*") {
		return true
	}
	return slices.Contains(g.allowFrom, normalizeSender(sender))
}

func normalizeSender(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}
