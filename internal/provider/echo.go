package provider

import (
	"context"
	"strings"
	"time"
)

// Echo replies with the user's own text, word by word. It needs no backend and
// is the default so a freshly configured bot answers out of the box.
type Echo struct {
	prefix string
	delay  time.Duration
}

type EchoConfig struct {
	Prefix string        // prepended to the reply
	Delay  time.Duration // pause between words, zero for none
}

func NewEcho(cfg EchoConfig) *Echo {
	return &Echo{prefix: cfg.Prefix, delay: cfg.Delay}
}

func (e *Echo) Name() string { return "echo" }

func (e *Echo) Healthy(ctx context.Context) error { return nil }

func (e *Echo) Stream(ctx context.Context, req Request, onToken func(string)) error {
	text := e.prefix + LastUserMessage(req.Messages)
	for i, word := range strings.SplitAfter(text, " ") {
		if word == "" {
			continue
		}
		if i > 0 && e.delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(e.delay):
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}
		onToken(word)
	}
	return nil
}
