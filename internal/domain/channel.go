package domain

import "context"

// Replier produces the reply to an inbound message. Text is handed to deliver
// in blocks as it becomes available; deliver may be called any number of
// times, including zero. The returned error is surfaced to the user on the
// next poll of the stream.
type Replier interface {
	Reply(ctx context.Context, msg InboundMessage, deliver func(block string)) error
}

// ReplierFunc adapts a function to Replier.
type ReplierFunc func(ctx context.Context, msg InboundMessage, deliver func(block string)) error

func (f ReplierFunc) Reply(ctx context.Context, msg InboundMessage, deliver func(block string)) error {
	return f(ctx, msg, deliver)
}
