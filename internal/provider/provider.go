package provider

import "context"

// Message is one turn of a chat conversation.
type Message struct {
	Role    string `json:"role"` // "system" | "user" | "assistant"
	Content string `json:"content"`
}

// Request is a chat completion request.
type Request struct {
	Model    string
	Messages []Message
}

// Provider streams chat completions. onToken is called in order for every
// fragment of generated text; Stream returns once generation has finished or
// failed. Fragments already passed to onToken stay valid on error.
type Provider interface {
	Name() string
	Stream(ctx context.Context, req Request, onToken func(string)) error
	Healthy(ctx context.Context) error
}

// LastUserMessage returns the content of the newest user turn.
func LastUserMessage(msgs []Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" {
			return msgs[i].Content
		}
	}
	return ""
}
