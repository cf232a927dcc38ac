package channel

import (
	"encoding/json"
	"strings"
)

// Kind classifies a decrypted callback.
type Kind int

const (
	KindUnknown Kind = iota
	KindContent
	KindStreamRefresh
	KindEvent
)

func (k Kind) String() string {
	switch k {
	case KindContent:
		return "content"
	case KindStreamRefresh:
		return "stream-refresh"
	case KindEvent:
		return "event"
	default:
		return "unknown"
	}
}

// EventEnterChat is sent when a user opens a conversation with the bot.
const EventEnterChat = "enter_chat"

// Envelope is the decrypted JSON body of a WeCom intelligent-bot callback.
type Envelope struct {
	MsgID       string `json:"msgid"`
	AIBotID     string `json:"aibotid"`
	ChatType    string `json:"chattype"`
	ChatID      string `json:"chatid"`
	ResponseURL string `json:"response_url"`
	From        struct {
		UserID string `json:"userid"`
		CorpID string `json:"corpid"`
	} `json:"from"`
	MsgType    string `json:"msgtype"`
	CreateTime int64  `json:"create_time"`

	Text   *textBody   `json:"text,omitempty"`
	Voice  *textBody   `json:"voice,omitempty"`
	Image  *urlBody    `json:"image,omitempty"`
	File   *urlBody    `json:"file,omitempty"`
	Mixed  *mixedBody  `json:"mixed,omitempty"`
	Stream *streamBody `json:"stream,omitempty"`
	Event  *eventBody  `json:"event,omitempty"`
	Quote  *quoteBody  `json:"quote,omitempty"`
}

type textBody struct {
	Content string `json:"content"`
}

type urlBody struct {
	URL string `json:"url"`
}

type mixedItem struct {
	MsgType string    `json:"msgtype"`
	Text    *textBody `json:"text,omitempty"`
	Image   *urlBody  `json:"image,omitempty"`
}

type mixedBody struct {
	MsgItem []mixedItem `json:"msg_item"`
}

type streamBody struct {
	ID string `json:"id"`
}

type eventBody struct {
	EventType string `json:"eventtype"`
}

type quoteBody struct {
	MsgType string    `json:"msgtype"`
	Text    *textBody `json:"text,omitempty"`
	Voice   *textBody `json:"voice,omitempty"`
}

// ParseEnvelope decodes a decrypted callback body.
func ParseEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

// Kind classifies the envelope by msgtype.
func (e *Envelope) Kind() Kind {
	switch strings.ToLower(e.MsgType) {
	case "text", "voice", "image", "file", "mixed":
		return KindContent
	case "stream":
		return KindStreamRefresh
	case "event":
		return KindEvent
	default:
		return KindUnknown
	}
}

// StreamID returns the stream a refresh callback asks about.
func (e *Envelope) StreamID() string {
	if e.Stream == nil {
		return ""
	}
	return strings.TrimSpace(e.Stream.ID)
}

// EventType returns the event name of an event callback.
func (e *Envelope) EventType() string {
	if e.Event == nil {
		return ""
	}
	return strings.TrimSpace(e.Event.EventType)
}

// Body renders the user-visible text of a content message.
func (e *Envelope) Body() string {
	var body string
	switch strings.ToLower(e.MsgType) {
	case "text":
		if e.Text != nil {
			body = e.Text.Content
		}
	case "voice":
		if e.Voice != nil {
			body = e.Voice.Content
		}
	case "image":
		body = "[image]"
	case "file":
		body = "[file]"
	case "mixed":
		if e.Mixed != nil {
			parts := make([]string, 0, len(e.Mixed.MsgItem))
			for _, item := range e.Mixed.MsgItem {
				switch {
				case item.MsgType == "text" && item.Text != nil:
					parts = append(parts, item.Text.Content)
				case item.MsgType == "image":
					parts = append(parts, "[image]")
				}
			}
			body = strings.Join(parts, "\n")
		}
	}
	if q := e.quoteText(); q != "" {
		body = "> " + q + "\n" + body
	}
	return strings.TrimSpace(body)
}

func (e *Envelope) quoteText() string {
	if e.Quote == nil {
		return ""
	}
	switch {
	case e.Quote.Text != nil:
		return strings.TrimSpace(e.Quote.Text.Content)
	case e.Quote.Voice != nil:
		return strings.TrimSpace(e.Quote.Voice.Content)
	}
	return ""
}
