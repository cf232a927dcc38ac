package domain

import "time"

// InboundMessage is a decrypted, classified user message handed to the reply
// backend.
type InboundMessage struct {
	Channel     string
	AccountID   string
	MsgID       string
	MsgType     string // text | voice | image | file | mixed
	ChatType    string // single | group
	ChatID      string
	SenderID    string
	Content     string
	ResponseURL string
	Timestamp   time.Time
}

// ConversationKey identifies the conversation a message belongs to.
func (m InboundMessage) ConversationKey() string {
	if m.ChatType == "group" && m.ChatID != "" {
		return m.Channel + ":" + m.AccountID + ":group:" + m.ChatID
	}
	return m.Channel + ":" + m.AccountID + ":dm:" + m.SenderID
}
