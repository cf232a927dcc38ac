package channel

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"wecombot/internal/stream"
	"wecombot/internal/wecomcrypto"
)

// DefaultPlaceholder is shown while a reply has not produced any text yet.
const DefaultPlaceholder = "1"

// streamReply is the plaintext of a streamed answer.
type streamReply struct {
	MsgType string       `json:"msgtype"`
	Stream  streamFields `json:"stream"`
}

type streamFields struct {
	ID      string `json:"id"`
	Finish  bool   `json:"finish"`
	Content string `json:"content"`
}

// textReply is the plaintext of a one-shot answer.
type textReply struct {
	MsgType string   `json:"msgtype"`
	Text    textBody `json:"text"`
}

// emptyReply acknowledges a callback without showing anything.
type emptyReply struct{}

func newStreamReply(id string, finish bool, content string) streamReply {
	return streamReply{MsgType: "stream", Stream: streamFields{ID: id, Finish: finish, Content: content}}
}

func newTextReply(content string) textReply {
	return textReply{MsgType: "text", Text: textBody{Content: content}}
}

// renderState turns a stream snapshot into the reply the platform shows.
func renderState(st stream.State, placeholder string) streamReply {
	content := st.Content
	if st.Err != "" {
		line := "[error] " + st.Err
		if content == "" {
			content = line
		} else {
			content = content + "\n\n" + line
		}
	}
	if content == "" && !st.Finished {
		content = placeholder
	}
	return newStreamReply(st.ID, st.Finished, content)
}

// EncryptedResponse is the JSON body of every reply on the encrypted channel.
type EncryptedResponse struct {
	Encrypt      string `json:"encrypt"`
	MsgSignature string `json:"msgsignature"`
	Timestamp    string `json:"timestamp"`
	Nonce        string `json:"nonce"`
}

// sealReply encrypts and signs payload for target with a fresh nonce.
func sealReply(t *Target, payload any, now time.Time) (*EncryptedResponse, error) {
	if t.codec == nil {
		return nil, fmt.Errorf("account %s has no codec", t.AccountID)
	}
	plain, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal reply: %w", err)
	}
	encrypted, err := t.codec.Encrypt(plain)
	if err != nil {
		return nil, fmt.Errorf("encrypt reply: %w", err)
	}
	nonce, err := newNonce()
	if err != nil {
		return nil, err
	}
	ts := strconv.FormatInt(now.Unix(), 10)
	return &EncryptedResponse{
		Encrypt:      encrypted,
		MsgSignature: wecomcrypto.Sign(t.Keys.Token, ts, nonce, encrypted),
		Timestamp:    ts,
		Nonce:        nonce,
	}, nil
}

func newNonce() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	return hex.EncodeToString(b), nil
}
