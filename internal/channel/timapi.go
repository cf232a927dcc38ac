package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// TIMIdentity is the REST identity a Tencent IM account replies with.
type TIMIdentity struct {
	SdkAppID   string
	Identifier string
	UserSig    string
	BotAccount string // From_Account of replies; empty sends as the admin identifier
	APIDomain  string // host, or a full http(s) base URL
}

// Complete reports whether the identity can call the REST API.
func (id TIMIdentity) Complete() bool {
	return id.SdkAppID != "" && id.UserSig != "" && id.Identifier != ""
}

// TIMSender delivers reply text to a Tencent IM user.
type TIMSender interface {
	SendText(ctx context.Context, id TIMIdentity, toAccount, text string) (msgKey string, err error)
}

// TIMClient calls the openim sendmsg REST endpoint.
type TIMClient struct {
	client *http.Client
	logger *slog.Logger
}

// NewTIMClient returns a sender using client, or a client with a 30s timeout
// when nil.
func NewTIMClient(client *http.Client, logger *slog.Logger) *TIMClient {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TIMClient{client: client, logger: logger}
}

type timTextContent struct {
	Text string `json:"Text"`
}

type timOutElem struct {
	MsgType    string         `json:"MsgType"`
	MsgContent timTextContent `json:"MsgContent"`
}

type timSendRequest struct {
	SyncOtherMachine int          `json:"SyncOtherMachine"`
	FromAccount      string       `json:"From_Account,omitempty"`
	ToAccount        string       `json:"To_Account"`
	MsgRandom        uint32       `json:"MsgRandom"`
	MsgBody          []timOutElem `json:"MsgBody"`
}

type timSendResponse struct {
	ActionStatus string `json:"ActionStatus"`
	ErrorCode    int    `json:"ErrorCode"`
	ErrorInfo    string `json:"ErrorInfo"`
	MsgKey       string `json:"MsgKey"`
}

// SendText posts text to toAccount and returns the message key assigned by
// Tencent IM.
func (c *TIMClient) SendText(ctx context.Context, id TIMIdentity, toAccount, text string) (string, error) {
	if !id.Complete() {
		return "", errors.New("tim: sdkAppId, identifier and userSig are required")
	}
	body, err := json.Marshal(timSendRequest{
		SyncOtherMachine: 2, // do not sync to the sender's other devices
		FromAccount:      id.BotAccount,
		ToAccount:        toAccount,
		MsgRandom:        rand.Uint32(),
		MsgBody:          []timOutElem{{MsgType: timTextElem, MsgContent: timTextContent{Text: text}}},
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, timAPIURL(id, "sendmsg"), bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("tim sendmsg: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", fmt.Errorf("tim sendmsg: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("tim sendmsg: HTTP %d: %s", resp.StatusCode, truncate(string(raw), 200))
	}
	var out timSendResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("tim sendmsg: invalid response: %s", truncate(string(raw), 200))
	}
	if out.ErrorCode != 0 {
		return "", fmt.Errorf("tim sendmsg: error %d: %s", out.ErrorCode, out.ErrorInfo)
	}
	c.logger.Debug("tim message sent", "to", toAccount, "msg_key", out.MsgKey, "bytes", len(text))
	return out.MsgKey, nil
}

func timAPIURL(id TIMIdentity, action string) string {
	base := strings.TrimRight(id.APIDomain, "/")
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "https://" + base
	}
	q := url.Values{}
	q.Set("sdkappid", id.SdkAppID)
	q.Set("identifier", id.Identifier)
	q.Set("usersig", id.UserSig)
	q.Set("random", strconv.FormatUint(uint64(rand.Uint32()), 10))
	q.Set("contenttype", "json")
	return base + "/v4/openim/" + action + "?" + q.Encode()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
