// Package client 实现了同步核心使用的网络传输：REST 拉取与操作走 API 服务器，
// 发送与推送走 ChatServer 的 WebSocket 连接。
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"im-sync/internal/chatsync"
	"im-sync/internal/config"
	"im-sync/internal/imtypes"
	"im-sync/internal/logging"
)

// APIError 是 API 服务器返回的非 2xx 响应。
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api: %d %s", e.Status, e.Message)
}

// Client 实现 chatsync.Transport。
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	push    *Push
	log     zerolog.Logger
}

var _ chatsync.Transport = (*Client)(nil)

// New 创建客户端。push 为 nil 时 SendMessage 总是失败。
func New(cfg config.SyncConfig, push *Push) *Client {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimSuffix(cfg.APIBaseURL, "/"),
		token:   cfg.Token,
		http:    &http.Client{Timeout: timeout},
		push:    push,
		log:     logging.For("sync-client"),
	}
}

func (c *Client) FetchPage(ctx context.Context, conversationID string, page, limit int) (imtypes.MessagePage, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("limit", strconv.Itoa(limit))
	var out imtypes.MessagePage
	err := c.do(ctx, http.MethodGet, "/conversations/"+url.PathEscape(conversationID)+"/messages?"+q.Encode(), nil, &out)
	return out, err
}

func (c *Client) ListConversations(ctx context.Context) ([]imtypes.ConversationSummary, error) {
	var out imtypes.ConversationList
	if err := c.do(ctx, http.MethodGet, "/conversations", nil, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

// SendMessage 通过推送连接写出 send_message 帧。确认随 new_message 事件到达，
// 因此返回的 Ack 不带持久 ID。
func (c *Client) SendMessage(ctx context.Context, msg imtypes.Message) (chatsync.Ack, error) {
	if c.push == nil {
		return chatsync.Ack{}, ErrNotConnected
	}
	frame := imtypes.ClientFrame{
		Type:           imtypes.FrameSendMessage,
		TempID:         msg.TempID,
		ConversationID: msg.ConversationID,
		Content:        msg.Content,
	}
	if msg.ReplyTo != nil {
		frame.ReplyToID = msg.ReplyTo.MessageID
	}
	if err := c.push.Send(ctx, frame); err != nil {
		return chatsync.Ack{}, err
	}
	return chatsync.Ack{}, nil
}

// AddReaction 设置表情。服务端按消息 ID 定位会话，conversationID 不参与请求。
func (c *Client) AddReaction(ctx context.Context, _ string, messageID, emoji string) error {
	body := struct {
		Emoji string `json:"emoji"`
	}{emoji}
	return c.do(ctx, http.MethodPost, "/messages/"+url.PathEscape(messageID)+"/reactions", body, nil)
}

func (c *Client) RemoveReaction(ctx context.Context, _ string, messageID string) error {
	return c.do(ctx, http.MethodDelete, "/messages/"+url.PathEscape(messageID)+"/reactions", nil, nil)
}

func (c *Client) MarkSeen(ctx context.Context, conversationID string) error {
	return c.do(ctx, http.MethodPost, "/conversations/"+url.PathEscape(conversationID)+"/seen", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("序列化请求失败: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&e)
		c.log.Debug().Str("method", method).Str("path", path).Int("status", resp.StatusCode).Msg("API 请求失败")
		return &APIError{Status: resp.StatusCode, Message: e.Error}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("解析 %s 响应失败: %w", path, err)
	}
	return nil
}
