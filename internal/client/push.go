package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"go.uber.org/ratelimit"

	"im-sync/internal/config"
	"im-sync/internal/imtypes"
	"im-sync/internal/logging"
)

// ErrNotConnected 表示推送连接当前未建立，发送方应稍后重试。
var ErrNotConnected = errors.New("推送连接未建立")

const writeWait = 10 * time.Second

// Push 维护到 ChatServer 的 WebSocket 连接：读取推送事件，写出 send_message 帧。
// 连接断开后按 ReconnectDelay 重连。
type Push struct {
	url       string
	token     string
	reconnect time.Duration
	limiter   ratelimit.Limiter
	dialer    *websocket.Dialer
	log       zerolog.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewPush creates the push channel. Call Run to connect.
func NewPush(cfg config.SyncConfig) *Push {
	rate := cfg.SendRate
	if rate <= 0 {
		rate = 5
	}
	delay := cfg.ReconnectDelay
	if delay <= 0 {
		delay = 3 * time.Second
	}
	return &Push{
		url:       cfg.PushURL,
		token:     cfg.Token,
		reconnect: delay,
		limiter:   ratelimit.New(rate, ratelimit.WithoutSlack),
		dialer:    websocket.DefaultDialer,
		log:       logging.For("push"),
	}
}

// Connected reports whether a connection is currently up.
func (p *Push) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn != nil
}

// Run 阻塞直到 ctx 结束。每个解析成功的事件交给 handle；handle 的错误只记录日志。
func (p *Push) Run(ctx context.Context, handle func(imtypes.Event) error) error {
	for {
		err := p.session(ctx, handle)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.log.Warn().Err(err).Dur("retryIn", p.reconnect).Msg("推送连接断开，稍后重连")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.reconnect):
		}
	}
}

func (p *Push) session(ctx context.Context, handle func(imtypes.Event) error) error {
	target, err := withToken(p.url, p.token)
	if err != nil {
		return err
	}
	conn, _, err := p.dialer.DialContext(ctx, target, nil)
	if err != nil {
		return err
	}
	p.setConn(conn)
	defer func() {
		p.setConn(nil)
		_ = conn.Close()
	}()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	p.log.Info().Str("url", p.url).Msg("推送连接已建立")

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var ev imtypes.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			p.log.Warn().Err(err).Msg("无法解析推送事件，已丢弃")
			continue
		}
		if err := handle(ev); err != nil {
			p.log.Debug().Err(err).Str("kind", string(ev.Kind)).Msg("推送事件处理失败")
		}
	}
}

func (p *Push) setConn(c *websocket.Conn) {
	p.mu.Lock()
	p.conn = c
	p.mu.Unlock()
}

// Send 写出一帧。写入按 SendRate 节流，避免触发服务端的连接限流。
func (p *Push) Send(ctx context.Context, frame imtypes.ClientFrame) error {
	if !p.Connected() {
		return ErrNotConnected
	}
	p.limiter.Take()
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return ErrNotConnected
	}
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = p.conn.SetWriteDeadline(deadline)
	return p.conn.WriteJSON(frame)
}

func withToken(raw, token string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}
