package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"im-sync/internal/config"
	"im-sync/internal/imtypes"
	"im-sync/internal/logging"
)

// FrameHandler 处理已认证用户发来的一个客户端帧。
type FrameHandler func(ctx context.Context, userID uint, frame imtypes.ClientFrame) error

// Client is a middleman between the websocket connection and the hub.
type Client struct {
	hub  *Hub
	conn *websocket.Conn

	// Buffered channel of outbound event payloads.
	send chan []byte

	// Authenticated User ID for this client.
	UserID uint

	handle  FrameHandler
	limiter *rate.Limiter
	cfg     config.WebSocketConfig
	log     zerolog.Logger
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// readPump 读取客户端帧并交给 FrameHandler。连接断开时从 Hub 注销。
func (c *Client) readPump(ctx context.Context) {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-ctx.Done():
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(int64(c.cfg.MaxMessageSizeBytes))
	_ = c.conn.SetReadDeadline(time.Now().Add(seconds(c.cfg.PongWaitSeconds)))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(seconds(c.cfg.PongWaitSeconds)))
	})

	for {
		messageType, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn().Err(err).Msg("WebSocket 连接异常关闭")
			}
			return
		}
		if messageType != websocket.TextMessage {
			c.log.Warn().Int("type", messageType).Msg("忽略非文本帧")
			continue
		}
		if !c.limiter.Allow() {
			c.log.Warn().Msg("客户端发送过快，丢弃帧")
			continue
		}

		var frame imtypes.ClientFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			c.log.Warn().Err(err).Str("raw", truncate(raw, 256)).Msg("无法解析客户端帧")
			continue
		}
		if err := c.handle(ctx, c.UserID, frame); err != nil {
			// 发送端收不到确认会在超时后把消息标记为失败
			c.log.Warn().Err(err).Str("tempId", frame.TempID).Str("conversationId", frame.ConversationID).Msg("处理客户端帧失败")
		}
	}
}

// writePump 把 Hub 投递的事件逐条写入连接，并定期发送 ping。
func (c *Client) writePump() {
	ticker := time.NewTicker(seconds(c.cfg.PingPeriodSeconds))
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case payload, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(seconds(c.cfg.WriteWaitSeconds)))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.log.Debug().Err(err).Msg("写入事件失败")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(seconds(c.cfg.WriteWaitSeconds)))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n])
	}
	return string(b)
}

// ErrHubStopped 表示 Hub 已经停止，无法再注册连接。
var ErrHubStopped = errors.New("websocket hub stopped")

// ServeWs 把 HTTP 请求升级为 WebSocket 连接并注册到 Hub。ctx 应为 Hub 的生命周期上下文。
func ServeWs(ctx context.Context, hub *Hub, handle FrameHandler, userID uint, w http.ResponseWriter, r *http.Request, wsCfg config.WebSocketConfig, rl config.RateLimitConfig) error {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade 已经向客户端写入了错误响应
		return err
	}

	bufSize := wsCfg.SendBufferSize
	if bufSize <= 0 {
		bufSize = 256
	}
	limit := rate.Limit(rl.FramesPerSecond)
	if rl.FramesPerSecond <= 0 {
		limit = rate.Inf
	}
	client := &Client{
		hub:     hub,
		conn:    conn,
		send:    make(chan []byte, bufSize),
		UserID:  userID,
		handle:  handle,
		limiter: rate.NewLimiter(limit, rl.Burst),
		cfg:     wsCfg,
		log:     logging.For("ws-client").With().Uint("userId", userID).Str("remote", r.RemoteAddr).Logger(),
	}

	select {
	case hub.register <- client:
	case <-ctx.Done():
		conn.Close()
		return ErrHubStopped
	}

	go client.writePump()
	go client.readPump(ctx)

	client.log.Info().Msg("客户端已连接")
	return nil
}
