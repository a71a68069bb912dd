package chatserver

import (
	"context"
	"net/http"

	"github.com/rs/zerolog"

	"im-sync/internal/auth"
	"im-sync/internal/config"
	"im-sync/internal/imtypes"
	"im-sync/internal/logging"
	"im-sync/internal/middleware"
	ws "im-sync/internal/websocket"
)

// FrameSubmitter 接收已认证用户的客户端帧。services.MessageService 实现了该接口。
type FrameSubmitter interface {
	SubmitFrame(ctx context.Context, senderID uint, frame imtypes.ClientFrame) error
}

// WebSocketHandler 负责处理 WebSocket 连接请求。
type WebSocketHandler struct {
	ctx       context.Context
	hub       *ws.Hub
	submitter FrameSubmitter
	blacklist auth.TokenBlacklist
	cfg       config.Config
	log       zerolog.Logger
}

// NewWebSocketHandler 创建一个新的 WebSocketHandler 实例。ctx 是 Hub 的生命周期上下文。
func NewWebSocketHandler(ctx context.Context, hub *ws.Hub, submitter FrameSubmitter, blacklist auth.TokenBlacklist, cfg config.Config) *WebSocketHandler {
	return &WebSocketHandler{
		ctx:       ctx,
		hub:       hub,
		submitter: submitter,
		blacklist: blacklist,
		cfg:       cfg,
		log:       logging.For("ws-handler"),
	}
}

// ServeWS 认证请求后把连接升级为 WebSocket。令牌来自 token 查询参数或 Authorization 头。
func (h *WebSocketHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	token := middleware.TokenFromRequest(r)
	if token == "" {
		http.Error(w, "缺少认证令牌", http.StatusUnauthorized)
		return
	}
	claims, err := auth.ValidateToken(r.Context(), token, h.cfg.Auth.JWTSecretKey, h.blacklist)
	if err != nil {
		h.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("WebSocket 连接被拒绝：令牌无效")
		http.Error(w, "令牌无效", http.StatusUnauthorized)
		return
	}

	// 连接的生命周期独立于本次 HTTP 请求
	handle := func(ctx context.Context, userID uint, frame imtypes.ClientFrame) error {
		return h.submitter.SubmitFrame(ctx, userID, frame)
	}
	if err := ws.ServeWs(h.ctx, h.hub, handle, claims.UserID, w, r, h.cfg.WebSocket, h.cfg.RateLimit); err != nil {
		h.log.Warn().Err(err).Uint("userId", claims.UserID).Msg("WebSocket 升级失败")
	}
}
