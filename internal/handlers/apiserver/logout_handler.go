package apiserver

import (
	"net/http"
	"time"

	"im-sync/internal/auth"
	"im-sync/internal/middleware"
)

// LogoutHandler 把当前令牌的 JTI 加入黑名单，直到令牌原本的过期时间。
type LogoutHandler struct {
	jwtKey    string
	blacklist auth.TokenBlacklist
}

// NewLogoutHandler 创建一个新的 LogoutHandler 实例。
func NewLogoutHandler(jwtKey string, blacklist auth.TokenBlacklist) *LogoutHandler {
	return &LogoutHandler{jwtKey: jwtKey, blacklist: blacklist}
}

// ServeHTTP 处理登出请求。令牌已由认证中间件校验过，这里重新解析取出 JTI 与过期时间。
func (h *LogoutHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	claims, err := auth.ValidateToken(r.Context(), middleware.TokenFromRequest(r), h.jwtKey, nil)
	if err != nil {
		writeJSONError(w, "令牌无效", http.StatusUnauthorized)
		return
	}
	if claims.ID == "" {
		writeJSONError(w, auth.ErrTokenNoJTI.Error(), http.StatusBadRequest)
		return
	}
	exp := time.Now()
	if claims.ExpiresAt != nil {
		exp = claims.ExpiresAt.Time
	}
	if err := h.blacklist.Add(r.Context(), claims.ID, exp); err != nil {
		requestLog(r).Error().Err(err).Msg("写入令牌黑名单失败")
		writeJSONError(w, "登出失败", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
