package apiserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"im-sync/internal/logging"
	"im-sync/internal/middleware"
	"im-sync/internal/models"
	"im-sync/internal/services"
)

// ErrorResponse 是 API 错误响应的通用结构体。
type ErrorResponse struct {
	Error string `json:"error"`
}

// writeJSONResponse 是一个辅助函数，用于发送 JSON 响应。
func writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if data == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(data); err != nil {
		// 头部已经发送，只能记录
		logger := logging.For("apiserver")
		logger.Warn().Err(err).Msg("编码 JSON 响应失败")
	}
}

// writeJSONError 是一个辅助函数，用于发送 JSON 格式的错误响应。
func writeJSONError(w http.ResponseWriter, message string, statusCode int) {
	writeJSONResponse(w, statusCode, ErrorResponse{Error: message})
}

// writeServiceError 把服务层错误映射为 HTTP 状态码。未知错误只记录日志，不向客户端暴露细节。
func writeServiceError(w http.ResponseWriter, r *http.Request, err error, fallback string) {
	switch {
	case errors.Is(err, services.ErrNotParticipant):
		writeJSONError(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, services.ErrConversationNotFound), errors.Is(err, services.ErrMessageNotFound):
		writeJSONError(w, err.Error(), http.StatusNotFound)
	case services.IsClientError(err):
		writeJSONError(w, err.Error(), http.StatusBadRequest)
	default:
		requestLog(r).Error().Err(err).Msg(fallback)
		writeJSONError(w, fallback, http.StatusInternalServerError)
	}
}

func requestLog(r *http.Request) *zerolog.Logger {
	l := logging.For("apiserver").With().Str("method", r.Method).Str("path", r.URL.Path).Logger()
	return &l
}

// currentUser 取出认证中间件放入上下文的用户 ID，缺失时写入 401。
func currentUser(w http.ResponseWriter, r *http.Request) (uint, bool) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		writeJSONError(w, "用户未认证", http.StatusUnauthorized)
	}
	return userID, ok
}

// pathID 解析路由变量中的数字 ID，失败时写入 400。
func pathID(w http.ResponseWriter, r *http.Request, name string) (uint, bool) {
	id, err := models.ParseID(mux.Vars(r)[name])
	if err != nil || id == 0 {
		writeJSONError(w, "无效的 "+name, http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

// queryInt 读取正整数查询参数，缺失或非法时返回 def。
func queryInt(r *http.Request, name string, def int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil || v < 1 {
		return def
	}
	return v
}
