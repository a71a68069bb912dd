package apiserver

import (
	"encoding/json"
	"net/http"

	"im-sync/internal/services"
)

// ReactionHandler 封装了消息表情相关的 HTTP 处理器方法。
type ReactionHandler struct {
	reactions services.ReactionService
}

// NewReactionHandler 创建一个新的 ReactionHandler 实例。
func NewReactionHandler(reactions services.ReactionService) *ReactionHandler {
	return &ReactionHandler{reactions: reactions}
}

// ReactionRequest 是设置表情的请求体。
type ReactionRequest struct {
	Emoji string `json:"emoji"`
}

// AddReactionHandler 处理 POST /messages/{messageID}/reactions。
func (h *ReactionHandler) AddReactionHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	messageID, ok := pathID(w, r, "messageID")
	if !ok {
		return
	}
	var req ReactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "请求体无效", http.StatusBadRequest)
		return
	}
	reaction, err := h.reactions.React(r.Context(), userID, messageID, req.Emoji)
	if err != nil {
		writeServiceError(w, r, err, "设置表情失败")
		return
	}
	writeJSONResponse(w, http.StatusOK, reaction)
}

// RemoveReactionHandler 处理 DELETE /messages/{messageID}/reactions。
func (h *ReactionHandler) RemoveReactionHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	messageID, ok := pathID(w, r, "messageID")
	if !ok {
		return
	}
	if err := h.reactions.Unreact(r.Context(), userID, messageID); err != nil {
		writeServiceError(w, r, err, "删除表情失败")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
