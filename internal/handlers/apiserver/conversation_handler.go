package apiserver

import (
	"encoding/json"
	"net/http"

	"im-sync/internal/imtypes"
	"im-sync/internal/services"
)

// ConversationHandler 封装了会话相关的 HTTP 处理器方法。
type ConversationHandler struct {
	convoService   services.ConversationService
	messageService services.MessageService
}

// NewConversationHandler 创建一个新的 ConversationHandler 实例。
func NewConversationHandler(convoService services.ConversationService, messageService services.MessageService) *ConversationHandler {
	return &ConversationHandler{convoService: convoService, messageService: messageService}
}

// ListConversationsHandler 处理 GET /conversations。
func (h *ConversationHandler) ListConversationsHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	summaries, err := h.convoService.ListSummaries(r.Context(), userID)
	if err != nil {
		writeServiceError(w, r, err, "获取会话列表失败")
		return
	}
	writeJSONResponse(w, http.StatusOK, imtypes.ConversationList{Data: summaries})
}

// GetConversationHandler 处理 GET /conversations/{conversationID}。
func (h *ConversationHandler) GetConversationHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	convID, ok := pathID(w, r, "conversationID")
	if !ok {
		return
	}
	summary, err := h.convoService.Summary(r.Context(), convID, userID)
	if err != nil {
		writeServiceError(w, r, err, "获取会话失败")
		return
	}
	writeJSONResponse(w, http.StatusOK, summary)
}

// GetConversationMessagesHandler 处理 GET /conversations/{conversationID}/messages?page=&limit=。
func (h *ConversationHandler) GetConversationMessagesHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	convID, ok := pathID(w, r, "conversationID")
	if !ok {
		return
	}
	page := queryInt(r, "page", 1)
	limit := queryInt(r, "limit", services.DefaultPageLimit)

	result, err := h.messageService.GetMessagePage(r.Context(), userID, convID, page, limit)
	if err != nil {
		writeServiceError(w, r, err, "获取会话消息失败")
		return
	}
	writeJSONResponse(w, http.StatusOK, result)
}

// MarkSeenHandler 处理 POST /conversations/{conversationID}/seen。
func (h *ConversationHandler) MarkSeenHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	convID, ok := pathID(w, r, "conversationID")
	if !ok {
		return
	}
	if err := h.convoService.MarkSeen(r.Context(), convID, userID); err != nil {
		writeServiceError(w, r, err, "标记已读失败")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DirectConversationRequest 是创建私聊的请求体。
type DirectConversationRequest struct {
	PeerID uint `json:"peerId"`
}

// CreateOrGetDirectConversationHandler 处理 POST /conversations/direct。
// 新建时返回 201，已存在时返回 200。
func (h *ConversationHandler) CreateOrGetDirectConversationHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	var req DirectConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PeerID == 0 {
		writeJSONError(w, "请求体无效，需要 peerId", http.StatusBadRequest)
		return
	}
	summary, created, err := h.convoService.GetOrCreateDirect(r.Context(), userID, req.PeerID)
	if err != nil {
		writeServiceError(w, r, err, "创建私聊失败")
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSONResponse(w, status, summary)
}

// CreateGroupHandler 处理 POST /conversations/group。
func (h *ConversationHandler) CreateGroupHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	var req services.CreateGroupInput
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "请求体无效", http.StatusBadRequest)
		return
	}
	summary, err := h.convoService.CreateGroup(r.Context(), userID, req)
	if err != nil {
		writeServiceError(w, r, err, "创建群组失败")
		return
	}
	writeJSONResponse(w, http.StatusCreated, summary)
}
