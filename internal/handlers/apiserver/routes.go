package apiserver

import (
	"net/http"

	"github.com/gorilla/mux"
)

// RegisterRoutes 在 /api/v1 子路由上挂载全部需要认证的接口。
func RegisterRoutes(api *mux.Router, conv *ConversationHandler, reactions *ReactionHandler, upload *UploadHandler) {
	api.HandleFunc("/conversations", conv.ListConversationsHandler).Methods(http.MethodGet)
	api.HandleFunc("/conversations/direct", conv.CreateOrGetDirectConversationHandler).Methods(http.MethodPost)
	api.HandleFunc("/conversations/group", conv.CreateGroupHandler).Methods(http.MethodPost)
	api.HandleFunc("/conversations/{conversationID:[0-9]+}", conv.GetConversationHandler).Methods(http.MethodGet)
	api.HandleFunc("/conversations/{conversationID:[0-9]+}/messages", conv.GetConversationMessagesHandler).Methods(http.MethodGet)
	api.HandleFunc("/conversations/{conversationID:[0-9]+}/seen", conv.MarkSeenHandler).Methods(http.MethodPost)

	api.HandleFunc("/messages/{messageID:[0-9]+}/reactions", reactions.AddReactionHandler).Methods(http.MethodPost)
	api.HandleFunc("/messages/{messageID:[0-9]+}/reactions", reactions.RemoveReactionHandler).Methods(http.MethodDelete)

	api.HandleFunc("/upload", upload.UploadFileHandler).Methods(http.MethodPost)
}
