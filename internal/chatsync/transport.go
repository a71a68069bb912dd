package chatsync

import (
	"context"

	"im-sync/internal/imtypes"
)

// Fetcher 拉取一页历史消息。page 从 1 开始，第 1 页为最新。
// 实现不应自行重试：失败直接返回给调用方。
type Fetcher interface {
	FetchPage(ctx context.Context, conversationID string, page, limit int) (imtypes.MessagePage, error)
}

// ConversationLister returns the viewer's conversation summaries.
type ConversationLister interface {
	ListConversations(ctx context.Context) ([]imtypes.ConversationSummary, error)
}

// Ack 是发送通道的确认。MessageID 为空表示通道只保证已投递，
// 持久 ID 将通过推送事件到达。
type Ack struct {
	MessageID string
}

// Sender delivers an optimistic message to the server.
type Sender interface {
	SendMessage(ctx context.Context, msg imtypes.Message) (Ack, error)
}

// Reactor reports the viewer's reaction changes.
type Reactor interface {
	AddReaction(ctx context.Context, conversationID, messageID, emoji string) error
	RemoveReaction(ctx context.Context, conversationID, messageID string) error
}

// SeenReporter tells the server the viewer has read a conversation.
type SeenReporter interface {
	MarkSeen(ctx context.Context, conversationID string) error
}

// Transport 聚合同步核心需要的全部网络能力。
type Transport interface {
	Fetcher
	ConversationLister
	Sender
	Reactor
	SeenReporter
}
