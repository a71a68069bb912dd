package imtypes

import (
	"errors"
	"time"
)

// EventKind 是推送通道上的事件类型。
type EventKind string

const (
	EventNewMessage       EventKind = "new_message"
	EventReactionAdded    EventKind = "reaction_added"
	EventReactionRemoved  EventKind = "reaction_removed"
	EventConversationSeen EventKind = "conversation_seen"
)

// Event 是服务端通过 WebSocket 推送给客户端的事件。
//
// new_message 携带 Message（确认后的消息，TempID 为发送端生成的关联标识）；
// reaction_* 携带 MessageID、UserID、Emoji；conversation_seen 携带 UserID。
type Event struct {
	Kind           EventKind            `json:"kind"`
	ConversationID string               `json:"conversationId"`
	Message        *Message             `json:"message,omitempty"`
	TempID         string               `json:"tempId,omitempty"`
	MessageID      string               `json:"messageId,omitempty"`
	UserID         string               `json:"userId,omitempty"`
	Emoji          string               `json:"emoji,omitempty"`
	Conversation   *ConversationSummary `json:"conversation,omitempty"` // 可选：接收方尚未缓存该会话时使用
	At             time.Time            `json:"at"`
}

var (
	ErrEventMissingConversation = errors.New("event has no conversation id")
	ErrEventMissingMessage      = errors.New("event has no message payload")
	ErrEventMissingMessageID    = errors.New("event has no message id")
	ErrEventMissingUser         = errors.New("event has no user id")
	ErrEventUnknownKind         = errors.New("unknown event kind")
)

// Validate checks that the event carries the fields its kind needs.
func (e Event) Validate() error {
	if e.ConversationID == "" {
		return ErrEventMissingConversation
	}
	switch e.Kind {
	case EventNewMessage:
		if e.Message == nil || e.Message.ID == "" {
			return ErrEventMissingMessage
		}
	case EventReactionAdded, EventReactionRemoved:
		if e.MessageID == "" {
			return ErrEventMissingMessageID
		}
		if e.UserID == "" {
			return ErrEventMissingUser
		}
	case EventConversationSeen:
		if e.UserID == "" {
			return ErrEventMissingUser
		}
	default:
		return ErrEventUnknownKind
	}
	return nil
}

// FrameType 是客户端发往 ChatServer 的帧类型。
type FrameType string

const (
	FrameSendMessage FrameType = "send_message"
)

// ClientFrame 是客户端通过 WebSocket 发送的帧。
type ClientFrame struct {
	Type           FrameType `json:"type"`
	TempID         string    `json:"tempId"`
	ConversationID string    `json:"conversationId"`
	Content        Content   `json:"content"`
	ReplyToID      string    `json:"replyToId,omitempty"`
}

// OutgoingEnvelope 是写入 WebSocket 出站主题的记录：一个接收者一条。
type OutgoingEnvelope struct {
	ReceiverID string `json:"receiverId"`
	Event      Event  `json:"event"`
}
