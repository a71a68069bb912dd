package imtypes

import "time"

// RawMessageInput 是 ChatServer 写入 Kafka 消息主题的入站记录。
// SenderID 由服务端根据认证结果填充，客户端无法伪造。
type RawMessageInput struct {
	TempID         string    `json:"tempId"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	Content        Content   `json:"content"`
	ReplyToID      string    `json:"replyToId,omitempty"`
	Timestamp      time.Time `json:"timestamp"` // 服务端接收时间
}
