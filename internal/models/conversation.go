package models

import "time"

// ConversationType 定义了会话的类型。
type ConversationType string

const (
	DirectConversation ConversationType = "direct" // 一对一聊天
	GroupConversation  ConversationType = "group"  // 群组聊天
)

// Conversation 代表一个聊天会话（一对一或群组）。
type Conversation struct {
	BaseModel
	Type ConversationType `gorm:"type:varchar(20);not null;index" json:"type"`

	// 群组会话时为 Group.ID，私聊为 0。
	TargetID uint `gorm:"index" json:"targetId,omitempty"`

	// LastMessageID / LastMessageAt 在每条新消息持久化后更新，用于会话列表排序与预览。
	LastMessageID *uint      `gorm:"index" json:"lastMessageId,omitempty"`
	LastMessageAt *time.Time `gorm:"index" json:"lastMessageAt,omitempty"`

	Participants []ConversationParticipant `gorm:"foreignKey:ConversationID" json:"participants,omitempty"`
}

// TableName 指定 Conversation 模型的表名。
func (Conversation) TableName() string {
	return "conversations"
}

// ConversationParticipant 将用户链接到会话。
type ConversationParticipant struct {
	BaseModel
	ConversationID uint       `gorm:"not null;uniqueIndex:idx_participant" json:"conversationId"`
	UserID         uint       `gorm:"not null;uniqueIndex:idx_participant;index" json:"userId"`
	JoinedAt       time.Time  `json:"joinedAt"`
	LastReadAt     *time.Time `json:"lastReadAt,omitempty"` // 标记已读时更新
	IsAdmin        bool       `gorm:"default:false" json:"isAdmin,omitempty"`
}

// TableName 指定 ConversationParticipant 模型的表名。
func (ConversationParticipant) TableName() string {
	return "conversation_participants"
}
