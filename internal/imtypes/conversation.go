package imtypes

import "time"

// ConversationType 定义了会话的类型。
type ConversationType string

const (
	DirectConversation ConversationType = "direct" // 一对一聊天
	GroupConversation  ConversationType = "group"  // 群组聊天
)

// UserBasicInfo holds minimal public information about a user.
type UserBasicInfo struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	Nickname  string `json:"nickname,omitempty"`
	AvatarURL string `json:"avatarUrl,omitempty"`
}

// ConversationSummary 是会话列表中一项的预览数据。
// 私聊使用 Counterpart 作为展示身份，群聊使用 Name + PhotoURL。
type ConversationSummary struct {
	ID          string           `json:"id"`
	Type        ConversationType `json:"type"`
	Counterpart *UserBasicInfo   `json:"counterpart,omitempty"`
	Name        string           `json:"name,omitempty"`
	PhotoURL    string           `json:"photoUrl,omitempty"`
	LastMessage *Message         `json:"lastMessage,omitempty"`
	UnreadCount int              `json:"unreadCount"`
	CreatedAt   time.Time        `json:"createdAt"`
}

// SortKey is the last message time, or the creation time for an empty conversation.
func (c ConversationSummary) SortKey() time.Time {
	if c.LastMessage != nil && !c.LastMessage.CreatedAt.IsZero() {
		return c.LastMessage.CreatedAt
	}
	return c.CreatedAt
}

// ConversationList 是 GET /conversations 的响应体。
type ConversationList struct {
	Data []ConversationSummary `json:"data"`
}
