package imtypes

import (
	"errors"
	"strings"
	"time"
)

// ContentKind 区分消息负载的类型。
type ContentKind string

const (
	TextContent  ContentKind = "text"
	ImageContent ContentKind = "image"
	VideoContent ContentKind = "video"
	FileContent  ContentKind = "file"
)

// Valid reports whether k is one of the known content kinds.
func (k ContentKind) Valid() bool {
	switch k {
	case TextContent, ImageContent, VideoContent, FileContent:
		return true
	}
	return false
}

// MessageStatus 是消息在客户端视角下的发送状态。
type MessageStatus string

const (
	StatusPending MessageStatus = "pending" // 乐观插入，尚未被服务端确认
	StatusSent    MessageStatus = "sent"    // 服务端已确认
	StatusFailed  MessageStatus = "failed"  // 发送失败或确认超时，等待用户重试
)

// Content 是消息的可区分负载。
// Kind 为 text 时只使用 Text；其余类型使用 Files。
type Content struct {
	Kind  ContentKind      `json:"type"`
	Text  string           `json:"text,omitempty"`
	Files []FileDescriptor `json:"files,omitempty"`
}

var ErrInvalidContent = errors.New("message content is empty or of unknown kind")

// Validate 检查负载可以发送：text 需要非空文本，其余类型至少一个文件。
func (c Content) Validate() error {
	if !c.Kind.Valid() {
		return ErrInvalidContent
	}
	if c.Kind == TextContent {
		if strings.TrimSpace(c.Text) == "" {
			return ErrInvalidContent
		}
		return nil
	}
	if len(c.Files) == 0 {
		return ErrInvalidContent
	}
	for _, f := range c.Files {
		if f.URL == "" {
			return ErrInvalidContent
		}
	}
	return nil
}

// Preview 返回用于会话列表或回复引用的简短文本。
func (c Content) Preview() string {
	if c.Kind == TextContent || c.Kind == "" {
		runes := []rune(c.Text)
		if len(runes) > 80 {
			return string(runes[:80])
		}
		return c.Text
	}
	if len(c.Files) == 1 && c.Files[0].FileName != "" {
		return "[" + string(c.Kind) + "] " + c.Files[0].FileName
	}
	return "[" + string(c.Kind) + "]"
}

// ReplySnapshot 是被回复消息的冗余快照，避免渲染时二次请求。
type ReplySnapshot struct {
	MessageID string `json:"messageId"`
	SenderID  string `json:"senderId"`
	Preview   string `json:"preview"`
}

// Reaction 是某个用户对消息的表情回应。每个用户在一条消息上最多保留一个。
type Reaction struct {
	UserID    string    `json:"userId"`
	Emoji     string    `json:"emoji"`
	ReactedAt time.Time `json:"reactedAt"`
}

// Message 是推送给客户端、并由客户端同步核心持有的消息。
// ID 为服务端分配的持久 ID，未确认前为空；TempID 是客户端生成的关联标识。
type Message struct {
	ID             string         `json:"_id,omitempty"`
	TempID         string         `json:"tempId,omitempty"`
	ConversationID string         `json:"conversationId"`
	SenderID       string         `json:"senderId"`
	Content        Content        `json:"content"`
	ReplyTo        *ReplySnapshot `json:"replyTo,omitempty"`
	Reactions      []Reaction     `json:"reactions,omitempty"`
	Status         MessageStatus  `json:"status,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}

// Confirmed reports whether the server has assigned a durable id.
func (m Message) Confirmed() bool {
	return m.ID != ""
}

// ReactionBy returns the index of userID's reaction, or -1.
func (m Message) ReactionBy(userID string) int {
	for i, r := range m.Reactions {
		if r.UserID == userID {
			return i
		}
	}
	return -1
}
