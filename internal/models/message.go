package models

import (
	"encoding/json"
	"time"

	"im-sync/internal/imtypes"
)

// Message 代表存储在数据库中的聊天消息。
type Message struct {
	BaseModel
	ConversationID uint   `gorm:"index:idx_conversation_sent;not null" json:"conversationId"`
	SenderID       uint   `gorm:"index;not null;uniqueIndex:idx_sender_temp,where:client_temp_id <> ''" json:"senderId"`
	ClientTempID   string `gorm:"type:varchar(64);uniqueIndex:idx_sender_temp,where:client_temp_id <> ''" json:"clientTempId,omitempty"` // 发送端生成的关联标识，用于幂等

	Kind imtypes.ContentKind `gorm:"type:varchar(20);not null" json:"kind"`
	Text string              `gorm:"type:text" json:"text,omitempty"`

	// FilesRaw 以 JSONB 存储 []imtypes.FileDescriptor，仅图片/视频/文件消息使用。
	FilesRaw json.RawMessage `gorm:"type:jsonb" json:"files,omitempty"`

	ReplyToID *uint    `gorm:"index" json:"replyToId,omitempty"`
	ReplyTo   *Message `gorm:"foreignKey:ReplyToID" json:"-"`

	SentAt time.Time `gorm:"index:idx_conversation_sent;not null" json:"sentAt"`

	Reactions []Reaction `gorm:"foreignKey:MessageID" json:"reactions,omitempty"`
}

// TableName 指定 Message 模型的表名。
func (Message) TableName() string {
	return "messages"
}

// SetContent 把线上的 Content 拆分到各列。
func (m *Message) SetContent(c imtypes.Content) error {
	m.Kind = c.Kind
	m.Text = c.Text
	m.FilesRaw = nil
	if len(c.Files) == 0 {
		return nil
	}
	raw, err := json.Marshal(c.Files)
	if err != nil {
		return err
	}
	m.FilesRaw = raw
	return nil
}

// Content 组装线上的 Content。
func (m *Message) Content() (imtypes.Content, error) {
	c := imtypes.Content{Kind: m.Kind, Text: m.Text}
	if len(m.FilesRaw) == 0 {
		return c, nil
	}
	if err := json.Unmarshal(m.FilesRaw, &c.Files); err != nil {
		return c, err
	}
	return c, nil
}

// ToWire 转换为推送/接口使用的消息结构。ReplyTo 与 Reactions 需要预先加载。
func (m *Message) ToWire() (imtypes.Message, error) {
	content, err := m.Content()
	if err != nil {
		return imtypes.Message{}, err
	}
	out := imtypes.Message{
		ID:             m.IDString(),
		TempID:         m.ClientTempID,
		ConversationID: FormatID(m.ConversationID),
		SenderID:       FormatID(m.SenderID),
		Content:        content,
		Status:         imtypes.StatusSent,
		CreatedAt:      m.SentAt,
		UpdatedAt:      m.UpdatedAt,
	}
	if m.ReplyTo != nil {
		out.ReplyTo = m.ReplyTo.Snapshot()
	}
	for _, r := range m.Reactions {
		out.Reactions = append(out.Reactions, r.ToWire())
	}
	return out, nil
}

// Snapshot 返回被回复消息的冗余快照。
func (m *Message) Snapshot() *imtypes.ReplySnapshot {
	c, _ := m.Content()
	return &imtypes.ReplySnapshot{
		MessageID: m.IDString(),
		SenderID:  FormatID(m.SenderID),
		Preview:   c.Preview(),
	}
}
