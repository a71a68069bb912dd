package models

import (
	"time"

	"im-sync/internal/imtypes"
)

// Reaction 是用户对消息的表情回应，每个用户在一条消息上最多一条。
type Reaction struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	MessageID uint      `gorm:"not null;uniqueIndex:idx_reaction_owner" json:"messageId"`
	UserID    uint      `gorm:"not null;uniqueIndex:idx_reaction_owner" json:"userId"`
	Emoji     string    `gorm:"type:varchar(32);not null" json:"emoji"`
	ReactedAt time.Time `gorm:"not null" json:"reactedAt"`
}

// TableName 指定 Reaction 模型的表名。
func (Reaction) TableName() string {
	return "message_reactions"
}

func (r Reaction) ToWire() imtypes.Reaction {
	return imtypes.Reaction{UserID: FormatID(r.UserID), Emoji: r.Emoji, ReactedAt: r.ReactedAt}
}
