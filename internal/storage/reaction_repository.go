package storage

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"im-sync/internal/models"
)

// ReactionRepository 定义了消息表情的数据操作。每个用户在一条消息上只保留一个表情。
type ReactionRepository interface {
	// Upsert 设置用户的表情，返回被替换的旧表情 (没有则为空)。
	Upsert(ctx context.Context, reaction *models.Reaction) (string, error)
	// Delete 删除用户的表情，返回被删除的表情；没有时返回 gorm.ErrRecordNotFound。
	Delete(ctx context.Context, messageID, userID uint) (string, error)
}

type gormReactionRepository struct {
	db *gorm.DB
}

// NewGormReactionRepository 创建一个新的基于 GORM 的 ReactionRepository。
func NewGormReactionRepository(db *gorm.DB) ReactionRepository {
	return &gormReactionRepository{db: db}
}

func (r *gormReactionRepository) Upsert(ctx context.Context, reaction *models.Reaction) (string, error) {
	var previous string
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.Reaction
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("message_id = ? AND user_id = ?", reaction.MessageID, reaction.UserID).
			First(&existing).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err == nil {
			previous = existing.Emoji
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "message_id"}, {Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"emoji", "reacted_at"}),
		}).Create(reaction).Error
	})
	return previous, err
}

func (r *gormReactionRepository) Delete(ctx context.Context, messageID, userID uint) (string, error) {
	var removed models.Reaction
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("message_id = ? AND user_id = ?", messageID, userID).First(&removed).Error; err != nil {
			return err
		}
		return tx.Delete(&removed).Error
	})
	if err != nil {
		return "", err
	}
	return removed.Emoji, nil
}
