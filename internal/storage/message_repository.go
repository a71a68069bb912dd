package storage

import (
	"context"

	"gorm.io/gorm"

	"im-sync/internal/models"
)

// MessageRepository 定义了消息数据操作的接口。
type MessageRepository interface {
	Create(ctx context.Context, message *models.Message) error
	GetByID(ctx context.Context, id uint) (*models.Message, error)
	// GetPage 返回第 page 页 (从 1 开始，第 1 页最新)，页内按发送时间倒序，同时返回总条数。
	GetPage(ctx context.Context, conversationID uint, page, limit int) ([]*models.Message, int64, error)
	// FindByClientTempID 查找发送者已提交过的同一条消息，用于重复投递去重。
	FindByClientTempID(ctx context.Context, senderID uint, tempID string) (*models.Message, error)
}

// gormMessageRepository 使用 GORM 实现 MessageRepository。
type gormMessageRepository struct {
	db *gorm.DB
}

// NewGormMessageRepository 创建一个新的基于 GORM 的 MessageRepository。
func NewGormMessageRepository(db *gorm.DB) MessageRepository {
	return &gormMessageRepository{db: db}
}

// Create 在数据库中创建一条新的消息记录。
func (r *gormMessageRepository) Create(ctx context.Context, message *models.Message) error {
	return r.db.WithContext(ctx).Create(message).Error
}

// GetByID 通过ID检索消息，连同回复引用与表情。
func (r *gormMessageRepository) GetByID(ctx context.Context, id uint) (*models.Message, error) {
	var message models.Message
	err := r.db.WithContext(ctx).Preload("ReplyTo").Preload("Reactions").First(&message, id).Error
	if err != nil {
		return nil, err
	}
	return &message, nil
}

func (r *gormMessageRepository) GetPage(ctx context.Context, conversationID uint, page, limit int) ([]*models.Message, int64, error) {
	var total int64
	base := r.db.WithContext(ctx).Model(&models.Message{}).Where("conversation_id = ?", conversationID)
	if err := base.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var messages []*models.Message
	err := r.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("sent_at DESC").Order("id DESC"). // 同一时刻的消息按 id 稳定排序
		Limit(limit).
		Offset(pageOffset(page, limit)).
		Preload("ReplyTo").
		Preload("Reactions").
		Find(&messages).Error
	if err != nil {
		return nil, 0, err
	}
	return messages, total, nil
}

func (r *gormMessageRepository) FindByClientTempID(ctx context.Context, senderID uint, tempID string) (*models.Message, error) {
	var message models.Message
	err := r.db.WithContext(ctx).
		Where("sender_id = ? AND client_temp_id = ?", senderID, tempID).
		Preload("ReplyTo").
		First(&message).Error
	if err != nil {
		return nil, err
	}
	return &message, nil
}
