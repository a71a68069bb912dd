package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"im-sync/internal/models"
)

// ConversationRepository 定义了会话数据操作的接口。
type ConversationRepository interface {
	CreateWithParticipants(ctx context.Context, conversation *models.Conversation, userIDs []uint, adminID uint) error
	GetConversationByID(ctx context.Context, id uint) (*models.Conversation, error)
	// GetUserConversations 获取用户参与的会话，按最后消息时间倒序。
	GetUserConversations(ctx context.Context, userID uint) ([]*models.Conversation, error)
	// TouchLastMessage 在新消息持久化后更新会话的最后消息。
	TouchLastMessage(ctx context.Context, conversationID, messageID uint, at time.Time) error
	// FindOrCreateDirectConversation 查找或创建两个用户之间的私聊会话，返回值 created 表示是否新建。
	FindOrCreateDirectConversation(ctx context.Context, userID1, userID2 uint) (conversation *models.Conversation, created bool, err error)

	GetParticipant(ctx context.Context, conversationID uint, userID uint) (*models.ConversationParticipant, error)
	GetConversationParticipants(ctx context.Context, conversationID uint) ([]*models.ConversationParticipant, error)
	// MarkRead 更新用户在会话中的 last_read_at。
	MarkRead(ctx context.Context, conversationID, userID uint, at time.Time) error
	// CountUnread 统计用户在会话中 last_read_at 之后收到的他人消息数，Redis 计数缺失时使用。
	CountUnread(ctx context.Context, conversationID, userID uint) (int64, error)
}

// gormConversationRepository 使用 GORM 实现 ConversationRepository。
type gormConversationRepository struct {
	db *gorm.DB
}

// NewGormConversationRepository 创建一个新的基于 GORM 的 ConversationRepository。
func NewGormConversationRepository(db *gorm.DB) ConversationRepository {
	return &gormConversationRepository{db: db}
}

// CreateWithParticipants 在一个事务中创建会话并添加参与者。
func (r *gormConversationRepository) CreateWithParticipants(ctx context.Context, conversation *models.Conversation, userIDs []uint, adminID uint) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return createWithParticipants(tx, conversation, userIDs, adminID)
	})
}

func createWithParticipants(tx *gorm.DB, conversation *models.Conversation, userIDs []uint, adminID uint) error {
	if err := tx.Create(conversation).Error; err != nil {
		return fmt.Errorf("创建会话失败: %w", err)
	}
	now := time.Now()
	seen := make(map[uint]bool, len(userIDs))
	for _, uid := range userIDs {
		if uid == 0 || seen[uid] {
			continue
		}
		seen[uid] = true
		p := &models.ConversationParticipant{
			ConversationID: conversation.ID,
			UserID:         uid,
			JoinedAt:       now,
			IsAdmin:        uid == adminID,
		}
		if err := tx.Create(p).Error; err != nil {
			return fmt.Errorf("添加参与者 %d 到会话 %d 失败: %w", uid, conversation.ID, err)
		}
	}
	return nil
}

// GetConversationByID 通过ID检索会话。
func (r *gormConversationRepository) GetConversationByID(ctx context.Context, id uint) (*models.Conversation, error) {
	var conversation models.Conversation
	err := r.db.WithContext(ctx).First(&conversation, id).Error
	if err != nil {
		return nil, err
	}
	return &conversation, nil
}

func (r *gormConversationRepository) GetUserConversations(ctx context.Context, userID uint) ([]*models.Conversation, error) {
	var conversations []*models.Conversation
	err := r.db.WithContext(ctx).
		Joins("JOIN conversation_participants cp ON cp.conversation_id = conversations.id AND cp.deleted_at IS NULL").
		Where("cp.user_id = ?", userID).
		Order("COALESCE(conversations.last_message_at, conversations.created_at) DESC").
		Order("conversations.id ASC").
		Find(&conversations).Error
	return conversations, err
}

func (r *gormConversationRepository) TouchLastMessage(ctx context.Context, conversationID, messageID uint, at time.Time) error {
	// 只在更新的消息到达时前移，乱序落库不会把最后消息回退
	return r.db.WithContext(ctx).Model(&models.Conversation{}).
		Where("id = ? AND (last_message_at IS NULL OR last_message_at <= ?)", conversationID, at).
		Updates(map[string]interface{}{"last_message_id": messageID, "last_message_at": at}).Error
}

func (r *gormConversationRepository) FindOrCreateDirectConversation(ctx context.Context, userID1, userID2 uint) (*models.Conversation, bool, error) {
	if userID1 > userID2 {
		userID1, userID2 = userID2, userID1
	}
	var result models.Conversation
	created := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Table("conversations AS c").
			Select("c.*").
			Joins("JOIN conversation_participants AS cp1 ON c.id = cp1.conversation_id AND cp1.user_id = ?", userID1).
			Joins("JOIN conversation_participants AS cp2 ON c.id = cp2.conversation_id AND cp2.user_id = ?", userID2).
			Where("c.type = ? AND c.deleted_at IS NULL", models.DirectConversation).
			First(&result).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("查找私聊会话失败: %w", err)
		}
		result = models.Conversation{Type: models.DirectConversation}
		created = true
		return createWithParticipants(tx, &result, []uint{userID1, userID2}, 0)
	})
	if err != nil {
		return nil, false, err
	}
	return &result, created, nil
}

// GetParticipant 获取会话中的特定参与者信息。
func (r *gormConversationRepository) GetParticipant(ctx context.Context, conversationID uint, userID uint) (*models.ConversationParticipant, error) {
	var participant models.ConversationParticipant
	err := r.db.WithContext(ctx).Where("conversation_id = ? AND user_id = ?", conversationID, userID).First(&participant).Error
	if err != nil {
		return nil, err
	}
	return &participant, nil
}

// GetConversationParticipants 获取会话的所有参与者。
func (r *gormConversationRepository) GetConversationParticipants(ctx context.Context, conversationID uint) ([]*models.ConversationParticipant, error) {
	var participants []*models.ConversationParticipant
	err := r.db.WithContext(ctx).Where("conversation_id = ?", conversationID).Order("user_id").Find(&participants).Error
	return participants, err
}

func (r *gormConversationRepository) MarkRead(ctx context.Context, conversationID, userID uint, at time.Time) error {
	res := r.db.WithContext(ctx).Model(&models.ConversationParticipant{}).
		Where("conversation_id = ? AND user_id = ?", conversationID, userID).
		Update("last_read_at", at)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *gormConversationRepository) CountUnread(ctx context.Context, conversationID, userID uint) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.Message{}).
		Joins("JOIN conversation_participants cp ON cp.conversation_id = messages.conversation_id AND cp.user_id = ?", userID).
		Where("messages.conversation_id = ? AND messages.sender_id <> ?", conversationID, userID).
		Where("cp.last_read_at IS NULL OR messages.sent_at > cp.last_read_at").
		Count(&count).Error
	return count, err
}
