package storage

import (
	"context"

	"gorm.io/gorm"

	"im-sync/internal/models"
)

// GroupRepository 定义了群组数据操作的接口。
type GroupRepository interface {
	// CreateGroup 创建群组以及对应的群聊会话，members 中的用户成为会话参与者。
	CreateGroup(ctx context.Context, group *models.Group, members []uint) (*models.Conversation, error)
	GetGroupByID(ctx context.Context, id uint) (*models.Group, error)
	GetGroupsByIDs(ctx context.Context, ids []uint) (map[uint]*models.Group, error)
}

// gormGroupRepository 使用 GORM 实现 GroupRepository。
type gormGroupRepository struct {
	db *gorm.DB
}

// NewGormGroupRepository 创建一个新的基于 GORM 的 GroupRepository。
func NewGormGroupRepository(db *gorm.DB) GroupRepository {
	return &gormGroupRepository{db: db}
}

func (r *gormGroupRepository) CreateGroup(ctx context.Context, group *models.Group, members []uint) (*models.Conversation, error) {
	var conversation *models.Conversation
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(group).Error; err != nil {
			return err
		}
		conversation = &models.Conversation{Type: models.GroupConversation, TargetID: group.ID}
		return createWithParticipants(tx, conversation, append([]uint{group.OwnerID}, members...), group.OwnerID)
	})
	if err != nil {
		return nil, err
	}
	return conversation, nil
}

// GetGroupByID 通过ID检索群组。
func (r *gormGroupRepository) GetGroupByID(ctx context.Context, id uint) (*models.Group, error) {
	var group models.Group
	if err := r.db.WithContext(ctx).First(&group, id).Error; err != nil {
		return nil, err
	}
	return &group, nil
}

func (r *gormGroupRepository) GetGroupsByIDs(ctx context.Context, ids []uint) (map[uint]*models.Group, error) {
	out := make(map[uint]*models.Group, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var groups []*models.Group
	if err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&groups).Error; err != nil {
		return nil, err
	}
	for _, g := range groups {
		out[g.ID] = g
	}
	return out, nil
}
