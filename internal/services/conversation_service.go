package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"im-sync/internal/imtypes"
	"im-sync/internal/logging"
	"im-sync/internal/models"
	"im-sync/internal/storage"
)

// SummaryProvider 为指定观察者构建会话摘要。消息处理器用它给推送事件附带会话快照。
type SummaryProvider interface {
	Summary(ctx context.Context, conversationID, viewerID uint) (*imtypes.ConversationSummary, error)
}

// ConversationService 定义了会话相关服务的接口。
type ConversationService interface {
	SummaryProvider
	// ListSummaries 返回用户的会话列表，按最后消息时间倒序。
	ListSummaries(ctx context.Context, userID uint) ([]imtypes.ConversationSummary, error)
	// MarkSeen 把会话标记为已读，清零未读数并通知该用户的其他连接。
	MarkSeen(ctx context.Context, conversationID, userID uint) error
	// GetOrCreateDirect 获取或创建与 peerID 的私聊，created 表示是否新建。
	GetOrCreateDirect(ctx context.Context, userID, peerID uint) (summary *imtypes.ConversationSummary, created bool, err error)
	CreateGroup(ctx context.Context, ownerID uint, input CreateGroupInput) (*imtypes.ConversationSummary, error)
	// RequireParticipant 在 userID 不是会话成员时返回 ErrNotParticipant。
	RequireParticipant(ctx context.Context, conversationID, userID uint) error
	Participants(ctx context.Context, conversationID uint) ([]uint, error)
}

// CreateGroupInput 是创建群聊的参数。
type CreateGroupInput struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	PhotoURL    string `json:"photoUrl,omitempty"`
	MemberIDs   []uint `json:"memberIds"`
}

type conversationService struct {
	convoRepo storage.ConversationRepository
	msgRepo   storage.MessageRepository
	userRepo  storage.UserRepository
	groupRepo storage.GroupRepository
	unread    UnreadStore
	events    EventPublisher
	now       func() time.Time
	log       zerolog.Logger
}

// NewConversationService 创建一个新的 ConversationService 实例。
func NewConversationService(
	convoRepo storage.ConversationRepository,
	msgRepo storage.MessageRepository,
	userRepo storage.UserRepository,
	groupRepo storage.GroupRepository,
	unread UnreadStore,
	events EventPublisher,
) ConversationService {
	return &conversationService{
		convoRepo: convoRepo,
		msgRepo:   msgRepo,
		userRepo:  userRepo,
		groupRepo: groupRepo,
		unread:    unread,
		events:    events,
		now:       time.Now,
		log:       logging.For("conversation-service"),
	}
}

func (s *conversationService) RequireParticipant(ctx context.Context, conversationID, userID uint) error {
	return requireParticipant(ctx, s.convoRepo, conversationID, userID)
}

func requireParticipant(ctx context.Context, repo storage.ConversationRepository, conversationID, userID uint) error {
	p, err := repo.GetParticipant(ctx, conversationID, userID)
	if err != nil {
		if storage.IsNotFound(err) {
			return ErrNotParticipant
		}
		return fmt.Errorf("查询会话 %d 成员失败: %w", conversationID, err)
	}
	if p == nil {
		return ErrNotParticipant
	}
	return nil
}

func (s *conversationService) Participants(ctx context.Context, conversationID uint) ([]uint, error) {
	ps, err := s.convoRepo.GetConversationParticipants(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("获取会话 %d 成员失败: %w", conversationID, err)
	}
	return participantIDs(ps), nil
}

func (s *conversationService) ListSummaries(ctx context.Context, userID uint) ([]imtypes.ConversationSummary, error) {
	convs, err := s.convoRepo.GetUserConversations(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("获取用户 %d 的会话失败: %w", userID, err)
	}
	counts := s.unreadCounts(ctx, userID)

	out := make([]imtypes.ConversationSummary, 0, len(convs))
	for _, conv := range convs {
		summary, err := s.build(ctx, conv, userID, counts)
		if err != nil {
			return nil, err
		}
		out = append(out, *summary)
	}
	return out, nil
}

func (s *conversationService) Summary(ctx context.Context, conversationID, viewerID uint) (*imtypes.ConversationSummary, error) {
	conv, err := s.convoRepo.GetConversationByID(ctx, conversationID)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, ErrConversationNotFound
		}
		return nil, fmt.Errorf("获取会话 %d 失败: %w", conversationID, err)
	}
	if err := s.RequireParticipant(ctx, conversationID, viewerID); err != nil {
		return nil, err
	}
	return s.build(ctx, conv, viewerID, s.unreadCounts(ctx, viewerID))
}

// unreadCounts 读取 Redis 中的未读数。读取失败时返回 nil，由 build 回退到数据库统计。
func (s *conversationService) unreadCounts(ctx context.Context, userID uint) map[uint]int64 {
	counts, err := s.unread.All(ctx, userID)
	if err != nil {
		s.log.Warn().Err(err).Uint("userId", userID).Msg("读取未读数缓存失败，回退到数据库统计")
		return nil
	}
	return counts
}

func (s *conversationService) unreadFor(ctx context.Context, conversationID, userID uint, counts map[uint]int64) (int64, error) {
	if n, ok := counts[conversationID]; ok {
		return n, nil
	}
	n, err := s.convoRepo.CountUnread(ctx, conversationID, userID)
	if err != nil {
		return 0, fmt.Errorf("统计会话 %d 未读数失败: %w", conversationID, err)
	}
	if counts != nil {
		if err := s.unread.Set(ctx, userID, conversationID, n); err != nil {
			s.log.Warn().Err(err).Uint("conversationId", conversationID).Msg("回填未读数缓存失败")
		}
	}
	return n, nil
}

// build 组装单个会话的摘要：私聊取对方用户信息，群聊取群名与头像。
func (s *conversationService) build(ctx context.Context, conv *models.Conversation, viewerID uint, counts map[uint]int64) (*imtypes.ConversationSummary, error) {
	summary := &imtypes.ConversationSummary{
		ID:        conv.IDString(),
		Type:      imtypes.ConversationType(conv.Type),
		CreatedAt: conv.CreatedAt,
	}

	switch conv.Type {
	case models.DirectConversation:
		ids, err := s.Participants(ctx, conv.ID)
		if err != nil {
			return nil, err
		}
		others := excluding(ids, viewerID)
		if len(others) > 0 {
			users, err := s.userRepo.GetByIDs(ctx, others[:1])
			if err != nil {
				return nil, fmt.Errorf("获取私聊对方信息失败: %w", err)
			}
			if u, ok := users[others[0]]; ok {
				summary.Counterpart = u.BasicInfo()
			}
		}
	case models.GroupConversation:
		group, err := s.groupRepo.GetGroupByID(ctx, conv.TargetID)
		if err != nil && !storage.IsNotFound(err) {
			return nil, fmt.Errorf("获取群组 %d 失败: %w", conv.TargetID, err)
		}
		if group != nil {
			summary.Name = group.Name
			summary.PhotoURL = group.PhotoURL
		}
	}

	if conv.LastMessageID != nil {
		last, err := s.msgRepo.GetByID(ctx, *conv.LastMessageID)
		if err != nil && !storage.IsNotFound(err) {
			return nil, fmt.Errorf("获取会话 %d 最后一条消息失败: %w", conv.ID, err)
		}
		if last != nil {
			wire, err := last.ToWire()
			if err != nil {
				return nil, fmt.Errorf("转换消息 %d 失败: %w", last.ID, err)
			}
			summary.LastMessage = &wire
		}
	}

	n, err := s.unreadFor(ctx, conv.ID, viewerID, counts)
	if err != nil {
		return nil, err
	}
	summary.UnreadCount = int(n)
	return summary, nil
}

func (s *conversationService) MarkSeen(ctx context.Context, conversationID, userID uint) error {
	at := s.now().UTC()
	if err := s.convoRepo.MarkRead(ctx, conversationID, userID, at); err != nil {
		if storage.IsNotFound(err) {
			return ErrNotParticipant
		}
		return fmt.Errorf("标记会话 %d 已读失败: %w", conversationID, err)
	}
	if err := s.unread.Reset(ctx, userID, conversationID); err != nil {
		s.log.Warn().Err(err).Uint("conversationId", conversationID).Uint("userId", userID).Msg("清零未读数缓存失败")
	}

	ev := imtypes.Event{
		Kind:           imtypes.EventConversationSeen,
		ConversationID: models.FormatID(conversationID),
		UserID:         models.FormatID(userID),
		At:             at,
	}
	return s.events.Publish(ctx, []uint{userID}, ev)
}

func (s *conversationService) GetOrCreateDirect(ctx context.Context, userID, peerID uint) (*imtypes.ConversationSummary, bool, error) {
	if userID == peerID {
		return nil, false, fmt.Errorf("%w: 不能与自己创建私聊会话", ErrInvalidArgument)
	}
	if _, err := s.userRepo.GetByID(ctx, peerID); err != nil {
		if storage.IsNotFound(err) {
			return nil, false, fmt.Errorf("%w: 用户 %d 不存在", ErrInvalidArgument, peerID)
		}
		return nil, false, fmt.Errorf("查询用户 %d 失败: %w", peerID, err)
	}

	conv, created, err := s.convoRepo.FindOrCreateDirectConversation(ctx, userID, peerID)
	if err != nil {
		return nil, false, fmt.Errorf("获取或创建私聊失败: %w", err)
	}
	summary, err := s.build(ctx, conv, userID, s.unreadCounts(ctx, userID))
	if err != nil {
		return nil, false, err
	}
	return summary, created, nil
}

func (s *conversationService) CreateGroup(ctx context.Context, ownerID uint, input CreateGroupInput) (*imtypes.ConversationSummary, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: 群组名称不能为空", ErrInvalidArgument)
	}

	members := []uint{ownerID}
	for _, id := range input.MemberIDs {
		if id != 0 && id != ownerID {
			members = append(members, id)
		}
	}
	users, err := s.userRepo.GetByIDs(ctx, members)
	if err != nil {
		return nil, fmt.Errorf("查询群成员失败: %w", err)
	}
	for _, id := range members {
		if _, ok := users[id]; !ok {
			return nil, fmt.Errorf("%w: 用户 %d 不存在", ErrInvalidArgument, id)
		}
	}

	group := &models.Group{
		Name:        name,
		Description: input.Description,
		PhotoURL:    input.PhotoURL,
		OwnerID:     ownerID,
	}
	conv, err := s.groupRepo.CreateGroup(ctx, group, members)
	if err != nil {
		return nil, fmt.Errorf("创建群组失败: %w", err)
	}
	return &imtypes.ConversationSummary{
		ID:        conv.IDString(),
		Type:      imtypes.GroupConversation,
		Name:      group.Name,
		PhotoURL:  group.PhotoURL,
		CreatedAt: conv.CreatedAt,
	}, nil
}

// IsClientError 判断错误是否由请求参数或权限引起，HTTP 层据此选择 4xx 状态码。
func IsClientError(err error) bool {
	return errors.Is(err, ErrNotParticipant) ||
		errors.Is(err, ErrConversationNotFound) ||
		errors.Is(err, ErrMessageNotFound) ||
		errors.Is(err, ErrInvalidContent) ||
		errors.Is(err, ErrInvalidReaction) ||
		errors.Is(err, ErrInvalidArgument)
}
