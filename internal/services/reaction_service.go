package services

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"im-sync/internal/imtypes"
	"im-sync/internal/logging"
	"im-sync/internal/models"
	"im-sync/internal/storage"
)

// ReactionService 管理消息上的表情。每个用户在一条消息上只保留一个表情，新表情替换旧表情。
type ReactionService interface {
	React(ctx context.Context, userID, messageID uint, emoji string) (*imtypes.Reaction, error)
	// Unreact 删除用户的表情。用户原本没有表情时什么也不做。
	Unreact(ctx context.Context, userID, messageID uint) error
}

type reactionService struct {
	msgRepo      storage.MessageRepository
	reactionRepo storage.ReactionRepository
	convoRepo    storage.ConversationRepository
	events       EventPublisher
	now          func() time.Time
	log          zerolog.Logger
}

// NewReactionService 创建一个新的 ReactionService 实例。
func NewReactionService(
	msgRepo storage.MessageRepository,
	reactionRepo storage.ReactionRepository,
	convoRepo storage.ConversationRepository,
	events EventPublisher,
) ReactionService {
	return &reactionService{
		msgRepo:      msgRepo,
		reactionRepo: reactionRepo,
		convoRepo:    convoRepo,
		events:       events,
		now:          time.Now,
		log:          logging.For("reaction-service"),
	}
}

// message 加载消息并确认 userID 是所在会话的成员。
func (s *reactionService) message(ctx context.Context, userID, messageID uint) (*models.Message, error) {
	msg, err := s.msgRepo.GetByID(ctx, messageID)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, ErrMessageNotFound
		}
		return nil, fmt.Errorf("获取消息 %d 失败: %w", messageID, err)
	}
	if err := requireParticipant(ctx, s.convoRepo, msg.ConversationID, userID); err != nil {
		return nil, err
	}
	return msg, nil
}

func (s *reactionService) React(ctx context.Context, userID, messageID uint, emoji string) (*imtypes.Reaction, error) {
	if err := imtypes.ValidateEmoji(emoji); err != nil {
		return nil, ErrInvalidReaction
	}
	msg, err := s.message(ctx, userID, messageID)
	if err != nil {
		return nil, err
	}

	reaction := &models.Reaction{MessageID: msg.ID, UserID: userID, Emoji: emoji, ReactedAt: s.now().UTC()}
	previous, err := s.reactionRepo.Upsert(ctx, reaction)
	if err != nil {
		return nil, fmt.Errorf("保存表情失败: %w", err)
	}
	wire := reaction.ToWire()
	if previous == emoji {
		return &wire, nil
	}

	ev := imtypes.Event{
		Kind:           imtypes.EventReactionAdded,
		ConversationID: models.FormatID(msg.ConversationID),
		MessageID:      msg.IDString(),
		UserID:         models.FormatID(userID),
		Emoji:          emoji,
		At:             reaction.ReactedAt,
	}
	if err := s.broadcast(ctx, msg.ConversationID, ev); err != nil {
		return nil, err
	}
	return &wire, nil
}

func (s *reactionService) Unreact(ctx context.Context, userID, messageID uint) error {
	msg, err := s.message(ctx, userID, messageID)
	if err != nil {
		return err
	}
	removed, err := s.reactionRepo.Delete(ctx, msg.ID, userID)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("删除表情失败: %w", err)
	}

	ev := imtypes.Event{
		Kind:           imtypes.EventReactionRemoved,
		ConversationID: models.FormatID(msg.ConversationID),
		MessageID:      msg.IDString(),
		UserID:         models.FormatID(userID),
		Emoji:          removed,
		At:             s.now().UTC(),
	}
	return s.broadcast(ctx, msg.ConversationID, ev)
}

func (s *reactionService) broadcast(ctx context.Context, conversationID uint, ev imtypes.Event) error {
	ps, err := s.convoRepo.GetConversationParticipants(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("获取会话 %d 成员失败: %w", conversationID, err)
	}
	if err := s.events.Publish(ctx, participantIDs(ps), ev); err != nil {
		return err
	}
	s.log.Debug().Str("kind", string(ev.Kind)).Str("messageId", ev.MessageID).Str("userId", ev.UserID).Msg("表情事件已分发")
	return nil
}
