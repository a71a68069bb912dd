package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	confluentKafka "github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/rs/zerolog"

	"im-sync/internal/config"
	"im-sync/internal/imtypes"
	appKafka "im-sync/internal/kafka"
	"im-sync/internal/logging"
	"im-sync/internal/models"
	"im-sync/internal/storage"
)

const (
	DefaultPageLimit = 30
	MaxPageLimit     = 100
)

// MessageService 定义了消息相关服务的接口。
type MessageService interface {
	// SubmitFrame 校验客户端的 send_message 帧并写入消息主题，以会话 ID 为 key 保证会话内有序。
	SubmitFrame(ctx context.Context, senderID uint, frame imtypes.ClientFrame) error

	// ProcessKafkaMessage 是消息主题的消费回调。
	ProcessKafkaMessage(ctx context.Context, kafkaMsg *confluentKafka.Message) error

	// Process 持久化一条入站消息并向会话成员推送 new_message。
	// 同一发送者重复提交相同 TempID 时不再落库和计未读，只把已有消息重新推送给全部成员。
	Process(ctx context.Context, input imtypes.RawMessageInput) (*imtypes.Message, error)

	// GetMessagePage 返回第 page 页消息，第 1 页最新，页内最新在前。
	GetMessagePage(ctx context.Context, userID, conversationID uint, page, limit int) (imtypes.MessagePage, error)
}

type messageService struct {
	msgRepo   storage.MessageRepository
	convoRepo storage.ConversationRepository
	summaries SummaryProvider
	unread    UnreadStore
	events    EventPublisher
	producer  appKafka.MessageProducer
	topic     string
	now       func() time.Time
	log       zerolog.Logger
}

// NewMessageService 创建一个新的 MessageService 实例。
func NewMessageService(
	msgRepo storage.MessageRepository,
	convoRepo storage.ConversationRepository,
	summaries SummaryProvider,
	unread UnreadStore,
	events EventPublisher,
	producer appKafka.MessageProducer,
	cfg config.KafkaConfig,
) MessageService {
	return &messageService{
		msgRepo:   msgRepo,
		convoRepo: convoRepo,
		summaries: summaries,
		unread:    unread,
		events:    events,
		producer:  producer,
		topic:     cfg.MessagesTopic,
		now:       time.Now,
		log:       logging.For("message-service"),
	}
}

func (s *messageService) SubmitFrame(ctx context.Context, senderID uint, frame imtypes.ClientFrame) error {
	if frame.Type != imtypes.FrameSendMessage {
		return fmt.Errorf("%w: 未知的帧类型 %q", ErrInvalidArgument, frame.Type)
	}
	if strings.TrimSpace(frame.TempID) == "" {
		return fmt.Errorf("%w: 缺少 tempId", ErrInvalidArgument)
	}
	if err := frame.Content.Validate(); err != nil {
		return ErrInvalidContent
	}
	convID, err := models.ParseID(frame.ConversationID)
	if err != nil {
		return fmt.Errorf("%w: 会话 ID %q", ErrInvalidArgument, frame.ConversationID)
	}
	if err := requireParticipant(ctx, s.convoRepo, convID, senderID); err != nil {
		return err
	}

	input := imtypes.RawMessageInput{
		TempID:         frame.TempID,
		ConversationID: models.FormatID(convID),
		SenderID:       models.FormatID(senderID),
		Content:        frame.Content,
		ReplyToID:      frame.ReplyToID,
		Timestamp:      s.now().UTC(),
	}
	if err := appKafka.SendJSON(ctx, s.producer, s.topic, input.ConversationID, input); err != nil {
		return fmt.Errorf("发送消息到 Kafka 失败: %w", err)
	}
	return nil
}

func (s *messageService) ProcessKafkaMessage(ctx context.Context, kafkaMsg *confluentKafka.Message) error {
	var input imtypes.RawMessageInput
	if err := json.Unmarshal(kafkaMsg.Value, &input); err != nil {
		// 无法解析的记录重试也不会成功，记录后提交偏移量
		s.log.Error().Err(err).Str("offset", kafkaMsg.TopicPartition.Offset.String()).Msg("丢弃无法解析的入站消息")
		return nil
	}
	_, err := s.Process(ctx, input)
	if err != nil && IsClientError(err) {
		s.log.Warn().Err(err).
			Str("conversationId", input.ConversationID).
			Str("senderId", input.SenderID).
			Str("tempId", input.TempID).
			Msg("丢弃无效的入站消息")
		return nil
	}
	return err
}

func (s *messageService) Process(ctx context.Context, input imtypes.RawMessageInput) (*imtypes.Message, error) {
	senderID, err := models.ParseID(input.SenderID)
	if err != nil {
		return nil, fmt.Errorf("%w: 发送者 ID %q", ErrInvalidArgument, input.SenderID)
	}
	convID, err := models.ParseID(input.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("%w: 会话 ID %q", ErrInvalidArgument, input.ConversationID)
	}

	if input.TempID != "" {
		existing, err := s.msgRepo.FindByClientTempID(ctx, senderID, input.TempID)
		switch {
		case err == nil && existing != nil:
			return s.redeliver(ctx, existing)
		case err != nil && !storage.IsNotFound(err):
			return nil, fmt.Errorf("查询重复消息失败: %w", err)
		}
	}

	if err := input.Content.Validate(); err != nil {
		return nil, ErrInvalidContent
	}
	if err := requireParticipant(ctx, s.convoRepo, convID, senderID); err != nil {
		return nil, err
	}

	sentAt := input.Timestamp
	if sentAt.IsZero() {
		sentAt = s.now().UTC()
	}
	msg := &models.Message{
		ConversationID: convID,
		SenderID:       senderID,
		ClientTempID:   input.TempID,
		SentAt:         sentAt,
	}
	if err := msg.SetContent(input.Content); err != nil {
		return nil, fmt.Errorf("序列化消息附件失败: %w", err)
	}
	if reply := s.replyTarget(ctx, convID, input.ReplyToID); reply != nil {
		msg.ReplyToID = &reply.ID
	}

	if err := s.msgRepo.Create(ctx, msg); err != nil {
		return nil, fmt.Errorf("存储消息到数据库失败: %w", err)
	}

	// 落库之后立即计未读：之后任何一步失败，重投都走 redeliver，不会重复计数
	ps, err := s.convoRepo.GetConversationParticipants(ctx, convID)
	if err != nil {
		return nil, fmt.Errorf("获取会话 %d 成员失败: %w", convID, err)
	}
	receivers := participantIDs(ps)
	if err := s.unread.Increment(ctx, convID, excluding(receivers, senderID)); err != nil {
		s.log.Warn().Err(err).Uint("conversationId", convID).Msg("增加未读数失败")
	}

	if err := s.convoRepo.TouchLastMessage(ctx, convID, msg.ID, msg.SentAt); err != nil {
		return nil, fmt.Errorf("更新会话 %d 最后消息失败: %w", convID, err)
	}

	// 重新读取以带上回复快照
	stored, err := s.msgRepo.GetByID(ctx, msg.ID)
	if err != nil {
		return nil, fmt.Errorf("读取新消息 %d 失败: %w", msg.ID, err)
	}
	wire, err := stored.ToWire()
	if err != nil {
		return nil, err
	}

	if err := s.fanOut(ctx, receivers, wire); err != nil {
		return nil, err
	}
	s.log.Debug().Str("messageId", wire.ID).Str("conversationId", wire.ConversationID).Int("receivers", len(receivers)).Msg("消息已持久化并分发")
	return &wire, nil
}

// redeliver 处理已落库的 (sender, tempId)：发送端重试，或上次分发中途失败后 Kafka 重投。
// 未读数已经计过，这里只补齐最后消息并重新推送给全部成员，客户端按消息 ID 去重。
func (s *messageService) redeliver(ctx context.Context, existing *models.Message) (*imtypes.Message, error) {
	if err := s.convoRepo.TouchLastMessage(ctx, existing.ConversationID, existing.ID, existing.SentAt); err != nil {
		return nil, fmt.Errorf("更新会话 %d 最后消息失败: %w", existing.ConversationID, err)
	}
	stored, err := s.msgRepo.GetByID(ctx, existing.ID)
	if err != nil {
		return nil, fmt.Errorf("读取已有消息 %d 失败: %w", existing.ID, err)
	}
	wire, err := stored.ToWire()
	if err != nil {
		return nil, err
	}
	ps, err := s.convoRepo.GetConversationParticipants(ctx, stored.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("获取会话 %d 成员失败: %w", stored.ConversationID, err)
	}
	if err := s.fanOut(ctx, participantIDs(ps), wire); err != nil {
		return nil, err
	}
	s.log.Info().Str("messageId", wire.ID).Str("tempId", wire.TempID).Msg("重复的消息记录，已重新分发")
	return &wire, nil
}

// fanOut 向每个接收者推送一条 new_message，遇到第一个失败即返回，由 Kafka 重投补齐。
func (s *messageService) fanOut(ctx context.Context, receivers []uint, wire imtypes.Message) error {
	for _, uid := range receivers {
		if err := s.publishNew(ctx, uid, wire); err != nil {
			return fmt.Errorf("向用户 %d 推送消息 %s 失败: %w", uid, wire.ID, err)
		}
	}
	return nil
}

func (s *messageService) publishNew(ctx context.Context, receiverID uint, wire imtypes.Message) error {
	ev := imtypes.Event{
		Kind:           imtypes.EventNewMessage,
		ConversationID: wire.ConversationID,
		Message:        &wire,
		TempID:         wire.TempID,
		At:             wire.CreatedAt,
	}
	convID, _ := models.ParseID(wire.ConversationID)
	summary, err := s.summaries.Summary(ctx, convID, receiverID)
	if err != nil {
		s.log.Warn().Err(err).Uint("receiverId", receiverID).Msg("构建会话快照失败，事件不附带快照")
	} else {
		ev.Conversation = summary
	}
	return s.events.Publish(ctx, []uint{receiverID}, ev)
}

// replyTarget 返回同一会话中被回复的消息；ID 无效、不存在或跨会话时忽略回复。
func (s *messageService) replyTarget(ctx context.Context, convID uint, replyToID string) *models.Message {
	if replyToID == "" {
		return nil
	}
	id, err := models.ParseID(replyToID)
	if err != nil {
		return nil
	}
	target, err := s.msgRepo.GetByID(ctx, id)
	if err != nil {
		if !storage.IsNotFound(err) {
			s.log.Warn().Err(err).Uint("replyToId", id).Msg("查询被回复消息失败")
		}
		return nil
	}
	if target.ConversationID != convID {
		return nil
	}
	return target
}

func (s *messageService) GetMessagePage(ctx context.Context, userID, conversationID uint, page, limit int) (imtypes.MessagePage, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = DefaultPageLimit
	}
	if limit > MaxPageLimit {
		limit = MaxPageLimit
	}
	if err := requireParticipant(ctx, s.convoRepo, conversationID, userID); err != nil {
		return imtypes.MessagePage{}, err
	}

	rows, total, err := s.msgRepo.GetPage(ctx, conversationID, page, limit)
	if err != nil {
		return imtypes.MessagePage{}, fmt.Errorf("获取会话 %d 第 %d 页消息失败: %w", conversationID, page, err)
	}
	out := imtypes.MessagePage{
		Data: make([]imtypes.Message, 0, len(rows)),
		Meta: imtypes.PageMeta{
			CurrentPage: page,
			TotalPages:  totalPages(total, limit),
			TotalCount:  total,
			Limit:       limit,
		},
	}
	for _, m := range rows {
		wire, err := m.ToWire()
		if err != nil {
			return imtypes.MessagePage{}, fmt.Errorf("转换消息 %d 失败: %w", m.ID, err)
		}
		out.Data = append(out.Data, wire)
	}
	return out, nil
}

// totalPages 至少为 1，空会话也有一页 (空的) 第 1 页。
func totalPages(total int64, limit int) int {
	if total <= 0 {
		return 1
	}
	return int((total + int64(limit) - 1) / int64(limit))
}
