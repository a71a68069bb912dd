package services

import (
	"context"
	"fmt"

	"im-sync/internal/imtypes"
	appKafka "im-sync/internal/kafka"
	"im-sync/internal/models"
)

// EventPublisher 把推送事件写入 WebSocket 出站主题，每个接收者一条记录。
type EventPublisher interface {
	Publish(ctx context.Context, receivers []uint, ev imtypes.Event) error
}

// kafkaEventPublisher 以接收者 ID 为 key 写入，同一接收者的事件落在同一分区，保持顺序。
type kafkaEventPublisher struct {
	producer appKafka.MessageProducer
	topic    string
}

// NewKafkaEventPublisher 创建基于 Kafka 的 EventPublisher。
func NewKafkaEventPublisher(producer appKafka.MessageProducer, topic string) EventPublisher {
	return &kafkaEventPublisher{producer: producer, topic: topic}
}

func (p *kafkaEventPublisher) Publish(ctx context.Context, receivers []uint, ev imtypes.Event) error {
	for _, uid := range receivers {
		env := imtypes.OutgoingEnvelope{ReceiverID: models.FormatID(uid), Event: ev}
		if err := appKafka.SendJSON(ctx, p.producer, p.topic, env.ReceiverID, env); err != nil {
			return fmt.Errorf("发布 %s 事件给用户 %d 失败: %w", ev.Kind, uid, err)
		}
	}
	return nil
}

func participantIDs(ps []*models.ConversationParticipant) []uint {
	ids := make([]uint, 0, len(ps))
	for _, p := range ps {
		ids = append(ids, p.UserID)
	}
	return ids
}

func excluding(ids []uint, skip uint) []uint {
	out := make([]uint, 0, len(ids))
	for _, id := range ids {
		if id != skip {
			out = append(out, id)
		}
	}
	return out
}
