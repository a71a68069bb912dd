package kafkahandlers

import (
	"context"
	"encoding/json"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/rs/zerolog"

	"im-sync/internal/imtypes"
	"im-sync/internal/logging"
)

// Deliverer 把出站事件交给本实例上的连接。*websocket.Hub 实现了该接口。
type Deliverer interface {
	Deliver(ctx context.Context, env imtypes.OutgoingEnvelope) error
}

// OutgoingConsumerLogic 消费 WebSocket 出站主题并把事件交给 Hub。
type OutgoingConsumerLogic struct {
	hub Deliverer
	log zerolog.Logger
}

// NewOutgoingConsumerLogic creates a new instance of OutgoingConsumerLogic.
func NewOutgoingConsumerLogic(hub Deliverer) *OutgoingConsumerLogic {
	return &OutgoingConsumerLogic{hub: hub, log: logging.For("outgoing-consumer")}
}

// HandleOutgoing 是传给 Kafka 消费者的 MessageHandler。
// 无法解析或校验失败的记录会被跳过；只有 Hub 停止时才返回错误，使偏移量不被提交。
func (h *OutgoingConsumerLogic) HandleOutgoing(ctx context.Context, msg *kafka.Message) error {
	var env imtypes.OutgoingEnvelope
	if err := json.Unmarshal(msg.Value, &env); err != nil {
		h.log.Warn().Err(err).Str("key", string(msg.Key)).Msg("跳过无法解析的出站记录")
		return nil
	}
	if env.ReceiverID == "" {
		h.log.Warn().Str("kind", string(env.Event.Kind)).Msg("跳过没有接收者的出站记录")
		return nil
	}
	if err := env.Event.Validate(); err != nil {
		h.log.Warn().Err(err).Str("receiverId", env.ReceiverID).Str("kind", string(env.Event.Kind)).Msg("跳过无效的出站事件")
		return nil
	}
	return h.hub.Deliver(ctx, env)
}
