package kafka

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"im-sync/internal/config"
	"im-sync/internal/logging"
)

// MessageHandler processes one consumed record. A nil return commits the offset.
type MessageHandler func(ctx context.Context, msg *kafka.Message) error

// MessageConsumer defines the interface for a Kafka message consumer.
type MessageConsumer interface {
	Consume(ctx context.Context, topics []string, groupID string, handler MessageHandler) error
	Close()
}

// confluentKafkaConsumer is an implementation of MessageConsumer using confluent-kafka-go.
type confluentKafkaConsumer struct {
	cfg config.KafkaConfig
	log zerolog.Logger

	mu       sync.Mutex
	consumer *kafka.Consumer
	groupID  string
}

// NewConfluentKafkaConsumer 创建消费者；底层连接在 Consume 中按 groupID 建立。
func NewConfluentKafkaConsumer(cfg config.KafkaConfig) (MessageConsumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka consumer: 未配置 broker")
	}
	return &confluentKafkaConsumer{cfg: cfg, log: logging.For("kafka-consumer")}, nil
}

// InstanceGroupID 返回本实例独占的消费者组，使每个 ChatServer 实例都能收到全部出站事件。
func InstanceGroupID(configured string) string {
	if configured != "" {
		return configured
	}
	return "im-ws-outgoing-" + uuid.NewString()
}

// Consume 阻塞消费直到 ctx 结束或遇到致命错误。处理成功后手动提交偏移量。
func (c *confluentKafkaConsumer) Consume(ctx context.Context, topics []string, groupID string, handler MessageHandler) error {
	if len(topics) == 0 {
		return fmt.Errorf("kafka consumer: no topics specified")
	}

	configMap := &kafka.ConfigMap{
		"bootstrap.servers":  strings.Join(c.cfg.Brokers, ","),
		"group.id":           groupID,
		"auto.offset.reset":  "earliest",
		"enable.auto.commit": false,
		"security.protocol":  c.cfg.Protocol,
	}
	if c.cfg.ClientID != "" {
		_ = configMap.SetKey("client.id", c.cfg.ClientID)
	}

	consumer, err := kafka.NewConsumer(configMap)
	if err != nil {
		return fmt.Errorf("创建 Kafka 消费者失败 (group %s): %w", groupID, err)
	}
	c.mu.Lock()
	c.consumer, c.groupID = consumer, groupID
	c.mu.Unlock()

	if err := consumer.SubscribeTopics(topics, nil); err != nil {
		c.Close()
		return fmt.Errorf("订阅主题 %v 失败 (group %s): %w", topics, groupID, err)
	}

	log := c.log.With().Str("group", groupID).Strs("topics", topics).Logger()
	log.Info().Msg("Kafka 消费者已启动")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("上下文已取消，停止消费")
			return nil
		default:
		}

		ev := consumer.Poll(500)
		if ev == nil {
			continue
		}
		switch e := ev.(type) {
		case *kafka.Message:
			if err := handler(ctx, e); err != nil {
				log.Error().Err(err).
					Str("topic", *e.TopicPartition.Topic).
					Str("offset", e.TopicPartition.Offset.String()).
					Msg("处理 Kafka 消息失败，不提交偏移量")
				continue
			}
			if _, err := consumer.CommitMessage(e); err != nil {
				log.Warn().Err(err).Str("offset", e.TopicPartition.Offset.String()).Msg("提交偏移量失败")
			}
		case kafka.Error:
			if e.IsFatal() {
				log.Error().Err(e).Msg("Kafka 致命错误，退出消费循环")
				return e
			}
			log.Warn().Err(e).Int("code", int(e.Code())).Msg("Kafka 消费者错误")
		case kafka.AssignedPartitions:
			log.Info().Int("partitions", len(e.Partitions)).Msg("分区已分配")
			_ = consumer.Assign(e.Partitions)
		case kafka.RevokedPartitions:
			log.Info().Int("partitions", len(e.Partitions)).Msg("分区已撤销")
			_ = consumer.Unassign()
		}
	}
}

// Close closes the Kafka consumer.
func (c *confluentKafkaConsumer) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.consumer == nil {
		return
	}
	if err := c.consumer.Close(); err != nil {
		c.log.Warn().Err(err).Str("group", c.groupID).Msg("关闭 Kafka 消费者失败")
	}
	c.consumer = nil
}
