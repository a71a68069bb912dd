package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	confluentKafka "github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"im-sync/internal/config"
	"im-sync/internal/handlers/chatserver"
	appKafka "im-sync/internal/kafka"
	kafkahandlers "im-sync/internal/kafka/handlers"
	"im-sync/internal/logging"
	appRedis "im-sync/internal/redis"
	"im-sync/internal/services"
	"im-sync/internal/storage"
	"im-sync/internal/websocket"
)

func main() {
	// 1. 加载配置
	cfg, err := config.LoadConfig("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "无法加载配置: %v\n", err)
		os.Exit(1)
	}
	logging.Setup(cfg.LogLevel, cfg.LogLevel == "debug")
	log.Info().Str("app", cfg.AppName).Msg("Chat 服务器配置加载成功。")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 2. 初始化数据库连接并迁移表结构 (通常一个服务实例负责即可)
	db, err := storage.InitDB(cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("无法初始化数据库")
	}
	if err := storage.AutoMigrateTables(db); err != nil {
		log.Fatal().Err(err).Msg("无法迁移数据库表")
	}

	// 3. Redis：未读计数与令牌黑名单
	redisClient, err := appRedis.Connect(rootCtx, cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("无法连接 Redis")
	}
	defer redisClient.Close()
	unread := appRedis.NewUnreadCounter(redisClient)
	blacklist := appRedis.NewRedisTokenBlacklist(redisClient)

	// 4. 初始化 Kafka Producer
	producer, err := appKafka.NewConfluentKafkaProducer(cfg.Kafka)
	if err != nil {
		log.Fatal().Err(err).Msg("无法创建 Kafka 生产者")
	}
	defer producer.Close()
	events := services.NewKafkaEventPublisher(producer, cfg.Kafka.WebSocketOutgoingTopic)

	// 5. 初始化 Repositories 与 Services
	msgRepo := storage.NewGormMessageRepository(db)
	convoRepo := storage.NewGormConversationRepository(db)
	userRepo := storage.NewGormUserRepository(db)
	groupRepo := storage.NewGormGroupRepository(db)

	convoService := services.NewConversationService(convoRepo, msgRepo, userRepo, groupRepo, unread, events)
	messageService := services.NewMessageService(msgRepo, convoRepo, convoService, unread, events, producer, cfg.Kafka)

	// 6. 指标
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	hubMetrics := websocket.NewHubMetrics(registry)

	// 7. 初始化 WebSocket Hub
	hub := websocket.NewHub(hubMetrics)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		hub.Run(rootCtx)
		log.Info().Msg("WebSocket Hub 已停止。")
	}()

	// 8. 入站消费者：send_message 帧 -> 持久化 -> 扇出
	inbound, err := appKafka.NewConfluentKafkaConsumer(cfg.Kafka)
	if err != nil {
		log.Fatal().Err(err).Msg("无法创建入站 Kafka 消费者")
	}
	defer inbound.Close()
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Str("topic", cfg.Kafka.MessagesTopic).Str("group", cfg.Kafka.ConsumerGroup).Msg("Kafka 入站消费者启动")
		if err := inbound.Consume(rootCtx, []string{cfg.Kafka.MessagesTopic}, cfg.Kafka.ConsumerGroup,
			func(ctx context.Context, msg *confluentKafka.Message) error {
				return messageService.ProcessKafkaMessage(ctx, msg)
			}); err != nil {
			log.Error().Err(err).Msg("Kafka 入站消费者错误")
		}
		log.Info().Msg("Kafka 入站消费者已停止。")
	}()

	// 9. 出站消费者：每个实例独立的消费者组，保证每个实例都能看到所有事件
	outbound, err := appKafka.NewConfluentKafkaConsumer(cfg.Kafka)
	if err != nil {
		log.Fatal().Err(err).Msg("无法创建出站 Kafka 消费者")
	}
	defer outbound.Close()
	outgoing := kafkahandlers.NewOutgoingConsumerLogic(hub)
	outgoingGroup := appKafka.InstanceGroupID(cfg.Kafka.OutgoingConsumerGroup)
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Str("topic", cfg.Kafka.WebSocketOutgoingTopic).Str("group", outgoingGroup).Msg("Kafka 出站消费者启动")
		if err := outbound.Consume(rootCtx, []string{cfg.Kafka.WebSocketOutgoingTopic}, outgoingGroup, outgoing.HandleOutgoing); err != nil {
			log.Error().Err(err).Msg("Kafka 出站消费者错误")
		}
		log.Info().Msg("Kafka 出站消费者已停止。")
	}()

	// 10. HTTP 路由
	wsHandler := chatserver.NewWebSocketHandler(rootCtx, hub, messageService, blacklist, cfg)
	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Server.WebSocketPath, wsHandler.ServeWS)
	if cfg.Metrics.Enabled {
		mux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	}

	serverAddr := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:           serverAddr,
		Handler:        mux,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		MaxHeaderBytes: cfg.Server.MaxHeaderBytes,
	}
	go func() {
		log.Info().Str("addr", serverAddr).Str("path", cfg.Server.WebSocketPath).Msg("Chat HTTP 服务器启动")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Chat 服务器启动失败")
			stop()
		}
	}()

	// 优雅关闭
	<-rootCtx.Done()
	log.Info().Msg("Chat 服务器准备关闭...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Chat 服务器关闭失败")
	}
	wg.Wait()
	log.Info().Msg("Chat 服务器已优雅关闭。")
}
