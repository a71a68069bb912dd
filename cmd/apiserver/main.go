package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"im-sync/internal/config"
	"im-sync/internal/handlers/apiserver"
	appKafka "im-sync/internal/kafka"
	"im-sync/internal/logging"
	"im-sync/internal/middleware"
	appRedis "im-sync/internal/redis"
	"im-sync/internal/services"
	"im-sync/internal/storage"
)

func main() {
	// 1. 加载配置
	cfg, err := config.LoadConfig("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "无法加载配置: %v\n", err)
		os.Exit(1)
	}
	logging.Setup(cfg.LogLevel, cfg.LogLevel == "debug")
	log.Info().Str("app", cfg.AppName).Msg("API 服务器配置加载成功。")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 2. 初始化数据库连接 (表结构由 ChatServer 迁移，这里失败只告警)
	db, err := storage.InitDB(cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("无法初始化数据库")
	}
	if err := storage.AutoMigrateTables(db); err != nil {
		log.Warn().Err(err).Msg("API 服务器数据库表迁移失败")
	}

	// 3. Redis：未读计数与令牌黑名单
	redisClient, err := appRedis.Connect(rootCtx, cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("无法连接 Redis")
	}
	defer redisClient.Close()
	unread := appRedis.NewUnreadCounter(redisClient)
	blacklist := appRedis.NewRedisTokenBlacklist(redisClient)

	// 4. Kafka Producer：已读、表情等事件写入出站主题，由 ChatServer 推送
	producer, err := appKafka.NewConfluentKafkaProducer(cfg.Kafka)
	if err != nil {
		log.Fatal().Err(err).Msg("无法创建 Kafka 生产者")
	}
	defer producer.Close()
	events := services.NewKafkaEventPublisher(producer, cfg.Kafka.WebSocketOutgoingTopic)

	// 5. Repositories 与 Services
	userRepo := storage.NewGormUserRepository(db)
	convoRepo := storage.NewGormConversationRepository(db)
	groupRepo := storage.NewGormGroupRepository(db)
	msgRepo := storage.NewGormMessageRepository(db)
	reactionRepo := storage.NewGormReactionRepository(db)

	convoService := services.NewConversationService(convoRepo, msgRepo, userRepo, groupRepo, unread, events)
	messageService := services.NewMessageService(msgRepo, convoRepo, convoService, unread, events, producer, cfg.Kafka)
	reactionService := services.NewReactionService(msgRepo, reactionRepo, convoRepo, events)

	storageService, err := storage.NewLocalStorageService(cfg.Storage)
	if err != nil {
		log.Fatal().Err(err).Msg("无法初始化本地存储服务")
	}

	// 6. 路由
	r := mux.NewRouter()
	r.Use(middleware.AccessLog)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(middleware.AuthMiddleware(cfg.Auth.JWTSecretKey, blacklist))
	apiserver.RegisterRoutes(api,
		apiserver.NewConversationHandler(convoService, messageService),
		apiserver.NewReactionHandler(reactionService),
		apiserver.NewUploadHandler(storageService, cfg.Storage),
	)
	api.HandleFunc("/auth/logout", apiserver.NewLogoutHandler(cfg.Auth.JWTSecretKey, blacklist).ServeHTTP).Methods(http.MethodPost)

	// 上传文件的静态访问路径
	staticPath := strings.TrimSuffix(cfg.Storage.PublicPrefix, "/") + "/"
	r.PathPrefix(staticPath).Handler(http.StripPrefix(staticPath, http.FileServer(http.Dir(cfg.Storage.LocalPath))))
	log.Info().Str("prefix", staticPath).Str("dir", cfg.Storage.LocalPath).Msg("提供上传文件的静态服务")

	// 7. CORS
	cors := cfg.APIServer.CORS
	corsOptions := []handlers.CORSOption{
		handlers.AllowedOrigins(cors.AllowedOrigins),
		handlers.AllowedMethods(cors.AllowedMethods),
		handlers.AllowedHeaders(cors.AllowedHeaders),
		handlers.ExposedHeaders(cors.ExposedHeaders),
		handlers.MaxAge(cors.MaxAge),
	}
	if cors.AllowCredentials {
		corsOptions = append(corsOptions, handlers.AllowCredentials())
	}

	serverAddr := fmt.Sprintf("%s:%s", cfg.APIServer.Host, cfg.APIServer.Port)
	srv := &http.Server{
		Addr:         serverAddr,
		Handler:      handlers.CORS(corsOptions...)(r),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		log.Info().Str("addr", serverAddr).Msg("API 服务器启动")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("API 服务器启动失败")
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info().Msg("收到关闭信号，正在关闭 API 服务器...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("API 服务器强制关闭")
	}
	log.Info().Msg("API 服务器已成功关闭")
}
