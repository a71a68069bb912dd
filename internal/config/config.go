package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// APIServerConfig 保存 API 服务器特有的配置。
type APIServerConfig struct {
	Host string     `mapstructure:"HOST"`
	Port string     `mapstructure:"PORT"`
	CORS CORSConfig `mapstructure:"CORS"`
}

// CORSConfig holds configuration for CORS.
type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"ALLOWED_ORIGINS"`
	AllowedMethods   []string `mapstructure:"ALLOWED_METHODS"`
	AllowedHeaders   []string `mapstructure:"ALLOWED_HEADERS"`
	ExposedHeaders   []string `mapstructure:"EXPOSED_HEADERS"`
	AllowCredentials bool     `mapstructure:"ALLOW_CREDENTIALS"`
	MaxAge           int      `mapstructure:"MAX_AGE"`
}

// RedisConfig holds configuration for Redis.
type RedisConfig struct {
	Addr     string `mapstructure:"ADDR"`
	Password string `mapstructure:"PASSWORD"`
	DB       int    `mapstructure:"DB"`
}

// Config holds all configuration for the application.
// The values are read by viper from a config file or environment variables.
type Config struct {
	AppName    string          `mapstructure:"APP_NAME"`
	AppVersion string          `mapstructure:"APP_VERSION"`
	LogLevel   string          `mapstructure:"LOG_LEVEL"`
	Server     ServerConfig    `mapstructure:"SERVER"`     // 这个是 ChatServer 的配置
	APIServer  APIServerConfig `mapstructure:"API_SERVER"` // 新增 API 服务器配置
	Kafka      KafkaConfig     `mapstructure:"KAFKA"`
	Database   DatabaseConfig  `mapstructure:"DATABASE"`
	Storage    StorageConfig   `mapstructure:"STORAGE"`
	Auth       AuthConfig      `mapstructure:"AUTH"`
	WebSocket  WebSocketConfig `mapstructure:"WEBSOCKET"`
	Redis      RedisConfig     `mapstructure:"REDIS"`
	RateLimit  RateLimitConfig `mapstructure:"RATE_LIMIT"`
	Metrics    MetricsConfig   `mapstructure:"METRICS"`
	Sync       SyncConfig      `mapstructure:"SYNC"` // 客户端同步核心 (cmd/imsync) 使用
}

// ServerConfig holds configuration for the ChatServer HTTP listener.
type ServerConfig struct {
	Host           string        `mapstructure:"HOST"`
	Port           string        `mapstructure:"PORT"`
	WebSocketPath  string        `mapstructure:"WEBSOCKET_PATH"`
	ReadTimeout    time.Duration `mapstructure:"READ_TIMEOUT"`
	WriteTimeout   time.Duration `mapstructure:"WRITE_TIMEOUT"`
	MaxHeaderBytes int           `mapstructure:"MAX_HEADER_BYTES"`
}

// KafkaConfig holds configuration for Kafka.
type KafkaConfig struct {
	Brokers                []string `mapstructure:"BROKERS"`
	ClientID               string   `mapstructure:"CLIENT_ID"`
	MessagesTopic          string   `mapstructure:"MESSAGES_TOPIC"`           // 客户端 send_message 帧，由消息处理器消费
	WebSocketOutgoingTopic string   `mapstructure:"WEBSOCKET_OUTGOING_TOPIC"` // 服务端推向客户端的事件，每个接收者一条
	ConsumerGroup          string   `mapstructure:"CONSUMER_GROUP"`           // 消息处理器消费者组
	OutgoingConsumerGroup  string   `mapstructure:"OUTGOING_CONSUMER_GROUP"`  // 出站事件消费者组，为空时每个实例使用独立的组
	Protocol               string   `mapstructure:"PROTOCOL"`
}

// DatabaseConfig holds configuration for the database.
type DatabaseConfig struct {
	Type     string `mapstructure:"TYPE"`
	Host     string `mapstructure:"HOST"`
	Port     int    `mapstructure:"PORT"`
	User     string `mapstructure:"USER"`
	Password string `mapstructure:"PASSWORD"`
	DBName   string `mapstructure:"DB_NAME"`
	SSLMode  string `mapstructure:"SSL_MODE"`
}

// StorageConfig holds configuration for uploaded files.
type StorageConfig struct {
	LocalPath     string `mapstructure:"LOCAL_PATH"`
	PublicPrefix  string `mapstructure:"PUBLIC_PREFIX"` // 文件 URL 前缀，对应 API 服务器的静态文件路由
	MaxFileSizeMB int64  `mapstructure:"MAX_FILE_SIZE_MB"`
}

// AuthConfig holds the JWT settings used to identify the viewer.
type AuthConfig struct {
	JWTSecretKey string        `mapstructure:"JWT_SECRET_KEY"`
	JWTExpiry    time.Duration `mapstructure:"JWT_EXPIRY"`
}

// WebSocketConfig holds configuration for WebSocket connections.
type WebSocketConfig struct {
	WriteWaitSeconds    int `mapstructure:"WRITE_WAIT_SECONDS"`
	PongWaitSeconds     int `mapstructure:"PONG_WAIT_SECONDS"`
	PingPeriodSeconds   int `mapstructure:"PING_PERIOD_SECONDS"`
	MaxMessageSizeBytes int `mapstructure:"MAX_MESSAGE_SIZE_BYTES"`
	SendBufferSize      int `mapstructure:"SEND_BUFFER_SIZE"`
}

// RateLimitConfig 限制单个 WebSocket 连接的入站帧速率。
type RateLimitConfig struct {
	FramesPerSecond float64 `mapstructure:"FRAMES_PER_SECOND"`
	Burst           int     `mapstructure:"BURST"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"ENABLED"`
	Path    string `mapstructure:"PATH"`
}

// SyncConfig 是客户端同步核心的配置。
type SyncConfig struct {
	APIBaseURL     string        `mapstructure:"API_BASE_URL"`
	PushURL        string        `mapstructure:"PUSH_URL"`
	Token          string        `mapstructure:"TOKEN"`
	PageSize       int           `mapstructure:"PAGE_SIZE"`
	SendTimeout    time.Duration `mapstructure:"SEND_TIMEOUT"`
	ReconnectDelay time.Duration `mapstructure:"RECONNECT_DELAY"`
	RecentWindow   int           `mapstructure:"RECENT_WINDOW"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	SendRate       int           `mapstructure:"SEND_RATE"` // 每秒最多写出的 send_message 帧，需低于服务端限流
}

// LoadConfig reads configuration from file or environment variables.
// A .env file in the working directory is loaded into the environment first.
func LoadConfig(path string) (config Config, err error) {
	_ = godotenv.Load(".env")

	v := viper.New()

	v.SetDefault("APP_NAME", "IM-Sync")
	v.SetDefault("APP_VERSION", "0.0.1")
	v.SetDefault("LOG_LEVEL", "info")

	// Server Defaults (ChatServer)
	v.SetDefault("SERVER.HOST", "0.0.0.0")
	v.SetDefault("SERVER.PORT", "8080")
	v.SetDefault("SERVER.WEBSOCKET_PATH", "/ws/chat")
	v.SetDefault("SERVER.READ_TIMEOUT", 30*time.Second)
	v.SetDefault("SERVER.WRITE_TIMEOUT", 30*time.Second)
	v.SetDefault("SERVER.MAX_HEADER_BYTES", 1<<20) // 1 MB

	// APIServer Defaults
	v.SetDefault("API_SERVER.HOST", "0.0.0.0")
	v.SetDefault("API_SERVER.PORT", "8081")
	v.SetDefault("API_SERVER.CORS.ALLOWED_ORIGINS", []string{"http://localhost:5173"}) // Adjust for your frontend URL
	v.SetDefault("API_SERVER.CORS.ALLOWED_METHODS", []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"})
	v.SetDefault("API_SERVER.CORS.ALLOWED_HEADERS", []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"})
	v.SetDefault("API_SERVER.CORS.EXPOSED_HEADERS", []string{"Content-Length"})
	v.SetDefault("API_SERVER.CORS.ALLOW_CREDENTIALS", true)
	v.SetDefault("API_SERVER.CORS.MAX_AGE", 300) // 5 minutes

	// Kafka Defaults
	v.SetDefault("KAFKA.BROKERS", []string{"localhost:9092"})
	v.SetDefault("KAFKA.CLIENT_ID", "im-sync")
	v.SetDefault("KAFKA.MESSAGES_TOPIC", "im-messages")
	v.SetDefault("KAFKA.WEBSOCKET_OUTGOING_TOPIC", "im-websocket-outgoing")
	v.SetDefault("KAFKA.CONSUMER_GROUP", "im-message-processor")
	v.SetDefault("KAFKA.OUTGOING_CONSUMER_GROUP", "")
	v.SetDefault("KAFKA.PROTOCOL", "PLAINTEXT")

	// Database Defaults (Example for PostgreSQL)
	v.SetDefault("DATABASE.TYPE", "postgres")
	v.SetDefault("DATABASE.HOST", "localhost")
	v.SetDefault("DATABASE.PORT", 5432)
	v.SetDefault("DATABASE.USER", "postgres")
	v.SetDefault("DATABASE.PASSWORD", "password")
	v.SetDefault("DATABASE.DB_NAME", "im_sync_db")
	v.SetDefault("DATABASE.SSL_MODE", "disable")

	// Storage Defaults
	v.SetDefault("STORAGE.LOCAL_PATH", "./uploads")
	v.SetDefault("STORAGE.PUBLIC_PREFIX", "/uploads")
	v.SetDefault("STORAGE.MAX_FILE_SIZE_MB", 100) // 100 MB

	// Auth Defaults
	v.SetDefault("AUTH.JWT_SECRET_KEY", "a_very_secret_key_that_should_be_changed")
	v.SetDefault("AUTH.JWT_EXPIRY", 15*time.Minute) // 15 minutes

	// Redis Defaults
	v.SetDefault("REDIS.ADDR", "localhost:6379")
	v.SetDefault("REDIS.PASSWORD", "")
	v.SetDefault("REDIS.DB", 0)

	// WebSocket Defaults (values similar to existing constants)
	v.SetDefault("WEBSOCKET.WRITE_WAIT_SECONDS", 10)
	v.SetDefault("WEBSOCKET.PONG_WAIT_SECONDS", 60)
	v.SetDefault("WEBSOCKET.PING_PERIOD_SECONDS", 54) // (60 * 9) / 10
	v.SetDefault("WEBSOCKET.MAX_MESSAGE_SIZE_BYTES", 64*1024)
	v.SetDefault("WEBSOCKET.SEND_BUFFER_SIZE", 256)

	v.SetDefault("RATE_LIMIT.FRAMES_PER_SECOND", 10.0)
	v.SetDefault("RATE_LIMIT.BURST", 20)

	v.SetDefault("METRICS.ENABLED", true)
	v.SetDefault("METRICS.PATH", "/metrics")

	// Sync client Defaults
	v.SetDefault("SYNC.API_BASE_URL", "http://localhost:8081/api/v1")
	v.SetDefault("SYNC.PUSH_URL", "ws://localhost:8080/ws/chat")
	v.SetDefault("SYNC.TOKEN", "")
	v.SetDefault("SYNC.PAGE_SIZE", 30)
	v.SetDefault("SYNC.SEND_TIMEOUT", 15*time.Second)
	v.SetDefault("SYNC.RECONNECT_DELAY", 3*time.Second)
	v.SetDefault("SYNC.RECENT_WINDOW", 64)
	v.SetDefault("SYNC.REQUEST_TIMEOUT", 10*time.Second)
	v.SetDefault("SYNC.SEND_RATE", 5)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	// 环境变量覆盖配置文件，例如 SYNC_PAGE_SIZE 对应 SYNC.PAGE_SIZE
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err = v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return config, fmt.Errorf("读取配置文件失败: %w", err)
		}
		// 没有配置文件时只使用默认值与环境变量
	}

	if err = v.Unmarshal(&config); err != nil {
		return config, fmt.Errorf("解析配置失败: %w", err)
	}
	return config, nil
}
