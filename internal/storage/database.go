package storage

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"im-sync/internal/config"
	"im-sync/internal/logging"
	"im-sync/internal/models"
)

// BuildDSN 根据配置构造 postgres DSN。
func BuildDSN(cfg config.DatabaseConfig) (string, error) {
	if cfg.Type != "postgres" {
		return "", fmt.Errorf("不支持的数据库类型: %s", cfg.Type)
	}
	parts := []string{
		fmt.Sprintf("host=%s", cfg.Host),
		fmt.Sprintf("port=%d", cfg.Port),
		fmt.Sprintf("user=%s", cfg.User),
		fmt.Sprintf("dbname=%s", cfg.DBName),
	}
	if cfg.Password != "" {
		parts = append(parts, fmt.Sprintf("password=%s", cfg.Password))
	}
	if cfg.SSLMode != "" {
		parts = append(parts, fmt.Sprintf("sslmode=%s", cfg.SSLMode))
	}
	return strings.Join(parts, " "), nil
}

// gormWriter 把 gorm 的日志写到 zerolog。gorm 只输出 Warn 及以上级别，统一记为 warn。
type gormWriter struct {
	log zerolog.Logger
}

func (w gormWriter) Printf(format string, args ...interface{}) {
	w.log.Warn().Msgf(format, args...)
}

func gormLogger() logger.Interface {
	return logger.New(gormWriter{log: logging.For("gorm")}, logger.Config{
		SlowThreshold:             time.Second,
		LogLevel:                  logger.Warn,
		IgnoreRecordNotFoundError: true,
		Colorful:                  false,
	})
}

// InitDB initializes the database connection using the provided configuration.
func InitDB(cfg config.DatabaseConfig) (*gorm.DB, error) {
	dsn, err := BuildDSN(cfg)
	if err != nil {
		return nil, err
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLogger()})
	if err != nil {
		return nil, fmt.Errorf("连接数据库失败: %w", err)
	}
	return db, nil
}

// OpenWithConn 在已有的 database/sql 连接上创建 gorm 实例 (管理工具使用 lib/pq 驱动)。
func OpenWithConn(conn *sql.DB) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.New(postgres.Config{Conn: conn}), &gorm.Config{Logger: gormLogger()})
	if err != nil {
		return nil, fmt.Errorf("创建 GORM 实例失败: %w", err)
	}
	return db, nil
}

// AutoMigrateTables runs GORM's auto-migration feature for all defined models.
func AutoMigrateTables(db *gorm.DB) error {
	log := logging.For("storage")
	log.Info().Msg("开始数据库表结构迁移...")
	err := db.AutoMigrate(
		&models.User{},
		&models.Group{},
		&models.Conversation{},
		&models.ConversationParticipant{},
		&models.Message{},
		&models.Reaction{},
	)
	if err != nil {
		return fmt.Errorf("数据库迁移失败: %w", err)
	}
	log.Info().Msg("数据库迁移完成。")
	return nil
}
