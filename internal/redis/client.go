package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"im-sync/internal/config"
)

// Connect 创建 Redis 客户端并检查连通性。
func Connect(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("无法连接到 Redis %s: %w", cfg.Addr, err)
	}
	return client, nil
}
