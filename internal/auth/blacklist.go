package auth

import (
	"context"
	"time"
)

// TokenBlacklist 保存被吊销令牌的 JTI。登出与管理工具写入，认证中间件与 ChatServer 握手时查询。
type TokenBlacklist interface {
	// Add 吊销 jti，记录保留到 expiresAt 为止；之后令牌本身已过期，无需再记。
	Add(ctx context.Context, jti string, expiresAt time.Time) error
	IsBlacklisted(ctx context.Context, jti string) (bool, error)
}
