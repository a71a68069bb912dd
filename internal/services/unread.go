package services

import "context"

// UnreadStore 保存每个用户在各会话的未读数。redis.UnreadCounter 是生产实现。
type UnreadStore interface {
	Increment(ctx context.Context, conversationID uint, userIDs []uint) error
	Reset(ctx context.Context, userID, conversationID uint) error
	Set(ctx context.Context, userID, conversationID uint, count int64) error
	All(ctx context.Context, userID uint) (map[uint]int64, error)
}
