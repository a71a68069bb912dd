package redis

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

const unreadKeyPrefix = "unread:user:"

// UnreadCounter 在 Redis 哈希中保存每个用户在各会话的未读数：
// key = unread:user:{userID}，field = conversationID。
type UnreadCounter struct {
	client redis.UniversalClient
}

// NewUnreadCounter 创建一个新的 UnreadCounter。
func NewUnreadCounter(client redis.UniversalClient) *UnreadCounter {
	return &UnreadCounter{client: client}
}

func unreadKey(userID uint) string {
	return unreadKeyPrefix + strconv.FormatUint(uint64(userID), 10)
}

func conversationField(conversationID uint) string {
	return strconv.FormatUint(uint64(conversationID), 10)
}

// Increment 为多个接收者的同一会话未读数加一。
func (u *UnreadCounter) Increment(ctx context.Context, conversationID uint, userIDs []uint) error {
	if len(userIDs) == 0 {
		return nil
	}
	pipe := u.client.Pipeline()
	for _, uid := range userIDs {
		pipe.HIncrBy(ctx, unreadKey(uid), conversationField(conversationID), 1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("增加会话 %d 未读数失败: %w", conversationID, err)
	}
	return nil
}

// Reset 将用户在会话中的未读数清零。
func (u *UnreadCounter) Reset(ctx context.Context, userID, conversationID uint) error {
	if err := u.client.HSet(ctx, unreadKey(userID), conversationField(conversationID), 0).Err(); err != nil {
		return fmt.Errorf("清零用户 %d 会话 %d 未读数失败: %w", userID, conversationID, err)
	}
	return nil
}

// Set 写入由数据库重新计算出的未读数，用于缓存缺失时回填。
func (u *UnreadCounter) Set(ctx context.Context, userID, conversationID uint, count int64) error {
	return u.client.HSet(ctx, unreadKey(userID), conversationField(conversationID), count).Err()
}

// All 返回用户全部会话的未读数；缓存中没有记录的会话不会出现在结果里。
func (u *UnreadCounter) All(ctx context.Context, userID uint) (map[uint]int64, error) {
	raw, err := u.client.HGetAll(ctx, unreadKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("读取用户 %d 未读数失败: %w", userID, err)
	}
	out := make(map[uint]int64, len(raw))
	for field, val := range raw {
		cid, err := strconv.ParseUint(field, 10, 64)
		if err != nil {
			continue
		}
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			continue
		}
		out[uint(cid)] = n
	}
	return out, nil
}
