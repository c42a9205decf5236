package realtime

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/crewsync/realtime/internal/slogging"
)

// JoinRateLimiter throttles join-project floods per user with a Redis
// sliding window. A nil limiter, or one without a Redis client, allows
// everything.
type JoinRateLimiter struct {
	redis *redis.Client
	// limit is the allowed joins per window (0 disables)
	limit int
	// window is the sliding window length
	window time.Duration
}

// NewJoinRateLimiter creates a limiter allowing limit joins per minute
func NewJoinRateLimiter(redisClient *redis.Client, limit int) *JoinRateLimiter {
	return &JoinRateLimiter{
		redis:  redisClient,
		limit:  limit,
		window: time.Minute,
	}
}

// Allow reports whether the user may join another room right now. Redis
// errors fail open: rate limiting is protection, not correctness.
func (l *JoinRateLimiter) Allow(ctx context.Context, userID string) bool {
	if l == nil || l.redis == nil || l.limit <= 0 {
		return true
	}

	key := fmt.Sprintf("realtime:join:%s", userID)
	now := time.Now()
	windowStart := now.Add(-l.window).UnixMilli()

	pipe := l.redis.Pipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", windowStart))
	countCmd := pipe.ZCard(ctx, key)
	pipe.Expire(ctx, key, l.window+time.Minute)

	if _, err := pipe.Exec(ctx); err != nil {
		slogging.Get().Warn("Join rate limit check failed, allowing - user_id=%s error=%v", userID, err)
		return true
	}

	if countCmd.Val() >= int64(l.limit) {
		return false
	}

	err := l.redis.ZAdd(ctx, key, redis.Z{
		Score:  float64(now.UnixMilli()),
		Member: fmt.Sprintf("%d", now.UnixNano()),
	}).Err()
	if err != nil {
		slogging.Get().Warn("Join rate limit record failed - user_id=%s error=%v", userID, err)
	}
	return true
}
