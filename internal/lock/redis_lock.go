// Package lock holds the Redis implementation of the per-campaign cycle lease.
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	appErrors "github.com/unclebandit/smsleopard-messaging/internal/errors"
)

// Only the holder of the token may release or extend a lease.
var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

type RedisLocker struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisLocker(rdb *redis.Client, ttl time.Duration) *RedisLocker {
	return &RedisLocker{rdb: rdb, ttl: ttl}
}

func leaseKey(campaignID int) string {
	return fmt.Sprintf("campaign:%d:cycle", campaignID)
}

// Acquire takes the lease for a campaign. It returns ErrCycleInProgress
// while another holder's lease is still live.
func (l *RedisLocker) Acquire(ctx context.Context, campaignID int) (string, error) {
	token := uuid.NewString()
	ok, err := l.rdb.SetNX(ctx, leaseKey(campaignID), token, l.ttl).Result()
	if err != nil {
		return "", fmt.Errorf("acquire lease for campaign %d: %w", campaignID, err)
	}
	if !ok {
		return "", appErrors.ErrCycleInProgress
	}
	return token, nil
}

func (l *RedisLocker) Release(ctx context.Context, campaignID int, token string) error {
	if err := releaseScript.Run(ctx, l.rdb, []string{leaseKey(campaignID)}, token).Err(); err != nil {
		return fmt.Errorf("release lease for campaign %d: %w", campaignID, err)
	}
	return nil
}

// Refresh extends a held lease. ErrLeaseLost means it expired and someone
// else took it, or it was never ours.
func (l *RedisLocker) Refresh(ctx context.Context, campaignID int, token string) error {
	n, err := refreshScript.Run(ctx, l.rdb, []string{leaseKey(campaignID)}, token, l.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("refresh lease for campaign %d: %w", campaignID, err)
	}
	if n == 0 {
		return appErrors.ErrLeaseLost
	}
	return nil
}
