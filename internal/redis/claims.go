package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// releaseScript deletes the claim only if it is still held by the releasing id.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// ErrClaimVanished means the key was held at SET NX time but expired before it could be read.
var ErrClaimVanished = errors.New("dedup claim expired while being read")

// DedupClaims reserves dedup keys with SET NX so that only one of several
// concurrent dispatches of the same notification wins. The value is the
// winning notification id; the TTL is the dedup window.
type DedupClaims struct {
	client *Client
	logger *zap.Logger
}

// NewDedupClaims creates a claim service.
func NewDedupClaims(client *Client, logger *zap.Logger) *DedupClaims {
	return &DedupClaims{
		client: client,
		logger: logger,
	}
}

// Claim tries to reserve key for id. When another id already holds the key,
// it returns that holder and won=false.
func (s *DedupClaims) Claim(ctx context.Context, key string, id uuid.UUID, ttl time.Duration) (uuid.UUID, bool, error) {
	set, err := s.client.rdb.SetNX(ctx, key, id.String(), ttl).Result()
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("redis setnx failed: %w", err)
	}
	if set {
		return id, true, nil
	}

	val, err := s.client.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return uuid.Nil, false, ErrClaimVanished
	}
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("redis get failed: %w", err)
	}

	holder, err := uuid.Parse(val)
	if err != nil {
		s.logger.Error("invalid dedup claim value", zap.String("key", key), zap.String("value", val))
		return uuid.Nil, false, fmt.Errorf("invalid claim value: %w", err)
	}

	s.logger.Debug("dedup claim held by another dispatch",
		zap.String("key", key),
		zap.String("holder", holder.String()),
	)

	return holder, false, nil
}

// Release removes the claim if id still holds it.
func (s *DedupClaims) Release(ctx context.Context, key string, id uuid.UUID) error {
	if err := releaseScript.Run(ctx, s.client.rdb, []string{key}, id.String()).Err(); err != nil {
		return fmt.Errorf("redis release failed: %w", err)
	}
	return nil
}
