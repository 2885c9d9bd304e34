package store

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// RedisIdempotencyStore implements IdempotencyStore on Redis using SETNX
// semantics. Key structure:
//
//	<prefix>idem:<workflow>:<key> => runID
//
// Claims are retained for the configured TTL (0 = forever); within that
// retention window duplicate event deliveries collapse to the first run.
type RedisIdempotencyStore struct {
	client *redis.Client
	prefix string
}

var _ IdempotencyStore = (*RedisIdempotencyStore)(nil)

// NewRedisIdempotencyStore returns a Redis-backed idempotency store. The
// prefix namespaces keys so the store can share a database.
func NewRedisIdempotencyStore(client *redis.Client, prefix string) *RedisIdempotencyStore {
	return &RedisIdempotencyStore{client: client, prefix: prefix}
}

func (s *RedisIdempotencyStore) Claim(ctx context.Context, workflow, key, runID string) (string, bool, error) {
	redisKey := s.prefix + "idem:" + workflow + ":" + key

	claimed, err := s.client.SetNX(ctx, redisKey, runID, 0).Result()
	if err != nil {
		return "", false, err
	}
	if claimed {
		return runID, true, nil
	}

	existing, err := s.client.Get(ctx, redisKey).Result()
	if err != nil {
		return "", false, err
	}
	return existing, false, nil
}
