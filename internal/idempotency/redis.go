package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jwalitptl/mail-dispatch/internal/model"
)

const keyPrefix = "mail-dispatch:msg:"

// RedisStore is the shared, multi-process idempotency backend. SET NX with
// a TTL gives the atomic claim; the TTL bounds growth and defines the
// dedup horizon.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore connects to Redis and verifies reachability. A failed ping
// is returned to the caller so the composition root can fall back to the
// in-process store explicitly.
func NewRedisStore(url string, cfg Config) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{client: client, ttl: ttl}, nil
}

func (s *RedisStore) Claim(ctx context.Context, messageID string) (bool, error) {
	ok, err := s.client.SetNX(ctx, keyPrefix+messageID, string(model.StatusProcessing), s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim message: %w", err)
	}
	return ok, nil
}

// claimRetryScript transitions retrying -> processing in one round trip so
// concurrent redeliveries of the same retry copy admit exactly one winner.
var claimRetryScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if current == ARGV[1] then
	redis.call("SET", KEYS[1], ARGV[2], "KEEPTTL")
	return 1
end
return 0
`)

func (s *RedisStore) ClaimRetry(ctx context.Context, messageID string) (bool, error) {
	res, err := claimRetryScript.Run(ctx, s.client,
		[]string{keyPrefix + messageID},
		string(model.StatusRetrying), string(model.StatusProcessing),
	).Int()
	if err != nil {
		return false, fmt.Errorf("failed to claim retry copy: %w", err)
	}
	return res == 1, nil
}

func (s *RedisStore) SetStatus(ctx context.Context, messageID string, status model.IdempotencyStatus) error {
	// XX keeps the write conditional on the claim record still existing:
	// a status write racing record expiry must not resurrect the key with
	// no TTL. KeepTTL preserves the claim-time horizon.
	err := s.client.SetXX(ctx, keyPrefix+messageID, string(status), redis.KeepTTL).Err()
	if err != nil {
		return fmt.Errorf("failed to set message status: %w", err)
	}
	return nil
}

func (s *RedisStore) GetStatus(ctx context.Context, messageID string) (model.IdempotencyStatus, bool, error) {
	val, err := s.client.Get(ctx, keyPrefix+messageID).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get message status: %w", err)
	}
	return model.IdempotencyStatus(val), true, nil
}

// Close releases the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
