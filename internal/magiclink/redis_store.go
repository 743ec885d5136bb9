package magiclink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenRecord is the value stored for each hashed credential.
type tokenRecord struct {
	UserID    int64     `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

// RedisStore keeps hashed magic-link tokens in Redis. GETDEL makes
// consumption a single atomic operation, so two concurrent redemptions
// of one token cannot both succeed.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisStore{client: client, prefix: "magic:"}, nil
}

// NewRedisStoreWithClient wraps an existing Redis client.
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "magic:"}
}

func (s *RedisStore) key(tokenHash string) string {
	return s.prefix + tokenHash
}

// SaveToken stores the hashed credential with a TTL matching its expiry.
func (s *RedisStore) SaveToken(ctx context.Context, tokenHash string, userID int64, expiresAt time.Time) error {
	record := tokenRecord{
		UserID:    userID,
		ExpiresAt: expiresAt,
		CreatedAt: time.Now(),
	}

	jsonData, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal token record: %w", err)
	}

	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		ttl = time.Second
	}

	if err := s.client.Set(ctx, s.key(tokenHash), jsonData, ttl).Err(); err != nil {
		return fmt.Errorf("save magic token: %w", err)
	}
	return nil
}

// ConsumeToken atomically removes and returns the record for tokenHash.
func (s *RedisStore) ConsumeToken(ctx context.Context, tokenHash string, now time.Time) (int64, bool, error) {
	jsonData, err := s.client.GetDel(ctx, s.key(tokenHash)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("consume magic token: %w", err)
	}

	var record tokenRecord
	if err := json.Unmarshal([]byte(jsonData), &record); err != nil {
		return 0, false, fmt.Errorf("unmarshal token record: %w", err)
	}

	// The TTL usually evicts expired records first; the explicit check
	// covers clock skew between expiry and eviction.
	if record.ExpiresAt.Before(now) {
		return 0, false, nil
	}
	return record.UserID, true, nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
