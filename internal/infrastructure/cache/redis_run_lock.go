package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/erp/collector/internal/domain/extraction"
)

// DefaultRunLockKey is the key every collector instance competes for
const DefaultRunLockKey = "collector:run-lock"

// releaseScript deletes the lock only while it still carries our token, so an
// expired lock taken over by another instance is never released by us.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisRunLock implements extraction.RunLock using Redis.
// This is suitable for deployments where several instances share one database.
type RedisRunLock struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// NewRedisClient connects to Redis and pings it
func NewRedisClient(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// NewRedisRunLock creates a lock on key. The TTL bounds how long a crashed
// holder blocks other runs, so it must exceed the longest expected run.
func NewRedisRunLock(client *redis.Client, key string, ttl time.Duration) *RedisRunLock {
	if key == "" {
		key = DefaultRunLockKey
	}
	return &RedisRunLock{client: client, key: key, ttl: ttl}
}

// TryAcquire sets the lock key if it is absent.
// Uses SETNX (SET if Not eXists) with the TTL in a single atomic operation.
func (l *RedisRunLock) TryAcquire(ctx context.Context, owner string) (func(context.Context) error, bool, error) {
	token := owner + ":" + uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire run lock: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	release := func(ctx context.Context) error {
		if err := releaseScript.Run(ctx, l.client, []string{l.key}, token).Err(); err != nil {
			return fmt.Errorf("failed to release run lock: %w", err)
		}
		return nil
	}
	return release, true, nil
}

// Holder returns the token of the current holder, or "" when the lock is free
func (l *RedisRunLock) Holder(ctx context.Context) (string, error) {
	v, err := l.client.Get(ctx, l.key).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read run lock: %w", err)
	}
	return v, nil
}

// Ensure RedisRunLock implements RunLock
var _ extraction.RunLock = (*RedisRunLock)(nil)
