package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const redisKeyPrefix = "schedule:lock:"

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisConfig holds the connection settings for the Redis locker
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Redis is a Locker shared by every process pointing at the same Redis
type Redis struct {
	client *redis.Client
	logger *zap.Logger
	tokens sync.Map // key -> token of the lease held by this process
}

// NewRedis connects to Redis and verifies the connection
func NewRedis(ctx context.Context, cfg RedisConfig, logger *zap.Logger) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: 5 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger = logger.Named("lock")
	logger.Info("Redis locker initialized", zap.String("addr", cfg.Addr), zap.Int("db", cfg.DB))
	return &Redis{client: client, logger: logger}, nil
}

func (r *Redis) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	token := uuid.New().String()
	ok, err := r.client.SetNX(ctx, redisKeyPrefix+key, token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if ok {
		r.tokens.Store(key, token)
	}
	return ok, nil
}

func (r *Redis) Unlock(ctx context.Context, key string) error {
	value, ok := r.tokens.LoadAndDelete(key)
	if !ok {
		return nil
	}
	released, err := releaseScript.Run(ctx, r.client, []string{redisKeyPrefix + key}, value.(string)).Int()
	if err != nil {
		return fmt.Errorf("failed to release lock %s: %w", key, err)
	}
	if released == 0 {
		r.logger.Warn("Lock expired before release", zap.String("key", key))
	}
	return nil
}

// Close closes the Redis client
func (r *Redis) Close() error {
	return r.client.Close()
}
