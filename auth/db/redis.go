package db

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/venmail/vensuite-gateway/internal/slogging"
)

// RedisConfig holds the configuration for the Redis connection
type RedisConfig struct {
	Host     string
	Port     string
	Password string //nolint:gosec // connection password, not a hardcoded credential
	DB       int
}

// RedisDB represents a Redis database connection
type RedisDB struct {
	client *redis.Client
	cfg    RedisConfig
}

// NewRedisDB creates a new Redis database connection
func NewRedisDB(cfg RedisConfig) (*RedisDB, error) {
	logger := slogging.Get()
	logger.Debug("Initializing Redis connection to %s:%s DB=%d", cfg.Host, cfg.Port, cfg.DB)

	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		logger.Error("Failed to ping Redis: %v", err)
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	logger.Debug("Redis connection established successfully")

	return &RedisDB{
		client: client,
		cfg:    cfg,
	}, nil
}

// NewRedisDBFromClient wraps an existing client. Used by tests to back
// the wrapper with an in-memory server.
func NewRedisDBFromClient(client *redis.Client) *RedisDB {
	return &RedisDB{client: client}
}

// Close closes the Redis connection
func (db *RedisDB) Close() error {
	logger := slogging.Get()
	if db.client != nil {
		err := db.client.Close()
		if err != nil {
			logger.Error("Error closing Redis connection: %v", err)
		} else {
			logger.Debug("Redis connection closed successfully")
		}
		return err
	}
	return nil
}

// GetClient returns the underlying Redis client
func (db *RedisDB) GetClient() *redis.Client {
	return db.client
}

// Ping checks if the Redis connection is alive
func (db *RedisDB) Ping(ctx context.Context) error {
	return db.client.Ping(ctx).Err()
}

// Set sets a key-value pair with expiration
func (db *RedisDB) Set(ctx context.Context, key string, value any, expiration time.Duration) error {
	return db.client.Set(ctx, key, value, expiration).Err()
}

// Get gets a value by key. Returns redis.Nil when the key is absent.
func (db *RedisDB) Get(ctx context.Context, key string) (string, error) {
	return db.client.Get(ctx, key).Result()
}

// Del deletes a key
func (db *RedisDB) Del(ctx context.Context, key string) error {
	return db.client.Del(ctx, key).Err()
}

// IsNotFound reports whether err is the cache's key-absent sentinel
func IsNotFound(err error) bool {
	return err == redis.Nil
}
