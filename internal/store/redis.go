package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// RedisStore implements Store on top of Redis
type RedisStore struct {
	client redis.UniversalClient
	logger *zap.Logger
}

// NewRedisStore creates a new instance of RedisStore
func NewRedisStore(config *Config, logger *zap.Logger) (*RedisStore, error) {
	if config == nil {
		config = DefaultConfig()
	}

	options := &redis.UniversalOptions{
		Addrs:        config.Addresses,
		Password:     config.Password,
		DB:           config.Database,
		MaxRetries:   config.MaxRetries,
		PoolSize:     config.PoolSize,
		MinIdleConns: config.MinIdleConns,
		DialTimeout:  config.DialTimeout,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		PoolTimeout:  config.PoolTimeout,
	}

	client := redis.NewUniversalClient(options)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w: %v", ErrUnavailable, err)
	}

	return &RedisStore{
		client: client,
		logger: logger,
	}, nil
}

// GetItem reads a raw value
func (rs *RedisStore) GetItem(ctx context.Context, key string) (string, bool, error) {
	data, err := rs.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		rs.logger.Error("failed to get item", zap.Error(err), zap.String("key", key))
		return "", false, fmt.Errorf("failed to get item: %w", err)
	}

	return data, true, nil
}

// SetItem writes a raw value without a server side expiration.
// Expiry is owned by the envelope stored inside the value.
func (rs *RedisStore) SetItem(ctx context.Context, key, value string) error {
	if err := rs.client.Set(ctx, key, value, 0).Err(); err != nil {
		rs.logger.Error("failed to set item", zap.Error(err), zap.String("key", key))
		return fmt.Errorf("failed to set item: %w", err)
	}
	return nil
}

// RemoveItem deletes a key
func (rs *RedisStore) RemoveItem(ctx context.Context, key string) error {
	if err := rs.client.Del(ctx, key).Err(); err != nil {
		rs.logger.Error("failed to remove item", zap.Error(err), zap.String("key", key))
		return fmt.Errorf("failed to remove item: %w", err)
	}
	return nil
}

// Ping verifies the connection with Redis
func (rs *RedisStore) Ping(ctx context.Context) error {
	if err := rs.client.Ping(ctx).Err(); err != nil {
		rs.logger.Error("ping failed", zap.Error(err))
		return fmt.Errorf("ping failed: %w", err)
	}
	return nil
}

// Close closes the connection with Redis
func (rs *RedisStore) Close() error {
	if err := rs.client.Close(); err != nil {
		rs.logger.Error("failed to close Redis connection", zap.Error(err))
		return fmt.Errorf("failed to close Redis connection: %w", err)
	}

	rs.logger.Info("Redis connection closed successfully")
	return nil
}
