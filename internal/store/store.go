package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ErrUnavailable is returned when the backing store cannot be reached
var ErrUnavailable = errors.New("store unavailable")

// Store is the persistent key-value store the cache is layered on.
// Values are opaque strings; there is no multi-key atomicity.
type Store interface {
	// GetItem returns the stored string and whether the key exists
	GetItem(ctx context.Context, key string) (string, bool, error)
	SetItem(ctx context.Context, key, value string) error
	// RemoveItem deletes the key. Removing a missing key is not an error.
	RemoveItem(ctx context.Context, key string) error

	Ping(ctx context.Context) error
	Close() error
}

// Drivers understood by New
const (
	DriverBadger = "badger"
	DriverRedis  = "redis"
	DriverMemory = "memory"
)

// Config configuration for the persistent store
type Config struct {
	Driver string `mapstructure:"driver"`
	// Path is the badger directory. Empty keeps badger in memory.
	Path string `mapstructure:"path"`

	Addresses    []string      `mapstructure:"addresses"`
	Password     string        `mapstructure:"password"`
	Database     int           `mapstructure:"database"`
	MaxRetries   int           `mapstructure:"max_retries"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PoolTimeout  time.Duration `mapstructure:"pool_timeout"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Driver:       DriverBadger,
		Path:         "./data",
		Addresses:    []string{"localhost:6379"},
		Password:     "",
		Database:     0,
		MaxRetries:   3,
		PoolSize:     10,
		MinIdleConns: 5,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolTimeout:  4 * time.Second,
	}
}

// New opens the store selected by config.Driver
func New(config *Config, logger *zap.Logger) (Store, error) {
	if config == nil {
		config = DefaultConfig()
	}

	switch config.Driver {
	case DriverBadger, "":
		return NewBadgerStore(config.Path, logger)
	case DriverRedis:
		return NewRedisStore(config, logger)
	case DriverMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", config.Driver)
	}
}
