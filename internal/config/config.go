package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"attendance/internal/attendance"
	"attendance/internal/remote"
	"attendance/internal/store"
)

// Config main configuration structure
type Config struct {
	Server ServerConfig         `mapstructure:"server"`
	Store  store.Config         `mapstructure:"store"`
	Remote remote.Config        `mapstructure:"remote"`
	Cache  attendance.TTLConfig `mapstructure:"cache"`
	Scan   ScanConfig           `mapstructure:"scan"`
	Logger LoggerConfig         `mapstructure:"logger"`
}

// ServerConfig HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// ScanConfig check-in throttling
type ScanConfig struct {
	Cooldown     time.Duration `mapstructure:"cooldown"`
	CheckinRate  float64       `mapstructure:"checkin_rate"`
	CheckinBurst int           `mapstructure:"checkin_burst"`
}

// LoggerConfig logger configuration
type LoggerConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// LoadConfig loads configuration from config files and environment variables
func LoadConfig() (*Config, error) {
	return load(viper.New(), "")
}

// LoadFile loads configuration from an explicit file
func LoadFile(path string) (*Config, error) {
	return load(viper.New(), path)
}

func load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/attendance")
	}

	// ATT_REMOTE_URL, ATT_STORE_DRIVER, ...
	v.SetEnvPrefix("ATT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}

	// a comma separated env var arrives as a single string
	if addressesStr := v.GetString("store.addresses"); addressesStr != "" && len(config.Store.Addresses) <= 1 {
		addresses := strings.Split(addressesStr, ",")
		for i, addr := range addresses {
			addresses[i] = strings.TrimSpace(addr)
		}
		config.Store.Addresses = addresses
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate checks the settings that have no usable fallback
func (c *Config) Validate() error {
	if c.Remote.URL == "" {
		return fmt.Errorf("remote.url is required")
	}
	switch c.Store.Driver {
	case store.DriverBadger, store.DriverRedis, store.DriverMemory:
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	return nil
}

// setDefaults sets the default values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	// zero keeps SSE streams open
	v.SetDefault("server.write_timeout", "0s")
	v.SetDefault("server.idle_timeout", "120s")

	// Store defaults
	v.SetDefault("store.driver", store.DriverBadger)
	v.SetDefault("store.path", "./data")
	v.SetDefault("store.addresses", []string{"localhost:6379"})
	v.SetDefault("store.password", "")
	v.SetDefault("store.database", 0)
	v.SetDefault("store.max_retries", 3)
	v.SetDefault("store.pool_size", 10)
	v.SetDefault("store.min_idle_conns", 5)
	v.SetDefault("store.dial_timeout", "5s")
	v.SetDefault("store.read_timeout", "3s")
	v.SetDefault("store.write_timeout", "3s")
	v.SetDefault("store.pool_timeout", "4s")

	// Remote defaults
	v.SetDefault("remote.url", "")
	v.SetDefault("remote.timeout", "20s")

	// Cache lifetimes
	ttl := attendance.DefaultTTLConfig()
	v.SetDefault("cache.events_ttl", ttl.Events)
	v.SetDefault("cache.leaderboard_ttl", ttl.Leaderboard)
	v.SetDefault("cache.history_ttl", ttl.History)
	v.SetDefault("cache.rankings_ttl", ttl.Rankings)

	// Scan defaults
	v.SetDefault("scan.cooldown", "3s")
	v.SetDefault("scan.checkin_rate", 1.0)
	v.SetDefault("scan.checkin_burst", 3)

	// Logger defaults
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
	v.SetDefault("logger.output_path", "stdout")
}

// GetAddress returns the full server address
func (sc *ServerConfig) GetAddress() string {
	return fmt.Sprintf("%s:%d", sc.Host, sc.Port)
}
