package config

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the complete application configuration
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Storage      StorageConfig      `mapstructure:"storage"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Cache        CacheConfig        `mapstructure:"cache"`
	Subscription SubscriptionConfig `mapstructure:"subscription"`
	Governance   GovernanceConfig   `mapstructure:"governance"`
}

// ServerConfig defines listener ports and addresses
type ServerConfig struct {
	BindAddress     string   `mapstructure:"bind_address"`
	APIPort         int      `mapstructure:"api_port"`
	MetricsPort     int      `mapstructure:"metrics_port"`
	ReadTimeout     string   `mapstructure:"read_timeout"`
	WriteTimeout    string   `mapstructure:"write_timeout"`
	ShutdownTimeout string   `mapstructure:"shutdown_timeout"`
	UserHeader      string   `mapstructure:"user_header"`
	RateLimit       int      `mapstructure:"rate_limit"` // requests per window per client, 0 disables
	RateLimitWindow string   `mapstructure:"rate_limit_window"`
	AllowedOrigins  []string `mapstructure:"allowed_origins"`
}

// StorageConfig defines storage backend settings
type StorageConfig struct {
	Type  string      `mapstructure:"type"` // "bolt", "sqlite", "redis" or "memory"
	Path  string      `mapstructure:"path"`
	Redis RedisConfig `mapstructure:"redis"`
}

// RedisConfig defines Redis connection settings
type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
	DialTimeout  string `mapstructure:"dial_timeout"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
	KeyPrefix    string `mapstructure:"key_prefix"`
	KeyTTL       string `mapstructure:"key_ttl"` // empty or "0" disables expiry
}

// LoggingConfig defines logging behavior
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// CacheConfig sizes the in-memory query cache
type CacheConfig struct {
	Size int `mapstructure:"size"`
}

// SubscriptionConfig defines the static subscription-status source
type SubscriptionConfig struct {
	PremiumUsers []string `mapstructure:"premium_users"`
}

// GovernanceConfig holds the stale-time, daily-limit and content-limit tables.
// Empty tables fall back to the built-in ones. Viper folds map keys to lower
// case when reading a file, so feature and category names must be lowercase.
type GovernanceConfig struct {
	Timezone               string                       `mapstructure:"timezone"`
	DefaultStaleTime       string                       `mapstructure:"default_stale_time"`
	StaleTimes             []StaleTimeEntry             `mapstructure:"stale_times"`
	UnlimitedSentinel      int                          `mapstructure:"unlimited_sentinel"`
	DefaultDailyLimit      DailyLimitEntry              `mapstructure:"default_daily_limit"`
	UsageRetentionDays     int                          `mapstructure:"usage_retention_days"`
	DailyLimits            map[string]DailyLimitEntry   `mapstructure:"daily_limits"`
	DefaultContentFraction float64                      `mapstructure:"default_content_fraction"`
	ContentLimits          map[string]ContentLimitEntry `mapstructure:"content_limits"`
	Visibility             VisibilityConfig             `mapstructure:"visibility"`
}

// StaleTimeEntry is one row of the ordered stale-time table
type StaleTimeEntry struct {
	Key string `mapstructure:"key"`
	TTL string `mapstructure:"ttl"`
}

// DailyLimitEntry is the per-day budget of one feature
type DailyLimitEntry struct {
	Free    int `mapstructure:"free"`
	Premium int `mapstructure:"premium"`
}

// ContentLimitEntry sets either a visible fraction or an absolute visible count
type ContentLimitEntry struct {
	Fraction float64 `mapstructure:"fraction"`
	Count    int     `mapstructure:"count"`
}

// VisibilityConfig holds the default runner settings for mounted anchors
type VisibilityConfig struct {
	Interval   string  `mapstructure:"interval"`
	Threshold  float64 `mapstructure:"threshold"`
	Immediate  bool    `mapstructure:"immediate"`
	RootMargin string  `mapstructure:"root_margin"`
	MaxAnchors int     `mapstructure:"max_anchors"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	SetDefaults(v)

	// Configure viper
	v.SetConfigFile(configPath)
	v.SetEnvPrefix("LEXGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, use defaults and environment variables
	}

	// Unmarshal config
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate config
	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Default returns the configuration produced by defaults alone.
func Default() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// SetDefaults sets default configuration values
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.bind_address", "0.0.0.0")
	v.SetDefault("server.api_port", 8080)
	v.SetDefault("server.metrics_port", 9090)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.user_header", "X-User-ID")
	v.SetDefault("server.rate_limit", 600)
	v.SetDefault("server.rate_limit_window", "1m")
	v.SetDefault("server.allowed_origins", []string{})

	// Storage defaults
	v.SetDefault("storage.type", "bolt")
	v.SetDefault("storage.path", "/var/lib/lexgate/lexgate.bolt")
	v.SetDefault("storage.redis.host", "localhost")
	v.SetDefault("storage.redis.port", 6379)
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.pool_size", 10)
	v.SetDefault("storage.redis.min_idle_conns", 2)
	v.SetDefault("storage.redis.dial_timeout", "5s")
	v.SetDefault("storage.redis.read_timeout", "3s")
	v.SetDefault("storage.redis.write_timeout", "3s")
	v.SetDefault("storage.redis.key_prefix", "lexgate:")
	v.SetDefault("storage.redis.key_ttl", "72h")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Cache defaults
	v.SetDefault("cache.size", 4096)

	// Subscription defaults
	v.SetDefault("subscription.premium_users", []string{})

	// Governance defaults
	v.SetDefault("governance.timezone", "America/Sao_Paulo")
	v.SetDefault("governance.default_stale_time", "10m")
	v.SetDefault("governance.unlimited_sentinel", 99999)
	v.SetDefault("governance.default_daily_limit.free", 3)
	v.SetDefault("governance.default_daily_limit.premium", 99999)
	v.SetDefault("governance.usage_retention_days", 30)
	v.SetDefault("governance.default_content_fraction", 0.20)
	v.SetDefault("governance.visibility.interval", "1s")
	v.SetDefault("governance.visibility.threshold", 0.1)
	v.SetDefault("governance.visibility.immediate", true)
	v.SetDefault("governance.visibility.root_margin", "0px")
	v.SetDefault("governance.visibility.max_anchors", 10000)
}

// validate validates the configuration
func validate(cfg *Config) error {
	if cfg.Server.APIPort <= 0 || cfg.Server.APIPort > 65535 {
		return fmt.Errorf("invalid API port: %d", cfg.Server.APIPort)
	}
	if cfg.Server.MetricsPort < 0 || cfg.Server.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", cfg.Server.MetricsPort)
	}

	if cfg.Server.RateLimit < 0 {
		return fmt.Errorf("invalid rate limit: %d", cfg.Server.RateLimit)
	}

	switch cfg.Storage.Type {
	case "":
		cfg.Storage.Type = "bolt"
	case "bolt", "sqlite", "redis", "memory":
	default:
		return fmt.Errorf("unsupported storage type: %s", cfg.Storage.Type)
	}

	if cfg.Storage.Type == "bolt" || cfg.Storage.Type == "sqlite" {
		if cfg.Storage.Path == "" {
			return fmt.Errorf("storage path is required for %s storage", cfg.Storage.Type)
		}
		// Ensure storage directory exists
		storageDir := filepath.Dir(cfg.Storage.Path)
		if err := os.MkdirAll(storageDir, 0755); err != nil {
			return fmt.Errorf("failed to create storage directory: %w", err)
		}
	}

	if _, err := time.LoadLocation(cfg.Governance.Timezone); err != nil {
		return fmt.Errorf("invalid governance timezone %q: %w", cfg.Governance.Timezone, err)
	}

	return ValidateGovernance(cfg.Governance)
}

// ValidateGovernance checks the governance tables without touching the filesystem.
func ValidateGovernance(g GovernanceConfig) error {
	if _, err := time.ParseDuration(g.DefaultStaleTime); err != nil {
		return fmt.Errorf("invalid default_stale_time %q: %w", g.DefaultStaleTime, err)
	}

	seen := make(map[string]bool, len(g.StaleTimes))
	for i, entry := range g.StaleTimes {
		if entry.Key == "" {
			return fmt.Errorf("stale_times[%d]: key is required", i)
		}
		key := strings.ToLower(entry.Key)
		if seen[key] {
			return fmt.Errorf("stale_times[%d]: duplicate key %q", i, entry.Key)
		}
		seen[key] = true
		d, err := time.ParseDuration(entry.TTL)
		if err != nil {
			return fmt.Errorf("stale_times[%d] (%s): invalid ttl %q: %w", i, entry.Key, entry.TTL, err)
		}
		if d < 0 {
			return fmt.Errorf("stale_times[%d] (%s): ttl must not be negative", i, entry.Key)
		}
	}

	if g.UnlimitedSentinel <= 0 {
		return fmt.Errorf("unlimited_sentinel must be positive, got %d", g.UnlimitedSentinel)
	}
	if g.UsageRetentionDays < 0 {
		return fmt.Errorf("usage_retention_days must not be negative, got %d", g.UsageRetentionDays)
	}
	if err := validateDailyLimit("default_daily_limit", g.DefaultDailyLimit); err != nil {
		return err
	}
	for feature, limit := range g.DailyLimits {
		if feature != strings.ToLower(feature) {
			return fmt.Errorf("daily_limits.%s: feature names must be lowercase", feature)
		}
		if err := validateDailyLimit("daily_limits."+feature, limit); err != nil {
			return err
		}
	}

	if g.DefaultContentFraction <= 0 || g.DefaultContentFraction > 1 {
		return fmt.Errorf("default_content_fraction must be in (0, 1], got %v", g.DefaultContentFraction)
	}
	for category, limit := range g.ContentLimits {
		switch {
		case category != strings.ToLower(category):
			return fmt.Errorf("content_limits.%s: category names must be lowercase", category)
		case limit.Count > 0 && limit.Fraction > 0:
			return fmt.Errorf("content_limits.%s: set either fraction or count, not both", category)
		case limit.Count < 0:
			return fmt.Errorf("content_limits.%s: count must not be negative", category)
		case limit.Count == 0 && (limit.Fraction <= 0 || limit.Fraction > 1 || math.IsNaN(limit.Fraction)):
			return fmt.Errorf("content_limits.%s: fraction must be in (0, 1], got %v", category, limit.Fraction)
		}
	}

	vis := g.Visibility
	if d, err := time.ParseDuration(vis.Interval); err != nil || d <= 0 {
		return fmt.Errorf("visibility.interval must be a positive duration, got %q", vis.Interval)
	}
	if vis.Threshold < 0 || vis.Threshold > 1 {
		return fmt.Errorf("visibility.threshold must be in [0, 1], got %v", vis.Threshold)
	}

	return nil
}

func validateDailyLimit(name string, limit DailyLimitEntry) error {
	if limit.Free < 0 || limit.Premium < 0 {
		return fmt.Errorf("%s: limits must not be negative (free=%d premium=%d)", name, limit.Free, limit.Premium)
	}
	return nil
}

// ParseDuration parses a duration string with a fallback
func ParseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
