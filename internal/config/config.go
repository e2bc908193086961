package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	Environment     string         `mapstructure:"environment"`
	Server          ServerConfig   `mapstructure:"server"`
	Database        DatabaseConfig `mapstructure:"database"`
	Redis           RedisConfig    `mapstructure:"redis"`
	Log             LogConfig      `mapstructure:"log"`
	Auth            AuthConfig     `mapstructure:"auth"`
	Downloads       DownloadConfig `mapstructure:"downloads"`
	Storage         StorageConfig  `mapstructure:"storage"`
	Quota           QuotaConfig    `mapstructure:"quota"`
	Sync            SyncConfig     `mapstructure:"sync"`
	Smart           SmartConfig    `mapstructure:"smart"`
	Playback        PlaybackConfig `mapstructure:"playback"`
	Media           ClientConfig   `mapstructure:"media"`
	Recommendations ClientConfig   `mapstructure:"recommendations"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Port                int    `mapstructure:"port"`
	Host                string `mapstructure:"host"`
	ReadTimeoutSeconds  int    `mapstructure:"read_timeout_seconds"`
	WriteTimeoutSeconds int    `mapstructure:"write_timeout_seconds"`
	IdleTimeoutSeconds  int    `mapstructure:"idle_timeout_seconds"`
}

// DatabaseConfig contains database configuration
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// RedisConfig contains Redis configuration
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Addr returns the host:port pair for the Redis client
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// LogConfig contains logging configuration
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// AuthConfig contains token validation configuration
type AuthConfig struct {
	JWTSecret     string `mapstructure:"jwt_secret"`
	TokenDuration int    `mapstructure:"token_duration"` // in hours
	Issuer        string `mapstructure:"issuer"`
}

// DownloadConfig contains scheduler and executor configuration
type DownloadConfig struct {
	MaxConcurrent        int    `mapstructure:"max_concurrent"`
	SweepIntervalSeconds int    `mapstructure:"sweep_interval_seconds"`
	DebounceMs           int    `mapstructure:"debounce_ms"`
	Timeout              int    `mapstructure:"timeout"` // in seconds, per unit
	RetryCount           int    `mapstructure:"retry_count"`
	RetryBackoffMs       int    `mapstructure:"retry_backoff_ms"`
	DefaultQuality       string `mapstructure:"default_quality"`
	DefaultPriority      int    `mapstructure:"default_priority"`
}

// SweepInterval returns the stuck-item safety net interval
func (d DownloadConfig) SweepInterval() time.Duration {
	return time.Duration(d.SweepIntervalSeconds) * time.Second
}

// Debounce returns the delay before re-driving after a job finishes
func (d DownloadConfig) Debounce() time.Duration {
	return time.Duration(d.DebounceMs) * time.Millisecond
}

// StorageConfig contains the file storage gateway configuration
type StorageConfig struct {
	RootPath           string `mapstructure:"root_path"`
	PublicBaseURL      string `mapstructure:"public_base_url"`
	UserAgent          string `mapstructure:"user_agent"`
	BandwidthLimitKBPS int    `mapstructure:"bandwidth_limit_kbps"` // 0 disables throttling
}

// QuotaConfig contains storage quota enforcement configuration
type QuotaConfig struct {
	WarningThreshold       int    `mapstructure:"warning_threshold"` // percent
	EnforceIntervalMinutes int    `mapstructure:"enforce_interval_minutes"`
	DefaultTier            string `mapstructure:"default_tier"`
	DefaultMaxDownloads    int    `mapstructure:"default_max_downloads"`
	DefaultMaxStorageMB    int64  `mapstructure:"default_max_storage_mb"`
	LargeFileThresholdMB   int64  `mapstructure:"large_file_threshold_mb"`
}

// SyncConfig contains multi-device sync configuration
type SyncConfig struct {
	DefaultIntervalMinutes int `mapstructure:"default_interval_minutes"`
	MetadataTTLHours       int `mapstructure:"metadata_ttl_hours"`
	AutoSyncTTLDays        int `mapstructure:"auto_sync_ttl_days"`
	NetworkTTLMinutes      int `mapstructure:"network_ttl_minutes"`
}

// SmartConfig contains smart download defaults and predictor tuning
type SmartConfig struct {
	Enabled          bool    `mapstructure:"enabled"`
	WifiOnly         bool    `mapstructure:"wifi_only"`
	DailyLimit       int     `mapstructure:"daily_limit"`
	MaxPerSession    int     `mapstructure:"max_per_session"`
	MinConfidence    float64 `mapstructure:"min_confidence"`
	SequenceLength   int     `mapstructure:"sequence_length"`
	ContextDiscount  float64 `mapstructure:"context_discount"`
	TasteMinScore    float64 `mapstructure:"taste_min_score"`
	HistoryDays      int     `mapstructure:"history_days"`
	CacheTTLMinutes  int     `mapstructure:"cache_ttl_minutes"`
	PreferredQuality string  `mapstructure:"preferred_quality"`
}

// PlaybackConfig contains playback gateway configuration
type PlaybackConfig struct {
	OfflineLicenseDays  int  `mapstructure:"offline_license_days"`
	VerifyIntervalHours int  `mapstructure:"verify_interval_hours"`
	VerifyChecksums     bool `mapstructure:"verify_checksums"`
}

// ClientConfig contains configuration for an upstream HTTP service
type ClientConfig struct {
	BaseURL           string `mapstructure:"base_url"`
	APIKey            string `mapstructure:"api_key"`
	TimeoutSeconds    int    `mapstructure:"timeout_seconds"`
	RateLimitRequests int    `mapstructure:"rate_limit_requests"`
	RateLimitWindow   int    `mapstructure:"rate_limit_window"` // in seconds
}

// Load loads the configuration from file and environment variables
func Load() (*Config, error) {
	setDefaults()

	// Configuration file settings
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/tunevault")

	// Environment variable settings
	viper.SetEnvPrefix("TUNEVAULT")
	viper.AutomaticEnv()

	// Set key replacer to handle nested keys
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read configuration file (optional)
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		// Config file not found, using defaults and env vars
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func setDefaults() {
	viper.SetDefault("environment", "development")

	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.read_timeout_seconds", 30)
	viper.SetDefault("server.write_timeout_seconds", 30)
	viper.SetDefault("server.idle_timeout_seconds", 120)

	viper.SetDefault("database.path", "./data/tunevault.db")

	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)

	viper.SetDefault("log.level", "info")

	viper.SetDefault("auth.jwt_secret", "change-me-in-production")
	viper.SetDefault("auth.token_duration", 24)
	viper.SetDefault("auth.issuer", "tunevault")

	viper.SetDefault("downloads.max_concurrent", 3)
	viper.SetDefault("downloads.sweep_interval_seconds", 30)
	viper.SetDefault("downloads.debounce_ms", 250)
	viper.SetDefault("downloads.timeout", 300)
	viper.SetDefault("downloads.retry_count", 2)
	viper.SetDefault("downloads.retry_backoff_ms", 500)
	viper.SetDefault("downloads.default_quality", "high")
	viper.SetDefault("downloads.default_priority", 5)

	viper.SetDefault("storage.root_path", "./offline")
	viper.SetDefault("storage.public_base_url", "http://localhost:8080/offline")
	viper.SetDefault("storage.user_agent", "TuneVault/1.0")
	viper.SetDefault("storage.bandwidth_limit_kbps", 0)

	viper.SetDefault("quota.warning_threshold", 85)
	viper.SetDefault("quota.enforce_interval_minutes", 60)
	viper.SetDefault("quota.default_tier", "free")
	viper.SetDefault("quota.default_max_downloads", 50)
	viper.SetDefault("quota.default_max_storage_mb", 1024)
	viper.SetDefault("quota.large_file_threshold_mb", 50)

	viper.SetDefault("sync.default_interval_minutes", 360)
	viper.SetDefault("sync.metadata_ttl_hours", 24*30)
	viper.SetDefault("sync.auto_sync_ttl_days", 90)
	viper.SetDefault("sync.network_ttl_minutes", 15)

	viper.SetDefault("smart.enabled", true)
	viper.SetDefault("smart.wifi_only", true)
	viper.SetDefault("smart.daily_limit", 20)
	viper.SetDefault("smart.max_per_session", 10)
	viper.SetDefault("smart.min_confidence", 0.7)
	viper.SetDefault("smart.sequence_length", 5)
	viper.SetDefault("smart.context_discount", 0.8)
	viper.SetDefault("smart.taste_min_score", 0.5)
	viper.SetDefault("smart.history_days", 90)
	viper.SetDefault("smart.cache_ttl_minutes", 60)
	viper.SetDefault("smart.preferred_quality", "high")

	viper.SetDefault("playback.offline_license_days", 30)
	viper.SetDefault("playback.verify_interval_hours", 24)
	viper.SetDefault("playback.verify_checksums", true)

	viper.SetDefault("media.base_url", "http://localhost:9300")
	viper.SetDefault("media.api_key", "")
	viper.SetDefault("media.timeout_seconds", 15)
	viper.SetDefault("media.rate_limit_requests", 60)
	viper.SetDefault("media.rate_limit_window", 60)

	viper.SetDefault("recommendations.base_url", "http://localhost:9400")
	viper.SetDefault("recommendations.api_key", "")
	viper.SetDefault("recommendations.timeout_seconds", 10)
	viper.SetDefault("recommendations.rate_limit_requests", 30)
	viper.SetDefault("recommendations.rate_limit_window", 60)
}

// Validate rejects configurations the services cannot run with
func (c *Config) Validate() error {
	if c.Downloads.MaxConcurrent < 1 {
		return fmt.Errorf("downloads.max_concurrent must be at least 1, got %d", c.Downloads.MaxConcurrent)
	}
	if c.Downloads.RetryCount < 0 {
		return fmt.Errorf("downloads.retry_count must not be negative, got %d", c.Downloads.RetryCount)
	}
	if c.Quota.WarningThreshold <= 0 || c.Quota.WarningThreshold > 100 {
		return fmt.Errorf("quota.warning_threshold must be within (0, 100], got %d", c.Quota.WarningThreshold)
	}
	if c.Smart.MinConfidence < 0 || c.Smart.MinConfidence > 1 {
		return fmt.Errorf("smart.min_confidence must be within [0, 1], got %v", c.Smart.MinConfidence)
	}
	if c.Smart.SequenceLength < 1 {
		return fmt.Errorf("smart.sequence_length must be at least 1, got %d", c.Smart.SequenceLength)
	}
	if c.Storage.RootPath == "" {
		return fmt.Errorf("storage.root_path is required")
	}
	return nil
}
