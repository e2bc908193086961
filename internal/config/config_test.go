package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigDefaults(t *testing.T) {
	// Reset viper state
	viper.Reset()

	cfg, err := Load()
	require.NoError(t, err)
	assert.NotNil(t, cfg)

	// Test server defaults
	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 30, cfg.Server.ReadTimeoutSeconds)

	// Test storage defaults
	assert.Equal(t, "./data/tunevault.db", cfg.Database.Path)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr())
	assert.Equal(t, "./offline", cfg.Storage.RootPath)
	assert.Equal(t, 0, cfg.Storage.BandwidthLimitKBPS)

	// Test download defaults
	assert.Equal(t, 3, cfg.Downloads.MaxConcurrent)
	assert.Equal(t, 30*time.Second, cfg.Downloads.SweepInterval())
	assert.Equal(t, 250*time.Millisecond, cfg.Downloads.Debounce())
	assert.Equal(t, 2, cfg.Downloads.RetryCount)
	assert.Equal(t, "high", cfg.Downloads.DefaultQuality)

	// Test quota defaults
	assert.Equal(t, 85, cfg.Quota.WarningThreshold)
	assert.Equal(t, 60, cfg.Quota.EnforceIntervalMinutes)
	assert.Equal(t, 50, cfg.Quota.DefaultMaxDownloads)

	// Test smart download defaults
	assert.True(t, cfg.Smart.Enabled)
	assert.True(t, cfg.Smart.WifiOnly)
	assert.Equal(t, 20, cfg.Smart.DailyLimit)
	assert.Equal(t, 10, cfg.Smart.MaxPerSession)
	assert.InDelta(t, 0.7, cfg.Smart.MinConfidence, 1e-9)
	assert.Equal(t, 5, cfg.Smart.SequenceLength)
	assert.InDelta(t, 0.8, cfg.Smart.ContextDiscount, 1e-9)

	// Test playback and upstream defaults
	assert.Equal(t, 30, cfg.Playback.OfflineLicenseDays)
	assert.Equal(t, "http://localhost:9300", cfg.Media.BaseURL)
	assert.Equal(t, "http://localhost:9400", cfg.Recommendations.BaseURL)
}

func TestConfigFromFile(t *testing.T) {
	// Create temporary config file
	tempDir := t.TempDir()
	configFile := filepath.Join(tempDir, "config.yaml")

	configContent := `
environment: "test"
server:
  port: 9090
database:
  path: "/tmp/test.db"
redis:
  host: "redis-server"
  port: 6380
downloads:
  max_concurrent: 5
  retry_count: 0
quota:
  warning_threshold: 90
smart:
  daily_limit: 5
  min_confidence: 0.6
media:
  base_url: "http://media:9300"
  rate_limit_requests: 120
`
	err := os.WriteFile(configFile, []byte(configContent), 0644)
	require.NoError(t, err)

	viper.Reset()
	viper.AddConfigPath(tempDir)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "test", cfg.Environment)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "/tmp/test.db", cfg.Database.Path)
	assert.Equal(t, "redis-server:6380", cfg.Redis.Addr())
	assert.Equal(t, 5, cfg.Downloads.MaxConcurrent)
	assert.Equal(t, 0, cfg.Downloads.RetryCount)
	assert.Equal(t, 90, cfg.Quota.WarningThreshold)
	assert.Equal(t, 5, cfg.Smart.DailyLimit)
	assert.InDelta(t, 0.6, cfg.Smart.MinConfidence, 1e-9)
	assert.Equal(t, "http://media:9300", cfg.Media.BaseURL)
	assert.Equal(t, 120, cfg.Media.RateLimitRequests)

	// Untouched keys keep their defaults
	assert.Equal(t, 10, cfg.Smart.MaxPerSession)
}

func TestConfigFromEnvironmentVariables(t *testing.T) {
	envVars := map[string]string{
		"TUNEVAULT_ENVIRONMENT":              "production",
		"TUNEVAULT_SERVER_PORT":              "8090",
		"TUNEVAULT_REDIS_PASSWORD":           "redispass",
		"TUNEVAULT_DOWNLOADS_MAX_CONCURRENT": "2",
		"TUNEVAULT_STORAGE_ROOT_PATH":        "/var/offline",
		"TUNEVAULT_SMART_WIFI_ONLY":          "false",
		"TUNEVAULT_QUOTA_WARNING_THRESHOLD":  "80",
	}

	for key, value := range envVars {
		t.Setenv(key, value)
	}

	viper.Reset()

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "production", cfg.Environment)
	assert.Equal(t, 8090, cfg.Server.Port)
	assert.Equal(t, "redispass", cfg.Redis.Password)
	assert.Equal(t, 2, cfg.Downloads.MaxConcurrent)
	assert.Equal(t, "/var/offline", cfg.Storage.RootPath)
	assert.False(t, cfg.Smart.WifiOnly)
	assert.Equal(t, 80, cfg.Quota.WarningThreshold)
}

func TestConfigFileNotFound(t *testing.T) {
	viper.Reset()
	viper.AddConfigPath("/non/existent/path")

	// Should not error when config file is not found, should use defaults
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
}

func TestConfigInvalidYaml(t *testing.T) {
	tempDir := t.TempDir()
	configFile := filepath.Join(tempDir, "config.yaml")

	invalidYaml := `
server:
  port: 8080
  invalid yaml here [[[
`
	err := os.WriteFile(configFile, []byte(invalidYaml), 0644)
	require.NoError(t, err)

	viper.Reset()
	viper.AddConfigPath(tempDir)

	_, err = Load()
	require.Error(t, err)
}

func TestConfigValidation(t *testing.T) {
	base := func() *Config {
		return &Config{
			Downloads: DownloadConfig{MaxConcurrent: 3, RetryCount: 2},
			Quota:     QuotaConfig{WarningThreshold: 85},
			Smart:     SmartConfig{MinConfidence: 0.7, SequenceLength: 5},
			Storage:   StorageConfig{RootPath: "./offline"},
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"zero concurrency", func(c *Config) { c.Downloads.MaxConcurrent = 0 }, "max_concurrent"},
		{"negative retries", func(c *Config) { c.Downloads.RetryCount = -1 }, "retry_count"},
		{"threshold above 100", func(c *Config) { c.Quota.WarningThreshold = 120 }, "warning_threshold"},
		{"confidence above 1", func(c *Config) { c.Smart.MinConfidence = 1.5 }, "min_confidence"},
		{"empty sequence", func(c *Config) { c.Smart.SequenceLength = 0 }, "sequence_length"},
		{"missing root", func(c *Config) { c.Storage.RootPath = "" }, "root_path"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func BenchmarkConfigLoad(b *testing.B) {
	for i := 0; i < b.N; i++ {
		viper.Reset()
		_, _ = Load()
	}
}
