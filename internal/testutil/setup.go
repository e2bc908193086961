package testutil

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/fabienpiette/tunevault/internal/config"
	"github.com/fabienpiette/tunevault/internal/database"
	"github.com/fabienpiette/tunevault/internal/models"
)

// SetupTestDB creates a migrated SQLite database in a temporary directory
func SetupTestDB(t *testing.T) *database.DB {
	t.Helper()

	testDir := t.TempDir()
	dbPath := filepath.Join(testDir, "test.db")

	db, err := database.Initialize(dbPath)
	require.NoError(t, err)

	t.Cleanup(func() {
		db.Close()
	})

	return db
}

// SetupTestRedis starts a Redis container for testing. The test is skipped
// in -short mode or when no container runtime is available.
func SetupTestRedis(t *testing.T) (*redis.Client, func()) {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping Redis container test in short mode")
	}

	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	redisContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Skipf("redis container unavailable: %v", err)
	}

	mappedPort, err := redisContainer.MappedPort(ctx, "6379")
	require.NoError(t, err)

	host, err := redisContainer.Host(ctx)
	require.NoError(t, err)

	redisClient := redis.NewClient(&redis.Options{
		Addr: fmt.Sprintf("%s:%s", host, mappedPort.Port()),
		DB:   0,
	})

	err = redisClient.Ping(ctx).Err()
	require.NoError(t, err)

	cleanup := func() {
		redisClient.Close()
		if err := redisContainer.Terminate(ctx); err != nil {
			fmt.Printf("Warning: failed to terminate redis container: %v\n", err)
		}
	}

	return redisClient, cleanup
}

// GetTestConfig returns a configuration for testing
func GetTestConfig(t *testing.T) *config.Config {
	t.Helper()

	testDir := t.TempDir()

	return &config.Config{
		Environment: "test",
		Server: config.ServerConfig{
			Port:                8080,
			Host:                "localhost",
			ReadTimeoutSeconds:  30,
			WriteTimeoutSeconds: 30,
			IdleTimeoutSeconds:  120,
		},
		Database: config.DatabaseConfig{
			Path: filepath.Join(testDir, "test.db"),
		},
		Redis: config.RedisConfig{
			Host: "localhost",
			Port: 6379,
			DB:   1,
		},
		Log: config.LogConfig{
			Level: "debug",
		},
		Auth: config.AuthConfig{
			JWTSecret:     "test-secret-key-for-testing-only",
			TokenDuration: 24,
			Issuer:        "tunevault-test",
		},
		Downloads: config.DownloadConfig{
			MaxConcurrent:        2,
			SweepIntervalSeconds: 30,
			DebounceMs:           10,
			Timeout:              10,
			RetryCount:           0,
			RetryBackoffMs:       10,
			DefaultQuality:       string(models.QualityHigh),
			DefaultPriority:      5,
		},
		Storage: config.StorageConfig{
			RootPath:  filepath.Join(testDir, "offline"),
			UserAgent: "TuneVault-Test/1.0",
		},
		Quota: config.QuotaConfig{
			WarningThreshold:       85,
			EnforceIntervalMinutes: 60,
			DefaultTier:            "free",
			DefaultMaxDownloads:    50,
			DefaultMaxStorageMB:    1024,
			LargeFileThresholdMB:   50,
		},
		Sync: config.SyncConfig{
			DefaultIntervalMinutes: 60,
			MetadataTTLHours:       24,
			AutoSyncTTLDays:        30,
			NetworkTTLMinutes:      30,
		},
		Smart: config.SmartConfig{
			Enabled:          true,
			WifiOnly:         true,
			DailyLimit:       20,
			MaxPerSession:    10,
			MinConfidence:    0.7,
			SequenceLength:   5,
			ContextDiscount:  0.8,
			TasteMinScore:    0.5,
			HistoryDays:      30,
			CacheTTLMinutes:  60,
			PreferredQuality: string(models.QualityHigh),
		},
		Playback: config.PlaybackConfig{
			OfflineLicenseDays:  30,
			VerifyIntervalHours: 24,
			VerifyChecksums:     true,
		},
		Media: config.ClientConfig{
			BaseURL:        "http://localhost:9300",
			TimeoutSeconds: 5,
		},
		Recommendations: config.ClientConfig{
			BaseURL:        "http://localhost:9400",
			TimeoutSeconds: 5,
		},
	}
}

// SetupTestLogger creates a logger for testing with appropriate level
func SetupTestLogger(t *testing.T) *logrus.Logger {
	t.Helper()

	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)
	logger.SetFormatter(&logrus.TextFormatter{
		DisableColors:   true,
		TimestampFormat: time.RFC3339,
	})

	if testing.Verbose() {
		logger.SetOutput(os.Stdout)
	} else {
		logger.SetOutput(os.Stderr)
	}

	return logger
}

// WaitForCondition waits for a condition to be true with timeout
func WaitForCondition(t *testing.T, condition func() bool, timeout time.Duration, message string) {
	t.Helper()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	timeoutCh := time.After(timeout)

	for {
		if condition() {
			return
		}
		select {
		case <-ticker.C:
		case <-timeoutCh:
			t.Fatalf("Timeout waiting for condition: %s", message)
		}
	}
}

// Seeder writes catalog and download fixtures directly to the database
type Seeder struct {
	t  *testing.T
	db *sqlx.DB
}

// NewSeeder creates a new test data seeder
func NewSeeder(t *testing.T, db *database.DB) *Seeder {
	return &Seeder{t: t, db: db.DB}
}

// Song inserts a catalog song with a three minute duration unless one is given
func (s *Seeder) Song(song models.Song) *models.Song {
	s.t.Helper()
	if song.Title == "" {
		song.Title = fmt.Sprintf("Song %d", song.ID)
	}
	if song.DurationMs == 0 {
		song.DurationMs = 180000
	}
	if song.ArtistID == 0 {
		song.ArtistID = 1
	}
	_, err := s.db.NamedExec(`INSERT INTO songs (id, title, artist_id, artist_name, album_id, genre, duration_ms, popularity)
		VALUES (:id, :title, :artist_id, :artist_name, :album_id, :genre, :duration_ms, :popularity)`, song)
	require.NoError(s.t, err)
	return &song
}

// Songs inserts songs with the given IDs
func (s *Seeder) Songs(ids ...int64) {
	s.t.Helper()
	for _, id := range ids {
		s.Song(models.Song{ID: id})
	}
}

// Playlist inserts a playlist holding the given songs in order
func (s *Seeder) Playlist(id, userID int64, songIDs ...int64) {
	s.t.Helper()
	_, err := s.db.Exec(`INSERT INTO playlists (id, user_id, name) VALUES (?, ?, ?)`, id, userID, fmt.Sprintf("Playlist %d", id))
	require.NoError(s.t, err)
	for i, songID := range songIDs {
		_, err := s.db.Exec(`INSERT INTO playlist_songs (playlist_id, song_id, position) VALUES (?, ?, ?)`, id, songID, i)
		require.NoError(s.t, err)
	}
}

// Album inserts an album and assigns track numbers to the given songs
func (s *Seeder) Album(id int64, songIDs ...int64) {
	s.t.Helper()
	_, err := s.db.Exec(`INSERT INTO albums (id, title, artist_id) VALUES (?, ?, 1)`, id, fmt.Sprintf("Album %d", id))
	require.NoError(s.t, err)
	for i, songID := range songIDs {
		_, err := s.db.Exec(`UPDATE songs SET album_id = ?, track_number = ? WHERE id = ?`, id, i+1, songID)
		require.NoError(s.t, err)
	}
}

// Tier assigns a subscription tier to a user
func (s *Seeder) Tier(userID int64, tier string) {
	s.t.Helper()
	_, err := s.db.Exec(`INSERT OR REPLACE INTO user_subscriptions (user_id, tier_name, updated_at) VALUES (?, ?, ?)`,
		userID, tier, time.Now().UTC())
	require.NoError(s.t, err)
}

// CustomTier creates a tier with explicit limits and assigns it to a user
func (s *Seeder) CustomTier(userID int64, name string, maxDownloads int, maxStorage int64) {
	s.t.Helper()
	_, err := s.db.Exec(`INSERT OR REPLACE INTO subscription_tiers (name, max_downloads, max_storage_limit) VALUES (?, ?, ?)`,
		name, maxDownloads, maxStorage)
	require.NoError(s.t, err)
	s.Tier(userID, name)
}

// Download inserts a download row as-is
func (s *Seeder) Download(d models.Download) *models.Download {
	s.t.Helper()
	now := time.Now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now
	if d.Quality == "" {
		d.Quality = models.QualityHigh
	}
	if d.Status == "" {
		d.Status = models.DownloadStatusPending
	}
	result, err := s.db.NamedExec(`INSERT INTO downloads (
			user_id, song_id, device_id, quality, status, file_path, file_size, checksum, progress,
			last_accessed_at, download_completed_at, expires_at, error_message, created_at, updated_at
		) VALUES (
			:user_id, :song_id, :device_id, :quality, :status, :file_path, :file_size, :checksum, :progress,
			:last_accessed_at, :download_completed_at, :expires_at, :error_message, :created_at, :updated_at
		)`, &d)
	require.NoError(s.t, err)
	d.ID, err = result.LastInsertId()
	require.NoError(s.t, err)
	return &d
}

// Completed inserts a COMPLETED download of the given size with a placeholder file path
func (s *Seeder) Completed(userID int64, deviceID string, songID, size int64) *models.Download {
	s.t.Helper()
	completed := time.Now().UTC()
	path := fmt.Sprintf("%d/%s/%d_high.mp3", userID, deviceID, songID)
	checksum := "seeded"
	return s.Download(models.Download{
		UserID:              userID,
		SongID:              songID,
		DeviceID:            deviceID,
		Status:              models.DownloadStatusCompleted,
		FilePath:            &path,
		FileSize:            &size,
		Checksum:            &checksum,
		Progress:            100,
		DownloadCompletedAt: &completed,
	})
}

// Play inserts a listening history entry
func (s *Seeder) Play(event models.PlayEvent) {
	s.t.Helper()
	_, err := s.db.NamedExec(`INSERT INTO play_events (
			user_id, song_id, device_id, genre, artist_id, skipped, offline, duration_played_ms, played_at
		) VALUES (
			:user_id, :song_id, :device_id, :genre, :artist_id, :skipped, :offline, :duration_played_ms, :played_at
		)`, &event)
	require.NoError(s.t, err)
}
