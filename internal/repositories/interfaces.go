package repositories

import (
	"context"
	"time"

	"github.com/fabienpiette/tunevault/internal/models"
)

// QueueRepository defines the interface for download queue operations
type QueueRepository interface {
	Create(ctx context.Context, queue *models.DownloadQueue) error
	GetByID(ctx context.Context, id int64) (*models.DownloadQueue, error)
	List(ctx context.Context, filters *QueueFilters) ([]*models.DownloadQueue, error)
	FindOpen(ctx context.Context, userID int64, deviceID string, contentType models.ContentType, contentID int64) (*models.DownloadQueue, error)
	// Transition moves a queue to status `to` only when its current status is one of `from`.
	// It reports whether a row changed.
	Transition(ctx context.Context, id int64, to models.QueueStatus, from ...models.QueueStatus) (bool, error)
	SetStatus(ctx context.Context, id int64, status models.QueueStatus, errorMessage *string) error
	// Finish records the final status and error message of a PROCESSING queue.
	Finish(ctx context.Context, id int64, status models.QueueStatus, errorMessage *string) (bool, error)
	UpdateProgress(ctx context.Context, id int64, total, completed, failed int) error
	ResetProcessing(ctx context.Context) (int64, error)
	Delete(ctx context.Context, id int64) error
	LinkDownload(ctx context.Context, queueID, downloadID int64, position int) error
	ListBatchDownloads(ctx context.Context, queueID int64) ([]*models.Download, error)
}

// QueueFilters represents filters for queue queries
type QueueFilters struct {
	UserID   *int64
	DeviceID *string
	Statuses []models.QueueStatus
	Limit    int
	Offset   int
}

// DownloadRepository defines the interface for per-device song downloads
type DownloadRepository interface {
	Create(ctx context.Context, download *models.Download) error
	GetByID(ctx context.Context, id int64) (*models.Download, error)
	Find(ctx context.Context, userID, songID int64, deviceID string) (*models.Download, error)
	Reset(ctx context.Context, id int64, quality models.Quality) error
	UpdateStatus(ctx context.Context, id int64, status models.DownloadStatus, errorMessage *string) error
	UpdateProgress(ctx context.Context, id int64, progress int) error
	Complete(ctx context.Context, id int64, result *CompletedFile) error
	// Invalidate moves a download out of COMPLETED and clears its file fields.
	Invalidate(ctx context.Context, id int64, status models.DownloadStatus, reason string) error
	Touch(ctx context.Context, id int64, at time.Time) error
	Delete(ctx context.Context, id int64) error
	ListByDevice(ctx context.Context, userID int64, deviceID string, statuses ...models.DownloadStatus) ([]*models.Download, error)
	CountByStatus(ctx context.Context, userID int64, deviceID string) (map[models.DownloadStatus]int, error)
	ListUserDevices(ctx context.Context, userID int64) ([]string, error)
	ListActiveDevices(ctx context.Context) ([]models.DeviceKey, error)
	GetDeviceUsage(ctx context.Context, userID int64, deviceID string) (*models.DeviceStorageUsage, error)
}

// CompletedFile carries the final artifact details of a finished transfer
type CompletedFile struct {
	FilePath    string
	FileSize    int64
	Checksum    string
	CompletedAt time.Time
	ExpiresAt   *time.Time
}

// SubscriptionRepository resolves a user's subscription tier
type SubscriptionRepository interface {
	GetUserTier(ctx context.Context, userID int64) (*models.SubscriptionTier, error)
	GetTier(ctx context.Context, name string) (*models.SubscriptionTier, error)
	SetUserTier(ctx context.Context, userID int64, tier string) error
}

// CatalogRepository is the read-only view of songs, playlists and albums
type CatalogRepository interface {
	GetSong(ctx context.Context, id int64) (*models.Song, error)
	GetSongs(ctx context.Context, ids []int64) ([]*models.Song, error)
	PlaylistExists(ctx context.Context, id int64) (bool, error)
	AlbumExists(ctx context.Context, id int64) (bool, error)
	GetPlaylistSongIDs(ctx context.Context, playlistID int64) ([]int64, error)
	GetAlbumSongIDs(ctx context.Context, albumID int64) ([]int64, error)
	FindByTaste(ctx context.Context, genres []string, artistIDs []int64, limit int) ([]*models.Song, error)
}

// ListeningRepository reads and records listening history
type ListeningRepository interface {
	RecordPlay(ctx context.Context, event *models.PlayEvent) error
	ListPlays(ctx context.Context, userID int64, since time.Time) ([]*models.PlayEvent, error)
	ListPlaysByUsers(ctx context.Context, userIDs []int64, since time.Time) ([]*models.PlayEvent, error)
	ListFollowees(ctx context.Context, userID int64) ([]int64, error)
	Follow(ctx context.Context, followerID, followeeID int64) error
	TopGenres(ctx context.Context, userID int64, since time.Time, limit int) ([]models.Affinity, error)
	TopArtists(ctx context.Context, userID int64, since time.Time, limit int) ([]models.Affinity, error)
}

// AnalyticsRepository stores structured analytics events
type AnalyticsRepository interface {
	Insert(ctx context.Context, event *models.AnalyticsEvent) error
	ListByType(ctx context.Context, eventType string, limit int) ([]*models.AnalyticsEvent, error)
}
