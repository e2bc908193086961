package models

import (
	"time"
)

// ContentType identifies what a download queue item covers
type ContentType string

const (
	ContentTypeSong     ContentType = "song"
	ContentTypePlaylist ContentType = "playlist"
	ContentTypeAlbum    ContentType = "album"
)

// Valid reports whether the content type is one the executor can expand
func (c ContentType) Valid() bool {
	switch c {
	case ContentTypeSong, ContentTypePlaylist, ContentTypeAlbum:
		return true
	}
	return false
}

// QueueStatus represents the status of a download queue item
type QueueStatus string

const (
	QueueStatusPending    QueueStatus = "pending"
	QueueStatusProcessing QueueStatus = "processing"
	QueueStatusCompleted  QueueStatus = "completed"
	QueueStatusFailed     QueueStatus = "failed"
	QueueStatusPaused     QueueStatus = "paused"
	QueueStatusCancelled  QueueStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are expected
func (s QueueStatus) IsTerminal() bool {
	return s == QueueStatusCompleted || s == QueueStatusFailed || s == QueueStatusCancelled
}

// DownloadStatus represents the status of a single song download
type DownloadStatus string

const (
	DownloadStatusPending     DownloadStatus = "pending"
	DownloadStatusDownloading DownloadStatus = "downloading"
	DownloadStatusCompleted   DownloadStatus = "completed"
	DownloadStatusFailed      DownloadStatus = "failed"
	DownloadStatusCancelled   DownloadStatus = "cancelled"
	DownloadStatusExpired     DownloadStatus = "expired"
)

// Replaceable reports whether a new request may reuse the row
func (s DownloadStatus) Replaceable() bool {
	switch s {
	case DownloadStatusFailed, DownloadStatusExpired, DownloadStatusCancelled, DownloadStatusPending:
		return true
	}
	return false
}

// Quality is an audio quality tier, ordered from smallest to largest files
type Quality string

const (
	QualityLow      Quality = "low"
	QualityMedium   Quality = "medium"
	QualityHigh     Quality = "high"
	QualityLossless Quality = "lossless"
)

var qualityRank = map[Quality]int{
	QualityLow:      0,
	QualityMedium:   1,
	QualityHigh:     2,
	QualityLossless: 3,
}

// Valid reports whether q is a known tier
func (q Quality) Valid() bool {
	_, ok := qualityRank[q]
	return ok
}

// AtMost returns the lower of q and limit
func (q Quality) AtMost(limit Quality) Quality {
	if qualityRank[q] > qualityRank[limit] {
		return limit
	}
	return q
}

// Bitrate returns the nominal bitrate in kilobits per second
func (q Quality) Bitrate() int {
	switch q {
	case QualityLow:
		return 96
	case QualityMedium:
		return 160
	case QualityHigh:
		return 320
	case QualityLossless:
		return 1411
	}
	return 160
}

// EstimateSize estimates the file size in bytes for a song of the given duration
func (q Quality) EstimateSize(durationMs int64) int64 {
	return durationMs * int64(q.Bitrate()) / 8
}

// DownloadSource records which path created a queue item
type DownloadSource string

const (
	DownloadSourceManual DownloadSource = "manual"
	DownloadSourceSync   DownloadSource = "sync"
	DownloadSourceSmart  DownloadSource = "smart"
)

// DownloadQueue is one admission unit: a song, or the umbrella for a playlist or album batch
type DownloadQueue struct {
	ID             int64          `json:"id" db:"id"`
	UserID         int64          `json:"user_id" db:"user_id"`
	DeviceID       string         `json:"device_id" db:"device_id"`
	ContentType    ContentType    `json:"content_type" db:"content_type"`
	ContentID      int64          `json:"content_id" db:"content_id"`
	Priority       int            `json:"priority" db:"priority"`
	Quality        Quality        `json:"quality" db:"quality"`
	Source         DownloadSource `json:"source" db:"source"`
	Status         QueueStatus    `json:"status" db:"status"`
	TotalSongs     int            `json:"total_songs" db:"total_songs"`
	CompletedSongs int            `json:"completed_songs" db:"completed_songs"`
	FailedSongs    int            `json:"failed_songs" db:"failed_songs"`
	EstimatedSize  int64          `json:"estimated_size" db:"estimated_size"`
	ErrorMessage   *string        `json:"error_message,omitempty" db:"error_message"`
	StartedAt      *time.Time     `json:"started_at,omitempty" db:"started_at"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty" db:"completed_at"`
	CreatedAt      time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at" db:"updated_at"`
}

// ProgressPercentage returns the share of processed songs
func (q *DownloadQueue) ProgressPercentage() int {
	if q.TotalSongs == 0 {
		return 0
	}
	return (q.CompletedSongs + q.FailedSongs) * 100 / q.TotalSongs
}

// Download is one song artifact on one device
type Download struct {
	ID                  int64          `json:"id" db:"id"`
	UserID              int64          `json:"user_id" db:"user_id"`
	SongID              int64          `json:"song_id" db:"song_id"`
	DeviceID            string         `json:"device_id" db:"device_id"`
	Quality             Quality        `json:"quality" db:"quality"`
	Status              DownloadStatus `json:"status" db:"status"`
	FilePath            *string        `json:"file_path,omitempty" db:"file_path"`
	FileSize            *int64         `json:"file_size,omitempty" db:"file_size"`
	Checksum            *string        `json:"checksum,omitempty" db:"checksum"`
	Progress            int            `json:"progress" db:"progress"`
	LastAccessedAt      *time.Time     `json:"last_accessed_at,omitempty" db:"last_accessed_at"`
	DownloadCompletedAt *time.Time     `json:"download_completed_at,omitempty" db:"download_completed_at"`
	ExpiresAt           *time.Time     `json:"expires_at,omitempty" db:"expires_at"`
	ErrorMessage        *string        `json:"error_message,omitempty" db:"error_message"`
	CreatedAt           time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at" db:"updated_at"`
}

// Size returns the recorded file size, or zero when none is recorded
func (d *Download) Size() int64 {
	if d.FileSize == nil {
		return 0
	}
	return *d.FileSize
}

// IsExpired reports whether the offline license window has passed
func (d *Download) IsExpired(now time.Time) bool {
	if d.Status == DownloadStatusExpired {
		return true
	}
	return d.ExpiresAt != nil && d.ExpiresAt.Before(now)
}

// LastUsedAt returns the last access time, falling back to the completion time
func (d *Download) LastUsedAt() time.Time {
	if d.LastAccessedAt != nil {
		return *d.LastAccessedAt
	}
	if d.DownloadCompletedAt != nil {
		return *d.DownloadCompletedAt
	}
	return d.CreatedAt
}

// CompletedAt returns the completion time, falling back to creation
func (d *Download) CompletedAt() time.Time {
	if d.DownloadCompletedAt != nil {
		return *d.DownloadCompletedAt
	}
	return d.CreatedAt
}

// BatchLink ties a download to the queue item that produced it
type BatchLink struct {
	QueueID    int64 `json:"queue_id" db:"queue_id"`
	DownloadID int64 `json:"download_id" db:"download_id"`
	Position   int   `json:"position" db:"position"`
}

// DownloadRequest is what a client, the sync engine, or the prediction engine submits
type DownloadRequest struct {
	DeviceID    string         `json:"device_id" binding:"required"`
	ContentType ContentType    `json:"content_type" binding:"required"`
	ContentID   int64          `json:"content_id" binding:"required"`
	Quality     Quality        `json:"quality"`
	Priority    int            `json:"priority"`
	Source      DownloadSource `json:"source,omitempty"`
}

// DeviceKey identifies one device of one user
type DeviceKey struct {
	UserID   int64  `json:"user_id" db:"user_id"`
	DeviceID string `json:"device_id" db:"device_id"`
}
