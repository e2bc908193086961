package models

import (
	"time"
)

// PlaybackInfo is what a device needs to play an offline song
type PlaybackInfo struct {
	DownloadID int64      `json:"download_id"`
	SongID     int64      `json:"song_id"`
	Quality    Quality    `json:"quality"`
	URL        string     `json:"url"`
	FileSize   int64      `json:"file_size"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

// IntegrityIssue describes one download that failed verification
type IntegrityIssue struct {
	DownloadID int64  `json:"download_id"`
	SongID     int64  `json:"song_id"`
	Reason     string `json:"reason"`
}

// VerificationReport summarizes an integrity pass over one device
type VerificationReport struct {
	UserID   int64            `json:"user_id"`
	DeviceID string           `json:"device_id"`
	Checked  int              `json:"checked"`
	Healthy  int              `json:"healthy"`
	Expired  int              `json:"expired"`
	Issues   []IntegrityIssue `json:"issues"`
	RanAt    time.Time        `json:"ran_at"`
}

// ProgressEventType distinguishes progress stream messages
type ProgressEventType string

const (
	ProgressEventDownload ProgressEventType = "download_progress"
	ProgressEventQueue    ProgressEventType = "queue_progress"
	ProgressEventStatus   ProgressEventType = "queue_status"
)

// ProgressEvent is emitted on the progress stream while downloads run
type ProgressEvent struct {
	Type           ProgressEventType `json:"type"`
	UserID         int64             `json:"user_id"`
	DeviceID       string            `json:"device_id"`
	QueueID        int64             `json:"queue_id,omitempty"`
	DownloadID     int64             `json:"download_id,omitempty"`
	SongID         int64             `json:"song_id,omitempty"`
	Progress       int               `json:"progress"`
	BytesWritten   int64             `json:"bytes_written,omitempty"`
	TotalBytes     int64             `json:"total_bytes,omitempty"`
	Status         string            `json:"status,omitempty"`
	CompletedSongs int               `json:"completed_songs,omitempty"`
	FailedSongs    int               `json:"failed_songs,omitempty"`
	TotalSongs     int               `json:"total_songs,omitempty"`
	Timestamp      time.Time         `json:"timestamp"`
}
