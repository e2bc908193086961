package models

import (
	"time"
)

// Song is the catalog metadata this service reads
type Song struct {
	ID         int64  `json:"id" db:"id"`
	Title      string `json:"title" db:"title"`
	ArtistID   int64  `json:"artist_id" db:"artist_id"`
	ArtistName string `json:"artist_name" db:"artist_name"`
	AlbumID    *int64 `json:"album_id,omitempty" db:"album_id"`
	Genre      string `json:"genre" db:"genre"`
	DurationMs int64  `json:"duration_ms" db:"duration_ms"`
	Popularity int    `json:"popularity" db:"popularity"`
}

// EstimatedSize returns the expected file size at the given quality
func (s *Song) EstimatedSize(q Quality) int64 {
	return q.EstimateSize(s.DurationMs)
}

// PlayEvent is one listening history entry
type PlayEvent struct {
	ID               int64     `json:"id" db:"id"`
	UserID           int64     `json:"user_id" db:"user_id"`
	SongID           int64     `json:"song_id" db:"song_id"`
	DeviceID         string    `json:"device_id" db:"device_id"`
	Genre            string    `json:"genre" db:"genre"`
	ArtistID         int64     `json:"artist_id" db:"artist_id"`
	Skipped          bool      `json:"skipped" db:"skipped"`
	Offline          bool      `json:"offline" db:"offline"`
	DurationPlayedMs int64     `json:"duration_played_ms" db:"duration_played_ms"`
	PlayedAt         time.Time `json:"played_at" db:"played_at"`
}

// Affinity is a normalized preference weight, 1.0 for the user's strongest preference
type Affinity struct {
	ID    int64   `json:"id,omitempty" db:"id"`
	Key   string  `json:"key" db:"key"`
	Plays int     `json:"plays" db:"plays"`
	Score float64 `json:"score" db:"-"`
}

// AnalyticsEvent is a structured fire-and-forget event
type AnalyticsEvent struct {
	ID        string                 `json:"id" db:"id"`
	UserID    int64                  `json:"user_id" db:"user_id"`
	DeviceID  string                 `json:"device_id" db:"device_id"`
	EventType string                 `json:"event_type" db:"event_type"`
	Payload   map[string]interface{} `json:"payload" db:"-"`
	CreatedAt time.Time              `json:"created_at" db:"created_at"`
}

// Analytics event types
const (
	EventDownloadEvicted   = "download_evicted"
	EventDownloadDeleted   = "download_deleted"
	EventPredictionOutcome = "smart_download_outcome"
	EventIntegrityFailure  = "download_integrity_failure"
	EventOfflinePlayback   = "offline_playback"
	EventSyncCompleted     = "device_sync_completed"
	EventQueueFinished     = "download_queue_finished"
)
