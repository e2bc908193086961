package models

import (
	"time"
)

// ConflictType classifies a cross-device inconsistency
type ConflictType string

const (
	ConflictQualityMismatch ConflictType = "QUALITY_MISMATCH"
)

// SyncRecommendation is the plan for converging one device toward the reference
type SyncRecommendation struct {
	DeviceID      string  `json:"device_id"`
	SongsToAdd    []int64 `json:"songs_to_add"`
	SongsToRemove []int64 `json:"songs_to_remove"`
	MissingCount  int     `json:"missing_count"`
	Priority      int     `json:"priority"`
	Reason        string  `json:"reason"`
}

// SyncConflict is reported to the user and never resolved automatically
type SyncConflict struct {
	Type      ConflictType       `json:"type"`
	SongID    int64              `json:"song_id"`
	Qualities map[string]Quality `json:"qualities"`
}

// SyncFailure records one recommendation entry that intake or deletion rejected
type SyncFailure struct {
	DeviceID string `json:"device_id"`
	SongID   int64  `json:"song_id"`
	Action   string `json:"action"`
	Reason   string `json:"reason"`
}

// SyncResult summarizes one sync run
type SyncResult struct {
	UserID          int64                `json:"user_id"`
	DeviceCount     int                  `json:"device_count"`
	ReferenceDevice string               `json:"reference_device,omitempty"`
	Recommendations []SyncRecommendation `json:"recommendations"`
	Conflicts       []SyncConflict       `json:"conflicts"`
	SongsQueued     int                  `json:"songs_queued"`
	SongsRemoved    int                  `json:"songs_removed"`
	Failures        []SyncFailure        `json:"failures,omitempty"`
	DryRun          bool                 `json:"dry_run"`
	SyncedAt        time.Time            `json:"synced_at"`
}

// SyncMetadata is the last-sync record kept in the key-value store
type SyncMetadata struct {
	LastSyncAt      time.Time `json:"last_sync_at"`
	ReferenceDevice string    `json:"reference_device"`
	SongsQueued     int       `json:"songs_queued"`
	SongsRemoved    int       `json:"songs_removed"`
	ConflictCount   int       `json:"conflict_count"`
}

// DeviceSyncStatus is one row of a sync report
type DeviceSyncStatus struct {
	DeviceID         string `json:"device_id"`
	CompletedCount   int    `json:"completed_count"`
	StorageUsed      int64  `json:"storage_used"`
	StorageUsedHuman string `json:"storage_used_human"`
	MissingCount     int    `json:"missing_count"`
	ExtraCount       int    `json:"extra_count"`
	InSync           bool   `json:"in_sync"`
	AutoSyncEnabled  bool   `json:"auto_sync_enabled"`
}

// SyncReport is the read-only overview of a user's devices
type SyncReport struct {
	UserID          int64              `json:"user_id"`
	ReferenceDevice string             `json:"reference_device,omitempty"`
	Devices         []DeviceSyncStatus `json:"devices"`
	Conflicts       []SyncConflict     `json:"conflicts"`
	LastSync        *SyncMetadata      `json:"last_sync,omitempty"`
	LastSyncStatus  string             `json:"last_sync_status"`
	GeneratedAt     time.Time          `json:"generated_at"`
}

// AutoSyncConfig is the per-device opt-in stored in the key-value store
type AutoSyncConfig struct {
	UserID          int64     `json:"user_id"`
	DeviceID        string    `json:"device_id" binding:"required"`
	Enabled         bool      `json:"enabled"`
	WifiOnly        bool      `json:"wifi_only"`
	IntervalMinutes int       `json:"interval_minutes"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// SyncOptions narrows a sync run
type SyncOptions struct {
	DryRun bool `json:"dry_run"`
	// DeviceID restricts the run to converging a single device when set
	DeviceID string `json:"device_id,omitempty"`
}
