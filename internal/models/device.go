package models

import (
	"time"
)

// SubscriptionTier carries the per-tier offline allowances
type SubscriptionTier struct {
	Name            string `json:"name" db:"name"`
	MaxDownloads    int    `json:"max_downloads" db:"max_downloads"`
	MaxStorageLimit int64  `json:"max_storage_limit" db:"max_storage_limit"`
}

// DeviceLimits is derived from the subscription tier plus a live download count
type DeviceLimits struct {
	UserID           int64  `json:"user_id"`
	DeviceID         string `json:"device_id"`
	Tier             string `json:"tier"`
	MaxDownloads     int    `json:"max_downloads"`
	MaxStorageLimit  int64  `json:"max_storage_limit"`
	CurrentDownloads int    `json:"current_downloads"`
}

// AvailableSlots returns how many more downloads fit under the count limit
func (l *DeviceLimits) AvailableSlots() int {
	if free := l.MaxDownloads - l.CurrentDownloads; free > 0 {
		return free
	}
	return 0
}

// DeviceStorageUsage is recomputed from completed downloads, never kept as a running counter
type DeviceStorageUsage struct {
	UserID           int64     `json:"user_id" db:"user_id"`
	DeviceID         string    `json:"device_id" db:"device_id"`
	TotalStorageUsed int64     `json:"total_storage_used" db:"total_storage_used"`
	DownloadCount    int       `json:"download_count" db:"download_count"`
	ComputedAt       time.Time `json:"computed_at" db:"-"`
}

// StorageWarning is the result of a quota warning check
type StorageWarning string

const (
	StorageWarningNone          StorageWarning = ""
	StorageWarningCritical      StorageWarning = "STORAGE_CRITICAL"
	StorageWarningStorage       StorageWarning = "STORAGE_WARNING"
	StorageWarningDownloadLimit StorageWarning = "DOWNLOAD_LIMIT_WARNING"
)

// StorageInfo is the device storage summary returned to clients
type StorageInfo struct {
	Limits            *DeviceLimits       `json:"limits"`
	Usage             *DeviceStorageUsage `json:"usage"`
	UsagePercentage   float64             `json:"usage_percentage"`
	AvailableStorage  int64               `json:"available_storage"`
	UsedHuman         string              `json:"used_human"`
	LimitHuman        string              `json:"limit_human"`
	AvailableHuman    string              `json:"available_human"`
	Warning           StorageWarning      `json:"warning,omitempty"`
	DownloadsByStatus map[string]int      `json:"downloads_by_status"`
}

// NetworkType is the connection a device reports
type NetworkType string

const (
	NetworkTypeWifi     NetworkType = "wifi"
	NetworkTypeCellular NetworkType = "cellular"
	NetworkTypeUnknown  NetworkType = "unknown"
)

// NetworkContext describes the requesting device's connectivity
type NetworkContext struct {
	Type     NetworkType `json:"type"`
	Metered  bool        `json:"metered"`
	Reported time.Time   `json:"reported_at"`
}

// IsWifi reports whether the device is on an unmetered Wi-Fi connection
func (n NetworkContext) IsWifi() bool {
	return n.Type == NetworkTypeWifi && !n.Metered
}

// Eviction is one download removed by quota enforcement
type Eviction struct {
	DownloadID int64  `json:"download_id"`
	SongID     int64  `json:"song_id"`
	Size       int64  `json:"size"`
	Reason     string `json:"reason"`
}

// EnforcementResult summarizes one enforcement pass over a device
type EnforcementResult struct {
	UserID            int64               `json:"user_id"`
	DeviceID          string              `json:"device_id"`
	StorageOverLimit  bool                `json:"storage_over_limit"`
	DownloadOverLimit bool                `json:"download_over_limit"`
	Evicted           []Eviction          `json:"evicted"`
	FreedBytes        int64               `json:"freed_bytes"`
	Usage             *DeviceStorageUsage `json:"usage"`
	Warning           StorageWarning      `json:"warning,omitempty"`
}
