package models

import (
	"time"
)

// PredictionType names the predictor that produced a candidate
type PredictionType string

const (
	PredictionTimeBased PredictionType = "time_based"
	PredictionSequence  PredictionType = "sequence"
	PredictionContext   PredictionType = "context_aware"
	PredictionTaste     PredictionType = "taste_profile"
	PredictionSocial    PredictionType = "social_trending"
)

// SmartPrediction is an ephemeral candidate, cached but never persisted in SQL
type SmartPrediction struct {
	SongID         int64                  `json:"song_id"`
	Confidence     float64                `json:"confidence"`
	PredictionType PredictionType         `json:"prediction_type"`
	Reasoning      string                 `json:"reasoning"`
	Priority       int                    `json:"priority"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

// SmartDownloadSettings are the per-user knobs for predictive downloads
type SmartDownloadSettings struct {
	Enabled          bool    `json:"enabled"`
	WifiOnly         bool    `json:"wifi_only"`
	DailyLimit       int     `json:"daily_limit"`
	PreferredQuality Quality `json:"preferred_quality"`
}

// SmartDownloadRequest is one predictAndDownload invocation
type SmartDownloadRequest struct {
	UserID   int64          `json:"user_id"`
	DeviceID string         `json:"device_id" binding:"required"`
	Network  NetworkContext `json:"network"`
}

// SkippedPrediction is a candidate that was not turned into a download
type SkippedPrediction struct {
	Prediction SmartPrediction `json:"prediction"`
	Reason     string          `json:"reason"`
}

// AcceptedPrediction is a candidate that produced a download queue item
type AcceptedPrediction struct {
	Prediction SmartPrediction `json:"prediction"`
	QueueID    int64           `json:"queue_id"`
	Quality    Quality         `json:"quality"`
}

// SmartDownloadResult summarizes one predictAndDownload invocation
type SmartDownloadResult struct {
	UserID      int64                `json:"user_id"`
	DeviceID    string               `json:"device_id"`
	GateReason  string               `json:"gate_reason,omitempty"`
	Accepted    []AcceptedPrediction `json:"accepted"`
	Skipped     []SkippedPrediction  `json:"skipped"`
	Quality     Quality              `json:"quality,omitempty"`
	DailyUsed   int                  `json:"daily_used"`
	DailyLimit  int                  `json:"daily_limit"`
	GeneratedAt time.Time            `json:"generated_at"`
}

// Recommendation is one entry from the general recommendation engine
type Recommendation struct {
	SongID int64   `json:"song_id"`
	Score  float64 `json:"score"`
	Reason string  `json:"reason"`
}

// ListeningContext is the inferred situation handed to the recommendation engine
type ListeningContext struct {
	TimeOfDay string `json:"time_of_day"`
	Activity  string `json:"activity"`
	Weekend   bool   `json:"weekend"`
}
