package prediction

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/fabienpiette/tunevault/internal/analytics"
	"github.com/fabienpiette/tunevault/internal/config"
	"github.com/fabienpiette/tunevault/internal/models"
	"github.com/fabienpiette/tunevault/internal/recommendations"
	"github.com/fabienpiette/tunevault/internal/redis"
	"github.com/fabienpiette/tunevault/internal/repositories"
)

const (
	mergedConfidenceCap = 0.99
	dailyCounterTTL     = 48 * time.Hour
	settingsTTL         = 180 * 24 * time.Hour

	highPressurePercent   = 85.0
	mediumPressurePercent = 60.0
)

// Gate and skip reasons reported to clients
const (
	ReasonDisabled      = "Smart downloads are disabled"
	ReasonWifiRequired  = "Wi-Fi connection required"
	ReasonNoCapacity    = "Insufficient device storage"
	ReasonDailyLimit    = "Daily limit reached"
	ReasonNoPredictions = "No predictions available"
)

const (
	reasonsSeparator       = "; "
	defaultSmartPriority   = 8
	confidentSmartPriority = 6
)

// DownloadRequester is the ordinary intake path accepted predictions go through
type DownloadRequester interface {
	RequestDownload(ctx context.Context, userID int64, req *models.DownloadRequest) (*models.DownloadQueue, error)
}

// CapacityChecker reports a device's remaining quota and storage pressure
type CapacityChecker interface {
	FreeCapacity(ctx context.Context, userID int64, deviceID string) (int, int64, error)
	UsagePercentage(ctx context.Context, userID int64, deviceID string) (float64, error)
}

// Engine runs the predictors and turns confident predictions into downloads
type Engine struct {
	downloads  repositories.DownloadRepository
	listening  repositories.ListeningRepository
	predictors []Predictor
	capacity   CapacityChecker
	requester  DownloadRequester
	kv         redis.Store
	tracker    analytics.Tracker
	cfg        config.SmartConfig
	logger     *logrus.Logger
	now        func() time.Time
}

// NewEngine creates a prediction engine with the five standard predictors
func NewEngine(
	downloads repositories.DownloadRepository,
	listening repositories.ListeningRepository,
	catalog repositories.CatalogRepository,
	recommender recommendations.Recommender,
	capacity CapacityChecker,
	requester DownloadRequester,
	kv redis.Store,
	tracker analytics.Tracker,
	cfg config.SmartConfig,
	logger *logrus.Logger,
) *Engine {
	predictors := []Predictor{
		TimePredictor{},
		SequencePredictor{Length: cfg.SequenceLength},
		ContextPredictor{Recommender: recommender, Discount: cfg.ContextDiscount},
		TastePredictor{Catalog: catalog, Listening: listening, MinScore: cfg.TasteMinScore, HistoryDays: cfg.HistoryDays},
		SocialPredictor{Listening: listening},
	}
	return &Engine{
		downloads:  downloads,
		listening:  listening,
		predictors: predictors,
		capacity:   capacity,
		requester:  requester,
		kv:         kv,
		tracker:    tracker,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
	}
}

// Predict returns the merged, filtered predictions for a device. Results are
// cached and a cache miss recomputes from listening history.
func (e *Engine) Predict(ctx context.Context, userID int64, deviceID string) ([]models.SmartPrediction, error) {
	key := fmt.Sprintf(redis.KeySmartPredictions, userID, deviceID)
	var cached []models.SmartPrediction
	found, err := e.kv.GetJSON(ctx, key, &cached)
	if err != nil {
		e.logger.Warnf("Ignoring unreadable prediction cache %s: %v", key, err)
	}
	if found {
		return cached, nil
	}

	now := e.now().UTC()
	history, err := e.listening.ListPlays(ctx, userID, now.AddDate(0, 0, -e.historyDays()))
	if err != nil {
		return nil, fmt.Errorf("failed to load listening history: %w", err)
	}

	held, err := e.downloads.ListByDevice(ctx, userID, deviceID,
		models.DownloadStatusCompleted, models.DownloadStatusDownloading, models.DownloadStatusPending)
	if err != nil {
		return nil, fmt.Errorf("failed to list device downloads: %w", err)
	}
	exclude := make(map[int64]bool, len(held))
	for _, d := range held {
		exclude[d.SongID] = true
	}

	in := &Input{
		UserID:   userID,
		DeviceID: deviceID,
		Now:      now,
		History:  history,
		Limit:    e.maxPerSession() * 2,
	}

	results := make([][]models.SmartPrediction, len(e.predictors))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range e.predictors {
		i, p := i, p
		g.Go(func() error {
			predictions, err := p.Predict(gctx, in)
			if err != nil {
				e.logger.Warnf("Predictor %s failed for user %d: %v", p.Type(), userID, err)
				return nil
			}
			results[i] = predictions
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	merged := Merge(results, exclude, e.cfg.MinConfidence, e.maxPerSession())

	if err := e.kv.SetJSON(ctx, key, merged, e.cacheTTL()); err != nil {
		e.logger.Warnf("Failed to cache predictions for user %d: %v", userID, err)
	}

	e.logger.WithFields(logrus.Fields{
		"user_id":     userID,
		"device_id":   deviceID,
		"history":     len(history),
		"excluded":    len(exclude),
		"predictions": len(merged),
	}).Debug("Computed smart predictions")
	return merged, nil
}

// Merge combines per-predictor results. The same song predicted by several
// predictors gets the noisy-OR of their confidences, capped at 0.99.
func Merge(results [][]models.SmartPrediction, exclude map[int64]bool, minConfidence float64, limit int) []models.SmartPrediction {
	type combined struct {
		prediction models.SmartPrediction
		miss       float64
		best       float64
		reasons    []string
		seen       map[string]bool
		sources    []string
	}

	bySong := make(map[int64]*combined)
	var order []int64
	for _, predictions := range results {
		for _, p := range predictions {
			if exclude[p.SongID] {
				continue
			}
			c := bySong[p.SongID]
			if c == nil {
				c = &combined{prediction: p, miss: 1, seen: make(map[string]bool)}
				bySong[p.SongID] = c
				order = append(order, p.SongID)
			}
			c.miss *= 1 - p.Confidence
			if p.Confidence > c.best {
				c.best = p.Confidence
				c.prediction.PredictionType = p.PredictionType
			}
			if p.Reasoning != "" && !c.seen[p.Reasoning] {
				c.seen[p.Reasoning] = true
				c.reasons = append(c.reasons, p.Reasoning)
			}
			c.sources = append(c.sources, string(p.PredictionType))
		}
	}

	merged := make([]models.SmartPrediction, 0, len(order))
	for _, songID := range order {
		c := bySong[songID]
		confidence := 1 - c.miss
		if confidence > mergedConfidenceCap {
			confidence = mergedConfidenceCap
		}
		if confidence < minConfidence {
			continue
		}

		p := c.prediction
		p.Confidence = confidence
		p.Reasoning = strings.Join(c.reasons, reasonsSeparator)
		p.Priority = smartPriority(confidence)
		p.Metadata = map[string]interface{}{"sources": c.sources}
		merged = append(merged, p)
	}
	return topN(merged, limit)
}

func smartPriority(confidence float64) int {
	if confidence >= 0.9 {
		return confidentSmartPriority
	}
	return defaultSmartPriority
}

// Settings returns the user's smart download settings, falling back to the
// configured defaults when none are stored.
func (e *Engine) Settings(ctx context.Context, userID int64) (*models.SmartDownloadSettings, error) {
	settings := &models.SmartDownloadSettings{
		Enabled:          e.cfg.Enabled,
		WifiOnly:         e.cfg.WifiOnly,
		DailyLimit:       e.cfg.DailyLimit,
		PreferredQuality: models.Quality(e.cfg.PreferredQuality),
	}
	if _, err := e.kv.GetJSON(ctx, fmt.Sprintf(redis.KeySmartSettings, userID), settings); err != nil {
		e.logger.Warnf("Using default smart settings for user %d: %v", userID, err)
	}
	if !settings.PreferredQuality.Valid() {
		settings.PreferredQuality = models.QualityHigh
	}
	return settings, nil
}

// UpdateSettings stores the user's smart download settings
func (e *Engine) UpdateSettings(ctx context.Context, userID int64, settings *models.SmartDownloadSettings) error {
	if settings.DailyLimit < 0 {
		return models.NewValidationError("Daily limit cannot be negative")
	}
	if settings.PreferredQuality == "" {
		settings.PreferredQuality = models.Quality(e.cfg.PreferredQuality)
	}
	if !settings.PreferredQuality.Valid() {
		return models.NewValidationError(fmt.Sprintf("Invalid quality: %s", settings.PreferredQuality))
	}
	if err := e.kv.SetJSON(ctx, fmt.Sprintf(redis.KeySmartSettings, userID), settings, settingsTTL); err != nil {
		return fmt.Errorf("failed to store smart settings: %w", err)
	}
	return nil
}

// PredictAndDownload gates, predicts and submits downloads for one device.
// The gates run in order: enabled, Wi-Fi, device capacity, daily cap.
func (e *Engine) PredictAndDownload(ctx context.Context, req *models.SmartDownloadRequest) (*models.SmartDownloadResult, error) {
	if req.UserID <= 0 || req.DeviceID == "" {
		return nil, models.NewValidationError("User and device are required")
	}

	settings, err := e.Settings(ctx, req.UserID)
	if err != nil {
		return nil, err
	}

	now := e.now().UTC()
	result := &models.SmartDownloadResult{
		UserID:      req.UserID,
		DeviceID:    req.DeviceID,
		Accepted:    []models.AcceptedPrediction{},
		Skipped:     []models.SkippedPrediction{},
		DailyLimit:  settings.DailyLimit,
		GeneratedAt: now,
	}

	switch {
	case !settings.Enabled:
		result.GateReason = ReasonDisabled
	case settings.WifiOnly && !req.Network.IsWifi():
		result.GateReason = ReasonWifiRequired
	}
	if result.GateReason != "" {
		e.record(req, result)
		return result, nil
	}

	slots, freeBytes, err := e.capacity.FreeCapacity(ctx, req.UserID, req.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to check device capacity: %w", err)
	}
	if slots == 0 || freeBytes <= 0 {
		result.GateReason = ReasonNoCapacity
		e.record(req, result)
		return result, nil
	}

	dailyKey := fmt.Sprintf(redis.KeySmartDaily, req.UserID, now.Format("2006-01-02"))
	used, err := e.kv.GetInt(ctx, dailyKey)
	if err != nil {
		e.logger.Warnf("Failed to read daily smart counter for user %d: %v", req.UserID, err)
	}
	result.DailyUsed = int(used)

	predictions, err := e.Predict(ctx, req.UserID, req.DeviceID)
	if err != nil {
		return nil, err
	}
	if len(predictions) == 0 {
		result.GateReason = ReasonNoPredictions
		e.record(req, result)
		return result, nil
	}

	pressure, err := e.capacity.UsagePercentage(ctx, req.UserID, req.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to check storage pressure: %w", err)
	}
	result.Quality = QualityForPressure(pressure, settings.PreferredQuality)

	for _, p := range predictions {
		if result.DailyUsed >= settings.DailyLimit {
			result.Skipped = append(result.Skipped, models.SkippedPrediction{Prediction: p, Reason: ReasonDailyLimit})
			continue
		}

		// Reserve the slot first so concurrent sessions cannot both pass the cap.
		reserved := true
		n, err := e.kv.IncrWithTTL(ctx, dailyKey, dailyCounterTTL)
		if err != nil {
			e.logger.Warnf("Failed to reserve daily smart slot for user %d: %v", req.UserID, err)
			reserved = false
			n = int64(result.DailyUsed + 1)
		}
		if int(n) > settings.DailyLimit {
			result.DailyUsed = e.releaseSlot(ctx, dailyKey, int(n))
			result.Skipped = append(result.Skipped, models.SkippedPrediction{Prediction: p, Reason: ReasonDailyLimit})
			continue
		}
		result.DailyUsed = int(n)

		queue, err := e.requester.RequestDownload(ctx, req.UserID, &models.DownloadRequest{
			DeviceID:    req.DeviceID,
			ContentType: models.ContentTypeSong,
			ContentID:   p.SongID,
			Quality:     result.Quality,
			Priority:    p.Priority,
			Source:      models.DownloadSourceSmart,
		})
		if err != nil {
			if reserved {
				result.DailyUsed = e.releaseSlot(context.WithoutCancel(ctx), dailyKey, result.DailyUsed)
			} else {
				result.DailyUsed--
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if !errors.Is(err, models.ErrValidation) && !errors.Is(err, models.ErrQuotaExceeded) {
				e.logger.Warnf("Smart download of song %d for user %d failed: %v", p.SongID, req.UserID, err)
			}
			result.Skipped = append(result.Skipped, models.SkippedPrediction{Prediction: p, Reason: err.Error()})
			continue
		}

		result.Accepted = append(result.Accepted, models.AcceptedPrediction{Prediction: p, QueueID: queue.ID, Quality: result.Quality})
	}

	if len(result.Accepted) > 0 {
		if err := e.kv.DeleteKeys(ctx, fmt.Sprintf(redis.KeySmartPredictions, req.UserID, req.DeviceID)); err != nil {
			e.logger.Warnf("Failed to drop prediction cache for user %d: %v", req.UserID, err)
		}
	}

	e.record(req, result)
	e.logger.Infof("Smart download for user %d device %s: %d accepted, %d skipped at %s quality",
		req.UserID, req.DeviceID, len(result.Accepted), len(result.Skipped), result.Quality)
	return result, nil
}

// releaseSlot gives back a reserved daily slot and returns the counter after
// the release. reservedAt is the counter value the reservation produced.
func (e *Engine) releaseSlot(ctx context.Context, key string, reservedAt int) int {
	n, err := e.kv.Decrement(ctx, key)
	if err != nil {
		e.logger.Warnf("Failed to release daily smart slot %s: %v", key, err)
		return reservedAt - 1
	}
	return int(n)
}

func (e *Engine) record(req *models.SmartDownloadRequest, result *models.SmartDownloadResult) {
	accepted := make([]int64, 0, len(result.Accepted))
	for _, a := range result.Accepted {
		accepted = append(accepted, a.Prediction.SongID)
	}
	e.tracker.Track(req.UserID, req.DeviceID, models.EventPredictionOutcome, map[string]interface{}{
		"gate_reason":  result.GateReason,
		"accepted":     accepted,
		"skipped":      len(result.Skipped),
		"quality":      string(result.Quality),
		"daily_used":   result.DailyUsed,
		"network_type": string(req.Network.Type),
	})
}

// QualityForPressure lowers the preferred quality as the device fills up
func QualityForPressure(usagePercent float64, preferred models.Quality) models.Quality {
	switch {
	case usagePercent >= highPressurePercent:
		return models.QualityLow
	case usagePercent >= mediumPressurePercent:
		return preferred.AtMost(models.QualityMedium)
	}
	return preferred
}

func (e *Engine) maxPerSession() int {
	if e.cfg.MaxPerSession <= 0 {
		return 10
	}
	return e.cfg.MaxPerSession
}

func (e *Engine) historyDays() int {
	if e.cfg.HistoryDays <= 0 {
		return 30
	}
	return e.cfg.HistoryDays
}

func (e *Engine) cacheTTL() time.Duration {
	if e.cfg.CacheTTLMinutes <= 0 {
		return time.Hour
	}
	return time.Duration(e.cfg.CacheTTLMinutes) * time.Minute
}
