package quota

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/fabienpiette/tunevault/internal/analytics"
	"github.com/fabienpiette/tunevault/internal/config"
	"github.com/fabienpiette/tunevault/internal/models"
	"github.com/fabienpiette/tunevault/internal/repositories"
	"github.com/fabienpiette/tunevault/internal/storage"
)

const (
	criticalPercent      = 95.0
	downloadLimitPercent = 95.0
	staleAccessAge       = 30 * 24 * time.Hour
	oldDownloadAge       = 90 * 24 * time.Hour
)

// Eviction reasons recorded with each removed download
const (
	ReasonExpired      = "expired download"
	ReasonOld          = "older than 90 days"
	ReasonNotAccessed  = "not accessed for 30+ days"
	ReasonLargeFile    = "large file cleanup"
	ReasonStorageLimit = "storage limit enforcement"
)

// Enforcer keeps each device within its subscription tier's storage and
// download-count limits.
type Enforcer struct {
	downloads     repositories.DownloadRepository
	subscriptions repositories.SubscriptionRepository
	storage       storage.Gateway
	tracker       analytics.Tracker
	cfg           config.QuotaConfig
	logger        *logrus.Logger
	now           func() time.Time

	stop context.CancelFunc
	wg   sync.WaitGroup
}

// NewEnforcer creates a quota enforcer
func NewEnforcer(
	downloads repositories.DownloadRepository,
	subscriptions repositories.SubscriptionRepository,
	gateway storage.Gateway,
	tracker analytics.Tracker,
	cfg config.QuotaConfig,
	logger *logrus.Logger,
) *Enforcer {
	return &Enforcer{
		downloads:     downloads,
		subscriptions: subscriptions,
		storage:       gateway,
		tracker:       tracker,
		cfg:           cfg,
		logger:        logger,
		now:           time.Now,
	}
}

// Limits derives a device's allowances from the user's tier
func (e *Enforcer) Limits(ctx context.Context, userID int64, deviceID string) (*models.DeviceLimits, error) {
	tier, err := e.subscriptions.GetUserTier(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription tier: %w", err)
	}
	if tier == nil && e.cfg.DefaultTier != "" {
		tier, err = e.subscriptions.GetTier(ctx, e.cfg.DefaultTier)
		if err != nil {
			return nil, fmt.Errorf("failed to get default tier: %w", err)
		}
	}
	if tier == nil {
		tier = &models.SubscriptionTier{
			Name:            e.cfg.DefaultTier,
			MaxDownloads:    e.cfg.DefaultMaxDownloads,
			MaxStorageLimit: e.cfg.DefaultMaxStorageMB * humanize.MiByte,
		}
	}

	counts, err := e.downloads.CountByStatus(ctx, userID, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to count downloads: %w", err)
	}

	current := counts[models.DownloadStatusCompleted] + counts[models.DownloadStatusDownloading] + counts[models.DownloadStatusPending]

	return &models.DeviceLimits{
		UserID:           userID,
		DeviceID:         deviceID,
		Tier:             tier.Name,
		MaxDownloads:     tier.MaxDownloads,
		MaxStorageLimit:  tier.MaxStorageLimit,
		CurrentDownloads: current,
	}, nil
}

// Usage recomputes a device's storage usage from completed downloads
func (e *Enforcer) Usage(ctx context.Context, userID int64, deviceID string) (*models.DeviceStorageUsage, error) {
	return e.downloads.GetDeviceUsage(ctx, userID, deviceID)
}

// CheckAdmission rejects a request whose new downloads would not fit on the
// device, by count or by size.
func (e *Enforcer) CheckAdmission(ctx context.Context, userID int64, deviceID string, newDownloads int, estimatedSize int64) error {
	limits, err := e.Limits(ctx, userID, deviceID)
	if err != nil {
		return err
	}
	usage, err := e.Usage(ctx, userID, deviceID)
	if err != nil {
		return err
	}

	slots := limits.AvailableSlots()
	if slots == 0 && newDownloads > 0 {
		return &models.QuotaExceededError{
			Reason: fmt.Sprintf("Download limit reached (%d of %d)", limits.CurrentDownloads, limits.MaxDownloads),
		}
	}
	if newDownloads > slots {
		return &models.QuotaExceededError{
			Reason: fmt.Sprintf("Download limit reached: %d new songs requested, %d of %d slots free",
				newDownloads, slots, limits.MaxDownloads),
		}
	}
	if usage.TotalStorageUsed+estimatedSize > limits.MaxStorageLimit {
		return &models.QuotaExceededError{
			Reason: fmt.Sprintf("Storage limit exceeded: %s needed, %s available",
				humanize.IBytes(uint64(estimatedSize)), humanize.IBytes(uint64(available(usage, limits)))),
		}
	}
	return nil
}

// FreeCapacity reports how many more downloads and bytes fit on a device
func (e *Enforcer) FreeCapacity(ctx context.Context, userID int64, deviceID string) (int, int64, error) {
	limits, err := e.Limits(ctx, userID, deviceID)
	if err != nil {
		return 0, 0, err
	}
	usage, err := e.Usage(ctx, userID, deviceID)
	if err != nil {
		return 0, 0, err
	}
	return limits.AvailableSlots(), available(usage, limits), nil
}

// UsagePercentage returns the share of the storage limit in use
func (e *Enforcer) UsagePercentage(ctx context.Context, userID int64, deviceID string) (float64, error) {
	limits, err := e.Limits(ctx, userID, deviceID)
	if err != nil {
		return 0, err
	}
	usage, err := e.Usage(ctx, userID, deviceID)
	if err != nil {
		return 0, err
	}
	return percentage(usage.TotalStorageUsed, limits.MaxStorageLimit), nil
}

// CheckWarning returns the most severe warning that applies
func (e *Enforcer) CheckWarning(usage *models.DeviceStorageUsage, limits *models.DeviceLimits) models.StorageWarning {
	storagePct := percentage(usage.TotalStorageUsed, limits.MaxStorageLimit)
	switch {
	case storagePct >= criticalPercent:
		return models.StorageWarningCritical
	case storagePct >= float64(e.cfg.WarningThreshold):
		return models.StorageWarningStorage
	case percentage(int64(usage.DownloadCount), int64(limits.MaxDownloads)) >= downloadLimitPercent:
		return models.StorageWarningDownloadLimit
	}
	return models.StorageWarningNone
}

// StorageInfo returns the device summary shown to clients
func (e *Enforcer) StorageInfo(ctx context.Context, userID int64, deviceID string) (*models.StorageInfo, error) {
	limits, err := e.Limits(ctx, userID, deviceID)
	if err != nil {
		return nil, err
	}
	usage, err := e.Usage(ctx, userID, deviceID)
	if err != nil {
		return nil, err
	}
	counts, err := e.downloads.CountByStatus(ctx, userID, deviceID)
	if err != nil {
		return nil, err
	}

	byStatus := make(map[string]int, len(counts))
	for status, n := range counts {
		byStatus[string(status)] = n
	}
	free := available(usage, limits)

	return &models.StorageInfo{
		Limits:            limits,
		Usage:             usage,
		UsagePercentage:   percentage(usage.TotalStorageUsed, limits.MaxStorageLimit),
		AvailableStorage:  free,
		UsedHuman:         humanize.IBytes(uint64(usage.TotalStorageUsed)),
		LimitHuman:        humanize.IBytes(uint64(limits.MaxStorageLimit)),
		AvailableHuman:    humanize.IBytes(uint64(free)),
		Warning:           e.CheckWarning(usage, limits),
		DownloadsByStatus: byStatus,
	}, nil
}

// Enforce evicts downloads until the device is back within its limits.
// Candidates are read once before anything is removed.
func (e *Enforcer) Enforce(ctx context.Context, userID int64, deviceID string) (*models.EnforcementResult, error) {
	limits, err := e.Limits(ctx, userID, deviceID)
	if err != nil {
		return nil, err
	}
	usage, err := e.Usage(ctx, userID, deviceID)
	if err != nil {
		return nil, err
	}

	result := &models.EnforcementResult{
		UserID:            userID,
		DeviceID:          deviceID,
		StorageOverLimit:  usage.TotalStorageUsed > limits.MaxStorageLimit,
		DownloadOverLimit: usage.DownloadCount > limits.MaxDownloads,
		Usage:             usage,
	}
	if !result.StorageOverLimit && !result.DownloadOverLimit {
		result.Warning = e.CheckWarning(usage, limits)
		return result, nil
	}

	candidates, err := e.downloads.ListByDevice(ctx, userID, deviceID, models.DownloadStatusCompleted, models.DownloadStatusExpired)
	if err != nil {
		return nil, fmt.Errorf("failed to list eviction candidates: %w", err)
	}

	now := e.now()
	selected := selectEvictions(candidates, usage, limits, now)

	e.logger.WithFields(logrus.Fields{
		"user_id":       userID,
		"device_id":     deviceID,
		"storage_used":  humanize.IBytes(uint64(usage.TotalStorageUsed)),
		"storage_limit": humanize.IBytes(uint64(limits.MaxStorageLimit)),
		"downloads":     usage.DownloadCount,
		"max_downloads": limits.MaxDownloads,
		"evicting":      len(selected),
	}).Info("Device over quota, evicting downloads")

	for _, d := range selected {
		reason := e.evictionReason(d, now)
		if d.FilePath != nil {
			if err := e.storage.Delete(*d.FilePath); err != nil {
				e.logger.Warnf("Failed to delete file for download %d: %v", d.ID, err)
			}
		}
		if err := e.downloads.Delete(ctx, d.ID); err != nil {
			e.logger.Errorf("Failed to delete download %d: %v", d.ID, err)
			continue
		}

		result.Evicted = append(result.Evicted, models.Eviction{
			DownloadID: d.ID,
			SongID:     d.SongID,
			Size:       d.Size(),
			Reason:     reason,
		})
		result.FreedBytes += d.Size()

		e.tracker.Track(userID, deviceID, models.EventDownloadEvicted, map[string]interface{}{
			"download_id": d.ID,
			"song_id":     d.SongID,
			"size":        d.Size(),
			"reason":      reason,
		})
	}

	usage, err = e.Usage(ctx, userID, deviceID)
	if err != nil {
		return nil, err
	}
	result.Usage = usage
	result.Warning = e.CheckWarning(usage, limits)

	e.logger.Infof("Evicted %d downloads (%s) from device %s of user %d",
		len(result.Evicted), humanize.IBytes(uint64(result.FreedBytes)), deviceID, userID)
	return result, nil
}

// EnforceAll runs Enforce over every device holding completed downloads
func (e *Enforcer) EnforceAll(ctx context.Context) (int, error) {
	devices, err := e.downloads.ListActiveDevices(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list devices: %w", err)
	}

	evicted := 0
	for _, device := range devices {
		if ctx.Err() != nil {
			return evicted, ctx.Err()
		}
		result, err := e.Enforce(ctx, device.UserID, device.DeviceID)
		if err != nil {
			e.logger.Errorf("Quota enforcement failed for user %d device %s: %v", device.UserID, device.DeviceID, err)
			continue
		}
		evicted += len(result.Evicted)
	}
	return evicted, nil
}

// AfterQueue enforces the limits of the device a finished queue item wrote to
func (e *Enforcer) AfterQueue(ctx context.Context, queue *models.DownloadQueue) {
	if _, err := e.Enforce(ctx, queue.UserID, queue.DeviceID); err != nil && ctx.Err() == nil {
		e.logger.Warnf("Post-download enforcement failed for queue %d: %v", queue.ID, err)
	}
}

// Start runs EnforceAll on the configured interval until Stop
func (e *Enforcer) Start(ctx context.Context) {
	interval := time.Duration(e.cfg.EnforceIntervalMinutes) * time.Minute
	if interval <= 0 {
		interval = time.Hour
	}

	ctx, e.stop = context.WithCancel(ctx)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				evicted, err := e.EnforceAll(ctx)
				if err != nil && ctx.Err() == nil {
					e.logger.Errorf("Scheduled quota enforcement failed: %v", err)
				}
				if evicted > 0 {
					e.logger.Infof("Scheduled quota enforcement evicted %d downloads", evicted)
				}
			}
		}
	}()
	e.logger.Infof("Quota enforcement scheduled every %v", interval)
}

// Stop ends the scheduled enforcement loop
func (e *Enforcer) Stop() {
	if e.stop != nil {
		e.stop()
	}
	e.wg.Wait()
}

func (e *Enforcer) evictionReason(d *models.Download, now time.Time) string {
	switch {
	case d.IsExpired(now):
		return ReasonExpired
	case now.Sub(d.CompletedAt()) > oldDownloadAge:
		return ReasonOld
	case now.Sub(d.LastUsedAt()) > staleAccessAge:
		return ReasonNotAccessed
	case e.cfg.LargeFileThresholdMB > 0 && d.Size() >= e.cfg.LargeFileThresholdMB*humanize.MiByte:
		return ReasonLargeFile
	}
	return ReasonStorageLimit
}

// rankCandidates orders downloads from most to least evictable: expired
// first, then least recently used, then oldest completion, then largest.
func rankCandidates(candidates []*models.Download, now time.Time) []*models.Download {
	ranked := append([]*models.Download(nil), candidates...)
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if ae, be := a.IsExpired(now), b.IsExpired(now); ae != be {
			return ae
		}
		if au, bu := a.LastUsedAt(), b.LastUsedAt(); !au.Equal(bu) {
			return au.Before(bu)
		}
		if ac, bc := a.CompletedAt(), b.CompletedAt(); !ac.Equal(bc) {
			return ac.Before(bc)
		}
		if a.Size() != b.Size() {
			return a.Size() > b.Size()
		}
		return a.ID < b.ID
	})
	return ranked
}

// selectEvictions unions the greedy byte selection with the least recently
// used count excess, keeping rank order.
func selectEvictions(candidates []*models.Download, usage *models.DeviceStorageUsage, limits *models.DeviceLimits, now time.Time) []*models.Download {
	ranked := rankCandidates(candidates, now)
	chosen := make(map[int64]bool)

	if target := usage.TotalStorageUsed - limits.MaxStorageLimit; target > 0 {
		var freed int64
		for _, d := range ranked {
			if freed >= target {
				break
			}
			chosen[d.ID] = true
			freed += d.Size()
		}
	}

	if excess := usage.DownloadCount - limits.MaxDownloads; excess > 0 {
		byAccess := append([]*models.Download(nil), ranked...)
		sort.SliceStable(byAccess, func(i, j int) bool {
			return byAccess[i].LastUsedAt().Before(byAccess[j].LastUsedAt())
		})
		for _, d := range byAccess {
			if excess == 0 {
				break
			}
			if d.Status != models.DownloadStatusCompleted {
				continue
			}
			chosen[d.ID] = true
			excess--
		}
	}

	var selected []*models.Download
	for _, d := range ranked {
		if chosen[d.ID] {
			selected = append(selected, d)
		}
	}
	return selected
}

func available(usage *models.DeviceStorageUsage, limits *models.DeviceLimits) int64 {
	if free := limits.MaxStorageLimit - usage.TotalStorageUsed; free > 0 {
		return free
	}
	return 0
}

func percentage(used, limit int64) float64 {
	if limit <= 0 {
		return 100
	}
	return float64(used) * 100 / float64(limit)
}
