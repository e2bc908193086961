package devicesync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/fabienpiette/tunevault/internal/analytics"
	"github.com/fabienpiette/tunevault/internal/config"
	"github.com/fabienpiette/tunevault/internal/models"
	"github.com/fabienpiette/tunevault/internal/redis"
	"github.com/fabienpiette/tunevault/internal/repositories"
)

const neverSynced = "never synced"

// DownloadRequester is the ordinary intake path that sync re-enters
type DownloadRequester interface {
	RequestDownload(ctx context.Context, userID int64, req *models.DownloadRequest) (*models.DownloadQueue, error)
	DeleteDownload(ctx context.Context, userID, downloadID int64) error
}

// CapacityChecker reports a device's remaining quota
type CapacityChecker interface {
	Limits(ctx context.Context, userID int64, deviceID string) (*models.DeviceLimits, error)
	FreeCapacity(ctx context.Context, userID int64, deviceID string) (int, int64, error)
}

// NetworkSource returns the last network context a device reported
type NetworkSource interface {
	CurrentNetwork(ctx context.Context, userID int64, deviceID string) (models.NetworkContext, bool, error)
}

// Engine converges the download sets of one user's devices
type Engine struct {
	downloads repositories.DownloadRepository
	capacity  CapacityChecker
	requester DownloadRequester
	network   NetworkSource
	kv        redis.Store
	tracker   analytics.Tracker
	cfg       config.SyncConfig
	logger    *logrus.Logger
	now       func() time.Time

	// intervalUnit scales AutoSyncConfig.IntervalMinutes
	intervalUnit time.Duration

	mu       sync.Mutex
	autoSync map[string]*autoSyncJob
	baseCtx  context.Context
	stop     context.CancelFunc
	wg       sync.WaitGroup
}

// NewEngine creates a sync engine
func NewEngine(
	downloads repositories.DownloadRepository,
	capacity CapacityChecker,
	requester DownloadRequester,
	network NetworkSource,
	kv redis.Store,
	tracker analytics.Tracker,
	cfg config.SyncConfig,
	logger *logrus.Logger,
) *Engine {
	baseCtx, stop := context.WithCancel(context.Background())
	return &Engine{
		downloads:    downloads,
		capacity:     capacity,
		requester:    requester,
		network:      network,
		kv:           kv,
		tracker:      tracker,
		cfg:          cfg,
		logger:       logger,
		now:          time.Now,
		intervalUnit: time.Minute,
		autoSync:     make(map[string]*autoSyncJob),
		baseCtx:      baseCtx,
		stop:         stop,
	}
}

type autoSyncJob struct {
	cancel context.CancelFunc
}

// deviceSet is the COMPLETED downloads of one device keyed by song
type deviceSet map[int64]*models.Download

type snapshot struct {
	devices   []string
	sets      map[string]deviceSet
	inFlight  map[string]map[int64]bool
	reference string
}

// load reads every device's downloads once and picks the reference device:
// the one with the most completed downloads, ties going to the smallest ID.
func (e *Engine) load(ctx context.Context, userID int64) (*snapshot, error) {
	devices, err := e.downloads.ListUserDevices(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	sort.Strings(devices)

	snap := &snapshot{
		devices:  devices,
		sets:     make(map[string]deviceSet, len(devices)),
		inFlight: make(map[string]map[int64]bool, len(devices)),
	}
	for _, device := range devices {
		downloads, err := e.downloads.ListByDevice(ctx, userID, device)
		if err != nil {
			return nil, fmt.Errorf("failed to list downloads for device %s: %w", device, err)
		}
		set := make(deviceSet)
		pending := make(map[int64]bool)
		for _, d := range downloads {
			switch d.Status {
			case models.DownloadStatusCompleted:
				set[d.SongID] = d
			case models.DownloadStatusPending, models.DownloadStatusDownloading:
				pending[d.SongID] = true
			}
		}
		snap.sets[device] = set
		snap.inFlight[device] = pending

		if snap.reference == "" || len(set) > len(snap.sets[snap.reference]) {
			snap.reference = device
		}
	}
	return snap, nil
}

// Sync compares every device against the reference device and, unless
// opts.DryRun is set, executes the resulting recommendations through intake.
func (e *Engine) Sync(ctx context.Context, userID int64, opts models.SyncOptions) (*models.SyncResult, error) {
	snap, err := e.load(ctx, userID)
	if err != nil {
		return nil, err
	}

	result := &models.SyncResult{
		UserID:          userID,
		DeviceCount:     len(snap.devices),
		Recommendations: []models.SyncRecommendation{},
		Conflicts:       []models.SyncConflict{},
		DryRun:          opts.DryRun,
		SyncedAt:        e.now().UTC(),
	}
	if len(snap.devices) < 2 {
		return result, nil
	}
	result.ReferenceDevice = snap.reference
	result.Conflicts = detectConflicts(snap)

	for _, device := range snap.devices {
		if device == snap.reference || (opts.DeviceID != "" && device != opts.DeviceID) {
			continue
		}
		rec, err := e.recommend(ctx, userID, snap, device)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			result.Recommendations = append(result.Recommendations, *rec)
		}
	}

	if opts.DryRun {
		return result, nil
	}

	for _, rec := range result.Recommendations {
		e.execute(ctx, userID, snap, rec, result)
	}

	meta := &models.SyncMetadata{
		LastSyncAt:      result.SyncedAt,
		ReferenceDevice: result.ReferenceDevice,
		SongsQueued:     result.SongsQueued,
		SongsRemoved:    result.SongsRemoved,
		ConflictCount:   len(result.Conflicts),
	}
	key := fmt.Sprintf(redis.KeySyncMetadata, userID)
	if err := e.kv.SetJSON(ctx, key, meta, time.Duration(e.cfg.MetadataTTLHours)*time.Hour); err != nil {
		e.logger.Warnf("Failed to store sync metadata for user %d: %v", userID, err)
	}

	e.tracker.Track(userID, opts.DeviceID, models.EventSyncCompleted, map[string]interface{}{
		"reference_device": result.ReferenceDevice,
		"device_count":     result.DeviceCount,
		"songs_queued":     result.SongsQueued,
		"songs_removed":    result.SongsRemoved,
		"conflicts":        len(result.Conflicts),
		"failures":         len(result.Failures),
	})

	e.logger.WithFields(logrus.Fields{
		"user_id":   userID,
		"reference": result.ReferenceDevice,
		"devices":   result.DeviceCount,
		"queued":    result.SongsQueued,
		"removed":   result.SongsRemoved,
		"conflicts": len(result.Conflicts),
		"failures":  len(result.Failures),
	}).Info("Device sync completed")
	return result, nil
}

// recommend builds the plan for one device, or nil when it has nothing to do
func (e *Engine) recommend(ctx context.Context, userID int64, snap *snapshot, device string) (*models.SyncRecommendation, error) {
	reference := snap.sets[snap.reference]
	target := snap.sets[device]

	var missing []int64
	for songID := range reference {
		if _, ok := target[songID]; !ok && !snap.inFlight[device][songID] {
			missing = append(missing, songID)
		}
	}
	sort.Slice(missing, func(i, j int) bool { return missing[i] < missing[j] })

	var extra []*models.Download
	for songID, d := range target {
		if _, ok := reference[songID]; !ok {
			extra = append(extra, d)
		}
	}
	sort.Slice(extra, func(i, j int) bool {
		if a, b := extra[i].LastUsedAt(), extra[j].LastUsedAt(); !a.Equal(b) {
			return a.Before(b)
		}
		return extra[i].SongID < extra[j].SongID
	})

	slots, freeBytes, err := e.capacity.FreeCapacity(ctx, userID, device)
	if err != nil {
		return nil, fmt.Errorf("failed to get capacity for device %s: %w", device, err)
	}
	limits, err := e.capacity.Limits(ctx, userID, device)
	if err != nil {
		return nil, fmt.Errorf("failed to get limits for device %s: %w", device, err)
	}

	toAdd := []int64{}
	for _, songID := range missing {
		if slots == 0 {
			break
		}
		size := reference[songID].Size()
		if size > freeBytes {
			continue
		}
		toAdd = append(toAdd, songID)
		freeBytes -= size
		slots--
	}

	toRemove := []int64{}
	if over := len(target) - limits.MaxDownloads; over > 0 {
		for _, d := range extra {
			if len(toRemove) == over {
				break
			}
			toRemove = append(toRemove, d.SongID)
		}
	}

	if len(missing) == 0 && len(toRemove) == 0 {
		return nil, nil
	}

	rec := &models.SyncRecommendation{
		DeviceID:      device,
		SongsToAdd:    toAdd,
		SongsToRemove: toRemove,
		MissingCount:  len(missing),
		Priority:      syncPriority(len(missing)),
	}
	switch {
	case len(missing) > 0 && len(toAdd) < len(missing):
		rec.Reason = fmt.Sprintf("%d songs missing compared to %s, %d fit within the device quota", len(missing), snap.reference, len(toAdd))
	case len(missing) > 0:
		rec.Reason = fmt.Sprintf("%d songs missing compared to %s", len(missing), snap.reference)
	default:
		rec.Reason = fmt.Sprintf("Device is %d downloads over its limit", len(toRemove))
	}
	return rec, nil
}

func (e *Engine) execute(ctx context.Context, userID int64, snap *snapshot, rec models.SyncRecommendation, result *models.SyncResult) {
	reference := snap.sets[snap.reference]

	for _, songID := range rec.SongsToAdd {
		if ctx.Err() != nil {
			return
		}
		_, err := e.requester.RequestDownload(ctx, userID, &models.DownloadRequest{
			DeviceID:    rec.DeviceID,
			ContentType: models.ContentTypeSong,
			ContentID:   songID,
			Quality:     reference[songID].Quality,
			Priority:    rec.Priority,
			Source:      models.DownloadSourceSync,
		})
		if err != nil {
			result.Failures = append(result.Failures, models.SyncFailure{
				DeviceID: rec.DeviceID,
				SongID:   songID,
				Action:   "add",
				Reason:   err.Error(),
			})
			continue
		}
		result.SongsQueued++
	}

	for _, songID := range rec.SongsToRemove {
		d := snap.sets[rec.DeviceID][songID]
		if err := e.requester.DeleteDownload(ctx, userID, d.ID); err != nil {
			result.Failures = append(result.Failures, models.SyncFailure{
				DeviceID: rec.DeviceID,
				SongID:   songID,
				Action:   "remove",
				Reason:   err.Error(),
			})
			continue
		}
		result.SongsRemoved++
	}
}

// GenerateReport summarizes every device without changing anything
func (e *Engine) GenerateReport(ctx context.Context, userID int64) (*models.SyncReport, error) {
	snap, err := e.load(ctx, userID)
	if err != nil {
		return nil, err
	}
	now := e.now().UTC()

	report := &models.SyncReport{
		UserID:         userID,
		Devices:        []models.DeviceSyncStatus{},
		Conflicts:      detectConflicts(snap),
		LastSyncStatus: neverSynced,
		GeneratedAt:    now,
	}
	if len(snap.devices) > 1 {
		report.ReferenceDevice = snap.reference
	}

	reference := snap.sets[snap.reference]
	for _, device := range snap.devices {
		set := snap.sets[device]
		status := models.DeviceSyncStatus{
			DeviceID:       device,
			CompletedCount: len(set),
		}
		for songID, d := range set {
			status.StorageUsed += d.Size()
			if _, ok := reference[songID]; !ok {
				status.ExtraCount++
			}
		}
		for songID := range reference {
			if _, ok := set[songID]; !ok {
				status.MissingCount++
			}
		}
		status.StorageUsedHuman = humanize.IBytes(uint64(status.StorageUsed))
		status.InSync = status.MissingCount == 0 && status.ExtraCount == 0

		var auto models.AutoSyncConfig
		found, err := e.kv.GetJSON(ctx, fmt.Sprintf(redis.KeyAutoSync, userID, device), &auto)
		if err != nil {
			e.logger.Warnf("Failed to read auto-sync config for device %s: %v", device, err)
		}
		status.AutoSyncEnabled = found && auto.Enabled

		report.Devices = append(report.Devices, status)
	}

	var meta models.SyncMetadata
	found, err := e.kv.GetJSON(ctx, fmt.Sprintf(redis.KeySyncMetadata, userID), &meta)
	if err != nil {
		e.logger.Warnf("Failed to read sync metadata for user %d: %v", userID, err)
	}
	if found {
		report.LastSync = &meta
		report.LastSyncStatus = "synced " + humanize.RelTime(meta.LastSyncAt, now, "ago", "from now")
	}
	return report, nil
}

// EnableAutoSync stores the device's auto-sync configuration and starts its
// ticker. An existing ticker for the device is replaced.
func (e *Engine) EnableAutoSync(ctx context.Context, cfg models.AutoSyncConfig) error {
	if cfg.UserID <= 0 || cfg.DeviceID == "" {
		return models.NewValidationError("User and device are required")
	}
	if cfg.IntervalMinutes <= 0 {
		cfg.IntervalMinutes = e.cfg.DefaultIntervalMinutes
	}
	if cfg.IntervalMinutes <= 0 {
		return models.NewValidationError("Interval must be positive")
	}
	cfg.UpdatedAt = e.now().UTC()

	key := fmt.Sprintf(redis.KeyAutoSync, cfg.UserID, cfg.DeviceID)
	if err := e.kv.SetJSON(ctx, key, &cfg, e.autoSyncTTL()); err != nil {
		return fmt.Errorf("failed to store auto-sync config: %w", err)
	}

	e.startAutoSync(cfg)
	e.logger.Infof("Enabled auto-sync for user %d device %s every %d minutes", cfg.UserID, cfg.DeviceID, cfg.IntervalMinutes)
	return nil
}

// DisableAutoSync stops the device's ticker and removes its configuration
func (e *Engine) DisableAutoSync(ctx context.Context, userID int64, deviceID string) error {
	key := fmt.Sprintf(redis.KeyAutoSync, userID, deviceID)

	e.mu.Lock()
	if job, ok := e.autoSync[key]; ok {
		job.cancel()
		delete(e.autoSync, key)
	}
	e.mu.Unlock()

	if err := e.kv.DeleteKeys(ctx, key); err != nil {
		return fmt.Errorf("failed to delete auto-sync config: %w", err)
	}
	e.logger.Infof("Disabled auto-sync for user %d device %s", userID, deviceID)
	return nil
}

// RestoreAutoSync restarts the tickers of every stored configuration
func (e *Engine) RestoreAutoSync(ctx context.Context) (int, error) {
	keys, err := e.kv.Keys(ctx, redis.KeyAutoSyncPattern)
	if err != nil {
		return 0, fmt.Errorf("failed to list auto-sync configs: %w", err)
	}

	restored := 0
	for _, key := range keys {
		var cfg models.AutoSyncConfig
		found, err := e.kv.GetJSON(ctx, key, &cfg)
		if err != nil {
			e.logger.Warnf("Skipping unreadable auto-sync config %s: %v", key, err)
			continue
		}
		if !found || !cfg.Enabled || cfg.IntervalMinutes <= 0 {
			continue
		}
		e.startAutoSync(cfg)
		restored++
	}

	if restored > 0 {
		e.logger.Infof("Restored %d auto-sync schedules", restored)
	}
	return restored, nil
}

// AutoSyncRunning reports whether a ticker is active for the device
func (e *Engine) AutoSyncRunning(userID int64, deviceID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.autoSync[fmt.Sprintf(redis.KeyAutoSync, userID, deviceID)]
	return ok
}

// Stop cancels every auto-sync ticker and waits for them to exit
func (e *Engine) Stop() {
	e.stop()
	e.mu.Lock()
	for key, job := range e.autoSync {
		job.cancel()
		delete(e.autoSync, key)
	}
	e.mu.Unlock()
	e.wg.Wait()
}

func (e *Engine) startAutoSync(cfg models.AutoSyncConfig) {
	key := fmt.Sprintf(redis.KeyAutoSync, cfg.UserID, cfg.DeviceID)
	ctx, cancel := context.WithCancel(e.baseCtx)
	job := &autoSyncJob{cancel: cancel}

	e.mu.Lock()
	if previous, ok := e.autoSync[key]; ok {
		previous.cancel()
	}
	e.autoSync[key] = job
	e.mu.Unlock()

	interval := time.Duration(cfg.IntervalMinutes) * e.intervalUnit
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
				if !e.autoSyncTick(ctx, key, cfg.UserID, cfg.DeviceID) {
					e.release(key, job)
					return
				}
			}
		}
	}()
}

// autoSyncTick runs one scheduled sync. It returns false when the stored
// configuration is gone and the ticker should exit.
func (e *Engine) autoSyncTick(ctx context.Context, key string, userID int64, deviceID string) bool {
	var cfg models.AutoSyncConfig
	found, err := e.kv.GetJSON(ctx, key, &cfg)
	if err != nil {
		e.logger.Warnf("Failed to read auto-sync config %s: %v", key, err)
		return true
	}
	if !found {
		e.logger.Infof("Auto-sync config for user %d device %s expired", userID, deviceID)
		return false
	}
	if !cfg.Enabled {
		return true
	}

	if cfg.WifiOnly {
		network, known, err := e.network.CurrentNetwork(ctx, userID, deviceID)
		if err != nil {
			e.logger.Warnf("Failed to read network context for device %s: %v", deviceID, err)
			return true
		}
		if !known || !network.IsWifi() {
			e.logger.Debugf("Skipping auto-sync for device %s: not on Wi-Fi", deviceID)
			return true
		}
	}

	if _, err := e.Sync(ctx, userID, models.SyncOptions{DeviceID: deviceID}); err != nil && !errors.Is(err, context.Canceled) {
		e.logger.Errorf("Auto-sync failed for user %d device %s: %v", userID, deviceID, err)
	}
	return true
}

// release drops a ticker's registration unless it was already replaced
func (e *Engine) release(key string, job *autoSyncJob) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.autoSync[key] == job {
		delete(e.autoSync, key)
	}
	job.cancel()
}

func (e *Engine) autoSyncTTL() time.Duration {
	if e.cfg.AutoSyncTTLDays <= 0 {
		return 30 * 24 * time.Hour
	}
	return time.Duration(e.cfg.AutoSyncTTLDays) * 24 * time.Hour
}

// detectConflicts reports songs held at different qualities on different devices
func detectConflicts(snap *snapshot) []models.SyncConflict {
	qualities := make(map[int64]map[string]models.Quality)
	for device, set := range snap.sets {
		for songID, d := range set {
			if qualities[songID] == nil {
				qualities[songID] = make(map[string]models.Quality)
			}
			qualities[songID][device] = d.Quality
		}
	}

	conflicts := []models.SyncConflict{}
	for songID, byDevice := range qualities {
		distinct := make(map[models.Quality]bool)
		for _, q := range byDevice {
			distinct[q] = true
		}
		if len(distinct) > 1 {
			conflicts = append(conflicts, models.SyncConflict{
				Type:      models.ConflictQualityMismatch,
				SongID:    songID,
				Qualities: byDevice,
			})
		}
	}
	sort.Slice(conflicts, func(i, j int) bool { return conflicts[i].SongID < conflicts[j].SongID })
	return conflicts
}

func syncPriority(missing int) int {
	switch {
	case missing > 10:
		return 1
	case missing > 5:
		return 2
	case missing > 0:
		return 3
	}
	return 4
}
