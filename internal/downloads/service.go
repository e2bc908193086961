package downloads

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fabienpiette/tunevault/internal/analytics"
	"github.com/fabienpiette/tunevault/internal/config"
	"github.com/fabienpiette/tunevault/internal/models"
	"github.com/fabienpiette/tunevault/internal/redis"
	"github.com/fabienpiette/tunevault/internal/repositories"
	"github.com/fabienpiette/tunevault/internal/storage"
)

// QuotaGate is the admission side of the storage quota enforcer
type QuotaGate interface {
	CheckAdmission(ctx context.Context, userID int64, deviceID string, newDownloads int, estimatedSize int64) error
	StorageInfo(ctx context.Context, userID int64, deviceID string) (*models.StorageInfo, error)
}

// Service is the intake path for every download request, whether it comes
// from a client, the sync engine or the prediction engine.
type Service struct {
	queues    repositories.QueueRepository
	downloads repositories.DownloadRepository
	catalog   repositories.CatalogRepository
	quota     QuotaGate
	scheduler *Scheduler
	storage   storage.Gateway
	kv        redis.Store
	tracker   analytics.Tracker
	logger    *logrus.Logger

	defaultQuality  models.Quality
	defaultPriority int
	networkTTL      time.Duration
}

// NewService creates the download intake service
func NewService(
	queues repositories.QueueRepository,
	downloads repositories.DownloadRepository,
	catalog repositories.CatalogRepository,
	quota QuotaGate,
	scheduler *Scheduler,
	gateway storage.Gateway,
	kv redis.Store,
	tracker analytics.Tracker,
	cfg *config.Config,
	logger *logrus.Logger,
) *Service {
	quality := models.Quality(cfg.Downloads.DefaultQuality)
	if !quality.Valid() {
		quality = models.QualityHigh
	}
	priority := cfg.Downloads.DefaultPriority
	if priority < 1 || priority > 10 {
		priority = 5
	}
	return &Service{
		queues:          queues,
		downloads:       downloads,
		catalog:         catalog,
		quota:           quota,
		scheduler:       scheduler,
		storage:         gateway,
		kv:              kv,
		tracker:         tracker,
		logger:          logger,
		defaultQuality:  quality,
		defaultPriority: priority,
		networkTTL:      time.Duration(cfg.Sync.NetworkTTLMinutes) * time.Minute,
	}
}

// RequestDownload validates a request, checks admission and enqueues it.
// Every rejection happens here, before anything is persisted.
func (s *Service) RequestDownload(ctx context.Context, userID int64, req *models.DownloadRequest) (*models.DownloadQueue, error) {
	if err := s.normalize(req); err != nil {
		return nil, err
	}

	songs, err := s.resolve(ctx, req)
	if err != nil {
		return nil, err
	}

	if req.ContentType == models.ContentTypeSong {
		existing, err := s.downloads.Find(ctx, userID, req.ContentID, req.DeviceID)
		if err != nil {
			return nil, fmt.Errorf("failed to check existing download: %w", err)
		}
		if existing != nil {
			switch existing.Status {
			case models.DownloadStatusCompleted:
				return nil, models.NewValidationError("Already downloaded")
			case models.DownloadStatusDownloading:
				return nil, models.NewValidationError("Already downloading")
			}
		}
	}

	open, err := s.queues.FindOpen(ctx, userID, req.DeviceID, req.ContentType, req.ContentID)
	if err != nil {
		return nil, fmt.Errorf("failed to check open queue items: %w", err)
	}
	if open != nil {
		return nil, models.NewValidationError("Already queued")
	}

	fresh, estimated, err := s.newWork(ctx, userID, req.DeviceID, req.Quality, songs)
	if err != nil {
		return nil, err
	}
	if err := s.quota.CheckAdmission(ctx, userID, req.DeviceID, fresh, estimated); err != nil {
		return nil, err
	}

	queue := &models.DownloadQueue{
		UserID:        userID,
		DeviceID:      req.DeviceID,
		ContentType:   req.ContentType,
		ContentID:     req.ContentID,
		Priority:      req.Priority,
		Quality:       req.Quality,
		Source:        req.Source,
		Status:        models.QueueStatusPending,
		EstimatedSize: estimated,
	}
	if err := s.queues.Create(ctx, queue); err != nil {
		return nil, fmt.Errorf("failed to create queue item: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"queue_id":     queue.ID,
		"user_id":      userID,
		"device_id":    req.DeviceID,
		"content_type": req.ContentType,
		"content_id":   req.ContentID,
		"source":       req.Source,
	}).Infof("Added %s %d to download queue", req.ContentType, req.ContentID)

	s.scheduler.Enqueue(queue)
	return queue, nil
}

func (s *Service) normalize(req *models.DownloadRequest) error {
	if req == nil {
		return models.NewValidationError("request is required")
	}
	if req.DeviceID == "" {
		return models.NewValidationError("device_id is required")
	}
	if !req.ContentType.Valid() {
		return models.NewValidationError(fmt.Sprintf("unsupported content type %q", req.ContentType))
	}
	if req.ContentID <= 0 {
		return models.NewValidationError("content_id must be positive")
	}

	if req.Quality == "" {
		req.Quality = s.defaultQuality
	}
	if !req.Quality.Valid() {
		return models.NewValidationError(fmt.Sprintf("unsupported quality %q", req.Quality))
	}

	if req.Priority == 0 {
		req.Priority = s.defaultPriority
	}
	if req.Priority < 1 || req.Priority > 10 {
		return models.NewValidationError("priority must be between 1 and 10")
	}

	if req.Source == "" {
		req.Source = models.DownloadSourceManual
	}
	return nil
}

// resolve checks the content exists and returns the songs it covers
func (s *Service) resolve(ctx context.Context, req *models.DownloadRequest) ([]*models.Song, error) {
	switch req.ContentType {
	case models.ContentTypeSong:
		song, err := s.catalog.GetSong(ctx, req.ContentID)
		if err != nil {
			return nil, fmt.Errorf("failed to look up song: %w", err)
		}
		if song == nil {
			return nil, models.NewNotFoundError(models.ErrSongNotFound, "Song not found")
		}
		return []*models.Song{song}, nil

	case models.ContentTypePlaylist, models.ContentTypeAlbum:
		var exists bool
		var ids []int64
		var err error
		if req.ContentType == models.ContentTypePlaylist {
			exists, err = s.catalog.PlaylistExists(ctx, req.ContentID)
			if err == nil && exists {
				ids, err = s.catalog.GetPlaylistSongIDs(ctx, req.ContentID)
			}
		} else {
			exists, err = s.catalog.AlbumExists(ctx, req.ContentID)
			if err == nil && exists {
				ids, err = s.catalog.GetAlbumSongIDs(ctx, req.ContentID)
			}
		}
		if err != nil {
			return nil, fmt.Errorf("failed to look up %s: %w", req.ContentType, err)
		}
		if !exists {
			return nil, models.NewNotFoundError(models.ErrContentNotFound, fmt.Sprintf("%s not found", titleCase(string(req.ContentType))))
		}

		songs, err := s.catalog.GetSongs(ctx, ids)
		if err != nil {
			return nil, fmt.Errorf("failed to load songs: %w", err)
		}
		return songs, nil
	}
	return nil, models.NewValidationError(fmt.Sprintf("unsupported content type %q", req.ContentType))
}

// newWork counts the songs that would take a new slot on the device and
// their expected size. Songs already completed, downloading or pending there
// are already counted against the device.
func (s *Service) newWork(ctx context.Context, userID int64, deviceID string, quality models.Quality, songs []*models.Song) (int, int64, error) {
	held, err := s.downloads.ListByDevice(ctx, userID, deviceID,
		models.DownloadStatusCompleted, models.DownloadStatusDownloading, models.DownloadStatusPending)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to list device downloads: %w", err)
	}
	onDevice := make(map[int64]bool, len(held))
	for _, d := range held {
		onDevice[d.SongID] = true
	}

	count := 0
	var size int64
	for _, song := range songs {
		if onDevice[song.ID] {
			continue
		}
		onDevice[song.ID] = true
		count++
		size += song.EstimatedSize(quality)
	}
	return count, size, nil
}

// GetQueue returns a queue item owned by the user
func (s *Service) GetQueue(ctx context.Context, userID, queueID int64) (*models.DownloadQueue, error) {
	queue, err := s.queues.GetByID(ctx, queueID)
	if err != nil {
		return nil, err
	}
	if queue == nil {
		return nil, models.NewNotFoundError(models.ErrQueueNotFound, "Queue not found")
	}
	if queue.UserID != userID {
		return nil, &models.ValidationError{Reason: "Queue belongs to another user", Kind: models.ErrPermissionDenied}
	}
	return queue, nil
}

// ListQueues lists the user's queue items, optionally for one device
func (s *Service) ListQueues(ctx context.Context, userID int64, deviceID string, statuses []models.QueueStatus, limit, offset int) ([]*models.DownloadQueue, error) {
	filters := &repositories.QueueFilters{
		UserID:   &userID,
		Statuses: statuses,
		Limit:    limit,
		Offset:   offset,
	}
	if deviceID != "" {
		filters.DeviceID = &deviceID
	}
	return s.queues.List(ctx, filters)
}

// PauseQueue pauses one of the user's queue items
func (s *Service) PauseQueue(ctx context.Context, userID, queueID int64) (bool, error) {
	if _, err := s.GetQueue(ctx, userID, queueID); err != nil {
		return false, err
	}
	return s.scheduler.Pause(ctx, queueID)
}

// ResumeQueue resumes one of the user's paused queue items
func (s *Service) ResumeQueue(ctx context.Context, userID, queueID int64) error {
	if _, err := s.GetQueue(ctx, userID, queueID); err != nil {
		return err
	}
	return s.scheduler.Resume(ctx, queueID)
}

// CancelQueue cancels one of the user's queue items. With forget set the
// row is deleted as well.
func (s *Service) CancelQueue(ctx context.Context, userID, queueID int64, forget bool) error {
	if _, err := s.GetQueue(ctx, userID, queueID); err != nil {
		return err
	}
	if forget {
		return s.scheduler.Forget(ctx, queueID)
	}
	return s.scheduler.Cancel(ctx, queueID)
}

// ListDownloads returns the user's downloads on a device
func (s *Service) ListDownloads(ctx context.Context, userID int64, deviceID string, statuses ...models.DownloadStatus) ([]*models.Download, error) {
	if deviceID == "" {
		return nil, models.NewValidationError("device_id is required")
	}
	return s.downloads.ListByDevice(ctx, userID, deviceID, statuses...)
}

// DeleteDownload removes a download and its file. A transfer in progress
// must be cancelled through its queue item first.
func (s *Service) DeleteDownload(ctx context.Context, userID, downloadID int64) error {
	download, err := s.downloads.GetByID(ctx, downloadID)
	if err != nil {
		return err
	}
	if download == nil {
		return models.NewNotFoundError(models.ErrDownloadNotFound, "Download not found")
	}
	if download.UserID != userID {
		return &models.ValidationError{Reason: "Download belongs to another user", Kind: models.ErrPermissionDenied}
	}
	if download.Status == models.DownloadStatusDownloading {
		return models.NewValidationError("Download is in progress")
	}

	if download.FilePath != nil {
		if err := s.storage.Delete(*download.FilePath); err != nil {
			s.logger.Warnf("Failed to delete file for download %d: %v", download.ID, err)
		}
	}
	if err := s.downloads.Delete(ctx, download.ID); err != nil {
		return fmt.Errorf("failed to delete download: %w", err)
	}

	s.logger.Infof("Deleted download %d (song %d) from device %s", download.ID, download.SongID, download.DeviceID)
	s.tracker.Track(userID, download.DeviceID, models.EventDownloadDeleted, map[string]interface{}{
		"download_id": download.ID,
		"song_id":     download.SongID,
		"size":        download.Size(),
	})
	return nil
}

// GetStorageInfo returns the device's limits, usage and warning
func (s *Service) GetStorageInfo(ctx context.Context, userID int64, deviceID string) (*models.StorageInfo, error) {
	if deviceID == "" {
		return nil, models.NewValidationError("device_id is required")
	}
	return s.quota.StorageInfo(ctx, userID, deviceID)
}

// ReportNetwork stores the connectivity a device last reported
func (s *Service) ReportNetwork(ctx context.Context, userID int64, deviceID string, network models.NetworkContext) error {
	if deviceID == "" {
		return models.NewValidationError("device_id is required")
	}
	switch network.Type {
	case models.NetworkTypeWifi, models.NetworkTypeCellular, models.NetworkTypeUnknown:
	default:
		return models.NewValidationError(fmt.Sprintf("unsupported network type %q", network.Type))
	}
	if network.Reported.IsZero() {
		network.Reported = time.Now().UTC()
	}
	return s.kv.SetJSON(ctx, fmt.Sprintf(redis.KeyDeviceNetwork, userID, deviceID), network, s.networkTTL)
}

// CurrentNetwork returns the device's last reported connectivity. found is
// false when the report is missing or has expired.
func (s *Service) CurrentNetwork(ctx context.Context, userID int64, deviceID string) (models.NetworkContext, bool, error) {
	var network models.NetworkContext
	found, err := s.kv.GetJSON(ctx, fmt.Sprintf(redis.KeyDeviceNetwork, userID, deviceID), &network)
	if err != nil || !found {
		return models.NetworkContext{Type: models.NetworkTypeUnknown}, false, err
	}
	return network, true, nil
}

// SchedulerStats exposes the scheduler occupancy for the health endpoint
func (s *Service) SchedulerStats() SchedulerStats {
	return s.scheduler.Stats()
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return string(s[0]-'a'+'A') + s[1:]
}
