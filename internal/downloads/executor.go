package downloads

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fabienpiette/tunevault/internal/analytics"
	"github.com/fabienpiette/tunevault/internal/config"
	"github.com/fabienpiette/tunevault/internal/media"
	"github.com/fabienpiette/tunevault/internal/models"
	"github.com/fabienpiette/tunevault/internal/repositories"
	"github.com/fabienpiette/tunevault/internal/storage"
)

// Executor expands a queue item into songs and transfers them one by one
type Executor struct {
	queues    repositories.QueueRepository
	downloads repositories.DownloadRepository
	catalog   repositories.CatalogRepository
	media     media.Service
	storage   storage.Gateway
	events    ProgressPublisher
	tracker   analytics.Tracker
	logger    *logrus.Logger

	unitTimeout  time.Duration
	retryCount   int
	retryBackoff time.Duration
	licenseDays  int
}

// NewExecutor creates a batch executor
func NewExecutor(
	queues repositories.QueueRepository,
	downloads repositories.DownloadRepository,
	catalog repositories.CatalogRepository,
	mediaService media.Service,
	gateway storage.Gateway,
	events ProgressPublisher,
	tracker analytics.Tracker,
	cfg *config.Config,
	logger *logrus.Logger,
) *Executor {
	return &Executor{
		queues:       queues,
		downloads:    downloads,
		catalog:      catalog,
		media:        mediaService,
		storage:      gateway,
		events:       events,
		tracker:      tracker,
		logger:       logger,
		unitTimeout:  time.Duration(cfg.Downloads.Timeout) * time.Second,
		retryCount:   cfg.Downloads.RetryCount,
		retryBackoff: time.Duration(cfg.Downloads.RetryBackoffMs) * time.Millisecond,
		licenseDays:  cfg.Playback.OfflineLicenseDays,
	}
}

// Run processes every song of the queue item. Unit failures are counted and
// never abort the batch. When ctx is cancelled Run stops before the next
// unit and leaves the queue status to whoever cancelled it.
func (e *Executor) Run(ctx context.Context, queue *models.DownloadQueue) error {
	if ctx.Err() != nil {
		return nil
	}

	songIDs, err := e.resolveSongs(ctx, queue)
	if err != nil {
		return fmt.Errorf("failed to resolve songs: %w", err)
	}

	if len(songIDs) == 0 {
		msg := "no songs found"
		if err := e.queues.SetStatus(ctx, queue.ID, models.QueueStatusFailed, &msg); err != nil {
			return err
		}
		e.publishStatus(queue, models.QueueStatusFailed)
		return nil
	}

	total := len(songIDs)
	queue.TotalSongs = total
	if err := e.queues.UpdateProgress(ctx, queue.ID, total, 0, 0); err != nil {
		return fmt.Errorf("failed to record batch size: %w", err)
	}

	completed, failed := 0, 0
	var lastErr error
	for position, songID := range songIDs {
		if ctx.Err() != nil {
			break
		}

		outcome, unitErr := e.processUnit(ctx, queue, songID, position)
		switch outcome {
		case unitCompleted, unitAlreadyPresent, unitInFlight:
			// A song another queue is already fetching belongs to that queue.
			completed++
		case unitFailed:
			failed++
			lastErr = unitErr
		}
		if outcome == unitInterrupted {
			break
		}

		queue.CompletedSongs, queue.FailedSongs = completed, failed
		if err := e.queues.UpdateProgress(context.WithoutCancel(ctx), queue.ID, total, completed, failed); err != nil {
			e.logger.Warnf("Failed to update progress for queue %d: %v", queue.ID, err)
		}
		e.publish(&models.ProgressEvent{
			Type:           models.ProgressEventQueue,
			UserID:         queue.UserID,
			DeviceID:       queue.DeviceID,
			QueueID:        queue.ID,
			Progress:       queue.ProgressPercentage(),
			CompletedSongs: completed,
			FailedSongs:    failed,
			TotalSongs:     total,
		})
	}

	if ctx.Err() != nil {
		e.logger.Infof("Download queue %d interrupted after %d/%d songs", queue.ID, completed+failed, total)
		return nil
	}

	final := models.QueueStatusCompleted
	if failed > 0 && completed == 0 {
		final = models.QueueStatusFailed
	}
	summary := failureSummary(total, failed, lastErr)
	if _, err := e.queues.Finish(ctx, queue.ID, final, summary); err != nil {
		return fmt.Errorf("failed to finish queue: %w", err)
	}
	queue.Status = final
	queue.ErrorMessage = summary

	e.logger.WithFields(logrus.Fields{
		"queue_id":  queue.ID,
		"status":    final,
		"completed": completed,
		"failed":    failed,
		"total":     total,
	}).Info("Download queue finished")

	e.publishStatus(queue, final)
	e.tracker.Track(queue.UserID, queue.DeviceID, models.EventQueueFinished, map[string]interface{}{
		"queue_id":        queue.ID,
		"content_type":    string(queue.ContentType),
		"content_id":      queue.ContentID,
		"source":          string(queue.Source),
		"status":          string(final),
		"total_songs":     total,
		"completed_songs": completed,
		"failed_songs":    failed,
	})
	return nil
}

// failureSummary describes the failed units of a finished batch, nil when none failed
func failureSummary(total, failed int, lastErr error) *string {
	if failed == 0 {
		return nil
	}
	reason := "unknown error"
	if lastErr != nil {
		reason = lastErr.Error()
	}

	var msg string
	switch {
	case total == 1:
		msg = reason
	case failed == total:
		msg = fmt.Sprintf("all %d songs failed: %s", total, reason)
	default:
		msg = fmt.Sprintf("%d of %d songs failed: %s", failed, total, reason)
	}
	return &msg
}

func (e *Executor) resolveSongs(ctx context.Context, queue *models.DownloadQueue) ([]int64, error) {
	switch queue.ContentType {
	case models.ContentTypeSong:
		return []int64{queue.ContentID}, nil
	case models.ContentTypePlaylist:
		return e.catalog.GetPlaylistSongIDs(ctx, queue.ContentID)
	case models.ContentTypeAlbum:
		return e.catalog.GetAlbumSongIDs(ctx, queue.ContentID)
	}
	return nil, fmt.Errorf("unsupported content type %q", queue.ContentType)
}

type unitOutcome int

const (
	unitPending unitOutcome = iota
	unitCompleted
	unitAlreadyPresent
	unitInFlight
	unitFailed
	unitInterrupted
)

// processUnit drives one song to completion. The error is set only for unitFailed.
func (e *Executor) processUnit(ctx context.Context, queue *models.DownloadQueue, songID int64, position int) (unitOutcome, error) {
	download, outcome, err := e.prepareDownload(ctx, queue, songID)
	if err != nil {
		if ctx.Err() != nil {
			return unitInterrupted, nil
		}
		e.logger.Errorf("Failed to prepare song %d for queue %d: %v", songID, queue.ID, err)
		return unitFailed, fmt.Errorf("song %d: %w", songID, err)
	}

	if err := e.queues.LinkDownload(ctx, queue.ID, download.ID, position); err != nil {
		e.logger.Warnf("Failed to link download %d to queue %d: %v", download.ID, queue.ID, err)
	}
	if outcome != unitPending {
		return outcome, nil
	}

	if err := e.transferWithRetry(ctx, queue, download); err != nil {
		if ctx.Err() != nil {
			return unitInterrupted, nil
		}
		e.logger.Warnf("Download queue %d: %v", queue.ID, err)
		return unitFailed, err
	}
	return unitCompleted, nil
}

// prepareDownload finds or creates the per-device row for a song. A row that
// is already complete or in flight is reported as such and left untouched.
func (e *Executor) prepareDownload(ctx context.Context, queue *models.DownloadQueue, songID int64) (*models.Download, unitOutcome, error) {
	existing, err := e.downloads.Find(ctx, queue.UserID, songID, queue.DeviceID)
	if err != nil {
		return nil, unitFailed, err
	}

	if existing != nil {
		switch {
		case existing.Status == models.DownloadStatusCompleted:
			return existing, unitAlreadyPresent, nil
		case existing.Status == models.DownloadStatusDownloading:
			return existing, unitInFlight, nil
		case existing.Status.Replaceable():
			if err := e.downloads.Reset(ctx, existing.ID, queue.Quality); err != nil {
				return nil, unitFailed, err
			}
			existing.Status = models.DownloadStatusPending
			existing.Quality = queue.Quality
			return existing, unitPending, nil
		}
	}

	download := &models.Download{
		UserID:   queue.UserID,
		SongID:   songID,
		DeviceID: queue.DeviceID,
		Quality:  queue.Quality,
		Status:   models.DownloadStatusPending,
	}
	if err := e.downloads.Create(ctx, download); err != nil {
		// Lost a race against another queue for the same song and device.
		again, findErr := e.downloads.Find(ctx, queue.UserID, songID, queue.DeviceID)
		if findErr != nil || again == nil {
			return nil, unitFailed, err
		}
		if again.Status == models.DownloadStatusCompleted {
			return again, unitAlreadyPresent, nil
		}
		return again, unitInFlight, nil
	}
	return download, unitPending, nil
}

func (e *Executor) transferWithRetry(ctx context.Context, queue *models.DownloadQueue, download *models.Download) error {
	var err error
	for attempt := 0; attempt <= e.retryCount; attempt++ {
		if attempt > 0 {
			delay := e.retryBackoff * time.Duration(attempt)
			e.logger.Debugf("Retrying download %d in %v (attempt %d/%d)", download.ID, delay, attempt, e.retryCount)
			select {
			case <-ctx.Done():
				return e.abandon(ctx, download, err)
			case <-time.After(delay):
			}
		}

		err = e.transfer(ctx, queue, download)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return e.abandon(ctx, download, err)
		}
	}

	msg := err.Error()
	if uerr := e.downloads.UpdateStatus(ctx, download.ID, models.DownloadStatusFailed, &msg); uerr != nil {
		e.logger.Errorf("Failed to mark download %d failed: %v", download.ID, uerr)
	}
	e.publish(&models.ProgressEvent{
		Type:       models.ProgressEventDownload,
		UserID:     queue.UserID,
		DeviceID:   queue.DeviceID,
		QueueID:    queue.ID,
		DownloadID: download.ID,
		SongID:     download.SongID,
		Status:     string(models.DownloadStatusFailed),
	})
	return &models.TransferError{DownloadID: download.ID, SongID: download.SongID, Err: err}
}

// abandon records that a transfer stopped because its job was cancelled
func (e *Executor) abandon(ctx context.Context, download *models.Download, cause error) error {
	if err := e.downloads.UpdateStatus(context.WithoutCancel(ctx), download.ID, models.DownloadStatusCancelled, nil); err != nil {
		e.logger.Errorf("Failed to mark download %d cancelled: %v", download.ID, err)
	}
	if cause == nil {
		cause = ctx.Err()
	}
	return &models.TransferError{DownloadID: download.ID, SongID: download.SongID, Err: cause}
}

func (e *Executor) transfer(ctx context.Context, queue *models.DownloadQueue, download *models.Download) error {
	if e.unitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.unitTimeout)
		defer cancel()
	}

	url, err := e.media.StreamURL(ctx, download.SongID, download.Quality)
	if err != nil {
		if errors.Is(err, models.ErrSongNotFound) {
			return fmt.Errorf("song %d is no longer available: %w", download.SongID, err)
		}
		return fmt.Errorf("failed to get stream url: %w", err)
	}

	if err := e.downloads.UpdateStatus(ctx, download.ID, models.DownloadStatusDownloading, nil); err != nil {
		return fmt.Errorf("failed to mark download started: %w", err)
	}
	download.Status = models.DownloadStatusDownloading

	lastPercent := -1
	onProgress := func(written, total int64) {
		if total <= 0 {
			return
		}
		percent := int(written * 100 / total)
		if percent == lastPercent {
			return
		}
		lastPercent = percent
		if err := e.downloads.UpdateProgress(ctx, download.ID, percent); err != nil && ctx.Err() == nil {
			e.logger.Debugf("Failed to record progress for download %d: %v", download.ID, err)
		}
		e.publish(&models.ProgressEvent{
			Type:         models.ProgressEventDownload,
			UserID:       queue.UserID,
			DeviceID:     queue.DeviceID,
			QueueID:      queue.ID,
			DownloadID:   download.ID,
			SongID:       download.SongID,
			Progress:     percent,
			BytesWritten: written,
			TotalBytes:   total,
			Status:       string(models.DownloadStatusDownloading),
		})
	}

	fileName := storage.FileName(queue.UserID, queue.DeviceID, download.SongID, download.Quality)
	stored, err := e.storage.DownloadWithProgress(ctx, url, fileName, onProgress)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	result := &repositories.CompletedFile{
		FilePath:    stored.Path,
		FileSize:    stored.Size,
		Checksum:    stored.Checksum,
		CompletedAt: now,
	}
	if e.licenseDays > 0 {
		expires := now.AddDate(0, 0, e.licenseDays)
		result.ExpiresAt = &expires
	}
	if err := e.downloads.Complete(ctx, download.ID, result); err != nil {
		if delErr := e.storage.Delete(stored.Path); delErr != nil {
			e.logger.Warnf("Failed to remove orphaned file %s: %v", stored.Path, delErr)
		}
		return err
	}
	download.Status = models.DownloadStatusCompleted

	e.publish(&models.ProgressEvent{
		Type:         models.ProgressEventDownload,
		UserID:       queue.UserID,
		DeviceID:     queue.DeviceID,
		QueueID:      queue.ID,
		DownloadID:   download.ID,
		SongID:       download.SongID,
		Progress:     100,
		BytesWritten: stored.Size,
		TotalBytes:   stored.Size,
		Status:       string(models.DownloadStatusCompleted),
	})
	return nil
}

func (e *Executor) publishStatus(queue *models.DownloadQueue, status models.QueueStatus) {
	e.publish(&models.ProgressEvent{
		Type:           models.ProgressEventStatus,
		UserID:         queue.UserID,
		DeviceID:       queue.DeviceID,
		QueueID:        queue.ID,
		Progress:       queue.ProgressPercentage(),
		Status:         string(status),
		CompletedSongs: queue.CompletedSongs,
		FailedSongs:    queue.FailedSongs,
		TotalSongs:     queue.TotalSongs,
	})
}

func (e *Executor) publish(event *models.ProgressEvent) {
	if e.events == nil {
		return
	}
	event.Timestamp = time.Now().UTC()
	e.events.Publish(event)
}
