package playback

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fabienpiette/tunevault/internal/analytics"
	"github.com/fabienpiette/tunevault/internal/config"
	"github.com/fabienpiette/tunevault/internal/models"
	"github.com/fabienpiette/tunevault/internal/repositories"
	"github.com/fabienpiette/tunevault/internal/storage"
)

const (
	reasonMissingPath      = "no file recorded"
	reasonFileMissing      = "file missing"
	reasonSizeMismatch     = "size mismatch"
	reasonChecksumMismatch = "checksum mismatch"
	reasonLicenseExpired   = "Offline license expired"
)

// Gateway serves completed downloads to players and keeps the stored files
// honest: anything missing or corrupt is demoted so it can be downloaded again.
type Gateway struct {
	downloads repositories.DownloadRepository
	listening repositories.ListeningRepository
	catalog   repositories.CatalogRepository
	storage   storage.Gateway
	tracker   analytics.Tracker
	cfg       config.PlaybackConfig
	logger    *logrus.Logger
	now       func() time.Time

	stop context.CancelFunc
	wg   sync.WaitGroup
}

// NewGateway creates a playback gateway
func NewGateway(
	downloads repositories.DownloadRepository,
	listening repositories.ListeningRepository,
	catalog repositories.CatalogRepository,
	files storage.Gateway,
	tracker analytics.Tracker,
	cfg config.PlaybackConfig,
	logger *logrus.Logger,
) *Gateway {
	return &Gateway{
		downloads: downloads,
		listening: listening,
		catalog:   catalog,
		storage:   files,
		tracker:   tracker,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// Resolve returns what a device needs to play a song offline. The download
// must belong to the caller, be COMPLETED, be inside its license window and
// pass the integrity check.
func (g *Gateway) Resolve(ctx context.Context, userID int64, deviceID string, songID int64) (*models.PlaybackInfo, error) {
	d, err := g.downloads.Find(ctx, userID, songID, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to find download: %w", err)
	}
	if d == nil || d.UserID != userID {
		return nil, models.NewNotFoundError(models.ErrDownloadNotFound, "Download not found")
	}

	now := g.now().UTC()
	if d.Status == models.DownloadStatusExpired {
		return nil, fmt.Errorf("%w: %s", models.ErrDownloadExpired, reasonLicenseExpired)
	}
	if d.Status != models.DownloadStatusCompleted {
		return nil, models.NewNotFoundError(models.ErrDownloadNotReady, fmt.Sprintf("Download is %s", d.Status))
	}
	if d.IsExpired(now) {
		if err := g.expire(ctx, d); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s", models.ErrDownloadExpired, reasonLicenseExpired)
	}

	reason, err := g.check(d)
	if err != nil {
		return nil, err
	}
	if reason != "" {
		return nil, g.fail(ctx, d, reason)
	}

	if err := g.downloads.Touch(ctx, d.ID, now); err != nil {
		g.logger.Warnf("Failed to record access to download %d: %v", d.ID, err)
	}
	g.recordPlay(ctx, d, now)
	g.tracker.Track(userID, deviceID, models.EventOfflinePlayback, map[string]interface{}{
		"download_id": d.ID,
		"song_id":     d.SongID,
		"quality":     string(d.Quality),
	})

	return &models.PlaybackInfo{
		DownloadID: d.ID,
		SongID:     d.SongID,
		Quality:    d.Quality,
		URL:        g.storage.PlaybackURL(*d.FilePath),
		FileSize:   d.Size(),
		ExpiresAt:  d.ExpiresAt,
	}, nil
}

// VerifyDevice runs the integrity check over every completed download of a
// device, expiring and demoting as it goes.
func (g *Gateway) VerifyDevice(ctx context.Context, userID int64, deviceID string) (*models.VerificationReport, error) {
	completed, err := g.downloads.ListByDevice(ctx, userID, deviceID, models.DownloadStatusCompleted)
	if err != nil {
		return nil, fmt.Errorf("failed to list completed downloads: %w", err)
	}

	now := g.now().UTC()
	report := &models.VerificationReport{
		UserID:   userID,
		DeviceID: deviceID,
		Issues:   []models.IntegrityIssue{},
		RanAt:    now,
	}

	for _, d := range completed {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		report.Checked++

		if d.IsExpired(now) {
			if err := g.expire(ctx, d); err != nil {
				return nil, err
			}
			report.Expired++
			continue
		}

		reason, err := g.check(d)
		if err != nil {
			g.logger.Warnf("Skipping verification of download %d: %v", d.ID, err)
			continue
		}
		if reason == "" {
			report.Healthy++
			continue
		}
		if err := g.fail(ctx, d, reason); !errors.Is(err, models.ErrIntegrity) {
			return nil, err
		}
		report.Issues = append(report.Issues, models.IntegrityIssue{DownloadID: d.ID, SongID: d.SongID, Reason: reason})
	}

	g.logger.WithFields(logrus.Fields{
		"user_id":   userID,
		"device_id": deviceID,
		"checked":   report.Checked,
		"healthy":   report.Healthy,
		"expired":   report.Expired,
		"issues":    len(report.Issues),
	}).Info("Verified offline downloads")
	return report, nil
}

// VerifyAll verifies every device holding completed downloads and returns
// the number of downloads demoted or expired.
func (g *Gateway) VerifyAll(ctx context.Context) (int, error) {
	devices, err := g.downloads.ListActiveDevices(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list active devices: %w", err)
	}

	total := 0
	for _, device := range devices {
		report, err := g.VerifyDevice(ctx, device.UserID, device.DeviceID)
		if err != nil {
			if ctx.Err() != nil {
				return total, ctx.Err()
			}
			g.logger.Errorf("Verification failed for user %d device %s: %v", device.UserID, device.DeviceID, err)
			continue
		}
		total += report.Expired + len(report.Issues)
	}
	return total, nil
}

// Start runs VerifyAll on the configured interval until Stop is called
func (g *Gateway) Start(ctx context.Context) {
	interval := time.Duration(g.cfg.VerifyIntervalHours) * time.Hour
	if interval <= 0 {
		interval = 24 * time.Hour
	}

	ctx, g.stop = context.WithCancel(ctx)
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				demoted, err := g.VerifyAll(ctx)
				if err != nil && ctx.Err() == nil {
					g.logger.Errorf("Scheduled verification failed: %v", err)
				}
				if demoted > 0 {
					g.logger.Infof("Scheduled verification demoted %d downloads", demoted)
				}
			}
		}
	}()
	g.logger.Infof("Download verification scheduled every %v", interval)
}

// Stop halts the periodic verifier
func (g *Gateway) Stop() {
	if g.stop != nil {
		g.stop()
	}
	g.wg.Wait()
}

// check returns a non-empty reason when the stored file does not match the
// row. An error means the check itself could not run.
func (g *Gateway) check(d *models.Download) (string, error) {
	if d.FilePath == nil || *d.FilePath == "" {
		return reasonMissingPath, nil
	}
	path := *d.FilePath

	exists, err := g.storage.Exists(path)
	if err != nil {
		return "", fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if !exists {
		return reasonFileMissing, nil
	}

	ok, err := g.storage.VerifyIntegrity(path, d.Size())
	if err != nil {
		return "", fmt.Errorf("failed to verify %s: %w", path, err)
	}
	if !ok {
		return reasonSizeMismatch, nil
	}

	if g.cfg.VerifyChecksums && d.Checksum != nil && *d.Checksum != "" {
		sum, err := g.storage.Checksum(path)
		if err != nil {
			return "", fmt.Errorf("failed to checksum %s: %w", path, err)
		}
		if sum != *d.Checksum {
			return reasonChecksumMismatch, nil
		}
	}
	return "", nil
}

// fail demotes a download to FAILED and drops whatever is left of its file
func (g *Gateway) fail(ctx context.Context, d *models.Download, reason string) error {
	if err := g.downloads.Invalidate(ctx, d.ID, models.DownloadStatusFailed, reason); err != nil {
		return fmt.Errorf("failed to demote download %d: %w", d.ID, err)
	}
	g.removeFile(d)

	g.logger.WithFields(logrus.Fields{
		"download_id": d.ID,
		"user_id":     d.UserID,
		"device_id":   d.DeviceID,
		"song_id":     d.SongID,
		"reason":      reason,
	}).Warn("Download failed integrity check")
	g.tracker.Track(d.UserID, d.DeviceID, models.EventIntegrityFailure, map[string]interface{}{
		"download_id": d.ID,
		"song_id":     d.SongID,
		"reason":      reason,
	})
	return &models.IntegrityError{DownloadID: d.ID, Reason: reason}
}

func (g *Gateway) expire(ctx context.Context, d *models.Download) error {
	if err := g.downloads.Invalidate(ctx, d.ID, models.DownloadStatusExpired, reasonLicenseExpired); err != nil {
		return fmt.Errorf("failed to expire download %d: %w", d.ID, err)
	}
	g.removeFile(d)
	g.logger.Infof("Expired download %d of song %d on device %s", d.ID, d.SongID, d.DeviceID)
	return nil
}

func (g *Gateway) removeFile(d *models.Download) {
	if d.FilePath == nil || *d.FilePath == "" {
		return
	}
	if err := g.storage.Delete(*d.FilePath); err != nil {
		g.logger.Warnf("Failed to delete file of download %d: %v", d.ID, err)
	}
}

func (g *Gateway) recordPlay(ctx context.Context, d *models.Download, at time.Time) {
	event := &models.PlayEvent{
		UserID:   d.UserID,
		SongID:   d.SongID,
		DeviceID: d.DeviceID,
		Offline:  true,
		PlayedAt: at,
	}
	song, err := g.catalog.GetSong(ctx, d.SongID)
	if err != nil {
		g.logger.Warnf("Failed to load song %d for play history: %v", d.SongID, err)
	}
	if song != nil {
		event.Genre = song.Genre
		event.ArtistID = song.ArtistID
	}
	if err := g.listening.RecordPlay(ctx, event); err != nil {
		g.logger.Warnf("Failed to record offline play of song %d: %v", d.SongID, err)
	}
}
