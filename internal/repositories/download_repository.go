package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/fabienpiette/tunevault/internal/models"
)

const downloadColumns = `id, user_id, song_id, device_id, quality, status, file_path, file_size,
	checksum, progress, last_accessed_at, download_completed_at, expires_at, error_message,
	created_at, updated_at`

// SQLiteDownloadRepository implements DownloadRepository using SQLite
type SQLiteDownloadRepository struct {
	db *sqlx.DB
}

// NewDownloadRepository creates a new SQLite-based download repository
func NewDownloadRepository(db *sqlx.DB) DownloadRepository {
	return &SQLiteDownloadRepository{db: db}
}

// Create inserts a new download row
func (r *SQLiteDownloadRepository) Create(ctx context.Context, download *models.Download) error {
	now := time.Now().UTC()
	if download.CreatedAt.IsZero() {
		download.CreatedAt = now
	}
	download.UpdatedAt = now
	if download.Status == "" {
		download.Status = models.DownloadStatusPending
	}

	query := `
		INSERT INTO downloads (
			user_id, song_id, device_id, quality, status, file_path, file_size, checksum,
			progress, last_accessed_at, download_completed_at, expires_at, error_message,
			created_at, updated_at
		) VALUES (
			:user_id, :song_id, :device_id, :quality, :status, :file_path, :file_size, :checksum,
			:progress, :last_accessed_at, :download_completed_at, :expires_at, :error_message,
			:created_at, :updated_at
		)`

	result, err := r.db.NamedExecContext(ctx, query, download)
	if err != nil {
		return fmt.Errorf("failed to create download: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return err
	}

	download.ID = id
	return nil
}

// GetByID retrieves a download by ID
func (r *SQLiteDownloadRepository) GetByID(ctx context.Context, id int64) (*models.Download, error) {
	return r.getOne(ctx, `SELECT `+downloadColumns+` FROM downloads WHERE id = ?`, id)
}

// Find retrieves the download of a song on a device
func (r *SQLiteDownloadRepository) Find(ctx context.Context, userID, songID int64, deviceID string) (*models.Download, error) {
	query := `SELECT ` + downloadColumns + ` FROM downloads WHERE user_id = ? AND song_id = ? AND device_id = ?`
	return r.getOne(ctx, query, userID, songID, deviceID)
}

func (r *SQLiteDownloadRepository) getOne(ctx context.Context, query string, args ...interface{}) (*models.Download, error) {
	download := &models.Download{}
	if err := r.db.GetContext(ctx, download, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return download, nil
}

// Reset prepares a failed, expired or cancelled row for a fresh transfer
func (r *SQLiteDownloadRepository) Reset(ctx context.Context, id int64, quality models.Quality) error {
	query := `UPDATE downloads SET
			quality = ?, status = ?, progress = 0, file_path = NULL, file_size = NULL,
			checksum = NULL, download_completed_at = NULL, expires_at = NULL,
			error_message = NULL, updated_at = ?
		WHERE id = ?`
	_, err := r.db.ExecContext(ctx, query, quality, models.DownloadStatusPending, time.Now().UTC(), id)
	return err
}

// UpdateStatus changes the status of a download that has no file attached
func (r *SQLiteDownloadRepository) UpdateStatus(ctx context.Context, id int64, status models.DownloadStatus, errorMessage *string) error {
	if status == models.DownloadStatusCompleted {
		return fmt.Errorf("use Complete to mark download %d completed", id)
	}
	query := `UPDATE downloads SET status = ?, error_message = ?, file_path = NULL, file_size = NULL, updated_at = ? WHERE id = ?`
	_, err := r.db.ExecContext(ctx, query, status, errorMessage, time.Now().UTC(), id)
	return err
}

// UpdateProgress records transfer progress in percent
func (r *SQLiteDownloadRepository) UpdateProgress(ctx context.Context, id int64, progress int) error {
	_, err := r.db.ExecContext(ctx, `UPDATE downloads SET progress = ?, updated_at = ? WHERE id = ?`,
		progress, time.Now().UTC(), id)
	return err
}

// Complete records the final artifact and flips the download to COMPLETED
func (r *SQLiteDownloadRepository) Complete(ctx context.Context, id int64, result *CompletedFile) error {
	query := `UPDATE downloads SET
			status = ?, file_path = ?, file_size = ?, checksum = ?, progress = 100,
			download_completed_at = ?, expires_at = ?, error_message = NULL, updated_at = ?
		WHERE id = ?`
	_, err := r.db.ExecContext(ctx, query, models.DownloadStatusCompleted, result.FilePath, result.FileSize,
		result.Checksum, result.CompletedAt.UTC(), result.ExpiresAt, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to complete download %d: %w", id, err)
	}
	return nil
}

// Invalidate demotes a download and clears its file fields
func (r *SQLiteDownloadRepository) Invalidate(ctx context.Context, id int64, status models.DownloadStatus, reason string) error {
	if status == models.DownloadStatusCompleted {
		return fmt.Errorf("cannot invalidate download %d into completed", id)
	}
	query := `UPDATE downloads SET
			status = ?, file_path = NULL, file_size = NULL, checksum = NULL, progress = 0,
			error_message = ?, updated_at = ?
		WHERE id = ?`
	_, err := r.db.ExecContext(ctx, query, status, reason, time.Now().UTC(), id)
	return err
}

// Touch records an offline playback access
func (r *SQLiteDownloadRepository) Touch(ctx context.Context, id int64, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `UPDATE downloads SET last_accessed_at = ? WHERE id = ?`, at.UTC(), id)
	return err
}

// Delete removes a download row
func (r *SQLiteDownloadRepository) Delete(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM downloads WHERE id = ?`, id)
	return err
}

// ListByDevice returns a device's downloads, optionally restricted to some statuses
func (r *SQLiteDownloadRepository) ListByDevice(ctx context.Context, userID int64, deviceID string, statuses ...models.DownloadStatus) ([]*models.Download, error) {
	query := `SELECT ` + downloadColumns + ` FROM downloads WHERE user_id = ? AND device_id = ?`
	args := []interface{}{userID, deviceID}
	if len(statuses) > 0 {
		query += " AND status IN (?)"
		args = append(args, statuses)
	}
	query += " ORDER BY id ASC"

	query, args, err := sqlx.In(query, args...)
	if err != nil {
		return nil, err
	}

	var downloads []*models.Download
	if err := r.db.SelectContext(ctx, &downloads, r.db.Rebind(query), args...); err != nil {
		return nil, err
	}
	return downloads, nil
}

// CountByStatus returns the number of downloads per status on a device
func (r *SQLiteDownloadRepository) CountByStatus(ctx context.Context, userID int64, deviceID string) (map[models.DownloadStatus]int, error) {
	var rows []struct {
		Status models.DownloadStatus `db:"status"`
		Count  int                   `db:"count"`
	}
	query := `SELECT status, COUNT(*) AS count FROM downloads WHERE user_id = ? AND device_id = ? GROUP BY status`
	if err := r.db.SelectContext(ctx, &rows, query, userID, deviceID); err != nil {
		return nil, err
	}

	counts := make(map[models.DownloadStatus]int, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}

// ListUserDevices returns every device of a user that has any download
func (r *SQLiteDownloadRepository) ListUserDevices(ctx context.Context, userID int64) ([]string, error) {
	var devices []string
	query := `SELECT DISTINCT device_id FROM downloads WHERE user_id = ? ORDER BY device_id`
	if err := r.db.SelectContext(ctx, &devices, query, userID); err != nil {
		return nil, err
	}
	return devices, nil
}

// ListActiveDevices returns every (user, device) pair holding completed downloads
func (r *SQLiteDownloadRepository) ListActiveDevices(ctx context.Context) ([]models.DeviceKey, error) {
	var keys []models.DeviceKey
	query := `SELECT DISTINCT user_id, device_id FROM downloads WHERE status = ? ORDER BY user_id, device_id`
	if err := r.db.SelectContext(ctx, &keys, query, models.DownloadStatusCompleted); err != nil {
		return nil, err
	}
	return keys, nil
}

// GetDeviceUsage recomputes storage usage from completed downloads
func (r *SQLiteDownloadRepository) GetDeviceUsage(ctx context.Context, userID int64, deviceID string) (*models.DeviceStorageUsage, error) {
	usage := &models.DeviceStorageUsage{UserID: userID, DeviceID: deviceID}
	query := `SELECT COALESCE(SUM(file_size), 0) AS total_storage_used, COUNT(*) AS download_count
		FROM downloads WHERE user_id = ? AND device_id = ? AND status = ?`

	row := r.db.QueryRowxContext(ctx, query, userID, deviceID, models.DownloadStatusCompleted)
	if err := row.Scan(&usage.TotalStorageUsed, &usage.DownloadCount); err != nil {
		return nil, fmt.Errorf("failed to compute usage for device %s: %w", deviceID, err)
	}
	usage.ComputedAt = time.Now().UTC()
	return usage, nil
}
