package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/fabienpiette/tunevault/internal/models"
)

const queueColumns = `id, user_id, device_id, content_type, content_id, priority, quality, source,
	status, total_songs, completed_songs, failed_songs, estimated_size, error_message,
	started_at, completed_at, created_at, updated_at`

// SQLiteQueueRepository implements QueueRepository using SQLite
type SQLiteQueueRepository struct {
	db *sqlx.DB
}

// NewQueueRepository creates a new SQLite-based queue repository
func NewQueueRepository(db *sqlx.DB) QueueRepository {
	return &SQLiteQueueRepository{db: db}
}

// Create inserts a new download queue item
func (r *SQLiteQueueRepository) Create(ctx context.Context, queue *models.DownloadQueue) error {
	now := time.Now().UTC()
	if queue.CreatedAt.IsZero() {
		queue.CreatedAt = now
	}
	queue.UpdatedAt = now
	if queue.Status == "" {
		queue.Status = models.QueueStatusPending
	}
	if queue.Source == "" {
		queue.Source = models.DownloadSourceManual
	}

	query := `
		INSERT INTO download_queues (
			user_id, device_id, content_type, content_id, priority, quality, source,
			status, total_songs, completed_songs, failed_songs, estimated_size,
			error_message, created_at, updated_at
		) VALUES (
			:user_id, :device_id, :content_type, :content_id, :priority, :quality, :source,
			:status, :total_songs, :completed_songs, :failed_songs, :estimated_size,
			:error_message, :created_at, :updated_at
		)`

	result, err := r.db.NamedExecContext(ctx, query, queue)
	if err != nil {
		return fmt.Errorf("failed to create download queue: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return err
	}

	queue.ID = id
	return nil
}

// GetByID retrieves a queue item by ID
func (r *SQLiteQueueRepository) GetByID(ctx context.Context, id int64) (*models.DownloadQueue, error) {
	queue := &models.DownloadQueue{}
	err := r.db.GetContext(ctx, queue, `SELECT `+queueColumns+` FROM download_queues WHERE id = ?`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return queue, nil
}

// List retrieves queue items with filtering and pagination
func (r *SQLiteQueueRepository) List(ctx context.Context, filters *QueueFilters) ([]*models.DownloadQueue, error) {
	var conditions []string
	var args []interface{}

	if filters == nil {
		filters = &QueueFilters{}
	}
	if filters.UserID != nil {
		conditions = append(conditions, "user_id = ?")
		args = append(args, *filters.UserID)
	}
	if filters.DeviceID != nil {
		conditions = append(conditions, "device_id = ?")
		args = append(args, *filters.DeviceID)
	}
	if len(filters.Statuses) > 0 {
		conditions = append(conditions, "status IN (?)")
		args = append(args, filters.Statuses)
	}

	query := `SELECT ` + queueColumns + ` FROM download_queues`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY priority ASC, created_at ASC, id ASC"
	if filters.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", filters.Limit, filters.Offset)
	}

	query, args, err := sqlx.In(query, args...)
	if err != nil {
		return nil, err
	}

	var queues []*models.DownloadQueue
	if err := r.db.SelectContext(ctx, &queues, r.db.Rebind(query), args...); err != nil {
		return nil, err
	}
	return queues, nil
}

// FindOpen returns a not-yet-finished queue for the same content on the same device
func (r *SQLiteQueueRepository) FindOpen(ctx context.Context, userID int64, deviceID string, contentType models.ContentType, contentID int64) (*models.DownloadQueue, error) {
	query := `SELECT ` + queueColumns + ` FROM download_queues
		WHERE user_id = ? AND device_id = ? AND content_type = ? AND content_id = ?
		  AND status IN (?, ?, ?)
		ORDER BY id DESC LIMIT 1`

	queue := &models.DownloadQueue{}
	err := r.db.GetContext(ctx, queue, query, userID, deviceID, contentType, contentID,
		models.QueueStatusPending, models.QueueStatusProcessing, models.QueueStatusPaused)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return queue, nil
}

// Transition performs a conditional status change
func (r *SQLiteQueueRepository) Transition(ctx context.Context, id int64, to models.QueueStatus, from ...models.QueueStatus) (bool, error) {
	now := time.Now().UTC()
	query := `UPDATE download_queues SET status = ?, updated_at = ?` + timestampColumns(to) + ` WHERE id = ?`
	args := []interface{}{to, now}
	args = append(args, timestampArgs(to, now)...)
	args = append(args, id)

	if len(from) > 0 {
		query += " AND status IN (?)"
		args = append(args, from)
	}

	query, args, err := sqlx.In(query, args...)
	if err != nil {
		return false, err
	}

	result, err := r.db.ExecContext(ctx, r.db.Rebind(query), args...)
	if err != nil {
		return false, fmt.Errorf("failed to transition queue %d to %s: %w", id, to, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// SetStatus sets the status unconditionally and records an optional error message
func (r *SQLiteQueueRepository) SetStatus(ctx context.Context, id int64, status models.QueueStatus, errorMessage *string) error {
	now := time.Now().UTC()
	query := `UPDATE download_queues SET status = ?, error_message = ?, updated_at = ?` + timestampColumns(status) + ` WHERE id = ?`
	args := []interface{}{status, errorMessage, now}
	args = append(args, timestampArgs(status, now)...)
	args = append(args, id)

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to set queue %d status: %w", id, err)
	}
	return nil
}

// Finish ends a PROCESSING queue with its final status and error message.
// It reports false when the queue was paused, cancelled or deleted meanwhile.
func (r *SQLiteQueueRepository) Finish(ctx context.Context, id int64, status models.QueueStatus, errorMessage *string) (bool, error) {
	now := time.Now().UTC()
	query := `UPDATE download_queues SET status = ?, error_message = ?, updated_at = ?` + timestampColumns(status) + ` WHERE id = ? AND status = ?`
	args := []interface{}{status, errorMessage, now}
	args = append(args, timestampArgs(status, now)...)
	args = append(args, id, models.QueueStatusProcessing)

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to finish queue %d: %w", id, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// UpdateProgress records batch counters
func (r *SQLiteQueueRepository) UpdateProgress(ctx context.Context, id int64, total, completed, failed int) error {
	query := `UPDATE download_queues
		SET total_songs = ?, completed_songs = ?, failed_songs = ?, updated_at = ?
		WHERE id = ?`
	_, err := r.db.ExecContext(ctx, query, total, completed, failed, time.Now().UTC(), id)
	return err
}

// ResetProcessing returns queues left PROCESSING by a previous run to PENDING,
// together with the downloads those runs left DOWNLOADING.
func (r *SQLiteQueueRepository) ResetProcessing(ctx context.Context) (int64, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	result, err := tx.ExecContext(ctx, `UPDATE download_queues SET status = ?, updated_at = ? WHERE status = ?`,
		models.QueueStatusPending, now, models.QueueStatusProcessing)
	if err != nil {
		return 0, err
	}
	reset, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}

	if _, err := tx.ExecContext(ctx, `UPDATE downloads SET status = ?, progress = 0, updated_at = ? WHERE status = ?`,
		models.DownloadStatusPending, now, models.DownloadStatusDownloading); err != nil {
		return 0, err
	}

	return reset, tx.Commit()
}

// Delete removes a queue item and its batch links
func (r *SQLiteQueueRepository) Delete(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM download_queues WHERE id = ?`, id)
	return err
}

// LinkDownload records that a download belongs to a queue batch
func (r *SQLiteQueueRepository) LinkDownload(ctx context.Context, queueID, downloadID int64, position int) error {
	query := `INSERT INTO download_batch_links (queue_id, download_id, position) VALUES (?, ?, ?)
		ON CONFLICT (queue_id, download_id) DO UPDATE SET position = excluded.position`
	_, err := r.db.ExecContext(ctx, query, queueID, downloadID, position)
	return err
}

// ListBatchDownloads returns the downloads of a batch in position order
func (r *SQLiteQueueRepository) ListBatchDownloads(ctx context.Context, queueID int64) ([]*models.Download, error) {
	query := `SELECT ` + prefixed("d", downloadColumns) + `
		FROM downloads d
		JOIN download_batch_links l ON l.download_id = d.id
		WHERE l.queue_id = ?
		ORDER BY l.position ASC`

	var downloads []*models.Download
	if err := r.db.SelectContext(ctx, &downloads, query, queueID); err != nil {
		return nil, err
	}
	return downloads, nil
}

func timestampColumns(status models.QueueStatus) string {
	switch {
	case status == models.QueueStatusProcessing:
		return ", started_at = ?"
	case status.IsTerminal():
		return ", completed_at = ?"
	}
	return ""
}

func timestampArgs(status models.QueueStatus, now time.Time) []interface{} {
	if status == models.QueueStatusProcessing || status.IsTerminal() {
		return []interface{}{now}
	}
	return nil
}

// prefixed qualifies a comma separated column list with a table alias
func prefixed(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
