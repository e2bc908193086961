package repositories

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/fabienpiette/tunevault/internal/models"
)

// SQLiteAnalyticsRepository implements AnalyticsRepository using SQLite
type SQLiteAnalyticsRepository struct {
	db *sqlx.DB
}

// NewAnalyticsRepository creates a new SQLite-based analytics repository
func NewAnalyticsRepository(db *sqlx.DB) AnalyticsRepository {
	return &SQLiteAnalyticsRepository{db: db}
}

type analyticsRow struct {
	ID        string    `db:"id"`
	UserID    int64     `db:"user_id"`
	DeviceID  string    `db:"device_id"`
	EventType string    `db:"event_type"`
	Payload   string    `db:"payload"`
	CreatedAt time.Time `db:"created_at"`
}

// Insert stores an analytics event with its payload encoded as JSON
func (r *SQLiteAnalyticsRepository) Insert(ctx context.Context, event *models.AnalyticsEvent) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode analytics payload: %w", err)
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	row := analyticsRow{
		ID:        event.ID,
		UserID:    event.UserID,
		DeviceID:  event.DeviceID,
		EventType: event.EventType,
		Payload:   string(payload),
		CreatedAt: event.CreatedAt,
	}
	query := `INSERT INTO analytics_events (id, user_id, device_id, event_type, payload, created_at)
		VALUES (:id, :user_id, :device_id, :event_type, :payload, :created_at)`
	_, err = r.db.NamedExecContext(ctx, query, row)
	return err
}

// ListByType returns the most recent events of one type
func (r *SQLiteAnalyticsRepository) ListByType(ctx context.Context, eventType string, limit int) ([]*models.AnalyticsEvent, error) {
	var rows []analyticsRow
	query := `SELECT id, user_id, device_id, event_type, payload, created_at FROM analytics_events
		WHERE event_type = ? ORDER BY created_at DESC LIMIT ?`
	if err := r.db.SelectContext(ctx, &rows, query, eventType, limit); err != nil {
		return nil, err
	}

	events := make([]*models.AnalyticsEvent, 0, len(rows))
	for _, row := range rows {
		event := &models.AnalyticsEvent{
			ID:        row.ID,
			UserID:    row.UserID,
			DeviceID:  row.DeviceID,
			EventType: row.EventType,
			CreatedAt: row.CreatedAt,
		}
		if err := json.Unmarshal([]byte(row.Payload), &event.Payload); err != nil {
			return nil, fmt.Errorf("failed to decode analytics payload %s: %w", row.ID, err)
		}
		events = append(events, event)
	}
	return events, nil
}
