package repositories

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/fabienpiette/tunevault/internal/models"
)

const playColumns = `id, user_id, song_id, device_id, genre, artist_id, skipped, offline, duration_played_ms, played_at`

// SQLiteListeningRepository implements ListeningRepository using SQLite
type SQLiteListeningRepository struct {
	db *sqlx.DB
}

// NewListeningRepository creates a new SQLite-based listening repository
func NewListeningRepository(db *sqlx.DB) ListeningRepository {
	return &SQLiteListeningRepository{db: db}
}

// RecordPlay appends a play event
func (r *SQLiteListeningRepository) RecordPlay(ctx context.Context, event *models.PlayEvent) error {
	if event.PlayedAt.IsZero() {
		event.PlayedAt = time.Now().UTC()
	}
	query := `INSERT INTO play_events (
			user_id, song_id, device_id, genre, artist_id, skipped, offline, duration_played_ms, played_at
		) VALUES (
			:user_id, :song_id, :device_id, :genre, :artist_id, :skipped, :offline, :duration_played_ms, :played_at
		)`

	result, err := r.db.NamedExecContext(ctx, query, event)
	if err != nil {
		return fmt.Errorf("failed to record play: %w", err)
	}
	event.ID, err = result.LastInsertId()
	return err
}

// ListPlays returns a user's plays since a point in time, oldest first
func (r *SQLiteListeningRepository) ListPlays(ctx context.Context, userID int64, since time.Time) ([]*models.PlayEvent, error) {
	var plays []*models.PlayEvent
	query := `SELECT ` + playColumns + ` FROM play_events WHERE user_id = ? AND played_at >= ? ORDER BY played_at ASC, id ASC`
	if err := r.db.SelectContext(ctx, &plays, query, userID, since.UTC()); err != nil {
		return nil, err
	}
	return plays, nil
}

// ListPlaysByUsers returns plays of several users since a point in time
func (r *SQLiteListeningRepository) ListPlaysByUsers(ctx context.Context, userIDs []int64, since time.Time) ([]*models.PlayEvent, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`SELECT `+playColumns+` FROM play_events
		WHERE user_id IN (?) AND played_at >= ? ORDER BY played_at ASC, id ASC`, userIDs, since.UTC())
	if err != nil {
		return nil, err
	}

	var plays []*models.PlayEvent
	if err := r.db.SelectContext(ctx, &plays, r.db.Rebind(query), args...); err != nil {
		return nil, err
	}
	return plays, nil
}

// ListFollowees returns the users a user follows
func (r *SQLiteListeningRepository) ListFollowees(ctx context.Context, userID int64) ([]int64, error) {
	var ids []int64
	query := `SELECT followee_id FROM user_follows WHERE follower_id = ? ORDER BY followee_id`
	if err := r.db.SelectContext(ctx, &ids, query, userID); err != nil {
		return nil, err
	}
	return ids, nil
}

// Follow records a follow relationship
func (r *SQLiteListeningRepository) Follow(ctx context.Context, followerID, followeeID int64) error {
	_, err := r.db.ExecContext(ctx, `INSERT OR IGNORE INTO user_follows (follower_id, followee_id, created_at) VALUES (?, ?, ?)`,
		followerID, followeeID, time.Now().UTC())
	return err
}

// TopGenres returns a user's most played genres, scored relative to the top one
func (r *SQLiteListeningRepository) TopGenres(ctx context.Context, userID int64, since time.Time, limit int) ([]models.Affinity, error) {
	query := `SELECT genre AS "key", COUNT(*) AS plays FROM play_events
		WHERE user_id = ? AND played_at >= ? AND skipped = 0 AND genre != ''
		GROUP BY genre ORDER BY plays DESC, genre ASC LIMIT ?`

	var rows []models.Affinity
	if err := r.db.SelectContext(ctx, &rows, query, userID, since.UTC(), limit); err != nil {
		return nil, err
	}
	return normalizeAffinities(rows), nil
}

// TopArtists returns a user's most played artists, scored relative to the top one
func (r *SQLiteListeningRepository) TopArtists(ctx context.Context, userID int64, since time.Time, limit int) ([]models.Affinity, error) {
	query := `SELECT artist_id AS id, COUNT(*) AS plays FROM play_events
		WHERE user_id = ? AND played_at >= ? AND skipped = 0 AND artist_id != 0
		GROUP BY artist_id ORDER BY plays DESC, artist_id ASC LIMIT ?`

	var rows []models.Affinity
	if err := r.db.SelectContext(ctx, &rows, query, userID, since.UTC(), limit); err != nil {
		return nil, err
	}
	for i := range rows {
		rows[i].Key = strconv.FormatInt(rows[i].ID, 10)
	}
	return normalizeAffinities(rows), nil
}

func normalizeAffinities(rows []models.Affinity) []models.Affinity {
	if len(rows) == 0 {
		return rows
	}
	top := float64(rows[0].Plays)
	for i := range rows {
		rows[i].Score = float64(rows[i].Plays) / top
	}
	return rows
}
