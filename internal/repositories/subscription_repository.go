package repositories

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/fabienpiette/tunevault/internal/models"
)

// SQLiteSubscriptionRepository implements SubscriptionRepository using SQLite
type SQLiteSubscriptionRepository struct {
	db *sqlx.DB
}

// NewSubscriptionRepository creates a new SQLite-based subscription repository
func NewSubscriptionRepository(db *sqlx.DB) SubscriptionRepository {
	return &SQLiteSubscriptionRepository{db: db}
}

// GetUserTier returns the tier of a user, or nil when the user has no subscription
func (r *SQLiteSubscriptionRepository) GetUserTier(ctx context.Context, userID int64) (*models.SubscriptionTier, error) {
	query := `SELECT t.name, t.max_downloads, t.max_storage_limit
		FROM user_subscriptions s
		JOIN subscription_tiers t ON t.name = s.tier_name
		WHERE s.user_id = ?`

	tier := &models.SubscriptionTier{}
	if err := r.db.GetContext(ctx, tier, query, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return tier, nil
}

// GetTier returns a tier by name
func (r *SQLiteSubscriptionRepository) GetTier(ctx context.Context, name string) (*models.SubscriptionTier, error) {
	tier := &models.SubscriptionTier{}
	query := `SELECT name, max_downloads, max_storage_limit FROM subscription_tiers WHERE name = ?`
	if err := r.db.GetContext(ctx, tier, query, name); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return tier, nil
}

// SetUserTier assigns a tier to a user
func (r *SQLiteSubscriptionRepository) SetUserTier(ctx context.Context, userID int64, tier string) error {
	query := `INSERT INTO user_subscriptions (user_id, tier_name, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET tier_name = excluded.tier_name, updated_at = excluded.updated_at`
	_, err := r.db.ExecContext(ctx, query, userID, tier, time.Now().UTC())
	return err
}
