package repositories

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/fabienpiette/tunevault/internal/models"
)

const songColumns = `id, title, artist_id, artist_name, album_id, genre, duration_ms, popularity`

// SQLiteCatalogRepository implements CatalogRepository using SQLite
type SQLiteCatalogRepository struct {
	db *sqlx.DB
}

// NewCatalogRepository creates a new SQLite-based catalog repository
func NewCatalogRepository(db *sqlx.DB) CatalogRepository {
	return &SQLiteCatalogRepository{db: db}
}

// GetSong retrieves a song by ID
func (r *SQLiteCatalogRepository) GetSong(ctx context.Context, id int64) (*models.Song, error) {
	song := &models.Song{}
	if err := r.db.GetContext(ctx, song, `SELECT `+songColumns+` FROM songs WHERE id = ?`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return song, nil
}

// GetSongs retrieves several songs; unknown IDs are skipped
func (r *SQLiteCatalogRepository) GetSongs(ctx context.Context, ids []int64) ([]*models.Song, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`SELECT `+songColumns+` FROM songs WHERE id IN (?) ORDER BY id`, ids)
	if err != nil {
		return nil, err
	}

	var songs []*models.Song
	if err := r.db.SelectContext(ctx, &songs, r.db.Rebind(query), args...); err != nil {
		return nil, err
	}
	return songs, nil
}

// PlaylistExists reports whether a playlist exists
func (r *SQLiteCatalogRepository) PlaylistExists(ctx context.Context, id int64) (bool, error) {
	return r.exists(ctx, `SELECT EXISTS (SELECT 1 FROM playlists WHERE id = ?)`, id)
}

// AlbumExists reports whether an album exists
func (r *SQLiteCatalogRepository) AlbumExists(ctx context.Context, id int64) (bool, error) {
	return r.exists(ctx, `SELECT EXISTS (SELECT 1 FROM albums WHERE id = ?)`, id)
}

func (r *SQLiteCatalogRepository) exists(ctx context.Context, query string, id int64) (bool, error) {
	var found bool
	if err := r.db.GetContext(ctx, &found, query, id); err != nil {
		return false, err
	}
	return found, nil
}

// GetPlaylistSongIDs returns a playlist's songs in playlist order
func (r *SQLiteCatalogRepository) GetPlaylistSongIDs(ctx context.Context, playlistID int64) ([]int64, error) {
	var ids []int64
	query := `SELECT song_id FROM playlist_songs WHERE playlist_id = ? ORDER BY position ASC`
	if err := r.db.SelectContext(ctx, &ids, query, playlistID); err != nil {
		return nil, err
	}
	return ids, nil
}

// GetAlbumSongIDs returns an album's songs in track order
func (r *SQLiteCatalogRepository) GetAlbumSongIDs(ctx context.Context, albumID int64) ([]int64, error) {
	var ids []int64
	query := `SELECT id FROM songs WHERE album_id = ? ORDER BY track_number ASC, id ASC`
	if err := r.db.SelectContext(ctx, &ids, query, albumID); err != nil {
		return nil, err
	}
	return ids, nil
}

// FindByTaste returns popular songs in any of the given genres or by any of the given artists
func (r *SQLiteCatalogRepository) FindByTaste(ctx context.Context, genres []string, artistIDs []int64, limit int) ([]*models.Song, error) {
	var conditions []string
	var args []interface{}
	if len(genres) > 0 {
		conditions = append(conditions, "genre IN (?)")
		args = append(args, genres)
	}
	if len(artistIDs) > 0 {
		conditions = append(conditions, "artist_id IN (?)")
		args = append(args, artistIDs)
	}
	if len(conditions) == 0 {
		return nil, nil
	}

	query := `SELECT ` + songColumns + ` FROM songs WHERE ` + strings.Join(conditions, " OR ") +
		` ORDER BY popularity DESC, id ASC LIMIT ?`
	args = append(args, limit)

	query, args, err := sqlx.In(query, args...)
	if err != nil {
		return nil, err
	}

	var songs []*models.Song
	if err := r.db.SelectContext(ctx, &songs, r.db.Rebind(query), args...); err != nil {
		return nil, err
	}
	return songs, nil
}
