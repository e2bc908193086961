package analytics

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabienpiette/tunevault/internal/models"
	"github.com/fabienpiette/tunevault/internal/repositories"
	"github.com/fabienpiette/tunevault/internal/testutil"
)

type failingRepo struct {
	mu    sync.Mutex
	calls int
}

func (f *failingRepo) Insert(ctx context.Context, event *models.AnalyticsEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return errors.New("disk full")
}

func (f *failingRepo) ListByType(ctx context.Context, eventType string, limit int) ([]*models.AnalyticsEvent, error) {
	return nil, nil
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestRecorder_PersistsEvents(t *testing.T) {
	db := testutil.SetupTestDB(t)
	repo := repositories.NewAnalyticsRepository(db.DB)

	recorder := NewRecorder(repo, 16, quietLogger())
	recorder.Start()

	recorder.Track(1, "phone", models.EventDownloadEvicted, map[string]interface{}{
		"song_id": 42,
		"reason":  "expired download",
	})
	recorder.Track(1, "phone", models.EventDownloadEvicted, map[string]interface{}{"song_id": 43})
	recorder.Stop()

	events, err := repo.ListByType(context.Background(), models.EventDownloadEvicted, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	for _, e := range events {
		assert.NotEmpty(t, e.ID)
		assert.Equal(t, int64(1), e.UserID)
		assert.Equal(t, "phone", e.DeviceID)
	}
}

func TestRecorder_SwallowsStorageErrors(t *testing.T) {
	repo := &failingRepo{}
	recorder := NewRecorder(repo, 4, quietLogger())
	recorder.Start()

	assert.NotPanics(t, func() {
		recorder.Track(1, "phone", models.EventSyncCompleted, nil)
	})
	recorder.Stop()

	assert.Equal(t, 1, repo.calls)
}

func TestRecorder_DropsWhenFull(t *testing.T) {
	repo := &failingRepo{}
	recorder := NewRecorder(repo, 1, quietLogger())

	recorder.Track(1, "phone", models.EventQueueFinished, nil)
	recorder.Track(1, "phone", models.EventQueueFinished, nil)
	recorder.Track(1, "phone", models.EventQueueFinished, nil)

	recorder.Start()
	recorder.Stop()
	assert.Equal(t, 1, repo.calls)
}

func TestRecorder_TrackAfterStop(t *testing.T) {
	repo := &failingRepo{}
	recorder := NewRecorder(repo, 4, quietLogger())
	recorder.Start()
	recorder.Stop()
	recorder.Stop()

	assert.NotPanics(t, func() {
		recorder.Track(1, "phone", models.EventQueueFinished, nil)
	})
	assert.Equal(t, 0, repo.calls)
}
