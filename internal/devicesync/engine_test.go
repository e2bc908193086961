package devicesync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabienpiette/tunevault/internal/models"
	"github.com/fabienpiette/tunevault/internal/repositories"
	"github.com/fabienpiette/tunevault/internal/testutil"
)

type stubCapacity struct {
	slots        int
	bytes        int64
	maxDownloads int
}

func (c *stubCapacity) Limits(ctx context.Context, userID int64, deviceID string) (*models.DeviceLimits, error) {
	return &models.DeviceLimits{UserID: userID, DeviceID: deviceID, MaxDownloads: c.maxDownloads}, nil
}

func (c *stubCapacity) FreeCapacity(ctx context.Context, userID int64, deviceID string) (int, int64, error) {
	return c.slots, c.bytes, nil
}

type stubRequester struct {
	mu       sync.Mutex
	requests []models.DownloadRequest
	deleted  []int64
	reject   map[int64]error
}

func (r *stubRequester) RequestDownload(ctx context.Context, userID int64, req *models.DownloadRequest) (*models.DownloadQueue, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.reject[req.ContentID]; err != nil {
		return nil, err
	}
	r.requests = append(r.requests, *req)
	return &models.DownloadQueue{ID: int64(len(r.requests)), UserID: userID, DeviceID: req.DeviceID}, nil
}

func (r *stubRequester) DeleteDownload(ctx context.Context, userID, downloadID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleted = append(r.deleted, downloadID)
	return nil
}

func (r *stubRequester) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.requests)
}

func (r *stubRequester) songs() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var songs []int64
	for _, req := range r.requests {
		songs = append(songs, req.ContentID)
	}
	return songs
}

func (r *stubRequester) devices() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var devices []string
	for _, req := range r.requests {
		devices = append(devices, req.DeviceID)
	}
	return devices
}

type stubNetwork struct {
	mu      sync.Mutex
	network models.NetworkContext
	known   bool
}

func (n *stubNetwork) CurrentNetwork(ctx context.Context, userID int64, deviceID string) (models.NetworkContext, bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.network, n.known, nil
}

func (n *stubNetwork) report(network models.NetworkContext) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.network = network
	n.known = true
}

type fixture struct {
	engine    *Engine
	seed      *testutil.Seeder
	capacity  *stubCapacity
	requester *stubRequester
	network   *stubNetwork
	kv        *testutil.MemoryStore
	sink      *testutil.EventSink
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.SetupTestDB(t)
	cfg := testutil.GetTestConfig(t)

	f := &fixture{
		seed:      testutil.NewSeeder(t, db),
		capacity:  &stubCapacity{slots: 100, bytes: 1 << 40, maxDownloads: 100},
		requester: &stubRequester{reject: make(map[int64]error)},
		network:   &stubNetwork{},
		kv:        testutil.NewMemoryStore(),
		sink:      &testutil.EventSink{},
	}
	f.engine = NewEngine(repositories.NewDownloadRepository(db.DB), f.capacity, f.requester, f.network, f.kv, f.sink, cfg.Sync, testutil.SetupTestLogger(t))
	t.Cleanup(f.engine.Stop)
	return f
}

func (f *fixture) holding(deviceID string, songIDs ...int64) map[int64]*models.Download {
	held := make(map[int64]*models.Download)
	for _, songID := range songIDs {
		held[songID] = f.seed.Completed(1, deviceID, songID, 100)
	}
	return held
}

// device registers a device that holds nothing playable yet
func (f *fixture) device(deviceID string) {
	f.seed.Download(models.Download{UserID: 1, SongID: 999, DeviceID: deviceID, Status: models.DownloadStatusFailed})
}

func (f *fixture) holdingAt(deviceID string, songID int64, quality models.Quality) {
	path := fmt.Sprintf("1/%s/%d_%s.mp3", deviceID, songID, quality)
	size := int64(100)
	completed := time.Now().UTC()
	f.seed.Download(models.Download{
		UserID:              1,
		SongID:              songID,
		DeviceID:            deviceID,
		Quality:             quality,
		Status:              models.DownloadStatusCompleted,
		FilePath:            &path,
		FileSize:            &size,
		Progress:            100,
		DownloadCompletedAt: &completed,
	})
}

func TestEngine_Sync_SingleDeviceIsNoop(t *testing.T) {
	f := newFixture(t)
	f.holding("phone", 1, 2, 3)

	result, err := f.engine.Sync(context.Background(), 1, models.SyncOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, result.DeviceCount)
	assert.Empty(t, result.Recommendations)
	assert.Empty(t, result.Conflicts)
	assert.Zero(t, f.requester.count())
	assert.False(t, f.kv.Has("sync:last:1"))
}

func TestEngine_Sync_NoDevices(t *testing.T) {
	f := newFixture(t)

	result, err := f.engine.Sync(context.Background(), 1, models.SyncOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, result.DeviceCount)
	assert.Empty(t, result.Recommendations)
}

func TestEngine_Sync_AddsMissingSongs(t *testing.T) {
	f := newFixture(t)
	f.holding("a", 1, 2, 3)
	f.holding("b", 1)

	result, err := f.engine.Sync(context.Background(), 1, models.SyncOptions{})
	require.NoError(t, err)

	assert.Equal(t, 2, result.DeviceCount)
	assert.Equal(t, "a", result.ReferenceDevice)
	assert.Empty(t, result.Conflicts)
	require.Len(t, result.Recommendations, 1)

	rec := result.Recommendations[0]
	assert.Equal(t, "b", rec.DeviceID)
	assert.Equal(t, []int64{2, 3}, rec.SongsToAdd)
	assert.Empty(t, rec.SongsToRemove)
	assert.Equal(t, 3, rec.Priority)
	assert.Equal(t, 2, result.SongsQueued)

	assert.Equal(t, []int64{2, 3}, f.requester.songs())
	for _, req := range f.requester.requests {
		assert.Equal(t, "b", req.DeviceID)
		assert.Equal(t, models.ContentTypeSong, req.ContentType)
		assert.Equal(t, models.DownloadSourceSync, req.Source)
		assert.Equal(t, models.QualityHigh, req.Quality)
		assert.Equal(t, 3, req.Priority)
	}

	assert.True(t, f.kv.Has("sync:last:1"))
	assert.Len(t, f.sink.Events(models.EventSyncCompleted), 1)
}

func TestEngine_Sync_ReferenceTieGoesToSmallestID(t *testing.T) {
	f := newFixture(t)
	f.holding("tablet", 1, 2)
	f.holding("phone", 3, 4)

	result, err := f.engine.Sync(context.Background(), 1, models.SyncOptions{DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, "phone", result.ReferenceDevice)
	require.Len(t, result.Recommendations, 1)
	assert.Equal(t, "tablet", result.Recommendations[0].DeviceID)
	assert.Equal(t, []int64{3, 4}, result.Recommendations[0].SongsToAdd)
}

func TestEngine_Sync_RespectsTargetCapacity(t *testing.T) {
	f := newFixture(t)
	f.holding("a", 1, 2, 3, 4)
	f.device("b")

	f.capacity.slots = 2
	result, err := f.engine.Sync(context.Background(), 1, models.SyncOptions{DryRun: true})
	require.NoError(t, err)
	require.Len(t, result.Recommendations, 1)
	assert.Equal(t, []int64{1, 2}, result.Recommendations[0].SongsToAdd)
	assert.Equal(t, 4, result.Recommendations[0].MissingCount)

	f.capacity.slots = 10
	f.capacity.bytes = 250
	result, err = f.engine.Sync(context.Background(), 1, models.SyncOptions{DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, result.Recommendations[0].SongsToAdd, "only two 100 byte songs fit in 250 bytes")
}

func TestEngine_Sync_SkipsSongsInFlight(t *testing.T) {
	f := newFixture(t)
	f.holding("a", 1, 2, 3)
	f.holding("b", 1)
	f.seed.Download(models.Download{UserID: 1, SongID: 2, DeviceID: "b", Status: models.DownloadStatusDownloading})

	result, err := f.engine.Sync(context.Background(), 1, models.SyncOptions{DryRun: true})
	require.NoError(t, err)
	require.Len(t, result.Recommendations, 1)
	assert.Equal(t, []int64{3}, result.Recommendations[0].SongsToAdd)
}

func TestEngine_Sync_QualityMismatchIsReportedNotFixed(t *testing.T) {
	f := newFixture(t)
	f.holdingAt("a", 1, models.QualityHigh)
	f.holdingAt("a", 2, models.QualityHigh)
	f.holdingAt("b", 1, models.QualityLow)
	f.holdingAt("b", 2, models.QualityHigh)

	result, err := f.engine.Sync(context.Background(), 1, models.SyncOptions{})
	require.NoError(t, err)

	require.Len(t, result.Conflicts, 1)
	conflict := result.Conflicts[0]
	assert.Equal(t, models.ConflictQualityMismatch, conflict.Type)
	assert.Equal(t, int64(1), conflict.SongID)
	assert.Equal(t, map[string]models.Quality{"a": models.QualityHigh, "b": models.QualityLow}, conflict.Qualities)

	assert.Empty(t, result.Recommendations)
	assert.Zero(t, f.requester.count())
	assert.Empty(t, f.requester.deleted)
}

func TestEngine_Sync_RemovesExtraWhenOverLimit(t *testing.T) {
	f := newFixture(t)
	f.holding("a", 1, 2, 3, 4)
	held := f.holding("b", 1, 8, 9)
	f.capacity.maxDownloads = 1
	f.capacity.slots = 0

	result, err := f.engine.Sync(context.Background(), 1, models.SyncOptions{})
	require.NoError(t, err)
	require.Len(t, result.Recommendations, 1)

	rec := result.Recommendations[0]
	assert.Empty(t, rec.SongsToAdd)
	assert.ElementsMatch(t, []int64{8, 9}, rec.SongsToRemove)
	assert.Equal(t, 3, rec.Priority)
	assert.Equal(t, 2, result.SongsRemoved)
	assert.ElementsMatch(t, []int64{held[8].ID, held[9].ID}, f.requester.deleted)
}

func TestEngine_Sync_CleanupOnlyPriority(t *testing.T) {
	f := newFixture(t)
	f.holding("b", 1, 2, 3, 4)
	f.holding("c", 1, 2, 3, 9)
	f.seed.Download(models.Download{UserID: 1, SongID: 4, DeviceID: "c", Status: models.DownloadStatusDownloading})
	f.capacity.maxDownloads = 2

	result, err := f.engine.Sync(context.Background(), 1, models.SyncOptions{DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, "b", result.ReferenceDevice)
	require.Len(t, result.Recommendations, 1)

	rec := result.Recommendations[0]
	assert.Equal(t, "c", rec.DeviceID)
	assert.Empty(t, rec.SongsToAdd)
	assert.Equal(t, []int64{9}, rec.SongsToRemove)
	assert.Equal(t, 4, rec.Priority)
}

func TestEngine_Sync_RecordsRejectionsWithoutAborting(t *testing.T) {
	f := newFixture(t)
	f.holding("a", 1, 2, 3)
	f.device("b")
	f.requester.reject[2] = &models.QuotaExceededError{Reason: "Storage limit exceeded"}

	result, err := f.engine.Sync(context.Background(), 1, models.SyncOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, result.SongsQueued)
	require.Len(t, result.Failures, 1)
	assert.Equal(t, int64(2), result.Failures[0].SongID)
	assert.Equal(t, "add", result.Failures[0].Action)
	assert.Equal(t, "Storage limit exceeded", result.Failures[0].Reason)
}

func TestEngine_Sync_DryRun(t *testing.T) {
	f := newFixture(t)
	f.holding("a", 1, 2, 3)
	f.holding("b", 1)

	result, err := f.engine.Sync(context.Background(), 1, models.SyncOptions{DryRun: true})
	require.NoError(t, err)
	assert.True(t, result.DryRun)
	require.Len(t, result.Recommendations, 1)
	assert.Zero(t, result.SongsQueued)
	assert.Zero(t, f.requester.count())
	assert.False(t, f.kv.Has("sync:last:1"))
}

func TestEngine_GenerateReport(t *testing.T) {
	f := newFixture(t)
	f.holding("a", 1, 2, 3)
	f.holding("b", 1, 7)
	ctx := context.Background()

	report, err := f.engine.GenerateReport(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "a", report.ReferenceDevice)
	assert.Nil(t, report.LastSync)
	assert.Equal(t, "never synced", report.LastSyncStatus)
	require.Len(t, report.Devices, 2)

	a, b := report.Devices[0], report.Devices[1]
	assert.True(t, a.InSync)
	assert.Equal(t, 3, a.CompletedCount)
	assert.Equal(t, int64(300), a.StorageUsed)
	assert.Equal(t, "300 B", a.StorageUsedHuman)

	assert.False(t, b.InSync)
	assert.Equal(t, 2, b.MissingCount)
	assert.Equal(t, 1, b.ExtraCount)
	assert.False(t, b.AutoSyncEnabled)

	_, err = f.engine.Sync(ctx, 1, models.SyncOptions{})
	require.NoError(t, err)

	report, err = f.engine.GenerateReport(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, report.LastSync)
	assert.Equal(t, 2, report.LastSync.SongsQueued)
	assert.Contains(t, report.LastSyncStatus, "synced")
	assert.Equal(t, 2, f.requester.count(), "generating a report never queues downloads")
}

func TestEngine_AutoSync_EnableAndDisable(t *testing.T) {
	f := newFixture(t)
	f.engine.intervalUnit = time.Millisecond
	f.holding("a", 1, 2)
	f.device("b")
	ctx := context.Background()

	err := f.engine.EnableAutoSync(ctx, models.AutoSyncConfig{UserID: 1, DeviceID: "b", Enabled: true, IntervalMinutes: 5})
	require.NoError(t, err)
	assert.True(t, f.engine.AutoSyncRunning(1, "b"))
	assert.True(t, f.kv.Has("sync:auto:1:b"))
	assert.InDelta(t, float64(30*24*time.Hour), float64(f.kv.TTL("sync:auto:1:b")), float64(time.Second))

	testutil.WaitForCondition(t, func() bool { return f.requester.count() > 0 }, 2*time.Second, "auto-sync never ran")
	assert.Equal(t, "b", f.requester.devices()[0])

	report, err := f.engine.GenerateReport(ctx, 1)
	require.NoError(t, err)
	assert.True(t, report.Devices[1].AutoSyncEnabled)

	require.NoError(t, f.engine.DisableAutoSync(ctx, 1, "b"))
	assert.False(t, f.engine.AutoSyncRunning(1, "b"))
	assert.False(t, f.kv.Has("sync:auto:1:b"))
}

func TestEngine_AutoSync_WifiOnly(t *testing.T) {
	f := newFixture(t)
	f.engine.intervalUnit = time.Millisecond
	f.holding("a", 1)
	f.device("b")

	err := f.engine.EnableAutoSync(context.Background(), models.AutoSyncConfig{UserID: 1, DeviceID: "b", Enabled: true, WifiOnly: true, IntervalMinutes: 2})
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, f.requester.count(), "no network report means no sync")

	f.network.report(models.NetworkContext{Type: models.NetworkTypeWifi})

	testutil.WaitForCondition(t, func() bool { return f.requester.count() > 0 }, 2*time.Second, "auto-sync never ran on wifi")
}

func TestEngine_AutoSync_DisabledConfigSkipsTicks(t *testing.T) {
	f := newFixture(t)
	f.engine.intervalUnit = time.Millisecond
	f.holding("a", 1)
	f.device("b")

	err := f.engine.EnableAutoSync(context.Background(), models.AutoSyncConfig{UserID: 1, DeviceID: "b", Enabled: false, IntervalMinutes: 2})
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, f.requester.count())
	assert.True(t, f.engine.AutoSyncRunning(1, "b"))
}

func TestEngine_AutoSync_StopsWhenConfigExpires(t *testing.T) {
	f := newFixture(t)
	f.engine.intervalUnit = time.Millisecond

	err := f.engine.EnableAutoSync(context.Background(), models.AutoSyncConfig{UserID: 1, DeviceID: "b", Enabled: true, IntervalMinutes: 2})
	require.NoError(t, err)
	require.NoError(t, f.kv.DeleteKeys(context.Background(), "sync:auto:1:b"))

	testutil.WaitForCondition(t, func() bool { return !f.engine.AutoSyncRunning(1, "b") }, 2*time.Second, "ticker kept running without config")
}

func TestEngine_RestoreAutoSync(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.kv.SetJSON(ctx, "sync:auto:1:phone", &models.AutoSyncConfig{UserID: 1, DeviceID: "phone", Enabled: true, IntervalMinutes: 60}, time.Hour))
	require.NoError(t, f.kv.SetJSON(ctx, "sync:auto:2:tablet", &models.AutoSyncConfig{UserID: 2, DeviceID: "tablet", Enabled: false, IntervalMinutes: 60}, time.Hour))

	restored, err := f.engine.RestoreAutoSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, restored)
	assert.True(t, f.engine.AutoSyncRunning(1, "phone"))
	assert.False(t, f.engine.AutoSyncRunning(2, "tablet"))
}

func TestEngine_EnableAutoSync_Validation(t *testing.T) {
	f := newFixture(t)

	err := f.engine.EnableAutoSync(context.Background(), models.AutoSyncConfig{UserID: 1, Enabled: true})
	assert.True(t, errors.Is(err, models.ErrValidation))
}

func TestSyncPriority(t *testing.T) {
	assert.Equal(t, 1, syncPriority(11))
	assert.Equal(t, 2, syncPriority(10))
	assert.Equal(t, 2, syncPriority(6))
	assert.Equal(t, 3, syncPriority(5))
	assert.Equal(t, 3, syncPriority(1))
	assert.Equal(t, 4, syncPriority(0))
}
