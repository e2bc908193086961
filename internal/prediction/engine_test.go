package prediction

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabienpiette/tunevault/internal/models"
	"github.com/fabienpiette/tunevault/internal/repositories"
	"github.com/fabienpiette/tunevault/internal/testutil"
)

type staticPredictor struct {
	typ         models.PredictionType
	predictions []models.SmartPrediction
	err         error
	calls       *atomic.Int32
}

func (p staticPredictor) Type() models.PredictionType { return p.typ }

func (p staticPredictor) Predict(ctx context.Context, in *Input) ([]models.SmartPrediction, error) {
	if p.calls != nil {
		p.calls.Add(1)
	}
	return p.predictions, p.err
}

type stubCapacity struct {
	slots   int
	bytes   int64
	percent float64
}

func (c *stubCapacity) FreeCapacity(ctx context.Context, userID int64, deviceID string) (int, int64, error) {
	return c.slots, c.bytes, nil
}

func (c *stubCapacity) UsagePercentage(ctx context.Context, userID int64, deviceID string) (float64, error) {
	return c.percent, nil
}

type stubRequester struct {
	mu       sync.Mutex
	requests []models.DownloadRequest
	reject   map[int64]error
}

func (r *stubRequester) RequestDownload(ctx context.Context, userID int64, req *models.DownloadRequest) (*models.DownloadQueue, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.reject[req.ContentID]; err != nil {
		return nil, err
	}
	r.requests = append(r.requests, *req)
	return &models.DownloadQueue{ID: int64(len(r.requests) + 100)}, nil
}

type fixture struct {
	engine    *Engine
	seed      *testutil.Seeder
	capacity  *stubCapacity
	requester *stubRequester
	kv        *testutil.MemoryStore
	sink      *testutil.EventSink
	calls     *atomic.Int32
}

func newFixture(t *testing.T, predictions ...models.SmartPrediction) *fixture {
	t.Helper()
	db := testutil.SetupTestDB(t)
	cfg := testutil.GetTestConfig(t)

	f := &fixture{
		seed:      testutil.NewSeeder(t, db),
		capacity:  &stubCapacity{slots: 50, bytes: 1 << 30, percent: 10},
		requester: &stubRequester{reject: make(map[int64]error)},
		kv:        testutil.NewMemoryStore(),
		sink:      &testutil.EventSink{},
		calls:     &atomic.Int32{},
	}
	f.engine = NewEngine(
		repositories.NewDownloadRepository(db.DB),
		repositories.NewListeningRepository(db.DB),
		repositories.NewCatalogRepository(db.DB),
		&testutil.MockRecommender{},
		f.capacity, f.requester, f.kv, f.sink, cfg.Smart, testutil.SetupTestLogger(t),
	)
	f.engine.now = func() time.Time { return testNow }
	f.engine.predictors = []Predictor{
		staticPredictor{typ: models.PredictionTimeBased, predictions: predictions, calls: f.calls},
	}
	return f
}

func prediction(songID int64, confidence float64, reason string) models.SmartPrediction {
	return models.SmartPrediction{SongID: songID, Confidence: confidence, PredictionType: models.PredictionTimeBased, Reasoning: reason}
}

func wifiRequest() *models.SmartDownloadRequest {
	return &models.SmartDownloadRequest{
		UserID:   1,
		DeviceID: "phone",
		Network:  models.NetworkContext{Type: models.NetworkTypeWifi},
	}
}

func TestMerge_NoisyOr(t *testing.T) {
	results := [][]models.SmartPrediction{
		{prediction(1, 0.5, "morning habit"), prediction(2, 0.95, "sequence")},
		{
			{SongID: 1, Confidence: 0.6, PredictionType: models.PredictionSocial, Reasoning: "friends"},
			prediction(2, 0.95, "sequence"),
			prediction(3, 0.99, "on device"),
		},
		{prediction(1, 0.5, "morning habit"), prediction(4, 0.6, "weak")},
	}

	merged := Merge(results, map[int64]bool{3: true}, 0.7, 10)
	require.Len(t, merged, 2)

	assert.Equal(t, int64(2), merged[0].SongID)
	assert.InDelta(t, 0.99, merged[0].Confidence, 1e-9, "capped")
	assert.Equal(t, "sequence", merged[0].Reasoning)

	assert.Equal(t, int64(1), merged[1].SongID)
	assert.InDelta(t, 1-0.5*0.4*0.5, merged[1].Confidence, 1e-9)
	assert.Equal(t, "morning habit; friends", merged[1].Reasoning)
	assert.Equal(t, models.PredictionSocial, merged[1].PredictionType)
	assert.Equal(t, 6, merged[1].Priority)

	limited := Merge(results, map[int64]bool{2: true}, 0.7, 1)
	require.Len(t, limited, 1)
	assert.Equal(t, int64(3), limited[0].SongID)
}

func TestQualityForPressure(t *testing.T) {
	tests := []struct {
		percent   float64
		preferred models.Quality
		want      models.Quality
	}{
		{90, models.QualityHigh, models.QualityLow},
		{85, models.QualityLossless, models.QualityLow},
		{70, models.QualityHigh, models.QualityMedium},
		{60, models.QualityLossless, models.QualityMedium},
		{70, models.QualityLow, models.QualityLow},
		{59.9, models.QualityHigh, models.QualityHigh},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, QualityForPressure(tt.percent, tt.preferred), "%.1f%% with %s", tt.percent, tt.preferred)
	}
}

func TestEngine_PredictAndDownload_DailyCapExhausted(t *testing.T) {
	f := newFixture(t, prediction(1, 0.9, "a"), prediction(2, 0.85, "b"), prediction(3, 0.8, "c"))
	ctx := context.Background()

	settings, err := f.engine.Settings(ctx, 1)
	require.NoError(t, err)
	settings.DailyLimit = 2
	require.NoError(t, f.engine.UpdateSettings(ctx, 1, settings))
	for i := 0; i < 2; i++ {
		_, err := f.kv.IncrWithTTL(ctx, "smart:daily:1:2026-10-14", 48*time.Hour)
		require.NoError(t, err)
	}

	result, err := f.engine.PredictAndDownload(ctx, wifiRequest())
	require.NoError(t, err)

	assert.Empty(t, result.Accepted)
	require.Len(t, result.Skipped, 3)
	for _, s := range result.Skipped {
		assert.Equal(t, "Daily limit reached", s.Reason)
	}
	assert.Empty(t, f.requester.requests)
	assert.Equal(t, 2, result.DailyUsed)
}

func TestEngine_PredictAndDownload_Gates(t *testing.T) {
	cellular := models.NetworkContext{Type: models.NetworkTypeCellular}

	tests := []struct {
		name     string
		settings models.SmartDownloadSettings
		network  models.NetworkContext
		slots    int
		want     string
	}{
		{
			name:     "disabled wins over network",
			settings: models.SmartDownloadSettings{Enabled: false, WifiOnly: true, DailyLimit: 10},
			network:  cellular,
			slots:    0,
			want:     ReasonDisabled,
		},
		{
			name:     "wifi checked before capacity",
			settings: models.SmartDownloadSettings{Enabled: true, WifiOnly: true, DailyLimit: 10},
			network:  cellular,
			slots:    0,
			want:     ReasonWifiRequired,
		},
		{
			name:     "metered wifi is not wifi",
			settings: models.SmartDownloadSettings{Enabled: true, WifiOnly: true, DailyLimit: 10},
			network:  models.NetworkContext{Type: models.NetworkTypeWifi, Metered: true},
			slots:    5,
			want:     ReasonWifiRequired,
		},
		{
			name:     "no capacity",
			settings: models.SmartDownloadSettings{Enabled: true, WifiOnly: true, DailyLimit: 10},
			network:  models.NetworkContext{Type: models.NetworkTypeWifi},
			slots:    0,
			want:     ReasonNoCapacity,
		},
		{
			name:     "cellular allowed",
			settings: models.SmartDownloadSettings{Enabled: true, WifiOnly: false, DailyLimit: 10},
			network:  cellular,
			slots:    5,
			want:     "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, prediction(1, 0.9, "a"))
			ctx := context.Background()
			settings := tt.settings
			require.NoError(t, f.engine.UpdateSettings(ctx, 1, &settings))
			f.capacity.slots = tt.slots

			result, err := f.engine.PredictAndDownload(ctx, &models.SmartDownloadRequest{UserID: 1, DeviceID: "phone", Network: tt.network})
			require.NoError(t, err)
			assert.Equal(t, tt.want, result.GateReason)

			if tt.want != "" {
				assert.Zero(t, f.calls.Load(), "gated requests never run predictors")
				assert.Empty(t, result.Accepted)
			} else {
				assert.Len(t, result.Accepted, 1)
			}
			assert.Len(t, f.sink.Events(models.EventPredictionOutcome), 1)
		})
	}
}

func TestEngine_PredictAndDownload_AcceptsUntilCap(t *testing.T) {
	f := newFixture(t, prediction(1, 0.95, "a"), prediction(2, 0.85, "b"), prediction(3, 0.8, "c"))
	ctx := context.Background()
	f.capacity.percent = 70
	require.NoError(t, f.engine.UpdateSettings(ctx, 1, &models.SmartDownloadSettings{Enabled: true, WifiOnly: true, DailyLimit: 2, PreferredQuality: models.QualityHigh}))

	result, err := f.engine.PredictAndDownload(ctx, wifiRequest())
	require.NoError(t, err)

	require.Len(t, result.Accepted, 2)
	assert.Equal(t, int64(1), result.Accepted[0].Prediction.SongID)
	assert.Equal(t, int64(2), result.Accepted[1].Prediction.SongID)
	assert.Equal(t, models.QualityMedium, result.Quality)
	require.Len(t, result.Skipped, 1)
	assert.Equal(t, int64(3), result.Skipped[0].Prediction.SongID)
	assert.Equal(t, ReasonDailyLimit, result.Skipped[0].Reason)
	assert.Equal(t, 2, result.DailyUsed)

	require.Len(t, f.requester.requests, 2)
	req := f.requester.requests[0]
	assert.Equal(t, models.DownloadSourceSmart, req.Source)
	assert.Equal(t, models.QualityMedium, req.Quality)
	assert.Equal(t, models.ContentTypeSong, req.ContentType)
	assert.Equal(t, 6, req.Priority)
	assert.Equal(t, 8, f.requester.requests[1].Priority)

	counter, err := f.kv.GetInt(ctx, "smart:daily:1:2026-10-14")
	require.NoError(t, err)
	assert.Equal(t, int64(2), counter)
	assert.InDelta(t, float64(48*time.Hour), float64(f.kv.TTL("smart:daily:1:2026-10-14")), float64(time.Second))
	assert.False(t, f.kv.Has("smart:predictions:1:phone"), "accepting downloads drops the cache")
}

func TestEngine_PredictAndDownload_RejectionBecomesSkip(t *testing.T) {
	f := newFixture(t, prediction(1, 0.95, "a"), prediction(2, 0.9, "b"))
	f.requester.reject[1] = models.NewValidationError("Already queued")
	f.requester.reject[2] = &models.QuotaExceededError{Reason: "Storage limit exceeded"}

	result, err := f.engine.PredictAndDownload(context.Background(), wifiRequest())
	require.NoError(t, err)

	assert.Empty(t, result.Accepted)
	require.Len(t, result.Skipped, 2)
	assert.Equal(t, "Already queued", result.Skipped[0].Reason)
	assert.Equal(t, "Storage limit exceeded", result.Skipped[1].Reason)
	assert.Zero(t, result.DailyUsed, "skips do not count against the cap")

	counter, err := f.kv.GetInt(context.Background(), "smart:daily:1:2026-10-14")
	require.NoError(t, err)
	assert.Zero(t, counter, "rejected requests give their reserved slot back")
}

func TestEngine_PredictAndDownload_ConcurrentSessionsShareCap(t *testing.T) {
	var predictions []models.SmartPrediction
	for id := int64(1); id <= 6; id++ {
		predictions = append(predictions, prediction(id, 0.9, "a"))
	}
	f := newFixture(t, predictions...)
	ctx := context.Background()
	require.NoError(t, f.engine.UpdateSettings(ctx, 1, &models.SmartDownloadSettings{Enabled: true, DailyLimit: 4, PreferredQuality: models.QualityHigh}))

	devices := []string{"phone", "tablet", "laptop"}
	results := make([]*models.SmartDownloadResult, len(devices))
	var wg sync.WaitGroup
	for i, device := range devices {
		wg.Add(1)
		go func(i int, device string) {
			defer wg.Done()
			req := wifiRequest()
			req.DeviceID = device
			result, err := f.engine.PredictAndDownload(ctx, req)
			assert.NoError(t, err)
			results[i] = result
		}(i, device)
	}
	wg.Wait()

	accepted := 0
	for _, result := range results {
		require.NotNil(t, result)
		accepted += len(result.Accepted)
		assert.Len(t, result.Skipped, 6-len(result.Accepted))
	}
	assert.Equal(t, 4, accepted)
	assert.Len(t, f.requester.requests, 4)

	counter, err := f.kv.GetInt(ctx, "smart:daily:1:2026-10-14")
	require.NoError(t, err)
	assert.Equal(t, int64(4), counter)
}

func TestEngine_PredictAndDownload_RequiresDevice(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.PredictAndDownload(context.Background(), &models.SmartDownloadRequest{UserID: 1})
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestEngine_Predict_ExcludesDeviceSongsAndCaches(t *testing.T) {
	f := newFixture(t, prediction(1, 0.9, "a"), prediction(2, 0.9, "b"), prediction(5, 0.5, "weak"))
	f.seed.Completed(1, "phone", 1, 100)
	ctx := context.Background()

	predictions, err := f.engine.Predict(ctx, 1, "phone")
	require.NoError(t, err)
	require.Len(t, predictions, 1)
	assert.Equal(t, int64(2), predictions[0].SongID)
	assert.True(t, f.kv.Has("smart:predictions:1:phone"))
	assert.InDelta(t, float64(time.Hour), float64(f.kv.TTL("smart:predictions:1:phone")), float64(time.Second))

	again, err := f.engine.Predict(ctx, 1, "phone")
	require.NoError(t, err)
	assert.Equal(t, predictions[0].SongID, again[0].SongID)
	assert.Equal(t, int32(1), f.calls.Load(), "second call is served from cache")

	other, err := f.engine.Predict(ctx, 1, "tablet")
	require.NoError(t, err)
	assert.Len(t, other, 2)
}

func TestEngine_Predict_PredictorFailureIsIsolated(t *testing.T) {
	f := newFixture(t)
	f.engine.predictors = []Predictor{
		staticPredictor{typ: models.PredictionSocial, err: errors.New("followers unavailable")},
		staticPredictor{typ: models.PredictionTaste, predictions: []models.SmartPrediction{prediction(7, 0.8, "taste")}},
	}

	predictions, err := f.engine.Predict(context.Background(), 1, "phone")
	require.NoError(t, err)
	require.Len(t, predictions, 1)
	assert.Equal(t, int64(7), predictions[0].SongID)
}

func TestEngine_Settings(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	settings, err := f.engine.Settings(ctx, 1)
	require.NoError(t, err)
	assert.True(t, settings.Enabled)
	assert.True(t, settings.WifiOnly)
	assert.Equal(t, 20, settings.DailyLimit)
	assert.Equal(t, models.QualityHigh, settings.PreferredQuality)

	err = f.engine.UpdateSettings(ctx, 1, &models.SmartDownloadSettings{Enabled: true, PreferredQuality: "ultra"})
	assert.ErrorIs(t, err, models.ErrValidation)

	err = f.engine.UpdateSettings(ctx, 1, &models.SmartDownloadSettings{DailyLimit: -1})
	assert.ErrorIs(t, err, models.ErrValidation)

	require.NoError(t, f.engine.UpdateSettings(ctx, 1, &models.SmartDownloadSettings{Enabled: false, DailyLimit: 3}))
	settings, err = f.engine.Settings(ctx, 1)
	require.NoError(t, err)
	assert.False(t, settings.Enabled)
	assert.Equal(t, 3, settings.DailyLimit)
}
