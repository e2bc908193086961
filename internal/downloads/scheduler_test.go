package downloads

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabienpiette/tunevault/internal/config"
	"github.com/fabienpiette/tunevault/internal/models"
	"github.com/fabienpiette/tunevault/internal/repositories"
	"github.com/fabienpiette/tunevault/internal/testutil"
)

// fakeRunner records the order jobs start in and optionally blocks them
type fakeRunner struct {
	queues repositories.QueueRepository

	mu      sync.Mutex
	order   []int64
	running int
	peak    int

	release chan struct{}
	panicOn int64
	failOn  int64
}

func (r *fakeRunner) Run(ctx context.Context, queue *models.DownloadQueue) error {
	r.mu.Lock()
	r.order = append(r.order, queue.ContentID)
	r.running++
	if r.running > r.peak {
		r.peak = r.running
	}
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.running--
		r.mu.Unlock()
	}()

	if queue.ContentID == r.panicOn {
		panic("decoder exploded")
	}
	if queue.ContentID == r.failOn {
		return errors.New("upstream unavailable")
	}
	if r.release != nil {
		select {
		case <-r.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	_, err := r.queues.Transition(ctx, queue.ID, models.QueueStatusCompleted, models.QueueStatusProcessing)
	return err
}

func (r *fakeRunner) Order() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.order...)
}

func (r *fakeRunner) Running() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func (r *fakeRunner) Peak() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.peak
}

func newTestScheduler(t *testing.T, maxConcurrent int, runner *fakeRunner) (*Scheduler, repositories.QueueRepository) {
	t.Helper()
	db := testutil.SetupTestDB(t)
	queues := repositories.NewQueueRepository(db.DB)
	runner.queues = queues

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	s := NewScheduler(queues, runner, config.DownloadConfig{
		MaxConcurrent:        maxConcurrent,
		SweepIntervalSeconds: 30,
		DebounceMs:           5,
	}, logger)
	t.Cleanup(s.Stop)
	return s, queues
}

func createQueue(t *testing.T, queues repositories.QueueRepository, contentID int64, priority int, createdAt time.Time) *models.DownloadQueue {
	t.Helper()
	queue := &models.DownloadQueue{
		UserID:      1,
		DeviceID:    "phone",
		ContentType: models.ContentTypeSong,
		ContentID:   contentID,
		Priority:    priority,
		Quality:     models.QualityHigh,
		CreatedAt:   createdAt,
	}
	require.NoError(t, queues.Create(context.Background(), queue))
	return queue
}

func waitForStatus(t *testing.T, queues repositories.QueueRepository, id int64, status models.QueueStatus) *models.DownloadQueue {
	t.Helper()
	var queue *models.DownloadQueue
	testutil.WaitForCondition(t, func() bool {
		var err error
		queue, err = queues.GetByID(context.Background(), id)
		return err == nil && queue != nil && queue.Status == status
	}, 5*time.Second, "queue "+string(status))
	return queue
}

func TestScheduler_PriorityOrder(t *testing.T) {
	runner := &fakeRunner{}
	s, queues := newTestScheduler(t, 1, runner)

	base := time.Now().UTC().Add(-time.Hour)
	low := createQueue(t, queues, 300, 3, base)
	urgent := createQueue(t, queues, 100, 1, base.Add(time.Second))
	normal := createQueue(t, queues, 200, 2, base.Add(2*time.Second))

	require.NoError(t, s.Start(context.Background()))

	for _, q := range []*models.DownloadQueue{low, urgent, normal} {
		waitForStatus(t, queues, q.ID, models.QueueStatusCompleted)
	}
	assert.Equal(t, []int64{100, 200, 300}, runner.Order())
	assert.Equal(t, 1, runner.Peak())
}

func TestScheduler_FIFOWithinPriority(t *testing.T) {
	runner := &fakeRunner{}
	s, queues := newTestScheduler(t, 1, runner)

	base := time.Now().UTC().Add(-time.Hour)
	var created []*models.DownloadQueue
	for i := int64(0); i < 4; i++ {
		created = append(created, createQueue(t, queues, 10+i, 5, base.Add(time.Duration(i)*time.Second)))
	}

	require.NoError(t, s.Start(context.Background()))
	for _, q := range created {
		waitForStatus(t, queues, q.ID, models.QueueStatusCompleted)
	}
	assert.Equal(t, []int64{10, 11, 12, 13}, runner.Order())
}

func TestScheduler_ConcurrencyCap(t *testing.T) {
	runner := &fakeRunner{release: make(chan struct{})}
	s, queues := newTestScheduler(t, 2, runner)
	require.NoError(t, s.Start(context.Background()))

	var created []*models.DownloadQueue
	for i := int64(1); i <= 5; i++ {
		q := createQueue(t, queues, i, 5, time.Now().UTC())
		s.Enqueue(q)
		created = append(created, q)
	}

	testutil.WaitForCondition(t, func() bool { return runner.Running() == 2 }, 5*time.Second, "two running jobs")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, runner.Running())

	stats := s.Stats()
	assert.Equal(t, 2, stats.Active)
	assert.Equal(t, 3, stats.Pending)
	assert.Equal(t, 2, stats.MaxConcurrent)

	close(runner.release)
	for _, q := range created {
		waitForStatus(t, queues, q.ID, models.QueueStatusCompleted)
	}
	assert.Equal(t, 2, runner.Peak())
	assert.Len(t, runner.Order(), 5)
}

func TestScheduler_PauseAndResume(t *testing.T) {
	runner := &fakeRunner{release: make(chan struct{})}
	s, queues := newTestScheduler(t, 1, runner)
	require.NoError(t, s.Start(context.Background()))
	ctx := context.Background()

	q := createQueue(t, queues, 42, 5, time.Now().UTC())
	s.Enqueue(q)
	waitForStatus(t, queues, q.ID, models.QueueStatusProcessing)

	paused, err := s.Pause(ctx, q.ID)
	require.NoError(t, err)
	assert.True(t, paused)
	testutil.WaitForCondition(t, func() bool { return s.Stats().Active == 0 }, 5*time.Second, "job stopped")

	stored := waitForStatus(t, queues, q.ID, models.QueueStatusPaused)
	assert.Equal(t, models.QueueStatusPaused, stored.Status)

	paused, err = s.Pause(ctx, q.ID)
	require.NoError(t, err)
	assert.False(t, paused, "pausing twice has nothing left to pause")

	close(runner.release)
	require.NoError(t, s.Resume(ctx, q.ID))
	waitForStatus(t, queues, q.ID, models.QueueStatusCompleted)
	assert.Equal(t, []int64{42, 42}, runner.Order())
}

func TestScheduler_PausePendingItem(t *testing.T) {
	runner := &fakeRunner{release: make(chan struct{})}
	s, queues := newTestScheduler(t, 1, runner)
	require.NoError(t, s.Start(context.Background()))
	ctx := context.Background()

	blocker := createQueue(t, queues, 1, 1, time.Now().UTC())
	s.Enqueue(blocker)
	waitForStatus(t, queues, blocker.ID, models.QueueStatusProcessing)

	waiting := createQueue(t, queues, 2, 5, time.Now().UTC())
	s.Enqueue(waiting)

	paused, err := s.Pause(ctx, waiting.ID)
	require.NoError(t, err)
	assert.True(t, paused)

	close(runner.release)
	waitForStatus(t, queues, blocker.ID, models.QueueStatusCompleted)
	time.Sleep(50 * time.Millisecond)

	stored, err := queues.GetByID(ctx, waiting.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusPaused, stored.Status, "paused items are dropped when popped")
	assert.Equal(t, []int64{1}, runner.Order())
}

func TestScheduler_ResumeRequiresPaused(t *testing.T) {
	runner := &fakeRunner{}
	s, queues := newTestScheduler(t, 1, runner)

	q := createQueue(t, queues, 7, 5, time.Now().UTC())
	err := s.Resume(context.Background(), q.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestScheduler_Cancel(t *testing.T) {
	runner := &fakeRunner{release: make(chan struct{})}
	defer close(runner.release)
	s, queues := newTestScheduler(t, 1, runner)
	require.NoError(t, s.Start(context.Background()))
	ctx := context.Background()

	q := createQueue(t, queues, 5, 5, time.Now().UTC())
	s.Enqueue(q)
	waitForStatus(t, queues, q.ID, models.QueueStatusProcessing)

	require.NoError(t, s.Cancel(ctx, q.ID))
	testutil.WaitForCondition(t, func() bool { return s.Stats().Active == 0 }, 5*time.Second, "job stopped")

	stored, err := queues.GetByID(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusCancelled, stored.Status)
}

func TestScheduler_Forget(t *testing.T) {
	runner := &fakeRunner{release: make(chan struct{})}
	defer close(runner.release)
	s, queues := newTestScheduler(t, 1, runner)
	require.NoError(t, s.Start(context.Background()))
	ctx := context.Background()

	q := createQueue(t, queues, 5, 5, time.Now().UTC())
	s.Enqueue(q)
	waitForStatus(t, queues, q.ID, models.QueueStatusProcessing)

	require.NoError(t, s.Forget(ctx, q.ID))
	stored, err := queues.GetByID(ctx, q.ID)
	require.NoError(t, err)
	assert.Nil(t, stored)
}

func TestScheduler_PanicMarksFailed(t *testing.T) {
	runner := &fakeRunner{panicOn: 13}
	s, queues := newTestScheduler(t, 1, runner)
	require.NoError(t, s.Start(context.Background()))

	bad := createQueue(t, queues, 13, 1, time.Now().UTC())
	good := createQueue(t, queues, 14, 2, time.Now().UTC())
	s.Enqueue(bad)
	s.Enqueue(good)

	failed := waitForStatus(t, queues, bad.ID, models.QueueStatusFailed)
	require.NotNil(t, failed.ErrorMessage)
	assert.Contains(t, *failed.ErrorMessage, "decoder exploded")

	waitForStatus(t, queues, good.ID, models.QueueStatusCompleted)
}

func TestScheduler_RunnerErrorMarksFailed(t *testing.T) {
	runner := &fakeRunner{failOn: 21}
	s, queues := newTestScheduler(t, 1, runner)
	require.NoError(t, s.Start(context.Background()))

	q := createQueue(t, queues, 21, 5, time.Now().UTC())
	s.Enqueue(q)

	failed := waitForStatus(t, queues, q.ID, models.QueueStatusFailed)
	require.NotNil(t, failed.ErrorMessage)
	assert.Equal(t, "upstream unavailable", *failed.ErrorMessage)
}

func TestScheduler_StartResetsInterruptedItems(t *testing.T) {
	runner := &fakeRunner{}
	s, queues := newTestScheduler(t, 1, runner)
	ctx := context.Background()

	q := createQueue(t, queues, 8, 5, time.Now().UTC())
	changed, err := queues.Transition(ctx, q.ID, models.QueueStatusProcessing, models.QueueStatusPending)
	require.NoError(t, err)
	require.True(t, changed)

	require.NoError(t, s.Start(ctx))
	waitForStatus(t, queues, q.ID, models.QueueStatusCompleted)
	assert.Equal(t, []int64{8}, runner.Order())
}

func TestScheduler_OnFinishedHook(t *testing.T) {
	runner := &fakeRunner{}
	s, queues := newTestScheduler(t, 1, runner)

	finished := make(chan int64, 1)
	s.OnFinished(func(ctx context.Context, queue *models.DownloadQueue) {
		finished <- queue.ID
	})
	require.NoError(t, s.Start(context.Background()))

	q := createQueue(t, queues, 9, 5, time.Now().UTC())
	s.Enqueue(q)

	select {
	case id := <-finished:
		assert.Equal(t, q.ID, id)
	case <-time.After(5 * time.Second):
		t.Fatal("hook was not called")
	}
}

func TestQueueHeap_Order(t *testing.T) {
	base := time.Now()
	h := queueHeap{}
	refs := []*queueRef{
		{queueID: 1, priority: 3, createdAt: base, seq: 1},
		{queueID: 2, priority: 1, createdAt: base.Add(time.Second), seq: 2},
		{queueID: 3, priority: 1, createdAt: base, seq: 3},
		{queueID: 4, priority: 1, createdAt: base, seq: 4},
	}
	for _, ref := range refs {
		h = append(h, ref)
	}

	less := func(a, b int) bool { return h.Less(a, b) }
	assert.True(t, less(2, 1), "older item wins within a priority")
	assert.True(t, less(2, 3), "insertion order breaks time ties")
	assert.True(t, less(1, 0), "lower number is more urgent")
}
