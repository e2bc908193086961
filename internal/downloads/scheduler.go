package downloads

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fabienpiette/tunevault/internal/config"
	"github.com/fabienpiette/tunevault/internal/models"
	"github.com/fabienpiette/tunevault/internal/repositories"
)

// Runner executes one admitted queue item until it finishes or ctx is cancelled
type Runner interface {
	Run(ctx context.Context, queue *models.DownloadQueue) error
}

// QueueHook is called after a queue item's job has ended
type QueueHook func(ctx context.Context, queue *models.DownloadQueue)

// Scheduler admits pending queue items into a bounded pool of batch jobs,
// most urgent priority first and FIFO within a priority.
type Scheduler struct {
	queues        repositories.QueueRepository
	runner        Runner
	logger        *logrus.Logger
	maxConcurrent int
	sweepInterval time.Duration
	debounce      time.Duration

	// mu guards pending, queued, active and seq together so that admission
	// decisions are atomic relative to the active job count.
	mu      sync.Mutex
	pending queueHeap
	queued  map[int64]bool
	active  map[int64]*activeJob
	seq     uint64

	driving atomic.Bool
	dirty   atomic.Bool

	hooks   []QueueHook
	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

type activeJob struct {
	queueID   int64
	cancel    context.CancelFunc
	cancelled bool
	startedAt time.Time
}

// SchedulerStats is a point-in-time view of the scheduler
type SchedulerStats struct {
	Active        int     `json:"active"`
	Pending       int     `json:"pending"`
	MaxConcurrent int     `json:"max_concurrent"`
	ActiveQueues  []int64 `json:"active_queues"`
}

// NewScheduler creates a scheduler that runs queue items with runner
func NewScheduler(queues repositories.QueueRepository, runner Runner, cfg config.DownloadConfig, logger *logrus.Logger) *Scheduler {
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		queues:        queues,
		runner:        runner,
		logger:        logger,
		maxConcurrent: maxConcurrent,
		sweepInterval: cfg.SweepInterval(),
		debounce:      cfg.Debounce(),
		queued:        make(map[int64]bool),
		active:        make(map[int64]*activeJob),
		baseCtx:       ctx,
		stop:          cancel,
	}
}

// OnFinished registers a hook called after every job ends
func (s *Scheduler) OnFinished(hook QueueHook) {
	s.hooks = append(s.hooks, hook)
}

// Start reconciles state left by a previous run and begins scheduling
func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.Info("Starting download scheduler")

	reset, err := s.queues.ResetProcessing(ctx)
	if err != nil {
		return fmt.Errorf("failed to reset interrupted queues: %w", err)
	}
	if reset > 0 {
		s.logger.Warnf("Reset %d interrupted queue items to pending", reset)
	}

	if err := s.sweep(ctx); err != nil {
		return fmt.Errorf("failed to load pending queues: %w", err)
	}

	s.wg.Add(1)
	go s.sweepLoop()

	s.Drive()
	return nil
}

// Stop cancels every active job and waits for them to return.
// Interrupted items stay PROCESSING and are reset on the next Start.
func (s *Scheduler) Stop() {
	s.logger.Info("Stopping download scheduler")

	s.stop()
	s.mu.Lock()
	for _, job := range s.active {
		job.cancel()
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("Download scheduler stopped")
}

// Enqueue makes a persisted PENDING queue item eligible for admission
func (s *Scheduler) Enqueue(queue *models.DownloadQueue) {
	s.push(queue)
	s.Drive()
}

// Drive runs admission passes until no trigger is outstanding. Concurrent
// callers collapse into the pass already running.
func (s *Scheduler) Drive() {
	s.dirty.Store(true)
	for {
		if !s.driving.CompareAndSwap(false, true) {
			return
		}
		for s.dirty.Swap(false) {
			s.pass()
		}
		s.driving.Store(false)
		if !s.dirty.Load() {
			return
		}
	}
}

// Pause stops the queue's active job and moves it to PAUSED. It reports
// false when there was nothing left to pause.
func (s *Scheduler) Pause(ctx context.Context, queueID int64) (bool, error) {
	changed, err := s.queues.Transition(ctx, queueID, models.QueueStatusPaused,
		models.QueueStatusPending, models.QueueStatusProcessing)
	if err != nil {
		return false, err
	}

	stopped := s.cancelJob(queueID)
	if changed || stopped {
		s.logger.Infof("Paused download queue %d", queueID)
	}
	return changed || stopped, nil
}

// Resume returns a PAUSED queue item to PENDING and re-admits it
func (s *Scheduler) Resume(ctx context.Context, queueID int64) error {
	changed, err := s.queues.Transition(ctx, queueID, models.QueueStatusPending, models.QueueStatusPaused)
	if err != nil {
		return err
	}
	if !changed {
		return models.NewValidationError("queue is not paused")
	}

	queue, err := s.queues.GetByID(ctx, queueID)
	if err != nil {
		return err
	}
	if queue == nil {
		return models.NewNotFoundError(models.ErrQueueNotFound, "Queue not found")
	}

	s.logger.Infof("Resumed download queue %d", queueID)
	s.Enqueue(queue)
	return nil
}

// Cancel stops any active job and marks the queue CANCELLED whatever its state
func (s *Scheduler) Cancel(ctx context.Context, queueID int64) error {
	s.cancelJob(queueID)
	if err := s.queues.SetStatus(ctx, queueID, models.QueueStatusCancelled, nil); err != nil {
		return err
	}
	s.logger.Infof("Cancelled download queue %d", queueID)
	return nil
}

// Forget cancels a queue item and deletes it
func (s *Scheduler) Forget(ctx context.Context, queueID int64) error {
	if err := s.Cancel(ctx, queueID); err != nil {
		return err
	}
	return s.queues.Delete(ctx, queueID)
}

// Stats returns the current scheduler occupancy
func (s *Scheduler) Stats() SchedulerStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := SchedulerStats{
		Active:        len(s.active),
		Pending:       s.pending.Len(),
		MaxConcurrent: s.maxConcurrent,
	}
	for id := range s.active {
		stats.ActiveQueues = append(stats.ActiveQueues, id)
	}
	return stats
}

func (s *Scheduler) push(queue *models.DownloadQueue) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.queued[queue.ID] {
		return
	}
	s.seq++
	heap.Push(&s.pending, &queueRef{
		queueID:   queue.ID,
		priority:  queue.Priority,
		createdAt: queue.CreatedAt,
		seq:       s.seq,
	})
	s.queued[queue.ID] = true
}

// pass pops as many items as there are free slots and starts a job for each
func (s *Scheduler) pass() {
	if s.baseCtx.Err() != nil {
		return
	}

	var started []*activeJob
	var deferred []*queueRef

	s.mu.Lock()
	for len(s.active) < s.maxConcurrent && s.pending.Len() > 0 {
		ref := heap.Pop(&s.pending).(*queueRef)
		delete(s.queued, ref.queueID)

		// A previous job for this item is still winding down.
		if _, busy := s.active[ref.queueID]; busy {
			deferred = append(deferred, ref)
			continue
		}

		jobCtx, cancel := context.WithCancel(s.baseCtx)
		job := &activeJob{queueID: ref.queueID, cancel: cancel, startedAt: time.Now()}
		s.active[ref.queueID] = job
		started = append(started, job)

		s.wg.Add(1)
		go s.runJob(jobCtx, job)
	}
	for _, ref := range deferred {
		heap.Push(&s.pending, ref)
		s.queued[ref.queueID] = true
	}
	s.mu.Unlock()

	if len(started) > 0 {
		s.logger.Debugf("Scheduler pass started %d jobs", len(started))
	}
}

func (s *Scheduler) runJob(ctx context.Context, job *activeJob) {
	defer s.wg.Done()

	var queue *models.DownloadQueue
	defer func() {
		if r := recover(); r != nil {
			msg := fmt.Sprintf("panic: %v", r)
			s.logger.Errorf("Download queue %d crashed: %s", job.queueID, msg)
			if err := s.queues.SetStatus(context.WithoutCancel(ctx), job.queueID, models.QueueStatusFailed, &msg); err != nil {
				s.logger.Errorf("Failed to mark queue %d failed: %v", job.queueID, err)
			}
		}
		s.finish(job, queue)
	}()

	loaded, err := s.queues.GetByID(ctx, job.queueID)
	if err != nil {
		s.logger.Errorf("Failed to load queue %d: %v", job.queueID, err)
		return
	}
	if loaded == nil || loaded.Status != models.QueueStatusPending {
		// Paused, cancelled or deleted while waiting.
		return
	}

	admitted, err := s.queues.Transition(ctx, job.queueID, models.QueueStatusProcessing, models.QueueStatusPending)
	if err != nil || !admitted {
		if err != nil {
			s.logger.Errorf("Failed to admit queue %d: %v", job.queueID, err)
		}
		return
	}
	loaded.Status = models.QueueStatusProcessing
	queue = loaded

	s.logger.WithFields(logrus.Fields{
		"queue_id":     queue.ID,
		"user_id":      queue.UserID,
		"device_id":    queue.DeviceID,
		"content_type": queue.ContentType,
		"priority":     queue.Priority,
	}).Info("Starting download queue")

	runErr := s.runner.Run(ctx, queue)
	if ctx.Err() != nil {
		// Pause and cancel record their own status.
		return
	}
	if runErr != nil {
		msg := runErr.Error()
		s.logger.Errorf("Download queue %d failed: %v", queue.ID, runErr)
		if err := s.queues.SetStatus(context.WithoutCancel(ctx), queue.ID, models.QueueStatusFailed, &msg); err != nil {
			s.logger.Errorf("Failed to mark queue %d failed: %v", queue.ID, err)
		}
	}
}

func (s *Scheduler) finish(job *activeJob, queue *models.DownloadQueue) {
	s.mu.Lock()
	if s.active[job.queueID] == job {
		delete(s.active, job.queueID)
	}
	s.mu.Unlock()
	job.cancel()

	if queue != nil {
		for _, hook := range s.hooks {
			s.runHook(hook, queue)
		}
	}

	if s.baseCtx.Err() == nil {
		time.AfterFunc(s.debounce, s.Drive)
	}
}

func (s *Scheduler) runHook(hook QueueHook, queue *models.DownloadQueue) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Errorf("Queue hook panicked for queue %d: %v", queue.ID, r)
		}
	}()
	hook(s.baseCtx, queue)
}

// cancelJob signals the active job of a queue, reporting whether one was
// running and had not already been told to stop.
func (s *Scheduler) cancelJob(queueID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.active[queueID]
	if !ok || job.cancelled {
		return false
	}
	job.cancelled = true
	job.cancel()
	return true
}

func (s *Scheduler) sweepLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.baseCtx.Done():
			return
		case <-ticker.C:
			if err := s.sweep(s.baseCtx); err != nil && s.baseCtx.Err() == nil {
				s.logger.Errorf("Scheduler sweep failed: %v", err)
			}
			s.Drive()
		}
	}
}

// sweep re-pushes PENDING rows that are neither queued nor running
func (s *Scheduler) sweep(ctx context.Context) error {
	pending, err := s.queues.List(ctx, &repositories.QueueFilters{
		Statuses: []models.QueueStatus{models.QueueStatusPending},
	})
	if err != nil {
		return err
	}

	recovered := 0
	for _, queue := range pending {
		s.mu.Lock()
		_, running := s.active[queue.ID]
		known := s.queued[queue.ID]
		s.mu.Unlock()
		if running || known {
			continue
		}
		s.push(queue)
		recovered++
	}
	if recovered > 0 {
		s.logger.Debugf("Scheduler sweep queued %d pending items", recovered)
	}
	return nil
}

type queueRef struct {
	queueID   int64
	priority  int
	createdAt time.Time
	seq       uint64
}

// queueHeap orders by priority ascending, then creation time, then insertion order
type queueHeap []*queueRef

func (h queueHeap) Len() int { return len(h) }

func (h queueHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	if !h[i].createdAt.Equal(h[j].createdAt) {
		return h[i].createdAt.Before(h[j].createdAt)
	}
	return h[i].seq < h[j].seq
}

func (h queueHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *queueHeap) Push(x interface{}) {
	*h = append(*h, x.(*queueRef))
}

func (h *queueHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
