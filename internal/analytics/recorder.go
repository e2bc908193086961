package analytics

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/fabienpiette/tunevault/internal/models"
	"github.com/fabienpiette/tunevault/internal/repositories"
)

// Tracker accepts fire-and-forget analytics events
type Tracker interface {
	Track(userID int64, deviceID, eventType string, payload map[string]interface{})
}

// Recorder persists analytics events from a background worker so that
// callers never block on, or fail because of, analytics storage.
type Recorder struct {
	repo    repositories.AnalyticsRepository
	events  chan *models.AnalyticsEvent
	logger  *logrus.Logger
	wg      sync.WaitGroup
	mu      sync.RWMutex
	stopped bool
}

// NewRecorder creates a recorder with the given buffer size
func NewRecorder(repo repositories.AnalyticsRepository, bufferSize int, logger *logrus.Logger) *Recorder {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &Recorder{
		repo:   repo,
		events: make(chan *models.AnalyticsEvent, bufferSize),
		logger: logger,
	}
}

// Start launches the persistence worker
func (r *Recorder) Start() {
	r.wg.Add(1)
	go r.run()
}

// Stop drains buffered events and waits for the worker to exit
func (r *Recorder) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	close(r.events)
	r.mu.Unlock()

	r.wg.Wait()
}

// Track enqueues an event. Events are dropped when the buffer is full.
func (r *Recorder) Track(userID int64, deviceID, eventType string, payload map[string]interface{}) {
	event := &models.AnalyticsEvent{
		ID:        uuid.NewString(),
		UserID:    userID,
		DeviceID:  deviceID,
		EventType: eventType,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.stopped {
		return
	}

	select {
	case r.events <- event:
	default:
		r.logger.WithField("event_type", eventType).Warn("Analytics buffer full, dropping event")
	}
}

func (r *Recorder) run() {
	defer r.wg.Done()

	for event := range r.events {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := r.repo.Insert(ctx, event); err != nil {
			r.logger.WithError(err).WithField("event_type", event.EventType).Warn("Failed to record analytics event")
		}
		cancel()
	}
}
