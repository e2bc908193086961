package testutil

import (
	"context"
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/fabienpiette/tunevault/internal/models"
	"github.com/fabienpiette/tunevault/internal/storage"
)

// MockMediaService provides mock implementation for media.Service
type MockMediaService struct {
	mock.Mock
}

func (m *MockMediaService) StreamURL(ctx context.Context, songID int64, quality models.Quality) (string, error) {
	args := m.Called(ctx, songID, quality)
	return args.String(0), args.Error(1)
}

// MockRecommender provides mock implementation for recommendations.Recommender
type MockRecommender struct {
	mock.Mock
}

func (m *MockRecommender) Recommend(ctx context.Context, userID int64, listening models.ListeningContext, limit int) ([]models.Recommendation, error) {
	args := m.Called(ctx, userID, listening, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Recommendation), args.Error(1)
}

// MockStorageGateway provides mock implementation for storage.Gateway
type MockStorageGateway struct {
	mock.Mock
}

func (m *MockStorageGateway) Exists(filePath string) (bool, error) {
	args := m.Called(filePath)
	return args.Bool(0), args.Error(1)
}

func (m *MockStorageGateway) Size(filePath string) (int64, error) {
	args := m.Called(filePath)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockStorageGateway) DownloadWithProgress(ctx context.Context, sourceURL, fileName string, onProgress storage.ProgressFunc) (*storage.StoredFile, error) {
	args := m.Called(ctx, sourceURL, fileName, onProgress)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*storage.StoredFile), args.Error(1)
}

func (m *MockStorageGateway) Delete(filePath string) error {
	args := m.Called(filePath)
	return args.Error(0)
}

func (m *MockStorageGateway) VerifyIntegrity(filePath string, expectedSize int64) (bool, error) {
	args := m.Called(filePath, expectedSize)
	return args.Bool(0), args.Error(1)
}

func (m *MockStorageGateway) Checksum(filePath string) (string, error) {
	args := m.Called(filePath)
	return args.String(0), args.Error(1)
}

func (m *MockStorageGateway) PlaybackURL(filePath string) string {
	args := m.Called(filePath)
	return args.String(0)
}

// TrackedEvent is one call captured by EventSink
type TrackedEvent struct {
	UserID    int64
	DeviceID  string
	EventType string
	Payload   map[string]interface{}
}

// EventSink records analytics events synchronously for assertions
type EventSink struct {
	mu     sync.Mutex
	events []TrackedEvent
}

// Track records an event
func (s *EventSink) Track(userID int64, deviceID, eventType string, payload map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, TrackedEvent{UserID: userID, DeviceID: deviceID, EventType: eventType, Payload: payload})
}

// Events returns the recorded events of one type
func (s *EventSink) Events(eventType string) []TrackedEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []TrackedEvent
	for _, e := range s.events {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}
