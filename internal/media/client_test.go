package media

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabienpiette/tunevault/internal/config"
	"github.com/fabienpiette/tunevault/internal/models"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return NewClient(config.ClientConfig{
		BaseURL:           srv.URL,
		APIKey:            "media-key",
		TimeoutSeconds:    5,
		RateLimitRequests: 100,
		RateLimitWindow:   1,
	}, logger)
}

func TestClient_StreamURL(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/songs/42/stream", r.URL.Path)
		assert.Equal(t, "lossless", r.URL.Query().Get("quality"))
		assert.Equal(t, "media-key", r.Header.Get("X-Api-Key"))
		json.NewEncoder(w).Encode(map[string]string{"url": "https://cdn.example.com/42.flac?sig=1"})
	})

	got, err := client.StreamURL(context.Background(), 42, models.QualityLossless)
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/42.flac?sig=1", got)
}

func TestClient_StreamURL_Errors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr error
	}{
		{name: "not found", status: http.StatusNotFound, wantErr: models.ErrSongNotFound},
		{name: "server error", status: http.StatusBadGateway},
		{name: "empty url", status: http.StatusOK, body: `{"url":""}`},
		{name: "bad json", status: http.StatusOK, body: `{`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})

			_, err := client.StreamURL(context.Background(), 7, models.QualityHigh)
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestNewLimiter_Unlimited(t *testing.T) {
	limiter := NewLimiter(config.ClientConfig{})
	for i := 0; i < 100; i++ {
		assert.True(t, limiter.Allow())
	}
}
