package recommendations

import (
	"context"
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

func TestClient_Recommend(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/users/5/recommendations", r.URL.Path)
		assert.Equal(t, "morning_commute", r.URL.Query().Get("time_of_day"))
		assert.Equal(t, "commute", r.URL.Query().Get("activity"))
		assert.Equal(t, "false", r.URL.Query().Get("weekend"))
		assert.Equal(t, "20", r.URL.Query().Get("limit"))
		w.Write([]byte(`{"recommendations":[
			{"song_id": 10, "score": 0.9, "reason": "fits your commute"},
			{"song_id": 11, "score": 1.7, "reason": "broken"},
			{"song_id": 0, "score": 0.5, "reason": "missing id"},
			{"song_id": 12, "score": 0.4, "reason": "similar artists"}
		]}`))
	}))
	defer srv.Close()

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	client := NewClient(config.ClientConfig{BaseURL: srv.URL, TimeoutSeconds: 5}, logger)

	recs, err := client.Recommend(context.Background(), 5, models.ListeningContext{
		TimeOfDay: "morning_commute",
		Activity:  "commute",
	}, 20)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, int64(10), recs[0].SongID)
	assert.Equal(t, 0.9, recs[0].Score)
	assert.Equal(t, int64(12), recs[1].SongID)
}

func TestClient_Recommend_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	client := NewClient(config.ClientConfig{BaseURL: srv.URL, TimeoutSeconds: 5}, logger)

	_, err := client.Recommend(context.Background(), 5, models.ListeningContext{}, 10)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}
