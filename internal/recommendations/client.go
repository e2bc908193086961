package recommendations

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/fabienpiette/tunevault/internal/config"
	"github.com/fabienpiette/tunevault/internal/media"
	"github.com/fabienpiette/tunevault/internal/models"
)

// Recommender returns contextual song recommendations for a user
type Recommender interface {
	Recommend(ctx context.Context, userID int64, listening models.ListeningContext, limit int) ([]models.Recommendation, error)
}

// Client handles communication with the recommendation API
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *logrus.Logger
}

// NewClient creates a new recommendation API client
func NewClient(cfg config.ClientConfig, logger *logrus.Logger) *Client {
	return &Client{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
		},
		limiter: media.NewLimiter(cfg),
		logger:  logger,
	}
}

// Recommend fetches recommendations scored in [0,1]
func (c *Client) Recommend(ctx context.Context, userID int64, listening models.ListeningContext, limit int) ([]models.Recommendation, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit error: %w", err)
	}

	params := url.Values{}
	params.Set("time_of_day", listening.TimeOfDay)
	params.Set("activity", listening.Activity)
	params.Set("weekend", strconv.FormatBool(listening.Weekend))
	params.Set("limit", strconv.Itoa(limit))
	fullURL := c.baseURL + "/api/v1/users/" + strconv.FormatInt(userID, 10) + "/recommendations?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("X-Api-Key", c.apiKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "TuneVault/1.0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	var body struct {
		Recommendations []models.Recommendation `json:"recommendations"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode recommendations: %w", err)
	}

	recs := body.Recommendations[:0]
	for _, rec := range body.Recommendations {
		if rec.SongID <= 0 || rec.Score < 0 || rec.Score > 1 {
			c.logger.WithField("song_id", rec.SongID).Debug("Dropping out-of-range recommendation")
			continue
		}
		recs = append(recs, rec)
	}
	return recs, nil
}
