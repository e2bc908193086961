package media

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
	"github.com/fabienpiette/tunevault/internal/models"
)

// Service resolves where a song can be streamed from
type Service interface {
	StreamURL(ctx context.Context, songID int64, quality models.Quality) (string, error)
}

// Client handles communication with the media streaming API
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *logrus.Logger
}

// NewClient creates a new media API client
func NewClient(cfg config.ClientConfig, logger *logrus.Logger) *Client {
	return &Client{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
		},
		limiter: NewLimiter(cfg),
		logger:  logger,
	}
}

// NewLimiter builds a token bucket allowing RateLimitRequests per RateLimitWindow
func NewLimiter(cfg config.ClientConfig) *rate.Limiter {
	if cfg.RateLimitRequests <= 0 || cfg.RateLimitWindow <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(
		rate.Every(time.Duration(cfg.RateLimitWindow)*time.Second/time.Duration(cfg.RateLimitRequests)),
		cfg.RateLimitRequests,
	)
}

// StreamURL returns a signed URL for the song at the requested quality
func (c *Client) StreamURL(ctx context.Context, songID int64, quality models.Quality) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limit error: %w", err)
	}

	params := url.Values{}
	params.Set("quality", string(quality))
	fullURL := c.baseURL + "/api/v1/songs/" + strconv.FormatInt(songID, 10) + "/stream?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("X-Api-Key", c.apiKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "TuneVault/1.0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return "", fmt.Errorf("song %d: %w", songID, models.ErrSongNotFound)
	case resp.StatusCode != http.StatusOK:
		return "", fmt.Errorf("HTTP %d resolving stream for song %d", resp.StatusCode, songID)
	}

	var body struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("failed to decode stream response: %w", err)
	}
	if body.URL == "" {
		return "", fmt.Errorf("empty stream URL for song %d", songID)
	}

	c.logger.WithFields(logrus.Fields{
		"song_id": songID,
		"quality": quality,
	}).Debug("Resolved stream URL")

	return body.URL, nil
}
