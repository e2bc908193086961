package prediction

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/fabienpiette/tunevault/internal/models"
	"github.com/fabienpiette/tunevault/internal/recommendations"
	"github.com/fabienpiette/tunevault/internal/repositories"
)

const (
	maxSkipRate       = 0.3
	recentPlayWindow  = 24 * time.Hour
	socialWindow      = 7 * 24 * time.Hour
	minSequenceRepeat = 2
	minSocialListens  = 2
	genreWeight       = 0.6
	artistWeight      = 0.4
	maxConfidence     = 0.95
)

// Input is the per-invocation state shared by every predictor
type Input struct {
	UserID   int64
	DeviceID string
	Now      time.Time
	// History holds the user's plays in chronological order
	History []*models.PlayEvent
	Limit   int
}

// Predictor proposes songs the user is likely to play soon
type Predictor interface {
	Type() models.PredictionType
	Predict(ctx context.Context, in *Input) ([]models.SmartPrediction, error)
}

// Bucket is a listening period of the day
type Bucket string

const (
	BucketMorningCommute    Bucket = "morning_commute"
	BucketWorkHours         Bucket = "work_hours"
	BucketEveningCommute    Bucket = "evening_commute"
	BucketEveningRelaxation Bucket = "evening_relaxation"
	BucketOther             Bucket = "other"
)

// BucketOf classifies a moment. Commute and work buckets only exist on weekdays.
func BucketOf(t time.Time) Bucket {
	hour := t.Hour()
	weekend := isWeekend(t)
	switch {
	case !weekend && hour >= 6 && hour < 9:
		return BucketMorningCommute
	case !weekend && hour >= 9 && hour < 17:
		return BucketWorkHours
	case !weekend && hour >= 17 && hour < 19:
		return BucketEveningCommute
	case hour >= 19 && hour < 23:
		return BucketEveningRelaxation
	}
	return BucketOther
}

func isWeekend(t time.Time) bool {
	return t.Weekday() == time.Saturday || t.Weekday() == time.Sunday
}

func (b Bucket) activity() string {
	switch b {
	case BucketMorningCommute, BucketEveningCommute:
		return "commute"
	case BucketWorkHours:
		return "work"
	case BucketEveningRelaxation:
		return "relax"
	}
	return "general"
}

func (b Bucket) label() string {
	switch b {
	case BucketMorningCommute:
		return "morning commute"
	case BucketWorkHours:
		return "work hours"
	case BucketEveningCommute:
		return "evening commute"
	case BucketEveningRelaxation:
		return "evening relaxation"
	}
	return "this time of day"
}

// TimePredictor scores songs by how often they were played in the current
// time bucket on equivalent days.
type TimePredictor struct{}

func (TimePredictor) Type() models.PredictionType { return models.PredictionTimeBased }

func (TimePredictor) Predict(ctx context.Context, in *Input) ([]models.SmartPrediction, error) {
	bucket := BucketOf(in.Now)
	weekend := isWeekend(in.Now)

	type tally struct{ plays, skips int }
	tallies := make(map[int64]*tally)
	recent := make(map[int64]bool)
	for _, play := range in.History {
		if in.Now.Sub(play.PlayedAt) < recentPlayWindow {
			recent[play.SongID] = true
		}
		if BucketOf(play.PlayedAt) != bucket || isWeekend(play.PlayedAt) != weekend {
			continue
		}
		t := tallies[play.SongID]
		if t == nil {
			t = &tally{}
			tallies[play.SongID] = t
		}
		t.plays++
		if play.Skipped {
			t.skips++
		}
	}

	top := 0
	for songID, t := range tallies {
		if recent[songID] || float64(t.skips)/float64(t.plays) >= maxSkipRate {
			delete(tallies, songID)
			continue
		}
		if t.plays > top {
			top = t.plays
		}
	}

	var predictions []models.SmartPrediction
	for songID, t := range tallies {
		predictions = append(predictions, models.SmartPrediction{
			SongID:         songID,
			Confidence:     0.5 + 0.45*float64(t.plays)/float64(top),
			PredictionType: models.PredictionTimeBased,
			Reasoning:      fmt.Sprintf("Often played during %s", bucket.label()),
			Metadata:       map[string]interface{}{"bucket": string(bucket), "plays": t.plays},
		})
	}
	return topN(predictions, in.Limit), nil
}

// SequencePredictor recommends what historically followed the user's most
// recent run of plays.
type SequencePredictor struct {
	Length int
}

func (SequencePredictor) Type() models.PredictionType { return models.PredictionSequence }

func (p SequencePredictor) Predict(ctx context.Context, in *Input) ([]models.SmartPrediction, error) {
	n := p.Length
	if n <= 0 {
		n = 5
	}
	history := in.History
	if len(history) <= n {
		return nil, nil
	}

	tail := history[len(history)-n:]
	followers := make(map[int64]int)
	// The tail itself has no follower.
	for i := 0; i < len(history)-n; i++ {
		if !sameSongs(history[i:i+n], tail) {
			continue
		}
		followers[history[i+n].SongID]++
	}

	var predictions []models.SmartPrediction
	for songID, count := range followers {
		if count < minSequenceRepeat {
			continue
		}
		predictions = append(predictions, models.SmartPrediction{
			SongID:         songID,
			Confidence:     capConfidence(0.5 + 0.15*float64(count)),
			PredictionType: models.PredictionSequence,
			Reasoning:      fmt.Sprintf("Usually follows your last %d songs", n),
			Metadata:       map[string]interface{}{"occurrences": count},
		})
	}
	return topN(predictions, in.Limit), nil
}

func sameSongs(a, b []*models.PlayEvent) bool {
	for i := range a {
		if a[i].SongID != b[i].SongID {
			return false
		}
	}
	return true
}

// ContextPredictor asks the recommendation engine for the inferred listening
// context and discounts its scores.
type ContextPredictor struct {
	Recommender recommendations.Recommender
	Discount    float64
}

func (ContextPredictor) Type() models.PredictionType { return models.PredictionContext }

func (p ContextPredictor) Predict(ctx context.Context, in *Input) ([]models.SmartPrediction, error) {
	bucket := BucketOf(in.Now)
	listening := models.ListeningContext{
		TimeOfDay: string(bucket),
		Activity:  bucket.activity(),
		Weekend:   isWeekend(in.Now),
	}

	recs, err := p.Recommender.Recommend(ctx, in.UserID, listening, in.Limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get contextual recommendations: %w", err)
	}

	predictions := make([]models.SmartPrediction, 0, len(recs))
	for _, rec := range recs {
		reason := rec.Reason
		if reason == "" {
			reason = fmt.Sprintf("Fits your %s listening", listening.Activity)
		}
		predictions = append(predictions, models.SmartPrediction{
			SongID:         rec.SongID,
			Confidence:     capConfidence(rec.Score * p.Discount),
			PredictionType: models.PredictionContext,
			Reasoning:      reason,
			Metadata:       map[string]interface{}{"activity": listening.Activity},
		})
	}
	return predictions, nil
}

// TastePredictor blends genre and artist affinity over catalog songs
type TastePredictor struct {
	Catalog     repositories.CatalogRepository
	Listening   repositories.ListeningRepository
	MinScore    float64
	HistoryDays int
}

func (TastePredictor) Type() models.PredictionType { return models.PredictionTaste }

func (p TastePredictor) Predict(ctx context.Context, in *Input) ([]models.SmartPrediction, error) {
	since := in.Now.AddDate(0, 0, -p.HistoryDays)
	genres, err := p.Listening.TopGenres(ctx, in.UserID, since, 5)
	if err != nil {
		return nil, fmt.Errorf("failed to get top genres: %w", err)
	}
	artists, err := p.Listening.TopArtists(ctx, in.UserID, since, 10)
	if err != nil {
		return nil, fmt.Errorf("failed to get top artists: %w", err)
	}
	if len(genres) == 0 && len(artists) == 0 {
		return nil, nil
	}

	genreScore := make(map[string]float64, len(genres))
	genreNames := make([]string, 0, len(genres))
	for _, g := range genres {
		genreScore[g.Key] = g.Score
		genreNames = append(genreNames, g.Key)
	}
	artistScore := make(map[int64]float64, len(artists))
	artistIDs := make([]int64, 0, len(artists))
	for _, a := range artists {
		artistScore[a.ID] = a.Score
		artistIDs = append(artistIDs, a.ID)
	}

	songs, err := p.Catalog.FindByTaste(ctx, genreNames, artistIDs, in.Limit*5)
	if err != nil {
		return nil, fmt.Errorf("failed to search catalog: %w", err)
	}

	var predictions []models.SmartPrediction
	for _, song := range songs {
		score := genreWeight*genreScore[song.Genre] + artistWeight*artistScore[song.ArtistID]
		if score < p.MinScore {
			continue
		}
		predictions = append(predictions, models.SmartPrediction{
			SongID:         song.ID,
			Confidence:     capConfidence(score),
			PredictionType: models.PredictionTaste,
			Reasoning:      fmt.Sprintf("Matches your taste in %s", song.Genre),
			Metadata:       map[string]interface{}{"genre": song.Genre, "artist_id": song.ArtistID},
		})
	}
	return topN(predictions, in.Limit), nil
}

// SocialPredictor surfaces songs that several followed users played recently
type SocialPredictor struct {
	Listening repositories.ListeningRepository
}

func (SocialPredictor) Type() models.PredictionType { return models.PredictionSocial }

func (p SocialPredictor) Predict(ctx context.Context, in *Input) ([]models.SmartPrediction, error) {
	followees, err := p.Listening.ListFollowees(ctx, in.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to list followees: %w", err)
	}
	if len(followees) < minSocialListens {
		return nil, nil
	}

	since := in.Now.Add(-socialWindow)
	plays, err := p.Listening.ListPlaysByUsers(ctx, followees, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list followee plays: %w", err)
	}

	heard := make(map[int64]bool)
	for _, play := range in.History {
		if !play.PlayedAt.Before(since) {
			heard[play.SongID] = true
		}
	}

	listeners := make(map[int64]map[int64]bool)
	for _, play := range plays {
		if heard[play.SongID] {
			continue
		}
		if listeners[play.SongID] == nil {
			listeners[play.SongID] = make(map[int64]bool)
		}
		listeners[play.SongID][play.UserID] = true
	}

	var predictions []models.SmartPrediction
	for songID, users := range listeners {
		if len(users) < minSocialListens {
			continue
		}
		predictions = append(predictions, models.SmartPrediction{
			SongID:         songID,
			Confidence:     capConfidence(0.5 + 0.15*float64(len(users))),
			PredictionType: models.PredictionSocial,
			Reasoning:      fmt.Sprintf("Trending among %d people you follow", len(users)),
			Metadata:       map[string]interface{}{"listeners": len(users)},
		})
	}
	return topN(predictions, in.Limit), nil
}

func capConfidence(c float64) float64 {
	if c > maxConfidence {
		return maxConfidence
	}
	return c
}

// topN sorts by confidence and keeps the first n when n is positive
func topN(predictions []models.SmartPrediction, n int) []models.SmartPrediction {
	sortPredictions(predictions)
	if n > 0 && len(predictions) > n {
		predictions = predictions[:n]
	}
	return predictions
}

func sortPredictions(predictions []models.SmartPrediction) {
	sort.Slice(predictions, func(i, j int) bool {
		if predictions[i].Confidence != predictions[j].Confidence {
			return predictions[i].Confidence > predictions[j].Confidence
		}
		return predictions[i].SongID < predictions[j].SongID
	})
}
