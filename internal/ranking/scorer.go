package ranking

import (
	"math"
	"time"

	"github.com/deusflow/clearfeed/internal/news"
)

const (
	DefaultTrendingWeight = 0.6
	DefaultHalfLife       = 24 * time.Hour
	DefaultHorizon        = 30 * 24 * time.Hour
)

// Scorer blends the stored trending score with an exponential recency decay.
type Scorer struct {
	TrendingEnabled bool
	TrendingWeight  float64
	HalfLife        time.Duration
	// Horizon is the age at which recency drops to zero, normally the
	// retention horizon.
	Horizon time.Duration
}

func NewScorer(trendingEnabled bool, weight float64, halfLife, horizon time.Duration) Scorer {
	return Scorer{
		TrendingEnabled: trendingEnabled,
		TrendingWeight:  weight,
		HalfLife:        halfLife,
		Horizon:         horizon,
	}
}

// Recency is 100 for fresh articles and halves every HalfLife.
func (s Scorer) Recency(published, now time.Time) float64 {
	age := now.Sub(published)
	if age <= 0 {
		return 100
	}
	if s.Horizon > 0 && age >= s.Horizon {
		return 0
	}
	halfLife := s.HalfLife
	if halfLife <= 0 {
		halfLife = DefaultHalfLife
	}
	return clamp(100 * math.Pow(0.5, age.Hours()/halfLife.Hours()))
}

func (s Scorer) weight() float64 {
	if !s.TrendingEnabled {
		return 0
	}
	return clampUnit(s.TrendingWeight)
}

// Composite returns weight*trending + (1-weight)*recency. Articles stored
// while trending data was unavailable score on recency alone.
func (s Scorer) Composite(a news.Article, now time.Time) float64 {
	recency := s.Recency(a.PublishedAt, now)
	w := s.weight()
	if w == 0 || !a.TrendingScored {
		return recency
	}
	return clamp(w*clamp(a.TrendingScore) + (1-w)*recency)
}

// Candidate is an article with its composite score at selection time.
type Candidate struct {
	Article   news.Article
	Composite float64
}

// Score computes composites for a pool.
func (s Scorer) Score(articles []news.Article, now time.Time) []Candidate {
	out := make([]Candidate, len(articles))
	for i, a := range articles {
		out[i] = Candidate{Article: a, Composite: s.Composite(a, now)}
	}
	return out
}

func clamp(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 100:
		return 100
	}
	return v
}

func clampUnit(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
