package ranking

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deusflow/clearfeed/internal/news"
	"github.com/deusflow/clearfeed/internal/trending"
)

var now = time.Date(2025, 5, 10, 12, 0, 0, 0, time.UTC)

func TestRecency(t *testing.T) {
	t.Parallel()

	s := NewScorer(true, 0.6, 24*time.Hour, 30*24*time.Hour)
	assert.Equal(t, 100.0, s.Recency(now, now))
	assert.Equal(t, 100.0, s.Recency(now.Add(time.Hour), now), "future timestamps count as fresh")
	assert.InDelta(t, 50.0, s.Recency(now.Add(-24*time.Hour), now), 1e-9)
	assert.InDelta(t, 25.0, s.Recency(now.Add(-48*time.Hour), now), 1e-9)
	assert.Equal(t, 0.0, s.Recency(now.Add(-30*24*time.Hour), now))
	assert.Greater(t, s.Recency(now.Add(-time.Hour), now), s.Recency(now.Add(-2*time.Hour), now))
}

func TestComposite_Scenario(t *testing.T) {
	t.Parallel()

	idx := trending.Build([]trending.Topic{{Term: "artificial intelligence", Popularity: 95}, {Term: "chess", Popularity: 40}})
	a := news.Article{
		ID:             "a",
		Keywords:       []string{"ai", "robotics"},
		PublishedAt:    now.Add(-24 * time.Hour),
		TrendingScore:  idx.Score([]string{"ai", "robotics"}),
		TrendingScored: true,
	}
	require.Equal(t, 95.0, a.TrendingScore)

	s := NewScorer(true, 0.6, 24*time.Hour, 30*24*time.Hour)
	assert.InDelta(t, 77.0, s.Composite(a, now), 1e-9)
}

func TestComposite_RecencyOnly(t *testing.T) {
	t.Parallel()

	a := news.Article{PublishedAt: now.Add(-24 * time.Hour), TrendingScore: 95, TrendingScored: true}

	disabled := NewScorer(false, 0.6, 24*time.Hour, 0)
	assert.Equal(t, disabled.Recency(a.PublishedAt, now), disabled.Composite(a, now))

	unavailable := NewScorer(true, 0.6, 24*time.Hour, 0)
	a.TrendingScored = false
	assert.Equal(t, unavailable.Recency(a.PublishedAt, now), unavailable.Composite(a, now))
}

func TestComposite_Bounds(t *testing.T) {
	t.Parallel()

	r := rand.New(rand.NewSource(1))
	for i := 0; i < 500; i++ {
		s := NewScorer(r.Intn(2) == 0, r.Float64()*3-1, time.Duration(r.Intn(72)-10)*time.Hour, 30*24*time.Hour)
		a := news.Article{
			PublishedAt:    now.Add(time.Duration(r.Intn(1000)-100) * -time.Hour),
			TrendingScore:  r.Float64()*300 - 100,
			TrendingScored: r.Intn(2) == 0,
		}
		c := s.Composite(a, now)
		assert.GreaterOrEqual(t, c, 0.0)
		assert.LessOrEqual(t, c, 100.0)
	}
}

func cand(id, source string, score float64, published time.Time) Candidate {
	return Candidate{
		Article:   news.Article{ID: id, Source: source, PublishedAt: published},
		Composite: score,
	}
}

func TestSelect_OrderAndTieBreaks(t *testing.T) {
	t.Parallel()

	pool := []Candidate{
		cand("c", "a.com", 50, now),
		cand("b", "b.com", 50, now),
		cand("a", "c.com", 50, now.Add(-time.Hour)),
		cand("d", "d.com", 90, now.Add(-time.Hour)),
	}
	assert.Equal(t, []string{"d", "b", "c", "a"}, Select(pool, 2, 10))
	assert.Equal(t, []string{"d", "b"}, Select(pool, 2, 2))
}

func TestSelect_PerSourceCap(t *testing.T) {
	t.Parallel()

	pool := []Candidate{
		cand("1", "wired.com", 99, now),
		cand("2", "WIRED.com", 98, now),
		cand("3", "wired.com", 97, now),
		cand("4", "verge.com", 10, now),
	}
	assert.Equal(t, []string{"1", "2", "4"}, Select(pool, 2, 5))
	assert.Equal(t, []string{"1", "2", "3", "4"}, Select(pool, 0, 5))
}

func TestSelect_EdgeCases(t *testing.T) {
	t.Parallel()

	pool := []Candidate{cand("1", "a.com", 1, now)}
	assert.Empty(t, Select(nil, 2, 5))
	assert.Empty(t, Select(pool, 2, 0))
	assert.NotNil(t, Select(pool, 2, 0))
	assert.Equal(t, []string{"1"}, Select(pool, 2, 5))
}

func TestSelect_CapHoldsForRandomPools(t *testing.T) {
	t.Parallel()

	r := rand.New(rand.NewSource(7))
	for round := 0; round < 200; round++ {
		n := r.Intn(40)
		pool := make([]Candidate, 0, n)
		for i := 0; i < n; i++ {
			pool = append(pool, cand(fmt.Sprintf("id-%d", i), fmt.Sprintf("s%d.com", r.Intn(4)), float64(r.Intn(5)), now.Add(-time.Duration(r.Intn(3))*time.Hour)))
		}
		maxN := r.Intn(10)
		first := Select(pool, 2, maxN)

		r.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })
		second := Select(pool, 2, maxN)
		assert.Equal(t, first, second, "selection must not depend on input order")

		counts := map[string]int{}
		bySource := map[string]string{}
		for _, c := range pool {
			bySource[c.Article.ID] = c.Article.Source
		}
		for _, id := range first {
			counts[bySource[id]]++
		}
		for src, c := range counts {
			assert.LessOrEqual(t, c, 2, src)
		}
		assert.LessOrEqual(t, len(first), maxN)
	}
}

func TestSelectPage(t *testing.T) {
	t.Parallel()

	pool := []Candidate{
		cand("1", "a.com", 90, now),
		cand("2", "b.com", 80, now),
		cand("3", "c.com", 70, now),
		cand("4", "d.com", 60, now),
		cand("5", "e.com", 50, now),
	}
	page, more := SelectPage(pool, 2, 0, 2)
	assert.Equal(t, []string{"1", "2"}, page)
	assert.True(t, more)

	page, more = SelectPage(pool, 2, 2, 2)
	assert.Equal(t, []string{"3", "4"}, page)
	assert.True(t, more)

	page, more = SelectPage(pool, 2, 4, 2)
	assert.Equal(t, []string{"5"}, page)
	assert.False(t, more)

	page, more = SelectPage(pool, 2, 3, 2)
	assert.Equal(t, []string{"4", "5"}, page)
	assert.False(t, more, "an exactly full last page has nothing after it")

	page, more = SelectPage(pool, 2, 10, 2)
	assert.Empty(t, page)
	assert.False(t, more)

	again, _ := SelectPage(pool, 2, 2, 2)
	first, _ := SelectPage(pool, 2, 2, 2)
	assert.Equal(t, first, again)
}
