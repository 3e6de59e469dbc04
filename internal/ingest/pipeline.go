package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/deusflow/clearfeed/internal/filter"
	"github.com/deusflow/clearfeed/internal/metrics"
	"github.com/deusflow/clearfeed/internal/news"
	"github.com/deusflow/clearfeed/internal/retry"
	"github.com/deusflow/clearfeed/internal/rss"
	"github.com/deusflow/clearfeed/internal/trending"
)

// FeedSource supplies one batch of raw articles per cycle.
type FeedSource interface {
	Fetch(ctx context.Context) (rss.Batch, error)
}

// TrendSource supplies the current trending topics in one call.
type TrendSource interface {
	Topics(ctx context.Context) ([]trending.Topic, error)
}

// ArticleStore is the write side of the article store used by ingestion.
type ArticleStore interface {
	ExistingIDs(ctx context.Context, ids []string) (map[string]bool, error)
	InsertArticle(ctx context.Context, a news.Article) (bool, error)
}

// Classifier optionally labels article tone. It may return partial labels
// together with an error.
type Classifier interface {
	Classify(ctx context.Context, articles []news.Article) ([]news.Sentiment, error)
}

// Enricher fills in missing summaries in place and reports how many it
// filled.
type Enricher interface {
	Fill(ctx context.Context, articles []news.Article) int
}

type Options struct {
	TrendingEnabled bool
	CycleTimeout    time.Duration
	Retry           retry.RetryConfig
}

// CycleStats summarizes one RunCycle.
type CycleStats struct {
	CycleID          string
	Fetched          int
	FetchErrors      int
	Malformed        int
	Duplicates       int
	Enriched         int
	Filtered         map[filter.Reason]int
	SentimentDropped int
	Stored           int
	StorageErrors    int
	TrendingTopics   int
	TrendingFallback bool
	Duration         time.Duration
}

// Pipeline runs fetch, dedup, filter, score and store for one cycle at a
// time. The trending snapshot it publishes is read by other components.
type Pipeline struct {
	feeds      FeedSource
	trends     TrendSource
	store      ArticleStore
	filter     *filter.Filter
	classifier Classifier
	enricher   Enricher
	opts       Options
	metrics    *metrics.Metrics
	logger     *slog.Logger

	index atomic.Pointer[trending.Index]
}

func New(feeds FeedSource, trends TrendSource, store ArticleStore, f *filter.Filter, classifier Classifier, opts Options, m *metrics.Metrics, logger *slog.Logger) *Pipeline {
	if m == nil {
		m = metrics.Global
	}
	p := &Pipeline{
		feeds:      feeds,
		trends:     trends,
		store:      store,
		filter:     f,
		classifier: classifier,
		opts:       opts,
		metrics:    m,
		logger:     logger.With("component", "ingest"),
	}
	p.index.Store(trending.Build(nil))
	return p
}

// WithEnricher makes the pipeline look up summaries for new articles that
// arrive without one, before filtering.
func (p *Pipeline) WithEnricher(e Enricher) *Pipeline {
	p.enricher = e
	return p
}

// Index returns the snapshot built by the latest cycle.
func (p *Pipeline) Index() *trending.Index {
	return p.index.Load()
}

// RunCycle ingests one batch. Per-source and per-article failures are
// logged and counted; only a cancelled context ends the cycle early.
func (p *Pipeline) RunCycle(ctx context.Context, now time.Time) (CycleStats, error) {
	start := time.Now()
	stats := CycleStats{CycleID: uuid.NewString(), Filtered: map[filter.Reason]int{}}
	log := p.logger.With("cycle", stats.CycleID)

	if p.opts.CycleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.CycleTimeout)
		defer cancel()
	}

	idx, err := p.buildIndex(ctx, log)
	scored := err == nil
	if !scored {
		stats.TrendingFallback = true
	}
	p.index.Store(idx)
	stats.TrendingTopics = idx.Len()

	batch, err := p.feeds.Fetch(ctx)
	if err != nil {
		log.Error("Feed fetch failed", "error", err)
		p.metrics.SetError(err.Error())
		p.record(stats, start)
		return stats, fmt.Errorf("fetch feeds: %w", err)
	}
	stats.FetchErrors = len(batch.Failures)
	stats.Fetched = len(batch.Articles)

	candidates := p.prepare(batch.Articles, now, &stats, log)
	candidates = p.dedup(ctx, candidates, &stats, log)
	if p.enricher != nil {
		stats.Enriched = p.enricher.Fill(ctx, candidates)
	}

	admitted := candidates[:0]
	for _, a := range candidates {
		v := p.filter.Check(a, nil)
		if !v.Admitted {
			stats.Filtered[v.Reason]++
			log.Debug("Filtered", "title", a.Title, "reason", v.Reason, "term", v.Term)
			continue
		}
		admitted = append(admitted, a)
	}

	admitted = p.classify(ctx, admitted, &stats, log)

	for _, a := range admitted {
		if ctx.Err() != nil {
			break
		}
		if scored {
			a.TrendingScore = idx.Score(a.Keywords)
			a.TrendingScored = true
		}
		inserted, err := p.store.InsertArticle(ctx, a)
		if err != nil {
			stats.StorageErrors++
			log.Warn("Store article failed", "id", a.ID, "url", a.URL, "error", err)
			continue
		}
		if inserted {
			stats.Stored++
		} else {
			stats.Duplicates++
		}
	}

	p.record(stats, start)
	stats.Duration = time.Since(start)
	log.Info("Ingestion cycle complete",
		"fetched", stats.Fetched,
		"stored", stats.Stored,
		"duplicates", stats.Duplicates,
		"enriched", stats.Enriched,
		"malformed", stats.Malformed,
		"filtered", sum(stats.Filtered),
		"fetch_errors", stats.FetchErrors,
		"storage_errors", stats.StorageErrors,
		"trending_topics", stats.TrendingTopics,
		"duration", stats.Duration)

	if err := ctx.Err(); err != nil {
		return stats, fmt.Errorf("cycle interrupted: %w", err)
	}
	return stats, nil
}

// buildIndex returns an empty index with news.ErrTrendingUnavailable when
// trending is disabled or the source fails.
func (p *Pipeline) buildIndex(ctx context.Context, log *slog.Logger) (*trending.Index, error) {
	if !p.opts.TrendingEnabled || p.trends == nil {
		log.Debug("Trending disabled, scoring on recency only")
		return trending.Build(nil), news.ErrTrendingUnavailable
	}
	var topics []trending.Topic
	err := retry.WithRetry(ctx, p.opts.Retry, func() error {
		var err error
		topics, err = p.trends.Topics(ctx)
		return err
	})
	if err != nil {
		log.Warn("Trending topics unavailable, scoring on recency only", "error", err)
		return trending.Build(nil), fmt.Errorf("%w: %v", news.ErrTrendingUnavailable, err)
	}
	return trending.Build(topics), nil
}

func (p *Pipeline) prepare(raw []news.RawArticle, now time.Time, stats *CycleStats, log *slog.Logger) []news.Article {
	out := make([]news.Article, 0, len(raw))
	seen := make(map[string]bool, len(raw))
	for _, r := range raw {
		a, err := news.FromRaw(r, now)
		if err != nil {
			stats.Malformed++
			log.Debug("Dropped malformed article", "error", err)
			continue
		}
		if seen[a.ID] {
			stats.Duplicates++
			continue
		}
		seen[a.ID] = true
		out = append(out, a)
	}
	return out
}

func (p *Pipeline) dedup(ctx context.Context, articles []news.Article, stats *CycleStats, log *slog.Logger) []news.Article {
	ids := make([]string, len(articles))
	for i, a := range articles {
		ids[i] = a.ID
	}
	known, err := p.store.ExistingIDs(ctx, ids)
	if err != nil {
		// Inserts are idempotent, so a failed lookup only costs extra work.
		log.Warn("Dedup lookup failed", "error", err)
		return articles
	}
	out := articles[:0]
	for _, a := range articles {
		if known[a.ID] {
			stats.Duplicates++
			continue
		}
		out = append(out, a)
	}
	return out
}

func (p *Pipeline) classify(ctx context.Context, articles []news.Article, stats *CycleStats, log *slog.Logger) []news.Article {
	if p.classifier == nil || len(articles) == 0 {
		return articles
	}
	labels, err := p.classifier.Classify(ctx, articles)
	if err != nil {
		log.Warn("Sentiment classification incomplete, keeping unlabelled articles", "error", err)
	}
	out := articles[:0]
	for i, a := range articles {
		if i < len(labels) {
			a.Sentiment = labels[i]
		}
		if a.Sentiment == news.SentimentNegative {
			stats.SentimentDropped++
			log.Debug("Dropped negative article", "title", a.Title)
			continue
		}
		out = append(out, a)
	}
	return out
}

func (p *Pipeline) record(stats CycleStats, start time.Time) {
	filtered := make(map[string]int, len(stats.Filtered))
	for k, v := range stats.Filtered {
		filtered[string(k)] = v
	}
	p.metrics.RecordCycle(metrics.CycleCounts{
		Fetched:          stats.Fetched,
		Stored:           stats.Stored,
		Duplicates:       stats.Duplicates,
		Malformed:        stats.Malformed,
		SentimentDropped: stats.SentimentDropped,
		FetchErrors:      stats.FetchErrors,
		StorageErrors:    stats.StorageErrors,
		Filtered:         filtered,
		TrendingFallback: stats.TrendingFallback,
	}, time.Since(start))
}

func sum(m map[filter.Reason]int) int {
	n := 0
	for _, v := range m {
		n += v
	}
	return n
}
