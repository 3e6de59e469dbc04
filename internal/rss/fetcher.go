package rss

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/mmcdole/gofeed"
	"golang.org/x/sync/errgroup"

	"github.com/deusflow/clearfeed/internal/news"
)

// Batch is the outcome of one fetch across the catalog.
type Batch struct {
	Articles []news.RawArticle
	Failures []*news.FetchError
}

// Fetcher downloads every catalog feed with bounded concurrency. A slow or
// failing feed only costs its own timeout.
type Fetcher struct {
	catalog     *Catalog
	parser      *gofeed.Parser
	timeout     time.Duration
	concurrency int
	logger      *slog.Logger
}

func NewFetcher(catalog *Catalog, timeout time.Duration, concurrency int, logger *slog.Logger) *Fetcher {
	if concurrency < 1 {
		concurrency = 1
	}
	parser := gofeed.NewParser()
	parser.Client = &http.Client{Timeout: timeout}
	parser.UserAgent = "clearfeed/1.0 (+rss digest)"
	return &Fetcher{
		catalog:     catalog,
		parser:      parser,
		timeout:     timeout,
		concurrency: concurrency,
		logger:      logger.With("component", "rss"),
	}
}

// Fetch never fails as a whole; per-feed errors are reported in the batch.
func (f *Fetcher) Fetch(ctx context.Context) (Batch, error) {
	feeds := f.catalog.Feeds()

	var (
		mu    sync.Mutex
		batch Batch
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.concurrency)
	for _, feed := range feeds {
		feed := feed
		g.Go(func() error {
			items, err := f.fetchOne(gctx, feed)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				batch.Failures = append(batch.Failures, &news.FetchError{Source: feed.URL, Err: err})
				f.logger.Warn("Error parsing RSS", "url", feed.URL, "error", err)
				return nil
			}
			batch.Articles = append(batch.Articles, items...)
			f.logger.Debug("Loaded feed", "url", feed.URL, "items", len(items))
			return nil
		})
	}
	_ = g.Wait()

	f.logger.Info("Processed RSS feeds",
		"ok", len(feeds)-len(batch.Failures),
		"total", len(feeds),
		"articles", len(batch.Articles))
	return batch, nil
}

func (f *Fetcher) fetchOne(ctx context.Context, feed Feed) ([]news.RawArticle, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	parsed, err := f.parser.ParseURLWithContext(feed.URL, ctx)
	if err != nil {
		return nil, err
	}

	out := make([]news.RawArticle, 0, len(parsed.Items))
	for _, item := range parsed.Items {
		out = append(out, toRaw(item, feed))
	}
	return out, nil
}

func toRaw(item *gofeed.Item, feed Feed) news.RawArticle {
	summary := item.Description
	if summary == "" {
		summary = item.Content
	}
	raw := news.RawArticle{
		URL:      item.Link,
		Title:    PlainText(item.Title),
		Summary:  Truncate(PlainText(summary), MaxSummaryRunes),
		Category: feed.Category,
		FeedURL:  feed.URL,
		Tags:     item.Categories,
	}
	switch {
	case item.PublishedParsed != nil:
		raw.PublishedAt = *item.PublishedParsed
	case item.UpdatedParsed != nil:
		raw.PublishedAt = *item.UpdatedParsed
	}
	return raw
}
