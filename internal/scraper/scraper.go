// Package scraper fills in summaries for feed items that ship without one
// by reading the article page's description.
package scraper

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/sync/errgroup"

	"github.com/deusflow/clearfeed/internal/news"
	"github.com/deusflow/clearfeed/internal/rss"
)

const (
	maxPageBytes   = 2 << 20
	minParagraph   = 40
	defaultWorkers = 4
)

var metaSelectors = []string{
	`meta[property="og:description"]`,
	`meta[name="description"]`,
	`meta[name="twitter:description"]`,
}

var paragraphSelectors = []string{
	"article p",
	".article p",
	".content p",
	".post-content p",
	".entry-content p",
	"main p",
	"p",
}

// Describer fetches article pages and extracts a short description.
type Describer struct {
	client  *http.Client
	limit   int
	workers int
	logger  *slog.Logger
}

// New returns a Describer that looks at no more than limit pages per Fill.
func New(timeout time.Duration, limit int, logger *slog.Logger) *Describer {
	return &Describer{
		client:  &http.Client{Timeout: timeout},
		limit:   limit,
		workers: defaultWorkers,
		logger:  logger.With("component", "scraper"),
	}
}

// Describe returns the page's meta description, or its first substantial
// paragraph when no description is declared.
func (d *Describer) Describe(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", "ClearFeed/1.0 (+summary)")
	req.Header.Set("Accept", "text/html")

	resp, err := d.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("load page: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("HTTP error: %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" && !strings.Contains(ct, "html") {
		return "", fmt.Errorf("not an HTML page: %s", ct)
	}

	doc, err := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return "", fmt.Errorf("parse page: %w", err)
	}
	if text := describe(doc); text != "" {
		return rss.Truncate(text, rss.MaxSummaryRunes), nil
	}
	return "", fmt.Errorf("no description found")
}

func describe(doc *goquery.Document) string {
	for _, sel := range metaSelectors {
		if v, ok := doc.Find(sel).First().Attr("content"); ok {
			if text := strings.Join(strings.Fields(v), " "); text != "" {
				return text
			}
		}
	}
	for _, sel := range paragraphSelectors {
		var found string
		doc.Find(sel).EachWithBreak(func(_ int, s *goquery.Selection) bool {
			text := strings.Join(strings.Fields(s.Text()), " ")
			if len(text) >= minParagraph {
				found = text
				return false
			}
			return true
		})
		if found != "" {
			return found
		}
	}
	return ""
}

// Fill sets Summary on articles that have none, in place, and returns how
// many were filled. Failures leave the summary empty.
func (d *Describer) Fill(ctx context.Context, articles []news.Article) int {
	var todo []int
	for i := range articles {
		if articles[i].Summary == "" && len(todo) < d.limit {
			todo = append(todo, i)
		}
	}
	if len(todo) == 0 {
		return 0
	}

	results := make([]string, len(todo))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.workers)
	for n, i := range todo {
		n, i := n, i
		g.Go(func() error {
			text, err := d.Describe(gctx, articles[i].URL)
			if err != nil {
				d.logger.Debug("No summary from page", "url", articles[i].URL, "error", err)
				return nil
			}
			results[n] = text
			return nil
		})
	}
	_ = g.Wait()

	filled := 0
	for n, i := range todo {
		if results[n] != "" {
			articles[i].Summary = results[n]
			filled++
		}
	}
	return filled
}
