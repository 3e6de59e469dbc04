package trending

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/mmcdole/gofeed"
)

const DefaultFeedURL = "https://trends.google.com/trending/rss?geo=US"

// GoogleTrends reads the daily trending-searches RSS feed. Items are ranked
// by feed order and mapped to popularity 100*(1 - rank/total).
type GoogleTrends struct {
	url    string
	parser *gofeed.Parser
	logger *slog.Logger
}

func NewGoogleTrends(feedURL string, timeout time.Duration, logger *slog.Logger) *GoogleTrends {
	if feedURL == "" {
		feedURL = DefaultFeedURL
	}
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	parser := gofeed.NewParser()
	parser.Client = &http.Client{Timeout: timeout}
	parser.UserAgent = "clearfeed/1.0"
	return &GoogleTrends{
		url:    feedURL,
		parser: parser,
		logger: logger.With("component", "trending"),
	}
}

// Topics fetches the current batch in a single request.
func (g *GoogleTrends) Topics(ctx context.Context) ([]Topic, error) {
	feed, err := g.parser.ParseURLWithContext(g.url, ctx)
	if err != nil {
		return nil, fmt.Errorf("google trends: %w", err)
	}
	total := len(feed.Items)
	if total == 0 {
		return nil, fmt.Errorf("google trends: empty feed")
	}

	topics := make([]Topic, 0, total)
	for rank, item := range feed.Items {
		if item.Title == "" {
			continue
		}
		topics = append(topics, Topic{
			Term:       item.Title,
			Popularity: 100 * (1 - float64(rank)/float64(total)),
		})
		// Related queries ride along with their parent term's rank.
		for _, related := range relatedQueries(item) {
			topics = append(topics, Topic{
				Term:       related,
				Popularity: 100 * (1 - float64(rank+1)/float64(total+1)),
			})
		}
	}
	g.logger.Debug("Fetched trending topics", "count", len(topics))
	return topics, nil
}

func relatedQueries(item *gofeed.Item) []string {
	var out []string
	for _, ns := range item.Extensions {
		for _, exts := range ns["news_item"] {
			for _, child := range exts.Children["news_item_title"] {
				if child.Value != "" {
					out = append(out, child.Value)
				}
			}
		}
	}
	return out
}
