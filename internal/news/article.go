package news

import (
	"strings"
	"time"
)

// Sentiment is the label assigned by the optional classifier.
type Sentiment string

const (
	SentimentUnknown  Sentiment = "unknown"
	SentimentPositive Sentiment = "positive"
	SentimentNeutral  Sentiment = "neutral"
	SentimentNegative Sentiment = "negative"
)

// ParseSentiment maps free text to a label; anything unrecognised is unknown.
func ParseSentiment(s string) Sentiment {
	switch Sentiment(strings.ToLower(strings.TrimSpace(s))) {
	case SentimentPositive:
		return SentimentPositive
	case SentimentNeutral:
		return SentimentNeutral
	case SentimentNegative:
		return SentimentNegative
	}
	return SentimentUnknown
}

// RawArticle is a feed entry before canonicalization.
type RawArticle struct {
	URL         string
	Title       string
	Summary     string
	Category    Category
	FeedURL     string
	Tags        []string
	PublishedAt time.Time
}

// Article is a stored candidate for digests.
type Article struct {
	ID             string
	URL            string
	Category       Category
	Source         string
	Title          string
	Summary        string
	Keywords       []string
	PublishedAt    time.Time
	FetchedAt      time.Time
	TrendingScore  float64
	TrendingScored bool
	Sentiment      Sentiment
}

// FromRaw validates a feed entry and turns it into an Article keyed by the
// hash of its canonical URL. Missing url, title or category, and links that
// do not parse, yield a *MalformedArticleError.
func FromRaw(raw RawArticle, now time.Time) (Article, error) {
	title := strings.TrimSpace(raw.Title)
	link := strings.TrimSpace(raw.URL)
	switch {
	case link == "":
		return Article{}, &MalformedArticleError{Field: "url"}
	case title == "":
		return Article{}, &MalformedArticleError{Field: "title", URL: link}
	case !raw.Category.Valid():
		return Article{}, &MalformedArticleError{Field: "category", URL: link}
	}

	id, err := ArticleID(link)
	if err != nil {
		return Article{}, &MalformedArticleError{Field: "url", URL: link}
	}

	source := SourceDomain(raw.FeedURL)
	if source == "" {
		source = SourceDomain(link)
	}

	published := raw.PublishedAt
	if published.IsZero() {
		published = now
	}

	return Article{
		ID:          id,
		URL:         link,
		Category:    raw.Category,
		Source:      source,
		Title:       title,
		Summary:     strings.TrimSpace(raw.Summary),
		Keywords:    MergeKeywords(raw.Tags, title),
		PublishedAt: published.UTC(),
		FetchedAt:   now.UTC(),
		Sentiment:   SentimentUnknown,
	}, nil
}
