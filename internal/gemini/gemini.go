package gemini

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/deusflow/clearfeed/internal/news"
)

// BatchSize is the number of headlines sent per request.
const BatchSize = 40

// generator is the slice of the Gemini API the classifier needs.
type generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

type genaiGenerator struct {
	model *genai.GenerativeModel
}

func (g *genaiGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	resp, err := g.model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return "", fmt.Errorf("failed to generate content: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("no response from Gemini")
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			b.WriteString(string(t))
		}
	}
	return b.String(), nil
}

// Classifier labels article tone so overtly negative stories that slip
// past the keyword blocklist can be dropped.
type Classifier struct {
	client *genai.Client
	gen    generator
	logger *slog.Logger
}

func NewClassifier(ctx context.Context, apiKey, model string, logger *slog.Logger) (*Classifier, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	m := client.GenerativeModel(model)
	m.SetTemperature(0)
	return &Classifier{
		client: client,
		gen:    &genaiGenerator{model: m},
		logger: logger.With("component", "gemini"),
	}, nil
}

func (c *Classifier) Close() {
	if c.client != nil {
		c.client.Close()
	}
}

// Classify returns one label per article, in order. A failed batch leaves
// its articles as unknown and the error is returned alongside the labels.
func (c *Classifier) Classify(ctx context.Context, articles []news.Article) ([]news.Sentiment, error) {
	labels := make([]news.Sentiment, len(articles))
	for i := range labels {
		labels[i] = news.SentimentUnknown
	}

	var firstErr error
	for start := 0; start < len(articles); start += BatchSize {
		end := min(start+BatchSize, len(articles))
		batch := articles[start:end]

		resp, err := c.gen.Generate(ctx, buildPrompt(batch))
		if err != nil {
			c.logger.Warn("Sentiment batch failed", "from", start, "to", end, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		parsed := parseLabels(resp, len(batch))
		copy(labels[start:end], parsed)
	}
	return labels, firstErr
}

func buildPrompt(batch []news.Article) string {
	var b strings.Builder
	b.WriteString(`Classify the tone of each news item below for a calm, non-outrage news digest.

Answer with exactly one line per item in the form "<number>: <label>" where <label> is one of:
positive, neutral, negative.

Use "negative" only for items centred on violence, disaster, outrage or fear.

ITEMS:
`)
	for i, a := range batch {
		fmt.Fprintf(&b, "%d. %s", i+1, clean(a.Title, 200))
		if s := clean(a.Summary, 300); s != "" {
			fmt.Fprintf(&b, " | %s", s)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

func clean(s string, maxRunes int) string {
	s = strings.Join(strings.Fields(strings.ReplaceAll(s, "\r", "")), " ")
	if utf8.RuneCountInString(s) > maxRunes {
		s = string([]rune(s)[:maxRunes])
	}
	return s
}

var labelLine = regexp.MustCompile(`(?i)^\s*\**\s*(\d+)\s*[.:)\-]\s*\**\s*(positive|neutral|negative)\b`)

// parseLabels reads "<n>: <label>" lines. Missing or out-of-range numbers
// stay unknown.
func parseLabels(resp string, n int) []news.Sentiment {
	out := make([]news.Sentiment, n)
	for i := range out {
		out[i] = news.SentimentUnknown
	}
	for _, line := range strings.Split(resp, "\n") {
		m := labelLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		idx, err := strconv.Atoi(m[1])
		if err != nil || idx < 1 || idx > n {
			continue
		}
		out[idx-1] = news.ParseSentiment(m[2])
	}
	return out
}
