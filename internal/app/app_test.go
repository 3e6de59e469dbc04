package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deusflow/clearfeed/internal/config"
	"github.com/deusflow/clearfeed/internal/news"
	"github.com/deusflow/clearfeed/internal/preferences"
	"github.com/deusflow/clearfeed/internal/storage"
)

const feedBody = `<?xml version="1.0"?>
<rss version="2.0"><channel><title>Lab</title>
<item><title>Comet spotted over the Andes</title><link>https://lab.example.org/comet</link>
<description>&lt;p&gt;Astronomers confirm a new comet. More soon.&lt;/p&gt;</description>
<pubDate>Sat, 10 May 2025 06:00:00 +0000</pubDate></item>
<item><title>Deep sea robots map reef</title><link>https://lab.example.org/reef?utm_source=rss</link>
<pubDate>Sat, 10 May 2025 05:00:00 +0000</pubDate></item>
<item><title>Celebrity gossip roundup</title><link>https://lab.example.org/gossip</link>
<pubDate>Sat, 10 May 2025 05:30:00 +0000</pubDate></item>
</channel></rss>`

type sentMessage struct {
	ChatID int64  `json:"chat_id"`
	Text   string `json:"text"`
}

func feedServer() *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		_, _ = io.WriteString(w, feedBody)
	}))
}

func writeCatalog(t *testing.T, feedURL string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "feeds.yaml")
	require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf(
		"categories:\n  science:\n    - %s/rss\nblocked_keywords: [gossip]\n", feedURL)), 0o600))
	return path
}

func testConfig(dsn, catalogPath, botURL string) *config.Config {
	return &config.Config{
		DBDriver:               "sqlite3",
		DatabaseURL:            dsn,
		FeedsConfigPath:        catalogPath,
		FetchInterval:          2 * time.Hour,
		FetchTimeout:           5 * time.Second,
		FetchConcurrency:       2,
		CycleTimeout:           time.Minute,
		TrendingEnabled:        false,
		RecencyHalfLife:        24 * time.Hour,
		MaxArticlesPerCategory: 5,
		PerSourceCap:           2,
		RetentionDays:          30,
		RetentionSchedule:      "0 3 * * *",
		DeliverySchedule:       "* * * * *",
		SendTimeout:            5 * time.Second,
		MaxRetryAge:            3 * time.Hour,
		RetryAttempts:          1,
		RetryDelay:             time.Millisecond,
		MoreCooldown:           time.Second,
		TelegramToken:          "TOKEN",
		TelegramAPIURL:         botURL,
		HTTPAddr:               "127.0.0.1:0",
	}
}

func TestApp_IngestDeliverAndSweep(t *testing.T) {
	feeds := feedServer()
	defer feeds.Close()

	var mu sync.Mutex
	var sent []sentMessage
	bot := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var m sentMessage
		_ = json.NewDecoder(r.Body).Decode(&m)
		mu.Lock()
		sent = append(sent, m)
		mu.Unlock()
		_, _ = io.WriteString(w, `{"ok":true}`)
	}))
	defer bot.Close()

	cfg := testConfig("file:app_e2e?mode=memory&cache=shared", writeCatalog(t, feeds.URL), bot.URL)
	ctx := context.Background()
	a, err := New(ctx, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	defer a.Close()

	clock := time.Date(2025, 5, 10, 7, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return clock }

	a.runIngestion(ctx)
	counts, err := storage.NewArticleStore(a.db).Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[news.CategoryScience])

	morning := preferences.ClockTime{Hour: 8}
	require.NoError(t, a.prefs.Save(ctx, preferences.UserPreferences{
		UserID:            5,
		Timezone:          "UTC",
		EnabledCategories: []news.Category{news.CategoryScience},
		MorningTime:       &morning,
	}))

	a.runDelivery(ctx)
	mu.Lock()
	assert.Empty(t, sent, "07:00 is before the slot")
	mu.Unlock()

	clock = clock.Add(time.Hour)
	a.runDelivery(ctx)
	mu.Lock()
	require.Len(t, sent, 1)
	assert.Equal(t, int64(5), sent[0].ChatID)
	assert.Contains(t, sent[0].Text, "Comet spotted over the Andes")
	assert.Contains(t, sent[0].Text, "Deep sea robots map reef")
	assert.NotContains(t, sent[0].Text, "gossip")
	mu.Unlock()

	p, err := a.prefs.Get(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, "2025-05-10", p.LastDelivered[preferences.SlotMorning])

	// Re-ingesting the same feed stores nothing new.
	a.runIngestion(ctx)

	clock = clock.Add(40 * 24 * time.Hour)
	purged, err := a.sweeper.Sweep(ctx, clock)
	require.NoError(t, err)
	assert.Equal(t, int64(2), purged)
}

func TestApp_RunWaitsForStartupIngestion(t *testing.T) {
	feeds := feedServer()
	defer feeds.Close()
	bot := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"ok":true}`)
	}))
	defer bot.Close()

	cfg := testConfig("file:app_run?mode=memory&cache=shared", writeCatalog(t, feeds.URL), bot.URL)
	a, err := New(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	articles := storage.NewArticleStore(a.db)
	assert.Eventually(t, func() bool {
		counts, err := articles.Count(context.Background())
		return err == nil && counts[news.CategoryScience] == 2
	}, 5*time.Second, 10*time.Millisecond, "startup ingestion runs without waiting for the first interval")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.True(t, a.waitJobs(context.Background()))
}

func TestApp_WaitJobs(t *testing.T) {
	a := &App{}
	release := make(chan struct{})
	a.startJob(func() { <-release })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.False(t, a.waitJobs(ctx), "job still running")

	close(release)
	assert.True(t, a.waitJobs(context.Background()))
}
