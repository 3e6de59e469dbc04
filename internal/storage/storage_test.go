package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deusflow/clearfeed/internal/news"
	"github.com/deusflow/clearfeed/internal/preferences"
)

var dbSeq atomic.Int64

func openTestDB(t *testing.T) *DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared", name, dbSeq.Add(1))
	db, err := Open(context.Background(), DriverSQLite, dsn, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

var base = time.Date(2025, 5, 10, 12, 0, 0, 0, time.UTC)

func testArticle(id string, cat news.Category, published time.Time) news.Article {
	return news.Article{
		ID:             id,
		URL:            "https://example.com/" + id,
		Category:       cat,
		Source:         "example.com",
		Title:          "Title " + id,
		Summary:        "Summary",
		Keywords:       []string{"chess", "ai"},
		PublishedAt:    published,
		FetchedAt:      base,
		TrendingScore:  42.5,
		TrendingScored: true,
		Sentiment:      news.SentimentPositive,
	}
}

func TestOpen_RejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), "mysql", "x", slog.Default())
	assert.Error(t, err)
}

func TestInsertArticle_Idempotent(t *testing.T) {
	ctx := context.Background()
	store := NewArticleStore(openTestDB(t))

	a := testArticle("a1", news.CategoryTech, base)
	inserted, err := store.InsertArticle(ctx, a)
	require.NoError(t, err)
	assert.True(t, inserted)

	a.Title = "changed"
	inserted, err = store.InsertArticle(ctx, a)
	require.NoError(t, err)
	assert.False(t, inserted)

	got, err := store.Get(ctx, []string{"a1"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Title a1", got[0].Title)
	assert.Equal(t, []string{"chess", "ai"}, got[0].Keywords)
	assert.True(t, got[0].PublishedAt.Equal(base))
	assert.True(t, got[0].TrendingScored)
	assert.Equal(t, news.SentimentPositive, got[0].Sentiment)

	counts, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[news.Category]int{news.CategoryTech: 1}, counts)
}

func TestExistingIDs(t *testing.T) {
	ctx := context.Background()
	store := NewArticleStore(openTestDB(t))
	_, err := store.InsertArticle(ctx, testArticle("a1", news.CategoryTech, base))
	require.NoError(t, err)

	found, err := store.ExistingIDs(ctx, []string{"a1", "a2"})
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"a1": true}, found)

	found, err = store.ExistingIDs(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestCandidates_WindowCategoryAndHistory(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	articles := NewArticleStore(db)
	prefs := NewPreferenceStore(db)

	for _, a := range []news.Article{
		testArticle("new", news.CategoryTech, base.Add(-time.Hour)),
		testArticle("old", news.CategoryTech, base.Add(-40*24*time.Hour)),
		testArticle("sent", news.CategoryTech, base.Add(-2*time.Hour)),
		testArticle("food", news.CategoryFood, base),
	} {
		_, err := articles.InsertArticle(ctx, a)
		require.NoError(t, err)
	}
	require.NoError(t, prefs.Save(ctx, preferences.Default(7)))
	require.NoError(t, prefs.MarkDelivered(ctx, 7, preferences.SlotMorning, "2025-05-10", base, []string{"sent"}))

	since := base.Add(-30 * 24 * time.Hour)
	got, err := articles.Candidates(ctx, news.CategoryTech, since, 0, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, []string{"new", "sent"}, ids(got))

	got, err = articles.Candidates(ctx, news.CategoryTech, since, 7, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, []string{"new"}, ids(got))

	got, err = articles.Candidates(ctx, news.CategoryTech, since, 8, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, []string{"new", "sent"}, ids(got))
}

func TestCandidates_AsOfRebuildsEarlierPool(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	articles := NewArticleStore(db)
	prefs := NewPreferenceStore(db)

	late := testArticle("late", news.CategoryTech, base.Add(-time.Hour))
	late.FetchedAt = base.Add(2 * time.Hour)
	for _, a := range []news.Article{
		testArticle("morning", news.CategoryTech, base.Add(-3*time.Hour)),
		testArticle("evening", news.CategoryTech, base.Add(-2*time.Hour)),
		late,
	} {
		_, err := articles.InsertArticle(ctx, a)
		require.NoError(t, err)
	}
	require.NoError(t, prefs.Save(ctx, preferences.Default(7)))
	require.NoError(t, prefs.MarkDelivered(ctx, 7, preferences.SlotMorning, "2025-05-10", base.Add(-time.Hour), []string{"morning"}))
	require.NoError(t, prefs.MarkDelivered(ctx, 7, preferences.SlotEvening, "2025-05-10", base.Add(time.Hour), []string{"evening"}))

	since := base.Add(-30 * 24 * time.Hour)
	got, err := articles.Candidates(ctx, news.CategoryTech, since, 7, base)
	require.NoError(t, err)
	assert.Equal(t, []string{"evening"}, ids(got), "later deliveries and later fetches do not change the pool")

	got, err = articles.Candidates(ctx, news.CategoryTech, since, 7, base.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []string{"evening"}, ids(got), "a delivery made at asOf still belongs to the pool")

	got, err = articles.Candidates(ctx, news.CategoryTech, since, 7, base.Add(3*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []string{"late"}, ids(got))
}

func TestDeleteOlderThan_RetentionAndLeases(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	articles := NewArticleStore(db)
	prefs := NewPreferenceStore(db)

	for _, a := range []news.Article{
		testArticle("d31", news.CategoryScience, base.Add(-31*24*time.Hour)),
		testArticle("d29", news.CategoryScience, base.Add(-29*24*time.Hour)),
		testArticle("leased", news.CategoryScience, base.Add(-45*24*time.Hour)),
	} {
		_, err := articles.InsertArticle(ctx, a)
		require.NoError(t, err)
	}
	require.NoError(t, prefs.Save(ctx, preferences.Default(1)))
	require.NoError(t, prefs.MarkDelivered(ctx, 1, preferences.SlotMorning, "2025-04-09", base, []string{"d31", "d29"}))

	n, err := articles.DeleteOlderThan(ctx, base.Add(-30*24*time.Hour), []string{"leased"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	left, err := articles.Get(ctx, []string{"d31", "d29", "leased"})
	require.NoError(t, err)
	assert.Equal(t, []string{"d29", "leased"}, ids(left))

	var history int
	require.NoError(t, db.db.QueryRow(`SELECT COUNT(*) FROM sent_articles`).Scan(&history))
	assert.Equal(t, 1, history, "history for purged articles goes with them")
}

func TestPreferenceStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewPreferenceStore(openTestDB(t))

	evening := preferences.ClockTime{Hour: 19, Minute: 30}
	p := preferences.Default(99)
	p.Timezone = "UTC+9"
	p.EveningTime = &evening
	p.EnabledCategories = []news.Category{news.CategoryFood, news.CategoryAI}
	p.EnabledSources = map[news.Category][]string{news.CategoryAI: {"openai.com", "theverge.com"}}
	p.BlockedKeywords = []string{"crypto"}
	require.NoError(t, store.Save(ctx, p))

	got, err := store.Get(ctx, 99)
	require.NoError(t, err)
	assert.Equal(t, "UTC+9", got.Timezone)
	assert.Equal(t, &preferences.ClockTime{Hour: 8}, got.MorningTime)
	assert.Equal(t, &evening, got.EveningTime)
	assert.Equal(t, []news.Category{news.CategoryAI, news.CategoryFood}, got.EnabledCategories)
	assert.Equal(t, []string{"openai.com", "theverge.com"}, got.EnabledSources[news.CategoryAI])
	assert.Equal(t, []string{"crypto"}, got.BlockedKeywords)
	assert.False(t, got.Paused)
	assert.Empty(t, got.LastDelivered)

	p.BlockedKeywords = nil
	p.EnabledSources = nil
	require.NoError(t, store.Save(ctx, p))
	got, err = store.Get(ctx, 99)
	require.NoError(t, err)
	assert.Empty(t, got.BlockedKeywords)
	assert.Empty(t, got.EnabledSources)

	_, err = store.Get(ctx, 5)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestPreferenceStore_PauseResumeAndDelivery(t *testing.T) {
	ctx := context.Background()
	store := NewPreferenceStore(openTestDB(t))
	require.NoError(t, store.Save(ctx, preferences.Default(1)))
	require.NoError(t, store.Save(ctx, preferences.Default(2)))

	require.NoError(t, store.SetPaused(ctx, 1, true, base))
	require.NoError(t, store.SetPaused(ctx, 2, false, base))
	assert.ErrorIs(t, store.SetPaused(ctx, 3, true, base), ErrNotFound)

	require.NoError(t, store.MarkDelivered(ctx, 2, preferences.SlotMorning, "2025-05-10", base, []string{"x"}))
	require.NoError(t, store.MarkDelivered(ctx, 2, preferences.SlotMorning, "2025-05-11", base.Add(24*time.Hour), []string{"x", "y"}))

	users, err := store.Users(ctx)
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.True(t, users[0].Paused)
	assert.False(t, users[1].Paused)
	assert.True(t, users[1].ResumedAt.Equal(base))
	assert.Equal(t, "2025-05-11", users[1].LastDelivered[preferences.SlotMorning])

	// Saving preferences keeps the pause flag owned by SetPaused.
	require.NoError(t, store.Save(ctx, preferences.Default(1)))
	u, err := store.Get(ctx, 1)
	require.NoError(t, err)
	assert.True(t, u.Paused)
}

func ids(list []news.Article) []string {
	out := make([]string, len(list))
	for i, a := range list {
		out[i] = a.ID
	}
	return out
}
