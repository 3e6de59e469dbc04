package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deusflow/clearfeed/internal/delivery"
	"github.com/deusflow/clearfeed/internal/news"
	"github.com/deusflow/clearfeed/internal/preferences"
	"github.com/deusflow/clearfeed/internal/retry"
)

func testDigest() delivery.Digest {
	return delivery.Digest{
		UserID:   42,
		Category: news.CategoryTech,
		Slot:     preferences.SlotMorning,
		AsOf:     time.Date(2025, 5, 10, 8, 0, 0, 0, time.UTC),
		HasMore:  true,
		Articles: []news.Article{
			{
				ID:             "a",
				URL:            "https://www.theverge.com/a?x=1&y=2",
				Source:         "theverge.com",
				Title:          "Chips <and> salsa",
				Summary:        "A new chip ships. It is fast.",
				TrendingScore:  88,
				TrendingScored: true,
			},
			{
				ID:     "b",
				URL:    "https://wired.com/b",
				Source: "wired.com",
				Title:  "Quiet update",
			},
		},
	}
}

func newTestClient(url string) *Client {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewClient("TOKEN", url, nil, retry.RetryConfig{MaxAttempts: 3, Delay: time.Millisecond}, logger)
}

func TestSendDigest_PostsRenderedMessage(t *testing.T) {
	var got sendMessageRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/botTOKEN/sendMessage", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"ok":true,"result":{}}`))
	}))
	defer srv.Close()

	require.NoError(t, newTestClient(srv.URL).SendDigest(context.Background(), testDigest()))

	assert.Equal(t, int64(42), got.ChatID)
	assert.Equal(t, "HTML", got.ParseMode)
	assert.True(t, got.DisableWebPagePreview)
	assert.Contains(t, got.Text, "morning digest")
	require.NotNil(t, got.ReplyMarkup)
	assert.Equal(t, "morecat:tech:2:1746864000", got.ReplyMarkup.InlineKeyboard[0][0].CallbackData)
}

func TestSend_RetriesRateLimitAndServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch calls.Add(1) {
		case 1:
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"ok":false,"description":"Too Many Requests","parameters":{"retry_after":0}}`))
		case 2:
			w.WriteHeader(http.StatusBadGateway)
		default:
			_, _ = w.Write([]byte(`{"ok":true}`))
		}
	}))
	defer srv.Close()

	require.NoError(t, newTestClient(srv.URL).SendMore(context.Background(), testDigest()))
	assert.Equal(t, int32(3), calls.Load())
}

func TestSend_ClientErrorIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"ok":false,"description":"Forbidden: bot was blocked by the user"}`))
	}))
	defer srv.Close()

	err := newTestClient(srv.URL).SendDigest(context.Background(), testDigest())
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())

	var se *news.SendError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, int64(42), se.UserID)
	assert.Equal(t, news.CategoryTech, se.Category)
	assert.Contains(t, err.Error(), "blocked by the user")
	assert.NotContains(t, err.Error(), "TOKEN")
}

func TestSend_GivesUpAfterAttempts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := newTestClient(srv.URL).SendDigest(context.Background(), testDigest())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed after 3 attempts")
}

func TestRenderDigest(t *testing.T) {
	text := RenderDigest(testDigest())

	assert.Contains(t, text, "☀️ <b>Your morning digest</b>")
	assert.Contains(t, text, "<b>💻 Tech &amp; Innovation</b>")
	assert.Contains(t, text, `🔥 <a href="https://www.theverge.com/a?x=1&amp;y=2">Chips &lt;and&gt; salsa</a>`)
	assert.Contains(t, text, "A new chip ships. - <i>theverge.com</i>")
	assert.Contains(t, text, `• <a href="https://wired.com/b">Quiet update</a>`+"\n<i>wired.com</i>")
	assert.True(t, strings.HasSuffix(text, footer))
}

func TestRenderDigest_EmptyPage(t *testing.T) {
	d := delivery.Digest{UserID: 1, Category: news.CategoryFood, Offset: 10}
	assert.Contains(t, RenderDigest(d), "No more articles")
	assert.Nil(t, MoreKeyboard(d))
}

func TestShortSummary(t *testing.T) {
	assert.Equal(t, "First one.", shortSummary("First one. Second one."))
	assert.Equal(t, "No terminator here", shortSummary("No  terminator\nhere"))

	long := strings.Repeat("word ", 40)
	got := shortSummary(long)
	assert.True(t, strings.HasSuffix(got, "..."))
	assert.LessOrEqual(t, len([]rune(got)), 120)
}

func TestMoreKeyboard_HiddenWhenRankingEnds(t *testing.T) {
	d := testDigest()
	require.NotNil(t, MoreKeyboard(d))

	d.HasMore = false
	assert.Nil(t, MoreKeyboard(d))
}

func TestParseMoreCallback(t *testing.T) {
	p, err := ParseMoreCallback("morecat:good_news:5")
	require.NoError(t, err)
	assert.Equal(t, delivery.Page{Category: news.CategoryGoodNews, Offset: 5}, p)

	p, err = ParseMoreCallback("morecat:Science")
	require.NoError(t, err)
	assert.Equal(t, delivery.Page{Category: news.CategoryScience}, p)

	p, err = ParseMoreCallback(MoreCallbackData(testDigest().Next()))
	require.NoError(t, err)
	assert.Equal(t, news.CategoryTech, p.Category)
	assert.Equal(t, 2, p.Offset)
	assert.True(t, p.AsOf.Equal(time.Date(2025, 5, 10, 8, 0, 0, 0, time.UTC)))

	for _, bad := range []string{"more:tech", "morecat:weather", "morecat:tech:-1", "morecat:tech:x", "morecat:tech:1:x", "morecat:tech:1:2:3"} {
		_, err := ParseMoreCallback(bad)
		assert.Error(t, err, bad)
	}
}

func TestAnswerCallback(t *testing.T) {
	var got answerCallbackRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/botTOKEN/answerCallbackQuery", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"ok":true,"result":true}`))
	}))
	defer srv.Close()

	require.NoError(t, newTestClient(srv.URL).AnswerCallback(context.Background(), "cb-1", ""))
	assert.Equal(t, answerCallbackRequest{CallbackQueryID: "cb-1"}, got)
}

func TestAnswerCallback_ExpiredQuery(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"ok":false,"description":"Bad Request: query is too old"}`))
	}))
	defer srv.Close()

	err := newTestClient(srv.URL).AnswerCallback(context.Background(), "cb-1", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "query is too old")
	assert.Equal(t, int32(1), calls.Load())
}
