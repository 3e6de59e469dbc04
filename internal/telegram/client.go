package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/deusflow/clearfeed/internal/delivery"
	"github.com/deusflow/clearfeed/internal/news"
	"github.com/deusflow/clearfeed/internal/ratelimit"
	"github.com/deusflow/clearfeed/internal/retry"
)

const DefaultAPIURL = "https://api.telegram.org"

// Client sends digests through the Bot API. It implements
// delivery.Messenger.
type Client struct {
	token   string
	baseURL string
	http    *http.Client
	limiter *ratelimit.Limiter
	retry   retry.RetryConfig
	logger  *slog.Logger
}

func NewClient(token, baseURL string, limiter *ratelimit.Limiter, retryCfg retry.RetryConfig, logger *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultAPIURL
	}
	if limiter == nil {
		limiter = ratelimit.New(0, 0)
	}
	c := &Client{
		token:   token,
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
		limiter: limiter,
		retry:   retryCfg,
		logger:  logger.With("component", "telegram"),
	}
	c.retry.OnRetry = func(attempt int, err error, delay time.Duration) {
		c.logger.Warn("Telegram send failed, retrying", "attempt", attempt, "delay", delay, "error", err)
	}
	return c
}

type sendMessageRequest struct {
	ChatID                int64                 `json:"chat_id"`
	Text                  string                `json:"text"`
	ParseMode             string                `json:"parse_mode"`
	DisableWebPagePreview bool                  `json:"disable_web_page_preview"`
	ReplyMarkup           *InlineKeyboardMarkup `json:"reply_markup,omitempty"`
}

type answerCallbackRequest struct {
	CallbackQueryID string `json:"callback_query_id"`
	Text            string `json:"text,omitempty"`
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
	Parameters  struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

// SendDigest sends one category of a scheduled digest.
func (c *Client) SendDigest(ctx context.Context, d delivery.Digest) error {
	return c.send(ctx, d)
}

// SendMore answers an on-demand page request.
func (c *Client) SendMore(ctx context.Context, d delivery.Digest) error {
	d.Slot = ""
	return c.send(ctx, d)
}

func (c *Client) send(ctx context.Context, d delivery.Digest) error {
	req := sendMessageRequest{
		ChatID:                d.UserID,
		Text:                  RenderDigest(d),
		ParseMode:             "HTML",
		DisableWebPagePreview: true,
		ReplyMarkup:           MoreKeyboard(d),
	}
	err := retry.WithRetry(ctx, c.retry, func() error {
		if err := c.limiter.Wait(ctx, d.UserID); err != nil {
			return retry.Permanent(err)
		}
		return c.call(ctx, "sendMessage", req)
	})
	if err != nil {
		return &news.SendError{UserID: d.UserID, Category: d.Category, Err: err}
	}
	c.logger.Debug("Message sent", "chat", d.UserID, "category", d.Category, "articles", len(d.Articles))
	return nil
}

// AnswerCallback acknowledges a button press so the client stops showing
// a progress indicator. A non-empty text is shown to the user as a toast.
// It is tried once: Telegram stops accepting answers after a few seconds.
func (c *Client) AnswerCallback(ctx context.Context, callbackID, text string) error {
	err := c.call(ctx, "answerCallbackQuery", answerCallbackRequest{CallbackQueryID: callbackID, Text: text})
	if err != nil {
		return fmt.Errorf("answer callback: %w", err)
	}
	return nil
}

// call does one Bot API request. Client errors other than 429 are
// permanent.
func (c *Client) call(ctx context.Context, method string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return retry.Permanent(fmt.Errorf("encode %s: %w", method, err))
	}
	endpoint := fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		// The URL carries the token; keep it out of logs.
		var uerr *url.Error
		if errors.As(err, &uerr) {
			err = uerr.Err
		}
		err = fmt.Errorf("telegram request: %w", err)
		if ctx.Err() != nil {
			return retry.Permanent(err)
		}
		return err
	}
	defer func(Body io.ReadCloser) {
		if err := Body.Close(); err != nil {
			c.logger.Warn("Failed to close response body", "error", err)
		}
	}(resp.Body)

	var out apiResponse
	_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&out)

	switch {
	case resp.StatusCode == http.StatusOK && out.OK:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return &retry.RetryAfter{
			Err:   fmt.Errorf("telegram API error: status %d: %s", resp.StatusCode, out.Description),
			After: time.Duration(out.Parameters.RetryAfter) * time.Second,
		}
	case resp.StatusCode >= 500:
		return fmt.Errorf("telegram API error: status %d: %s", resp.StatusCode, out.Description)
	default:
		return retry.Permanent(fmt.Errorf("telegram API error: status %d: %s", resp.StatusCode, out.Description))
	}
}
