package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/deusflow/clearfeed/internal/cache"
	"github.com/deusflow/clearfeed/internal/delivery"
	"github.com/deusflow/clearfeed/internal/metrics"
	"github.com/deusflow/clearfeed/internal/news"
	"github.com/deusflow/clearfeed/internal/preferences"
	"github.com/deusflow/clearfeed/internal/storage"
	"github.com/deusflow/clearfeed/internal/trending"
)

type PreferenceStore interface {
	Get(ctx context.Context, userID int64) (preferences.UserPreferences, error)
	Save(ctx context.Context, p preferences.UserPreferences) error
}

// Deliveries is the part of the delivery scheduler exposed over HTTP.
type Deliveries interface {
	More(ctx context.Context, userID int64, page delivery.Page) ([]string, error)
	Pause(ctx context.Context, userID int64, at time.Time) error
	Resume(ctx context.Context, userID int64, at time.Time) error
}

// CallbackAnswerer acknowledges Telegram button presses.
type CallbackAnswerer interface {
	AnswerCallback(ctx context.Context, callbackID, text string) error
}

type TrendingSource interface {
	Index() *trending.Index
}

// StatsSource contributes a section to /metrics.
type StatsSource interface {
	GetStats() map[string]interface{}
}

type Options struct {
	MoreCooldown  time.Duration
	WebhookSecret string
}

type Handler struct {
	prefs      PreferenceStore
	deliveries Deliveries
	trending   TrendingSource
	catalog    preferences.SourceCatalog
	metrics    *metrics.Metrics
	extra      map[string]StatsSource
	answerer   CallbackAnswerer
	opts       Options
	cooldown   *cache.Cache[int64, struct{}]
	logger     *slog.Logger
	now        func() time.Time
}

func NewHandler(prefs PreferenceStore, deliveries Deliveries, trends TrendingSource, catalog preferences.SourceCatalog, m *metrics.Metrics, opts Options, logger *slog.Logger) *Handler {
	if m == nil {
		m = metrics.Global
	}
	if opts.MoreCooldown <= 0 {
		opts.MoreCooldown = 2 * time.Second
	}
	return &Handler{
		prefs:      prefs,
		deliveries: deliveries,
		trending:   trends,
		catalog:    catalog,
		metrics:    m,
		extra:      map[string]StatsSource{},
		opts:       opts,
		cooldown:   cache.New[int64, struct{}](time.Minute),
		logger:     logger.With("component", "api"),
		now:        time.Now,
	}
}

// AddStats publishes src under name in /metrics.
func (h *Handler) AddStats(name string, src StatsSource) {
	h.extra[name] = src
}

// WithAnswerer makes the webhook acknowledge callback queries through a.
func (h *Handler) WithAnswerer(a CallbackAnswerer) *Handler {
	h.answerer = a
	return h
}

func (h *Handler) Close() {
	h.cooldown.Close()
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", h.Health)
	r.GET("/metrics", h.Metrics)
	r.POST("/telegram/webhook", h.Webhook)

	api := r.Group("/api")
	{
		api.GET("/trending", h.Trending)

		users := api.Group("/users/:id")
		users.GET("/preferences", h.GetPreferences)
		users.PUT("/preferences", h.PutPreferences)
		users.POST("/pause", h.Pause)
		users.POST("/resume", h.Resume)
		users.POST("/more", h.More)
	}
}

// ===== Status =====

func (h *Handler) Health(c *gin.Context) {
	stats := h.metrics.GetStats()
	body := gin.H{
		"status":         "ok",
		"last_cycle":     stats["last_cycle_time"],
		"last_tick":      stats["last_tick_time"],
		"trending_terms": h.trending.Index().Len(),
	}
	if !h.metrics.Healthy() {
		body["status"] = "degraded"
		body["last_error"] = stats["last_error"]
		c.JSON(http.StatusServiceUnavailable, body)
		return
	}
	c.JSON(http.StatusOK, body)
}

func (h *Handler) Metrics(c *gin.Context) {
	out := h.metrics.GetStats()
	for name, src := range h.extra {
		out[name] = src.GetStats()
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handler) Trending(c *gin.Context) {
	topics := h.trending.Index().Topics()
	if limit, err := strconv.Atoi(c.Query("limit")); err == nil && limit >= 0 && limit < len(topics) {
		topics = topics[:limit]
	}
	if topics == nil {
		topics = []trending.Topic{}
	}
	c.JSON(http.StatusOK, gin.H{"topics": topics})
}

// ===== Preferences =====

type preferencesBody struct {
	Timezone          string              `json:"timezone"`
	EnabledCategories []string            `json:"enabled_categories"`
	EnabledSources    map[string][]string `json:"enabled_sources,omitempty"`
	BlockedKeywords   []string            `json:"blocked_keywords"`
	MorningTime       *string             `json:"morning_time"`
	EveningTime       *string             `json:"evening_time"`
	Paused            bool                `json:"paused"`
	LastDelivered     map[string]string   `json:"last_delivered,omitempty"`
}

func (h *Handler) GetPreferences(c *gin.Context) {
	id, ok := userID(c)
	if !ok {
		return
	}
	p, err := h.prefs.Get(c.Request.Context(), id)
	if err != nil {
		h.storageError(c, err)
		return
	}
	c.JSON(http.StatusOK, toBody(p))
}

// PutPreferences replaces the user's preferences. Pause state and delivery
// history are owned by the scheduler and ignored here.
func (h *Handler) PutPreferences(c *gin.Context) {
	id, ok := userID(c)
	if !ok {
		return
	}
	var body preferencesBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	p, err := fromBody(id, body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	existing, err := h.prefs.Get(ctx, id)
	switch {
	case err == nil:
		p.Paused = existing.Paused
		p.ResumedAt = existing.ResumedAt
		p.LastDelivered = existing.LastDelivered
	case !errors.Is(err, storage.ErrNotFound):
		h.storageError(c, err)
		return
	}

	if err := preferences.Validate(&p, h.catalog); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.prefs.Save(ctx, p); err != nil {
		h.storageError(c, err)
		return
	}
	h.logger.Info("Preferences saved", "user", id, "categories", len(p.EnabledCategories))
	c.JSON(http.StatusOK, toBody(p))
}

func toBody(p preferences.UserPreferences) preferencesBody {
	b := preferencesBody{
		Timezone:          p.Timezone,
		EnabledCategories: make([]string, 0, len(p.EnabledCategories)),
		BlockedKeywords:   p.BlockedKeywords,
		Paused:            p.Paused,
	}
	for _, cat := range p.EnabledCategories {
		b.EnabledCategories = append(b.EnabledCategories, string(cat))
	}
	if len(p.EnabledSources) > 0 {
		b.EnabledSources = make(map[string][]string, len(p.EnabledSources))
		for cat, srcs := range p.EnabledSources {
			b.EnabledSources[string(cat)] = srcs
		}
	}
	if len(p.LastDelivered) > 0 {
		b.LastDelivered = make(map[string]string, len(p.LastDelivered))
		for slot, date := range p.LastDelivered {
			b.LastDelivered[string(slot)] = date
		}
	}
	if b.BlockedKeywords == nil {
		b.BlockedKeywords = []string{}
	}
	if p.MorningTime != nil {
		s := p.MorningTime.String()
		b.MorningTime = &s
	}
	if p.EveningTime != nil {
		s := p.EveningTime.String()
		b.EveningTime = &s
	}
	return b
}

func fromBody(id int64, b preferencesBody) (preferences.UserPreferences, error) {
	p := preferences.UserPreferences{
		UserID:          id,
		Timezone:        b.Timezone,
		BlockedKeywords: b.BlockedKeywords,
	}
	for _, name := range b.EnabledCategories {
		cat, err := news.ParseCategory(name)
		if err != nil {
			return p, err
		}
		p.EnabledCategories = append(p.EnabledCategories, cat)
	}
	if len(b.EnabledSources) > 0 {
		p.EnabledSources = make(map[news.Category][]string, len(b.EnabledSources))
		for name, srcs := range b.EnabledSources {
			cat, err := news.ParseCategory(name)
			if err != nil {
				return p, err
			}
			p.EnabledSources[cat] = srcs
		}
	}
	var err error
	if p.MorningTime, err = parseClock(b.MorningTime); err != nil {
		return p, err
	}
	if p.EveningTime, err = parseClock(b.EveningTime); err != nil {
		return p, err
	}
	return p, nil
}

func parseClock(s *string) (*preferences.ClockTime, error) {
	if s == nil || *s == "" {
		return nil, nil
	}
	ct, err := preferences.ParseClock(*s)
	if err != nil {
		return nil, err
	}
	return &ct, nil
}

// ===== Delivery =====

func (h *Handler) Pause(c *gin.Context) {
	id, ok := userID(c)
	if !ok {
		return
	}
	if err := h.deliveries.Pause(c.Request.Context(), id, h.now()); err != nil {
		h.storageError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"paused": true})
}

func (h *Handler) Resume(c *gin.Context) {
	id, ok := userID(c)
	if !ok {
		return
	}
	if err := h.deliveries.Resume(c.Request.Context(), id, h.now()); err != nil {
		h.storageError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"paused": false})
}

type moreRequest struct {
	Category string `json:"category" binding:"required"`
	Offset   int    `json:"offset"`
	// AsOf (unix seconds) continues the ranking of a scheduled digest.
	AsOf int64 `json:"as_of"`
}

func (h *Handler) More(c *gin.Context) {
	id, ok := userID(c)
	if !ok {
		return
	}
	var req moreRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	cat, err := news.ParseCategory(req.Category)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.AsOf < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "as_of must be a unix timestamp"})
		return
	}
	page := delivery.Page{Category: cat, Offset: req.Offset}
	if req.AsOf > 0 {
		page.AsOf = time.Unix(req.AsOf, 0).UTC()
	}
	status, body := h.more(c.Request.Context(), id, page)
	c.JSON(status, body)
}

func (h *Handler) more(ctx context.Context, id int64, page delivery.Page) (int, gin.H) {
	if !h.cooldown.SetIfAbsent(id, struct{}{}, h.opts.MoreCooldown) {
		return http.StatusTooManyRequests, gin.H{"error": "slow down"}
	}
	ids, err := h.deliveries.More(ctx, id, page)
	var se *news.SendError
	switch {
	case err == nil:
		return http.StatusOK, gin.H{"article_ids": ids}
	case errors.Is(err, delivery.ErrInvalidRequest):
		return http.StatusBadRequest, gin.H{"error": err.Error()}
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound, gin.H{"error": "user not found"}
	case errors.As(err, &se):
		return http.StatusBadGateway, gin.H{"error": err.Error(), "article_ids": ids}
	default:
		h.logger.Error("On-demand request failed", "user", id, "error", err)
		return http.StatusInternalServerError, gin.H{"error": "internal error"}
	}
}

// ===== Helpers =====

func userID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
		return 0, false
	}
	return id, true
}

func (h *Handler) storageError(c *gin.Context, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
		return
	}
	h.metrics.IncrementStorageErrors()
	h.logger.Error("Request failed", "path", c.FullPath(), "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}
