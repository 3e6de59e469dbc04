// Package app wires the ClearFeed components together and runs them.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/deusflow/clearfeed/internal/api"
	"github.com/deusflow/clearfeed/internal/cache"
	"github.com/deusflow/clearfeed/internal/config"
	"github.com/deusflow/clearfeed/internal/delivery"
	"github.com/deusflow/clearfeed/internal/filter"
	"github.com/deusflow/clearfeed/internal/gemini"
	"github.com/deusflow/clearfeed/internal/ingest"
	"github.com/deusflow/clearfeed/internal/logger"
	"github.com/deusflow/clearfeed/internal/metrics"
	"github.com/deusflow/clearfeed/internal/ranking"
	"github.com/deusflow/clearfeed/internal/ratelimit"
	"github.com/deusflow/clearfeed/internal/retention"
	"github.com/deusflow/clearfeed/internal/retry"
	"github.com/deusflow/clearfeed/internal/rss"
	"github.com/deusflow/clearfeed/internal/scraper"
	"github.com/deusflow/clearfeed/internal/storage"
	"github.com/deusflow/clearfeed/internal/telegram"
	"github.com/deusflow/clearfeed/internal/trending"
)

// leaseGrace is added to the send timeout for in-flight article leases.
const leaseGrace = time.Minute

type App struct {
	cfg    *config.Config
	logger *slog.Logger
	now    func() time.Time

	db         *storage.DB
	prefs      *storage.PreferenceStore
	pipeline   *ingest.Pipeline
	scheduler  *delivery.Scheduler
	sweeper    *retention.Sweeper
	leases     *cache.Leases
	classifier *gemini.Classifier
	handler    *api.Handler
	server     *http.Server
	cron       *cron.Cron

	// jobs tracks work started outside the cron runner.
	jobs sync.WaitGroup
}

// New opens storage and builds every component. Nothing runs until Run.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger) (*App, error) {
	catalog, err := rss.LoadCatalog(cfg.FeedsConfigPath)
	if err != nil {
		return nil, fmt.Errorf("load feeds catalog: %w", err)
	}

	db, err := storage.Open(ctx, cfg.DBDriver, cfg.DatabaseURL, log)
	if err != nil {
		return nil, err
	}
	a := &App{cfg: cfg, logger: log, now: time.Now, db: db}
	articles := storage.NewArticleStore(db)
	a.prefs = storage.NewPreferenceStore(db)

	retryCfg := retry.RetryConfig{
		MaxAttempts: cfg.RetryAttempts,
		Delay:       cfg.RetryDelay,
		Backoff:     true,
		MaxDelay:    30 * time.Second,
	}
	blocklist := filter.New(filter.Blocklist{Keywords: catalog.BlockedKeywords, Domains: catalog.BlockedDomains})

	var trends ingest.TrendSource
	if cfg.TrendingEnabled {
		feedURL := cfg.TrendingFeedURL
		if feedURL == "" {
			feedURL = trending.DefaultFeedURL
		}
		trends = trending.NewGoogleTrends(feedURL, cfg.FetchTimeout, log)
	}

	var classifier ingest.Classifier
	if cfg.ClassifierEnabled() {
		a.classifier, err = gemini.NewClassifier(ctx, cfg.GeminiAPIKey, cfg.GeminiModel, log)
		if err != nil {
			log.Warn("Sentiment classifier unavailable, continuing without it", "error", err)
		} else {
			classifier = a.classifier
		}
	}

	a.pipeline = ingest.New(
		rss.NewFetcher(catalog, cfg.FetchTimeout, cfg.FetchConcurrency, log),
		trends,
		articles,
		blocklist,
		classifier,
		ingest.Options{TrendingEnabled: cfg.TrendingEnabled, CycleTimeout: cfg.CycleTimeout, Retry: retryCfg},
		metrics.Global,
		log,
	)

	if cfg.EnrichSummaries {
		a.pipeline.WithEnricher(scraper.New(cfg.FetchTimeout, cfg.EnrichLimit, log))
	}

	limiter := ratelimit.New(cfg.SendRatePerSecond, cfg.SendRatePerChat)
	messenger := telegram.NewClient(cfg.TelegramToken, cfg.TelegramAPIURL, limiter, retryCfg, log)

	a.leases = cache.NewLeases(cfg.SendTimeout + leaseGrace)
	a.scheduler = delivery.NewScheduler(a.prefs, articles, messenger, blocklist, a.leases, delivery.Options{
		MaxArticles:  cfg.MaxArticlesPerCategory,
		PerSourceCap: cfg.PerSourceCap,
		Horizon:      cfg.RetentionHorizon(),
		SendTimeout:  cfg.SendTimeout,
		MaxRetryAge:  cfg.MaxRetryAge,
		Scorer:       ranking.NewScorer(cfg.TrendingEnabled, cfg.TrendingWeight, cfg.RecencyHalfLife, cfg.RetentionHorizon()),
	}, metrics.Global, log)
	a.sweeper = retention.NewSweeper(articles, a.leases, cfg.RetentionHorizon(), metrics.Global, log)

	a.handler = api.NewHandler(a.prefs, a.scheduler, a.pipeline, catalog, metrics.Global, api.Options{
		MoreCooldown:  cfg.MoreCooldown,
		WebhookSecret: cfg.WebhookSecret,
	}, log).WithAnswerer(messenger)
	a.handler.AddStats("rate_limiter", limiter)
	a.server = api.NewServer(cfg.HTTPAddr, a.handler, log)

	cronLog := cron.PrintfLogger(logger.StdLogger("cron", slog.LevelInfo))
	a.cron = cron.New(
		cron.WithLogger(cronLog),
		cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
	)

	log.Info("ClearFeed configured",
		"db_driver", cfg.DBDriver,
		"feeds", len(catalog.Feeds()),
		"trending", cfg.TrendingEnabled,
		"classifier", classifier != nil,
		"http_addr", cfg.HTTPAddr)
	return a, nil
}

// Run schedules the periodic jobs, serves HTTP and blocks until ctx is
// cancelled.
func (a *App) Run(ctx context.Context) error {
	jobs := []struct {
		name string
		spec string
		fn   func(context.Context)
	}{
		{"ingestion", "@every " + a.cfg.FetchInterval.String(), a.runIngestion},
		{"delivery", a.cfg.DeliverySchedule, a.runDelivery},
		{"retention", a.cfg.RetentionSchedule, a.runRetention},
	}
	ids := make(map[string]cron.EntryID, len(jobs))
	for _, j := range jobs {
		fn := j.fn
		id, err := a.cron.AddFunc(j.spec, func() { fn(ctx) })
		if err != nil {
			return fmt.Errorf("schedule %s job %q: %w", j.name, j.spec, err)
		}
		ids[j.name] = id
	}
	a.cron.Start()
	a.logger.Info("Scheduler started",
		"ingestion", jobs[0].spec,
		"delivery", jobs[1].spec,
		"retention", jobs[2].spec)

	// The first ingestion goes through the wrapped cron job so it shares
	// the overlap guard with the scheduled runs.
	a.startJob(a.cron.Entry(ids["ingestion"]).WrappedJob.Run)

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("HTTP server listening", "addr", a.server.Addr)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			runErr = fmt.Errorf("http server: %w", err)
		}
	}

	a.logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.SendTimeout)
	defer cancel()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("HTTP shutdown incomplete", "error", err)
	}
	cronDone := true
	select {
	case <-a.cron.Stop().Done():
	case <-shutdownCtx.Done():
		cronDone = false
	}
	if !a.waitJobs(shutdownCtx) || !cronDone {
		a.logger.Warn("Jobs still running at shutdown")
	}
	return runErr
}

func (a *App) startJob(fn func()) {
	a.jobs.Add(1)
	go func() {
		defer a.jobs.Done()
		fn()
	}()
}

// waitJobs waits for jobs started with startJob. It reports false if ctx
// ends first.
func (a *App) waitJobs(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		a.jobs.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

func (a *App) Close() {
	a.handler.Close()
	a.scheduler.Close()
	a.leases.Close()
	if a.classifier != nil {
		a.classifier.Close()
	}
	if err := a.db.Close(); err != nil {
		a.logger.Warn("Closing database failed", "error", err)
	}
}

func (a *App) runIngestion(ctx context.Context) {
	if _, err := a.pipeline.RunCycle(ctx, a.now().UTC()); err != nil {
		a.logger.Error("Ingestion cycle failed", "error", err)
	}
}

func (a *App) runDelivery(ctx context.Context) {
	if _, err := a.scheduler.Tick(ctx, a.now().UTC()); err != nil {
		a.logger.Error("Delivery tick failed", "error", err)
	}
}

func (a *App) runRetention(ctx context.Context) {
	if _, err := a.sweeper.Sweep(ctx, a.now().UTC()); err != nil {
		a.logger.Error("Retention sweep failed", "error", err)
	}
}
