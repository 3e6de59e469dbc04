package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/deusflow/clearfeed/internal/cache"
	"github.com/deusflow/clearfeed/internal/filter"
	"github.com/deusflow/clearfeed/internal/metrics"
	"github.com/deusflow/clearfeed/internal/news"
	"github.com/deusflow/clearfeed/internal/preferences"
	"github.com/deusflow/clearfeed/internal/ranking"
)

// progressTTL keeps per-slot bookkeeping past the end of any local day.
const progressTTL = 48 * time.Hour

// stateExpired is internal: the slot passed MaxRetryAge and is skipped
// until the next local day.
const stateExpired SlotState = "expired"

var ErrInvalidRequest = errors.New("invalid request")

type slotKey struct {
	userID int64
	slot   preferences.Slot
	date   string
}

// attempt remembers the categories already sent for one slot so a retry
// after a partial failure does not send them twice.
type attempt struct {
	sent  map[news.Category][]string
	order []news.Category
}

type slotEval struct {
	state   SlotState
	key     slotKey
	instant time.Time
}

// Scheduler decides which users are due and delivers their digests.
type Scheduler struct {
	prefs     PreferenceStore
	articles  ArticleSource
	messenger Messenger
	filter    *filter.Filter
	leases    *cache.Leases
	opts      Options
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time

	tickMu   sync.Mutex
	progress *cache.Cache[slotKey, *attempt]
	expired  *cache.Cache[slotKey, struct{}]

	stateMu  sync.Mutex
	inFlight map[slotKey]bool
}

func NewScheduler(prefs PreferenceStore, articles ArticleSource, messenger Messenger, f *filter.Filter, leases *cache.Leases, opts Options, m *metrics.Metrics, logger *slog.Logger) *Scheduler {
	if m == nil {
		m = metrics.Global
	}
	if f == nil {
		f = filter.New(filter.Blocklist{})
	}
	return &Scheduler{
		prefs:     prefs,
		articles:  articles,
		messenger: messenger,
		filter:    f,
		leases:    leases,
		opts:      opts.withDefaults(),
		metrics:   m,
		logger:    logger.With("component", "delivery"),
		now:       time.Now,
		progress:  cache.New[slotKey, *attempt](time.Hour),
		expired:   cache.New[slotKey, struct{}](time.Hour),
		inFlight:  make(map[slotKey]bool),
	}
}

// WithClock replaces the clock used by on-demand requests.
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

func (s *Scheduler) Close() {
	s.progress.Close()
	s.expired.Close()
}

// Tick runs one scheduling pass at now. An overlapping call returns
// immediately with Skipped set.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) (TickStats, error) {
	stats := TickStats{TickID: uuid.NewString()}
	log := s.logger.With("tick", stats.TickID)
	if !s.tickMu.TryLock() {
		stats.Skipped = true
		log.Warn("Previous delivery tick still running, skipping")
		return stats, nil
	}
	defer s.tickMu.Unlock()
	s.metrics.SetLastTick(now)

	users, err := s.prefs.Users(ctx)
	if err != nil {
		s.metrics.IncrementStorageErrors()
		s.metrics.SetError(err.Error())
		return stats, fmt.Errorf("load users: %w", err)
	}

users:
	for _, p := range users {
		if ctx.Err() != nil {
			break
		}
		if p.Paused {
			continue
		}
		ulog := log.With("user", p.UserID)
		for _, slot := range preferences.Slots {
			ev, err := s.evaluate(p, slot, now)
			if err != nil {
				stats.Errors++
				ulog.Warn("Cannot resolve user timezone", "timezone", p.Timezone, "error", err)
				continue users
			}
			switch ev.state {
			case stateExpired:
				if s.expired.SetIfAbsent(ev.key, struct{}{}, progressTTL) {
					stats.Expired++
					s.metrics.IncrementSlotsExpired()
					ulog.Warn("Slot not delivered within retry window, dropping for today",
						"slot", slot, "date", ev.key.date, "scheduled", ev.instant)
				}
			case StateDue:
				stats.Due++
				ok, err := s.deliver(ctx, p, ev, now, ulog)
				if err != nil {
					stats.Errors++
					ulog.Error("Delivery aborted for user", "slot", slot, "error", err)
					continue users
				}
				if ok {
					stats.Delivered++
				} else {
					stats.Failed++
				}
				// One slot per user per tick keeps each digest's history
				// cutoff distinct.
				continue users
			}
		}
	}

	if stats.Due > 0 || stats.Errors > 0 {
		log.Info("Delivery tick complete",
			"due", stats.Due,
			"delivered", stats.Delivered,
			"failed", stats.Failed,
			"expired", stats.Expired,
			"errors", stats.Errors)
	} else {
		log.Debug("Delivery tick complete", "users", len(users))
	}
	return stats, ctx.Err()
}

// State reports the slot state for userID at now.
func (s *Scheduler) State(ctx context.Context, userID int64, slot preferences.Slot, now time.Time) (SlotState, error) {
	p, err := s.prefs.Get(ctx, userID)
	if err != nil {
		return "", err
	}
	ev, err := s.evaluate(p, slot, now)
	if err != nil {
		return "", err
	}
	if s.isInFlight(ev.key) {
		return StateDelivering, nil
	}
	switch {
	case ev.state == StateDelivered:
		return StateDelivered, nil
	case p.Paused, ev.state == stateExpired:
		return StateIdle, nil
	}
	return ev.state, nil
}

func (s *Scheduler) evaluate(p preferences.UserPreferences, slot preferences.Slot, now time.Time) (slotEval, error) {
	loc, err := preferences.ResolveLocation(p.Timezone)
	if err != nil {
		return slotEval{}, err
	}
	local := now.In(loc)
	date := local.Format(preferences.DateLayout)
	ev := slotEval{state: StateIdle, key: slotKey{userID: p.UserID, slot: slot, date: date}}

	ct := p.SlotTime(slot)
	if ct == nil {
		return ev, nil
	}
	if p.LastDelivered[slot] == date {
		ev.state = StateDelivered
		return ev, nil
	}
	ev.instant = ct.On(local)
	switch {
	case local.Before(ev.instant):
	case !p.ResumedAt.IsZero() && ev.instant.Before(p.ResumedAt):
		// Resuming never triggers slots that passed while paused.
	case s.opts.MaxRetryAge > 0 && now.Sub(ev.instant) > s.opts.MaxRetryAge:
		ev.state = stateExpired
	default:
		ev.state = StateDue
	}
	return ev, nil
}

// deliver sends every enabled category for one due slot. It reports true
// once the slot is persisted as delivered; false means a send failed and
// the slot stays due. An error means the user's data could not be read
// or written.
func (s *Scheduler) deliver(ctx context.Context, p preferences.UserPreferences, ev slotEval, now time.Time, log *slog.Logger) (bool, error) {
	s.setInFlight(ev.key, true)
	defer s.setInFlight(ev.key, false)

	att, ok := s.progress.Get(ev.key)
	if !ok {
		att = &attempt{sent: make(map[news.Category][]string)}
		s.progress.Set(ev.key, att, progressTTL)
	}

	var leased []string
	defer func() { s.leases.Release(leased) }()

	rules := filter.ForUser(p)
	asOf := rankingTime(now)
	since := asOf.Add(-s.opts.Horizon)
	failed := false
	for _, cat := range p.OrderedCategories() {
		if _, done := att.sent[cat]; done {
			continue
		}
		pool, err := s.articles.Candidates(ctx, cat, since, p.UserID, asOf)
		if err != nil {
			s.metrics.IncrementStorageErrors()
			return false, fmt.Errorf("load %s candidates: %w", cat, err)
		}
		picked, more := s.pick(pool, rules, asOf, 0, s.opts.MaxArticles)
		if len(picked) == 0 {
			log.Debug("No articles for category", "category", cat)
			continue
		}

		d := Digest{UserID: p.UserID, Category: cat, Slot: ev.key.slot, AsOf: asOf, Articles: picked, HasMore: more}
		ids := d.ArticleIDs()
		s.leases.Acquire(ids)
		leased = append(leased, ids...)

		if err := s.send(ctx, d, s.messenger.SendDigest); err != nil {
			failed = true
			s.metrics.IncrementSendFailures()
			log.Warn("Digest send failed, slot stays due", "slot", ev.key.slot, "category", cat, "error", err)
			continue
		}
		s.metrics.IncrementMessagesSent()
		att.sent[cat] = ids
		att.order = append(att.order, cat)
	}
	if failed {
		return false, nil
	}

	var all []string
	for _, cat := range att.order {
		all = append(all, att.sent[cat]...)
	}
	if err := s.prefs.MarkDelivered(ctx, p.UserID, ev.key.slot, ev.key.date, now, all); err != nil {
		s.metrics.IncrementStorageErrors()
		return false, fmt.Errorf("mark %s delivered: %w", ev.key.slot, err)
	}
	s.progress.Delete(ev.key)
	s.metrics.IncrementDigestsDelivered()
	log.Info("Digest delivered", "slot", ev.key.slot, "date", ev.key.date, "categories", len(att.order), "articles", len(all))
	return true, nil
}

// pick filters, scores and selects the [offset, offset+limit) window of
// pool for one user. more reports whether the ranking continues.
func (s *Scheduler) pick(pool []news.Article, rules *filter.UserRules, now time.Time, offset, limit int) (picked []news.Article, more bool) {
	admitted := make([]news.Article, 0, len(pool))
	byID := make(map[string]news.Article, len(pool))
	for _, a := range pool {
		if !s.filter.Admit(a, rules) {
			continue
		}
		admitted = append(admitted, a)
		byID[a.ID] = a
	}
	ids, more := ranking.SelectPage(s.opts.Scorer.Score(admitted, now), s.opts.PerSourceCap, offset, limit)
	out := make([]news.Article, len(ids))
	for i, id := range ids {
		out[i] = byID[id]
	}
	return out, more
}

// rankingTime is the instant a scheduled ranking is pinned to. It matches
// the precision delivery history is stored with, so the same ranking can
// be rebuilt from an on-demand page request.
func rankingTime(now time.Time) time.Time {
	return now.UTC().Truncate(time.Second)
}

func (s *Scheduler) send(ctx context.Context, d Digest, fn func(context.Context, Digest) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.SendTimeout)
	defer cancel()
	if err := fn(ctx, d); err != nil {
		var se *news.SendError
		if errors.As(err, &se) {
			return err
		}
		return &news.SendError{UserID: d.UserID, Category: d.Category, Err: err}
	}
	return nil
}

func (s *Scheduler) isInFlight(k slotKey) bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.inFlight[k]
}

func (s *Scheduler) setInFlight(k slotKey, v bool) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if v {
		s.inFlight[k] = true
	} else {
		delete(s.inFlight, k)
	}
}
