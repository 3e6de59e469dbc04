package delivery

import (
	"context"
	"fmt"
	"time"

	"github.com/deusflow/clearfeed/internal/filter"
)

// More sends one page of a category outside the schedule. A page without
// AsOf ranks the current pool and ignores delivery history, so the same
// pool always yields the same page. A page with AsOf continues the ranking
// a scheduled digest was built from: articles fetched later and deliveries
// made later do not move it.
func (s *Scheduler) More(ctx context.Context, userID int64, page Page) ([]string, error) {
	if !page.Category.Valid() {
		return nil, fmt.Errorf("%w: unknown category %q", ErrInvalidRequest, page.Category)
	}
	if page.Offset < 0 {
		return nil, fmt.Errorf("%w: negative offset %d", ErrInvalidRequest, page.Offset)
	}
	p, err := s.prefs.Get(ctx, userID)
	if err != nil {
		return nil, err
	}

	rankAt := s.now()
	var exclude int64
	if !page.AsOf.IsZero() {
		page.AsOf = rankingTime(page.AsOf)
		if now := rankingTime(rankAt); page.AsOf.After(now) {
			page.AsOf = now
		}
		rankAt = page.AsOf
		exclude = userID
	}
	pool, err := s.articles.Candidates(ctx, page.Category, rankAt.Add(-s.opts.Horizon), exclude, page.AsOf)
	if err != nil {
		s.metrics.IncrementStorageErrors()
		return nil, fmt.Errorf("load %s candidates: %w", page.Category, err)
	}

	picked, more := s.pick(pool, filter.ForUser(p), rankAt, page.Offset, s.opts.MaxArticles)
	d := Digest{
		UserID:   userID,
		Category: page.Category,
		Offset:   page.Offset,
		AsOf:     page.AsOf,
		Articles: picked,
		HasMore:  more,
	}
	ids := d.ArticleIDs()
	s.leases.Acquire(ids)
	defer s.leases.Release(ids)

	log := s.logger.With("user", userID, "category", page.Category, "offset", page.Offset)
	if err := s.send(ctx, d, s.messenger.SendMore); err != nil {
		s.metrics.IncrementSendFailures()
		log.Warn("On-demand send failed", "error", err)
		return ids, err
	}
	s.metrics.IncrementOnDemandServed()
	log.Debug("On-demand page sent", "articles", len(ids), "more", more)
	return ids, nil
}

// Pause stops scheduled deliveries for userID.
func (s *Scheduler) Pause(ctx context.Context, userID int64, at time.Time) error {
	if err := s.prefs.SetPaused(ctx, userID, true, at); err != nil {
		return fmt.Errorf("pause user %d: %w", userID, err)
	}
	s.logger.Info("User paused", "user", userID)
	return nil
}

// Resume re-enables deliveries from at onwards; slots that passed while
// paused are not delivered.
func (s *Scheduler) Resume(ctx context.Context, userID int64, at time.Time) error {
	if err := s.prefs.SetPaused(ctx, userID, false, at); err != nil {
		return fmt.Errorf("resume user %d: %w", userID, err)
	}
	s.logger.Info("User resumed", "user", userID)
	return nil
}
