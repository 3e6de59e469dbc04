package retention

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/deusflow/clearfeed/internal/metrics"
)

const DefaultHorizon = 30 * 24 * time.Hour

// ArticleStore deletes expired articles, sparing the ids in keep.
type ArticleStore interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time, keep []string) (int64, error)
}

// LeaseSet lists article ids referenced by in-flight deliveries.
type LeaseSet interface {
	Held() []string
}

// Sweeper purges articles older than Horizon.
type Sweeper struct {
	store   ArticleStore
	leases  LeaseSet
	horizon time.Duration
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func NewSweeper(store ArticleStore, leases LeaseSet, horizon time.Duration, m *metrics.Metrics, logger *slog.Logger) *Sweeper {
	if horizon <= 0 {
		horizon = DefaultHorizon
	}
	if m == nil {
		m = metrics.Global
	}
	return &Sweeper{
		store:   store,
		leases:  leases,
		horizon: horizon,
		metrics: m,
		logger:  logger.With("component", "retention"),
	}
}

// Sweep deletes articles published before now-horizon and returns how
// many rows went away.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) (int64, error) {
	cutoff := now.Add(-s.horizon)
	var keep []string
	if s.leases != nil {
		keep = s.leases.Held()
	}
	purged, err := s.store.DeleteOlderThan(ctx, cutoff, keep)
	if err != nil {
		s.metrics.IncrementStorageErrors()
		s.metrics.SetError(err.Error())
		s.logger.Error("Retention sweep failed", "cutoff", cutoff, "error", err)
		return 0, fmt.Errorf("retention sweep: %w", err)
	}
	s.metrics.RecordSweep(purged)
	s.logger.Info("Retention sweep complete", "cutoff", cutoff, "purged", purged, "leased", len(keep))
	return purged, nil
}
