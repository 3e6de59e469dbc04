package metrics

import (
	"sync"
	"time"
)

type Metrics struct {
	mu sync.RWMutex

	// Ingestion
	ArticlesFetched   int64
	ArticlesStored    int64
	DuplicatesSkipped int64
	MalformedDropped  int64
	FilteredOut       map[string]int64
	SentimentDropped  int64
	FetchErrors       int64
	StorageErrors     int64
	TrendingFallbacks int64
	CyclesCompleted   int64

	// Delivery
	DigestsDelivered int64
	MessagesSent     int64
	SendFailures     int64
	SlotsExpired     int64
	OnDemandServed   int64

	// Retention
	ArticlesPurged int64

	// Timings
	LastCycleDuration    time.Duration
	AverageCycleDuration time.Duration
	TotalCycleDuration   time.Duration

	// Status
	LastCycleTime time.Time
	LastTickTime  time.Time
	LastSweepTime time.Time
	LastErrorTime time.Time
	LastError     string
	IsHealthy     bool
}

var Global = New()

func New() *Metrics {
	return &Metrics{IsHealthy: true, FilteredOut: map[string]int64{}}
}

// CycleCounts are the per-cycle deltas added by RecordCycle.
type CycleCounts struct {
	Fetched, Stored, Duplicates, Malformed, SentimentDropped int
	FetchErrors, StorageErrors                               int
	Filtered                                                 map[string]int
	TrendingFallback                                         bool
}

func (m *Metrics) RecordCycle(c CycleCounts, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ArticlesFetched += int64(c.Fetched)
	m.ArticlesStored += int64(c.Stored)
	m.DuplicatesSkipped += int64(c.Duplicates)
	m.MalformedDropped += int64(c.Malformed)
	m.SentimentDropped += int64(c.SentimentDropped)
	m.FetchErrors += int64(c.FetchErrors)
	m.StorageErrors += int64(c.StorageErrors)
	for reason, n := range c.Filtered {
		m.FilteredOut[reason] += int64(n)
	}
	if c.TrendingFallback {
		m.TrendingFallbacks++
	}

	m.CyclesCompleted++
	m.LastCycleDuration = duration
	m.TotalCycleDuration += duration
	m.AverageCycleDuration = m.TotalCycleDuration / time.Duration(m.CyclesCompleted)
	m.LastCycleTime = time.Now()
}

func (m *Metrics) IncrementDigestsDelivered() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DigestsDelivered++
}

func (m *Metrics) IncrementMessagesSent() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.MessagesSent++
}

func (m *Metrics) IncrementSendFailures() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SendFailures++
}

func (m *Metrics) IncrementSlotsExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SlotsExpired++
}

func (m *Metrics) IncrementOnDemandServed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.OnDemandServed++
}

func (m *Metrics) IncrementStorageErrors() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.StorageErrors++
}

func (m *Metrics) RecordSweep(purged int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ArticlesPurged += purged
	m.LastSweepTime = time.Now()
}

func (m *Metrics) SetLastTick(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.LastTickTime = t
	m.IsHealthy = true
}

func (m *Metrics) SetError(err string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.LastError = err
	m.LastErrorTime = time.Now()
	m.IsHealthy = false
}

func (m *Metrics) Healthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.IsHealthy
}

func (m *Metrics) GetStats() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	filtered := make(map[string]int64, len(m.FilteredOut))
	for k, v := range m.FilteredOut {
		filtered[k] = v
	}

	return map[string]interface{}{
		"articles_fetched":          m.ArticlesFetched,
		"articles_stored":           m.ArticlesStored,
		"duplicates_skipped":        m.DuplicatesSkipped,
		"malformed_dropped":         m.MalformedDropped,
		"filtered_out":              filtered,
		"sentiment_dropped":         m.SentimentDropped,
		"fetch_errors":              m.FetchErrors,
		"storage_errors":            m.StorageErrors,
		"trending_fallbacks":        m.TrendingFallbacks,
		"cycles_completed":          m.CyclesCompleted,
		"digests_delivered":         m.DigestsDelivered,
		"messages_sent":             m.MessagesSent,
		"send_failures":             m.SendFailures,
		"slots_expired":             m.SlotsExpired,
		"on_demand_served":          m.OnDemandServed,
		"articles_purged":           m.ArticlesPurged,
		"last_cycle_duration_ms":    m.LastCycleDuration.Milliseconds(),
		"average_cycle_duration_ms": m.AverageCycleDuration.Milliseconds(),
		"last_cycle_time":           m.LastCycleTime.Format(time.RFC3339),
		"last_tick_time":            m.LastTickTime.Format(time.RFC3339),
		"last_sweep_time":           m.LastSweepTime.Format(time.RFC3339),
		"last_error_time":           m.LastErrorTime.Format(time.RFC3339),
		"last_error":                m.LastError,
		"is_healthy":                m.IsHealthy,
	}
}
