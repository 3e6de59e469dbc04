package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRecordCycle_Accumulates(t *testing.T) {
	m := New()
	m.RecordCycle(CycleCounts{Fetched: 10, Stored: 4, Filtered: map[string]int{"global_keyword": 2}}, time.Second)
	m.RecordCycle(CycleCounts{Fetched: 5, Stored: 1, Filtered: map[string]int{"global_keyword": 1}, TrendingFallback: true}, 3*time.Second)

	stats := m.GetStats()
	assert.Equal(t, int64(15), stats["articles_fetched"])
	assert.Equal(t, int64(5), stats["articles_stored"])
	assert.Equal(t, int64(1), stats["trending_fallbacks"])
	assert.Equal(t, map[string]int64{"global_keyword": 3}, stats["filtered_out"])
	assert.Equal(t, int64(2000), stats["average_cycle_duration_ms"])
}

func TestSetError_FlipsHealth(t *testing.T) {
	m := New()
	assert.True(t, m.Healthy())
	m.SetError("db down")
	assert.False(t, m.Healthy())
	m.SetLastTick(time.Now())
	assert.True(t, m.Healthy())
}
