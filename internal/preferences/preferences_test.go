package preferences

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deusflow/clearfeed/internal/news"
)

type fakeCatalog map[news.Category][]string

func (f fakeCatalog) Sources(c news.Category) []string { return f[c] }

func TestResolveLocation(t *testing.T) {
	t.Parallel()

	ref := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	cases := map[string]int{
		"UTC":      0,
		"UTC+9":    9 * 3600,
		"+09:00":   9 * 3600,
		"GMT-5":    -5 * 3600,
		"UTC-5:30": -(5*3600 + 30*60),
		"+0530":    5*3600 + 30*60,
	}
	for tz, want := range cases {
		loc, err := ResolveLocation(tz)
		require.NoError(t, err, tz)
		_, off := ref.In(loc).Zone()
		assert.Equal(t, want, off, tz)
	}

	loc, err := ResolveLocation("Asia/Tokyo")
	require.NoError(t, err)
	_, off := ref.In(loc).Zone()
	assert.Equal(t, 9*3600, off)

	for _, bad := range []string{"Mars/Olympus", "UTC+25", "+ab"} {
		_, err := ResolveLocation(bad)
		assert.Error(t, err, bad)
	}
}

func TestParseClock(t *testing.T) {
	t.Parallel()

	c, err := ParseClock("08:05")
	require.NoError(t, err)
	assert.Equal(t, ClockTime{Hour: 8, Minute: 5}, c)
	assert.Equal(t, "08:05", c.String())

	for _, bad := range []string{"8", "24:00", "07:60", "07:5", "aa:bb"} {
		_, err := ParseClock(bad)
		assert.Error(t, err, bad)
	}
}

func TestClockTime_On(t *testing.T) {
	t.Parallel()

	loc, err := ResolveLocation("UTC+9")
	require.NoError(t, err)
	local := time.Date(2025, 6, 1, 23, 0, 0, 0, time.UTC).In(loc)

	at := ClockTime{Hour: 8}.On(local)
	assert.Equal(t, 2, at.Day())
	assert.True(t, at.Equal(time.Date(2025, 6, 1, 23, 0, 0, 0, time.UTC)))
}

func TestValidate_NormalizesKeywordsAndSources(t *testing.T) {
	t.Parallel()

	p := Default(42)
	p.BlockedKeywords = []string{"Café", "cafe", " Élection ", ""}
	p.EnabledSources = map[news.Category][]string{
		news.CategoryTech: {"www.TheVerge.com", "wired.com", "wired.com"},
	}
	catalog := fakeCatalog{news.CategoryTech: {"theverge.com", "wired.com", "arstechnica.com"}}

	require.NoError(t, Validate(&p, catalog))
	assert.Equal(t, []string{"cafe", "election"}, p.BlockedKeywords)
	assert.Equal(t, []string{"theverge.com", "wired.com"}, p.EnabledSources[news.CategoryTech])
	assert.True(t, p.SourceEnabled(news.CategoryTech, "wired.com"))
	assert.False(t, p.SourceEnabled(news.CategoryTech, "arstechnica.com"))
	assert.True(t, p.SourceEnabled(news.CategoryScience, "anything.org"))
}

func TestValidate_RejectsUnknownSource(t *testing.T) {
	t.Parallel()

	p := Default(1)
	p.EnabledSources = map[news.Category][]string{news.CategoryTech: {"example.com"}}
	err := Validate(&p, fakeCatalog{news.CategoryTech: {"wired.com"}})
	assert.True(t, errors.Is(err, ErrInvalidPreferences))
}

func TestValidate_RejectsBadFields(t *testing.T) {
	t.Parallel()

	p := Default(1)
	p.Timezone = "Nowhere/City"
	assert.Error(t, Validate(&p, nil))

	p = Default(1)
	p.EnabledCategories = []news.Category{"sports"}
	assert.Error(t, Validate(&p, nil))

	p = Default(1)
	p.LastDelivered = map[Slot]string{SlotMorning: "yesterday"}
	assert.Error(t, Validate(&p, nil))

	p = Default(0)
	assert.Error(t, Validate(&p, nil))
}

func TestOrderedCategories(t *testing.T) {
	t.Parallel()

	p := UserPreferences{EnabledCategories: []news.Category{news.CategoryFood, news.CategoryScience}}
	assert.Equal(t, []news.Category{news.CategoryScience, news.CategoryFood}, p.OrderedCategories())
}
