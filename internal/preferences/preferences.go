package preferences

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/deusflow/clearfeed/internal/news"
)

// Slot is one of the two daily delivery windows.
type Slot string

const (
	SlotMorning Slot = "morning"
	SlotEvening Slot = "evening"
)

// Slots lists slots in the order they are evaluated.
var Slots = []Slot{SlotMorning, SlotEvening}

func ParseSlot(s string) (Slot, error) {
	switch Slot(strings.ToLower(strings.TrimSpace(s))) {
	case SlotMorning:
		return SlotMorning, nil
	case SlotEvening:
		return SlotEvening, nil
	}
	return "", fmt.Errorf("unknown slot %q", s)
}

// DateLayout is the layout of per-slot local delivery dates.
const DateLayout = "2006-01-02"

// ClockTime is a local wall-clock time of day.
type ClockTime struct {
	Hour   int
	Minute int
}

// ParseClock parses "HH:MM" in 24h form.
func ParseClock(s string) (ClockTime, error) {
	h, m, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return ClockTime{}, fmt.Errorf("invalid time %q: want HH:MM", s)
	}
	hour, err := strconv.Atoi(h)
	if err != nil || hour < 0 || hour > 23 {
		return ClockTime{}, fmt.Errorf("invalid hour in %q", s)
	}
	minute, err := strconv.Atoi(m)
	if err != nil || minute < 0 || minute > 59 || len(m) != 2 {
		return ClockTime{}, fmt.Errorf("invalid minute in %q", s)
	}
	return ClockTime{Hour: hour, Minute: minute}, nil
}

func (c ClockTime) String() string {
	return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute)
}

// On returns the instant of c on the calendar day of local, in local's zone.
func (c ClockTime) On(local time.Time) time.Time {
	y, mo, d := local.Date()
	return time.Date(y, mo, d, c.Hour, c.Minute, 0, 0, local.Location())
}

// UserPreferences is everything the delivery engine reads about one user.
type UserPreferences struct {
	UserID            int64
	Timezone          string
	EnabledCategories []news.Category
	// EnabledSources restricts a category to the listed domains. A missing
	// key means every source of the category is enabled.
	EnabledSources  map[news.Category][]string
	BlockedKeywords []string
	MorningTime     *ClockTime
	EveningTime     *ClockTime
	Paused          bool
	ResumedAt       time.Time
	LastDelivered   map[Slot]string
}

// Default returns the preferences a new user starts with.
func Default(userID int64) UserPreferences {
	morning := ClockTime{Hour: 8}
	return UserPreferences{
		UserID:            userID,
		Timezone:          "UTC",
		EnabledCategories: news.AllCategories(),
		MorningTime:       &morning,
		LastDelivered:     map[Slot]string{},
	}
}

// SlotTime returns the configured time for slot, or nil.
func (p UserPreferences) SlotTime(slot Slot) *ClockTime {
	switch slot {
	case SlotMorning:
		return p.MorningTime
	case SlotEvening:
		return p.EveningTime
	}
	return nil
}

func (p UserPreferences) CategoryEnabled(c news.Category) bool {
	for _, e := range p.EnabledCategories {
		if e == c {
			return true
		}
	}
	return false
}

// SourceEnabled reports whether source may appear in c for this user.
func (p UserPreferences) SourceEnabled(c news.Category, source string) bool {
	allowed, ok := p.EnabledSources[c]
	if !ok {
		return true
	}
	for _, s := range allowed {
		if news.DomainMatches(source, s) {
			return true
		}
	}
	return false
}

// OrderedCategories returns the enabled categories in display order.
func (p UserPreferences) OrderedCategories() []news.Category {
	out := make([]news.Category, 0, len(p.EnabledCategories))
	for _, c := range news.AllCategories() {
		if p.CategoryEnabled(c) {
			out = append(out, c)
		}
	}
	return out
}

// SourceCatalog knows which sources feed each category.
type SourceCatalog interface {
	Sources(c news.Category) []string
}

var ErrInvalidPreferences = errors.New("invalid preferences")

// Validate checks p against the catalog and normalizes it in place: blocked
// keywords are case and diacritic folded, categories and sources are
// de-duplicated and sorted.
func Validate(p *UserPreferences, catalog SourceCatalog) error {
	if p.UserID == 0 {
		return fmt.Errorf("%w: missing user id", ErrInvalidPreferences)
	}
	if p.Timezone == "" {
		p.Timezone = "UTC"
	}
	if _, err := ResolveLocation(p.Timezone); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPreferences, err)
	}

	seen := map[news.Category]bool{}
	cats := make([]news.Category, 0, len(p.EnabledCategories))
	for _, c := range p.EnabledCategories {
		if !c.Valid() {
			return fmt.Errorf("%w: unknown category %q", ErrInvalidPreferences, c)
		}
		if !seen[c] {
			seen[c] = true
			cats = append(cats, c)
		}
	}
	p.EnabledCategories = cats

	for c, sources := range p.EnabledSources {
		if !c.Valid() {
			return fmt.Errorf("%w: unknown category %q", ErrInvalidPreferences, c)
		}
		known := map[string]bool{}
		if catalog != nil {
			for _, s := range catalog.Sources(c) {
				known[strings.ToLower(s)] = true
			}
		}
		set := map[string]bool{}
		for _, s := range sources {
			s = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), "www."))
			if s == "" {
				continue
			}
			if catalog != nil && !known[s] {
				return fmt.Errorf("%w: source %q does not serve %s", ErrInvalidPreferences, s, c)
			}
			set[s] = true
		}
		p.EnabledSources[c] = sortedKeys(set)
	}

	kw := map[string]bool{}
	for _, k := range p.BlockedKeywords {
		if n := news.Normalize(k); n != "" {
			kw[n] = true
		}
	}
	p.BlockedKeywords = sortedKeys(kw)

	if p.LastDelivered == nil {
		p.LastDelivered = map[Slot]string{}
	}
	for slot, date := range p.LastDelivered {
		if _, err := ParseSlot(string(slot)); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidPreferences, err)
		}
		if _, err := time.Parse(DateLayout, date); err != nil {
			return fmt.Errorf("%w: bad delivery date %q", ErrInvalidPreferences, date)
		}
	}
	return nil
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
