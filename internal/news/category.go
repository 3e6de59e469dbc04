package news

import (
	"fmt"
	"strings"
)

// Category is one of the fixed digest sections.
type Category string

const (
	CategoryScience     Category = "science"
	CategoryTech        Category = "tech"
	CategoryCinema      Category = "cinema"
	CategoryAI          Category = "ai"
	CategoryGaming      Category = "gaming"
	CategoryEnvironment Category = "environment"
	CategoryHealth      Category = "health"
	CategoryDesign      Category = "design"
	CategoryGoodNews    Category = "good_news"
	CategoryFood        Category = "food"
)

type categoryInfo struct {
	name  string
	emoji string
}

// allCategories keeps the display order used in digests.
var allCategories = []Category{
	CategoryScience,
	CategoryTech,
	CategoryCinema,
	CategoryAI,
	CategoryGaming,
	CategoryEnvironment,
	CategoryHealth,
	CategoryDesign,
	CategoryGoodNews,
	CategoryFood,
}

var categories = map[Category]categoryInfo{
	CategoryScience:     {"Science & Space", "🔬"},
	CategoryTech:        {"Tech & Innovation", "💻"},
	CategoryCinema:      {"Cinema & Entertainment", "🎬"},
	CategoryAI:          {"AI & Machine Learning", "🤖"},
	CategoryGaming:      {"Gaming", "🎮"},
	CategoryEnvironment: {"Environment & Climate Solutions", "🌱"},
	CategoryHealth:      {"Health & Wellness", "🏥"},
	CategoryDesign:      {"Creative & Design", "🎨"},
	CategoryGoodNews:    {"Good News", "😊"},
	CategoryFood:        {"Food & Culture", "🍜"},
}

// AllCategories returns every category in display order.
func AllCategories() []Category {
	out := make([]Category, len(allCategories))
	copy(out, allCategories)
	return out
}

// ParseCategory accepts either the slug or the display name.
func ParseCategory(s string) (Category, error) {
	s = strings.TrimSpace(s)
	c := Category(strings.ToLower(s))
	if c.Valid() {
		return c, nil
	}
	for _, cat := range allCategories {
		if strings.EqualFold(categories[cat].name, s) {
			return cat, nil
		}
	}
	return "", fmt.Errorf("unknown category %q", s)
}

func (c Category) Valid() bool {
	_, ok := categories[c]
	return ok
}

func (c Category) DisplayName() string {
	if info, ok := categories[c]; ok {
		return info.name
	}
	return string(c)
}

func (c Category) Emoji() string {
	if info, ok := categories[c]; ok {
		return info.emoji
	}
	return "📰"
}
