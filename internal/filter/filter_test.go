package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/deusflow/clearfeed/internal/news"
	"github.com/deusflow/clearfeed/internal/preferences"
)

func article(source, title, summary string, keywords ...string) news.Article {
	return news.Article{
		ID:       "id",
		Category: news.CategoryTech,
		Source:   source,
		Title:    title,
		Summary:  summary,
		Keywords: keywords,
	}
}

func TestCheck_GlobalDomain(t *testing.T) {
	t.Parallel()

	f := New(Blocklist{Domains: []string{"TMZ.com"}})
	v := f.Check(article("celebs.tmz.com", "Gadget", ""), nil)
	assert.False(t, v.Admitted)
	assert.Equal(t, ReasonBlockedDomain, v.Reason)

	assert.True(t, f.Admit(article("nottmz.com", "Gadget", ""), nil))
}

func TestCheck_WholeTokenBoundary(t *testing.T) {
	t.Parallel()

	f := New(Blocklist{Keywords: []string{"assassin", "war", "death toll"}})

	assert.True(t, f.Admit(article("a.com", "Plot to assassinate mayor foiled", ""), nil))
	assert.True(t, f.Admit(article("a.com", "Studio wins award", ""), nil))

	v := f.Check(article("a.com", "Death-toll rises after storm", ""), nil)
	assert.False(t, v.Admitted)
	assert.Equal(t, ReasonGlobalKeyword, v.Reason)
	assert.Equal(t, "death toll", v.Term)

	assert.False(t, f.Admit(article("a.com", "Calm day", "Trade WAR escalates"), nil))
	assert.False(t, f.Admit(article("a.com", "Calm day", "", "war"), nil))
}

func TestCheck_KeywordsDoNotSpanFields(t *testing.T) {
	t.Parallel()

	f := New(Blocklist{Keywords: []string{"death toll"}})
	assert.True(t, f.Admit(article("a.com", "Sudden death", "toll roads reopen"), nil))
	assert.True(t, f.Admit(article("a.com", "Roads", "", "death", "toll"), nil))
}

func TestCheck_DiacriticsFolded(t *testing.T) {
	t.Parallel()

	f := New(Blocklist{Keywords: []string{"Pokémon"}})
	assert.False(t, f.Admit(article("a.com", "New POKEMON game", ""), nil))
}

func TestCheck_UserRules(t *testing.T) {
	t.Parallel()

	f := New(Blocklist{})
	p := preferences.Default(7)
	p.BlockedKeywords = []string{"crypto"}
	p.EnabledSources = map[news.Category][]string{news.CategoryTech: {"wired.com"}}
	rules := ForUser(p)

	assert.True(t, f.Admit(article("a.com", "Crypto crash", ""), nil), "user rules only apply per user")

	v := f.Check(article("wired.com", "Crypto crash", ""), rules)
	assert.Equal(t, ReasonUserKeyword, v.Reason)

	v = f.Check(article("theverge.com", "Phones", ""), rules)
	assert.Equal(t, ReasonSourceDisabled, v.Reason)

	assert.True(t, f.Admit(article("wired.com", "Phones", ""), rules))

	p.EnabledCategories = []news.Category{news.CategoryFood}
	v = f.Check(article("wired.com", "Phones", ""), ForUser(p))
	assert.Equal(t, ReasonCategoryDisabled, v.Reason)
}
