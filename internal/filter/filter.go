package filter

import (
	"strings"

	"github.com/deusflow/clearfeed/internal/news"
	"github.com/deusflow/clearfeed/internal/preferences"
)

// Reason says why an article was rejected.
type Reason string

const (
	ReasonNone             Reason = ""
	ReasonBlockedDomain    Reason = "blocked_domain"
	ReasonGlobalKeyword    Reason = "global_keyword"
	ReasonUserKeyword      Reason = "user_keyword"
	ReasonSourceDisabled   Reason = "source_disabled"
	ReasonCategoryDisabled Reason = "category_disabled"
)

// Verdict is the outcome of Check.
type Verdict struct {
	Admitted bool
	Reason   Reason
	Term     string
}

// Blocklist is the process-wide set of rejected terms and domains.
type Blocklist struct {
	Keywords []string
	Domains  []string
}

// Filter decides whether an article may be stored or shown. Terms match when
// their normalized token sequence appears as a contiguous run of whole
// tokens in the title, the summary or a single keyword, so "war" never
// matches "award".
type Filter struct {
	keywords []term
	domains  []string
}

type term struct {
	raw    string
	tokens []string
}

func New(b Blocklist) *Filter {
	f := &Filter{keywords: compileTerms(b.Keywords)}
	for _, d := range b.Domains {
		d = strings.ToLower(strings.TrimSpace(d))
		if d != "" {
			f.domains = append(f.domains, d)
		}
	}
	return f
}

func compileTerms(words []string) []term {
	out := make([]term, 0, len(words))
	seen := map[string]bool{}
	for _, w := range words {
		toks := news.Tokens(w)
		if len(toks) == 0 {
			continue
		}
		key := strings.Join(toks, " ")
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, term{raw: key, tokens: toks})
	}
	return out
}

// UserRules are the per-user parts of the filter.
type UserRules struct {
	prefs    preferences.UserPreferences
	keywords []term
}

// ForUser compiles a user's blocklist and toggles once for reuse across a
// candidate pool.
func ForUser(p preferences.UserPreferences) *UserRules {
	return &UserRules{prefs: p, keywords: compileTerms(p.BlockedKeywords)}
}

// Admit reports whether a may pass. A nil user applies only the global rules.
func (f *Filter) Admit(a news.Article, user *UserRules) bool {
	return f.Check(a, user).Admitted
}

func (f *Filter) Check(a news.Article, user *UserRules) Verdict {
	for _, d := range f.domains {
		if news.DomainMatches(a.Source, d) {
			return Verdict{Reason: ReasonBlockedDomain, Term: d}
		}
	}

	fields := tokenizeFields(a)
	if t, ok := firstMatch(fields, f.keywords); ok {
		return Verdict{Reason: ReasonGlobalKeyword, Term: t}
	}

	if user != nil {
		if !user.prefs.CategoryEnabled(a.Category) {
			return Verdict{Reason: ReasonCategoryDisabled, Term: string(a.Category)}
		}
		if !user.prefs.SourceEnabled(a.Category, a.Source) {
			return Verdict{Reason: ReasonSourceDisabled, Term: a.Source}
		}
		if t, ok := firstMatch(fields, user.keywords); ok {
			return Verdict{Reason: ReasonUserKeyword, Term: t}
		}
	}
	return Verdict{Admitted: true}
}

func tokenizeFields(a news.Article) [][]string {
	fields := make([][]string, 0, len(a.Keywords)+2)
	fields = append(fields, news.Tokens(a.Title), news.Tokens(a.Summary))
	for _, k := range a.Keywords {
		fields = append(fields, news.Tokens(k))
	}
	return fields
}

func firstMatch(fields [][]string, terms []term) (string, bool) {
	for _, t := range terms {
		for _, f := range fields {
			if news.ContainsSequence(f, t.tokens) {
				return t.raw, true
			}
		}
	}
	return "", false
}
