package trending

import (
	"math"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"

	"github.com/deusflow/clearfeed/internal/news"
)

// Fuzzy matching constants.
const (
	MinJaccard        = 0.5
	MinEditRunes      = 4
	LongEditRunes     = 8
	MaxEditShort      = 1
	MaxEditLong       = 2
	MinAcronymLetters = 2
	MaxAcronymLetters = 5
)

// Topic is one trending term as reported by a source.
type Topic struct {
	Term       string  `json:"term"`
	Popularity float64 `json:"popularity"`
}

// MatchKind says which rule linked a keyword to a term.
type MatchKind string

const (
	MatchExact   MatchKind = "exact"
	MatchAcronym MatchKind = "acronym"
	MatchOverlap MatchKind = "overlap"
	MatchEdit    MatchKind = "edit"
)

type Match struct {
	Term       string
	Popularity float64
	Kind       MatchKind
}

type entry struct {
	term       string
	tokens     []string
	set        map[string]struct{}
	initials   string
	popularity float64
}

// Index maps normalized trending terms to popularity in [0,100]. It is
// immutable once built and safe for concurrent readers.
type Index struct {
	exact   map[string]*entry
	entries []*entry
}

// Build normalizes topics into a fresh index. Empty keys are skipped and
// terms that normalize alike keep the highest popularity.
func Build(topics []Topic) *Index {
	idx := &Index{exact: make(map[string]*entry, len(topics))}
	for _, t := range topics {
		toks := news.Tokens(t.Term)
		if len(toks) == 0 {
			continue
		}
		key := strings.Join(toks, " ")
		pop := clip(t.Popularity)
		if e, ok := idx.exact[key]; ok {
			if pop > e.popularity {
				e.popularity = pop
			}
			continue
		}
		e := &entry{term: key, tokens: toks, set: tokenSet(toks), popularity: pop}
		if len(toks) > 1 {
			var b strings.Builder
			for _, tok := range toks {
				r, _ := utf8.DecodeRuneInString(tok)
				b.WriteRune(r)
			}
			e.initials = b.String()
		}
		idx.exact[key] = e
		idx.entries = append(idx.entries, e)
	}
	// Deterministic scan order for fuzzy rules.
	sort.Slice(idx.entries, func(i, j int) bool {
		if idx.entries[i].popularity != idx.entries[j].popularity {
			return idx.entries[i].popularity > idx.entries[j].popularity
		}
		return idx.entries[i].term < idx.entries[j].term
	})
	return idx
}

func clip(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 100:
		return 100
	}
	return v
}

func tokenSet(toks []string) map[string]struct{} {
	s := make(map[string]struct{}, len(toks))
	for _, t := range toks {
		s[t] = struct{}{}
	}
	return s
}

func (idx *Index) Len() int {
	if idx == nil {
		return 0
	}
	return len(idx.entries)
}

// Topics returns the index content sorted by popularity.
func (idx *Index) Topics() []Topic {
	if idx == nil {
		return nil
	}
	out := make([]Topic, 0, len(idx.entries))
	for _, e := range idx.entries {
		out = append(out, Topic{Term: e.term, Popularity: e.popularity})
	}
	return out
}

// Score is the highest popularity among the keywords' matches, 0 if none.
func (idx *Index) Score(keywords []string) float64 {
	best := 0.0
	for _, k := range keywords {
		if m, ok := idx.Match(k); ok && m.Popularity > best {
			best = m.Popularity
		}
	}
	return best
}

// Match finds the best term for keyword. Rules are tried in order (exact,
// acronym, token overlap, edit distance); within the first rule that
// matches anything, the most popular term wins.
func (idx *Index) Match(keyword string) (Match, bool) {
	if idx == nil || len(idx.entries) == 0 {
		return Match{}, false
	}
	toks := news.Tokens(keyword)
	if len(toks) == 0 {
		return Match{}, false
	}
	key := strings.Join(toks, " ")
	if e, ok := idx.exact[key]; ok {
		return Match{Term: e.term, Popularity: e.popularity, Kind: MatchExact}, true
	}

	// entries are sorted by popularity, so the first hit per rule is the best.
	if len(toks) == 1 {
		n := utf8.RuneCountInString(key)
		if n >= MinAcronymLetters && n <= MaxAcronymLetters {
			for _, e := range idx.entries {
				if e.initials != "" && e.initials == key {
					return Match{Term: e.term, Popularity: e.popularity, Kind: MatchAcronym}, true
				}
			}
		}
	}

	set := tokenSet(toks)
	for _, e := range idx.entries {
		if jaccard(set, e.set) >= MinJaccard {
			return Match{Term: e.term, Popularity: e.popularity, Kind: MatchOverlap}, true
		}
	}

	if len(toks) == 1 {
		for _, e := range idx.entries {
			if len(e.tokens) == 1 && closeSpelling(key, e.term) {
				return Match{Term: e.term, Popularity: e.popularity, Kind: MatchEdit}, true
			}
		}
	}
	return Match{}, false
}

func jaccard(a, b map[string]struct{}) float64 {
	inter := 0
	for t := range a {
		if _, ok := b[t]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func closeSpelling(a, b string) bool {
	la, lb := utf8.RuneCountInString(a), utf8.RuneCountInString(b)
	shorter := la
	if lb < shorter {
		shorter = lb
	}
	if shorter < MinEditRunes {
		return false
	}
	limit := MaxEditShort
	if shorter >= LongEditRunes {
		limit = MaxEditLong
	}
	if d := la - lb; d > limit || -d > limit {
		return false
	}
	return levenshtein.ComputeDistance(a, b) <= limit
}
