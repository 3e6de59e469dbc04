package ranking

import (
	"sort"
	"strings"
)

// DefaultPerSourceCap limits how many articles one source may place in a
// single category's selection.
const DefaultPerSourceCap = 2

// Select returns the ids of at most maxArticles candidates, highest
// composite first, with no source appearing more than perSourceCap times.
// Ties break on newer PublishedAt, then smaller ID. The input is not
// modified. perSourceCap <= 0 disables the cap.
func Select(candidates []Candidate, perSourceCap, maxArticles int) []string {
	if maxArticles <= 0 || len(candidates) == 0 {
		return []string{}
	}
	sorted := make([]Candidate, len(candidates))
	copy(sorted, candidates)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.Composite != b.Composite {
			return a.Composite > b.Composite
		}
		if !a.Article.PublishedAt.Equal(b.Article.PublishedAt) {
			return a.Article.PublishedAt.After(b.Article.PublishedAt)
		}
		return a.Article.ID < b.Article.ID
	})

	out := make([]string, 0, min(maxArticles, len(sorted)))
	perSource := make(map[string]int)
	seen := make(map[string]bool, len(sorted))
	for _, c := range sorted {
		if len(out) >= maxArticles {
			break
		}
		if seen[c.Article.ID] {
			continue
		}
		src := strings.ToLower(c.Article.Source)
		if perSourceCap > 0 && perSource[src] >= perSourceCap {
			continue
		}
		seen[c.Article.ID] = true
		perSource[src]++
		out = append(out, c.Article.ID)
	}
	return out
}

// SelectPage returns the window [offset, offset+limit) of the selection that
// Select would produce with maxArticles = offset+limit, and whether the
// selection continues past the window.
func SelectPage(candidates []Candidate, perSourceCap, offset, limit int) ([]string, bool) {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		return []string{}, false
	}
	all := Select(candidates, perSourceCap, offset+limit+1)
	more := len(all) > offset+limit
	if more {
		all = all[:offset+limit]
	}
	if offset >= len(all) {
		return []string{}, false
	}
	return all[offset:], more
}
