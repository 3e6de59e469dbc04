package news

import "strings"

// stopWords are dropped from headline keywords.
var stopWords = map[string]struct{}{}

func init() {
	for _, w := range strings.Fields(`
		a an the and or but in on at to for of with by from as is was are were been
		be have has had do does did will would could should may might shall can need must
		it its this that these those i we you he she they me him her us them my your
		his our their what which who whom how when where why not no nor so if then than
		too very just about above after again all also any because before between both each
		few more most other over same some such into through during out up down off only
		own here there while new first last says said according now get gets got make makes
		made going goes see look like come take still well back even want give day way`) {
		stopWords[w] = struct{}{}
	}
}

// ExtractKeywords tokenises a headline and keeps the significant words.
func ExtractKeywords(title string) []string {
	var out []string
	for _, tok := range Tokens(title) {
		if len([]rune(tok)) < 2 || !isAlpha(tok) {
			continue
		}
		if _, stop := stopWords[tok]; stop {
			continue
		}
		out = append(out, tok)
	}
	return out
}

// MergeKeywords normalizes feed-provided tags and headline keywords into one
// de-duplicated list, tags first.
func MergeKeywords(tags []string, title string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	add := func(k string) {
		k = Normalize(k)
		if k == "" {
			return
		}
		if _, ok := seen[k]; ok {
			return
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	for _, t := range tags {
		add(t)
	}
	for _, k := range ExtractKeywords(title) {
		add(k)
	}
	return out
}

func isAlpha(s string) bool {
	for _, r := range s {
		if r >= '0' && r <= '9' {
			return false
		}
	}
	return true
}
