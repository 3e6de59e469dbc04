package news

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Letters that do not decompose under NFD but should still fold to ASCII.
var foldReplacer = strings.NewReplacer(
	"ø", "o", "æ", "ae", "å", "a", "ß", "ss",
	"ł", "l", "đ", "d", "œ", "oe", "þ", "th",
)

// Normalize lowercases s, strips diacritics and replaces every rune that is
// not a letter or digit with a single space.
func Normalize(s string) string {
	if s == "" {
		return ""
	}
	// transform.Chain keeps state, so it is built per call.
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, strings.ToLower(s))
	if err != nil {
		folded = strings.ToLower(s)
	}
	folded = foldReplacer.Replace(folded)

	b := make([]rune, 0, len(folded))
	for _, r := range folded {
		if unicode.IsLetter(r) || unicode.IsNumber(r) {
			b = append(b, r)
		} else {
			b = append(b, ' ')
		}
	}
	return strings.Join(strings.Fields(string(b)), " ")
}

// Tokens returns the normalized words of s.
func Tokens(s string) []string {
	return strings.Fields(Normalize(s))
}

// ContainsSequence reports whether needle occurs in haystack as a
// contiguous run of whole tokens.
func ContainsSequence(haystack, needle []string) bool {
	if len(needle) == 0 || len(needle) > len(haystack) {
		return false
	}
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i] != needle[0] {
			continue
		}
		match := true
		for j := 1; j < len(needle); j++ {
			if haystack[i+j] != needle[j] {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}
