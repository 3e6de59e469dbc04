package rss

import (
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
)

// MaxSummaryRunes caps stored summaries.
const MaxSummaryRunes = 500

// PlainText strips markup from a feed description and collapses whitespace.
func PlainText(html string) string {
	if !strings.ContainsAny(html, "<&") {
		return strings.Join(strings.Fields(html), " ")
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return strings.Join(strings.Fields(html), " ")
	}
	doc.Find("script, style, iframe, figure, img").Remove()
	return strings.Join(strings.Fields(doc.Text()), " ")
}

// Truncate shortens s to at most n runes, cutting at a word boundary when
// one is close.
func Truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)[:n]
	cut := string(r)
	if i := strings.LastIndex(cut, " "); i > len(cut)*3/4 {
		cut = cut[:i]
	}
	return strings.TrimSpace(cut) + "…"
}
