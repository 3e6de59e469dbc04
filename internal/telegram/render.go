package telegram

import (
	"fmt"
	"html"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/deusflow/clearfeed/internal/delivery"
	"github.com/deusflow/clearfeed/internal/news"
	"github.com/deusflow/clearfeed/internal/preferences"
)

const (
	// MaxMessageRunes is the Bot API text limit.
	MaxMessageRunes = 4096
	// HotTrendingScore marks articles rendered with a fire prefix.
	HotTrendingScore = 70
	maxSummaryRunes  = 120

	moreCallbackPrefix = "morecat:"
	footer             = "<i>Clear Feed News · Calm, non-outrage curation</i>"
)

var firstSentence = regexp.MustCompile(`^(.+?[.!?])\s`)

// InlineKeyboardMarkup is the reply_markup payload of sendMessage.
type InlineKeyboardMarkup struct {
	InlineKeyboard [][]InlineKeyboardButton `json:"inline_keyboard"`
}

type InlineKeyboardButton struct {
	Text         string `json:"text"`
	CallbackData string `json:"callback_data"`
}

// RenderDigest formats one category of a digest as Telegram HTML.
func RenderDigest(d delivery.Digest) string {
	var b strings.Builder
	switch d.Slot {
	case preferences.SlotMorning:
		b.WriteString("☀️ <b>Your morning digest</b>\n\n")
	case preferences.SlotEvening:
		b.WriteString("🌙 <b>Your evening digest</b>\n\n")
	}
	fmt.Fprintf(&b, "<b>%s %s</b>\n", d.Category.Emoji(), html.EscapeString(d.Category.DisplayName()))

	if len(d.Articles) == 0 {
		b.WriteString("\nNo more articles here right now. Check back later!")
		return b.String()
	}

	for _, a := range d.Articles {
		entry := renderArticle(a)
		if utf8.RuneCountInString(b.String())+utf8.RuneCountInString(entry)+utf8.RuneCountInString(footer)+2 > MaxMessageRunes {
			break
		}
		b.WriteString(entry)
	}
	b.WriteString("\n")
	b.WriteString(footer)
	return b.String()
}

func renderArticle(a news.Article) string {
	prefix := "•"
	if a.TrendingScored && a.TrendingScore > HotTrendingScore {
		prefix = "🔥"
	}
	domain := html.EscapeString(strings.TrimPrefix(a.Source, "www."))
	line := fmt.Sprintf("\n%s <a href=\"%s\">%s</a>\n", prefix, html.EscapeString(a.URL), html.EscapeString(a.Title))

	summary := shortSummary(a.Summary)
	if summary != "" && !strings.EqualFold(summary, a.Title) {
		return line + html.EscapeString(summary) + " - <i>" + domain + "</i>\n"
	}
	return line + "<i>" + domain + "</i>\n"
}

// shortSummary keeps the first sentence when it is short enough, otherwise
// a word-bounded prefix.
func shortSummary(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if m := firstSentence.FindStringSubmatch(s + " "); m != nil && utf8.RuneCountInString(m[1]) <= maxSummaryRunes {
		return m[1]
	}
	if utf8.RuneCountInString(s) <= maxSummaryRunes {
		return s
	}
	cut := string([]rune(s)[:maxSummaryRunes-3])
	if i := strings.LastIndex(cut, " "); i > 0 {
		cut = cut[:i]
	}
	return cut + "..."
}

// MoreKeyboard offers the next page of d's category, or nil when the
// ranking has nothing after d.
func MoreKeyboard(d delivery.Digest) *InlineKeyboardMarkup {
	if len(d.Articles) == 0 || !d.HasMore {
		return nil
	}
	return &InlineKeyboardMarkup{InlineKeyboard: [][]InlineKeyboardButton{{{
		Text:         fmt.Sprintf("%s More %s →", d.Category.Emoji(), d.Category.DisplayName()),
		CallbackData: MoreCallbackData(d.Next()),
	}}}}
}

// MoreCallbackData encodes p as "morecat:<category>:<offset>[:<unix>]".
func MoreCallbackData(p delivery.Page) string {
	data := moreCallbackPrefix + string(p.Category) + ":" + strconv.Itoa(p.Offset)
	if !p.AsOf.IsZero() {
		data += ":" + strconv.FormatInt(p.AsOf.Unix(), 10)
	}
	return data
}

// ParseMoreCallback decodes MoreCallbackData. A missing offset means the
// first page; a missing instant means the current ranking.
func ParseMoreCallback(data string) (delivery.Page, error) {
	rest, ok := strings.CutPrefix(data, moreCallbackPrefix)
	if !ok {
		return delivery.Page{}, fmt.Errorf("not a more callback: %q", data)
	}
	parts := strings.Split(rest, ":")
	if len(parts) > 3 {
		return delivery.Page{}, fmt.Errorf("malformed callback %q", data)
	}
	cat, err := news.ParseCategory(parts[0])
	if err != nil {
		return delivery.Page{}, err
	}
	p := delivery.Page{Category: cat}
	if len(parts) > 1 {
		if p.Offset, err = strconv.Atoi(parts[1]); err != nil || p.Offset < 0 {
			return delivery.Page{}, fmt.Errorf("bad offset in callback %q", data)
		}
	}
	if len(parts) > 2 {
		sec, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil || sec <= 0 {
			return delivery.Page{}, fmt.Errorf("bad timestamp in callback %q", data)
		}
		p.AsOf = time.Unix(sec, 0).UTC()
	}
	return p, nil
}
