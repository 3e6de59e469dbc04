package delivery

import (
	"context"
	"time"

	"github.com/deusflow/clearfeed/internal/news"
	"github.com/deusflow/clearfeed/internal/preferences"
	"github.com/deusflow/clearfeed/internal/ranking"
)

// PreferenceStore is the scheduler's view of the preferences subsystem.
// MarkDelivered must persist the slot date and the sent ids atomically.
type PreferenceStore interface {
	Users(ctx context.Context) ([]preferences.UserPreferences, error)
	Get(ctx context.Context, userID int64) (preferences.UserPreferences, error)
	SetPaused(ctx context.Context, userID int64, paused bool, at time.Time) error
	MarkDelivered(ctx context.Context, userID int64, slot preferences.Slot, localDate string, at time.Time, articleIDs []string) error
}

// ArticleSource returns the candidate pool for one category. A non-zero
// excludeSentTo drops articles already delivered to that user. A non-zero
// asOf restores the pool as it stood then: only articles fetched at or
// before asOf, and only deliveries made strictly before it.
type ArticleSource interface {
	Candidates(ctx context.Context, category news.Category, since time.Time, excludeSentTo int64, asOf time.Time) ([]news.Article, error)
}

// Page addresses one window of a category ranking. A zero AsOf ranks the
// current pool with delivery history ignored. Otherwise the ranking is
// rebuilt as it stood at AsOf for the requesting user, which is how a
// scheduled digest was built.
type Page struct {
	Category news.Category
	Offset   int
	AsOf     time.Time
}

// Digest is one category's ordered selection for one user.
type Digest struct {
	UserID   int64
	Category news.Category
	Slot     preferences.Slot
	// Offset is the position of the first article within the category's
	// ranking; scheduled digests start at 0.
	Offset int
	// AsOf is the instant the ranking was built against, zero for rankings
	// that ignore delivery history.
	AsOf     time.Time
	Articles []news.Article
	// HasMore is set when the ranking continues past this page.
	HasMore bool
}

// Next returns the page that follows d in the same ranking.
func (d Digest) Next() Page {
	return Page{Category: d.Category, Offset: d.Offset + len(d.Articles), AsOf: d.AsOf}
}

// ArticleIDs returns the ids in delivery order.
func (d Digest) ArticleIDs() []string {
	ids := make([]string, len(d.Articles))
	for i, a := range d.Articles {
		ids[i] = a.ID
	}
	return ids
}

// Messenger renders and sends digests. A nil error means the platform
// accepted the message.
type Messenger interface {
	SendDigest(ctx context.Context, d Digest) error
	SendMore(ctx context.Context, d Digest) error
}

// SlotState is where a (user, slot) pair stands for the user's local day.
type SlotState string

const (
	StateIdle       SlotState = "idle"
	StateDue        SlotState = "due"
	StateDelivering SlotState = "delivering"
	StateDelivered  SlotState = "delivered"
)

type Options struct {
	MaxArticles  int
	PerSourceCap int
	// Horizon bounds the candidate window and matches retention.
	Horizon     time.Duration
	SendTimeout time.Duration
	// MaxRetryAge drops a slot still undelivered this long after its
	// configured time. Zero disables the limit.
	MaxRetryAge time.Duration
	Scorer      ranking.Scorer
}

const (
	DefaultMaxArticles = 5
	DefaultSendTimeout = 30 * time.Second
	DefaultMaxRetryAge = 3 * time.Hour
)

func (o Options) withDefaults() Options {
	if o.MaxArticles <= 0 {
		o.MaxArticles = DefaultMaxArticles
	}
	if o.Horizon <= 0 {
		o.Horizon = ranking.DefaultHorizon
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = DefaultSendTimeout
	}
	if o.Scorer.Horizon <= 0 {
		o.Scorer.Horizon = o.Horizon
	}
	return o
}

// TickStats summarizes one Tick.
type TickStats struct {
	TickID    string
	Skipped   bool
	Due       int
	Delivered int
	Failed    int
	Expired   int
	Errors    int
}
