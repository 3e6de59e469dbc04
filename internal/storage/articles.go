package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/deusflow/clearfeed/internal/news"
)

var articleColumns = []string{
	"id", "url", "category", "source", "title", "summary", "keywords",
	"published_at", "fetched_at", "trending_score", "trending_scored", "sentiment",
}

// ArticleStore persists deduplicated, scored articles.
type ArticleStore struct {
	*DB
}

func NewArticleStore(db *DB) *ArticleStore {
	return &ArticleStore{DB: db}
}

// InsertArticle writes a in a single statement. An existing row with the
// same id is left untouched and inserted is false.
func (s *ArticleStore) InsertArticle(ctx context.Context, a news.Article) (bool, error) {
	keywords, err := json.Marshal(a.Keywords)
	if err != nil {
		return false, storageErr("insert article", err)
	}
	if a.Keywords == nil {
		keywords = []byte("[]")
	}
	sentiment := a.Sentiment
	if sentiment == "" {
		sentiment = news.SentimentUnknown
	}

	query, args, err := s.sb.Insert("articles").
		Columns(articleColumns...).
		Values(a.ID, a.URL, string(a.Category), a.Source, a.Title, a.Summary, string(keywords),
			dbTime(a.PublishedAt), dbTime(a.FetchedAt), a.TrendingScore, a.TrendingScored, string(sentiment)).
		Suffix("ON CONFLICT (id) DO NOTHING").
		ToSql()
	if err != nil {
		return false, storageErr("insert article", err)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, storageErr("insert article", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storageErr("insert article", err)
	}
	return n > 0, nil
}

// ExistingIDs returns the subset of ids already stored.
func (s *ArticleStore) ExistingIDs(ctx context.Context, ids []string) (map[string]bool, error) {
	found := make(map[string]bool, len(ids))
	// Chunked to stay under SQLite's bound-variable limit.
	const chunk = 500
	for start := 0; start < len(ids); start += chunk {
		end := min(start+chunk, len(ids))
		query, args, err := s.sb.Select("id").From("articles").
			Where(sq.Eq{"id": ids[start:end]}).
			ToSql()
		if err != nil {
			return nil, storageErr("existing ids", err)
		}
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, storageErr("existing ids", err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, storageErr("existing ids", err)
			}
			found[id] = true
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, storageErr("existing ids", err)
		}
	}
	return found, nil
}

// Candidates returns the category's articles published at or after since.
// When excludeSentTo is non-zero, articles already delivered to that user by
// a scheduled digest are left out. A non-zero asOf keeps only articles
// fetched by then and only discounts deliveries made before it.
func (s *ArticleStore) Candidates(ctx context.Context, category news.Category, since time.Time, excludeSentTo int64, asOf time.Time) ([]news.Article, error) {
	b := s.sb.Select(articleColumns...).From("articles").
		Where(sq.Eq{"category": string(category)}).
		Where(sq.GtOrEq{"published_at": dbTime(since)}).
		OrderBy("trending_score DESC", "published_at DESC", "id ASC")
	if !asOf.IsZero() {
		b = b.Where(sq.LtOrEq{"fetched_at": dbTime(asOf)})
	}
	switch {
	case excludeSentTo != 0 && asOf.IsZero():
		b = b.Where("NOT EXISTS (SELECT 1 FROM sent_articles s WHERE s.article_id = articles.id AND s.user_id = ?)", excludeSentTo)
	case excludeSentTo != 0:
		b = b.Where("NOT EXISTS (SELECT 1 FROM sent_articles s WHERE s.article_id = articles.id AND s.user_id = ? AND s.sent_at < ?)",
			excludeSentTo, dbTime(asOf))
	}
	return s.queryArticles(ctx, "candidates", b)
}

// Get returns the stored articles for ids, in the order given. Unknown ids
// are skipped.
func (s *ArticleStore) Get(ctx context.Context, ids []string) ([]news.Article, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	list, err := s.queryArticles(ctx, "get articles", s.sb.Select(articleColumns...).From("articles").Where(sq.Eq{"id": ids}))
	if err != nil {
		return nil, err
	}
	byID := make(map[string]news.Article, len(list))
	for _, a := range list {
		byID[a.ID] = a
	}
	out := make([]news.Article, 0, len(ids))
	for _, id := range ids {
		if a, ok := byID[id]; ok {
			out = append(out, a)
		}
	}
	return out, nil
}

// Count returns the number of stored articles per category.
func (s *ArticleStore) Count(ctx context.Context) (map[news.Category]int, error) {
	query, args, err := s.sb.Select("category", "COUNT(*)").From("articles").GroupBy("category").ToSql()
	if err != nil {
		return nil, storageErr("count articles", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("count articles", err)
	}
	defer rows.Close()

	out := map[news.Category]int{}
	for rows.Next() {
		var cat string
		var n int
		if err := rows.Scan(&cat, &n); err != nil {
			return nil, storageErr("count articles", err)
		}
		out[news.Category(cat)] = n
	}
	return out, storageErr("count articles", rows.Err())
}

// DeleteOlderThan removes articles published before cutoff, except ids in
// keep, together with delivery history that no longer points at an article.
// Both deletes run in one transaction.
func (s *ArticleStore) DeleteOlderThan(ctx context.Context, cutoff time.Time, keep []string) (int64, error) {
	del := s.sb.Delete("articles").Where(sq.Lt{"published_at": dbTime(cutoff)})
	if len(keep) > 0 {
		del = del.Where(sq.NotEq{"id": keep})
	}
	query, args, err := del.ToSql()
	if err != nil {
		return 0, storageErr("retention", err)
	}
	orphanQuery, orphanArgs, err := s.sb.Delete("sent_articles").
		Where("NOT EXISTS (SELECT 1 FROM articles a WHERE a.id = sent_articles.article_id)").
		ToSql()
	if err != nil {
		return 0, storageErr("retention", err)
	}

	var deleted int64
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("delete articles: %w", err)
		}
		if deleted, err = res.RowsAffected(); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, orphanQuery, orphanArgs...); err != nil {
			return fmt.Errorf("delete orphaned history: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, storageErr("retention", err)
	}
	return deleted, nil
}

func (s *ArticleStore) queryArticles(ctx context.Context, op string, b sq.SelectBuilder) ([]news.Article, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, storageErr(op, err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr(op, err)
	}
	defer rows.Close()

	var out []news.Article
	for rows.Next() {
		var (
			a         news.Article
			category  string
			keywords  string
			sentiment string
		)
		if err := rows.Scan(&a.ID, &a.URL, &category, &a.Source, &a.Title, &a.Summary, &keywords,
			&a.PublishedAt, &a.FetchedAt, &a.TrendingScore, &a.TrendingScored, &sentiment); err != nil {
			return nil, storageErr(op, err)
		}
		a.Category = news.Category(category)
		a.Sentiment = news.ParseSentiment(sentiment)
		if err := json.Unmarshal([]byte(keywords), &a.Keywords); err != nil {
			s.logger.Warn("Bad keywords column", "id", a.ID, "error", err)
		}
		a.PublishedAt = a.PublishedAt.UTC()
		a.FetchedAt = a.FetchedAt.UTC()
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(op, err)
	}
	return out, nil
}
