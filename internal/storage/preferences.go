package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/deusflow/clearfeed/internal/news"
	"github.com/deusflow/clearfeed/internal/preferences"
)

// PreferenceStore keeps user preferences and delivery bookkeeping.
type PreferenceStore struct {
	*DB
	now func() time.Time
}

func NewPreferenceStore(db *DB) *PreferenceStore {
	return &PreferenceStore{DB: db, now: time.Now}
}

type userRow struct {
	id        int64
	timezone  string
	morning   sql.NullString
	evening   sql.NullString
	paused    bool
	resumedAt sql.NullTime
}

// Users loads every user with all preference fields populated.
func (s *PreferenceStore) Users(ctx context.Context) ([]preferences.UserPreferences, error) {
	return s.load(ctx, nil)
}

// Get loads one user or returns ErrNotFound.
func (s *PreferenceStore) Get(ctx context.Context, userID int64) (preferences.UserPreferences, error) {
	list, err := s.load(ctx, sq.Eq{"user_id": userID})
	if err != nil {
		return preferences.UserPreferences{}, err
	}
	if len(list) == 0 {
		return preferences.UserPreferences{}, ErrNotFound
	}
	return list[0], nil
}

func (s *PreferenceStore) load(ctx context.Context, where sq.Sqlizer) ([]preferences.UserPreferences, error) {
	q := s.sb.Select("user_id", "timezone", "morning_time", "evening_time", "paused", "resumed_at").
		From("users").OrderBy("user_id")
	if where != nil {
		q = q.Where(where)
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, storageErr("load users", err)
	}

	// Each query is drained before the next one starts; SQLite runs on a
	// single connection.
	var users []userRow
	err = s.each(ctx, query, args, func(rows *sql.Rows) error {
		var u userRow
		if err := rows.Scan(&u.id, &u.timezone, &u.morning, &u.evening, &u.paused, &u.resumedAt); err != nil {
			return err
		}
		users = append(users, u)
		return nil
	})
	if err != nil {
		return nil, storageErr("load users", err)
	}
	if len(users) == 0 {
		return nil, nil
	}

	byID := make(map[int64]*preferences.UserPreferences, len(users))
	out := make([]preferences.UserPreferences, len(users))
	for i, u := range users {
		p := preferences.UserPreferences{
			UserID:         u.id,
			Timezone:       u.timezone,
			Paused:         u.paused,
			EnabledSources: map[news.Category][]string{},
			LastDelivered:  map[preferences.Slot]string{},
		}
		if u.resumedAt.Valid {
			p.ResumedAt = u.resumedAt.Time.UTC()
		}
		if p.MorningTime, err = parseClockColumn(u.morning); err != nil {
			return nil, storageErr("load users", fmt.Errorf("user %d: %w", u.id, err))
		}
		if p.EveningTime, err = parseClockColumn(u.evening); err != nil {
			return nil, storageErr("load users", fmt.Errorf("user %d: %w", u.id, err))
		}
		out[i] = p
		byID[u.id] = &out[i]
	}

	children := []struct {
		table   string
		columns []string
		scan    func(rows *sql.Rows) error
	}{
		{"user_categories", []string{"user_id", "category"}, func(rows *sql.Rows) error {
			var id int64
			var c string
			if err := rows.Scan(&id, &c); err != nil {
				return err
			}
			if p := byID[id]; p != nil {
				p.EnabledCategories = append(p.EnabledCategories, news.Category(c))
			}
			return nil
		}},
		{"user_sources", []string{"user_id", "category", "source"}, func(rows *sql.Rows) error {
			var id int64
			var c, src string
			if err := rows.Scan(&id, &c, &src); err != nil {
				return err
			}
			if p := byID[id]; p != nil {
				p.EnabledSources[news.Category(c)] = append(p.EnabledSources[news.Category(c)], src)
			}
			return nil
		}},
		{"user_blocked_keywords", []string{"user_id", "keyword"}, func(rows *sql.Rows) error {
			var id int64
			var k string
			if err := rows.Scan(&id, &k); err != nil {
				return err
			}
			if p := byID[id]; p != nil {
				p.BlockedKeywords = append(p.BlockedKeywords, k)
			}
			return nil
		}},
		{"slot_deliveries", []string{"user_id", "slot", "local_date"}, func(rows *sql.Rows) error {
			var id int64
			var slot, date string
			if err := rows.Scan(&id, &slot, &date); err != nil {
				return err
			}
			if p := byID[id]; p != nil {
				p.LastDelivered[preferences.Slot(slot)] = date
			}
			return nil
		}},
	}
	for _, child := range children {
		q := s.sb.Select(child.columns...).From(child.table).OrderBy(child.columns...)
		if where != nil {
			q = q.Where(where)
		}
		query, args, err := q.ToSql()
		if err != nil {
			return nil, storageErr("load "+child.table, err)
		}
		if err := s.each(ctx, query, args, child.scan); err != nil {
			return nil, storageErr("load "+child.table, err)
		}
	}

	for i := range out {
		sortCategories(out[i].EnabledCategories)
	}
	return out, nil
}

func (s *PreferenceStore) each(ctx context.Context, query string, args []interface{}, fn func(rows *sql.Rows) error) error {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		if err := fn(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Save replaces a user's preferences. Delivery bookkeeping and the pause
// state are owned by MarkDelivered and SetPaused and are not written here,
// except for a brand-new user.
func (s *PreferenceStore) Save(ctx context.Context, p preferences.UserPreferences) error {
	now := dbTime(s.now())
	upsert, args, err := s.sb.Insert("users").
		Columns("user_id", "timezone", "morning_time", "evening_time", "paused", "created_at", "updated_at").
		Values(p.UserID, p.Timezone, clockColumn(p.MorningTime), clockColumn(p.EveningTime), p.Paused, now, now).
		Suffix("ON CONFLICT (user_id) DO UPDATE SET timezone = EXCLUDED.timezone, morning_time = EXCLUDED.morning_time, evening_time = EXCLUDED.evening_time, updated_at = EXCLUDED.updated_at").
		ToSql()
	if err != nil {
		return storageErr("save preferences", err)
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, upsert, args...); err != nil {
			return fmt.Errorf("upsert user: %w", err)
		}
		for _, table := range []string{"user_categories", "user_sources", "user_blocked_keywords"} {
			if err := s.exec(ctx, tx, s.sb.Delete(table).Where(sq.Eq{"user_id": p.UserID})); err != nil {
				return fmt.Errorf("clear %s: %w", table, err)
			}
		}
		if len(p.EnabledCategories) > 0 {
			ins := s.sb.Insert("user_categories").Columns("user_id", "category")
			for _, c := range p.EnabledCategories {
				ins = ins.Values(p.UserID, string(c))
			}
			if err := s.exec(ctx, tx, ins); err != nil {
				return fmt.Errorf("insert categories: %w", err)
			}
		}
		if len(p.EnabledSources) > 0 {
			ins := s.sb.Insert("user_sources").Columns("user_id", "category", "source")
			n := 0
			for c, sources := range p.EnabledSources {
				for _, src := range sources {
					ins = ins.Values(p.UserID, string(c), src)
					n++
				}
			}
			if n > 0 {
				if err := s.exec(ctx, tx, ins); err != nil {
					return fmt.Errorf("insert sources: %w", err)
				}
			}
		}
		if len(p.BlockedKeywords) > 0 {
			ins := s.sb.Insert("user_blocked_keywords").Columns("user_id", "keyword")
			for _, k := range p.BlockedKeywords {
				ins = ins.Values(p.UserID, k)
			}
			if err := s.exec(ctx, tx, ins); err != nil {
				return fmt.Errorf("insert keywords: %w", err)
			}
		}
		return nil
	})
	return storageErr("save preferences", err)
}

// SetPaused flips the pause flag. Resuming records at so slots scheduled
// before the resume are not delivered retroactively.
func (s *PreferenceStore) SetPaused(ctx context.Context, userID int64, paused bool, at time.Time) error {
	upd := s.sb.Update("users").
		Set("paused", paused).
		Set("updated_at", dbTime(s.now())).
		Where(sq.Eq{"user_id": userID})
	if !paused {
		upd = upd.Set("resumed_at", dbTime(at))
	}
	query, args, err := upd.ToSql()
	if err != nil {
		return storageErr("set paused", err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return storageErr("set paused", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkDelivered records a completed slot and the articles it carried in one
// transaction.
func (s *PreferenceStore) MarkDelivered(ctx context.Context, userID int64, slot preferences.Slot, localDate string, at time.Time, articleIDs []string) error {
	upsert := s.sb.Insert("slot_deliveries").
		Columns("user_id", "slot", "local_date", "delivered_at").
		Values(userID, string(slot), localDate, dbTime(at)).
		Suffix("ON CONFLICT (user_id, slot) DO UPDATE SET local_date = EXCLUDED.local_date, delivered_at = EXCLUDED.delivered_at")

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.exec(ctx, tx, upsert); err != nil {
			return fmt.Errorf("record slot: %w", err)
		}
		if len(articleIDs) == 0 {
			return nil
		}
		ins := s.sb.Insert("sent_articles").Columns("user_id", "article_id", "slot", "sent_at")
		for _, id := range articleIDs {
			ins = ins.Values(userID, id, string(slot), dbTime(at))
		}
		if err := s.exec(ctx, tx, ins.Suffix("ON CONFLICT (user_id, article_id) DO NOTHING")); err != nil {
			return fmt.Errorf("record history: %w", err)
		}
		return nil
	})
	return storageErr("mark delivered", err)
}

func (s *PreferenceStore) exec(ctx context.Context, tx *sql.Tx, b sq.Sqlizer) error {
	query, args, err := b.ToSql()
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, query, args...)
	return err
}

func clockColumn(c *preferences.ClockTime) interface{} {
	if c == nil {
		return nil
	}
	return c.String()
}

func parseClockColumn(v sql.NullString) (*preferences.ClockTime, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	c, err := preferences.ParseClock(v.String)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func sortCategories(cats []news.Category) {
	order := make(map[news.Category]int)
	for i, c := range news.AllCategories() {
		order[c] = i
	}
	sort.SliceStable(cats, func(i, j int) bool { return order[cats[i]] < order[cats[j]] })
}

// IsNotFound reports whether err means the user does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
