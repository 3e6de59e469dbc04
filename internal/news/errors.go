package news

import (
	"errors"
	"fmt"
)

// ErrTrendingUnavailable marks a cycle that could not get trending topics.
// Articles from that cycle are scored on recency only.
var ErrTrendingUnavailable = errors.New("trending topics unavailable")

// FetchError is a per-source network or parse failure.
type FetchError struct {
	Source string
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.Source, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// MalformedArticleError reports a candidate missing a required field.
type MalformedArticleError struct {
	Field string
	URL   string
}

func (e *MalformedArticleError) Error() string {
	if e.URL == "" {
		return fmt.Sprintf("malformed article: missing %s", e.Field)
	}
	return fmt.Sprintf("malformed article %s: bad %s", e.URL, e.Field)
}

// SendError is a transient delivery failure; the slot stays due.
type SendError struct {
	UserID   int64
	Category Category
	Err      error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send %s digest to %d: %v", e.Category, e.UserID, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// StorageError wraps a failed read or write against the store.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }
