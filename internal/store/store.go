package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"math"
	"math/rand"
	"strings"
	"time"
)

const (
	maxWriteRetries = 3
	initialBackoff  = 100 * time.Millisecond
	maxBackoff      = 2 * time.Second
)

// Store provides access to the record tables. All write paths retry
// transient failures a bounded number of times; unique-key conflicts are
// never retried; callers map them to duplicate-skip via IsDuplicate.
type Store struct {
	db *sql.DB
}

// New creates a Store on an opened database.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for components that share the
// connection (outbox, contact registry).
func (s *Store) DB() *sql.DB {
	return s.db
}

// IsDuplicate reports whether err is a unique-constraint violation.
// Both sqlite drivers surface these in the error text rather than a
// shared sentinel type.
func IsDuplicate(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed: UNIQUE")
}

// Retry runs fn, retrying transient failures with jittered backoff.
// Duplicate-key errors and context cancellation return immediately.
func Retry(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= maxWriteRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryBackoff(attempt)):
			}
		}
		err := fn()
		if err == nil {
			return nil
		}
		if IsDuplicate(err) || ctx.Err() != nil {
			return err
		}
		lastErr = err
	}
	return lastErr
}

func retryBackoff(attempt int) time.Duration {
	backoff := float64(initialBackoff) * math.Pow(2, float64(attempt-1))
	if backoff > float64(maxBackoff) {
		backoff = float64(maxBackoff)
	}
	jitter := backoff * 0.25 * (rand.Float64()*2 - 1)
	return time.Duration(backoff + jitter)
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// marshalList encodes a slice as JSON text, NULL for empty.
func marshalList[T any](items []T) any {
	if len(items) == 0 {
		return nil
	}
	b, err := json.Marshal(items)
	if err != nil {
		return nil
	}
	return string(b)
}

func unmarshalList[T any](raw sql.NullString) []T {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	var items []T
	if err := json.Unmarshal([]byte(raw.String), &items); err != nil {
		return nil
	}
	return items
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func strOrEmpty(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}
