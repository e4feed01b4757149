package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ErrVersionConflict is returned when a compare-and-swap append lost the
// race to a concurrent writer. Callers re-read and retry.
var ErrVersionConflict = errors.New("reflection version conflict")

// Reflection is an ongoing thought thread. A topic key maps to exactly
// one live reflection; new content under the same key is appended.
type Reflection struct {
	ID         string
	TopicKey   string
	Title      string
	Date       string
	Tags       []string
	Content    string
	SourceFile string
	Version    int64
	CreatedAt  string
	UpdatedAt  string
}

// TopicRef identifies an existing reflection topic, used as an oracle
// hint for append-vs-create routing.
type TopicRef struct {
	ID       string `json:"id"`
	TopicKey string `json:"topic_key"`
	Title    string `json:"title"`
}

// NormalizeTopicKey canonicalizes a topic key: lowercase, hyphenated,
// alphanumeric only. Returns "" for keys with no usable characters.
func NormalizeTopicKey(key string) string {
	key = strings.ToLower(strings.TrimSpace(key))
	var b strings.Builder
	lastHyphen := true // suppress leading hyphen
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
	}
	return strings.TrimRight(b.String(), "-")
}

// KnownTopicKeys returns recent live reflection topics, newest first.
func (s *Store) KnownTopicKeys(ctx context.Context, limit int) ([]TopicRef, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, topic_key, title
		FROM reflections
		WHERE topic_key IS NOT NULL AND deleted_at IS NULL
		ORDER BY updated_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query topics: %w", err)
	}
	defer rows.Close()

	var refs []TopicRef
	for rows.Next() {
		var ref TopicRef
		if err := rows.Scan(&ref.ID, &ref.TopicKey, &ref.Title); err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

// LiveReflectionByTopic returns the live reflection for a topic key, or
// nil. If the single-writer invariant was ever violated and several live
// rows share the key, the most recently updated one wins; the rest are
// left untouched.
func (s *Store) LiveReflectionByTopic(ctx context.Context, topicKey string) (*Reflection, error) {
	row := s.db.QueryRowContext(ctx, reflectionSelect+`
		WHERE topic_key = ? AND deleted_at IS NULL
		ORDER BY updated_at DESC, version DESC
		LIMIT 1
	`, topicKey)
	r, err := scanReflection(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query reflection by topic: %w", err)
	}
	return r, nil
}

// GetReflection loads a live reflection by id.
func (s *Store) GetReflection(ctx context.Context, id string) (*Reflection, error) {
	row := s.db.QueryRowContext(ctx, reflectionSelect+`
		WHERE id = ? AND deleted_at IS NULL
	`, id)
	r, err := scanReflection(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query reflection: %w", err)
	}
	return r, nil
}

// CreateReflection inserts a new reflection at version 1.
func (s *Store) CreateReflection(ctx context.Context, r *Reflection) (string, error) {
	id := r.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := nowRFC3339()
	err := Retry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO reflections (id, topic_key, title, date, tags, content,
				source_file, version, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
		`, id, nullStr(r.TopicKey), r.Title, nullStr(r.Date), marshalList(r.Tags),
			r.Content, nullStr(r.SourceFile), now, now)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("insert reflection: %w", err)
	}
	return id, nil
}

// AppendReflection appends a rendered section to an existing reflection,
// guarded by a compare-and-swap on version so two concurrent appends to
// the same topic cannot both build on the same prior state. Prior
// sections are never truncated or replaced. Tags are unioned.
func (s *Store) AppendReflection(ctx context.Context, id string, version int64, addition string, newTags []string) error {
	existing, err := s.GetReflection(ctx, id)
	if err != nil {
		return err
	}
	if existing == nil {
		return fmt.Errorf("reflection %s not found", id)
	}
	tags := mergeTags(existing.Tags, newTags)

	res, err := s.db.ExecContext(ctx, `
		UPDATE reflections
		SET content = content || ?, tags = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ? AND deleted_at IS NULL
	`, addition, marshalList(tags), nowRFC3339(), id, version)
	if err != nil {
		return fmt.Errorf("append reflection: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrVersionConflict
	}
	return nil
}

// HasAppliedTopic reports whether a transcript already contributed a
// section to this topic. Keeps reflection appends idempotent across
// retried passes.
func (s *Store) HasAppliedTopic(ctx context.Context, transcriptID, topicKey string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM reflection_sources
		WHERE transcript_id = ? AND topic_key = ?
	`, transcriptID, topicKey).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check applied topic: %w", err)
	}
	return count > 0, nil
}

// RecordAppliedTopic marks (transcript, topic) as applied. Idempotent;
// a concurrent pass getting there first is not an error.
func (s *Store) RecordAppliedTopic(ctx context.Context, transcriptID, topicKey, reflectionID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO reflection_sources (transcript_id, topic_key, reflection_id, created_at)
		VALUES (?, ?, ?, ?)
	`, transcriptID, topicKey, reflectionID, nowRFC3339())
	return err
}

const reflectionSelect = `
	SELECT id, topic_key, title, date, tags, content, source_file, version,
		created_at, updated_at
	FROM reflections
`

func scanReflection(row rowScanner) (*Reflection, error) {
	var (
		r      Reflection
		topic  sql.NullString
		date   sql.NullString
		tags   sql.NullString
		source sql.NullString
	)
	err := row.Scan(&r.ID, &topic, &r.Title, &date, &tags, &r.Content, &source,
		&r.Version, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.TopicKey = strOrEmpty(topic)
	r.Date = strOrEmpty(date)
	r.Tags = unmarshalList[string](tags)
	r.SourceFile = strOrEmpty(source)
	return &r, nil
}

func mergeTags(existing, incoming []string) []string {
	seen := make(map[string]struct{}, len(existing)+len(incoming))
	out := make([]string, 0, len(existing)+len(incoming))
	for _, t := range existing {
		if _, ok := seen[t]; !ok {
			seen[t] = struct{}{}
			out = append(out, t)
		}
	}
	for _, t := range incoming {
		if _, ok := seen[t]; !ok {
			seen[t] = struct{}{}
			out = append(out, t)
		}
	}
	return out
}
