package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrTranscriptNotFound is returned when a transcript id does not resolve.
var ErrTranscriptNotFound = errors.New("transcript not found")

// Transcript is the immutable raw input to a reconciliation pass.
// Only the processed flag is ever mutated after creation.
type Transcript struct {
	ID                   string
	SourceFile           string
	FullText             string
	RecordingDate        string
	Language             string
	AudioDurationSeconds int
	Processed            bool
	CreatedAt            string
}

// CreateTranscript persists a new transcript and returns its id.
func (s *Store) CreateTranscript(ctx context.Context, t *Transcript) (string, error) {
	if t.FullText == "" {
		return "", fmt.Errorf("transcript text is required")
	}
	id := t.ID
	if id == "" {
		id = uuid.New().String()
	}

	err := Retry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO transcripts (id, source_file, full_text, recording_date, language,
				audio_duration_seconds, processed, created_at)
			VALUES (?, ?, ?, ?, ?, ?, 0, ?)
		`, id, nullStr(t.SourceFile), t.FullText, nullStr(t.RecordingDate),
			nullStr(t.Language), t.AudioDurationSeconds, nowRFC3339())
		return err
	})
	if err != nil {
		return "", fmt.Errorf("insert transcript: %w", err)
	}
	return id, nil
}

// GetTranscript loads a transcript by id.
func (s *Store) GetTranscript(ctx context.Context, id string) (*Transcript, error) {
	var (
		t        Transcript
		source   sql.NullString
		recDate  sql.NullString
		language sql.NullString
		duration sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, source_file, full_text, recording_date, language,
			audio_duration_seconds, processed, created_at
		FROM transcripts WHERE id = ?
	`, id).Scan(&t.ID, &source, &t.FullText, &recDate, &language, &duration, &t.Processed, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrTranscriptNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query transcript: %w", err)
	}
	t.SourceFile = strOrEmpty(source)
	t.RecordingDate = strOrEmpty(recDate)
	t.Language = strOrEmpty(language)
	if duration.Valid {
		t.AudioDurationSeconds = int(duration.Int64)
	}
	return &t, nil
}

// MarkTranscriptProcessed flips the processed flag. Idempotent.
func (s *Store) MarkTranscriptProcessed(ctx context.Context, id string) error {
	return Retry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `UPDATE transcripts SET processed = 1 WHERE id = ?`, id)
		return err
	})
}

// RecentTranscripts returns the newest transcripts, most recent first.
func (s *Store) RecentTranscripts(ctx context.Context, limit int) ([]Transcript, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source_file, full_text, recording_date, language,
			audio_duration_seconds, processed, created_at
		FROM transcripts
		ORDER BY created_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query transcripts: %w", err)
	}
	defer rows.Close()

	var out []Transcript
	for rows.Next() {
		var (
			t        Transcript
			source   sql.NullString
			recDate  sql.NullString
			language sql.NullString
			duration sql.NullInt64
		)
		if err := rows.Scan(&t.ID, &source, &t.FullText, &recDate, &language, &duration, &t.Processed, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.SourceFile = strOrEmpty(source)
		t.RecordingDate = strOrEmpty(recDate)
		t.Language = strOrEmpty(language)
		if duration.Valid {
			t.AudioDurationSeconds = int(duration.Int64)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
