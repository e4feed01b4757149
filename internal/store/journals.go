package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// Journal is the daily entry. One per calendar date; a second write for
// the same date merges into the existing row instead of duplicating.
type Journal struct {
	ID                 string
	SourceTranscriptID string
	Date               string
	Title              string
	Summary            string
	Mood               string
	Effort             string
	Sports             []string
	KeyEvents          []string
	Accomplishments    []string
	Challenges         []string
	Gratitude          []string
	TomorrowFocus      []string
	Content            string
	SourceFile         string
	CreatedAt          string
	UpdatedAt          string
}

// JournalResult reports whether the write created a new row or merged
// into the existing journal for that date.
type JournalResult struct {
	ID     string
	Merged bool
}

// UpsertJournal creates the journal for its date, or merges into the
// existing one. Merging never overwrites a populated field with an
// empty one. A duplicate on the transcript key means this transcript
// already produced a journal; the caller treats it as a skip.
func (s *Store) UpsertJournal(ctx context.Context, j *Journal) (*JournalResult, error) {
	if j.Date == "" {
		return nil, fmt.Errorf("journal date is required")
	}

	existing, err := s.GetJournalByDate(ctx, j.Date)
	if err != nil {
		return nil, err
	}
	now := nowRFC3339()

	if existing != nil {
		merged := mergeJournal(existing, j)
		err := Retry(ctx, func() error {
			_, err := s.db.ExecContext(ctx, `
				UPDATE journals SET summary = ?, mood = ?, effort = ?, sports = ?,
					key_events = ?, accomplishments = ?, challenges = ?, gratitude = ?,
					tomorrow_focus = ?, content = ?, updated_at = ?
				WHERE id = ? AND deleted_at IS NULL
			`, nullStr(merged.Summary), nullStr(merged.Mood), nullStr(merged.Effort),
				marshalList(merged.Sports), marshalList(merged.KeyEvents),
				marshalList(merged.Accomplishments), marshalList(merged.Challenges),
				marshalList(merged.Gratitude), marshalList(merged.TomorrowFocus),
				nullStr(merged.Content), now, existing.ID)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("merge journal: %w", err)
		}
		return &JournalResult{ID: existing.ID, Merged: true}, nil
	}

	id := j.ID
	if id == "" {
		id = uuid.New().String()
	}
	title := j.Title
	if title == "" {
		title = "Journal - " + j.Date
	}
	err = Retry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO journals (id, source_transcript_id, date, title, summary, mood,
				effort, sports, key_events, accomplishments, challenges, gratitude,
				tomorrow_focus, content, source_file, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, id, nullStr(j.SourceTranscriptID), j.Date, title, nullStr(j.Summary),
			nullStr(j.Mood), nullStr(j.Effort), marshalList(j.Sports),
			marshalList(j.KeyEvents), marshalList(j.Accomplishments),
			marshalList(j.Challenges), marshalList(j.Gratitude),
			marshalList(j.TomorrowFocus), nullStr(j.Content), nullStr(j.SourceFile),
			now, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &JournalResult{ID: id}, nil
}

// GetJournalByTranscript returns the live journal created from a
// transcript, or nil.
func (s *Store) GetJournalByTranscript(ctx context.Context, transcriptID string) (*Journal, error) {
	row := s.db.QueryRowContext(ctx, journalSelect+`
		WHERE source_transcript_id = ? AND deleted_at IS NULL
	`, transcriptID)
	j, err := scanJournal(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query journal by transcript: %w", err)
	}
	return j, nil
}

// GetJournalByDate returns the live journal for a calendar date, or nil.
func (s *Store) GetJournalByDate(ctx context.Context, date string) (*Journal, error) {
	row := s.db.QueryRowContext(ctx, journalSelect+`
		WHERE date = ? AND deleted_at IS NULL
	`, date)
	j, err := scanJournal(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query journal by date: %w", err)
	}
	return j, nil
}

const journalSelect = `
	SELECT id, source_transcript_id, date, title, summary, mood, effort, sports,
		key_events, accomplishments, challenges, gratitude, tomorrow_focus,
		content, source_file, created_at, updated_at
	FROM journals
`

// mergeJournal folds incoming into existing: incoming values win only
// where they are non-empty.
func mergeJournal(existing, incoming *Journal) *Journal {
	out := *existing
	if incoming.Summary != "" {
		out.Summary = incoming.Summary
	}
	if incoming.Mood != "" {
		out.Mood = incoming.Mood
	}
	if incoming.Effort != "" {
		out.Effort = incoming.Effort
	}
	if incoming.Content != "" {
		out.Content = incoming.Content
	}
	if len(incoming.Sports) > 0 {
		out.Sports = incoming.Sports
	}
	if len(incoming.KeyEvents) > 0 {
		out.KeyEvents = incoming.KeyEvents
	}
	if len(incoming.Accomplishments) > 0 {
		out.Accomplishments = incoming.Accomplishments
	}
	if len(incoming.Challenges) > 0 {
		out.Challenges = incoming.Challenges
	}
	if len(incoming.Gratitude) > 0 {
		out.Gratitude = incoming.Gratitude
	}
	if len(incoming.TomorrowFocus) > 0 {
		out.TomorrowFocus = incoming.TomorrowFocus
	}
	return &out
}

func scanJournal(row rowScanner) (*Journal, error) {
	var (
		j               Journal
		transcript      sql.NullString
		summary         sql.NullString
		mood            sql.NullString
		effort          sql.NullString
		sports          sql.NullString
		keyEvents       sql.NullString
		accomplishments sql.NullString
		challenges      sql.NullString
		gratitude       sql.NullString
		tomorrowFocus   sql.NullString
		content         sql.NullString
		source          sql.NullString
	)
	err := row.Scan(&j.ID, &transcript, &j.Date, &j.Title, &summary, &mood, &effort,
		&sports, &keyEvents, &accomplishments, &challenges, &gratitude,
		&tomorrowFocus, &content, &source, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	j.SourceTranscriptID = strOrEmpty(transcript)
	j.Summary = strOrEmpty(summary)
	j.Mood = strOrEmpty(mood)
	j.Effort = strOrEmpty(effort)
	j.Sports = unmarshalList[string](sports)
	j.KeyEvents = unmarshalList[string](keyEvents)
	j.Accomplishments = unmarshalList[string](accomplishments)
	j.Challenges = unmarshalList[string](challenges)
	j.Gratitude = unmarshalList[string](gratitude)
	j.TomorrowFocus = unmarshalList[string](tomorrowFocus)
	j.Content = strOrEmpty(content)
	j.SourceFile = strOrEmpty(source)
	return &j, nil
}
