package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// TopicDiscussed is one discussion topic within a meeting.
type TopicDiscussed struct {
	Topic   string   `json:"topic"`
	Details []string `json:"details,omitempty"`
}

// FollowUp is something to bring up the next time the counterpart is met.
type FollowUp struct {
	Topic   string `json:"topic"`
	Context string `json:"context,omitempty"`
	Date    string `json:"date,omitempty"`
}

// Meeting is one recorded conversation with another person.
type Meeting struct {
	ID                 string
	SourceTranscriptID string
	ContactID          string
	ContactName        string
	Title              string
	Date               string
	Location           string
	Summary            string
	TopicsDiscussed    []TopicDiscussed
	PeopleMentioned    []string
	FollowUps          []FollowUp
	SourceFile         string
	CreatedAt          string
	UpdatedAt          string
}

// CreateMeeting inserts a meeting. A unique-key conflict on the source
// transcript surfaces as a duplicate error; callers treat it as
// already-exists, not failure.
func (s *Store) CreateMeeting(ctx context.Context, m *Meeting) (string, error) {
	id := m.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := nowRFC3339()

	err := Retry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO meetings (id, source_transcript_id, contact_id, contact_name,
				title, date, location, summary, topics_discussed, people_mentioned,
				follow_ups, source_file, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, id, nullStr(m.SourceTranscriptID), nullStr(m.ContactID), nullStr(m.ContactName),
			m.Title, nullStr(m.Date), nullStr(m.Location), nullStr(m.Summary),
			marshalList(m.TopicsDiscussed), marshalList(m.PeopleMentioned),
			marshalList(m.FollowUps), nullStr(m.SourceFile), now, now)
		return err
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// GetMeetingByTranscript returns the live meeting created from a
// transcript, or nil.
func (s *Store) GetMeetingByTranscript(ctx context.Context, transcriptID string) (*Meeting, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, source_transcript_id, contact_id, contact_name, title, date,
			location, summary, topics_discussed, people_mentioned, follow_ups,
			source_file, created_at, updated_at
		FROM meetings
		WHERE source_transcript_id = ? AND deleted_at IS NULL
	`, transcriptID)
	m, err := scanMeeting(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query meeting by transcript: %w", err)
	}
	return m, nil
}

// GetMeeting loads a live meeting by id.
func (s *Store) GetMeeting(ctx context.Context, id string) (*Meeting, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, source_transcript_id, contact_id, contact_name, title, date,
			location, summary, topics_discussed, people_mentioned, follow_ups,
			source_file, created_at, updated_at
		FROM meetings
		WHERE id = ? AND deleted_at IS NULL
	`, id)
	m, err := scanMeeting(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query meeting: %w", err)
	}
	return m, nil
}

// LinkMeetingContact links a meeting to a contact. Re-linking to the
// same contact is a no-op.
func (s *Store) LinkMeetingContact(ctx context.Context, meetingID, contactID string) error {
	return Retry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE meetings SET contact_id = ?, updated_at = ?
			WHERE id = ? AND deleted_at IS NULL
			  AND (contact_id IS NULL OR contact_id != ?)
		`, contactID, nowRFC3339(), meetingID, contactID)
		return err
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMeeting(row rowScanner) (*Meeting, error) {
	var (
		m          Meeting
		transcript sql.NullString
		contactID  sql.NullString
		name       sql.NullString
		date       sql.NullString
		location   sql.NullString
		summary    sql.NullString
		topics     sql.NullString
		people     sql.NullString
		followUps  sql.NullString
		source     sql.NullString
	)
	err := row.Scan(&m.ID, &transcript, &contactID, &name, &m.Title, &date,
		&location, &summary, &topics, &people, &followUps, &source,
		&m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	m.SourceTranscriptID = strOrEmpty(transcript)
	m.ContactID = strOrEmpty(contactID)
	m.ContactName = strOrEmpty(name)
	m.Date = strOrEmpty(date)
	m.Location = strOrEmpty(location)
	m.Summary = strOrEmpty(summary)
	m.TopicsDiscussed = unmarshalList[TopicDiscussed](topics)
	m.PeopleMentioned = unmarshalList[string](people)
	m.FollowUps = unmarshalList[FollowUp](followUps)
	m.SourceFile = strOrEmpty(source)
	return &m, nil
}
