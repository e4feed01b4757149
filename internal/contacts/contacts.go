package contacts

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/askohl/dicta/internal/store"
)

// Contact is one person in the registry. Contacts are never hard-deleted,
// only soft-deleted via deleted_at.
type Contact struct {
	ID                  string
	FirstName           string
	LastName            string
	Email               string
	AlternativeEmails   []string
	Company             string
	Position            string
	Location            string
	PersonalNotes       string
	LastInteractionDate string
	TotalInteractions   int
	CreatedAt           string
	UpdatedAt           string
}

// FullName returns "First Last" with empty parts dropped.
func (c *Contact) FullName() string {
	return strings.TrimSpace(c.FirstName + " " + c.LastName)
}

// Registry is the canonical store of people.
type Registry struct {
	db             *sql.DB
	maxSuggestions int
	minScore       float64
}

// NewRegistry creates a Registry. maxSuggestions and minScore tune
// fuzzy matching; zero values get defaults (5, 0.4).
func NewRegistry(db *sql.DB, maxSuggestions int, minScore float64) *Registry {
	if maxSuggestions <= 0 {
		maxSuggestions = 5
	}
	if minScore <= 0 {
		minScore = 0.4
	}
	return &Registry{db: db, maxSuggestions: maxSuggestions, minScore: minScore}
}

// Create inserts a new contact. SplitName is applied when only a
// free-text name is available.
func (r *Registry) Create(ctx context.Context, c *Contact) (string, error) {
	if c.FirstName == "" {
		return "", fmt.Errorf("contact first name is required")
	}
	id := c.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := time.Now().UTC().Format(time.RFC3339)

	var altEmails any
	if len(c.AlternativeEmails) > 0 {
		b, err := json.Marshal(normalizeEmails(c.AlternativeEmails))
		if err != nil {
			return "", fmt.Errorf("marshal alternative emails: %w", err)
		}
		altEmails = string(b)
	}

	err := store.Retry(ctx, func() error {
		_, err := r.db.ExecContext(ctx, `
			INSERT INTO contacts (id, first_name, last_name, email, alternative_emails,
				company, position, location, personal_notes, total_interactions,
				created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
		`, id, c.FirstName, nullable(c.LastName), nullable(NormalizeEmail(c.Email)),
			altEmails, nullable(c.Company), nullable(c.Position), nullable(c.Location),
			nullable(c.PersonalNotes), now, now)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("insert contact: %w", err)
	}
	return id, nil
}

// Get loads a live contact by id, or nil.
func (r *Registry) Get(ctx context.Context, id string) (*Contact, error) {
	row := r.db.QueryRowContext(ctx, contactSelect+`
		WHERE id = ? AND deleted_at IS NULL
	`, id)
	c, err := scanContact(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query contact: %w", err)
	}
	return c, nil
}

// List returns live contacts ordered by name.
func (r *Registry) List(ctx context.Context, limit int) ([]Contact, error) {
	rows, err := r.db.QueryContext(ctx, contactSelect+`
		WHERE deleted_at IS NULL
		ORDER BY first_name, last_name
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query contacts: %w", err)
	}
	defer rows.Close()

	var out []Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// ProfileUpdate carries new learnings about a contact. Empty fields are
// ignored: updates merge into the profile, never overwrite with blanks.
type ProfileUpdate struct {
	Company       string
	Position      string
	Location      string
	PersonalNotes string
}

// MergeProfile folds non-empty update fields into the contact. Notes
// accumulate rather than replace.
func (r *Registry) MergeProfile(ctx context.Context, id string, u ProfileUpdate) error {
	err := store.Retry(ctx, func() error {
		_, err := r.db.ExecContext(ctx, `
			UPDATE contacts SET
				company = COALESCE(NULLIF(?, ''), company),
				position = COALESCE(NULLIF(?, ''), position),
				location = COALESCE(NULLIF(?, ''), location),
				personal_notes = CASE
					WHEN ? = '' THEN personal_notes
					WHEN personal_notes IS NULL OR personal_notes = '' THEN ?
					ELSE personal_notes || char(10) || ?
				END,
				updated_at = ?
			WHERE id = ? AND deleted_at IS NULL
		`, u.Company, u.Position, u.Location,
			u.PersonalNotes, u.PersonalNotes, u.PersonalNotes,
			time.Now().UTC().Format(time.RFC3339), id)
		return err
	})
	if err != nil {
		return fmt.Errorf("merge contact profile: %w", err)
	}
	return nil
}

// RecordInteraction bumps the rolling stats. A single commutative
// statement, so concurrent passes cannot lose updates.
func (r *Registry) RecordInteraction(ctx context.Context, id, date string) error {
	err := store.Retry(ctx, func() error {
		_, err := r.db.ExecContext(ctx, `
			UPDATE contacts SET
				total_interactions = total_interactions + 1,
				last_interaction_date = CASE
					WHEN last_interaction_date IS NULL OR last_interaction_date < ? THEN ?
					ELSE last_interaction_date
				END,
				updated_at = ?
			WHERE id = ? AND deleted_at IS NULL
		`, date, date, time.Now().UTC().Format(time.RFC3339), id)
		return err
	})
	if err != nil {
		return fmt.Errorf("record interaction: %w", err)
	}
	return nil
}

// SoftDelete marks a contact deleted. Soft-deleted contacts are invisible
// to resolution and listing but keep their row.
func (r *Registry) SoftDelete(ctx context.Context, id string) error {
	err := store.Retry(ctx, func() error {
		_, err := r.db.ExecContext(ctx, `
			UPDATE contacts SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL
		`, time.Now().UTC().Format(time.RFC3339), id)
		return err
	})
	if err != nil {
		return fmt.Errorf("soft delete contact: %w", err)
	}
	return nil
}

// NormalizeEmail lowercases and trims an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// SplitName splits a free-text name into first and last. Middle tokens
// fold into the last name.
func SplitName(name string) (first, last string) {
	parts := strings.Fields(strings.TrimSpace(name))
	if len(parts) == 0 {
		return "", ""
	}
	if len(parts) == 1 {
		return parts[0], ""
	}
	return parts[0], strings.Join(parts[1:], " ")
}

func normalizeEmails(emails []string) []string {
	out := make([]string, 0, len(emails))
	for _, e := range emails {
		if n := NormalizeEmail(e); n != "" {
			out = append(out, n)
		}
	}
	return out
}

const contactSelect = `
	SELECT id, first_name, last_name, email, alternative_emails, company,
		position, location, personal_notes, last_interaction_date,
		total_interactions, created_at, updated_at
	FROM contacts
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanContact(row rowScanner) (*Contact, error) {
	var (
		c         Contact
		lastName  sql.NullString
		email     sql.NullString
		altEmails sql.NullString
		company   sql.NullString
		position  sql.NullString
		location  sql.NullString
		notes     sql.NullString
		lastDate  sql.NullString
	)
	err := row.Scan(&c.ID, &c.FirstName, &lastName, &email, &altEmails, &company,
		&position, &location, &notes, &lastDate, &c.TotalInteractions,
		&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.LastName = lastName.String
	c.Email = email.String
	if altEmails.Valid && altEmails.String != "" {
		_ = json.Unmarshal([]byte(altEmails.String), &c.AlternativeEmails)
	}
	c.Company = company.String
	c.Position = position.String
	c.Location = location.String
	c.PersonalNotes = notes.String
	c.LastInteractionDate = lastDate.String
	return &c, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
