package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Task is a single action item, linked to whichever record spawned it
// via origin_type/origin_id.
type Task struct {
	ID          string
	Title       string
	Description string
	Status      string
	Priority    string
	DueDate     string
	OriginType  string
	OriginID    string
	ContactID   string
	CreatedAt   string
	UpdatedAt   string
}

// NormalizeTaskTitle canonicalizes a title for the duplicate key:
// lowercase, collapsed whitespace.
func NormalizeTaskTitle(title string) string {
	return strings.Join(strings.Fields(strings.ToLower(title)), " ")
}

// CreateTask inserts a task. A unique-key conflict on
// (origin_type, origin_id, normalized title) surfaces as a duplicate
// error; callers treat it as already-exists.
func (s *Store) CreateTask(ctx context.Context, t *Task) (string, error) {
	if t.Title == "" {
		return "", fmt.Errorf("task title is required")
	}
	id := t.ID
	if id == "" {
		id = uuid.New().String()
	}
	priority := strings.ToLower(t.Priority)
	if priority == "" {
		priority = "medium"
	}
	now := nowRFC3339()

	err := Retry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO tasks (id, title, normalized_title, description, status,
				priority, due_date, origin_type, origin_id, contact_id,
				created_at, updated_at)
			VALUES (?, ?, ?, ?, 'pending', ?, ?, ?, ?, ?, ?, ?)
		`, id, t.Title, NormalizeTaskTitle(t.Title), nullStr(t.Description),
			priority, nullStr(t.DueDate), nullStr(t.OriginType), nullStr(t.OriginID),
			nullStr(t.ContactID), now, now)
		return err
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// GetTaskByOriginTitle returns the live task matching the duplicate key,
// or nil.
func (s *Store) GetTaskByOriginTitle(ctx context.Context, originType, originID, title string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, taskSelect+`
		WHERE origin_type = ? AND origin_id = ? AND normalized_title = ?
		  AND deleted_at IS NULL
	`, originType, originID, NormalizeTaskTitle(title))
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query task by origin: %w", err)
	}
	return t, nil
}

// GetTask loads a live task by id, or nil.
func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, taskSelect+`
		WHERE id = ? AND deleted_at IS NULL
	`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query task: %w", err)
	}
	return t, nil
}

// LinkTaskContact links a task to a contact. Re-linking to the same
// contact is a no-op.
func (s *Store) LinkTaskContact(ctx context.Context, taskID, contactID string) error {
	return Retry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET contact_id = ?, updated_at = ?
			WHERE id = ? AND deleted_at IS NULL
			  AND (contact_id IS NULL OR contact_id != ?)
		`, contactID, nowRFC3339(), taskID, contactID)
		return err
	})
}

// TasksByOrigin returns live tasks spawned by a record.
func (s *Store) TasksByOrigin(ctx context.Context, originType, originID string) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, taskSelect+`
		WHERE origin_type = ? AND origin_id = ? AND deleted_at IS NULL
		ORDER BY created_at
	`, originType, originID)
	if err != nil {
		return nil, fmt.Errorf("query tasks by origin: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// PendingTasks returns live pending tasks, soonest due first.
func (s *Store) PendingTasks(ctx context.Context, limit int) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, taskSelect+`
		WHERE status = 'pending' AND deleted_at IS NULL
		ORDER BY due_date IS NULL, due_date
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// CompleteTask marks a task completed. Idempotent.
func (s *Store) CompleteTask(ctx context.Context, id string) error {
	now := nowRFC3339()
	return Retry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET status = 'completed', completed_at = ?, updated_at = ?
			WHERE id = ? AND deleted_at IS NULL AND status != 'completed'
		`, now, now, id)
		return err
	})
}

const taskSelect = `
	SELECT id, title, description, status, priority, due_date, origin_type,
		origin_id, contact_id, created_at, updated_at
	FROM tasks
`

func scanTask(row rowScanner) (*Task, error) {
	var (
		t          Task
		desc       sql.NullString
		dueDate    sql.NullString
		originType sql.NullString
		originID   sql.NullString
		contactID  sql.NullString
	)
	err := row.Scan(&t.ID, &t.Title, &desc, &t.Status, &t.Priority, &dueDate,
		&originType, &originID, &contactID, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.Description = strOrEmpty(desc)
	t.DueDate = strOrEmpty(dueDate)
	t.OriginType = strOrEmpty(originType)
	t.OriginID = strOrEmpty(originID)
	t.ContactID = strOrEmpty(contactID)
	return &t, nil
}
