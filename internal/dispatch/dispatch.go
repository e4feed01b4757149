// Package dispatch pushes newly written records to the external sync
// service. Writes land in a sqlite outbox first; a drain pass notifies
// the service once per record family and marks the rows dispatched.
// Sync is strictly best effort: a dead service never fails a
// reconciliation pass, rows just wait for the next drain.
package dispatch

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const defaultTimeout = 30 * time.Second

// Dispatcher owns the sync outbox.
type Dispatcher struct {
	db         *sql.DB
	serviceURL string
	httpClient *http.Client
	log        *zap.Logger
}

// New builds a dispatcher. An empty serviceURL disables dispatch; rows
// still queue so a later configuration change picks them up.
func New(db *sql.DB, serviceURL string, timeout time.Duration, log *zap.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		db:         db,
		serviceURL: strings.TrimRight(serviceURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		log:        log,
	}
}

// Enqueue records that a sync is owed for a record.
func (d *Dispatcher) Enqueue(ctx context.Context, kind, recordID, action string) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO sync_outbox (id, record_kind, record_id, action, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, uuid.New().String(), kind, recordID, action, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("enqueue sync: %w", err)
	}
	return nil
}

// PendingRow is one undispatched outbox entry.
type PendingRow struct {
	Seq        int64  `json:"seq"`
	RecordKind string `json:"record_kind"`
	RecordID   string `json:"record_id"`
	Action     string `json:"action"`
	CreatedAt  string `json:"created_at"`
	LastError  string `json:"last_error,omitempty"`
}

// Pending lists queued rows oldest first.
func (d *Dispatcher) Pending(ctx context.Context, limit int) ([]PendingRow, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT seq, record_kind, record_id, action, created_at, COALESCE(last_error, '')
		FROM sync_outbox
		WHERE dispatched_at IS NULL
		ORDER BY seq
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()

	var out []PendingRow
	for rows.Next() {
		var r PendingRow
		if err := rows.Scan(&r.Seq, &r.RecordKind, &r.RecordID, &r.Action, &r.CreatedAt, &r.LastError); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Drain notifies the sync service for every queued row, one POST per
// record family present in the batch. Successfully notified families
// have their rows marked dispatched; failed families keep theirs with
// the error recorded, to be retried on the next drain.
func (d *Dispatcher) Drain(ctx context.Context) error {
	if d.serviceURL == "" {
		return nil
	}

	pending, err := d.Pending(ctx, 1000)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	families := make(map[string][]int64)
	for _, row := range pending {
		families[row.RecordKind] = append(families[row.RecordKind], row.Seq)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	for family, seqs := range families {
		if err := d.notify(ctx, family); err != nil {
			d.log.Warn("sync notify failed",
				zap.String("family", family),
				zap.Int("rows", len(seqs)),
				zap.Error(err))
			d.markError(ctx, seqs, err)
			continue
		}
		d.markDispatched(ctx, seqs, now)
	}
	return nil
}

func (d *Dispatcher) notify(ctx context.Context, family string) error {
	url := fmt.Sprintf("%s/sync/%s", d.serviceURL, family)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return err
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("sync service returned %d", resp.StatusCode)
	}
	return nil
}

func (d *Dispatcher) markDispatched(ctx context.Context, seqs []int64, now string) {
	for _, seq := range seqs {
		if _, err := d.db.ExecContext(ctx, `
			UPDATE sync_outbox SET dispatched_at = ?, last_error = NULL WHERE seq = ?
		`, now, seq); err != nil {
			d.log.Warn("mark dispatched failed", zap.Int64("seq", seq), zap.Error(err))
		}
	}
}

func (d *Dispatcher) markError(ctx context.Context, seqs []int64, cause error) {
	msg := cause.Error()
	for _, seq := range seqs {
		if _, err := d.db.ExecContext(ctx, `
			UPDATE sync_outbox SET last_error = ? WHERE seq = ?
		`, msg, seq); err != nil {
			d.log.Warn("mark error failed", zap.Int64("seq", seq), zap.Error(err))
		}
	}
}
