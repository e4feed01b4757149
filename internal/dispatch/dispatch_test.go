package dispatch

import (
	"context"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"
	"go.uber.org/zap"

	dictadb "github.com/askohl/dicta/internal/db"
)

func setupOutboxDB(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if _, err := conn.Exec(dictadb.Schema()); err != nil {
		t.Fatalf("failed to create schema: %v", err)
	}
	return conn
}

func TestDrainFansOutPerFamily(t *testing.T) {
	var mu sync.Mutex
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.URL.Path)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	conn := setupOutboxDB(t)
	d := New(conn, srv.URL, time.Second, zap.NewNop())
	ctx := context.Background()

	for _, row := range [][3]string{
		{"meeting", "m1", "created"},
		{"meeting", "m2", "created"},
		{"task", "t1", "created"},
	} {
		if err := d.Enqueue(ctx, row[0], row[1], row[2]); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}

	if err := d.Drain(ctx); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	// One POST per family, not per row.
	if len(paths) != 2 {
		t.Fatalf("expected 2 notifications, got %v", paths)
	}
	seen := map[string]bool{}
	for _, p := range paths {
		seen[p] = true
	}
	if !seen["/sync/meeting"] || !seen["/sync/task"] {
		t.Errorf("unexpected paths: %v", paths)
	}

	pending, err := d.Pending(ctx, 10)
	if err != nil {
		t.Fatalf("Pending failed: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("dispatched rows must leave the queue, got %d", len(pending))
	}
}

func TestDrainFailureKeepsRowsQueued(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	conn := setupOutboxDB(t)
	d := New(conn, srv.URL, time.Second, zap.NewNop())
	ctx := context.Background()

	if err := d.Enqueue(ctx, "journal", "j1", "created"); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	// Failure is swallowed; rows stay with the error recorded.
	if err := d.Drain(ctx); err != nil {
		t.Fatalf("Drain must not propagate service errors: %v", err)
	}

	pending, err := d.Pending(ctx, 10)
	if err != nil {
		t.Fatalf("Pending failed: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("failed row must stay queued, got %d", len(pending))
	}
	if pending[0].LastError == "" {
		t.Error("expected last_error recorded")
	}
}

func TestDrainWithoutServiceURL(t *testing.T) {
	conn := setupOutboxDB(t)
	d := New(conn, "", time.Second, zap.NewNop())
	ctx := context.Background()

	if err := d.Enqueue(ctx, "task", "t1", "created"); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if err := d.Drain(ctx); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}

	pending, err := d.Pending(ctx, 10)
	if err != nil {
		t.Fatalf("Pending failed: %v", err)
	}
	if len(pending) != 1 {
		t.Errorf("rows must wait when sync is unconfigured, got %d", len(pending))
	}
}
