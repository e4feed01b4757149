// Package watch tails an inbox directory for transcript files. Each new
// .txt file is ingested, run through the engine, and moved to a
// processed/ subdirectory so a crashed run picks up where it left off.
package watch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/askohl/dicta/internal/engine"
	"github.com/askohl/dicta/internal/store"
)

const (
	debounceDelay  = 2 * time.Second
	restartBackoff = 3 * time.Second
	maxBackoff     = 30 * time.Second
	processedDir   = "processed"
)

// Drainer flushes the sync outbox after a file lands.
type Drainer interface {
	Drain(ctx context.Context) error
}

// Watcher runs the inbox loop.
type Watcher struct {
	store    *store.Store
	engine   *engine.Engine
	drainer  Drainer
	inboxDir string
	log      *zap.Logger

	mu       sync.Mutex
	timers   map[string]*time.Timer
	inFlight map[string]bool
}

// New builds a watcher. drainer may be nil.
func New(st *store.Store, eng *engine.Engine, drainer Drainer, inboxDir string, log *zap.Logger) *Watcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Watcher{
		store:    st,
		engine:   eng,
		drainer:  drainer,
		inboxDir: inboxDir,
		log:      log,
		timers:   make(map[string]*time.Timer),
		inFlight: make(map[string]bool),
	}
}

// Run watches the inbox until the context is canceled. The inner watch
// loop restarts with exponential backoff on failure.
func (w *Watcher) Run(ctx context.Context) error {
	if w.inboxDir == "" {
		return fmt.Errorf("inbox directory is not configured")
	}
	if err := os.MkdirAll(filepath.Join(w.inboxDir, processedDir), 0o755); err != nil {
		return fmt.Errorf("create processed dir: %w", err)
	}

	backoff := restartBackoff
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := w.watch(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		w.log.Warn("inbox watcher stopped, restarting",
			zap.Error(err),
			zap.Duration("backoff", backoff))

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (w *Watcher) watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(w.inboxDir); err != nil {
		return fmt.Errorf("watch %s: %w", w.inboxDir, err)
	}

	w.log.Info("watching inbox", zap.String("dir", w.inboxDir))

	// Files that arrived while nobody was watching.
	w.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("watcher event channel closed")
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !isTranscriptFile(event.Name) {
				continue
			}
			w.schedule(ctx, event.Name)

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("watcher error channel closed")
			}
			return fmt.Errorf("watch error: %w", err)
		}
	}
}

// schedule debounces per file: the ingest fires only after writes to
// that file have been quiet for the debounce window.
func (w *Watcher) schedule(ctx context.Context, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if t, ok := w.timers[path]; ok {
		t.Stop()
	}
	w.timers[path] = time.AfterFunc(debounceDelay, func() {
		w.mu.Lock()
		delete(w.timers, path)
		if w.inFlight[path] {
			w.mu.Unlock()
			return
		}
		w.inFlight[path] = true
		w.mu.Unlock()

		w.ingest(ctx, path)

		w.mu.Lock()
		delete(w.inFlight, path)
		w.mu.Unlock()
	})
}

func (w *Watcher) sweep(ctx context.Context) {
	entries, err := os.ReadDir(w.inboxDir)
	if err != nil {
		w.log.Warn("inbox sweep failed", zap.Error(err))
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || !isTranscriptFile(entry.Name()) {
			continue
		}
		w.ingest(ctx, filepath.Join(w.inboxDir, entry.Name()))
	}
}

func (w *Watcher) ingest(ctx context.Context, path string) {
	if ctx.Err() != nil {
		return
	}

	info, err := os.Stat(path)
	if err != nil {
		// Moved or deleted between event and ingest.
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		w.log.Warn("read transcript file failed", zap.String("file", path), zap.Error(err))
		return
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		w.log.Warn("skipping empty transcript file", zap.String("file", path))
		return
	}

	name := filepath.Base(path)
	transcriptID, err := w.store.CreateTranscript(ctx, &store.Transcript{
		SourceFile:    name,
		FullText:      text,
		RecordingDate: info.ModTime().UTC().Format("2006-01-02"),
	})
	if err != nil {
		w.log.Error("create transcript failed", zap.String("file", name), zap.Error(err))
		return
	}

	outcomes, err := w.engine.Process(ctx, transcriptID)
	if err != nil {
		w.log.Error("process failed",
			zap.String("file", name),
			zap.String("transcript", transcriptID),
			zap.Error(err))
		// File stays in the inbox so the pass can be retried.
		return
	}

	w.log.Info("processed transcript",
		zap.String("file", name),
		zap.String("transcript", transcriptID),
		zap.Int("outcomes", len(outcomes)))

	dest := filepath.Join(w.inboxDir, processedDir, name)
	if err := os.Rename(path, dest); err != nil {
		w.log.Warn("move to processed failed", zap.String("file", name), zap.Error(err))
	}

	if w.drainer != nil {
		if err := w.drainer.Drain(ctx); err != nil {
			w.log.Warn("sync drain failed", zap.Error(err))
		}
	}
}

func isTranscriptFile(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".txt")
}
