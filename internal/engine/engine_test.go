package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"
	"go.uber.org/zap"

	"github.com/askohl/dicta/internal/contacts"
	dictadb "github.com/askohl/dicta/internal/db"
	"github.com/askohl/dicta/internal/oracle"
	"github.com/askohl/dicta/internal/store"
)

type fakeOracle struct {
	mu       sync.Mutex
	analysis *oracle.Analysis
	err      error
	calls    int
}

func (f *fakeOracle) Analyze(ctx context.Context, transcript string, hints oracle.Hints) (*oracle.Analysis, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.analysis, nil
}

func (f *fakeOracle) Name() string { return "fake" }

type fixture struct {
	db       *sql.DB
	store    *store.Store
	registry *contacts.Registry
	oracle   *fakeOracle
	engine   *Engine
}

func setupEngine(t *testing.T, analysis *oracle.Analysis) *fixture {
	t.Helper()

	conn, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if _, err := conn.Exec(dictadb.Schema()); err != nil {
		t.Fatalf("failed to create schema: %v", err)
	}

	st := store.New(conn)
	reg := contacts.NewRegistry(conn, 5, 0.4)
	fo := &fakeOracle{analysis: analysis}
	eng := New(st, reg, fo, nil, zap.NewNop())
	return &fixture{db: conn, store: st, registry: reg, oracle: fo, engine: eng}
}

func (f *fixture) addTranscript(t *testing.T, text, date string) string {
	t.Helper()
	id, err := f.store.CreateTranscript(context.Background(), &store.Transcript{
		SourceFile:    "note.txt",
		FullText:      text,
		RecordingDate: date,
	})
	if err != nil {
		t.Fatalf("CreateTranscript failed: %v", err)
	}
	return id
}

func (f *fixture) count(t *testing.T, table string) int {
	t.Helper()
	var n int
	if err := f.db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n); err != nil {
		t.Fatalf("count %s failed: %v", table, err)
	}
	return n
}

func countActions(outcomes []Outcome, action Action) int {
	n := 0
	for _, o := range outcomes {
		if o.Action == action {
			n++
		}
	}
	return n
}

func TestProcessReprocessIsIdempotent(t *testing.T) {
	analysis := &oracle.Analysis{
		PrimaryCategory: oracle.CategoryMeeting,
		Meetings: []oracle.MeetingItem{
			{Title: "1:1 with Sarah", Date: "2026-03-10", PersonName: "Sarah Chen"},
		},
		Tasks: []oracle.TaskItem{
			{Title: "Send the roadmap deck"},
		},
	}
	f := setupEngine(t, analysis)
	ctx := context.Background()
	tid := f.addTranscript(t, "met sarah, promised the deck", "2026-03-10")

	first, err := f.engine.Process(ctx, tid)
	if err != nil {
		t.Fatalf("first Process failed: %v", err)
	}
	if countActions(first, ActionCreated) != 2 { // meeting, task
		t.Fatalf("expected 2 created, got %v", first)
	}
	if f.count(t, "contacts") != 1 {
		t.Fatalf("unknown met person should become a contact, got %d", f.count(t, "contacts"))
	}
	meetingID := recordID(first, KindMeeting)
	if meetingID == "" {
		t.Fatalf("created meeting outcome must carry its record id, got %v", first)
	}

	second, err := f.engine.Process(ctx, tid)
	if err != nil {
		t.Fatalf("second Process failed: %v", err)
	}
	if countActions(second, ActionCreated) != 0 {
		t.Errorf("reprocess must create nothing, got %v", second)
	}
	if f.count(t, "meetings") != 1 || f.count(t, "tasks") != 1 {
		t.Errorf("reprocess duplicated rows: meetings=%d tasks=%d",
			f.count(t, "meetings"), f.count(t, "tasks"))
	}

	// The duplicate pass still points at the surviving row, so its
	// tasks stay keyed under the same meeting origin.
	if got := recordID(second, KindMeeting); got != meetingID {
		t.Errorf("duplicate meeting outcome record id = %q, want %q", got, meetingID)
	}
	task, err := f.store.GetTaskByOriginTitle(ctx, "meeting", meetingID, "Send the roadmap deck")
	if err != nil {
		t.Fatalf("GetTaskByOriginTitle failed: %v", err)
	}
	if task == nil {
		t.Error("task must stay keyed under the meeting origin across passes")
	}
}

func recordID(outcomes []Outcome, kind string) string {
	for _, o := range outcomes {
		if o.Kind == kind {
			return o.RecordID
		}
	}
	return ""
}

func TestProcessReflectionAppendsAcrossTranscripts(t *testing.T) {
	mkAnalysis := func(content string) *oracle.Analysis {
		return &oracle.Analysis{
			PrimaryCategory: oracle.CategoryReflection,
			Reflections: []oracle.ReflectionItem{{
				Title:    "Career Direction",
				TopicKey: "career-direction",
				Tags:     []string{"career"},
				Sections: []oracle.Section{{Title: "Thoughts", Content: content}},
			}},
		}
	}

	f := setupEngine(t, mkAnalysis("first pass"))
	ctx := context.Background()

	t1 := f.addTranscript(t, "thinking about career", "2026-03-10")
	out1, err := f.engine.Process(ctx, t1)
	if err != nil {
		t.Fatalf("Process t1 failed: %v", err)
	}
	if countActions(out1, ActionCreated) != 1 {
		t.Fatalf("expected created reflection, got %v", out1)
	}

	f.oracle.analysis = mkAnalysis("second pass")
	t2 := f.addTranscript(t, "more career thoughts", "2026-03-12")
	out2, err := f.engine.Process(ctx, t2)
	if err != nil {
		t.Fatalf("Process t2 failed: %v", err)
	}
	if countActions(out2, ActionAppended) != 1 {
		t.Fatalf("expected appended reflection, got %v", out2)
	}
	if f.count(t, "reflections") != 1 {
		t.Errorf("topic must stay one live row, got %d", f.count(t, "reflections"))
	}

	r, err := f.store.LiveReflectionByTopic(ctx, "career-direction")
	if err != nil || r == nil {
		t.Fatalf("LiveReflectionByTopic failed: %v", err)
	}
	if !strings.Contains(r.Content, "first pass") || !strings.Contains(r.Content, "second pass") {
		t.Errorf("append lost content: %q", r.Content)
	}
	if r.Version != 2 {
		t.Errorf("expected version 2 after append, got %d", r.Version)
	}

	// Same transcript again: the applied-topics record short-circuits.
	out3, err := f.engine.Process(ctx, t2)
	if err != nil {
		t.Fatalf("Process t2 again failed: %v", err)
	}
	if countActions(out3, ActionSkippedDuplicate) != 1 {
		t.Errorf("expected skipped-duplicate on reapply, got %v", out3)
	}
}

type oracleFunc func() *oracle.Analysis

func (fn oracleFunc) Analyze(ctx context.Context, transcript string, hints oracle.Hints) (*oracle.Analysis, error) {
	return fn(), nil
}

func (oracleFunc) Name() string { return "fake" }

func TestProcessConcurrentPassesApplyReflectionOnce(t *testing.T) {
	f := setupEngine(t, nil)
	f.db.SetMaxOpenConns(1)
	// Each pass gets its own analysis; validation filters in place.
	f.engine.oracle = oracleFunc(func() *oracle.Analysis {
		return &oracle.Analysis{
			PrimaryCategory: oracle.CategoryReflection,
			Reflections: []oracle.ReflectionItem{{
				Title:    "Team Health",
				TopicKey: "team-health",
				Sections: []oracle.Section{{Title: "Notes", Content: "morale dipped this sprint"}},
			}},
		}
	})
	ctx := context.Background()
	tid := f.addTranscript(t, "team retro thoughts", "2026-03-10")

	// Park both passes at the per-topic lock, then release so they run
	// back to back. The second must see the first's applied record.
	unlock := f.engine.topicMu.lock("team-health")
	results := make(chan []Outcome, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := f.engine.Process(ctx, tid)
			if err != nil {
				t.Errorf("Process failed: %v", err)
			}
			results <- out
		}()
	}
	time.Sleep(100 * time.Millisecond)
	unlock()
	wg.Wait()
	close(results)

	var created, skipped int
	for out := range results {
		created += countActions(out, ActionCreated)
		skipped += countActions(out, ActionSkippedDuplicate)
	}
	if created != 1 || skipped != 1 {
		t.Errorf("expected one created and one skipped pass, got created=%d skipped=%d", created, skipped)
	}

	r, err := f.store.LiveReflectionByTopic(ctx, "team-health")
	if err != nil || r == nil {
		t.Fatalf("LiveReflectionByTopic failed: %v", err)
	}
	if n := strings.Count(r.Content, "morale dipped this sprint"); n != 1 {
		t.Errorf("section applied %d times, want exactly once:\n%s", n, r.Content)
	}
	if r.Version != 1 {
		t.Errorf("losing pass must not append, version = %d", r.Version)
	}
}

func TestLinkContactTask(t *testing.T) {
	f := setupEngine(t, nil)
	ctx := context.Background()

	contactID, err := f.registry.Create(ctx, &contacts.Contact{FirstName: "Dana", LastName: "Wu"})
	if err != nil {
		t.Fatalf("seed contact failed: %v", err)
	}
	taskID, err := f.store.CreateTask(ctx, &store.Task{Title: "Send Dana the contract"})
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}

	if err := f.engine.LinkContact(ctx, KindTask, taskID, contactID); err != nil {
		t.Fatalf("LinkContact failed: %v", err)
	}
	if err := f.engine.LinkContact(ctx, KindTask, taskID, contactID); err != nil {
		t.Fatalf("LinkContact repeat failed: %v", err)
	}

	task, err := f.store.GetTask(ctx, taskID)
	if err != nil || task == nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if task.ContactID != contactID {
		t.Errorf("task not linked, contact_id = %q", task.ContactID)
	}

	if err := f.engine.LinkContact(ctx, "journal", taskID, contactID); err == nil {
		t.Error("linking an unsupported kind must fail")
	}
}

func TestProcessJournalFansOutFocusTasks(t *testing.T) {
	analysis := &oracle.Analysis{
		PrimaryCategory: oracle.CategoryJournal,
		Journals: []oracle.JournalItem{{
			Date:          "2026-03-10",
			Summary:       "long day",
			TomorrowFocus: []string{"Finish the quarterly report", "gym", "Call the landlord"},
		}},
	}
	f := setupEngine(t, analysis)
	ctx := context.Background()
	tid := f.addTranscript(t, "evening journal", "2026-03-10")

	out, err := f.engine.Process(ctx, tid)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	// "gym" is too short to become a task.
	if f.count(t, "tasks") != 2 {
		t.Errorf("expected 2 focus tasks, got %d", f.count(t, "tasks"))
	}
	if countActions(out, ActionCreated) != 3 { // journal + 2 tasks
		t.Errorf("unexpected outcomes: %v", out)
	}

	task, err := f.store.GetTaskByOriginTitle(ctx, "journal", out[0].RecordID, "Finish the quarterly report")
	if err != nil {
		t.Fatalf("GetTaskByOriginTitle failed: %v", err)
	}
	if task == nil {
		t.Fatal("focus task not found under journal origin")
	}
	if task.DueDate != "2026-03-11" {
		t.Errorf("focus task due next day, got %q", task.DueDate)
	}
}

func TestProcessAmbiguousContactLeavesMeetingUnlinked(t *testing.T) {
	analysis := &oracle.Analysis{
		PrimaryCategory: oracle.CategoryMeeting,
		Meetings: []oracle.MeetingItem{
			{Title: "Sync with Alex", PersonName: "Alex Kim"},
		},
	}
	f := setupEngine(t, analysis)
	ctx := context.Background()

	for _, company := range []string{"Acme", "Globex"} {
		if _, err := f.registry.Create(ctx, &contacts.Contact{FirstName: "Alex", LastName: "Kim", Company: company}); err != nil {
			t.Fatalf("seed contact failed: %v", err)
		}
	}

	tid := f.addTranscript(t, "met alex", "2026-03-10")
	out, err := f.engine.Process(ctx, tid)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	var ambiguous *Outcome
	for i := range out {
		if out[i].Action == ActionContactAmbiguous {
			ambiguous = &out[i]
		}
	}
	if ambiguous == nil {
		t.Fatalf("expected contact-ambiguous outcome, got %v", out)
	}
	if len(ambiguous.ContactSuggestions) != 2 {
		t.Errorf("expected 2 suggestions, got %d", len(ambiguous.ContactSuggestions))
	}

	m, err := f.store.GetMeeting(ctx, ambiguous.RecordID)
	if err != nil || m == nil {
		t.Fatalf("meeting not created: %v", err)
	}
	if m.ContactID != "" {
		t.Errorf("ambiguous meeting must stay unlinked, got %q", m.ContactID)
	}
	if f.count(t, "contacts") != 2 {
		t.Errorf("ambiguity must not create contacts, got %d", f.count(t, "contacts"))
	}

	// Manual override links and stays idempotent.
	target := ambiguous.ContactSuggestions[0].Contact.ID
	if err := f.engine.LinkContact(ctx, KindMeeting, ambiguous.RecordID, target); err != nil {
		t.Fatalf("LinkContact failed: %v", err)
	}
	if err := f.engine.LinkContact(ctx, KindMeeting, ambiguous.RecordID, target); err != nil {
		t.Fatalf("LinkContact repeat failed: %v", err)
	}
	c, err := f.registry.Get(ctx, target)
	if err != nil {
		t.Fatalf("Get contact failed: %v", err)
	}
	if c.TotalInteractions != 1 {
		t.Errorf("repeat link must not double-bump stats, got %d", c.TotalInteractions)
	}
}

func TestProcessOracleOutageWritesNothing(t *testing.T) {
	f := setupEngine(t, nil)
	f.oracle.err = fmt.Errorf("%w: all backends down", oracle.ErrOracleUnavailable)
	ctx := context.Background()
	tid := f.addTranscript(t, "some note", "2026-03-10")

	out, err := f.engine.Process(ctx, tid)
	if !errors.Is(err, oracle.ErrOracleUnavailable) {
		t.Fatalf("expected ErrOracleUnavailable, got %v", err)
	}
	if len(out) != 1 || out[0].Action != ActionFailed || out[0].Reason != ReasonOracleUnavailable {
		t.Fatalf("expected single failed outcome, got %v", out)
	}

	for _, table := range []string{"meetings", "journals", "reflections", "tasks", "contacts"} {
		if n := f.count(t, table); n != 0 {
			t.Errorf("oracle outage wrote to %s: %d rows", table, n)
		}
	}
	tr, err := f.store.GetTranscript(ctx, tid)
	if err != nil {
		t.Fatalf("GetTranscript failed: %v", err)
	}
	if tr.Processed {
		t.Error("transcript must stay unprocessed after oracle outage")
	}
}

func TestProcessIsolatesBadItems(t *testing.T) {
	analysis := &oracle.Analysis{
		PrimaryCategory: oracle.CategoryTaskPlanning,
		Tasks: []oracle.TaskItem{
			{Title: "Book flights"},
			{Title: ""}, // dropped in validation
			{Title: "Renew passport", DueContext: "next week"},
		},
		Reflections: []oracle.ReflectionItem{
			{Title: "!!!", Sections: []oracle.Section{{Content: "no usable key"}}},
		},
	}
	f := setupEngine(t, analysis)
	ctx := context.Background()
	tid := f.addTranscript(t, "planning", "2026-03-10")

	out, err := f.engine.Process(ctx, tid)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if countActions(out, ActionCreated) != 2 {
		t.Errorf("good items must still land, got %v", out)
	}
	if countActions(out, ActionFailed) != 2 {
		t.Errorf("bad items must fail individually, got %v", out)
	}
	if f.count(t, "tasks") != 2 {
		t.Errorf("expected 2 tasks, got %d", f.count(t, "tasks"))
	}

	// Vague due phrasing resolved against the recording date.
	task, err := f.store.GetTaskByOriginTitle(ctx, "transcript", tid, "Renew passport")
	if err != nil || task == nil {
		t.Fatalf("task not found: %v", err)
	}
	if task.DueDate != "2026-03-17" {
		t.Errorf("due_context not resolved, got %q", task.DueDate)
	}
}

func TestProcessCRMUpdateMergesProfile(t *testing.T) {
	analysis := &oracle.Analysis{
		PrimaryCategory: oracle.CategoryMeeting,
		CRMUpdates: []oracle.CRMUpdate{
			{PersonName: "Mike Torres", MetWith: true, Company: "Initech", PersonalNotes: "moving to Lisbon"},
			{PersonName: "Background Person", MetWith: false, Company: "ShouldNotAppear"},
		},
	}
	f := setupEngine(t, analysis)
	ctx := context.Background()

	mikeID, err := f.registry.Create(ctx, &contacts.Contact{FirstName: "Mike", LastName: "Torres", Position: "CTO"})
	if err != nil {
		t.Fatalf("seed contact failed: %v", err)
	}

	tid := f.addTranscript(t, "caught up with mike", "2026-03-10")
	if _, err := f.engine.Process(ctx, tid); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	mike, err := f.registry.Get(ctx, mikeID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if mike.Company != "Initech" || mike.Position != "CTO" {
		t.Errorf("profile merge wrong: company=%q position=%q", mike.Company, mike.Position)
	}
	if mike.TotalInteractions != 1 || mike.LastInteractionDate != "2026-03-10" {
		t.Errorf("stats not bumped: %d %q", mike.TotalInteractions, mike.LastInteractionDate)
	}
	if f.count(t, "contacts") != 1 {
		t.Errorf("non-met person must not become a contact, got %d rows", f.count(t, "contacts"))
	}
}

func TestProcessEmptyTranscript(t *testing.T) {
	f := setupEngine(t, &oracle.Analysis{PrimaryCategory: oracle.CategoryOther})
	ctx := context.Background()
	tid := f.addTranscript(t, "   ", "2026-03-10")

	_, err := f.engine.Process(ctx, tid)
	if !errors.Is(err, ErrEmptyTranscript) {
		t.Fatalf("expected ErrEmptyTranscript, got %v", err)
	}
	if f.oracle.calls != 0 {
		t.Error("oracle must not be called for empty transcripts")
	}
}

func TestProcessMissingTranscript(t *testing.T) {
	f := setupEngine(t, nil)
	_, err := f.engine.Process(context.Background(), "no-such-id")
	if !errors.Is(err, store.ErrTranscriptNotFound) {
		t.Fatalf("expected ErrTranscriptNotFound, got %v", err)
	}
}
