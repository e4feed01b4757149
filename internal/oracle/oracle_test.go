package oracle

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

type fakeOracle struct {
	name     string
	analysis *Analysis
	err      error
	calls    int
}

func (f *fakeOracle) Analyze(ctx context.Context, transcript string, hints Hints) (*Analysis, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.analysis, nil
}

func (f *fakeOracle) Name() string { return f.name }

func TestChainPrimarySucceeds(t *testing.T) {
	primary := &fakeOracle{name: "p", analysis: &Analysis{PrimaryCategory: CategoryJournal}}
	fallback := &fakeOracle{name: "f", analysis: &Analysis{PrimaryCategory: CategoryOther}}
	chain := NewChain(primary, fallback, time.Second, zap.NewNop())

	a, err := chain.Analyze(context.Background(), "text", Hints{})
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}
	if a.PrimaryCategory != CategoryJournal {
		t.Errorf("expected primary's analysis, got %s", a.PrimaryCategory)
	}
	if fallback.calls != 0 {
		t.Errorf("fallback should not be called, got %d calls", fallback.calls)
	}
}

func TestChainFallsBackOnce(t *testing.T) {
	primary := &fakeOracle{name: "p", err: errors.New("boom")}
	fallback := &fakeOracle{name: "f", analysis: &Analysis{PrimaryCategory: CategoryMeeting}}
	chain := NewChain(primary, fallback, time.Second, zap.NewNop())

	a, err := chain.Analyze(context.Background(), "text", Hints{})
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}
	if a.PrimaryCategory != CategoryMeeting {
		t.Errorf("expected fallback's analysis, got %s", a.PrimaryCategory)
	}
	if primary.calls != 1 || fallback.calls != 1 {
		t.Errorf("expected one call each, got primary=%d fallback=%d", primary.calls, fallback.calls)
	}
}

func TestChainBothFail(t *testing.T) {
	primary := &fakeOracle{name: "p", err: errors.New("down")}
	fallback := &fakeOracle{name: "f", err: errors.New("also down")}
	chain := NewChain(primary, fallback, time.Second, zap.NewNop())

	_, err := chain.Analyze(context.Background(), "text", Hints{})
	if !errors.Is(err, ErrOracleUnavailable) {
		t.Fatalf("expected ErrOracleUnavailable, got %v", err)
	}
}

func TestChainNoFallback(t *testing.T) {
	primary := &fakeOracle{name: "p", err: errors.New("down")}
	chain := NewChain(primary, nil, time.Second, zap.NewNop())

	_, err := chain.Analyze(context.Background(), "text", Hints{})
	if !errors.Is(err, ErrOracleUnavailable) {
		t.Fatalf("expected ErrOracleUnavailable, got %v", err)
	}
}

func TestValidateDropsMalformedItemsOnly(t *testing.T) {
	a := &Analysis{
		PrimaryCategory: CategoryMeeting,
		Meetings: []MeetingItem{
			{Title: "Coffee with Sarah"},
			{Title: ""},
		},
		Tasks: []TaskItem{
			{Title: "Send deck"},
			{Title: "   "},
		},
		Journals: []JournalItem{
			{Summary: "no date"},
		},
	}

	rejections, err := Validate(a)
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if len(a.Meetings) != 1 || len(a.Tasks) != 1 || len(a.Journals) != 0 {
		t.Errorf("survivors wrong: meetings=%d tasks=%d journals=%d",
			len(a.Meetings), len(a.Tasks), len(a.Journals))
	}
	if len(rejections) != 3 {
		t.Errorf("expected 3 rejections, got %d", len(rejections))
	}
}

func TestValidateRejectsNonEnglish(t *testing.T) {
	a := &Analysis{
		PrimaryCategory: CategoryTaskPlanning,
		Tasks: []TaskItem{
			{Title: "书面报告提交给委员会"},
			{Title: "Write the report"},
		},
	}

	rejections, err := Validate(a)
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if len(a.Tasks) != 1 || a.Tasks[0].Title != "Write the report" {
		t.Fatalf("expected only the English task to survive, got %v", a.Tasks)
	}
	if len(rejections) != 1 || rejections[0].Reason != "non-English content" {
		t.Errorf("unexpected rejections: %v", rejections)
	}
}

func TestValidateJournalLanguageCoversAllFields(t *testing.T) {
	// A blank summary must not let non-English sections or lists through.
	a := &Analysis{
		PrimaryCategory: CategoryJournal,
		Journals: []JournalItem{
			{
				Date:          "2026-03-10",
				TomorrowFocus: []string{"准备季度总结", "给团队发周报"},
				Sections:      []Section{{Title: "回顾", Content: "今天完成了三个任务"}},
			},
			{
				Date:    "2026-03-11",
				Summary: "Quiet day, mostly reading.",
				Gratitude: []string{
					"Good coffee",
				},
			},
		},
	}

	rejections, err := Validate(a)
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if len(a.Journals) != 1 || a.Journals[0].Date != "2026-03-11" {
		t.Fatalf("expected only the English journal to survive, got %v", a.Journals)
	}
	if len(rejections) != 1 || rejections[0].Reason != "non-English content" {
		t.Errorf("unexpected rejections: %v", rejections)
	}
}

func TestValidateUnknownCategory(t *testing.T) {
	// Unknown category with usable items normalizes to "other".
	a := &Analysis{
		PrimaryCategory: "banana",
		Tasks:           []TaskItem{{Title: "Call the bank"}},
	}
	if _, err := Validate(a); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if a.PrimaryCategory != CategoryOther {
		t.Errorf("expected category other, got %s", a.PrimaryCategory)
	}

	// Unknown category with nothing usable is rejected outright.
	empty := &Analysis{PrimaryCategory: "banana"}
	if _, err := Validate(empty); !errors.Is(err, ErrInvalidAnalysis) {
		t.Fatalf("expected ErrInvalidAnalysis, got %v", err)
	}
}

func TestResolveDueDate(t *testing.T) {
	recorded := time.Date(2026, 3, 10, 20, 0, 0, 0, time.UTC)
	cases := []struct {
		dueDate, dueContext, want string
	}{
		{"2026-04-01", "tomorrow", "2026-04-01"},
		{"", "tomorrow", "2026-03-11"},
		{"", "Next Week", "2026-03-17"},
		{"", "in 3 days", "2026-03-13"},
		{"", "in 2 weeks", "2026-03-24"},
		{"", "whenever", ""},
		{"not-a-date", "", ""},
	}
	for _, tc := range cases {
		got := ResolveDueDate(tc.dueDate, tc.dueContext, recorded)
		if got != tc.want {
			t.Errorf("ResolveDueDate(%q, %q) = %q, want %q", tc.dueDate, tc.dueContext, got, tc.want)
		}
	}
}

func TestParseAnalysisStripsFence(t *testing.T) {
	raw := "```json\n{\"primary_category\": \"journal\", \"journals\": [{\"date\": \"2026-03-10\"}]}\n```"
	a, err := ParseAnalysis(raw)
	if err != nil {
		t.Fatalf("ParseAnalysis failed: %v", err)
	}
	if a.PrimaryCategory != CategoryJournal || len(a.Journals) != 1 {
		t.Errorf("unexpected analysis: %+v", a)
	}
}
