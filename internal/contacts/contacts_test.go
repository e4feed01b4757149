package contacts

import (
	"context"
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"

	dictadb "github.com/askohl/dicta/internal/db"
)

func setupTestRegistry(t *testing.T) *Registry {
	t.Helper()

	conn, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	if _, err := conn.Exec(dictadb.Schema()); err != nil {
		t.Fatalf("failed to create schema: %v", err)
	}
	return NewRegistry(conn, 5, 0.4)
}

func mustCreate(t *testing.T, r *Registry, c *Contact) string {
	t.Helper()
	id, err := r.Create(context.Background(), c)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	return id
}

func TestResolveByEmail(t *testing.T) {
	r := setupTestRegistry(t)
	ctx := context.Background()

	id := mustCreate(t, r, &Contact{FirstName: "Sarah", LastName: "Chen", Email: "Sarah.Chen@Example.com"})
	mustCreate(t, r, &Contact{FirstName: "Sarah", LastName: "Chen", Email: "other.sarah@example.com"})

	res, err := r.Resolve(ctx, "someone else entirely", "sarah.chen@example.com")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if res.Decision != DecisionMatched {
		t.Fatalf("expected matched, got %s", res.Decision)
	}
	if res.Contact.ID != id {
		t.Errorf("expected contact %s, got %s", id, res.Contact.ID)
	}
}

func TestResolveByAlternativeEmail(t *testing.T) {
	r := setupTestRegistry(t)
	ctx := context.Background()

	id := mustCreate(t, r, &Contact{
		FirstName:         "Mike",
		LastName:          "Torres",
		Email:             "mike@work.example.com",
		AlternativeEmails: []string{"Mike.Torres@Personal.Example.com"},
	})

	res, err := r.Resolve(ctx, "", "mike.torres@personal.example.com")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if res.Decision != DecisionMatched || res.Contact.ID != id {
		t.Fatalf("expected match on alternative email, got %s", res.Decision)
	}
}

func TestResolveExactNameUnique(t *testing.T) {
	r := setupTestRegistry(t)
	ctx := context.Background()

	id := mustCreate(t, r, &Contact{FirstName: "Priya", LastName: "Patel"})
	mustCreate(t, r, &Contact{FirstName: "Priya", LastName: "Nair"})

	res, err := r.Resolve(ctx, "priya patel", "")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if res.Decision != DecisionMatched {
		t.Fatalf("expected matched, got %s", res.Decision)
	}
	if res.Contact.ID != id {
		t.Errorf("expected contact %s, got %s", id, res.Contact.ID)
	}
}

func TestResolveExactNameAmbiguous(t *testing.T) {
	r := setupTestRegistry(t)
	ctx := context.Background()

	mustCreate(t, r, &Contact{FirstName: "Alex", LastName: "Kim", Company: "Acme"})
	mustCreate(t, r, &Contact{FirstName: "Alex", LastName: "Kim", Company: "Globex"})

	res, err := r.Resolve(ctx, "Alex Kim", "")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if res.Decision != DecisionAmbiguous {
		t.Fatalf("expected ambiguous, got %s", res.Decision)
	}
	if res.Contact != nil {
		t.Error("ambiguous resolution must not auto-link a contact")
	}
	if len(res.Suggestions) != 2 {
		t.Errorf("expected 2 suggestions, got %d", len(res.Suggestions))
	}
}

func TestResolveFuzzyNeverAutoLinks(t *testing.T) {
	r := setupTestRegistry(t)
	ctx := context.Background()

	mustCreate(t, r, &Contact{FirstName: "Jonathan", LastName: "Reyes"})

	res, err := r.Resolve(ctx, "jon reyes", "")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if res.Decision != DecisionAmbiguous {
		t.Fatalf("expected ambiguous (fuzzy), got %s", res.Decision)
	}
	if res.Contact != nil {
		t.Error("fuzzy resolution must not auto-link a contact")
	}
	if len(res.Suggestions) != 1 {
		t.Fatalf("expected 1 fuzzy suggestion, got %d", len(res.Suggestions))
	}
	if res.Suggestions[0].Score < 0.4 {
		t.Errorf("suggestion score %f below floor", res.Suggestions[0].Score)
	}
}

func TestResolveNoMatch(t *testing.T) {
	r := setupTestRegistry(t)
	ctx := context.Background()

	mustCreate(t, r, &Contact{FirstName: "Dana", LastName: "White"})

	res, err := r.Resolve(ctx, "completely unrelated person", "")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if res.Decision != DecisionNoMatch {
		t.Fatalf("expected no_match, got %s", res.Decision)
	}
}

func TestResolveIgnoresSoftDeleted(t *testing.T) {
	r := setupTestRegistry(t)
	ctx := context.Background()

	id := mustCreate(t, r, &Contact{FirstName: "Omar", LastName: "Haddad", Email: "omar@example.com"})
	if err := r.SoftDelete(ctx, id); err != nil {
		t.Fatalf("SoftDelete failed: %v", err)
	}

	res, err := r.Resolve(ctx, "Omar Haddad", "omar@example.com")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if res.Decision != DecisionNoMatch {
		t.Fatalf("soft-deleted contact should not resolve, got %s", res.Decision)
	}
}

func TestMergeProfileKeepsExisting(t *testing.T) {
	r := setupTestRegistry(t)
	ctx := context.Background()

	id := mustCreate(t, r, &Contact{FirstName: "Lena", LastName: "Fischer", Company: "Initech", PersonalNotes: "met at conf"})

	err := r.MergeProfile(ctx, id, ProfileUpdate{Position: "CTO", PersonalNotes: "has two kids"})
	if err != nil {
		t.Fatalf("MergeProfile failed: %v", err)
	}

	c, err := r.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if c.Company != "Initech" {
		t.Errorf("empty update must not clear company, got %q", c.Company)
	}
	if c.Position != "CTO" {
		t.Errorf("expected position CTO, got %q", c.Position)
	}
	if c.PersonalNotes != "met at conf\nhas two kids" {
		t.Errorf("notes should accumulate, got %q", c.PersonalNotes)
	}
}

func TestRecordInteraction(t *testing.T) {
	r := setupTestRegistry(t)
	ctx := context.Background()

	id := mustCreate(t, r, &Contact{FirstName: "Sam", LastName: "Okafor"})

	if err := r.RecordInteraction(ctx, id, "2026-03-10"); err != nil {
		t.Fatalf("RecordInteraction failed: %v", err)
	}
	if err := r.RecordInteraction(ctx, id, "2026-03-08"); err != nil {
		t.Fatalf("RecordInteraction failed: %v", err)
	}

	c, err := r.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if c.TotalInteractions != 2 {
		t.Errorf("expected 2 interactions, got %d", c.TotalInteractions)
	}
	if c.LastInteractionDate != "2026-03-10" {
		t.Errorf("older interaction must not regress last date, got %q", c.LastInteractionDate)
	}
}

func TestSplitName(t *testing.T) {
	cases := []struct {
		in          string
		first, last string
	}{
		{"Sarah Chen", "Sarah", "Chen"},
		{"Prince", "Prince", ""},
		{"Mary Anne van der Berg", "Mary", "Anne van der Berg"},
		{"  ", "", ""},
	}
	for _, tc := range cases {
		first, last := SplitName(tc.in)
		if first != tc.first || last != tc.last {
			t.Errorf("SplitName(%q) = %q, %q; want %q, %q", tc.in, first, last, tc.first, tc.last)
		}
	}
}
