package contacts

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
)

// Decision classifies a resolution attempt.
type Decision string

const (
	// DecisionMatched means exactly one contact was identified, either
	// by email or by an unambiguous exact name match.
	DecisionMatched Decision = "matched"
	// DecisionAmbiguous means more than one plausible contact exists,
	// or only fuzzy candidates were found. Nothing is auto-linked.
	DecisionAmbiguous Decision = "ambiguous"
	// DecisionNoMatch means nothing plausible was found.
	DecisionNoMatch Decision = "no_match"
)

// Candidate is one scored suggestion from a resolution attempt.
type Candidate struct {
	Contact Contact
	Score   float64
	Reason  string
}

// Resolution is the outcome of resolving a name/email pair against the
// registry.
type Resolution struct {
	Decision    Decision
	Contact     *Contact
	Suggestions []Candidate
}

// Resolve identifies the contact a transcript refers to.
//
// Email is authoritative: a match on the primary or any alternative
// email wins immediately and names are not consulted. Otherwise an
// exact case-insensitive first+last name match wins when unique; ties
// become suggestions. Failing both, fuzzy token scoring produces
// suggestions above the configured floor. Fuzzy results are never
// auto-linked, even when there is only one.
func (r *Registry) Resolve(ctx context.Context, name, email string) (*Resolution, error) {
	if email != "" {
		c, err := r.byEmail(ctx, email)
		if err != nil {
			return nil, err
		}
		if c != nil {
			return &Resolution{Decision: DecisionMatched, Contact: c}, nil
		}
	}

	name = strings.TrimSpace(name)
	if name == "" {
		return &Resolution{Decision: DecisionNoMatch}, nil
	}

	exact, err := r.byExactName(ctx, name)
	if err != nil {
		return nil, err
	}
	if len(exact) == 1 {
		return &Resolution{Decision: DecisionMatched, Contact: &exact[0]}, nil
	}
	if len(exact) > 1 {
		suggestions := make([]Candidate, 0, len(exact))
		for _, c := range exact {
			suggestions = append(suggestions, Candidate{Contact: c, Score: 1.0, Reason: "exact name"})
		}
		if len(suggestions) > r.maxSuggestions {
			suggestions = suggestions[:r.maxSuggestions]
		}
		return &Resolution{Decision: DecisionAmbiguous, Suggestions: suggestions}, nil
	}

	fuzzy, err := r.fuzzyCandidates(ctx, name)
	if err != nil {
		return nil, err
	}
	if len(fuzzy) == 0 {
		return &Resolution{Decision: DecisionNoMatch}, nil
	}
	return &Resolution{Decision: DecisionAmbiguous, Suggestions: fuzzy}, nil
}

func (r *Registry) byEmail(ctx context.Context, email string) (*Contact, error) {
	email = NormalizeEmail(email)
	if email == "" {
		return nil, nil
	}

	row := r.db.QueryRowContext(ctx, contactSelect+`
		WHERE LOWER(email) = ? AND deleted_at IS NULL
	`, email)
	c, err := scanContact(row)
	if err == nil {
		return c, nil
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("query contact by email: %w", err)
	}

	// Alternative emails are a small JSON list per contact, so a scan
	// over live contacts is fine at this registry's scale.
	all, err := r.liveContacts(ctx)
	if err != nil {
		return nil, err
	}
	for i := range all {
		for _, alt := range all[i].AlternativeEmails {
			if NormalizeEmail(alt) == email {
				return &all[i], nil
			}
		}
	}
	return nil, nil
}

func (r *Registry) byExactName(ctx context.Context, name string) ([]Contact, error) {
	first, last := SplitName(name)
	rows, err := r.db.QueryContext(ctx, contactSelect+`
		WHERE LOWER(first_name) = LOWER(?)
			AND LOWER(COALESCE(last_name, '')) = LOWER(?)
			AND deleted_at IS NULL
		ORDER BY total_interactions DESC, first_name, last_name
	`, first, last)
	if err != nil {
		return nil, fmt.Errorf("query contacts by name: %w", err)
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

func (r *Registry) fuzzyCandidates(ctx context.Context, name string) ([]Candidate, error) {
	all, err := r.liveContacts(ctx)
	if err != nil {
		return nil, err
	}

	queryTokens := nameTokens(name)
	if len(queryTokens) == 0 {
		return nil, nil
	}

	var candidates []Candidate
	for _, c := range all {
		score := nameScore(queryTokens, nameTokens(c.FullName()))
		if score >= r.minScore {
			candidates = append(candidates, Candidate{Contact: c, Score: score, Reason: "fuzzy name"})
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidates[i].Contact.TotalInteractions > candidates[j].Contact.TotalInteractions
	})
	if len(candidates) > r.maxSuggestions {
		candidates = candidates[:r.maxSuggestions]
	}
	return candidates, nil
}

func (r *Registry) liveContacts(ctx context.Context) ([]Contact, error) {
	rows, err := r.db.QueryContext(ctx, contactSelect+`
		WHERE deleted_at IS NULL
	`)
	if err != nil {
		return nil, fmt.Errorf("query live contacts: %w", err)
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

func nameTokens(name string) []string {
	fields := strings.Fields(strings.ToLower(name))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, ".,;:'\"")
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

// nameScore measures how well query tokens cover a contact's name
// tokens. An exact token hit counts full weight, a prefix hit (nick
// names, initials) counts partial. The score is the covered fraction
// of the query, in [0, 1].
func nameScore(query, target []string) float64 {
	if len(query) == 0 || len(target) == 0 {
		return 0
	}
	var covered float64
	for _, q := range query {
		best := 0.0
		for _, t := range target {
			switch {
			case q == t:
				best = 1.0
			case len(q) >= 3 && strings.HasPrefix(t, q), len(t) >= 3 && strings.HasPrefix(q, t):
				if best < 0.7 {
					best = 0.7
				}
			}
			if best == 1.0 {
				break
			}
		}
		covered += best
	}
	return covered / float64(len(query))
}
