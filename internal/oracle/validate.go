package oracle

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// Rejection records one extracted item dropped during validation.
type Rejection struct {
	Kind   string
	Title  string
	Reason string
}

var validCategories = map[string]bool{
	CategoryMeeting:      true,
	CategoryJournal:      true,
	CategoryReflection:   true,
	CategoryTaskPlanning: true,
	CategoryOther:        true,
}

// Validate filters an analysis in place, dropping items that are
// missing required fields or not in English. Dropped items come back
// as rejections so the caller can report them individually. The whole
// analysis is rejected only when nothing usable remains and the
// classification itself was garbage.
func Validate(a *Analysis) ([]Rejection, error) {
	if a == nil {
		return nil, fmt.Errorf("%w: empty analysis", ErrInvalidAnalysis)
	}

	categoryKnown := validCategories[a.PrimaryCategory]
	if !categoryKnown {
		a.PrimaryCategory = CategoryOther
	}

	var rejections []Rejection
	reject := func(kind, title, reason string) {
		rejections = append(rejections, Rejection{Kind: kind, Title: title, Reason: reason})
	}

	meetings := a.Meetings[:0]
	for _, m := range a.Meetings {
		switch {
		case strings.TrimSpace(m.Title) == "":
			reject("meeting", m.Title, "missing title")
		case !isCanonicalText(m.Title) || !isCanonicalText(m.Summary):
			reject("meeting", m.Title, "non-English content")
		default:
			meetings = append(meetings, m)
		}
	}
	a.Meetings = meetings

	journals := a.Journals[:0]
	for _, j := range a.Journals {
		switch {
		case strings.TrimSpace(j.Date) == "":
			reject("journal", j.Summary, "missing date")
		case !isCanonicalText(journalText(&j)):
			reject("journal", j.Summary, "non-English content")
		default:
			journals = append(journals, j)
		}
	}
	a.Journals = journals

	reflections := a.Reflections[:0]
	for _, r := range a.Reflections {
		switch {
		case len(r.Sections) == 0:
			reject("reflection", r.Title, "missing sections")
		case !isCanonicalText(r.Title) || !isCanonicalText(sectionsText(r.Sections)):
			reject("reflection", r.Title, "non-English content")
		default:
			reflections = append(reflections, r)
		}
	}
	a.Reflections = reflections

	tasks := a.Tasks[:0]
	for _, t := range a.Tasks {
		switch {
		case strings.TrimSpace(t.Title) == "":
			reject("task", t.Title, "missing title")
		case !isCanonicalText(t.Title):
			reject("task", t.Title, "non-English content")
		default:
			tasks = append(tasks, t)
		}
	}
	a.Tasks = tasks

	updates := a.CRMUpdates[:0]
	for _, u := range a.CRMUpdates {
		if strings.TrimSpace(u.PersonName) == "" {
			reject("crm_update", u.PersonName, "missing person name")
			continue
		}
		updates = append(updates, u)
	}
	a.CRMUpdates = updates

	if !categoryKnown && a.ItemCount() == 0 {
		return rejections, fmt.Errorf("%w: unknown category and no usable items", ErrInvalidAnalysis)
	}
	return rejections, nil
}

// journalText flattens every free-text field of a journal so the
// language check cannot be dodged by an empty summary.
func journalText(j *JournalItem) string {
	var b strings.Builder
	b.WriteString(j.Summary)
	b.WriteString(" ")
	b.WriteString(sectionsText(j.Sections))
	for _, list := range [][]string{
		j.KeyEvents, j.Accomplishments, j.Challenges, j.Gratitude, j.TomorrowFocus,
	} {
		for _, s := range list {
			b.WriteString(s)
			b.WriteString(" ")
		}
	}
	return b.String()
}

func sectionsText(sections []Section) string {
	var b strings.Builder
	for _, s := range sections {
		b.WriteString(s.Title)
		b.WriteString(" ")
		b.WriteString(s.Content)
		b.WriteString(" ")
	}
	return b.String()
}

// isCanonicalText reports whether text looks like English. The check
// is a Latin-letter ratio over all letters: translated or transliterated
// output still passes, wholesale non-Latin output does not. Empty text
// passes since optional fields may be blank.
func isCanonicalText(text string) bool {
	var letters, latin int
	for _, r := range text {
		if !unicode.IsLetter(r) {
			continue
		}
		letters++
		if r <= unicode.MaxLatin1 || unicode.Is(unicode.Latin, r) {
			latin++
		}
	}
	if letters == 0 {
		return true
	}
	return float64(latin)/float64(letters) >= 0.5
}

// ResolveDueDate turns a task's due date fields into a concrete
// YYYY-MM-DD string, resolving vague phrasing against the recording
// date. An explicit due_date wins; unrecognized phrasing yields "".
func ResolveDueDate(dueDate, dueContext string, recordedAt time.Time) string {
	if dueDate != "" {
		if _, err := time.Parse("2006-01-02", dueDate); err == nil {
			return dueDate
		}
	}

	ctx := strings.ToLower(strings.TrimSpace(dueContext))
	switch {
	case ctx == "":
		return ""
	case ctx == "today":
		return recordedAt.Format("2006-01-02")
	case ctx == "tomorrow":
		return recordedAt.AddDate(0, 0, 1).Format("2006-01-02")
	case ctx == "next week":
		return recordedAt.AddDate(0, 0, 7).Format("2006-01-02")
	case ctx == "next month":
		return recordedAt.AddDate(0, 1, 0).Format("2006-01-02")
	}

	// "in N days" / "in N weeks"
	if rest, ok := strings.CutPrefix(ctx, "in "); ok {
		fields := strings.Fields(rest)
		if len(fields) == 2 {
			if n, err := strconv.Atoi(fields[0]); err == nil && n > 0 {
				switch strings.TrimSuffix(fields[1], "s") {
				case "day":
					return recordedAt.AddDate(0, 0, n).Format("2006-01-02")
				case "week":
					return recordedAt.AddDate(0, 0, n*7).Format("2006-01-02")
				}
			}
		}
	}
	return ""
}
