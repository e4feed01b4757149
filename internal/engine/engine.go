package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/askohl/dicta/internal/contacts"
	"github.com/askohl/dicta/internal/oracle"
	"github.com/askohl/dicta/internal/store"
)

// ErrEmptyTranscript means the transcript has no text to analyze.
var ErrEmptyTranscript = errors.New("transcript is empty")

const (
	topicHintLimit    = 50
	casRetryLimit     = 3
	minFocusTaskChars = 3
)

// Enqueuer receives sync notifications for created or changed records.
type Enqueuer interface {
	Enqueue(ctx context.Context, kind, recordID, action string) error
}

// Engine runs one reconciliation pass per transcript: extract via the
// oracle, then fold each extracted item into the stores. Items are
// isolated; one bad item never aborts the pass.
type Engine struct {
	store    *store.Store
	registry *contacts.Registry
	oracle   oracle.Oracle
	outbox   Enqueuer
	log      *zap.Logger

	topicMu keyedMutex
}

// New builds an engine. outbox may be nil to disable sync dispatch.
func New(st *store.Store, registry *contacts.Registry, o oracle.Oracle, outbox Enqueuer, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{store: st, registry: registry, oracle: o, outbox: outbox, log: log}
}

// Process runs a full pass over one transcript and returns one outcome
// per extracted item. The returned error is non-nil only for
// whole-pass failures (missing transcript, oracle outage, unusable
// analysis); per-item failures ride in the outcomes.
func (e *Engine) Process(ctx context.Context, transcriptID string) ([]Outcome, error) {
	t, err := e.store.GetTranscript(ctx, transcriptID)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(t.FullText) == "" {
		return nil, ErrEmptyTranscript
	}

	topics, err := e.store.KnownTopicKeys(ctx, topicHintLimit)
	if err != nil {
		return nil, err
	}
	hints := oracle.Hints{
		Filename:      t.SourceFile,
		RecordingDate: recordingDate(t),
		JournalHint:   looksLikeJournal(t.SourceFile),
	}
	for _, ref := range topics {
		hints.KnownTopicKeys = append(hints.KnownTopicKeys, ref.TopicKey)
	}

	analysis, err := e.oracle.Analyze(ctx, t.FullText, hints)
	if err != nil {
		e.log.Error("analysis failed", zap.String("transcript", transcriptID), zap.Error(err))
		reason := ReasonOracleUnavailable
		if !errors.Is(err, oracle.ErrOracleUnavailable) && ctx.Err() == nil {
			reason = err.Error()
		}
		return []Outcome{{Kind: KindAnalysis, Action: ActionFailed, Reason: reason}}, err
	}

	rejections, err := oracle.Validate(analysis)
	var outcomes []Outcome
	for _, r := range rejections {
		outcomes = append(outcomes, Outcome{
			Kind:   r.Kind,
			Action: ActionFailed,
			Title:  r.Title,
			Reason: ReasonInvalidExtraction + ": " + r.Reason,
		})
	}
	if err != nil {
		outcomes = append(outcomes, Outcome{Kind: KindAnalysis, Action: ActionFailed, Reason: ReasonInvalidExtraction})
		return outcomes, err
	}

	recordedAt := recordedTime(t)

	// Stable family order: journals, meetings, reflections, tasks, CRM.
	// Later families may attach to records the earlier ones created.
	var journalID, meetingID string

	for _, item := range analysis.Journals {
		out, id := e.processJournal(ctx, t, item)
		outcomes = append(outcomes, out...)
		if id != "" {
			journalID = id
		}
	}

	for _, item := range analysis.Meetings {
		out, id := e.processMeeting(ctx, t, item, analysis.CRMUpdates)
		outcomes = append(outcomes, out...)
		if id != "" {
			meetingID = id
		}
	}

	for _, item := range analysis.Reflections {
		outcomes = append(outcomes, e.processReflection(ctx, t, item, recordedAt))
	}

	originType, originID := taskOrigin(transcriptID, meetingID, journalID)
	for _, item := range analysis.Tasks {
		outcomes = append(outcomes, e.processTask(ctx, item, originType, originID, recordedAt))
	}

	for _, item := range analysis.CRMUpdates {
		outcomes = append(outcomes, e.processCRMUpdate(ctx, item, recordedAt))
	}

	if err := e.store.MarkTranscriptProcessed(ctx, transcriptID); err != nil {
		e.log.Warn("mark processed failed", zap.String("transcript", transcriptID), zap.Error(err))
	}

	e.enqueueOutcomes(ctx, outcomes)
	return outcomes, nil
}

func (e *Engine) processJournal(ctx context.Context, t *store.Transcript, item oracle.JournalItem) ([]Outcome, string) {
	existing, err := e.store.GetJournalByTranscript(ctx, t.ID)
	if err != nil {
		return []Outcome{failedOutcome(KindJournal, item.Date, err)}, ""
	}
	if existing != nil {
		return []Outcome{{Kind: KindJournal, Action: ActionSkippedDuplicate, RecordID: existing.ID, Title: existing.Title}}, existing.ID
	}

	j := &store.Journal{
		SourceTranscriptID: t.ID,
		Date:               item.Date,
		Summary:            item.Summary,
		Mood:               item.Mood,
		Effort:             item.Effort,
		KeyEvents:          item.KeyEvents,
		Accomplishments:    item.Accomplishments,
		Challenges:         item.Challenges,
		Gratitude:          item.Gratitude,
		TomorrowFocus:      item.TomorrowFocus,
		Content:            renderSections(item.Sections),
		SourceFile:         t.SourceFile,
	}
	if item.Sports != "" {
		j.Sports = []string{item.Sports}
	}

	res, err := e.store.UpsertJournal(ctx, j)
	if err != nil {
		if store.IsDuplicate(err) {
			// Lost a create race; the winner's row is the record.
			winner, rerr := e.store.GetJournalByTranscript(ctx, t.ID)
			if rerr == nil && winner != nil {
				return []Outcome{{Kind: KindJournal, Action: ActionSkippedDuplicate, RecordID: winner.ID, Title: winner.Title}}, winner.ID
			}
			return []Outcome{{Kind: KindJournal, Action: ActionSkippedDuplicate, Title: item.Date}}, ""
		}
		return []Outcome{failedOutcome(KindJournal, item.Date, err)}, ""
	}

	action := ActionCreated
	if res.Merged {
		action = ActionAppended
	}
	outcomes := []Outcome{{Kind: KindJournal, Action: action, RecordID: res.ID, Title: "Journal - " + item.Date}}

	// Tomorrow's intentions become tasks. Fragments too short to be
	// actionable are dropped.
	for _, focus := range item.TomorrowFocus {
		focus = strings.TrimSpace(focus)
		if len(focus) <= minFocusTaskChars {
			continue
		}
		task := &store.Task{
			Title:      focus,
			OriginType: "journal",
			OriginID:   res.ID,
			DueDate:    nextDay(item.Date),
		}
		id, err := e.store.CreateTask(ctx, task)
		switch {
		case store.IsDuplicate(err):
			outcomes = append(outcomes, Outcome{Kind: KindTask, Action: ActionSkippedDuplicate, Title: focus})
		case err != nil:
			outcomes = append(outcomes, failedOutcome(KindTask, focus, err))
		default:
			outcomes = append(outcomes, Outcome{Kind: KindTask, Action: ActionCreated, RecordID: id, Title: focus})
		}
	}
	return outcomes, res.ID
}

func (e *Engine) processMeeting(ctx context.Context, t *store.Transcript, item oracle.MeetingItem, updates []oracle.CRMUpdate) ([]Outcome, string) {
	existing, err := e.store.GetMeetingByTranscript(ctx, t.ID)
	if err != nil {
		return []Outcome{failedOutcome(KindMeeting, item.Title, err)}, ""
	}
	if existing != nil {
		return []Outcome{{Kind: KindMeeting, Action: ActionSkippedDuplicate, RecordID: existing.ID, Title: existing.Title}}, existing.ID
	}

	m := &store.Meeting{
		SourceTranscriptID: t.ID,
		ContactName:        item.PersonName,
		Title:              item.Title,
		Date:               item.Date,
		Location:           item.Location,
		Summary:            item.Summary,
		PeopleMentioned:    item.PeopleMentioned,
		SourceFile:         t.SourceFile,
	}
	for _, topic := range item.TopicsDiscussed {
		td := store.TopicDiscussed{Topic: topic.Topic}
		if topic.Details != "" {
			td.Details = []string{topic.Details}
		}
		m.TopicsDiscussed = append(m.TopicsDiscussed, td)
	}
	for _, fu := range item.FollowUps {
		m.FollowUps = append(m.FollowUps, store.FollowUp{Topic: fu.Topic, Context: fu.Context, Date: fu.Date})
	}

	outcome := Outcome{Kind: KindMeeting, Action: ActionCreated, Title: item.Title}

	res, err := e.registry.Resolve(ctx, item.PersonName, item.PersonEmail)
	if err != nil {
		e.log.Warn("contact resolution failed", zap.String("person", item.PersonName), zap.Error(err))
	} else {
		switch res.Decision {
		case contacts.DecisionMatched:
			m.ContactID = res.Contact.ID
		case contacts.DecisionAmbiguous:
			// Record still gets created; linking waits for a human.
			outcome.Action = ActionContactAmbiguous
			outcome.ContactSuggestions = res.Suggestions
		case contacts.DecisionNoMatch:
			if item.PersonName != "" && metWith(item.PersonName, updates) {
				first, last := contacts.SplitName(item.PersonName)
				id, err := e.registry.Create(ctx, &contacts.Contact{
					FirstName: first,
					LastName:  last,
					Email:     item.PersonEmail,
				})
				if err != nil {
					e.log.Warn("contact create failed", zap.String("person", item.PersonName), zap.Error(err))
				} else {
					m.ContactID = id
				}
			}
		}
	}

	id, err := e.store.CreateMeeting(ctx, m)
	if err != nil {
		if store.IsDuplicate(err) {
			// Lost a create race; the winner's row is the record.
			winner, rerr := e.store.GetMeetingByTranscript(ctx, t.ID)
			if rerr == nil && winner != nil {
				return []Outcome{{Kind: KindMeeting, Action: ActionSkippedDuplicate, RecordID: winner.ID, Title: winner.Title}}, winner.ID
			}
			return []Outcome{{Kind: KindMeeting, Action: ActionSkippedDuplicate, Title: item.Title}}, ""
		}
		return []Outcome{failedOutcome(KindMeeting, item.Title, err)}, ""
	}
	outcome.RecordID = id

	if m.ContactID != "" {
		date := item.Date
		if date == "" {
			date = recordingDate(t)
		}
		if err := e.registry.RecordInteraction(ctx, m.ContactID, date); err != nil {
			e.log.Warn("interaction bump failed", zap.String("contact", m.ContactID), zap.Error(err))
		}
	}
	return []Outcome{outcome}, id
}

func (e *Engine) processReflection(ctx context.Context, t *store.Transcript, item oracle.ReflectionItem, recordedAt time.Time) Outcome {
	key := store.NormalizeTopicKey(item.TopicKey)
	if key == "" {
		key = store.NormalizeTopicKey(item.Title)
	}
	if key == "" {
		return Outcome{Kind: KindReflection, Action: ActionFailed, Title: item.Title, Reason: ReasonInvalidExtraction + ": no topic key"}
	}

	date := item.Date
	if date == "" {
		date = recordedAt.Format("2006-01-02")
	}

	// Serialize read-modify-write per topic within the process; the
	// version CAS below covers other processes. The applied check must
	// run under this lock or a concurrent pass that just recorded the
	// topic slips through and appends the section twice.
	unlock := e.topicMu.lock(key)
	defer unlock()

	applied, err := e.store.HasAppliedTopic(ctx, t.ID, key)
	if err != nil {
		return failedOutcome(KindReflection, item.Title, err)
	}
	if applied {
		return Outcome{Kind: KindReflection, Action: ActionSkippedDuplicate, Title: item.Title}
	}

	for attempt := 0; attempt < casRetryLimit; attempt++ {
		existing, err := e.store.LiveReflectionByTopic(ctx, key)
		if err != nil {
			return failedOutcome(KindReflection, item.Title, err)
		}

		if existing == nil {
			id, err := e.store.CreateReflection(ctx, &store.Reflection{
				TopicKey:   key,
				Title:      item.Title,
				Date:       date,
				Tags:       item.Tags,
				Content:    renderSections(item.Sections),
				SourceFile: t.SourceFile,
			})
			if err != nil {
				if store.IsDuplicate(err) {
					continue // lost a create race, append instead
				}
				return failedOutcome(KindReflection, item.Title, err)
			}
			if err := e.store.RecordAppliedTopic(ctx, t.ID, key, id); err != nil {
				e.log.Warn("record applied topic failed", zap.String("topic", key), zap.Error(err))
			}
			return Outcome{Kind: KindReflection, Action: ActionCreated, RecordID: id, Title: item.Title}
		}

		addition := "\n\n---\n\n*" + date + "*\n\n" + renderSections(item.Sections)
		err = e.store.AppendReflection(ctx, existing.ID, existing.Version, addition, item.Tags)
		if errors.Is(err, store.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return failedOutcome(KindReflection, item.Title, err)
		}
		if err := e.store.RecordAppliedTopic(ctx, t.ID, key, existing.ID); err != nil {
			e.log.Warn("record applied topic failed", zap.String("topic", key), zap.Error(err))
		}
		return Outcome{Kind: KindReflection, Action: ActionAppended, RecordID: existing.ID, Title: item.Title}
	}
	return Outcome{Kind: KindReflection, Action: ActionFailed, Title: item.Title, Reason: ReasonWriteError + ": version conflicts exhausted"}
}

func (e *Engine) processTask(ctx context.Context, item oracle.TaskItem, originType, originID string, recordedAt time.Time) Outcome {
	task := &store.Task{
		Title:       item.Title,
		Description: item.Description,
		DueDate:     oracle.ResolveDueDate(item.DueDate, item.DueContext, recordedAt),
		OriginType:  originType,
		OriginID:    originID,
	}
	id, err := e.store.CreateTask(ctx, task)
	switch {
	case store.IsDuplicate(err):
		return Outcome{Kind: KindTask, Action: ActionSkippedDuplicate, Title: item.Title}
	case err != nil:
		return failedOutcome(KindTask, item.Title, err)
	}
	return Outcome{Kind: KindTask, Action: ActionCreated, RecordID: id, Title: item.Title}
}

func (e *Engine) processCRMUpdate(ctx context.Context, item oracle.CRMUpdate, recordedAt time.Time) Outcome {
	// Facts stick only to people the speaker actually met.
	if !item.MetWith {
		return Outcome{Kind: KindContact, Action: ActionSkippedDuplicate, Title: item.PersonName, Reason: "not met with"}
	}

	res, err := e.registry.Resolve(ctx, item.PersonName, "")
	if err != nil {
		return failedOutcome(KindContact, item.PersonName, err)
	}

	update := contacts.ProfileUpdate{
		Company:       item.Company,
		Position:      item.Position,
		Location:      item.Location,
		PersonalNotes: item.PersonalNotes,
	}
	date := recordedAt.Format("2006-01-02")

	switch res.Decision {
	case contacts.DecisionMatched:
		if err := e.registry.MergeProfile(ctx, res.Contact.ID, update); err != nil {
			return failedOutcome(KindContact, item.PersonName, err)
		}
		if err := e.registry.RecordInteraction(ctx, res.Contact.ID, date); err != nil {
			e.log.Warn("interaction bump failed", zap.String("contact", res.Contact.ID), zap.Error(err))
		}
		return Outcome{Kind: KindContact, Action: ActionAppended, RecordID: res.Contact.ID, Title: item.PersonName}

	case contacts.DecisionAmbiguous:
		return Outcome{Kind: KindContact, Action: ActionContactAmbiguous, Title: item.PersonName, ContactSuggestions: res.Suggestions}

	default:
		first, last := contacts.SplitName(item.PersonName)
		id, err := e.registry.Create(ctx, &contacts.Contact{
			FirstName:     first,
			LastName:      last,
			Company:       item.Company,
			Position:      item.Position,
			Location:      item.Location,
			PersonalNotes: item.PersonalNotes,
		})
		if err != nil {
			return failedOutcome(KindContact, item.PersonName, err)
		}
		if err := e.registry.RecordInteraction(ctx, id, date); err != nil {
			e.log.Warn("interaction bump failed", zap.String("contact", id), zap.Error(err))
		}
		return Outcome{Kind: KindContact, Action: ActionCreated, RecordID: id, Title: item.PersonName}
	}
}

// LinkContact manually links a resolved contact to a meeting or task,
// typically after an ambiguous pass left the record unlinked. Idempotent.
func (e *Engine) LinkContact(ctx context.Context, kind, recordID, contactID string) error {
	switch kind {
	case KindMeeting:
		m, err := e.store.GetMeeting(ctx, recordID)
		if err != nil {
			return err
		}
		if m == nil {
			return fmt.Errorf("meeting %s not found", recordID)
		}
		if m.ContactID == contactID {
			return nil
		}
		if err := e.store.LinkMeetingContact(ctx, recordID, contactID); err != nil {
			return err
		}
		date := m.Date
		if date == "" {
			date = m.CreatedAt
		}
		return e.registry.RecordInteraction(ctx, contactID, date)

	case KindTask:
		task, err := e.store.GetTask(ctx, recordID)
		if err != nil {
			return err
		}
		if task == nil {
			return fmt.Errorf("task %s not found", recordID)
		}
		if task.ContactID == contactID {
			return nil
		}
		return e.store.LinkTaskContact(ctx, recordID, contactID)

	default:
		return fmt.Errorf("cannot link contact to record kind %q", kind)
	}
}

func (e *Engine) enqueueOutcomes(ctx context.Context, outcomes []Outcome) {
	if e.outbox == nil {
		return
	}
	for _, o := range outcomes {
		if o.RecordID == "" {
			continue
		}
		if o.Action != ActionCreated && o.Action != ActionAppended && o.Action != ActionContactAmbiguous {
			continue
		}
		if err := e.outbox.Enqueue(ctx, o.Kind, o.RecordID, string(o.Action)); err != nil {
			e.log.Warn("outbox enqueue failed",
				zap.String("kind", o.Kind),
				zap.String("record", o.RecordID),
				zap.Error(err))
		}
	}
}

func failedOutcome(kind, title string, err error) Outcome {
	return Outcome{Kind: kind, Action: ActionFailed, Title: title, Reason: ReasonWriteError + ": " + err.Error()}
}

func taskOrigin(transcriptID, meetingID, journalID string) (string, string) {
	switch {
	case meetingID != "":
		return "meeting", meetingID
	case journalID != "":
		return "journal", journalID
	default:
		return "transcript", transcriptID
	}
}

func metWith(name string, updates []oracle.CRMUpdate) bool {
	for _, u := range updates {
		if strings.EqualFold(strings.TrimSpace(u.PersonName), strings.TrimSpace(name)) {
			return u.MetWith
		}
	}
	// A meeting participant counts as met absent contrary CRM info.
	return true
}

func renderSections(sections []oracle.Section) string {
	var parts []string
	for _, s := range sections {
		var b strings.Builder
		if s.Title != "" {
			b.WriteString("## ")
			b.WriteString(s.Title)
			b.WriteString("\n\n")
		}
		b.WriteString(s.Content)
		parts = append(parts, b.String())
	}
	return strings.Join(parts, "\n\n")
}

func recordingDate(t *store.Transcript) string {
	if t.RecordingDate != "" {
		return t.RecordingDate
	}
	if len(t.CreatedAt) >= 10 {
		return t.CreatedAt[:10]
	}
	return ""
}

func recordedTime(t *store.Transcript) time.Time {
	if d := recordingDate(t); d != "" {
		if ts, err := time.Parse("2006-01-02", d); err == nil {
			return ts
		}
	}
	return time.Now().UTC()
}

func nextDay(date string) string {
	ts, err := time.Parse("2006-01-02", date)
	if err != nil {
		return ""
	}
	return ts.AddDate(0, 0, 1).Format("2006-01-02")
}

func looksLikeJournal(filename string) bool {
	lower := strings.ToLower(filename)
	return strings.Contains(lower, "journal") || strings.Contains(lower, "evening") || strings.Contains(lower, "daily")
}

// keyedMutex serializes work per topic key.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &sync.Mutex{}
		k.locks[key] = l
	}
	k.mu.Unlock()

	l.Lock()
	return l.Unlock
}
