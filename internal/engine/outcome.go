package engine

import "github.com/askohl/dicta/internal/contacts"

// Action is what a reconciliation pass did with one extracted item.
type Action string

const (
	ActionCreated          Action = "created"
	ActionAppended         Action = "appended"
	ActionSkippedDuplicate Action = "skipped-duplicate"
	ActionContactAmbiguous Action = "contact-ambiguous"
	ActionFailed           Action = "failed"
)

// Failure reasons carried on ActionFailed outcomes.
const (
	ReasonInvalidExtraction = "invalid-extraction"
	ReasonOracleUnavailable = "oracle-unavailable"
	ReasonWriteError        = "write-error"
)

// Outcome reports what happened to one extracted item. A pass returns
// one outcome per item so partial failures stay visible instead of
// collapsing into a single error.
type Outcome struct {
	Kind               string               `json:"kind"`
	Action             Action               `json:"action"`
	RecordID           string               `json:"record_id,omitempty"`
	Title              string               `json:"title,omitempty"`
	Reason             string               `json:"reason,omitempty"`
	ContactSuggestions []contacts.Candidate `json:"contact_suggestions,omitempty"`
}

// Record kinds appearing in outcomes and the sync outbox.
const (
	KindMeeting    = "meeting"
	KindJournal    = "journal"
	KindReflection = "reflection"
	KindTask       = "task"
	KindContact    = "contact"
	KindAnalysis   = "analysis"
)
