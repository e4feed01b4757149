package oracle

// Analysis is the structured extraction produced from one transcript.
// A single voice note can yield records in several families at once;
// primary_category only records what the note was mostly about.
type Analysis struct {
	PrimaryCategory string           `json:"primary_category"`
	Meetings        []MeetingItem    `json:"meetings"`
	Journals        []JournalItem    `json:"journals"`
	Reflections     []ReflectionItem `json:"reflections"`
	Tasks           []TaskItem       `json:"tasks"`
	CRMUpdates      []CRMUpdate      `json:"crm_updates"`
}

// Categories the analysis can be classified under.
const (
	CategoryMeeting      = "meeting"
	CategoryJournal      = "journal"
	CategoryReflection   = "reflection"
	CategoryTaskPlanning = "task_planning"
	CategoryOther        = "other"
)

// ItemCount returns the total number of extracted items.
func (a *Analysis) ItemCount() int {
	if a == nil {
		return 0
	}
	return len(a.Meetings) + len(a.Journals) + len(a.Reflections) +
		len(a.Tasks) + len(a.CRMUpdates)
}

type TopicEntry struct {
	Topic   string `json:"topic"`
	Details string `json:"details,omitempty"`
}

type FollowUpEntry struct {
	Topic   string `json:"topic"`
	Context string `json:"context,omitempty"`
	Date    string `json:"date,omitempty"`
}

type Section struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

type MeetingItem struct {
	Title           string          `json:"title"`
	Date            string          `json:"date,omitempty"`
	Location        string          `json:"location,omitempty"`
	PersonName      string          `json:"person_name,omitempty"`
	PersonEmail     string          `json:"person_email,omitempty"`
	Summary         string          `json:"summary,omitempty"`
	TopicsDiscussed []TopicEntry    `json:"topics_discussed,omitempty"`
	PeopleMentioned []string        `json:"people_mentioned,omitempty"`
	FollowUps       []FollowUpEntry `json:"follow_ups,omitempty"`
}

type JournalItem struct {
	Date            string    `json:"date"`
	Summary         string    `json:"summary,omitempty"`
	Mood            string    `json:"mood,omitempty"`
	Effort          string    `json:"effort,omitempty"`
	Sports          string    `json:"sports,omitempty"`
	KeyEvents       []string  `json:"key_events,omitempty"`
	Accomplishments []string  `json:"accomplishments,omitempty"`
	Challenges      []string  `json:"challenges,omitempty"`
	Gratitude       []string  `json:"gratitude,omitempty"`
	TomorrowFocus   []string  `json:"tomorrow_focus,omitempty"`
	Sections        []Section `json:"sections,omitempty"`
}

type ReflectionItem struct {
	Title    string    `json:"title"`
	Date     string    `json:"date,omitempty"`
	TopicKey string    `json:"topic_key,omitempty"`
	Tags     []string  `json:"tags,omitempty"`
	Sections []Section `json:"sections"`
}

type TaskItem struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	DueDate     string `json:"due_date,omitempty"`
	DueContext  string `json:"due_context,omitempty"`
}

type CRMUpdate struct {
	PersonName    string `json:"person_name"`
	MetWith       bool   `json:"met_with"`
	Company       string `json:"company,omitempty"`
	Position      string `json:"position,omitempty"`
	Location      string `json:"location,omitempty"`
	PersonalNotes string `json:"personal_notes,omitempty"`
}

// Hints carries side information that sharpens extraction: the source
// filename, the recording date, whether the note is likely an evening
// journal, and the topic keys of existing reflections so appends route
// to them instead of spawning near-duplicate topics.
type Hints struct {
	Filename       string
	RecordingDate  string
	JournalHint    bool
	KnownTopicKeys []string
}
