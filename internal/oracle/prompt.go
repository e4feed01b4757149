package oracle

import (
	"encoding/json"
	"fmt"
	"strings"
)

// BuildPrompt assembles the extraction prompt for a transcript.
func BuildPrompt(transcript string, hints Hints) string {
	var b strings.Builder

	b.WriteString(`You are an assistant that analyzes voice note transcripts and extracts structured records.

A single transcript may contain several kinds of content at once: a meeting debrief, an evening journal, a reflection on a recurring topic, standalone tasks, and facts learned about people. Extract everything present. Output English only.

Respond with a single JSON object, no prose, matching this shape:

{
  "primary_category": "meeting" | "journal" | "reflection" | "task_planning" | "other",
  "meetings": [{
    "title": "...", "date": "YYYY-MM-DD", "location": "...",
    "person_name": "...", "person_email": "...", "summary": "...",
    "topics_discussed": [{"topic": "...", "details": "..."}],
    "people_mentioned": ["..."],
    "follow_ups": [{"topic": "...", "context": "...", "date": "YYYY-MM-DD"}]
  }],
  "journals": [{
    "date": "YYYY-MM-DD", "summary": "...", "mood": "...", "effort": "...",
    "sports": "...", "key_events": ["..."], "accomplishments": ["..."],
    "challenges": ["..."], "gratitude": ["..."], "tomorrow_focus": ["..."],
    "sections": [{"title": "...", "content": "..."}]
  }],
  "reflections": [{
    "title": "...", "date": "YYYY-MM-DD", "topic_key": "...",
    "tags": ["..."], "sections": [{"title": "...", "content": "..."}]
  }],
  "tasks": [{
    "title": "...", "description": "...",
    "due_date": "YYYY-MM-DD", "due_context": "..."
  }],
  "crm_updates": [{
    "person_name": "...", "met_with": true,
    "company": "...", "position": "...", "location": "...",
    "personal_notes": "..."
  }]
}

Rules:
- primary_category is what the note is mostly about; still fill every array that applies.
- Omit arrays with nothing to extract (or use []).
- Journals: one entry per calendar day the note covers. tomorrow_focus lists concrete intentions for the next day.
- Reflections: topic_key is a short stable slug for the recurring theme (e.g. "career-direction"). Reuse a known topic key when the note continues that theme.
- Tasks: put vague timing ("next week", "in a few days") into due_context and leave due_date empty unless a concrete date was said.
- crm_updates: met_with is true only for a person the speaker actually met or spoke with, not someone merely mentioned.
- Never invent facts that are not in the transcript.
`)

	if hints.Filename != "" || hints.RecordingDate != "" || hints.JournalHint {
		b.WriteString("\nContext:\n")
		if hints.Filename != "" {
			fmt.Fprintf(&b, "- Source file: %s\n", hints.Filename)
		}
		if hints.RecordingDate != "" {
			fmt.Fprintf(&b, "- Recorded on: %s (resolve relative dates against this)\n", hints.RecordingDate)
		}
		if hints.JournalHint {
			b.WriteString("- This note is likely an evening journal.\n")
		}
	}

	if len(hints.KnownTopicKeys) > 0 {
		b.WriteString("\nKnown reflection topic keys (reuse when the note continues one of these themes):\n")
		for _, key := range hints.KnownTopicKeys {
			fmt.Fprintf(&b, "- %s\n", key)
		}
	}

	b.WriteString("\nTranscript:\n\"\"\"\n")
	b.WriteString(transcript)
	b.WriteString("\n\"\"\"\n")

	return b.String()
}

// ParseAnalysis decodes a model response into an Analysis. Models
// sometimes wrap the JSON in a markdown code fence; strip it first.
func ParseAnalysis(text string) (*Analysis, error) {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
		text = strings.TrimSpace(text)
	}

	var a Analysis
	if err := json.Unmarshal([]byte(text), &a); err != nil {
		return nil, fmt.Errorf("parse analysis: %w", err)
	}
	return &a, nil
}
