package minutes

import (
	"fmt"
	"strings"
	"time"

	"github.com/kbukum/minutes/audit"
	"github.com/kbukum/minutes/errors"
	"github.com/kbukum/minutes/fusion"
)

// DefaultMaxFanOut caps concurrent dynamic sections.
const DefaultMaxFanOut = 8

// ErrorPrefix starts the body of a failed section.
const ErrorPrefix = "ERROR: "

// MeetingContext describes the session. It fills static placeholders and
// travels with every LLM prompt.
type MeetingContext struct {
	Date         string               `json:"date,omitempty" mapstructure:"date"`
	StartTime    string               `json:"start_time,omitempty" mapstructure:"start_time"`
	MeetingType  string               `json:"meeting_type,omitempty" mapstructure:"meeting_type"`
	Title        string               `json:"title,omitempty" mapstructure:"title"`
	Number       string               `json:"number,omitempty" mapstructure:"number"`
	Location     string               `json:"location,omitempty" mapstructure:"location"`
	Participants []fusion.Participant `json:"participants,omitempty" mapstructure:"participants"`
	// Duration is the session length in seconds.
	Duration float64 `json:"duration,omitempty" mapstructure:"duration"`
	Language string  `json:"language,omitempty" mapstructure:"language"`
	// Extra holds additional placeholder values. Standard fields win on
	// key collisions.
	Extra map[string]any `json:"extra,omitempty" mapstructure:"extra"`
}

// Vars returns the placeholder values of the meeting. Unset fields are left
// out so they render as missing. doc, when given, supplies the participants
// and language the context does not name.
func (m MeetingContext) Vars(doc *fusion.Document) map[string]any {
	vars := make(map[string]any, len(m.Extra)+12)
	for k, v := range m.Extra {
		vars[k] = v
	}
	set := func(k, v string) {
		if v != "" {
			vars[k] = v
		}
	}
	set("date", m.Date)
	set("start_time", m.StartTime)
	set("meeting_type", m.MeetingType)
	set("title", m.Title)
	set("number", m.Number)
	set("location", m.Location)

	lang := m.Language
	if lang == "" && doc != nil {
		lang = doc.Metrics.Language
	}
	set("language", lang)

	dur := m.Duration
	if dur <= 0 && doc != nil && len(doc.Segments) > 0 {
		dur = doc.Segments[len(doc.Segments)-1].End
	}
	if dur > 0 {
		vars["duration"] = FormatDuration(dur)
		vars["duration_seconds"] = int(dur)
	}

	names, lines := m.participantNames(doc)
	if len(names) > 0 {
		vars["participants"] = strings.Join(names, ", ")
		vars["participant_list"] = strings.Join(lines, "\n")
	}
	if doc != nil {
		set("file_id", doc.FileID)
		vars["speakers_detected"] = doc.SpeakersDetected
	}
	return vars
}

func (m MeetingContext) participantNames(doc *fusion.Document) (names, lines []string) {
	if len(m.Participants) > 0 {
		for _, p := range m.Participants {
			names = append(names, p.FullName)
			if p.Role != "" {
				lines = append(lines, fmt.Sprintf("- %s, %s", p.FullName, p.Role))
			} else {
				lines = append(lines, "- "+p.FullName)
			}
		}
		return names, lines
	}
	if doc == nil {
		return nil, nil
	}
	for _, s := range doc.Speakers {
		names = append(names, s.Name)
		if s.Participant != nil && s.Participant.Role != "" {
			lines = append(lines, fmt.Sprintf("- %s, %s", s.Name, s.Participant.Role))
		} else {
			lines = append(lines, "- "+s.Name)
		}
	}
	return names, lines
}

// FormatDuration renders seconds as "1h 30m 45s".
func FormatDuration(seconds float64) string {
	total := int(seconds)
	if total <= 0 {
		return "0s"
	}
	h, m, s := total/3600, total%3600/60, total%60
	var parts []string
	if h > 0 {
		parts = append(parts, fmt.Sprintf("%dh", h))
	}
	if m > 0 {
		parts = append(parts, fmt.Sprintf("%dm", m))
	}
	if s > 0 {
		parts = append(parts, fmt.Sprintf("%ds", s))
	}
	return strings.Join(parts, " ")
}

// SectionOverride replaces parts of one section for a single run.
type SectionOverride struct {
	PromptTemplate string         `json:"prompt_template,omitempty" mapstructure:"prompt_template"`
	SystemPrompt   string         `json:"system_prompt,omitempty" mapstructure:"system_prompt"`
	ProviderID     string         `json:"provider_id,omitempty" mapstructure:"provider_id"`
	Parameters     map[string]any `json:"parameters,omitempty" mapstructure:"parameters"`
}

// Options tune a single run.
type Options struct {
	// AllowPartial keeps the document when a required section produced
	// no content.
	AllowPartial bool `json:"allow_partial" mapstructure:"allow_partial"`
	// MaxFanOut caps concurrent sections; 0 uses the orchestrator default.
	MaxFanOut int `json:"max_fan_out,omitempty" mapstructure:"max_fan_out"`
	// Overrides is keyed by section order.
	Overrides map[int]SectionOverride `json:"per_section_overrides,omitempty" mapstructure:"per_section_overrides"`
	// GlobalPrompt replaces the template's global prompt when set.
	GlobalPrompt string `json:"global_prompt,omitempty" mapstructure:"global_prompt"`
	// GlobalProvider selects the provider of the unifying call.
	GlobalProvider string `json:"global_provider,omitempty" mapstructure:"global_provider"`
}

// SectionResult is the outcome of one template section.
type SectionResult struct {
	SectionOrder int              `json:"section_order"`
	Name         string           `json:"name"`
	Category     string           `json:"category"`
	Kind         string           `json:"kind"`
	Body         string           `json:"body"`
	PromptUsed   string           `json:"prompt_used,omitempty"`
	ProviderUsed string           `json:"provider_used,omitempty"`
	Model        string           `json:"model,omitempty"`
	Error        string           `json:"error,omitempty"`
	ErrorCode    errors.ErrorCode `json:"error_code,omitempty"`
	Missing      []string         `json:"missing_placeholders,omitempty"`
	Attempts     int              `json:"attempts,omitempty"`
	TokensUsed   int              `json:"tokens_used,omitempty"`
	LatencyMS    int64            `json:"latency_ms"`
	Timestamp    time.Time        `json:"timestamp"`

	required bool
	err      error
}

// Failed reports whether the section ended with an error.
func (r SectionResult) Failed() bool { return r.Error != "" }

// HasContent reports whether the section produced usable text.
func (r SectionResult) HasContent() bool {
	return !r.Failed() && strings.TrimSpace(r.Body) != ""
}

// Metrics summarize a run.
type Metrics struct {
	TotalLatencyMS   int64         `json:"total_latency_ms"`
	SectionLatencyMS map[int]int64 `json:"section_latency_ms"`
	GlobalLatencyMS  int64         `json:"global_latency_ms,omitempty"`
	TokensUsed       int           `json:"tokens_used"`
	LLMCalls         int           `json:"llm_calls"`
	SectionsStatic   int           `json:"sections_static"`
	SectionsDynamic  int           `json:"sections_dynamic"`
	SectionsFailed   int           `json:"sections_failed"`
	FanOut           int           `json:"fan_out"`
}

// Document is the generated minutes. Field order fixes the JSON key order.
type Document struct {
	TemplateCode string          `json:"template_id"`
	PerSection   []SectionResult `json:"per_section"`
	DraftBody    string          `json:"draft_body"`
	FinalBody    string          `json:"final_body"`
	// GlobalError is set when the unifying call failed and the final body
	// fell back to the draft.
	GlobalError string       `json:"global_error,omitempty"`
	Metrics     Metrics      `json:"metrics"`
	Audit       audit.Record `json:"audit"`
	// TranscriptAudit mirrors the processing audit of the source transcript.
	TranscriptAudit *audit.Record `json:"transcript_audit,omitempty"`
}

// Section returns the result of the section with the given order.
func (d *Document) Section(order int) (SectionResult, bool) {
	for _, r := range d.PerSection {
		if r.SectionOrder == order {
			return r, true
		}
	}
	return SectionResult{}, false
}
