// Package fusion joins ASR segments with diarization turns by temporal
// overlap and binds the chronological speaker indices to the caller's
// participant roster.
package fusion

import (
	"fmt"
	"strings"

	"github.com/kbukum/minutes/audit"
)

// Fusion constants recorded in the audit.
const (
	Method           = "overlap_temporal"
	OverlapThreshold = 0.5
	// LowConfidence is the ASR confidence below which a segment counts as
	// low confidence.
	LowConfidence = 0.5
)

// Participant is a roster entry. The roster order is significant.
type Participant struct {
	Order    int            `json:"order" mapstructure:"order"`
	FullName string         `json:"full_name" mapstructure:"full_name" validate:"required"`
	Role     string         `json:"role,omitempty" mapstructure:"role"`
	Extra    map[string]any `json:"extra_fields,omitempty" mapstructure:"extra_fields"`
}

// CombinedSegment is an ASR segment attributed to a speaker.
type CombinedSegment struct {
	Start             float64 `json:"start"`
	End               float64 `json:"end"`
	StartStr          string  `json:"start_time_str"`
	EndStr            string  `json:"end_time_str"`
	Text              string  `json:"text"`
	SpeakerIndex      int     `json:"speaker_index"`
	SpeakerConfidence float64 `json:"speaker_confidence"`
	ASRConfidence     float64 `json:"asr_confidence"`
}

// SpeakerBinding ties a chronological speaker index to a participant.
// Participant is nil for speakers beyond the roster.
type SpeakerBinding struct {
	SpeakerIndex    int          `json:"speaker_index"`
	Name            string       `json:"name"`
	Participant     *Participant `json:"participant"`
	FirstAppearance float64      `json:"first_appearance_seconds"`
	TotalTime       float64      `json:"total_time"`
}

// Metrics are the transcript quality metrics.
type Metrics struct {
	ASRAvgConfidence      float64 `json:"asr_avg_confidence"`
	ASRLowConfidenceRatio float64 `json:"asr_low_confidence_ratio"`
	TotalWords            int     `json:"total_words"`
	Language              string  `json:"language"`
	LanguageProbability   float64 `json:"language_probability"`
	DiarAvgConfidence     float64 `json:"diar_avg_confidence"`
}

// Document is the combined transcript. Field order fixes the JSON key order.
type Document struct {
	FileID           string            `json:"file_id"`
	SpeakersDetected int               `json:"speakers_detected"`
	Speakers         []SpeakerBinding  `json:"speakers"`
	Segments         []CombinedSegment `json:"segments"`
	Metrics          Metrics           `json:"metrics"`
	NormalizedWAV    string            `json:"normalized_wav"`
	ProcessingAudit  *audit.Record     `json:"processing_audit"`

	// Summary describes the fusion run; the pipeline moves it into the audit.
	Summary audit.FusionSummary `json:"-"`
}

// SpeakerName returns the display name bound to index.
func (d *Document) SpeakerName(index int) string {
	for _, s := range d.Speakers {
		if s.SpeakerIndex == index {
			return s.Name
		}
	}
	return ExtraSpeakerName(index)
}

// Transcript renders the segments as "[MM:SS] Name: text" lines.
func (d *Document) Transcript() string {
	var b strings.Builder
	for _, s := range d.Segments {
		if s.Text == "" {
			continue
		}
		fmt.Fprintf(&b, "[%s] %s: %s\n", s.StartStr, d.SpeakerName(s.SpeakerIndex), s.Text)
	}
	return b.String()
}

// ExtraSpeakerName is the display name of an index with no roster entry.
func ExtraSpeakerName(index int) string {
	return fmt.Sprintf("Extra Speaker %d", index+1)
}

// FormatTimestamp renders seconds as MM:SS, truncating fractions.
func FormatTimestamp(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}
	total := int(seconds)
	return fmt.Sprintf("%02d:%02d", total/60, total%60)
}
