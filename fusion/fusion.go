package fusion

import (
	"cmp"
	"slices"
	"strings"

	"github.com/kbukum/minutes/audit"
	"github.com/kbukum/minutes/diarization"
	"github.com/kbukum/minutes/transcription"
	"github.com/kbukum/minutes/util"
	"github.com/kbukum/minutes/validation"
)

// Options configures Fuse.
type Options struct {
	FileID        string `json:"file_id"`
	NormalizedWAV string `json:"normalized_wav"`
	// ParticipantsRequired makes an empty roster an input error.
	ParticipantsRequired bool `json:"participants_required"`
}

// Validate checks the roster against the options.
func (o Options) Validate(participants []Participant) error {
	v := validation.New().
		Custom(!o.ParticipantsRequired || len(participants) > 0, "participants", "at least one participant is required")
	for _, p := range participants {
		if err := validation.Validate(p); err != nil {
			v.AddError("participants", err.Error())
		}
	}
	return v.Err()
}

// Fuse combines asr and diar and binds speakers to participants. It is a
// pure function of its inputs. A nil diar is treated as no speaker turns.
func Fuse(asr *transcription.Result, diar *diarization.Result, participants []Participant, opts Options) *Document {
	var asrSegs []transcription.Segment
	if asr != nil {
		asrSegs = slices.Clone(asr.Segments)
	}
	slices.SortStableFunc(asrSegs, func(a, b transcription.Segment) int {
		if c := cmp.Compare(a.Start, b.Start); c != 0 {
			return c
		}
		return cmp.Compare(a.End, b.End)
	})
	var turns []diarization.Segment
	var speakers []diarization.Speaker
	if diar != nil {
		turns = diar.Segments
		speakers = diar.Speakers
	}
	roster := slices.Clone(participants)
	slices.SortStableFunc(roster, func(a, b Participant) int { return cmp.Compare(a.Order, b.Order) })

	doc := &Document{
		FileID:        opts.FileID,
		NormalizedWAV: opts.NormalizedWAV,
		Segments:      make([]CombinedSegment, 0, len(asrSegs)),
	}

	unassigned := 0
	for _, s := range asrSegs {
		index, ratio := bestTurn(s.Start, s.End, turns)
		if ratio == 0 {
			unassigned++
		}
		doc.Segments = append(doc.Segments, CombinedSegment{
			Start:             s.Start,
			End:               max(s.End, s.Start),
			StartStr:          FormatTimestamp(s.Start),
			EndStr:            FormatTimestamp(max(s.End, s.Start)),
			Text:              s.Text,
			SpeakerIndex:      index,
			SpeakerConfidence: util.Round(ratio, 4),
			ASRConfidence:     s.Confidence,
		})
	}

	fallback := len(asrSegs) == 0 || len(speakers) == 0
	if fallback {
		b := bind(0, roster)
		if len(speakers) > 0 {
			b.FirstAppearance = speakers[0].FirstAppearance
		}
		for _, s := range doc.Segments {
			b.TotalTime += s.End - s.Start
		}
		b.TotalTime = util.Round(b.TotalTime, 3)
		doc.Speakers = []SpeakerBinding{b}
	} else {
		doc.Speakers = make([]SpeakerBinding, len(speakers))
		for i, sp := range speakers {
			b := bind(i, roster)
			b.FirstAppearance = sp.FirstAppearance
			b.TotalTime = util.Round(sp.TotalTime, 3)
			doc.Speakers[i] = b
		}
	}
	doc.SpeakersDetected = len(doc.Speakers)
	doc.Metrics = computeMetrics(asr, doc.Segments)
	doc.Summary = audit.FusionSummary{
		Method:              Method,
		OverlapThreshold:    OverlapThreshold,
		SegmentsASR:         len(asrSegs),
		SegmentsDiarization: len(turns),
		SegmentsCombined:    len(doc.Segments),
		Unassigned:          unassigned,
		Fallback:            fallback,
	}
	return doc
}

// bestTurn returns the index of the speaker whose turn covers the largest
// fraction of [start, end], and that fraction. Ties keep the earlier turn.
// Without any overlap it returns (0, 0).
func bestTurn(start, end float64, turns []diarization.Segment) (int, float64) {
	dur := end - start
	bestIdx, bestRatio := 0, 0.0
	for _, d := range turns {
		var ratio float64
		if dur <= 0 {
			// a zero-length segment belongs to the turn containing it
			if d.Start <= start && start <= d.End {
				ratio = 1
			}
		} else {
			overlap := max(0, min(end, d.End)-max(start, d.Start))
			ratio = overlap / dur
		}
		if ratio > bestRatio {
			bestIdx, bestRatio = d.Index, ratio
		}
	}
	return bestIdx, util.Clamp(bestRatio, 0, 1)
}

func bind(i int, roster []Participant) SpeakerBinding {
	b := SpeakerBinding{SpeakerIndex: i, Name: ExtraSpeakerName(i)}
	if i < len(roster) {
		p := roster[i]
		b.Participant = &p
		b.Name = p.FullName
	}
	return b
}

func computeMetrics(asr *transcription.Result, segs []CombinedSegment) Metrics {
	m := Metrics{}
	if asr != nil {
		m.Language = asr.LanguageDetected
		m.LanguageProbability = asr.LanguageProbability
	}
	if len(segs) == 0 {
		return m
	}
	var conf, diar float64
	low := 0
	for _, s := range segs {
		conf += s.ASRConfidence
		diar += s.SpeakerConfidence
		if s.ASRConfidence < LowConfidence {
			low++
		}
		m.TotalWords += len(strings.Fields(s.Text))
	}
	n := float64(len(segs))
	m.ASRAvgConfidence = util.Round(conf/n, 4)
	m.ASRLowConfidenceRatio = float64(low) / n
	m.DiarAvgConfidence = util.Round(diar/n, 4)
	return m
}
