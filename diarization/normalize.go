package diarization

import (
	"cmp"
	"fmt"
	"slices"
)

// Label returns the chronological label of speaker index i.
func Label(i int) string { return fmt.Sprintf("SPEAKER_%02d", i) }

// Normalize relabels turns by first appearance, sorts them, and merges
// consecutive turns of the same speaker separated by at most gap seconds.
// Turns with End < Start are dropped. It returns the segments, the speakers
// in index order and the original-to-normalized label mapping.
func Normalize(turns []Turn, gap float64) ([]Segment, []Speaker, map[string]string) {
	valid := make([]Turn, 0, len(turns))
	for _, t := range turns {
		if t.End >= t.Start {
			valid = append(valid, t)
		}
	}
	slices.SortStableFunc(valid, func(a, b Turn) int {
		if c := cmp.Compare(a.Start, b.Start); c != 0 {
			return c
		}
		return cmp.Compare(a.End, b.End)
	})

	// valid is sorted by start, so first sight is earliest start; ties on
	// start fall back to the original label.
	first := map[string]float64{}
	var labels []string
	for _, t := range valid {
		if _, ok := first[t.Label]; !ok {
			first[t.Label] = t.Start
			labels = append(labels, t.Label)
		}
	}
	slices.SortStableFunc(labels, func(a, b string) int {
		if c := cmp.Compare(first[a], first[b]); c != 0 {
			return c
		}
		return cmp.Compare(a, b)
	})
	index := make(map[string]int, len(labels))
	mapping := make(map[string]string, len(labels))
	speakers := make([]Speaker, len(labels))
	for i, l := range labels {
		index[l] = i
		mapping[l] = Label(i)
		speakers[i] = Speaker{Index: i, Label: Label(i), OriginalLabel: l, FirstAppearance: first[l]}
	}

	segments := make([]Segment, 0, len(valid))
	for _, t := range valid {
		i := index[t.Label]
		if n := len(segments); n > 0 {
			last := &segments[n-1]
			if last.Index == i && t.Start-last.End <= gap {
				last.End = max(last.End, t.End)
				continue
			}
		}
		segments = append(segments, Segment{
			Start: t.Start, End: t.End, Label: Label(i), OriginalLabel: t.Label, Index: i,
		})
	}
	for _, s := range segments {
		speakers[s.Index].TotalTime += s.Duration()
		speakers[s.Index].Segments++
	}
	return segments, speakers, mapping
}
