package transcription

import (
	"github.com/kbukum/minutes/util"
)

// SegmentConfidence derives a confidence in [0,1]: the mean word
// probability when words carry one, else a backend-native confidence, else
// sigmoid(avg_logprob + 3). It also returns the word mean and the source.
func SegmentConfidence(seg RawSegment) (confidence float64, wordMean *float64, source string) {
	if len(seg.Words) > 0 {
		probs := make([]float64, len(seg.Words))
		for i, w := range seg.Words {
			probs[i] = w.Probability
		}
		m := util.Mean(probs)
		return util.Clamp(m, 0, 1), &m, ConfidenceWordProbability
	}
	if seg.Confidence != nil {
		return util.Clamp(*seg.Confidence, 0, 1), nil, ConfidenceProvider
	}
	if seg.AvgLogProb != nil {
		return util.Sigmoid(*seg.AvgLogProb + 3), nil, ConfidenceAvgLogProb
	}
	return 0, nil, ConfidenceNone
}

// summarizeSources reduces per-segment sources to one audit value.
func summarizeSources(sources map[string]int) string {
	switch len(sources) {
	case 0:
		return ConfidenceNone
	case 1:
		for s := range sources {
			return s
		}
	}
	return ConfidenceMixed
}
