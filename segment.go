package dlag

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// SegmentTrials cuts each trial into fixed-length sub-trials of segLength
// timesteps to bound per-iteration inference cost. Segments tile the trial
// non-overlapping; a leftover tail is covered by one final window anchored at
// the trial end, so no samples are discarded. A trial shorter than segLength
// is passed through whole — a degraded but valid mode, reported through the
// returned fallback count rather than an error. segLength <= 0 disables
// segmentation entirely.
func SegmentTrials(trials []*Trial, segLength int) (segments []*Trial, fallbacks int) {
	if segLength <= 0 {
		return trials, 0
	}
	for _, tr := range trials {
		if tr.T < segLength {
			segments = append(segments, tr)
			fallbacks++
			continue
		}
		q, _ := tr.Y.Dims()
		n := 0
		for start := 0; start+segLength <= tr.T; start += segLength {
			segments = append(segments, sliceTrial(tr, start, segLength, q, n))
			n++
		}
		if tr.T%segLength != 0 {
			segments = append(segments, sliceTrial(tr, tr.T-segLength, segLength, q, n))
		}
	}
	return segments, fallbacks
}

func sliceTrial(tr *Trial, start, length, q, n int) *Trial {
	return &Trial{
		ID: fmt.Sprintf("%s/seg%d", tr.ID, n),
		T:  length,
		Y:  mat.DenseCopyOf(tr.Y.Slice(0, q, start, start+length)),
	}
}
