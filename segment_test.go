package dlag

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func rampTrial(id string, q, T int) *Trial {
	Y := mat.NewDense(q, T, nil)
	for i := 0; i < q; i++ {
		for t := 0; t < T; t++ {
			Y.Set(i, t, float64(i*1000+t))
		}
	}
	return &Trial{ID: id, T: T, Y: Y}
}

func TestSegmentTrialsTilesAndCoversTail(t *testing.T) {
	tr := rampTrial("a", 3, 50)
	segs, fallbacks := SegmentTrials([]*Trial{tr}, 20)
	require.Equal(t, 0, fallbacks)
	require.Len(t, segs, 3)

	starts := []int{0, 20, 30}
	for k, seg := range segs {
		assert.Equal(t, 20, seg.T)
		for i := 0; i < 3; i++ {
			for u := 0; u < 20; u++ {
				assert.Equal(t, tr.Y.At(i, starts[k]+u), seg.Y.At(i, u))
			}
		}
	}
}

func TestSegmentTrialsShortTrialFallsBackWhole(t *testing.T) {
	tr := rampTrial("short", 2, 10)
	segs, fallbacks := SegmentTrials([]*Trial{tr}, 25)
	require.Equal(t, 1, fallbacks)
	require.Len(t, segs, 1)
	assert.Same(t, tr, segs[0])
}

func TestSegmentTrialsDisabled(t *testing.T) {
	trials := []*Trial{rampTrial("a", 2, 30), rampTrial("b", 2, 40)}
	segs, fallbacks := SegmentTrials(trials, 0)
	assert.Equal(t, 0, fallbacks)
	assert.Equal(t, trials, segs)
}
