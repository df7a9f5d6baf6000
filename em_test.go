package dlag

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func smallFitSetup(t *testing.T) ([]*Trial, *GroupLayout, Config) {
	t.Helper()
	layout := &GroupLayout{
		NumGroups:  2,
		YDims:      []int{4, 4},
		XDimAcross: 1,
		XDimWithin: []int{1, 1},
	}
	cfg := DefaultConfig()
	cfg.XDimAcross = 1
	cfg.XDimWithin = []int{1, 1}
	cfg.MaxIters = 30
	cfg.FreqLL = 1
	cfg.FreqParam = 10
	cfg.SegmentLength = 10
	cfg.Seed = 5

	truth := RandomModel(layout, 0, 0.5, 11)
	trials, _, err := SimulateTrials(truth, layout, cfg.BinWidth, 12, 20, 12)
	require.NoError(t, err)
	return trials, layout, cfg
}

func TestFitLogLikelihoodNonDecreasing(t *testing.T) {
	trials, layout, cfg := smallFitSetup(t)
	result, err := Fit(trials, nil, layout, cfg)
	require.NoError(t, err)
	require.NotEmpty(t, result.History.Records)

	for i := 1; i < len(result.History.Records); i++ {
		prev := result.History.Records[i-1].LogLik
		cur := result.History.Records[i].LogLik
		scale := math.Max(math.Abs(prev), 1)
		assert.GreaterOrEqual(t, cur, prev-1e-6*scale,
			"log-likelihood regressed between iterations %d and %d",
			result.History.Records[i-1].Iter, result.History.Records[i].Iter)
	}
	assert.Empty(t, result.History.Warnings)
}

func TestFitKeepsNoiseAboveVarianceFloor(t *testing.T) {
	trials, layout, cfg := smallFitSetup(t)
	result, err := Fit(trials, nil, layout, cfg)
	require.NoError(t, err)

	segments, _ := SegmentTrials(trials, cfg.SegmentLength)
	floors := varianceFloors(segments, layout, cfg.MinVarFrac)
	for r, v := range result.Params.R {
		assert.GreaterOrEqual(t, v, floors[r]-1e-12, "R[%d] fell below its floor", r)
	}
}

func TestFitRecordKeeping(t *testing.T) {
	trials, layout, cfg := smallFitSetup(t)
	result, err := Fit(trials, nil, layout, cfg)
	require.NoError(t, err)

	h := result.History
	assert.NotEmpty(t, result.ID)
	assert.Contains(t, []FitState{StateConverged, StateIterationLimit}, h.State)
	assert.Equal(t, h.Iters, h.Records[len(h.Records)-1].Iter)
	for i, rec := range h.Records {
		assert.Equal(t, i+1, rec.Iter)
		if i > 0 {
			assert.GreaterOrEqual(t, rec.Elapsed, h.Records[i-1].Elapsed)
		}
	}
	if h.Iters >= cfg.FreqParam {
		require.NotEmpty(t, h.Checkpoints)
		for _, cp := range h.Checkpoints {
			assert.Zero(t, cp.Iter%cfg.FreqParam)
			assert.Len(t, cp.Tau, layout.NumTau())
			require.NotNil(t, cp.Delays)
			assert.Zero(t, cp.Delays.At(0, 0))
		}
	}

	// final posteriors cover the original, unsegmented trials
	require.Len(t, result.Posteriors, len(trials))
	for i, post := range result.Posteriors {
		assert.Equal(t, trials[i].ID, post.TrialID)
		assert.Equal(t, trials[i].T, post.T)
	}
	assert.Nil(t, result.Trials)
	assert.Nil(t, result.Metrics)
}

func TestFitIncludesTrialsOnRequest(t *testing.T) {
	trials, layout, cfg := smallFitSetup(t)
	cfg.MaxIters = 2
	cfg.IncludeTrials = true
	result, err := Fit(trials, nil, layout, cfg)
	require.NoError(t, err)
	assert.Equal(t, trials, result.Trials)
}

func TestFitWarnsOnSegmentationFallback(t *testing.T) {
	trials, layout, cfg := smallFitSetup(t)
	cfg.MaxIters = 2
	cfg.SegmentLength = 25 // longer than every trial
	result, err := Fit(trials, nil, layout, cfg)
	require.NoError(t, err)
	require.NotEmpty(t, result.History.Warnings)
	assert.Contains(t, result.History.Warnings[0], "segmentation")
}

func TestFitWarmStartContinuesFromSuppliedParameters(t *testing.T) {
	trials, layout, cfg := smallFitSetup(t)
	cfg.MaxIters = 5
	first, err := Fit(trials, nil, layout, cfg)
	require.NoError(t, err)
	firstLL := first.History.LastLogLik()

	cfg.InitMethod = InitWarmStart
	cfg.WarmStart = first.Params
	cfg.MaxIters = 5
	second, err := Fit(trials, nil, layout, cfg)
	require.NoError(t, err)

	scale := math.Max(math.Abs(firstLL), 1)
	assert.GreaterOrEqual(t, second.History.Records[0].LogLik, firstLL-1e-6*scale,
		"continued run must start at least as well as the first run ended")
}

func TestFitDeterministicAcrossRuns(t *testing.T) {
	trials, layout, cfg := smallFitSetup(t)
	cfg.MaxIters = 5

	a, err := Fit(trials, nil, layout, cfg)
	require.NoError(t, err)
	b, err := Fit(trials, nil, layout, cfg)
	require.NoError(t, err)

	// same data, config and seed: bitwise-identical parameters and history
	requireParamsEqual(t, a.Params, b.Params)
	require.Len(t, b.History.Records, len(a.History.Records))
	for i := range a.History.Records {
		assert.Equal(t, a.History.Records[i].LogLik, b.History.Records[i].LogLik, "iteration %d", i+1)
	}
}

func TestFitRejectsBadInput(t *testing.T) {
	trials, layout, cfg := smallFitSetup(t)

	_, err := Fit(nil, nil, layout, cfg)
	require.ErrorIs(t, err, ErrConfiguration)

	bad := cfg
	bad.XDimAcross = 3
	_, err = Fit(trials, nil, layout, bad)
	require.ErrorIs(t, err, ErrConfiguration)

	wrong := rampTrial("wrong", layout.TotalYDim()-1, 20)
	_, err = Fit([]*Trial{wrong}, nil, layout, cfg)
	require.ErrorIs(t, err, ErrConfiguration)
}

// Recovery of a known ground truth: the fitted model must explain held-out
// trials generated from that truth through the shared latents.
func TestFitRecoversGroundTruthEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("end-to-end recovery fit is slow")
	}
	layout := &GroupLayout{
		NumGroups:  2,
		YDims:      []int{10, 10},
		XDimAcross: 2,
		XDimWithin: []int{1, 1},
	}
	cfg := DefaultConfig()
	cfg.XDimAcross = 2
	cfg.XDimWithin = []int{1, 1}
	cfg.MaxIters = 500
	cfg.SegmentLength = 25
	cfg.Seed = 42

	// zero-delay ground truth with across-dominant structure: the pairwise
	// metric predicts through the shared latents only, so the within-group
	// loadings and noise must stay small relative to the across loadings for
	// cross-group prediction to carry most of the variance
	truth := RandomModel(layout, 0, 0.05, 1)
	for g := range truth.CWithin {
		truth.CWithin[g].Scale(0.2, truth.CWithin[g])
	}
	train, _, err := SimulateTrials(truth, layout, cfg.BinWidth, 50, 25, 2)
	require.NoError(t, err)
	test, _, err := SimulateTrials(truth, layout, cfg.BinWidth, 10, 25, 3)
	require.NoError(t, err)

	// the generating parameters bound what any fit can reach on this data;
	// they must clear the target themselves
	ceiling, err := EvaluateModel(truth, layout, cfg.BinWidth, test)
	require.NoError(t, err)
	for _, pr := range ceiling.Pairwise {
		require.Greater(t, pr.R2, 0.9, "generating-parameter pairwise %d -> %d", pr.Source, pr.Target)
	}

	result, err := Fit(train, test, layout, cfg)
	require.NoError(t, err)
	require.NotNil(t, result.Metrics)

	for _, pr := range result.Metrics.Pairwise {
		assert.Greater(t, pr.R2, 0.9, "pairwise %d -> %d", pr.Source, pr.Target)
	}
	assert.Greater(t, result.Metrics.R2, 0.9)

	// learned delays should stay near the zero truth
	for g := 1; g < layout.NumGroups; g++ {
		for j := 0; j < layout.XDimAcross; j++ {
			assert.InDelta(t, 0, result.Params.Delays.At(g, j), 2.0)
		}
	}
}
