package dlag

import (
	"fmt"
	"log"
	"math"
	"time"

	"gonum.org/v1/gonum/mat"
)

// Fit runs the full DLAG pipeline on the training trials: initialization,
// the EM loop over segmented trials, a final exact inference pass over the
// original unsegmented trials, and held-out evaluation when test trials are
// supplied. The returned FitResult is the explicit record handed to the
// persistence/orchestration layer.
//
// The E-step fans per-trial inference out over a bounded worker pool and
// reduces the sufficient statistics in trial order, so parallel and
// sequential runs produce identical sums up to floating-point associativity
// of that fixed order. The M-step is a hard synchronization barrier.
func Fit(trials, testTrials []*Trial, layout *GroupLayout, cfg Config) (*FitResult, error) {
	if err := cfg.Validate(layout); err != nil {
		return nil, err
	}
	if len(trials) == 0 {
		return nil, fmt.Errorf("%w: no training trials", ErrConfiguration)
	}
	q := layout.TotalYDim()
	for _, tr := range trials {
		rows, cols := tr.Y.Dims()
		if rows != q || cols != tr.T || tr.T <= 0 {
			return nil, fmt.Errorf("%w: trial %s observations are %dx%d with T=%d",
				ErrConfiguration, tr.ID, rows, cols, tr.T)
		}
	}

	history := &FitHistory{State: StateInitializing}
	result := newFitResult()
	result.History = history

	segments, fallbacks := SegmentTrials(trials, cfg.SegmentLength)
	if fallbacks > 0 {
		history.warnf("segmentation: %d trial(s) shorter than segmentLength=%d kept unsegmented",
			fallbacks, cfg.SegmentLength)
		log.Printf("dlag: %s", history.Warnings[len(history.Warnings)-1])
	}

	params, err := Initialize(segments, layout, cfg)
	if err != nil {
		history.State = StateFailed
		return result, err
	}
	floors := varianceFloors(segments, layout, cfg.MinVarFrac)

	var prevChecked float64
	haveChecked := false
	start := time.Now()

	for it := 1; it <= cfg.MaxIters; it++ {
		history.State = StateEStep
		stats, _, err := estep(segments, params, layout, cfg, true)
		if err != nil {
			history.State = StateFailed
			return result, fmt.Errorf("iteration %d: %w", it, err)
		}
		ll := stats.logLik
		history.Records = append(history.Records, IterRecord{Iter: it, LogLik: ll, Elapsed: time.Since(start)})
		history.Iters = it

		history.State = StateMStep
		if err := updateLoadings(params, layout, stats); err != nil {
			history.State = StateFailed
			return result, fmt.Errorf("iteration %d: %w", it, err)
		}
		updateNoise(params, layout, stats, floors)
		if err := updateHypers(params, layout, stats, cfg.BinWidth, cfg.LearnDelays, cfg.ParallelismDegree); err != nil {
			history.State = StateFailed
			return result, fmt.Errorf("iteration %d: %w", it, err)
		}

		if it%cfg.FreqParam == 0 {
			history.Checkpoints = append(history.Checkpoints, ParamCheckpoint{
				Iter:   it,
				Tau:    append([]float64(nil), params.Tau...),
				Delays: cloneDelays(params.Delays),
			})
		}

		if it%cfg.FreqLL == 0 {
			if haveChecked {
				scale := math.Abs(prevChecked)
				if scale < 1 {
					scale = 1
				}
				if ll < prevChecked-1e-6*scale {
					// EM with floored/approximate M-steps can regress by
					// numerical error; anything beyond tolerance is a bug
					// worth surfacing, not a model state
					history.warnf("log-likelihood decreased at iteration %d: %.10g -> %.10g", it, prevChecked, ll)
					log.Printf("dlag: %s", history.Warnings[len(history.Warnings)-1])
				}
				if ll-prevChecked < cfg.TolLL*scale {
					history.State = StateConverged
				}
			}
			prevChecked = ll
			haveChecked = true
			if history.State == StateConverged {
				break
			}
		}
	}
	if history.State != StateConverged {
		history.State = StateIterationLimit
	}

	// Final exact pass over the original, unsegmented trials. No segment
	// approximation here: posteriors and log-likelihood come from the full
	// covariance construction.
	_, posts, err := estep(trials, params, layout, cfg, false)
	if err != nil {
		history.State = StateFailed
		return result, fmt.Errorf("final inference pass: %w", err)
	}

	result.Params = params
	result.Posteriors = posts
	if cfg.IncludeTrials {
		result.Trials = trials
	}
	if len(testTrials) > 0 {
		metrics, err := EvaluateModel(params, layout, cfg.BinWidth, testTrials)
		if err != nil {
			history.State = StateFailed
			return result, fmt.Errorf("evaluation: %w", err)
		}
		result.Metrics = metrics
	}
	return result, nil
}

// estep runs inference over every trial on the worker pool. When forFit is
// set it also extracts and reduces the M-step sufficient statistics; the
// reduction happens sequentially in trial order after the pool drains.
func estep(trials []*Trial, params *ModelParameters, layout *GroupLayout, cfg Config, forFit bool) (*suffStats, []*Posterior, error) {
	inf, err := NewInferrer(params, layout, cfg.BinWidth)
	if err != nil {
		return nil, nil, err
	}
	// Build the per-length prior workspaces up front so workers only read
	for _, tr := range trials {
		if _, err := inf.workspace(tr.T); err != nil {
			return nil, nil, err
		}
	}

	posts := make([]*Posterior, len(trials))
	moments := make([][]*mat.SymDense, len(trials))
	errs := make([]error, len(trials))
	ParallelFor(len(trials), cfg.ParallelismDegree, func(i int) {
		post, err := inf.Infer(trials[i], true)
		if err != nil {
			errs[i] = err
			return
		}
		posts[i] = post
		if forFit {
			moments[i], errs[i] = inf.latentSecondMoments(post)
		}
	})
	for _, err := range errs {
		if err != nil {
			return nil, nil, err
		}
	}

	if !forFit {
		return nil, posts, nil
	}
	stats := newSuffStats(layout)
	for i, tr := range trials {
		stats.addTrial(tr, posts[i], moments[i])
	}
	return stats, posts, nil
}

func cloneDelays(d *mat.Dense) *mat.Dense {
	if d == nil {
		return nil
	}
	return mat.DenseCopyOf(d)
}
