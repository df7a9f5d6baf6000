package dlag

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"
)

// hyperObjective is the negated expected complete-data log-likelihood of one
// pooled latent as a function of its kernel hyperparameters, up to additive
// constants:
//
//	F(theta) = sum_T [ N_T log|K_T(theta)| + tr(K_T(theta)^-1 S_T) ]
//
// with S_T the summed posterior second-moment block over trials of length T.
// Parameters are packed as [log tau] for a within latent and
// [log tau, D_1..D_{M-1}] for an across latent (reference group delay pinned
// at zero). The gradient is analytic:
//
//	dF/dtheta = sum_T tr( (N_T K^-1 - K^-1 S K^-1) dK/dtheta )
type hyperObjective struct {
	latent   int
	eps      float64
	binWidth float64
	// delays fixed at zero-length for within latents; across latents carry
	// one optimized delay per non-reference group
	numGroups int
	across    bool
	learnD    bool
	// current delays, used unchanged when delays are not being learned
	fixedDelays []float64
	// per trial length: summed second moments and trial counts
	stats map[int]*latentStats
}

func (h *hyperObjective) dim() int {
	if h.across && h.learnD && h.numGroups > 1 {
		return h.numGroups
	}
	return 1
}

// unpack maps the optimization vector to (tau, per-group delays).
func (h *hyperObjective) unpack(x []float64) (float64, []float64) {
	tau := math.Exp(x[0])
	var delays []float64
	if h.across {
		delays = make([]float64, h.numGroups)
		if h.learnD && len(x) > 1 {
			copy(delays[1:], x[1:])
		} else {
			copy(delays, h.fixedDelays)
		}
	}
	return tau, delays
}

// trialLengths returns the stats keys in ascending order; summing in a fixed
// order keeps repeated runs with the same seed bitwise identical.
func (h *hyperObjective) trialLengths() []int {
	ts := make([]int, 0, len(h.stats))
	for T := range h.stats {
		ts = append(ts, T)
	}
	sort.Ints(ts)
	return ts
}

func (h *hyperObjective) Func(x []float64) float64 {
	tau, delays := h.unpack(x)
	f := 0.0
	for _, T := range h.trialLengths() {
		ls := h.stats[T]
		pts := h.points(T, delays)
		K := kernelMatrix(pts, tau, h.eps)
		var chol mat.Cholesky
		if !chol.Factorize(K) {
			return math.Inf(1)
		}
		S := ls.S[h.latent]
		n := len(pts)
		// tr(K^-1 S) via the Cholesky solve of each column
		var kinvS mat.Dense
		if err := chol.SolveTo(&kinvS, S); err != nil {
			return math.Inf(1)
		}
		tr := 0.0
		for i := 0; i < n; i++ {
			tr += kinvS.At(i, i)
		}
		f += float64(ls.count)*chol.LogDet() + tr
	}
	return f
}

func (h *hyperObjective) Grad(grad, x []float64) {
	tau, delays := h.unpack(x)
	for i := range grad {
		grad[i] = 0
	}
	for _, T := range h.trialLengths() {
		ls := h.stats[T]
		pts := h.points(T, delays)
		K := kernelMatrix(pts, tau, h.eps)
		var chol mat.Cholesky
		if !chol.Factorize(K) {
			return
		}
		n := len(pts)
		kInv := mat.NewSymDense(n, nil)
		if chol.InverseTo(kInv) != nil {
			return
		}
		// W = N_T K^-1 - K^-1 S K^-1
		var tmp, kSk mat.Dense
		tmp.Mul(kInv, ls.S[h.latent])
		kSk.Mul(&tmp, kInv)
		w := mat.NewDense(n, n, nil)
		for i := 0; i < n; i++ {
			for j := 0; j < n; j++ {
				w.Set(i, j, float64(ls.count)*kInv.At(i, j)-kSk.At(i, j))
			}
		}

		gTau := kernelGradTau(pts, tau, h.eps)
		grad[0] += traceProduct(w, gTau)
		if h.across && h.learnD {
			for g := 1; g < h.numGroups; g++ {
				gD := kernelGradDelay(pts, tau, h.eps, T, h.numGroups, g)
				grad[g] += traceProduct(w, gD)
			}
		}
	}
}

func (h *hyperObjective) points(T int, delays []float64) []float64 {
	times := timeGrid(T, h.binWidth)
	if !h.across {
		return times
	}
	return latentPoints(times, delays)
}

// traceProduct computes tr(W G) for symmetric G.
func traceProduct(w *mat.Dense, g *mat.SymDense) float64 {
	n, _ := w.Dims()
	s := 0.0
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			s += w.At(i, j) * g.At(j, i)
		}
	}
	return s
}

// updateHypers runs one coordinate-ascent pass over the GP hyperparameters:
// each latent's timescale (and, for across-group latents with learnDelays,
// its non-reference delays) is optimized independently by LBFGS while all
// other parameters stay fixed. Latents are independent, so the pass is
// parallelized the same way as the E-step.
func updateHypers(params *ModelParameters, layout *GroupLayout, stats *suffStats,
	binWidth float64, learnDelays bool, degree int) error {

	nLat := layout.NumTau()
	errs := make([]error, nLat)
	ParallelFor(nLat, degree, func(l int) {
		errs[l] = updateOneLatent(params, layout, stats, binWidth, learnDelays, l)
	})
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func updateOneLatent(params *ModelParameters, layout *GroupLayout, stats *suffStats,
	binWidth float64, learnDelays bool, l int) error {

	obj := &hyperObjective{
		latent:    l,
		eps:       params.Eps[l],
		binWidth:  binWidth,
		numGroups: layout.NumGroups,
		across:    l < layout.XDimAcross,
		learnD:    learnDelays,
		stats:     stats.latent,
	}
	if obj.across {
		obj.fixedDelays = delayRow(params.Delays, layout.NumGroups, l)
	}

	x0 := make([]float64, obj.dim())
	x0[0] = math.Log(params.Tau[l])
	if obj.across && obj.learnD && layout.NumGroups > 1 {
		for g := 1; g < layout.NumGroups; g++ {
			x0[g] = params.Delays.At(g, l)
		}
	}
	f0 := obj.Func(x0)
	if math.IsInf(f0, 1) {
		return fmt.Errorf("%w: latent %d kernel is not positive-definite at current hyperparameters (tau=%g)",
			ErrNumericalInstability, l, params.Tau[l])
	}

	problem := optimize.Problem{Func: obj.Func, Grad: obj.Grad}
	settings := &optimize.Settings{MajorIterations: 50}
	result, err := optimize.Minimize(problem, x0, settings, &optimize.LBFGS{})
	if err != nil && result == nil {
		// Optimizer never produced a candidate; keep the previous value
		return nil
	}
	for _, v := range result.X {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: latent %d hyperparameter update produced a non-finite value",
				ErrNumericalInstability, l)
		}
	}
	// Accept only an improvement; LBFGS line-search failures still report the
	// best point found, which may be the starting point itself
	if result.F <= f0 {
		params.Tau[l] = math.Exp(result.X[0])
		if obj.across && obj.learnD && layout.NumGroups > 1 {
			for g := 1; g < layout.NumGroups; g++ {
				params.Delays.Set(g, l, result.X[g])
			}
		}
	}
	return nil
}
