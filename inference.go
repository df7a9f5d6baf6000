package dlag

import (
	"fmt"
	"math"
	"sync"

	"gonum.org/v1/gonum/mat"
)

// Inferrer performs exact posterior inference over latent trajectories for a
// fixed set of model parameters. It is safe for concurrent use once built:
// per-trial-length prior workspaces are constructed lazily under a lock and
// read-only afterwards, so the E-step can fan trials out over a worker pool.
type Inferrer struct {
	params   *ModelParameters
	layout   *GroupLayout
	binWidth float64

	mu  sync.Mutex
	wss map[int]*priorWorkspace

	// C-dependent quantities shared by every trial
	stackedC *mat.Dense
	ctRinvC  *mat.SymDense
	rInv     []float64
	logDetR  float64
}

// priorWorkspace caches everything that depends only on the parameters and a
// trial length T: the per-latent inverse prior kernels, their log-determinant,
// and the scatter indices mapping each latent's block into the time-major
// joint state vector.
type priorWorkspace struct {
	T       int
	kInv    []*mat.SymDense
	logDetK float64
	// idx[l][a] is the joint-state row of element a of latent l's block
	idx [][]int
}

// NewInferrer validates the parameter/layout pairing and precomputes the
// observation-side quantities. Column-count disagreement between params and
// layout fails here, before any trial is touched.
func NewInferrer(params *ModelParameters, layout *GroupLayout, binWidth float64) (*Inferrer, error) {
	if err := layout.Validate(); err != nil {
		return nil, err
	}
	if err := params.checkDims(layout); err != nil {
		return nil, err
	}
	if binWidth <= 0 {
		return nil, fmt.Errorf("%w: binWidth must be > 0, got %g", ErrConfiguration, binWidth)
	}

	inf := &Inferrer{
		params:   params,
		layout:   layout,
		binWidth: binWidth,
		wss:      make(map[int]*priorWorkspace),
		stackedC: params.StackedC(layout),
		rInv:     make([]float64, layout.TotalYDim()),
	}
	for i, r := range params.R {
		if r <= 0 {
			return nil, fmt.Errorf("%w: noise variance R[%d] = %g is not positive", ErrNumericalInstability, i, r)
		}
		inf.rInv[i] = 1 / r
		inf.logDetR += math.Log(r)
	}

	// CtRinvC is block diagonal by group; computed dense once, reused per timestep
	m := layout.StateDim()
	q := layout.TotalYDim()
	a := mat.NewSymDense(m, nil)
	for i := 0; i < m; i++ {
		for j := i; j < m; j++ {
			s := 0.0
			for r := 0; r < q; r++ {
				s += inf.stackedC.At(r, i) * inf.rInv[r] * inf.stackedC.At(r, j)
			}
			a.SetSym(i, j, s)
		}
	}
	inf.ctRinvC = a
	return inf, nil
}

// workspace returns the prior workspace for trial length T, building it on
// first use.
func (inf *Inferrer) workspace(T int) (*priorWorkspace, error) {
	inf.mu.Lock()
	defer inf.mu.Unlock()
	if ws, ok := inf.wss[T]; ok {
		return ws, nil
	}

	layout := inf.layout
	p := inf.params
	times := timeGrid(T, inf.binWidth)
	m := layout.StateDim()

	ws := &priorWorkspace{T: T}
	for l := 0; l < layout.NumTau(); l++ {
		var pts []float64
		var idx []int
		if l < layout.XDimAcross {
			// across latent l: one delayed copy per group
			pts = latentPoints(times, delayRow(p.Delays, layout.NumGroups, l))
			idx = make([]int, 0, layout.NumGroups*T)
			for g := 0; g < layout.NumGroups; g++ {
				off := layout.XOffset(g) + l
				for t := 0; t < T; t++ {
					idx = append(idx, t*m+off)
				}
			}
		} else {
			// within latent: find its (group, index) position
			g, k := 0, l-layout.XDimAcross
			for k >= layout.XDimWithin[g] {
				k -= layout.XDimWithin[g]
				g++
			}
			pts = latentPoints(times, nil)
			idx = make([]int, T)
			off := layout.XOffset(g) + layout.XDimAcross + k
			for t := 0; t < T; t++ {
				idx[t] = t*m + off
			}
		}

		K := kernelMatrix(pts, p.Tau[l], p.Eps[l])
		var chol mat.Cholesky
		if !chol.Factorize(K) {
			return nil, fmt.Errorf("%w: prior kernel for latent %d (tau=%g) is not positive-definite",
				ErrNumericalInstability, l, p.Tau[l])
		}
		kInv := mat.NewSymDense(len(pts), nil)
		if err := chol.InverseTo(kInv); err != nil {
			return nil, fmt.Errorf("%w: prior kernel inverse for latent %d: %v", ErrNumericalInstability, l, err)
		}
		ws.kInv = append(ws.kInv, kInv)
		ws.logDetK += chol.LogDet()
		ws.idx = append(ws.idx, idx)
	}
	inf.wss[T] = ws
	return ws, nil
}

// Infer computes the posterior mean and covariance of the latent trajectory
// for one trial, and its marginal data log-likelihood when requested.
//
// The joint covariance over all latents at all timesteps is never formed
// directly in observation space. Instead the posterior precision
// P = Kinv + I_T (x) C' Rinv C is assembled from the independent per-latent
// kernel inverses plus the block-diagonal observation term, and the marginal
// log-likelihood follows from the determinant lemma
// log|C K C' + R| = log|K| + log|R| + log|P| together with the Woodbury
// quadratic form, so the cost is governed by the latent dimension, not by the
// observation dimension.
func (inf *Inferrer) Infer(trial *Trial, wantLogLik bool) (*Posterior, error) {
	layout := inf.layout
	q := layout.TotalYDim()
	rows, cols := trial.Y.Dims()
	if rows != q || cols != trial.T {
		return nil, fmt.Errorf("%w: trial %s observations are %dx%d, want %dx%d",
			ErrConfiguration, trial.ID, rows, cols, q, trial.T)
	}
	ws, err := inf.workspace(trial.T)
	if err != nil {
		return nil, fmt.Errorf("trial %s: %w", trial.ID, err)
	}

	m := layout.StateDim()
	T := trial.T
	n := m * T

	// Posterior precision P = Kinv + I_T (x) C' Rinv C
	P := mat.NewSymDense(n, nil)
	for l, kInv := range ws.kInv {
		idx := ws.idx[l]
		for a := 0; a < len(idx); a++ {
			for b := a; b < len(idx); b++ {
				ia, ib := idx[a], idx[b]
				if ia <= ib {
					P.SetSym(ia, ib, P.At(ia, ib)+kInv.At(a, b))
				} else {
					P.SetSym(ib, ia, P.At(ib, ia)+kInv.At(a, b))
				}
			}
		}
	}
	for t := 0; t < T; t++ {
		o := t * m
		for i := 0; i < m; i++ {
			for j := i; j < m; j++ {
				P.SetSym(o+i, o+j, P.At(o+i, o+j)+inf.ctRinvC.At(i, j))
			}
		}
	}

	var chol mat.Cholesky
	if !chol.Factorize(P) {
		return nil, fmt.Errorf("%w: trial %s posterior precision is not positive-definite",
			ErrNumericalInstability, trial.ID)
	}

	// v = Cbar' Rbarinv (y - d), and the data-side quadratic term
	v := mat.NewVecDense(n, nil)
	quadData := 0.0
	resid := make([]float64, q)
	for t := 0; t < T; t++ {
		for r := 0; r < q; r++ {
			resid[r] = trial.Y.At(r, t) - inf.params.Offsets[r]
			quadData += resid[r] * resid[r] * inf.rInv[r]
		}
		o := t * m
		for i := 0; i < m; i++ {
			s := 0.0
			for r := 0; r < q; r++ {
				s += inf.stackedC.At(r, i) * inf.rInv[r] * resid[r]
			}
			v.SetVec(o+i, s)
		}
	}

	mu := mat.NewVecDense(n, nil)
	if err := chol.SolveVecTo(mu, v); err != nil {
		return nil, fmt.Errorf("%w: trial %s posterior solve: %v", ErrNumericalInstability, trial.ID, err)
	}
	cov := mat.NewSymDense(n, nil)
	if err := chol.InverseTo(cov); err != nil {
		return nil, fmt.Errorf("%w: trial %s posterior inverse: %v", ErrNumericalInstability, trial.ID, err)
	}

	mean := mat.NewDense(m, T, nil)
	for t := 0; t < T; t++ {
		for i := 0; i < m; i++ {
			mean.Set(i, t, mu.AtVec(t*m+i))
		}
	}

	post := &Posterior{TrialID: trial.ID, T: T, Mean: mean, Cov: cov}
	if wantLogLik {
		logDetY := ws.logDetK + float64(T)*inf.logDetR + chol.LogDet()
		quad := quadData - mat.Dot(v, mu)
		post.LogLik = -0.5 * (float64(q*T)*math.Log(2*math.Pi) + logDetY + quad)
		if math.IsNaN(post.LogLik) || math.IsInf(post.LogLik, 0) {
			return nil, fmt.Errorf("%w: trial %s log-likelihood is not finite", ErrNumericalInstability, trial.ID)
		}
	}
	return post, nil
}

// latentSecondMoments extracts, for each pooled latent, the posterior second
// moment E[x_l x_l'] over that latent's block (its M*T delayed copies for an
// across latent, T samples for a within latent). These are the sufficient
// statistics for the timescale and delay updates.
func (inf *Inferrer) latentSecondMoments(post *Posterior) ([]*mat.SymDense, error) {
	ws, err := inf.workspace(post.T)
	if err != nil {
		return nil, err
	}
	m := inf.layout.StateDim()
	out := make([]*mat.SymDense, len(ws.idx))
	for l, idx := range ws.idx {
		S := mat.NewSymDense(len(idx), nil)
		for a := 0; a < len(idx); a++ {
			muA := post.Mean.At(idx[a]%m, idx[a]/m)
			for b := a; b < len(idx); b++ {
				muB := post.Mean.At(idx[b]%m, idx[b]/m)
				S.SetSym(a, b, post.Cov.At(idx[a], idx[b])+muA*muB)
			}
		}
		out[l] = S
	}
	return out, nil
}
