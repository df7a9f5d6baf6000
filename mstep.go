package dlag

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// suffStats accumulates the per-trial posterior moments needed for the
// closed-form M-step, so parameter updates never revisit raw observations.
// Per group g the blocks follow the augmented-regressor convention
// [x_g; 1]: syx is sum_t y_g(t) [mu_g(t); 1]', sxx is
// sum_t [E[x_g x_g'](t), mu_g(t); mu_g(t)', 1], syy is the diagonal of
// sum_t y_g(t) y_g(t)'. latent[T] holds, per pooled latent, the summed
// second-moment block over trials of length T for the timescale/delay step.
type suffStats struct {
	layout *GroupLayout
	syx    []*mat.Dense
	sxx    []*mat.SymDense
	syy    []float64
	nT     int
	latent map[int]*latentStats
	logLik float64
}

type latentStats struct {
	count int
	S     []*mat.SymDense
}

func newSuffStats(layout *GroupLayout) *suffStats {
	s := &suffStats{
		layout: layout,
		syy:    make([]float64, layout.TotalYDim()),
		latent: make(map[int]*latentStats),
	}
	for g := 0; g < layout.NumGroups; g++ {
		mg := layout.GroupStateDim(g)
		s.syx = append(s.syx, mat.NewDense(layout.YDims[g], mg+1, nil))
		s.sxx = append(s.sxx, mat.NewSymDense(mg+1, nil))
	}
	return s
}

// addTrial folds one trial's posterior into the accumulators. Calls must be
// made sequentially; the E-step computes per-trial stats in parallel and then
// reduces them in trial order so the sum is deterministic.
func (s *suffStats) addTrial(trial *Trial, post *Posterior, latMoments []*mat.SymDense) {
	layout := s.layout
	m := layout.StateDim()
	for g := 0; g < layout.NumGroups; g++ {
		mg := layout.GroupStateDim(g)
		x0 := layout.XOffset(g)
		y0 := layout.YOffset(g)
		syx, sxx := s.syx[g], s.sxx[g]
		for t := 0; t < post.T; t++ {
			o := t * m
			for i := 0; i < mg; i++ {
				mui := post.Mean.At(x0+i, t)
				for j := i; j < mg; j++ {
					sxx.SetSym(i, j, sxx.At(i, j)+post.Cov.At(o+x0+i, o+x0+j)+mui*post.Mean.At(x0+j, t))
				}
				sxx.SetSym(i, mg, sxx.At(i, mg)+mui)
				for r := 0; r < layout.YDims[g]; r++ {
					syx.Set(r, i, syx.At(r, i)+trial.Y.At(y0+r, t)*mui)
				}
			}
			sxx.SetSym(mg, mg, sxx.At(mg, mg)+1)
			for r := 0; r < layout.YDims[g]; r++ {
				y := trial.Y.At(y0+r, t)
				syx.Set(r, mg, syx.At(r, mg)+y)
				s.syy[y0+r] += y * y
			}
		}
	}
	ls, ok := s.latent[post.T]
	if !ok {
		ls = &latentStats{S: make([]*mat.SymDense, len(latMoments))}
		for l, S := range latMoments {
			n, _ := S.Dims()
			ls.S[l] = mat.NewSymDense(n, nil)
		}
		s.latent[post.T] = ls
	}
	ls.count++
	for l, S := range latMoments {
		ls.S[l].AddSym(ls.S[l], S)
	}
	s.nT += post.T
	s.logLik += post.LogLik
}

// updateLoadings solves the weighted least-squares system [C_g d_g] =
// Syx_g Sxx_g^-1 per group. Solving per group keeps the loading's block
// structure exact: group rows never touch another group's latent columns.
func updateLoadings(params *ModelParameters, layout *GroupLayout, stats *suffStats) error {
	for g := 0; g < layout.NumGroups; g++ {
		mg := layout.GroupStateDim(g)
		qg := layout.YDims[g]

		// Solve Sxx X = Syx' so that [C_g d_g] = X'
		var x mat.Dense
		var chol mat.Cholesky
		if chol.Factorize(stats.sxx[g]) {
			if err := chol.SolveTo(&x, stats.syx[g].T()); err != nil {
				return fmt.Errorf("%w: loading update for group %d: %v", ErrNumericalInstability, g, err)
			}
		} else {
			// Singular moment matrix: fall back to a minimum-norm least-squares
			// solution, same discipline as the least-squares estimators elsewhere
			var svd mat.SVD
			if !svd.Factorize(stats.sxx[g], mat.SVDThin) {
				return fmt.Errorf("%w: loading update for group %d: moment matrix is singular", ErrNumericalInstability, g)
			}
			rank := svd.Rank(1e-12)
			if rank == 0 {
				return fmt.Errorf("%w: loading update for group %d: moment matrix is zero", ErrDegenerateInput, g)
			}
			svd.SolveTo(&x, stats.syx[g].T(), rank)
		}

		y0 := layout.YOffset(g)
		for r := 0; r < qg; r++ {
			for j := 0; j < layout.XDimAcross; j++ {
				params.CAcross[g].Set(r, j, x.At(j, r))
			}
			for k := 0; k < layout.XDimWithin[g]; k++ {
				params.CWithin[g].Set(r, k, x.At(layout.XDimAcross+k, r))
			}
			params.Offsets[y0+r] = x.At(mg, r)
		}
	}
	return nil
}

// updateNoise applies the residual formula for the diagonal noise variances
// and clamps each entry to its floor. The floor (minVarFrac times the
// feature's empirical variance) keeps EM away from the zero-variance
// degenerate attractor; the invariant holds after every M-step.
func updateNoise(params *ModelParameters, layout *GroupLayout, stats *suffStats, varFloor []float64) {
	for g := 0; g < layout.NumGroups; g++ {
		mg := layout.GroupStateDim(g)
		qg := layout.YDims[g]
		y0 := layout.YOffset(g)
		for r := 0; r < qg; r++ {
			// R_i = (Syy_i - [C_g d_g]_i . Syx_i) / nT
			cd := 0.0
			for j := 0; j < layout.XDimAcross; j++ {
				cd += params.CAcross[g].At(r, j) * stats.syx[g].At(r, j)
			}
			for k := 0; k < layout.XDimWithin[g]; k++ {
				cd += params.CWithin[g].At(r, k) * stats.syx[g].At(r, layout.XDimAcross+k)
			}
			cd += params.Offsets[y0+r] * stats.syx[g].At(r, mg)

			v := (stats.syy[y0+r] - cd) / float64(stats.nT)
			if v < varFloor[y0+r] {
				v = varFloor[y0+r]
			}
			params.R[y0+r] = v
		}
	}
}

// varianceFloors computes minVarFrac times each feature's empirical variance
// over the training trials (with a small absolute guard for exactly constant
// features).
func varianceFloors(trials []*Trial, layout *GroupLayout, minVarFrac float64) []float64 {
	q := layout.TotalYDim()
	sum := make([]float64, q)
	sumSq := make([]float64, q)
	n := 0
	for _, tr := range trials {
		for r := 0; r < q; r++ {
			row := tr.Y.RawRowView(r)
			sum[r] += floats.Sum(row)
			sumSq[r] += floats.Dot(row, row)
		}
		n += tr.T
	}
	floors := make([]float64, q)
	for r := 0; r < q; r++ {
		mean := sum[r] / float64(n)
		v := sumSq[r]/float64(n) - mean*mean
		floors[r] = minVarFrac * v
		if floors[r] < 1e-12 {
			floors[r] = 1e-12
		}
	}
	return floors
}
