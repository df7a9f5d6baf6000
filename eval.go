package dlag

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// PairwiseResult reports how well one group's activity is predicted from
// another group's inferred across-group latent trajectory, through the
// model's own loading blocks. The orthonormalized variants go through the
// SVD-orthonormalized target loading; with all modes retained they agree with
// the raw ones up to floating point, which makes the pair a useful
// cross-check on the factorization.
type PairwiseResult struct {
	Source, Target int
	MSE, R2        float64
	MSEOrth        float64
	R2Orth         float64
}

// EvalMetrics is the post-fit metric bundle for a set of held-out trials.
type EvalMetrics struct {
	// Variance-weighted R-squared of the full-model reconstruction over all
	// features; the scalar summary used for held-out model comparison
	R2 float64
	// Same, restricted to each group's own features and latent contributions
	GroupR2 []float64
	// Pairwise regression for every ordered group pair
	Pairwise []PairwiseResult
	// Total held-out log-likelihood
	LogLik float64
}

// VarianceWeightedR2 computes per-feature R-squared between true and
// predicted observations (features in rows, samples in columns) and averages
// it weighted by each feature's observed variance. Features with zero
// variance get zero weight rather than producing a division failure. The
// result lies in (-inf, 1], with 1 only for a perfect reconstruction.
func VarianceWeightedR2(y, yHat mat.Matrix) float64 {
	q, n := y.Dims()
	num, den := 0.0, 0.0
	row := make([]float64, n)
	for r := 0; r < q; r++ {
		mat.Row(row, r, y)
		mean := stat.Mean(row, nil)
		ssTot, ssRes := 0.0, 0.0
		for t := 0; t < n; t++ {
			d := row[t] - mean
			ssTot += d * d
			e := row[t] - yHat.At(r, t)
			ssRes += e * e
		}
		if ssTot == 0 {
			continue // zero-weight, not a division failure
		}
		w := ssTot / float64(n)
		num += w * (1 - ssRes/ssTot)
		den += w
	}
	if den == 0 {
		return 0
	}
	return num / den
}

// Reconstruct maps a trial's posterior latent mean back into observation
// space for one group, restricted to that group's latent contributions:
// yHat_g = C_g x_g + d_g.
func Reconstruct(params *ModelParameters, layout *GroupLayout, post *Posterior, group int) *mat.Dense {
	qg := layout.YDims[group]
	x0 := layout.XOffset(group)
	y0 := layout.YOffset(group)
	out := mat.NewDense(qg, post.T, nil)
	for t := 0; t < post.T; t++ {
		for r := 0; r < qg; r++ {
			v := params.Offsets[y0+r]
			for j := 0; j < layout.XDimAcross; j++ {
				v += params.CAcross[group].At(r, j) * post.Mean.At(x0+j, t)
			}
			for k := 0; k < layout.XDimWithin[group]; k++ {
				v += params.CWithin[group].At(r, k) * post.Mean.At(x0+layout.XDimAcross+k, t)
			}
			out.Set(r, t, v)
		}
	}
	return out
}

// sourceOnlyInferrer builds an Inferrer that conditions only on the source
// group's observations: other groups' rows carry zero precision, so their
// latent copies are estimated purely through the shared GP prior. This is the
// conditioning step of the pairwise prediction.
func sourceOnlyInferrer(params *ModelParameters, layout *GroupLayout, binWidth float64, source int) (*Inferrer, error) {
	inf, err := NewInferrer(params, layout, binWidth)
	if err != nil {
		return nil, err
	}
	y0 := layout.YOffset(source)
	for r := range inf.rInv {
		if r < y0 || r >= y0+layout.YDims[source] {
			inf.rInv[r] = 0
		}
	}
	// Rebuild the observation information term with the masked precision
	m := layout.StateDim()
	q := layout.TotalYDim()
	for i := 0; i < m; i++ {
		for j := i; j < m; j++ {
			s := 0.0
			for r := 0; r < q; r++ {
				s += inf.stackedC.At(r, i) * inf.rInv[r] * inf.stackedC.At(r, j)
			}
			inf.ctRinvC.SetSym(i, j, s)
		}
	}
	return inf, nil
}

// PairwiseRegression predicts the target group's observed features from the
// source group's inferred across-group latent trajectory, via the model's own
// target loading sub-block, and reports MSE and variance-weighted R-squared
// in raw and orthonormalized-loading form.
func PairwiseRegression(params *ModelParameters, layout *GroupLayout, binWidth float64,
	trials []*Trial, source, target int) (*PairwiseResult, error) {

	if source == target || source < 0 || target < 0 ||
		source >= layout.NumGroups || target >= layout.NumGroups {
		return nil, fmt.Errorf("%w: invalid group pair (%d, %d)", ErrConfiguration, source, target)
	}
	if layout.XDimAcross == 0 {
		return nil, fmt.Errorf("%w: pairwise regression needs across-group latents", ErrConfiguration)
	}
	if len(trials) == 0 {
		return nil, fmt.Errorf("%w: no trials to evaluate", ErrConfiguration)
	}

	inf, err := sourceOnlyInferrer(params, layout, binWidth, source)
	if err != nil {
		return nil, err
	}

	// Orthonormalized target loading: CAcross[target] = U S V'
	var svd mat.SVD
	if !svd.Factorize(params.CAcross[target], mat.SVDThin) {
		return nil, fmt.Errorf("%w: SVD of target loading failed", ErrNumericalInstability)
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	sv := svd.Values(nil)
	pOrth := len(sv) // min(yDims[target], xDimAcross) orthonormal modes

	qg := layout.YDims[target]
	y0 := layout.YOffset(target)
	xt := layout.XOffset(target)
	pa := layout.XDimAcross

	nTot := 0
	for _, tr := range trials {
		nTot += tr.T
	}
	yTrue := mat.NewDense(qg, nTot, nil)
	yHat := mat.NewDense(qg, nTot, nil)
	yHatOrth := mat.NewDense(qg, nTot, nil)

	col := 0
	xa := make([]float64, pa)
	orth := make([]float64, pOrth)
	for _, tr := range trials {
		post, err := inf.Infer(tr, false)
		if err != nil {
			return nil, err
		}
		for t := 0; t < tr.T; t++ {
			for j := 0; j < pa; j++ {
				xa[j] = post.Mean.At(xt+j, t)
			}
			// orthonormalized latents S V' x
			for j := 0; j < pOrth; j++ {
				s := 0.0
				for k := 0; k < pa; k++ {
					s += v.At(k, j) * xa[k]
				}
				orth[j] = sv[j] * s
			}
			for r := 0; r < qg; r++ {
				pred, predOrth := params.Offsets[y0+r], params.Offsets[y0+r]
				for j := 0; j < pa; j++ {
					pred += params.CAcross[target].At(r, j) * xa[j]
				}
				for j := 0; j < pOrth; j++ {
					predOrth += u.At(r, j) * orth[j]
				}
				yTrue.Set(r, col, tr.Y.At(y0+r, t))
				yHat.Set(r, col, pred)
				yHatOrth.Set(r, col, predOrth)
			}
			col++
		}
	}

	return &PairwiseResult{
		Source:  source,
		Target:  target,
		MSE:     meanSquaredError(yTrue, yHat),
		R2:      VarianceWeightedR2(yTrue, yHat),
		MSEOrth: meanSquaredError(yTrue, yHatOrth),
		R2Orth:  VarianceWeightedR2(yTrue, yHatOrth),
	}, nil
}

func meanSquaredError(y, yHat mat.Matrix) float64 {
	q, n := y.Dims()
	s := 0.0
	for r := 0; r < q; r++ {
		for t := 0; t < n; t++ {
			d := y.At(r, t) - yHat.At(r, t)
			s += d * d
		}
	}
	return s / float64(q*n)
}

// EvaluateModel runs the full post-fit metric suite on held-out trials:
// full-model reconstruction R-squared (overall and per group), held-out
// log-likelihood, and pairwise regression for every ordered group pair.
func EvaluateModel(params *ModelParameters, layout *GroupLayout, binWidth float64, trials []*Trial) (*EvalMetrics, error) {
	if len(trials) == 0 {
		return nil, fmt.Errorf("%w: no trials to evaluate", ErrConfiguration)
	}
	inf, err := NewInferrer(params, layout, binWidth)
	if err != nil {
		return nil, err
	}

	nTot := 0
	for _, tr := range trials {
		nTot += tr.T
	}
	q := layout.TotalYDim()
	yTrue := mat.NewDense(q, nTot, nil)
	yHat := mat.NewDense(q, nTot, nil)

	metrics := &EvalMetrics{GroupR2: make([]float64, layout.NumGroups)}
	col := 0
	for _, tr := range trials {
		post, err := inf.Infer(tr, true)
		if err != nil {
			return nil, err
		}
		metrics.LogLik += post.LogLik
		for g := 0; g < layout.NumGroups; g++ {
			rec := Reconstruct(params, layout, post, g)
			y0 := layout.YOffset(g)
			for r := 0; r < layout.YDims[g]; r++ {
				for t := 0; t < tr.T; t++ {
					yTrue.Set(y0+r, col+t, tr.Y.At(y0+r, t))
					yHat.Set(y0+r, col+t, rec.At(r, t))
				}
			}
		}
		col += tr.T
	}

	metrics.R2 = VarianceWeightedR2(yTrue, yHat)
	for g := 0; g < layout.NumGroups; g++ {
		y0 := layout.YOffset(g)
		qg := layout.YDims[g]
		metrics.GroupR2[g] = VarianceWeightedR2(
			yTrue.Slice(y0, y0+qg, 0, nTot),
			yHat.Slice(y0, y0+qg, 0, nTot),
		)
	}

	if layout.XDimAcross > 0 {
		for s := 0; s < layout.NumGroups; s++ {
			for t := 0; t < layout.NumGroups; t++ {
				if s == t {
					continue
				}
				pr, err := PairwiseRegression(params, layout, binWidth, trials, s, t)
				if err != nil {
					return nil, err
				}
				metrics.Pairwise = append(metrics.Pairwise, *pr)
			}
		}
	}
	if math.IsNaN(metrics.R2) {
		return nil, fmt.Errorf("%w: evaluation produced non-finite metrics", ErrNumericalInstability)
	}
	return metrics, nil
}
