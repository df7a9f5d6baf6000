package dlag

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
)

// Initialize produces the starting ModelParameters for an EM run. Factor mode
// performs a probabilistic-CCA-style decomposition of the (segmented) trials'
// pooled second moments; warm-start mode returns an untouched deep copy of the
// supplied parameters, ignoring every start* option (a configuration
// precedence rule, not an error).
func Initialize(trials []*Trial, layout *GroupLayout, cfg Config) (*ModelParameters, error) {
	if err := cfg.Validate(layout); err != nil {
		return nil, err
	}
	if cfg.InitMethod == InitWarmStart {
		if err := cfg.WarmStart.checkDims(layout); err != nil {
			return nil, err
		}
		return cfg.WarmStart.Clone(), nil
	}
	if len(trials) == 0 {
		return nil, fmt.Errorf("%w: no trials to initialize from", ErrConfiguration)
	}
	return initFactor(trials, layout, cfg)
}

// initFactor builds the starting loading, offset and noise blocks from the
// pooled mean and covariance of the training data. Across-group loadings come
// from the leading generalized eigenvectors of the per-group-whitened pooled
// covariance (classic pCCA directions for two groups); within-group loadings
// from the residual eigenstructure of each group's own covariance block.
func initFactor(trials []*Trial, layout *GroupLayout, cfg Config) (*ModelParameters, error) {
	q := layout.TotalYDim()
	rng := rand.New(rand.NewPCG(uint64(cfg.Seed), 0))

	// Pooled first and second moments over every timestep of every trial
	mean := make([]float64, q)
	n := 0
	for _, tr := range trials {
		rows, _ := tr.Y.Dims()
		if rows != q {
			return nil, fmt.Errorf("%w: trial %s has %d features, layout wants %d",
				ErrConfiguration, tr.ID, rows, q)
		}
		for t := 0; t < tr.T; t++ {
			for r := 0; r < q; r++ {
				mean[r] += tr.Y.At(r, t)
			}
		}
		n += tr.T
	}
	for r := range mean {
		mean[r] /= float64(n)
	}
	S := mat.NewSymDense(q, nil)
	for _, tr := range trials {
		for t := 0; t < tr.T; t++ {
			for i := 0; i < q; i++ {
				yi := tr.Y.At(i, t) - mean[i]
				for j := i; j < q; j++ {
					S.SetSym(i, j, S.At(i, j)+yi*(tr.Y.At(j, t)-mean[j]))
				}
			}
		}
	}
	for i := 0; i < q; i++ {
		for j := i; j < q; j++ {
			S.SetSym(i, j, S.At(i, j)/float64(n))
		}
	}

	params := &ModelParameters{
		CAcross: make([]*mat.Dense, layout.NumGroups),
		CWithin: make([]*mat.Dense, layout.NumGroups),
		Offsets: mean,
		R:       make([]float64, q),
		Tau:     make([]float64, layout.NumTau()),
		Eps:     make([]float64, layout.NumTau()),
	}
	for l := 0; l < layout.NumTau(); l++ {
		params.Tau[l] = cfg.StartTau
		params.Eps[l] = cfg.StartEps
	}

	// Per-group covariance blocks and their symmetric roots
	roots := make([]*mat.Dense, layout.NumGroups)
	invRoots := make([]*mat.Dense, layout.NumGroups)
	for g := 0; g < layout.NumGroups; g++ {
		y0 := layout.YOffset(g)
		qg := layout.YDims[g]
		Sg := mat.NewSymDense(qg, nil)
		for i := 0; i < qg; i++ {
			for j := i; j < qg; j++ {
				Sg.SetSym(i, j, S.At(y0+i, y0+j))
			}
		}
		root, invRoot, err := symRoots(Sg)
		if err != nil {
			return nil, fmt.Errorf("group %d covariance: %w", g, err)
		}
		roots[g], invRoots[g] = root, invRoot
	}

	// Across loadings from the whitened pooled covariance
	if layout.XDimAcross > 0 {
		white := mat.NewSymDense(q, nil)
		for gi := 0; gi < layout.NumGroups; gi++ {
			for gj := gi; gj < layout.NumGroups; gj++ {
				setWhitenedBlock(white, S, layout, invRoots, gi, gj)
			}
		}
		var eig mat.EigenSym
		if !eig.Factorize(white, true) {
			return nil, fmt.Errorf("%w: whitened covariance eigendecomposition failed", ErrNumericalInstability)
		}
		vals := eig.Values(nil)
		var vecs mat.Dense
		eig.VectorsTo(&vecs)

		M := float64(layout.NumGroups)
		for g := 0; g < layout.NumGroups; g++ {
			qg := layout.YDims[g]
			y0 := layout.YOffset(g)
			params.CAcross[g] = mat.NewDense(qg, layout.XDimAcross, nil)
			for j := 0; j < layout.XDimAcross; j++ {
				col := len(vals) - 1 - j // eigenvalues ascend; take the top
				if col < 0 {
					// more across latents than eigendirections: seed small
					// random loadings for the surplus columns
					for r := 0; r < qg; r++ {
						params.CAcross[g].Set(r, j, 0.1*rng.NormFloat64())
					}
					continue
				}
				// canonical-correlation scale: eigenvalues sit at
				// 1 + (M-1)*rho for perfectly shared structure
				rho := (vals[col] - 1) / math.Max(M-1, 1)
				scale := math.Sqrt(math.Max(rho, 0.01) * M)
				dir := make([]float64, qg)
				for r := 0; r < qg; r++ {
					s := 0.0
					for c := 0; c < qg; c++ {
						s += roots[g].At(r, c) * vecs.At(y0+c, col)
					}
					dir[r] = s * scale
				}
				for r := 0; r < qg; r++ {
					params.CAcross[g].Set(r, j, dir[r])
				}
			}
		}
	}

	// Within loadings from each group's residual covariance, then the noise
	// diagonal from what remains
	for g := 0; g < layout.NumGroups; g++ {
		qg := layout.YDims[g]
		y0 := layout.YOffset(g)
		res := mat.NewSymDense(qg, nil)
		for i := 0; i < qg; i++ {
			for j := i; j < qg; j++ {
				v := S.At(y0+i, y0+j)
				for a := 0; a < layout.XDimAcross; a++ {
					v -= params.CAcross[g].At(i, a) * params.CAcross[g].At(j, a)
				}
				res.SetSym(i, j, v)
			}
		}

		if layout.XDimWithin[g] > 0 {
			params.CWithin[g] = mat.NewDense(qg, layout.XDimWithin[g], nil)
			var eig mat.EigenSym
			if !eig.Factorize(res, true) {
				return nil, fmt.Errorf("%w: residual eigendecomposition failed for group %d", ErrNumericalInstability, g)
			}
			vals := eig.Values(nil)
			var vecs mat.Dense
			eig.VectorsTo(&vecs)
			for k := 0; k < layout.XDimWithin[g]; k++ {
				col := len(vals) - 1 - k
				if col < 0 {
					for r := 0; r < qg; r++ {
						params.CWithin[g].Set(r, k, 0.1*rng.NormFloat64())
					}
					continue
				}
				scale := math.Sqrt(math.Max(vals[col], 1e-3))
				for r := 0; r < qg; r++ {
					params.CWithin[g].Set(r, k, vecs.At(r, col)*scale)
				}
			}
		}

		for r := 0; r < qg; r++ {
			v := res.At(r, r)
			for k := 0; k < layout.XDimWithin[g]; k++ {
				v -= params.CWithin[g].At(r, k) * params.CWithin[g].At(r, k)
			}
			floor := cfg.MinVarFrac * S.At(y0+r, y0+r)
			if floor < 1e-12 {
				floor = 1e-12
			}
			if v < floor {
				v = floor
			}
			params.R[y0+r] = v
		}
	}

	// Delays: caller-supplied starting vector for the non-reference groups,
	// zeros otherwise
	if layout.XDimAcross > 0 {
		params.Delays = mat.NewDense(layout.NumGroups, layout.XDimAcross, nil)
		if len(cfg.StartDelay) > 0 {
			i := 0
			for g := 1; g < layout.NumGroups; g++ {
				for j := 0; j < layout.XDimAcross; j++ {
					params.Delays.Set(g, j, cfg.StartDelay[i])
					i++
				}
			}
		}
	}
	return params, nil
}

// symRoots returns the symmetric square root and inverse square root of a
// covariance block, flooring eigenvalues to keep the whitening bounded.
func symRoots(S *mat.SymDense) (*mat.Dense, *mat.Dense, error) {
	n, _ := S.Dims()
	var eig mat.EigenSym
	if !eig.Factorize(S, true) {
		return nil, nil, fmt.Errorf("%w: eigendecomposition failed", ErrNumericalInstability)
	}
	vals := eig.Values(nil)
	var vecs mat.Dense
	eig.VectorsTo(&vecs)

	maxVal := vals[len(vals)-1]
	if maxVal <= 0 {
		return nil, nil, fmt.Errorf("%w: covariance block has no positive variance", ErrDegenerateInput)
	}
	floor := 1e-9 * maxVal
	root := mat.NewDense(n, n, nil)
	invRoot := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			sr, sir := 0.0, 0.0
			for k := 0; k < n; k++ {
				v := math.Max(vals[k], floor)
				sr += vecs.At(i, k) * math.Sqrt(v) * vecs.At(j, k)
				sir += vecs.At(i, k) / math.Sqrt(v) * vecs.At(j, k)
			}
			root.Set(i, j, sr)
			invRoot.Set(i, j, sir)
		}
	}
	return root, invRoot, nil
}

// setWhitenedBlock writes block (gi, gj) of invRoot_gi * S * invRoot_gj into
// the whitened pooled covariance.
func setWhitenedBlock(white *mat.SymDense, S *mat.SymDense, layout *GroupLayout, invRoots []*mat.Dense, gi, gj int) {
	qi, qj := layout.YDims[gi], layout.YDims[gj]
	yi, yj := layout.YOffset(gi), layout.YOffset(gj)
	for i := 0; i < qi; i++ {
		for j := 0; j < qj; j++ {
			if gi == gj && j < i {
				continue
			}
			s := 0.0
			for a := 0; a < qi; a++ {
				for b := 0; b < qj; b++ {
					s += invRoots[gi].At(i, a) * S.At(yi+a, yj+b) * invRoots[gj].At(b, j)
				}
			}
			white.SetSym(yi+i, yj+j, s)
		}
	}
}
