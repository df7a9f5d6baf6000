package dlag

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// RandomModel draws a ground-truth parameter set for the given layout:
// standard-normal loading blocks, offsets in [-1,1], uniform timescales in
// [5,20] bins, constant observation noise, and non-reference delays uniform
// in [-maxDelay, maxDelay]. Deterministic given the seed; used by the demo
// driver and the synthetic recovery tests.
func RandomModel(layout *GroupLayout, maxDelay, noiseVar float64, seed int64) *ModelParameters {
	rng := rand.New(rand.NewPCG(uint64(seed), 0))
	q := layout.TotalYDim()

	p := &ModelParameters{
		CAcross: make([]*mat.Dense, layout.NumGroups),
		CWithin: make([]*mat.Dense, layout.NumGroups),
		Offsets: make([]float64, q),
		R:       make([]float64, q),
		Tau:     make([]float64, layout.NumTau()),
		Eps:     make([]float64, layout.NumTau()),
	}
	for g := 0; g < layout.NumGroups; g++ {
		qg := layout.YDims[g]
		if layout.XDimAcross > 0 {
			p.CAcross[g] = mat.NewDense(qg, layout.XDimAcross, nil)
			for r := 0; r < qg; r++ {
				for j := 0; j < layout.XDimAcross; j++ {
					p.CAcross[g].Set(r, j, rng.NormFloat64())
				}
			}
		}
		if layout.XDimWithin[g] > 0 {
			p.CWithin[g] = mat.NewDense(qg, layout.XDimWithin[g], nil)
			for r := 0; r < qg; r++ {
				for k := 0; k < layout.XDimWithin[g]; k++ {
					p.CWithin[g].Set(r, k, rng.NormFloat64())
				}
			}
		}
	}
	for r := 0; r < q; r++ {
		p.Offsets[r] = 2*rng.Float64() - 1
		p.R[r] = noiseVar
	}
	for l := range p.Tau {
		p.Tau[l] = 5 + 15*rng.Float64()
		p.Eps[l] = 1e-3
	}
	if layout.XDimAcross > 0 {
		p.Delays = mat.NewDense(layout.NumGroups, layout.XDimAcross, nil)
		for g := 1; g < layout.NumGroups; g++ {
			for j := 0; j < layout.XDimAcross; j++ {
				p.Delays.Set(g, j, maxDelay*(2*rng.Float64()-1))
			}
		}
	}
	return p
}

// SimulateTrials samples trials of length T from the generative model:
// latent trajectories from each GP prior block (across latents jointly over
// their delayed group copies), observations via y = C x + d + noise. Returns
// the trials and the true extended-state latents (StateDim x T per trial).
// Deterministic given the seed.
func SimulateTrials(params *ModelParameters, layout *GroupLayout, binWidth float64,
	numTrials, T int, seed int64) ([]*Trial, []*mat.Dense, error) {

	if err := params.checkDims(layout); err != nil {
		return nil, nil, err
	}
	if numTrials <= 0 || T <= 0 {
		return nil, nil, fmt.Errorf("%w: numTrials and T must be > 0", ErrConfiguration)
	}
	normal := distuv.Normal{Mu: 0, Sigma: 1, Src: rand.NewPCG(uint64(seed), 1)}
	times := timeGrid(T, binWidth)
	m := layout.StateDim()
	q := layout.TotalYDim()

	// One Cholesky per latent block, reused across trials
	type latentSampler struct {
		chol mat.Cholesky
		size int
		idx  []int // state row per block element, paired with time t = pos % T
	}
	samplers := make([]latentSampler, layout.NumTau())
	for l := 0; l < layout.NumTau(); l++ {
		var pts []float64
		var idx []int
		if l < layout.XDimAcross {
			pts = latentPoints(times, delayRow(params.Delays, layout.NumGroups, l))
			for g := 0; g < layout.NumGroups; g++ {
				off := layout.XOffset(g) + l
				for t := 0; t < T; t++ {
					idx = append(idx, off)
				}
			}
		} else {
			g, k := 0, l-layout.XDimAcross
			for k >= layout.XDimWithin[g] {
				k -= layout.XDimWithin[g]
				g++
			}
			pts = times
			off := layout.XOffset(g) + layout.XDimAcross + k
			for t := 0; t < T; t++ {
				idx = append(idx, off)
			}
		}
		K := kernelMatrix(pts, params.Tau[l], params.Eps[l])
		if !samplers[l].chol.Factorize(K) {
			return nil, nil, fmt.Errorf("%w: prior kernel for latent %d is not positive-definite", ErrNumericalInstability, l)
		}
		samplers[l].size = len(pts)
		samplers[l].idx = idx
	}

	C := params.StackedC(layout)
	trials := make([]*Trial, numTrials)
	latents := make([]*mat.Dense, numTrials)
	for i := 0; i < numTrials; i++ {
		x := mat.NewDense(m, T, nil)
		for l := range samplers {
			s := &samplers[l]
			z := mat.NewVecDense(s.size, nil)
			for a := 0; a < s.size; a++ {
				z.SetVec(a, normal.Rand())
			}
			var lTri mat.TriDense
			s.chol.LTo(&lTri)
			var draw mat.VecDense
			draw.MulVec(&lTri, z)
			for a := 0; a < s.size; a++ {
				x.Set(s.idx[a], a%T, draw.AtVec(a))
			}
		}

		y := mat.NewDense(q, T, nil)
		for t := 0; t < T; t++ {
			for r := 0; r < q; r++ {
				v := params.Offsets[r]
				for j := 0; j < m; j++ {
					if c := C.At(r, j); c != 0 {
						v += c * x.At(j, t)
					}
				}
				y.Set(r, t, v+normal.Rand()*math.Sqrt(params.R[r]))
			}
		}
		trials[i] = &Trial{ID: fmt.Sprintf("sim%03d", i), T: T, Y: y}
		latents[i] = x
	}
	return trials, latents, nil
}
