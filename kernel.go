package dlag

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// SqExpKernel produces the squared-exponential covariance block over the given
// time grid:
//
//	K[i,j] = (1-eps)*exp(-(t_i - t_j - delay)^2 / (2 tau^2)) + eps*[i==j]
//
// The eps term is a fixed ridge keeping the block positive-definite; delay
// shifts the kernel's effective peak for groups that observe a shared latent
// later or earlier than the reference group. With delay == 0 the result is
// symmetric positive-definite; a nonzero delay yields the cross-covariance
// block between two delayed copies of the latent, which is not symmetric on
// its own.
func SqExpKernel(times []float64, tau, eps, delay float64) (*mat.Dense, error) {
	if tau <= 0 {
		return nil, fmt.Errorf("%w: kernel timescale must be > 0, got %g", ErrConfiguration, tau)
	}
	if eps <= 0 || eps >= 1 {
		return nil, fmt.Errorf("%w: kernel noise ratio must lie in (0,1), got %g", ErrConfiguration, eps)
	}
	n := len(times)
	K := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			d := times[i] - times[j] - delay
			v := (1 - eps) * math.Exp(-d*d/(2*tau*tau))
			if i == j && delay == 0 {
				v += eps
			}
			K.Set(i, j, v)
		}
	}
	return K, nil
}

// timeGrid returns the sample times 1*binWidth ... T*binWidth.
func timeGrid(T int, binWidth float64) []float64 {
	ts := make([]float64, T)
	for t := 0; t < T; t++ {
		ts[t] = float64(t+1) * binWidth
	}
	return ts
}

// latentPoints lists the effective sample times of one GP latent. A within
// latent is sampled at the plain time grid; an across latent is sampled once
// per group at the group-delayed grid, group-major.
func latentPoints(times []float64, delays []float64) []float64 {
	if delays == nil {
		return times
	}
	pts := make([]float64, 0, len(delays)*len(times))
	for _, d := range delays {
		for _, t := range times {
			pts = append(pts, t-d)
		}
	}
	return pts
}

// kernelMatrix builds the squared-exponential covariance over an arbitrary
// point set with the eps ridge on the diagonal. All per-latent prior blocks,
// within and across, come through here.
func kernelMatrix(points []float64, tau, eps float64) *mat.SymDense {
	n := len(points)
	K := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		K.SetSym(i, i, 1)
		for j := i + 1; j < n; j++ {
			d := points[i] - points[j]
			K.SetSym(i, j, (1-eps)*math.Exp(-d*d/(2*tau*tau)))
		}
	}
	return K
}

// kernelGradTau returns dK/d(log tau) over the point set, excluding the ridge.
func kernelGradTau(points []float64, tau, eps float64) *mat.SymDense {
	n := len(points)
	G := mat.NewSymDense(n, nil)
	inv2 := 1 / (2 * tau * tau)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			d := points[i] - points[j]
			se := (1 - eps) * math.Exp(-d*d*inv2)
			// d/dtau = se * d^2/tau^3; chain rule through log tau multiplies by tau
			G.SetSym(i, j, se*d*d/(tau*tau))
		}
	}
	return G
}

// kernelGradDelay returns dK/dD[g] for an across latent sampled at
// group-delayed points (group-major, T points per group).
func kernelGradDelay(points []float64, tau, eps float64, T, numGroups, g int) *mat.SymDense {
	n := len(points)
	G := mat.NewSymDense(n, nil)
	invTau2 := 1 / (tau * tau)
	for i := 0; i < n; i++ {
		gi := i / T
		for j := i; j < n; j++ {
			gj := j / T
			// dDelta/dD[g] = [gj==g] - [gi==g]; zero inside one group's block
			s := 0.0
			if gj == g {
				s++
			}
			if gi == g {
				s--
			}
			if s == 0 {
				continue
			}
			d := points[i] - points[j]
			se := (1 - eps) * math.Exp(-d*d*invTau2/2)
			G.SetSym(i, j, -se*d*invTau2*s)
		}
	}
	return G
}

// delayRow extracts the per-group delays of across latent j.
func delayRow(delays *mat.Dense, numGroups, j int) []float64 {
	out := make([]float64, numGroups)
	for g := 0; g < numGroups; g++ {
		out[g] = delays.At(g, j)
	}
	return out
}
