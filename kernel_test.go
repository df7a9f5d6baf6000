package dlag

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

// almostEqual compares floats with tolerance
func almostEqual(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

func TestSqExpKernelSymmetricPositiveDefinite(t *testing.T) {
	taus := []float64{0.5, 2, 10, 100}
	epss := []float64{1e-5, 1e-3, 0.1, 0.9}
	times := timeGrid(30, 1)

	for _, tau := range taus {
		for _, eps := range epss {
			K, err := SqExpKernel(times, tau, eps, 0)
			require.NoError(t, err)

			n, _ := K.Dims()
			S := mat.NewSymDense(n, nil)
			for i := 0; i < n; i++ {
				for j := i; j < n; j++ {
					if !almostEqual(K.At(i, j), K.At(j, i), 1e-15) {
						t.Fatalf("tau=%g eps=%g: K[%d,%d]=%v != K[%d,%d]=%v",
							tau, eps, i, j, K.At(i, j), j, i, K.At(j, i))
					}
					S.SetSym(i, j, K.At(i, j))
				}
			}
			var chol mat.Cholesky
			assert.True(t, chol.Factorize(S),
				"tau=%g eps=%g: kernel not positive-definite", tau, eps)
		}
	}
}

func TestSqExpKernelDelayShiftsPeak(t *testing.T) {
	times := timeGrid(12, 1)
	delay := 3.0
	K, err := SqExpKernel(times, 4, 1e-3, delay)
	require.NoError(t, err)

	// correlation between sample i of the lagging copy and sample i-delay of
	// the reference copy must sit at the kernel peak
	for i := 3; i < 12; i++ {
		assert.InDelta(t, 1-1e-3, K.At(i, i-3), 1e-12)
	}
	// the block is a cross-covariance: transpose equals the negated delay
	Kneg, err := SqExpKernel(times, 4, 1e-3, -delay)
	require.NoError(t, err)
	for i := 0; i < 12; i++ {
		for j := 0; j < 12; j++ {
			assert.InDelta(t, K.At(i, j), Kneg.At(j, i), 1e-15)
		}
	}
}

func TestSqExpKernelRejectsBadParameters(t *testing.T) {
	times := timeGrid(5, 1)
	for _, tau := range []float64{0, -1} {
		_, err := SqExpKernel(times, tau, 1e-3, 0)
		require.ErrorIs(t, err, ErrConfiguration)
	}
	for _, eps := range []float64{0, -0.5, 1, 2} {
		_, err := SqExpKernel(times, 5, eps, 0)
		require.ErrorIs(t, err, ErrConfiguration)
	}
}

func TestAcrossKernelBlockPositiveDefinite(t *testing.T) {
	// The full across-latent block over delayed group copies must be
	// positive-definite even when delays coincide
	times := timeGrid(20, 1)
	for _, delays := range [][]float64{{0, 0}, {0, 3}, {0, -2.5, 4}} {
		pts := latentPoints(times, delays)
		K := kernelMatrix(pts, 8, 1e-3)
		var chol mat.Cholesky
		require.True(t, chol.Factorize(K), "delays %v", delays)
	}
}

func TestKernelGradTauMatchesFiniteDifference(t *testing.T) {
	times := timeGrid(8, 1)
	pts := latentPoints(times, []float64{0, 2.5})
	tau, eps := 6.0, 1e-3
	h := 1e-6

	G := kernelGradTau(pts, tau, eps)
	up := kernelMatrix(pts, math.Exp(math.Log(tau)+h), eps)
	dn := kernelMatrix(pts, math.Exp(math.Log(tau)-h), eps)
	n := len(pts)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			fd := (up.At(i, j) - dn.At(i, j)) / (2 * h)
			if !almostEqual(G.At(i, j), fd, 1e-6) {
				t.Fatalf("dK/dlogtau[%d,%d] = %v, finite difference %v", i, j, G.At(i, j), fd)
			}
		}
	}
}

func TestKernelGradDelayMatchesFiniteDifference(t *testing.T) {
	T := 8
	times := timeGrid(T, 1)
	delays := []float64{0, 1.7}
	tau, eps := 6.0, 1e-3
	h := 1e-6

	G := kernelGradDelay(latentPoints(times, delays), tau, eps, T, 2, 1)
	upD := []float64{0, delays[1] + h}
	dnD := []float64{0, delays[1] - h}
	up := kernelMatrix(latentPoints(times, upD), tau, eps)
	dn := kernelMatrix(latentPoints(times, dnD), tau, eps)
	n := 2 * T
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			fd := (up.At(i, j) - dn.At(i, j)) / (2 * h)
			if !almostEqual(G.At(i, j), fd, 1e-6) {
				t.Fatalf("dK/dD[%d,%d] = %v, finite difference %v", i, j, G.At(i, j), fd)
			}
		}
	}
}
