package dlag

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/mat"
)

// Trial is one contiguous observation record. Y holds one column per timestep
// and one row per observed feature, with group rows stacked in layout order.
// Trials are owned by the caller and read-only to the engine.
type Trial struct {
	// Opaque identifier, reported back in errors and posteriors
	ID string
	// Number of timesteps (columns of Y)
	T int
	// Observations, TotalYDim x T
	Y *mat.Dense
}

// GroupLayout is the immutable block partition of every matrix keyed by group.
type GroupLayout struct {
	// Number of observed populations
	NumGroups int
	// Observed feature count per group
	YDims []int
	// Number of latents shared across all groups
	XDimAcross int
	// Number of latents private to each group
	XDimWithin []int
}

// Validate checks the partition for internal consistency.
func (l *GroupLayout) Validate() error {
	if l.NumGroups <= 0 {
		return fmt.Errorf("%w: numGroups must be > 0, got %d", ErrConfiguration, l.NumGroups)
	}
	if len(l.YDims) != l.NumGroups {
		return fmt.Errorf("%w: yDims has %d entries for %d groups", ErrConfiguration, len(l.YDims), l.NumGroups)
	}
	if len(l.XDimWithin) != l.NumGroups {
		return fmt.Errorf("%w: xDimWithin has %d entries for %d groups", ErrConfiguration, len(l.XDimWithin), l.NumGroups)
	}
	if l.XDimAcross < 0 {
		return fmt.Errorf("%w: xDimAcross must be >= 0, got %d", ErrConfiguration, l.XDimAcross)
	}
	for g, q := range l.YDims {
		if q <= 0 {
			return fmt.Errorf("%w: yDims[%d] must be > 0, got %d", ErrConfiguration, g, q)
		}
	}
	total := l.XDimAcross
	for g, p := range l.XDimWithin {
		if p < 0 {
			return fmt.Errorf("%w: xDimWithin[%d] must be >= 0, got %d", ErrConfiguration, g, p)
		}
		total += p
	}
	if total == 0 {
		return fmt.Errorf("%w: model has no latent dimensions", ErrConfiguration)
	}
	return nil
}

// TotalYDim returns the total observed feature count across groups.
func (l *GroupLayout) TotalYDim() int {
	q := 0
	for _, d := range l.YDims {
		q += d
	}
	return q
}

// YOffset returns the first observed-feature row of group g.
func (l *GroupLayout) YOffset(g int) int {
	off := 0
	for h := 0; h < g; h++ {
		off += l.YDims[h]
	}
	return off
}

// GroupStateDim returns the number of extended-latent columns owned by group g:
// its view of every across-group latent plus its own within-group latents.
func (l *GroupLayout) GroupStateDim(g int) int {
	return l.XDimAcross + l.XDimWithin[g]
}

// StateDim returns the per-timestep extended state dimension, counting each
// across-group latent once per group (groups see delayed copies).
func (l *GroupLayout) StateDim() int {
	m := 0
	for g := 0; g < l.NumGroups; g++ {
		m += l.GroupStateDim(g)
	}
	return m
}

// XOffset returns the first extended-state index of group g's latent block.
func (l *GroupLayout) XOffset(g int) int {
	off := 0
	for h := 0; h < g; h++ {
		off += l.GroupStateDim(h)
	}
	return off
}

// NumTau returns the number of pooled GP latents (across plus all within).
func (l *GroupLayout) NumTau() int {
	n := l.XDimAcross
	for _, p := range l.XDimWithin {
		n += p
	}
	return n
}

// TauIndexWithin maps within-group latent k of group g into the pooled
// timescale index space. Across latent j is simply index j.
func (l *GroupLayout) TauIndexWithin(g, k int) int {
	idx := l.XDimAcross
	for h := 0; h < g; h++ {
		idx += l.XDimWithin[h]
	}
	return idx + k
}

// ModelParameters is the typed container for all DLAG parameters. The loading
// matrix is stored as per-(group, latent-kind) blocks so the zero structure
// outside a group's own blocks holds by construction rather than convention.
type ModelParameters struct {
	// Across-group loading per group, YDims[g] x XDimAcross
	CAcross []*mat.Dense
	// Within-group loading per group, YDims[g] x XDimWithin[g]; nil when the
	// group has no within-group latents
	CWithin []*mat.Dense
	// Observation offset d, one entry per observed feature
	Offsets []float64
	// Diagonal observation noise variances R, one per observed feature
	R []float64
	// GP timescale per pooled latent (across first, then within by group)
	Tau []float64
	// GP noise-ratio ridge per pooled latent, fixed (not learned)
	Eps []float64
	// Per-group delay on each across-group latent, NumGroups x XDimAcross.
	// Row 0 is the reference group and stays zero.
	Delays *mat.Dense
}

// Clone returns a deep copy. Warm starts and checkpoints rely on the copy
// sharing no backing storage with the original.
func (p *ModelParameters) Clone() *ModelParameters {
	out := &ModelParameters{
		CAcross: make([]*mat.Dense, len(p.CAcross)),
		CWithin: make([]*mat.Dense, len(p.CWithin)),
		Offsets: append([]float64(nil), p.Offsets...),
		R:       append([]float64(nil), p.R...),
		Tau:     append([]float64(nil), p.Tau...),
		Eps:     append([]float64(nil), p.Eps...),
	}
	for g, c := range p.CAcross {
		if c != nil {
			out.CAcross[g] = mat.DenseCopyOf(c)
		}
	}
	for g, c := range p.CWithin {
		if c != nil {
			out.CWithin[g] = mat.DenseCopyOf(c)
		}
	}
	if p.Delays != nil {
		out.Delays = mat.DenseCopyOf(p.Delays)
	}
	return out
}

// StackedC assembles the dense block-structured loading matrix
// (TotalYDim x StateDim). Rows of group g load only onto group g's extended
// latent block; everything else is zero.
func (p *ModelParameters) StackedC(layout *GroupLayout) *mat.Dense {
	C := mat.NewDense(layout.TotalYDim(), layout.StateDim(), nil)
	for g := 0; g < layout.NumGroups; g++ {
		r0 := layout.YOffset(g)
		c0 := layout.XOffset(g)
		if layout.XDimAcross > 0 {
			C.Slice(r0, r0+layout.YDims[g], c0, c0+layout.XDimAcross).(*mat.Dense).Copy(p.CAcross[g])
		}
		if layout.XDimWithin[g] > 0 {
			w0 := c0 + layout.XDimAcross
			C.Slice(r0, r0+layout.YDims[g], w0, w0+layout.XDimWithin[g]).(*mat.Dense).Copy(p.CWithin[g])
		}
	}
	return C
}

// checkDims verifies that parameter block shapes agree with the layout.
func (p *ModelParameters) checkDims(layout *GroupLayout) error {
	if len(p.CAcross) != layout.NumGroups || len(p.CWithin) != layout.NumGroups {
		return fmt.Errorf("%w: loading blocks for %d groups, layout has %d",
			ErrConfiguration, len(p.CAcross), layout.NumGroups)
	}
	for g := 0; g < layout.NumGroups; g++ {
		if layout.XDimAcross > 0 {
			if p.CAcross[g] == nil {
				return fmt.Errorf("%w: CAcross[%d] missing", ErrConfiguration, g)
			}
			r, c := p.CAcross[g].Dims()
			if r != layout.YDims[g] || c != layout.XDimAcross {
				return fmt.Errorf("%w: CAcross[%d] is %dx%d, want %dx%d",
					ErrConfiguration, g, r, c, layout.YDims[g], layout.XDimAcross)
			}
		}
		if layout.XDimWithin[g] > 0 {
			if p.CWithin[g] == nil {
				return fmt.Errorf("%w: CWithin[%d] missing", ErrConfiguration, g)
			}
			r, c := p.CWithin[g].Dims()
			if r != layout.YDims[g] || c != layout.XDimWithin[g] {
				return fmt.Errorf("%w: CWithin[%d] is %dx%d, want %dx%d",
					ErrConfiguration, g, r, c, layout.YDims[g], layout.XDimWithin[g])
			}
		}
	}
	q := layout.TotalYDim()
	if len(p.Offsets) != q || len(p.R) != q {
		return fmt.Errorf("%w: offset/noise length %d/%d, want %d",
			ErrConfiguration, len(p.Offsets), len(p.R), q)
	}
	if len(p.Tau) != layout.NumTau() || len(p.Eps) != layout.NumTau() {
		return fmt.Errorf("%w: %d timescales for %d latents",
			ErrConfiguration, len(p.Tau), layout.NumTau())
	}
	if layout.XDimAcross > 0 {
		if p.Delays == nil {
			return fmt.Errorf("%w: delays missing", ErrConfiguration)
		}
		r, c := p.Delays.Dims()
		if r != layout.NumGroups || c != layout.XDimAcross {
			return fmt.Errorf("%w: delays are %dx%d, want %dx%d",
				ErrConfiguration, r, c, layout.NumGroups, layout.XDimAcross)
		}
	}
	return nil
}

// Posterior holds the inferred latent trajectory of one trial: the posterior
// mean over the extended state (StateDim x T), the full posterior covariance in
// time-major order (StateDim*T square), and the trial's marginal data
// log-likelihood. Created fresh by each inference call; never stored in the
// parameter container.
type Posterior struct {
	TrialID string
	T       int
	Mean    *mat.Dense
	Cov     *mat.SymDense
	LogLik  float64
}

// FitState names the EM driver's state machine states.
type FitState int

const (
	StateInitializing FitState = iota
	StateEStep
	StateMStep
	StateConverged
	StateIterationLimit
	StateFailed
)

func (s FitState) String() string {
	switch s {
	case StateInitializing:
		return "Initializing"
	case StateEStep:
		return "EStep"
	case StateMStep:
		return "MStep"
	case StateConverged:
		return "Converged"
	case StateIterationLimit:
		return "IterationLimitReached"
	case StateFailed:
		return "Failed"
	}
	return fmt.Sprintf("FitState(%d)", int(s))
}

// IterRecord is one row of the fit diagnostic history.
type IterRecord struct {
	Iter    int
	LogLik  float64
	Elapsed time.Duration
}

// ParamCheckpoint is a (tau, delay) snapshot taken every freqParam iterations.
type ParamCheckpoint struct {
	Iter   int
	Tau    []float64
	Delays *mat.Dense
}

// FitHistory is the append-only diagnostic record of one EM run.
type FitHistory struct {
	Records     []IterRecord
	Checkpoints []ParamCheckpoint
	// Caller-visible warnings: segmentation fallbacks, log-likelihood
	// monotonicity violations beyond tolerance
	Warnings []string
	// Terminal state of the run
	State FitState
	// Total number of EM iterations performed
	Iters int
}

func (h *FitHistory) warnf(format string, args ...interface{}) {
	h.Warnings = append(h.Warnings, fmt.Sprintf(format, args...))
}

// LastLogLik returns the most recently recorded log-likelihood.
func (h *FitHistory) LastLogLik() float64 {
	if len(h.Records) == 0 {
		return 0
	}
	return h.Records[len(h.Records)-1].LogLik
}

// FitResult is the explicit record handed back to the persistence and
// orchestration layer. It enumerates exactly what is worth serializing; raw
// input trials are included only on request.
type FitResult struct {
	// Run identifier
	ID         string
	Params     *ModelParameters
	History    *FitHistory
	Posteriors []*Posterior
	// Held-out metrics; nil when no test trials were supplied
	Metrics *EvalMetrics
	// Raw input trials, populated only when Config.IncludeTrials is set
	Trials []*Trial
}

func newFitResult() *FitResult {
	return &FitResult{ID: uuid.New().String()}
}
