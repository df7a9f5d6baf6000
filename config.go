package dlag

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Initialization methods.
const (
	InitFactor    = "factor"
	InitWarmStart = "warmstart"
)

// Supported covariance types. Only the squared-exponential kernel is
// implemented; the option exists so unsupported requests fail loudly.
const CovRBF = "rbf"

// Config is the engine's configuration bundle. Every recognized option is
// enumerated here with an explicit default; unknown options in a config file
// are rejected at load time, not silently ignored.
type Config struct {
	// InitMethod selects factor-based or warm-start initialization
	InitMethod string `yaml:"initMethod"`
	// CovType names the GP covariance function; only "rbf" is supported
	CovType string `yaml:"covType"`
	// XDimAcross is the number of across-group latents
	XDimAcross int `yaml:"xDimAcross"`
	// XDimWithin is the per-group within-group latent count
	XDimWithin []int `yaml:"xDimWithin"`
	// StartTau is the initial GP timescale for every latent, in bin units
	StartTau float64 `yaml:"startTau"`
	// StartEps is the fixed GP noise-ratio ridge for every latent
	StartEps float64 `yaml:"startEps"`
	// StartDelay optionally seeds the non-reference groups' delays, one value
	// per across-group latent per non-reference group, row-major; empty means
	// all delays start at zero
	StartDelay []float64 `yaml:"startDelay"`
	// LearnDelays enables gradient updates of the across-group delays
	LearnDelays bool `yaml:"learnDelays"`
	// MaxIters caps the EM iteration count
	MaxIters int `yaml:"maxIters"`
	// FreqLL is the iteration stride between convergence checks
	FreqLL int `yaml:"freqLL"`
	// FreqParam is the iteration stride between (tau, delay) checkpoints
	FreqParam int `yaml:"freqParam"`
	// MinVarFrac floors each noise variance at this fraction of the feature's
	// empirical variance
	MinVarFrac float64 `yaml:"minVarFrac"`
	// SegmentLength bounds per-iteration inference cost; 0 disables
	// segmentation
	SegmentLength int `yaml:"segmentLength"`
	// TolLL is the relative log-likelihood improvement below which the run is
	// declared converged
	TolLL float64 `yaml:"tolLL"`
	// BinWidth scales the time grid (sample spacing in physical units)
	BinWidth float64 `yaml:"binWidth"`
	// Seed makes initialization deterministic; always used as given
	Seed int64 `yaml:"seed"`
	// ParallelismDegree bounds the E-step worker pool; 0 means GOMAXPROCS
	ParallelismDegree int `yaml:"parallelismDegree"`
	// IncludeTrials copies the raw input trials into the FitResult
	IncludeTrials bool `yaml:"includeTrials"`

	// WarmStart supplies previously fit parameters when InitMethod is
	// "warmstart". Not loadable from YAML; set programmatically.
	WarmStart *ModelParameters `yaml:"-"`
}

// DefaultConfig returns a Config with every option at its default.
func DefaultConfig() Config {
	return Config{
		InitMethod:    InitFactor,
		CovType:       CovRBF,
		StartTau:      10,
		StartEps:      1e-3,
		LearnDelays:   true,
		MaxIters:      500,
		FreqLL:        10,
		FreqParam:     100,
		MinVarFrac:    0.01,
		SegmentLength: 20,
		TolLL:         1e-8,
		BinWidth:      1,
	}
}

// LoadConfig reads a YAML config file on top of the defaults. Unknown fields
// are an error.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	f, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config %s: %w", path, err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("%w: parse %s: %v", ErrConfiguration, path, err)
	}
	return cfg, nil
}

// Layout builds the GroupLayout implied by the config for the given per-group
// observed dimensions.
func (c *Config) Layout(yDims []int) *GroupLayout {
	return &GroupLayout{
		NumGroups:  len(yDims),
		YDims:      append([]int(nil), yDims...),
		XDimAcross: c.XDimAcross,
		XDimWithin: append([]int(nil), c.XDimWithin...),
	}
}

// Validate checks the config against a layout before any computation starts.
func (c *Config) Validate(layout *GroupLayout) error {
	if err := layout.Validate(); err != nil {
		return err
	}
	switch c.InitMethod {
	case InitFactor:
	case InitWarmStart:
		if c.WarmStart == nil {
			return fmt.Errorf("%w: warmstart init requires WarmStart parameters", ErrConfiguration)
		}
	default:
		return fmt.Errorf("%w: unknown initMethod %q", ErrConfiguration, c.InitMethod)
	}
	if c.CovType != CovRBF {
		return fmt.Errorf("%w: unsupported covType %q", ErrConfiguration, c.CovType)
	}
	if c.XDimAcross != layout.XDimAcross {
		return fmt.Errorf("%w: config xDimAcross %d disagrees with layout %d",
			ErrConfiguration, c.XDimAcross, layout.XDimAcross)
	}
	if len(c.XDimWithin) != layout.NumGroups {
		return fmt.Errorf("%w: xDimWithin has %d entries for %d groups",
			ErrConfiguration, len(c.XDimWithin), layout.NumGroups)
	}
	if c.StartTau <= 0 {
		return fmt.Errorf("%w: startTau must be > 0, got %g", ErrConfiguration, c.StartTau)
	}
	if c.StartEps <= 0 || c.StartEps >= 1 {
		return fmt.Errorf("%w: startEps must lie in (0,1), got %g", ErrConfiguration, c.StartEps)
	}
	if n := len(c.StartDelay); n != 0 && n != (layout.NumGroups-1)*layout.XDimAcross {
		return fmt.Errorf("%w: startDelay has %d entries, want %d",
			ErrConfiguration, n, (layout.NumGroups-1)*layout.XDimAcross)
	}
	if c.MaxIters <= 0 {
		return fmt.Errorf("%w: maxIters must be > 0, got %d", ErrConfiguration, c.MaxIters)
	}
	if c.FreqLL <= 0 {
		return fmt.Errorf("%w: freqLL must be > 0, got %d", ErrConfiguration, c.FreqLL)
	}
	if c.FreqParam <= 0 {
		return fmt.Errorf("%w: freqParam must be > 0, got %d", ErrConfiguration, c.FreqParam)
	}
	if c.MinVarFrac < 0 || c.MinVarFrac >= 1 {
		return fmt.Errorf("%w: minVarFrac must lie in [0,1), got %g", ErrConfiguration, c.MinVarFrac)
	}
	if c.SegmentLength < 0 {
		return fmt.Errorf("%w: segmentLength must be >= 0, got %d", ErrConfiguration, c.SegmentLength)
	}
	if c.TolLL <= 0 {
		return fmt.Errorf("%w: tolLL must be > 0, got %g", ErrConfiguration, c.TolLL)
	}
	if c.BinWidth <= 0 {
		return fmt.Errorf("%w: binWidth must be > 0, got %g", ErrConfiguration, c.BinWidth)
	}
	if c.ParallelismDegree < 0 {
		return fmt.Errorf("%w: parallelismDegree must be >= 0, got %d", ErrConfiguration, c.ParallelismDegree)
	}
	return nil
}
