package dlag

import "errors"

// Error taxonomy. ConfigurationError-class problems are detected before any
// numerical work starts; NumericalInstability aborts the current run and names
// the trial or iteration that triggered it; DegenerateInput is recovered
// locally with a caller-visible warning. Reaching the iteration cap without
// meeting tolerance is a terminal state (StateIterationLimit), not an error.
var (
	ErrConfiguration        = errors.New("dlag: invalid configuration")
	ErrNumericalInstability = errors.New("dlag: numerical instability")
	ErrDegenerateInput      = errors.New("dlag: degenerate input")
)
