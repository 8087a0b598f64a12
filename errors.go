package gopvt

import "errors"

// Per-epoch failure taxonomy. Data-starved failures leave the filter state
// untouched; ErrNumericalInstability forces a reset before the next epoch.
var (
	// ErrInsufficientSatellites: fewer usable candidates than the active
	// state dimension requires.
	ErrInsufficientSatellites = errors.New("insufficient satellites")

	// ErrDegenerateGeometry: the design matrix is rank-deficient for the
	// current candidate set.
	ErrDegenerateGeometry = errors.New("degenerate geometry")

	// ErrEphemerisUnavailable: the orbit/clock evaluator has no valid data
	// for a requested satellite and time.
	ErrEphemerisUnavailable = errors.New("ephemeris unavailable")

	// ErrNonConvergent: the iterated least-squares loop hit its iteration
	// cap before the correction norm dropped below threshold.
	ErrNonConvergent = errors.New("solution did not converge")

	// ErrNumericalInstability: a covariance update violated positive
	// semi-definiteness and was rejected.
	ErrNumericalInstability = errors.New("numerical instability")
)

// QualityFlag annotates an accepted Solution with degradations that did not
// abort the solve.
type QualityFlag int

const (
	FlagNone QualityFlag = iota

	// FlagFaultUnresolved: the residual test failed but redundancy was too
	// low to exclude a suspect; the solution is usable at caller's risk.
	FlagFaultUnresolved

	// FlagFaultExcluded: one measurement was excluded by the validator and
	// the epoch was re-solved.
	FlagFaultExcluded
)

func (f QualityFlag) String() string {
	switch f {
	case FlagNone:
		return "ok"
	case FlagFaultUnresolved:
		return "fault-unresolved"
	case FlagFaultExcluded:
		return "fault-excluded"
	default:
		return "unknown"
	}
}
