package gopvt

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Solution is the per-epoch navigation output.
type Solution struct {
	Time       GTime
	Pos        PosXYZ  // ECEF [m]
	Vel        PosXYZ  // ECEF [m/s], zero unless velocity is estimated
	ClockBias  float64 // Receiver clock bias [m]
	ClockDrift float64 // Receiver clock drift [m/s]

	QPos [6]float64 // Position covariance: xx yy zz xy yz zx [m^2]
	Dop  map[string]float64

	Sats     []SatID // Satellites contributing to the solution
	Excluded []SatID // Satellites removed by the validator this epoch
	ResRMS   float64 // Pseudorange residual RMS [m]
	Flag     QualityFlag

	Fixed    bool    // Integer ambiguities fixed and validated
	FixRatio float64 // Ratio-test statistic (0 when no attempt was made)
}

// Solver turns per-epoch observation sets into navigation solutions. It owns
// the recursive filter state and the last accepted solution, which seeds the
// next least-squares solve and the selection geometry; one Solver serves one
// receiver stream. Not safe for concurrent use.
type Solver struct {
	cfg    *Config
	src    OrbitClockSource
	filter *NavFilter
	last   NavState
}

// NewSolver builds a solver from validated options and an orbit/clock
// evaluator. src may be nil when callers use SolveWithStates exclusively.
func NewSolver(cfg *Config, src OrbitClockSource) (*Solver, error) {
	if cfg == nil {
		cfg = NewConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Solver{cfg: cfg, src: src, filter: NewNavFilter(cfg)}, nil
}

// Filter exposes the estimator for inspection.
func (s *Solver) Filter() *NavFilter { return s.filter }

// Reset discards all carried state.
func (s *Solver) Reset() {
	s.filter.Reset()
	s.last = NavState{}
}

// Solve processes one epoch, resolving satellite states through the
// configured orbit/clock source first.
func (s *Solver) Solve(t GTime, obs []Observation) (*Solution, error) {
	if s.src == nil {
		return nil, fmt.Errorf("%w: no orbit/clock source configured", ErrEphemerisUnavailable)
	}
	states, err := ResolveStates(s.src, t, obs)
	if err != nil {
		return nil, err
	}
	return s.SolveWithStates(t, obs, states)
}

// SolveWithStates processes one epoch against pre-resolved satellite states.
// Failures are per-epoch: data-starved epochs leave the carried state
// untouched, numerical failures reset it.
func (s *Solver) SolveWithStates(t GTime, obs []Observation, states map[SatID]SatState) (*Solution, error) {
	tracef(2, "epoch week %d sec %.1f: %d observations\n", t.Week, t.Sec, len(obs))

	apriori := s.last.Pos
	if s.cfg.Mode == ModeRecursive && s.filter.State() == StateTracking {
		apriori = s.filter.NavState().Pos
	}
	cands, err := SelectCandidates(obs, states, apriori, s.cfg, 4)
	if err != nil {
		return nil, err
	}

	var sol *Solution
	if s.cfg.Mode == ModeLeastSquares || s.filter.State() != StateTracking {
		sol, err = s.solveLsq(t, cands)
	} else {
		sol, err = s.solveRecursive(t, cands)
	}
	if err != nil {
		return nil, err
	}

	if s.cfg.MaxDop > 0 && (sol.Dop["gdop"] <= 0 || sol.Dop["gdop"] > s.cfg.MaxDop) {
		if s.cfg.Mode == ModeRecursive {
			s.filter.Reset()
		}
		return nil, fmt.Errorf("%w: gdop %.1f exceeds %.1f", ErrDegenerateGeometry,
			sol.Dop["gdop"], s.cfg.MaxDop)
	}
	s.last = NavState{Pos: sol.Pos, Clk: sol.ClockBias, Vel: sol.Vel, Drift: sol.ClockDrift}
	tracef(2, "\tsolution %s: pos (%.3f %.3f %.3f), %d sats, rms %.2f m\n",
		sol.Flag, sol.Pos.X, sol.Pos.Y, sol.Pos.Z, len(sol.Sats), sol.ResRMS)
	return sol, nil
}

// solveLsq runs the snapshot least-squares path, linearizing from the
// previous epoch's solution (or from scratch on the first epoch) and
// bootstrapping the recursive filter from the result when that mode is
// active.
func (s *Solver) solveLsq(t GTime, cands []Candidate) (*Solution, error) {
	layout := &StateLayout{EstVel: s.cfg.EstVelocity}
	flag := FlagNone
	var excluded []SatID

	ns, q, model, err := estimateLsq(t, cands, s.last, layout, s.cfg)
	if err != nil {
		return nil, err
	}

	for round := 0; ; round++ {
		res := validateResiduals(model, layout.Dim(), s.cfg)
		if res.ok {
			break
		}
		if round >= s.cfg.MaxRounds || !canExclude(codeRowCount(model)) {
			flag = FlagFaultUnresolved
			tracef(1, "raim: fault not excluded (round %d, %d sats)\n", round, len(cands))
			break
		}
		cands = dropCandidate(cands, res.suspect)
		excluded = append(excluded, res.suspect)
		flag = FlagFaultExcluded
		ns, q, model, err = estimateLsq(t, cands, s.last, layout, s.cfg)
		if err != nil {
			return nil, err
		}
	}

	if s.cfg.Mode == ModeRecursive {
		s.filter.Bootstrap(t, ns, q)
	}
	sol := s.assemble(t, ns, model, flag, excluded)
	for i, idx := range [][2]int{{0, 0}, {1, 1}, {2, 2}, {0, 1}, {1, 2}, {2, 0}} {
		sol.QPos[i] = q.At(idx[0], idx[1])
	}
	return sol, nil
}

// solveRecursive runs one predict/update cycle, with snapshot-based retry
// when the validator excludes a measurement.
func (s *Solver) solveRecursive(t GTime, cands []Candidate) (*Solution, error) {
	if err := s.filter.Predict(t); err != nil {
		// Data gap or divergence: reinitialize from a snapshot fix.
		return s.solveLsq(t, cands)
	}
	s.filter.SyncAmbiguities(cands)
	snap := s.filter.Snapshot()

	flag := FlagNone
	var excluded []SatID
	var model *MeasModel

	for round := 0; ; round++ {
		m, err := BuildModel(t, cands, s.filter.NavState(), s.filter.Layout(), s.cfg)
		if err != nil {
			return nil, err
		}
		if err := s.filter.Update(m); err != nil {
			s.filter.Reset()
			return nil, err
		}

		// Post-fit residuals at the updated state. A build failure here is a
		// data problem, not a numerical one: drop the update and keep the
		// predicted state for the next epoch.
		model, err = BuildModel(t, cands, s.filter.NavState(), s.filter.Layout(), s.cfg)
		if err != nil {
			s.filter.Restore(snap)
			return nil, err
		}
		res := validateResiduals(model, s.filter.Layout().Dim(), s.cfg)
		if res.ok {
			break
		}
		if round >= s.cfg.MaxRounds || !canExclude(codeRowCount(model)) {
			flag = FlagFaultUnresolved
			tracef(1, "raim: fault not excluded (round %d, %d sats)\n", round, len(cands))
			break
		}
		s.filter.Restore(snap)
		snap = s.filter.Snapshot()
		cands = dropCandidate(cands, res.suspect)
		s.filter.SyncAmbiguities(cands)
		excluded = append(excluded, res.suspect)
		flag = FlagFaultExcluded
	}

	ns := s.filter.NavState()
	fix := AmbFix{}
	if s.cfg.UsePhase && s.cfg.ResolveAmb {
		fix = resolveAmbiguities(s.filter, s.cfg)
		if fixed, ok := fixedState(s.filter, fix); ok {
			ns = fixed
		}
	}

	sol := s.assemble(t, ns, model, flag, excluded)
	sol.Fixed, sol.FixRatio = fix.Fixed, fix.Ratio
	p := s.filter.Cov()
	for i, idx := range [][2]int{{0, 0}, {1, 1}, {2, 2}, {0, 1}, {1, 2}, {2, 0}} {
		sol.QPos[i] = p.At(idx[0], idx[1])
	}
	return sol, nil
}

func (s *Solver) assemble(t GTime, ns NavState, m *MeasModel, flag QualityFlag, excluded []SatID) *Solution {
	sol := &Solution{
		Time:       t,
		Pos:        ns.Pos,
		Vel:        ns.Vel,
		ClockBias:  ns.Clk,
		ClockDrift: ns.Drift,
		Sats:       SortSats(m.Sats),
		Excluded:   excluded,
		ResRMS:     resRMS(m),
		Flag:       flag,
	}
	elev := make([]float64, 0, len(m.Sats))
	azim := make([]float64, 0, len(m.Sats))
	for _, sat := range m.Sats {
		elev = append(elev, m.Elev[sat])
		azim = append(azim, m.Azim[sat])
	}
	sol.Dop = dops(elev, azim)
	return sol
}

func codeRowCount(m *MeasModel) int {
	n := 0
	for _, r := range m.Rows {
		if r.Kind == RowCode {
			n++
		}
	}
	return n
}

// covTrace is a test hook summing the position variance terms.
func covTrace(p *mat.SymDense) float64 {
	if p == nil {
		return 0
	}
	return p.At(0, 0) + p.At(1, 1) + p.At(2, 2)
}
