package gopvt

import (
	"fmt"
	"math"

	"golang.org/x/exp/slices"
	"gonum.org/v1/gonum/mat"
)

// FilterState is the lifecycle phase of the recursive estimator.
type FilterState int

const (
	// StateInit: no valid state yet; the next epoch bootstraps from a
	// single-epoch least-squares fix.
	StateInit FilterState = iota
	// StateTracking: predict/update cycles are running.
	StateTracking
	// StateDiverged: the covariance trace or the innovation norm exceeded
	// its divergence bound; the filter reinitializes on the next epoch.
	StateDiverged
)

func (s FilterState) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateTracking:
		return "tracking"
	case StateDiverged:
		return "diverged"
	default:
		return "unknown"
	}
}

// Initial state standard deviations applied at bootstrap.
const (
	initStdVel = 10.0  // [m/s]
	initStdDrf = 10.0  // [m/s]
	initStdAmb = 100.0 // [cycles]
)

// NavFilter carries the navigation state and covariance across epochs.
// Layout: position, clock bias, then velocity and drift when estimated,
// then one carrier ambiguity per tracked satellite.
type NavFilter struct {
	cfg    *Config
	layout StateLayout
	state  FilterState

	x *mat.VecDense
	p *mat.SymDense
	t GTime // Epoch of the current state
}

func NewNavFilter(cfg *Config) *NavFilter {
	return &NavFilter{
		cfg:    cfg,
		layout: StateLayout{EstVel: cfg.EstVelocity},
		state:  StateInit,
	}
}

func (f *NavFilter) State() FilterState   { return f.state }
func (f *NavFilter) Layout() *StateLayout { return &f.layout }

// Reset discards all state; the next epoch bootstraps from scratch.
func (f *NavFilter) Reset() {
	f.state = StateInit
	f.layout.Amb = nil
	f.x, f.p = nil, nil
	f.t = GTime{}
}

// NavState exports the current estimate as a linearization point.
func (f *NavFilter) NavState() NavState {
	ns := NavState{}
	if f.x == nil {
		return ns
	}
	ns.Pos = PosXYZ{X: f.x.AtVec(0), Y: f.x.AtVec(1), Z: f.x.AtVec(2)}
	ns.Clk = f.x.AtVec(f.layout.ClkIdx())
	if f.layout.EstVel {
		ns.Vel = PosXYZ{
			X: f.x.AtVec(f.layout.VelIdx() + 0),
			Y: f.x.AtVec(f.layout.VelIdx() + 1),
			Z: f.x.AtVec(f.layout.VelIdx() + 2),
		}
		ns.Drift = f.x.AtVec(f.layout.DriftIdx())
	}
	if len(f.layout.Amb) > 0 {
		ns.Amb = make(map[SatID]float64, len(f.layout.Amb))
		for i, sat := range f.layout.Amb {
			ns.Amb[sat] = f.x.AtVec(f.layout.AmbBase() + i)
		}
	}
	return ns
}

// Cov returns the current covariance (nil before bootstrap).
func (f *NavFilter) Cov() *mat.SymDense { return f.p }

// Bootstrap seeds the state from a single-epoch least-squares fix.
func (f *NavFilter) Bootstrap(t GTime, ns NavState, q *mat.SymDense) {
	f.layout.Amb = nil
	nx := f.layout.Dim()
	f.x = mat.NewVecDense(nx, nil)
	f.p = mat.NewSymDense(nx, nil)

	f.x.SetVec(0, ns.Pos.X)
	f.x.SetVec(1, ns.Pos.Y)
	f.x.SetVec(2, ns.Pos.Z)
	f.x.SetVec(f.layout.ClkIdx(), ns.Clk)
	if f.layout.EstVel {
		f.x.SetVec(f.layout.VelIdx()+0, ns.Vel.X)
		f.x.SetVec(f.layout.VelIdx()+1, ns.Vel.Y)
		f.x.SetVec(f.layout.VelIdx()+2, ns.Vel.Z)
		f.x.SetVec(f.layout.DriftIdx(), ns.Drift)
	}
	for i := 0; i < nx; i++ {
		switch {
		case q != nil && i < q.SymmetricDim():
			f.p.SetSym(i, i, q.At(i, i))
		case f.layout.EstVel && i == f.layout.DriftIdx():
			f.p.SetSym(i, i, SQ(initStdDrf))
		default:
			f.p.SetSym(i, i, SQ(initStdVel))
		}
	}
	f.t = t
	f.state = StateTracking
	tracef(2, "\tfilter bootstrap at week %d sec %.1f\n", t.Week, t.Sec)
}

// Predict propagates state and covariance to t. A non-positive or oversized
// time step forces reinitialization.
func (f *NavFilter) Predict(t GTime) error {
	dt := t.Sub(f.t)
	if dt < 0 || dt > f.cfg.MaxGapSec {
		tracef(1, "filter: dt %.1f s outside [0, %.0f], reinitializing\n", dt, f.cfg.MaxGapSec)
		f.Reset()
		return fmt.Errorf("%w: time step %.1f s", ErrNonConvergent, dt)
	}
	nx := f.layout.Dim()

	// Constant-velocity transition: position integrates velocity, clock
	// bias integrates drift.
	if f.layout.EstVel {
		fm := mat.NewDense(nx, nx, nil)
		for i := 0; i < nx; i++ {
			fm.Set(i, i, 1)
		}
		for i := 0; i < 3; i++ {
			fm.Set(i, f.layout.VelIdx()+i, dt)
		}
		fm.Set(f.layout.ClkIdx(), f.layout.DriftIdx(), dt)

		var fx mat.VecDense
		fx.MulVec(fm, f.x)
		f.x.CopyVec(&fx)

		var fp, fpf mat.Dense
		fp.Mul(fm, f.p)
		fpf.Mul(&fp, fm.T())
		for i := 0; i < nx; i++ {
			for j := i; j < nx; j++ {
				f.p.SetSym(i, j, 0.5*(fpf.At(i, j)+fpf.At(j, i)))
			}
		}
	}

	// Process noise: white acceleration of density ProcNoisePos drives the
	// position/velocity pairs, white frequency noise the clock pair.
	qp, qc := f.cfg.ProcNoisePos, f.cfg.ProcNoiseClk
	dt2, dt3 := dt*dt, dt*dt*dt
	if f.layout.EstVel {
		for i := 0; i < 3; i++ {
			vi := f.layout.VelIdx() + i
			f.p.SetSym(i, i, f.p.At(i, i)+qp*dt3/3)
			f.p.SetSym(i, vi, f.p.At(i, vi)+qp*dt2/2)
			f.p.SetSym(vi, vi, f.p.At(vi, vi)+qp*dt)
		}
		ci, di := f.layout.ClkIdx(), f.layout.DriftIdx()
		f.p.SetSym(ci, ci, f.p.At(ci, ci)+qc*dt3/3)
		f.p.SetSym(ci, di, f.p.At(ci, di)+qc*dt2/2)
		f.p.SetSym(di, di, f.p.At(di, di)+qc*dt)
	} else {
		for i := 0; i < 3; i++ {
			f.p.SetSym(i, i, f.p.At(i, i)+qp*dt)
		}
		ci := f.layout.ClkIdx()
		f.p.SetSym(ci, ci, f.p.At(ci, ci)+qc*dt)
	}
	f.t = t

	// Divergence watch on the position covariance trace.
	trace := f.p.At(0, 0) + f.p.At(1, 1) + f.p.At(2, 2)
	if trace > f.cfg.DivergeTrace {
		f.state = StateDiverged
		tracef(1, "filter: position covariance trace %.1f m^2, diverged\n", trace)
		return fmt.Errorf("%w: covariance trace %.1f", ErrNumericalInstability, trace)
	}
	return nil
}

// Update applies one epoch's measurement set. An innovation norm past the
// divergence bound declares the filter diverged without applying anything;
// a covariance update that loses positive definiteness restores the
// previous state. Both return ErrNumericalInstability.
func (f *NavFilter) Update(m *MeasModel) error {
	nx := f.layout.Dim()
	nv := len(m.Rows)
	if nv == 0 {
		return fmt.Errorf("%w: no measurements", ErrInsufficientSatellites)
	}

	// Divergence watch on the code innovation norm.
	if f.cfg.DivergeResid > 0 {
		sum, n := 0.0, 0
		for _, r := range m.Rows {
			if r.Kind == RowCode {
				sum += SQ(r.Resid)
				n++
			}
		}
		if n > 0 {
			if rms := math.Sqrt(sum / float64(n)); rms > f.cfg.DivergeResid {
				f.state = StateDiverged
				tracef(1, "filter: innovation rms %.1f m exceeds %.1f, diverged\n", rms, f.cfg.DivergeResid)
				return fmt.Errorf("%w: innovation rms %.1f m", ErrNumericalInstability, rms)
			}
		}
	}
	snap := f.Snapshot()

	H, y, _ := m.Matrices(nx)
	r := make([]float64, nv)
	for i := range m.Rows {
		r[i] = m.Rows[i].Var
	}

	// S = H P H' + R
	var ph, s mat.Dense
	ph.Mul(f.p, H.T())
	s.Mul(H, &ph)
	sSym := mat.NewSymDense(nv, nil)
	for i := 0; i < nv; i++ {
		for j := i; j < nv; j++ {
			v := 0.5 * (s.At(i, j) + s.At(j, i))
			if i == j {
				v += r[i]
			}
			sSym.SetSym(i, j, v)
		}
	}
	var chol mat.Cholesky
	if !chol.Factorize(sSym) {
		return fmt.Errorf("%w: innovation covariance not positive definite", ErrNumericalInstability)
	}

	// K = P H' S^-1, via S K' = H P
	var kt mat.Dense
	if err := chol.SolveTo(&kt, ph.T()); err != nil {
		return fmt.Errorf("%w: %v", ErrNumericalInstability, err)
	}
	k := kt.T()

	var dx mat.VecDense
	dx.MulVec(k, y)
	f.x.AddVec(f.x, &dx)

	// P = (I - K H) P, symmetrized.
	var kh, khp mat.Dense
	kh.Mul(k, H)
	khp.Mul(&kh, f.p)
	for i := 0; i < nx; i++ {
		for j := i; j < nx; j++ {
			f.p.SetSym(i, j, f.p.At(i, j)-0.5*(khp.At(i, j)+khp.At(j, i)))
		}
	}

	// Reject updates that break positive semi-definiteness.
	for i := 0; i < nx; i++ {
		if f.p.At(i, i) < 0 {
			f.Restore(snap)
			return fmt.Errorf("%w: negative variance at state %d", ErrNumericalInstability, i)
		}
	}
	var check mat.Cholesky
	if !check.Factorize(f.p) {
		f.Restore(snap)
		return fmt.Errorf("%w: covariance lost positive definiteness", ErrNumericalInstability)
	}
	return nil
}

// filterSnap is a deep copy of the filter state for exclusion retries.
type filterSnap struct {
	x      *mat.VecDense
	p      *mat.SymDense
	amb    []SatID
	t      GTime
	fstate FilterState
}

func (f *NavFilter) Snapshot() *filterSnap {
	s := &filterSnap{t: f.t, fstate: f.state, amb: slices.Clone(f.layout.Amb)}
	if f.x != nil {
		s.x = mat.VecDenseCopyOf(f.x)
		s.p = mat.NewSymDense(f.p.SymmetricDim(), nil)
		s.p.CopySym(f.p)
	}
	return s
}

func (f *NavFilter) Restore(s *filterSnap) {
	f.t, f.state = s.t, s.fstate
	f.layout.Amb = slices.Clone(s.amb)
	f.x, f.p = s.x, s.p
}

// SyncAmbiguities reconciles the tracked ambiguity states with the epoch's
// candidate set: satellites that left the set (or slipped) are dropped,
// new phase-bearing satellites are appended with a code-minus-phase
// initial value and a large variance.
func (f *NavFilter) SyncAmbiguities(cands []Candidate) {
	if !f.cfg.UsePhase || f.x == nil {
		return
	}
	byID := make(map[SatID]*Candidate, len(cands))
	for i := range cands {
		byID[cands[i].Obs.Sat] = &cands[i]
	}

	// Drop stale or slipped ambiguities.
	keep := make([]SatID, 0, len(f.layout.Amb))
	for _, sat := range f.layout.Amb {
		if c, ok := byID[sat]; ok && c.Obs.HasPhase() {
			keep = append(keep, sat)
		} else {
			tracef(3, "\t%s: ambiguity dropped\n", sat)
		}
	}
	f.resize(keep)

	// Append new ones.
	ns := f.NavState()
	for i := range cands {
		c := &cands[i]
		sat := c.Obs.Sat
		if !c.Obs.HasPhase() || f.layout.AmbIdx(sat) >= 0 {
			continue
		}
		lam := c.Obs.Wavelength()
		if lam <= 0 {
			continue
		}
		r, _ := geomRange(c.St.Pos, ns.Pos)
		satClk := C*c.St.ClockBias + relCorrection(c.St)
		// Phase minus modeled range in cycles.
		a0 := c.Obs.Phase - (r+ns.Clk-satClk)/lam
		f.append(sat, a0, SQ(initStdAmb))
		tracef(3, "\t%s: ambiguity added %.1f cyc\n", sat, a0)
	}
}

// resize shrinks the state vector to the given ambiguity list, keeping the
// covariance sub-blocks of surviving states.
func (f *NavFilter) resize(amb []SatID) {
	oldIdx := make([]int, 0, f.layout.Dim())
	base := f.layout.AmbBase()
	for i := 0; i < base; i++ {
		oldIdx = append(oldIdx, i)
	}
	for _, sat := range amb {
		oldIdx = append(oldIdx, f.layout.AmbIdx(sat))
	}
	f.layout.Amb = amb
	nx := f.layout.Dim()

	x := mat.NewVecDense(nx, nil)
	p := mat.NewSymDense(nx, nil)
	for i, oi := range oldIdx {
		x.SetVec(i, f.x.AtVec(oi))
		for j := i; j < nx; j++ {
			p.SetSym(i, j, f.p.At(oi, oldIdx[j]))
		}
	}
	f.x, f.p = x, p
}

// append grows the state by one ambiguity, uncorrelated with the rest.
func (f *NavFilter) append(sat SatID, value, variance float64) {
	old := f.layout.Dim()
	f.layout.Amb = append(f.layout.Amb, sat)
	nx := f.layout.Dim()

	x := mat.NewVecDense(nx, nil)
	p := mat.NewSymDense(nx, nil)
	for i := 0; i < old; i++ {
		x.SetVec(i, f.x.AtVec(i))
		for j := i; j < old; j++ {
			p.SetSym(i, j, f.p.At(i, j))
		}
	}
	x.SetVec(nx-1, value)
	p.SetSym(nx-1, nx-1, variance)
	f.x, f.p = x, p
}
