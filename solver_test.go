package gopvt

import (
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

// Eight well-spread satellites (azimuth, elevation in degrees).
var spreadAzEl = [][2]float64{
	{0, 70}, {50, 30}, {95, 45}, {140, 25},
	{185, 55}, {230, 35}, {275, 40}, {320, 20},
}

type fixOpt struct {
	withDoppler bool
	withPhase   bool
	prBias      map[SatID]float64
	phaseNoise  float64
	amb         map[SatID]float64 // Integer ambiguities [cycles]
}

// buildEpoch synthesizes a noise-free observation set consistent with the
// measurement equations at the given truth state, one GPS satellite per
// azimuth/elevation pair at 22000 km range.
func buildEpoch(t GTime, truth NavState, azel [][2]float64, opt fixOpt) ([]Observation, map[SatID]SatState) {
	obs := make([]Observation, 0, len(azel))
	states := make(map[SatID]SatState, len(azel))
	lam := C / L1

	for i, ae := range azel {
		sat := SatID(fmt.Sprintf("G%02d", i+1))
		dir := PosENU{
			E: math.Cos(ToRad(ae[1])) * math.Sin(ToRad(ae[0])),
			N: math.Cos(ToRad(ae[1])) * math.Cos(ToRad(ae[0])),
			U: math.Sin(ToRad(ae[1])),
		}
		const rng = 2.2e7
		satPos := PosENU{E: dir.E * rng, N: dir.N * rng, U: dir.U * rng}.ToXYZ(truth.Pos)

		// Tangential velocity, roughly orbital speed.
		vdir := satPos.LOS(PosXYZ{Z: 1e8})
		st := SatState{
			Pos:        satPos,
			Vel:        PosXYZ{X: vdir.X * 3000, Y: vdir.Y * 3000, Z: vdir.Z * 3000},
			ClockBias:  50e-6 + float64(i)*1e-6,
			ClockDrift: 1e-10 * float64(i+1),
		}
		states[sat] = st

		r, e := geomRange(st.Pos, truth.Pos)
		satClk := C*st.ClockBias + relCorrection(st)
		pr := r + truth.Clk - satClk + opt.prBias[sat]

		o := Observation{Sat: sat, Pseudorange: pr, SNR: 45, Freq: L1}
		if opt.withDoppler {
			rate := rangeRate(st, truth.Pos, truth.Vel, e)
			o.Doppler = -(rate + truth.Drift - C*st.ClockDrift) / lam
		}
		if opt.withPhase {
			n := opt.amb[sat]
			o.Phase = (r+truth.Clk-satClk+lam*n)/lam + opt.phaseNoise
		}
		obs = append(obs, o)
	}
	return obs, states
}

// testConfig disables the atmosphere models the fixtures do not synthesize.
func testConfig() *Config {
	cfg := NewConfig()
	cfg.TropoEnable = false
	cfg.IonoEnable = false
	cfg.EstVelocity = false
	return cfg
}

func testTruth() NavState {
	return NavState{
		Pos: PosLLH{Lat: ToRad(35.0), Lon: ToRad(139.0), Hei: 60.0}.ToXYZ(),
		Clk: 1200.0,
	}
}

func TestLsqRecoversTruth(t *testing.T) {
	assert := assert.New(t)

	cfg := testConfig()
	cfg.Mode = ModeLeastSquares
	truth := testTruth()
	epoch := GTime{Week: 2300, Sec: 3600}
	obs, states := buildEpoch(epoch, truth, spreadAzEl, fixOpt{})

	s, err := NewSolver(cfg, nil)
	assert.NoError(err)
	sol, err := s.SolveWithStates(epoch, obs, states)
	assert.NoError(err)

	assert.InDelta(truth.Pos.X, sol.Pos.X, 1e-4)
	assert.InDelta(truth.Pos.Y, sol.Pos.Y, 1e-4)
	assert.InDelta(truth.Pos.Z, sol.Pos.Z, 1e-4)
	assert.InDelta(truth.Clk, sol.ClockBias, 1e-4)
	assert.Equal(FlagNone, sol.Flag)
	assert.Len(sol.Sats, len(spreadAzEl))
	assert.Less(sol.ResRMS, 1e-4)
	assert.Greater(sol.Dop["gdop"], 0.0)
	assert.Greater(sol.QPos[0], 0.0)
}

func TestLsqEstimatesVelocity(t *testing.T) {
	assert := assert.New(t)

	cfg := testConfig()
	cfg.Mode = ModeLeastSquares
	cfg.EstVelocity = true
	truth := testTruth()
	truth.Vel = PosXYZ{X: 10, Y: -5, Z: 3}
	truth.Drift = 8.0
	epoch := GTime{Week: 2300, Sec: 3600}
	obs, states := buildEpoch(epoch, truth, spreadAzEl, fixOpt{withDoppler: true})

	s, err := NewSolver(cfg, nil)
	assert.NoError(err)
	sol, err := s.SolveWithStates(epoch, obs, states)
	assert.NoError(err)

	assert.InDelta(truth.Vel.X, sol.Vel.X, 1e-3)
	assert.InDelta(truth.Vel.Y, sol.Vel.Y, 1e-3)
	assert.InDelta(truth.Vel.Z, sol.Vel.Z, 1e-3)
	assert.InDelta(truth.Drift, sol.ClockDrift, 1e-3)
}

func TestRecursiveConvergence(t *testing.T) {
	assert := assert.New(t)

	cfg := testConfig()
	truth := testTruth()
	s, err := NewSolver(cfg, nil)
	assert.NoError(err)

	t0 := GTime{Week: 2300, Sec: 3600}
	var firstTrace, lastTrace float64
	for i := 0; i < 10; i++ {
		epoch := t0.Add(float64(i))
		obs, states := buildEpoch(epoch, truth, spreadAzEl, fixOpt{})
		sol, err := s.SolveWithStates(epoch, obs, states)
		assert.NoError(err)
		assert.InDelta(truth.Pos.X, sol.Pos.X, 0.01)

		lastTrace = covTrace(s.Filter().Cov())
		if i == 0 {
			firstTrace = lastTrace
		}
	}
	// Repeated consistent updates tighten the estimate.
	assert.Less(lastTrace, firstTrace)
	assert.Equal(StateTracking, s.Filter().State())
}

func TestRecursiveMatchesLsqOnBootstrap(t *testing.T) {
	assert := assert.New(t)

	truth := testTruth()
	epoch := GTime{Week: 2300, Sec: 3600}
	obs, states := buildEpoch(epoch, truth, spreadAzEl, fixOpt{})

	cfgK := testConfig()
	sk, _ := NewSolver(cfgK, nil)
	solK, err := sk.SolveWithStates(epoch, obs, states)
	assert.NoError(err)

	cfgL := testConfig()
	cfgL.Mode = ModeLeastSquares
	sl, _ := NewSolver(cfgL, nil)
	solL, err := sl.SolveWithStates(epoch, obs, states)
	assert.NoError(err)

	// The first recursive epoch is the least-squares bootstrap.
	assert.Equal(solL.Pos, solK.Pos)
	assert.Equal(StateTracking, sk.Filter().State())
}

func TestRaimExcludesBiasedSatellite(t *testing.T) {
	assert := assert.New(t)

	cfg := testConfig()
	cfg.Mode = ModeLeastSquares
	truth := testTruth()
	epoch := GTime{Week: 2300, Sec: 3600}
	obs, states := buildEpoch(epoch, truth, spreadAzEl, fixOpt{
		prBias: map[SatID]float64{"G03": 100.0},
	})

	s, _ := NewSolver(cfg, nil)
	sol, err := s.SolveWithStates(epoch, obs, states)
	assert.NoError(err)

	assert.Equal(FlagFaultExcluded, sol.Flag)
	assert.Equal([]SatID{"G03"}, sol.Excluded)
	assert.NotContains(sol.Sats, SatID("G03"))
	assert.InDelta(truth.Pos.X, sol.Pos.X, 1e-4)
	assert.InDelta(truth.Pos.Y, sol.Pos.Y, 1e-4)
	assert.InDelta(truth.Pos.Z, sol.Pos.Z, 1e-4)
}

func TestRaimUnresolvedWithLowRedundancy(t *testing.T) {
	assert := assert.New(t)

	cfg := testConfig()
	cfg.Mode = ModeLeastSquares
	truth := testTruth()
	epoch := GTime{Week: 2300, Sec: 3600}
	obs, states := buildEpoch(epoch, truth, spreadAzEl[:5], fixOpt{
		prBias: map[SatID]float64{"G02": 100.0},
	})

	s, _ := NewSolver(cfg, nil)
	sol, err := s.SolveWithStates(epoch, obs, states)
	assert.NoError(err)

	// Five satellites cannot spare one: flagged, not excluded.
	assert.Equal(FlagFaultUnresolved, sol.Flag)
	assert.Empty(sol.Excluded)
	assert.Len(sol.Sats, 5)
}

func TestRaimExcludesInRecursiveMode(t *testing.T) {
	assert := assert.New(t)

	cfg := testConfig()
	truth := testTruth()
	s, _ := NewSolver(cfg, nil)
	t0 := GTime{Week: 2300, Sec: 3600}

	obs, states := buildEpoch(t0, truth, spreadAzEl, fixOpt{})
	_, err := s.SolveWithStates(t0, obs, states)
	assert.NoError(err)

	t1 := t0.Add(1)
	obs, states = buildEpoch(t1, truth, spreadAzEl, fixOpt{
		prBias: map[SatID]float64{"G05": 100.0},
	})
	sol, err := s.SolveWithStates(t1, obs, states)
	assert.NoError(err)
	assert.Equal(FlagFaultExcluded, sol.Flag)
	assert.Equal([]SatID{"G05"}, sol.Excluded)
	assert.InDelta(truth.Pos.X, sol.Pos.X, 0.01)
}

func TestLsqElevationMaskUsesLastFix(t *testing.T) {
	assert := assert.New(t)

	// Eight well-spread satellites plus one at 3 degrees.
	azel := append(append([][2]float64{}, spreadAzEl...), [2]float64{80, 3})
	cfg := testConfig()
	cfg.Mode = ModeLeastSquares
	cfg.ElMask = 15.0
	truth := testTruth()
	s, _ := NewSolver(cfg, nil)
	t0 := GTime{Week: 2300, Sec: 3600}

	// The first epoch has no position to compute elevations from.
	obs, states := buildEpoch(t0, truth, azel, fixOpt{})
	sol, err := s.SolveWithStates(t0, obs, states)
	assert.NoError(err)
	assert.Contains(sol.Sats, SatID("G09"))

	// From the second epoch on, the previous fix drives the mask.
	t1 := t0.Add(1)
	obs, states = buildEpoch(t1, truth, azel, fixOpt{})
	sol, err = s.SolveWithStates(t1, obs, states)
	assert.NoError(err)
	assert.NotContains(sol.Sats, SatID("G09"))
	assert.Len(sol.Sats, len(spreadAzEl))
}

func TestRecursiveDegenerateEpochKeepsTracking(t *testing.T) {
	assert := assert.New(t)

	cfg := testConfig()
	truth := testTruth()
	s, _ := NewSolver(cfg, nil)
	t0 := GTime{Week: 2300, Sec: 3600}

	obs, states := buildEpoch(t0, truth, spreadAzEl, fixOpt{})
	_, err := s.SolveWithStates(t0, obs, states)
	assert.NoError(err)

	// All lines of sight collapse onto one direction: no solvable geometry,
	// and the carried state must survive the failed epoch.
	collinear := [][2]float64{{100, 45}, {100, 45}, {100, 45}, {100, 45}}
	t1 := t0.Add(1)
	obs, states = buildEpoch(t1, truth, collinear, fixOpt{})
	_, err = s.SolveWithStates(t1, obs, states)
	assert.ErrorIs(err, ErrDegenerateGeometry)
	assert.Equal(StateTracking, s.Filter().State())

	t2 := t0.Add(2)
	obs, states = buildEpoch(t2, truth, spreadAzEl, fixOpt{})
	sol, err := s.SolveWithStates(t2, obs, states)
	assert.NoError(err)
	assert.InDelta(truth.Pos.X, sol.Pos.X, 0.01)
	assert.Equal(StateTracking, s.Filter().State())
}

func TestGdopGate(t *testing.T) {
	assert := assert.New(t)

	cfg := testConfig()
	cfg.Mode = ModeLeastSquares
	cfg.MaxDop = 1.0 // Below what this geometry can deliver
	truth := testTruth()
	epoch := GTime{Week: 2300, Sec: 3600}
	obs, states := buildEpoch(epoch, truth, spreadAzEl, fixOpt{})

	s, _ := NewSolver(cfg, nil)
	_, err := s.SolveWithStates(epoch, obs, states)
	assert.ErrorIs(err, ErrDegenerateGeometry)
}

func TestInsufficientSatellites(t *testing.T) {
	assert := assert.New(t)

	cfg := testConfig()
	truth := testTruth()
	epoch := GTime{Week: 2300, Sec: 3600}
	obs, states := buildEpoch(epoch, truth, spreadAzEl[:3], fixOpt{})

	s, _ := NewSolver(cfg, nil)
	_, err := s.SolveWithStates(epoch, obs, states)
	assert.ErrorIs(err, ErrInsufficientSatellites)
	// A starved epoch leaves the filter untouched.
	assert.Equal(StateInit, s.Filter().State())
}

func TestGapReinitializes(t *testing.T) {
	assert := assert.New(t)

	cfg := testConfig()
	truth := testTruth()
	s, _ := NewSolver(cfg, nil)
	t0 := GTime{Week: 2300, Sec: 3600}

	for i := 0; i < 3; i++ {
		epoch := t0.Add(float64(i))
		obs, states := buildEpoch(epoch, truth, spreadAzEl, fixOpt{})
		_, err := s.SolveWithStates(epoch, obs, states)
		assert.NoError(err)
	}

	// Far beyond the gap bound: the epoch still solves, via reinitialization.
	late := t0.Add(cfg.MaxGapSec + 500)
	obs, states := buildEpoch(late, truth, spreadAzEl, fixOpt{})
	sol, err := s.SolveWithStates(late, obs, states)
	assert.NoError(err)
	assert.InDelta(truth.Pos.X, sol.Pos.X, 1e-4)
	assert.Equal(StateTracking, s.Filter().State())
}

func TestDeterminism(t *testing.T) {
	assert := assert.New(t)

	truth := testTruth()
	t0 := GTime{Week: 2300, Sec: 3600}

	run := func() []PosXYZ {
		s, _ := NewSolver(testConfig(), nil)
		var out []PosXYZ
		for i := 0; i < 5; i++ {
			epoch := t0.Add(float64(i))
			obs, states := buildEpoch(epoch, truth, spreadAzEl, fixOpt{})
			sol, err := s.SolveWithStates(epoch, obs, states)
			assert.NoError(err)
			out = append(out, sol.Pos)
		}
		return out
	}

	assert.Equal(run(), run())
}

func TestSolveWithoutSource(t *testing.T) {
	assert := assert.New(t)

	s, _ := NewSolver(testConfig(), nil)
	_, err := s.Solve(GTime{Week: 2300, Sec: 0}, nil)
	assert.ErrorIs(err, ErrEphemerisUnavailable)
}

func TestSolveResolvesStates(t *testing.T) {
	assert := assert.New(t)

	truth := testTruth()
	epoch := GTime{Week: 2300, Sec: 3600}
	obs, states := buildEpoch(epoch, truth, spreadAzEl, fixOpt{})

	src := func(sat SatID, _ GTime) (SatState, error) {
		st, ok := states[sat]
		if !ok {
			return SatState{}, fmt.Errorf("%s: %w", sat, ErrEphemerisUnavailable)
		}
		return st, nil
	}
	s, _ := NewSolver(testConfig(), src)
	sol, err := s.Solve(epoch, obs)
	assert.NoError(err)
	assert.InDelta(truth.Pos.X, sol.Pos.X, 1e-4)

	// Unknown satellite fails the epoch.
	bad := append([]Observation{}, obs...)
	bad = append(bad, Observation{Sat: "G30", Pseudorange: 2.2e7, Freq: L1, SNR: 45})
	s.Reset()
	_, err = s.Solve(epoch, bad)
	assert.True(errors.Is(err, ErrEphemerisUnavailable))
}

func TestSolverReset(t *testing.T) {
	assert := assert.New(t)

	truth := testTruth()
	epoch := GTime{Week: 2300, Sec: 3600}
	obs, states := buildEpoch(epoch, truth, spreadAzEl, fixOpt{})

	s, _ := NewSolver(testConfig(), nil)
	_, err := s.SolveWithStates(epoch, obs, states)
	assert.NoError(err)
	assert.Equal(StateTracking, s.Filter().State())

	s.Reset()
	assert.Equal(StateInit, s.Filter().State())
	assert.Nil(s.Filter().Cov())
}
