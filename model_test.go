package gopvt

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func candidatesFrom(obs []Observation, states map[SatID]SatState, apriori PosXYZ) []Candidate {
	cands := make([]Candidate, 0, len(obs))
	for _, o := range obs {
		st := states[o.Sat]
		c := Candidate{Obs: o, St: st}
		if apriori != (PosXYZ{}) {
			enu := st.Pos.ToENU(apriori)
			c.Elev = enu.Elevation()
			c.Azim = enu.Azimuth()
		}
		cands = append(cands, c)
	}
	return cands
}

func TestModelResidualsVanishAtTruth(t *testing.T) {
	assert := assert.New(t)

	cfg := testConfig()
	truth := testTruth()
	epoch := GTime{Week: 2300, Sec: 3600}
	obs, states := buildEpoch(epoch, truth, spreadAzEl, fixOpt{})
	cands := candidatesFrom(obs, states, truth.Pos)

	layout := &StateLayout{}
	m, err := BuildModel(epoch, cands, truth, layout, cfg)
	assert.NoError(err)
	assert.Len(m.Rows, len(spreadAzEl))

	for _, row := range m.Rows {
		assert.Less(math.Abs(row.Resid), 1e-6, "residual of %s", row.Sat)
		assert.Greater(row.Var, 0.0)
		// Unit line of sight in the position partials.
		n := math.Sqrt(SQ(row.Partial[0]) + SQ(row.Partial[1]) + SQ(row.Partial[2]))
		assert.InDelta(1.0, n, 1e-9)
		assert.Equal(1.0, row.Partial[3])
	}
}

func TestModelDopplerRows(t *testing.T) {
	assert := assert.New(t)

	cfg := testConfig()
	cfg.EstVelocity = true
	truth := testTruth()
	truth.Vel = PosXYZ{X: 3, Y: 2, Z: -1}
	truth.Drift = 5
	epoch := GTime{Week: 2300, Sec: 3600}
	obs, states := buildEpoch(epoch, truth, spreadAzEl, fixOpt{withDoppler: true})
	cands := candidatesFrom(obs, states, truth.Pos)

	layout := &StateLayout{EstVel: true}
	m, err := BuildModel(epoch, cands, truth, layout, cfg)
	assert.NoError(err)
	assert.Len(m.Rows, 2*len(spreadAzEl))

	nDop := 0
	for _, row := range m.Rows {
		if row.Kind != RowDoppler {
			continue
		}
		nDop++
		assert.Less(math.Abs(row.Resid), 1e-6)
		assert.Equal(0.0, row.Partial[0])
		assert.Equal(1.0, row.Partial[layout.DriftIdx()])
	}
	assert.Equal(len(spreadAzEl), nDop)
}

func TestModelDegenerateGeometry(t *testing.T) {
	assert := assert.New(t)

	cfg := testConfig()
	truth := testTruth()
	epoch := GTime{Week: 2300, Sec: 3600}

	// Four satellites stacked in the same direction.
	sameDir := [][2]float64{{45, 50}, {45, 50}, {45, 50}, {45, 50}}
	obs, states := buildEpoch(epoch, truth, sameDir, fixOpt{})
	cands := candidatesFrom(obs, states, truth.Pos)

	_, err := BuildModel(epoch, cands, truth, &StateLayout{}, cfg)
	assert.ErrorIs(err, ErrDegenerateGeometry)
}

func TestModelTooFewRows(t *testing.T) {
	assert := assert.New(t)

	cfg := testConfig()
	truth := testTruth()
	epoch := GTime{Week: 2300, Sec: 3600}
	obs, states := buildEpoch(epoch, truth, spreadAzEl[:3], fixOpt{})
	cands := candidatesFrom(obs, states, truth.Pos)

	_, err := BuildModel(epoch, cands, truth, &StateLayout{}, cfg)
	assert.ErrorIs(err, ErrInsufficientSatellites)
}

func TestObsVarianceShape(t *testing.T) {
	assert := assert.New(t)

	cfg := testConfig()
	// Lower elevation weighs less (larger variance).
	vHigh := obsVariance(RowCode, 'G', ToRad(80), 45, cfg)
	vLow := obsVariance(RowCode, 'G', ToRad(10), 45, cfg)
	assert.Greater(vLow, vHigh)

	// Glonass carries an inflation factor.
	vGlo := obsVariance(RowCode, 'R', ToRad(80), 45, cfg)
	assert.Greater(vGlo, vHigh)

	// Weak signals are de-weighted.
	vWeak := obsVariance(RowCode, 'G', ToRad(80), 25, cfg)
	assert.Greater(vWeak, vHigh)

	// Phase noise sits orders of magnitude below code noise.
	vPhase := obsVariance(RowPhase, 'G', ToRad(45), 45, cfg)
	vCode := obsVariance(RowCode, 'G', ToRad(45), 45, cfg)
	assert.Less(vPhase*1000, vCode)
}

func TestDops(t *testing.T) {
	assert := assert.New(t)

	elev := make([]float64, 0, len(spreadAzEl))
	azim := make([]float64, 0, len(spreadAzEl))
	for _, ae := range spreadAzEl {
		azim = append(azim, ToRad(ae[0]))
		elev = append(elev, ToRad(ae[1]))
	}
	d := dops(elev, azim)
	assert.Greater(d["gdop"], 1.0)
	assert.Less(d["gdop"], 10.0)
	assert.GreaterOrEqual(d["gdop"], d["pdop"])
	assert.GreaterOrEqual(d["pdop"], d["hdop"])

	// Under four satellites there is no geometry to speak of.
	empty := dops(elev[:3], azim[:3])
	assert.Equal(0.0, empty["gdop"])
}

func TestRelativisticCorrectionSign(t *testing.T) {
	assert := assert.New(t)

	// Receding geometry along the position axis: positive r.v, negative
	// correction.
	st := SatState{Pos: PosXYZ{X: 2.6e7}, Vel: PosXYZ{X: 100}}
	assert.Less(relCorrection(st), 0.0)

	// Circular orbit (r perpendicular to v) has none.
	st = SatState{Pos: PosXYZ{X: 2.6e7}, Vel: PosXYZ{Y: 3000}}
	assert.Equal(0.0, relCorrection(st))
}

func TestSagnacCorrection(t *testing.T) {
	assert := assert.New(t)

	rcv := PosLLH{Lat: 0, Lon: 0, Hei: 0}.ToXYZ()
	sat := PosLLH{Lat: 0, Lon: ToRad(45), Hei: 2e7}.ToXYZ()
	r, _ := geomRange(sat, rcv)
	straight := sat.Distance(rcv)
	// Earth rotation carries the receiver toward an eastward satellite
	// during signal flight, shortening the effective range.
	assert.Less(r, straight)
	assert.Less(straight-r, 50.0)
}
