package gopvt

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// RowKind labels the observable behind a measurement row.
type RowKind int

const (
	RowCode    RowKind = iota // Pseudorange [m]
	RowPhase                  // Carrier phase [m]
	RowDoppler                // Range rate [m/s]
)

// MeasRow is one linearized observation equation: a residual against the
// current state estimate, the corresponding design-matrix row and the
// observation noise variance.
type MeasRow struct {
	Sat     SatID
	Kind    RowKind
	Resid   float64
	Partial []float64
	Var     float64
}

// StateLayout describes the ordering of the estimated parameter vector:
// position (0..2), receiver clock bias [m] (3), then velocity (4..6) and
// clock drift [m/s] (7) when velocity is estimated, then one carrier
// ambiguity [cycles] per tracked satellite.
type StateLayout struct {
	EstVel bool
	Amb    []SatID
}

func (l *StateLayout) Dim() int {
	n := 4
	if l.EstVel {
		n += 4
	}
	return n + len(l.Amb)
}

func (l *StateLayout) ClkIdx() int   { return 3 }
func (l *StateLayout) VelIdx() int   { return 4 }
func (l *StateLayout) DriftIdx() int { return 7 }

func (l *StateLayout) AmbBase() int {
	if l.EstVel {
		return 8
	}
	return 4
}

// AmbIdx returns the state index of sat's ambiguity, or -1.
func (l *StateLayout) AmbIdx(sat SatID) int {
	for i, s := range l.Amb {
		if s == sat {
			return l.AmbBase() + i
		}
	}
	return -1
}

// NavState is a linearization point for the measurement model.
type NavState struct {
	Pos   PosXYZ
	Clk   float64 // Receiver clock bias [m]
	Vel   PosXYZ
	Drift float64 // Receiver clock drift [m/s]
	Amb   map[SatID]float64
}

// MeasModel is the full linearized observation set for one epoch.
type MeasModel struct {
	Rows []MeasRow
	Sats []SatID // Satellites contributing at least one row, in row order
	Elev map[SatID]float64
	Azim map[SatID]float64
}

// geomRange returns the geometric range [m] from receiver to satellite with
// the Earth-rotation (Sagnac) correction, and the unit line-of-sight vector.
func geomRange(sat, rcv PosXYZ) (float64, PosXYZ) {
	r := sat.Distance(rcv)
	e := rcv.LOS(sat)
	r += OmegaE * (sat.X*rcv.Y - sat.Y*rcv.X) / C
	return r, e
}

// relCorrection returns the relativistic clock correction [m] for an
// eccentric orbit, computed from the supplied satellite state vector as
// -2 (r.v)/c.
func relCorrection(st SatState) float64 {
	return -2.0 * st.Pos.Dot(st.Vel) / C
}

// rangeRate returns the satellite-receiver range rate [m/s] along the line
// of sight, including the Earth-rotation term.
func rangeRate(st SatState, rcvPos, rcvVel PosXYZ, e PosXYZ) float64 {
	dv := st.Vel.Sub(rcvVel)
	rate := dv.Dot(e)
	rate += OmegaE / C * (st.Vel.Y*rcvPos.X + st.Pos.Y*rcvVel.X -
		st.Vel.X*rcvPos.Y - st.Pos.X*rcvVel.Y)
	return rate
}

// BuildModel forms one measurement row per usable observable per candidate,
// linearized about ns. It fails with ErrDegenerateGeometry when the
// pseudorange design matrix is rank-deficient.
func BuildModel(t GTime, cands []Candidate, ns NavState, layout *StateLayout, cfg *Config) (*MeasModel, error) {

	nx := layout.Dim()
	m := &MeasModel{
		Rows: make([]MeasRow, 0, len(cands)*2),
		Elev: make(map[SatID]float64, len(cands)),
		Azim: make(map[SatID]float64, len(cands)),
	}
	havePos := ns.Pos != (PosXYZ{})

	for i := range cands {
		c := &cands[i]
		sat := c.Obs.Sat

		r, e := geomRange(c.St.Pos, ns.Pos)
		if r <= 0 {
			continue
		}

		elev, azim := c.Elev, c.Azim
		if havePos {
			enu := c.St.Pos.ToENU(ns.Pos)
			elev = enu.Elevation()
			azim = enu.Azimuth()
		}

		// Satellite clock including the relativistic term, in meters.
		satClk := C*c.St.ClockBias + relCorrection(c.St)

		// Atmospheric corrections need a position and geometry.
		var trop, iono float64
		if havePos && elev > 0 {
			if cfg.TropoEnable {
				trop = TropoDelay(t, ns.Pos, elev)
			}
			if cfg.IonoEnable {
				iono = IonoDelay(t, ns.Pos, azim, elev, cfg.IonoCoeff)
				if c.Obs.Freq > 0 {
					iono *= SQ(L1 / c.Obs.Freq)
				}
			}
		}

		// Pseudorange row. A second frequency switches to the iono-free
		// combination, which cancels the modeled delay.
		pr := c.Obs.Pseudorange
		prVar := obsVariance(RowCode, sat.Sys(), elev, c.Obs.SNR, cfg)
		if c.Obs.Pseudorange2 != 0 && c.Obs.Freq2 > 0 && c.Obs.Freq > 0 {
			pr = IonoFreePseudorange(c.Obs.Pseudorange, c.Obs.Freq, c.Obs.Pseudorange2, c.Obs.Freq2)
			iono = 0
			prVar *= SQ(3.0)
		}

		row := MeasRow{
			Sat:     sat,
			Kind:    RowCode,
			Resid:   pr - (r + ns.Clk - satClk + trop + iono),
			Partial: make([]float64, nx),
			Var:     prVar,
		}
		row.Partial[0] = -e.X
		row.Partial[1] = -e.Y
		row.Partial[2] = -e.Z
		row.Partial[layout.ClkIdx()] = 1
		m.Rows = append(m.Rows, row)
		m.Sats = append(m.Sats, sat)
		m.Elev[sat] = elev
		m.Azim[sat] = azim

		// Carrier-phase row, only for satellites with a tracked ambiguity.
		if ai := layout.AmbIdx(sat); ai >= 0 && c.Obs.HasPhase() && c.Obs.Freq > 0 {
			lam := c.Obs.Wavelength()
			amb := ns.Amb[sat]
			prow := MeasRow{
				Sat:     sat,
				Kind:    RowPhase,
				Resid:   lam*c.Obs.Phase - (r + ns.Clk - satClk + trop - iono + lam*amb),
				Partial: make([]float64, nx),
				Var:     obsVariance(RowPhase, sat.Sys(), elev, c.Obs.SNR, cfg),
			}
			prow.Partial[0] = -e.X
			prow.Partial[1] = -e.Y
			prow.Partial[2] = -e.Z
			prow.Partial[layout.ClkIdx()] = 1
			prow.Partial[ai] = lam
			m.Rows = append(m.Rows, prow)
		}

		// Doppler range-rate row.
		if layout.EstVel && c.Obs.Doppler != 0 && c.Obs.Freq > 0 {
			lam := c.Obs.Wavelength()
			rate := rangeRate(c.St, ns.Pos, ns.Vel, e)
			drow := MeasRow{
				Sat:     sat,
				Kind:    RowDoppler,
				Resid:   -lam*c.Obs.Doppler - (rate + ns.Drift - C*c.St.ClockDrift),
				Partial: make([]float64, nx),
				Var:     obsVariance(RowDoppler, sat.Sys(), elev, c.Obs.SNR, cfg),
			}
			drow.Partial[layout.VelIdx()+0] = -e.X
			drow.Partial[layout.VelIdx()+1] = -e.Y
			drow.Partial[layout.VelIdx()+2] = -e.Z
			drow.Partial[layout.DriftIdx()] = 1
			m.Rows = append(m.Rows, drow)
		}
	}

	if err := m.checkGeometry(); err != nil {
		return nil, err
	}
	return m, nil
}

// checkGeometry verifies that the pseudorange rows span the position/clock
// sub-space, catching a singular system here instead of downstream.
func (m *MeasModel) checkGeometry() error {
	var rows []MeasRow
	for _, r := range m.Rows {
		if r.Kind == RowCode {
			rows = append(rows, r)
		}
	}
	if len(rows) < 4 {
		return fmt.Errorf("%w: %d pseudorange rows", ErrInsufficientSatellites, len(rows))
	}
	g := mat.NewDense(len(rows), 4, nil)
	for i, r := range rows {
		g.Set(i, 0, r.Partial[0])
		g.Set(i, 1, r.Partial[1])
		g.Set(i, 2, r.Partial[2])
		g.Set(i, 3, 1)
	}
	var svd mat.SVD
	if !svd.Factorize(g, mat.SVDThin) {
		return fmt.Errorf("%w: svd failed", ErrDegenerateGeometry)
	}
	sv := svd.Values(nil)
	rank := 0
	for _, v := range sv {
		if v > 1e-8*sv[0] {
			rank++
		}
	}
	if rank < 4 {
		return fmt.Errorf("%w: design matrix rank %d < 4", ErrDegenerateGeometry, rank)
	}
	return nil
}

// Matrices assembles the stacked design matrix, residual vector and weight
// matrix (inverse variances on the diagonal).
func (m *MeasModel) Matrices(nx int) (*mat.Dense, *mat.VecDense, *mat.DiagDense) {
	nv := len(m.Rows)
	H := mat.NewDense(nv, nx, nil)
	y := mat.NewVecDense(nv, nil)
	w := make([]float64, nv)
	for i, r := range m.Rows {
		H.SetRow(i, r.Partial)
		y.SetVec(i, r.Resid)
		w[i] = 1.0 / r.Var
	}
	return H, y, mat.NewDiagDense(nv, w)
}

// Minimum elevation entering the variance model; weights below this are
// clamped rather than extrapolated.
const minWeightElev = 5.0 * PI / 180.0

// obsVariance models the observation noise from elevation, SNR and system.
// Pseudorange follows the elevation-dependent scheme with code-bias,
// ionosphere and troposphere residual terms; carrier phase uses the same
// shape at millimeter level; Doppler is elevation-independent.
func obsVariance(kind RowKind, sys SysType, elev, snr float64, cfg *Config) float64 {
	fact := 1.0
	if sys == 'R' {
		fact = 1.5
	}
	el := elev
	if el < minWeightElev {
		el = minWeightElev
	}

	var v float64
	switch kind {
	case RowPhase:
		v = SQ(fact) * (SQ(0.003) + SQ(0.003)/math.Sin(el))
	case RowDoppler:
		v = SQ(0.2)
	default:
		v = SQ(fact) * (SQ(0.3) + SQ(0.3)/math.Sin(el))
		v += SQ(0.3) // code bias error
		if cfg.IonoEnable {
			v += SQ(0.5) // broadcast iono model residual
		} else {
			v += SQ(5.0)
		}
		if cfg.TropoEnable {
			v += SQ(0.3)
		} else {
			v += SQ(3.0)
		}
	}

	// SNR-based de-weighting below 35 dB-Hz.
	if snr > 0 && snr < 35 && kind != RowDoppler {
		v *= math.Pow(10, (35-snr)/10)
	}
	return v
}

// dops returns GDOP/PDOP/HDOP/VDOP from satellite elevation/azimuth
// geometry in the local tangent frame.
func dops(elev, azim []float64) map[string]float64 {
	d := map[string]float64{"gdop": 0, "pdop": 0, "hdop": 0, "vdop": 0}
	n := len(elev)
	if n < 4 {
		return d
	}
	g := mat.NewDense(n, 4, nil)
	for i := 0; i < n; i++ {
		cosel := math.Cos(elev[i])
		g.Set(i, 0, cosel*math.Sin(azim[i]))
		g.Set(i, 1, cosel*math.Cos(azim[i]))
		g.Set(i, 2, math.Sin(elev[i]))
		g.Set(i, 3, 1)
	}
	var gtg mat.Dense
	gtg.Mul(g.T(), g)
	var q mat.Dense
	if err := q.Inverse(&gtg); err != nil {
		return d
	}
	d["gdop"] = math.Sqrt(q.At(0, 0) + q.At(1, 1) + q.At(2, 2) + q.At(3, 3))
	d["pdop"] = math.Sqrt(q.At(0, 0) + q.At(1, 1) + q.At(2, 2))
	d["hdop"] = math.Sqrt(q.At(0, 0) + q.At(1, 1))
	d["vdop"] = math.Sqrt(q.At(2, 2))
	return d
}
