package gopvt

import (
	"fmt"

	"golang.org/x/exp/slices"
)

// Candidate couples one selected observation with its resolved satellite
// state and the geometry seen from the a-priori position. The candidate set
// is rebuilt every epoch and never persisted.
type Candidate struct {
	Obs  Observation
	St   SatState
	Elev float64 // [rad], 0 when no a-priori position or supplied angle exists
	Azim float64 // [rad]
}

// SelectCandidates filters the epoch's raw observations down to the usable
// candidate set. Criteria: a resolved satellite state, system enable list,
// per-satellite exclusion list, a pseudorange observable, the SNR mask, and
// the elevation mask. Elevations come from the a-priori position when one
// exists, falling back to angles supplied on the observation; with neither
// the mask cannot apply. Cycle-slip-flagged observations stay in the set;
// only their carrier-phase observable is barred from ambiguity-dependent
// rows.
//
// minRequired is the candidate count demanded by the active state dimension.
// When velocity is estimated, at least four Doppler observables must also
// survive the masks.
func SelectCandidates(obs []Observation, states map[SatID]SatState, apriori PosXYZ,
	cfg *Config, minRequired int) ([]Candidate, error) {

	haveApriori := apriori != (PosXYZ{})
	cands := make([]Candidate, 0, len(obs))
	nDoppler := 0

	for i := range obs {
		o := obs[i]
		sat := o.Sat

		if len(cfg.Sys) > 0 && !slices.Contains(cfg.Sys, sat.Sys()) {
			continue
		}
		if slices.Contains(cfg.ExSats, sat) {
			tracef(3, "\t%s: excluded by config\n", sat)
			continue
		}
		st, ok := states[sat]
		if !ok {
			tracef(3, "\t%s: no satellite state\n", sat)
			continue
		}
		if o.Pseudorange == 0 {
			tracef(3, "\t%s: no pseudorange\n", sat)
			continue
		}
		if cfg.SnMask > 0 && o.SNR > 0 && o.SNR < cfg.SnMask {
			tracef(3, "\t%s: snr %.1f < %.1f\n", sat, o.SNR, cfg.SnMask)
			continue
		}

		c := Candidate{Obs: o, St: st}
		if haveApriori {
			enu := st.Pos.ToENU(apriori)
			c.Elev = enu.Elevation()
			c.Azim = enu.Azimuth()
		} else if o.Elev != 0 {
			c.Elev, c.Azim = o.Elev, o.Azim
		}
		if cfg.ElMask > 0 && c.Elev != 0 && ToDeg(c.Elev) < cfg.ElMask {
			tracef(3, "\t%s: elev %.1f < %.1f\n", sat, ToDeg(c.Elev), cfg.ElMask)
			continue
		}
		if o.Doppler != 0 && o.Freq > 0 {
			nDoppler++
		}
		cands = append(cands, c)
	}

	tracef(2, "\tselected %d / %d candidates\n", len(cands), len(obs))

	if len(cands) < minRequired || len(cands) < cfg.MinSat {
		return nil, fmt.Errorf("%w: %d of %d required", ErrInsufficientSatellites,
			len(cands), max(minRequired, cfg.MinSat))
	}
	if cfg.EstVelocity && nDoppler < 4 {
		return nil, fmt.Errorf("%w: %d doppler observables, velocity needs 4",
			ErrInsufficientSatellites, nDoppler)
	}
	return cands, nil
}

// dropCandidate returns the set without the named satellite.
func dropCandidate(cands []Candidate, sat SatID) []Candidate {
	out := make([]Candidate, 0, len(cands))
	for _, c := range cands {
		if c.Obs.Sat != sat {
			out = append(out, c)
		}
	}
	return out
}
