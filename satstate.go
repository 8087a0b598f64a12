package gopvt

import "fmt"

// SatState is the position, velocity and clock state of one satellite at its
// signal transmission time. Supplied by the external orbit/clock evaluator
// and treated as read-only for the epoch.
type SatState struct {
	Pos        PosXYZ  // ECEF position [m]
	Vel        PosXYZ  // ECEF velocity [m/s]
	ClockBias  float64 // Satellite clock bias [s]
	ClockDrift float64 // Satellite clock drift [s/s]
}

// OrbitClockSource resolves a satellite's state at a transmission time.
// Implementations return an error wrapping ErrEphemerisUnavailable when no
// valid navigation data covers the requested time.
type OrbitClockSource func(sat SatID, t GTime) (SatState, error)

// TransmissionTime derives the signal transmission instant from the receive
// epoch and the raw pseudorange, applying the satellite clock bias when
// known.
func TransmissionTime(rcv GTime, pseudorange, satClockBias float64) GTime {
	return rcv.Add(-pseudorange/C - satClockBias)
}

// ResolveStates queries the orbit/clock source for every observation in the
// epoch. A satellite with no ephemeris fails the whole epoch; the caller
// decides whether to drop the observation beforehand instead.
func ResolveStates(src OrbitClockSource, t GTime, obs []Observation) (map[SatID]SatState, error) {
	states := make(map[SatID]SatState, len(obs))
	for i := range obs {
		o := &obs[i]
		tx := TransmissionTime(t, o.Pseudorange, 0)
		st, err := src(o.Sat, tx)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", o.Sat, err)
		}
		// Refine with the resolved clock bias.
		tx = TransmissionTime(t, o.Pseudorange, st.ClockBias)
		st, err = src(o.Sat, tx)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", o.Sat, err)
		}
		states[o.Sat] = st
	}
	return states, nil
}
