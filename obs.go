package gopvt

import (
	"sort"
	"strconv"
)

// SatID is a satellite name like "G10" (system letter + number).
type SatID string

// SysType is a satellite system letter like 'G'.
type SysType byte

// Sys extracts the satellite system from the satellite name.
func (p SatID) Sys() SysType {
	if len(p) == 0 {
		return 0
	}
	return SysType(p[0])
}

// Num extracts the satellite number from the satellite name.
func (p SatID) Num() int {
	if len(p) < 3 {
		return 0
	}
	i, err := strconv.Atoi(string(p[1:3]))
	if err != nil {
		return 0
	}
	return i
}

func (p SysType) IsValid() bool {
	return p == 'G' || p == 'J' || p == 'E' || p == 'R' || p == 'C' || p == 'S'
}

// Observation is one satellite's measurement set at one epoch. Immutable
// once handed to the solver.
type Observation struct {
	Sat         SatID
	Pseudorange float64 // [m], 0 if absent
	Phase       float64 // Carrier phase [cycles], 0 if absent
	Doppler     float64 // [Hz], 0 if absent
	SNR         float64 // Carrier-to-noise density [dB-Hz]
	Freq        float64 // Carrier frequency [Hz]

	// Pseudorange2/Freq2 carry a second-frequency code observation used for
	// the iono-free combination when present.
	Pseudorange2 float64
	Freq2        float64

	// Elev/Azim carry supplier-computed elevation/azimuth [rad] when
	// available, letting the elevation mask work before the first position
	// fix. Zero means unknown.
	Elev float64
	Azim float64

	CycleSlip bool // Loss-of-lock on the carrier since the previous epoch
}

// HasPhase reports whether the carrier-phase observable is usable for
// ambiguity-dependent rows.
func (o *Observation) HasPhase() bool {
	return o.Phase != 0 && !o.CycleSlip
}

// Wavelength returns the carrier wavelength [m], or 0 when the frequency is
// unknown.
func (o *Observation) Wavelength() float64 {
	if o.Freq <= 0 {
		return 0
	}
	return C / o.Freq
}

// SortSats orders satellite names by system (G, J, E, R, C, S) then number,
// so epoch processing is deterministic regardless of map iteration order.
func SortSats(s []SatID) []SatID {
	rank := map[byte]int{'G': 0, 'J': 1, 'E': 2, 'R': 3, 'C': 4, 'S': 5}
	s2 := make([]SatID, len(s))
	copy(s2, s)
	sort.Slice(s2, func(i, j int) bool {
		if rank[s2[i][0]] == rank[s2[j][0]] {
			return s2[i] < s2[j]
		}
		return rank[s2[i][0]] < rank[s2[j][0]]
	})
	return s2
}
