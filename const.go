// Package gopvt implements a per-epoch GNSS position/velocity/time solving
// engine: candidate selection, linearized measurement modeling with
// atmospheric and relativistic corrections, recursive (Kalman) or iterative
// weighted-least-squares estimation, and residual-based integrity
// monitoring. Observation decoding, ephemeris evaluation and correction
// product handling are left to external collaborators.
package gopvt

const (
	PI = 3.1415926535897932  // Pi
	C  = 2.99792458e8        // Speed of light [m/s]
	Re = 6378137.0           // WGS84 semi-major axis [m]
	Fe = 1.0 / 298.257223563 // WGS84 flattening

	OmegaE = 7.2921151467e-5 // Earth rotation rate [rad/s]

	L1 = 1575420000.0 // L1/E1 carrier frequency [Hz]
	L2 = 1227600000.0 // L2 carrier frequency [Hz]
	L5 = 1176450000.0 // L5/E5a carrier frequency [Hz]
	B1 = 1561098000.0 // BeiDou B1 carrier frequency [Hz]
	G1 = 1602000000.0 // GLONASS G1 base frequency [Hz]
)
