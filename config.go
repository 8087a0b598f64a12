package gopvt

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// FilterMode selects the estimation strategy, fixed at configuration time.
type FilterMode int

const (
	// ModeRecursive carries state and covariance across epochs with
	// predict+update steps.
	ModeRecursive FilterMode = iota
	// ModeLeastSquares re-linearizes and solves each epoch from scratch.
	ModeLeastSquares
)

func (m FilterMode) String() string {
	switch m {
	case ModeRecursive:
		return "recursive"
	case ModeLeastSquares:
		return "least-squares"
	default:
		return "UNKNOWN!"
	}
}

// UnmarshalText accepts "recursive" or "least-squares" in config files.
func (m *FilterMode) UnmarshalText(text []byte) error {
	switch string(text) {
	case "recursive":
		*m = ModeRecursive
	case "least-squares":
		*m = ModeLeastSquares
	default:
		return fmt.Errorf("unknown filter mode %q", string(text))
	}
	return nil
}

func (m FilterMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// Config contains the options controlling candidate selection, measurement
// weighting, estimation and solution validation.
type Config struct {
	Sys    []SysType `json:"-"`       // Satellite systems to use; empty means all
	ExSats []SatID   `json:"exsats"`  // Satellites to exclude
	ElMask float64   `json:"elmask"`  // Elevation mask [deg]
	SnMask float64   `json:"snmask"`  // SNR mask [dB-Hz], 0 disables
	MinSat int       `json:"minsat"`  // Minimum candidate count (>= state dim is enforced separately)
	MaxDop float64   `json:"maxgdop"` // Maximum accepted GDOP, 0 disables

	Mode         FilterMode `json:"mode"`         // recursive | least-squares
	EstVelocity  bool       `json:"velocity"`     // Estimate velocity/clock drift from Doppler
	UsePhase     bool       `json:"phase"`        // Track per-satellite carrier ambiguities (recursive mode)
	ResolveAmb   bool       `json:"resolveamb"`   // Attempt integer ambiguity resolution
	AmbRatioThr  float64    `json:"ambratio"`     // Ratio-test acceptance threshold
	ProcNoisePos float64    `json:"qpos"`         // Position process noise spectral density [m^2/s^3]
	ProcNoiseClk float64    `json:"qclk"`         // Clock process noise [m^2/s]
	MaxGapSec    float64    `json:"maxgap"`       // Data gap forcing reinitialization [s]
	DivergeTrace float64    `json:"divergetrace"` // Covariance trace bound before declaring divergence [m^2]
	DivergeResid float64    `json:"divergeresid"` // Code innovation RMS bound before declaring divergence [m], 0 disables

	RaimEnable bool    `json:"raim"`      // Enable residual screening
	RaimAlpha  float64 `json:"raimalpha"` // Significance level of the global test
	MaxRounds  int     `json:"maxrounds"` // Re-solve rounds per epoch after an exclusion

	TropoEnable bool       `json:"tropo"` // Model tropospheric delay
	IonoEnable  bool       `json:"iono"`  // Model ionospheric delay
	IonoCoeff   [8]float64 `json:"-"`     // Broadcast ionosphere coefficients (alpha0..3, beta0..3)
}

// NewConfig returns options tuned for typical kinematic positioning.
func NewConfig() *Config {
	return &Config{
		Sys:          []SysType{},
		ExSats:       []SatID{},
		ElMask:       10,
		SnMask:       30,
		MinSat:       4,
		MaxDop:       30,
		Mode:         ModeRecursive,
		EstVelocity:  true,
		UsePhase:     false,
		ResolveAmb:   false,
		AmbRatioThr:  3.0,
		ProcNoisePos: 1.0,
		ProcNoiseClk: 10.0,
		MaxGapSec:    120,
		DivergeTrace: 1e8,
		DivergeResid: 100,
		RaimEnable:   true,
		RaimAlpha:    0.001,
		MaxRounds:    1,
		TropoEnable:  true,
		IonoEnable:   true,
	}
}

// Validate checks cross-field consistency and fills unset bounds.
func (c *Config) Validate() error {
	if c.ElMask < 0 || c.ElMask >= 90 {
		return fmt.Errorf("elevation mask out of range: %f", c.ElMask)
	}
	if c.MinSat < 4 {
		c.MinSat = 4
	}
	if c.MaxRounds < 0 {
		c.MaxRounds = 0
	}
	if c.RaimAlpha <= 0 || c.RaimAlpha >= 1 {
		c.RaimAlpha = 0.001
	}
	if c.AmbRatioThr <= 1 {
		c.AmbRatioThr = 3.0
	}
	if c.DivergeResid < 0 {
		c.DivergeResid = 0
	}
	if c.UsePhase && c.Mode != ModeRecursive {
		return fmt.Errorf("carrier-phase tracking requires recursive mode")
	}
	return nil
}

// LoadConfig reads options from a JSON file, applying defaults for fields
// the file omits.
func LoadConfig(name string) (*Config, error) {
	r, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return readConfig(r)
}

func readConfig(r io.Reader) (*Config, error) {
	c := NewConfig()
	dec := json.NewDecoder(r)
	if err := dec.Decode(c); err != nil {
		return nil, fmt.Errorf("config parse failed: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}
