package main

import (
	"flag"
	"fmt"
	"io"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	m "github.com/navsense/gopvt"
)

func main() {
	args, err := parseArgs()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		flag.Usage()
		os.Exit(1)
	}
	if err := run(args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type cmdOpt struct {
	cfgFn   string
	posFn   string
	nEpochs int
	rate    float64
	noisePr float64
	fault   int
	seed    int64
	trace   int
}

func parseArgs() (a cmdOpt, err error) {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `
[Usage]
	%s [Options]

Runs the epoch solver over a simulated receiver track and prints one
solution line per epoch.

[Options]
`, filepath.Base(os.Args[0]))
		flag.PrintDefaults()
	}
	flag.StringVar(&a.cfgFn, "c", "", "Solver configuration file (JSON). Defaults apply when omitted.")
	flag.StringVar(&a.posFn, "o", "", "Output pos file path. If not specified, output to stdout.")
	flag.IntVar(&a.nEpochs, "n", 60, "Number of epochs to simulate.")
	flag.Float64Var(&a.rate, "ti", 1.0, "Epoch interval [s].")
	flag.Float64Var(&a.noisePr, "np", 0.5, "Pseudorange noise standard deviation [m].")
	flag.IntVar(&a.fault, "fault", -1, "Epoch index at which a 100 m bias is injected on one satellite. -1 disables.")
	flag.Int64Var(&a.seed, "seed", 1, "Random seed for the measurement noise.")
	flag.IntVar(&a.trace, "x", 0, "Trace level. 0(OFF), 1(warnings), 2(per-epoch), 3(per-satellite), 4(most detailed)")
	flag.Parse()
	if a.nEpochs <= 0 || a.rate <= 0 {
		return a, fmt.Errorf("epoch count and interval must be positive")
	}
	return
}

func run(args cmdOpt) error {
	m.TraceLevel = args.trace

	cfg := m.NewConfig()
	if args.cfgFn != "" {
		var err error
		cfg, err = m.LoadConfig(args.cfgFn)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
	} else {
		// The simulation does not model atmospheric delays.
		cfg.TropoEnable = false
		cfg.IonoEnable = false
	}

	out, err := prepareOutput(args.posFn)
	if err != nil {
		return err
	}
	defer out.Close()

	sim := newScenario(args.seed, args.noisePr)
	solver, err := m.NewSolver(cfg, sim.orbitClock)
	if err != nil {
		return err
	}

	printHeader(out, args)
	t0 := m.NewGTime(time.Date(2026, 8, 29, 0, 0, 0, 0, time.UTC))
	for i := 0; i < args.nEpochs; i++ {
		t := t0.Add(float64(i) * args.rate)
		obs := sim.observe(t, i == args.fault)
		sol, err := solver.Solve(t, obs)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", t.ToTime().UTC().Format("2006/01/02 15:04:05.000"), err)
			continue
		}
		printSolution(out, sol)
	}
	return nil
}

func prepareOutput(fn string) (io.WriteCloser, error) {
	if fn == "" {
		return nopCloser{os.Stdout}, nil
	}
	f, err := os.Create(fn)
	if err != nil {
		return nil, fmt.Errorf("failed to create output file: %w", err)
	}
	return f, nil
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }

func printHeader(w io.Writer, args cmdOpt) {
	fmt.Fprintf(w, "%% program   : %s\n", filepath.Base(os.Args[0]))
	fmt.Fprintf(w, "%% epochs    : %d at %.1f s\n", args.nEpochs, args.rate)
	fmt.Fprintf(w, "%%  GPST                 latitude(deg) longitude(deg)  height(m)   Q  ns      clk_bias(m)       gdop       pdop       hdop       vdop    rms(m)\n")
}

func printSolution(w io.Writer, sol *m.Solution) {
	llh := sol.Pos.ToLLH()
	q := 1
	if sol.Flag != m.FlagNone {
		q = 2
	}
	fmt.Fprintf(w, "%s %13.9f %14.9f %10.4f %3d %3d %16.4f %10.3f %10.3f %10.3f %10.3f %9.3f\n",
		sol.Time.ToTime().UTC().Format("2006/01/02 15:04:05.000"),
		m.ToDeg(llh.Lat), m.ToDeg(llh.Lon), llh.Hei, q, len(sol.Sats),
		sol.ClockBias, sol.Dop["gdop"], sol.Dop["pdop"], sol.Dop["hdop"], sol.Dop["vdop"],
		sol.ResRMS)
}

// scenario simulates a receiver moving east at constant speed under a small
// GPS constellation on circular orbits.
type scenario struct {
	rng     *rand.Rand
	noisePr float64
	rcv0    m.PosXYZ
	vel     m.PosXYZ
	t0      m.GTime
	sats    []simSat
}

type simSat struct {
	id     m.SatID
	incl   float64 // Orbit plane inclination [rad]
	raan   float64 // Plane orientation [rad]
	phase0 float64 // Along-orbit phase at t0 [rad]
	clk    float64 // Clock bias [s]
}

const (
	orbitRadius = 26560e3
	orbitRate   = 2 * m.PI / 43082.0 // Half a sidereal day
)

func newScenario(seed int64, noisePr float64) *scenario {
	rcv0 := m.PosLLH{Lat: m.ToRad(35.0), Lon: m.ToRad(139.0), Hei: 50.0}.ToXYZ()
	s := &scenario{
		rng:     rand.New(rand.NewSource(seed)),
		noisePr: noisePr,
		rcv0:    rcv0,
		vel:     m.PosXYZ{X: 5.0, Y: -3.0, Z: 1.0},
		t0:      m.NewGTime(time.Date(2026, 8, 29, 0, 0, 0, 0, time.UTC)),
	}
	for i := 0; i < 8; i++ {
		s.sats = append(s.sats, simSat{
			id:     m.SatID(fmt.Sprintf("G%02d", i+1)),
			incl:   m.ToRad(55.0),
			raan:   float64(i%4) * m.PI / 2,
			phase0: m.ToRad(139.0) + 0.4*float64(i) - 0.6,
			clk:    1e-5 * float64(i+1),
		})
	}
	return s
}

func (s *scenario) rcvPos(t m.GTime) m.PosXYZ {
	dt := t.Sub(s.t0)
	return m.PosXYZ{
		X: s.rcv0.X + s.vel.X*dt,
		Y: s.rcv0.Y + s.vel.Y*dt,
		Z: s.rcv0.Z + s.vel.Z*dt,
	}
}

// orbitClock is the orbit/clock evaluator handed to the solver.
func (s *scenario) orbitClock(sat m.SatID, t m.GTime) (m.SatState, error) {
	for _, ss := range s.sats {
		if ss.id == sat {
			return ss.state(t, s.t0), nil
		}
	}
	return m.SatState{}, fmt.Errorf("%s: %w", sat, m.ErrEphemerisUnavailable)
}

func (ss *simSat) state(t, t0 m.GTime) m.SatState {
	u := ss.phase0 + orbitRate*t.Sub(t0)
	sinu, cosu := math.Sin(u), math.Cos(u)
	sini, cosi := math.Sin(ss.incl), math.Cos(ss.incl)
	sino, coso := math.Sin(ss.raan), math.Cos(ss.raan)

	// Position and velocity of a circular orbit, rotated into ECEF.
	xo, yo := orbitRadius*cosu, orbitRadius*sinu
	vxo, vyo := -orbitRadius*orbitRate*sinu, orbitRadius*orbitRate*cosu
	rot := func(x, y float64) m.PosXYZ {
		return m.PosXYZ{
			X: x*coso - y*cosi*sino,
			Y: x*sino + y*cosi*coso,
			Z: y * sini,
		}
	}
	return m.SatState{
		Pos:       rot(xo, yo),
		Vel:       rot(vxo, vyo),
		ClockBias: ss.clk,
	}
}

// observe builds the epoch's observation set: geometric ranges plus clock
// terms and gaussian noise. withFault adds a 100 m bias to the first
// satellite's pseudorange.
func (s *scenario) observe(t m.GTime, withFault bool) []m.Observation {
	rcv := s.rcvPos(t)
	obs := make([]m.Observation, 0, len(s.sats))
	for i, ss := range s.sats {
		// Satellite state at transmission time, converged in two passes.
		st := ss.state(t, s.t0)
		for k := 0; k < 2; k++ {
			tx := t.Add(-st.Pos.Distance(rcv) / m.C)
			st = ss.state(tx, s.t0)
		}
		enu := st.Pos.ToENU(rcv)
		if m.ToDeg(enu.Elevation()) < 5 {
			continue
		}
		// Geometric range with the Earth-rotation term, as the receiver
		// observes it.
		r := st.Pos.Distance(rcv)
		r += m.OmegaE * (st.Pos.X*rcv.Y - st.Pos.Y*rcv.X) / m.C
		pr := r - m.C*st.ClockBias + s.rng.NormFloat64()*s.noisePr
		if withFault && i == 0 {
			pr += 100.0
		}

		// Range rate projected on the line of sight for the Doppler.
		los := rcv.LOS(st.Pos)
		rate := st.Vel.Sub(s.vel).Dot(los)
		rate += m.OmegaE / m.C * (st.Vel.Y*rcv.X + st.Pos.Y*s.vel.X -
			st.Vel.X*rcv.Y - st.Pos.X*s.vel.Y)
		obs = append(obs, m.Observation{
			Sat:         ss.id,
			Pseudorange: pr,
			Doppler:     -rate / (m.C / m.L1),
			SNR:         45,
			Freq:        m.L1,
		})
	}
	return obs
}
