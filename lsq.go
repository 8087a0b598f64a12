package gopvt

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

const (
	maxLsqLoop = 10   // Iteration cap of the least-squares loop
	lsqConvEps = 1e-3 // Convergence threshold on the correction norm [m]
)

// solveWLS solves the weighted normal equations H'WH dx = H'Wy by Cholesky
// factorization, returning the correction and its covariance.
func solveWLS(H *mat.Dense, y *mat.VecDense, W *mat.DiagDense) (*mat.VecDense, *mat.SymDense, error) {
	nv, nx := H.Dims()
	if nv < nx {
		return nil, nil, fmt.Errorf("%w: %d rows for %d states", ErrInsufficientSatellites, nv, nx)
	}

	var wh mat.Dense
	wh.Mul(W, H)
	var n mat.Dense
	n.Mul(H.T(), &wh)
	var wy mat.VecDense
	wy.MulVec(W, y)
	var b mat.VecDense
	b.MulVec(H.T(), &wy)

	nSym := mat.NewSymDense(nx, nil)
	for i := 0; i < nx; i++ {
		for j := i; j < nx; j++ {
			nSym.SetSym(i, j, n.At(i, j))
		}
	}

	var chol mat.Cholesky
	if !chol.Factorize(nSym) {
		return nil, nil, fmt.Errorf("%w: normal matrix not positive definite", ErrDegenerateGeometry)
	}
	dx := mat.NewVecDense(nx, nil)
	if err := chol.SolveVecTo(dx, &b); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrDegenerateGeometry, err)
	}
	q := mat.NewSymDense(nx, nil)
	if err := chol.InverseTo(q); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrDegenerateGeometry, err)
	}
	return dx, q, nil
}

// estimateLsq runs the iterated weighted least-squares solve for one epoch,
// re-linearizing about the updated state until the position/clock correction
// drops below threshold. Velocity and clock drift ride along as linear
// parameters of the Doppler rows.
func estimateLsq(t GTime, cands []Candidate, ns NavState, layout *StateLayout,
	cfg *Config) (NavState, *mat.SymDense, *MeasModel, error) {

	nx := layout.Dim()
	var q *mat.SymDense
	var model *MeasModel

	for loop := 0; ; loop++ {
		if loop >= maxLsqLoop {
			return ns, nil, nil, fmt.Errorf("%w after %d iterations", ErrNonConvergent, maxLsqLoop)
		}
		m, err := BuildModel(t, cands, ns, layout, cfg)
		if err != nil {
			return ns, nil, nil, err
		}
		H, y, W := m.Matrices(nx)
		dx, qx, err := solveWLS(H, y, W)
		if err != nil {
			return ns, nil, nil, err
		}

		ns.Pos.X += dx.AtVec(0)
		ns.Pos.Y += dx.AtVec(1)
		ns.Pos.Z += dx.AtVec(2)
		ns.Clk += dx.AtVec(layout.ClkIdx())
		if layout.EstVel {
			ns.Vel.X += dx.AtVec(layout.VelIdx() + 0)
			ns.Vel.Y += dx.AtVec(layout.VelIdx() + 1)
			ns.Vel.Z += dx.AtVec(layout.VelIdx() + 2)
			ns.Drift += dx.AtVec(layout.DriftIdx())
		}

		norm := math.Sqrt(SQ(dx.AtVec(0)) + SQ(dx.AtVec(1)) + SQ(dx.AtVec(2)) +
			SQ(dx.AtVec(layout.ClkIdx())))
		tracef(3, "\tlsq loop %d: dx=%.4f m\n", loop, norm)
		if norm < lsqConvEps {
			q, model = qx, m
			break
		}
	}

	// Residuals at the converged state for validation.
	m, err := BuildModel(t, cands, ns, layout, cfg)
	if err == nil {
		model = m
	}
	return ns, q, model, nil
}

// resRMS returns the root-mean-square of the pseudorange residuals.
func resRMS(m *MeasModel) float64 {
	sum, n := 0.0, 0
	for _, r := range m.Rows {
		if r.Kind == RowCode {
			sum += SQ(r.Resid)
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return math.Sqrt(sum / float64(n))
}
