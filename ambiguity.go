// This code is adapted from RTKLIB.
// The author gratefully acknowledges T.Takasu for his outstanding contribution in developing RTKLIB.
//
// Last modified: 2026.8.29
//

package gopvt

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Integer ambiguity resolution by the LAMBDA method: LDL' factorization of
// the float ambiguity covariance, Z-transform decorrelation, integer
// least-squares search, and a ratio test on the two best candidates.
//
// The kernel works on column-major float64 slices; callers interface through
// gonum types.

const searchLoopMax = 1000000

func sgnf(x float64) float64 {
	if x <= 0.0 {
		return -1.0
	}
	return 1.0
}

// ldlFactor computes Q = L' diag(D) L with unit lower-triangular L
// (column-major n x n). Fails when Q is not positive definite.
func ldlFactor(n int, q []float64) (l, d []float64, err error) {
	a := make([]float64, n*n)
	copy(a, q)
	l = make([]float64, n*n)
	d = make([]float64, n)
	for i := n - 1; i >= 0; i-- {
		d[i] = a[i+i*n]
		if d[i] <= 0 {
			return nil, nil, fmt.Errorf("%w: ambiguity covariance not positive definite", ErrNumericalInstability)
		}
		s := math.Sqrt(d[i])
		for j := 0; j <= i; j++ {
			l[i+j*n] = a[i+j*n] / s
		}
		for j := 0; j < i; j++ {
			for k := 0; k <= j; k++ {
				a[j+k*n] -= l[i+k*n] * l[i+j*n]
			}
		}
		for j := 0; j <= i; j++ {
			l[i+j*n] /= l[i+i*n]
		}
	}
	return l, d, nil
}

// intGauss applies one integer Gauss transformation to L and accumulates it
// into Z.
func intGauss(n int, l, z []float64, i, j int) {
	mu := math.Round(l[i+j*n])
	if mu == 0 {
		return
	}
	for k := i; k < n; k++ {
		l[k+j*n] -= mu * l[k+i*n]
	}
	for k := 0; k < n; k++ {
		z[k+j*n] -= mu * z[k+i*n]
	}
}

// permute swaps adjacent states j, j+1 in the factorization.
func permute(n int, l, d []float64, j int, del float64, z []float64) {
	eta := d[j] / del
	lam := d[j+1] * l[j+1+j*n] / del
	d[j] = eta * d[j+1]
	d[j+1] = del
	for k := 0; k < j; k++ {
		a0, a1 := l[j+k*n], l[j+1+k*n]
		l[j+k*n] = -l[j+1+j*n]*a0 + a1
		l[j+1+k*n] = eta*a0 + lam*a1
	}
	l[j+1+j*n] = lam
	for k := j + 2; k < n; k++ {
		l[k+j*n], l[k+(j+1)*n] = l[k+(j+1)*n], l[k+j*n]
	}
	for k := 0; k < n; k++ {
		z[k+j*n], z[k+(j+1)*n] = z[k+(j+1)*n], z[k+j*n]
	}
}

// reduce decorrelates the factorization, building the Z-transform.
func reduce(n int, l, d, z []float64) {
	j, k := n-2, n-2
	for j >= 0 {
		if j <= k {
			for i := j + 1; i < n; i++ {
				intGauss(n, l, z, i, j)
			}
		}
		del := d[j] + l[j+1+j*n]*l[j+1+j*n]*d[j+1]
		if del+1e-6 < d[j+1] {
			permute(n, l, d, j, del, z)
			k = j
			j = n - 2
		} else {
			j--
		}
	}
}

// ilsSearch finds the m best integer vectors around the decorrelated float
// solution zs, returning candidates (column-major n x m) and their squared
// distances in ascending order.
func ilsSearch(n, m int, l, d, zs []float64) (zn, dists []float64, err error) {
	zn = make([]float64, n*m)
	dists = make([]float64, m)
	s := make([]float64, n*n)
	dist := make([]float64, n)
	zb := make([]float64, n)
	z := make([]float64, n)
	step := make([]float64, n)

	nn, imax := 0, 0
	maxdist := 1e99
	k := n - 1
	zb[k] = zs[k]
	z[k] = math.Round(zb[k])
	y := zb[k] - z[k]
	step[k] = sgnf(y)

	c := 0
	for ; c < searchLoopMax; c++ {
		newdist := dist[k] + y*y/d[k]
		if newdist < maxdist {
			if k != 0 {
				k--
				dist[k] = newdist
				for i := 0; i <= k; i++ {
					s[k+i*n] = s[k+1+i*n] + (z[k+1]-zb[k+1])*l[k+1+i*n]
				}
				zb[k] = zs[k] + s[k+k*n]
				z[k] = math.Round(zb[k])
				y = zb[k] - z[k]
				step[k] = sgnf(y)
			} else {
				if nn < m {
					if nn == 0 || newdist > dists[imax] {
						imax = nn
					}
					copy(zn[nn*n:(nn+1)*n], z)
					dists[nn] = newdist
					nn++
				} else {
					if newdist < dists[imax] {
						copy(zn[imax*n:(imax+1)*n], z)
						dists[imax] = newdist
						imax = 0
						for i := 0; i < m; i++ {
							if dists[imax] < dists[i] {
								imax = i
							}
						}
					}
					maxdist = dists[imax]
				}
				z[0] += step[0]
				y = zb[0] - z[0]
				step[0] = -step[0] - sgnf(step[0])
			}
		} else {
			if k == n-1 {
				break
			}
			k++
			z[k] += step[k]
			y = zb[k] - z[k]
			step[k] = -step[k] - sgnf(step[k])
		}
	}
	if c >= searchLoopMax {
		return nil, nil, fmt.Errorf("%w: integer search did not terminate", ErrNonConvergent)
	}

	// Ascending by distance.
	for i := 0; i < m-1; i++ {
		for j := i + 1; j < m; j++ {
			if dists[i] <= dists[j] {
				continue
			}
			dists[i], dists[j] = dists[j], dists[i]
			for k := 0; k < n; k++ {
				zn[k+i*n], zn[k+j*n] = zn[k+j*n], zn[k+i*n]
			}
		}
	}
	return zn, dists, nil
}

// lambdaILS solves the integer least-squares problem min (a-z)' Qa^-1 (a-z)
// for the m best integer vectors z. Candidates come back in the original
// (untransformed) ambiguity space.
func lambdaILS(n, m int, a, qa []float64) (cands, dists []float64, err error) {
	if n <= 0 || m <= 0 {
		return nil, nil, fmt.Errorf("lambda: bad dimensions n=%d m=%d", n, m)
	}
	l, d, err := ldlFactor(n, qa)
	if err != nil {
		return nil, nil, err
	}
	z := make([]float64, n*n)
	for i := 0; i < n; i++ {
		z[i+i*n] = 1.0
	}
	reduce(n, l, d, z)

	// zs = Z' a
	zs := make([]float64, n)
	for j := 0; j < n; j++ {
		for i := 0; i < n; i++ {
			zs[j] += z[i+j*n] * a[i]
		}
	}
	zn, dists, err := ilsSearch(n, m, l, d, zs)
	if err != nil {
		return nil, nil, err
	}

	// Back-transform: Z' cand = zn.
	zt := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			zt.Set(i, j, z[j+i*n])
		}
	}
	e := mat.NewDense(n, m, nil)
	for j := 0; j < m; j++ {
		for i := 0; i < n; i++ {
			e.Set(i, j, zn[i+j*n])
		}
	}
	var f mat.Dense
	if err := f.Solve(zt, e); err != nil {
		return nil, nil, fmt.Errorf("%w: z-transform inversion: %v", ErrNumericalInstability, err)
	}
	cands = make([]float64, n*m)
	for j := 0; j < m; j++ {
		for i := 0; i < n; i++ {
			cands[i+j*n] = f.At(i, j)
		}
	}
	return cands, dists, nil
}

// AmbFix is the outcome of an integer ambiguity resolution attempt.
type AmbFix struct {
	Fixed bool
	Ratio float64
	Amb   map[SatID]float64 // Integer values, set when Fixed
}

// resolveAmbiguities attempts to fix the filter's float ambiguities to
// integers. The fix is validated by the ratio of the second-best to best
// squared distances; a failed test leaves the float solution in force.
func resolveAmbiguities(f *NavFilter, cfg *Config) AmbFix {
	fix := AmbFix{}
	n := len(f.layout.Amb)
	if n < 2 || f.x == nil {
		return fix
	}
	base := f.layout.AmbBase()

	a := make([]float64, n)
	qa := make([]float64, n*n)
	for i := 0; i < n; i++ {
		a[i] = f.x.AtVec(base + i)
		for j := 0; j < n; j++ {
			qa[i+j*n] = f.p.At(base+i, base+j)
		}
	}

	cands, dists, err := lambdaILS(n, 2, a, qa)
	if err != nil {
		tracef(2, "\tambres: %v\n", err)
		return fix
	}
	if dists[0] > 0 {
		fix.Ratio = dists[1] / dists[0]
	}
	if fix.Ratio < cfg.AmbRatioThr {
		tracef(2, "\tambres: ratio %.1f < %.1f, float kept\n", fix.Ratio, cfg.AmbRatioThr)
		return fix
	}
	fix.Fixed = true
	fix.Amb = make(map[SatID]float64, n)
	for i, sat := range f.layout.Amb {
		fix.Amb[sat] = cands[i]
	}
	tracef(2, "\tambres: fixed %d ambiguities, ratio %.1f\n", n, fix.Ratio)
	return fix
}

// fixedState conditions the float state on the fixed integer ambiguities:
// x_f = x - P_xa Qa^-1 (a - a_fix). The filter itself keeps the float
// solution; the fixed state is reported per epoch only.
func fixedState(f *NavFilter, fix AmbFix) (NavState, bool) {
	if !fix.Fixed {
		return NavState{}, false
	}
	n := len(f.layout.Amb)
	base := f.layout.AmbBase()
	nx := f.layout.Dim()

	da := mat.NewVecDense(n, nil)
	qa := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		da.SetVec(i, f.x.AtVec(base+i)-fix.Amb[f.layout.Amb[i]])
		for j := i; j < n; j++ {
			qa.SetSym(i, j, f.p.At(base+i, base+j))
		}
	}
	var chol mat.Cholesky
	if !chol.Factorize(qa) {
		return NavState{}, false
	}
	w := mat.NewVecDense(n, nil)
	if err := chol.SolveVecTo(w, da); err != nil {
		return NavState{}, false
	}

	xf := mat.VecDenseCopyOf(f.x)
	for i := 0; i < nx; i++ {
		adj := 0.0
		for j := 0; j < n; j++ {
			adj += f.p.At(i, base+j) * w.AtVec(j)
		}
		xf.SetVec(i, xf.AtVec(i)-adj)
	}

	ns := NavState{
		Pos: PosXYZ{X: xf.AtVec(0), Y: xf.AtVec(1), Z: xf.AtVec(2)},
		Clk: xf.AtVec(f.layout.ClkIdx()),
	}
	if f.layout.EstVel {
		ns.Vel = PosXYZ{
			X: xf.AtVec(f.layout.VelIdx() + 0),
			Y: xf.AtVec(f.layout.VelIdx() + 1),
			Z: xf.AtVec(f.layout.VelIdx() + 2),
		}
		ns.Drift = xf.AtVec(f.layout.DriftIdx())
	}
	ns.Amb = make(map[SatID]float64, n)
	for sat, v := range fix.Amb {
		ns.Amb[sat] = v
	}
	return ns, true
}
