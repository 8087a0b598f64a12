package gopvt

import (
	"math"

	"gonum.org/v1/gonum/stat/distuv"
)

// raimResult is the outcome of the post-fit residual screening.
type raimResult struct {
	ok      bool
	stat    float64 // Weighted residual sum of squares
	thresh  float64 // Chi-squared quantile at 1-alpha
	dof     int
	suspect SatID // Largest standardized residual, set when !ok
}

// validateResiduals runs the global chi-squared test on the post-fit
// residuals of a model with nx estimated states. With no redundancy the test
// degenerates and always passes.
func validateResiduals(m *MeasModel, nx int, cfg *Config) raimResult {
	res := raimResult{ok: true}
	if !cfg.RaimEnable {
		return res
	}
	nv := len(m.Rows)
	res.dof = nv - nx
	if res.dof < 1 {
		return res
	}

	worst := -1.0
	for _, r := range m.Rows {
		std := SQ(r.Resid) / r.Var
		res.stat += std
		if r.Kind == RowCode && std > worst {
			worst = std
			res.suspect = r.Sat
		}
	}

	res.thresh = distuv.ChiSquared{K: float64(res.dof)}.Quantile(1 - cfg.RaimAlpha)
	res.ok = res.stat <= res.thresh
	if !res.ok {
		tracef(2, "\traim: wssr %.1f > %.1f (dof %d), suspect %s (%.1f sigma)\n",
			res.stat, res.thresh, res.dof, res.suspect, math.Sqrt(worst))
	}
	return res
}

// canExclude reports whether dropping one satellite still leaves enough
// redundancy to re-test: the pseudorange count must keep at least one degree
// of freedom over the four position/clock unknowns after the exclusion.
func canExclude(nCode int) bool {
	return nCode-4 >= 2
}
