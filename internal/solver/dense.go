package solver

import (
	"fmt"
	"math"

	"github.com/maorshutman/lm"
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Method selects the minimiser used by Solve.
type Method int

const (
	// TrustRegion is the bounded Levenberg-Marquardt in Solve.
	TrustRegion Method = iota
	// DenseLM hands unbounded problems to github.com/maorshutman/lm.
	// Problems with any finite bound still use TrustRegion, since that
	// package has no notion of box constraints.
	DenseLM
)

func (m Method) String() string {
	switch m {
	case TrustRegion:
		return "trust_region"
	case DenseLM:
		return "dense_lm"
	default:
		return fmt.Sprintf("Method(%d)", int(m))
	}
}

// ParseMethod is the inverse of Method.String.
func ParseMethod(s string) (Method, error) {
	switch s {
	case "", "trust_region":
		return TrustRegion, nil
	case "dense_lm":
		return DenseLM, nil
	}
	return TrustRegion, fmt.Errorf("unknown solver method %q (want trust_region or dense_lm)", s)
}

// denseTau scales the initial damping relative to max(diag(JᵀJ)).
const denseTau = 1e-6

// solveDense runs lm.LM from x, whose residuals r are already evaluated.
// The result is only accepted if it does not raise the cost.
func solveDense(opts Options, p *Problem, sum Summary, x, r []float64) Summary {
	n, m := len(x), len(r)
	cost := sum.InitialCost

	residualFn := func(dst, xx []float64) {
		if !p.evaluate(xx, dst, opts.Concurrency) {
			for i := range dst {
				dst[i] = math.NaN()
			}
		}
	}
	settings := &fd.JacobianSettings{Formula: fd.Central, Step: opts.NumericDiffStep}
	jacobians := 0
	jacobianFn := func(dst *mat.Dense, xx []float64) {
		jacobians++
		fd.Jacobian(dst, residualFn, xx, settings)
	}

	res, err := lm.LM(lm.LMProblem{
		Dim:        n,
		Size:       m,
		Func:       residualFn,
		Jac:        jacobianFn,
		InitParams: append([]float64(nil), x...),
		Tau:        denseTau,
		Eps1:       opts.GradientTolerance,
		Eps2:       opts.ParameterTolerance,
	}, &lm.Settings{Iterations: opts.MaxIterations, ObjectiveTol: opts.FunctionTolerance * cost})
	sum.Iterations = jacobians
	if err != nil {
		sum.Termination = Failure
		sum.Message = fmt.Sprintf("dense lm: %v", err)
		return sum
	}
	if len(res.X) != n {
		sum.Termination = Failure
		sum.Message = fmt.Sprintf("dense lm: got %d parameters, want %d", len(res.X), n)
		return sum
	}

	rNew := make([]float64, m)
	if !p.evaluate(res.X, rNew, opts.Concurrency) {
		sum.Termination = NoConvergence
		sum.Message = "dense lm: result is outside the residual domain; start point kept"
		return sum
	}
	if newCost := 0.5 * floats.Dot(rNew, rNew); newCost <= cost {
		copy(x, res.X)
		sum.FinalCost = newCost
		sum.SuccessfulSteps = 1
	}

	if jacobians >= opts.MaxIterations {
		sum.Termination = NoConvergence
		sum.Message = fmt.Sprintf("dense lm: maximum number of iterations reached: %d", opts.MaxIterations)
	} else {
		sum.Termination = Convergence
		sum.Message = "dense lm: converged"
	}
	return sum
}

// bounded reports whether any parameter has a finite bound.
func (p *Problem) bounded() bool {
	for i := range p.lower {
		if !math.IsInf(p.lower[i], -1) || !math.IsInf(p.upper[i], 1) {
			return true
		}
	}
	return false
}
