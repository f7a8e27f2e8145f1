package solver

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// TerminationType says why Solve stopped.
type TerminationType int

const (
	// Convergence means a tolerance was met.
	Convergence TerminationType = iota
	// NoConvergence means the iteration cap was reached. The parameters are
	// the best point found and are usable.
	NoConvergence
	// Failure means the residuals could not be evaluated at the start point
	// or the Jacobian at the current point was not finite.
	Failure
)

func (t TerminationType) String() string {
	switch t {
	case Convergence:
		return "CONVERGENCE"
	case NoConvergence:
		return "NO_CONVERGENCE"
	case Failure:
		return "FAILURE"
	default:
		return fmt.Sprintf("TerminationType(%d)", int(t))
	}
}

const (
	minDiagonal          = 1e-6
	maxDiagonal          = 1e32
	minDamping           = 1e-16
	maxDamping           = 1e32
	defaultMaxIterations = 50
)

// Options control Solve.
type Options struct {
	MaxIterations            int
	FunctionTolerance        float64
	GradientTolerance        float64
	ParameterTolerance       float64
	InitialTrustRegionRadius float64
	MinRelativeDecrease      float64

	// NumericDiffStep is the central-difference step. Zero selects the
	// gonum default.
	NumericDiffStep float64

	// Concurrency > 1 evaluates residual blocks in parallel.
	Concurrency int

	// Method picks the minimiser. DenseLM only applies to unbounded
	// problems.
	Method Method

	// Logf, when set, receives one line per iteration.
	Logf func(format string, args ...any)
}

// DefaultOptions returns the tolerances used throughout reconstruction.
func DefaultOptions() Options {
	return Options{
		MaxIterations:            defaultMaxIterations,
		FunctionTolerance:        1e-6,
		GradientTolerance:        1e-10,
		ParameterTolerance:       1e-8,
		InitialTrustRegionRadius: 1e4,
		MinRelativeDecrease:      1e-3,
		NumericDiffStep:          1e-6,
	}
}

// Summary describes a finished solve.
type Summary struct {
	InitialCost     float64
	FinalCost       float64
	Iterations      int
	SuccessfulSteps int
	Termination     TerminationType
	Message         string
	NumParameters   int
	NumResiduals    int
}

// BriefReport returns a one-line summary.
func (s Summary) BriefReport() string {
	return fmt.Sprintf("Solver Report: Iterations: %d, Initial cost: %e, Final cost: %e, Termination: %s",
		s.Iterations, s.InitialCost, s.FinalCost, s.Termination)
}

// IsSolutionUsable reports whether the parameters hold a valid point.
func (s Summary) IsSolutionUsable() bool {
	return s.Termination != Failure
}

// Solve minimises 0.5*|r(x)|² over the problem's parameters, which are
// clamped into their bounds first and updated in place.
func Solve(opts Options, p *Problem) Summary {
	n, m := p.NumParameters(), p.NumResiduals()
	sum := Summary{NumParameters: n, NumResiduals: m}
	logf := opts.Logf
	if logf == nil {
		logf = func(string, ...any) {}
	}

	x := p.params
	p.clamp(x)

	r := make([]float64, m)
	if !p.evaluate(x, r, opts.Concurrency) {
		sum.InitialCost = math.NaN()
		sum.FinalCost = math.NaN()
		sum.Termination = Failure
		sum.Message = "residual evaluation failed at the initial point"
		return sum
	}
	cost := 0.5 * floats.Dot(r, r)
	sum.InitialCost, sum.FinalCost = cost, cost

	if n == 0 || m == 0 {
		sum.Termination = Convergence
		sum.Message = "empty problem"
		return sum
	}
	if opts.MaxIterations <= 0 {
		sum.Termination = NoConvergence
		sum.Message = "iteration limit is zero"
		return sum
	}
	if opts.Method == DenseLM && !p.bounded() {
		return solveDense(opts, p, sum, x, r)
	}

	residualFn := func(y, xx []float64) {
		if !p.evaluate(xx, y, opts.Concurrency) {
			for i := range y {
				y[i] = math.NaN()
			}
		}
	}
	settings := &fd.JacobianSettings{Formula: fd.Central, Step: opts.NumericDiffStep}

	var (
		jac     = mat.NewDense(m, n, nil)
		jtj     = mat.NewSymDense(n, nil)
		damped  = mat.NewSymDense(n, nil)
		grad    = mat.NewVecDense(n, nil)
		negGrad = mat.NewVecDense(n, nil)
		stepVec = mat.NewVecDense(n, nil)
		linVec  = mat.NewVecDense(m, nil)
		xNew    = make([]float64, n)
		delta   = make([]float64, n)
		rNew    = make([]float64, m)
		chol    mat.Cholesky
	)

	mu := 1 / opts.InitialTrustRegionRadius
	nu := 2.0
	needJacobian := true

	for sum.Iterations < opts.MaxIterations {
		if needJacobian {
			fd.Jacobian(jac, residualFn, x, settings)
			if !allFinite(jac.RawMatrix().Data) {
				sum.Termination = Failure
				sum.Message = "jacobian is not finite"
				return sum
			}
			grad.MulVec(jac.T(), mat.NewVecDense(m, r))
			jtj.SymOuterK(1, jac.T())
			needJacobian = false

			if g := projectedGradientNorm(x, grad.RawVector().Data, p.lower, p.upper); g <= opts.GradientTolerance {
				sum.Termination = Convergence
				sum.Message = fmt.Sprintf("gradient tolerance reached: %e <= %e", g, opts.GradientTolerance)
				return sum
			}
		}
		sum.Iterations++

		damped.CopySym(jtj)
		for i := 0; i < n; i++ {
			d := jtj.At(i, i)
			damped.SetSym(i, i, d+mu*math.Min(math.Max(d, minDiagonal), maxDiagonal))
		}
		negGrad.ScaleVec(-1, grad)

		solved := chol.Factorize(damped)
		if solved {
			solved = chol.SolveVecTo(stepVec, negGrad) == nil
		}
		if !solved {
			logf("%4d: linear solve failed, damping %e", sum.Iterations, mu)
			if mu, nu = reject(mu, nu); mu > maxDamping {
				sum.Termination = Convergence
				sum.Message = "trust region radius too small"
				return sum
			}
			continue
		}

		step := stepVec.RawVector().Data
		for i := range xNew {
			xNew[i] = x[i] + step[i]
		}
		p.clamp(xNew)
		floats.SubTo(delta, xNew, x)

		stepNorm := floats.Norm(delta, 2)
		if stepNorm <= opts.ParameterTolerance*(floats.Norm(x, 2)+opts.ParameterTolerance) {
			sum.Termination = Convergence
			sum.Message = fmt.Sprintf("parameter tolerance reached: |step| %e", stepNorm)
			return sum
		}

		linVec.MulVec(jac, mat.NewVecDense(n, delta))
		lin := linVec.RawVector().Data
		floats.Add(lin, r)
		predicted := cost - 0.5*floats.Dot(lin, lin)

		valid := p.evaluate(xNew, rNew, opts.Concurrency)
		newCost := math.Inf(1)
		if valid {
			newCost = 0.5 * floats.Dot(rNew, rNew)
		}

		rho := -1.0
		if valid && predicted > 0 {
			rho = (cost - newCost) / predicted
		}

		if rho > opts.MinRelativeDecrease {
			change := cost - newCost
			copy(x, xNew)
			copy(r, rNew)
			oldCost := cost
			cost = newCost
			sum.FinalCost = cost
			sum.SuccessfulSteps++
			needJacobian = true

			mu *= math.Max(1.0/3.0, 1-math.Pow(2*rho-1, 3))
			mu = math.Max(mu, minDamping)
			nu = 2

			logf("%4d: cost %e change %e |step| %e rho %e radius %e",
				sum.Iterations, cost, change, stepNorm, rho, 1/mu)

			if change <= opts.FunctionTolerance*oldCost {
				sum.Termination = Convergence
				sum.Message = fmt.Sprintf("function tolerance reached: |cost change| %e <= %e", change, opts.FunctionTolerance*oldCost)
				return sum
			}
			continue
		}

		logf("%4d: step rejected, rho %e radius %e", sum.Iterations, rho, 1/mu)
		if mu, nu = reject(mu, nu); mu > maxDamping {
			sum.Termination = Convergence
			sum.Message = "trust region radius too small"
			return sum
		}
	}

	sum.Termination = NoConvergence
	sum.Message = fmt.Sprintf("maximum number of iterations reached: %d", opts.MaxIterations)
	return sum
}

func reject(mu, nu float64) (float64, float64) {
	return mu * nu, nu * 2
}

// projectedGradientNorm is max |x - clamp(x - g)|, which is zero at a
// bound-constrained stationary point.
func projectedGradientNorm(x, g, lower, upper []float64) float64 {
	var out float64
	for i := range x {
		proj := math.Min(math.Max(x[i]-g[i], lower[i]), upper[i])
		out = math.Max(out, math.Abs(x[i]-proj))
	}
	return out
}
