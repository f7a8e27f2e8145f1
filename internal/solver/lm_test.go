package solver

import (
	"math"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// residualFunc adapts a closure to CostFunction.
type residualFunc struct {
	n int
	f func(x, r []float64) bool
}

func (c residualFunc) NumResiduals() int            { return c.n }
func (c residualFunc) Evaluate(x, r []float64) bool { return c.f(x, r) }

func rosenbrock() []CostFunction {
	return []CostFunction{
		residualFunc{1, func(x, r []float64) bool { r[0] = 10 * (x[1] - x[0]*x[0]); return true }},
		residualFunc{1, func(x, r []float64) bool { r[0] = 1 - x[0]; return true }},
	}
}

func TestSolve_Rosenbrock(t *testing.T) {
	p := NewProblem([]float64{-1.2, 1})
	for _, c := range rosenbrock() {
		p.AddResidualBlock(c)
	}
	opts := DefaultOptions()
	opts.MaxIterations = 200

	sum := Solve(opts, p)

	assert.Equal(t, Convergence, sum.Termination, sum.Message)
	assert.True(t, sum.IsSolutionUsable())
	assert.InDelta(t, 1.0, p.Parameters()[0], 1e-4)
	assert.InDelta(t, 1.0, p.Parameters()[1], 1e-4)
	assert.Less(t, sum.FinalCost, sum.InitialCost)
	assert.Equal(t, 2, sum.NumParameters)
	assert.Equal(t, 2, sum.NumResiduals)
}

func TestSolve_LinearLeastSquares(t *testing.T) {
	// Fit y = a*x + b through points on y = 2x - 1.
	xs := []float64{0, 1, 2, 3, 4}
	p := NewProblem([]float64{0, 0})
	for _, xi := range xs {
		xi := xi
		p.AddResidualBlock(residualFunc{1, func(x, r []float64) bool {
			r[0] = x[0]*xi + x[1] - (2*xi - 1)
			return true
		}})
	}
	sum := Solve(DefaultOptions(), p)

	require.True(t, sum.IsSolutionUsable())
	assert.InDelta(t, 2.0, p.Parameters()[0], 1e-6)
	assert.InDelta(t, -1.0, p.Parameters()[1], 1e-6)
	assert.InDelta(t, 0.0, sum.FinalCost, 1e-10)
}

func TestSolve_RespectsBounds(t *testing.T) {
	p := NewProblem([]float64{0})
	p.AddResidualBlock(residualFunc{1, func(x, r []float64) bool { r[0] = x[0] - 3; return true }})
	p.SetParameterLowerBound(0, -1)
	p.SetParameterUpperBound(0, 1)

	sum := Solve(DefaultOptions(), p)

	assert.Equal(t, Convergence, sum.Termination, sum.Message)
	assert.Equal(t, 1.0, p.Parameters()[0])
	assert.InDelta(t, 2.0, sum.FinalCost, 1e-12)
}

func TestSolve_ClampsStartPoint(t *testing.T) {
	p := NewProblem([]float64{5})
	p.AddResidualBlock(residualFunc{1, func(x, r []float64) bool { r[0] = x[0]; return true }})
	p.SetParameterUpperBound(0, 2)

	sum := Solve(DefaultOptions(), p)

	assert.InDelta(t, 2.0, sum.InitialCost, 1e-12)
	assert.InDelta(t, 0.0, p.Parameters()[0], 1e-6)
}

func TestSolve_IterationCap(t *testing.T) {
	p := NewProblem([]float64{-1.2, 1})
	for _, c := range rosenbrock() {
		p.AddResidualBlock(c)
	}
	opts := DefaultOptions()
	opts.MaxIterations = 2

	sum := Solve(opts, p)

	assert.Equal(t, NoConvergence, sum.Termination)
	assert.Equal(t, 2, sum.Iterations)
	assert.True(t, sum.IsSolutionUsable())
	assert.LessOrEqual(t, sum.FinalCost, sum.InitialCost)
}

func TestSolve_ZeroIterations(t *testing.T) {
	p := NewProblem([]float64{3})
	p.AddResidualBlock(residualFunc{1, func(x, r []float64) bool { r[0] = x[0]; return true }})
	opts := DefaultOptions()
	opts.MaxIterations = 0

	sum := Solve(opts, p)

	assert.Equal(t, NoConvergence, sum.Termination)
	assert.Equal(t, 3.0, p.Parameters()[0])
}

func TestSolve_FailureAtStart(t *testing.T) {
	p := NewProblem([]float64{1})
	p.AddResidualBlock(residualFunc{1, func(x, r []float64) bool { return false }})

	sum := Solve(DefaultOptions(), p)

	assert.Equal(t, Failure, sum.Termination)
	assert.False(t, sum.IsSolutionUsable())
	assert.True(t, math.IsNaN(sum.FinalCost))
}

func TestSolve_NonFiniteResidual(t *testing.T) {
	p := NewProblem([]float64{1})
	p.AddResidualBlock(residualFunc{1, func(x, r []float64) bool { r[0] = math.Inf(1); return true }})

	sum := Solve(DefaultOptions(), p)
	assert.Equal(t, Failure, sum.Termination)
}

func TestSolve_RejectsStepsOutsideDomain(t *testing.T) {
	// sqrt(x) - 0.5 is undefined for x < 0; the first undamped step from
	// x=4 overshoots below zero and must be rejected, not accepted.
	p := NewProblem([]float64{4})
	p.AddResidualBlock(residualFunc{1, func(x, r []float64) bool {
		if x[0] < 0 {
			return false
		}
		r[0] = math.Sqrt(x[0]) - 0.5
		return true
	}})
	opts := DefaultOptions()
	opts.MaxIterations = 100

	sum := Solve(opts, p)

	require.True(t, sum.IsSolutionUsable(), sum.Message)
	assert.InDelta(t, 0.25, p.Parameters()[0], 1e-4)
}

func TestSolve_EmptyProblem(t *testing.T) {
	sum := Solve(DefaultOptions(), NewProblem(nil))
	assert.Equal(t, Convergence, sum.Termination)
	assert.Equal(t, 0.0, sum.FinalCost)
}

func TestSolve_ConcurrentMatchesSequential(t *testing.T) {
	build := func(calls *atomic.Int64) *Problem {
		p := NewProblem([]float64{0.5, -0.3, 0.1})
		for k := 0; k < 12; k++ {
			tk := float64(k) / 4
			p.AddResidualBlock(residualFunc{2, func(x, r []float64) bool {
				if calls != nil {
					calls.Add(1)
				}
				r[0] = x[0]*math.Exp(x[1]*tk) + x[2] - (1.5*math.Exp(-0.7*tk) + 0.2)
				r[1] = 0.1 * (x[0] - x[2])
				return true
			}})
		}
		return p
	}

	var calls atomic.Int64
	seq := build(nil)
	par := build(&calls)

	opts := DefaultOptions()
	sumSeq := Solve(opts, seq)
	opts.Concurrency = 4
	sumPar := Solve(opts, par)

	assert.Equal(t, seq.Parameters(), par.Parameters())
	assert.Equal(t, sumSeq.FinalCost, sumPar.FinalCost)
	assert.Equal(t, sumSeq.Iterations, sumPar.Iterations)
	assert.Positive(t, calls.Load())
}

func TestSolve_Logf(t *testing.T) {
	p := NewProblem([]float64{-1.2, 1})
	for _, c := range rosenbrock() {
		p.AddResidualBlock(c)
	}
	var lines []string
	opts := DefaultOptions()
	opts.Logf = func(format string, args ...any) {
		lines = append(lines, format)
	}
	Solve(opts, p)
	assert.NotEmpty(t, lines)
}

func TestSummary_BriefReport(t *testing.T) {
	s := Summary{Iterations: 3, InitialCost: 10, FinalCost: 0.5, Termination: NoConvergence}
	report := s.BriefReport()
	assert.True(t, strings.HasPrefix(report, "Solver Report: Iterations: 3"))
	assert.Contains(t, report, "NO_CONVERGENCE")
	assert.Equal(t, "TerminationType(9)", TerminationType(9).String())
}

func TestProblem_Cost(t *testing.T) {
	p := NewProblem([]float64{1, 2})
	p.AddResidualBlock(residualFunc{2, func(x, r []float64) bool { r[0], r[1] = x[0], x[1]; return true }})
	cost, ok := p.Cost([]float64{3, 4})
	assert.True(t, ok)
	assert.Equal(t, 12.5, cost)
	assert.Equal(t, 1, p.NumResidualBlocks())
}

func TestSolve_DenseLMLinearFit(t *testing.T) {
	xs := []float64{0, 1, 2, 3, 4}
	p := NewProblem([]float64{0, 0})
	for _, xi := range xs {
		xi := xi
		p.AddResidualBlock(residualFunc{1, func(x, r []float64) bool {
			r[0] = x[0]*xi + x[1] - (2*xi - 1)
			return true
		}})
	}
	opts := DefaultOptions()
	opts.Method = DenseLM
	opts.MaxIterations = 100

	sum := Solve(opts, p)

	require.True(t, sum.IsSolutionUsable(), sum.Message)
	assert.True(t, strings.HasPrefix(sum.Message, "dense lm"), sum.Message)
	assert.Positive(t, sum.Iterations)
	assert.InDelta(t, 2.0, p.Parameters()[0], 1e-4)
	assert.InDelta(t, -1.0, p.Parameters()[1], 1e-4)
	assert.LessOrEqual(t, sum.FinalCost, sum.InitialCost)
}

func TestSolve_DenseLMFallsBackWhenBounded(t *testing.T) {
	p := NewProblem([]float64{0})
	p.AddResidualBlock(residualFunc{1, func(x, r []float64) bool { r[0] = x[0] - 3; return true }})
	p.SetParameterUpperBound(0, 1)
	assert.True(t, p.bounded())

	opts := DefaultOptions()
	opts.Method = DenseLM
	sum := Solve(opts, p)

	assert.Equal(t, Convergence, sum.Termination, sum.Message)
	assert.False(t, strings.HasPrefix(sum.Message, "dense lm"), sum.Message)
	assert.Equal(t, 1.0, p.Parameters()[0])
}

func TestParseMethod(t *testing.T) {
	for _, m := range []Method{TrustRegion, DenseLM} {
		got, err := ParseMethod(m.String())
		require.NoError(t, err)
		assert.Equal(t, m, got)
	}
	got, err := ParseMethod("")
	require.NoError(t, err)
	assert.Equal(t, TrustRegion, got)

	_, err = ParseMethod("gauss_newton")
	assert.Error(t, err)
	assert.Equal(t, "Method(7)", Method(7).String())
}
