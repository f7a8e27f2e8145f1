// Package solver minimises sums of squared residuals over a single parameter
// block with optional per-parameter box bounds, using Levenberg-Marquardt
// with central-difference Jacobians. Unbounded problems can instead be
// handed to github.com/maorshutman/lm through Options.Method.
package solver

import (
	"errors"
	"math"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
)

// CostFunction is one residual block. Evaluate writes NumResiduals values
// into residuals and reports false if the parameters are outside the
// function's domain. Implementations must not retain or modify params.
//
// When Options.Concurrency > 1, Evaluate is called concurrently on the same
// value and must not mutate shared state.
type CostFunction interface {
	NumResiduals() int
	Evaluate(params, residuals []float64) bool
}

var errEvaluation = errors.New("solver: residual evaluation failed")

// Problem is a parameter vector, updated in place by Solve, and the residual
// blocks that depend on it.
type Problem struct {
	params  []float64
	lower   []float64
	upper   []float64
	blocks  []CostFunction
	offsets []int
	nres    int
}

// NewProblem wraps params. The slice is owned by the problem until Solve
// returns and holds the solution afterwards.
func NewProblem(params []float64) *Problem {
	p := &Problem{
		params: params,
		lower:  make([]float64, len(params)),
		upper:  make([]float64, len(params)),
	}
	for i := range params {
		p.lower[i] = math.Inf(-1)
		p.upper[i] = math.Inf(1)
	}
	return p
}

// AddResidualBlock appends a residual block.
func (p *Problem) AddResidualBlock(c CostFunction) {
	p.offsets = append(p.offsets, p.nres)
	p.blocks = append(p.blocks, c)
	p.nres += c.NumResiduals()
}

// SetParameterLowerBound bounds parameter i from below.
func (p *Problem) SetParameterLowerBound(i int, v float64) { p.lower[i] = v }

// SetParameterUpperBound bounds parameter i from above.
func (p *Problem) SetParameterUpperBound(i int, v float64) { p.upper[i] = v }

// NumParameters returns the parameter count.
func (p *Problem) NumParameters() int { return len(p.params) }

// NumResiduals returns the total residual count over all blocks.
func (p *Problem) NumResiduals() int { return p.nres }

// NumResidualBlocks returns the number of blocks.
func (p *Problem) NumResidualBlocks() int { return len(p.blocks) }

// Parameters returns the parameter slice passed to NewProblem.
func (p *Problem) Parameters() []float64 { return p.params }

// Cost evaluates 0.5*|r(x)|² at x. ok is false if any block fails.
func (p *Problem) Cost(x []float64) (cost float64, ok bool) {
	r := make([]float64, p.nres)
	if !p.evaluate(x, r, 1) {
		return math.Inf(1), false
	}
	return 0.5 * floats.Dot(r, r), true
}

// evaluate fills r with every block's residuals. Blocks write disjoint
// ranges, so concurrent evaluation gives the same result as sequential.
func (p *Problem) evaluate(x, r []float64, concurrency int) bool {
	if concurrency <= 1 || len(p.blocks) < 2 {
		for i, b := range p.blocks {
			off := p.offsets[i]
			if !b.Evaluate(x, r[off:off+b.NumResiduals()]) {
				return false
			}
		}
		return allFinite(r)
	}

	var g errgroup.Group
	g.SetLimit(concurrency)
	for i, b := range p.blocks {
		b := b
		off := p.offsets[i]
		g.Go(func() error {
			if !b.Evaluate(x, r[off:off+b.NumResiduals()]) {
				return errEvaluation
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return false
	}
	return allFinite(r)
}

func (p *Problem) clamp(x []float64) {
	for i := range x {
		x[i] = math.Min(math.Max(x[i], p.lower[i]), p.upper[i])
	}
}

func allFinite(v []float64) bool {
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}
