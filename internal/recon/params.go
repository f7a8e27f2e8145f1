package recon

import (
	"math"

	"github.com/banshee-data/facefit/internal/geom"
	"gonum.org/v1/gonum/spatial/r2"
	"gonum.org/v1/gonum/spatial/r3"
)

// Constraint2D binds an observed image point to a model vertex. Weight
// scales both components of the landmark's residual.
type Constraint2D struct {
	Data        r2.Vec
	Weight      float64
	VertexIndex int
}

// ConstraintsFromPoints returns one constraint per point with the given
// weight and vertex index -1 (unbound).
func ConstraintsFromPoints(points []r2.Vec, weight float64) []Constraint2D {
	out := make([]Constraint2D, len(points))
	for i, p := range points {
		out[i] = Constraint2D{Data: p, Weight: weight, VertexIndex: -1}
	}
	return out
}

// ReconstructionParameters is the per-image input.
type ReconstructionParameters struct {
	ImageWidth  int
	ImageHeight int
	Constraints []Constraint2D
}

// ModelParameters is the state being estimated.
type ModelParameters struct {
	Identity []float64

	// ExpressionReduced are the optimised reduced coefficients; Expression
	// is always ExpressionReducedᵗ * basis.
	ExpressionReduced []float64
	Expression        []float64

	Rotation    r3.Vec // Euler angles in radians: X yaw, Y pitch, Z roll
	Translation r3.Vec
}

// View returns the view transform for the current pose.
func (m *ModelParameters) View() geom.Mat4 {
	return geom.ViewMatrix(m.Rotation, m.Translation)
}

// Clone returns a deep copy.
func (m ModelParameters) Clone() ModelParameters {
	m.Identity = append([]float64(nil), m.Identity...)
	m.ExpressionReduced = append([]float64(nil), m.ExpressionReduced...)
	m.Expression = append([]float64(nil), m.Expression...)
	return m
}

// PriorWeights are the prior trust weights, annealed once per outer
// iteration.
type PriorWeights struct {
	Identity   float64
	Expression float64
}

// anneal lowers both weights by their decay, stopping at zero.
func (w *PriorWeights) anneal(identityDecay, expressionDecay float64) {
	w.Identity = math.Max(w.Identity-identityDecay, 0)
	w.Expression = math.Max(w.Expression-expressionDecay, 0)
}

// OptimizationParameters bound the outer loop. Zero values keep the
// configured schedule: MaxIters > 0 replaces the outer iteration count, and
// positive thresholds stop the loop once the RMS landmark error (pixels)
// falls below ErrorThreshold or changes by less than ErrorDiffThreshold
// between iterations.
type OptimizationParameters struct {
	MaxIters           int
	ErrorThreshold     float64
	ErrorDiffThreshold float64
}

// IterationStats summarises one outer iteration.
type IterationStats struct {
	Iteration             int
	PoseCost              float64 // final cost of the last pose solve
	ExpressionCost        float64
	IdentityCost          float64
	RMSError              float64 // pixels, over the bound constraints
	IdentityTrustWeight   float64
	ExpressionTrustWeight float64
	ContourRebinds        int
}
