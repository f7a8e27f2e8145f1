package recon

import (
	"math"

	"github.com/banshee-data/facefit/internal/camera"
	"github.com/banshee-data/facefit/internal/geom"
	"github.com/banshee-data/facefit/internal/prior"
	"github.com/banshee-data/facefit/internal/tensor"
	"gonum.org/v1/gonum/spatial/r3"
)

// Every residual here is safe for concurrent Evaluate calls: each holds its
// own single-vertex tensor model and contracts it into local buffers.

func landmarkResidual(q r3.Vec, c Constraint2D, r []float64) {
	r[0] = (q.X - c.Data.X) * c.Weight
	r[1] = (q.Y - c.Data.Y) * c.Weight
}

func pointFromTM(tm []float64) r3.Vec {
	return r3.Vec{X: tm[0], Y: tm[1], Z: tm[2]}
}

// PoseCost is the residual of one landmark over the six pose parameters
// (yaw, pitch, roll, tx, ty, tz). The vertex position is fixed.
type PoseCost struct {
	point      r3.Vec
	constraint Constraint2D
	cam        camera.Parameters
}

// NewPoseCost returns the pose residual for a landmark whose model has its
// weights applied.
func NewPoseCost(model *tensor.Model, c Constraint2D, cam camera.Parameters) *PoseCost {
	return &PoseCost{point: pointFromTM(model.TM()), constraint: c, cam: cam}
}

func (c *PoseCost) NumResiduals() int { return 2 }

func (c *PoseCost) Evaluate(params, r []float64) bool {
	view := geom.ViewMatrix(
		r3.Vec{X: params[0], Y: params[1], Z: params[2]},
		r3.Vec{X: params[3], Y: params[4], Z: params[5]},
	)
	landmarkResidual(camera.ProjectPoint(c.point, view, c.cam), c.constraint, r)
	return true
}

// IdentityCost is the residual of one landmark over the identity weights,
// with expression and pose held fixed.
type IdentityCost struct {
	model      *tensor.Model
	constraint Constraint2D
	view       geom.Mat4
	cam        camera.Parameters
}

// NewIdentityCost takes ownership of model, a single-vertex projection with
// its weights applied.
func NewIdentityCost(model *tensor.Model, c Constraint2D, view geom.Mat4, cam camera.Parameters) *IdentityCost {
	return &IdentityCost{model: model, constraint: c, view: view, cam: cam}
}

func (c *IdentityCost) NumResiduals() int { return 2 }

func (c *IdentityCost) Evaluate(wid, r []float64) bool {
	tm := c.model.EvaluateIdentity(wid, make([]float64, 3))
	landmarkResidual(camera.ProjectPoint(pointFromTM(tm), c.view, c.cam), c.constraint, r)
	return true
}

// ExpressionCost is the residual of one landmark over the reduced
// expression coefficients, mapped to native weights through the expression
// basis, with identity and pose held fixed.
type ExpressionCost struct {
	model      *tensor.Model
	basis      *prior.Space
	constraint Constraint2D
	view       geom.Mat4
	cam        camera.Parameters
}

// NewExpressionCost takes ownership of model as NewIdentityCost does.
func NewExpressionCost(model *tensor.Model, basis *prior.Space, c Constraint2D, view geom.Mat4, cam camera.Parameters) *ExpressionCost {
	return &ExpressionCost{model: model, basis: basis, constraint: c, view: view, cam: cam}
}

func (c *ExpressionCost) NumResiduals() int { return 2 }

func (c *ExpressionCost) Evaluate(reduced, r []float64) bool {
	native := c.basis.MapReduced(reduced, nil)
	tm := c.model.EvaluateExpression(native, make([]float64, 3))
	landmarkResidual(camera.ProjectPoint(pointFromTM(tm), c.view, c.cam), c.constraint, r)
	return true
}

// PriorCost is sqrt(weight * Mahalanobis(w)) against a prior's average.
// With mapReduced set the parameters are reduced coefficients and are
// mapped through the prior's basis first.
type PriorCost struct {
	space      *prior.Space
	weight     float64
	mapReduced bool
}

// NewPriorCost returns the prior residual for the native weight space.
func NewPriorCost(space *prior.Space, weight float64) *PriorCost {
	return &PriorCost{space: space, weight: weight}
}

// NewReducedPriorCost returns the prior residual for reduced coefficients.
func NewReducedPriorCost(space *prior.Space, weight float64) *PriorCost {
	return &PriorCost{space: space, weight: weight, mapReduced: true}
}

func (c *PriorCost) NumResiduals() int { return 1 }

func (c *PriorCost) Evaluate(w, r []float64) bool {
	if c.mapReduced {
		w = c.space.MapReduced(w, nil)
	}
	// Rounding can push a zero distance slightly negative.
	r[0] = math.Sqrt(math.Max(c.weight*c.space.Mahalanobis(w, nil), 0))
	return true
}
