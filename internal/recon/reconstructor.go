// Package recon fits a multilinear face model to 2D landmarks in a single
// image. The Reconstructor alternates pose, expression and identity solves,
// annealing the prior trust weights and re-selecting silhouette vertices
// for the contour landmarks after every outer iteration.
package recon

import (
	"fmt"
	"math"
	"runtime"

	"github.com/banshee-data/facefit/internal/camera"
	"github.com/banshee-data/facefit/internal/geom"
	"github.com/banshee-data/facefit/internal/mesh"
	"github.com/banshee-data/facefit/internal/prior"
	"github.com/banshee-data/facefit/internal/solver"
	"github.com/banshee-data/facefit/internal/tensor"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/spatial/r2"
	"gonum.org/v1/gonum/spatial/r3"
)

// Reconstructor owns every piece of mutable state for one fit. It is not
// safe for concurrent use.
type Reconstructor struct {
	cfg Config
	opt OptimizationParameters

	model *tensor.Model
	prior *prior.Bundle
	mesh  *mesh.Mesh

	width, height int
	cam           camera.Parameters

	initialIndices []int
	indices        []int
	constraints    []Constraint2D
	contour        [][]int

	params  ModelParameters
	weights PriorWeights
	history []IterationStats
}

// NewReconstructor returns a reconstructor with the given schedule.
func NewReconstructor(cfg Config) (*Reconstructor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("recon: invalid config: %w", err)
	}
	return &Reconstructor{cfg: cfg}, nil
}

// Config returns the schedule in use.
func (r *Reconstructor) Config() Config { return r.cfg }

// LoadModel reads the multilinear model from path.
func (r *Reconstructor) LoadModel(path string) error {
	m, err := tensor.Load(path)
	if err != nil {
		return err
	}
	r.model = m
	return nil
}

// SetModel uses m as the geometry model.
func (r *Reconstructor) SetModel(m *tensor.Model) { r.model = m }

// LoadPriors reads the identity and expression prior files.
func (r *Reconstructor) LoadPriors(identityPath, expressionPath string) error {
	b, err := prior.Load(identityPath, expressionPath)
	if err != nil {
		return err
	}
	r.prior = b
	return nil
}

// SetPrior uses b as the prior bundle.
func (r *Reconstructor) SetPrior(b *prior.Bundle) { r.prior = b }

// LoadMesh reads the mesh topology from an OBJ file.
func (r *Reconstructor) LoadMesh(path string) error {
	m, err := mesh.LoadOBJ(path)
	if err != nil {
		return err
	}
	r.mesh = m
	return nil
}

// SetMesh uses m as the mesh. Its vertices are overwritten during the fit.
func (r *Reconstructor) SetMesh(m *mesh.Mesh) { r.mesh = m }

// SetImageSize sets the image dimensions in pixels.
func (r *Reconstructor) SetImageSize(width, height int) {
	r.width, r.height = width, height
}

// SetIndices sets the initial vertex index of each landmark. The slice is
// copied; every Reconstruct starts from this binding.
func (r *Reconstructor) SetIndices(indices []int) {
	r.initialIndices = append([]int(nil), indices...)
}

// SetConstraints sets the observed landmarks. The slice is copied.
func (r *Reconstructor) SetConstraints(constraints []Constraint2D) {
	r.constraints = append([]Constraint2D(nil), constraints...)
}

// SetReconstructionParameters sets the image size and constraints together.
func (r *Reconstructor) SetReconstructionParameters(p ReconstructionParameters) {
	r.SetImageSize(p.ImageWidth, p.ImageHeight)
	r.SetConstraints(p.Constraints)
}

// SetContourIndices sets the silhouette candidate groups.
func (r *Reconstructor) SetContourIndices(groups [][]int) {
	r.contour = make([][]int, len(groups))
	for i, g := range groups {
		r.contour[i] = append([]int(nil), g...)
	}
}

// SetOptimizationParameters sets the outer-loop limits.
func (r *Reconstructor) SetOptimizationParameters(p OptimizationParameters) { r.opt = p }

func (r *Reconstructor) validate() error {
	switch {
	case r.model == nil:
		return preconditionf("no geometry model")
	case r.prior == nil || r.prior.Identity == nil || r.prior.Expression == nil:
		return preconditionf("no prior")
	case r.mesh == nil:
		return preconditionf("no mesh")
	case r.width <= 0 || r.height <= 0:
		return preconditionf("image size %dx%d", r.width, r.height)
	case len(r.initialIndices) == 0:
		return preconditionf("no landmark indices")
	case len(r.constraints) < len(r.initialIndices):
		return preconditionf("%d constraints for %d landmark indices", len(r.constraints), len(r.initialIndices))
	case r.cfg.NumContourPoints > len(r.initialIndices):
		return preconditionf("%d contour points but only %d landmarks", r.cfg.NumContourPoints, len(r.initialIndices))
	case r.cfg.NumContourPoints > 0 && len(r.contour) == 0:
		return preconditionf("%d contour points but no contour groups", r.cfg.NumContourPoints)
	}

	for _, i := range r.cfg.PupilLandmarks {
		if i >= len(r.constraints) {
			return preconditionf("pupil landmark %d with %d constraints", i, len(r.constraints))
		}
	}

	nID, nExp, _ := r.model.Dims()
	nv := r.model.VertexCount()
	if r.mesh.VertexCount() != nv {
		return preconditionf("mesh has %d vertices, model has %d", r.mesh.VertexCount(), nv)
	}
	for k, v := range r.initialIndices {
		if v < 0 || v >= nv {
			return preconditionf("landmark %d bound to vertex %d of %d", k, v, nv)
		}
	}
	for k, c := range r.constraints {
		if math.IsNaN(c.Data.X) || math.IsNaN(c.Data.Y) || math.IsInf(c.Data.X, 0) || math.IsInf(c.Data.Y, 0) {
			return preconditionf("constraint %d has a non-finite point", k)
		}
	}
	for g, group := range r.contour {
		if len(group) == 0 {
			return preconditionf("contour group %d is empty", g)
		}
		for _, v := range group {
			if v < 0 || v >= nv {
				return preconditionf("contour group %d references vertex %d of %d", g, v, nv)
			}
		}
	}

	if d := r.prior.Identity.Dims(); d != nID {
		return preconditionf("identity prior has %d dims, model has %d", d, nID)
	}
	if d := r.prior.Expression.Dims(); d != nExp {
		return preconditionf("expression prior has %d dims, model has %d", d, nExp)
	}
	if rows, cols := r.prior.Expression.BasisDims(); rows == 0 || cols != nExp {
		return preconditionf("expression basis is %dx%d, model has %d expression dims", rows, cols, nExp)
	}
	return nil
}

func (r *Reconstructor) initialize() {
	r.cam = camera.NewParameters(r.width, r.height, r.cfg.FocalLength)

	rows, _ := r.prior.Expression.BasisDims()
	reduced := make([]float64, rows)
	reduced[0] = 1
	for i := 1; i < rows; i++ {
		reduced[i] = r.cfg.NeutralEpsilon
	}
	r.params = ModelParameters{
		Identity:          append([]float64(nil), r.prior.Identity.Average...),
		ExpressionReduced: reduced,
		Expression:        r.prior.Expression.MapReduced(reduced, nil),
		Translation:       r.cfg.InitialTranslation,
	}
	r.model.ApplyWeights(r.params.Identity, r.params.Expression)

	r.indices = append(r.indices[:0], r.initialIndices...)
	for i, v := range r.indices {
		r.constraints[i].VertexIndex = v
	}
	for i := 0; i < r.cfg.NumContourPoints; i++ {
		r.constraints[i].Weight = r.cfg.InitialContourWeight
	}

	r.weights = PriorWeights{
		Identity:   r.cfg.IdentityTrustWeight,
		Expression: r.cfg.ExpressionTrustWeight,
	}
	r.history = r.history[:0]
}

// Reconstruct runs the full alternating fit. Only configuration errors are
// returned; a solve that stops at its iteration cap is accepted as is.
func (r *Reconstructor) Reconstruct() error {
	if err := r.validate(); err != nil {
		Opsf("reconstruction aborted: %v", err)
		return err
	}
	r.initialize()

	outer := r.cfg.OuterIterations
	if r.opt.MaxIters > 0 {
		outer = r.opt.MaxIters
	}
	scale := r.priorScale()
	Opsf("reconstruction begins: %d landmarks, %d contour groups, image %dx%d, %d iterations, prior scale %.4f",
		len(r.indices), len(r.contour), r.width, r.height, outer, scale)

	prevRMS := math.NaN()
	for iter := 1; iter <= outer; iter++ {
		stats := IterationStats{
			Iteration:             iter,
			IdentityTrustWeight:   r.weights.Identity,
			ExpressionTrustWeight: r.weights.Expression,
		}

		r.optimizePose()
		stats.ExpressionCost = r.optimizeExpression(iter, scale).FinalCost
		r.optimizePose()
		stats.IdentityCost = r.optimizeIdentity(iter, scale).FinalCost
		stats.PoseCost = r.optimizePose().FinalCost

		if err := r.refreshGeometry(); err != nil {
			return err
		}
		stats.ContourRebinds = r.updateContour()
		stats.RMSError = r.rmsError()

		r.weights.anneal(r.cfg.IdentityTrustDecay, r.cfg.ExpressionTrustDecay)
		for i := 0; i < r.cfg.NumContourPoints; i++ {
			r.constraints[i].Weight = math.Sqrt(r.constraints[i].Weight)
		}

		r.history = append(r.history, stats)
		Diagf("iteration %d: rms %.4fpx, pose cost %e, contour rebinds %d",
			iter, stats.RMSError, stats.PoseCost, stats.ContourRebinds)

		if r.opt.ErrorThreshold > 0 && stats.RMSError < r.opt.ErrorThreshold {
			Opsf("stopping after iteration %d: rms %.4f below %.4f", iter, stats.RMSError, r.opt.ErrorThreshold)
			break
		}
		if r.opt.ErrorDiffThreshold > 0 && math.Abs(prevRMS-stats.RMSError) < r.opt.ErrorDiffThreshold {
			Opsf("stopping after iteration %d: rms change %.6f below %.6f",
				iter, math.Abs(prevRMS-stats.RMSError), r.opt.ErrorDiffThreshold)
			break
		}
		prevRMS = stats.RMSError
	}

	r.model.ApplyWeights(r.params.Identity, r.params.Expression)
	Opsf("reconstruction done: R %v T %v", r.params.Rotation, r.params.Translation)
	return nil
}

// priorScale is the inter-pupillary distance divided by the configured
// divisor, so that prior strength follows face size in the image.
func (r *Reconstructor) priorScale() float64 {
	p := r.cfg.PupilLandmarks
	c := r.constraints
	left := r2.Scale(0.5, r2.Add(c[p[0]].Data, c[p[1]].Data))
	right := r2.Scale(0.5, r2.Add(c[p[2]].Data, c[p[3]].Data))
	return r2.Norm(r2.Sub(left, right)) / r.cfg.PupilScaleDivisor
}

func (r *Reconstructor) solverOptions(maxIterations int) solver.Options {
	opts := r.cfg.Solver
	opts.MaxIterations = maxIterations
	if r.cfg.ConcurrentResiduals {
		opts.Concurrency = runtime.GOMAXPROCS(0)
	}
	if traceEnabled() {
		opts.Logf = Tracef
	}
	return opts
}

// landmarkModels returns one single-vertex model per bound landmark with
// the current weights applied.
func (r *Reconstructor) landmarkModels() []*tensor.Model {
	out := make([]*tensor.Model, len(r.indices))
	for i, v := range r.indices {
		m, err := r.model.Project([]int{v})
		if err != nil {
			// Indices are validated before the loop starts and only
			// rebound to contour vertices, which are validated too.
			panic(err)
		}
		m.ApplyWeights(r.params.Identity, r.params.Expression)
		out[i] = m
	}
	return out
}

func (r *Reconstructor) optimizePose() solver.Summary {
	rot, trans := r.params.Rotation, r.params.Translation
	params := []float64{rot.X, rot.Y, rot.Z, trans.X, trans.Y, trans.Z}
	problem := solver.NewProblem(params)
	for i, m := range r.landmarkModels() {
		problem.AddResidualBlock(NewPoseCost(m, r.constraints[i], r.cam))
	}

	sum := solver.Solve(r.solverOptions(r.cfg.PoseIterations), problem)
	r.params.Rotation = r3.Vec{X: params[0], Y: params[1], Z: params[2]}
	r.params.Translation = r3.Vec{X: params[3], Y: params[4], Z: params[5]}

	Diagf("pose: %s", sum.BriefReport())
	Diagf("R: %v -> %v", rot, r.params.Rotation)
	Diagf("T: %v -> %v", trans, r.params.Translation)
	return sum
}

func (r *Reconstructor) optimizeExpression(iteration int, scale float64) solver.Summary {
	view := r.params.View()
	space := r.prior.Expression
	params := append([]float64(nil), r.params.ExpressionReduced...)

	problem := solver.NewProblem(params)
	for i, m := range r.landmarkModels() {
		problem.AddResidualBlock(NewExpressionCost(m, space, r.constraints[i], view, r.cam))
	}
	problem.AddResidualBlock(NewReducedPriorCost(space, r.weights.Expression*scale))
	for i := range params {
		problem.SetParameterLowerBound(i, -r.cfg.ExpressionBound)
		problem.SetParameterUpperBound(i, r.cfg.ExpressionBound)
	}

	sum := solver.Solve(r.solverOptions(iteration*r.cfg.InnerIterationsPerOuter), problem)
	Diagf("expression: %s", sum.BriefReport())
	Diagf("expression: %v -> %v", r.params.ExpressionReduced, params)

	r.params.ExpressionReduced = params
	r.params.Expression = space.MapReduced(params, r.params.Expression)
	return sum
}

func (r *Reconstructor) optimizeIdentity(iteration int, scale float64) solver.Summary {
	view := r.params.View()
	space := r.prior.Identity
	params := append([]float64(nil), r.params.Identity...)

	problem := solver.NewProblem(params)
	for i, m := range r.landmarkModels() {
		problem.AddResidualBlock(NewIdentityCost(m, r.constraints[i], view, r.cam))
	}
	problem.AddResidualBlock(NewPriorCost(space, r.weights.Identity*scale))

	sum := solver.Solve(r.solverOptions(iteration*r.cfg.InnerIterationsPerOuter), problem)
	Diagf("identity: %s", sum.BriefReport())
	Diagf("identity: %v -> %v", r.params.Identity, params)

	r.params.Identity = params
	return sum
}

func (r *Reconstructor) refreshGeometry() error {
	r.model.ApplyWeights(r.params.Identity, r.params.Expression)
	if err := r.mesh.UpdateVertices(r.model.TM()); err != nil {
		return fmt.Errorf("recon: refresh mesh: %w", err)
	}
	r.mesh.ComputeNormals()
	return nil
}

// updateContour rebinds the contour constraints and keeps the index list in
// step with them.
func (r *Reconstructor) updateContour() int {
	n := r.cfg.NumContourPoints
	if n == 0 {
		return 0
	}
	candidates := SilhouetteCandidates(r.mesh, r.contour, geom.RotationMatrix(r.params.Rotation))
	changed := UpdateContourCorrespondences(r.constraints, n, candidates, r.params.View(), r.cam, r.cfg.ContourAcceptDistance)
	for i := 0; i < n; i++ {
		r.indices[i] = r.constraints[i].VertexIndex
	}
	return changed
}

// rmsError is the unweighted RMS pixel distance between each bound
// constraint and the projection of its mesh vertex.
func (r *Reconstructor) rmsError() float64 {
	proj := r.ProjectedLandmarks()
	d := make([]float64, 0, 2*len(proj))
	for i, q := range proj {
		d = append(d, q.X-r.constraints[i].Data.X, q.Y-r.constraints[i].Data.Y)
	}
	return floats.Norm(d, 2) / math.Sqrt(float64(len(proj)))
}

// ProjectedLandmarks projects the mesh vertex bound to each landmark with
// the current pose.
func (r *Reconstructor) ProjectedLandmarks() []r2.Vec {
	if r.mesh == nil {
		return nil
	}
	view := r.params.View()
	out := make([]r2.Vec, len(r.indices))
	for i, v := range r.indices {
		out[i] = camera.ProjectPoint2(r.mesh.Vertex(v), view, r.cam)
	}
	return out
}

// Rotation returns the Euler angles (X yaw, Y pitch, Z roll).
func (r *Reconstructor) Rotation() r3.Vec { return r.params.Rotation }

// Translation returns the model translation.
func (r *Reconstructor) Translation() r3.Vec { return r.params.Translation }

// IdentityWeights returns a copy of the identity weights.
func (r *Reconstructor) IdentityWeights() []float64 {
	return append([]float64(nil), r.params.Identity...)
}

// ExpressionWeights returns a copy of the reduced expression coefficients.
func (r *Reconstructor) ExpressionWeights() []float64 {
	return append([]float64(nil), r.params.ExpressionReduced...)
}

// NativeExpressionWeights returns a copy of the native expression weights.
func (r *Reconstructor) NativeExpressionWeights() []float64 {
	return append([]float64(nil), r.params.Expression...)
}

// Parameters returns a copy of the full model state.
func (r *Reconstructor) Parameters() ModelParameters { return r.params.Clone() }

// Geometry returns a copy of the fitted vertex coordinates (x, y, z per
// vertex).
func (r *Reconstructor) Geometry() []float64 {
	if r.model == nil {
		return nil
	}
	return append([]float64(nil), r.model.TM()...)
}

// Mesh returns the mesh, whose vertices hold the fitted geometry after
// Reconstruct.
func (r *Reconstructor) Mesh() *mesh.Mesh { return r.mesh }

// CameraParameters returns the camera used by the last Reconstruct.
func (r *Reconstructor) CameraParameters() camera.Parameters { return r.cam }

// Indices returns a copy of the current landmark-to-vertex binding.
func (r *Reconstructor) Indices() []int { return append([]int(nil), r.indices...) }

// Constraints returns a copy of the constraints with their current weights
// and vertex bindings.
func (r *Reconstructor) Constraints() []Constraint2D {
	return append([]Constraint2D(nil), r.constraints...)
}

// TrustWeights returns the prior trust weights as left by the last
// annealing step.
func (r *Reconstructor) TrustWeights() PriorWeights { return r.weights }

// History returns the per-iteration statistics of the last Reconstruct.
func (r *Reconstructor) History() []IterationStats {
	return append([]IterationStats(nil), r.history...)
}
