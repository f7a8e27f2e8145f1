// Package synth builds a deterministic synthetic fitting scene: an
// ellipsoidal head mesh, a small multilinear model over it, matching
// priors, contour groups and landmarks projected from a known pose.
package synth

import (
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/banshee-data/facefit/internal/camera"
	"github.com/banshee-data/facefit/internal/geom"
	"github.com/banshee-data/facefit/internal/landmarks"
	"github.com/banshee-data/facefit/internal/mesh"
	"github.com/banshee-data/facefit/internal/prior"
	"github.com/banshee-data/facefit/internal/tensor"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r2"
	"gonum.org/v1/gonum/spatial/r3"
)

// Mesh layout: rings of constant latitude from the top (ring 1) to the
// bottom (ring Rings-1), Segments vertices per ring, segment 0 facing +z.
const (
	Rings    = 10
	Segments = 16

	NumIdentity   = 3
	NumExpression = 4

	// NumContour leading landmarks sit on the sides of the head.
	NumContour = 15

	radiusX = 0.25
	radiusY = 0.32
	radiusZ = 0.25
)

// VertexIndex returns the vertex on ring (1..Rings-1) and segment
// (wrapped into 0..Segments-1).
func VertexIndex(ring, segment int) int {
	segment = ((segment % Segments) + Segments) % Segments
	return (ring-1)*Segments + segment
}

// Truth is the ground truth a scene's landmarks are generated from.
type Truth struct {
	Rotation          r3.Vec
	Translation       r3.Vec
	Identity          []float64
	ExpressionReduced []float64
	Width, Height     int
}

// NeutralExpression is the reduced expression a fit starts from.
func NeutralExpression(epsilon float64) []float64 {
	return []float64{1, epsilon, epsilon}
}

// DefaultTruth is a mildly rotated neutral face two units from the camera.
func DefaultTruth() Truth {
	return Truth{
		Rotation:          r3.Vec{X: 0.12, Y: -0.08, Z: 0.05},
		Translation:       r3.Vec{X: 0.04, Y: -0.03, Z: -2.0},
		Identity:          []float64{1, 0, 0},
		ExpressionReduced: NeutralExpression(1e-6),
		Width:             640,
		Height:            480,
	}
}

// Scene is every input a fit needs plus the truth it was built from.
type Scene struct {
	Truth   Truth
	Model   *tensor.Model
	Mesh    *mesh.Mesh
	Prior   *prior.Bundle
	Indices []int
	Contour [][]int
	Points  []r2.Vec
}

// NewScene builds the scene for truth.
func NewScene(truth Truth) (*Scene, error) {
	if len(truth.Identity) != NumIdentity {
		return nil, fmt.Errorf("synth: identity has %d weights, want %d", len(truth.Identity), NumIdentity)
	}
	if len(truth.ExpressionReduced) != NumExpression-1 {
		return nil, fmt.Errorf("synth: reduced expression has %d weights, want %d", len(truth.ExpressionReduced), NumExpression-1)
	}

	base := ellipsoid()
	model, err := tensor.New(NumIdentity, NumExpression, 3*len(base), coreTensor(base))
	if err != nil {
		return nil, err
	}
	m, err := mesh.New(base, faces())
	if err != nil {
		return nil, err
	}
	b, err := priors()
	if err != nil {
		return nil, err
	}

	s := &Scene{
		Truth:   truth,
		Model:   model,
		Mesh:    m,
		Prior:   b,
		Indices: landmarkIndices(),
		Contour: contourGroups(),
	}

	native := b.Expression.MapReduced(truth.ExpressionReduced, nil)
	shape := model.Clone()
	shape.ApplyWeights(truth.Identity, native)
	tm := shape.TM()
	view := geom.ViewMatrix(truth.Rotation, truth.Translation)
	cam := camera.NewParameters(truth.Width, truth.Height, 1000)
	for _, v := range s.Indices {
		p := r3.Vec{X: tm[3*v], Y: tm[3*v+1], Z: tm[3*v+2]}
		s.Points = append(s.Points, camera.ProjectPoint2(p, view, cam))
	}
	return s, nil
}

func ellipsoid() []r3.Vec {
	out := make([]r3.Vec, 0, (Rings-1)*Segments)
	for ring := 1; ring < Rings; ring++ {
		theta := math.Pi * float64(ring) / Rings
		for seg := 0; seg < Segments; seg++ {
			phi := 2 * math.Pi * float64(seg) / Segments
			out = append(out, r3.Vec{
				X: radiusX * math.Sin(theta) * math.Sin(phi),
				Y: radiusY * math.Cos(theta),
				Z: radiusZ * math.Sin(theta) * math.Cos(phi),
			})
		}
	}
	return out
}

// faces triangulates the band between neighbouring rings with outward
// winding.
func faces() [][3]int {
	var out [][3]int
	for ring := 1; ring < Rings-1; ring++ {
		for seg := 0; seg < Segments; seg++ {
			a := VertexIndex(ring, seg)
			b := VertexIndex(ring+1, seg)
			c := VertexIndex(ring, seg+1)
			d := VertexIndex(ring+1, seg+1)
			out = append(out, [3]int{a, b, c}, [3]int{c, b, d})
		}
	}
	return out
}

// coreTensor lays out core[identity][expression][coord]. Slot (0,0) is the
// base head; identity modes widen and lengthen it, expression modes open
// the jaw, push the front out and widen the lower face. Cross terms are 0.
func coreTensor(base []r3.Vec) []float64 {
	nCoord := 3 * len(base)
	core := make([]float64, NumIdentity*NumExpression*nCoord)
	slot := func(id, exp int) []float64 {
		off := (id*NumExpression + exp) * nCoord
		return core[off : off+nCoord]
	}
	for v, p := range base {
		lower := math.Max(-p.Y/radiusY, 0)
		front := math.Max(p.Z/radiusZ, 0)

		copy(slot(0, 0)[3*v:], []float64{p.X, p.Y, p.Z})
		slot(1, 0)[3*v] = 0.2 * p.X
		slot(2, 0)[3*v+1] = 0.2 * p.Y
		slot(0, 1)[3*v+1] = -0.08 * lower * front
		slot(0, 2)[3*v+2] = 0.05 * front
		slot(0, 3)[3*v] = 0.1 * p.X * lower
	}
	return core
}

// ExpressionBasis maps three reduced coefficients to the four native
// expression weights.
func ExpressionBasis() *mat.Dense {
	return mat.NewDense(NumExpression-1, NumExpression, []float64{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0.5,
	})
}

func priors() (*prior.Bundle, error) {
	idAvg := []float64{1, 0, 0}
	id, err := prior.NewSpace(idAvg, append([]float64(nil), idAvg...), scaledIdentity(NumIdentity, 0.01), nil)
	if err != nil {
		return nil, err
	}

	basis := ExpressionBasis()
	expAvg := make([]float64, NumExpression)
	mat.NewVecDense(NumExpression, expAvg).MulVec(basis.T(), mat.NewVecDense(NumExpression-1, NeutralExpression(1e-6)))
	exp, err := prior.NewSpace(expAvg, append([]float64(nil), expAvg...), scaledIdentity(NumExpression, 0.01), basis)
	if err != nil {
		return nil, err
	}
	return &prior.Bundle{Identity: id, Expression: exp}, nil
}

func scaledIdentity(n int, s float64) *mat.Dense {
	m := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		m.Set(i, i, s)
	}
	return m
}

// landmarkIndices returns NumContour side landmarks followed by a 7x5 grid
// on the front of the face.
func landmarkIndices() []int {
	var out []int
	for ring := 2; ring <= 8; ring++ {
		out = append(out, VertexIndex(ring, 4))
	}
	for ring := 2; ring <= 9; ring++ {
		out = append(out, VertexIndex(ring, 12))
	}
	for ring := 2; ring <= 8; ring++ {
		for _, seg := range []int{-2, -1, 0, 1, 2} {
			out = append(out, VertexIndex(ring, seg))
		}
	}
	return out
}

// contourGroups returns one three-vertex group per contour landmark,
// centred on the landmark's own vertex.
func contourGroups() [][]int {
	idx := landmarkIndices()[:NumContour]
	out := make([][]int, len(idx))
	for i, v := range idx {
		ring, seg := v/Segments+1, v%Segments
		out[i] = []int{VertexIndex(ring, seg-1), v, VertexIndex(ring, seg+1)}
	}
	return out
}

// Paths names the files written by WriteFiles.
type Paths struct {
	Model, IdentityPrior, ExpressionPrior, Mesh, Points, Indices, Contour string
}

// WriteFiles writes every input of the scene into dir.
func (s *Scene) WriteFiles(dir string) (Paths, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Paths{}, fmt.Errorf("synth: create %s: %w", dir, err)
	}
	p := Paths{
		Model:           filepath.Join(dir, "model.bin"),
		IdentityPrior:   filepath.Join(dir, "prior_id.bin"),
		ExpressionPrior: filepath.Join(dir, "prior_exp.bin"),
		Mesh:            filepath.Join(dir, "mesh.obj"),
		Points:          filepath.Join(dir, "points.txt"),
		Indices:         filepath.Join(dir, "indices.txt"),
		Contour:         filepath.Join(dir, "contour.txt"),
	}
	for _, step := range []func() error{
		func() error { return s.Model.Save(p.Model) },
		func() error { return s.Prior.Identity.Save(p.IdentityPrior) },
		func() error { return s.Prior.Expression.Save(p.ExpressionPrior) },
		func() error { return s.Mesh.SaveOBJ(p.Mesh) },
		func() error { return landmarks.SavePoints(p.Points, s.Points) },
		func() error { return landmarks.SaveIndices(p.Indices, s.Indices) },
		func() error { return landmarks.SaveContour(p.Contour, s.Contour) },
	} {
		if err := step(); err != nil {
			return Paths{}, err
		}
	}
	return p, nil
}
