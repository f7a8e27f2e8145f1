package recon

import (
	"math"
	"testing"

	"github.com/banshee-data/facefit/internal/geom"
	"github.com/banshee-data/facefit/internal/synth"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"
)

// newSyntheticReconstructor wires a fresh synthetic scene into a
// reconstructor with cfg.
func newSyntheticReconstructor(t *testing.T, truth synth.Truth, cfg Config) (*Reconstructor, *synth.Scene) {
	t.Helper()
	scene, err := synth.NewScene(truth)
	require.NoError(t, err)

	r, err := NewReconstructor(cfg)
	require.NoError(t, err)
	r.SetModel(scene.Model)
	r.SetPrior(scene.Prior)
	r.SetMesh(scene.Mesh)
	r.SetReconstructionParameters(ReconstructionParameters{
		ImageWidth:  truth.Width,
		ImageHeight: truth.Height,
		Constraints: ConstraintsFromPoints(scene.Points, 1),
	})
	r.SetIndices(scene.Indices)
	r.SetContourIndices(scene.Contour)
	return r, scene
}

// rotationAngle returns the angle of the relative rotation between two
// Euler triples.
func rotationAngle(a, b r3.Vec) float64 {
	ra, rb := geom.RotationMatrix(a), geom.RotationMatrix(b)
	var tr float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			tr += ra.At(i, j) * rb.At(i, j)
		}
	}
	return math.Acos(math.Max(-1, math.Min(1, (tr-1)/2)))
}
