package synth

import (
	"testing"

	"github.com/banshee-data/facefit/internal/landmarks"
	"github.com/banshee-data/facefit/internal/mesh"
	"github.com/banshee-data/facefit/internal/prior"
	"github.com/banshee-data/facefit/internal/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"
)

func TestNewScene_Shape(t *testing.T) {
	s, err := NewScene(DefaultTruth())
	require.NoError(t, err)

	nID, nExp, nCoord := s.Model.Dims()
	assert.Equal(t, NumIdentity, nID)
	assert.Equal(t, NumExpression, nExp)
	assert.Equal(t, 3*(Rings-1)*Segments, nCoord)
	assert.Equal(t, s.Model.VertexCount(), s.Mesh.VertexCount())

	assert.Len(t, s.Indices, 50)
	assert.Len(t, s.Points, 50)
	assert.Len(t, s.Contour, NumContour)
	for i, g := range s.Contour {
		assert.Equal(t, s.Indices[i], g[1], "group %d is centred on its landmark", i)
	}

	for _, p := range s.Points {
		assert.True(t, p.X > 0 && p.X < 640 && p.Y > 0 && p.Y < 480, "point %v outside the image", p)
	}
}

func TestNewScene_NormalsPointOutward(t *testing.T) {
	s, err := NewScene(DefaultTruth())
	require.NoError(t, err)
	for i := 0; i < s.Mesh.VertexCount(); i++ {
		assert.Greater(t, r3.Dot(s.Mesh.VertexNormal(i), s.Mesh.Vertex(i)), 0.0, "vertex %d", i)
	}
}

func TestNewScene_RejectsBadTruth(t *testing.T) {
	truth := DefaultTruth()
	truth.Identity = []float64{1}
	_, err := NewScene(truth)
	assert.Error(t, err)

	truth = DefaultTruth()
	truth.ExpressionReduced = []float64{1, 0, 0, 0}
	_, err = NewScene(truth)
	assert.Error(t, err)
}

func TestVertexIndex_Wraps(t *testing.T) {
	assert.Equal(t, VertexIndex(2, 15), VertexIndex(2, -1))
	assert.Equal(t, VertexIndex(2, 0), VertexIndex(2, Segments))
	assert.Equal(t, Segments, VertexIndex(2, 0))
}

func TestWriteFiles(t *testing.T) {
	s, err := NewScene(DefaultTruth())
	require.NoError(t, err)
	paths, err := s.WriteFiles(t.TempDir())
	require.NoError(t, err)

	m, err := tensor.Load(paths.Model)
	require.NoError(t, err)
	assert.Equal(t, s.Model.VertexCount(), m.VertexCount())

	b, err := prior.Load(paths.IdentityPrior, paths.ExpressionPrior)
	require.NoError(t, err)
	assert.Equal(t, s.Prior.Expression.Average, b.Expression.Average)
	rows, cols := b.Expression.BasisDims()
	assert.Equal(t, [2]int{NumExpression - 1, NumExpression}, [2]int{rows, cols})

	ms, err := mesh.LoadOBJ(paths.Mesh)
	require.NoError(t, err)
	assert.Equal(t, s.Mesh.Faces, ms.Faces)

	pts, err := landmarks.LoadPoints(paths.Points)
	require.NoError(t, err)
	assert.Equal(t, s.Points, pts)

	idx, err := landmarks.LoadIndices(paths.Indices)
	require.NoError(t, err)
	assert.Equal(t, s.Indices, idx)

	groups, err := landmarks.LoadContour(paths.Contour)
	require.NoError(t, err)
	assert.Equal(t, s.Contour, groups)
}
