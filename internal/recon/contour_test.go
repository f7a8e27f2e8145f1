package recon

import (
	"math"
	"testing"

	"github.com/banshee-data/facefit/internal/camera"
	"github.com/banshee-data/facefit/internal/geom"
	"github.com/banshee-data/facefit/internal/mesh"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"gonum.org/v1/gonum/spatial/r3"
)

// normalMesh is a mesh whose normals are set directly.
func normalMesh(normals ...r3.Vec) *mesh.Mesh {
	m := &mesh.Mesh{Normals: normals}
	for i := range normals {
		m.Vertices = append(m.Vertices, r3.Vec{X: float64(i)})
	}
	return m
}

func candidateIndices(c []ContourCandidate) []int {
	out := make([]int, len(c))
	for i, cc := range c {
		out[i] = cc.VertexIndex
	}
	return out
}

func TestSilhouetteCandidates(t *testing.T) {
	m := normalMesh(
		r3.Vec{Z: 1},                      // 0 faces the camera
		r3.Vec{X: 1},                      // 1 silhouette
		r3.Unit(r3.Vec{X: 1, Z: 1}),       // 2
		r3.Vec{Y: 1},                      // 3 silhouette
		r3.Unit(r3.Vec{X: 1, Z: 2}),       // 4
		r3.Vec{X: -1},                     // 5 silhouette, tie with 1
		r3.Unit(r3.Vec{X: 1, Y: 1, Z: 1}), // 6
	)

	tests := []struct {
		name   string
		groups [][]int
		rot    geom.Mat4
		want   []int
	}{
		{"middle", [][]int{{0, 1, 2}}, geom.Identity(), []int{1, 0, 2}},
		{"first", [][]int{{3, 4, 0}}, geom.Identity(), []int{3, 4}},
		{"last", [][]int{{0, 4, 1}}, geom.Identity(), []int{1, 4}},
		{"single", [][]int{{6}}, geom.Identity(), []int{6}},
		{"tie keeps earliest", [][]int{{2, 1, 5}}, geom.Identity(), []int{1, 2, 5}},
		{"several groups", [][]int{{0, 1}, {3, 2}}, geom.Identity(), []int{1, 0, 3, 2}},
		{"yaw turns the silhouette", [][]int{{0, 1, 2}}, geom.RotateY(math.Pi / 2), []int{0, 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := candidateIndices(SilhouetteCandidates(m, tt.groups, tt.rot))
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("candidates mismatch (-want +got):\n%s", diff)
			}
		})
	}

	c := SilhouetteCandidates(m, [][]int{{0, 1, 2}}, geom.Identity())
	assert.Equal(t, m.Vertex(1), c[0].Position)
}

func TestUpdateContourCorrespondences(t *testing.T) {
	cam := camera.NewParameters(640, 480, 1000)
	view := geom.Translate(r3.Vec{Z: -2})
	candidates := []ContourCandidate{
		{VertexIndex: 10, Position: r3.Vec{X: -0.2}},
		{VertexIndex: 11, Position: r3.Vec{X: 0.2}},
		{VertexIndex: 12, Position: r3.Vec{Y: 0.2}},
	}
	at := func(i int) Constraint2D {
		return Constraint2D{Data: camera.ProjectPoint2(candidates[i].Position, view, cam), Weight: 1}
	}

	cons := []Constraint2D{at(1), at(2), at(0), at(1)}
	cons[2].Data.X += 500

	cons[0].VertexIndex = 10 // rebinds to 11
	cons[1].VertexIndex = 12 // already correct
	cons[2].VertexIndex = 99 // observed point moved far away
	cons[3].VertexIndex = 7  // beyond n, untouched

	changed := UpdateContourCorrespondences(cons, 3, candidates, view, cam, 100)

	assert.Equal(t, 1, changed)
	assert.Equal(t, []int{11, 12, 99, 7}, []int{cons[0].VertexIndex, cons[1].VertexIndex, cons[2].VertexIndex, cons[3].VertexIndex})

	assert.Zero(t, UpdateContourCorrespondences(cons, 3, nil, view, cam, 100))
}

func TestUpdateContourCorrespondences_AcceptDistanceBoundary(t *testing.T) {
	cam := camera.NewParameters(640, 480, 1000)
	view := geom.Translate(r3.Vec{Z: -2})
	candidates := []ContourCandidate{{VertexIndex: 3, Position: r3.Vec{}}}
	centre := camera.ProjectPoint2(r3.Vec{}, view, cam)

	cons := []Constraint2D{{Data: centre, VertexIndex: 0}}
	cons[0].Data.X += 100
	assert.Equal(t, 1, UpdateContourCorrespondences(cons, 1, candidates, view, cam, 100))

	cons = []Constraint2D{{Data: centre, VertexIndex: 0}}
	cons[0].Data.X += 100.5
	assert.Equal(t, 0, UpdateContourCorrespondences(cons, 1, candidates, view, cam, 100))
}
