package recon

import (
	"math"

	"github.com/banshee-data/facefit/internal/camera"
	"github.com/banshee-data/facefit/internal/geom"
	"github.com/banshee-data/facefit/internal/mesh"
	"gonum.org/v1/gonum/spatial/r3"
)

var viewAxis = r3.Vec{Z: 1}

// ContourCandidate is a mesh vertex that may become a silhouette landmark.
// Position is in model space.
type ContourCandidate struct {
	VertexIndex int
	Position    r3.Vec
}

// SilhouetteCandidates picks, in each group, the vertex whose rotated normal
// is closest to perpendicular to the view axis, and adds its neighbours
// within the group. Ties keep the earliest vertex. Groups are visited in
// order, so the result is deterministic.
func SilhouetteCandidates(m *mesh.Mesh, groups [][]int, rotation geom.Mat4) []ContourCandidate {
	var out []ContourCandidate
	for _, group := range groups {
		if len(group) == 0 {
			continue
		}
		best, bestDot := 0, math.Inf(1)
		for k, v := range group {
			n := rotation.ApplyDirection(m.VertexNormal(v))
			if d := math.Abs(r3.Dot(n, viewAxis)); d < bestDot {
				best, bestDot = k, d
			}
		}
		out = append(out, ContourCandidate{VertexIndex: group[best], Position: m.Vertex(group[best])})
		if best > 0 {
			v := group[best-1]
			out = append(out, ContourCandidate{VertexIndex: v, Position: m.Vertex(v)})
		}
		if best < len(group)-1 {
			v := group[best+1]
			out = append(out, ContourCandidate{VertexIndex: v, Position: m.Vertex(v)})
		}
	}
	return out
}

// UpdateContourCorrespondences rebinds each of constraints[:n] to the
// candidate whose projection is nearest its observed point, unless that
// nearest projection is further than maxDistance pixels away. It returns the
// number of constraints whose vertex changed.
func UpdateContourCorrespondences(constraints []Constraint2D, n int, candidates []ContourCandidate,
	view geom.Mat4, cam camera.Parameters, maxDistance float64) int {
	if len(candidates) == 0 {
		return 0
	}
	projected := make([]r3.Vec, len(candidates))
	for i, c := range candidates {
		projected[i] = camera.ProjectPoint(c.Position, view, cam)
	}

	changed := 0
	for i := 0; i < n && i < len(constraints); i++ {
		best, bestDist := 0, math.Inf(1)
		for j, q := range projected {
			dx := q.X - constraints[i].Data.X
			dy := q.Y - constraints[i].Data.Y
			if d := dx*dx + dy*dy; d < bestDist {
				best, bestDist = j, d
			}
		}
		if math.Sqrt(bestDist) > maxDistance {
			continue
		}
		if v := candidates[best].VertexIndex; v != constraints[i].VertexIndex {
			constraints[i].VertexIndex = v
			changed++
		}
	}
	return changed
}
