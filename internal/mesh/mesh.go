// Package mesh holds the triangle mesh the reconstructor deforms: vertex
// positions shared with the multilinear model, fixed triangle topology and
// per-vertex normals used for silhouette detection.
package mesh

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/spatial/r3"
)

// ErrVertexCount is returned by UpdateVertices when the coordinate vector
// does not match the mesh.
var ErrVertexCount = errors.New("mesh: vertex count mismatch")

// Mesh is a triangle mesh. Faces index into Vertices.
type Mesh struct {
	Vertices []r3.Vec
	Faces    [][3]int
	Normals  []r3.Vec
}

// New validates faces against the vertex list and computes normals.
func New(vertices []r3.Vec, faces [][3]int) (*Mesh, error) {
	for fi, f := range faces {
		for _, v := range f {
			if v < 0 || v >= len(vertices) {
				return nil, fmt.Errorf("mesh: face %d references vertex %d of %d", fi, v, len(vertices))
			}
		}
	}
	m := &Mesh{Vertices: vertices, Faces: faces}
	m.ComputeNormals()
	return m, nil
}

// VertexCount returns the number of vertices.
func (m *Mesh) VertexCount() int { return len(m.Vertices) }

// Vertex returns vertex i.
func (m *Mesh) Vertex(i int) r3.Vec { return m.Vertices[i] }

// VertexNormal returns the unit normal at vertex i, or the zero vector for
// a vertex that belongs to no face of non-zero area.
func (m *Mesh) VertexNormal(i int) r3.Vec { return m.Normals[i] }

// UpdateVertices replaces the vertex positions from a flat x,y,z vector.
// Normals are left untouched; call ComputeNormals afterwards.
func (m *Mesh) UpdateVertices(coords []float64) error {
	if len(coords) != 3*len(m.Vertices) {
		return fmt.Errorf("%w: got %d coordinates for %d vertices", ErrVertexCount, len(coords), len(m.Vertices))
	}
	for i := range m.Vertices {
		m.Vertices[i] = r3.Vec{X: coords[3*i], Y: coords[3*i+1], Z: coords[3*i+2]}
	}
	return nil
}

// ComputeNormals recomputes per-vertex normals as the normalised sum of the
// area-weighted normals of adjacent faces.
func (m *Mesh) ComputeNormals() {
	if cap(m.Normals) >= len(m.Vertices) {
		m.Normals = m.Normals[:len(m.Vertices)]
		for i := range m.Normals {
			m.Normals[i] = r3.Vec{}
		}
	} else {
		m.Normals = make([]r3.Vec, len(m.Vertices))
	}

	for _, f := range m.Faces {
		a, b, c := m.Vertices[f[0]], m.Vertices[f[1]], m.Vertices[f[2]]
		n := r3.Cross(r3.Sub(b, a), r3.Sub(c, a))
		m.Normals[f[0]] = r3.Add(m.Normals[f[0]], n)
		m.Normals[f[1]] = r3.Add(m.Normals[f[1]], n)
		m.Normals[f[2]] = r3.Add(m.Normals[f[2]], n)
	}

	for i, n := range m.Normals {
		if l := r3.Norm(n); l > 0 {
			m.Normals[i] = r3.Scale(1/l, n)
		}
	}
}

// Clone returns a deep copy of the mesh.
func (m *Mesh) Clone() *Mesh {
	return &Mesh{
		Vertices: append([]r3.Vec(nil), m.Vertices...),
		Faces:    append([][3]int(nil), m.Faces...),
		Normals:  append([]r3.Vec(nil), m.Normals...),
	}
}
