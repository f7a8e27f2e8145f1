package mesh

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/spatial/r3"
)

// ReadOBJ parses the geometry subset of a Wavefront OBJ stream: "v" lines
// and "f" lines. Polygons are fan-triangulated. Texture and normal
// references in face tokens are ignored, as are all other statements.
func ReadOBJ(r io.Reader) (*Mesh, error) {
	var (
		vertices []r3.Vec
		faces    [][3]int
	)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || text[0] == '#' {
			continue
		}
		fields := strings.Fields(text)
		switch fields[0] {
		case "v":
			if len(fields) < 4 {
				return nil, fmt.Errorf("mesh: line %d: vertex needs 3 coordinates", line)
			}
			var xyz [3]float64
			for k := 0; k < 3; k++ {
				v, err := strconv.ParseFloat(fields[k+1], 64)
				if err != nil {
					return nil, fmt.Errorf("mesh: line %d: %w", line, err)
				}
				xyz[k] = v
			}
			vertices = append(vertices, r3.Vec{X: xyz[0], Y: xyz[1], Z: xyz[2]})
		case "f":
			if len(fields) < 4 {
				return nil, fmt.Errorf("mesh: line %d: face needs at least 3 vertices", line)
			}
			idx := make([]int, len(fields)-1)
			for k, tok := range fields[1:] {
				v, err := parseFaceIndex(tok, len(vertices))
				if err != nil {
					return nil, fmt.Errorf("mesh: line %d: %w", line, err)
				}
				idx[k] = v
			}
			for k := 1; k+1 < len(idx); k++ {
				faces = append(faces, [3]int{idx[0], idx[k], idx[k+1]})
			}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("mesh: read: %w", err)
	}
	if len(vertices) == 0 {
		return nil, fmt.Errorf("mesh: no vertices")
	}
	return New(vertices, faces)
}

// parseFaceIndex converts a 1-based (or negative, relative) OBJ vertex
// reference such as "12", "12/3" or "12//7" into a 0-based index.
func parseFaceIndex(tok string, nVertices int) (int, error) {
	if i := strings.IndexByte(tok, '/'); i >= 0 {
		tok = tok[:i]
	}
	v, err := strconv.Atoi(tok)
	if err != nil {
		return 0, fmt.Errorf("bad face index %q", tok)
	}
	switch {
	case v > 0:
		v--
	case v < 0:
		v += nVertices
	default:
		return 0, fmt.Errorf("face index 0 is invalid")
	}
	if v < 0 || v >= nVertices {
		return 0, fmt.Errorf("face index %q out of range", tok)
	}
	return v, nil
}

// LoadOBJ reads an OBJ file from disk.
func LoadOBJ(path string) (*Mesh, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("mesh: open %s: %w", path, err)
	}
	defer f.Close()
	return ReadOBJ(f)
}

// WriteOBJ writes vertices, normals and faces. Faces reference normals with
// the same index as their vertices.
func (m *Mesh) WriteOBJ(w io.Writer) error {
	bw := bufio.NewWriter(w)
	for _, v := range m.Vertices {
		fmt.Fprintf(bw, "v %.9g %.9g %.9g\n", v.X, v.Y, v.Z)
	}
	for _, n := range m.Normals {
		fmt.Fprintf(bw, "vn %.9g %.9g %.9g\n", n.X, n.Y, n.Z)
	}
	for _, f := range m.Faces {
		fmt.Fprintf(bw, "f %d//%d %d//%d %d//%d\n", f[0]+1, f[0]+1, f[1]+1, f[1]+1, f[2]+1, f[2]+1)
	}
	return bw.Flush()
}

// SaveOBJ writes the mesh to path.
func (m *Mesh) SaveOBJ(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("mesh: create %s: %w", path, err)
	}
	if err := m.WriteOBJ(f); err != nil {
		f.Close()
		return fmt.Errorf("mesh: write %s: %w", path, err)
	}
	return f.Close()
}
