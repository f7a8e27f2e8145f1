// Package landmarks reads and writes the plain-text inputs of a fit: the
// observed 2D landmark points, their initial vertex indices and the
// silhouette candidate groups.
//
// All three formats are line oriented. Blank lines and lines starting with
// '#' are ignored; values may be separated by whitespace or commas.
package landmarks

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"unicode"

	"gonum.org/v1/gonum/spatial/r2"
)

func splitFields(line string) []string {
	return strings.FieldsFunc(line, func(r rune) bool {
		return unicode.IsSpace(r) || r == ','
	})
}

// scanLines calls fn with the fields of every non-comment line.
func scanLines(r io.Reader, fn func(line int, fields []string) error) error {
	sc := bufio.NewScanner(r)
	n := 0
	for sc.Scan() {
		n++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		if err := fn(n, splitFields(text)); err != nil {
			return fmt.Errorf("line %d: %w", n, err)
		}
	}
	return sc.Err()
}

// parseInts parses every field as a base-10 int.
func parseInts(fields []string) ([]int, error) {
	out := make([]int, 0, len(fields))
	for _, f := range fields {
		v, err := strconv.Atoi(f)
		if err != nil {
			return nil, fmt.Errorf("invalid int '%s': %w", f, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// ReadPoints reads one "x y" pair per line.
func ReadPoints(r io.Reader) ([]r2.Vec, error) {
	var out []r2.Vec
	err := scanLines(r, func(_ int, fields []string) error {
		if len(fields) != 2 {
			return fmt.Errorf("expected 2 values, got %d", len(fields))
		}
		var xy [2]float64
		for i, f := range fields {
			v, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return fmt.Errorf("invalid float '%s': %w", f, err)
			}
			xy[i] = v
		}
		out = append(out, r2.Vec{X: xy[0], Y: xy[1]})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ReadIndices reads vertex indices, any number per line, in file order.
func ReadIndices(r io.Reader) ([]int, error) {
	var out []int
	err := scanLines(r, func(_ int, fields []string) error {
		v, err := parseInts(fields)
		if err != nil {
			return err
		}
		for _, i := range v {
			if i < 0 {
				return fmt.Errorf("negative vertex index %d", i)
			}
		}
		out = append(out, v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ReadContour reads one candidate group per line.
func ReadContour(r io.Reader) ([][]int, error) {
	var out [][]int
	err := scanLines(r, func(_ int, fields []string) error {
		v, err := parseInts(fields)
		if err != nil {
			return err
		}
		out = append(out, v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// WritePoints writes points in the format read by ReadPoints.
func WritePoints(w io.Writer, points []r2.Vec) error {
	bw := bufio.NewWriter(w)
	for _, p := range points {
		fmt.Fprintf(bw, "%s %s\n",
			strconv.FormatFloat(p.X, 'g', -1, 64), strconv.FormatFloat(p.Y, 'g', -1, 64))
	}
	return bw.Flush()
}

// WriteIndices writes one index per line.
func WriteIndices(w io.Writer, indices []int) error {
	bw := bufio.NewWriter(w)
	for _, i := range indices {
		fmt.Fprintln(bw, i)
	}
	return bw.Flush()
}

// WriteContour writes one group per line.
func WriteContour(w io.Writer, groups [][]int) error {
	bw := bufio.NewWriter(w)
	for _, g := range groups {
		parts := make([]string, len(g))
		for i, v := range g {
			parts[i] = strconv.Itoa(v)
		}
		fmt.Fprintln(bw, strings.Join(parts, " "))
	}
	return bw.Flush()
}

func load[T any](path string, read func(io.Reader) (T, error)) (T, error) {
	f, err := os.Open(path)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("landmarks: open %s: %w", path, err)
	}
	defer f.Close()
	v, err := read(f)
	if err != nil {
		return v, fmt.Errorf("landmarks: %s: %w", path, err)
	}
	return v, nil
}

func save(path string, write func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("landmarks: create %s: %w", path, err)
	}
	if err := write(f); err != nil {
		f.Close()
		return fmt.Errorf("landmarks: write %s: %w", path, err)
	}
	return f.Close()
}

// LoadPoints reads a points file.
func LoadPoints(path string) ([]r2.Vec, error) { return load(path, ReadPoints) }

// LoadIndices reads an indices file.
func LoadIndices(path string) ([]int, error) { return load(path, ReadIndices) }

// LoadContour reads a contour groups file.
func LoadContour(path string) ([][]int, error) { return load(path, ReadContour) }

// SavePoints writes a points file.
func SavePoints(path string, points []r2.Vec) error {
	return save(path, func(w io.Writer) error { return WritePoints(w, points) })
}

// SaveIndices writes an indices file.
func SaveIndices(path string, indices []int) error {
	return save(path, func(w io.Writer) error { return WriteIndices(w, indices) })
}

// SaveContour writes a contour groups file.
func SaveContour(path string, groups [][]int) error {
	return save(path, func(w io.Writer) error { return WriteContour(w, groups) })
}
