// Package prior loads the statistical priors over identity and expression
// weight space: average and target vectors, covariance (with its inverse)
// and the reduced-to-native basis matrix.
package prior

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"gonum.org/v1/gonum/mat"
)

const (
	maxDims        = 4096
	maxBasisValues = 1 << 24
)

var (
	// ErrTruncated is returned when a prior file ends early.
	ErrTruncated = errors.New("prior: truncated file")

	// ErrSingularCovariance is returned when a covariance cannot be inverted.
	ErrSingularCovariance = errors.New("prior: singular covariance")

	// ErrInvalidHeader is returned for non-positive or oversized dimensions.
	ErrInvalidHeader = errors.New("prior: invalid header")
)

// Space is the prior over one weight space.
type Space struct {
	Average       []float64
	Target        []float64
	Covariance    *mat.Dense
	InvCovariance *mat.Dense

	// Basis maps a reduced coefficient row vector to the native space:
	// native = reducedᵗ * Basis. Rows is the reduced dimension.
	Basis *mat.Dense
}

// Dims returns the length of the native weight vector.
func (s *Space) Dims() int { return len(s.Average) }

// BasisDims returns the basis shape, or zeros when no basis was stored.
func (s *Space) BasisDims() (rows, cols int) {
	if s.Basis == nil {
		return 0, 0
	}
	return s.Basis.Dims()
}

// Mahalanobis returns (w - Average)ᵗ InvCovariance (w - Average). scratch,
// when at least 2*Dims() long, is used to avoid allocation.
func (s *Space) Mahalanobis(w, scratch []float64) float64 {
	n := len(s.Average)
	if len(scratch) < 2*n {
		scratch = make([]float64, 2*n)
	}
	diff := mat.NewVecDense(n, scratch[:n])
	for i := 0; i < n; i++ {
		diff.SetVec(i, w[i]-s.Average[i])
	}
	tmp := mat.NewVecDense(n, scratch[n:2*n])
	tmp.MulVec(s.InvCovariance, diff)
	return mat.Dot(diff, tmp)
}

// MapReduced computes reducedᵗ * Basis into dst.
func (s *Space) MapReduced(reduced, dst []float64) []float64 {
	r, c := s.Basis.Dims()
	if len(reduced) != r {
		panic(fmt.Sprintf("prior: reduced vector has length %d, basis has %d rows", len(reduced), r))
	}
	if len(dst) < c {
		dst = make([]float64, c)
	}
	out := mat.NewVecDense(c, dst[:c])
	out.MulVec(s.Basis.T(), mat.NewVecDense(r, reduced))
	return dst[:c]
}

// Bundle holds both priors.
type Bundle struct {
	Identity   *Space
	Expression *Space
}

// Load reads the identity and expression prior files.
func Load(identityPath, expressionPath string) (*Bundle, error) {
	id, err := LoadSpace(identityPath)
	if err != nil {
		return nil, err
	}
	exp, err := LoadSpace(expressionPath)
	if err != nil {
		return nil, err
	}
	return &Bundle{Identity: id, Expression: exp}, nil
}

// LoadSpace reads one prior file.
func LoadSpace(path string) (*Space, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("prior: open %s: %w", path, err)
	}
	defer f.Close()

	s, err := Read(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return s, nil
}

// Read decodes a prior: int32 dims, float64[dims] average, float64[dims]
// target, float64[dims*dims] row-major covariance, int32 basis rows, int32
// basis cols, float64[rows*cols] row-major basis. All little-endian.
func Read(r io.Reader) (*Space, error) {
	dims, err := readInt(r, "dims")
	if err != nil {
		return nil, err
	}
	if dims <= 0 || dims > maxDims {
		return nil, fmt.Errorf("%w: dims %d", ErrInvalidHeader, dims)
	}

	avg, err := readFloats(r, dims, "average")
	if err != nil {
		return nil, err
	}
	target, err := readFloats(r, dims, "target")
	if err != nil {
		return nil, err
	}
	covData, err := readFloats(r, dims*dims, "covariance")
	if err != nil {
		return nil, err
	}

	rows, err := readInt(r, "basis rows")
	if err != nil {
		return nil, err
	}
	cols, err := readInt(r, "basis cols")
	if err != nil {
		return nil, err
	}
	if rows < 0 || cols < 0 || int64(rows)*int64(cols) > maxBasisValues {
		return nil, fmt.Errorf("%w: basis %dx%d", ErrInvalidHeader, rows, cols)
	}

	s := &Space{Average: avg, Target: target, Covariance: mat.NewDense(dims, dims, covData)}
	if rows > 0 && cols > 0 {
		basis, err := readFloats(r, rows*cols, "basis")
		if err != nil {
			return nil, err
		}
		s.Basis = mat.NewDense(rows, cols, basis)
	}

	if err := s.invert(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Space) invert() error {
	var inv mat.Dense
	err := inv.Inverse(s.Covariance)
	if err != nil {
		var cond mat.Condition
		if !errors.As(err, &cond) || math.IsInf(float64(cond), 1) {
			return fmt.Errorf("%w: %v", ErrSingularCovariance, err)
		}
		// Ill-conditioned but invertible: keep the result.
	}
	s.InvCovariance = &inv
	return nil
}

// NewSpace builds a prior from in-memory values and inverts the covariance.
// basis may be nil.
func NewSpace(average, target []float64, covariance, basis *mat.Dense) (*Space, error) {
	n := len(average)
	if n == 0 || len(target) != n {
		return nil, fmt.Errorf("%w: average %d, target %d", ErrInvalidHeader, n, len(target))
	}
	if r, c := covariance.Dims(); r != n || c != n {
		return nil, fmt.Errorf("%w: covariance %dx%d for %d dims", ErrInvalidHeader, r, c, n)
	}
	s := &Space{Average: average, Target: target, Covariance: covariance, Basis: basis}
	if err := s.invert(); err != nil {
		return nil, err
	}
	return s, nil
}

// Write encodes s in the format accepted by Read.
func (s *Space) Write(w io.Writer) error {
	n := len(s.Average)
	if err := binary.Write(w, binary.LittleEndian, int32(n)); err != nil {
		return err
	}
	for _, v := range [][]float64{s.Average, s.Target, rawRowMajor(s.Covariance)} {
		if err := binary.Write(w, binary.LittleEndian, v); err != nil {
			return err
		}
	}
	rows, cols := s.BasisDims()
	if err := binary.Write(w, binary.LittleEndian, [2]int32{int32(rows), int32(cols)}); err != nil {
		return err
	}
	if s.Basis != nil {
		return binary.Write(w, binary.LittleEndian, rawRowMajor(s.Basis))
	}
	return nil
}

// Save writes s to path.
func (s *Space) Save(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("prior: create %s: %w", path, err)
	}
	bw := bufio.NewWriter(f)
	if err := s.Write(bw); err != nil {
		f.Close()
		return fmt.Errorf("prior: write %s: %w", path, err)
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("prior: flush %s: %w", path, err)
	}
	return f.Close()
}

func rawRowMajor(m *mat.Dense) []float64 {
	r, c := m.Dims()
	out := make([]float64, 0, r*c)
	for i := 0; i < r; i++ {
		out = append(out, m.RawRowView(i)...)
	}
	return out
}

func readInt(r io.Reader, what string) (int, error) {
	var v int32
	if err := binary.Read(r, binary.LittleEndian, &v); err != nil {
		return 0, truncated(what, err)
	}
	return int(v), nil
}

func readFloats(r io.Reader, n int, what string) ([]float64, error) {
	out := make([]float64, n)
	if err := binary.Read(r, binary.LittleEndian, out); err != nil {
		return nil, truncated(what, err)
	}
	for i, v := range out {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("prior: non-finite %s value at %d", what, i)
		}
	}
	return out, nil
}

func truncated(what string, err error) error {
	if errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	return fmt.Errorf("%w: reading %s: %w", ErrTruncated, what, err)
}
