package prior

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func testSpace(t *testing.T) *Space {
	t.Helper()
	cov := mat.NewDense(2, 2, []float64{
		4, 0,
		0, 0.25,
	})
	basis := mat.NewDense(3, 2, []float64{
		1, 0,
		0, 1,
		0.5, 0.5,
	})
	s, err := NewSpace([]float64{1, 2}, []float64{0.5, 0.5}, cov, basis)
	require.NoError(t, err)
	return s
}

func encode(t *testing.T, s *Space) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, s.Write(&buf))
	return buf.Bytes()
}

func TestRead_RowMajorLayout(t *testing.T) {
	// Hand-built file with an asymmetric basis to pin the row-major order.
	var buf bytes.Buffer
	le := binary.LittleEndian
	require.NoError(t, binary.Write(&buf, le, int32(2)))
	require.NoError(t, binary.Write(&buf, le, []float64{1, 2, 3, 4}))
	require.NoError(t, binary.Write(&buf, le, []float64{2, 1, 1, 2}))
	require.NoError(t, binary.Write(&buf, le, [2]int32{1, 2}))
	require.NoError(t, binary.Write(&buf, le, []float64{7, 8}))

	s, err := Read(&buf)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2}, s.Average)
	assert.Equal(t, []float64{3, 4}, s.Target)
	assert.Equal(t, 8.0, s.Basis.At(0, 1))

	var prod mat.Dense
	prod.Mul(s.Covariance, s.InvCovariance)
	assert.True(t, mat.EqualApprox(&prod, mat.NewDense(2, 2, []float64{1, 0, 0, 1}), 1e-12))
}

func TestWriteRead_RoundTrip(t *testing.T) {
	s := testSpace(t)
	got, err := Read(bytes.NewReader(encode(t, s)))
	require.NoError(t, err)

	assert.Equal(t, s.Average, got.Average)
	assert.Equal(t, s.Target, got.Target)
	assert.True(t, mat.Equal(s.Covariance, got.Covariance))
	assert.True(t, mat.Equal(s.Basis, got.Basis))
}

func TestRead_NoBasis(t *testing.T) {
	s, err := NewSpace([]float64{0}, []float64{0}, mat.NewDense(1, 1, []float64{2}), nil)
	require.NoError(t, err)

	got, err := Read(bytes.NewReader(encode(t, s)))
	require.NoError(t, err)
	assert.Nil(t, got.Basis)
	r, c := got.BasisDims()
	assert.Zero(t, r)
	assert.Zero(t, c)
	assert.InDelta(t, 0.5, got.InvCovariance.At(0, 0), 1e-15)
}

func TestRead_Truncated(t *testing.T) {
	data := encode(t, testSpace(t))
	for _, n := range []int{0, 3, 4, 20, len(data) - 1} {
		_, err := Read(bytes.NewReader(data[:n]))
		require.Error(t, err, "length %d", n)
		assert.True(t, errors.Is(err, ErrTruncated), "length %d: %v", n, err)
		assert.True(t, errors.Is(err, io.ErrUnexpectedEOF), "length %d: %v", n, err)
	}
}

func TestRead_InvalidHeader(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, int32(-3)))
	_, err := Read(&buf)
	assert.ErrorIs(t, err, ErrInvalidHeader)
}

func TestNewSpace_Singular(t *testing.T) {
	cov := mat.NewDense(2, 2, []float64{1, 1, 1, 1})
	_, err := NewSpace([]float64{0, 0}, []float64{0, 0}, cov, nil)
	assert.ErrorIs(t, err, ErrSingularCovariance)
}

func TestMahalanobis(t *testing.T) {
	s := testSpace(t)
	// diff = (2, -1): 4/4 + 1/0.25 = 5
	assert.InDelta(t, 5.0, s.Mahalanobis([]float64{3, 1}, nil), 1e-12)
	assert.InDelta(t, 0.0, s.Mahalanobis([]float64{1, 2}, make([]float64, 4)), 1e-15)
}

func TestMapReduced(t *testing.T) {
	s := testSpace(t)
	got := s.MapReduced([]float64{1, 2, 2}, nil)
	assert.InDeltaSlice(t, []float64{2, 3}, got, 1e-15)
	assert.Panics(t, func() { s.MapReduced([]float64{1}, nil) })
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	idPath := filepath.Join(dir, "id.bin")
	expPath := filepath.Join(dir, "exp.bin")
	require.NoError(t, testSpace(t).Save(idPath))
	require.NoError(t, testSpace(t).Save(expPath))

	b, err := Load(idPath, expPath)
	require.NoError(t, err)
	assert.Equal(t, 2, b.Identity.Dims())
	assert.Equal(t, 2, b.Expression.Dims())

	_, err = Load(idPath, filepath.Join(dir, "missing.bin"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	require.NoError(t, os.WriteFile(expPath, encode(t, testSpace(t))[:10], 0o644))
	_, err = Load(idPath, expPath)
	assert.ErrorIs(t, err, ErrTruncated)
}
