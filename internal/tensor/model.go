// Package tensor implements the multilinear face model: a rank-3 core tensor
// indexed by (identity, expression, vertex coordinate) that yields mesh
// geometry when contracted with an identity weight vector and an expression
// weight vector.
//
// The model caches the two partial contractions so that when only one of
// the weight vectors changes the geometry can be re-derived with a single
// matrix-vector product:
//
//	TM0 = core x_identity   wid   (nExpression x nCoord)
//	TM1 = core x_expression wexp  (nIdentity   x nCoord)
//	TM  = TM1ᵗ wid = TM0ᵗ wexp    (nCoord)
package tensor

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

var (
	// ErrDimensionMismatch is returned when data or weights do not match the model shape.
	ErrDimensionMismatch = errors.New("tensor: dimension mismatch")

	// ErrVertexOutOfRange is returned by Project for an invalid vertex index.
	ErrVertexOutOfRange = errors.New("tensor: vertex index out of range")
)

// Model is a multilinear model. The zero value is not usable; construct with
// New or Load.
type Model struct {
	nID, nExp, nCoord int

	// core is laid out [identity][expression][coord].
	core []float64

	tm0 *mat.Dense // nExp x nCoord, nil until an identity contraction
	tm1 *mat.Dense // nID x nCoord, nil until an expression contraction
	tm  []float64
}

// New builds a model from raw core data in identity-major order.
func New(nIdentity, nExpression, nCoord int, data []float64) (*Model, error) {
	if nIdentity <= 0 || nExpression <= 0 || nCoord <= 0 || nCoord%3 != 0 {
		return nil, fmt.Errorf("%w: shape %dx%dx%d", ErrDimensionMismatch, nIdentity, nExpression, nCoord)
	}
	if len(data) != nIdentity*nExpression*nCoord {
		return nil, fmt.Errorf("%w: got %d values for shape %dx%dx%d",
			ErrDimensionMismatch, len(data), nIdentity, nExpression, nCoord)
	}
	return &Model{
		nID:    nIdentity,
		nExp:   nExpression,
		nCoord: nCoord,
		core:   data,
		tm:     make([]float64, nCoord),
	}, nil
}

// Dims returns the identity, expression and coordinate mode sizes.
func (m *Model) Dims() (nIdentity, nExpression, nCoord int) {
	return m.nID, m.nExp, m.nCoord
}

// VertexCount returns nCoord / 3.
func (m *Model) VertexCount() int {
	return m.nCoord / 3
}

// TM returns the most recently contracted geometry as a flat x,y,z vector.
// The slice is owned by the model and is overwritten by the next Apply call.
func (m *Model) TM() []float64 {
	return m.tm
}

// coreSlab returns the (nExp x nCoord) slab of the core for identity i.
func (m *Model) coreSlab(i int) *mat.Dense {
	n := m.nExp * m.nCoord
	return mat.NewDense(m.nExp, m.nCoord, m.core[i*n:(i+1)*n])
}

func (m *Model) checkIdentity(wid []float64) {
	if len(wid) != m.nID {
		panic(fmt.Sprintf("%v: identity weights have length %d, model has %d", ErrDimensionMismatch, len(wid), m.nID))
	}
}

func (m *Model) checkExpression(wexp []float64) {
	if len(wexp) != m.nExp {
		panic(fmt.Sprintf("%v: expression weights have length %d, model has %d", ErrDimensionMismatch, len(wexp), m.nExp))
	}
}

// contractIdentity computes core x_identity wid.
func (m *Model) contractIdentity(wid []float64) *mat.Dense {
	unfolded := mat.NewDense(m.nID, m.nExp*m.nCoord, m.core)
	out := mat.NewVecDense(m.nExp*m.nCoord, nil)
	out.MulVec(unfolded.T(), mat.NewVecDense(m.nID, wid))
	return mat.NewDense(m.nExp, m.nCoord, out.RawVector().Data)
}

// contractExpression computes core x_expression wexp.
func (m *Model) contractExpression(wexp []float64) *mat.Dense {
	data := make([]float64, m.nID*m.nCoord)
	w := mat.NewVecDense(m.nExp, wexp)
	for i := 0; i < m.nID; i++ {
		row := mat.NewVecDense(m.nCoord, data[i*m.nCoord:(i+1)*m.nCoord])
		row.MulVec(m.coreSlab(i).T(), w)
	}
	return mat.NewDense(m.nID, m.nCoord, data)
}

// contractInto computes tmᵗ w into dst.
func contractInto(dst []float64, tm *mat.Dense, w []float64) []float64 {
	_, c := tm.Dims()
	if len(dst) < c {
		dst = make([]float64, c)
	}
	out := mat.NewVecDense(c, dst[:c])
	out.MulVec(tm.T(), mat.NewVecDense(len(w), w))
	return dst[:c]
}

// ApplyWeights fully re-contracts the core with both weight vectors and
// refreshes both partial caches. It panics if a weight vector has the wrong
// length.
func (m *Model) ApplyWeights(wid, wexp []float64) {
	m.checkIdentity(wid)
	m.checkExpression(wexp)
	m.tm0 = m.contractIdentity(wid)
	m.tm1 = m.contractExpression(wexp)
	m.tm = contractInto(m.tm, m.tm1, wid)
}

// ApplyIdentity re-derives TM for new identity weights, keeping the
// expression weights of the last expression contraction. TM0 is refreshed
// as well so that a following ApplyExpression sees the new identity.
func (m *Model) ApplyIdentity(wid []float64) {
	m.checkIdentity(wid)
	if m.tm1 == nil {
		panic("tensor: ApplyIdentity before any expression contraction")
	}
	m.tm0 = m.contractIdentity(wid)
	m.tm = contractInto(m.tm, m.tm1, wid)
}

// ApplyExpression re-derives TM for new expression weights, keeping the
// identity weights of the last identity contraction.
func (m *Model) ApplyExpression(wexp []float64) {
	m.checkExpression(wexp)
	if m.tm0 == nil {
		panic("tensor: ApplyExpression before any identity contraction")
	}
	m.tm1 = m.contractExpression(wexp)
	m.tm = contractInto(m.tm, m.tm0, wexp)
}

// EvaluateIdentity returns the geometry for wid with the cached expression
// contraction, writing into dst when it is large enough. It does not modify
// the model and may be called concurrently.
func (m *Model) EvaluateIdentity(wid, dst []float64) []float64 {
	m.checkIdentity(wid)
	if m.tm1 == nil {
		panic("tensor: EvaluateIdentity before any expression contraction")
	}
	return contractInto(dst, m.tm1, wid)
}

// EvaluateExpression returns the geometry for wexp with the cached identity
// contraction. It does not modify the model and may be called concurrently.
func (m *Model) EvaluateExpression(wexp, dst []float64) []float64 {
	m.checkExpression(wexp)
	if m.tm0 == nil {
		panic("tensor: EvaluateExpression before any identity contraction")
	}
	return contractInto(dst, m.tm0, wexp)
}

// Project returns a model restricted to the given vertices, in the given
// order. Cached contractions are projected as well.
func (m *Model) Project(vertices []int) (*Model, error) {
	nv := m.VertexCount()
	for _, v := range vertices {
		if v < 0 || v >= nv {
			return nil, fmt.Errorf("%w: %d (model has %d vertices)", ErrVertexOutOfRange, v, nv)
		}
	}
	nCoord := 3 * len(vertices)
	if nCoord == 0 {
		return nil, fmt.Errorf("%w: empty vertex subset", ErrDimensionMismatch)
	}

	core := make([]float64, m.nID*m.nExp*nCoord)
	for i := 0; i < m.nID; i++ {
		for j := 0; j < m.nExp; j++ {
			src := m.core[(i*m.nExp+j)*m.nCoord:]
			dst := core[(i*m.nExp+j)*nCoord:]
			for k, v := range vertices {
				copy(dst[3*k:3*k+3], src[3*v:3*v+3])
			}
		}
	}

	out := &Model{
		nID:    m.nID,
		nExp:   m.nExp,
		nCoord: nCoord,
		core:   core,
		tm:     make([]float64, nCoord),
	}
	if m.tm0 != nil {
		out.tm0 = projectRows(m.tm0, vertices)
	}
	if m.tm1 != nil {
		out.tm1 = projectRows(m.tm1, vertices)
	}
	for k, v := range vertices {
		copy(out.tm[3*k:3*k+3], m.tm[3*v:3*v+3])
	}
	return out, nil
}

// projectRows keeps the x,y,z columns of the given vertices.
func projectRows(src *mat.Dense, vertices []int) *mat.Dense {
	r, _ := src.Dims()
	out := mat.NewDense(r, 3*len(vertices), nil)
	for row := 0; row < r; row++ {
		s := src.RawRowView(row)
		d := out.RawRowView(row)
		for k, v := range vertices {
			copy(d[3*k:3*k+3], s[3*v:3*v+3])
		}
	}
	return out
}

// Clone returns a deep copy sharing no mutable state with m. The core is
// read-only after construction and is shared.
func (m *Model) Clone() *Model {
	out := &Model{
		nID:    m.nID,
		nExp:   m.nExp,
		nCoord: m.nCoord,
		core:   m.core,
		tm:     append([]float64(nil), m.tm...),
	}
	if m.tm0 != nil {
		out.tm0 = mat.DenseCopyOf(m.tm0)
	}
	if m.tm1 != nil {
		out.tm1 = mat.DenseCopyOf(m.tm1)
	}
	return out
}
