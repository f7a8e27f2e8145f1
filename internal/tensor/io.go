package tensor

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
)

// maxCoreValues bounds the header so a corrupt file cannot request an
// arbitrarily large allocation.
const maxCoreValues = 1 << 28

// ErrTruncated is returned when a model file ends before the declared data.
var ErrTruncated = errors.New("tensor: truncated model file")

// Read decodes a model: three little-endian int32 values (nIdentity,
// nExpression, nCoord) followed by nIdentity*nExpression*nCoord float64
// values in identity-major order.
func Read(r io.Reader) (*Model, error) {
	var hdr [3]int32
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrTruncated, err)
	}
	nID, nExp, nCoord := int(hdr[0]), int(hdr[1]), int(hdr[2])
	if nID <= 0 || nExp <= 0 || nCoord <= 0 {
		return nil, fmt.Errorf("%w: header %dx%dx%d", ErrDimensionMismatch, nID, nExp, nCoord)
	}
	total := int64(nID) * int64(nExp) * int64(nCoord)
	if total > maxCoreValues {
		return nil, fmt.Errorf("%w: header declares %d values", ErrDimensionMismatch, total)
	}

	data := make([]float64, total)
	if err := binary.Read(r, binary.LittleEndian, data); err != nil {
		return nil, fmt.Errorf("%w: core data: %v", ErrTruncated, err)
	}
	for i, v := range data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("tensor: non-finite core value at %d", i)
		}
	}
	return New(nID, nExp, nCoord, data)
}

// Write encodes m in the format accepted by Read.
func (m *Model) Write(w io.Writer) error {
	hdr := [3]int32{int32(m.nID), int32(m.nExp), int32(m.nCoord)}
	if err := binary.Write(w, binary.LittleEndian, hdr); err != nil {
		return fmt.Errorf("tensor: write header: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, m.core); err != nil {
		return fmt.Errorf("tensor: write core: %w", err)
	}
	return nil
}

// Load reads a model file from disk.
func Load(path string) (*Model, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("tensor: open %s: %w", path, err)
	}
	defer f.Close()

	m, err := Read(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return m, nil
}

// Save writes the model to path, replacing any existing file.
func (m *Model) Save(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("tensor: create %s: %w", path, err)
	}
	bw := bufio.NewWriter(f)
	if err := m.Write(bw); err != nil {
		f.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("tensor: flush %s: %w", path, err)
	}
	return f.Close()
}
