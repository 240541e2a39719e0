package tensor

import (
	"errors"
	"fmt"
	"math"
	"slices"
)

var (
	ErrInvalidShape  = errors.New("tensor: invalid shape")
	ErrShapeMismatch = errors.New("tensor: shape mismatch")
)

// Tensor is a dense row-major N-dimensional array of float32 values.
//
// Shape lists the extent of every dimension, outermost first. Data holds the
// flattened values and always has exactly NumElements(Shape) entries. A shape
// containing a zero dimension describes an empty tensor.
type Tensor struct {
	Shape []int
	Data  []float32
}

// New allocates a zero initialised tensor with the given shape.
func New(shape ...int) *Tensor {
	n, err := NumElements(shape)
	if err != nil {
		panic(err)
	}
	return &Tensor{
		Shape: slices.Clone(shape),
		Data:  make([]float32, n),
	}
}

// FromData wraps existing data. It checks that len(data) matches the shape.
// The data slice is not copied.
func FromData(shape []int, data []float32) (*Tensor, error) {
	n, err := NumElements(shape)
	if err != nil {
		return nil, err
	}
	if n != len(data) {
		return nil, fmt.Errorf("%w: shape %v holds %d elements, got %d", ErrShapeMismatch, shape, n, len(data))
	}
	return &Tensor{Shape: slices.Clone(shape), Data: data}, nil
}

// NumElements returns the product of the dimensions in shape.
// A scalar (empty shape) has one element.
func NumElements(shape []int) (int, error) {
	n := 1
	for _, d := range shape {
		if d < 0 {
			return 0, fmt.Errorf("%w: negative dim %d", ErrInvalidShape, d)
		}
		if d == 0 {
			n = 0
			continue
		}
		if n > math.MaxInt/d {
			return 0, fmt.Errorf("%w: tensor too large", ErrInvalidShape)
		}
		n *= d
	}
	return n, nil
}

func (t *Tensor) Len() int  { return len(t.Data) }
func (t *Tensor) Rank() int { return len(t.Shape) }

// Clone returns a deep copy of t.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{
		Shape: slices.Clone(t.Shape),
		Data:  slices.Clone(t.Data),
	}
}

// ZerosLike allocates a zero tensor with the shape of t.
func (t *Tensor) ZerosLike() *Tensor {
	return &Tensor{
		Shape: slices.Clone(t.Shape),
		Data:  make([]float32, len(t.Data)),
	}
}

// SameShape reports whether a and b have identical shapes.
func SameShape(a, b *Tensor) bool {
	return slices.Equal(a.Shape, b.Shape)
}

// AbsMax returns max(|x|) over all values, or 0 for an empty slice.
func AbsMax(x []float32) float32 {
	var m float32
	for _, v := range x {
		if v < 0 {
			v = -v
		}
		if v > m {
			m = v
		}
	}
	return m
}
