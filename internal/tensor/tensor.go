// Package tensor provides a small dense n-dimensional array used for screen
// captures, actions, rewards and model weights. Values are stored as raw
// little-endian bytes so arrays can be written to and read from flat files
// without conversion.
package tensor

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// DType identifies the element type of an Array.
type DType string

// Supported element types.
const (
	Bool    DType = "bool"
	Uint8   DType = "uint8"
	Int8    DType = "int8"
	Int16   DType = "int16"
	Int32   DType = "int32"
	Int64   DType = "int64"
	Float32 DType = "float32"
	Float64 DType = "float64"
)

// ErrShapeMismatch is returned when two arrays are expected to share a shape.
var ErrShapeMismatch = errors.New("shape mismatch")

// Size returns the number of bytes used by one element, or 0 if the dtype is unknown.
func (d DType) Size() int {
	switch d {
	case Bool, Uint8, Int8:
		return 1
	case Int16:
		return 2
	case Int32, Float32:
		return 4
	case Int64, Float64:
		return 8
	default:
		return 0
	}
}

// Valid reports whether d is a supported dtype.
func (d DType) Valid() bool {
	return d.Size() > 0
}

// Array is a dense row-major array.
type Array struct {
	DType DType  `json:"dtype"`
	Shape []int  `json:"shape"`
	Data  []byte `json:"data"`
}

// New allocates a zero-filled array.
func New(dtype DType, shape ...int) Array {
	s := append([]int(nil), shape...)
	return Array{
		DType: dtype,
		Shape: s,
		Data:  make([]byte, NumElements(s)*dtype.Size()),
	}
}

// FromFloats builds an array from float64 values, converting to dtype.
func FromFloats(dtype DType, shape []int, values []float64) (Array, error) {
	if NumElements(shape) != len(values) {
		return Array{}, fmt.Errorf("%w: %d values for shape %v", ErrShapeMismatch, len(values), shape)
	}
	a := New(dtype, shape...)
	for i, v := range values {
		a.SetAt(i, v)
	}
	return a, nil
}

// Scalar builds a zero-dimensional array holding v.
func Scalar(dtype DType, v float64) Array {
	a := New(dtype)
	a.SetAt(0, v)
	return a
}

// NumElements returns the product of the dimensions in shape.
func NumElements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// Len returns the number of elements.
func (a Array) Len() int {
	return NumElements(a.Shape)
}

// ByteLen returns the expected size of Data.
func (a Array) ByteLen() int {
	return a.Len() * a.DType.Size()
}

// At returns element i (flat index) as float64.
func (a Array) At(i int) float64 {
	off := i * a.DType.Size()
	b := a.Data[off:]
	switch a.DType {
	case Bool, Uint8:
		return float64(b[0])
	case Int8:
		return float64(int8(b[0]))
	case Int16:
		return float64(int16(binary.LittleEndian.Uint16(b)))
	case Int32:
		return float64(int32(binary.LittleEndian.Uint32(b)))
	case Int64:
		return float64(int64(binary.LittleEndian.Uint64(b)))
	case Float32:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
	case Float64:
		return math.Float64frombits(binary.LittleEndian.Uint64(b))
	}
	panic(fmt.Sprintf("tensor: unsupported dtype %q", a.DType))
}

// SetAt stores v at flat index i, truncating toward the dtype.
func (a Array) SetAt(i int, v float64) {
	off := i * a.DType.Size()
	b := a.Data[off:]
	switch a.DType {
	case Bool:
		if v != 0 {
			b[0] = 1
		} else {
			b[0] = 0
		}
	case Uint8:
		b[0] = uint8(v)
	case Int8:
		b[0] = uint8(int8(v))
	case Int16:
		binary.LittleEndian.PutUint16(b, uint16(int16(v)))
	case Int32:
		binary.LittleEndian.PutUint32(b, uint32(int32(v)))
	case Int64:
		binary.LittleEndian.PutUint64(b, uint64(int64(v)))
	case Float32:
		binary.LittleEndian.PutUint32(b, math.Float32bits(float32(v)))
	case Float64:
		binary.LittleEndian.PutUint64(b, math.Float64bits(v))
	default:
		panic(fmt.Sprintf("tensor: unsupported dtype %q", a.DType))
	}
}

// Floats returns all elements as float64.
func (a Array) Floats() []float64 {
	out := make([]float64, a.Len())
	for i := range out {
		out[i] = a.At(i)
	}
	return out
}

// Clone returns a deep copy.
func (a Array) Clone() Array {
	return Array{
		DType: a.DType,
		Shape: append([]int(nil), a.Shape...),
		Data:  append([]byte(nil), a.Data...),
	}
}

// Equal reports whether a and b have identical dtype, shape and contents.
func (a Array) Equal(b Array) bool {
	if !a.SameSpec(b) || len(a.Data) != len(b.Data) {
		return false
	}
	for i := range a.Data {
		if a.Data[i] != b.Data[i] {
			return false
		}
	}
	return true
}

// SameSpec reports whether a and b share dtype and shape.
func (a Array) SameSpec(b Array) bool {
	return a.DType == b.DType && ShapeEqual(a.Shape, b.Shape)
}

// Convert returns a copy of a with elements converted to dtype.
func (a Array) Convert(dtype DType) Array {
	if dtype == a.DType {
		return a.Clone()
	}
	out := New(dtype, a.Shape...)
	for i := 0; i < a.Len(); i++ {
		out.SetAt(i, a.At(i))
	}
	return out
}

// Validate checks that the data length matches dtype and shape.
func (a Array) Validate() error {
	if !a.DType.Valid() {
		return fmt.Errorf("unsupported dtype %q", a.DType)
	}
	if len(a.Data) != a.ByteLen() {
		return fmt.Errorf("data length %d does not match shape %v of %s", len(a.Data), a.Shape, a.DType)
	}
	return nil
}

// ShapeEqual compares two shapes.
func ShapeEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Wider returns whichever of a and b has the larger element size, preferring a on ties.
func Wider(a, b DType) DType {
	if b.Size() > a.Size() {
		return b
	}
	return a
}

// Stack copies same-spec arrays into one array with a new leading dimension.
func Stack(dtype DType, shape []int, items []Array) (Array, error) {
	out := New(dtype, append([]int{len(items)}, shape...)...)
	stride := NumElements(shape) * dtype.Size()
	for i, item := range items {
		if !ShapeEqual(item.Shape, shape) {
			return Array{}, fmt.Errorf("%w: item %d has shape %v, want %v", ErrShapeMismatch, i, item.Shape, shape)
		}
		if item.DType != dtype {
			item = item.Convert(dtype)
		}
		copy(out.Data[i*stride:(i+1)*stride], item.Data)
	}
	return out, nil
}
