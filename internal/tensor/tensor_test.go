package tensor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetAtRoundTrip(t *testing.T) {
	tests := []struct {
		dtype DType
		value float64
	}{
		{Bool, 1},
		{Uint8, 200},
		{Int8, -7},
		{Int16, -30000},
		{Int32, 123456},
		{Int64, -9876543210},
		{Float32, 0.5},
		{Float64, 3.25},
	}

	for _, tt := range tests {
		t.Run(string(tt.dtype), func(t *testing.T) {
			a := New(tt.dtype, 2)
			a.SetAt(1, tt.value)
			assert.Equal(t, tt.value, a.At(1))
			assert.Equal(t, 0.0, a.At(0))
		})
	}
}

func TestConvertWidens(t *testing.T) {
	a, err := FromFloats(Uint8, []int{3}, []float64{1, 2, 255})
	require.NoError(t, err)

	b := a.Convert(Int32)
	assert.Equal(t, Int32, b.DType)
	assert.Equal(t, []float64{1, 2, 255}, b.Floats())
	assert.Len(t, b.Data, 12)
}

func TestFromFloatsShapeMismatch(t *testing.T) {
	_, err := FromFloats(Int32, []int{2, 2}, []float64{1, 2, 3})
	assert.ErrorIs(t, err, ErrShapeMismatch)
}

func TestWider(t *testing.T) {
	assert.Equal(t, Int32, Wider(Uint8, Int32))
	assert.Equal(t, Float64, Wider(Float64, Int16))
	assert.Equal(t, Uint8, Wider(Uint8, Bool))
}

func TestStack(t *testing.T) {
	a, _ := FromFloats(Uint8, []int{2}, []float64{1, 2})
	b, _ := FromFloats(Int16, []int{2}, []float64{3, 4})

	out, err := Stack(Int16, []int{2}, []Array{a, b})
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2}, out.Shape)
	assert.Equal(t, []float64{1, 2, 3, 4}, out.Floats())

	_, err = Stack(Int16, []int{3}, []Array{a})
	assert.ErrorIs(t, err, ErrShapeMismatch)
}

func TestEqualAndClone(t *testing.T) {
	a, _ := FromFloats(Float32, []int{2, 1}, []float64{1, 2})
	b := a.Clone()
	assert.True(t, a.Equal(b))

	b.SetAt(0, 9)
	assert.False(t, a.Equal(b))
	assert.Equal(t, 1.0, a.At(0))
}

func TestValidate(t *testing.T) {
	a := New(Int32, 2, 2)
	assert.NoError(t, a.Validate())

	a.Data = a.Data[:3]
	assert.Error(t, a.Validate())
	assert.Error(t, Array{DType: "complex"}.Validate())
}
