// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tensors implements a Tensor, a multidimensional array of float64 values stored in host memory,
// in row-major order.
//
// Tensors are not safe for concurrent writes: ownership is managed by the user. The parameter store
// (package params) guards the tensors it owns with a lock.
package tensors

import (
	"fmt"
	"math"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/pixelcnn/pkg/core/shapes"
)

// Tensor is a multidimensional array of float64 values.
type Tensor struct {
	shape shapes.Shape
	flat  []float64
}

// FromShape returns a Tensor with the given shape, with the data initialized with zeros.
func FromShape(shape shapes.Shape) *Tensor {
	return &Tensor{
		shape: shape.Clone(),
		flat:  make([]float64, shape.Size()),
	}
}

// Zeros returns a zero-initialized Tensor with the given dimensions.
func Zeros(dimensions ...int) *Tensor {
	return FromShape(shapes.Make(dimensions...))
}

// FromFlatDataAndDimensions creates a tensor with the given dimensions, filled with the flattened values given in `data`.
// The data is copied.
//
// It panics if len(data) doesn't match the size of the shape.
func FromFlatDataAndDimensions(data []float64, dimensions ...int) *Tensor {
	shape := shapes.Make(dimensions...)
	if len(data) != shape.Size() {
		exceptions.Panicf("FromFlatDataAndDimensions(%s): got %d values, shape requires %d", shape, len(data), shape.Size())
	}
	return &Tensor{shape: shape, flat: slices.Clone(data)}
}

// FromScalar returns a scalar (rank 0) tensor with the given value.
func FromScalar(value float64) *Tensor {
	return &Tensor{shape: shapes.Make(), flat: []float64{value}}
}

// FromScalarAndDimensions returns a tensor with the given dimensions, filled with the scalar value.
func FromScalarAndDimensions(value float64, dimensions ...int) *Tensor {
	t := FromShape(shapes.Make(dimensions...))
	t.Fill(value)
	return t
}

// Shape of the tensor.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// Rank of the tensor.
func (t *Tensor) Rank() int { return t.shape.Rank() }

// Size is the number of elements of the tensor.
func (t *Tensor) Size() int { return len(t.flat) }

// Flat returns the underlying flat data, in row-major order. It is not a copy: changes are reflected on the tensor.
func (t *Tensor) Flat() []float64 { return t.flat }

// At returns the value at the given indices.
func (t *Tensor) At(indices ...int) float64 {
	return t.flat[t.shape.FlatIndex(indices...)]
}

// Set the value at the given indices.
func (t *Tensor) Set(value float64, indices ...int) {
	t.flat[t.shape.FlatIndex(indices...)] = value
}

// Value returns the value of a scalar tensor. It panics if the tensor is not a scalar.
func (t *Tensor) Value() float64 {
	if !t.shape.IsScalar() {
		exceptions.Panicf("Tensor.Value() called on non-scalar tensor of shape %s", t.shape)
	}
	return t.flat[0]
}

// Fill sets all values of the tensor to value.
func (t *Tensor) Fill(value float64) {
	for ii := range t.flat {
		t.flat[ii] = value
	}
}

// Clone returns a deep copy of the tensor.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{shape: t.shape.Clone(), flat: slices.Clone(t.flat)}
}

// CopyFrom copies the values of `from` into t. It panics if the shapes differ.
func (t *Tensor) CopyFrom(from *Tensor) {
	if !t.shape.Equal(from.shape) {
		exceptions.Panicf("Tensor.CopyFrom(): incompatible shapes, tensor is %s, source is %s", t.shape, from.shape)
	}
	copy(t.flat, from.flat)
}

// Reshape returns a tensor sharing the same data, with the new dimensions.
// It panics if the new shape has a different size.
func (t *Tensor) Reshape(dimensions ...int) *Tensor {
	shape := shapes.Make(dimensions...)
	if shape.Size() != t.Size() {
		exceptions.Panicf("Tensor.Reshape(%s): incompatible with tensor of shape %s", shape, t.shape)
	}
	return &Tensor{shape: shape, flat: t.flat}
}

// Equal checks whether t == otherTensor, bit-for-bit for each value.
// If the shapes are different, it returns false.
func (t *Tensor) Equal(otherTensor *Tensor) bool {
	if t == otherTensor {
		return true
	}
	if !t.shape.Equal(otherTensor.shape) {
		return false
	}
	for ii, v := range t.flat {
		if math.Float64bits(v) != math.Float64bits(otherTensor.flat[ii]) {
			return false
		}
	}
	return true
}

// InDelta checks whether Abs(t - otherTensor) <= delta for every element.
// If the shapes are different, it returns false.
func (t *Tensor) InDelta(otherTensor *Tensor, delta float64) bool {
	if t == otherTensor {
		return true
	}
	if !t.shape.Equal(otherTensor.shape) {
		return false
	}
	for ii, v := range t.flat {
		if math.Abs(v-otherTensor.flat[ii]) > delta {
			return false
		}
	}
	return true
}

// HasNaNOrInf returns whether any of the values is NaN or infinite.
func (t *Tensor) HasNaNOrInf() bool {
	for _, v := range t.flat {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return true
		}
	}
	return false
}

// String implements fmt.Stringer. Large tensors are summarized.
func (t *Tensor) String() string {
	const maxValues = 16
	if t.Size() <= maxValues {
		return fmt.Sprintf("Tensor%s%v", t.shape, t.flat)
	}
	return fmt.Sprintf("Tensor%s%v...", t.shape, t.flat[:maxValues])
}
