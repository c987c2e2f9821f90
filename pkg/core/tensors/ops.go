// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// Split splits the tensor evenly along its first axis (the batch axis) into n tensors.
// The pieces are copies, in order.
//
// It returns an error if the tensor is a scalar or if the first dimension is not divisible by n.
func Split(t *Tensor, n int) ([]*Tensor, error) {
	if n <= 0 {
		return nil, errors.Errorf("tensors.Split(n=%d): n must be > 0", n)
	}
	if t.Rank() == 0 {
		return nil, errors.Errorf("tensors.Split(n=%d): cannot split a scalar", n)
	}
	batchSize := t.shape.Dimensions[0]
	if batchSize%n != 0 {
		return nil, errors.Errorf("tensors.Split(n=%d): first axis of shape %s is not divisible by %d", n, t.shape, n)
	}
	pieceSize := batchSize / n
	parts := make([]*Tensor, n)
	for ii := range parts {
		parts[ii] = t.SliceAxis0(ii*pieceSize, (ii+1)*pieceSize)
	}
	return parts, nil
}

// SliceAxis0 returns a copy of the rows [start, end) of the first axis.
// It panics if the range is invalid.
func (t *Tensor) SliceAxis0(start, end int) *Tensor {
	if t.Rank() == 0 || start < 0 || end > t.shape.Dimensions[0] || start > end {
		exceptions.Panicf("Tensor.SliceAxis0(%d, %d) invalid for shape %s", start, end, t.shape)
	}
	rowSize := 1
	if t.shape.Dimensions[0] > 0 {
		rowSize = t.Size() / t.shape.Dimensions[0]
	}
	part := FromShape(t.shape.WithDim(0, end-start))
	copy(part.flat, t.flat[start*rowSize:end*rowSize])
	return part
}

// Concatenate the tensors along their first axis. All other dimensions must match.
// The result is a new tensor.
func Concatenate(parts ...*Tensor) (*Tensor, error) {
	if len(parts) == 0 {
		return nil, errors.New("tensors.Concatenate(): no tensors given")
	}
	first := parts[0].shape
	if first.Rank() == 0 {
		return nil, errors.New("tensors.Concatenate(): cannot concatenate scalars")
	}
	total := 0
	for ii, part := range parts {
		if !part.shape.WithDim(0, 1).Equal(first.WithDim(0, 1)) {
			return nil, errors.Errorf("tensors.Concatenate(): tensor #%d has shape %s, incompatible with first tensor shape %s",
				ii, part.shape, first)
		}
		total += part.shape.Dimensions[0]
	}
	result := FromShape(first.WithDim(0, total))
	pos := 0
	for _, part := range parts {
		copy(result.flat[pos:], part.flat)
		pos += len(part.flat)
	}
	return result, nil
}

// OneHot returns a tensor shaped `[len(indices), numClasses]` with 1 at the positions given by indices.
func OneHot(indices []int, numClasses int) (*Tensor, error) {
	result := Zeros(len(indices), numClasses)
	for ii, idx := range indices {
		if idx < 0 || idx >= numClasses {
			return nil, errors.Errorf("tensors.OneHot(): index #%d is %d, out of range for %d classes", ii, idx, numClasses)
		}
		result.flat[ii*numClasses+idx] = 1
	}
	return result, nil
}
