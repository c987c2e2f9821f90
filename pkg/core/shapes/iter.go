// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import "iter"

// Iter yields, in row-major order, the flat index and the per-axis indices of every element of the shape.
//
// The indices slice is reused between iterations: copy it if it must outlive the loop body.
// A scalar yields a single element with empty indices.
func (s Shape) Iter() iter.Seq2[int, []int] {
	return func(yield func(int, []int) bool) {
		indices := make([]int, s.Rank())
		for flatIdx := range s.Size() {
			if !yield(flatIdx, indices) {
				return
			}
			for axis := len(indices) - 1; axis >= 0; axis-- {
				if indices[axis]++; indices[axis] < s.Dimensions[axis] {
					break
				}
				indices[axis] = 0
			}
		}
	}
}
