// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pixelcnn

import (
	"gonum.org/v1/gonum/mat"
)

// matMul returns a·b, with a shaped [rows, inner] and b shaped [inner, cols], all row-major.
func matMul(a []float64, rows, inner int, b []float64, cols int) []float64 {
	var c mat.Dense
	c.Mul(mat.NewDense(rows, inner, a), mat.NewDense(inner, cols, b))
	return c.RawMatrix().Data
}

// matMulTransA returns aᵀ·b, with a shaped [rows, inner] and b shaped [rows, cols].
func matMulTransA(a []float64, rows, inner int, b []float64, cols int) []float64 {
	var c mat.Dense
	c.Mul(mat.NewDense(rows, inner, a).T(), mat.NewDense(rows, cols, b))
	return c.RawMatrix().Data
}

// matMulTransB returns a·bᵀ, with a shaped [rows, cols] and b shaped [inner, cols].
func matMulTransB(a []float64, rows, cols int, b []float64, inner int) []float64 {
	var c mat.Dense
	c.Mul(mat.NewDense(rows, cols, a), mat.NewDense(inner, cols, b).T())
	return c.RawMatrix().Data
}

// addBias adds bias (shaped [cols]) to every row of x (shaped [rows, cols]).
func addBias(x []float64, bias []float64) {
	cols := len(bias)
	for offset := 0; offset < len(x); offset += cols {
		row := x[offset : offset+cols]
		for ii, b := range bias {
			row[ii] += b
		}
	}
}

// sumRows accumulates the sum over rows of x (shaped [rows, cols]) into acc (shaped [cols]).
func sumRows(acc []float64, x []float64) {
	cols := len(acc)
	for offset := 0; offset < len(x); offset += cols {
		for ii, v := range x[offset : offset+cols] {
			acc[ii] += v
		}
	}
}
