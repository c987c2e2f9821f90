// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package params

import (
	"math"
	"math/rand/v2"

	"github.com/gomlx/pixelcnn/pkg/core/tensors"
)

// Zeros initializes the value with zeros.
func Zeros(_ *rand.Rand, value *tensors.Tensor) {
	value.Fill(0)
}

// Constant returns an initializer that fills the value with c.
func Constant(c float64) InitFn {
	return func(_ *rand.Rand, value *tensors.Tensor) {
		value.Fill(c)
	}
}

// RandomNormal returns an initializer that samples values from a normal distribution with mean 0 and the given stddev.
func RandomNormal(stddev float64) InitFn {
	return func(rng *rand.Rand, value *tensors.Tensor) {
		flat := value.Flat()
		for ii := range flat {
			flat[ii] = rng.NormFloat64() * stddev
		}
	}
}

// HeNormal returns a normal initializer scaled by sqrt(2/fanIn).
func HeNormal(fanIn int) InitFn {
	return RandomNormal(math.Sqrt(2.0 / float64(max(fanIn, 1))))
}
