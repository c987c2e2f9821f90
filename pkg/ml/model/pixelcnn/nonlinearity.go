// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pixelcnn

import (
	"math"
	"slices"

	"github.com/pkg/errors"
)

// Nonlinearity used in the residual blocks.
type Nonlinearity string

const (
	ConcatELU Nonlinearity = "concat_elu"
	ELU       Nonlinearity = "elu"
	ReLU      Nonlinearity = "relu"
)

// Nonlinearities lists the valid values of Nonlinearity.
var Nonlinearities = []Nonlinearity{ConcatELU, ELU, ReLU}

// ParseNonlinearity returns an error if name is not one of Nonlinearities.
func ParseNonlinearity(name string) (Nonlinearity, error) {
	n := Nonlinearity(name)
	if !slices.Contains(Nonlinearities, n) {
		return "", errors.Errorf("invalid nonlinearity %q, valid values are %q", name, Nonlinearities)
	}
	return n, nil
}

// outputDim returns the number of features after the nonlinearity, for numFeatures inputs.
func (n Nonlinearity) outputDim(numFeatures int) int {
	if n == ConcatELU {
		return 2 * numFeatures
	}
	return numFeatures
}

func elu(x float64) float64 {
	if x > 0 {
		return x
	}
	return math.Expm1(x)
}

func eluGrad(x float64) float64 {
	if x > 0 {
		return 1
	}
	return math.Exp(x)
}

// apply the nonlinearity to h, shaped [rows, numFeatures].
func (n Nonlinearity) apply(h []float64, numFeatures int) []float64 {
	out := make([]float64, len(h)/numFeatures*n.outputDim(numFeatures))
	switch n {
	case ConcatELU:
		for row := 0; row < len(h)/numFeatures; row++ {
			in := h[row*numFeatures : (row+1)*numFeatures]
			o := out[row*2*numFeatures : (row+1)*2*numFeatures]
			for ii, v := range in {
				o[ii] = elu(v)
				o[numFeatures+ii] = elu(-v)
			}
		}
	case ELU:
		for ii, v := range h {
			out[ii] = elu(v)
		}
	default:
		for ii, v := range h {
			out[ii] = max(v, 0)
		}
	}
	return out
}

// backward returns the gradient with respect to h, given the gradient with respect to the output of apply.
func (n Nonlinearity) backward(h, dOut []float64, numFeatures int) []float64 {
	dh := make([]float64, len(h))
	switch n {
	case ConcatELU:
		for row := 0; row < len(h)/numFeatures; row++ {
			in := h[row*numFeatures : (row+1)*numFeatures]
			d := dOut[row*2*numFeatures : (row+1)*2*numFeatures]
			for ii, v := range in {
				dh[row*numFeatures+ii] = d[ii]*eluGrad(v) - d[numFeatures+ii]*eluGrad(-v)
			}
		}
	case ELU:
		for ii, v := range h {
			dh[ii] = dOut[ii] * eluGrad(v)
		}
	default:
		for ii, v := range h {
			if v > 0 {
				dh[ii] = dOut[ii]
			}
		}
	}
	return dh
}
