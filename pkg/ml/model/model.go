// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package model defines the interfaces of the generative model and of its likelihood, as used by the
// trainer and the sampler, and the Context passed to the model on each call.
//
// The model is a pure function of its parameters (given by the Context) and its inputs: it never owns
// parameter values, the params.Store does.
package model

import (
	"fmt"
	"math/rand/v2"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/pixelcnn/pkg/core/shapes"
	"github.com/gomlx/pixelcnn/pkg/core/tensors"
	"github.com/gomlx/pixelcnn/pkg/ml/params"
)

// Mode in which the model is being executed.
type Mode int

const (
	// ModeTrain executes the model with the live parameters and dropout.
	ModeTrain Mode = iota

	// ModeEval executes the model deterministically (no dropout), usually with the shadow parameters.
	ModeEval

	// ModeInit executes the model once, over the initialization batch, to commit data-dependent
	// initial values of the parameters.
	ModeInit
)

// String implements fmt.Stringer.
func (m Mode) String() string {
	switch m {
	case ModeTrain:
		return "train"
	case ModeEval:
		return "eval"
	case ModeInit:
		return "init"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// Context holds the parameter values and execution settings for one call of the model.
type Context struct {
	Mode Mode

	// DropoutRate is the fraction of inputs dropped during training. It's always 0 for ModeEval.
	DropoutRate float64

	// Weights are the parameter values to use, indexed by name.
	Weights *params.Values

	// RNG used for dropout. Each device has its own.
	RNG *rand.Rand

	committed []string
}

// NewContext creates a Context for the given mode and weights.
func NewContext(mode Mode, weights *params.Values, rng *rand.Rand) *Context {
	return &Context{Mode: mode, Weights: weights, RNG: rng}
}

// WithDropout sets the dropout rate, ignored if not in ModeTrain or ModeInit. It returns the context itself.
func (c *Context) WithDropout(rate float64) *Context {
	if c.Mode != ModeEval {
		c.DropoutRate = rate
	}
	return c
}

// Param returns the value of the named parameter.
// It panics if the parameter doesn't exist.
func (c *Context) Param(name string) *tensors.Tensor {
	return c.Weights.Get(name)
}

// Commit sets the value of the named parameter to value, during the data-dependent initialization.
//
// It panics if not in ModeInit, or if the shapes don't match.
func (c *Context) Commit(name string, value *tensors.Tensor) {
	if c.Mode != ModeInit {
		exceptions.Panicf("model.Context.Commit(%q) called in mode %s, only allowed in mode %s", name, c.Mode, ModeInit)
	}
	c.Weights.Get(name).CopyFrom(value)
	c.committed = append(c.committed, name)
}

// Committed returns the names of the parameters committed so far, in order.
func (c *Context) Committed() []string {
	return c.committed
}

// BackwardFn computes the gradients of the loss with respect to every parameter, given the
// gradient of the loss with respect to the distribution parameters returned by the forward pass.
//
// Gradients are accumulated (added) into grads.
type BackwardFn func(dDist *tensors.Tensor, grads *params.Values) error

// Model is the network: it maps images (and optional class conditioning) to per-pixel distribution parameters.
//
// The output at pixel (row, col) must depend only on input pixels strictly before it in raster order.
type Model interface {
	// Specs returns the parameters to create in the store, for images shaped `[height, width, channels]`.
	Specs(imageShape shapes.Shape) []params.Spec

	// Forward executes the model on x shaped `[batch_size, height, width, channels]` with values in [-1, 1],
	// and cond shaped `[batch_size, numClasses]` (or nil).
	//
	// It returns the distribution parameters shaped `[batch_size, height, width, numDistParams]`, and
	// in ModeTrain a function to compute the gradients.
	Forward(mctx *Context, x, cond *tensors.Tensor) (dist *tensors.Tensor, backward BackwardFn, err error)
}

// Loss is the likelihood of the pixels given the distribution parameters returned by the model.
type Loss interface {
	// NumDistParams per pixel for images with the given number of channels.
	NumDistParams(channels int) int

	// Loss returns the negative log-likelihood of x, summed over the batch.
	Loss(x, dist *tensors.Tensor) (float64, error)

	// LossAndGradient returns the negative log-likelihood of x, summed over the batch, and its
	// gradient with respect to dist.
	LossAndGradient(x, dist *tensors.Tensor) (float64, *tensors.Tensor, error)

	// SampleAt samples the pixel at (row, col) for every example, returning a tensor shaped `[batch_size, channels]`.
	SampleAt(dist *tensors.Tensor, channels, row, col int, rng *rand.Rand) (*tensors.Tensor, error)
}
