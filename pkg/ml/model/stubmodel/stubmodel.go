// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package stubmodel provides a tiny model and loss with closed-form gradients, for testing the trainer
// and the sampler without a real network.
//
// The model outputs, per pixel and channel, dist = scale[c]*x + bias[c]; the loss is ½Σdist², and sampling
// returns dist+SampleOffset at the requested position, clipped to [-1, 1].
package stubmodel

import (
	"math/rand/v2"
	"sync/atomic"

	"github.com/gomlx/pixelcnn/pkg/core/shapes"
	"github.com/gomlx/pixelcnn/pkg/core/tensors"
	"github.com/gomlx/pixelcnn/pkg/ml/model"
	"github.com/gomlx/pixelcnn/pkg/ml/params"
	"github.com/pkg/errors"
)

// Parameter names.
const (
	Scale = "scale"
	Bias  = "bias"
)

// Model implements model.Model.
type Model struct {
	// Hook, if set, is called at the start of every Forward. If it returns an error, Forward returns it.
	// It may also panic, to simulate a crash in the model.
	Hook func(mctx *model.Context, x, cond *tensors.Tensor) error

	numCalls atomic.Int64
}

var _ model.Model = (*Model)(nil)

// New returns a new stub model.
func New() *Model {
	return &Model{}
}

// NumCalls returns the number of calls to Forward so far.
func (m *Model) NumCalls() int {
	return int(m.numCalls.Load())
}

// Specs implements model.Model.
func (m *Model) Specs(imageShape shapes.Shape) []params.Spec {
	channels := imageShape.Dim(-1)
	return []params.Spec{
		{Name: Scale, Shape: shapes.Make(channels), Init: params.Constant(1)},
		{Name: Bias, Shape: shapes.Make(channels), Init: params.Zeros},
	}
}

// Forward implements model.Model.
// In ModeInit it commits the bias to minus the per-channel mean of x.
func (m *Model) Forward(mctx *model.Context, x, cond *tensors.Tensor) (*tensors.Tensor, model.BackwardFn, error) {
	m.numCalls.Add(1)
	if m.Hook != nil {
		if err := m.Hook(mctx, x, cond); err != nil {
			return nil, nil, err
		}
	}
	channels := x.Shape().Dim(-1)
	if mctx.Mode == model.ModeInit {
		mean := tensors.Zeros(channels)
		numPixels := x.Size() / channels
		for ii, v := range x.Flat() {
			mean.Flat()[ii%channels] += v / float64(numPixels)
		}
		for c := range channels {
			mean.Flat()[c] = -mean.Flat()[c]
		}
		mctx.Commit(Bias, mean)
	}
	scale, bias := mctx.Param(Scale).Flat(), mctx.Param(Bias).Flat()
	if len(scale) != channels {
		return nil, nil, errors.Errorf("stubmodel: x has %d channels, parameters have %d", channels, len(scale))
	}
	dist := tensors.FromShape(x.Shape())
	for ii, v := range x.Flat() {
		c := ii % channels
		dist.Flat()[ii] = scale[c]*v + bias[c]
	}
	if mctx.Mode != model.ModeTrain {
		return dist, nil, nil
	}
	backward := func(dDist *tensors.Tensor, grads *params.Values) error {
		if !dDist.Shape().Equal(x.Shape()) {
			return errors.Errorf("stubmodel: gradient shape %s doesn't match %s", dDist.Shape(), x.Shape())
		}
		dScale, dBias := grads.Get(Scale).Flat(), grads.Get(Bias).Flat()
		for ii, d := range dDist.Flat() {
			c := ii % channels
			dScale[c] += d * x.Flat()[ii]
			dBias[c] += d
		}
		return nil
	}
	return dist, backward, nil
}

// Loss implements model.Loss.
type Loss struct {
	// SampleOffset is added to the distribution value when sampling.
	SampleOffset float64
}

var _ model.Loss = Loss{}

// NumDistParams implements model.Loss: one value per channel.
func (l Loss) NumDistParams(channels int) int { return channels }

// Loss implements model.Loss: ½Σdist².
func (l Loss) Loss(_, dist *tensors.Tensor) (float64, error) {
	var total float64
	for _, v := range dist.Flat() {
		total += 0.5 * v * v
	}
	return total, nil
}

// LossAndGradient implements model.Loss.
func (l Loss) LossAndGradient(x, dist *tensors.Tensor) (float64, *tensors.Tensor, error) {
	loss, _ := l.Loss(x, dist)
	return loss, dist.Clone(), nil
}

// SampleAt implements model.Loss.
func (l Loss) SampleAt(dist *tensors.Tensor, channels, row, col int, _ *rand.Rand) (*tensors.Tensor, error) {
	batchSize := dist.Shape().Dim(0)
	result := tensors.Zeros(batchSize, channels)
	for b := range batchSize {
		for c := range channels {
			result.Set(min(max(dist.At(b, row, col, c)+l.SampleOffset, -1), 1), b, c)
		}
	}
	return result, nil
}
