// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package sampler generates images from an autoregressive model, one pixel at a time in raster order.
//
// Each device fills its own zero-initialized canvas: for every position (row, col), top to bottom and left
// to right, the model is executed on the whole canvas with the shadow parameters (and no dropout), a value
// is drawn from the returned distribution at (row, col), and only that position is written.
// The canvases of all devices are concatenated, in device order, into the output batch.
package sampler

import (
	"context"
	"math/rand/v2"

	"github.com/gomlx/pixelcnn/pkg/core/shapes"
	"github.com/gomlx/pixelcnn/pkg/core/tensors"
	"github.com/gomlx/pixelcnn/pkg/ml/model"
	"github.com/gomlx/pixelcnn/pkg/ml/params"
	"github.com/gomlx/pixelcnn/pkg/ml/train"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// Gate reports whether the parameters are ready to be used. *train.Trainer implements it.
type Gate interface {
	CheckReady() error
}

// VisitFn is called after the sample of a position is committed to the canvas of a device.
// It may be called concurrently for different devices.
type VisitFn func(device, row, col int)

// Config of the Sampler.
type Config struct {
	NumDevices int

	// BatchSize is the number of images generated per device.
	BatchSize int

	// ImageShape is `[height, width, channels]`.
	ImageShape shapes.Shape

	// NumClasses for class conditioning, or 0. Image i of each device is conditioned on class i % NumClasses.
	NumClasses int

	Seed uint64
}

// Sampler generates batches of images.
type Sampler struct {
	config  Config
	model   model.Model
	loss    model.Loss
	store   *params.Store
	gate    Gate
	visitor VisitFn
	rngs    []*rand.Rand
}

// New creates a Sampler. gate can be nil, if the parameters are known to be ready.
func New(m model.Model, loss model.Loss, store *params.Store, gate Gate, config Config) (*Sampler, error) {
	if config.NumDevices < 1 || config.BatchSize < 1 {
		return nil, errors.Errorf("sampler.New(): NumDevices (%d) and BatchSize (%d) must be >= 1",
			config.NumDevices, config.BatchSize)
	}
	if config.ImageShape.Rank() != 3 {
		return nil, errors.Errorf("sampler.New(): image shape must be [height, width, channels], got %s", config.ImageShape)
	}
	s := &Sampler{
		config: config,
		model:  m,
		loss:   loss,
		store:  store,
		gate:   gate,
		rngs:   make([]*rand.Rand, config.NumDevices),
	}
	for device := range s.rngs {
		s.rngs[device] = rand.New(rand.NewPCG(config.Seed, 1<<32+uint64(device)))
	}
	return s, nil
}

// WithVisitor sets a function to be called after every committed position. It returns the Sampler itself.
func (s *Sampler) WithVisitor(fn VisitFn) *Sampler {
	s.visitor = fn
	return s
}

// NumPositions returns the number of model executions per device for one batch: height × width.
func (s *Sampler) NumPositions() int {
	return s.config.ImageShape.Dim(0) * s.config.ImageShape.Dim(1)
}

// Sample generates one batch of NumDevices × BatchSize images, shaped `[batch, height, width, channels]`
// with values in [-1, 1].
//
// The devices run concurrently. The context is checked between positions.
func (s *Sampler) Sample(ctx context.Context) (*tensors.Tensor, error) {
	if s.gate != nil {
		if err := s.gate.CheckReady(); err != nil {
			return nil, err
		}
	}
	cond, err := s.conditioning()
	if err != nil {
		return nil, err
	}
	canvases := make([]*tensors.Tensor, s.config.NumDevices)
	g, gCtx := errgroup.WithContext(ctx)
	for device := range canvases {
		g.Go(func() error {
			var err error
			canvases[device], err = s.sampleDevice(gCtx, device, cond)
			return err
		})
	}
	if err = g.Wait(); err != nil {
		return nil, err
	}
	return tensors.Concatenate(canvases...)
}

// SampleBatches generates n batches with Sample and concatenates them.
func (s *Sampler) SampleBatches(ctx context.Context, n int) (*tensors.Tensor, error) {
	if n < 1 {
		return nil, errors.Errorf("Sampler.SampleBatches(%d): n must be >= 1", n)
	}
	batches := make([]*tensors.Tensor, n)
	for ii := range batches {
		var err error
		batches[ii], err = s.Sample(ctx)
		if err != nil {
			return nil, errors.WithMessagef(err, "sampling batch #%d", ii)
		}
		klog.V(1).Infof("sampled batch %d of %d", ii+1, n)
	}
	return tensors.Concatenate(batches...)
}

// conditioning returns the one-hot class conditioning of a device batch, or nil if not conditioned.
func (s *Sampler) conditioning() (*tensors.Tensor, error) {
	if s.config.NumClasses == 0 {
		return nil, nil
	}
	labels := make([]int, s.config.BatchSize)
	for ii := range labels {
		labels[ii] = ii % s.config.NumClasses
	}
	return tensors.OneHot(labels, s.config.NumClasses)
}

// sampleDevice fills the canvas of one device.
func (s *Sampler) sampleDevice(ctx context.Context, device int, cond *tensors.Tensor) (*tensors.Tensor, error) {
	height, width, channels := s.config.ImageShape.Dim(0), s.config.ImageShape.Dim(1), s.config.ImageShape.Dim(2)
	canvas := tensors.Zeros(s.config.BatchSize, height, width, channels)
	rng := s.rngs[device]
	for row := range height {
		for col := range width {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			var pixels *tensors.Tensor
			err := train.RunOnDevice(device, func() error {
				return s.store.Read(params.ViewShadow, func(values *params.Values) error {
					mctx := model.NewContext(model.ModeEval, values, rng)
					dist, _, err := s.model.Forward(mctx, canvas, cond)
					if err != nil {
						return err
					}
					pixels, err = s.loss.SampleAt(dist, channels, row, col, rng)
					return err
				})
			})
			if err != nil {
				return nil, errors.WithMessagef(err, "sampling position (%d, %d)", row, col)
			}
			for b := range s.config.BatchSize {
				for c := range channels {
					canvas.Set(pixels.At(b, c), b, row, col, c)
				}
			}
			if s.visitor != nil {
				s.visitor(device, row, col)
			}
		}
	}
	return canvas, nil
}
