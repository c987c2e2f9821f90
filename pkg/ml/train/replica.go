// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"math/rand/v2"

	"github.com/gomlx/pixelcnn/pkg/core/tensors"
	"github.com/gomlx/pixelcnn/pkg/ml/model"
	"github.com/gomlx/pixelcnn/pkg/ml/params"
)

// Result of one device replica in a training step.
type Result struct {
	Device int

	// Loss is the summed negative log-likelihood (in nats) of the device's slice of the batch.
	Loss float64

	// Gradients of Loss with respect to every live parameter.
	Gradients *params.Values
}

// Replica runs the model for one device. It only reads the parameter store.
//
// Replicas of different devices may run concurrently; a single Replica must not.
type Replica struct {
	Device      int
	model       model.Model
	loss        model.Loss
	store       *params.Store
	dropoutRate float64
	numClasses  int
	rng         *rand.Rand
}

// NewReplica creates the replica for the given device. Its dropout RNG is derived from the seed and the device.
func NewReplica(device int, m model.Model, loss model.Loss, store *params.Store, dropoutRate float64, numClasses int, seed uint64) *Replica {
	return &Replica{
		Device:      device,
		model:       m,
		loss:        loss,
		store:       store,
		dropoutRate: dropoutRate,
		numClasses:  numClasses,
		rng:         rand.New(rand.NewPCG(seed, uint64(device)+1)),
	}
}

// Train runs the forward pass with the live parameters and dropout, and computes the loss and its gradients.
//
// Any error or panic is returned as a *DeviceError.
func (r *Replica) Train(batch *Batch) (*Result, error) {
	result := &Result{Device: r.Device}
	err := RunOnDevice(r.Device, func() error {
		cond, err := batch.Conditioning(r.numClasses)
		if err != nil {
			return err
		}
		return r.store.Read(params.ViewLive, func(values *params.Values) error {
			mctx := model.NewContext(model.ModeTrain, values, r.rng).WithDropout(r.dropoutRate)
			dist, backward, err := r.model.Forward(mctx, batch.Images, cond)
			if err != nil {
				return err
			}
			var dDist *tensors.Tensor
			result.Loss, dDist, err = r.loss.LossAndGradient(batch.Images, dist)
			if err != nil {
				return err
			}
			result.Gradients = r.store.ZeroGradients()
			return backward(dDist, result.Gradients)
		})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Eval runs the forward pass with the shadow parameters and no dropout, and returns the loss.
//
// Any error or panic is returned as a *DeviceError.
func (r *Replica) Eval(batch *Batch) (loss float64, err error) {
	err = RunOnDevice(r.Device, func() error {
		cond, err := batch.Conditioning(r.numClasses)
		if err != nil {
			return err
		}
		return r.store.Read(params.ViewShadow, func(values *params.Values) error {
			mctx := model.NewContext(model.ModeEval, values, r.rng)
			dist, _, err := r.model.Forward(mctx, batch.Images, cond)
			if err != nil {
				return err
			}
			loss, err = r.loss.Loss(batch.Images, dist)
			return err
		})
	})
	return
}
