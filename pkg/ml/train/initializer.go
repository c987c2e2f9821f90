// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"math/rand/v2"

	"github.com/gomlx/pixelcnn/pkg/ml/model"
	"github.com/gomlx/pixelcnn/pkg/ml/params"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Initializer runs the data-dependent initialization pass: the model is executed once in model.ModeInit,
// committing values (e.g. normalization scale and shift) computed from the initialization batch.
//
// It can only run once. Afterwards the shadow values are reset to the initialized live values.
type Initializer struct {
	model       model.Model
	store       *params.Store
	dropoutRate float64
	numClasses  int
	rng         *rand.Rand
	done        bool
}

// NewInitializer creates the initializer for the store.
func NewInitializer(m model.Model, store *params.Store, dropoutRate float64, numClasses int, seed uint64) *Initializer {
	return &Initializer{
		model:       m,
		store:       store,
		dropoutRate: dropoutRate,
		numClasses:  numClasses,
		rng:         rand.New(rand.NewPCG(seed, 0)),
	}
}

// Done returns whether the initialization already ran.
func (di *Initializer) Done() bool { return di.done }

// Run the initialization on batch, on a single device.
// It returns an error wrapping ErrOrderingViolation if it has already run.
// If the model fails (or panics) the live values are left unchanged, the failure is returned as a
// *DeviceError and Run may be called again.
func (di *Initializer) Run(batch *Batch) error {
	if di.done {
		return errors.Wrap(ErrOrderingViolation, "data-dependent initialization can only run once")
	}
	cond, err := batch.Conditioning(di.numClasses)
	if err != nil {
		return err
	}
	var committed []string
	err = di.store.Update(func(live, shadow *params.Values) error {
		original := live.Clone()
		mctx := model.NewContext(model.ModeInit, live, di.rng).WithDropout(di.dropoutRate)
		err := RunOnDevice(0, func() error {
			_, _, err := di.model.Forward(mctx, batch.Images, cond)
			return err
		})
		if err != nil {
			// Values committed before the failure are discarded.
			for ii, value := range original.All() {
				live.At(ii).CopyFrom(value)
			}
			return err
		}
		for ii, value := range live.All() {
			shadow.At(ii).CopyFrom(value)
		}
		committed = mctx.Committed()
		return nil
	})
	if err != nil {
		return errors.WithMessage(err, "data-dependent initialization")
	}
	di.done = true
	klog.V(1).Infof("data-dependent initialization with %d examples committed %d parameters: %v",
		batch.Size(), len(committed), committed)
	return nil
}
