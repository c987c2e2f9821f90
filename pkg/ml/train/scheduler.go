// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"github.com/gomlx/pixelcnn/pkg/ml/params"
	"github.com/gomlx/pixelcnn/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Scheduler applies the synchronized update of one training step: it decays the learning rate,
// runs the optimizer on the live parameters and updates the shadow parameters.
//
// The optimizer step and the shadow update happen under a single Store.Update, so readers observe
// either both or none.
type Scheduler struct {
	store       *params.Store
	optimizer   optimizers.Interface
	schedule    *optimizers.ExponentialDecay
	polyakDecay float64
}

// NewScheduler creates a Scheduler for the store.
func NewScheduler(store *params.Store, optimizer optimizers.Interface, schedule *optimizers.ExponentialDecay, polyakDecay float64) *Scheduler {
	return &Scheduler{
		store:       store,
		optimizer:   optimizer,
		schedule:    schedule,
		polyakDecay: polyakDecay,
	}
}

// Step applies one update with the aggregated gradients. It returns the learning rate used.
// If the update fails the schedule is not advanced.
func (s *Scheduler) Step(grads *params.Values) (learningRate float64, err error) {
	learningRate = s.schedule.Peek()
	err = s.store.Update(func(live, shadow *params.Values) error {
		if err := s.optimizer.Apply(live, grads, learningRate); err != nil {
			return err
		}
		params.ApplyEMA(live, shadow, s.polyakDecay)
		return nil
	})
	if err != nil {
		return 0, errors.WithMessagef(err, "update step #%d", s.schedule.Steps()+1)
	}
	s.schedule.Next()
	if klog.V(2).Enabled() {
		klog.Infof("step #%d applied with learning rate %g", s.schedule.Steps(), learningRate)
	}
	return learningRate, nil
}

// LearningRate returns the learning rate used in the last step, or the initial one if no step was taken.
func (s *Scheduler) LearningRate() float64 { return s.schedule.Current() }

// NumSteps returns the number of steps applied.
func (s *Scheduler) NumSteps() int { return s.schedule.Steps() }
