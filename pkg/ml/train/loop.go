// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"context"
	"io"
	"iter"
	"math"
	"sort"
	"time"

	"github.com/gomlx/pixelcnn/pkg/ml/train/metrics"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Priority for hooks, the lowest values are run first. Defaults to 0, but negative
// values are ok.
type Priority int

// OnStartFn is the type of OnStart hooks.
type OnStartFn func(loop *Loop, ds Dataset) error

// OnStepFn is the type of OnStep hooks.
type OnStepFn func(loop *Loop, result StepResult) error

// OnEpochFn is the type of OnEpoch hooks, called at the end of each epoch.
type OnEpochFn func(loop *Loop, stats EpochStats) error

// OnEndFn is the type of OnEnd hooks.
type OnEndFn func(loop *Loop) error

// EpochStats summarizes one epoch of training.
type EpochStats struct {
	Epoch    int
	NumSteps int
	Duration time.Duration

	// TrainBitsPerDim is the mean over the steps of the epoch of the training bits per dimension.
	TrainBitsPerDim float64

	// LastBatch is the last batch trained on in the epoch.
	LastBatch *Batch
}

// Loop will run a training loop, invoking Trainer.TrainStep every step,
// and calling the appropriate hooks.
//
// By itself it doesn't do much, but one can attach functionality to it, like
// checkpointing, sampling, plotting and progress bars.
//
// The public attributes are meant for reading only, don't change them.
type Loop struct {
	// Trainer associated with this loop.
	Trainer *Trainer

	// LoopStep currently being executed.
	LoopStep int

	// StartStep is the value of LoopStep at the start of a run.
	StartStep int

	// EndStep is one-past the last step to be executed. It is -1 during the first epoch, and later
	// extrapolated from the number of steps of the first epoch.
	EndStep int

	// Epoch is set to the current running epoch, starting from 0.
	Epoch int

	// TrainBitsPerDim is the mean training bits per dimension of the current epoch.
	TrainBitsPerDim *metrics.MeanMetric

	// StepDuration tracks the median duration of the training steps, in seconds.
	StepDuration *metrics.StreamingMedianMetric

	// Registered hooks.
	onStart *priorityHooks[*hookWithName[OnStartFn]]
	onStep  *priorityHooks[*hookWithName[OnStepFn]]
	onEpoch *priorityHooks[*hookWithName[OnEpochFn]]
	onEnd   *priorityHooks[*hookWithName[OnEndFn]]
}

// NewLoop creates a new training loop trainer.
func NewLoop(trainer *Trainer) *Loop {
	return &Loop{
		Trainer:         trainer,
		TrainBitsPerDim: metrics.NewMeanMetric("Mean Train Bits/Dim", "bpd", metrics.BitsPerDimMetricType, nil),
		StepDuration:    metrics.NewMedianMetric("Median Step Duration", "step", metrics.DurationMetricType, nil),
		onStart:         newPriorityHooks[*hookWithName[OnStartFn]](),
		onStep:          newPriorityHooks[*hookWithName[OnStepFn]](),
		onEpoch:         newPriorityHooks[*hookWithName[OnEpochFn]](),
		onEnd:           newPriorityHooks[*hookWithName[OnEndFn]](),
		EndStep:         -1,
	}
}

// start of loop: it calls the appropriate hooks.
func (loop *Loop) start(ds Dataset) error {
	for hook := range loop.onStart.All() {
		err := hook.fn(loop, ds)
		if err != nil {
			return errors.WithMessagef(err, "OnStart(hook %q)", hook.name)
		}
	}
	return nil
}

// step executes one training step and calls the OnStep hooks.
// It also checks for NaN loss, and returns an error accordingly.
func (loop *Loop) step(ctx context.Context, batch *Batch) (StepResult, error) {
	startTime := time.Now()
	result, err := loop.Trainer.TrainStep(ctx, batch)
	if err != nil {
		return result, err
	}
	loop.StepDuration.Update(time.Since(startTime).Seconds())
	loop.TrainBitsPerDim.Update(result.BitsPerDim)

	for hook := range loop.onStep.All() {
		err := hook.fn(loop, result)
		if err != nil {
			return result, errors.WithMessagef(err, "train.Loop.OnStep(hook %q)", hook.name)
		}
	}

	if math.IsNaN(result.Loss) {
		return result, errors.Errorf("batch loss is NaN, training interrupted")
	}
	if math.IsInf(result.Loss, 0) {
		return result, errors.Errorf("batch loss is infinity (%f), training interrupted", result.Loss)
	}
	return result, nil
}

// epochEnd calls the OnEpoch hooks.
func (loop *Loop) epochEnd(stats EpochStats) error {
	for hook := range loop.onEpoch.All() {
		if err := hook.fn(loop, stats); err != nil {
			return errors.WithMessagef(err, "OnEpoch(hook %q, epoch %d)", hook.name, stats.Epoch)
		}
	}
	return nil
}

// end of loop: it calls the appropriate hooks.
func (loop *Loop) end() error {
	for hook := range loop.onEnd.All() {
		if err := hook.fn(loop); err != nil {
			return errors.WithMessagef(err, "OnEnd(hook %q)", hook.name)
		}
	}
	return nil
}

// RunEpochs trains for the given number of epochs over ds.
//
// If the trainer parameters were neither initialized nor restored, the first batch of the first epoch
// is consumed to run the data-dependent initialization, and training continues with the following batches.
//
// Loop.Epoch is set to the current running epoch. Dataset.Reset is called after each epoch (including the last).
// The context is checked between steps: if it is cancelled, RunEpochs returns its error.
func (loop *Loop) RunEpochs(ctx context.Context, ds Dataset, epochs int) error {
	loop.StartStep = loop.LoopStep
	loop.EndStep = -1
	loop.Epoch = 0
	loop.StepDuration.Reset()

	var initSteps int
	if loop.Trainer.CheckReady() != nil {
		klog.Infof("initializing the model with the first batch of %q", ds.Name())
		batch, err := ds.Yield()
		if err != nil {
			if err == io.EOF {
				return errors.Errorf("dataset %q is empty, no batch for the data-dependent initialization", ds.Name())
			}
			return errors.WithMessagef(err, "Loop.RunEpochs(): failed reading initialization batch from Dataset")
		}
		if err = loop.Trainer.Initialize(batch); err != nil {
			return err
		}
		initSteps = 1
	}

	if err := loop.start(ds); err != nil {
		return err
	}
	klog.Infof("starting training: %d epochs of %q", epochs, ds.Name())
	for loop.Epoch = 0; loop.Epoch < epochs; loop.Epoch++ {
		begin := time.Now()
		loop.TrainBitsPerDim.Reset()
		stats := EpochStats{Epoch: loop.Epoch}
		// Loop over one epoch:
		for {
			if err := ctx.Err(); err != nil {
				return errors.WithMessagef(err, "Loop.RunEpochs(epoch %d): interrupted at step %d", loop.Epoch, loop.LoopStep)
			}
			batch, err := ds.Yield()
			if err != nil {
				if err == io.EOF {
					break
				}
				return errors.WithMessagef(err, "Loop.RunEpochs(epoch %d of %d): failed reading from Dataset",
					loop.Epoch, epochs)
			}
			if _, err = loop.step(ctx, batch); err != nil {
				return errors.WithMessagef(err, "Loop.RunEpochs(%d): failed TrainStep (LoopStep=%d)", epochs, loop.LoopStep)
			}
			stats.NumSteps++
			stats.LastBatch = batch
			loop.LoopStep++
		}
		ds.Reset()
		if loop.Epoch == 0 {
			loop.EndStep = loop.LoopStep + (stats.NumSteps+initSteps)*(epochs-1)
		}
		stats.Duration = time.Since(begin)
		stats.TrainBitsPerDim = loop.TrainBitsPerDim.Read()
		if err := loop.epochEnd(stats); err != nil {
			return err
		}
	}
	if err := loop.end(); err != nil {
		return errors.WithMessagef(err, "Loop.RunEpochs(%d): failed end (LoopStep=%d)", epochs, loop.LoopStep)
	}
	return nil
}

// MedianTrainStepDuration returns the median duration of each training step. It returns 1 millisecond
// if no training step was recorded (to avoid potential division by 0).
func (loop *Loop) MedianTrainStepDuration() time.Duration {
	median := loop.StepDuration.Read()
	if math.IsNaN(median) {
		return time.Millisecond
	}
	return time.Duration(median * float64(time.Second))
}

// OnStart adds a hook with given priority and name (for error reporting) to the start of a loop.
func (loop *Loop) OnStart(name string, priority Priority, fn OnStartFn) {
	loop.onStart.Add(priority, &hookWithName[OnStartFn]{name: name, fn: fn})
}

// OnStep adds a hook with given priority and name (for error reporting) to each step of a loop.
// The function `fn` is called after each `Trainer.TrainStep`.
func (loop *Loop) OnStep(name string, priority Priority, fn OnStepFn) {
	loop.onStep.Add(priority, &hookWithName[OnStepFn]{name: name, fn: fn})
}

// OnEpoch adds a hook with given priority and name (for error reporting) to the end of each epoch,
// after the dataset is reset.
func (loop *Loop) OnEpoch(name string, priority Priority, fn OnEpochFn) {
	loop.onEpoch.Add(priority, &hookWithName[OnEpochFn]{name: name, fn: fn})
}

// OnEnd adds a hook with given priority and name (for error reporting) to the end of a loop,
// after the last epoch.
func (loop *Loop) OnEnd(name string, priority Priority, fn OnEndFn) {
	loop.onEnd.Add(priority, &hookWithName[OnEndFn]{name: name, fn: fn})
}

// hookWithName stores a hook name and function.
type hookWithName[F any] struct {
	name string
	fn   F
}

// priorityHooks organizes hooks for type F per priority.
type priorityHooks[H any] struct {
	hooks map[Priority][]H
}

func newPriorityHooks[H any]() *priorityHooks[H] {
	return &priorityHooks[H]{
		hooks: make(map[Priority][]H),
	}
}

// Add hook at the given priority.
func (h *priorityHooks[H]) Add(priority Priority, hook H) {
	h.hooks[priority] = append(h.hooks[priority], hook)
}

// All returns an iterator over all registered hooks in priority order.
func (h *priorityHooks[H]) All() iter.Seq[H] {
	return func(yield func(H) bool) {
		keys := make([]Priority, 0, len(h.hooks))
		for key := range h.hooks {
			keys = append(keys, key)
		}
		sort.Slice(keys, func(i, j int) bool {
			return keys[i] < keys[j]
		})
		for _, key := range keys {
			for _, hook := range h.hooks[key] {
				if !yield(hook) {
					return
				}
			}
		}
	}
}
