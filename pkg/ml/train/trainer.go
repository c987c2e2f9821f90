// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"context"

	"github.com/gomlx/pixelcnn/pkg/core/shapes"
	"github.com/gomlx/pixelcnn/pkg/ml/model"
	"github.com/gomlx/pixelcnn/pkg/ml/params"
	"github.com/gomlx/pixelcnn/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// Config of the Trainer.
type Config struct {
	// NumDevices is the number of replicas each batch is split into.
	NumDevices int

	// BatchSize is the configured number of examples of a training batch, split evenly across the devices.
	// Losses are normalized into bits per dimension by NumDevices*BatchSize.
	BatchSize int

	// InitBatchSize is the number of examples of the first batch used for the data-dependent initialization.
	InitBatchSize int

	DropoutRate float64

	// NumClasses for class conditioning, or 0 if the model is not conditioned.
	NumClasses int

	LearningRate, LearningRateDecay float64

	// PolyakDecay is the decay of the exponential moving average of the parameters.
	PolyakDecay float64

	// ImageShape is the shape of one image, `[height, width, channels]`.
	ImageShape shapes.Shape

	Seed uint64
}

// StepResult holds the metrics of one training step.
type StepResult struct {
	// Loss summed over all devices, in nats.
	Loss float64

	// BitsPerDim is the training metric: Loss normalized by the number of devices and the batch size.
	BitsPerDim float64

	// LearningRate used in this step.
	LearningRate float64
}

// Trainer runs synchronous data-parallel training: each step splits the batch across the devices,
// runs one replica per device concurrently, aggregates their gradients and applies a single update.
//
// The data-dependent initialization (Initialize) or a restore (MarkRestored) must happen before any
// training step or evaluation, otherwise they fail with ErrOrderingViolation.
type Trainer struct {
	config      Config
	store       *params.Store
	replicas    []*Replica
	initializer *Initializer
	scheduler   *Scheduler
	restored    bool
}

// NewTrainer creates a trainer for the model and loss, using the given optimizer.
func NewTrainer(m model.Model, loss model.Loss, store *params.Store, optimizer optimizers.Interface, config Config) (*Trainer, error) {
	if config.NumDevices < 1 {
		return nil, errors.Errorf("train.NewTrainer(): NumDevices must be >= 1, got %d", config.NumDevices)
	}
	if config.BatchSize < 1 {
		return nil, errors.Errorf("train.NewTrainer(): BatchSize must be >= 1, got %d", config.BatchSize)
	}
	if config.BatchSize%config.NumDevices != 0 {
		return nil, errors.Errorf("train.NewTrainer(): BatchSize (%d) must be divisible by NumDevices (%d)",
			config.BatchSize, config.NumDevices)
	}
	t := &Trainer{
		config:      config,
		store:       store,
		initializer: NewInitializer(m, store, config.DropoutRate, config.NumClasses, config.Seed),
		scheduler: NewScheduler(store, optimizer,
			optimizers.NewExponentialDecay(config.LearningRate, config.LearningRateDecay), config.PolyakDecay),
	}
	t.replicas = make([]*Replica, config.NumDevices)
	for device := range t.replicas {
		t.replicas[device] = NewReplica(device, m, loss, store, config.DropoutRate, config.NumClasses, config.Seed)
	}
	return t, nil
}

// Config returns the trainer configuration.
func (t *Trainer) Config() Config { return t.config }

// Store returns the parameter store being trained.
func (t *Trainer) Store() *params.Store { return t.store }

// Scheduler returns the update scheduler, with the learning rate and the step counter.
func (t *Trainer) Scheduler() *Scheduler { return t.scheduler }

// Initialize runs the data-dependent initialization on the first InitBatchSize examples of batch.
//
// It must be called exactly once, before any training step, and not after MarkRestored.
func (t *Trainer) Initialize(batch *Batch) error {
	if t.scheduler.NumSteps() > 0 {
		return errors.Wrapf(ErrOrderingViolation, "data-dependent initialization after %d training steps",
			t.scheduler.NumSteps())
	}
	if t.restored {
		return errors.Wrap(ErrOrderingViolation, "data-dependent initialization after parameters were restored")
	}
	initBatch := batch
	if t.config.InitBatchSize > 0 && t.config.InitBatchSize < batch.Size() {
		var err error
		initBatch, err = batch.Head(t.config.InitBatchSize)
		if err != nil {
			return err
		}
	}
	return t.initializer.Run(initBatch)
}

// MarkRestored informs the trainer that the parameters were restored from a checkpoint, which replaces the
// data-dependent initialization.
func (t *Trainer) MarkRestored() error {
	if t.initializer.Done() || t.scheduler.NumSteps() > 0 {
		return errors.Wrap(ErrOrderingViolation, "parameters can only be restored before initialization and training")
	}
	t.restored = true
	return nil
}

// CheckReady returns an error wrapping ErrOrderingViolation if the parameters were neither initialized nor restored.
func (t *Trainer) CheckReady() error {
	if !t.initializer.Done() && !t.restored {
		return errors.Wrap(ErrOrderingViolation, "data-dependent initialization must run before training or sampling")
	}
	return nil
}

// TrainStep runs one synchronized training step on batch.
func (t *Trainer) TrainStep(ctx context.Context, batch *Batch) (StepResult, error) {
	if err := t.CheckReady(); err != nil {
		return StepResult{}, err
	}
	parts, err := batch.Split(t.config.NumDevices)
	if err != nil {
		return StepResult{}, errors.WithMessagef(err, "splitting batch across %d devices", t.config.NumDevices)
	}
	results := make([]*Result, len(parts))
	err = t.forEachDevice(ctx, func(replica *Replica) (err error) {
		results[replica.Device], err = replica.Train(parts[replica.Device])
		return
	})
	if err != nil {
		return StepResult{}, err
	}
	loss, grads, err := Aggregate(results)
	if err != nil {
		return StepResult{}, err
	}
	lr, err := t.scheduler.Step(grads)
	if err != nil {
		return StepResult{}, err
	}
	return StepResult{
		Loss:         loss,
		BitsPerDim:   TrainBitsPerDim(loss, t.config.NumDevices, t.config.BatchSize),
		LearningRate: lr,
	}, nil
}

// Evaluate returns the bits per dimension of batch using the shadow parameters, with the batch split
// across the devices.
func (t *Trainer) Evaluate(ctx context.Context, batch *Batch) (bitsPerDim float64, err error) {
	if err := t.CheckReady(); err != nil {
		return 0, err
	}
	parts, err := batch.Split(t.config.NumDevices)
	if err != nil {
		return 0, errors.WithMessagef(err, "splitting batch across %d devices", t.config.NumDevices)
	}
	losses := make([]float64, len(parts))
	err = t.forEachDevice(ctx, func(replica *Replica) (err error) {
		losses[replica.Device], err = replica.Eval(parts[replica.Device])
		return
	})
	if err != nil {
		return 0, err
	}
	var total float64
	for _, loss := range losses {
		total += loss
	}
	return EvalBitsPerDim(total, t.config.NumDevices, t.config.BatchSize, t.config.ImageShape), nil
}

// forEachDevice runs fn concurrently for every replica, and waits for all of them.
// It returns the error of the lowest numbered failing device.
func (t *Trainer) forEachDevice(ctx context.Context, fn func(replica *Replica) error) error {
	errs := make([]error, len(t.replicas))
	g, gCtx := errgroup.WithContext(ctx)
	for _, replica := range t.replicas {
		g.Go(func() error {
			if err := gCtx.Err(); err != nil {
				errs[replica.Device] = err
				return err
			}
			errs[replica.Device] = fn(replica)
			return errs[replica.Device]
		})
	}
	if g.Wait() == nil {
		return nil
	}
	for device, err := range errs {
		if err != nil && !errors.Is(err, context.Canceled) {
			klog.Errorf("device #%d failed: %+v", device, err)
			return err
		}
	}
	return ctx.Err()
}
