package train

import (
	"context"
	"io"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/gomlx/pixelcnn/pkg/core/shapes"
	"github.com/gomlx/pixelcnn/pkg/core/tensors"
	"github.com/gomlx/pixelcnn/pkg/ml/model"
	"github.com/gomlx/pixelcnn/pkg/ml/model/stubmodel"
	"github.com/gomlx/pixelcnn/pkg/ml/params"
	"github.com/gomlx/pixelcnn/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pixelShape = shapes.Make(1, 1, 1)

func newStubTrainer(t *testing.T, numDevices, batchSize int) (*Trainer, *stubmodel.Model) {
	m := stubmodel.New()
	store, err := params.NewStore(m.Specs(pixelShape), rand.New(rand.NewPCG(0, 0)))
	require.NoError(t, err)
	trainer, err := NewTrainer(m, stubmodel.Loss{}, store, optimizers.Adam().Done(), Config{
		NumDevices:        numDevices,
		BatchSize:         batchSize,
		InitBatchSize:     2,
		LearningRate:      0.001,
		LearningRateDecay: 0.999995,
		PolyakDecay:       0.9995,
		ImageShape:        pixelShape,
		Seed:              1,
	})
	require.NoError(t, err)
	return trainer, m
}

// pixelBatch creates a batch of 1x1x1 images with the given values.
func pixelBatch(values ...float64) *Batch {
	return &Batch{Images: tensors.FromFlatDataAndDimensions(values, len(values), 1, 1, 1)}
}

func TestExampleScenario(t *testing.T) {
	// 2 devices, batch of 4 (2 per device): the stub loss is ½Σx², so the device losses are 3 and 5.
	trainer, _ := newStubTrainer(t, 2, 4)
	require.NoError(t, trainer.MarkRestored())
	s3, s5 := math.Sqrt(3), math.Sqrt(5)
	result, err := trainer.TrainStep(context.Background(), pixelBatch(s3, s3, s5, s5))
	require.NoError(t, err)
	assert.InDelta(t, 8.0, result.Loss, 1e-12)
	assert.InDelta(t, 1.0, result.BitsPerDim, 1e-12)
	assert.InDelta(t, 0.001*0.999995, result.LearningRate, 1e-18)
	assert.Equal(t, 1, trainer.Scheduler().NumSteps())
}

func TestBitsPerDim(t *testing.T) {
	assert.Equal(t, 1.0, TrainBitsPerDim(8, 2, 4))
	imageShape := shapes.Make(32, 32, 3)
	assert.InDelta(t, 1.0, EvalBitsPerDim(2*16*math.Ln2*32*32*3, 2, 16, imageShape), 1e-12)
}

func TestAggregate(t *testing.T) {
	m := stubmodel.New()
	store, err := params.NewStore(m.Specs(shapes.Make(1, 1, 2)), rand.New(rand.NewPCG(0, 0)))
	require.NoError(t, err)

	makeResult := func(device int, loss float64, scale, bias []float64) *Result {
		grads := store.ZeroGradients()
		copy(grads.Get(stubmodel.Scale).Flat(), scale)
		copy(grads.Get(stubmodel.Bias).Flat(), bias)
		return &Result{Device: device, Loss: loss, Gradients: grads}
	}
	all := []*Result{
		makeResult(0, 1, []float64{1, 2}, []float64{-1, 0.5}),
		makeResult(1, 2, []float64{10, 20}, []float64{-10, 5}),
		makeResult(2, 4, []float64{100, 200}, []float64{-100, 50}),
		makeResult(3, 8, []float64{1000, 2000}, []float64{-1000, 500}),
	}
	want := map[int]struct {
		loss        float64
		scale, bias []float64
	}{
		2: {3, []float64{11, 22}, []float64{-11, 5.5}},
		3: {7, []float64{111, 222}, []float64{-111, 55.5}},
		4: {15, []float64{1111, 2222}, []float64{-1111, 555.5}},
	}
	for numDevices := 2; numDevices <= 4; numDevices++ {
		results := all[:numDevices]
		loss, grads, err := Aggregate(results)
		require.NoError(t, err)
		assert.Equal(t, want[numDevices].loss, loss, "%d devices", numDevices)
		assert.Equal(t, want[numDevices].scale, grads.Get(stubmodel.Scale).Flat(), "%d devices", numDevices)
		assert.Equal(t, want[numDevices].bias, grads.Get(stubmodel.Bias).Flat(), "%d devices", numDevices)

		// The order of the results doesn't matter, summation is always by device.
		reversed := make([]*Result, numDevices)
		for ii, r := range results {
			reversed[numDevices-1-ii] = r
		}
		loss2, grads2, err := Aggregate(reversed)
		require.NoError(t, err)
		assert.Equal(t, loss, loss2)
		assert.Equal(t, grads.Get(stubmodel.Scale).Flat(), grads2.Get(stubmodel.Scale).Flat())
	}

	// Inputs are not modified.
	assert.Equal(t, []float64{1, 2}, all[0].Gradients.Get(stubmodel.Scale).Flat())

	_, _, err = Aggregate([]*Result{all[0], all[0]})
	require.Error(t, err)
	_, _, err = Aggregate(nil)
	require.Error(t, err)
}

func TestInitializerOrdering(t *testing.T) {
	ctx := context.Background()
	t.Run("TrainBeforeInit", func(t *testing.T) {
		trainer, m := newStubTrainer(t, 2, 2)
		_, err := trainer.TrainStep(ctx, pixelBatch(0.1, 0.2, 0.3, 0.4))
		require.ErrorIs(t, err, ErrOrderingViolation)
		_, err = trainer.Evaluate(ctx, pixelBatch(0.1, 0.2))
		require.ErrorIs(t, err, ErrOrderingViolation)
		require.ErrorIs(t, trainer.CheckReady(), ErrOrderingViolation)
		assert.Equal(t, 0, m.NumCalls(), "the model should not run before initialization")
		assert.Equal(t, 0, trainer.Scheduler().NumSteps())
	})

	t.Run("InitOnce", func(t *testing.T) {
		trainer, _ := newStubTrainer(t, 2, 2)
		require.NoError(t, trainer.Initialize(pixelBatch(0.2, 0.4, 0.9, 0.9)))
		require.NoError(t, trainer.CheckReady())

		// Only the first InitBatchSize examples are used: the bias is minus their mean, in live and shadow.
		for _, view := range []params.View{params.ViewLive, params.ViewShadow} {
			bias := trainer.Store().Snapshot(view)[stubmodel.Bias].Flat()[0]
			assert.InDelta(t, -0.3, bias, 1e-12, "view %s", view)
		}

		err := trainer.Initialize(pixelBatch(0.1, 0.2))
		require.ErrorIs(t, err, ErrOrderingViolation)
		require.ErrorIs(t, trainer.MarkRestored(), ErrOrderingViolation)
	})

	t.Run("InitAfterTraining", func(t *testing.T) {
		trainer, _ := newStubTrainer(t, 1, 2)
		require.NoError(t, trainer.MarkRestored())
		_, err := trainer.TrainStep(ctx, pixelBatch(0.1, 0.2))
		require.NoError(t, err)
		err = trainer.Initialize(pixelBatch(0.1, 0.2))
		require.ErrorIs(t, err, ErrOrderingViolation)
	})
}

func TestLearningRateDecay(t *testing.T) {
	trainer, _ := newStubTrainer(t, 2, 2)
	require.NoError(t, trainer.Initialize(pixelBatch(0.1, 0.2)))
	rng := rand.New(rand.NewPCG(3, 3))
	for step := 1; step <= 50; step++ {
		batch := pixelBatch(rng.Float64(), rng.Float64(), rng.Float64(), rng.Float64())
		result, err := trainer.TrainStep(context.Background(), batch)
		require.NoError(t, err)
		require.InEpsilon(t, optimizers.LearningRateAt(0.001, 0.999995, step), result.LearningRate, 1e-12)
	}
	assert.InEpsilon(t, optimizers.LearningRateAt(0.001, 0.999995, 50), trainer.Scheduler().LearningRate(), 1e-12)
	assert.Equal(t, 50, trainer.Scheduler().NumSteps())
}

func TestStepUpdatesShadow(t *testing.T) {
	trainer, _ := newStubTrainer(t, 2, 2)
	require.NoError(t, trainer.Initialize(pixelBatch(0.5, 0.5)))
	store := trainer.Store()
	shadowBefore := store.Snapshot(params.ViewShadow)
	_, err := trainer.TrainStep(context.Background(), pixelBatch(0.1, -0.7, 0.3, 0.9))
	require.NoError(t, err)

	live := store.Snapshot(params.ViewLive)
	shadow := store.Snapshot(params.ViewShadow)
	for name, before := range shadowBefore {
		for ii, v := range before.Flat() {
			want := 0.9995*v + 0.0005*live[name].Flat()[ii]
			assert.InDelta(t, want, shadow[name].Flat()[ii], 1e-15, "parameter %q", name)
		}
		assert.False(t, before.Equal(live[name]), "parameter %q should have been updated", name)
	}
}

func TestDeviceFailure(t *testing.T) {
	trainer, m := newStubTrainer(t, 2, 2)
	require.NoError(t, trainer.MarkRestored())
	m.Hook = func(mctx *model.Context, x, cond *tensors.Tensor) error {
		if x.Flat()[0] == 99 {
			panic(errors.New("out of device memory"))
		}
		return nil
	}
	before := trainer.Store().Snapshot(params.ViewLive)
	_, err := trainer.TrainStep(context.Background(), pixelBatch(0.1, 0.2, 99, 0.3))
	require.ErrorIs(t, err, ErrDeviceFailure)
	var deviceErr *DeviceError
	require.True(t, errors.As(err, &deviceErr))
	assert.Equal(t, 1, deviceErr.Device)
	assert.ErrorContains(t, err, "out of device memory")

	// No update was applied.
	assert.Equal(t, 0, trainer.Scheduler().NumSteps())
	after := trainer.Store().Snapshot(params.ViewLive)
	for name, value := range before {
		assert.True(t, value.Equal(after[name]), "parameter %q changed", name)
	}

	// Errors returned by the model are device failures too.
	m.Hook = func(mctx *model.Context, x, cond *tensors.Tensor) error {
		return errors.New("device lost")
	}
	_, err = trainer.Evaluate(context.Background(), pixelBatch(0.1, 0.2))
	require.ErrorIs(t, err, ErrDeviceFailure)
}

func TestBatchSplit(t *testing.T) {
	batch := &Batch{
		Images: tensors.FromFlatDataAndDimensions([]float64{0, 1, 2, 3, 4, 5}, 6, 1, 1, 1),
		Labels: []int{0, 1, 2, 3, 4, 5},
	}
	for _, n := range []int{1, 2, 3, 6} {
		parts, err := batch.Split(n)
		require.NoError(t, err)
		require.Len(t, parts, n)
		images := make([]*tensors.Tensor, n)
		var labels []int
		for ii, part := range parts {
			images[ii] = part.Images
			labels = append(labels, part.Labels...)
		}
		joined, err := tensors.Concatenate(images...)
		require.NoError(t, err)
		assert.True(t, joined.Equal(batch.Images), "n=%d", n)
		assert.Equal(t, batch.Labels, labels, "n=%d", n)
	}
	_, err := batch.Split(4)
	require.Error(t, err)

	cond, err := batch.Conditioning(6)
	require.NoError(t, err)
	assert.Equal(t, 1.0, cond.At(4, 4))
	cond, err = batch.Conditioning(0)
	require.NoError(t, err)
	assert.Nil(t, cond)
	_, err = pixelBatch(1).Conditioning(2)
	require.Error(t, err)
}

// sliceDataset yields the batches in order, then io.EOF.
type sliceDataset struct {
	batches []*Batch
	pos     int
	resets  int
}

func (ds *sliceDataset) Name() string { return "slice" }
func (ds *sliceDataset) Reset()       { ds.pos = 0; ds.resets++ }
func (ds *sliceDataset) Yield() (*Batch, error) {
	if ds.pos >= len(ds.batches) {
		return nil, io.EOF
	}
	ds.pos++
	return ds.batches[ds.pos-1], nil
}

func TestLoop(t *testing.T) {
	trainer, m := newStubTrainer(t, 2, 2)
	ds := &sliceDataset{batches: []*Batch{
		pixelBatch(0.1, 0.2, 0.3, 0.4),
		pixelBatch(0.5, 0.6, 0.7, 0.8),
		pixelBatch(-0.1, -0.2, -0.3, -0.4),
	}}
	loop := NewLoop(trainer)
	var order []string
	var epochs []EpochStats
	loop.OnStart("start", 0, func(loop *Loop, ds Dataset) error {
		order = append(order, "start")
		// Initialization happens before the start hooks.
		return loop.Trainer.CheckReady()
	})
	loop.OnStep("second", 1, func(loop *Loop, result StepResult) error {
		order = append(order, "second")
		return nil
	})
	loop.OnStep("first", -1, func(loop *Loop, result StepResult) error {
		order = append(order, "first")
		return nil
	})
	EveryNEpochs(loop, 2, "save", 0, func(loop *Loop, stats EpochStats) error {
		epochs = append(epochs, stats)
		return nil
	})
	var numEnd int
	loop.OnEnd("end", 0, func(loop *Loop) error {
		numEnd++
		return nil
	})

	require.NoError(t, loop.RunEpochs(context.Background(), ds, 3))
	// The first batch of the first epoch is consumed by the initialization: 2 + 3 + 3 steps.
	assert.Equal(t, 8, trainer.Scheduler().NumSteps())
	assert.Equal(t, 8, loop.LoopStep)
	assert.Equal(t, 8, loop.EndStep, "the end step estimate accounts for the initialization batch")
	assert.Equal(t, 1+8*2, m.NumCalls(), "one initialization call, then one call per device per step")
	assert.Equal(t, 3, ds.resets)
	assert.Equal(t, 1, numEnd)
	assert.Equal(t, []string{"start", "first", "second", "first", "second"}, order[:5])

	require.Len(t, epochs, 2)
	assert.Equal(t, 0, epochs[0].Epoch)
	assert.Equal(t, 2, epochs[0].NumSteps)
	assert.Equal(t, 2, epochs[1].Epoch)
	assert.Equal(t, 3, epochs[1].NumSteps)
	assert.Same(t, ds.batches[2], epochs[1].LastBatch)
	assert.False(t, math.IsNaN(epochs[1].TrainBitsPerDim))
	assert.Positive(t, loop.MedianTrainStepDuration())
}

func TestLoopCancelled(t *testing.T) {
	trainer, _ := newStubTrainer(t, 1, 1)
	ds := &sliceDataset{batches: []*Batch{pixelBatch(0.1), pixelBatch(0.2)}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := NewLoop(trainer).RunEpochs(ctx, ds, 1)
	require.ErrorIs(t, err, context.Canceled)
	// Initialization still happened, but no step was taken.
	require.NoError(t, trainer.CheckReady())
	assert.Equal(t, 0, trainer.Scheduler().NumSteps())
}

// setStubParams sets the live and shadow values of the stub model parameters to different values.
func setStubParams(t *testing.T, store *params.Store, liveScale, liveBias, shadowScale, shadowBias float64) {
	err := store.Update(func(live, shadow *params.Values) error {
		live.Get(stubmodel.Scale).Fill(liveScale)
		live.Get(stubmodel.Bias).Fill(liveBias)
		shadow.Get(stubmodel.Scale).Fill(shadowScale)
		shadow.Get(stubmodel.Bias).Fill(shadowBias)
		return nil
	})
	require.NoError(t, err)
}

func TestParameterViews(t *testing.T) {
	trainer, _ := newStubTrainer(t, 2, 2)
	require.NoError(t, trainer.MarkRestored())
	setStubParams(t, trainer.Store(), 1, 0.5, 2, -0.25)

	// Training uses the live parameters: dist = x + 0.5.
	result, err := trainer.replicas[0].Train(pixelBatch(0.1))
	require.NoError(t, err)
	assert.InDelta(t, 0.5*0.6*0.6, result.Loss, 1e-12)
	assert.InDelta(t, 0.6, result.Gradients.Get(stubmodel.Bias).Flat()[0], 1e-12)
	assert.InDelta(t, 0.06, result.Gradients.Get(stubmodel.Scale).Flat()[0], 1e-12)

	// Evaluation uses the shadow parameters: dist = 2x - 0.25.
	loss, err := trainer.replicas[1].Eval(pixelBatch(0.1))
	require.NoError(t, err)
	assert.InDelta(t, 0.5*0.05*0.05, loss, 1e-12)

	bpd, err := trainer.Evaluate(context.Background(), pixelBatch(0.1, 0.3))
	require.NoError(t, err)
	wantLoss := 0.5 * (0.05*0.05 + 0.35*0.35)
	assert.InDelta(t, EvalBitsPerDim(wantLoss, 2, 2, pixelShape), bpd, 1e-12)

	// A training step computes its loss from the live parameters too.
	step, err := trainer.TrainStep(context.Background(), pixelBatch(0.1, 0.3))
	require.NoError(t, err)
	assert.InDelta(t, 0.5*(0.6*0.6+0.8*0.8), step.Loss, 1e-12)
}

func TestSchedulerFailedStep(t *testing.T) {
	trainer, _ := newStubTrainer(t, 1, 1)
	require.NoError(t, trainer.MarkRestored())
	scheduler := trainer.Scheduler()
	before := trainer.Store().Snapshot(params.ViewLive)

	// Gradients of a different set of parameters are rejected by the optimizer.
	other, err := params.NewStore([]params.Spec{{Name: "other", Shape: shapes.Make(3), Init: params.Constant(0)}},
		rand.New(rand.NewPCG(0, 0)))
	require.NoError(t, err)
	_, err = scheduler.Step(other.ZeroGradients())
	require.Error(t, err)
	assert.Equal(t, 0, scheduler.NumSteps())
	assert.Equal(t, 0.001, scheduler.LearningRate())
	after := trainer.Store().Snapshot(params.ViewLive)
	for name, value := range after {
		assert.Equal(t, before[name].Flat(), value.Flat(), "parameter %q", name)
	}

	// The next successful step uses the first decayed learning rate.
	learningRate, err := scheduler.Step(trainer.Store().ZeroGradients())
	require.NoError(t, err)
	assert.Equal(t, 0.001*0.999995, learningRate)
	assert.Equal(t, 1, scheduler.NumSteps())
	assert.Equal(t, learningRate, scheduler.LearningRate())
}

func TestInitializerFailure(t *testing.T) {
	for _, crash := range []bool{false, true} {
		trainer, m := newStubTrainer(t, 2, 2)
		before := trainer.Store().Snapshot(params.ViewLive)
		m.Hook = func(mctx *model.Context, x, cond *tensors.Tensor) error {
			// Commit a value before failing: it must be discarded.
			mctx.Commit(stubmodel.Scale, tensors.FromFlatDataAndDimensions([]float64{7}, 1))
			if crash {
				panic(errors.New("device crashed"))
			}
			return errors.New("device error")
		}
		err := trainer.Initialize(pixelBatch(0.2, 0.4))
		require.ErrorIs(t, err, ErrDeviceFailure, "crash=%v", crash)
		var deviceErr *DeviceError
		require.ErrorAs(t, err, &deviceErr)
		assert.Equal(t, 0, deviceErr.Device)
		require.ErrorIs(t, trainer.CheckReady(), ErrOrderingViolation)
		for _, view := range []params.View{params.ViewLive, params.ViewShadow} {
			for name, value := range trainer.Store().Snapshot(view) {
				assert.Equal(t, before[name].Flat(), value.Flat(), "crash=%v, view %s, parameter %q", crash, view, name)
			}
		}

		// The initialization can be retried once the model works.
		m.Hook = nil
		require.NoError(t, trainer.Initialize(pixelBatch(0.2, 0.4)))
		require.NoError(t, trainer.CheckReady())
		assert.InDelta(t, -0.3, trainer.Store().Snapshot(params.ViewLive)[stubmodel.Bias].Flat()[0], 1e-12)
	}
}
