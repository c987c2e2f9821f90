package optimizers

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/gomlx/pixelcnn/pkg/core/shapes"
	"github.com/gomlx/pixelcnn/pkg/core/tensors"
	"github.com/gomlx/pixelcnn/pkg/ml/params"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T, values ...float64) *params.Store {
	store, err := params.NewStore([]params.Spec{{
		Name:  "x",
		Shape: shapes.Make(len(values)),
		Init: func(_ *rand.Rand, value *tensors.Tensor) {
			copy(value.Flat(), values)
		},
	}}, rand.New(rand.NewPCG(0, 0)))
	require.NoError(t, err)
	return store
}

// referenceAdam replays the update rules for a single scalar.
func referenceAdam(p float64, grads []float64, beta1, beta2, eps, lr float64) float64 {
	var m, v float64
	for ii, g := range grads {
		t := float64(ii + 1)
		v = beta2*v + (1-beta2)*g*g
		step := g
		if beta1 > 0 {
			m = beta1*m + (1-beta1)*g
			step = m / (1 - math.Pow(beta1, t))
		}
		p -= lr * step / math.Sqrt(v/(1-math.Pow(beta2, t))+eps)
	}
	return p
}

func TestAdam(t *testing.T) {
	grads := []float64{0.5, -1.0, 2.0, 0.25}
	for _, beta1 := range []float64{0.95, 0} {
		store := newStore(t, 1.0)
		opt := Adam().Betas(beta1, 0.9995).Done()
		for _, g := range grads {
			gradsValues := store.ZeroGradients()
			gradsValues.At(0).Flat()[0] = g
			require.NoError(t, store.Update(func(live, _ *params.Values) error {
				return opt.Apply(live, gradsValues, 0.01)
			}))
		}
		assert.Equal(t, len(grads), opt.NumSteps())
		got := store.Snapshot(params.ViewLive)["x"].Flat()[0]
		assert.InDelta(t, referenceAdam(1.0, grads, beta1, 0.9995, 1e-8, 0.01), got, 1e-12, "beta1=%g", beta1)

		m, v := opt.Moments(0)
		if beta1 == 0 {
			assert.Nil(t, m)
		} else {
			assert.Len(t, m, 1)
		}
		assert.Len(t, v, 1)
		opt.Clear()
		assert.Equal(t, 0, opt.NumSteps())
	}
}

func TestAdamFirstStep(t *testing.T) {
	// At t=1 the bias-corrected moments are g and g², so the step is lr*g/sqrt(g²+eps) ≈ lr*sign(g).
	store := newStore(t, 0, 0)
	opt := Adam().Done()
	grads := store.ZeroGradients()
	copy(grads.At(0).Flat(), []float64{3, -0.2})
	require.NoError(t, store.Update(func(live, _ *params.Values) error {
		return opt.Apply(live, grads, 0.001)
	}))
	got := store.Snapshot(params.ViewLive)["x"].Flat()
	assert.InDelta(t, -0.001, got[0], 1e-9)
	assert.InDelta(t, 0.001, got[1], 1e-9)
}

func TestAdamMismatch(t *testing.T) {
	store := newStore(t, 0, 0)
	other := newStore(t, 0, 0, 0)
	opt := Adam().Done()
	err := store.Update(func(live, _ *params.Values) error {
		return opt.Apply(live, other.ZeroGradients(), 0.001)
	})
	require.Error(t, err)
	assert.Equal(t, 0, opt.NumSteps())
}

func TestExponentialDecay(t *testing.T) {
	schedule := NewExponentialDecay(0.001, 0.999995)
	for step := 1; step <= 10_000; step++ {
		peeked := schedule.Peek()
		require.Equal(t, step-1, schedule.Steps())
		lr := schedule.Next()
		require.Equal(t, peeked, lr)
		if step%1000 == 0 {
			require.InEpsilon(t, LearningRateAt(0.001, 0.999995, step), lr, 1e-10, "step %d", step)
		}
	}
	assert.Equal(t, 10_000, schedule.Steps())
	assert.Greater(t, schedule.Current(), 0.0)
	assert.Less(t, schedule.Current(), 0.001)

	// No floor.
	fast := NewExponentialDecay(1, 0.5)
	for range 1000 {
		fast.Next()
	}
	assert.Greater(t, fast.Current(), 0.0)
	assert.Less(t, fast.Current(), 1e-300)
}
