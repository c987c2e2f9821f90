package pixelcnn

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/gomlx/pixelcnn/pkg/core/shapes"
	"github.com/gomlx/pixelcnn/pkg/core/tensors"
	"github.com/gomlx/pixelcnn/pkg/ml/dmol"
	"github.com/gomlx/pixelcnn/pkg/ml/model"
	"github.com/gomlx/pixelcnn/pkg/ml/params"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestModel(t *testing.T, cfg Config, channels int) (*Model, *params.Store) {
	m, err := New(cfg, dmol.New(2))
	require.NoError(t, err)
	store, err := params.NewStore(m.Specs(shapes.Make(4, 5, channels)), rand.New(rand.NewPCG(1, 2)))
	require.NoError(t, err)
	return m, store
}

func randomImages(rng *rand.Rand, dims ...int) *tensors.Tensor {
	x := tensors.Zeros(dims...)
	for ii := range x.Flat() {
		x.Flat()[ii] = 2*rng.Float64() - 1
	}
	return x
}

func oneHot(labels []int, numClasses int) *tensors.Tensor {
	cond := tensors.Zeros(len(labels), numClasses)
	for b, label := range labels {
		cond.Set(1, b, label)
	}
	return cond
}

func smallConfig() Config {
	cfg := DefaultConfig()
	cfg.NumFilters = 4
	cfg.NumResNet = 2
	return cfg
}

func TestSpecs(t *testing.T) {
	cfg := smallConfig()
	cfg.NumClasses = 3
	m, store := newTestModel(t, cfg, 3)
	assert.Equal(t, 10, store.Len())
	assert.Equal(t, []string{StemKernel, StemGain, StemBias, StemClassBias,
		ResNetWeights(0), ResNetBias(0), ResNetWeights(1), ResNetBias(1), OutputWeights, OutputBias}, store.Names())
	shapesByName := make(map[string]shapes.Shape)
	for ii, name := range store.Names() {
		shapesByName[name] = store.Shapes()[ii]
	}
	assert.Equal(t, []int{3, 3, 3, 4}, shapesByName[StemKernel].Dimensions)
	assert.Equal(t, []int{8, 4}, shapesByName[ResNetWeights(0)].Dimensions, "concat_elu doubles the features")
	assert.Equal(t, []int{8, 2 * (1 + 2*3)}, shapesByName[OutputWeights].Dimensions)
	assert.Len(t, m.offsets, 4, "type A mask of a 3x3 kernel uses 4 positions")

	// Masked kernel positions are zero.
	kernel := store.Snapshot(params.ViewLive)[StemKernel]
	for ky := range 3 {
		for kx := range 3 {
			masked := ky > 1 || (ky == 1 && kx >= 1)
			for c := range 3 {
				for f := range 4 {
					if masked {
						require.Equal(t, 0.0, kernel.At(ky, kx, c, f))
					}
				}
			}
		}
	}

	_, err := New(Config{NumFilters: 4, FilterRadius: 1, Nonlinearity: "tanh"}, dmol.New(1))
	require.Error(t, err)
	_, err = New(Config{NumFilters: 0, FilterRadius: 1, Nonlinearity: ELU}, dmol.New(1))
	require.Error(t, err)
}

// TestCausality checks that the distribution at each pixel only depends on pixels strictly before it in raster order.
func TestCausality(t *testing.T) {
	for _, nl := range Nonlinearities {
		t.Run(string(nl), func(t *testing.T) {
			cfg := smallConfig()
			cfg.Nonlinearity = nl
			cfg.FilterRadius = 2
			m, store := newTestModel(t, cfg, 3)
			rng := rand.New(rand.NewPCG(3, 4))
			x := randomImages(rng, 2, 4, 5, 3)
			require.NoError(t, store.Read(params.ViewLive, func(live *params.Values) error {
				mctx := model.NewContext(model.ModeEval, live, rng)
				base, _, err := m.Forward(mctx, x, nil)
				require.NoError(t, err)
				for row := range 4 {
					for col := range 5 {
						// Change the pixel (row, col) and everything after it.
						x2 := x.Clone()
						for r := range 4 {
							for c := range 5 {
								if r > row || (r == row && c >= col) {
									for ch := range 3 {
										x2.Set(-x.At(0, r, c, ch)+0.5, 0, r, c, ch)
									}
								}
							}
						}
						dist, _, err := m.Forward(mctx, x2, nil)
						require.NoError(t, err)
						for r := range 4 {
							for c := range 5 {
								if r > row || (r == row && c > col) {
									continue
								}
								for p := range dist.Shape().Dim(-1) {
									require.InDelta(t, base.At(0, r, c, p), dist.At(0, r, c, p), 1e-12,
										"pixel (%d, %d) changed when modifying (%d, %d) onwards", r, c, row, col)
								}
							}
						}
					}
				}
				return nil
			}))
		})
	}
}

// TestGradients compares the backward pass with finite differences of a random linear function of the output.
func TestGradients(t *testing.T) {
	for _, nl := range Nonlinearities {
		t.Run(string(nl), func(t *testing.T) {
			cfg := smallConfig()
			cfg.Nonlinearity = nl
			cfg.NumClasses = 2
			m, store := newTestModel(t, cfg, 2)
			rng := rand.New(rand.NewPCG(5, 6))
			x := randomImages(rng, 2, 4, 5, 2)
			cond := oneHot([]int{1, 0}, 2)
			weights := randomImages(rng, 2, 4, 5, 2*(1+2*2))
			objective := func(dist *tensors.Tensor) (total float64) {
				for ii, v := range dist.Flat() {
					total += v * weights.Flat()[ii]
				}
				return
			}

			grads := store.ZeroGradients()
			require.NoError(t, store.Update(func(live, _ *params.Values) error {
				mctx := model.NewContext(model.ModeTrain, live, rng)
				_, backward, err := m.Forward(mctx, x, cond)
				require.NoError(t, err)
				require.NoError(t, backward(weights, grads))

				evalCtx := model.NewContext(model.ModeEval, live, rng)
				const eps = 1e-6
				for pIdx, name := range store.Names() {
					value := live.At(pIdx).Flat()
					for ii := range value {
						original := value[ii]
						value[ii] = original + eps
						distPlus, _, _ := m.Forward(evalCtx, x, cond)
						value[ii] = original - eps
						distMinus, _, _ := m.Forward(evalCtx, x, cond)
						value[ii] = original
						numeric := (objective(distPlus) - objective(distMinus)) / (2 * eps)
						require.InDelta(t, numeric, grads.At(pIdx).Flat()[ii], 1e-5*(1+math.Abs(numeric)),
							"parameter %q, value #%d", name, ii)
					}
				}
				return nil
			}))
		})
	}
}

func TestDataDependentInit(t *testing.T) {
	cfg := smallConfig()
	cfg.InitScale = 0.5
	m, store := newTestModel(t, cfg, 3)
	rng := rand.New(rand.NewPCG(7, 8))
	x := randomImages(rng, 3, 4, 5, 3)
	require.NoError(t, store.Update(func(live, _ *params.Values) error {
		mctx := model.NewContext(model.ModeInit, live, rng)
		_, backward, err := m.Forward(mctx, x, nil)
		require.NoError(t, err)
		assert.Nil(t, backward)
		assert.Equal(t, []string{StemGain, StemBias}, mctx.Committed())
		return nil
	}))

	require.NoError(t, store.Read(params.ViewLive, func(live *params.Values) error {
		h := m.stem(model.NewContext(model.ModeEval, live, rng), m.newForwardState(x, nil, 3))
		numFilters := cfg.NumFilters
		numPixels := len(h) / numFilters
		for f := range numFilters {
			var sum, sumSq float64
			for n := range numPixels {
				v := h[n*numFilters+f]
				sum += v
				sumSq += v * v
			}
			mean := sum / float64(numPixels)
			stddev := math.Sqrt(sumSq/float64(numPixels) - mean*mean)
			assert.InDelta(t, 0.0, mean, 1e-9, "filter %d", f)
			assert.InDelta(t, 0.5, stddev, 1e-6, "filter %d", f)
		}
		return nil
	}))

	// Commit outside init mode panics.
	require.NoError(t, store.Read(params.ViewLive, func(live *params.Values) error {
		mctx := model.NewContext(model.ModeTrain, live, rng)
		require.Panics(t, func() { mctx.Commit(StemGain, tensors.Zeros(4)) })
		return nil
	}))
}

func TestDropout(t *testing.T) {
	cfg := smallConfig()
	m, store := newTestModel(t, cfg, 3)
	x := randomImages(rand.New(rand.NewPCG(9, 9)), 2, 4, 5, 3)
	require.NoError(t, store.Read(params.ViewLive, func(live *params.Values) error {
		eval := model.NewContext(model.ModeEval, live, rand.New(rand.NewPCG(1, 1))).WithDropout(0.5)
		assert.Equal(t, 0.0, eval.DropoutRate)
		d0, _, err := m.Forward(eval, x, nil)
		require.NoError(t, err)
		d1, _, err := m.Forward(eval, x, nil)
		require.NoError(t, err)
		assert.True(t, d0.Equal(d1), "eval mode must be deterministic")

		train := model.NewContext(model.ModeTrain, live, rand.New(rand.NewPCG(1, 1))).WithDropout(0.5)
		d2, _, err := m.Forward(train, x, nil)
		require.NoError(t, err)
		assert.False(t, d0.Equal(d2), "dropout must change the output")
		return nil
	}))
}

func TestInputErrors(t *testing.T) {
	cfg := smallConfig()
	cfg.NumClasses = 2
	m, store := newTestModel(t, cfg, 3)
	require.NoError(t, store.Read(params.ViewLive, func(live *params.Values) error {
		mctx := model.NewContext(model.ModeEval, live, nil)
		_, _, err := m.Forward(mctx, tensors.Zeros(1, 4, 5, 3), nil)
		require.Error(t, err)
		_, _, err = m.Forward(mctx, tensors.Zeros(1, 4, 5, 2), oneHot([]int{0}, 2))
		require.Error(t, err)
		_, _, err = m.Forward(mctx, tensors.Zeros(1, 4, 5, 3), oneHot([]int{0}, 3))
		require.Error(t, err)
		_, _, err = m.Forward(mctx, tensors.Zeros(1, 4, 5, 3), oneHot([]int{1}, 2))
		require.NoError(t, err)
		return nil
	}))
}
