package dmol

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/gomlx/pixelcnn/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestBinProbabilitiesSumToOne checks that the 256 discretized bins form a distribution.
func TestBinProbabilitiesSumToOne(t *testing.T) {
	for _, mean := range []float64{-0.8, 0.1, 0.9} {
		var total float64
		for k := range 256 {
			x := -1 + 2*float64(k)/255
			logP, _, _ := channelLogProb(x, mean, math.Log(0.3))
			total += math.Exp(logP)
		}
		assert.InDelta(t, 1.0, total, 1e-9, "mean=%g", mean)
	}
}

func randomProblem(rng *rand.Rand, d *Mixture, batch, height, width, channels int) (x, dist *tensors.Tensor) {
	x = tensors.Zeros(batch, height, width, channels)
	for ii := range x.Flat() {
		// Quantized values, including the edge bins.
		x.Flat()[ii] = -1 + 2*float64(rng.IntN(256))/255
	}
	x.Flat()[0], x.Flat()[1] = -1, 1
	dist = tensors.Zeros(batch, height, width, d.NumDistParams(channels))
	numMix := d.NumMixtures
	for pixel := range batch * height * width {
		params := dist.Flat()[pixel*d.NumDistParams(channels):][:d.NumDistParams(channels)]
		for ii := range params {
			switch {
			case ii < numMix:
				params[ii] = rng.NormFloat64()
			case ii < numMix+numMix*channels:
				params[ii] = 0.8 * (2*rng.Float64() - 1)
			default:
				params[ii] = -2 + 1.5*rng.Float64()
			}
		}
	}
	return
}

// TestGradient compares the analytic gradient with central finite differences.
func TestGradient(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))
	d := New(3)
	x, dist := randomProblem(rng, d, 2, 2, 3, 2)
	loss, grad, err := d.LossAndGradient(x, dist)
	require.NoError(t, err)
	lossOnly, err := d.Loss(x, dist)
	require.NoError(t, err)
	assert.Equal(t, loss, lossOnly)
	require.Greater(t, loss, 0.0)

	const eps = 1e-6
	for ii := range dist.Flat() {
		original := dist.Flat()[ii]
		dist.Flat()[ii] = original + eps
		lossPlus, _ := d.Loss(x, dist)
		dist.Flat()[ii] = original - eps
		lossMinus, _ := d.Loss(x, dist)
		dist.Flat()[ii] = original
		numeric := (lossPlus - lossMinus) / (2 * eps)
		require.InDelta(t, numeric, grad.Flat()[ii], 1e-5*(1+math.Abs(numeric)), "dist param #%d", ii)
	}
}

func TestChannelLogProbCases(t *testing.T) {
	check := func(x, mean, logScale float64) {
		_, dMean, dLogScale := channelLogProb(x, mean, logScale)
		const eps = 1e-7
		lp1, _, _ := channelLogProb(x, mean+eps, logScale)
		lp0, _, _ := channelLogProb(x, mean-eps, logScale)
		assert.InDelta(t, (lp1-lp0)/(2*eps), dMean, 1e-4*(1+math.Abs(dMean)), "dMean x=%g mean=%g", x, mean)
		lp1, _, _ = channelLogProb(x, mean, logScale+eps)
		lp0, _, _ = channelLogProb(x, mean, logScale-eps)
		assert.InDelta(t, (lp1-lp0)/(2*eps), dLogScale, 1e-4*(1+math.Abs(dLogScale)), "dLogScale x=%g mean=%g", x, mean)
	}
	check(-1, -0.5, math.Log(0.2)) // Left edge.
	check(1, 0.5, math.Log(0.2))   // Right edge.
	check(0.2, 0.1, math.Log(0.1)) // Interior.
	check(0.5, -0.5, math.Log(0.01))

	// Far from the mean with a tiny scale, the bin mass underflows and the density at the center is used.
	logP, _, _ := channelLogProb(0.5, -0.5, math.Log(0.01))
	midIn := 100.0
	want := midIn - math.Log(0.01) - 2*softplus(midIn) - math.Log(127.5)
	assert.InDelta(t, want, logP, 1e-9)

	// Clamped log-scale gets no gradient.
	_, _, dLogScale := channelLogProb(0.1, 0, -10)
	assert.Equal(t, 0.0, dLogScale)
}

func TestSampleAt(t *testing.T) {
	d := New(2)
	dist := tensors.Zeros(3, 2, 2, d.NumDistParams(1))
	for b := range 3 {
		for row := range 2 {
			for col := range 2 {
				// Component 0 dominates, with a very small scale.
				dist.Set(100, b, row, col, 0)
				dist.Set(-100, b, row, col, 1)
				dist.Set(0.3, b, row, col, 2)  // mean component 0
				dist.Set(-0.9, b, row, col, 3) // mean component 1
				dist.Set(-10, b, row, col, 4)  // log-scale component 0 (clamped at -7)
				dist.Set(0, b, row, col, 5)
			}
		}
	}
	dist.Set(5.0, 2, 1, 0, 2) // Mean outside of range: must be clipped.
	rng := rand.New(rand.NewPCG(1, 1))
	sample, err := d.SampleAt(dist, 1, 1, 0, rng)
	require.NoError(t, err)
	require.Equal(t, []int{3, 1}, sample.Shape().Dimensions)
	assert.InDelta(t, 0.3, sample.At(0, 0), 0.02)
	assert.InDelta(t, 0.3, sample.At(1, 0), 0.02)
	assert.Equal(t, 1.0, sample.At(2, 0))

	_, err = d.SampleAt(dist, 1, 2, 0, rng)
	require.Error(t, err)
	_, err = d.SampleAt(dist, 2, 0, 0, rng)
	require.Error(t, err)
}

func TestShapeErrors(t *testing.T) {
	d := New(2)
	_, err := d.Loss(tensors.Zeros(1, 2, 2, 3), tensors.Zeros(1, 2, 2, 13))
	require.Error(t, err)
	_, err = d.Loss(tensors.Zeros(1, 2, 2, 3), tensors.Zeros(1, 2, 3, 14))
	require.Error(t, err)
	_, err = d.Loss(tensors.Zeros(2, 3), tensors.Zeros(2, 3))
	require.Error(t, err)
	_, err = d.Loss(tensors.Zeros(1, 2, 2, 3), tensors.Zeros(1, 2, 2, 14))
	require.NoError(t, err)
}
