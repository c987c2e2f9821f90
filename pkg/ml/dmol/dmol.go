// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package dmol implements the discretized mixture of logistics likelihood of PixelCNN++, for pixel values
// scaled to [-1, 1] and quantized in 256 bins.
//
// The distribution parameters of each pixel are laid out in the last axis as
//
//	[ M mixture logits | M*C means | M*C log-scales ]
//
// where M is the number of mixture components and C the number of channels: mean and log-scale of component m
// and channel c are at positions M + m*C + c and M + M*C + m*C + c respectively.
//
// Channels are independent given the mixture component: any coupling among channels is left to the model.
package dmol

import (
	"math"
	"math/rand/v2"

	"github.com/gomlx/pixelcnn/pkg/core/tensors"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

const (
	// LogScaleMin is the lower bound of the log-scales: values below it are clamped and receive no gradient.
	LogScaleMin = -7.0

	// binHalfWidth is half of the width of a quantization bin, in the [-1, 1] range.
	binHalfWidth = 1.0 / 255.0

	// edgeThreshold: values beyond ±edgeThreshold are in the first or last bin, which extend to infinity.
	edgeThreshold = 0.999

	// minBinProbability under which the log-probability is approximated by the density at the bin center.
	minBinProbability = 1e-5

	// uniformEpsilon bounds the uniform samples away from 0 and 1.
	uniformEpsilon = 1e-5
)

var logHalfNumBins = math.Log(127.5)

// Mixture of discretized logistics, with NumMixtures components per pixel.
type Mixture struct {
	NumMixtures int
}

// New returns a Mixture with the given number of components.
func New(numMixtures int) *Mixture {
	return &Mixture{NumMixtures: numMixtures}
}

// NumDistParams returns the number of distribution parameters per pixel for images with the given number of channels.
func (d *Mixture) NumDistParams(channels int) int {
	return d.NumMixtures * (1 + 2*channels)
}

// checkShapes validates x shaped `[B, H, W, C]` against dist shaped `[B, H, W, M*(1+2C)]`.
func (d *Mixture) checkShapes(x, dist *tensors.Tensor) (channels int, err error) {
	if x.Rank() != 4 || dist.Rank() != 4 {
		return 0, errors.Errorf("dmol: x and dist must be rank-4, got shapes %s and %s", x.Shape(), dist.Shape())
	}
	channels = x.Shape().Dim(-1)
	for axis := range 3 {
		if x.Shape().Dimensions[axis] != dist.Shape().Dimensions[axis] {
			return 0, errors.Errorf("dmol: x shape %s and dist shape %s don't match on axis %d", x.Shape(), dist.Shape(), axis)
		}
	}
	if want := d.NumDistParams(channels); dist.Shape().Dim(-1) != want {
		return 0, errors.Errorf("dmol: dist shape %s must have %d parameters per pixel for %d mixtures and %d channels",
			dist.Shape(), want, d.NumMixtures, channels)
	}
	return channels, nil
}

// Loss returns the negative log-likelihood (in nats) of x, summed over all pixels and channels of the batch.
func (d *Mixture) Loss(x, dist *tensors.Tensor) (float64, error) {
	loss, _, err := d.lossImpl(x, dist, false)
	return loss, err
}

// LossAndGradient returns the summed negative log-likelihood of x and its gradient with respect to dist.
func (d *Mixture) LossAndGradient(x, dist *tensors.Tensor) (float64, *tensors.Tensor, error) {
	return d.lossImpl(x, dist, true)
}

func (d *Mixture) lossImpl(x, dist *tensors.Tensor, withGrad bool) (loss float64, grad *tensors.Tensor, err error) {
	channels, err := d.checkShapes(x, dist)
	if err != nil {
		return 0, nil, err
	}
	numMix := d.NumMixtures
	numParams := d.NumDistParams(channels)
	numPixels := x.Size() / channels
	xFlat, distFlat := x.Flat(), dist.Flat()
	var gradFlat []float64
	if withGrad {
		grad = tensors.FromShape(dist.Shape())
		gradFlat = grad.Flat()
	}

	// Per-pixel buffers.
	components := make([]float64, numMix)
	responsibilities := make([]float64, numMix)
	priors := make([]float64, numMix)
	dMeans := make([]float64, numMix*channels)
	dLogScales := make([]float64, numMix*channels)

	for pixel := range numPixels {
		xs := xFlat[pixel*channels : (pixel+1)*channels]
		params := distFlat[pixel*numParams : (pixel+1)*numParams]
		logits := params[:numMix]
		means := params[numMix : numMix+numMix*channels]
		logScales := params[numMix+numMix*channels:]
		for m := range numMix {
			components[m] = logits[m]
			for c, xc := range xs {
				idx := m*channels + c
				logP, dMean, dLogScale := channelLogProb(xc, means[idx], logScales[idx])
				components[m] += logP
				dMeans[idx], dLogScales[idx] = dMean, dLogScale
			}
		}
		logNorm := floats.LogSumExp(logits)
		logMix := floats.LogSumExp(components)
		loss += logNorm - logMix
		if !withGrad {
			continue
		}

		pGrad := gradFlat[pixel*numParams : (pixel+1)*numParams]
		for m := range numMix {
			priors[m] = math.Exp(logits[m] - logNorm)
			responsibilities[m] = math.Exp(components[m] - logMix)
			pGrad[m] = priors[m] - responsibilities[m]
			for c := range channels {
				idx := m*channels + c
				pGrad[numMix+idx] = -responsibilities[m] * dMeans[idx]
				pGrad[numMix+numMix*channels+idx] = -responsibilities[m] * dLogScales[idx]
			}
		}
	}
	return loss, grad, nil
}

// channelLogProb returns log P(x) of the discretized logistic with the given mean and log-scale, and its
// derivatives with respect to mean and logScale.
func channelLogProb(x, mean, logScale float64) (logP, dMean, dLogScale float64) {
	clamped := logScale < LogScaleMin
	if clamped {
		logScale = LogScaleMin
	}
	invScale := math.Exp(-logScale)
	centered := x - mean
	switch {
	case x < -edgeThreshold:
		// Left edge bin: log CDF(x + half-bin).
		plusIn := invScale * (centered + binHalfWidth)
		logP = -softplus(-plusIn)
		g := sigmoid(-plusIn)
		dMean, dLogScale = -g*invScale, -g*plusIn

	case x > edgeThreshold:
		// Right edge bin: log (1 - CDF(x - half-bin)).
		minIn := invScale * (centered - binHalfWidth)
		logP = -softplus(minIn)
		g := -sigmoid(minIn)
		dMean, dLogScale = -g*invScale, -g*minIn

	default:
		plusIn := invScale * (centered + binHalfWidth)
		minIn := invScale * (centered - binHalfWidth)
		cdfPlus, cdfMin := sigmoid(plusIn), sigmoid(minIn)
		cdfDelta := cdfPlus - cdfMin
		if cdfDelta > minBinProbability {
			logP = math.Log(cdfDelta)
			dPlus := cdfPlus * (1 - cdfPlus)
			dMin := cdfMin * (1 - cdfMin)
			dMean = -invScale * (dPlus - dMin) / cdfDelta
			dLogScale = (-plusIn*dPlus + minIn*dMin) / cdfDelta
		} else {
			// Bin mass too small to be computed accurately: use the log-density at the bin center.
			midIn := invScale * centered
			logP = midIn - logScale - 2*softplus(midIn) - logHalfNumBins
			g := 1 - 2*sigmoid(midIn)
			dMean = -g * invScale
			dLogScale = -g*midIn - 1
		}
	}
	if clamped {
		dLogScale = 0
	}
	return
}

// SampleAt samples the pixel at position (row, col) for every example in the batch.
//
// It returns a tensor shaped `[B, C]` with values in [-1, 1].
func (d *Mixture) SampleAt(dist *tensors.Tensor, channels, row, col int, rng *rand.Rand) (*tensors.Tensor, error) {
	if dist.Rank() != 4 {
		return nil, errors.Errorf("dmol: dist must be rank-4, got shape %s", dist.Shape())
	}
	numParams := d.NumDistParams(channels)
	dims := dist.Shape().Dimensions
	batchSize, height, width := dims[0], dims[1], dims[2]
	if dims[3] != numParams {
		return nil, errors.Errorf("dmol: dist shape %s must have %d parameters per pixel for %d mixtures and %d channels",
			dist.Shape(), numParams, d.NumMixtures, channels)
	}
	if row < 0 || row >= height || col < 0 || col >= width {
		return nil, errors.Errorf("dmol: position (%d, %d) out of bounds for dist shape %s", row, col, dist.Shape())
	}
	numMix := d.NumMixtures
	result := tensors.Zeros(batchSize, channels)
	flat := result.Flat()
	for b := range batchSize {
		params := dist.Flat()[((b*height+row)*width+col)*numParams:][:numParams]

		// Gumbel-max selection of the mixture component.
		best, bestScore := 0, math.Inf(-1)
		for m := range numMix {
			score := params[m] - math.Log(-math.Log(uniform(rng)))
			if score > bestScore {
				best, bestScore = m, score
			}
		}

		for c := range channels {
			idx := best*channels + c
			mean := params[numMix+idx]
			logScale := max(params[numMix+numMix*channels+idx], LogScaleMin)
			u := uniform(rng)
			v := mean + math.Exp(logScale)*(math.Log(u)-math.Log(1-u))
			flat[b*channels+c] = min(max(v, -1), 1)
		}
	}
	return result, nil
}

// uniform samples from U(eps, 1-eps).
func uniform(rng *rand.Rand) float64 {
	return uniformEpsilon + rng.Float64()*(1-2*uniformEpsilon)
}

func sigmoid(x float64) float64 {
	if x >= 0 {
		return 1 / (1 + math.Exp(-x))
	}
	e := math.Exp(x)
	return e / (1 + e)
}

// softplus computes log(1+exp(x)) in a numerically stable way.
func softplus(x float64) float64 {
	if x > 0 {
		return x + math.Log1p(math.Exp(-x))
	}
	return math.Log1p(math.Exp(x))
}
