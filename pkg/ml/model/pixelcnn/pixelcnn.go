// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package pixelcnn implements a compact PixelCNN-style autoregressive image model.
//
// The model is a causal ("type A") masked convolution stem, with weight normalization and data-dependent
// initialization, followed by a stack of 1x1 residual blocks and a 1x1 output layer producing the
// distribution parameters of every pixel. Since only the stem looks at neighboring pixels, and it only
// sees pixels strictly before the current one in raster order, the output at (row, col) depends only on
// previous pixels.
//
// Optionally the stem adds a per-class bias, for class-conditional models.
package pixelcnn

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/gomlx/pixelcnn/pkg/core/shapes"
	"github.com/gomlx/pixelcnn/pkg/core/tensors"
	"github.com/gomlx/pixelcnn/pkg/ml/model"
	"github.com/gomlx/pixelcnn/pkg/ml/params"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// Config of the model.
type Config struct {
	// NumFilters is the number of hidden features per pixel.
	NumFilters int

	// NumResNet is the number of residual blocks.
	NumResNet int

	// FilterRadius of the masked stem convolution: the kernel is (2*FilterRadius+1)^2.
	FilterRadius int

	// Nonlinearity used in the residual blocks and before the output layer.
	Nonlinearity Nonlinearity

	// NumClasses for class-conditional models. 0 for unconditional models.
	NumClasses int

	// InitScale is the target standard deviation of the stem output after data-dependent initialization.
	InitScale float64
}

// DefaultConfig returns the configuration with the default values.
func DefaultConfig() Config {
	return Config{
		NumFilters:   160,
		NumResNet:    5,
		FilterRadius: 1,
		Nonlinearity: ConcatELU,
		InitScale:    1.0,
	}
}

// Parameter names.
const (
	StemKernel     = "stem/v"
	StemGain       = "stem/g"
	StemBias       = "stem/b"
	StemClassBias  = "stem/class_w"
	OutputWeights  = "output/w"
	OutputBias     = "output/b"
	weightsStddev  = 0.05
	normEpsilon    = 1e-12
	momentsEpsilon = 1e-8
)

// ResNetWeights returns the name of the weights of the i-th residual block.
func ResNetWeights(i int) string { return fmt.Sprintf("resnet_%02d/w", i) }

// ResNetBias returns the name of the bias of the i-th residual block.
func ResNetBias(i int) string { return fmt.Sprintf("resnet_%02d/b", i) }

// Model implements model.Model.
type Model struct {
	cfg  Config
	loss model.Loss

	// offsets of the kernel positions used by the masked stem convolution.
	offsets []kernelOffset
}

type kernelOffset struct {
	dy, dx, kernelIdx int
}

var _ model.Model = (*Model)(nil)

// New creates a model with the given configuration. The loss is used to size the output layer.
func New(cfg Config, loss model.Loss) (*Model, error) {
	if cfg.NumFilters <= 0 || cfg.NumResNet < 0 || cfg.FilterRadius <= 0 || cfg.NumClasses < 0 {
		return nil, errors.Errorf("pixelcnn.New(): invalid configuration %+v", cfg)
	}
	if _, err := ParseNonlinearity(string(cfg.Nonlinearity)); err != nil {
		return nil, err
	}
	if loss == nil {
		return nil, errors.New("pixelcnn.New(): loss is required")
	}
	if cfg.InitScale <= 0 {
		cfg.InitScale = 1.0
	}
	m := &Model{cfg: cfg, loss: loss}
	r := cfg.FilterRadius
	kernelSize := 2*r + 1
	for dy := -r; dy <= 0; dy++ {
		for dx := -r; dx <= r; dx++ {
			if dy < 0 || dx < 0 {
				m.offsets = append(m.offsets, kernelOffset{dy: dy, dx: dx, kernelIdx: (dy+r)*kernelSize + (dx + r)})
			}
		}
	}
	return m, nil
}

// Config returns the model configuration.
func (m *Model) Config() Config { return m.cfg }

// Specs implements model.Model.
func (m *Model) Specs(imageShape shapes.Shape) []params.Spec {
	channels := imageShape.Dim(-1)
	numFilters := m.cfg.NumFilters
	kernelSize := 2*m.cfg.FilterRadius + 1
	hiddenDim := m.cfg.Nonlinearity.outputDim(numFilters)
	numDistParams := m.loss.NumDistParams(channels)

	specs := []params.Spec{
		{Name: StemKernel, Shape: shapes.Make(kernelSize, kernelSize, channels, numFilters), Init: m.maskedKernelInit(channels)},
		{Name: StemGain, Shape: shapes.Make(numFilters), Init: params.Constant(1)},
		{Name: StemBias, Shape: shapes.Make(numFilters), Init: params.Zeros},
	}
	if m.cfg.NumClasses > 0 {
		specs = append(specs, params.Spec{
			Name: StemClassBias, Shape: shapes.Make(m.cfg.NumClasses, numFilters), Init: params.RandomNormal(weightsStddev)})
	}
	for i := range m.cfg.NumResNet {
		specs = append(specs,
			params.Spec{Name: ResNetWeights(i), Shape: shapes.Make(hiddenDim, numFilters), Init: params.RandomNormal(weightsStddev)},
			params.Spec{Name: ResNetBias(i), Shape: shapes.Make(numFilters), Init: params.Zeros})
	}
	specs = append(specs,
		params.Spec{Name: OutputWeights, Shape: shapes.Make(hiddenDim, numDistParams), Init: params.RandomNormal(weightsStddev)},
		params.Spec{Name: OutputBias, Shape: shapes.Make(numDistParams), Init: params.Zeros})
	return specs
}

// maskedKernelInit samples the stem kernel, leaving the masked positions at zero.
func (m *Model) maskedKernelInit(channels int) params.InitFn {
	return func(rng *rand.Rand, value *tensors.Tensor) {
		value.Fill(0)
		numFilters := m.cfg.NumFilters
		flat := value.Flat()
		for _, off := range m.offsets {
			block := flat[off.kernelIdx*channels*numFilters : (off.kernelIdx+1)*channels*numFilters]
			for ii := range block {
				block[ii] = rng.NormFloat64() * weightsStddev
			}
		}
	}
}

// forwardState holds the intermediary values of a forward pass needed by the backward pass.
type forwardState struct {
	x, cond                  *tensors.Tensor
	batchSize, numPixels     int
	height, width, channels  int
	conv, norms, scales      []float64
	hidden, activations      [][]float64
	dropoutMasks             [][]float64
	outputActivation         []float64
	distShape                shapes.Shape
	numDistParams, hiddenDim int
}

func (m *Model) checkInputs(x, cond *tensors.Tensor, channels int) error {
	if x.Rank() != 4 {
		return errors.Errorf("pixelcnn: x must be shaped [batch, height, width, channels], got %s", x.Shape())
	}
	if x.Shape().Dim(-1) != channels {
		return errors.Errorf("pixelcnn: x has %d channels, the model was built for %d", x.Shape().Dim(-1), channels)
	}
	if m.cfg.NumClasses > 0 {
		if cond == nil {
			return errors.Errorf("pixelcnn: class-conditional model requires cond")
		}
		if !cond.Shape().Equal(shapes.Make(x.Shape().Dim(0), m.cfg.NumClasses)) {
			return errors.Errorf("pixelcnn: cond must be shaped [%d, %d], got %s", x.Shape().Dim(0), m.cfg.NumClasses, cond.Shape())
		}
	}
	return nil
}

// Forward implements model.Model.
func (m *Model) Forward(mctx *model.Context, x, cond *tensors.Tensor) (*tensors.Tensor, model.BackwardFn, error) {
	kernel := mctx.Param(StemKernel)
	channels := kernel.Shape().Dim(2)
	if err := m.checkInputs(x, cond, channels); err != nil {
		return nil, nil, err
	}
	fs := m.newForwardState(x, cond, channels)
	numFilters := m.cfg.NumFilters
	h := m.stem(mctx, fs)

	// Residual blocks.
	nl := m.cfg.Nonlinearity
	applyDropout := mctx.Mode == model.ModeTrain && mctx.DropoutRate > 0
	for i := range m.cfg.NumResNet {
		fs.hidden = append(fs.hidden, h)
		act := nl.apply(h, numFilters)
		var mask []float64
		if applyDropout {
			mask = dropoutMask(mctx.RNG, len(act), mctx.DropoutRate)
			floats.Mul(act, mask)
		}
		fs.activations = append(fs.activations, act)
		fs.dropoutMasks = append(fs.dropoutMasks, mask)
		delta := matMul(act, fs.numPixels, fs.hiddenDim, mctx.Param(ResNetWeights(i)).Flat(), numFilters)
		addBias(delta, mctx.Param(ResNetBias(i)).Flat())
		floats.Add(delta, h)
		h = delta
	}

	// Output layer.
	fs.hidden = append(fs.hidden, h)
	fs.outputActivation = nl.apply(h, numFilters)
	outWeights := mctx.Param(OutputWeights)
	fs.numDistParams = outWeights.Shape().Dim(1)
	distFlat := matMul(fs.outputActivation, fs.numPixels, fs.hiddenDim, outWeights.Flat(), fs.numDistParams)
	addBias(distFlat, mctx.Param(OutputBias).Flat())
	dist := tensors.FromFlatDataAndDimensions(distFlat, fs.batchSize, fs.height, fs.width, fs.numDistParams)
	fs.distShape = dist.Shape()

	if mctx.Mode != model.ModeTrain {
		return dist, nil, nil
	}
	backward := func(dDist *tensors.Tensor, grads *params.Values) error {
		return m.backward(mctx, fs, dDist, grads)
	}
	return dist, backward, nil
}

// newForwardState for inputs already validated.
func (m *Model) newForwardState(x, cond *tensors.Tensor, channels int) *forwardState {
	dims := x.Shape().Dimensions
	fs := &forwardState{
		x: x, cond: cond,
		batchSize: dims[0], height: dims[1], width: dims[2], channels: channels,
		numPixels: dims[0] * dims[1] * dims[2],
		hiddenDim: m.cfg.Nonlinearity.outputDim(m.cfg.NumFilters),
	}
	if m.cfg.NumClasses == 0 {
		fs.cond = nil
	}
	return fs
}

// stem computes the weight normalized masked convolution, plus the class bias, shaped [numPixels, numFilters].
// In ModeInit it first commits the data-dependent gain and bias.
func (m *Model) stem(mctx *model.Context, fs *forwardState) []float64 {
	numFilters := m.cfg.NumFilters
	kernel := mctx.Param(StemKernel)
	fs.conv = m.maskedConv(fs, kernel.Flat())
	fs.norms = m.kernelNorms(kernel.Flat(), fs.channels)
	if mctx.Mode == model.ModeInit {
		m.dataDependentInit(mctx, fs)
	}
	gain, bias := mctx.Param(StemGain).Flat(), mctx.Param(StemBias).Flat()
	fs.scales = make([]float64, numFilters)
	for f := range numFilters {
		fs.scales[f] = gain[f] / fs.norms[f]
	}
	h := make([]float64, len(fs.conv))
	for offset := 0; offset < len(h); offset += numFilters {
		for f := range numFilters {
			h[offset+f] = fs.scales[f]*fs.conv[offset+f] + bias[f]
		}
	}
	if fs.cond != nil {
		classBias := matMul(fs.cond.Flat(), fs.batchSize, m.cfg.NumClasses, mctx.Param(StemClassBias).Flat(), numFilters)
		pixelsPerImage := fs.height * fs.width
		for b := range fs.batchSize {
			row := classBias[b*numFilters : (b+1)*numFilters]
			for p := range pixelsPerImage {
				floats.Add(h[(b*pixelsPerImage+p)*numFilters:][:numFilters], row)
			}
		}
	}
	return h
}

// dropoutMask returns a mask with 0 for dropped values and 1/(1-rate) for kept ones.
func dropoutMask(rng *rand.Rand, size int, rate float64) []float64 {
	mask := make([]float64, size)
	keep := 1 / (1 - rate)
	for ii := range mask {
		if rng.Float64() >= rate {
			mask[ii] = keep
		}
	}
	return mask
}

// maskedConv computes the raw (not normalized) causal convolution of x with the kernel, shaped [numPixels, numFilters].
func (m *Model) maskedConv(fs *forwardState, kernel []float64) []float64 {
	numFilters := m.cfg.NumFilters
	conv := make([]float64, fs.numPixels*numFilters)
	xFlat := fs.x.Flat()
	m.forEachTap(fs, func(pixel, xIdx, kernelRow int) {
		xv := xFlat[xIdx]
		if xv == 0 {
			return
		}
		floats.AddScaled(conv[pixel*numFilters:][:numFilters], xv, kernel[kernelRow*numFilters:][:numFilters])
	})
	return conv
}

// forEachTap calls fn for every (output pixel, input value, kernel row) triplet of the masked convolution
// that falls inside the image. kernelRow indexes the kernel reshaped to [kernelSize*kernelSize*channels, numFilters].
func (m *Model) forEachTap(fs *forwardState, fn func(pixel, xIdx, kernelRow int)) {
	channels := fs.channels
	for b := range fs.batchSize {
		for row := range fs.height {
			for col := range fs.width {
				pixel := (b*fs.height+row)*fs.width + col
				for _, off := range m.offsets {
					srcRow, srcCol := row+off.dy, col+off.dx
					if srcRow < 0 || srcCol < 0 || srcCol >= fs.width {
						continue
					}
					xBase := ((b*fs.height+srcRow)*fs.width + srcCol) * channels
					for c := range channels {
						fn(pixel, xBase+c, off.kernelIdx*channels+c)
					}
				}
			}
		}
	}
}

// kernelNorms returns the L2 norm of the unmasked kernel values of each filter.
func (m *Model) kernelNorms(kernel []float64, channels int) []float64 {
	numFilters := m.cfg.NumFilters
	norms := make([]float64, numFilters)
	for _, off := range m.offsets {
		for c := range channels {
			row := kernel[(off.kernelIdx*channels+c)*numFilters:][:numFilters]
			for f, v := range row {
				norms[f] += v * v
			}
		}
	}
	for f := range norms {
		norms[f] = math.Sqrt(norms[f] + normEpsilon)
	}
	return norms
}

// dataDependentInit sets gain and bias of the stem such that its output has zero mean and
// InitScale standard deviation per filter over the initialization batch.
func (m *Model) dataDependentInit(mctx *model.Context, fs *forwardState) {
	numFilters := m.cfg.NumFilters
	mean := make([]float64, numFilters)
	sumSq := make([]float64, numFilters)
	for offset := 0; offset < len(fs.conv); offset += numFilters {
		for f := range numFilters {
			v := fs.conv[offset+f] / fs.norms[f]
			mean[f] += v
			sumSq[f] += v * v
		}
	}
	n := float64(fs.numPixels)
	gain := tensors.Zeros(numFilters)
	bias := tensors.Zeros(numFilters)
	for f := range numFilters {
		mean[f] /= n
		variance := max(sumSq[f]/n-mean[f]*mean[f], 0)
		scale := m.cfg.InitScale / math.Sqrt(variance+momentsEpsilon)
		gain.Flat()[f] = scale
		bias.Flat()[f] = -mean[f] * scale
	}
	mctx.Commit(StemGain, gain)
	mctx.Commit(StemBias, bias)
}

// backward accumulates the gradients of all parameters into grads.
func (m *Model) backward(mctx *model.Context, fs *forwardState, dDist *tensors.Tensor, grads *params.Values) error {
	if !dDist.Shape().Equal(fs.distShape) {
		return errors.Errorf("pixelcnn: gradient shape %s doesn't match the distribution shape %s", dDist.Shape(), fs.distShape)
	}
	numFilters := m.cfg.NumFilters
	nl := m.cfg.Nonlinearity
	dd := dDist.Flat()

	// Output layer.
	floats.Add(grads.Get(OutputWeights).Flat(), matMulTransA(fs.outputActivation, fs.numPixels, fs.hiddenDim, dd, fs.numDistParams))
	sumRows(grads.Get(OutputBias).Flat(), dd)
	dAct := matMulTransB(dd, fs.numPixels, fs.numDistParams, mctx.Param(OutputWeights).Flat(), fs.hiddenDim)
	dh := nl.backward(fs.hidden[m.cfg.NumResNet], dAct, numFilters)

	// Residual blocks, in reverse order.
	for i := m.cfg.NumResNet - 1; i >= 0; i-- {
		floats.Add(grads.Get(ResNetWeights(i)).Flat(), matMulTransA(fs.activations[i], fs.numPixels, fs.hiddenDim, dh, numFilters))
		sumRows(grads.Get(ResNetBias(i)).Flat(), dh)
		dAct = matMulTransB(dh, fs.numPixels, numFilters, mctx.Param(ResNetWeights(i)).Flat(), fs.hiddenDim)
		if mask := fs.dropoutMasks[i]; mask != nil {
			floats.Mul(dAct, mask)
		}
		dPrev := nl.backward(fs.hidden[i], dAct, numFilters)
		floats.Add(dPrev, dh)
		dh = dPrev
	}

	// Stem.
	sumRows(grads.Get(StemBias).Flat(), dh)
	if fs.cond != nil {
		pixelsPerImage := fs.height * fs.width
		dPerImage := make([]float64, fs.batchSize*numFilters)
		for b := range fs.batchSize {
			sumRows(dPerImage[b*numFilters:(b+1)*numFilters], dh[b*pixelsPerImage*numFilters:(b+1)*pixelsPerImage*numFilters])
		}
		floats.Add(grads.Get(StemClassBias).Flat(), matMulTransA(fs.cond.Flat(), fs.batchSize, m.cfg.NumClasses, dPerImage, numFilters))
	}
	dScales := make([]float64, numFilters)
	scaledDH := make([]float64, len(dh))
	for offset := 0; offset < len(dh); offset += numFilters {
		for f := range numFilters {
			dScales[f] += dh[offset+f] * fs.conv[offset+f]
			scaledDH[offset+f] = fs.scales[f] * dh[offset+f]
		}
	}
	gain := mctx.Param(StemGain).Flat()
	dGain := grads.Get(StemGain).Flat()
	for f := range numFilters {
		dGain[f] += dScales[f] / fs.norms[f]
	}

	// Kernel: direct contribution through the convolution, plus the one through the norm.
	kernel := mctx.Param(StemKernel).Flat()
	dKernel := grads.Get(StemKernel).Flat()
	xFlat := fs.x.Flat()
	m.forEachTap(fs, func(pixel, xIdx, kernelRow int) {
		xv := xFlat[xIdx]
		if xv == 0 {
			return
		}
		floats.AddScaled(dKernel[kernelRow*numFilters:][:numFilters], xv, scaledDH[pixel*numFilters:][:numFilters])
	})
	normFactor := make([]float64, numFilters)
	for f := range numFilters {
		normFactor[f] = -dScales[f] * gain[f] / (fs.norms[f] * fs.norms[f] * fs.norms[f])
	}
	for _, off := range m.offsets {
		for c := range fs.channels {
			kernelRow := off.kernelIdx*fs.channels + c
			row := kernel[kernelRow*numFilters:][:numFilters]
			dRow := dKernel[kernelRow*numFilters:][:numFilters]
			for f, v := range row {
				dRow[f] += normFactor[f] * v
			}
		}
	}
	return nil
}
