// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"math"
	"slices"

	"github.com/gomlx/pixelcnn/pkg/core/shapes"
	"github.com/gomlx/pixelcnn/pkg/ml/params"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// Aggregate sums the losses and the gradients of the per-device results.
//
// Summation is always in ascending device order, regardless of the order of results, so that
// the floating point results are reproducible. Results must have distinct devices and compatible gradients.
func Aggregate(results []*Result) (loss float64, grads *params.Values, err error) {
	if len(results) == 0 {
		return 0, nil, errors.New("train.Aggregate(): no results to aggregate")
	}
	ordered := slices.Clone(results)
	slices.SortFunc(ordered, func(a, b *Result) int { return a.Device - b.Device })
	for ii := 1; ii < len(ordered); ii++ {
		if ordered[ii].Device == ordered[ii-1].Device {
			return 0, nil, errors.Errorf("train.Aggregate(): device #%d has more than one result", ordered[ii].Device)
		}
	}

	grads = ordered[0].Gradients.Clone()
	loss = ordered[0].Loss
	for _, result := range ordered[1:] {
		if !result.Gradients.Compatible(grads) {
			return 0, nil, errors.Errorf("train.Aggregate(): gradients of device #%d don't match those of device #%d",
				result.Device, ordered[0].Device)
		}
		loss += result.Loss
		for ii, g := range result.Gradients.All() {
			floats.Add(grads.At(ii).Flat(), g.Flat())
		}
	}
	return loss, grads, nil
}

// TrainBitsPerDim normalizes the summed training loss by the number of devices and the configured batch size.
func TrainBitsPerDim(totalLoss float64, numDevices, batchSize int) float64 {
	return totalLoss / float64(numDevices*batchSize)
}

// EvalBitsPerDim converts the summed evaluation loss (in nats) to bits per dimension: it normalizes by
// the number of devices, the configured batch size, log(2) and the number of values in an image.
func EvalBitsPerDim(totalLoss float64, numDevices, batchSize int, imageShape shapes.Shape) float64 {
	return totalLoss / (float64(numDevices*batchSize) * math.Ln2 * float64(imageShape.Size()))
}
