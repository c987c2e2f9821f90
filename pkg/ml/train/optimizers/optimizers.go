// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package optimizers implements the optimizers and learning rate schedules used by the trainer.
//
// Optimizers work on host tensors: they mutate the live parameter values in place, given the
// aggregated gradients. They are not safe for concurrent use, the trainer calls them from within
// params.Store.Update.
package optimizers

import (
	"github.com/gomlx/pixelcnn/pkg/ml/params"
)

// Interface implemented by optimizer implementations.
type Interface interface {
	// Apply one optimization step to the live values, given their gradients and the learning rate for this step.
	//
	// live and grads must be compatible (same number and shapes of tensors), and the same for every call.
	Apply(live, grads *params.Values, learningRate float64) error

	// NumSteps returns the number of steps applied so far.
	NumSteps() int

	// Clear resets the optimizer state (moments and step counter).
	Clear()
}
