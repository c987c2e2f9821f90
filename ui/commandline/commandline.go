// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package commandline contains convenience UI training tools for the command line: hyperparameters
// settings, a progress bar and the per-epoch report.
package commandline

import (
	"fmt"
	"math"
	"strings"

	"github.com/gomlx/pixelcnn/pkg/ml/train"
)

// EpochReport formats the one line summary of an epoch. testBitsPerDim is only included if it is not NaN,
// since it is only measured at some epochs.
func EpochReport(stats train.EpochStats, testBitsPerDim float64) string {
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "Iteration %d, time = %ds, train bits_per_dim = %.4f",
		stats.Epoch, int(math.Round(stats.Duration.Seconds())), stats.TrainBitsPerDim)
	if !math.IsNaN(testBitsPerDim) {
		_, _ = fmt.Fprintf(&sb, ", test bits_per_dim = %.4f", testBitsPerDim)
	}
	return sb.String()
}
