// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"slices"

	"github.com/gomlx/pixelcnn/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Batch is the unit of data of one training step.
type Batch struct {
	// Images shaped `[batch_size, height, width, channels]`, with values scaled to [-1, 1].
	Images *tensors.Tensor

	// Labels holds the class of each image, or nil if the dataset has no labels.
	Labels []int
}

// Size returns the number of examples in the batch.
func (b *Batch) Size() int { return b.Images.Shape().Dim(0) }

// Split the batch evenly into n parts, in order. It returns an error if the batch size is not divisible by n.
func (b *Batch) Split(n int) ([]*Batch, error) {
	images, err := tensors.Split(b.Images, n)
	if err != nil {
		return nil, err
	}
	if b.Labels != nil && len(b.Labels) != b.Size() {
		return nil, errors.Errorf("batch has %d images but %d labels", b.Size(), len(b.Labels))
	}
	parts := make([]*Batch, n)
	partSize := b.Size() / n
	for ii := range parts {
		parts[ii] = &Batch{Images: images[ii]}
		if b.Labels != nil {
			parts[ii].Labels = slices.Clone(b.Labels[ii*partSize : (ii+1)*partSize])
		}
	}
	return parts, nil
}

// Head returns a copy of the first n examples of the batch.
func (b *Batch) Head(n int) (*Batch, error) {
	if n <= 0 || n > b.Size() {
		return nil, errors.Errorf("Batch.Head(%d): batch only has %d examples", n, b.Size())
	}
	head := &Batch{Images: b.Images.SliceAxis0(0, n)}
	if b.Labels != nil {
		head.Labels = slices.Clone(b.Labels[:n])
	}
	return head, nil
}

// Conditioning returns the one-hot encoding of the labels shaped `[batch_size, numClasses]`,
// or nil if numClasses is 0.
func (b *Batch) Conditioning(numClasses int) (*tensors.Tensor, error) {
	if numClasses == 0 {
		return nil, nil
	}
	if b.Labels == nil {
		return nil, errors.Errorf("class conditioning with %d classes requires labels, but batch has none", numClasses)
	}
	return tensors.OneHot(b.Labels, numClasses)
}

// Dataset provides the data, one batch at a time.
type Dataset interface {
	// Name identifies the dataset. Used for logging and for naming the output files.
	Name() string

	// Reset restarts the dataset from the beginning. Called at the end of every epoch.
	Reset()

	// Yield the next batch. At the end of the epoch it returns io.EOF.
	Yield() (*Batch, error)
}
