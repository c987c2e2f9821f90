// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package datasets

import (
	"github.com/gomlx/pixelcnn/pkg/core/shapes"
	"github.com/gomlx/pixelcnn/pkg/core/tensors"
	"github.com/gomlx/pixelcnn/pkg/ml/train"
	"github.com/pkg/errors"
)

// InMemoryDataset yields batches from images held in memory.
//
// It's safe for concurrent use. By default, batches have one example, incomplete batches are
// dropped and the examples are yielded in order.
type InMemoryDataset struct {
	*batcher
	name   string
	images *tensors.Tensor
	labels []int
}

var _ Source = (*InMemoryDataset)(nil)

// InMemory creates a dataset from images shaped `[num_examples, height, width, channels]`, already
// scaled to the range used by the model. labels can be nil, otherwise it must have one
// label per example.
func InMemory(name string, images *tensors.Tensor, labels []int) (*InMemoryDataset, error) {
	if images.Rank() != 4 {
		return nil, errors.Errorf("datasets.InMemory(%q): images must be shaped [N, H, W, C], got %s", name, images.Shape())
	}
	numExamples := images.Shape().Dim(0)
	if numExamples == 0 {
		return nil, errors.Errorf("datasets.InMemory(%q): no examples", name)
	}
	if labels != nil && len(labels) != numExamples {
		return nil, errors.Errorf("datasets.InMemory(%q): %d images but %d labels", name, numExamples, len(labels))
	}
	for ii, label := range labels {
		if label < 0 {
			return nil, errors.Errorf("datasets.InMemory(%q): example %d has negative label %d", name, ii, label)
		}
	}
	return &InMemoryDataset{
		batcher: newBatcher(numExamples),
		name:    name,
		images:  images,
		labels:  labels,
	}, nil
}

// Name implements train.Dataset.
func (ds *InMemoryDataset) Name() string { return ds.name }

// ImageShape implements Source.
func (ds *InMemoryDataset) ImageShape() shapes.Shape {
	return shapes.Make(ds.images.Shape().Dimensions[1:]...)
}

// HasLabels implements Source.
func (ds *InMemoryDataset) HasLabels() bool { return ds.labels != nil }

// Reset implements train.Dataset.
func (ds *InMemoryDataset) Reset() { ds.reset() }

// Yield implements train.Dataset.
func (ds *InMemoryDataset) Yield() (*train.Batch, error) {
	indices, err := ds.nextIndices()
	if err != nil {
		return nil, err
	}
	imageSize := ds.ImageShape().Size()
	images := tensors.FromShape(ds.images.Shape().WithDim(0, len(indices)))
	from, to := ds.images.Flat(), images.Flat()
	batch := &train.Batch{Images: images}
	if ds.labels != nil {
		batch.Labels = make([]int, len(indices))
	}
	for ii, idx := range indices {
		copy(to[ii*imageSize:(ii+1)*imageSize], from[idx*imageSize:(idx+1)*imageSize])
		if ds.labels != nil {
			batch.Labels[ii] = ds.labels[idx]
		}
	}
	return batch, nil
}
