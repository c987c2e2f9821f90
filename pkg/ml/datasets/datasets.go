// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package datasets implements train.Dataset sources of images: in-memory tensors (loaded from HDF5 or
// NumPy files), directories of image files and a prefetching wrapper.
//
// Images are yielded shaped `[batch_size, height, width, channels]` with values scaled
// from [0, 255] to [-1, 1].
package datasets

import (
	"io"
	"math/rand/v2"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/pixelcnn/pkg/core/shapes"
	"github.com/gomlx/pixelcnn/pkg/core/tensors"
	"github.com/gomlx/pixelcnn/pkg/core/tensors/numpy"
	"github.com/gomlx/pixelcnn/pkg/ml/datasets/hdf5"
	"github.com/gomlx/pixelcnn/pkg/ml/train"
	"github.com/gomlx/pixelcnn/pkg/support/fsutil"
	"github.com/gomlx/pixelcnn/pkg/support/xslices"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ScaleImages converts in place pixel values from [0, 255] to [-1, 1], with `(x - 127.5) / 127.5`.
func ScaleImages(images *tensors.Tensor) {
	for ii, v := range images.Flat() {
		images.Flat()[ii] = (v - 127.5) / 127.5
	}
}

// LoadConfig selects which entries of a file are loaded by Load.
type LoadConfig struct {
	// ImagesKey is the name of the images dataset in an HDF5 file, or the array name in a .npz file.
	ImagesKey string

	// LabelsKey is the name of the labels. If empty, no labels are loaded.
	// For image directories, it is the path to a MATLAB .mat file with a "labels" variable.
	LabelsKey string

	// Height, Width are the size images from a directory are resized and cropped to.
	Height, Width int
}

// Load creates a dataset from filePath, based on its type:
//
//   - ".h5" or ".hdf5": an HDF5 file, read with `h5dump`, with the images shaped `[N, H, W, C]` as uint8 or float.
//   - ".npz": a NumPy archive with the images (and optionally labels) arrays.
//   - a directory: image files (.png, .jpg), loaded lazily.
func Load(name, filePath string, config LoadConfig) (Source, error) {
	filePath, err := fsutil.ReplaceTildeInDir(filePath)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot access training data in %q", filePath)
	}
	if info.IsDir() {
		ds, err := FromImageDir(name, filePath, config.Height, config.Width)
		if err != nil {
			return nil, err
		}
		if config.LabelsKey != "" {
			labels, err := ReadMatlabLabels(config.LabelsKey, "labels", true)
			if err != nil {
				return nil, err
			}
			if err = ds.WithLabels(labels); err != nil {
				return nil, err
			}
		}
		return ds, nil
	}

	var images, labelsTensor *tensors.Tensor
	switch ext := strings.ToLower(filepath.Ext(filePath)); ext {
	case ".h5", ".hdf5":
		contents, err := hdf5.ParseFile(filePath)
		if err != nil {
			return nil, err
		}
		images, err = contents.LoadTensor(config.ImagesKey)
		if err != nil {
			return nil, err
		}
		if config.LabelsKey != "" {
			labelsTensor, err = contents.LoadTensor(config.LabelsKey)
			if err != nil {
				return nil, err
			}
		}
	case ".npz":
		arrays, err := numpy.FromNpzFile(filePath)
		if err != nil {
			return nil, err
		}
		var found bool
		images, found = arrays[config.ImagesKey]
		if !found {
			return nil, errors.Errorf("array %q not found in %q", config.ImagesKey, filePath)
		}
		if config.LabelsKey != "" {
			labelsTensor, found = arrays[config.LabelsKey]
			if !found {
				return nil, errors.Errorf("array %q not found in %q", config.LabelsKey, filePath)
			}
		}
	default:
		return nil, errors.Errorf("unknown training data format %q for %q, expected .h5, .hdf5, .npz or a directory",
			ext, filePath)
	}
	ScaleImages(images)
	var labels []int
	if labelsTensor != nil {
		labels = make([]int, labelsTensor.Size())
		for ii, v := range labelsTensor.Flat() {
			labels[ii] = int(v)
		}
	}
	klog.V(1).Infof("loaded %q from %q: images %s", name, filePath, images.Shape())
	return InMemory(name, images, labels)
}

// Source is a train.Dataset of images that can be configured with the batch size and shuffling.
type Source interface {
	train.Dataset

	// NumExamples in one epoch.
	NumExamples() int

	// ImageShape is the shape of one image, `[height, width, channels]`.
	ImageShape() shapes.Shape

	// HasLabels returns whether batches carry labels.
	HasLabels() bool

	// SetBatchSize configures the number of examples per batch. If dropIncomplete is true, the
	// last batch of the epoch is dropped if it has fewer than batchSize examples.
	SetBatchSize(batchSize int, dropIncomplete bool)

	// Shuffle the order of the examples at every epoch, using the given seed.
	Shuffle(seed uint64)
}

// batcher generates the example indices of each batch.
type batcher struct {
	mu             sync.Mutex
	numExamples    int
	batchSize      int
	dropIncomplete bool
	rng            *rand.Rand
	order          []int
	next           int
}

func newBatcher(numExamples int) *batcher {
	b := &batcher{numExamples: numExamples, batchSize: 1, dropIncomplete: true}
	b.order = xslices.Iota(0, 1, numExamples)
	return b
}

// SetBatchSize implements Source.
func (b *batcher) SetBatchSize(batchSize int, dropIncomplete bool) {
	if batchSize < 1 {
		exceptions.Panicf("datasets: invalid batch size %d", batchSize)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.batchSize, b.dropIncomplete = batchSize, dropIncomplete
}

// Shuffle implements Source. It reshuffles immediately and at every Reset.
func (b *batcher) Shuffle(seed uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rng = rand.New(rand.NewPCG(seed, uint64(b.numExamples)))
	b.shuffleLocked()
}

func (b *batcher) shuffleLocked() {
	if b.rng == nil {
		return
	}
	b.rng.Shuffle(len(b.order), func(i, j int) {
		b.order[i], b.order[j] = b.order[j], b.order[i]
	})
}

// NumExamples implements Source.
func (b *batcher) NumExamples() int { return b.numExamples }

// reset starts a new epoch.
func (b *batcher) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next = 0
	b.shuffleLocked()
}

// nextIndices returns the indices of the examples of the next batch, or io.EOF at the end of the epoch.
func (b *batcher) nextIndices() ([]int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	remaining := b.numExamples - b.next
	if remaining <= 0 || (b.dropIncomplete && remaining < b.batchSize) {
		return nil, io.EOF
	}
	n := min(remaining, b.batchSize)
	indices := slices.Clone(b.order[b.next : b.next+n])
	b.next += n
	return indices, nil
}
