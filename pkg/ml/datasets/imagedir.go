// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package datasets

import (
	"image"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/gomlx/pixelcnn/pkg/core/shapes"
	"github.com/gomlx/pixelcnn/pkg/core/tensors/images"
	"github.com/gomlx/pixelcnn/pkg/ml/train"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ImageDirDataset yields batches of the image files in a directory, read when the batch is yielded.
//
// Each image is resized so its smallest side matches the target size, and then cropped at the center.
// Files are yielded in sorted order, unless shuffled.
type ImageDirDataset struct {
	*batcher
	name, dir     string
	files         []string
	labels        []int
	height, width int
}

var _ Source = (*ImageDirDataset)(nil)

var imageExtensions = []string{".png", ".jpg", ".jpeg"}

// FromImageDir lists the image files in dir, to be yielded as images of size height x width.
func FromImageDir(name, dir string, height, width int) (*ImageDirDataset, error) {
	if height < 1 || width < 1 {
		return nil, errors.Errorf("datasets.FromImageDir(%q): invalid image size %dx%d", dir, height, width)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to scan images in directory %q", dir)
	}
	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if !slices.Contains(imageExtensions, strings.ToLower(filepath.Ext(entry.Name()))) {
			klog.V(1).Infof("skipping non-image file %q", filepath.Join(dir, entry.Name()))
			continue
		}
		files = append(files, entry.Name())
	}
	if len(files) == 0 {
		return nil, errors.Errorf("datasets.FromImageDir(%q): no image files found", dir)
	}
	slices.Sort(files)
	return &ImageDirDataset{
		batcher: newBatcher(len(files)),
		name:    name,
		dir:     dir,
		files:   files,
		height:  height,
		width:   width,
	}, nil
}

// WithLabels sets the labels of the images, in the sorted order of the file names.
func (ds *ImageDirDataset) WithLabels(labels []int) error {
	if len(labels) != len(ds.files) {
		return errors.Errorf("datasets: %d labels given for %d images in %q", len(labels), len(ds.files), ds.dir)
	}
	ds.labels = slices.Clone(labels)
	return nil
}

// Name implements train.Dataset.
func (ds *ImageDirDataset) Name() string { return ds.name }

// ImageShape implements Source.
func (ds *ImageDirDataset) ImageShape() shapes.Shape { return shapes.Make(ds.height, ds.width, 3) }

// HasLabels implements Source.
func (ds *ImageDirDataset) HasLabels() bool { return ds.labels != nil }

// Reset implements train.Dataset.
func (ds *ImageDirDataset) Reset() { ds.reset() }

// Yield implements train.Dataset.
func (ds *ImageDirDataset) Yield() (*train.Batch, error) {
	indices, err := ds.nextIndices()
	if err != nil {
		return nil, err
	}
	imgs := make([]image.Image, len(indices))
	batch := &train.Batch{}
	if ds.labels != nil {
		batch.Labels = make([]int, len(indices))
	}
	for ii, idx := range indices {
		imgPath := filepath.Join(ds.dir, ds.files[idx])
		img, err := imaging.Open(imgPath)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read image #%d %q", idx, imgPath)
		}
		imgs[ii] = imaging.Fill(img, ds.width, ds.height, imaging.Center, imaging.Linear)
		if ds.labels != nil {
			batch.Labels[ii] = ds.labels[idx]
		}
	}
	batch.Images = images.ToTensor().Range(-1, 1).Batch(imgs)
	return batch, nil
}
