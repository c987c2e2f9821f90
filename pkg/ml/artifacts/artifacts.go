// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package artifacts writes the outputs of a training run besides the checkpoints: the generated samples,
// as a tiled image and as a NumPy archive, and the log of test bits per dimension.
package artifacts

import (
	"fmt"
	"image/color"
	"io"
	"path/filepath"

	"github.com/gomlx/pixelcnn/pkg/core/tensors"
	"github.com/gomlx/pixelcnn/pkg/core/tensors/images"
	"github.com/gomlx/pixelcnn/pkg/core/tensors/numpy"
	"github.com/gomlx/pixelcnn/pkg/support/fsutil"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// MaxTiledImages is the maximum number of samples included in the tiled image.
	MaxTiledImages = 100

	// SamplesKey is the name of the samples array in the samples archive, the default name used by `np.savez`.
	SamplesKey = "arr_0"

	// TestBitsPerDimKey is the name of the array in the test bits per dimension archive.
	TestBitsPerDimKey = "test_bpd"

	// PlotInches is the size of the larger side of the tiled image figure.
	PlotInches = 8.0
)

// Writer writes the artifacts of the run `name` in a directory.
type Writer struct {
	dir, name   string
	sampleDType numpy.DType
	testBPD     []float64
}

// New creates a Writer for the run `name`, writing to dir. Samples are stored with sampleDType.
func New(dir, name string, sampleDType numpy.DType) *Writer {
	return &Writer{dir: dir, name: name, sampleDType: sampleDType}
}

// TilePath returns the path of the tiled samples image of the given epoch.
func (w *Writer) TilePath(epoch int) string {
	return filepath.Join(w.dir, fmt.Sprintf("%s_sample%d.png", w.name, epoch))
}

// SamplesPath returns the path of the samples archive of the given epoch.
func (w *Writer) SamplesPath(epoch int) string {
	return filepath.Join(w.dir, fmt.Sprintf("%s_sample%d.npz", w.name, epoch))
}

// TestBitsPerDimPath returns the path of the test bits per dimension archive.
func (w *Writer) TestBitsPerDimPath() string {
	return filepath.Join(w.dir, fmt.Sprintf("test_bpd_%s.npz", w.name))
}

// WriteSamples writes the samples, shaped [N, height, width, channels] with values in [-1, 1],
// as a tiled image of (up to) the first MaxTiledImages samples, and as a NumPy archive.
func (w *Writer) WriteSamples(epoch int, samples *tensors.Tensor) error {
	if samples.Rank() != 4 {
		return errors.Errorf("artifacts: samples must be shaped [N, height, width, channels], got %s", samples.Shape())
	}
	imgs := images.ToImage().Stretch().Batch(samples)
	tile := images.Tile(imgs).MaxImages(MaxTiledImages).AspectRatio(1.0).Border(1, color.White).Done()
	tilePath := w.TilePath(epoch)
	if err := images.SavePlot(tile, w.name+" samples", PlotInches, tilePath); err != nil {
		return err
	}

	samplesPath := w.SamplesPath(epoch)
	err := fsutil.WriteFileAtomic(samplesPath, 0644, func(out io.Writer) error {
		return numpy.ToNpzWriter(map[string]*tensors.Tensor{SamplesKey: samples}, w.sampleDType, out)
	})
	if err != nil {
		return errors.WithMessagef(err, "artifacts: saving samples of epoch %d", epoch)
	}
	klog.V(1).Infof("saved %d samples to %q and %q", samples.Shape().Dimensions[0], tilePath, samplesPath)
	return nil
}

// AppendTestBitsPerDim appends a new value to the log of test bits per dimension, and rewrites its archive.
func (w *Writer) AppendTestBitsPerDim(bpd float64) error {
	w.testBPD = append(w.testBPD, bpd)
	t := tensors.FromFlatDataAndDimensions(append([]float64(nil), w.testBPD...), len(w.testBPD))
	err := fsutil.WriteFileAtomic(w.TestBitsPerDimPath(), 0644, func(out io.Writer) error {
		return numpy.ToNpzWriter(map[string]*tensors.Tensor{TestBitsPerDimKey: t}, numpy.Float64, out)
	})
	return errors.WithMessagef(err, "artifacts: saving test bits per dimension")
}

// TestBitsPerDim returns the log of test bits per dimension values.
func (w *Writer) TestBitsPerDim() []float64 {
	return w.testBPD
}

// LoadTestBitsPerDim loads a previously saved log of test bits per dimension, so a restored run continues it.
// It's a no-op if the archive doesn't exist.
func (w *Writer) LoadTestBitsPerDim() error {
	filePath := w.TestBitsPerDimPath()
	exists, err := fsutil.FileExists(filePath)
	if err != nil || !exists {
		return err
	}
	arrays, err := numpy.FromNpzFile(filePath)
	if err != nil {
		return err
	}
	t, found := arrays[TestBitsPerDimKey]
	if !found {
		return errors.Errorf("artifacts: %q has no %q array", filePath, TestBitsPerDimKey)
	}
	w.testBPD = append([]float64(nil), t.Flat()...)
	return nil
}
