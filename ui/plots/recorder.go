// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package plots

import (
	"io"
	"os"
	"sync"

	"github.com/gomlx/pixelcnn/pkg/ml/train"
	"github.com/gomlx/pixelcnn/pkg/ml/train/metrics"
	"github.com/gomlx/pixelcnn/pkg/support/fsutil"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Default size of the rendered plots.
const (
	DefaultWidth  = 1024
	DefaultHeight = 400
)

// Recorder collects plot points during training, appends them to a JSON lines file, and renders
// the bits per dimension plot as an SVG file.
//
// Points previously saved in the points file are loaded, so a restored training continues its plot.
type Recorder struct {
	pointsPath, svgPath string
	Width, Height       int

	mu        sync.Mutex
	points    []Point
	writer    chan<- Point
	errReport <-chan error
}

// NewRecorder creates a Recorder that saves points to pointsPath and renders them to svgPath.
// If svgPath is empty, no plot is rendered.
func NewRecorder(pointsPath, svgPath string) (*Recorder, error) {
	r := &Recorder{pointsPath: pointsPath, svgPath: svgPath, Width: DefaultWidth, Height: DefaultHeight}
	exists, err := fsutil.FileExists(pointsPath)
	if err != nil {
		return nil, err
	}
	if exists {
		points, err := LoadPoints(pointsPath)
		if err != nil {
			return nil, err
		}
		r.points = points
		klog.V(1).Infof("loaded %d plot points from %q", len(points), pointsPath)
	}
	r.writer, r.errReport = CreatePointsWriter(pointsPath)
	return r, nil
}

// AddPoint records a point. Points with NaN or infinite values are ignored.
func (r *Recorder) AddPoint(point Point) {
	if !point.Valid() {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.writer == nil {
		return
	}
	r.points = append(r.points, point)
	r.writer <- point
}

// Points returns a copy of the points recorded so far, including the ones loaded.
func (r *Recorder) Points() []Point {
	r.mu.Lock()
	defer r.mu.Unlock()
	points := make([]Point, len(r.points))
	copy(points, r.points)
	return points
}

// WriteSVG renders the bits per dimension points to the SVG file.
func (r *Recorder) WriteSVG() error {
	if r.svgPath == "" {
		return nil
	}
	points := r.Points()
	return fsutil.WriteFileAtomic(r.svgPath, 0644, func(w io.Writer) error {
		return RenderSVG(w, points, metrics.BitsPerDimMetricType, r.Width, r.Height)
	})
}

// Close stops recording and returns any error that happened while saving the points.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if r.writer == nil {
		r.mu.Unlock()
		return nil
	}
	close(r.writer)
	r.writer = nil
	r.mu.Unlock()
	return <-r.errReport
}

// Attach the recorder to the loop: the mean training bits per dimension of each epoch is recorded,
// and at the end of the loop the plot is rendered and the recorder closed.
func (r *Recorder) Attach(loop *train.Loop) {
	loop.OnEpoch("plots.Recorder", 100, func(loop *train.Loop, stats train.EpochStats) error {
		r.AddPoint(Point{
			MetricName: "Train: " + loop.TrainBitsPerDim.Name(),
			Short:      "T/" + loop.TrainBitsPerDim.ShortName(),
			MetricType: loop.TrainBitsPerDim.MetricType(),
			Epoch:      stats.Epoch,
			Value:      stats.TrainBitsPerDim,
		})
		return nil
	})
	loop.OnEnd("plots.Recorder", 100, func(_ *train.Loop) error {
		if len(r.Points()) > 0 {
			if err := r.WriteSVG(); err != nil {
				return err
			}
		}
		return r.Close()
	})
}

// RemoveFiles removes the points and SVG files, if they exist. Used to start a fresh plot.
func RemoveFiles(pointsPath, svgPath string) error {
	for _, p := range []string{pointsPath, svgPath} {
		if p == "" {
			continue
		}
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "failed to remove %q", p)
		}
	}
	return nil
}
