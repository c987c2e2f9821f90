// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package plots records the metrics collected during training, saves them as JSON lines so a resumed
// run can continue them, and renders them as an SVG plot.
package plots

import (
	"encoding/json"
	"io"
	"iter"
	"math"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/gomlx/pixelcnn/pkg/support/sets"
	"github.com/gomlx/pixelcnn/pkg/support/xslices"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Point is one value of a metric at the end of an epoch. Points are saved one JSON object per line.
type Point struct {
	MetricName string

	// Short name, used in narrow tables.
	Short string

	// MetricType groups comparable metrics (e.g. "bpd") in the same plot.
	MetricType string

	Epoch int
	Value float64
}

// Valid returns whether the point value is finite.
func (p Point) Valid() bool {
	return !math.IsNaN(p.Value) && !math.IsInf(p.Value, 0)
}

// LoadPoints reads the points saved in filePath by a points writer.
func LoadPoints(filePath string) ([]Point, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open points file %q", filePath)
	}
	defer func() { _ = f.Close() }()

	var points []Point
	dec := json.NewDecoder(f)
	for {
		var p Point
		if err := dec.Decode(&p); err != nil {
			if err == io.EOF {
				return points, nil
			}
			return nil, errors.Wrapf(err, "failed to decode point #%d of %q", len(points), filePath)
		}
		points = append(points, p)
	}
}

// CreatePointsWriter starts a goroutine that appends the points sent to pointWriter to filePath.
//
// Closing pointWriter flushes and closes the file, and the first error encountered (or nil) is then
// sent to errReport. After an error the remaining points are discarded.
func CreatePointsWriter(filePath string) (pointWriter chan<- Point, errReport <-chan error) {
	points := make(chan Point, 16)
	errs := make(chan error, 1)
	go func() {
		var err error
		defer func() { errs <- err }()
		f, openErr := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0664)
		if openErr != nil {
			err = errors.Wrapf(openErr, "failed to open points file %q", filePath)
			klog.Errorf("plots: %v", err)
			for range points {
			}
			return
		}
		enc := json.NewEncoder(f)
		for p := range points {
			if err != nil {
				continue
			}
			if err = enc.Encode(p); err != nil {
				err = errors.Wrapf(err, "failed to write point %+v to %q", p, filePath)
				klog.Errorf("plots: %v", err)
			}
		}
		if closeErr := f.Close(); err == nil && closeErr != nil {
			err = errors.Wrapf(closeErr, "failed to close points file %q", filePath)
		}
	}()
	return points, errs
}

// Points groups points by epoch.
type Points map[int][]Point

// NewPoints groups the given points by epoch, keeping their relative order.
func NewPoints(rawPoints []Point) Points {
	points := make(Points)
	for _, p := range rawPoints {
		points[p.Epoch] = append(points[p.Epoch], p)
	}
	return points
}

// All iterates over the points in epoch order.
func (points Points) All() iter.Seq[Point] {
	return func(yield func(Point) bool) {
		for _, epoch := range xslices.SortedKeys(points) {
			for _, p := range points[epoch] {
				if !yield(p) {
					return
				}
			}
		}
	}
}

// Extract returns the points as a flat list, in epoch order.
func (points Points) Extract() []Point {
	return slices.Collect(points.All())
}

// MetricsNames returns the names of the metrics present, sorted by metric type and then by name.
func (points Points) MetricsNames() []string {
	names := sets.Make[string]()
	metricType := make(map[string]string)
	for p := range points.All() {
		names.Insert(p.MetricName)
		metricType[p.MetricName] = p.MetricType
	}
	sorted := sets.Sorted(names)
	slices.SortStableFunc(sorted, func(a, b string) int {
		return strings.Compare(metricType[a], metricType[b])
	})
	return sorted
}

// TableForMetrics renders a table with one row per epoch and one column per metric.
// If no metrics are given, all of them are included.
func (points Points) TableForMetrics(metrics ...string) string {
	if len(metrics) == 0 {
		metrics = points.MetricsNames()
	}
	cellStyle := lipgloss.NewStyle().Padding(0, 1)
	headerStyle := cellStyle.Bold(true).Reverse(true)
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row < 0 {
				return headerStyle
			}
			return cellStyle
		}).
		Headers(append([]string{"Epoch"}, metrics...)...)
	for _, epoch := range xslices.SortedKeys(points) {
		row := make([]string, 1+len(metrics))
		row[0] = strconv.Itoa(epoch)
		for _, p := range points[epoch] {
			if col := slices.Index(metrics, p.MetricName); col >= 0 {
				row[col+1] = strconv.FormatFloat(p.Value, 'f', 4, 64)
			}
		}
		table.Row(row...)
	}
	return table.String()
}

// String implements fmt.Stringer with a table of all metrics.
func (points Points) String() string {
	return points.TableForMetrics()
}
