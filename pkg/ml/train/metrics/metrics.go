// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package metrics holds the running metrics tracked during training, updated one value at a time.
package metrics

import (
	"fmt"
	"math"
)

// Interface for a Metric.
type Interface interface {
	// Name of the metric.
	Name() string

	// ShortName is a shortened version of the name (preferably a few characters) to display in progress bars or
	// similar UIs.
	ShortName() string

	// MetricType is a key for metrics that share the same quantity or semantics. E.g.: "Mean-Train-BPD" and
	// "Moving-Average-Train-BPD" both have the "bpd" metric type, and are displayed on the same plot.
	MetricType() string

	// Update the metric with a new value.
	Update(value float64)

	// Read the current value of the metric. It's NaN if no value was seen yet.
	Read() float64

	// PrettyPrint is used to pretty-print a metric value, usually in a short form.
	PrettyPrint(value float64) string

	// Reset the metric, e.g. at the start of an epoch.
	Reset()
}

const (
	// BitsPerDimMetricType is the type of bits per dimension metrics.
	// Used to aggregate metrics of the same type in the same plot.
	BitsPerDimMetricType = "bpd"

	// DurationMetricType is the type of metrics measuring time, in seconds.
	DurationMetricType = "seconds"
)

// PrettyPrintFn is a function to convert a metric value to a string.
type PrettyPrintFn func(value float64) string

// baseMetric implements the naming part of Interface.
type baseMetric struct {
	name, shortName, metricType string
	pPrintFn                    PrettyPrintFn // if nil will display default.
}

func (m *baseMetric) Name() string       { return m.name }
func (m *baseMetric) ShortName() string  { return m.shortName }
func (m *baseMetric) MetricType() string { return m.metricType }

func (m *baseMetric) PrettyPrint(value float64) string {
	if m.pPrintFn != nil {
		return m.pPrintFn(value)
	}
	return fmt.Sprintf("%.4f", value)
}

// MeanMetric is the mean of all values since the last Reset.
type MeanMetric struct {
	baseMetric
	count int
	sum   float64
}

var _ Interface = (*MeanMetric)(nil)

// NewMeanMetric creates a mean metric. prettyPrintFn can be nil, and a default will be used.
func NewMeanMetric(name, shortName, metricType string, prettyPrintFn PrettyPrintFn) *MeanMetric {
	return &MeanMetric{baseMetric: baseMetric{name: name, shortName: shortName, metricType: metricType, pPrintFn: prettyPrintFn}}
}

// Update implements Interface.
func (m *MeanMetric) Update(value float64) {
	m.count++
	m.sum += value
}

// Read implements Interface.
func (m *MeanMetric) Read() float64 {
	if m.count == 0 {
		return math.NaN()
	}
	return m.sum / float64(m.count)
}

// Count returns the number of values seen since the last Reset.
func (m *MeanMetric) Count() int { return m.count }

// Reset implements Interface.
func (m *MeanMetric) Reset() {
	m.count, m.sum = 0, 0
}

// MovingAverageMetric is an exponential moving average of the values.
// The first value initializes the average, so there is no bias towards zero.
type MovingAverageMetric struct {
	baseMetric
	newExampleWeight float64
	value            float64
	seen             bool
}

var _ Interface = (*MovingAverageMetric)(nil)

// NewExponentialMovingAverageMetric creates a moving average metric where each new value has weight
// newExampleWeight (e.g. 0.01) in the average.
func NewExponentialMovingAverageMetric(name, shortName, metricType string, prettyPrintFn PrettyPrintFn,
	newExampleWeight float64) *MovingAverageMetric {
	return &MovingAverageMetric{
		baseMetric:       baseMetric{name: name, shortName: shortName, metricType: metricType, pPrintFn: prettyPrintFn},
		newExampleWeight: newExampleWeight,
	}
}

// Update implements Interface.
func (m *MovingAverageMetric) Update(value float64) {
	if !m.seen {
		m.value, m.seen = value, true
		return
	}
	m.value += m.newExampleWeight * (value - m.value)
}

// Read implements Interface.
func (m *MovingAverageMetric) Read() float64 {
	if !m.seen {
		return math.NaN()
	}
	return m.value
}

// Reset implements Interface.
func (m *MovingAverageMetric) Reset() {
	m.value, m.seen = 0, false
}
