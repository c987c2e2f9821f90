// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"math"
	"math/rand/v2"
	"slices"
)

// StreamingMedianMetric estimates the median of a stream of values, such as step durations, from a
// uniform reservoir sample of bounded size.
type StreamingMedianMetric struct {
	baseMetric
	maxNumSamples, samplesSeen int
	samples                    []float64
	rng                        *rand.Rand
}

var _ Interface = (*StreamingMedianMetric)(nil)

// NewMedianMetric creates a streaming median metric.
//
// `prettyPrintFn` can be left as nil, and a default will be used.
func NewMedianMetric(name, shortName, metricType string, prettyPrintFn PrettyPrintFn) *StreamingMedianMetric {
	return &StreamingMedianMetric{
		baseMetric: baseMetric{
			name:       name,
			shortName:  shortName,
			metricType: metricType,
			pPrintFn:   prettyPrintFn,
		},
		maxNumSamples: 10_001,
	}
}

// WithSampleSize sets the size of the reservoir. The default is 10_001.
func (m *StreamingMedianMetric) WithSampleSize(n int) *StreamingMedianMetric {
	m.maxNumSamples = n
	return m
}

// Update implements Interface. Once the reservoir is full, the i-th value seen replaces a random
// sample with probability maxNumSamples/i.
func (m *StreamingMedianMetric) Update(x float64) {
	if m.rng == nil {
		m.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	m.samplesSeen++
	if len(m.samples) < m.maxNumSamples {
		m.samples = append(m.samples, x)
		return
	}
	if j := m.rng.IntN(m.samplesSeen); j < m.maxNumSamples {
		m.samples[j] = x
	}
}

// Read implements Interface. It returns NaN if no values were seen, and the mean of the two middle
// samples for an even number of samples.
func (m *StreamingMedianMetric) Read() float64 {
	n := len(m.samples)
	if n == 0 {
		return math.NaN()
	}
	sorted := slices.Sorted(slices.Values(m.samples))
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// Reset implements Interface.
func (m *StreamingMedianMetric) Reset() {
	m.samples = m.samples[:0]
	m.samplesSeen = 0
}
