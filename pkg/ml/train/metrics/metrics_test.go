package metrics

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMeanMetric(t *testing.T) {
	m := NewMeanMetric("Mean Train BPD", "bpd", BitsPerDimMetricType, nil)
	assert.True(t, math.IsNaN(m.Read()))
	for _, v := range []float64{1, 2, 3, 6} {
		m.Update(v)
	}
	assert.Equal(t, 3.0, m.Read())
	assert.Equal(t, 4, m.Count())
	assert.Equal(t, "3.0000", m.PrettyPrint(m.Read()))
	m.Reset()
	assert.True(t, math.IsNaN(m.Read()))
	assert.Equal(t, 0, m.Count())
}

func TestMovingAverageMetric(t *testing.T) {
	m := NewExponentialMovingAverageMetric("Moving Average Train BPD", "~bpd", BitsPerDimMetricType,
		func(v float64) string { return "x" }, 0.5)
	m.Update(4)
	assert.Equal(t, 4.0, m.Read())
	m.Update(2)
	assert.Equal(t, 3.0, m.Read())
	m.Update(3)
	assert.Equal(t, 3.0, m.Read())
	assert.Equal(t, "x", m.PrettyPrint(m.Read()))
	assert.Equal(t, "~bpd", m.ShortName())
	m.Reset()
	assert.True(t, math.IsNaN(m.Read()))
}
