package plots

import (
	"bytes"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPointsWriter(t *testing.T) {
	filePath := filepath.Join(t.TempDir(), "points.json")
	writer, errReport := CreatePointsWriter(filePath)
	writer <- Point{MetricName: "Train", Short: "T", MetricType: "bpd", Epoch: 10, Value: 3.5}
	writer <- Point{MetricName: "Test", Short: "E", MetricType: "bpd", Epoch: 10, Value: 3.6}
	close(writer)
	require.NoError(t, <-errReport)

	points, err := LoadPoints(filePath)
	require.NoError(t, err)
	require.Len(t, points, 2)
	assert.Equal(t, "Test", points[1].MetricName)
	assert.Equal(t, 3.6, points[1].Value)

	_, err = LoadPoints(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestPoints(t *testing.T) {
	points := NewPoints([]Point{
		{MetricName: "b", MetricType: "bpd", Epoch: 20, Value: 2},
		{MetricName: "a", MetricType: "bpd", Epoch: 10, Value: 1},
		{MetricName: "d", MetricType: "alpha", Epoch: 10, Value: 4},
	})
	extracted := points.Extract()
	require.Len(t, extracted, 3)
	assert.Equal(t, 10, extracted[0].Epoch)
	assert.Equal(t, 20, extracted[2].Epoch)
	assert.Equal(t, []string{"d", "a", "b"}, points.MetricsNames())
	table := points.String()
	assert.Contains(t, table, "Epoch")
	assert.Contains(t, table, "2.0000")
}

func TestRecorder(t *testing.T) {
	dir := t.TempDir()
	pointsPath, svgPath := filepath.Join(dir, "points.json"), filepath.Join(dir, "plot.svg")
	r, err := NewRecorder(pointsPath, svgPath)
	require.NoError(t, err)
	r.AddPoint(Point{MetricName: "Train", MetricType: "bpd", Epoch: 1, Value: 4})
	r.AddPoint(Point{MetricName: "Train", MetricType: "bpd", Epoch: 2, Value: math.NaN()})
	r.AddPoint(Point{MetricName: "Train", MetricType: "bpd", Epoch: 3, Value: 3})
	r.AddPoint(Point{MetricName: "Test", MetricType: "bpd", Epoch: 3, Value: 3.2})
	assert.Len(t, r.Points(), 3, "NaN values are dropped")
	require.NoError(t, r.WriteSVG())
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	svg, err := os.ReadFile(svgPath)
	require.NoError(t, err)
	assert.Contains(t, string(svg), "<svg")

	// A new recorder continues from the saved points.
	r, err = NewRecorder(pointsPath, "")
	require.NoError(t, err)
	assert.Len(t, r.Points(), 3)
	require.NoError(t, r.WriteSVG())
	require.NoError(t, r.Close())

	require.NoError(t, RemoveFiles(pointsPath, svgPath))
	require.NoError(t, RemoveFiles(pointsPath, svgPath))
	_, err = os.Stat(pointsPath)
	assert.True(t, os.IsNotExist(err))
}

func TestRenderSVGEmpty(t *testing.T) {
	var buf bytes.Buffer
	err := RenderSVG(&buf, []Point{{MetricType: "seconds", Value: 1}}, "bpd", DefaultWidth, DefaultHeight)
	assert.Error(t, err)
}
