package artifacts

import (
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/pixelcnn/pkg/core/tensors"
	"github.com/gomlx/pixelcnn/pkg/core/tensors/numpy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteSamples(t *testing.T) {
	dir := t.TempDir()
	w := New(dir, "cifar", numpy.Float32)
	assert.Equal(t, filepath.Join(dir, "cifar_sample7.png"), w.TilePath(7))
	assert.Equal(t, filepath.Join(dir, "cifar_sample7.npz"), w.SamplesPath(7))
	assert.Equal(t, filepath.Join(dir, "test_bpd_cifar.npz"), w.TestBitsPerDimPath())

	samples := tensors.Zeros(4, 3, 3, 3)
	for ii := range samples.Flat() {
		samples.Flat()[ii] = float64(ii%7)/3 - 1
	}
	require.NoError(t, w.WriteSamples(7, samples))

	f, err := os.Open(w.TilePath(7))
	require.NoError(t, err)
	_, err = png.Decode(f)
	require.NoError(t, err)
	_ = f.Close()

	arrays, err := numpy.FromNpzFile(w.SamplesPath(7))
	require.NoError(t, err)
	require.Contains(t, arrays, SamplesKey)
	assert.Equal(t, []int{4, 3, 3, 3}, arrays[SamplesKey].Shape().Dimensions)
	assert.True(t, arrays[SamplesKey].InDelta(samples, 1e-6), "float32 round trip")

	require.Error(t, w.WriteSamples(8, tensors.Zeros(3, 3, 3)))
}

func TestTestBitsPerDim(t *testing.T) {
	dir := t.TempDir()
	w := New(dir, "cifar", numpy.Float32)
	require.NoError(t, w.LoadTestBitsPerDim(), "missing log is not an error")
	assert.Empty(t, w.TestBitsPerDim())
	require.NoError(t, w.AppendTestBitsPerDim(3.5))
	require.NoError(t, w.AppendTestBitsPerDim(3.25))

	arrays, err := numpy.FromNpzFile(w.TestBitsPerDimPath())
	require.NoError(t, err)
	assert.Equal(t, []float64{3.5, 3.25}, arrays[TestBitsPerDimKey].Flat())

	// A new writer continues the log.
	w2 := New(dir, "cifar", numpy.Float32)
	require.NoError(t, w2.LoadTestBitsPerDim())
	require.NoError(t, w2.AppendTestBitsPerDim(3.0))
	assert.Equal(t, []float64{3.5, 3.25, 3.0}, w2.TestBitsPerDim())
}
