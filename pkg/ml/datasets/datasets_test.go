package datasets

import (
	"image/color"
	"io"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/gomlx/pixelcnn/pkg/core/tensors"
	"github.com/gomlx/pixelcnn/pkg/core/tensors/numpy"
	"github.com/gomlx/pixelcnn/pkg/ml/train"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// numberedImages returns n 1x1 single channel images, where image i has value i.
func numberedImages(n int) *tensors.Tensor {
	images := tensors.Zeros(n, 1, 1, 1)
	for ii := range n {
		images.Flat()[ii] = float64(ii)
	}
	return images
}

func yieldAll(t *testing.T, ds train.Dataset) (values [][]float64, labels [][]int) {
	for {
		batch, err := ds.Yield()
		if err == io.EOF {
			return
		}
		require.NoError(t, err)
		values = append(values, append([]float64(nil), batch.Images.Flat()...))
		labels = append(labels, batch.Labels)
	}
}

func TestScaleImages(t *testing.T) {
	images := tensors.FromFlatDataAndDimensions([]float64{0, 127.5, 255}, 1, 1, 3, 1)
	ScaleImages(images)
	assert.Equal(t, []float64{-1, 0, 1}, images.Flat())
}

func TestInMemory(t *testing.T) {
	ds, err := InMemory("numbers", numberedImages(7), []int{0, 1, 2, 3, 4, 5, 6})
	require.NoError(t, err)
	assert.Equal(t, 7, ds.NumExamples())
	assert.Equal(t, []int{1, 1, 1}, ds.ImageShape().Dimensions)
	assert.True(t, ds.HasLabels())

	ds.SetBatchSize(3, true)
	values, labels := yieldAll(t, ds)
	assert.Equal(t, [][]float64{{0, 1, 2}, {3, 4, 5}}, values)
	assert.Equal(t, [][]int{{0, 1, 2}, {3, 4, 5}}, labels)

	// Keeps returning io.EOF until reset.
	_, err = ds.Yield()
	assert.Equal(t, io.EOF, err)
	ds.Reset()
	ds.SetBatchSize(3, false)
	values, _ = yieldAll(t, ds)
	assert.Equal(t, [][]float64{{0, 1, 2}, {3, 4, 5}, {6}}, values)

	_, err = InMemory("bad", numberedImages(3), []int{0})
	require.Error(t, err)
	_, err = InMemory("bad", tensors.Zeros(3, 2), nil)
	require.Error(t, err)
}

func TestInMemoryShuffle(t *testing.T) {
	ds, err := InMemory("numbers", numberedImages(20), nil)
	require.NoError(t, err)
	ds.SetBatchSize(20, true)
	ds.Shuffle(42)
	epoch0, _ := yieldAll(t, ds)
	ds.Reset()
	epoch1, _ := yieldAll(t, ds)
	require.Len(t, epoch0, 1)
	require.Len(t, epoch1, 1)
	assert.NotEqual(t, epoch0[0], epoch1[0])
	assert.ElementsMatch(t, numberedImages(20).Flat(), epoch0[0])
	assert.ElementsMatch(t, numberedImages(20).Flat(), epoch1[0])

	// Same seed, same order.
	ds2, err := InMemory("numbers", numberedImages(20), nil)
	require.NoError(t, err)
	ds2.SetBatchSize(20, true)
	ds2.Shuffle(42)
	again, _ := yieldAll(t, ds2)
	assert.Equal(t, epoch0, again)
}

func TestPrefetch(t *testing.T) {
	base, err := InMemory("numbers", numberedImages(10), nil)
	require.NoError(t, err)
	base.SetBatchSize(2, true)
	ds := Prefetch(base, 3)
	assert.Equal(t, "numbers", ds.Name())

	want := [][]float64{{0, 1}, {2, 3}, {4, 5}, {6, 7}, {8, 9}}
	for range 2 {
		values, _ := yieldAll(t, ds)
		assert.Equal(t, want, values)
		ds.Reset()
	}

	// Reset in the middle of an epoch restarts from the beginning.
	batch, err := ds.Yield()
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 1}, batch.Images.Flat())
	ds.Reset()
	values, _ := yieldAll(t, ds)
	assert.Equal(t, want, values)
	ds.Close()
}

func TestLoadNpz(t *testing.T) {
	dir := t.TempDir()
	filePath := filepath.Join(dir, "train.npz")
	images := tensors.FromFlatDataAndDimensions([]float64{0, 255, 127.5, 255}, 4, 1, 1, 1)
	labels := tensors.FromFlatDataAndDimensions([]float64{3, 1, 2, 0}, 4)
	require.NoError(t, numpy.ToNpzFile(map[string]*tensors.Tensor{"images": images, "labels": labels}, numpy.Float32, filePath))

	ds, err := Load("toy", filePath, LoadConfig{ImagesKey: "images", LabelsKey: "labels"})
	require.NoError(t, err)
	ds.SetBatchSize(4, true)
	batch, err := ds.Yield()
	require.NoError(t, err)
	assert.Equal(t, []float64{-1, 1, 0, 1}, batch.Images.Flat())
	assert.Equal(t, []int{3, 1, 2, 0}, batch.Labels)

	_, err = Load("toy", filePath, LoadConfig{ImagesKey: "features"})
	require.Error(t, err)
	_, err = Load("toy", filepath.Join(dir, "train.csv"), LoadConfig{})
	require.Error(t, err)
}

func TestImageDir(t *testing.T) {
	dir := t.TempDir()
	for ii, gray := range []uint8{0, 255, 0} {
		img := imaging.New(8, 4, color.NRGBA{R: gray, G: gray, B: gray, A: 255})
		require.NoError(t, imaging.Save(img, filepath.Join(dir, []string{"b.png", "a.png", "c.png"}[ii])))
	}
	ds, err := FromImageDir("flowers", dir, 2, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, ds.NumExamples())
	assert.Equal(t, []int{2, 2, 3}, ds.ImageShape().Dimensions)
	require.Error(t, ds.WithLabels([]int{0}))
	require.NoError(t, ds.WithLabels([]int{5, 6, 7}))

	ds.SetBatchSize(2, true)
	batch, err := ds.Yield()
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2, 2, 3}, batch.Images.Shape().Dimensions)
	assert.Equal(t, []int{5, 6}, batch.Labels)
	// Sorted by name: "a.png" is white, "b.png" is black.
	assert.InDelta(t, 1.0, batch.Images.At(0, 0, 0, 0), 1e-6)
	assert.InDelta(t, -1.0, batch.Images.At(1, 1, 1, 2), 1e-6)
	_, err = ds.Yield()
	assert.Equal(t, io.EOF, err)

	_, err = FromImageDir("empty", t.TempDir(), 2, 2)
	require.Error(t, err)
}

func TestLabelsFromValues(t *testing.T) {
	labels, err := labelsFromValues([]any{uint8(1), int32(7), float64(3)})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 7, 3}, labels)
	_, err = labelsFromValues([]any{"x"})
	require.Error(t, err)
}
