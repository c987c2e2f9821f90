package images

import (
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/pixelcnn/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testImage() *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, 3, 2))
	copy(img.Pix, []uint8{
		1, 1, 1, 255,
		3, 3, 3, 255,
		5, 5, 5, 255,
		10, 10, 10, 255,
		30, 30, 30, 255,
		50, 50, 50, 255})
	return img
}

func TestTensorToFromImage(t *testing.T) {
	img := testImage()
	tensor := ToTensor().WithAlpha().Single(img)
	require.Equal(t, []int{2, 3, 4}, tensor.Shape().Dimensions)
	assert.InDelta(t, 30.0, tensor.At(1, 1, 0), 1e-9)
	converted := ToImage().Single(tensor)
	require.Equal(t, img.Bounds(), converted.Bounds())
	for y := range 2 {
		for x := range 3 {
			require.Equal(t, img.At(x, y), converted.At(x, y))
		}
	}

	// Round trip through the [-1, 1] range used by the models.
	scaled := ToTensor().Range(-1, 1).Batch([]image.Image{img, img})
	require.Equal(t, []int{2, 2, 3, 3}, scaled.Shape().Dimensions)
	back := ToImage().Range(-1, 1).Batch(scaled)
	require.Len(t, back, 2)
	assert.Equal(t, img.At(2, 1), back[1].At(2, 1))
}

func TestStretchAndGray(t *testing.T) {
	gray := tensors.FromFlatDataAndDimensions([]float64{-0.5, 0, 0.5, 1.5}, 1, 2, 2, 1)
	img := ToImage().Stretch().Batch(gray)[0].(*image.NRGBA)
	assert.Equal(t, color.NRGBA{0, 0, 0, 255}, img.NRGBAAt(0, 0))
	assert.Equal(t, color.NRGBA{255, 255, 255, 255}, img.NRGBAAt(1, 1))

	require.Panics(t, func() { ToImage().Batch(tensors.Zeros(1, 2, 2, 2)) })
}

func TestTile(t *testing.T) {
	imgs := make([]image.Image, 5)
	for ii := range imgs {
		imgs[ii] = testImage()
	}
	tc := Tile(imgs).Border(1, color.White)
	rows, cols := tc.GridShape()
	// n=5, aspect ratio 1.0 * 3/2: rows=ceil(sqrt(7.5))=3, cols=ceil(sqrt(3.33))=2
	assert.Equal(t, 3, rows)
	assert.Equal(t, 2, cols)
	grid := tc.Done()
	assert.Equal(t, image.Rect(0, 0, 2*4-1, 3*3-1), grid.Bounds())
	// Border pixel between first two images.
	assert.Equal(t, color.NRGBA{255, 255, 255, 255}, grid.NRGBAAt(3, 0))
	// First pixel of the second image.
	assert.Equal(t, color.NRGBA{1, 1, 1, 255}, grid.NRGBAAt(4, 0))
	// Unused 6th cell is filled with the border color.
	assert.Equal(t, color.NRGBA{255, 255, 255, 255}, grid.NRGBAAt(4, 6))

	rows, cols = Tile(imgs).MaxImages(1).GridShape()
	assert.Equal(t, 2, rows)
	assert.Equal(t, 1, cols)
}

func TestSavePlot(t *testing.T) {
	filePath := filepath.Join(t.TempDir(), "samples.png")
	require.NoError(t, SavePlot(Tile([]image.Image{testImage(), testImage()}).Done(), "test samples", 2, filePath))
	info, err := os.Stat(filePath)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))
}
