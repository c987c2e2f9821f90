// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package images

import (
	"image"
	"image/color"
	"math"

	"github.com/disintegration/imaging"
	"github.com/gomlx/exceptions"
)

// TileConfig holds the configuration returned by Tile. Use Done to assemble the grid.
type TileConfig struct {
	images      []image.Image
	aspectRatio float64
	border      int
	borderColor color.Color
	maxImages   int
}

// Tile creates a grid of the given images, all expected to have the same size.
//
// The grid shape is chosen such that rows/columns approximates the aspect ratio (default 1.0),
// accounting for the aspect ratio of the images themselves.
func Tile(images []image.Image) *TileConfig {
	return &TileConfig{
		images:      images,
		aspectRatio: 1.0,
		border:      1,
		borderColor: color.White,
	}
}

// AspectRatio of the grid (height/width in number of images). Default is 1.
func (tc *TileConfig) AspectRatio(ratio float64) *TileConfig {
	tc.aspectRatio = ratio
	return tc
}

// Border sets the number of pixels between images and their color. Default is 1 white pixel.
func (tc *TileConfig) Border(size int, c color.Color) *TileConfig {
	tc.border = size
	tc.borderColor = c
	return tc
}

// MaxImages limits the number of images used in the grid. 0 means no limit.
func (tc *TileConfig) MaxImages(n int) *TileConfig {
	tc.maxImages = n
	return tc
}

// GridShape returns the number of rows and columns of the grid that will be used.
func (tc *TileConfig) GridShape() (rows, cols int) {
	n := tc.numImages()
	if n == 0 {
		return 0, 0
	}
	size := tc.images[0].Bounds().Size()
	ratio := tc.aspectRatio * float64(size.X) / float64(size.Y)
	rows = int(math.Ceil(math.Sqrt(float64(n) * ratio)))
	cols = int(math.Ceil(math.Sqrt(float64(n) / ratio)))
	return
}

func (tc *TileConfig) numImages() int {
	n := len(tc.images)
	if tc.maxImages > 0 && n > tc.maxImages {
		n = tc.maxImages
	}
	return n
}

// Done assembles the grid image. Unused cells are filled with the border color.
func (tc *TileConfig) Done() *image.NRGBA {
	n := tc.numImages()
	if n == 0 {
		exceptions.Panicf("images.Tile() requires at least one image")
	}
	size := tc.images[0].Bounds().Size()
	rows, cols := tc.GridShape()
	width := (size.X+tc.border)*cols - tc.border
	height := (size.Y+tc.border)*rows - tc.border
	grid := imaging.New(width, height, tc.borderColor)
	for idx := range n {
		img := tc.images[idx]
		if !img.Bounds().Size().Eq(size) {
			exceptions.Panicf("images.Tile(): image[%d] has size %s, but image[0] has size %s", idx, img.Bounds().Size(), size)
		}
		row, col := idx/cols, idx%cols
		pos := image.Pt(col*(size.X+tc.border), row*(size.Y+tc.border))
		grid = imaging.Paste(grid, img, pos)
	}
	return grid
}
