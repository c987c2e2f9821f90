// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package images provides several functions to transform images back and
// forth from tensors, and to tile a batch of images into a single picture.
//
// Image tensors are always "channels last": `[batch_size, height, width, channels]`
// or `[height, width, channels]` for a single image.
package images

import (
	"image"
	"image/color"
	"math"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/pixelcnn/pkg/core/shapes"
	"github.com/gomlx/pixelcnn/pkg/core/tensors"
)

// ToTensorConfig holds the configuration returned by the ToTensor function. Once
// configured, use Single or Batch to actually convert.
type ToTensorConfig struct {
	channels           int
	minValue, maxValue float64
}

// ToTensor converts an image (or batch) to a tensor.
//
// By default, it uses 3 channels (RGB) and maps each channel to the range [0, 255].
// It returns a configuration object that can be further configured. Once set, use Single or Batch
// methods to convert an image or a batch of images.
func ToTensor() *ToTensorConfig {
	return &ToTensorConfig{
		channels: 3,
		maxValue: 255.0,
	}
}

// WithAlpha configures the conversion to include the alpha channel, so the converted tensor will have 4 channels.
func (tt *ToTensorConfig) WithAlpha() *ToTensorConfig {
	tt.channels = 4
	return tt
}

// Gray configures the conversion to use a single luminance channel.
func (tt *ToTensorConfig) Gray() *ToTensorConfig {
	tt.channels = 1
	return tt
}

// Range sets the values that the darkest and brightest channel values are mapped to. Default is [0, 255].
func (tt *ToTensorConfig) Range(minValue, maxValue float64) *ToTensorConfig {
	tt.minValue, tt.maxValue = minValue, maxValue
	return tt
}

// Single converts the given img to a tensor shaped `[height, width, channels]`.
func (tt *ToTensorConfig) Single(img image.Image) *tensors.Tensor {
	t := tt.Batch([]image.Image{img})
	return t.Reshape(t.Shape().Dimensions[1:]...)
}

// Batch converts the given images to a tensor shaped `[batch_size, height, width, channels]`.
//
// It panics if the images don't all have the same size.
func (tt *ToTensorConfig) Batch(images []image.Image) *tensors.Tensor {
	if len(images) == 0 {
		exceptions.Panicf("images.ToTensor().Batch() requires at least one image")
	}
	imgSize := images[0].Bounds().Size()
	t := tensors.FromShape(shapes.Make(len(images), imgSize.Y, imgSize.X, tt.channels))
	flat := t.Flat()
	scale := (tt.maxValue - tt.minValue) / float64(0xFFFF)
	convert := func(val uint32) float64 {
		// color.RGBA() returns 16 bits values packaged in uint32.
		return tt.minValue + float64(val)*scale
	}
	pos := 0
	for imgIdx, img := range images {
		if !img.Bounds().Size().Eq(imgSize) {
			exceptions.Panicf("image[%d] has size %s, but image[0] has size %s -- they must all be the same",
				imgIdx, img.Bounds().Size(), imgSize)
		}
		minPt := img.Bounds().Min
		for y := 0; y < imgSize.Y; y++ {
			for x := 0; x < imgSize.X; x++ {
				c := img.At(minPt.X+x, minPt.Y+y)
				switch tt.channels {
				case 1:
					g, _, _, _ := color.Gray16Model.Convert(c).RGBA()
					flat[pos] = convert(g)
					pos++
				default:
					r, g, b, a := c.RGBA()
					rgba := [4]uint32{r, g, b, a}
					for _, channel := range rgba[:tt.channels] {
						flat[pos] = convert(channel)
						pos++
					}
				}
			}
		}
	}
	return t
}

// ToImageConfig holds the configuration returned by the ToImage function. Once
// configured, use Single or Batch to actually convert a tensor to image(s).
type ToImageConfig struct {
	minValue, maxValue float64
	stretch            bool
}

// ToImage returns a configuration that can be used to convert tensors to images.
// By default, values are expected in the range [0, 255].
//
// It supports tensors with 1 (gray), 3 (RGB) or 4 (RGBA) channels, and it always returns `*image.NRGBA` images.
func ToImage() *ToImageConfig {
	return &ToImageConfig{maxValue: 255}
}

// Range sets the values mapped to the darkest and brightest colors. Values outside are clipped.
func (ti *ToImageConfig) Range(minValue, maxValue float64) *ToImageConfig {
	ti.minValue, ti.maxValue = minValue, maxValue
	ti.stretch = false
	return ti
}

// Stretch maps the minimum value of the tensor to black and the maximum value to white, ignoring Range.
func (ti *ToImageConfig) Stretch() *ToImageConfig {
	ti.stretch = true
	return ti
}

// Single converts the given 3D tensor shaped as `[height, width, channels]` to an image.
func (ti *ToImageConfig) Single(t *tensors.Tensor) image.Image {
	if t.Rank() != 3 {
		exceptions.Panicf("images.ToImage().Single() requires a rank-3 tensor, got shape %s", t.Shape())
	}
	return ti.Batch(t.Reshape(append([]int{1}, t.Shape().Dimensions...)...))[0]
}

// Batch converts the given 4D tensor shaped as `[batch_size, height, width, channels]` to images.
func (ti *ToImageConfig) Batch(t *tensors.Tensor) []image.Image {
	if t.Rank() != 4 {
		exceptions.Panicf("images.ToImage().Batch() requires a rank-4 tensor, got shape %s", t.Shape())
	}
	dims := t.Shape().Dimensions
	numImages, height, width, channels := dims[0], dims[1], dims[2], dims[3]
	if channels != 1 && channels != 3 && channels != 4 {
		exceptions.Panicf("images.ToImage() invalid tensor shape %s, with %d channels: only 1, 3 or 4 channels are supported",
			t.Shape(), channels)
	}
	minValue, maxValue := ti.minValue, ti.maxValue
	flat := t.Flat()
	if ti.stretch {
		minValue, maxValue = math.Inf(1), math.Inf(-1)
		for _, v := range flat {
			minValue = math.Min(minValue, v)
			maxValue = math.Max(maxValue, v)
		}
	}
	valueRange := maxValue - minValue
	if valueRange <= 0 {
		valueRange = 1
	}
	toUint8 := func(v float64) uint8 {
		v = math.Round(255 * (v - minValue) / valueRange)
		return uint8(math.Max(0, math.Min(255, v)))
	}

	images := make([]image.Image, 0, numImages)
	pos := 0
	for range numImages {
		img := image.NewNRGBA(image.Rect(0, 0, width, height))
		for h := 0; h < height; h++ {
			for w := 0; w < width; w++ {
				pix := img.Pix[h*img.Stride+w*4 : h*img.Stride+w*4+4]
				pix[3] = 255
				if channels == 1 {
					g := toUint8(flat[pos])
					pix[0], pix[1], pix[2] = g, g, g
					pos++
					continue
				}
				for d := 0; d < channels; d++ {
					pix[d] = toUint8(flat[pos])
					pos++
				}
			}
		}
		images = append(images, img)
	}
	return images
}
