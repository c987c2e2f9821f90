// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package images

import (
	"image"

	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// SavePlot renders the image in a titled figure and saves it to filePath.
// The format is given by the file extension (".png", ".svg", ".pdf", ...).
//
// The figure is sized to keep the image aspect ratio, with the larger side measuring `inches`.
func SavePlot(img image.Image, title string, inches float64, filePath string) error {
	p := plot.New()
	p.Title.Text = title
	p.HideAxes()
	p.X.Padding, p.Y.Padding = 0, 0

	bounds := img.Bounds()
	width, height := float64(bounds.Dx()), float64(bounds.Dy())
	p.Add(plotter.NewImage(img, 0, 0, width, height))

	figWidth, figHeight := vg.Length(inches)*vg.Inch, vg.Length(inches)*vg.Inch
	if width > height {
		figHeight = vg.Length(inches*height/width) * vg.Inch
	} else if height > width {
		figWidth = vg.Length(inches*width/height) * vg.Inch
	}
	if err := p.Save(figWidth, figHeight, filePath); err != nil {
		return errors.Wrapf(err, "failed to save plot %q to %q", title, filePath)
	}
	return nil
}
