// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package plots

import (
	"fmt"
	"io"

	mg "github.com/erkkah/margaid"
	"github.com/gomlx/pixelcnn/pkg/support/xslices"
	"github.com/pkg/errors"
)

// RenderSVG renders all valid points of the given metric type as an SVG line plot, one line per metric name.
// If metricType is empty, all points are plotted.
func RenderSVG(w io.Writer, points []Point, metricType string, width, height int) error {
	perName := make(map[string]*mg.Series)
	allPoints := mg.NewSeries()
	for _, p := range points {
		if (metricType != "" && p.MetricType != metricType) || !p.Valid() {
			continue
		}
		s, found := perName[p.MetricName]
		if !found {
			s = mg.NewSeries(mg.Titled(p.MetricName))
			perName[p.MetricName] = s
		}
		value := mg.MakeValue(float64(p.Epoch), p.Value)
		s.Add(value)
		allPoints.Add(value)
	}
	if len(perName) == 0 {
		return errors.Errorf("no valid points of metric type %q to plot", metricType)
	}

	names := xslices.SortedKeys(perName)
	allSeries := xslices.Map(names, func(name string) *mg.Series { return perName[name] })
	diagram := mg.New(width, height,
		mg.WithAutorange(mg.XAxis, allSeries...),
		mg.WithAutorange(mg.YAxis, allSeries...),
		mg.WithInset(70),
		mg.WithPadding(2),
		mg.WithColorScheme(90),
		mg.WithBackgroundColor("#f8f8f8"),
	)
	for _, s := range allSeries {
		diagram.Line(s, mg.UsingAxes(mg.XAxis, mg.YAxis), mg.UsingMarker("square"), mg.UsingStrokeWidth(2))
	}
	diagram.Axis(allPoints, mg.XAxis, diagram.ValueTicker('f', 0, 10), false, "Epochs")
	diagram.Axis(allPoints, mg.YAxis, diagram.ValueTicker('f', 3, 10), true, metricType)
	diagram.Frame()
	if metricType != "" {
		diagram.Title(fmt.Sprintf("%s metrics", metricType))
	}
	diagram.Legend(mg.BottomLeft)
	if err := diagram.Render(w); err != nil {
		return errors.Wrapf(err, "failed to render plot for %q", metricType)
	}
	return nil
}
