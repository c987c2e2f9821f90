// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"fmt"
	"slices"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/pixelcnn/pkg/core/shapes"
	"github.com/gomlx/pixelcnn/pkg/ml/checkpoints"
	"github.com/gomlx/pixelcnn/pkg/ml/hparams"
	"github.com/gomlx/pixelcnn/pkg/support/sets"
	"github.com/gomlx/pixelcnn/ui/plots"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

const float64Size = 8

// summary of the checkpoints, side by side.
func summary(cps []*checkpoints.Checkpoint, names []string) string {
	table := newReportTable(lipgloss.Right, lipgloss.Left)
	table.Headers(append([]string{"checkpoint"}, names...)...)
	rows := [][]string{{"saved at"}, {"epoch"}, {"steps"}, {"# parameters"}, {"# values"}, {"# bytes"}, {"format"}}
	for _, cp := range cps {
		var numValues int
		for _, v := range cp.Metadata.Variables {
			numValues += shapes.Make(v.Dimensions...).Size()
		}
		rows[0] = append(rows[0], cp.Metadata.SavedAt.Format("2006-01-02 15:04:05"))
		rows[1] = append(rows[1], humanize.Comma(int64(cp.Metadata.Epoch)))
		rows[2] = append(rows[2], humanize.Comma(int64(cp.Metadata.Steps)))
		rows[3] = append(rows[3], humanize.Comma(int64(len(cp.Metadata.Variables))))
		rows[4] = append(rows[4], humanize.Comma(int64(numValues)))
		rows[5] = append(rows[5], humanize.Bytes(uint64(numValues*float64Size)))
		rows[6] = append(rows[6], cp.Metadata.BinFormat)
	}
	for _, row := range rows {
		table.Row(row...)
	}
	return table.Render()
}

// hyperparameters of the checkpoints side by side. The ones that differ are highlighted.
// Known hyperparameters are listed first, in their definition order.
func hyperparameters(cps []*checkpoints.Checkpoint, names []string) (string, error) {
	values := make([]map[string]any, len(cps))
	allKeys := sets.Make[string]()
	for ii, cp := range cps {
		values[ii] = make(map[string]any)
		if len(cp.Metadata.Hyperparameters) > 0 {
			if err := json.Unmarshal(cp.Metadata.Hyperparameters, &values[ii]); err != nil {
				return "", errors.Wrapf(err, "failed to decode hyperparameters of %q", names[ii])
			}
		}
		for key := range values[ii] {
			allKeys.Insert(key)
		}
	}
	var keys []string
	for _, key := range hparams.Defaults().Names() {
		if allKeys.Has(key) {
			keys = append(keys, key)
			delete(allKeys, key)
		}
	}
	keys = append(keys, sets.Sorted(allKeys)...)

	table := newReportTable(lipgloss.Right, lipgloss.Left)
	table.Headers(append([]string{"hyperparameter"}, names...)...)
	for _, key := range keys {
		row := make([]string, len(cps))
		for ii := range cps {
			if v, found := values[ii][key]; found {
				row[ii] = fmt.Sprintf("%v", v)
			} else {
				row[ii] = "-"
			}
		}
		table.CompareRow(key, row)
	}
	return table.Render(), nil
}

// variables lists the parameters of a checkpoint, with statistics of their values.
func variables(cp *checkpoints.Checkpoint) string {
	table := newReportTable(lipgloss.Left, lipgloss.Left, lipgloss.Right)
	table.Headers("Name", "Shape", "Size", "Bytes", "Mean", "StdDev", "Min", "Max")
	names := make([]string, 0, len(cp.Metadata.Variables))
	for _, v := range cp.Metadata.Variables {
		names = append(names, v.Name)
	}
	slices.Sort(names)
	for _, name := range names {
		t := cp.Values[name]
		flat := t.Flat()
		mean, std := stat.MeanStdDev(flat, nil)
		table.Row(name, fmt.Sprintf("%v", t.Shape().Dimensions),
			humanize.Comma(int64(t.Size())), humanize.Bytes(uint64(t.Size()*float64Size)),
			fmt.Sprintf("%.4g", mean), fmt.Sprintf("%.4g", std),
			fmt.Sprintf("%.4g", floats.Min(flat)), fmt.Sprintf("%.4g", floats.Max(flat)))
	}
	return table.Render()
}

// metrics lists the points saved during training, one row per epoch.
func metrics(pointsPath string) (string, error) {
	points, err := plots.LoadPoints(pointsPath)
	if err != nil {
		return "", err
	}
	if len(points) == 0 {
		return "", errors.Errorf("no metrics found in %q", pointsPath)
	}
	return plots.NewPoints(points).TableForMetrics(), nil
}
