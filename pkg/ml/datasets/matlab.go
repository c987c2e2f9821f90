// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package datasets

import (
	"os"

	"github.com/daniellowtw/matlab"
	"github.com/pkg/errors"
)

// ReadMatlabLabels reads the integer labels stored in the variable varName of a MATLAB .mat file.
// If oneBased is true the labels are shifted to start from 0.
func ReadMatlabLabels(filePath, varName string, oneBased bool) ([]int, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open labels file %q", filePath)
	}
	defer func() { _ = f.Close() }()

	matlabFile, err := matlab.NewFileFromReader(f)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse labels file %q", filePath)
	}
	matLabels, found := matlabFile.GetVar(varName)
	if !found {
		return nil, errors.Errorf("failed to parse var %q in Matlab file %q", varName, filePath)
	}
	labels, err := labelsFromValues(matLabels.Value())
	if err != nil {
		return nil, errors.WithMessagef(err, "var %q in Matlab file %q", varName, filePath)
	}
	if oneBased {
		for ii := range labels {
			labels[ii]--
		}
	}
	return labels, nil
}

// labelsFromValues converts the decoded values of a MATLAB numeric array to ints.
func labelsFromValues(values []any) ([]int, error) {
	labels := make([]int, len(values))
	for ii, value := range values {
		switch v := value.(type) {
		case uint8:
			labels[ii] = int(v)
		case uint16:
			labels[ii] = int(v)
		case uint32:
			labels[ii] = int(v)
		case int8:
			labels[ii] = int(v)
		case int16:
			labels[ii] = int(v)
		case int32:
			labels[ii] = int(v)
		case int64:
			labels[ii] = int(v)
		case float32:
			labels[ii] = int(v)
		case float64:
			labels[ii] = int(v)
		default:
			return nil, errors.Errorf("label #%d has unsupported type %T", ii, value)
		}
	}
	return labels, nil
}
