// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package hdf5 provides a trivial API to access HDF5 file contents.
//
// It requires the `hdf5-tools` (a deb package) installed in the system, more specifically the
// `h5dump` binary.
//
// It is basic but provides the necessary functionality to list the datasets of a file and to
// load them as tensors.
package hdf5

import (
	"bytes"
	"maps"
	"os"
	"os/exec"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/gomlx/pixelcnn/pkg/core/tensors"
	"github.com/gomlx/pixelcnn/pkg/core/tensors/numpy"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Contents is a map of all the datasets present in the HDF5 file. The key is the path
// built from the concatenation of the "group" (how HDF5 calls directories or folders) with
// the dataset name, separated by a "/" character.
type Contents map[string]*Dataset

// Dataset has (some of) the metadata about an HDF5 dataset (but not the data itself).
//
// Supported is false if the DATATYPE or DATASPACE of the dataset could not be converted, in which
// case it can't be loaded as a tensor.
type Dataset struct {
	FilePath, GroupPath, RawHeader string
	DType                          numpy.DType
	Dimensions                     []int
	Supported                      bool
}

// H5DumpBinary is the name of the binary used to read HDF5 files.
const H5DumpBinary = "h5dump"

// ParseFile in filePath as an HDF5 file and returns map of contents.
func ParseFile(filePath string) (Contents, error) {
	if _, err := os.Stat(filePath); err != nil {
		return nil, errors.Wrapf(err, "cannot access HDF5 file in path %q", filePath)
	}
	contentsBytes, err := execH5Dump("--contents", filePath)
	if err != nil {
		return nil, err
	}
	contents, err := parseContents(filePath, string(contentsBytes))
	if err != nil {
		return nil, err
	}
	if len(contents) == 0 {
		return contents, nil
	}

	headerArgs := make([]string, 0, len(contents)+2)
	headerArgs = append(headerArgs, "--header")
	for key := range contents {
		headerArgs = append(headerArgs, "--dataset="+key)
	}
	headerArgs = append(headerArgs, filePath)
	headerBytes, err := execH5Dump(headerArgs...)
	if err != nil {
		return nil, err
	}
	if err = contents.parseHeaders(filePath, string(headerBytes)); err != nil {
		return nil, err
	}
	return contents, nil
}

var (
	regexpH5Datasets               = regexp.MustCompile(`\s+dataset\s+(/.*)\n`)
	regexpH5DatasetHeaderName      = regexp.MustCompile(`\s+"(.*?)" \{\n`)
	regexpH5DatasetHeaderDataType  = regexp.MustCompile(`\s+DATATYPE\s+(\w.*?)\n`)
	regexpH5DatasetHeaderDataSpace = regexp.MustCompile(`\s+DATASPACE\s+(\w+)(\s+\{\s+\((.*?)\).*?)?\n`)
)

// parseContents parses the output of `h5dump --contents`.
func parseContents(filePath, output string) (Contents, error) {
	matches := regexpH5Datasets.FindAllStringSubmatch(output, -1)
	contents := make(Contents, len(matches))
	for _, match := range matches {
		groupPath := match[1]
		// Dataset names are passed as arguments to h5dump.
		if strings.HasPrefix(groupPath, "-") {
			return nil, errors.Errorf("invalid dataset name starting with '-': %q", groupPath)
		}
		contents[groupPath] = &Dataset{
			FilePath:  filePath,
			GroupPath: groupPath,
		}
	}
	return contents, nil
}

// parseHeaders parses the output of `h5dump --header` for all the datasets in contents.
func (contents Contents) parseHeaders(filePath, output string) error {
	rawDatasetHeaders := strings.Split(output, "DATASET")
	if len(rawDatasetHeaders)-1 != len(contents) {
		return errors.Errorf("failed to parse dataset headers for %q: expected %d DATASET, got %d",
			filePath, len(contents), len(rawDatasetHeaders)-1)
	}
	for _, part := range rawDatasetHeaders[1:] {
		matches := regexpH5DatasetHeaderName.FindStringSubmatch(part)
		if len(matches) != 2 {
			return errors.Errorf("failed to parse dataset headers for %q: got %q", filePath, part)
		}
		ds, found := contents[matches[1]]
		if !found {
			return errors.Errorf("unknown headers for %q: got %q", filePath, part)
		}
		ds.RawHeader = "DATASET" + part
		ds.parseHeader(part)
	}
	return nil
}

// parseHeader sets the dtype and dimensions of the dataset, if they are supported.
func (ds *Dataset) parseHeader(header string) {
	matches := regexpH5DatasetHeaderDataType.FindStringSubmatch(header)
	if len(matches) != 2 {
		klog.V(1).Infof("HDF5 %q: DATATYPE not parsed: %s", ds.GroupPath, header)
		return
	}
	var ok bool
	ds.DType, ok = DTypeForH5T(matches[1])
	if !ok {
		klog.V(1).Infof("HDF5 %q: DATATYPE %q not supported", ds.GroupPath, matches[1])
		return
	}

	matches = regexpH5DatasetHeaderDataSpace.FindStringSubmatch(header)
	if len(matches) != 4 {
		klog.V(1).Infof("HDF5 %q: DATASPACE not parsed: %s", ds.GroupPath, header)
		return
	}
	switch matches[1] {
	case "SCALAR":
		ds.Dimensions = nil
	case "SIMPLE":
		dimsParts := strings.Split(matches[3], ",")
		dims := make([]int, 0, len(dimsParts))
		for _, dimStr := range dimsParts {
			dim, err := strconv.Atoi(strings.TrimSpace(dimStr))
			if err != nil {
				klog.V(1).Infof("HDF5 %q: failed to parse dimension in DATASPACE: %q", ds.GroupPath, header)
				return
			}
			dims = append(dims, dim)
		}
		ds.Dimensions = dims
	default:
		klog.V(1).Infof("HDF5 %q: DATASPACE type %q unknown", ds.GroupPath, matches[1])
		return
	}
	ds.Supported = true
}

// DTypeForH5T returns the dtype corresponding to known HDF5 types, and whether it is supported.
func DTypeForH5T(h5type string) (numpy.DType, bool) {
	switch h5type {
	case "H5T_IEEE_F64LE", "H5T_IEEE_F64BE":
		return numpy.Float64, true
	case "H5T_IEEE_F32LE", "H5T_IEEE_F32BE":
		return numpy.Float32, true
	case "H5T_IEEE_F16LE", "H5T_IEEE_F16BE":
		return numpy.Float16, true
	case "H5T_STD_U8LE", "H5T_STD_U8BE":
		return numpy.Uint8, true
	}
	return numpy.Float64, false
}

// execH5Dump executes `h5dump`, and handles errors.
func execH5Dump(args ...string) ([]byte, error) {
	binPath, err := exec.LookPath(H5DumpBinary)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot find `h5dump` binary in PATH, needed to parse HDF5 "+
			"format files (extension \".h5\"): please install package hdf5-tools, which usually "+
			"holds `h5dump`")
	}
	klog.V(2).Infof("using h5dump from %q", binPath)
	cmd := exec.Command(binPath, args...)
	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout, cmd.Stderr = &stdoutBuf, &stderrBuf
	if err = cmd.Run(); err != nil {
		err = errors.Wrapf(err, "failed executing %q to access HDF5 file", cmd)
		return nil, errors.WithMessagef(err, "STDERR captured:\n%s\n", stderrBuf.String())
	}
	return stdoutBuf.Bytes(), nil
}

// Load the raw contents of the dataset, in little-endian byte order.
func (ds *Dataset) Load() ([]byte, error) {
	tmpFile, err := os.CreateTemp("", "hdf5_dataset")
	if err == nil {
		err = tmpFile.Close()
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create temporary file to extract HDF5 dataset")
	}
	defer func() {
		if err := os.Remove(tmpFile.Name()); err != nil {
			klog.Warningf("Failed to remove temporary file %q used to extract HDF5 dataset: %+v", tmpFile.Name(), err)
		}
	}()
	if _, err = execH5Dump("--dataset="+ds.GroupPath, "--binary=LE", "--output="+tmpFile.Name(), ds.FilePath); err != nil {
		return nil, err
	}
	rawContent, err := os.ReadFile(tmpFile.Name())
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read from temporary file %q to extract HDF5 dataset", tmpFile.Name())
	}
	return rawContent, nil
}

// ToTensor reads the HDF5 dataset into a tensor, converting the values to float64.
func (ds *Dataset) ToTensor() (*tensors.Tensor, error) {
	if !ds.Supported {
		return nil, errors.Errorf("HDF5 dataset %q has no supported dtype or shape, can't convert to tensor", ds.GroupPath)
	}
	raw, err := ds.Load()
	if err != nil {
		return nil, err
	}
	return ds.decode(raw)
}

func (ds *Dataset) decode(raw []byte) (*tensors.Tensor, error) {
	values, err := ds.DType.DecodeLittleEndian(raw)
	if err != nil {
		return nil, errors.WithMessagef(err, "HDF5 dataset %q", ds.GroupPath)
	}
	size := 1
	for _, dim := range ds.Dimensions {
		size *= dim
	}
	if len(values) != size {
		return nil, errors.Errorf("HDF5 dataset %q with dimensions %v: loaded %d values, but expected %d",
			ds.GroupPath, ds.Dimensions, len(values), size)
	}
	return tensors.FromFlatDataAndDimensions(values, ds.Dimensions...), nil
}

// LoadTensor loads the dataset with the given key. A missing leading "/" is added.
func (contents Contents) LoadTensor(key string) (*tensors.Tensor, error) {
	if !strings.HasPrefix(key, "/") {
		key = "/" + key
	}
	ds, found := contents[key]
	if !found {
		return nil, errors.Errorf("HDF5 dataset %q not found, available datasets: %v",
			key, slices.Sorted(maps.Keys(contents)))
	}
	return ds.ToTensor()
}
