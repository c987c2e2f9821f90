// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package numpy allows one to read/write tensors to Python's NumPy npy and npz file formats.
//
// Tensors are float64 in memory; the on-disk element type is chosen with DType.
package numpy

import (
	"archive/zip"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"maps"
	"math"
	"os"
	"path"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/gomlx/pixelcnn/pkg/core/tensors"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// DType is the element type used to store a tensor in a .npy file.
type DType int

const (
	Float64 DType = iota
	Float32
	Float16
	Uint8
)

// DTypeFromName converts "float64", "float32", "float16" or "uint8" to a DType.
func DTypeFromName(name string) (DType, error) {
	switch name {
	case "float64", "f64":
		return Float64, nil
	case "float32", "f32":
		return Float32, nil
	case "float16", "f16":
		return Float16, nil
	case "uint8", "u8":
		return Uint8, nil
	}
	return Float64, errors.Errorf("unknown numpy dtype %q, valid values are float64, float32, float16 and uint8", name)
}

// String implements fmt.Stringer.
func (d DType) String() string {
	switch d {
	case Float64:
		return "float64"
	case Float32:
		return "float32"
	case Float16:
		return "float16"
	case Uint8:
		return "uint8"
	}
	return fmt.Sprintf("DType(%d)", int(d))
}

// Size in bytes of one element.
func (d DType) Size() int {
	switch d {
	case Float64:
		return 8
	case Float32:
		return 4
	case Float16:
		return 2
	default:
		return 1
	}
}

// descr is the NumPy dtype string for the little-endian encoding of d.
func (d DType) descr() string {
	switch d {
	case Float64:
		return "<f8"
	case Float32:
		return "<f4"
	case Float16:
		return "<f2"
	default:
		return "|u1"
	}
}

// dtypeFromDescr converts a NumPy dtype string to a DType.
func dtypeFromDescr(descr string) (DType, error) {
	if strings.HasPrefix(descr, ">") {
		return Float64, errors.Errorf("big-endian .npy files (%q) are not supported", descr)
	}
	switch {
	case strings.HasSuffix(descr, "f8"):
		return Float64, nil
	case strings.HasSuffix(descr, "f4"):
		return Float32, nil
	case strings.HasSuffix(descr, "f2"):
		return Float16, nil
	case strings.HasSuffix(descr, "u1"):
		return Uint8, nil
	}
	return Float64, errors.Errorf("unsupported NumPy dtype: %s", descr)
}

// encode appends the little-endian encoding of the values to buf.
func (d DType) encode(buf []byte, values []float64) []byte {
	for _, v := range values {
		switch d {
		case Float64:
			buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(v))
		case Float32:
			buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(float32(v)))
		case Float16:
			buf = binary.LittleEndian.AppendUint16(buf, float16.Fromfloat32(float32(v)).Bits())
		case Uint8:
			buf = append(buf, uint8(math.Max(0, math.Min(255, math.Round(v)))))
		}
	}
	return buf
}

// decode converts the little-endian data into values.
func (d DType) decode(data []byte, values []float64) {
	size := d.Size()
	for ii := range values {
		chunk := data[ii*size : (ii+1)*size]
		switch d {
		case Float64:
			values[ii] = math.Float64frombits(binary.LittleEndian.Uint64(chunk))
		case Float32:
			values[ii] = float64(math.Float32frombits(binary.LittleEndian.Uint32(chunk)))
		case Float16:
			values[ii] = float64(float16.Frombits(binary.LittleEndian.Uint16(chunk)).Float32())
		case Uint8:
			values[ii] = float64(chunk[0])
		}
	}
}

// DecodeLittleEndian converts the raw little-endian data, with elements of type d, to float64 values.
// It returns an error if len(data) is not a multiple of the element size.
func (d DType) DecodeLittleEndian(data []byte) ([]float64, error) {
	size := d.Size()
	if len(data)%size != 0 {
		return nil, errors.Errorf("%d bytes is not a multiple of the %s element size %d", len(data), d, size)
	}
	values := make([]float64, len(data)/size)
	d.decode(data, values)
	return values, nil
}

const npyMagic = "\x93NUMPY"

// FromNpyFile reads a .npy file and returns a tensors.Tensor and the dtype it was stored with.
func FromNpyFile(filePath string) (*tensors.Tensor, DType, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, Float64, errors.Wrapf(err, "failed to open .npy file %q", filePath)
	}
	defer func() { _ = file.Close() }()
	return FromNpyReader(file)
}

// FromNpyReader reads a .npy file from an io.Reader.
func FromNpyReader(r io.Reader) (*tensors.Tensor, DType, error) {
	magic := make([]byte, 6)
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, Float64, errors.Wrapf(err, "failed to read magic string")
	}
	if string(magic) != npyMagic {
		return nil, Float64, errors.Errorf("invalid .npy file format: magic string mismatch")
	}
	version := make([]byte, 2)
	if _, err := io.ReadFull(r, version); err != nil {
		return nil, Float64, errors.Wrapf(err, "failed to read version")
	}

	var headerLen int
	switch {
	case version[0] == 1:
		lenBytes := make([]byte, 2)
		if _, err := io.ReadFull(r, lenBytes); err != nil {
			return nil, Float64, errors.Wrapf(err, "failed to read header length (v1.0)")
		}
		headerLen = int(binary.LittleEndian.Uint16(lenBytes))
	case version[0] >= 2:
		lenBytes := make([]byte, 4)
		if _, err := io.ReadFull(r, lenBytes); err != nil {
			return nil, Float64, errors.Wrapf(err, "failed to read header length (v2.0+)")
		}
		headerLen = int(binary.LittleEndian.Uint32(lenBytes))
	default:
		return nil, Float64, errors.Errorf("unsupported .npy version: %d.%d", version[0], version[1])
	}

	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(r, headerBytes); err != nil {
		return nil, Float64, errors.Wrapf(err, "failed to read header")
	}
	descr, dims, fortranOrder, err := parseNpyHeader(string(headerBytes))
	if err != nil {
		return nil, Float64, errors.WithMessage(err, "failed to parse .npy header")
	}
	dtype, err := dtypeFromDescr(descr)
	if err != nil {
		return nil, Float64, err
	}

	tensor := tensors.Zeros(dims...)
	data := make([]byte, tensor.Size()*dtype.Size())
	if _, err = io.ReadFull(r, data); err != nil {
		return nil, Float64, errors.Wrapf(err, "failed to read tensor data (expected %d bytes)", len(data))
	}
	if !fortranOrder || len(dims) <= 1 {
		dtype.decode(data, tensor.Flat())
		return tensor, dtype, nil
	}

	// Fortran order: decode to column-major values then transpose to row-major.
	values := make([]float64, tensor.Size())
	dtype.decode(data, values)
	fortranStrides := make([]int, len(dims))
	stride := 1
	for axis, dim := range dims {
		fortranStrides[axis] = stride
		stride *= dim
	}
	flat := tensor.Flat()
	for flatIdx, indices := range tensor.Shape().Iter() {
		fortranIdx := 0
		for axis, axisIdx := range indices {
			fortranIdx += axisIdx * fortranStrides[axis]
		}
		flat[flatIdx] = values[fortranIdx]
	}
	return tensor, dtype, nil
}

var (
	reDescr   = regexp.MustCompile(`'descr'\s*:\s*'([^']*)'`)
	reFortran = regexp.MustCompile(`'fortran_order'\s*:\s*(True|False)`)
	reShape   = regexp.MustCompile(`'shape'\s*:\s*\(([^)]*)\)`)
)

// parseNpyHeader extracts dtype, shape, and fortran_order from the .npy header string.
// Example: "{'descr': '<f4', 'fortran_order': False, 'shape': (1, 2, 3), }"
func parseNpyHeader(header string) (descr string, shape []int, fortranOrder bool, err error) {
	mDescr := reDescr.FindStringSubmatch(header)
	if len(mDescr) < 2 {
		err = errors.Errorf("could not find 'descr' in header: %q", header)
		return
	}
	descr = mDescr[1]

	mFortran := reFortran.FindStringSubmatch(header)
	if len(mFortran) < 2 {
		err = errors.Errorf("could not find 'fortran_order' in header: %q", header)
		return
	}
	fortranOrder = mFortran[1] == "True"

	mShape := reShape.FindStringSubmatch(header)
	if len(mShape) < 2 {
		err = errors.Errorf("could not find 'shape' in header: %q", header)
		return
	}
	shape = []int{}
	for _, p := range strings.Split(mShape[1], ",") {
		p = strings.TrimSpace(p)
		if p == "" { // Trailing comma, like in "(10,)".
			continue
		}
		val, pErr := strconv.Atoi(p)
		if pErr != nil {
			err = errors.Wrapf(pErr, "invalid shape value %q in header", p)
			return
		}
		shape = append(shape, val)
	}
	return
}

// ToNpyWriter serializes a tensor to an io.Writer in .npy format (version 1.0), converting values to dtype.
func ToNpyWriter(tensor *tensors.Tensor, dtype DType, w io.Writer) error {
	shape := tensor.Shape()
	var shapeTuple string
	switch shape.Rank() {
	case 0:
		shapeTuple = "()"
	case 1:
		shapeTuple = fmt.Sprintf("(%d,)", shape.Dimensions[0])
	default:
		dimsStr := make([]string, shape.Rank())
		for i, dim := range shape.Dimensions {
			dimsStr[i] = strconv.Itoa(dim)
		}
		shapeTuple = fmt.Sprintf("(%s)", strings.Join(dimsStr, ", "))
	}

	var headerBuf bytes.Buffer
	_, _ = fmt.Fprintf(&headerBuf, "{'descr': '%s', 'fortran_order': False, 'shape': %s, }", dtype.descr(), shapeTuple)
	// Preamble (magic + version + header length) is 10 bytes; preamble+header must be a multiple of 16.
	for (10+headerBuf.Len()+1)%16 != 0 {
		headerBuf.WriteByte(' ')
	}
	headerBuf.WriteByte('\n')

	out := make([]byte, 0, 10+headerBuf.Len()+tensor.Size()*dtype.Size())
	out = append(out, npyMagic...)
	out = append(out, 1, 0)
	out = binary.LittleEndian.AppendUint16(out, uint16(headerBuf.Len()))
	out = append(out, headerBuf.Bytes()...)
	out = dtype.encode(out, tensor.Flat())
	if _, err := w.Write(out); err != nil {
		return errors.Wrapf(err, "failed to write .npy data")
	}
	return nil
}

// ToNpyFile serializes a tensor to a .npy file.
func ToNpyFile(tensor *tensors.Tensor, dtype DType, filePath string) error {
	file, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to create .npy file %q", filePath)
	}
	if err = ToNpyWriter(tensor, dtype, file); err != nil {
		_ = file.Close()
		return err
	}
	return errors.Wrapf(file.Close(), "failed to close .npy file %q", filePath)
}

// ToNpzFile serializes a map of tensors to a .npz file, all with the same dtype.
// Entries are written in sorted name order.
//
// Use the names "arr_0", "arr_1", ... to mimic NumPy's `np.savez(file, *arrays)`.
func ToNpzFile(tensorsMap map[string]*tensors.Tensor, dtype DType, filePath string) error {
	file, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to create .npz file %q", filePath)
	}
	if err = ToNpzWriter(tensorsMap, dtype, file); err != nil {
		_ = file.Close()
		return err
	}
	return errors.Wrapf(file.Close(), "failed to close .npz file %q", filePath)
}

// ToNpzWriter serializes a map of tensors to an io.Writer as a .npz archive.
func ToNpzWriter(tensorsMap map[string]*tensors.Tensor, dtype DType, w io.Writer) error {
	zipWriter := zip.NewWriter(w)
	for _, name := range slices.Sorted(maps.Keys(tensorsMap)) {
		npyName := name + ".npy"
		fileWriter, err := zipWriter.Create(npyName)
		if err != nil {
			return errors.Wrapf(err, "failed to create %q in .npz archive", npyName)
		}
		if err := ToNpyWriter(tensorsMap[name], dtype, fileWriter); err != nil {
			return errors.WithMessagef(err, "failed to write tensor %q to .npz archive", name)
		}
	}
	if err := zipWriter.Close(); err != nil {
		return errors.Wrapf(err, "failed to close zip archive")
	}
	return nil
}

// FromNpzFile reads a .npz file and returns a map of tensor names to tensors.
func FromNpzFile(filePath string) (map[string]*tensors.Tensor, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open .npz file %q", filePath)
	}
	defer func() { _ = file.Close() }()
	info, err := file.Stat()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to stat .npz file %q", filePath)
	}
	return FromNpzReader(file, info.Size())
}

// FromNpzReader reads a .npz archive from an io.ReaderAt and size.
func FromNpzReader(r io.ReaderAt, size int64) (map[string]*tensors.Tensor, error) {
	zipReader, err := zip.NewReader(r, size)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create zip reader for `.npz`")
	}
	results := make(map[string]*tensors.Tensor)
	for _, f := range zipReader.File {
		cleanPath := path.Clean(f.Name)
		if path.IsAbs(cleanPath) || strings.HasPrefix(cleanPath, "..") {
			return nil, errors.Errorf("invalid (malicious?) path in .npz archive: %q (normalized to %q)", f.Name, cleanPath)
		}
		if !strings.HasSuffix(f.Name, ".npy") {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, errors.Wrapf(err, "failed to open %q within .npz", f.Name)
		}
		tensor, _, err := FromNpyReader(rc)
		_ = rc.Close()
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to read tensor %q from .npz", f.Name)
		}
		results[strings.TrimSuffix(f.Name, ".npy")] = tensor
	}
	return results, nil
}
