// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package checkpoints

import (
	"compress/gzip"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// BinFormat is the encoding of the values file (`<base>.bin`) of a checkpoint.
type BinFormat int

const (
	// BinGZIP compresses the values with gzip, after a small header. It is the default.
	BinGZIP BinFormat = iota

	// BinUncompressed writes the raw little-endian float64 values, with no header.
	BinUncompressed
)

var binFormatNames = map[BinFormat]string{
	BinGZIP:         "gzip",
	BinUncompressed: "uncompressed",
}

// String implements fmt.Stringer. It is the name stored in Metadata.BinFormat.
func (bf BinFormat) String() string {
	if name, found := binFormatNames[bf]; found {
		return name
	}
	return "unknown"
}

func (bf BinFormat) valid() bool {
	_, found := binFormatNames[bf]
	return found
}

// Header of compressed values files:
//
//	| "pixelcnn_checkpoints" (20 bytes) | uint8 len | compression name (len bytes) |
//
// Files that don't start with binHeader are read as uncompressed.
const binHeader = "pixelcnn_checkpoints"

// write data to w in the format bf.
func (bf BinFormat) write(w io.Writer, data []byte) error {
	if bf == BinUncompressed {
		_, err := w.Write(data)
		return errors.Wrap(err, "write values")
	}
	name := bf.String()
	header := make([]byte, 0, len(binHeader)+1+len(name))
	header = append(header, binHeader...)
	header = append(header, uint8(len(name)))
	header = append(header, name...)
	if _, err := w.Write(header); err != nil {
		return errors.Wrap(err, "write values header")
	}
	zw := gzip.NewWriter(w)
	if _, err := zw.Write(data); err != nil {
		return errors.Wrap(err, "write compressed values")
	}
	return errors.Wrap(zw.Close(), "close gzip writer")
}

// readBinData returns a reader of the decoded values, detecting the format from the header.
func readBinData(f io.ReadSeeker) (io.Reader, error) {
	buf := make([]byte, len(binHeader))
	n, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, errors.Wrap(err, "read values header")
	}
	if n < len(binHeader) || string(buf) != binHeader {
		if _, err = f.Seek(0, io.SeekStart); err != nil {
			return nil, errors.Wrap(err, "rewind values file")
		}
		return f, nil
	}
	var nameLen uint8
	if err := binary.Read(f, binary.BigEndian, &nameLen); err != nil {
		return nil, errors.Wrap(err, "read values header")
	}
	name := make([]byte, nameLen)
	if _, err = io.ReadFull(f, name); err != nil {
		return nil, errors.Wrap(err, "read values header")
	}
	if string(name) != BinGZIP.String() {
		return nil, errors.Wrapf(ErrUnsupportedCompression, "%q", string(name))
	}
	rd, err := gzip.NewReader(f)
	if err != nil {
		return nil, errors.Wrap(err, "read gzip header")
	}
	return rd, nil
}
