// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package checkpoints implements saving and restoring of the live values of a params.Store.
//
// A checkpoint has a fixed name per run, and each save overwrites the previous one. It is stored as
// two files: `<base>.json` with the metadata (names and shapes of the parameters, hyperparameters
// and training progress) and `<base>.bin` with the raw float64 values, by default gzip compressed.
// Both files are written to a temporary file first and then renamed, so an interrupted save
// leaves the previous checkpoint intact.
//
// Restoring into a store whose parameter names or shapes differ fails with params.ErrShapeMismatch.
//
// Example:
//
//	checkpoint, err := checkpoints.Build(store).Dir(*flagSaveDir).Name("params_cifar.ckpt").
//		WithHyperparameters(hp).Done()
//	...
//	if *flagLoadParams {
//		err = checkpoint.Load()  // Fails with params.ErrShapeMismatch if the architecture changed.
//	}
//	...
//	err = checkpoint.Save(epoch, numSteps)
package checkpoints

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/gomlx/pixelcnn/pkg/core/shapes"
	"github.com/gomlx/pixelcnn/pkg/core/tensors"
	"github.com/gomlx/pixelcnn/pkg/ml/params"
	"github.com/gomlx/pixelcnn/pkg/support/fsutil"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	// DirPermMode is the default directory creation permission (before umask) used.
	DirPermMode = os.FileMode(0770)

	// FilePermMode is the permission of the checkpoint files (before umask).
	FilePermMode = os.FileMode(0660)

	// ErrUnsupportedCompression signifies an error when a compression type is not supported.
	ErrUnsupportedCompression = errors.New("unsupported compression")
)

const (
	// JSONNameSuffix is the suffix of the metadata file of a checkpoint.
	JSONNameSuffix = ".json"

	// BinDataSuffix is the suffix of the values file of a checkpoint.
	BinDataSuffix = ".bin"
)

// Config for the checkpoints' Handler to be created. This is created with Build and
// configured with the various methods. Once finished, call Done.
type Config struct {
	store           *params.Store
	err             error
	dir, baseName   string
	binFormat       BinFormat
	hyperparameters json.RawMessage
}

// Build a configuration for a checkpoints.Handler of the given store. After configuring the
// Config object returned, call Done to get the Handler.
//
// Dir must be set. The default name is "params.ckpt".
func Build(store *params.Store) *Config {
	return &Config{store: store, baseName: "params.ckpt"}
}

func (c *Config) setError(err error) {
	if c.err == nil {
		c.err = err
	}
}

// Dir sets the directory where to save / load the checkpoint. A leading "~" is replaced by the home directory.
func (c *Config) Dir(dir string) *Config {
	dir, err := fsutil.ReplaceTildeInDir(dir)
	if err != nil {
		c.setError(err)
		return c
	}
	c.dir = dir
	return c
}

// Name sets the base name of the checkpoint files, to which the JSONNameSuffix and BinDataSuffix are appended.
func (c *Config) Name(baseName string) *Config {
	if baseName == "" || filepath.Base(baseName) != baseName {
		c.setError(errors.Errorf("checkpoints: invalid checkpoint name %q", baseName))
		return c
	}
	c.baseName = baseName
	return c
}

// WithCompression defines the compression format of the binary file. The default is BinGZIP.
func (c *Config) WithCompression(bf BinFormat) *Config {
	if !bf.valid() {
		c.setError(errors.Wrapf(ErrUnsupportedCompression, "BinFormat(%d)", int(bf)))
		return c
	}
	c.binFormat = bf
	return c
}

// WithHyperparameters stores the JSON encoding of hp in the metadata of every save.
func (c *Config) WithHyperparameters(hp any) *Config {
	encoded, err := json.Marshal(hp)
	if err != nil {
		c.setError(errors.Wrapf(err, "checkpoints: failed to encode hyperparameters"))
		return c
	}
	c.hyperparameters = encoded
	return c
}

// Done creates the checkpoint directory, if it doesn't exist yet, and returns the Handler.
// It doesn't load anything: see Handler.Load.
func (c *Config) Done() (*Handler, error) {
	if c.err != nil {
		return nil, c.err
	}
	if c.dir == "" {
		return nil, errors.New("checkpoints: directory not configured, use Config.Dir")
	}
	if err := os.MkdirAll(c.dir, DirPermMode); err != nil {
		return nil, errors.Wrapf(err, "checkpoints: failed to create directory %q", c.dir)
	}
	return &Handler{config: c, runID: uuid.NewString()}, nil
}

// Handler saves and loads the checkpoint of a params.Store.
type Handler struct {
	config *Config
	runID  string
}

// Metadata is stored in the JSON file of a checkpoint.
type Metadata struct {
	// RunID identifies the process that saved the checkpoint.
	RunID string

	// SavedAt is the time of the save.
	SavedAt time.Time

	// Epoch and Steps at the time of the save.
	Epoch, Steps int

	// Hyperparameters used to create the model, as given to Config.WithHyperparameters.
	Hyperparameters json.RawMessage `json:",omitempty"`

	// Variables in the order they are stored in the binary file.
	Variables []SerializedVar

	// BinFormat describes the format used by the binary file. It is informative.
	BinFormat string
}

// SerializedVar describes one parameter stored in the checkpoint.
type SerializedVar struct {
	Name       string
	Dimensions []int

	// Pos, Length in bytes in the uncompressed binary data.
	Pos, Length int
}

// String implements fmt.Stringer.
func (h *Handler) String() string {
	return fmt.Sprintf("checkpoints.Handler(%q)", h.BasePath())
}

// BasePath returns the path of the checkpoint files, without the suffixes.
func (h *Handler) BasePath() string {
	return filepath.Join(h.config.dir, h.config.baseName)
}

// Exists returns whether the checkpoint files exist.
func (h *Handler) Exists() (bool, error) {
	for _, suffix := range []string{JSONNameSuffix, BinDataSuffix} {
		exists, err := fsutil.FileExists(h.BasePath() + suffix)
		if err != nil || !exists {
			return false, err
		}
	}
	return true, nil
}

// Save the live values of the store, overwriting the previous checkpoint.
// epoch and steps are informative, stored in the metadata.
func (h *Handler) Save(epoch, steps int) error {
	snapshot := h.config.store.Snapshot(params.ViewLive)
	metadata := &Metadata{
		RunID:           h.runID,
		SavedAt:         time.Now(),
		Epoch:           epoch,
		Steps:           steps,
		Hyperparameters: h.config.hyperparameters,
		BinFormat:       h.config.binFormat.String(),
	}
	var data bytes.Buffer
	for _, name := range h.config.store.Names() {
		value := snapshot[name]
		pos := data.Len()
		for _, v := range value.Flat() {
			_ = binary.Write(&data, binary.LittleEndian, math.Float64bits(v))
		}
		metadata.Variables = append(metadata.Variables, SerializedVar{
			Name:       name,
			Dimensions: value.Shape().Dimensions,
			Pos:        pos,
			Length:     data.Len() - pos,
		})
	}

	binPath := h.BasePath() + BinDataSuffix
	err := fsutil.WriteFileAtomic(binPath, FilePermMode, func(w io.Writer) error {
		return h.config.binFormat.write(w, data.Bytes())
	})
	if err != nil {
		return errors.WithMessagef(err, "%s: failed to save checkpoint data", h)
	}
	jsonPath := h.BasePath() + JSONNameSuffix
	err = fsutil.WriteFileAtomic(jsonPath, FilePermMode, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "\t")
		return enc.Encode(metadata)
	})
	if err != nil {
		return errors.WithMessagef(err, "%s: failed to save checkpoint metadata", h)
	}
	klog.V(1).Infof("%s: saved %d parameters (epoch %d, step %d)", h, len(metadata.Variables), epoch, steps)
	return nil
}

// Load the checkpoint into the store: the live values are replaced and the shadow values are
// reset to them.
//
// It fails with an error wrapping params.ErrShapeMismatch if the names or shapes of the saved
// parameters don't match the store, in which case the store is not changed.
func (h *Handler) Load() error {
	checkpoint, err := Read(h.BasePath())
	if err != nil {
		return err
	}
	if err = h.config.store.Restore(checkpoint.Values); err != nil {
		return errors.WithMessagef(err, "%s: restoring checkpoint saved at epoch %d", h, checkpoint.Metadata.Epoch)
	}
	klog.Infof("restored parameters from %q (epoch %d, step %d)",
		h.BasePath(), checkpoint.Metadata.Epoch, checkpoint.Metadata.Steps)
	return nil
}

// Checkpoint is the contents of a checkpoint read from disk.
type Checkpoint struct {
	Metadata Metadata
	Values   map[string]*tensors.Tensor
}

// Read the checkpoint at basePath (the path without the suffixes), without restoring it.
func Read(basePath string) (*Checkpoint, error) {
	jsonPath := basePath + JSONNameSuffix
	jsonData, err := os.ReadFile(jsonPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read checkpoint metadata %q", jsonPath)
	}
	checkpoint := &Checkpoint{}
	if err = json.Unmarshal(jsonData, &checkpoint.Metadata); err != nil {
		return nil, errors.Wrapf(err, "failed to parse checkpoint metadata %q", jsonPath)
	}

	binPath := basePath + BinDataSuffix
	f, err := os.Open(binPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open checkpoint data %q", binPath)
	}
	defer func() { _ = f.Close() }()
	rawReader, err := readBinData(f)
	if err != nil {
		return nil, errors.WithMessagef(err, "checkpoint data %q", binPath)
	}
	data, err := io.ReadAll(rawReader)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read checkpoint data %q", binPath)
	}

	checkpoint.Values = make(map[string]*tensors.Tensor, len(checkpoint.Metadata.Variables))
	for _, v := range checkpoint.Metadata.Variables {
		for _, dim := range v.Dimensions {
			if dim < 0 {
				return nil, errors.Errorf("checkpoint %q: variable %q has invalid dimensions %v",
					basePath, v.Name, v.Dimensions)
			}
		}
		shape := shapes.Make(v.Dimensions...)
		if v.Pos < 0 || v.Length != shape.Size()*8 || v.Pos+v.Length > len(data) {
			return nil, errors.Errorf("checkpoint %q: variable %q with shape %s has invalid position (%d, %d) "+
				"for %d bytes of data", basePath, v.Name, shape, v.Pos, v.Length, len(data))
		}
		if _, found := checkpoint.Values[v.Name]; found {
			return nil, errors.Errorf("checkpoint %q: variable %q stored more than once", basePath, v.Name)
		}
		value := tensors.FromShape(shape)
		flat := value.Flat()
		for ii := range flat {
			offset := v.Pos + ii*8
			flat[ii] = math.Float64frombits(binary.LittleEndian.Uint64(data[offset : offset+8]))
		}
		checkpoint.Values[v.Name] = value
	}
	return checkpoint, nil
}
