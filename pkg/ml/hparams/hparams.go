// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package hparams holds the hyperparameters of a PixelCNN training run: their defaults, how they
// are set from the command line and settings strings, and their validation.
//
// Each hyperparameter has a name (used by the flags, the settings and the checkpoint metadata),
// optionally a short flag name, and a usage description.
package hparams

import (
	"flag"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/gomlx/pixelcnn/pkg/support/sets"
	"github.com/pkg/errors"
)

// ErrConfiguration is returned (wrapped) for invalid or inconsistent hyperparameters.
var ErrConfiguration = errors.New("invalid configuration")

// Nonlinearities accepted by ResNetNonlinearity.
var Nonlinearities = []string{"concat_elu", "elu", "relu"}

// SampleDTypes accepted by SampleDType.
var SampleDTypes = []string{"float16", "float32", "float64"}

// Hyperparameters of a training run.
type Hyperparameters struct {
	// Data I/O.
	SaveDir      string `json:"save_dir"`
	TrainData    string `json:"train_data"`
	DataName     string `json:"data_name"`
	ImagesKey    string `json:"images_key"`
	LabelsKey    string `json:"labels_key"`
	ImageSize    int    `json:"image_size"`
	SaveInterval int    `json:"save_interval"`
	LoadParams   bool   `json:"load_params"`
	Prefetch     int    `json:"prefetch"`
	Shuffle      bool   `json:"shuffle"`

	// Model.
	NrResNet           int     `json:"nr_resnet"`
	NrFilters          int     `json:"nr_filters"`
	NrLogisticMix      int     `json:"nr_logistic_mix"`
	ResNetNonlinearity string  `json:"resnet_nonlinearity"`
	FilterRadius       int     `json:"filter_radius"`
	InitScale          float64 `json:"init_scale"`
	ClassConditional   bool    `json:"class_conditional"`
	NumClasses         int     `json:"num_classes"`
	EnergyDistance     bool    `json:"energy_distance"`

	// Optimization.
	LearningRate  float64 `json:"learning_rate"`
	LRDecay       float64 `json:"lr_decay"`
	BatchSize     int     `json:"batch_size"`
	InitBatchSize int     `json:"init_batch_size"`
	DropoutP      float64 `json:"dropout_p"`
	MaxEpochs     int     `json:"max_epochs"`
	NrGPU         int     `json:"nr_gpu"`

	// Evaluation.
	PolyakDecay float64 `json:"polyak_decay"`
	NumSamples  int     `json:"num_samples"`
	SampleDType string  `json:"sample_dtype"`

	// Reproducibility.
	Seed int `json:"seed"`
}

// Defaults returns the default hyperparameters.
func Defaults() *Hyperparameters {
	return &Hyperparameters{
		SaveDir:      "data",
		TrainData:    "",
		ImagesKey:    "images",
		ImageSize:    32,
		SaveInterval: 20,
		Prefetch:     2,

		NrResNet:           5,
		NrFilters:          160,
		NrLogisticMix:      10,
		ResNetNonlinearity: "concat_elu",
		FilterRadius:       1,
		InitScale:          1.0,
		NumClasses:         10,

		LearningRate:  0.001,
		LRDecay:       0.999995,
		BatchSize:     16,
		InitBatchSize: 16,
		DropoutP:      0.5,
		MaxEpochs:     5000,
		NrGPU:         1,

		PolyakDecay: 0.9995,
		NumSamples:  1,
		SampleDType: "float32",

		Seed: 1,
	}
}

// setting describes one hyperparameter. value is a pointer to an int, float64, string or bool field.
type setting struct {
	name, short, usage string
	value              any
}

func (hp *Hyperparameters) settings() []setting {
	return []setting{
		{"save_dir", "o", "Location for parameter checkpoints and samples", &hp.SaveDir},
		{"train_data", "d", "Location of the training data: an HDF5 (.h5) or NumPy (.npz) file, or a directory of images", &hp.TrainData},
		{"data_name", "", "Name used in the output files. Defaults to the base name of train_data", &hp.DataName},
		{"images_key", "", "Name of the images dataset in the HDF5 or .npz file", &hp.ImagesKey},
		{"labels_key", "", "Name of the labels dataset in the HDF5 or .npz file, or path to a .mat file with the labels of an images directory", &hp.LabelsKey},
		{"image_size", "", "Images read from a directory are resized and cropped to image_size x image_size", &hp.ImageSize},
		{"save_interval", "t", "Every how many epochs to write checkpoint/samples?", &hp.SaveInterval},
		{"load_params", "r", "Restore training from previous model checkpoint?", &hp.LoadParams},
		{"prefetch", "", "Number of batches read ahead in the background. 0 disables prefetching", &hp.Prefetch},
		{"shuffle", "", "Shuffle the training data at every epoch", &hp.Shuffle},

		{"nr_resnet", "q", "Number of residual blocks of the model", &hp.NrResNet},
		{"nr_filters", "n", "Number of filters to use across the model. Higher = larger model.", &hp.NrFilters},
		{"nr_logistic_mix", "m", "Number of logistic components in the mixture. Higher = more flexible model", &hp.NrLogisticMix},
		{"resnet_nonlinearity", "z", `Which nonlinearity to use in the ResNet layers. One of "concat_elu", "elu", "relu"`, &hp.ResNetNonlinearity},
		{"filter_radius", "", "Radius of the masked convolution of the first layer", &hp.FilterRadius},
		{"init_scale", "", "Scale of the first layer outputs after the data-dependent initialization", &hp.InitScale},
		{"class_conditional", "c", "Condition generative model on labels?", &hp.ClassConditional},
		{"num_classes", "", "Number of classes, when class_conditional is set", &hp.NumClasses},
		{"energy_distance", "ed", "Use energy distance in place of likelihood (not supported: likelihood is used)", &hp.EnergyDistance},

		{"learning_rate", "l", "Base learning rate", &hp.LearningRate},
		{"lr_decay", "e", "Learning rate decay, applied every step of the optimization", &hp.LRDecay},
		{"batch_size", "b", "Number of examples of each training step, split evenly across the nr_gpu devices", &hp.BatchSize},
		{"init_batch_size", "u", "How much data to use for data-dependent initialization.", &hp.InitBatchSize},
		{"dropout_p", "p", "Dropout strength (i.e. 1 - keep_prob). 0 = No dropout, higher = more dropout.", &hp.DropoutP},
		{"max_epochs", "x", "How many epochs to run in total?", &hp.MaxEpochs},
		{"nr_gpu", "g", "How many devices to distribute the training across?", &hp.NrGPU},

		{"polyak_decay", "", "Exponential decay rate of the sum of previous model iterates during Polyak averaging", &hp.PolyakDecay},
		{"num_samples", "ns", "How many batches of samples to output.", &hp.NumSamples},
		{"sample_dtype", "", `Element type of the saved sample arrays: "float16", "float32" or "float64"`, &hp.SampleDType},

		{"seed", "s", "Random seed to use", &hp.Seed},
	}
}

// Names returns the names of all hyperparameters, in definition order.
func (hp *Hyperparameters) Names() []string {
	settings := hp.settings()
	names := make([]string, len(settings))
	for ii, s := range settings {
		names[ii] = s.name
	}
	return names
}

func (hp *Hyperparameters) find(name string) (setting, bool) {
	for _, s := range hp.settings() {
		if s.name == name || (s.short != "" && s.short == name) {
			return s, true
		}
	}
	return setting{}, false
}

// Get returns the value of the named hyperparameter.
func (hp *Hyperparameters) Get(name string) (any, error) {
	s, found := hp.find(name)
	if !found {
		return nil, errors.Wrapf(ErrConfiguration, "unknown hyperparameter %q", name)
	}
	switch p := s.value.(type) {
	case *int:
		return *p, nil
	case *float64:
		return *p, nil
	case *string:
		return *p, nil
	case *bool:
		return *p, nil
	}
	return nil, errors.Errorf("hyperparameter %q has unsupported type %T", name, s.value)
}

// Set parses valueStr according to the type of the named hyperparameter and sets it.
//
// For integers "_" is removed, so large numbers can be written like in Go: 1_000_000.
func (hp *Hyperparameters) Set(name, valueStr string) error {
	s, found := hp.find(name)
	if !found {
		return errors.Wrapf(ErrConfiguration, "unknown hyperparameter %q", name)
	}
	valueStr = strings.TrimSpace(valueStr)
	var err error
	switch p := s.value.(type) {
	case *int:
		var v int
		v, err = strconv.Atoi(strings.ReplaceAll(valueStr, "_", ""))
		if err == nil {
			*p = v
		}
	case *float64:
		var v float64
		v, err = strconv.ParseFloat(valueStr, 64)
		if err == nil {
			*p = v
		}
	case *string:
		*p = valueStr
	case *bool:
		var v bool
		v, err = strconv.ParseBool(valueStr)
		if err == nil {
			*p = v
		}
	default:
		err = errors.Errorf("unsupported type %T", s.value)
	}
	if err != nil {
		return errors.Wrapf(ErrConfiguration, "failed to parse value %q for hyperparameter %q: %v", valueStr, s.name, err)
	}
	return nil
}

// Usage returns the description of the named hyperparameter, or "" if it doesn't exist.
func (hp *Hyperparameters) Usage(name string) string {
	s, _ := hp.find(name)
	return s.usage
}

// RegisterFlags defines one flag per hyperparameter in fs, plus an alias flag for the short names.
// The current values are used as the flag defaults.
func (hp *Hyperparameters) RegisterFlags(fs *flag.FlagSet) {
	for _, s := range hp.settings() {
		names := []string{s.name}
		if s.short != "" {
			names = append(names, s.short)
		}
		for ii, name := range names {
			usage := s.usage
			if ii > 0 {
				usage = fmt.Sprintf("Alias to -%s", s.name)
			}
			switch p := s.value.(type) {
			case *int:
				fs.IntVar(p, name, *p, usage)
			case *float64:
				fs.Float64Var(p, name, *p, usage)
			case *string:
				fs.StringVar(p, name, *p, usage)
			case *bool:
				fs.BoolVar(p, name, *p, usage)
			}
		}
	}
}

// Validate checks the hyperparameters, and returns an error wrapping ErrConfiguration describing
// all problems found.
func (hp *Hyperparameters) Validate() error {
	var problems []string
	check := func(ok bool, format string, args ...any) {
		if !ok {
			problems = append(problems, fmt.Sprintf(format, args...))
		}
	}
	check(hp.TrainData != "", "train_data must be set")
	check(hp.SaveDir != "", "save_dir must be set")
	check(hp.ImagesKey != "", "images_key must be set")
	check(hp.ImageSize >= 1, "image_size must be >= 1, got %d", hp.ImageSize)
	check(hp.SaveInterval >= 1, "save_interval must be >= 1, got %d", hp.SaveInterval)
	check(hp.Prefetch >= 0, "prefetch must be >= 0, got %d", hp.Prefetch)
	check(hp.NrResNet >= 0, "nr_resnet must be >= 0, got %d", hp.NrResNet)
	check(hp.NrFilters >= 1, "nr_filters must be >= 1, got %d", hp.NrFilters)
	check(hp.NrLogisticMix >= 1, "nr_logistic_mix must be >= 1, got %d", hp.NrLogisticMix)
	check(slices.Contains(Nonlinearities, hp.ResNetNonlinearity),
		"resnet_nonlinearity must be one of %q, got %q", Nonlinearities, hp.ResNetNonlinearity)
	check(hp.FilterRadius >= 1, "filter_radius must be >= 1, got %d", hp.FilterRadius)
	check(hp.InitScale > 0, "init_scale must be > 0, got %g", hp.InitScale)
	check(!hp.ClassConditional || hp.NumClasses >= 1,
		"num_classes must be >= 1 for class_conditional models, got %d", hp.NumClasses)
	check(!hp.ClassConditional || hp.LabelsKey != "", "class_conditional requires labels_key")
	check(hp.LearningRate > 0, "learning_rate must be > 0, got %g", hp.LearningRate)
	check(hp.LRDecay > 0 && hp.LRDecay <= 1, "lr_decay must be in (0, 1], got %g", hp.LRDecay)
	check(hp.BatchSize >= 1, "batch_size must be >= 1, got %d", hp.BatchSize)
	check(hp.InitBatchSize >= 1, "init_batch_size must be >= 1, got %d", hp.InitBatchSize)
	check(hp.InitBatchSize <= hp.BatchSize,
		"init_batch_size (%d) must be <= batch_size (%d), it is taken from the first batch",
		hp.InitBatchSize, hp.BatchSize)
	check(hp.DropoutP >= 0 && hp.DropoutP < 1, "dropout_p must be in [0, 1), got %g", hp.DropoutP)
	check(hp.MaxEpochs >= 1, "max_epochs must be >= 1, got %d", hp.MaxEpochs)
	check(hp.NrGPU >= 1, "nr_gpu must be >= 1, got %d", hp.NrGPU)
	check(hp.NrGPU < 1 || hp.BatchSize%hp.NrGPU == 0,
		"batch_size (%d) must be divisible by nr_gpu (%d)", hp.BatchSize, hp.NrGPU)
	check(hp.PolyakDecay > 0 && hp.PolyakDecay <= 1, "polyak_decay must be in (0, 1], got %g", hp.PolyakDecay)
	check(hp.NumSamples >= 1, "num_samples must be >= 1, got %d", hp.NumSamples)
	check(slices.Contains(SampleDTypes, hp.SampleDType),
		"sample_dtype must be one of %q, got %q", SampleDTypes, hp.SampleDType)
	check(hp.Seed >= 0, "seed must be >= 0, got %d", hp.Seed)
	if len(problems) > 0 {
		return errors.Wrapf(ErrConfiguration, "%s", strings.Join(problems, "; "))
	}
	return nil
}

// Name returns the name used in the output files: DataName if set, otherwise the base name of
// TrainData without its extension.
func (hp *Hyperparameters) Name() string {
	if hp.DataName != "" {
		return hp.DataName
	}
	base := hp.TrainData
	base = strings.TrimRight(base, "/")
	if idx := strings.LastIndex(base, "/"); idx >= 0 {
		base = base[idx+1:]
	}
	if idx := strings.Index(base, "."); idx > 0 {
		base = base[:idx]
	}
	if base == "" {
		return "pixelcnn"
	}
	return base
}

// Diff returns the names of the hyperparameters whose values differ between hp and other, sorted.
func (hp *Hyperparameters) Diff(other *Hyperparameters) []string {
	diff := sets.Make[string]()
	for _, name := range hp.Names() {
		v0, _ := hp.Get(name)
		v1, _ := other.Get(name)
		if v0 != v1 {
			diff.Insert(name)
		}
	}
	return sets.Sorted(diff)
}
