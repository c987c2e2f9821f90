// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package params implements the parameter store: the single owner of the trainable parameters of a model.
//
// Each parameter has a live value, updated by the optimizer, and a shadow value holding the
// exponential moving average (Polyak averaging) of the live values, used for evaluation and sampling.
//
// The store guards its values with a read-write lock: replicas read under Store.Read and the
// optimizer mutates under Store.Update, so readers never observe a half-applied update.
package params

import (
	"fmt"
	"math/rand/v2"
	"sync"

	"github.com/gomlx/pixelcnn/pkg/core/shapes"
	"github.com/gomlx/pixelcnn/pkg/core/tensors"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// ErrShapeMismatch is returned when restoring values whose names or shapes don't match the store.
var ErrShapeMismatch = errors.New("parameter shape mismatch")

// View selects which values of the parameters to use.
type View int

const (
	// ViewLive selects the live values, the ones updated at every training step.
	ViewLive View = iota

	// ViewShadow selects the exponential moving average of the live values.
	ViewShadow
)

// String implements fmt.Stringer.
func (v View) String() string {
	switch v {
	case ViewLive:
		return "live"
	case ViewShadow:
		return "shadow"
	}
	return fmt.Sprintf("View(%d)", int(v))
}

// InitFn initializes the value of a newly created parameter.
type InitFn func(rng *rand.Rand, value *tensors.Tensor)

// Spec describes a parameter to be created in the Store.
type Spec struct {
	Name  string
	Shape shapes.Shape

	// Init is the initializer of the value. If nil the parameter is initialized with zeros.
	Init InitFn
}

// Parameter is a named trainable tensor with its shadow (moving average) copy.
type Parameter struct {
	Name  string
	Shape shapes.Shape

	live, shadow *tensors.Tensor
}

// Store owns all the parameters of a model, in creation order.
type Store struct {
	mu         sync.RWMutex
	parameters []*Parameter
	index      map[string]int
}

// NewStore creates the store with the parameters given by the specs, initialized with rng.
// The shadow values start as a copy of the live values.
//
// It returns an error if specs is empty or if any name is repeated.
func NewStore(specs []Spec, rng *rand.Rand) (*Store, error) {
	if len(specs) == 0 {
		return nil, errors.New("params.NewStore(): no parameters given")
	}
	s := &Store{
		parameters: make([]*Parameter, 0, len(specs)),
		index:      make(map[string]int, len(specs)),
	}
	for _, spec := range specs {
		if spec.Name == "" {
			return nil, errors.Errorf("params.NewStore(): parameter #%d has no name", len(s.parameters))
		}
		if _, found := s.index[spec.Name]; found {
			return nil, errors.Errorf("params.NewStore(): parameter %q defined more than once", spec.Name)
		}
		live := tensors.FromShape(spec.Shape)
		if spec.Init != nil {
			spec.Init(rng, live)
		}
		s.index[spec.Name] = len(s.parameters)
		s.parameters = append(s.parameters, &Parameter{
			Name:   spec.Name,
			Shape:  spec.Shape.Clone(),
			live:   live,
			shadow: live.Clone(),
		})
	}
	return s, nil
}

// Len returns the number of parameters.
func (s *Store) Len() int { return len(s.parameters) }

// Names of the parameters, in creation order.
func (s *Store) Names() []string {
	names := make([]string, len(s.parameters))
	for ii, p := range s.parameters {
		names[ii] = p.Name
	}
	return names
}

// Shapes of the parameters, in creation order.
func (s *Store) Shapes() []shapes.Shape {
	result := make([]shapes.Shape, len(s.parameters))
	for ii, p := range s.parameters {
		result[ii] = p.Shape
	}
	return result
}

// NumValues returns the total number of scalar values across all parameters.
func (s *Store) NumValues() (total int) {
	for _, p := range s.parameters {
		total += p.Shape.Size()
	}
	return
}

// values returns a view of the given values of the parameters.
// The view shares the underlying tensors: it should only be used within Read or Update.
func (s *Store) values(view View) *Values {
	v := &Values{index: s.index, tensors: make([]*tensors.Tensor, len(s.parameters))}
	for ii, p := range s.parameters {
		if view == ViewShadow {
			v.tensors[ii] = p.shadow
		} else {
			v.tensors[ii] = p.live
		}
	}
	return v
}

// Read calls fn with the selected values while holding the read lock.
// fn must not modify the values nor keep references to them after it returns.
func (s *Store) Read(view View, fn func(values *Values) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(s.values(view))
}

// Update calls fn with the live and shadow values while holding the write lock.
// All changes fn makes are observed atomically by readers.
func (s *Store) Update(fn func(live, shadow *Values) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.values(ViewLive), s.values(ViewShadow))
}

// ApplyEMAUpdate updates every shadow value with `shadow = decay*shadow + (1-decay)*live`.
func (s *Store) ApplyEMAUpdate(decay float64) {
	_ = s.Update(func(live, shadow *Values) error {
		ApplyEMA(live, shadow, decay)
		return nil
	})
}

// ApplyEMA updates the shadow values with `shadow = decay*shadow + (1-decay)*live`.
// It doesn't lock anything, use it from within Store.Update.
func ApplyEMA(live, shadow *Values, decay float64) {
	for ii, liveT := range live.tensors {
		shadowFlat := shadow.tensors[ii].Flat()
		floats.Scale(decay, shadowFlat)
		floats.AddScaled(shadowFlat, 1-decay, liveT.Flat())
	}
}

// SyncShadow sets the shadow values to a copy of the live values.
func (s *Store) SyncShadow() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.parameters {
		p.shadow.CopyFrom(p.live)
	}
}

// Snapshot returns a deep copy of the selected values, keyed by parameter name.
func (s *Store) Snapshot(view View) map[string]*tensors.Tensor {
	snapshot := make(map[string]*tensors.Tensor, len(s.parameters))
	_ = s.Read(view, func(values *Values) error {
		for ii, p := range s.parameters {
			snapshot[p.Name] = values.tensors[ii].Clone()
		}
		return nil
	})
	return snapshot
}

// Restore replaces the live values with the snapshot, and resets the shadow values to the same values.
//
// The snapshot must have exactly the same parameter names and shapes as the store, otherwise
// nothing is changed and an error wrapping ErrShapeMismatch is returned.
func (s *Store) Restore(snapshot map[string]*tensors.Tensor) error {
	if err := s.CheckCompatible(snapshot); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.parameters {
		p.live.CopyFrom(snapshot[p.Name])
		p.shadow.CopyFrom(p.live)
	}
	return nil
}

// CheckCompatible returns an error wrapping ErrShapeMismatch if the snapshot doesn't have exactly
// the same parameter names and shapes as the store.
func (s *Store) CheckCompatible(snapshot map[string]*tensors.Tensor) error {
	for _, p := range s.parameters {
		value, found := snapshot[p.Name]
		if !found {
			return errors.Wrapf(ErrShapeMismatch, "parameter %q missing", p.Name)
		}
		if !value.Shape().Equal(p.Shape) {
			return errors.Wrapf(ErrShapeMismatch, "parameter %q has shape %s, expected %s", p.Name, value.Shape(), p.Shape)
		}
	}
	if len(snapshot) != len(s.parameters) {
		for name := range snapshot {
			if _, found := s.index[name]; !found {
				return errors.Wrapf(ErrShapeMismatch, "unknown parameter %q", name)
			}
		}
	}
	return nil
}

// ZeroGradients returns a zero-initialized set of tensors, one per parameter, with the parameters' shapes.
func (s *Store) ZeroGradients() *Values {
	v := &Values{index: s.index, tensors: make([]*tensors.Tensor, len(s.parameters))}
	for ii, p := range s.parameters {
		v.tensors[ii] = tensors.FromShape(p.Shape)
	}
	return v
}
