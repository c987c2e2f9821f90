// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package params

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/pixelcnn/pkg/core/tensors"
)

// Values is an ordered collection of tensors, one per parameter of a Store, in the store's order.
//
// It is used both as a view of the parameter values and as a gradient set.
type Values struct {
	index   map[string]int
	tensors []*tensors.Tensor
}

// Len returns the number of tensors.
func (v *Values) Len() int { return len(v.tensors) }

// At returns the tensor of the i-th parameter.
func (v *Values) At(i int) *tensors.Tensor { return v.tensors[i] }

// Get returns the tensor of the named parameter.
// It panics if there is no such parameter.
func (v *Values) Get(name string) *tensors.Tensor {
	idx, found := v.index[name]
	if !found {
		exceptions.Panicf("params: unknown parameter %q", name)
	}
	return v.tensors[idx]
}

// Has returns whether there is a parameter with the given name.
func (v *Values) Has(name string) bool {
	_, found := v.index[name]
	return found
}

// All returns the tensors in parameter order. The slice is shared: don't modify it.
func (v *Values) All() []*tensors.Tensor { return v.tensors }

// Compatible returns whether the two sets have the same number of tensors with the same shapes.
func (v *Values) Compatible(other *Values) bool {
	if len(v.tensors) != len(other.tensors) {
		return false
	}
	for ii, t := range v.tensors {
		if !t.Shape().Equal(other.tensors[ii].Shape()) {
			return false
		}
	}
	return true
}

// Clone returns a deep copy of the values.
func (v *Values) Clone() *Values {
	c := &Values{index: v.index, tensors: make([]*tensors.Tensor, len(v.tensors))}
	for ii, t := range v.tensors {
		c.tensors[ii] = t.Clone()
	}
	return c
}
