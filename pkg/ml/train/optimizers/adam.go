// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optimizers

import (
	"math"

	"github.com/gomlx/pixelcnn/pkg/ml/params"
	"github.com/pkg/errors"
)

// Adam optimization is a stochastic gradient descent method based on an adaptive estimation of first-order and
// second-order moments. See [Kingma et al., 2014](http://arxiv.org/abs/1412.6980).
//
// This version adds epsilon to the bias-corrected second moment before taking the square root:
//
//	m = beta1*m + (1-beta1)*g
//	v = beta2*v + (1-beta2)*g²
//	p = p - lr * (m/(1-beta1^t)) / sqrt(v/(1-beta2^t) + epsilon)
//
// with t starting at 1.
//
// It returns a configuration object that can be used to set its parameters. Once configured, call AdamConfig.Done.
func Adam() *AdamConfig {
	return &AdamConfig{
		beta1:   0.95,
		beta2:   0.9995,
		epsilon: 1e-8,
	}
}

// AdamConfig holds the configuration for Adam. Create it with Adam() and call Done once configured.
type AdamConfig struct {
	beta1, beta2 float64
	epsilon      float64
}

// Betas sets the moving average coefficients of the first and second moments.
func (c *AdamConfig) Betas(beta1, beta2 float64) *AdamConfig {
	c.beta1, c.beta2 = beta1, beta2
	return c
}

// Epsilon sets the value added to the second moment inside the square root.
func (c *AdamConfig) Epsilon(epsilon float64) *AdamConfig {
	c.epsilon = epsilon
	return c
}

// Done returns the configured optimizer.
func (c *AdamConfig) Done() *AdamOptimizer {
	return &AdamOptimizer{config: *c}
}

// AdamOptimizer implements Interface. Create it with Adam().Done().
type AdamOptimizer struct {
	config AdamConfig

	numSteps int
	// Moments, one per parameter: m is only allocated if beta1 > 0.
	m, v [][]float64
}

var _ Interface = (*AdamOptimizer)(nil)

// NumSteps implements Interface.
func (o *AdamOptimizer) NumSteps() int { return o.numSteps }

// Clear implements Interface.
func (o *AdamOptimizer) Clear() {
	o.numSteps = 0
	o.m, o.v = nil, nil
}

// Moments returns the first and second moment estimates of the i-th parameter. The first is nil if beta1 == 0.
// The slices are shared: don't modify them.
func (o *AdamOptimizer) Moments(i int) (m, v []float64) {
	if o.v == nil {
		return nil, nil
	}
	if o.m != nil {
		m = o.m[i]
	}
	return m, o.v[i]
}

// Apply implements Interface.
func (o *AdamOptimizer) Apply(live, grads *params.Values, learningRate float64) error {
	if !live.Compatible(grads) {
		return errors.New("Adam: gradients don't match the parameters")
	}
	if o.v == nil {
		o.allocate(live)
	} else if len(o.v) != live.Len() {
		return errors.Errorf("Adam: optimizer state has %d parameters, got %d", len(o.v), live.Len())
	}
	o.numSteps++
	beta1, beta2 := o.config.beta1, o.config.beta2
	t := float64(o.numSteps)
	correction1 := 1 - math.Pow(beta1, t)
	correction2 := 1 - math.Pow(beta2, t)
	for ii, param := range live.All() {
		p, g, v := param.Flat(), grads.At(ii).Flat(), o.v[ii]
		for jj, gValue := range g {
			v[jj] = beta2*v[jj] + (1-beta2)*gValue*gValue
			step := gValue
			if o.m != nil {
				m := o.m[ii]
				m[jj] = beta1*m[jj] + (1-beta1)*gValue
				step = m[jj] / correction1
			}
			p[jj] -= learningRate * step / math.Sqrt(v[jj]/correction2+o.config.epsilon)
		}
	}
	return nil
}

func (o *AdamOptimizer) allocate(live *params.Values) {
	o.v = make([][]float64, live.Len())
	if o.config.beta1 > 0 {
		o.m = make([][]float64, live.Len())
	}
	for ii, param := range live.All() {
		o.v[ii] = make([]float64, param.Size())
		if o.m != nil {
			o.m[ii] = make([]float64, param.Size())
		}
	}
}
