// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optimizers

import "math"

// ExponentialDecay is a learning rate schedule that multiplies the learning rate by Decay before every step.
// There is no floor: the learning rate approaches zero but never reaches it.
type ExponentialDecay struct {
	Initial float64
	Decay   float64

	current float64
	steps   int
}

// NewExponentialDecay creates the schedule starting at learning rate initial.
func NewExponentialDecay(initial, decay float64) *ExponentialDecay {
	return &ExponentialDecay{Initial: initial, Decay: decay, current: initial}
}

// Peek returns the learning rate Next would return, without advancing the schedule.
func (s *ExponentialDecay) Peek() float64 { return s.current * s.Decay }

// Next decays the learning rate and returns the value to use in the next step.
func (s *ExponentialDecay) Next() float64 {
	s.current *= s.Decay
	s.steps++
	return s.current
}

// Current returns the learning rate after the steps taken so far.
func (s *ExponentialDecay) Current() float64 { return s.current }

// Steps returns the number of times Next was called.
func (s *ExponentialDecay) Steps() int { return s.steps }

// LearningRateAt returns the closed form of the learning rate after t steps: initial * decay^t.
func LearningRateAt(initial, decay float64, t int) float64 {
	return initial * math.Pow(decay, float64(t))
}
