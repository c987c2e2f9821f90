// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"fmt"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

var (
	// ErrOrderingViolation is returned when a training or sampling step is attempted before the
	// data-dependent initialization ran, or when the initialization is attempted more than once or after
	// training started.
	ErrOrderingViolation = errors.New("ordering violation")

	// ErrDeviceFailure is matched (with errors.Is) by the errors of a device replica failing mid-step.
	// It is not recoverable: the last saved checkpoint is the recovery point.
	ErrDeviceFailure = errors.New("device failure")
)

// DeviceError is the error of one device replica. It matches ErrDeviceFailure with errors.Is.
type DeviceError struct {
	Device int
	Err    error
}

// Error implements error.
func (e *DeviceError) Error() string {
	return fmt.Sprintf("%s on device #%d: %v", ErrDeviceFailure, e.Device, e.Err)
}

// Unwrap returns the underlying error.
func (e *DeviceError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrDeviceFailure) true.
func (e *DeviceError) Is(target error) bool { return target == ErrDeviceFailure }

// RunOnDevice runs fn as the work of the given device: a returned error or a panic is converted
// to a *DeviceError.
func RunOnDevice(device int, fn func() error) error {
	var err error
	exception := exceptions.Try(func() { err = fn() })
	if exception != nil {
		if panicErr, ok := exception.(error); ok {
			err = errors.WithMessage(panicErr, "panic")
		} else {
			err = errors.Errorf("panic: %v", exception)
		}
	}
	if err != nil {
		return &DeviceError{Device: device, Err: err}
	}
	return nil
}
