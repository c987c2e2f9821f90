// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package xsync implements synchronization primitives missing from the standard sync package.
package xsync

import "sync"

// Latch is a one-shot signal: once triggered it stays triggered, and all waiters are released.
type Latch struct {
	once sync.Once
	c    chan struct{}
}

// NewLatch returns an un-triggered latch.
func NewLatch() *Latch {
	return &Latch{c: make(chan struct{})}
}

// Trigger the latch. It is safe to call it more than once, and concurrently.
func (l *Latch) Trigger() {
	l.once.Do(func() { close(l.c) })
}

// Wait blocks until the latch is triggered.
func (l *Latch) Wait() { <-l.c }

// WaitChan returns a channel closed when the latch triggers, for use in a select.
func (l *Latch) WaitChan() <-chan struct{} { return l.c }
