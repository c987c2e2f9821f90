// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package datasets

import (
	"io"

	"github.com/gomlx/pixelcnn/pkg/ml/train"
	"github.com/gomlx/pixelcnn/pkg/support/xsync"
)

// PrefetchDataset wraps a train.Dataset and reads its batches ahead in a background goroutine,
// so loading the next batch overlaps with the training step. The order of the batches is preserved.
//
// It is not safe for concurrent use: Yield and Reset must be called from the same goroutine, as the
// training loop does.
type PrefetchDataset struct {
	ds     train.Dataset
	buffer int

	// Per-epoch state, valid while running is true.
	running bool
	results chan yieldResult
	stop    *xsync.Latch
	done    *xsync.Latch
}

type yieldResult struct {
	batch *train.Batch
	err   error
}

var _ train.Dataset = (*PrefetchDataset)(nil)

// Prefetch returns a dataset that reads up to buffer batches of ds ahead. buffer must be >= 1.
//
// To avoid leaking the goroutine when abandoning an epoch midway, call Close.
func Prefetch(ds train.Dataset, buffer int) *PrefetchDataset {
	return &PrefetchDataset{ds: ds, buffer: max(buffer, 1)}
}

// Name implements train.Dataset.
func (p *PrefetchDataset) Name() string { return p.ds.Name() }

func (p *PrefetchDataset) start() {
	p.results = make(chan yieldResult, p.buffer)
	p.stop = xsync.NewLatch()
	p.done = xsync.NewLatch()
	p.running = true
	go p.run(p.results, p.stop, p.done)
}

// run reads batches until the end of the epoch, an error or being stopped.
func (p *PrefetchDataset) run(results chan<- yieldResult, stop, done *xsync.Latch) {
	defer done.Trigger()
	defer close(results)
	for {
		batch, err := p.ds.Yield()
		select {
		case results <- yieldResult{batch: batch, err: err}:
		case <-stop.WaitChan():
			return
		}
		if err != nil {
			return
		}
	}
}

// Yield implements train.Dataset.
func (p *PrefetchDataset) Yield() (*train.Batch, error) {
	if !p.running {
		p.start()
	}
	result, ok := <-p.results
	if !ok {
		return nil, io.EOF
	}
	return result.batch, result.err
}

// Close stops the background reading of the current epoch, if any.
func (p *PrefetchDataset) Close() {
	if !p.running {
		return
	}
	p.stop.Trigger()
	for range p.results {
	}
	p.done.Wait()
	p.running = false
}

// Reset implements train.Dataset. It stops the current epoch and resets the underlying dataset.
func (p *PrefetchDataset) Reset() {
	p.Close()
	p.ds.Reset()
}
