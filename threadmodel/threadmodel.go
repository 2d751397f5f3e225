// Copyright 2026 The Distbuild Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package threadmodel provides the named long-lived goroutines the rest
// of this repository is built on top of — MAIN (build driver state),
// RPC (socket I/O and framing), FILE (the webui feed and slave file
// server) — plus a bounded blocking pool for synchronous HTTP artifact
// fetches. The only cross-thread primitive is PostTask: closures posted
// to a Thread run in FIFO order on that thread's single goroutine, so
// code running on MAIN never needs a lock around driver state.
package threadmodel

// Thread is a single goroutine draining a FIFO queue of posted tasks.
type Thread struct {
	name  string
	tasks chan func()
	done  chan struct{}
}

// New starts a named thread and returns a handle to it. Tasks posted
// before the caller reads the handle back are still delivered in order.
func New(name string) *Thread {
	t := &Thread{
		name:  name,
		tasks: make(chan func(), 256),
		done:  make(chan struct{}),
	}
	go t.run()
	return t
}

func (t *Thread) run() {
	defer close(t.done)
	for f := range t.tasks {
		f()
	}
}

// Name returns the thread's name, for logging.
func (t *Thread) Name() string { return t.name }

// PostTask enqueues f to run on this thread. It never blocks on f's
// execution, only on the queue itself being full.
func (t *Thread) PostTask(f func()) {
	t.tasks <- f
}

// Stop closes the task queue and waits for the thread to drain it.
func (t *Thread) Stop() {
	close(t.tasks)
	<-t.done
}

// Pool is a fixed-size set of worker goroutines used for the one
// suspension point that isn't owned by a single named thread: blocking
// HTTP GETs during artifact fetch. Unlike Thread, tasks run concurrently
// across workers, not FIFO.
type Pool struct {
	tasks chan func()
	done  chan struct{}
}

// NewPool starts n worker goroutines pulling from a shared task queue.
func NewPool(n int) *Pool {
	if n < 1 {
		n = 1
	}
	p := &Pool{
		tasks: make(chan func(), 256),
		done:  make(chan struct{}),
	}
	for i := 0; i < n; i++ {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	for f := range p.tasks {
		f()
	}
}

// PostTask enqueues f to run on whichever worker picks it up next.
func (p *Pool) PostTask(f func()) {
	p.tasks <- f
}

// Stop closes the task queue. In-flight tasks finish; no new ones are
// accepted.
func (p *Pool) Stop() {
	close(p.tasks)
}
