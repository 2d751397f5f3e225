// Copyright 2026 The Distbuild Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package master

import (
	"context"
	"fmt"
	"sync"

	"infra/distbuild/graph"
)

// Session holds the build session state described in the data model:
// a latch on is_building, and an optional gate on how many slaves must
// have registered before the build is allowed to start.
type Session struct {
	mu             sync.Mutex
	cond           *sync.Cond
	maxSlaveAmount int
	registry       *Registry

	building bool
	started  chan struct{}
	err      error
}

// NewSession creates a session that requires at least maxSlaveAmount
// admitted slaves before StartBuild proceeds. maxSlaveAmount <= 0 means
// no gate: StartBuild proceeds immediately.
func NewSession(registry *Registry, maxSlaveAmount int) *Session {
	s := &Session{
		maxSlaveAmount: maxSlaveAmount,
		registry:       registry,
		started:        make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// OnSlaveAdmitted must be called after Registry.Admit every time a slave
// is admitted (Service.handleConnection does so on the connection's
// read-loop goroutine); it wakes a StartBuild call blocked on the
// max-slave-amount gate.
func (s *Session) OnSlaveAdmitted() {
	s.mu.Lock()
	s.cond.Broadcast()
	s.mu.Unlock()
}

// StartBuild runs a build to completion, driving builder against
// targets. It is idempotent: a second call while a build is already in
// progress (or already finished) is a no-op that returns the first
// call's result.
func (s *Session) StartBuild(ctx context.Context, targets []*graph.Node, driver *Driver, builder *graph.Builder) error {
	s.mu.Lock()
	if s.building {
		s.mu.Unlock()
		<-s.started
		return s.err
	}
	s.building = true
	s.mu.Unlock()

	if err := s.waitForSlaveGate(ctx); err != nil {
		s.err = err
		close(s.started)
		return err
	}

	err := builder.RunBuild(targets, driver)
	if err != nil {
		err = fmt.Errorf("build: %w", err)
	}
	s.err = err
	close(s.started)
	return err
}

// waitForSlaveGate blocks until at least maxSlaveAmount slaves have
// registered, or ctx is done.
func (s *Session) waitForSlaveGate(ctx context.Context) error {
	if s.maxSlaveAmount <= 0 {
		return nil
	}
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			s.cond.Broadcast()
			s.mu.Unlock()
		case <-stop:
		}
	}()

	s.mu.Lock()
	defer s.mu.Unlock()
	for s.registry.Count() < s.maxSlaveAmount {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.cond.Wait()
	}
	return nil
}
