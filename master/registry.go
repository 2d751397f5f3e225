// Copyright 2026 The Distbuild Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package master implements the build driver, slave registry, and
// artifact fetcher that run on the process holding the authoritative
// build graph.
package master

import (
	"sync"

	"infra/distbuild/rpc"
)

// Slave is the master's view of one admitted slave connection.
type Slave struct {
	ID           int
	Conn         *rpc.Conn
	ArtifactHost string // host:port of the slave's file server

	OSName        string
	OSArch        string
	NumProcessors int

	// Running is the number of commands the driver has dispatched to
	// this slave and not yet seen complete. It is the authoritative
	// count used for slave selection; it changes the instant the
	// driver dispatches or completes a command, without waiting on the
	// next periodic StatusUpdate. Mutate it only through
	// Registry.IncrementRunning/DecrementRunning, which hold the
	// registry's lock.
	Running int

	// LoadAverage and AvailablePhysicalMemory are informational,
	// refreshed by the slave's periodic StatusUpdate.
	LoadAverage             float64
	AvailablePhysicalMemory uint64
}

// RemoteCapacity is this slave's contribution to the aggregate remote
// capacity: floor(1.5 * cores).
func (s *Slave) RemoteCapacity() int {
	return (s.NumProcessors * 3) / 2
}

// Registry is the master's {connection -> slave metadata} table.
//
// Registry is mutated from two different sides: Admit/UpdateStatus/
// Remove run directly on each connection's own read-loop goroutine
// (there is one per slave), while Count/AggregateRemoteCapacity/
// SelectSlave and the Running counters are read and written from MAIN
// as the driver dispatches and completes commands. mu guards the whole
// table, including the mutable fields of each Slave, rather than
// funneling every admission event through MAIN's task queue.
type Registry struct {
	masterOS   string
	masterArch string

	mu     sync.Mutex
	order  []int // insertion order, for deterministic tie-breaking
	slaves map[int]*Slave
	nextID int
}

// NewRegistry creates an empty registry that admits slaves matching
// masterOS/masterArch.
func NewRegistry(masterOS, masterArch string) *Registry {
	return &Registry{
		masterOS:   masterOS,
		masterArch: masterArch,
		slaves:     make(map[int]*Slave),
	}
}

// NextConnID allocates an opaque connection identifier for a freshly
// accepted connection, before its SystemInfo has been seen.
func (r *Registry) NextConnID() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	return r.nextID
}

// Admit inserts a slave into the registry if its OS/arch match the
// master's, returning the new Slave and true. If they don't match, the
// slave is never inserted and Admit returns (nil, false); the caller
// must send Quit and close the connection.
func (r *Registry) Admit(id int, conn *rpc.Conn, info rpc.SystemInfo, artifactHost string) (*Slave, bool) {
	if info.OSName != r.masterOS || info.OSArch != r.masterArch {
		return nil, false
	}
	s := &Slave{
		ID:            id,
		Conn:          conn,
		ArtifactHost:  artifactHost,
		OSName:        info.OSName,
		OSArch:        info.OSArch,
		NumProcessors: info.NumProcessors,
	}
	r.mu.Lock()
	r.slaves[id] = s
	r.order = append(r.order, id)
	r.mu.Unlock()
	return s, true
}

// Remove drops a slave from the registry, e.g. on disconnect.
func (r *Registry) Remove(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.slaves, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Get returns the slave for id, or nil if not admitted.
func (r *Registry) Get(id int) *Slave {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.slaves[id]
}

// UpdateStatus applies a StatusUpdate to an admitted slave. It is a
// no-op if id isn't in the registry (the master ignores StatusUpdate
// from a connection that never sent, or failed, SystemInfo).
func (r *Registry) UpdateStatus(id int, su rpc.StatusUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.slaves[id]
	if !ok {
		return
	}
	s.LoadAverage = su.LoadAverage
	s.AvailablePhysicalMemory = su.AvailablePhysicalMemory
}

// IncrementRunning records that one more command has been dispatched
// to slave id, as part of selecting it for remote dispatch. It is a
// no-op if id isn't in the registry (the slave disconnected between
// SelectSlave and this call).
func (r *Registry) IncrementRunning(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.slaves[id]; ok {
		s.Running++
	}
}

// DecrementRunning records that a command previously counted by
// IncrementRunning has finished, failed, or been abandoned. It is a
// no-op if id isn't in the registry.
func (r *Registry) DecrementRunning(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.slaves[id]; ok {
		s.Running--
	}
}

// Count returns the number of admitted slaves.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.slaves)
}

// AggregateRemoteCapacity returns Σ floor(1.5 * cores) over admitted
// slaves.
func (r *Registry) AggregateRemoteCapacity() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := 0
	for _, s := range r.slaves {
		total += s.RemoteCapacity()
	}
	return total
}

// SelectSlave picks the admitted slave with the most spare capacity
// (num_processors - Running), breaking ties by registry insertion
// order. It returns (nil, false) if no slave is registered.
func (r *Registry) SelectSlave() (*Slave, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var best *Slave
	bestSpare := -1 << 62
	for _, id := range r.order {
		s, ok := r.slaves[id]
		if !ok {
			continue
		}
		spare := s.NumProcessors - s.Running
		if spare > bestSpare {
			bestSpare = spare
			best = s
		}
	}
	if best == nil {
		return nil, false
	}
	return best, true
}
