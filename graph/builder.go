// Copyright 2026 The Distbuild Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package graph

import (
	"fmt"
)

// Status is the terminal status of a finished edge.
type Status int

const (
	// StatusSuccess indicates the edge's command exited zero (locally)
	// or the slave reported success and every output was fetched.
	StatusSuccess Status = iota
	// StatusFailure indicates the edge's command exited non-zero.
	StatusFailure
)

// Result is what CommandRunner.WaitForCommand fills in, and what the
// driver passes to Builder.FinishCommand.
type Result struct {
	Edge   *Edge
	Status Status
	Output string
}

// CommandRunner is the contract the build driver implements and the
// Builder drives. It mirrors the C++ Ninja CommandRunner interface that
// spec.md treats as the seam between "what to build" (this package) and
// "where to run it" (the master build driver).
type CommandRunner interface {
	// CanRunMore reports whether another command could be started right
	// now, locally or remotely.
	CanRunMore() bool
	// StartCommand dispatches edge. forceLocal is set for edges the
	// Builder has decided must not go remote (e.g. console edges).
	// It returns false if the runner refused to start the edge at all.
	StartCommand(edge *Edge, forceLocal bool) bool
	// WaitForCommand blocks until a local command finishes, filling
	// result, or until other work (such as a remote completion) has been
	// handled, in which case it returns true with result.Edge left nil.
	// It returns false if interrupted.
	WaitForCommand(result *Result) bool
	// HasPendingLocalCommands reports whether any local subprocess is
	// still tracked by the runner.
	HasPendingLocalCommands() bool
	// Abort cancels all local work. Outstanding remote work is left to
	// complete or be dropped by the runner.
	Abort()
}

type edgeState struct {
	want    int // number of unfinished producer-edges this edge waits on
	started bool
	done    bool
}

// Builder walks the ready edges of a Graph and drives a CommandRunner
// until every needed edge has finished or the build fails.
//
// Builder holds no mutex: every method is called from the single MAIN
// goroutine, either directly from RunBuild's own loop or from a closure
// posted to MAIN by the RPC thread (see the threadmodel package). That
// single-goroutine discipline is the invariant spec.md describes as "no
// shared locks in the driver."
type Builder struct {
	g       *Graph
	states  map[*Edge]*edgeState
	ready   []*Edge
	waiting map[*Node][]*Edge // node -> edges blocked on this node's producer

	failed bool
}

// NewBuilder creates a Builder for g.
func NewBuilder(g *Graph) *Builder {
	return &Builder{
		g:      g,
		states: make(map[*Edge]*edgeState),
	}
}

// plan computes the transitive edge set needed to build targets and
// seeds the ready queue with edges that have no unfinished dependency.
func (b *Builder) plan(targets []*Node) {
	visited := make(map[*Edge]bool)
	var visit func(n *Node)
	visit = func(n *Node) {
		e, ok := n.InEdge()
		if !ok || visited[e] {
			return
		}
		visited[e] = true
		for _, in := range e.Inputs() {
			visit(in)
		}
	}
	for _, t := range targets {
		visit(t)
	}
	for e := range visited {
		want := 0
		for _, in := range e.Inputs() {
			if depEdge, ok := in.InEdge(); ok && visited[depEdge] {
				want++
			}
		}
		b.states[e] = &edgeState{want: want}
		if want == 0 {
			b.ready = append(b.ready, e)
		}
	}
}

// FinishCommand records a terminal result for edge and unblocks any
// edges that were waiting on one of its outputs. It is the single
// mutation point the driver calls into for both local completions
// (via RunBuild's own WaitForCommand loop) and remote completions
// (posted directly from the RPC thread, per spec.md §4.4).
func (b *Builder) FinishCommand(result *Result) {
	st, ok := b.states[result.Edge]
	if !ok || st.done {
		// Unknown or already-finished edge: a late remote completion
		// for an edge that was retried and finished locally already.
		// Dropping it here is the DROPPED terminal state from spec.md §9.
		return
	}
	st.done = true
	if result.Status == StatusFailure {
		b.failed = true
		return
	}
	for _, out := range result.Edge.Outputs() {
		for _, dep := range out.OutEdges() {
			dst, ok := b.states[dep]
			if !ok || dst.started || dst.done {
				continue
			}
			dst.want--
			if dst.want == 0 {
				b.ready = append(b.ready, dep)
			}
		}
	}
}

// Retry re-queues edge for dispatch, used when a remote command fails
// and the edge must be re-attempted locally on the next ready pass
// (spec.md §4.4 "remote completion handler").
func (b *Builder) Retry(edge *Edge) {
	st, ok := b.states[edge]
	if !ok || st.done {
		return
	}
	st.started = false
	b.ready = append(b.ready, edge)
}

// RunBuild drives runner until every edge needed to build targets has
// finished, or the build fails, or WaitForCommand reports interruption.
//
// Remote completions never come back through WaitForCommand's result
// parameter: the driver's RPC-thread handler calls b.FinishCommand
// directly while WaitForCommand is polling (see graph.Builder's doc
// comment and spec.md §4.4). WaitForCommand signals that something
// changed by returning true with result.Edge left nil; RunBuild treats
// that as "re-check the ready queue" rather than a local completion.
func (b *Builder) RunBuild(targets []*Node, runner CommandRunner) error {
	b.plan(targets)
	for {
		for len(b.ready) > 0 && runner.CanRunMore() {
			e := b.ready[0]
			b.ready = b.ready[1:]
			st := b.states[e]
			if st.started || st.done {
				continue
			}
			st.started = true
			if !runner.StartCommand(e, e.UseConsole) {
				b.FinishCommand(&Result{Edge: e, Status: StatusFailure})
				continue
			}
		}
		if b.allDone() {
			break
		}
		if !b.anyInFlight() {
			// Nothing running anywhere and nothing ready: the build has
			// stalled (a cycle, or every remaining edge already failed).
			break
		}
		var result Result
		if !runner.WaitForCommand(&result) {
			return fmt.Errorf("build interrupted")
		}
		if result.Edge != nil {
			b.FinishCommand(&result)
		}
	}
	if b.failed {
		return fmt.Errorf("build failed")
	}
	return nil
}

func (b *Builder) allDone() bool {
	for _, st := range b.states {
		if !st.done {
			return false
		}
	}
	return true
}

// anyInFlight reports whether any edge has been dispatched (locally or
// remotely) but not yet finished.
func (b *Builder) anyInFlight() bool {
	for _, st := range b.states {
		if st.started && !st.done {
			return true
		}
	}
	return false
}
