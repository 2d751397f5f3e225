// Copyright 2026 The Distbuild Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package master

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"infra/distbuild/execute"
	"infra/distbuild/execute/localexec"
	"infra/distbuild/graph"
	"infra/distbuild/o11y/clog"
	"infra/distbuild/rpc"
	"infra/distbuild/threadmodel"
	"infra/distbuild/webui"
)

// localProc is the local subprocess record for one in-flight edge:
// process handle (via its cancel func), owning edge, nothing more —
// stdout/stderr/exit status live on the execute.Cmd until the run
// goroutine turns them into a graph.Result.
type localProc struct {
	edge   *graph.Edge
	cancel context.CancelFunc
}

// Driver implements graph.CommandRunner: it is the seam the graph
// engine's Builder calls into to get edges run, locally or on a slave.
//
// All driver state (running, outstanding, pendingRemote, retriedLocal)
// is mutated only from the goroutine that calls RunBuild — "MAIN" in
// spec terms. The RPC thread and the blocking pool never touch it
// directly; they post closures to mainTasks, which WaitForCommand drains
// one at a time while it is MAIN's turn to block. The one exception is
// Abort, documented on its own doc comment.
type Driver struct {
	registry   *Registry
	builder    *graph.Builder
	rpcThread  *threadmodel.Thread
	pool       *threadmodel.Pool
	feed       *webui.Feed
	httpClient *http.Client

	execRoot    string
	localBudget int

	running   map[*graph.Edge]*localProc
	localDone chan *graph.Result

	mainTasks chan func()

	outstanding   map[string]*graph.Edge
	pendingRemote int
	retriedLocal  map[*graph.Edge]bool

	abortMu   sync.Mutex
	cancelFns []context.CancelFunc
	aborted   chan struct{}
	abortOnce sync.Once
}

// NewDriver creates a Driver bound to registry and builder, running
// local subprocesses rooted at execRoot with up to localBudget of them
// concurrently.
func NewDriver(execRoot string, localBudget int, registry *Registry, builder *graph.Builder, rpcThread *threadmodel.Thread, pool *threadmodel.Pool, feed *webui.Feed) *Driver {
	if localBudget < 1 {
		localBudget = 1
	}
	return &Driver{
		registry:     registry,
		builder:      builder,
		rpcThread:    rpcThread,
		pool:         pool,
		feed:         feed,
		httpClient:   &http.Client{},
		execRoot:     execRoot,
		localBudget:  localBudget,
		running:      make(map[*graph.Edge]*localProc),
		localDone:    make(chan *graph.Result, 1),
		mainTasks:    make(chan func(), 256),
		outstanding:  make(map[string]*graph.Edge),
		retriedLocal: make(map[*graph.Edge]bool),
		aborted:      make(chan struct{}),
	}
}

// CanRunMore reports LocalCanRunMore() || RemoteCanRunMore().
func (d *Driver) CanRunMore() bool {
	return d.localCanRunMore() || d.remoteCanRunMore()
}

func (d *Driver) localCanRunMore() bool {
	return len(d.running) < d.localBudget
}

func (d *Driver) remoteCanRunMore() bool {
	return d.registry.Count() > 0 && d.pendingRemote < d.registry.AggregateRemoteCapacity()
}

// HasPendingLocalCommands reports whether any local subprocess is still
// tracked.
func (d *Driver) HasPendingLocalCommands() bool {
	return len(d.running) > 0
}

// StartCommand dispatches edge locally or remotely, per §4.4: forceLocal
// or an empty registry means local; otherwise remote is attempted first,
// falling back to local if no slave is selectable (the registry can
// become empty between CanRunMore and StartCommand) or if this edge was
// already retried once after a remote failure.
func (d *Driver) StartCommand(edge *graph.Edge, forceLocal bool) bool {
	if forceLocal || d.registry.Count() == 0 || d.retriedLocal[edge] {
		return d.dispatchLocal(edge)
	}
	if d.dispatchRemote(edge) {
		return true
	}
	return d.dispatchLocal(edge)
}

// WaitForCommand blocks on MAIN until a local command finishes or a
// remote-completion task arrives. A remote-completion task runs inline
// here (still on MAIN) and may call builder.FinishCommand directly; in
// that case result is left with a nil Edge and the caller should just
// re-examine the ready queue, not treat this as a local completion.
func (d *Driver) WaitForCommand(result *graph.Result) bool {
	select {
	case r := <-d.localDone:
		delete(d.running, r.Edge)
		*result = *r
		if d.feed != nil {
			d.feed.PublishEdgeResult(r.Edge.ID, r.Status, r.Output)
		}
		return true
	case task := <-d.mainTasks:
		task()
		return true
	case <-d.aborted:
		return false
	}
}

// Abort signals interruption and cancels every tracked local subprocess.
//
// Unlike every other Driver method, Abort is meant to be called from a
// goroutine other than the one running RunBuild (typically a signal
// handler), concurrently with a blocked WaitForCommand. abortMu guards
// only the cancel-func list it needs for that — a narrow, deliberate
// exception to "no shared locks in the driver", not a general lock over
// driver state.
func (d *Driver) Abort() {
	d.abortOnce.Do(func() { close(d.aborted) })
	d.abortMu.Lock()
	fns := d.cancelFns
	d.cancelFns = nil
	d.abortMu.Unlock()
	for _, cancel := range fns {
		cancel()
	}
	// Outstanding remote commands are abandoned; per §9, reap the map so
	// a long-running aborted build doesn't leak entries. Safe here since
	// WaitForCommand has already returned false and MAIN is no longer
	// touching this map.
	d.outstanding = make(map[string]*graph.Edge)
}

func (d *Driver) dispatchLocal(edge *graph.Edge) bool {
	for _, p := range edge.OutputPaths() {
		if err := os.MkdirAll(filepath.Dir(filepath.Join(d.execRoot, p)), 0o755); err != nil {
			clog.Errorf(context.Background(), "mkdir for %s output %s: %v", edge.ID, p, err)
			return false
		}
	}
	if edge.RSPFile != "" {
		rspPath := filepath.Join(d.execRoot, edge.RSPFile)
		if err := os.MkdirAll(filepath.Dir(rspPath), 0o755); err != nil {
			return false
		}
		if err := os.WriteFile(rspPath, []byte(edge.RSPFileContent), 0o644); err != nil {
			clog.Errorf(context.Background(), "write rspfile for %s: %v", edge.ID, err)
			return false
		}
	}

	cmd := &execute.Cmd{
		ID:         edge.ID,
		Desc:       edge.String(),
		Args:       []string{"/bin/sh", "-c", edge.Command},
		ExecRoot:   d.execRoot,
		Outputs:    edge.OutputPaths(),
		UseConsole: edge.UseConsole,
	}
	ctx, cancel := context.WithCancel(context.Background())
	d.running[edge] = &localProc{edge: edge, cancel: cancel}
	d.trackCancel(cancel)
	if d.feed != nil {
		d.feed.PublishEdgeStarted(edge.ID, false)
	}

	go func() {
		err := localexec.Run(ctx, cmd)
		status := graph.StatusSuccess
		if err != nil {
			var exitErr execute.ExitError
			if !errors.As(err, &exitErr) {
				clog.Errorf(ctx, "local run %s: %v", edge.ID, err)
			}
			status = graph.StatusFailure
		}
		d.localDone <- &graph.Result{
			Edge:   edge,
			Status: status,
			Output: string(cmd.Stdout()) + string(cmd.Stderr()),
		}
	}()
	return true
}

func (d *Driver) trackCancel(cancel context.CancelFunc) {
	d.abortMu.Lock()
	d.cancelFns = append(d.cancelFns, cancel)
	d.abortMu.Unlock()
}

// dispatchRemote selects a slave and posts a RunCommand to the RPC
// thread, per §4.4. It returns false only when no slave is selectable;
// the caller falls back to local dispatch in that case.
func (d *Driver) dispatchRemote(edge *graph.Edge) bool {
	slave, ok := d.registry.SelectSlave()
	if !ok {
		return false
	}
	edgeID := edge.ID
	d.outstanding[edgeID] = edge
	d.pendingRemote++
	d.registry.IncrementRunning(slave.ID)
	if d.feed != nil {
		d.feed.PublishEdgeStarted(edge.ID, true)
	}

	msg := rpc.RunCommand{
		EdgeID:          edgeID,
		OutputPaths:     edge.OutputPaths(),
		RSPFilePath:     edge.RSPFile,
		RSPFileContents: []byte(edge.RSPFileContent),
		Command:         edge.Command,
	}
	conn := slave.Conn
	slaveID := slave.ID
	d.rpcThread.PostTask(func() {
		if err := conn.Send(msg); err != nil {
			clog.Errorf(context.Background(), "send RunCommand to slave %d: %v", slaveID, err)
			d.onRunCommandDone(slaveID, rpc.RunCommandDone{EdgeID: edgeID, ExitStatus: 1})
		}
	})
	return true
}

// onRunCommandDone is called from the RPC thread (the connection's read
// loop) when a RunCommandDone arrives. It posts the real handling onto
// mainTasks so every mutation of driver state still happens on MAIN.
func (d *Driver) onRunCommandDone(slaveID int, msg rpc.RunCommandDone) {
	d.mainTasks <- func() {
		d.handleRunCommandDone(slaveID, msg)
	}
}

func (d *Driver) handleRunCommandDone(slaveID int, msg rpc.RunCommandDone) {
	d.pendingRemote--
	d.registry.DecrementRunning(slaveID)
	edge, ok := d.outstanding[msg.EdgeID]
	if !ok {
		// Already retried and finished locally: DROPPED (spec.md §9).
		return
	}
	delete(d.outstanding, msg.EdgeID)

	if msg.ExitStatus != 0 {
		// Remote execution failure is silently dropped; re-dispatch the
		// edge, forced local this time (see DESIGN.md).
		d.retriedLocal[edge] = true
		d.builder.Retry(edge)
		return
	}

	slave := d.registry.Get(slaveID)
	if slave == nil {
		d.retriedLocal[edge] = true
		d.builder.Retry(edge)
		return
	}
	specs := make([]OutputSpec, len(edge.OutputPaths()))
	for i, p := range edge.OutputPaths() {
		md5 := ""
		if i < len(msg.MD5PerOutput) {
			md5 = msg.MD5PerOutput[i]
		}
		specs[i] = OutputSpec{Path: p, ExpectedMD5: md5}
	}
	artifactHost := slave.ArtifactHost
	execRoot := d.execRoot
	client := d.httpClient
	d.pool.PostTask(func() {
		err := FetchTargets(client, artifactHost, execRoot, specs)
		d.mainTasks <- func() {
			d.handleFetchTargetsDone(edge, msg, err)
		}
	})
}

func (d *Driver) handleFetchTargetsDone(edge *graph.Edge, msg rpc.RunCommandDone, fetchErr error) {
	if fetchErr != nil {
		clog.Errorf(context.Background(), "fetch artifacts for %s: %v", edge.ID, fetchErr)
		d.retriedLocal[edge] = true
		d.builder.Retry(edge)
		return
	}
	result := &graph.Result{
		Edge:   edge,
		Status: graph.StatusSuccess,
		Output: string(msg.MergedStdoutStderr),
	}
	d.builder.FinishCommand(result)
	if d.feed != nil {
		d.feed.PublishEdgeResult(edge.ID, result.Status, result.Output)
	}
}
