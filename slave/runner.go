// Copyright 2026 The Distbuild Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package slave implements the process a build worker runs: it connects
// to the master, reports SystemInfo, and executes RunCommand messages
// locally with the execute/localexec package, replying with
// RunCommandDone and per-output MD5s once every output has been
// written (or failed to materialize).
package slave

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"infra/distbuild/execute"
	"infra/distbuild/execute/localexec"
	"infra/distbuild/o11y/clog"
	"infra/distbuild/rpc"
)

// Runner executes RunCommand messages against the local filesystem
// rooted at BuildRoot, bounding concurrency to Parallelism commands at
// once — the same admission discipline the master's driver applies to
// its own local dispatch, mirrored here so a slave never oversubscribes
// its own cores regardless of how many RunCommands the master sends.
type Runner struct {
	BuildRoot   string
	Parallelism int

	sem chan struct{}
	mu  sync.Mutex
	n   int
}

// NewRunner creates a Runner rooted at buildRoot, allowing up to
// parallelism concurrent commands. parallelism <= 0 defaults to
// runtime.NumCPU().
func NewRunner(buildRoot string, parallelism int) *Runner {
	if parallelism <= 0 {
		parallelism = runtime.NumCPU()
	}
	return &Runner{
		BuildRoot:   buildRoot,
		Parallelism: parallelism,
		sem:         make(chan struct{}, parallelism),
	}
}

// Running reports the number of RunCommands currently being handled,
// including those still waiting for a parallelism slot, for the
// periodic StatusUpdate heartbeat.
func (r *Runner) Running() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.n
}

// Run executes msg's command under BuildRoot and returns the
// RunCommandDone to send back. It never returns an error: a failure to
// run the command, write the rspfile, or read an output is reflected in
// the RunCommandDone's ExitStatus/MD5PerOutput, not in a Go error,
// because the caller's job is to report the outcome to the master, not
// to react to it locally.
func (r *Runner) Run(ctx context.Context, msg rpc.RunCommand) rpc.RunCommandDone {
	r.mu.Lock()
	r.n++
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.n--
		r.mu.Unlock()
	}()

	// An early failure still reports one (empty) MD5 per output path.
	fail := func() rpc.RunCommandDone {
		return rpc.RunCommandDone{EdgeID: msg.EdgeID, ExitStatus: 1, MD5PerOutput: make([]string, len(msg.OutputPaths))}
	}

	select {
	case r.sem <- struct{}{}:
		defer func() { <-r.sem }()
	case <-ctx.Done():
		return fail()
	}

	for _, p := range msg.OutputPaths {
		if err := os.MkdirAll(filepath.Dir(filepath.Join(r.BuildRoot, p)), 0o755); err != nil {
			clog.Errorf(ctx, "mkdir for %s output %s: %v", msg.EdgeID, p, err)
			return fail()
		}
	}
	if msg.RSPFilePath != "" {
		rspPath := filepath.Join(r.BuildRoot, msg.RSPFilePath)
		if err := os.MkdirAll(filepath.Dir(rspPath), 0o755); err != nil {
			return fail()
		}
		if err := os.WriteFile(rspPath, msg.RSPFileContents, 0o644); err != nil {
			clog.Errorf(ctx, "write rspfile for %s: %v", msg.EdgeID, err)
			return fail()
		}
	}

	cmd := &execute.Cmd{
		ID:       msg.EdgeID,
		Args:     []string{"/bin/sh", "-c", msg.Command},
		ExecRoot: r.BuildRoot,
		Outputs:  msg.OutputPaths,
	}
	exitStatus := 0
	if err := localexec.Run(ctx, cmd); err != nil {
		var exitErr execute.ExitError
		if ee, ok := asExitError(err); ok {
			exitErr = ee
			exitStatus = exitErr.ExitCode
		} else {
			exitStatus = 1
		}
	}

	md5s := make([]string, len(msg.OutputPaths))
	for i, p := range msg.OutputPaths {
		md5s[i] = md5OfFile(filepath.Join(r.BuildRoot, p))
	}

	return rpc.RunCommandDone{
		EdgeID:             msg.EdgeID,
		ExitStatus:         exitStatus,
		MergedStdoutStderr: append(append([]byte{}, cmd.Stdout()...), cmd.Stderr()...),
		MD5PerOutput:       md5s,
	}
}

func asExitError(err error) (execute.ExitError, bool) {
	ee, ok := err.(execute.ExitError)
	return ee, ok
}

// md5OfFile returns the hex MD5 of path's contents, or "" if the file
// doesn't exist — the empty-string sentinel the master's artifact
// fetcher treats as a guaranteed mismatch for an output the command
// failed to produce.
func md5OfFile(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()
	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return ""
	}
	return hex.EncodeToString(h.Sum(nil))
}
