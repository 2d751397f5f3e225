// Copyright 2026 The Distbuild Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package localexec implements local command execution.
package localexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	rpb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/charmbracelet/log"
	"golang.org/x/sys/unix"
	"google.golang.org/protobuf/types/known/timestamppb"

	"infra/distbuild/execute"
	"infra/distbuild/o11y/clog"
	"infra/distbuild/sync/semaphore"
)

// WorkerName is a name used for worker of the cmd in action result.
const WorkerName = "local"

// LocalExec implements execute.Executor, running commands as local
// subprocesses. Each subprocess runs in its own process group so that
// Abort's caller can kill the whole tree, not just the direct child.
type LocalExec struct{}

// Run runs cmd with a LocalExec.
func Run(ctx context.Context, cmd *execute.Cmd) error {
	return LocalExec{}.Run(ctx, cmd)
}

// Run runs a cmd. Canceling ctx kills the subprocess's entire process
// group.
func (LocalExec) Run(ctx context.Context, cmd *execute.Cmd) (err error) {
	res, err := run(ctx, cmd)
	if err != nil {
		return err
	}
	cmd.StdoutWriter().Write(res.StdoutRaw)
	cmd.StderrWriter().Write(res.StderrRaw)
	cmd.SetActionResult(res)

	clog.Infof(ctx, "exit=%d stdout=%d stderr=%d metadata=%s", res.ExitCode, len(res.StdoutRaw), len(res.StderrRaw), res.ExecutionMetadata)

	if res.ExitCode != 0 {
		return execute.ExitError{ExitCode: int(res.ExitCode)}
	}
	return nil
}

// forkSema bounds the number of subprocesses started concurrently, a
// workaround for transient fork/exec memory pressure on hosts running a
// large local build fan-out alongside remote dispatch.
var forkSema = semaphore.New("fork", runtime.NumCPU())

func run(ctx context.Context, cmd *execute.Cmd) (*rpb.ActionResult, error) {
	if len(cmd.Args) == 0 {
		return nil, fmt.Errorf("no arguments in the command. ID: %s", cmd.ID)
	}
	c := exec.Command(cmd.Args[0], cmd.Args[1:]...)
	c.Env = cmd.Env
	c.Dir = filepath.Join(cmd.ExecRoot, cmd.Dir)
	c.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr
	s := time.Now()

	err := forkSema.Do(ctx, func(ctx context.Context) error {
		return c.Start()
	})
	if err == nil {
		oomScoreAdj(ctx, c.Process.Pid, 500)
		done := make(chan error, 1)
		go func() { done <- c.Wait() }()
		select {
		case err = <-done:
		case <-ctx.Done():
			killProcessGroup(c.Process.Pid)
			err = <-done
		}
	}
	log.Debug("local run", "id", cmd.ID, "err", err)
	e := time.Now()

	result := &rpb.ActionResult{
		ExitCode:  exitCode(err),
		StdoutRaw: stdout.Bytes(),
		StderrRaw: stderr.Bytes(),
		ExecutionMetadata: &rpb.ExecutedActionMetadata{
			Worker:                      WorkerName,
			ExecutionStartTimestamp:     timestamppb.New(s),
			ExecutionCompletedTimestamp: timestamppb.New(e),
		},
	}
	if result.ExitCode != 0 {
		result.StderrRaw = append(result.StderrRaw, []byte(fmt.Sprintf("\ncmd: %q env: %q dir: %q error: %v", cmd.Args, cmd.Env, cmd.Dir, err))...)
	}
	return result, nil
}

// killProcessGroup sends SIGKILL to every process in pid's process
// group, so a build command that forked helpers (e.g. a compiler driver
// spawning sub-compilers) doesn't leave orphans behind after Abort.
func killProcessGroup(pid int) {
	if err := unix.Kill(-pid, syscall.SIGKILL); err != nil {
		log.Warn("failed to kill process group", "pid", pid, "err", err)
	}
}

func exitCode(err error) int32 {
	if err == nil {
		return 0
	}
	var eerr *exec.ExitError
	if !errors.As(err, &eerr) {
		return 1
	}
	if w, ok := eerr.ProcessState.Sys().(syscall.WaitStatus); ok {
		return int32(w.ExitStatus())
	}
	return 1
}
