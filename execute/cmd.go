// Copyright 2026 The Distbuild Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package execute runs build commands, either as a local subprocess or
// by staging them for remote dispatch to a slave.
package execute

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	rpb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
)

// Executor is an interface to run the cmd.
type Executor interface {
	Run(ctx context.Context, cmd *Cmd) error
}

// Cmd includes all the information required to run a build command,
// locally or on a slave.
type Cmd struct {
	// ID is used as a unique identifier for this action in logs and
	// tracing. It does not have to be human-readable, so using a UUID
	// is fine.
	ID string

	// Desc is a short, human-readable identifier shown to the user
	// when referencing this action in a log line.
	// Example: "CXX hello.o"
	Desc string

	// ActionName is the name of the rule that generated this action.
	// Example: "cxx" or "link"
	ActionName string

	// Args holds command line arguments.
	Args []string

	// Env specifies the environment of the process.
	Env []string

	// RSPFile is the filename of the response file for the cmd.
	// LocalExec neither writes nor removes it: the master driver and
	// the slave runner write the response file themselves before
	// running the command, and it is left in place afterwards.
	RSPFile string

	// RSPFileContent is the content of the response file for the cmd.
	// The bindings are already expanded.
	RSPFileContent []byte

	// ExecRoot is the exec root directory of the cmd.
	ExecRoot string

	// Dir specifies the working directory of the cmd, relative to
	// ExecRoot.
	Dir string

	// Inputs are input files of the cmd, relative to ExecRoot.
	Inputs []string

	// Outputs are output files of the cmd, relative to ExecRoot.
	Outputs []string

	// UseConsole marks a cmd that wants exclusive access to the
	// console; such commands are never eligible for remote dispatch.
	UseConsole bool

	stdoutWriter, stderrWriter io.Writer
	stdoutBuffer, stderrBuffer bytes.Buffer

	actionResult *rpb.ActionResult
}

// String returns an ID of the cmd.
func (c *Cmd) String() string {
	return c.ID
}

// Command returns a command line string suitable for logging.
func (c *Cmd) Command() string {
	if len(c.Args) == 3 && c.Args[0] == "/bin/sh" && c.Args[1] == "-c" {
		return c.Args[2]
	}
	return shellJoin(c.Args)
}

// shellJoin joins args into a shell-quoted command line for display.
func shellJoin(args []string) string {
	var b strings.Builder
	for i, a := range args {
		if i > 0 {
			b.WriteByte(' ')
		}
		if a == "" || strings.ContainsAny(a, " \t\n'\"\\$`") {
			b.WriteByte('\'')
			b.WriteString(strings.ReplaceAll(a, "'", `'\''`))
			b.WriteByte('\'')
			continue
		}
		b.WriteString(a)
	}
	return b.String()
}

// AllInputs returns all inputs of the cmd, including the response file
// if one is set.
func (c *Cmd) AllInputs() []string {
	if c.RSPFile == "" {
		return c.Inputs
	}
	inputs := make([]string, len(c.Inputs)+1)
	copy(inputs, c.Inputs)
	inputs[len(inputs)-1] = c.RSPFile
	return inputs
}

// SetStdoutWriter sets w for stdout.
func (c *Cmd) SetStdoutWriter(w io.Writer) {
	c.stdoutWriter = w
}

// SetStderrWriter sets w for stderr.
func (c *Cmd) SetStderrWriter(w io.Writer) {
	c.stderrWriter = w
}

// StdoutWriter returns a writer set for stdout.
func (c *Cmd) StdoutWriter() io.Writer {
	c.stdoutBuffer.Reset()
	if c.stdoutWriter == nil {
		return &c.stdoutBuffer
	}
	return io.MultiWriter(c.stdoutWriter, &c.stdoutBuffer)
}

// StderrWriter returns a writer set for stderr.
func (c *Cmd) StderrWriter() io.Writer {
	c.stderrBuffer.Reset()
	if c.stderrWriter == nil {
		return &c.stderrBuffer
	}
	return io.MultiWriter(c.stderrWriter, &c.stderrBuffer)
}

// Stdout returns stdout output of the cmd.
func (c *Cmd) Stdout() []byte {
	return c.stdoutBuffer.Bytes()
}

// Stderr returns stderr output of the cmd.
// A slave merges stderr into stdout before reporting RunCommandDone, so
// remote commands never populate this independently of Stdout.
func (c *Cmd) Stderr() []byte {
	return c.stderrBuffer.Bytes()
}

// SetActionResult sets the action result of the cmd, as produced by a
// local run.
func (c *Cmd) SetActionResult(result *rpb.ActionResult) {
	c.actionResult = result
}

// ActionResult returns the action result of the cmd.
func (c *Cmd) ActionResult() *rpb.ActionResult {
	return c.actionResult
}

// ExitError is an error of cmd exit.
type ExitError struct {
	ExitCode int
}

func (e ExitError) Error() string {
	return fmt.Sprintf("exit=%d", e.ExitCode)
}
