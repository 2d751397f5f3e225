// Copyright 2026 The Distbuild Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package rpc defines the master<->slave wire messages and the framed
// transport they travel over.
package rpc

// SystemInfo is sent by a slave immediately after connecting, before
// any other message. The master uses it to decide whether the slave is
// admitted to the registry.
type SystemInfo struct {
	OSName        string
	OSArch        string
	NumProcessors int
	Parallelism   int
	ArtifactPort  int
}

// StatusUpdate is sent periodically by an admitted slave to report its
// live load.
type StatusUpdate struct {
	LoadAverage             float64
	RunningCommands         int
	AvailablePhysicalMemory uint64
}

// RunCommand dispatches a single edge to a slave. The slave replies
// asynchronously with exactly one RunCommandDone bearing the same
// EdgeID.
type RunCommand struct {
	EdgeID          string
	OutputPaths     []string
	RSPFilePath     string
	RSPFileContents []byte
	Command         string
}

// RunCommandDone reports the terminal result of a RunCommand. MD5PerOutput
// has the same length and order as the RunCommand's OutputPaths; a slave
// that failed to produce an output reports an empty string for it so the
// master's MD5 comparison fails deterministically.
type RunCommandDone struct {
	EdgeID             string
	ExitStatus         int
	MergedStdoutStderr []byte
	MD5PerOutput       []string
}

// Quit tells a slave to disconnect, e.g. because it was rejected during
// admission. reason is logged by the slave, not parsed.
type Quit struct {
	Reason string
}
