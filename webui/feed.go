// Copyright 2026 The Distbuild Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package webui writes the append-only build event feed that a
// read-only UI would tail. It does not serve anything over HTTP itself:
// the feed is a JSON-lines sink, one line per event, written from a
// single goroutine so concurrent callers never need a lock around the
// underlying writer.
package webui

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"infra/distbuild/graph"
)

// statusEvent is the one-time document written when a build starts.
type statusEvent struct {
	Kind    string   `json:"kind"`
	Targets []string `json:"targets"`
	Started string   `json:"started"`
}

// startedEvent is written once an edge has been dispatched, before its
// result is known.
type startedEvent struct {
	Kind   string `json:"kind"`
	ID     string `json:"id"`
	Remote bool   `json:"remote"`
}

// resultEvent is written once per finished edge.
type resultEvent struct {
	Kind   string `json:"kind"`
	ID     string `json:"id"`
	Result string `json:"result"`
	Output string `json:"output,omitempty"`
}

// Feed is an append-only sink of build events. Publish methods are safe
// to call concurrently; writes are serialized through a single internal
// goroutine, the FILE thread of this component.
type Feed struct {
	entries chan any
	done    chan struct{}
}

// NewFeed creates a Feed that writes JSON lines to w and starts its
// drain goroutine. Close must be called to flush and stop it.
func NewFeed(w io.Writer) *Feed {
	f := &Feed{
		entries: make(chan any, 64),
		done:    make(chan struct{}),
	}
	go f.run(w)
	return f
}

func (f *Feed) run(w io.Writer) {
	defer close(f.done)
	enc := json.NewEncoder(w)
	for e := range f.entries {
		if err := enc.Encode(e); err != nil {
			fmt.Fprintf(os.Stderr, "webui: write feed event: %v\n", err)
		}
	}
}

// InitialStatus publishes the one-time document written when a build
// starts, naming the requested top-level targets.
func (f *Feed) InitialStatus(targets []string) {
	f.entries <- statusEvent{
		Kind:    "status",
		Targets: targets,
		Started: time.Now().UTC().Format(time.RFC3339),
	}
}

// PublishEdgeStarted publishes that edgeID has been dispatched, either
// locally or to a slave.
func (f *Feed) PublishEdgeStarted(edgeID string, remote bool) {
	f.entries <- startedEvent{
		Kind:   "started",
		ID:     edgeID,
		Remote: remote,
	}
}

// PublishEdgeResult publishes the terminal result of a single edge.
func (f *Feed) PublishEdgeResult(edgeID string, status graph.Status, output string) {
	result := "success"
	if status == graph.StatusFailure {
		result = "failure"
	}
	f.entries <- resultEvent{
		Kind:   "result",
		ID:     edgeID,
		Result: result,
		Output: output,
	}
}

// Close stops accepting new events and waits for the drain goroutine to
// flush everything already queued.
func (f *Feed) Close() {
	close(f.entries)
	<-f.done
}
