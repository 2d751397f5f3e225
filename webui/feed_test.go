// Copyright 2026 The Distbuild Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package webui

import (
	"bufio"
	"bytes"
	"encoding/json"
	"testing"

	"infra/distbuild/graph"
)

func TestFeedWritesJSONLines(t *testing.T) {
	var buf bytes.Buffer
	f := NewFeed(&buf)
	f.InitialStatus([]string{"//:all"})
	f.PublishEdgeResult("e1", graph.StatusSuccess, "")
	f.PublishEdgeResult("e2", graph.StatusFailure, "compile error")
	f.Close()

	sc := bufio.NewScanner(&buf)
	var lines []map[string]any
	for sc.Scan() {
		var m map[string]any
		if err := json.Unmarshal(sc.Bytes(), &m); err != nil {
			t.Fatalf("unmarshal line %q: %v", sc.Text(), err)
		}
		lines = append(lines, m)
	}
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 3", len(lines))
	}
	if lines[0]["kind"] != "status" {
		t.Errorf("line 0 kind = %v, want status", lines[0]["kind"])
	}
	if lines[1]["id"] != "e1" || lines[1]["result"] != "success" {
		t.Errorf("line 1 = %v, want id=e1 result=success", lines[1])
	}
	if lines[2]["result"] != "failure" || lines[2]["output"] != "compile error" {
		t.Errorf("line 2 = %v, want result=failure output set", lines[2])
	}
}

func TestFeedPublishEdgeStarted(t *testing.T) {
	var buf bytes.Buffer
	f := NewFeed(&buf)
	f.PublishEdgeStarted("e1", true)
	f.Close()

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m["kind"] != "started" || m["id"] != "e1" || m["remote"] != true {
		t.Errorf("got %v, want kind=started id=e1 remote=true", m)
	}
}
