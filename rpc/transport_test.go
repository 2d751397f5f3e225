// Copyright 2026 The Distbuild Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package rpc

import (
	"net"
	"reflect"
	"testing"
)

func TestSendRecvRoundTrip(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	sc := NewConn(server)
	cc := NewConn(client)

	msgs := []interface{}{
		SystemInfo{OSName: "linux", OSArch: "amd64", NumProcessors: 8, Parallelism: 8},
		RunCommand{EdgeID: "e1", OutputPaths: []string{"a.o"}, Command: "cc -c a.c"},
		RunCommandDone{EdgeID: "e1", ExitStatus: 0, MD5PerOutput: []string{"deadbeef"}},
		StatusUpdate{LoadAverage: 0.5, RunningCommands: 1},
		Quit{Reason: "shutdown"},
	}

	done := make(chan error, 1)
	go func() {
		for _, m := range msgs {
			if err := sc.Send(m); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()

	for i, want := range msgs {
		got, err := cc.Recv()
		if err != nil {
			t.Fatalf("Recv() #%d: %v", i, err)
		}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("Recv() #%d = %#v, want %#v", i, got, want)
		}
	}
	if err := <-done; err != nil {
		t.Fatalf("Send() loop: %v", err)
	}
}
