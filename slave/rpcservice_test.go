// Copyright 2026 The Distbuild Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package slave

import (
	"context"
	"net"
	"testing"
	"time"

	"infra/distbuild/rpc"
)

func TestServiceHandshakeAndRunCommand(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	dir := t.TempDir()
	svc := NewService(ln.Addr().String(), 8080, rpc.SystemInfo{OSName: "linux", OSArch: "amd64", NumProcessors: 4}, NewRunner(dir, 2))
	svc.HeartbeatInterval = 0

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go svc.Run(ctx)

	nc, err := ln.Accept()
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	defer nc.Close()
	conn := rpc.NewConn(nc)

	msg, err := conn.Recv()
	if err != nil {
		t.Fatalf("Recv() SystemInfo: %v", err)
	}
	info, ok := msg.(rpc.SystemInfo)
	if !ok {
		t.Fatalf("Recv() = %T, want rpc.SystemInfo", msg)
	}
	if info.ArtifactPort != 8080 {
		t.Errorf("ArtifactPort = %d, want 8080", info.ArtifactPort)
	}

	if err := conn.Send(rpc.RunCommand{EdgeID: "e1", OutputPaths: []string{"out.txt"}, Command: "echo -n hi > out.txt"}); err != nil {
		t.Fatalf("Send(RunCommand): %v", err)
	}

	nc.SetReadDeadline(time.Now().Add(5 * time.Second))
	reply, err := conn.Recv()
	if err != nil {
		t.Fatalf("Recv() RunCommandDone: %v", err)
	}
	done, ok := reply.(rpc.RunCommandDone)
	if !ok {
		t.Fatalf("Recv() = %T, want rpc.RunCommandDone", reply)
	}
	if done.EdgeID != "e1" || done.ExitStatus != 0 {
		t.Errorf("RunCommandDone = %+v, want EdgeID=e1 ExitStatus=0", done)
	}
}

func TestServiceRunOnceReturnsOnQuit(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	dir := t.TempDir()
	svc := NewService(ln.Addr().String(), 8080, rpc.SystemInfo{OSName: "linux", OSArch: "amd64"}, NewRunner(dir, 1))
	svc.HeartbeatInterval = 0

	errCh := make(chan error, 1)
	go func() { errCh <- svc.runOnce(context.Background()) }()

	nc, err := ln.Accept()
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	defer nc.Close()
	conn := rpc.NewConn(nc)
	if _, err := conn.Recv(); err != nil {
		t.Fatalf("Recv() SystemInfo: %v", err)
	}
	conn.Send(rpc.Quit{Reason: "test rejection"})

	select {
	case err := <-errCh:
		if err == nil {
			t.Error("runOnce() = nil after Quit, want an error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("runOnce() did not return after Quit")
	}
}
