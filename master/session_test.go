// Copyright 2026 The Distbuild Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package master

import (
	"context"
	"testing"
	"time"

	"infra/distbuild/graph"
	"infra/distbuild/rpc"
	"infra/distbuild/threadmodel"
)

func TestSessionStartBuildNoGateRunsImmediately(t *testing.T) {
	r := NewRegistry("linux", "amd64")
	s := NewSession(r, 0)
	g := graph.New()
	b := graph.NewBuilder(g)
	rpcThread := threadmodel.New("rpc-test")
	pool := threadmodel.NewPool(1)
	defer rpcThread.Stop()
	defer pool.Stop()
	d := NewDriver(t.TempDir(), 1, r, b, rpcThread, pool, nil)

	done := make(chan error, 1)
	go func() { done <- s.StartBuild(context.Background(), nil, d, b) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("StartBuild() = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("StartBuild() did not return; gate engaged with maxSlaveAmount=0")
	}
}

func TestSessionStartBuildIsIdempotent(t *testing.T) {
	r := NewRegistry("linux", "amd64")
	s := NewSession(r, 0)
	g := graph.New()
	b := graph.NewBuilder(g)
	rpcThread := threadmodel.New("rpc-test")
	pool := threadmodel.NewPool(1)
	defer rpcThread.Stop()
	defer pool.Stop()
	d := NewDriver(t.TempDir(), 1, r, b, rpcThread, pool, nil)

	err1 := s.StartBuild(context.Background(), nil, d, b)
	err2 := s.StartBuild(context.Background(), nil, d, b)
	if err1 != err2 {
		t.Errorf("second StartBuild() = %v, want same as first (%v)", err2, err1)
	}
}

func TestSessionWaitsForSlaveGate(t *testing.T) {
	r := NewRegistry("linux", "amd64")
	s := NewSession(r, 1)
	g := graph.New()
	b := graph.NewBuilder(g)
	rpcThread := threadmodel.New("rpc-test")
	pool := threadmodel.NewPool(1)
	defer rpcThread.Stop()
	defer pool.Stop()
	d := NewDriver(t.TempDir(), 1, r, b, rpcThread, pool, nil)

	done := make(chan error, 1)
	go func() { done <- s.StartBuild(context.Background(), nil, d, b) }()

	select {
	case <-done:
		t.Fatal("StartBuild() returned before any slave registered")
	case <-time.After(100 * time.Millisecond):
	}

	r.Admit(r.NextConnID(), nil, rpc.SystemInfo{OSName: "linux", OSArch: "amd64", NumProcessors: 4}, "h:1")
	s.OnSlaveAdmitted()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("StartBuild() = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("StartBuild() did not unblock after OnSlaveAdmitted")
	}
}

func TestSessionGateRespectsContextCancel(t *testing.T) {
	r := NewRegistry("linux", "amd64")
	s := NewSession(r, 1)
	g := graph.New()
	b := graph.NewBuilder(g)
	rpcThread := threadmodel.New("rpc-test")
	pool := threadmodel.NewPool(1)
	defer rpcThread.Stop()
	defer pool.Stop()
	d := NewDriver(t.TempDir(), 1, r, b, rpcThread, pool, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.StartBuild(ctx, nil, d, b) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("StartBuild() = nil after ctx cancel, want an error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("StartBuild() did not unblock after context cancel")
	}
}
