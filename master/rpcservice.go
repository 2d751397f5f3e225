// Copyright 2026 The Distbuild Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package master

import (
	"context"
	"fmt"
	"net"

	"github.com/google/uuid"

	"infra/distbuild/o11y/clog"
	"infra/distbuild/rpc"
	"infra/distbuild/threadmodel"
)

// Service is the master's RPC service (C6): it accepts slave
// connections, performs the SystemInfo admission handshake, applies
// StatusUpdate to the registry directly, and forwards RunCommandDone to
// the driver, which handles it as a posted MAIN task.
type Service struct {
	registry *Registry
	driver   *Driver
	session  *Session
	rpc      *threadmodel.Thread

	artifactPort int
}

// NewService creates a master RPC service. Each slave reports its own
// file-server port in SystemInfo; handleConnection pairs it with the
// connection's remote host to form the slave's artifact host.
func NewService(registry *Registry, driver *Driver, session *Session, rpcThread *threadmodel.Thread) *Service {
	return &Service{registry: registry, driver: driver, session: session, rpc: rpcThread}
}

// Serve accepts connections on ln until it returns an error (typically
// because ln was closed). Each connection gets its own read-loop
// goroutine. The driver sends RunCommand from the RPC thread, while
// handleConnection sends Quit from the read-loop goroutine; rpc.Conn
// serializes sends on each connection.
func (s *Service) Serve(ln net.Listener) error {
	for {
		nc, err := ln.Accept()
		if err != nil {
			return err
		}
		go s.handleConnection(nc)
	}
}

func (s *Service) handleConnection(nc net.Conn) {
	conn := rpc.NewConn(nc)
	id := s.registry.NextConnID()
	// Each connection gets its own log span, keyed by a random UUID
	// rather than the small sequential conn id, so log lines from this
	// slave stay attributable even if the master is later restarted and
	// conn ids are reused from 1.
	ctx := clog.NewSpan(context.Background(), "slave-conn", uuid.NewString(), map[string]string{
		"conn_id": fmt.Sprintf("%d", id),
	})

	msg, err := conn.Recv()
	if err != nil {
		clog.Warningf(ctx, "slave %d: no SystemInfo received: %v", id, err)
		conn.Close()
		return
	}
	info, ok := msg.(rpc.SystemInfo)
	if !ok {
		clog.Warningf(ctx, "slave %d: first message was %T, want SystemInfo", id, msg)
		conn.Close()
		return
	}

	port := info.ArtifactPort
	if port == 0 {
		port = defaultArtifactPort
	}
	host, _, _ := net.SplitHostPort(nc.RemoteAddr().String())
	artifactHost := fmt.Sprintf("%s:%d", host, port)

	slave, admitted := s.registry.Admit(id, conn, info, artifactHost)
	if !admitted {
		conn.Send(rpc.Quit{Reason: fmt.Sprintf("different system name or architecture, got %s/%s", info.OSName, info.OSArch)})
		conn.Close()
		return
	}
	clog.Infof(ctx, "slave %d admitted: %s/%s cores=%d", id, slave.OSName, slave.OSArch, slave.NumProcessors)
	s.session.OnSlaveAdmitted()

	defer func() {
		s.registry.Remove(id)
		conn.Close()
	}()

	for {
		msg, err := conn.Recv()
		if err != nil {
			clog.Infof(ctx, "slave %d disconnected: %v", id, err)
			return
		}
		switch m := msg.(type) {
		case rpc.StatusUpdate:
			s.registry.UpdateStatus(id, m)
		case rpc.RunCommandDone:
			s.driver.onRunCommandDone(id, m)
		default:
			clog.Warningf(ctx, "slave %d: unexpected message %T", id, m)
		}
	}
}

// defaultArtifactPort is the well-known port a slave's file server
// listens on, matching the CLI default in cmd/slave.
const defaultArtifactPort = 8080
