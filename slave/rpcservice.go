// Copyright 2026 The Distbuild Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package slave

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"

	"infra/distbuild/o11y/clog"
	"infra/distbuild/rpc"
)

// Service drives one slave's half of the master connection: the
// SystemInfo handshake, the RunCommand/RunCommandDone exchange, and a
// reconnect-with-backoff loop modeled on a build-worker's manager
// listener — a disconnect is not fatal, the slave just re-announces
// itself and keeps going.
type Service struct {
	MasterAddr   string
	ArtifactPort int
	Info         rpc.SystemInfo
	Runner       *Runner

	// HeartbeatInterval is how often a StatusUpdate is sent while
	// connected; zero disables the heartbeat (used by tests).
	HeartbeatInterval time.Duration
}

// NewService creates a slave RPC service that will dial masterAddr,
// report info (with ArtifactPort filled in) on connect, and run
// commands through runner.
func NewService(masterAddr string, artifactPort int, info rpc.SystemInfo, runner *Runner) *Service {
	info.ArtifactPort = artifactPort
	return &Service{
		MasterAddr:        masterAddr,
		ArtifactPort:      artifactPort,
		Info:              info,
		Runner:            runner,
		HeartbeatInterval: 10 * time.Second,
	}
}

// Run connects to the master and serves RunCommands until ctx is done.
// A connection failure or a mid-build disconnect is retried with an
// exponential backoff (1s, doubling, capped at 30s) rather than treated
// as fatal, since the master may simply be restarting.
func (s *Service) Run(ctx context.Context) error {
	backoff := time.Second
	const maxBackoff = 30 * time.Second
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := s.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		clog.Warningf(ctx, "disconnected from master: %v; reconnecting in %s", err, backoff)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// runOnce dials the master, performs the handshake, and serves until
// the connection drops or is rejected.
func (s *Service) runOnce(ctx context.Context) error {
	// A fresh span per connection attempt so every log line from this
	// dial onward (including across a reconnect) carries its own
	// correlation id, independent of the master-assigned conn id this
	// slave never sees.
	ctx = clog.NewSpan(ctx, "master-conn", uuid.NewString(), nil)

	nc, err := net.Dial("tcp", s.MasterAddr)
	if err != nil {
		return fmt.Errorf("dial master: %w", err)
	}
	conn := rpc.NewConn(nc)
	defer conn.Close()

	if err := conn.Send(s.Info); err != nil {
		return fmt.Errorf("send SystemInfo: %w", err)
	}

	stop := make(chan struct{})
	defer close(stop)
	if s.HeartbeatInterval > 0 {
		go s.heartbeat(conn, stop)
	}

	clog.Infof(ctx, "connected to master %s", s.MasterAddr)
	for {
		msg, err := conn.Recv()
		if err != nil {
			return err
		}
		switch m := msg.(type) {
		case rpc.RunCommand:
			go func() {
				done := s.Runner.Run(ctx, m)
				if err := conn.Send(done); err != nil {
					clog.Errorf(ctx, "send RunCommandDone for %s: %v", m.EdgeID, err)
				}
			}()
		case rpc.Quit:
			return fmt.Errorf("rejected by master: %s", m.Reason)
		default:
			clog.Warningf(ctx, "unexpected message %T from master", m)
		}
	}
}

// heartbeat sends a StatusUpdate every HeartbeatInterval until stop is
// closed. The update carries only RunningCommands (the Runner's count);
// LoadAverage and AvailablePhysicalMemory are always sent as zero.
func (s *Service) heartbeat(conn *rpc.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(s.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			conn.Send(rpc.StatusUpdate{RunningCommands: s.Runner.Running()})
		case <-stop:
			return
		}
	}
}
