// Copyright 2026 The Distbuild Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package rpc

import (
	"encoding/gob"
	"fmt"
	"net"
	"sync"
)

func init() {
	gob.Register(SystemInfo{})
	gob.Register(StatusUpdate{})
	gob.Register(RunCommand{})
	gob.Register(RunCommandDone{})
	gob.Register(Quit{})
}

// Conn is one long-lived connection between the master and a slave: a
// single gob stream carrying the interface{}-typed messages above, one
// per RunCommand/RunCommandDone/etc. gob self-delimits each Encode call
// within the stream, so no separate length-prefix framing is layered on
// top; messages are read back in the order they were written.
type Conn struct {
	nc  net.Conn
	dec *gob.Decoder

	// sendMu serializes Encode calls: gob.Encoder is not safe for
	// concurrent use, and a connection can be sent on from more than
	// one goroutine (on the master, the RPC thread and the connection's
	// read loop, which sends Quit; on the slave, its per-command handlers
	// and its heartbeat timer).
	sendMu sync.Mutex
	enc    *gob.Encoder
}

// NewConn wraps an already-established net.Conn (a per-slave TCP
// connection accepted by the master, or the outbound connection a slave
// dials to the master).
func NewConn(nc net.Conn) *Conn {
	return &Conn{
		nc:  nc,
		enc: gob.NewEncoder(nc),
		dec: gob.NewDecoder(nc),
	}
}

// Send writes one message frame. msg must be one of the registered
// message types in this package.
func (c *Conn) Send(msg interface{}) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := c.enc.Encode(&msg); err != nil {
		return fmt.Errorf("rpc: send %T: %w", msg, err)
	}
	return nil
}

// Recv blocks until the next message frame arrives and returns its
// concrete type (one of SystemInfo, StatusUpdate, RunCommand,
// RunCommandDone, Quit).
func (c *Conn) Recv() (interface{}, error) {
	var msg interface{}
	if err := c.dec.Decode(&msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// RemoteAddr returns the address of the peer on the other end of the
// connection, used as the slave's host for artifact HTTP fetches.
func (c *Conn) RemoteAddr() net.Addr {
	return c.nc.RemoteAddr()
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.nc.Close()
}
