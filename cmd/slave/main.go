// Copyright 2026 The Distbuild Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Command slave connects to a master and executes the commands it
// dispatches, serving the resulting output files back over HTTP.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"golang.org/x/sync/errgroup"

	"infra/distbuild/o11y/clog"
	"infra/distbuild/rpc"
	"infra/distbuild/slave"
)

func main() {
	masterIP := flag.String("master-ip", "127.0.0.1", "address of the master to connect to")
	port := flag.Int("port", 7780, "master RPC port")
	artifactPort := flag.Int("artifact-port", 8080, "port to serve build outputs on")
	buildRoot := flag.String("build-root", "", "directory build outputs are written under; defaults to the current directory")
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()

	if err := run(ctx, *masterIP, *port, *artifactPort, *buildRoot); err != nil {
		clog.Errorf(ctx, "slave: %v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, masterIP string, port, artifactPort int, buildRoot string) error {
	if buildRoot == "" {
		var err error
		buildRoot, err = os.Getwd()
		if err != nil {
			return fmt.Errorf("getwd: %w", err)
		}
	}

	ln, err := net.Listen("tcp", fmt.Sprintf("0.0.0.0:%d", artifactPort))
	if err != nil {
		return fmt.Errorf("listen for artifact server: %w", err)
	}
	defer ln.Close()

	parallelism := runtime.NumCPU()
	runner := slave.NewRunner(buildRoot, parallelism)
	info := rpc.SystemInfo{
		OSName:        runtime.GOOS,
		OSArch:        runtime.GOARCH,
		NumProcessors: runtime.NumCPU(),
		Parallelism:   parallelism,
	}
	svc := slave.NewService(fmt.Sprintf("%s:%d", masterIP, port), artifactPort, info, runner)

	// The artifact file server and the master connection loop are two
	// independent fallible goroutines; errgroup joins them so a crash in
	// either one is reported instead of silently leaving the other half
	// running.
	grp, gctx := errgroup.WithContext(ctx)
	grp.Go(func() error {
		if err := slave.Serve(ln, buildRoot); err != nil && gctx.Err() == nil {
			return fmt.Errorf("artifact file server: %w", err)
		}
		return nil
	})
	grp.Go(func() error {
		return svc.Run(gctx)
	})

	clog.Infof(ctx, "slave dialing master %s:%d, serving artifacts on :%d (%s)", masterIP, port, artifactPort, slave.DescribeCPU())
	err = grp.Wait()
	ln.Close()
	return err
}
