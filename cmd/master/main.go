// Copyright 2026 The Distbuild Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Command master drives a build graph, dispatching commands locally or
// to a pool of connected slaves.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"

	"infra/distbuild/graph"
	"infra/distbuild/master"
	"infra/distbuild/o11y/clog"
	"infra/distbuild/threadmodel"
	"infra/distbuild/webui"
)

func main() {
	bindIP := flag.String("bind-ip", "0.0.0.0", "address to listen on for slave connections")
	port := flag.Int("port", 7780, "port to listen on for slave connections")
	targetsFlag := flag.String("targets", "", "space separated list of targets to build; defaults to the graph's default targets")
	maxSlaveAmount := flag.Int("max-slave-amount", 0, "if set, defer StartBuild until this many slaves have registered")
	feedPath := flag.String("feed", "", "if set, path to write the JSON-lines build event feed to")
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()

	if err := run(ctx, *bindIP, *port, *targetsFlag, *maxSlaveAmount, *feedPath); err != nil {
		clog.Errorf(ctx, "master: %v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, bindIP string, port int, targetsFlag string, maxSlaveAmount int, feedPath string) error {
	execRoot, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("getwd: %w", err)
	}

	g := graph.New()
	// No manifest loader is wired up here: parsing a build file into a
	// graph.Graph is out of scope for this binary (see the package doc on
	// graph.Graph). As shipped, g is permanently empty, so this process
	// cannot build anything on its own — --targets must name nodes that a
	// caller populated some other way, e.g. an embedder calling
	// graph.Graph.AddEdge directly before invoking run(), or a test
	// harness. Treat this main() as a reference driver for the master
	// package, not a standalone build tool.
	var targets []*graph.Node
	if targetsFlag != "" {
		for _, name := range strings.Fields(targetsFlag) {
			n, err := g.CollectTarget(name)
			if err != nil {
				return fmt.Errorf("resolve target: %w", err)
			}
			targets = append(targets, n)
		}
	} else {
		targets = g.DefaultNodes()
	}

	var feed *webui.Feed
	if feedPath != "" {
		f, err := os.Create(feedPath)
		if err != nil {
			return fmt.Errorf("create feed file: %w", err)
		}
		defer f.Close()
		feed = webui.NewFeed(f)
		defer feed.Close()
		names := make([]string, len(targets))
		for i, n := range targets {
			names[i] = n.Path()
		}
		feed.InitialStatus(names)
	}

	localBudget := maxInt(1, runtime.NumCPU()-1)
	registry := master.NewRegistry(runtime.GOOS, runtime.GOARCH)
	builder := graph.NewBuilder(g)
	rpcThread := threadmodel.New("rpc")
	pool := threadmodel.NewPool(localBudget * 2)
	defer rpcThread.Stop()
	defer pool.Stop()

	driver := master.NewDriver(execRoot, localBudget, registry, builder, rpcThread, pool, feed)
	session := master.NewSession(registry, maxSlaveAmount)

	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", bindIP, port))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	defer ln.Close()

	svc := master.NewService(registry, driver, session, rpcThread)

	// The RPC accept loop and the abort watcher are two fallible
	// goroutines alongside the build itself (C9's RPC thread and the
	// signal-driven Abort path); errgroup joins them and carries the
	// first real failure back out, the way hashfs/fs.go joins its own
	// background goroutines.
	grp, gctx := errgroup.WithContext(ctx)
	grp.Go(func() error {
		if err := svc.Serve(ln); err != nil && gctx.Err() == nil {
			return fmt.Errorf("rpc service: %w", err)
		}
		return nil
	})
	grp.Go(func() error {
		<-gctx.Done()
		driver.Abort()
		return nil
	})

	clog.Infof(ctx, "master listening on %s:%d", bindIP, port)
	buildErr := session.StartBuild(ctx, targets, driver, builder)
	ln.Close()
	if err := grp.Wait(); err != nil {
		clog.Warningf(ctx, "rpc service: %v", err)
	}
	return buildErr
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
