// Copyright 2026 The Distbuild Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package clog_test is a test for clog package.
package clog_test

import (
	"context"
	"sync"
	"testing"

	"infra/distbuild/o11y/clog"
)

func Test(t *testing.T) {
	ctx := context.Background()

	// No logger attached yet: every call must fall back to the default
	// logger rather than panic on a nil *Logger.
	clog.Infof(ctx, "Info")
	clog.Warningf(ctx, "Warning")
	clog.Errorf(ctx, "Error")

	root := clog.New(ctx)
	ctx = clog.NewContext(ctx, root)

	var wg sync.WaitGroup
	for i, id := range []string{"id1", "id2"} {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			cctx := clog.NewSpan(ctx, "trace", id, map[string]string{"id": id})
			l := clog.FromContext(cctx)
			if l == nil {
				t.Errorf("FromContext after NewSpan(%q) = nil", id)
				return
			}
			if !l.V(0) {
				t.Errorf("V(0) for %q = false, want true", id)
			}
			clog.Infof(cctx, "Child Info %d", i)
			clog.Warningf(cctx, "Child Warning %d", i)
			clog.Errorf(cctx, "Child Error %d", i)
		}(i, id)
	}
	wg.Wait()
}
