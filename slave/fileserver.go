// Copyright 2026 The Distbuild Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package slave

import (
	"fmt"
	"net"
	"net/http"

	"github.com/klauspost/compress/gzhttp"
	"github.com/klauspost/cpuid/v2"
)

// FileServer serves buildRoot over HTTP so the master can fetch command
// outputs by their exec-root-relative path and verify their MD5. gzhttp
// wraps the handler so large text outputs (e.g. compiler preprocessed
// listings) aren't re-transferred uncompressed across a slow link.
func FileServer(buildRoot string) http.Handler {
	fs := http.FileServer(http.Dir(buildRoot))
	wrap, err := gzhttp.NewWrapper()
	if err != nil {
		return fs
	}
	return wrap(fs)
}

// Serve starts the file server on ln and blocks until it returns an
// error (typically because ln was closed).
func Serve(ln net.Listener, buildRoot string) error {
	return http.Serve(ln, FileServer(buildRoot))
}

// DescribeCPU reports the local CPU model and core counts as a string
// for the slave's startup log line. SystemInfo's NumProcessors does not
// come from it.
func DescribeCPU() string {
	return fmt.Sprintf("cpu family=%d model=%d brand=%q physicalCores=%d logicalCores=%d",
		cpuid.CPU.Family, cpuid.CPU.Model, cpuid.CPU.BrandName, cpuid.CPU.PhysicalCores, cpuid.CPU.LogicalCores)
}
