// Copyright 2026 The Distbuild Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package master

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
)

// OutputSpec is one (path, expected MD5) pair to fetch from a slave, in
// the edge's declared output order.
type OutputSpec struct {
	Path        string
	ExpectedMD5 string
}

// FetchTargets fetches every output in specs from artifactHost, writing
// each into destRoot at the same relative path, and verifies each one's
// MD5 as it streams. It stops at the first mismatch or HTTP error: the
// remainder of the list is not attempted, matching the "fail immediately"
// contract of the artifact fetcher.
func FetchTargets(client httpDoer, artifactHost, destRoot string, specs []OutputSpec) error {
	for _, spec := range specs {
		if err := fetchOne(client, artifactHost, destRoot, spec); err != nil {
			return fmt.Errorf("fetch %s from %s: %w", spec.Path, artifactHost, err)
		}
	}
	return nil
}

// httpDoer is satisfied by *http.Client; FetchTargets needs only its Get
// method.
type httpDoer interface {
	Get(url string) (*http.Response, error)
}

func fetchOne(client httpDoer, artifactHost, destRoot string, spec OutputSpec) error {
	u := url.URL{Scheme: "http", Host: artifactHost, Path: "/" + spec.Path}
	resp, err := client.Get(u.String())
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("http status %d", resp.StatusCode)
	}

	dest := filepath.Join(destRoot, filepath.FromSlash(spec.Path))
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	f, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(io.MultiWriter(f, h), resp.Body); err != nil {
		os.Remove(dest)
		return err
	}
	got := hex.EncodeToString(h.Sum(nil))
	if got != spec.ExpectedMD5 {
		os.Remove(dest)
		return fmt.Errorf("md5 mismatch: got %s, want %s", got, spec.ExpectedMD5)
	}
	return nil
}
