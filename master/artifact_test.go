// Copyright 2026 The Distbuild Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package master

import (
	"crypto/md5"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func md5Hex(s string) string {
	h := md5.Sum([]byte(s))
	return hex.EncodeToString(h[:])
}

func TestFetchTargetsSuccess(t *testing.T) {
	content := "int main() {}\n"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(content))
	}))
	defer srv.Close()

	dest := t.TempDir()
	specs := []OutputSpec{{Path: "out/a.o", ExpectedMD5: md5Hex(content)}}
	if err := FetchTargets(srv.Client(), srv.Listener.Addr().String(), dest, specs); err != nil {
		t.Fatalf("FetchTargets() = %v, want nil", err)
	}
	got, err := os.ReadFile(filepath.Join(dest, "out", "a.o"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != content {
		t.Errorf("fetched content = %q, want %q", got, content)
	}
}

func TestFetchTargetsMD5Mismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("actual content"))
	}))
	defer srv.Close()

	dest := t.TempDir()
	specs := []OutputSpec{{Path: "a.o", ExpectedMD5: "deadbeefdeadbeefdeadbeefdeadbeef"}}
	err := FetchTargets(srv.Client(), srv.Listener.Addr().String(), dest, specs)
	if err == nil {
		t.Fatal("FetchTargets() = nil, want md5 mismatch error")
	}
	if _, statErr := os.Stat(filepath.Join(dest, "a.o")); !os.IsNotExist(statErr) {
		t.Errorf("mismatched file left on disk: %v", statErr)
	}
}

func TestFetchTargetsStopsAtFirstFailure(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		if r.URL.Path == "/bad.o" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	dest := t.TempDir()
	specs := []OutputSpec{
		{Path: "bad.o", ExpectedMD5: md5Hex("ok")},
		{Path: "good.o", ExpectedMD5: md5Hex("ok")},
	}
	if err := FetchTargets(srv.Client(), srv.Listener.Addr().String(), dest, specs); err == nil {
		t.Fatal("FetchTargets() = nil, want error on first (404) output")
	}
	if _, err := os.Stat(filepath.Join(dest, "good.o")); !os.IsNotExist(err) {
		t.Errorf("fetch continued past first failure: good.o exists")
	}
}
