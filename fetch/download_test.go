// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fetch

import (
	"bytes"
	"compress/bzip2"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
)

func sha256hex(b []byte) string {
	h := sha256.Sum256(b)
	return hex.EncodeToString(h[:])
}

func TestDownloadSimple(t *testing.T) {
	body := []byte("repodata contents")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"abc123"`)
		w.Write(body)
	}))
	defer srv.Close()

	dst := filepath.Join(t.TempDir(), "out.json")
	d := New(WithClient(srv.Client()))
	res := d.Download(context.Background(), &Target{
		URL:          srv.URL + "/repodata.json",
		Path:         dst,
		ExpectedSize: int64(len(body)),
		SHA256:       sha256hex(body),
	})
	if res.Err != nil {
		t.Fatalf("download failed: %s", res.Err)
	}
	if res.Status != 200 || res.ETag != `"abc123"` {
		t.Errorf("status = %d, etag = %q", res.Status, res.ETag)
	}
	got, err := os.ReadFile(dst)
	if err != nil || string(got) != string(body) {
		t.Errorf("file contents = %q, %v", got, err)
	}
}

func TestDownload304(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == `"tag"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Write([]byte("fresh"))
	}))
	defer srv.Close()

	dst := filepath.Join(t.TempDir(), "out.json")
	d := New(WithClient(srv.Client()))
	res := d.Download(context.Background(), &Target{URL: srv.URL, Path: dst, ETag: `"tag"`})
	if res.Err != nil {
		t.Fatalf("download failed: %s", res.Err)
	}
	if !res.Unchanged || res.Status != 304 {
		t.Errorf("unchanged = %v, status = %d", res.Unchanged, res.Status)
	}
	if _, err := os.Stat(dst); !os.IsNotExist(err) {
		t.Error("304 should not write the destination")
	}
}

func TestDownloadRetriesOn5xx(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte("eventually"))
	}))
	defer srv.Close()

	dst := filepath.Join(t.TempDir(), "out")
	d := New(WithClient(srv.Client()), WithRetries(5), withInitialBackoff(1))
	res := d.Download(context.Background(), &Target{URL: srv.URL, Path: dst})
	if res.Err != nil {
		t.Fatalf("download failed after retries: %s", res.Err)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Errorf("server saw %d calls, want 3", got)
	}
}

func TestDownload404IsFatal(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	d := New(WithClient(srv.Client()), WithRetries(5), withInitialBackoff(1))
	res := d.Download(context.Background(), &Target{URL: srv.URL, Path: filepath.Join(t.TempDir(), "x")})
	if res.Err == nil {
		t.Fatal("404 should fail")
	}
	se, ok := res.Err.(*HTTPStatusError)
	if !ok || se.Status != 404 {
		t.Errorf("error = %#v, want HTTPStatusError{404}", res.Err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("server saw %d calls, want 1 (no retries on 4xx)", got)
	}
}

func TestDownloadChecksumMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("corrupted"))
	}))
	defer srv.Close()

	d := New(WithClient(srv.Client()))
	res := d.Download(context.Background(), &Target{
		URL:    srv.URL,
		Path:   filepath.Join(t.TempDir(), "x"),
		SHA256: strings.Repeat("0", 64),
	})
	if res.Err == nil {
		t.Fatal("checksum mismatch should fail")
	}
	ce, ok := res.Err.(*ChecksumError)
	if !ok || ce.Kind != "sha256" {
		t.Errorf("error = %#v, want ChecksumError{sha256}", res.Err)
	}
}

func TestDownloadBz2Decompression(t *testing.T) {
	// A pre-built bzip2 stream of "hello repodata\n"; bzip2 has no stdlib
	// writer.
	compressed := []byte{
		0x42, 0x5a, 0x68, 0x39, 0x31, 0x41, 0x59, 0x26, 0x53, 0x59, 0x43,
		0x9d, 0xfb, 0x16, 0x00, 0x00, 0x03, 0xd1, 0x80, 0x00, 0x10, 0x40,
		0x00, 0x26, 0x44, 0xd4, 0x00, 0x20, 0x00, 0x22, 0x0d, 0x09, 0x8f,
		0x54, 0x20, 0x1a, 0x69, 0xa1, 0x61, 0x6b, 0x0f, 0x6f, 0x30, 0x83,
		0xe2, 0xee, 0x48, 0xa7, 0x0a, 0x12, 0x08, 0x73, 0xbf, 0x62, 0xc0,
	}
	want, err := io.ReadAll(bzip2.NewReader(bytes.NewReader(compressed)))
	if err != nil {
		t.Fatalf("fixture does not decode: %s", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(compressed)
	}))
	defer srv.Close()

	dst := filepath.Join(t.TempDir(), "repodata.json")
	d := New(WithClient(srv.Client()))
	res := d.Download(context.Background(), &Target{URL: srv.URL + "/repodata.json.bz2", Path: dst})
	if res.Err != nil {
		t.Fatalf("download failed: %s", res.Err)
	}
	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(want) {
		t.Errorf("decompressed = %q, want %q", got, want)
	}
	if _, err := os.Stat(dst + ".partial"); !os.IsNotExist(err) {
		t.Error("partial file left behind")
	}
}

func TestDownloadFileScheme(t *testing.T) {
	srcDir := t.TempDir()
	src := filepath.Join(srcDir, "pkg.tar.bz2")
	if err := os.WriteFile(src, []byte("payload"), 0o644); err != nil {
		t.Fatal(err)
	}

	dst := filepath.Join(t.TempDir(), "pkg.tar.bz2")
	d := New()
	res := d.Download(context.Background(), &Target{URL: "file://" + src, Path: dst})
	if res.Err != nil {
		t.Fatalf("file copy failed: %s", res.Err)
	}
	if res.Status != 0 {
		t.Errorf("status = %d, want 0 for file://", res.Status)
	}
	if got, _ := os.ReadFile(dst); string(got) != "payload" {
		t.Errorf("contents = %q", got)
	}
}

func TestDownloadAllOrderAndConcurrency(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("x" + r.URL.Path))
	}))
	defer srv.Close()

	dir := t.TempDir()
	var targets []*Target
	for i := 0; i < 8; i++ {
		targets = append(targets, &Target{
			URL:  srv.URL + "/" + string(rune('a'+i)),
			Path: filepath.Join(dir, string(rune('a'+i))),
		})
	}

	d := New(WithClient(srv.Client()), WithConcurrency(3))
	results := d.DownloadAll(context.Background(), targets)
	if len(results) != len(targets) {
		t.Fatalf("got %d results", len(results))
	}
	for i, res := range results {
		if res.Err != nil {
			t.Errorf("target %d failed: %s", i, res.Err)
		}
		if res.Target != targets[i] {
			t.Errorf("result %d out of order", i)
		}
	}
}

func TestValidateSizeThenHash(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "f")
	content := []byte("0123456789")
	os.WriteFile(p, content, 0o644)

	if err := Validate(p, 10, sha256hex(content), ""); err != nil {
		t.Errorf("valid file rejected: %s", err)
	}
	err := Validate(p, 11, "", "")
	ce, ok := err.(*ChecksumError)
	if !ok || ce.Kind != "size" {
		t.Errorf("size mismatch error = %#v", err)
	}
	// Monotonic tier: size ok, md5 checked when sha absent.
	if err := Validate(p, 10, "", "badmd5"); err == nil {
		t.Error("bad md5 accepted")
	}
}
