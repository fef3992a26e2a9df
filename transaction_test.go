// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mamba

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/sirupsen/logrus"

	"github.com/mamba-org/mamba/fetch"
	"github.com/mamba-org/mamba/internal/interrupt"
	"github.com/mamba-org/mamba/pkgcache"
	"github.com/mamba-org/mamba/repodata"
	"github.com/mamba-org/mamba/solver"
	"github.com/mamba-org/mamba/spec"
)

// tarZst builds a zstd-compressed tarball from path -> content pairs.
func tarZst(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var tarBuf bytes.Buffer
	tw := tar.NewWriter(&tarBuf)
	for path, content := range files {
		if err := tw.WriteHeader(&tar.Header{
			Name: path, Mode: 0o644, Size: int64(len(content)), Typeflag: tar.TypeReg,
		}); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	zw, err := zstd.NewWriter(&out)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := zw.Write(tarBuf.Bytes()); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return out.Bytes()
}

// buildCondaPackage writes a minimal .conda file: payload files plus the
// info tree (index.json, paths.json).
func buildCondaPackage(t *testing.T, dir, name, version, build string, payload map[string]string) string {
	t.Helper()

	var paths PathsData
	paths.PathsVersion = 1
	for p := range payload {
		paths.Paths = append(paths.Paths, PathEntry{
			Path: p, PathType: "hardlink", SizeInBytes: int64(len(payload[p])),
		})
	}
	pathsJSON, err := json.Marshal(paths)
	if err != nil {
		t.Fatal(err)
	}
	indexJSON, err := json.Marshal(map[string]interface{}{
		"name": name, "version": version, "build": build, "build_number": 0,
	})
	if err != nil {
		t.Fatal(err)
	}

	stem := name + "-" + version + "-" + build
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	w, err := zw.Create("info-" + stem + ".tar.zst")
	if err != nil {
		t.Fatal(err)
	}
	w.Write(tarZst(t, map[string]string{
		"info/index.json": string(indexJSON),
		"info/paths.json": string(pathsJSON),
	}))

	w, err = zw.Create("pkg-" + stem + ".tar.zst")
	if err != nil {
		t.Fatal(err)
	}
	w.Write(tarZst(t, payload))

	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}

	fn := filepath.Join(dir, stem+".conda")
	if err := os.WriteFile(fn, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	return fn
}

// txEnv is the standing scaffolding for transaction tests.
type txEnv struct {
	ctx    *Ctx
	cache  *pkgcache.Cache
	prefix *PrefixData
	pool   *solver.Pool
	repo   *solver.Repo
	inst   *solver.Repo
}

func newTxEnv(t *testing.T) *txEnv {
	t.Helper()
	log := logrus.New()
	prefixDir := t.TempDir()

	cache, err := pkgcache.FirstWritable([]string{filepath.Join(t.TempDir(), "pkgs")}, log)
	if err != nil {
		t.Fatal(err)
	}
	pd, err := LoadPrefix(prefixDir)
	if err != nil {
		t.Fatal(err)
	}
	p := solver.NewPool()
	env := &txEnv{
		ctx: &Ctx{
			RootPrefix:      prefixDir,
			TargetPrefix:    prefixDir,
			PkgsDirs:        []string{cache.Dir()},
			MaxRetries:      1,
			DownloadThreads: 2,
			Log:             log,
		},
		cache:  cache,
		prefix: pd,
		pool:   p,
		repo:   p.NewRepo("testchan", 1, 0),
		inst:   p.NewRepo("installed", 0, 0),
	}
	return env
}

// addPackage builds a .conda file, registers its record in the repo, and
// returns the record.
func (e *txEnv) addPackage(t *testing.T, name, version, build string, payload map[string]string) repodata.Record {
	t.Helper()
	dir := filepath.Join(e.cache.Dir(), "..", "srv")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	fn := buildCondaPackage(t, dir, name, version, build, payload)
	rec := repodata.Record{
		Name: name, Version: version, Build: build,
		Fn:  filepath.Base(fn),
		URL: "file://" + fn,
	}
	if _, err := e.repo.AddRecord(rec); err != nil {
		t.Fatal(err)
	}
	return rec
}

func (e *txEnv) solve(t *testing.T, jobs ...solver.Job) []solver.Step {
	t.Helper()
	e.repo.Internalize()
	e.inst.Internalize()
	e.pool.SetInstalled(e.inst)
	if err := e.pool.CreateWhatProvides(); err != nil {
		t.Fatal(err)
	}
	s := solver.NewSolver(e.pool, solver.SolveFlags{})
	s.AddJobs(jobs)
	steps, err := s.Solve()
	if err != nil {
		t.Fatalf("solve: %s", err)
	}
	return steps
}

func (e *txEnv) execute(t *testing.T, steps []solver.Step) error {
	t.Helper()
	tx := NewTransaction(e.ctx, e.pool, steps, e.cache, e.prefix, fetch.New())
	tx.Request = PrefilledUserRequest("test")
	return tx.Execute(context.Background())
}

func TestTransactionInstall(t *testing.T) {
	env := newTxEnv(t)
	env.addPackage(t, "hello", "1.0", "0", map[string]string{
		"bin/hello": "#!/bin/sh\necho hello\n",
	})

	steps := env.solve(t, solver.Job{Type: solver.JobInstall, Spec: spec.MustParse("hello")})
	if err := env.execute(t, steps); err != nil {
		t.Fatalf("execute: %s", err)
	}

	// Payload linked.
	linked := filepath.Join(env.prefix.Prefix(), "bin", "hello")
	if data, err := os.ReadFile(linked); err != nil || !bytes.Contains(data, []byte("echo hello")) {
		t.Errorf("payload not linked: %v", err)
	}
	// Prefix record written.
	pd, err := LoadPrefix(env.prefix.Prefix())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := pd.Get("hello"); !ok {
		t.Error("prefix record missing after install")
	}
	// History appended exactly once.
	n, err := NewHistory(env.prefix.Prefix()).Len()
	if err != nil || n != 1 {
		t.Errorf("history len = %d (%v), want 1", n, err)
	}
	// urls.txt records the fetched url.
	urls, err := os.ReadFile(filepath.Join(env.cache.Dir(), "urls.txt"))
	if err != nil || !bytes.Contains(urls, []byte("hello-1.0-0.conda")) {
		t.Errorf("urls.txt = %q, %v", urls, err)
	}
}

func TestTransactionRemove(t *testing.T) {
	env := newTxEnv(t)

	// Seed an installed package by hand: record plus a linked file.
	prefix := env.prefix.Prefix()
	if err := os.MkdirAll(filepath.Join(prefix, "bin"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(prefix, "bin", "old"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	rec := &PrefixRecord{
		Name: "old", Version: "1.0", Build: "0",
		Fn: "old-1.0-0.conda", Files: []string{"bin/old"},
	}
	if err := env.prefix.WriteRecord(rec); err != nil {
		t.Fatal(err)
	}
	if _, err := env.inst.AddRecord(rec.AsRepoData()); err != nil {
		t.Fatal(err)
	}

	steps := env.solve(t, solver.Job{Type: solver.JobRemove, Spec: spec.MustParse("old")})
	if err := env.execute(t, steps); err != nil {
		t.Fatalf("execute: %s", err)
	}

	if _, err := os.Stat(filepath.Join(prefix, "bin", "old")); !os.IsNotExist(err) {
		t.Error("removed package's file still present")
	}
	pd, _ := LoadPrefix(prefix)
	if _, ok := pd.Get("old"); ok {
		t.Error("prefix record still present after remove")
	}
}

func TestTransactionRollbackOnLinkFailure(t *testing.T) {
	env := newTxEnv(t)
	env.addPackage(t, "good", "1.0", "0", map[string]string{"bin/good": "ok\n"})

	// A package whose paths.json names a file missing from the payload:
	// linking fails mid-transaction.
	dir := filepath.Join(env.cache.Dir(), "..", "srv")
	os.MkdirAll(dir, 0o755)
	fn := buildCondaPackage(t, dir, "zbroken", "1.0", "0", map[string]string{"bin/present": "x\n"})
	injectMissingPathEntry(t, fn)
	rec := repodata.Record{
		Name: "zbroken", Version: "1.0", Build: "0",
		Fn: filepath.Base(fn), URL: "file://" + fn,
	}
	if _, err := env.repo.AddRecord(rec); err != nil {
		t.Fatal(err)
	}

	steps := env.solve(t,
		solver.Job{Type: solver.JobInstall, Spec: spec.MustParse("good")},
		solver.Job{Type: solver.JobInstall, Spec: spec.MustParse("zbroken")},
	)
	err := env.execute(t, steps)
	if err == nil {
		t.Fatal("broken package linked successfully")
	}

	// Rollback removed the already-linked good package again.
	if _, serr := os.Stat(filepath.Join(env.prefix.Prefix(), "bin", "good")); !os.IsNotExist(serr) {
		t.Error("rollback left good's payload behind")
	}
	pd, _ := LoadPrefix(env.prefix.Prefix())
	if pd.Len() != 0 {
		t.Errorf("rollback left %d prefix records", pd.Len())
	}
	// No history entry for a failed transaction.
	if n, _ := NewHistory(env.prefix.Prefix()).Len(); n != 0 {
		t.Errorf("failed transaction appended history (%d entries)", n)
	}
}

// injectMissingPathEntry rewrites the package's paths.json to reference a
// file the payload does not carry.
func injectMissingPathEntry(t *testing.T, condaFile string) {
	t.Helper()

	// Unpack, patch, repack. Extraction helpers are exercised on the
	// original file elsewhere; here a scratch extract is fine.
	scratch := t.TempDir()
	if err := ExtractPackage(condaFile, scratch); err != nil {
		t.Fatal(err)
	}
	var paths PathsData
	data, err := os.ReadFile(filepath.Join(scratch, "info", "paths.json"))
	if err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(data, &paths); err != nil {
		t.Fatal(err)
	}
	paths.Paths = append(paths.Paths, PathEntry{Path: "bin/ghost", PathType: "hardlink"})
	patched, _ := json.Marshal(paths)

	// Rebuild the .conda in place with the patched manifest.
	payload := map[string]string{}
	raw, err := os.ReadFile(filepath.Join(scratch, "bin", "present"))
	if err != nil {
		t.Fatal(err)
	}
	payload["bin/present"] = string(raw)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, _ := zw.Create("info-zbroken-1.0-0.tar.zst")
	w.Write(tarZst(t, map[string]string{
		"info/index.json": `{"name":"zbroken","version":"1.0","build":"0"}`,
		"info/paths.json": string(patched),
	}))
	w, _ = zw.Create("pkg-zbroken-1.0-0.tar.zst")
	w.Write(tarZst(t, payload))
	zw.Close()
	if err := os.WriteFile(condaFile, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestTransactionInterrupted(t *testing.T) {
	env := newTxEnv(t)
	env.addPackage(t, "hello", "1.0", "0", map[string]string{"bin/hello": "x\n"})
	steps := env.solve(t, solver.Job{Type: solver.JobInstall, Spec: spec.MustParse("hello")})

	interrupt.Set()
	defer interrupt.Reset()

	err := env.execute(t, steps)
	if err == nil {
		t.Fatal("interrupted transaction succeeded")
	}
	pd, _ := LoadPrefix(env.prefix.Prefix())
	if pd.Len() != 0 {
		t.Error("interrupted transaction left prefix records")
	}
}

func TestTransactionAlreadyCachedSkipsNetwork(t *testing.T) {
	env := newTxEnv(t)
	rec := env.addPackage(t, "hello", "1.0", "0", map[string]string{"bin/hello": "x\n"})

	steps := env.solve(t, solver.Job{Type: solver.JobInstall, Spec: spec.MustParse("hello")})
	if err := env.execute(t, steps); err != nil {
		t.Fatal(err)
	}

	// The cache now answers for the record.
	if !env.cache.Query(rec) {
		t.Error("package not cached after transaction")
	}
}
