// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mamba

import (
	"os"
	"path/filepath"
	"testing"
)

func writeMeta(t *testing.T, prefix, name, content string) {
	t.Helper()
	dir := filepath.Join(prefix, condaMeta)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadPrefixEmpty(t *testing.T) {
	pd, err := LoadPrefix(t.TempDir())
	if err != nil {
		t.Fatalf("fresh prefix: %s", err)
	}
	if pd.Len() != 0 {
		t.Errorf("len = %d", pd.Len())
	}
}

func TestLoadPrefixRecords(t *testing.T) {
	prefix := t.TempDir()
	writeMeta(t, prefix, "numpy-1.22.3-py310_0.json", `{
		"name": "numpy", "version": "1.22.3", "build": "py310_0",
		"build_number": 0, "channel": "conda-forge",
		"fn": "numpy-1.22.3-py310_0.conda",
		"url": "https://conda.anaconda.org/conda-forge/linux-64/numpy-1.22.3-py310_0.conda",
		"depends": ["python >=3.10"],
		"files": ["lib/python3.10/site-packages/numpy/__init__.py"]
	}`)
	writeMeta(t, prefix, "python-3.10.4-0.json", `{
		"name": "python", "version": "3.10.4", "build": "0",
		"build_number": 0, "channel": "conda-forge",
		"fn": "python-3.10.4-0.conda", "url": "", "depends": [], "files": []
	}`)
	// Non-json entries are ignored.
	writeMeta(t, prefix, "history", "==> 2024-01-01 00:00:00 <==\n")

	pd, err := LoadPrefix(prefix)
	if err != nil {
		t.Fatal(err)
	}
	if pd.Len() != 2 {
		t.Fatalf("len = %d, want 2", pd.Len())
	}
	rec, ok := pd.Get("NumPy") // name lookup is case-insensitive
	if !ok {
		t.Fatal("numpy record missing")
	}
	if rec.Version != "1.22.3" || len(rec.Files) != 1 {
		t.Errorf("record = %+v", rec)
	}

	sorted := pd.Sorted()
	if sorted[0].Name != "numpy" || sorted[1].Name != "python" {
		t.Errorf("sort order: %s, %s", sorted[0].Name, sorted[1].Name)
	}
}

func TestLoadPrefixState(t *testing.T) {
	prefix := t.TempDir()
	writeMeta(t, prefix, "state", `{
		"env_vars": {"ZEBRA": "1", "ALPHA": "2", "lowercase": "ignored", "MIDDLE": "3"}
	}`)

	pd, err := LoadPrefix(prefix)
	if err != nil {
		t.Fatal(err)
	}
	keys, vars := pd.EnvVars()
	// Order of appearance, not alphabetical; lowercase keys dropped.
	want := []string{"ZEBRA", "ALPHA", "MIDDLE"}
	if len(keys) != len(want) {
		t.Fatalf("keys = %v", keys)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Errorf("keys[%d] = %q, want %q", i, keys[i], want[i])
		}
	}
	if vars["ZEBRA"] != "1" || vars["MIDDLE"] != "3" {
		t.Errorf("vars = %v", vars)
	}
}

func TestWriteAndRemoveRecord(t *testing.T) {
	prefix := t.TempDir()
	pd, err := LoadPrefix(prefix)
	if err != nil {
		t.Fatal(err)
	}

	rec := &PrefixRecord{Name: "a", Version: "1.0", Build: "0", Fn: "a-1.0-0.conda"}
	if err := pd.WriteRecord(rec); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(prefix, condaMeta, "a-1.0-0.json")); err != nil {
		t.Errorf("record file missing: %s", err)
	}

	// Reload sees it.
	pd2, err := LoadPrefix(prefix)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := pd2.Get("a"); !ok {
		t.Error("record not visible after reload")
	}

	if err := pd.RemoveRecord("a"); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(prefix, condaMeta, "a-1.0-0.json")); !os.IsNotExist(err) {
		t.Error("record file not removed")
	}
}
