// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mamba

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFixShebang(t *testing.T) {
	short := []byte("#!/opt/env/bin/python\nprint()\n")
	if got := fixShebang(short); !bytes.Equal(got, short) {
		t.Errorf("short shebang rewritten: %q", got)
	}

	long := []byte("#!" + strings.Repeat("/very-long-path", 12) + "/bin/python3.10\nprint()\n")
	got := fixShebang(long)
	if !bytes.HasPrefix(got, []byte("#!/usr/bin/env python3.10\n")) {
		t.Errorf("long shebang = %q", got[:40])
	}
	if !bytes.HasSuffix(got, []byte("print()\n")) {
		t.Error("shebang rewrite lost the body")
	}

	plain := []byte("not a script")
	if got := fixShebang(plain); !bytes.Equal(got, plain) {
		t.Error("non-script rewritten")
	}
}

func TestPlaceholderTextSubstitution(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	placeholder := "/opt/anaconda1anaconda2anaconda3"
	content := "prefix=" + placeholder + "/lib\n"
	if err := os.WriteFile(src, []byte(content), 0o755); err != nil {
		t.Fatal(err)
	}

	prefix := filepath.Join(dir, "env")
	dst := filepath.Join(dir, "dst")
	entry := PathEntry{Path: "x", PathType: "hardlink", PrefixPlaceholder: placeholder, FileMode: "text"}
	if err := copyWithPlaceholder(src, dst, entry, prefix); err != nil {
		t.Fatal(err)
	}

	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	want := "prefix=" + prefix + "/lib\n"
	if string(got) != want {
		t.Errorf("substituted = %q, want %q", got, want)
	}
}

func TestPlaceholderBinaryPadding(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	placeholder := "/opt/placeholder-padding-padding-padding"
	content := append([]byte("A"), append([]byte(placeholder+"/lib\x00rest"), 'B')...)
	if err := os.WriteFile(src, content, 0o644); err != nil {
		t.Fatal(err)
	}

	prefix := "/env" // much shorter than the placeholder
	dst := filepath.Join(dir, "dst")
	entry := PathEntry{Path: "x", PrefixPlaceholder: placeholder, FileMode: "binary"}
	if err := copyWithPlaceholder(src, dst, entry, prefix); err != nil {
		t.Fatal(err)
	}

	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	// Same length as the original: binary offsets must not shift.
	if len(got) != len(content) {
		t.Fatalf("binary length changed: %d -> %d", len(content), len(got))
	}
	if !bytes.Contains(got, append([]byte(prefix), 0)) {
		t.Error("prefix not NUL-padded into binary")
	}
}

func TestLinkFileTypes(t *testing.T) {
	extracted := t.TempDir()
	prefix := t.TempDir()

	os.MkdirAll(filepath.Join(extracted, "bin"), 0o755)
	os.WriteFile(filepath.Join(extracted, "bin", "tool"), []byte("payload"), 0o755)

	for _, pathType := range []string{"hardlink", "copy"} {
		entry := PathEntry{Path: "bin/tool", PathType: pathType}
		if err := linkFile(extracted, prefix, entry); err != nil {
			t.Fatalf("%s: %s", pathType, err)
		}
		got, err := os.ReadFile(filepath.Join(prefix, "bin", "tool"))
		if err != nil || string(got) != "payload" {
			t.Errorf("%s: linked contents = %q, %v", pathType, got, err)
		}
	}
}

func TestUnlinkRestoreRoundTrip(t *testing.T) {
	prefix := t.TempDir()
	trash := filepath.Join(t.TempDir(), "trash")

	os.MkdirAll(filepath.Join(prefix, "bin"), 0o755)
	target := filepath.Join(prefix, "bin", "x")
	os.WriteFile(target, []byte("data"), 0o644)

	if err := unlinkFile(prefix, "bin/x", trash); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(target); !os.IsNotExist(err) {
		t.Fatal("unlink left the file")
	}
	if err := restoreFile(prefix, "bin/x", trash); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(target)
	if err != nil || string(got) != "data" {
		t.Errorf("restore = %q, %v", got, err)
	}
}
