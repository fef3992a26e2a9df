// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mamba

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"

	shutil "github.com/termie/go-shutil"

	"github.com/mamba-org/mamba/internal/fs"
)

// maxShebang is the kernel's interpreter-line limit; longer shebangs
// collapse to /usr/bin/env form.
const maxShebang = 127

// linkFile places one payload file into the prefix per its paths.json
// entry: hardlink, softlink, or copy, with placeholder substitution for
// files carrying a prefix placeholder.
func linkFile(extractedDir, prefix string, entry PathEntry) error {
	src := filepath.Join(extractedDir, entry.Path)
	dst := filepath.Join(prefix, entry.Path)

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return &LinkError{Path: dst, Cause: err}
	}
	os.Remove(dst)

	// Placeholder substitution forces a private copy regardless of the
	// declared link type.
	if entry.PrefixPlaceholder != "" {
		if err := copyWithPlaceholder(src, dst, entry, prefix); err != nil {
			return &LinkError{Path: dst, Cause: err}
		}
		return nil
	}

	linkType := entry.PathType
	if entry.NoLink {
		linkType = "copy"
	}
	switch linkType {
	case "softlink":
		target, err := os.Readlink(src)
		if err != nil {
			// Not a symlink in the payload; degrade to copy.
			if err2 := shutil.CopyFile(src, dst, false); err2 != nil {
				return &LinkError{Path: dst, Cause: err2}
			}
			return nil
		}
		if err := os.Symlink(target, dst); err != nil {
			return &LinkError{Path: dst, Cause: err}
		}
	case "copy":
		if err := shutil.CopyFile(src, dst, false); err != nil {
			return &LinkError{Path: dst, Cause: err}
		}
	default: // hardlink
		if err := os.Link(src, dst); err != nil {
			// Cross-device caches fall back to copying.
			if err2 := shutil.CopyFile(src, dst, false); err2 != nil {
				return &LinkError{Path: dst, Cause: err2}
			}
		}
	}
	return nil
}

// copyWithPlaceholder rewrites the recorded placeholder to the actual
// prefix. Text files substitute freely and get their shebang fixed;
// binary files take a NUL-padded same-length replacement so offsets
// survive.
func copyWithPlaceholder(src, dst string, entry PathEntry, prefix string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}

	placeholder := []byte(entry.PrefixPlaceholder)
	if entry.FileMode == "binary" {
		repl := []byte(prefix)
		if len(repl) > len(placeholder) {
			// A prefix longer than the placeholder cannot be patched
			// into a binary; leave the file as extracted.
			repl = placeholder
		} else {
			repl = append(repl, make([]byte, len(placeholder)-len(repl))...)
		}
		data = bytes.ReplaceAll(data, placeholder, repl)
	} else {
		data = bytes.ReplaceAll(data, placeholder, []byte(prefix))
		data = fixShebang(data)
	}

	mode := os.FileMode(0o644)
	if fi, err := os.Stat(src); err == nil {
		mode = fi.Mode()
	}
	return fs.WriteAtomic(dst, data, mode)
}

// fixShebang collapses interpreter lines beyond the kernel limit to
// "#!/usr/bin/env <interp>".
func fixShebang(data []byte) []byte {
	if !bytes.HasPrefix(data, []byte("#!")) {
		return data
	}
	nl := bytes.IndexByte(data, '\n')
	if nl < 0 {
		nl = len(data)
	}
	line := data[:nl]
	if len(line) <= maxShebang {
		return data
	}

	fields := strings.Fields(string(line[2:]))
	if len(fields) == 0 {
		return data
	}
	interp := filepath.Base(fields[0])
	fixed := append([]byte("#!/usr/bin/env "+interp), data[nl:]...)
	return fixed
}

// unlinkFile moves one installed file into the transaction trash so the
// operation stays invertible; a cross-device trash falls back to copy.
func unlinkFile(prefix, rel, trashDir string) error {
	src := filepath.Join(prefix, rel)
	if _, err := os.Lstat(src); os.IsNotExist(err) {
		return nil
	}
	dst := filepath.Join(trashDir, rel)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return &LinkError{Path: src, Cause: err}
	}
	if err := fs.RenameWithFallback(src, dst); err != nil {
		return &LinkError{Path: src, Cause: err}
	}
	return nil
}

// restoreFile undoes unlinkFile.
func restoreFile(prefix, rel, trashDir string) error {
	src := filepath.Join(trashDir, rel)
	if _, err := os.Lstat(src); os.IsNotExist(err) {
		return nil
	}
	dst := filepath.Join(prefix, rel)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	return fs.RenameWithFallback(src, dst)
}
