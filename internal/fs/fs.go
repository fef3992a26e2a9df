// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fs

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/pkg/errors"
)

// RenameWithFallback attempts to rename a file or directory, but falls back
// to copying in the event of a cross-device link error. If the fallback copy
// succeeds, src is still removed, emulating normal rename behavior.
func RenameWithFallback(src, dst string) error {
	_, err := os.Stat(src)
	if err != nil {
		return errors.Wrapf(err, "cannot stat %s", src)
	}

	err = os.Rename(src, dst)
	if err == nil {
		return nil
	}

	terr, ok := err.(*os.LinkError)
	if !ok {
		return errors.Wrapf(err, "cannot rename %s to %s", src, dst)
	}
	if terr.Err != syscall.EXDEV {
		return errors.Wrapf(terr, "link error: cannot rename %s to %s", src, dst)
	}
	return renameByCopy(src, dst)
}

// renameByCopy renames src to dst by copying then removing src.
func renameByCopy(src, dst string) error {
	var cerr error
	if dir, _ := IsDir(src); dir {
		cerr = errors.Wrap(CopyDir(src, dst), "copying directory failed")
	} else {
		cerr = errors.Wrap(CopyFile(src, dst), "copying file failed")
	}
	if cerr != nil {
		return errors.Wrapf(cerr, "rename fallback failed: cannot rename %s to %s", src, dst)
	}
	return errors.Wrapf(os.RemoveAll(src), "cannot delete %s", src)
}

// CopyDir recursively copies a directory tree, attempting to preserve
// permissions. Source directory must exist, destination directory must not.
func CopyDir(src, dst string) error {
	src, dst = filepath.Clean(src), filepath.Clean(dst)

	si, err := os.Stat(src)
	if err != nil {
		return err
	}
	if !si.IsDir() {
		return errors.Errorf("source %s is not a directory", src)
	}
	if _, err := os.Stat(dst); err == nil {
		return errors.Errorf("destination %s already exists", dst)
	}
	if err := os.MkdirAll(dst, si.Mode()); err != nil {
		return errors.Wrapf(err, "cannot mkdir %s", dst)
	}

	entries, err := os.ReadDir(src)
	if err != nil {
		return errors.Wrapf(err, "cannot read directory %s", src)
	}
	for _, entry := range entries {
		srcPath := filepath.Join(src, entry.Name())
		dstPath := filepath.Join(dst, entry.Name())
		if entry.IsDir() {
			if err := CopyDir(srcPath, dstPath); err != nil {
				return errors.Wrap(err, "copying directory failed")
			}
		} else if err := CopyFile(srcPath, dstPath); err != nil {
			return errors.Wrap(err, "copying file failed")
		}
	}
	return nil
}

// CopyFile copies the contents of the file named src to the file named by
// dst. Symlinks are cloned rather than followed. The file mode is copied
// from the source and the data is synced to stable storage.
func CopyFile(src, dst string) (err error) {
	if sym, err := IsSymlink(src); err != nil {
		return errors.Wrap(err, "symlink check failed")
	} else if sym {
		return cloneSymlink(src, dst)
	}

	in, err := os.Open(src)
	if err != nil {
		return
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return
	}
	defer out.Close()

	if _, err = io.Copy(out, in); err != nil {
		return
	}
	if err = out.Sync(); err != nil {
		return
	}

	si, err := os.Stat(src)
	if err != nil {
		return
	}
	err = os.Chmod(dst, si.Mode())
	return
}

// cloneSymlink creates a new symlink pointing at the same target as sl.
func cloneSymlink(sl, dst string) error {
	resolved, err := os.Readlink(sl)
	if err != nil {
		return err
	}
	return os.Symlink(resolved, dst)
}

// WriteAtomic writes data to path by writing a sibling temp file, syncing
// it, then renaming into place.
func WriteAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".")
	if err != nil {
		return errors.Wrapf(err, "cannot create temp file in %s", dir)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrapf(err, "cannot write %s", tmpName)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrapf(err, "cannot sync %s", tmpName)
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrapf(err, "cannot close %s", tmpName)
	}
	if err := os.Chmod(tmpName, mode); err != nil {
		return errors.Wrapf(err, "cannot chmod %s", tmpName)
	}
	return errors.Wrapf(os.Rename(tmpName, path), "cannot rename %s to %s", tmpName, path)
}

// IsDir determines if the path given is a directory or not.
func IsDir(name string) (bool, error) {
	fi, err := os.Stat(name)
	if err != nil {
		return false, err
	}
	if !fi.IsDir() {
		return false, errors.Errorf("%q is not a directory", name)
	}
	return true, nil
}

// IsRegular determines if the path given is a regular file or not.
func IsRegular(name string) (bool, error) {
	fi, err := os.Stat(name)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	mode := fi.Mode()
	if mode&os.ModeType != 0 {
		return false, errors.Errorf("%q is a %v, expected a file", name, mode)
	}
	return true, nil
}

// IsSymlink determines if the given path is a symbolic link.
func IsSymlink(path string) (bool, error) {
	l, err := os.Lstat(path)
	if err != nil {
		return false, err
	}
	return l.Mode()&os.ModeSymlink == os.ModeSymlink, nil
}

// IsWritable reports whether dir accepts new files, by creating and
// removing a probe file. Missing dirs are created first.
func IsWritable(dir string) bool {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false
	}
	probe := filepath.Join(dir, ".mamba-write-test")
	f, err := os.Create(probe)
	if err != nil {
		return false
	}
	f.Close()
	os.Remove(probe)
	return true
}

// HasPathPrefix reports whether path is inside prefix, at path-segment
// granularity.
func HasPathPrefix(path, prefix string) bool {
	path, prefix = filepath.Clean(path), filepath.Clean(prefix)
	if path == prefix {
		return true
	}
	return strings.HasPrefix(path, prefix+string(filepath.Separator))
}
