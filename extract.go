// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mamba

import (
	"archive/tar"
	"archive/zip"
	"compress/bzip2"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
)

// extractMu serializes archive extraction; the archive entry points are
// not safe for concurrent use.
var extractMu sync.Mutex

// ExtractPackage unpacks a downloaded package file into dst, dispatching
// on its extension.
func ExtractPackage(src, dst string) error {
	extractMu.Lock()
	defer extractMu.Unlock()

	switch {
	case strings.HasSuffix(src, ".tar.bz2"):
		return extractTarBz2(src, dst)
	case strings.HasSuffix(src, ".conda"):
		return extractConda(src, dst)
	}
	return errors.Errorf("unknown package format: %s", src)
}

func extractTarBz2(src, dst string) error {
	f, err := os.Open(src)
	if err != nil {
		return errors.Wrapf(err, "cannot open %s", src)
	}
	defer f.Close()
	return untar(bzip2.NewReader(f), dst)
}

// extractConda unpacks the .conda envelope: a zip holding zstd-compressed
// info and payload tarballs. The info tarball extracts first so metadata
// is present before payload files.
func extractConda(src, dst string) error {
	zr, err := zip.OpenReader(src)
	if err != nil {
		return errors.Wrapf(err, "cannot open %s", src)
	}
	defer zr.Close()

	members := make([]*zip.File, 0, len(zr.File))
	for _, zf := range zr.File {
		if strings.HasSuffix(zf.Name, ".tar.zst") {
			members = append(members, zf)
		}
	}
	sort.Slice(members, func(i, j int) bool {
		// "info-*" sorts before "pkg-*" already, but be explicit.
		ii := strings.HasPrefix(members[i].Name, "info-")
		ji := strings.HasPrefix(members[j].Name, "info-")
		if ii != ji {
			return ii
		}
		return members[i].Name < members[j].Name
	})
	if len(members) == 0 {
		return errors.Errorf("%s carries no tar.zst members", src)
	}

	for _, zf := range members {
		rc, err := zf.Open()
		if err != nil {
			return errors.Wrapf(err, "cannot open member %s", zf.Name)
		}
		zd, err := zstd.NewReader(rc)
		if err != nil {
			rc.Close()
			return errors.Wrapf(err, "cannot decompress member %s", zf.Name)
		}
		err = untar(zd.IOReadCloser(), dst)
		zd.Close()
		rc.Close()
		if err != nil {
			return errors.Wrapf(err, "cannot extract member %s", zf.Name)
		}
	}
	return nil
}

// untar writes a tar stream under dst, refusing path traversal.
func untar(r io.Reader, dst string) error {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "tar read failed")
		}

		name := filepath.Clean(hdr.Name)
		if filepath.IsAbs(name) || strings.HasPrefix(name, "..") {
			return errors.Errorf("archive member escapes destination: %s", hdr.Name)
		}
		target := filepath.Join(dst, name)

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(hdr.Mode)|0o700); err != nil {
				return errors.Wrapf(err, "cannot create %s", target)
			}
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return errors.Wrapf(err, "cannot create %s", filepath.Dir(target))
			}
			os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return errors.Wrapf(err, "cannot symlink %s", target)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return errors.Wrapf(err, "cannot create %s", filepath.Dir(target))
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(hdr.Mode))
			if err != nil {
				return errors.Wrapf(err, "cannot create %s", target)
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return errors.Wrapf(err, "cannot write %s", target)
			}
			if err := out.Close(); err != nil {
				return errors.Wrapf(err, "cannot close %s", target)
			}
		default:
			// Hard links and exotic types do not occur in conda packages.
		}
	}
}
