// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package pkgcache manages the content-addressed package tarball cache
// shared by every environment (and, via an advisory lock, every process).
package pkgcache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/mamba-org/mamba/fetch"
	"github.com/mamba-org/mamba/internal/fs"
	"github.com/mamba-org/mamba/repodata"
)

// lockFile is the advisory lock taken while writing to a cache.
const lockFile = "pkgs.lock"

// A Cache is one package directory: downloaded tarballs plus their
// extracted trees.
type Cache struct {
	dir string
	log *logrus.Logger

	fl     *flock.Flock
	locked bool
}

// FirstWritable walks the candidate pkgs dirs in order and returns a Cache
// on the first one that accepts writes, creating directories lazily.
func FirstWritable(candidates []string, log *logrus.Logger) (*Cache, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	for _, dir := range candidates {
		if fs.IsWritable(dir) {
			return &Cache{dir: dir, log: log}, nil
		}
		log.WithField("dir", dir).Debug("pkgs dir not writable, trying next")
	}
	return nil, errors.Errorf("no writable package cache among %v", candidates)
}

// Open returns a read-only view of an existing cache directory.
func Open(dir string, log *logrus.Logger) *Cache {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Cache{dir: dir, log: log}
}

// Dir is the cache root.
func (c *Cache) Dir() string { return c.dir }

// TarballPath is where a package file lands in the cache.
func (c *Cache) TarballPath(fn string) string {
	return filepath.Join(c.dir, fn)
}

// ExtractedPath is the directory a package extracts into.
func (c *Cache) ExtractedPath(fn string) string {
	return filepath.Join(c.dir, Stem(fn))
}

// Stem strips the package extension from a filename.
func Stem(fn string) string {
	fn = strings.TrimSuffix(fn, ".tar.bz2")
	return strings.TrimSuffix(fn, ".conda")
}

// Lock takes the cache's advisory exclusive lock, waiting for other
// holders. The underlying flock dies with its process, so a crashed
// holder's lock reclaims itself; the sidecar pid stamp is informational.
func (c *Cache) Lock() error {
	if c.locked {
		return nil
	}
	if c.fl == nil {
		c.fl = flock.New(filepath.Join(c.dir, lockFile))
	}
	if err := c.fl.Lock(); err != nil {
		return errors.Wrapf(err, "cannot lock package cache %s", c.dir)
	}
	stamp := fmt.Sprintf("%d %s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	if err := os.WriteFile(filepath.Join(c.dir, lockFile+".pid"), []byte(stamp), 0o644); err != nil {
		c.log.Warnf("cannot stamp cache lock: %s", err)
	}
	c.locked = true
	return nil
}

// Unlock releases the advisory lock.
func (c *Cache) Unlock() error {
	if !c.locked {
		return nil
	}
	c.locked = false
	os.Remove(filepath.Join(c.dir, lockFile+".pid"))
	return errors.Wrap(c.fl.Unlock(), "cannot unlock package cache")
}

// Query reports whether rec is already present in the cache: either the
// tarball exists with matching size and digest, or an extracted tree
// carries a repodata_record.json agreeing with rec. Presence is monotonic
// until an explicit Remove.
func (c *Cache) Query(rec repodata.Record) bool {
	if rec.Fn == "" {
		return false
	}

	tarball := c.TarballPath(rec.Fn)
	if ok, _ := fs.IsRegular(tarball); ok {
		if err := fetch.Validate(tarball, rec.Size, rec.SHA256, rec.MD5); err == nil {
			return true
		}
	}

	recPath := filepath.Join(c.ExtractedPath(rec.Fn), "info", "repodata_record.json")
	data, err := os.ReadFile(recPath)
	if err != nil {
		return false
	}
	var have repodata.Record
	if err := json.Unmarshal(data, &have); err != nil {
		return false
	}
	if !strings.EqualFold(have.Name, rec.Name) || have.Version != rec.Version || have.Build != rec.Build {
		return false
	}
	if rec.URL != "" && have.URL != "" && have.URL != rec.URL {
		return false
	}
	return true
}

// Remove drops a package's tarball and extracted tree from the cache.
func (c *Cache) Remove(fn string) error {
	if err := os.Remove(c.TarballPath(fn)); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "cannot remove %s", fn)
	}
	if err := os.RemoveAll(c.ExtractedPath(fn)); err != nil {
		return errors.Wrapf(err, "cannot remove extracted %s", fn)
	}
	return nil
}

// WriteRepodataRecord stores rec into the extracted tree, where Query's
// second clause finds it.
func (c *Cache) WriteRepodataRecord(fn string, rec repodata.Record) error {
	dir := filepath.Join(c.ExtractedPath(fn), "info")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "cannot create %s", dir)
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return errors.Wrap(err, "cannot encode repodata record")
	}
	return fs.WriteAtomic(filepath.Join(dir, "repodata_record.json"), data, 0o644)
}

// AppendURL adds one line to the legacy urls.txt log. The format is fixed
// for cross-tool compatibility: one url per line, append-only.
func (c *Cache) AppendURL(url string) error {
	f, err := os.OpenFile(filepath.Join(c.dir, "urls.txt"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrap(err, "cannot open urls.txt")
	}
	defer f.Close()
	if _, err := f.WriteString(url + "\n"); err != nil {
		return errors.Wrap(err, "cannot append to urls.txt")
	}
	return nil
}
