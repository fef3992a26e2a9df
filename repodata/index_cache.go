// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package repodata

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/boltdb/bolt"
	"github.com/pkg/errors"
)

// IndexCache is a persistent cache of parsed repodata, the binary sibling
// of the json files, backed by a BoltDB file under the cache directory.
//
// Implementation:
//
// Each repodata cache key has a top-level bucket:
//
//	Bucket: "<cachekey>"
//	Key "mtime": the source json's mtime, RFC3339Nano
//	Key "records": the flattened records, json-encoded
//
// An entry is valid only while its recorded mtime matches the json file on
// disk; Load rewrites the json (or bumps its mtime on 304), and either way
// the changed mtime invalidates the entry with no extra bookkeeping.
//
// Access is safe for concurrent use; bolt serializes writers.
type IndexCache struct {
	db *bolt.DB
}

var (
	keyMtime   = []byte("mtime")
	keyRecords = []byte("records")
)

// OpenIndexCache opens (creating if needed) the parsed-index cache file
// under dir.
func OpenIndexCache(dir string) (*IndexCache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "cannot create cache dir %s", dir)
	}
	path := filepath.Join(dir, "repodata-index.db")
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "cannot open index cache %s", path)
	}
	return &IndexCache{db: db}, nil
}

// Close releases the cache file.
func (c *IndexCache) Close() error {
	return errors.Wrap(c.db.Close(), "error closing index cache")
}

// get returns the cached records for key if they were parsed from a json
// file with exactly mtime.
func (c *IndexCache) get(key string, mtime time.Time) ([]Record, bool) {
	var recs []Record
	ok := false
	c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(key))
		if b == nil {
			return nil
		}
		stored := b.Get(keyMtime)
		if stored == nil || string(stored) != mtime.UTC().Format(time.RFC3339Nano) {
			return nil
		}
		raw := b.Get(keyRecords)
		if raw == nil {
			return nil
		}
		if err := json.Unmarshal(raw, &recs); err != nil {
			return nil
		}
		ok = true
		return nil
	})
	if !ok {
		return nil, false
	}
	return recs, true
}

// put stores records for key, stamped with the source json's mtime.
func (c *IndexCache) put(key string, mtime time.Time, recs []Record) error {
	raw, err := json.Marshal(recs)
	if err != nil {
		return errors.Wrap(err, "cannot encode records")
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(key))
		if err != nil {
			return err
		}
		if err := b.Put(keyMtime, []byte(mtime.UTC().Format(time.RFC3339Nano))); err != nil {
			return err
		}
		return b.Put(keyRecords, raw)
	})
}
