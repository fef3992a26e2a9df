// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package repodata

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/mamba-org/mamba/channel"
	"github.com/mamba-org/mamba/fetch"
	"github.com/mamba-org/mamba/internal/fs"
)

// LoadState describes how a subdir's repodata was obtained.
type LoadState int

const (
	// Failed means no usable repodata is available.
	Failed LoadState = iota
	// FromDiskFresh means the cache was young enough to skip the network.
	FromDiskFresh
	// FromDiskConditional304 means the server confirmed the cache via 304.
	FromDiskConditional304
	// Downloaded means a full fetch replaced the cache.
	Downloaded
)

func (s LoadState) String() string {
	switch s {
	case FromDiskFresh:
		return "fresh"
	case FromDiskConditional304:
		return "confirmed-304"
	case Downloaded:
		return "downloaded"
	}
	return "failed"
}

// DefaultTTL applies when a cached file carries no usable
// _cache_control max-age.
const DefaultTTL = 300 * time.Second

var maxAgeRe = regexp.MustCompile(`max-age=(\d+)`)

// A SubdirData manages the repodata cache for one (channel, platform) pair.
type SubdirData struct {
	Channel  channel.Channel
	Platform string

	url      string // credentialed repodata url
	cacheDir string
	dl       *fetch.Downloader
	index    *IndexCache
	log      *logrus.Logger

	offline bool
	ttl     time.Duration // overrides _cache_control when > 0

	state LoadState
}

// SubdirOption mutates a SubdirData under construction.
type SubdirOption func(*SubdirData)

// Offline serves only what is already on disk.
func Offline() SubdirOption {
	return func(s *SubdirData) { s.offline = true }
}

// WithTTL overrides the cache-control max-age.
func WithTTL(d time.Duration) SubdirOption {
	return func(s *SubdirData) { s.ttl = d }
}

// WithIndexCache attaches a shared parsed-index cache.
func WithIndexCache(ic *IndexCache) SubdirOption {
	return func(s *SubdirData) { s.index = ic }
}

// WithLogger substitutes the process logger.
func WithLogger(l *logrus.Logger) SubdirOption {
	return func(s *SubdirData) { s.log = l }
}

// NewSubdirData constructs the cache handle for one channel platform. The
// cache lives under cacheDir; dl performs any network access.
func NewSubdirData(ch channel.Channel, platform, cacheDir string, dl *fetch.Downloader, opts ...SubdirOption) *SubdirData {
	s := &SubdirData{
		Channel:  ch,
		Platform: platform,
		url:      ch.PlatformURL(platform, true) + "/repodata.json",
		cacheDir: cacheDir,
		dl:       dl,
		log:      logrus.StandardLogger(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// CacheKey is the first 8 hex chars of the md5 of the credential-free
// repodata url.
func (s *SubdirData) CacheKey() string {
	u := s.Channel.PlatformURL(s.Platform, false) + "/repodata.json"
	return fmt.Sprintf("%x", md5.Sum([]byte(u)))[:8]
}

// JSONPath is the cached repodata file.
func (s *SubdirData) JSONPath() string {
	return filepath.Join(s.cacheDir, s.CacheKey()+".json")
}

// State reports how the last Load obtained its data.
func (s *SubdirData) State() LoadState { return s.state }

// Required reports whether a load failure is fatal for the channel: the
// noarch subdir always is.
func (s *SubdirData) Required() bool { return s.Platform == "noarch" }

// Load ensures the on-disk cache is usable and fresh per the freshness
// rules: a young enough cache skips the network; otherwise a conditional
// GET either confirms (304) or replaces (200) the cache.
func (s *SubdirData) Load(ctx context.Context) error {
	s.state = Failed
	jsonPath := s.JSONPath()

	pre, mtime, hasCache := s.readCacheState(jsonPath)
	if hasCache {
		age := time.Since(mtime)
		if s.offline || age < s.maxAge(pre) {
			s.state = FromDiskFresh
			return nil
		}
	} else if s.offline {
		return errors.Errorf("offline and no cache for %s", s.url)
	}

	if err := os.MkdirAll(s.cacheDir, 0o755); err != nil {
		return errors.Wrapf(err, "cannot create cache dir %s", s.cacheDir)
	}

	tmp := jsonPath + ".dl"
	t := &fetch.Target{URL: s.url, Path: tmp}
	if hasCache {
		t.ETag = pre.ETag
		t.Mod = pre.Mod
	}

	res := s.dl.Download(ctx, t)
	if res.Err != nil {
		return res.Err
	}

	if res.Unchanged {
		// Confirmations only advance the clock on the cached file.
		now := time.Now()
		if err := os.Chtimes(jsonPath, now, now); err != nil {
			return errors.Wrapf(err, "cannot touch %s", jsonPath)
		}
		s.state = FromDiskConditional304
		return nil
	}

	defer os.Remove(tmp)
	body, err := os.ReadFile(tmp)
	if err != nil {
		return errors.Wrapf(err, "cannot read downloaded repodata %s", tmp)
	}
	merged, err := injectPreamble(body, Preamble{
		URL:          s.Channel.PlatformURL(s.Platform, false) + "/repodata.json",
		ETag:         res.ETag,
		Mod:          res.Mod,
		CacheControl: res.CacheControl,
	})
	if err != nil {
		return err
	}
	if err := fs.WriteAtomic(jsonPath, merged, 0o644); err != nil {
		return err
	}

	s.log.WithFields(logrus.Fields{
		"channel": s.Channel.CanonicalName(),
		"subdir":  s.Platform,
	}).Debug("repodata downloaded")
	s.state = Downloaded
	return nil
}

// Records parses the cached repodata, preferring the shared parsed-index
// cache when it is valid for the current json file.
func (s *SubdirData) Records() ([]Record, error) {
	jsonPath := s.JSONPath()
	fi, err := os.Stat(jsonPath)
	if err != nil {
		return nil, errors.Wrapf(err, "no cached repodata for %s/%s", s.Channel.CanonicalName(), s.Platform)
	}

	if s.index != nil {
		if recs, ok := s.index.get(s.CacheKey(), fi.ModTime()); ok {
			return recs, nil
		}
	}

	data, err := os.ReadFile(jsonPath)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot read %s", jsonPath)
	}
	recs, err := parseRecords(data, s.Channel.PlatformURL(s.Platform, false), s.Channel.CanonicalName())
	if err != nil {
		return nil, err
	}

	if s.index != nil {
		if err := s.index.put(s.CacheKey(), fi.ModTime(), recs); err != nil {
			s.log.WithField("key", s.CacheKey()).Warnf("index cache write failed: %s", err)
		}
	}
	return recs, nil
}

// readCacheState reads the preamble and mtime of an existing cache file.
func (s *SubdirData) readCacheState(jsonPath string) (Preamble, time.Time, bool) {
	fi, err := os.Stat(jsonPath)
	if err != nil {
		return Preamble{}, time.Time{}, false
	}
	data, err := os.ReadFile(jsonPath)
	if err != nil {
		return Preamble{}, time.Time{}, false
	}
	var pre Preamble
	if err := json.Unmarshal(data, &pre); err != nil {
		return Preamble{}, time.Time{}, false
	}
	return pre, fi.ModTime(), true
}

func (s *SubdirData) maxAge(pre Preamble) time.Duration {
	if s.ttl > 0 {
		return s.ttl
	}
	if m := maxAgeRe.FindStringSubmatch(pre.CacheControl); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	return DefaultTTL
}

// injectPreamble merges the preamble keys into the top of a repodata
// document without reserializing the package maps.
func injectPreamble(body []byte, pre Preamble) ([]byte, error) {
	preJSON, err := json.Marshal(pre)
	if err != nil {
		return nil, errors.Wrap(err, "cannot marshal preamble")
	}

	trimmed := bytes.TrimLeft(body, " \t\r\n")
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, errors.New("repodata is not a JSON object")
	}
	rest := bytes.TrimLeft(trimmed[1:], " \t\r\n")

	var buf bytes.Buffer
	buf.Write(preJSON[:len(preJSON)-1]) // keep the object open
	if len(rest) > 0 && rest[0] != '}' {
		buf.WriteByte(',')
	}
	buf.Write(rest)
	return buf.Bytes(), nil
}

// LoadAll loads every subdir concurrently, one goroutine per subdir; the
// number of simultaneous loads is not bounded.
// Failures on non-required subdirs are logged and tolerated; a required
// (noarch) failure aborts.
func LoadAll(ctx context.Context, subdirs []*SubdirData) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, sd := range subdirs {
		sd := sd
		g.Go(func() error {
			err := sd.Load(gctx)
			if err == nil {
				return nil
			}
			if sd.Required() {
				return errors.Wrapf(err, "required subdir %s/%s failed",
					sd.Channel.CanonicalName(), sd.Platform)
			}
			sd.log.WithFields(logrus.Fields{
				"channel": sd.Channel.CanonicalName(),
				"subdir":  sd.Platform,
			}).Warnf("subdir unavailable: %s", err)
			return nil
		})
	}
	return g.Wait()
}
