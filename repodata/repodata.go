// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package repodata fetches, caches and parses per-(channel, platform)
// repository indexes.
package repodata

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// A Record is one package entry in a repodata index, flattened with its
// source url and channel name.
type Record struct {
	Name        string   `json:"name"`
	Version     string   `json:"version"`
	Build       string   `json:"build"`
	BuildNumber int      `json:"build_number"`
	Depends     []string `json:"depends"`
	Constrains  []string `json:"constrains,omitempty"`
	MD5         string   `json:"md5,omitempty"`
	SHA256      string   `json:"sha256,omitempty"`
	Size        int64    `json:"size,omitempty"`
	Timestamp   int64    `json:"timestamp,omitempty"`
	Subdir      string   `json:"subdir,omitempty"`
	License     string   `json:"license,omitempty"`

	// Fn is the package filename within the subdir.
	Fn string `json:"fn,omitempty"`

	// URL is the full download url.
	URL string `json:"url,omitempty"`

	// Channel is the canonical channel name the record came from.
	Channel string `json:"channel,omitempty"`
}

// Preamble is the caching metadata the fetcher injects at the top of a
// cached repodata file.
type Preamble struct {
	URL          string `json:"_url"`
	ETag         string `json:"_etag"`
	Mod          string `json:"_mod"`
	CacheControl string `json:"_cache_control"`
}

// repoDataFile is the on-disk shape of a repodata index, preamble included.
type repoDataFile struct {
	Preamble
	Info struct {
		Subdir string `json:"subdir"`
	} `json:"info"`
	Packages      map[string]Record `json:"packages"`
	PackagesConda map[string]Record `json:"packages.conda"`
}

// parseRecords flattens a repodata document into Records. Entries from
// packages.conda shadow a .tar.bz2 entry with the same stem; fn and url are
// filled from the map key and base url.
func parseRecords(data []byte, baseURL, channelName string) ([]Record, error) {
	var rd repoDataFile
	if err := json.Unmarshal(data, &rd); err != nil {
		return nil, errors.Wrap(err, "cannot parse repodata")
	}

	shadowed := make(map[string]bool, len(rd.PackagesConda))
	for fn := range rd.PackagesConda {
		shadowed[strings.TrimSuffix(fn, ".conda")] = true
	}

	out := make([]Record, 0, len(rd.Packages)+len(rd.PackagesConda))
	appendRec := func(fn string, r Record) {
		r.Fn = fn
		r.URL = strings.TrimRight(baseURL, "/") + "/" + fn
		r.Channel = channelName
		if r.Subdir == "" {
			r.Subdir = rd.Info.Subdir
		}
		out = append(out, r)
	}
	for fn, r := range rd.Packages {
		if shadowed[strings.TrimSuffix(fn, ".tar.bz2")] {
			continue
		}
		appendRec(fn, r)
	}
	for fn, r := range rd.PackagesConda {
		appendRec(fn, r)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Fn < out[j].Fn })
	return out, nil
}
