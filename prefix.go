// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mamba

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/karrick/godirwalk"
	"github.com/pkg/errors"

	"github.com/mamba-org/mamba/internal/fs"
	"github.com/mamba-org/mamba/repodata"
)

// condaMeta is the per-prefix metadata directory.
const condaMeta = "conda-meta"

// A PrefixRecord describes one installed package: identity, provenance,
// and the files it linked into the prefix. One json file per package under
// <prefix>/conda-meta/.
type PrefixRecord struct {
	Name        string   `json:"name"`
	Version     string   `json:"version"`
	Build       string   `json:"build"`
	BuildNumber int      `json:"build_number"`
	Channel     string   `json:"channel"`
	Subdir      string   `json:"subdir,omitempty"`
	Fn          string   `json:"fn"`
	URL         string   `json:"url"`
	MD5         string   `json:"md5,omitempty"`
	SHA256      string   `json:"sha256,omitempty"`
	Size        int64    `json:"size,omitempty"`
	Depends     []string `json:"depends"`
	Constrains  []string `json:"constrains,omitempty"`
	License     string   `json:"license,omitempty"`
	Timestamp   int64    `json:"timestamp,omitempty"`

	// Files are the prefix-relative paths this package linked.
	Files []string `json:"files"`

	// PathsData mirrors info/paths.json for unlink decisions.
	PathsData PathsData `json:"paths_data"`

	// LinkSource records where the package was linked from.
	LinkSource string `json:"link,omitempty"`
}

// PathsData is the paths manifest carried by a package.
type PathsData struct {
	PathsVersion int         `json:"paths_version"`
	Paths        []PathEntry `json:"paths"`
}

// PathEntry is one file in a package payload.
type PathEntry struct {
	Path              string `json:"_path"`
	PathType          string `json:"path_type"` // hardlink, softlink, copy
	PrefixPlaceholder string `json:"prefix_placeholder,omitempty"`
	FileMode          string `json:"file_mode,omitempty"` // text or binary
	NoLink            bool   `json:"no_link,omitempty"`
	SizeInBytes       int64  `json:"size_in_bytes,omitempty"`
	SHA256            string `json:"sha256,omitempty"`
}

// RecordFileName is the conda-meta json filename for a record.
func (r *PrefixRecord) RecordFileName() string {
	return r.Name + "-" + r.Version + "-" + r.Build + ".json"
}

// AsRepoData converts the record to its repodata shape for the installed
// repo.
func (r *PrefixRecord) AsRepoData() repodata.Record {
	return repodata.Record{
		Name:        r.Name,
		Version:     r.Version,
		Build:       r.Build,
		BuildNumber: r.BuildNumber,
		Depends:     r.Depends,
		Constrains:  r.Constrains,
		MD5:         r.MD5,
		SHA256:      r.SHA256,
		Size:        r.Size,
		Subdir:      r.Subdir,
		License:     r.License,
		Fn:          r.Fn,
		URL:         r.URL,
		Channel:     r.Channel,
		Timestamp:   r.Timestamp,
	}
}

// PrefixData is the loaded state of one prefix: its installed records plus
// the environment variables from conda-meta/state.
type PrefixData struct {
	prefix  string
	records map[string]*PrefixRecord

	// envKeys preserves the state file's key order.
	envKeys []string
	envVars map[string]string
}

// LoadPrefix reads <prefix>/conda-meta. A missing directory yields an
// empty PrefixData: a fresh prefix is not an error.
func LoadPrefix(prefix string) (*PrefixData, error) {
	pd := &PrefixData{
		prefix:  prefix,
		records: make(map[string]*PrefixRecord),
		envVars: make(map[string]string),
	}

	metaDir := filepath.Join(prefix, condaMeta)
	if _, err := os.Stat(metaDir); os.IsNotExist(err) {
		return pd, nil
	}

	names, err := godirwalk.ReadDirnames(metaDir, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot enumerate %s", metaDir)
	}
	sort.Strings(names)
	for _, name := range names {
		if !strings.HasSuffix(name, ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(metaDir, name))
		if err != nil {
			return nil, errors.Wrapf(err, "cannot read record %s", name)
		}
		var rec PrefixRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, errors.Wrapf(err, "malformed record %s", name)
		}
		pd.records[strings.ToLower(rec.Name)] = &rec
	}

	if err := pd.loadState(); err != nil {
		return nil, err
	}
	return pd, nil
}

// stateFile is the JSON shape of conda-meta/state.
type stateFile struct {
	EnvVars map[string]string `json:"env_vars"`
}

// loadState reads conda-meta/state, keeping only UPPERCASE keys and
// preserving their order of appearance.
func (pd *PrefixData) loadState() error {
	data, err := os.ReadFile(filepath.Join(pd.prefix, condaMeta, "state"))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "cannot read state file")
	}

	var st stateFile
	if err := json.Unmarshal(data, &st); err != nil {
		return errors.Wrap(err, "malformed state file")
	}

	// json maps lose order; recover it from the raw text so activation
	// scripts see variables in their declared sequence.
	for _, key := range jsonKeyOrder(data, "env_vars") {
		if key != strings.ToUpper(key) {
			continue
		}
		if v, ok := st.EnvVars[key]; ok {
			pd.envKeys = append(pd.envKeys, key)
			pd.envVars[key] = v
		}
	}
	return nil
}

// jsonKeyOrder extracts the key order of an object-valued member, which
// plain map decoding loses.
func jsonKeyOrder(data []byte, member string) []string {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		return nil
	}
	raw, ok := top[member]
	if !ok {
		return nil
	}

	dec := json.NewDecoder(strings.NewReader(string(raw)))
	if tok, err := dec.Token(); err != nil || tok != json.Delim('{') {
		return nil
	}
	var keys []string
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			break
		}
		key, ok := tok.(string)
		if !ok {
			break
		}
		keys = append(keys, key)
		var v json.RawMessage
		if err := dec.Decode(&v); err != nil {
			break
		}
	}
	return keys
}

// Prefix is the directory this data was loaded from.
func (pd *PrefixData) Prefix() string { return pd.prefix }

// Get looks a record up by package name.
func (pd *PrefixData) Get(name string) (*PrefixRecord, bool) {
	rec, ok := pd.records[strings.ToLower(name)]
	return rec, ok
}

// Len is the number of installed packages.
func (pd *PrefixData) Len() int { return len(pd.records) }

// Sorted returns the records ordered by name.
func (pd *PrefixData) Sorted() []*PrefixRecord {
	names := make([]string, 0, len(pd.records))
	for n := range pd.records {
		names = append(names, n)
	}
	sort.Strings(names)
	out := make([]*PrefixRecord, len(names))
	for i, n := range names {
		out[i] = pd.records[n]
	}
	return out
}

// EnvVars returns the state file's environment variables in declaration
// order.
func (pd *PrefixData) EnvVars() ([]string, map[string]string) {
	keys := make([]string, len(pd.envKeys))
	copy(keys, pd.envKeys)
	vars := make(map[string]string, len(pd.envVars))
	for k, v := range pd.envVars {
		vars[k] = v
	}
	return keys, vars
}

// WriteRecord persists a record into conda-meta.
func (pd *PrefixData) WriteRecord(rec *PrefixRecord) error {
	metaDir := filepath.Join(pd.prefix, condaMeta)
	if err := os.MkdirAll(metaDir, 0o755); err != nil {
		return errors.Wrapf(err, "cannot create %s", metaDir)
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return errors.Wrap(err, "cannot encode prefix record")
	}
	if err := fs.WriteAtomic(filepath.Join(metaDir, rec.RecordFileName()), data, 0o644); err != nil {
		return err
	}
	pd.records[strings.ToLower(rec.Name)] = rec
	return nil
}

// RemoveRecord deletes a record file and drops it from the map.
func (pd *PrefixData) RemoveRecord(name string) error {
	rec, ok := pd.records[strings.ToLower(name)]
	if !ok {
		return nil
	}
	path := filepath.Join(pd.prefix, condaMeta, rec.RecordFileName())
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "cannot remove record %s", path)
	}
	delete(pd.records, strings.ToLower(name))
	return nil
}
