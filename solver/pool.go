// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package solver assembles a package universe from repodata, runs jobs
// against it, and yields either an ordered transaction or a problem graph.
package solver

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/mamba-org/mamba/repodata"
	"github.com/mamba-org/mamba/spec"
)

// Ids address interned strings, solvables and repos. They are small
// integers valid only within the Pool that issued them.
type (
	// StringID indexes the pool's interned string table.
	StringID int
	// SolvableID indexes the pool's solvable arena.
	SolvableID int
	// DepID indexes the pool's parsed dependency table.
	DepID int
)

// NamespaceCallback resolves namespace dependencies. It receives the pool
// plus the interned name and version of the namespace expression and
// returns the solvables providing it; an empty return means nothing
// provides it.
type NamespaceCallback func(p *Pool, name, version StringID) ([]SolvableID, error)

// A Solvable is one package record inside a Pool.
type Solvable struct {
	ID SolvableID

	NameID  StringID
	EvrID   StringID // version string id
	Build   string
	BuildNo int

	// Deps and Constrains are parsed dependency references.
	Deps       []DepID
	Constrains []DepID

	// Repo backlink.
	Repo *Repo

	// Download metadata.
	Fn     string
	URL    string
	Size   int64
	MD5    string
	SHA256 string
	Subdir string
}

// A Repo owns the solvables loaded from one channel subdir (or from the
// installed prefix). Repos must be internalized before the pool is queried.
type Repo struct {
	Name        string // canonical channel name, or "installed"
	Priority    int
	SubPriority int

	pool         *Pool
	solvables    []SolvableID
	internalized bool
}

// A Pool is the solver's package universe: interned strings, repos,
// solvables, and parsed dependencies. A Pool serves one solve call.
type Pool struct {
	strings   []string
	stringIDs map[string]StringID

	deps    []spec.MatchSpec
	depIDs  map[string]DepID
	depRaws []string

	solvables []Solvable
	repos     []*Repo
	installed *Repo

	// byName indexes solvable ids by package name id.
	byName map[StringID][]SolvableID

	nsCallback NamespaceCallback

	frozen bool
}

// NewPool constructs an empty pool.
func NewPool() *Pool {
	return &Pool{
		stringIDs: make(map[string]StringID),
		depIDs:    make(map[string]DepID),
		byName:    make(map[StringID][]SolvableID),
	}
}

// Intern returns the id for s, allocating one on first sight.
func (p *Pool) Intern(s string) StringID {
	if id, ok := p.stringIDs[s]; ok {
		return id
	}
	id := StringID(len(p.strings))
	p.strings = append(p.strings, s)
	p.stringIDs[s] = id
	return id
}

// Str resolves an interned id.
func (p *Pool) Str(id StringID) string {
	return p.strings[id]
}

// internDep parses and interns a dependency string once; later references
// to the same string share the parse.
func (p *Pool) internDep(dep string) (DepID, error) {
	if id, ok := p.depIDs[dep]; ok {
		return id, nil
	}
	ms, err := spec.Parse(dep)
	if err != nil {
		return 0, errors.Wrapf(err, "bad dependency %q", dep)
	}
	id := DepID(len(p.deps))
	p.deps = append(p.deps, ms)
	p.depRaws = append(p.depRaws, dep)
	p.depIDs[dep] = id
	return id, nil
}

// Dep resolves a dep id to its parsed MatchSpec.
func (p *Pool) Dep(id DepID) spec.MatchSpec { return p.deps[id] }

// DepStr resolves a dep id to the string it was parsed from.
func (p *Pool) DepStr(id DepID) string { return p.depRaws[id] }

// SetNamespaceCallback installs the hook consulted for namespace
// dependencies ("ns:name version").
func (p *Pool) SetNamespaceCallback(cb NamespaceCallback) { p.nsCallback = cb }

// NewRepo allocates a repo with the given priority. Higher priority wins.
func (p *Pool) NewRepo(name string, priority, subPriority int) *Repo {
	if p.frozen {
		panic("pool is frozen; no new repos after CreateWhatProvides")
	}
	r := &Repo{Name: name, Priority: priority, SubPriority: subPriority, pool: p}
	p.repos = append(p.repos, r)
	return r
}

// SetInstalled designates r as the repo of currently present packages.
func (p *Pool) SetInstalled(r *Repo) { p.installed = r }

// Installed returns the designated installed repo, or nil.
func (p *Pool) Installed() *Repo { return p.installed }

// AddRecord converts one repodata record into a solvable.
func (r *Repo) AddRecord(rec repodata.Record) (SolvableID, error) {
	p := r.pool
	if p.frozen {
		panic("pool is frozen; no new solvables after CreateWhatProvides")
	}

	s := Solvable{
		ID:      SolvableID(len(p.solvables)),
		NameID:  p.Intern(strings.ToLower(rec.Name)),
		EvrID:   p.Intern(rec.Version),
		Build:   rec.Build,
		BuildNo: rec.BuildNumber,
		Repo:    r,
		Fn:      rec.Fn,
		URL:     rec.URL,
		Size:    rec.Size,
		MD5:     rec.MD5,
		SHA256:  rec.SHA256,
		Subdir:  rec.Subdir,
	}
	for _, d := range rec.Depends {
		id, err := p.internDep(d)
		if err != nil {
			return 0, err
		}
		s.Deps = append(s.Deps, id)
	}
	for _, c := range rec.Constrains {
		id, err := p.internDep(c)
		if err != nil {
			return 0, err
		}
		s.Constrains = append(s.Constrains, id)
	}

	p.solvables = append(p.solvables, s)
	r.solvables = append(r.solvables, s.ID)
	return s.ID, nil
}

// Internalize finalizes the repo for querying.
func (r *Repo) Internalize() {
	r.internalized = true
}

// Len reports the number of solvables in the repo.
func (r *Repo) Len() int { return len(r.solvables) }

// CreateWhatProvides freezes the pool and builds the name index. It must be
// called after all repos are internalized and before solving.
func (p *Pool) CreateWhatProvides() error {
	for _, r := range p.repos {
		if !r.internalized {
			return errors.Errorf("repo %s was not internalized", r.Name)
		}
	}
	p.byName = make(map[StringID][]SolvableID)
	for _, s := range p.solvables {
		p.byName[s.NameID] = append(p.byName[s.NameID], s.ID)
	}
	p.frozen = true
	return nil
}

// Solvable resolves a solvable id.
func (p *Pool) Solvable(id SolvableID) *Solvable {
	return &p.solvables[id]
}

// WhatProvides returns the solvables with the given (lowercased) name.
func (p *Pool) WhatProvides(name string) []SolvableID {
	id, ok := p.stringIDs[strings.ToLower(name)]
	if !ok {
		return nil
	}
	return p.byName[id]
}

// resolveNamespace dispatches a namespace dep to the installed callback.
func (p *Pool) resolveNamespace(name, version string) ([]SolvableID, error) {
	if p.nsCallback == nil {
		return nil, errors.Errorf("namespace dependency %q with no callback installed", name)
	}
	return p.nsCallback(p, p.Intern(name), p.Intern(version))
}

// DisplayName renders "name version build" for messages.
func (p *Pool) DisplayName(id SolvableID) string {
	s := p.Solvable(id)
	return fmt.Sprintf("%s-%s-%s", p.Str(s.NameID), p.Str(s.EvrID), s.Build)
}

// Name returns the solvable's package name.
func (s *Solvable) Name() string { return s.Repo.pool.Str(s.NameID) }

// Version returns the solvable's version string.
func (s *Solvable) Version() string { return s.Repo.pool.Str(s.EvrID) }

// IsInstalled reports whether the solvable lives in the installed repo.
func (s *Solvable) IsInstalled() bool {
	return s.Repo != nil && s.Repo.pool.installed == s.Repo
}
