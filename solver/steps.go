// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package solver

import (
	"sort"
)

// StepKind enumerates transaction step variants.
type StepKind int

const (
	// StepIgnore marks a package left exactly as it is.
	StepIgnore StepKind = iota
	// StepInstall links a package that was not present.
	StepInstall
	// StepRemove unlinks an installed package.
	StepRemove
	// StepChange swaps builds at the same version.
	StepChange
	// StepReinstall unlinks and relinks the same package.
	StepReinstall
	// StepUpgraded swaps an installed package for a newer version.
	StepUpgraded
	// StepDowngraded swaps an installed package for an older version.
	StepDowngraded
)

func (k StepKind) String() string {
	switch k {
	case StepIgnore:
		return "ignore"
	case StepInstall:
		return "install"
	case StepRemove:
		return "remove"
	case StepChange:
		return "change"
	case StepReinstall:
		return "reinstall"
	case StepUpgraded:
		return "upgrade"
	case StepDowngraded:
		return "downgrade"
	}
	return "step?"
}

// A Step is one entry of a solved transaction. Old is set for Remove,
// Change, Reinstall, Upgraded and Downgraded; New for everything but
// Remove.
type Step struct {
	Kind StepKind
	Old  SolvableID
	New  SolvableID

	pool *Pool
}

// HasOld reports whether the step unlinks something.
func (s Step) HasOld() bool {
	return s.Kind == StepRemove || s.Kind == StepChange || s.Kind == StepReinstall ||
		s.Kind == StepUpgraded || s.Kind == StepDowngraded
}

// HasNew reports whether the step links something.
func (s Step) HasNew() bool {
	return s.Kind != StepRemove && s.Kind != StepIgnore
}

// OldSolvable resolves the unlinked solvable.
func (s Step) OldSolvable() *Solvable { return s.pool.Solvable(s.Old) }

// NewSolvable resolves the linked solvable.
func (s Step) NewSolvable() *Solvable { return s.pool.Solvable(s.New) }

func (s Step) String() string {
	switch {
	case s.Kind == StepRemove:
		return "remove " + s.pool.DisplayName(s.Old)
	case s.HasOld():
		return s.Kind.String() + " " + s.pool.DisplayName(s.Old) + " -> " + s.pool.DisplayName(s.New)
	case s.Kind == StepIgnore:
		return "ignore"
	default:
		return s.Kind.String() + " " + s.pool.DisplayName(s.New)
	}
}

// OrderSteps sorts steps so that every step's prerequisites precede it:
// dependencies link before dependers, and unlinks run before the installs
// that replace them. Within a rank, ordering is stable by name.
func OrderSteps(p *Pool, steps []Step) []Step {
	active := make([]Step, 0, len(steps))
	for _, st := range steps {
		if st.Kind != StepIgnore {
			active = append(active, st)
		}
	}
	sort.SliceStable(active, func(i, j int) bool {
		return stepName(p, active[i]) < stepName(p, active[j])
	})

	// Map new-side package names to step indices for edge construction.
	byName := make(map[StringID]int, len(active))
	for i, st := range active {
		if st.HasNew() {
			byName[p.Solvable(st.New).NameID] = i
		}
	}

	// Edges: dep link before depender link. Pure removes sort first.
	adj := make([][]int, len(active))
	indeg := make([]int, len(active))
	for i, st := range active {
		if !st.HasNew() {
			continue
		}
		for _, did := range p.Solvable(st.New).Deps {
			dname := p.deps[did].Name
			if dname == "" {
				continue
			}
			if j, ok := byName[p.Intern(dname)]; ok && j != i {
				adj[j] = append(adj[j], i)
				indeg[i]++
			}
		}
	}

	// Kahn's algorithm with a stable frontier: removes first, then by
	// name. Cycles (mutual deps are real) break by frontier order.
	type qent struct {
		idx    int
		remove bool
		name   string
	}
	var order []Step
	done := make([]bool, len(active))
	for len(order) < len(active) {
		var frontier []qent
		for i := range active {
			if !done[i] && indeg[i] <= 0 {
				frontier = append(frontier, qent{i, !active[i].HasNew(), stepName(p, active[i])})
			}
		}
		if len(frontier) == 0 {
			// Dependency cycle: release the lexicographically first
			// remaining step.
			for i := range active {
				if !done[i] {
					frontier = []qent{{i, !active[i].HasNew(), stepName(p, active[i])}}
					break
				}
			}
		}
		sort.Slice(frontier, func(a, b int) bool {
			if frontier[a].remove != frontier[b].remove {
				return frontier[a].remove
			}
			return frontier[a].name < frontier[b].name
		})
		pick := frontier[0].idx
		done[pick] = true
		indeg[pick] = -1 << 30
		order = append(order, active[pick])
		for _, next := range adj[pick] {
			indeg[next]--
		}
	}
	return order
}

func stepName(p *Pool, st Step) string {
	if st.HasNew() {
		return p.Str(p.Solvable(st.New).NameID)
	}
	return p.Str(p.Solvable(st.Old).NameID)
}
