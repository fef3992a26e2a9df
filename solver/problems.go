// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package solver

import (
	"fmt"
	"sort"
	"strings"
)

// ProblemKind classifies one solver problem.
type ProblemKind int

const (
	// ProblemUnknown covers problems with no better classification.
	ProblemUnknown ProblemKind = iota
	// ProblemNothingProvides: a dependency no solvable satisfies.
	ProblemNothingProvides
	// ProblemNotInstallable: candidates exist but none is admissible.
	ProblemNotInstallable
	// ProblemDepConflict: a dependency clashes with a selected package.
	ProblemDepConflict
	// ProblemConstrainConflict: a run constraint clashes with a selected
	// package.
	ProblemConstrainConflict
	// ProblemLockedConflict: requirements cannot be met without moving a
	// locked package.
	ProblemLockedConflict
	// ProblemUnsatisfiablePin: a pin no candidate satisfies.
	ProblemUnsatisfiablePin
)

func (k ProblemKind) String() string {
	switch k {
	case ProblemNothingProvides:
		return "nothing provides"
	case ProblemNotInstallable:
		return "not installable"
	case ProblemDepConflict:
		return "dependency conflict"
	case ProblemConstrainConflict:
		return "constraint conflict"
	case ProblemLockedConflict:
		return "locked"
	case ProblemUnsatisfiablePin:
		return "unsatisfiable pin"
	}
	return "unknown"
}

// A Problem is one solver complaint: a dep string plus the solvable (or
// job, via noOwner) it came from.
type Problem struct {
	Kind     ProblemKind
	Dep      string
	SourceID SolvableID // noOwner when the job queue is the source
	TargetID SolvableID // set for conflicts
}

// UnsatisfiableError carries the full problem set and its merged graph.
type UnsatisfiableError struct {
	Problems []Problem
	Graph    *ProblemGraph
}

func (e *UnsatisfiableError) Error() string {
	if len(e.Problems) == 1 {
		return "unsatisfiable: " + e.Graph.describe(e.Problems[0])
	}
	var b strings.Builder
	fmt.Fprintf(&b, "unsatisfiable, %d problems:", len(e.Problems))
	for _, pr := range e.Problems {
		b.WriteString("\n  ")
		b.WriteString(e.Graph.describe(pr))
	}
	return b.String()
}

// Tag returns the machine-readable error kind.
func (e *UnsatisfiableError) Tag() string { return "Unsatisfiable" }

// Node and edge payloads for the problem graph. Nodes live in an arena
// keyed by integer id; edges carry payloads; cycles are expected, so
// nothing holds back-pointers.

// NodeKind discriminates problem graph nodes.
type NodeKind int

const (
	// NodeRoot is the synthetic job-queue node.
	NodeRoot NodeKind = iota
	// NodeResolvedPackage wraps a real solvable.
	NodeResolvedPackage
	// NodeProblematicPackage stands for a dependency string nothing
	// provides.
	NodeProblematicPackage
)

// A PackageInfo is the package identity carried by a resolved node; after
// merging, Versions collects every collapsed version.
type PackageInfo struct {
	Name     string
	Versions []string
	Builds   []string
}

// A GraphNode is one arena entry.
type GraphNode struct {
	ID   int
	Kind NodeKind

	// Pkg is set for resolved nodes.
	Pkg PackageInfo

	// Dep and Problem are set for problematic nodes and tagged sources.
	Dep     string
	Problem ProblemKind
}

// EdgeKind discriminates requirement and constraint edges.
type EdgeKind int

const (
	// EdgeRequire is a hard dependency edge.
	EdgeRequire EdgeKind = iota
	// EdgeConstraint restricts without requesting installation; never a
	// reason to install.
	EdgeConstraint
)

// A GraphEdge connects two node ids with a dep payload.
type GraphEdge struct {
	From, To int
	Kind     EdgeKind
	Dep      string
}

// A ProblemGraph is the merged conflict/requirement graph built from
// solver problems.
type ProblemGraph struct {
	Nodes []GraphNode
	Edges []GraphEdge

	// Conflicts pairs node ids that cannot coexist.
	Conflicts [][2]int

	pool *Pool
}

func (g *ProblemGraph) describe(p Problem) string {
	src := "the request"
	if p.SourceID != noOwner && g.pool != nil {
		src = g.pool.DisplayName(p.SourceID)
	}
	if p.Dep == "" {
		return fmt.Sprintf("%s (%s)", p.Kind, src)
	}
	return fmt.Sprintf("%s %q (from %s)", p.Kind, p.Dep, src)
}

// BuildProblemGraph maps solver problems onto nodes and edges, then merges
// equivalent nodes.
func BuildProblemGraph(p *Pool, problems []Problem) *ProblemGraph {
	b := &graphBuilder{
		pool:    p,
		byID:    make(map[SolvableID]int),
		byDep:   make(map[string]int),
		g:       &ProblemGraph{pool: p},
		edgeSet: make(map[string]bool),
	}
	b.root()

	for _, pr := range problems {
		src := b.source(pr.SourceID)
		switch pr.Kind {
		case ProblemNothingProvides:
			b.edge(src, b.problematic(pr.Dep, pr.Kind), EdgeRequire, pr.Dep)
		case ProblemDepConflict, ProblemLockedConflict:
			if pr.TargetID != noOwner {
				tgt := b.resolved(pr.TargetID)
				b.edge(src, tgt, EdgeRequire, pr.Dep)
				b.conflict(src, tgt)
			} else {
				b.edge(src, b.problematic(pr.Dep, pr.Kind), EdgeRequire, pr.Dep)
			}
		case ProblemConstrainConflict:
			tgt := b.target(pr)
			b.edge(src, tgt, EdgeConstraint, pr.Dep)
			b.conflict(src, tgt)
		case ProblemNotInstallable, ProblemUnsatisfiablePin:
			b.edge(src, b.problematic(pr.Dep, pr.Kind), EdgeRequire, pr.Dep)
		default:
			// Unmapped rule kinds are logged upstream and ignored here.
		}
	}

	return mergeGraph(b.g)
}

type graphBuilder struct {
	pool    *Pool
	g       *ProblemGraph
	byID    map[SolvableID]int
	byDep   map[string]int
	rootID  int
	hasRoot bool
	edgeSet map[string]bool
}

func (b *graphBuilder) root() int {
	if !b.hasRoot {
		b.rootID = b.add(GraphNode{Kind: NodeRoot})
		b.hasRoot = true
	}
	return b.rootID
}

func (b *graphBuilder) add(n GraphNode) int {
	n.ID = len(b.g.Nodes)
	b.g.Nodes = append(b.g.Nodes, n)
	return n.ID
}

func (b *graphBuilder) source(id SolvableID) int {
	if id == noOwner {
		return b.root()
	}
	return b.resolved(id)
}

func (b *graphBuilder) target(pr Problem) int {
	if pr.TargetID == noOwner {
		return b.root()
	}
	return b.resolved(pr.TargetID)
}

func (b *graphBuilder) resolved(id SolvableID) int {
	if nid, ok := b.byID[id]; ok {
		return nid
	}
	sv := b.pool.Solvable(id)
	nid := b.add(GraphNode{
		Kind: NodeResolvedPackage,
		Pkg: PackageInfo{
			Name:     b.pool.Str(sv.NameID),
			Versions: []string{b.pool.Str(sv.EvrID)},
			Builds:   []string{sv.Build},
		},
	})
	b.byID[id] = nid
	return nid
}

func (b *graphBuilder) problematic(dep string, kind ProblemKind) int {
	key := dep + "\x00" + kind.String()
	if nid, ok := b.byDep[key]; ok {
		return nid
	}
	nid := b.add(GraphNode{Kind: NodeProblematicPackage, Dep: dep, Problem: kind})
	b.byDep[key] = nid
	return nid
}

func (b *graphBuilder) edge(from, to int, kind EdgeKind, dep string) {
	key := fmt.Sprintf("%d-%d-%d-%s", from, to, kind, dep)
	if b.edgeSet[key] {
		return
	}
	b.edgeSet[key] = true
	b.g.Edges = append(b.g.Edges, GraphEdge{From: from, To: to, Kind: kind, Dep: dep})
}

func (b *graphBuilder) conflict(a, c int) {
	b.g.Conflicts = append(b.g.Conflicts, [2]int{a, c})
}

// mergeGraph collapses nodes that share a package name and identical
// neighborhoods, using union-find. "python 3.8.1, 3.8.2, 3.8.3 all conflict
// with X" becomes one node carrying three versions.
func mergeGraph(g *ProblemGraph) *ProblemGraph {
	n := len(g.Nodes)
	uf := newUnionFind(n)

	// Signature: (kind, name/dep, sorted out-neighbors, sorted in-neighbors).
	outs := make([][]string, n)
	ins := make([][]string, n)
	for _, e := range g.Edges {
		outs[e.From] = append(outs[e.From], fmt.Sprintf("%d:%d", e.To, e.Kind))
		ins[e.To] = append(ins[e.To], fmt.Sprintf("%d:%d", e.From, e.Kind))
	}
	sig := make(map[string]int)
	for i, node := range g.Nodes {
		if node.Kind != NodeResolvedPackage {
			continue
		}
		sort.Strings(outs[i])
		sort.Strings(ins[i])
		key := node.Pkg.Name + "|" + strings.Join(outs[i], ",") + "|" + strings.Join(ins[i], ",")
		if first, ok := sig[key]; ok {
			uf.union(first, i)
		} else {
			sig[key] = i
		}
	}

	// Rebuild the arena over representatives.
	remap := make(map[int]int)
	merged := &ProblemGraph{pool: g.pool}
	for i, node := range g.Nodes {
		r := uf.find(i)
		if mid, ok := remap[r]; ok {
			// Fold versions into the representative.
			if node.Kind == NodeResolvedPackage {
				mn := &merged.Nodes[mid]
				mn.Pkg.Versions = appendUnique(mn.Pkg.Versions, node.Pkg.Versions...)
				mn.Pkg.Builds = appendUnique(mn.Pkg.Builds, node.Pkg.Builds...)
			}
			remap[i] = mid
			continue
		}
		nid := len(merged.Nodes)
		node.ID = nid
		merged.Nodes = append(merged.Nodes, node)
		remap[r] = nid
		remap[i] = nid
	}
	for i := range merged.Nodes {
		sort.Strings(merged.Nodes[i].Pkg.Versions)
		sort.Strings(merged.Nodes[i].Pkg.Builds)
	}

	eset := make(map[string]bool)
	for _, e := range g.Edges {
		ne := GraphEdge{From: remap[uf.find(e.From)], To: remap[uf.find(e.To)], Kind: e.Kind, Dep: e.Dep}
		key := fmt.Sprintf("%d-%d-%d-%s", ne.From, ne.To, ne.Kind, ne.Dep)
		if !eset[key] {
			eset[key] = true
			merged.Edges = append(merged.Edges, ne)
		}
	}
	cset := make(map[[2]int]bool)
	for _, c := range g.Conflicts {
		nc := [2]int{remap[uf.find(c[0])], remap[uf.find(c[1])]}
		if nc[0] > nc[1] {
			nc[0], nc[1] = nc[1], nc[0]
		}
		if !cset[nc] {
			cset[nc] = true
			merged.Conflicts = append(merged.Conflicts, nc)
		}
	}
	return merged
}

func appendUnique(dst []string, add ...string) []string {
	for _, a := range add {
		found := false
		for _, d := range dst {
			if d == a {
				found = true
				break
			}
		}
		if !found {
			dst = append(dst, a)
		}
	}
	return dst
}

// unionFind is the standard disjoint-set forest with path halving.
type unionFind struct {
	parent []int
}

func newUnionFind(n int) *unionFind {
	uf := &unionFind{parent: make([]int, n)}
	for i := range uf.parent {
		uf.parent[i] = i
	}
	return uf
}

func (uf *unionFind) find(x int) int {
	for uf.parent[x] != x {
		uf.parent[x] = uf.parent[uf.parent[x]]
		x = uf.parent[x]
	}
	return x
}

func (uf *unionFind) union(a, b int) {
	ra, rb := uf.find(a), uf.find(b)
	if ra != rb {
		if ra > rb {
			ra, rb = rb, ra
		}
		uf.parent[rb] = ra
	}
}
