// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package solver

import (
	"fmt"
	"sort"
	"strings"
	"testing"

	"github.com/davecgh/go-spew/spew"

	"github.com/mamba-org/mamba/repodata"
	"github.com/mamba-org/mamba/spec"
)

// mkrec - "make record"
//
// Splits the input on spaces into name/version/build; remaining arguments
// are dependency strings prefixed with "(c)" for constrains.
func mkrec(nvb string, deps ...string) repodata.Record {
	f := strings.Fields(nvb)
	if len(f) != 3 {
		panic(fmt.Sprintf("malformed record string %q", nvb))
	}
	rec := repodata.Record{
		Name:    f[0],
		Version: f[1],
		Build:   f[2],
		Fn:      fmt.Sprintf("%s-%s-%s.tar.bz2", f[0], f[1], f[2]),
	}
	for _, d := range deps {
		if strings.HasPrefix(d, "(c)") {
			rec.Constrains = append(rec.Constrains, strings.TrimPrefix(d, "(c)"))
		} else {
			rec.Depends = append(rec.Depends, d)
		}
	}
	return rec
}

// fixture assembles a pool from named repos; the repo named "installed"
// becomes the installed repo.
type fixture struct {
	repos map[string][]repodata.Record
	prio  map[string]int
}

func (fx fixture) pool(t *testing.T) *Pool {
	t.Helper()
	p := NewPool()

	// Deterministic repo creation order.
	var names []string
	for n := range fx.repos {
		names = append(names, n)
	}
	sort.Strings(names)

	for _, n := range names {
		r := p.NewRepo(n, fx.prio[n], 0)
		for _, rec := range fx.repos[n] {
			if _, err := r.AddRecord(rec); err != nil {
				t.Fatalf("AddRecord: %s", err)
			}
		}
		r.Internalize()
		if n == "installed" {
			p.SetInstalled(r)
		}
	}
	if err := p.CreateWhatProvides(); err != nil {
		t.Fatal(err)
	}
	return p
}

func solveJobs(t *testing.T, p *Pool, flags SolveFlags, jobs ...Job) ([]Step, error) {
	t.Helper()
	s := NewSolver(p, flags)
	s.AddJobs(jobs)
	return s.Solve()
}

func install(specstr string) Job { return Job{Type: JobInstall, Spec: spec.MustParse(specstr)} }
func remove(specstr string) Job  { return Job{Type: JobRemove, Spec: spec.MustParse(specstr)} }
func lock(specstr string) Job    { return Job{Type: JobLock, Spec: spec.MustParse(specstr)} }
func pin(specstr string) Job     { return Job{Type: JobPin, Spec: spec.MustParse(specstr)} }
func updateJ(specstr string) Job { return Job{Type: JobUpdate, Spec: spec.MustParse(specstr)} }
func reinstJ(specstr string) Job { return Job{Type: JobReinstall, Spec: spec.MustParse(specstr)} }

// stepSet renders steps as sorted "kind name-version-build" strings for
// set comparison.
func stepSet(p *Pool, steps []Step) map[string]bool {
	out := make(map[string]bool)
	for _, st := range steps {
		out[st.String()] = true
	}
	return out
}

func wantSteps(t *testing.T, p *Pool, steps []Step, want ...string) {
	t.Helper()
	got := stepSet(p, steps)
	if len(got) != len(want) {
		t.Errorf("got %d steps, want %d:\n%s", len(got), len(want), spew.Sdump(keys(got)))
	}
	for _, w := range want {
		if !got[w] {
			t.Errorf("missing step %q in %v", w, keys(got))
		}
	}
}

func keys(m map[string]bool) []string {
	var out []string
	for k := range m {
		out = append(out, k)
	}
	return out
}

func TestSolveAlreadySatisfied(t *testing.T) {
	p := fixture{
		repos: map[string][]repodata.Record{
			"chan":      {mkrec("a 1.0 0"), mkrec("a 2.0 0")},
			"installed": {mkrec("a 1.0 0")},
		},
	}.pool(t)

	steps, err := solveJobs(t, p, SolveFlags{}, install("a"))
	if err != nil {
		t.Fatalf("solve: %s", err)
	}
	if len(steps) != 0 {
		t.Errorf("expected empty transaction, got %v", keys(stepSet(p, steps)))
	}
}

func TestSolveUpgradeViaDependency(t *testing.T) {
	p := fixture{
		repos: map[string][]repodata.Record{
			"chan":      {mkrec("a 1.0 0"), mkrec("a 2.0 0"), mkrec("c 1.0 0", "a ==2.0")},
			"installed": {mkrec("a 1.0 0")},
		},
	}.pool(t)

	steps, err := solveJobs(t, p, SolveFlags{}, install("c==1.0"))
	if err != nil {
		t.Fatalf("solve: %s", err)
	}
	wantSteps(t, p, steps,
		"upgrade a-1.0-0 -> a-2.0-0",
		"install c-1.0-0",
	)
}

func TestSolveDowngradeBlocked(t *testing.T) {
	fx := fixture{
		repos: map[string][]repodata.Record{
			"chan":      {mkrec("a 1.0 0"), mkrec("a 2.0 0"), mkrec("c 2.0 0", "a ==1.0")},
			"installed": {mkrec("a 2.0 0")},
		},
	}

	_, err := solveJobs(t, fx.pool(t), SolveFlags{}, install("c==2.0"))
	if err == nil {
		t.Fatal("expected unsatisfiable without allow_downgrade")
	}
	if _, ok := err.(*UnsatisfiableError); !ok {
		t.Fatalf("error type %T, want *UnsatisfiableError", err)
	}

	for _, flags := range []SolveFlags{{AllowDowngrade: true}, {AllowUninstall: true}} {
		p := fx.pool(t)
		steps, err := solveJobs(t, p, flags, install("c==2.0"))
		if err != nil {
			t.Fatalf("solve with %+v: %s", flags, err)
		}
		wantSteps(t, p, steps,
			"downgrade a-2.0-0 -> a-1.0-0",
			"install c-2.0-0",
		)
	}
}

func TestSolveLockForbidsUpgrade(t *testing.T) {
	p := fixture{
		repos: map[string][]repodata.Record{
			"chan":      {mkrec("a 1.0 0"), mkrec("a 2.0 0"), mkrec("c 1.0 0", "a ==2.0")},
			"installed": {mkrec("a 1.0 0")},
		},
	}.pool(t)

	_, err := solveJobs(t, p, SolveFlags{AllowUninstall: true}, install("c==1.0"), lock("a"))
	if err == nil {
		t.Fatal("expected unsatisfiable with lock in place")
	}
	ue, ok := err.(*UnsatisfiableError)
	if !ok {
		t.Fatalf("error type %T", err)
	}
	if ue.Graph == nil || len(ue.Graph.Nodes) == 0 {
		t.Error("unsatisfiable error carries no problem graph")
	}
}

func TestSolveChannelSpecificSpec(t *testing.T) {
	p := fixture{
		repos: map[string][]repodata.Record{
			"chan1": {mkrec("x 1.0 0")},
			"chan2": {mkrec("x 1.0 0")},
		},
		prio: map[string]int{"chan1": 2, "chan2": 1},
	}.pool(t)

	steps, err := solveJobs(t, p, SolveFlags{}, install("chan2::x"))
	if err != nil {
		t.Fatalf("solve: %s", err)
	}
	if len(steps) != 1 {
		t.Fatalf("got %d steps", len(steps))
	}
	if repo := steps[0].NewSolvable().Repo.Name; repo != "chan2" {
		t.Errorf("installed from %q, want chan2", repo)
	}
}

func TestSolveChannelPriority(t *testing.T) {
	p := fixture{
		repos: map[string][]repodata.Record{
			"high": {mkrec("x 1.0 0")},
			"low":  {mkrec("x 2.0 0")},
		},
		prio: map[string]int{"high": 2, "low": 1},
	}.pool(t)

	// Flexible priority: the higher channel wins even at a lower version.
	steps, err := solveJobs(t, p, SolveFlags{}, install("x"))
	if err != nil {
		t.Fatal(err)
	}
	if v := steps[0].NewSolvable().Version(); v != "1.0" {
		t.Errorf("flexible priority installed %s, want 1.0 from high channel", v)
	}

	// Disabled priority: version wins.
	steps, err = solveJobs(t, p, SolveFlags{ChannelPriority: ChannelPriorityDisabled}, install("x"))
	if err != nil {
		t.Fatal(err)
	}
	if v := steps[0].NewSolvable().Version(); v != "2.0" {
		t.Errorf("disabled priority installed %s, want 2.0", v)
	}
}

func TestSolveStrictChannelPriorityHides(t *testing.T) {
	p := fixture{
		repos: map[string][]repodata.Record{
			"high": {mkrec("x 1.0 0")},
			"low":  {mkrec("x 2.0 0")},
		},
		prio: map[string]int{"high": 2, "low": 1},
	}.pool(t)

	// Strict priority hides low::x entirely, so requiring >=2.0 fails.
	_, err := solveJobs(t, p, SolveFlags{ChannelPriority: ChannelPriorityStrict}, install("x>=2.0"))
	if err == nil {
		t.Fatal("strict priority should hide the lower channel's newer build")
	}
}

func TestSolveRemove(t *testing.T) {
	p := fixture{
		repos: map[string][]repodata.Record{
			"installed": {mkrec("a 1.0 0"), mkrec("b 1.0 0")},
		},
	}.pool(t)

	steps, err := solveJobs(t, p, SolveFlags{}, remove("b"))
	if err != nil {
		t.Fatal(err)
	}
	wantSteps(t, p, steps, "remove b-1.0-0")
}

func TestSolveRemoveCascade(t *testing.T) {
	fx := fixture{
		repos: map[string][]repodata.Record{
			"installed": {mkrec("a 1.0 0"), mkrec("b 1.0 0", "a >=1.0")},
		},
	}

	// b depends on a: removing a without allow_uninstall fails.
	if _, err := solveJobs(t, fx.pool(t), SolveFlags{}, remove("a")); err == nil {
		t.Fatal("removing a depended-on package should fail")
	}

	p := fx.pool(t)
	steps, err := solveJobs(t, p, SolveFlags{AllowUninstall: true}, remove("a"))
	if err != nil {
		t.Fatal(err)
	}
	wantSteps(t, p, steps, "remove a-1.0-0", "remove b-1.0-0")
}

func TestSolveUnsatisfiablePin(t *testing.T) {
	p := fixture{
		repos: map[string][]repodata.Record{
			"chan": {mkrec("a 1.0 0"), mkrec("a 2.0 0")},
		},
	}.pool(t)

	_, err := solveJobs(t, p, SolveFlags{}, pin("a==9.9"), install("a"))
	if err == nil {
		t.Fatal("pin with no satisfying candidate should fail")
	}
	ue, ok := err.(*UnsatisfiableError)
	if !ok {
		t.Fatalf("error type %T", err)
	}
	if ue.Problems[0].Kind != ProblemUnsatisfiablePin {
		t.Errorf("problem kind = %s", ue.Problems[0].Kind)
	}
}

func TestSolvePinNarrowsSelection(t *testing.T) {
	p := fixture{
		repos: map[string][]repodata.Record{
			"chan": {mkrec("a 1.0 0"), mkrec("a 2.0 0")},
		},
	}.pool(t)

	steps, err := solveJobs(t, p, SolveFlags{}, pin("a=1.0"), install("a"))
	if err != nil {
		t.Fatal(err)
	}
	if v := steps[0].NewSolvable().Version(); v != "1.0" {
		t.Errorf("pin ignored: installed %s", v)
	}
}

func TestSolveUpdatePrefersLatest(t *testing.T) {
	p := fixture{
		repos: map[string][]repodata.Record{
			"chan":      {mkrec("a 1.0 0"), mkrec("a 2.0 0")},
			"installed": {mkrec("a 1.0 0")},
		},
	}.pool(t)

	steps, err := solveJobs(t, p, SolveFlags{}, updateJ("a"))
	if err != nil {
		t.Fatal(err)
	}
	wantSteps(t, p, steps, "upgrade a-1.0-0 -> a-2.0-0")
}

func TestSolveReinstall(t *testing.T) {
	p := fixture{
		repos: map[string][]repodata.Record{
			"chan":      {mkrec("a 1.0 0"), mkrec("a 2.0 0")},
			"installed": {mkrec("a 1.0 0")},
		},
	}.pool(t)

	steps, err := solveJobs(t, p, SolveFlags{}, reinstJ("a"))
	if err != nil {
		t.Fatal(err)
	}
	wantSteps(t, p, steps, "reinstall a-1.0-0 -> a-1.0-0")
}

func TestSolveNoDepsOnlyDeps(t *testing.T) {
	fx := fixture{
		repos: map[string][]repodata.Record{
			"chan": {mkrec("a 1.0 0"), mkrec("c 1.0 0", "a >=1.0")},
		},
	}

	p := fx.pool(t)
	steps, err := solveJobs(t, p, SolveFlags{NoDeps: true}, install("c"))
	if err != nil {
		t.Fatal(err)
	}
	wantSteps(t, p, steps, "install c-1.0-0")

	p = fx.pool(t)
	steps, err = solveJobs(t, p, SolveFlags{OnlyDeps: true}, install("c"))
	if err != nil {
		t.Fatal(err)
	}
	wantSteps(t, p, steps, "install a-1.0-0")
}

func TestSolveConstrainBlocks(t *testing.T) {
	p := fixture{
		repos: map[string][]repodata.Record{
			"chan": {
				mkrec("a 1.0 0"),
				mkrec("a 2.0 0"),
				// b tolerates only a <2.0 at runtime but does not require a.
				mkrec("b 1.0 0", "(c)a <2.0"),
				mkrec("c 1.0 0", "a ==2.0", "b >=1.0"),
			},
		},
	}.pool(t)

	// c needs a==2.0 and b, but b constrains a <2.0.
	_, err := solveJobs(t, p, SolveFlags{}, install("c"))
	if err == nil {
		t.Fatal("run constraint should make this unsatisfiable")
	}

	// Installing just b never pulls a in: constrains are not requirements.
	steps, err := solveJobs(t, p, SolveFlags{}, install("b"))
	if err != nil {
		t.Fatal(err)
	}
	wantSteps(t, p, steps, "install b-1.0-0")
}

func TestSolveMissingDep(t *testing.T) {
	p := fixture{
		repos: map[string][]repodata.Record{
			"chan": {mkrec("c 1.0 0", "ghost >=1.0")},
		},
	}.pool(t)

	_, err := solveJobs(t, p, SolveFlags{}, install("c"))
	ue, ok := err.(*UnsatisfiableError)
	if !ok {
		t.Fatalf("error = %v, want *UnsatisfiableError", err)
	}
	found := false
	for _, pr := range ue.Problems {
		if pr.Kind == ProblemNothingProvides && strings.Contains(pr.Dep, "ghost") {
			found = true
		}
	}
	if !found {
		t.Errorf("no nothing-provides problem for ghost in %v", ue.Problems)
	}
	// The graph must contain a problematic node for the missing dep.
	has := false
	for _, n := range ue.Graph.Nodes {
		if n.Kind == NodeProblematicPackage && strings.Contains(n.Dep, "ghost") {
			has = true
		}
	}
	if !has {
		t.Error("graph lacks a problematic node for ghost")
	}
}

func TestOrderStepsDependencyOrder(t *testing.T) {
	p := fixture{
		repos: map[string][]repodata.Record{
			"chan": {
				mkrec("libc 1.0 0"),
				mkrec("python 3.9 0", "libc >=1.0"),
				mkrec("numpy 1.22 0", "python >=3.9", "libc >=1.0"),
			},
		},
	}.pool(t)

	steps, err := solveJobs(t, p, SolveFlags{}, install("numpy"))
	if err != nil {
		t.Fatal(err)
	}
	ordered := OrderSteps(p, steps)
	pos := map[string]int{}
	for i, st := range ordered {
		pos[st.NewSolvable().Name()] = i
	}
	if !(pos["libc"] < pos["python"] && pos["python"] < pos["numpy"]) {
		t.Errorf("bad order: %v", pos)
	}
}

func TestOrderStepsRemoveBeforeReplacingInstall(t *testing.T) {
	p := fixture{
		repos: map[string][]repodata.Record{
			"chan":      {mkrec("a 2.0 0")},
			"installed": {mkrec("a 1.0 0"), mkrec("dead 1.0 0")},
		},
	}.pool(t)

	steps, err := solveJobs(t, p, SolveFlags{}, updateJ("a"), remove("dead"))
	if err != nil {
		t.Fatal(err)
	}
	ordered := OrderSteps(p, steps)
	if len(ordered) != 2 {
		t.Fatalf("got %d steps", len(ordered))
	}
	if ordered[0].Kind != StepRemove {
		t.Errorf("first step = %s, want the remove", ordered[0])
	}
}

func TestProblemGraphMergesEquivalentNodes(t *testing.T) {
	p := fixture{
		repos: map[string][]repodata.Record{
			"chan": {
				mkrec("python 3.8.1 0", "ghost >=1.0"),
				mkrec("python 3.8.2 0", "ghost >=1.0"),
				mkrec("python 3.8.3 0", "ghost >=1.0"),
			},
		},
	}.pool(t)

	var problems []Problem
	for _, id := range p.WhatProvides("python") {
		problems = append(problems, Problem{
			Kind:     ProblemNothingProvides,
			Dep:      "ghost >=1.0",
			SourceID: id,
			TargetID: noOwner,
		})
	}
	g := BuildProblemGraph(p, problems)

	var pythonNodes []GraphNode
	for _, n := range g.Nodes {
		if n.Kind == NodeResolvedPackage && n.Pkg.Name == "python" {
			pythonNodes = append(pythonNodes, n)
		}
	}
	if len(pythonNodes) != 1 {
		t.Fatalf("got %d python nodes, want 1 merged node", len(pythonNodes))
	}
	if len(pythonNodes[0].Pkg.Versions) != 3 {
		t.Errorf("merged node carries %v", pythonNodes[0].Pkg.Versions)
	}
}

func TestNamespaceCallback(t *testing.T) {
	p := fixture{
		repos: map[string][]repodata.Record{
			"chan": {mkrec("c 1.0 0", "virtual:cuda >=11")},
		},
	}.pool(t)

	called := false
	p.SetNamespaceCallback(func(pool *Pool, name, version StringID) ([]SolvableID, error) {
		called = true
		if pool.Str(name) != "virtual:cuda" {
			t.Errorf("namespace name = %q", pool.Str(name))
		}
		return []SolvableID{0}, nil
	})

	if _, err := solveJobs(t, p, SolveFlags{}, install("c")); err != nil {
		t.Fatalf("solve: %s", err)
	}
	if !called {
		t.Error("namespace callback never invoked")
	}
}
