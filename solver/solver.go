// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package solver

import (
	"log"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/mamba-org/mamba/spec"
)

// noOwner marks a requirement that came from the job queue rather than a
// solvable.
const noOwner = SolvableID(-1)

// A Solver runs a job queue against a pool.
type Solver struct {
	pool  *Pool
	flags SolveFlags
	jobs  []Job

	// tl receives trace output when non-nil.
	tl *log.Logger
}

// NewSolver constructs a solver over a frozen pool.
func NewSolver(p *Pool, flags SolveFlags) *Solver {
	return &Solver{pool: p, flags: flags}
}

// SetTraceLogger enables solve tracing.
func (s *Solver) SetTraceLogger(l *log.Logger) { s.tl = l }

// Add appends one job to the queue.
func (s *Solver) Add(j Job) { s.jobs = append(s.jobs, j) }

// AddJobs appends a batch of jobs.
func (s *Solver) AddJobs(jobs []Job) { s.jobs = append(s.jobs, jobs...) }

func (s *Solver) tracef(format string, args ...interface{}) {
	if s.tl != nil {
		s.tl.Printf(format, args...)
	}
}

// conRec is one active requirement or restriction on a package name.
type conRec struct {
	ms    spec.MatchSpec
	owner SolvableID // noOwner for job specs
	raw   string
}

// solveState is the mutable search state.
type solveState struct {
	sel      map[StringID]SolvableID
	reqs     map[StringID][]conRec
	cons     map[StringID][]conRec
	pending  []StringID
	locked   map[StringID]bool
	pinned   map[StringID]spec.MatchSpec
	removed  map[StringID]bool
	explicit map[StringID]bool
	update   map[StringID]bool
	forced   map[StringID]bool

	problems []Problem
}

// Solve runs the queue. On success it returns the unordered step list; on
// failure an *UnsatisfiableError carrying the problem graph.
func (s *Solver) Solve() ([]Step, error) {
	st := &solveState{
		sel:      make(map[StringID]SolvableID),
		reqs:     make(map[StringID][]conRec),
		cons:     make(map[StringID][]conRec),
		locked:   make(map[StringID]bool),
		pinned:   make(map[StringID]spec.MatchSpec),
		removed:  make(map[StringID]bool),
		explicit: make(map[StringID]bool),
		update:   make(map[StringID]bool),
		forced:   make(map[StringID]bool),
	}

	if err := s.prepare(st); err != nil {
		return nil, err
	}

	if !s.search(st) {
		if len(st.problems) == 0 {
			st.problems = append(st.problems, Problem{Kind: ProblemUnknown, SourceID: noOwner, TargetID: noOwner})
		}
		return nil, &UnsatisfiableError{
			Problems: st.problems,
			Graph:    BuildProblemGraph(s.pool, st.problems),
		}
	}

	removedSet, prob := s.resolveRemovals(st)
	if prob != nil {
		st.problems = append(st.problems, *prob)
		return nil, &UnsatisfiableError{
			Problems: st.problems,
			Graph:    BuildProblemGraph(s.pool, st.problems),
		}
	}

	steps := s.diff(st, removedSet)
	steps = s.filterSteps(st, steps)
	return steps, nil
}

// prepare translates the job queue into initial state.
func (s *Solver) prepare(st *solveState) error {
	p := s.pool
	for _, j := range s.jobs {
		name := p.Intern(strings.ToLower(j.Spec.Name))
		switch j.Type {
		case JobInstall, JobUpdate:
			ms := j.Spec
			if s.flags.ForceReinstall {
				if err := s.addReinstall(st, ms); err != nil {
					return err
				}
				continue
			}
			st.reqs[name] = append(st.reqs[name], conRec{ms: ms, owner: noOwner, raw: ms.String()})
			st.explicit[name] = true
			if j.Type == JobUpdate {
				st.update[name] = true
			}
			st.pending = append(st.pending, name)
		case JobRemove:
			st.removed[name] = true
			st.explicit[name] = true
		case JobLock:
			st.locked[name] = true
		case JobReinstall:
			if err := s.addReinstall(st, j.Spec); err != nil {
				return err
			}
		case JobConstrain:
			st.cons[name] = append(st.cons[name], conRec{ms: j.Spec, owner: noOwner, raw: j.Spec.String()})
		case JobPin:
			if err := s.addPin(st, j.Spec); err != nil {
				return err
			}
		default:
			return errors.Errorf("unknown job type %d", j.Type)
		}
	}
	sort.Slice(st.pending, func(i, j int) bool { return p.Str(st.pending[i]) < p.Str(st.pending[j]) })
	return nil
}

// addReinstall narrows a spec to the installed version, build and channel,
// then queues it as a forced install.
func (s *Solver) addReinstall(st *solveState, ms spec.MatchSpec) error {
	p := s.pool
	name := p.Intern(strings.ToLower(ms.Name))
	inst := s.installedSolvable(name)
	if inst == nil {
		// Nothing installed; behaves as a plain install.
		st.reqs[name] = append(st.reqs[name], conRec{ms: ms, owner: noOwner, raw: ms.String()})
		st.explicit[name] = true
		st.pending = append(st.pending, name)
		return nil
	}
	narrowed, err := spec.Parse(p.Str(inst.NameID) + "==" + p.Str(inst.EvrID) + "=" + inst.Build)
	if err != nil {
		return errors.Wrap(err, "cannot narrow reinstall spec")
	}
	st.reqs[name] = append(st.reqs[name], conRec{ms: narrowed, owner: noOwner, raw: narrowed.String()})
	st.explicit[name] = true
	st.forced[name] = true
	st.pending = append(st.pending, name)
	return nil
}

// addPin locks every solvable of the pinned name that does not satisfy the
// pin, by recording the pin as a hard restriction. A pin nothing can
// satisfy, while candidates exist, is an immediate failure.
func (s *Solver) addPin(st *solveState, ms spec.MatchSpec) error {
	p := s.pool
	name := p.Intern(strings.ToLower(ms.Name))
	cands := p.WhatProvides(ms.Name)
	if len(cands) > 0 {
		any := false
		for _, id := range cands {
			sv := p.Solvable(id)
			if s.specMatches(ms, sv) {
				any = true
				break
			}
		}
		if !any {
			prob := Problem{Kind: ProblemUnsatisfiablePin, Dep: ms.String(), SourceID: noOwner, TargetID: noOwner}
			return &UnsatisfiableError{
				Problems: []Problem{prob},
				Graph:    BuildProblemGraph(p, []Problem{prob}),
			}
		}
	}
	st.pinned[name] = ms
	return nil
}

// specMatches evaluates a MatchSpec against a solvable, including channel
// and subdir restrictions.
func (s *Solver) specMatches(ms spec.MatchSpec, sv *Solvable) bool {
	p := s.pool
	if !ms.Matches(p.Str(sv.NameID), p.Str(sv.EvrID), sv.Build, sv.BuildNo) {
		return false
	}
	if ms.Channel != "" && sv.Repo != nil && sv.Repo != p.installed && sv.Repo.Name != ms.Channel {
		return false
	}
	if ms.Subdir != "" && sv.Subdir != "" && sv.Subdir != ms.Subdir {
		return false
	}
	return true
}

func (s *Solver) installedSolvable(name StringID) *Solvable {
	p := s.pool
	if p.installed == nil {
		return nil
	}
	for _, id := range p.byName[name] {
		sv := p.Solvable(id)
		if sv.Repo == p.installed {
			return sv
		}
	}
	return nil
}

// search is the backtracking loop: pick the next unresolved name, try its
// candidates best-first, recurse, undo on failure.
func (s *Solver) search(st *solveState) bool {
	name, ok := s.nextPending(st)
	if !ok {
		return true
	}

	cands := s.candidates(st, name)
	if len(cands) == 0 {
		s.recordEmptyCandidates(st, name)
		return false
	}

	for _, cand := range cands {
		undo, conflict := s.selectCandidate(st, name, cand)
		if conflict {
			undo()
			continue
		}
		s.tracef("select %s", s.pool.DisplayName(cand))
		if s.search(st) {
			return true
		}
		s.tracef("backtrack %s", s.pool.DisplayName(cand))
		undo()
	}
	return false
}

func (s *Solver) nextPending(st *solveState) (StringID, bool) {
	for i := 0; i < len(st.pending); i++ {
		name := st.pending[i]
		if _, done := st.sel[name]; !done {
			return name, true
		}
	}
	return 0, false
}

// candidates enumerates and orders the viable solvables for a name under
// the current state.
func (s *Solver) candidates(st *solveState, name StringID) []SolvableID {
	p := s.pool

	if st.removed[name] {
		// Required and simultaneously requested for removal.
		return nil
	}

	all := p.byName[name]
	inst := s.installedSolvable(name)

	// Strict channel priority hides every repo but the best one carrying
	// the name.
	var strictRepo *Repo
	if s.flags.ChannelPriority == ChannelPriorityStrict {
		for _, id := range all {
			r := p.Solvable(id).Repo
			if r == p.installed {
				continue
			}
			if strictRepo == nil || r.Priority > strictRepo.Priority {
				strictRepo = r
			}
		}
	}

	var out []SolvableID
	for _, id := range all {
		sv := p.Solvable(id)

		if st.locked[name] {
			if inst == nil || sv.ID != inst.ID {
				continue
			}
		}
		if strictRepo != nil && sv.Repo != p.installed && sv.Repo != strictRepo {
			continue
		}
		if pin, ok := st.pinned[name]; ok && !s.specMatches(pin, sv) {
			continue
		}
		if st.forced[name] && sv.Repo == p.installed {
			// Forced reinstalls must come from a real repo.
			continue
		}
		if !s.matchesAll(st.reqs[name], sv) || !s.matchesAll(st.cons[name], sv) {
			continue
		}
		if inst != nil && sv.ID != inst.ID && !st.forced[name] && !st.explicit[name] {
			// Downgrading a package the user did not name needs a flag.
			if cmp := s.compareVersions(sv, inst); cmp < 0 {
				if !s.flags.AllowDowngrade && !s.flags.AllowUninstall {
					continue
				}
			}
		}
		out = append(out, id)
	}

	s.orderCandidates(st, name, inst, out)
	return out
}

func (s *Solver) matchesAll(recs []conRec, sv *Solvable) bool {
	for _, rec := range recs {
		if !s.specMatches(rec.ms, sv) {
			return false
		}
	}
	return true
}

func (s *Solver) compareVersions(a, b *Solvable) int {
	p := s.pool
	va, erra := spec.ParseVersion(p.Str(a.EvrID))
	vb, errb := spec.ParseVersion(p.Str(b.EvrID))
	if erra != nil || errb != nil {
		return strings.Compare(p.Str(a.EvrID), p.Str(b.EvrID))
	}
	return va.Compare(vb)
}

// orderCandidates sorts best-first: the installed build leads unless the
// name is marked for update; then channel priority (unless disabled),
// version, build number, subpriority.
func (s *Solver) orderCandidates(st *solveState, name StringID, inst *Solvable, ids []SolvableID) {
	p := s.pool
	preferInstalled := inst != nil && !st.update[name] && !st.forced[name]

	sort.SliceStable(ids, func(i, j int) bool {
		a, b := p.Solvable(ids[i]), p.Solvable(ids[j])
		if preferInstalled {
			ai, bi := a.ID == inst.ID, b.ID == inst.ID
			if ai != bi {
				return ai
			}
		}
		if s.flags.ChannelPriority != ChannelPriorityDisabled && a.Repo != b.Repo {
			ap, bp := repoPrio(p, a.Repo), repoPrio(p, b.Repo)
			if ap != bp {
				return ap > bp
			}
		}
		if cmp := s.compareVersions(a, b); cmp != 0 {
			return cmp > 0
		}
		if a.BuildNo != b.BuildNo {
			return a.BuildNo > b.BuildNo
		}
		if a.Repo != b.Repo {
			return a.Repo.SubPriority > b.Repo.SubPriority
		}
		return a.ID < b.ID
	})
}

// repoPrio treats the installed repo as neutral so its packages compete on
// version alone.
func repoPrio(p *Pool, r *Repo) int {
	if r == p.installed {
		return 0
	}
	return r.Priority
}

// selectCandidate commits cand for name, propagating its dependencies and
// run constraints. It returns an undo closure plus whether the selection
// immediately conflicts.
func (s *Solver) selectCandidate(st *solveState, name StringID, cand SolvableID) (undo func(), conflict bool) {
	p := s.pool
	sv := p.Solvable(cand)

	var addedReqs []StringID
	var addedCons []StringID
	pendingLen := len(st.pending)
	st.sel[name] = cand

	undo = func() {
		delete(st.sel, name)
		for _, n := range addedReqs {
			st.reqs[n] = st.reqs[n][:len(st.reqs[n])-1]
		}
		for _, n := range addedCons {
			st.cons[n] = st.cons[n][:len(st.cons[n])-1]
		}
		st.pending = st.pending[:pendingLen]
	}

	for _, did := range sv.Deps {
		dep := p.Dep(did)
		raw := p.DepStr(did)

		if strings.Contains(dep.Name, ":") {
			// Namespace dependency: defer to the pool callback.
			ids, err := p.resolveNamespace(dep.Name, depVersionRaw(dep))
			if err != nil || len(ids) == 0 {
				st.problems = append(st.problems, Problem{
					Kind: ProblemNothingProvides, Dep: raw,
					SourceID: cand, TargetID: noOwner,
				})
				return undo, true
			}
			continue
		}

		dname := p.Intern(strings.ToLower(dep.Name))
		if chosen, ok := st.sel[dname]; ok {
			if !s.specMatches(dep, p.Solvable(chosen)) {
				st.problems = append(st.problems, Problem{
					Kind: ProblemDepConflict, Dep: raw,
					SourceID: cand, TargetID: chosen,
				})
				return undo, true
			}
		}
		st.reqs[dname] = append(st.reqs[dname], conRec{ms: dep, owner: cand, raw: raw})
		addedReqs = append(addedReqs, dname)
		st.pending = append(st.pending, dname)
	}

	for _, cid := range sv.Constrains {
		c := p.Dep(cid)
		raw := p.DepStr(cid)
		cname := p.Intern(strings.ToLower(c.Name))
		if chosen, ok := st.sel[cname]; ok {
			if !s.specMatches(c, p.Solvable(chosen)) {
				st.problems = append(st.problems, Problem{
					Kind: ProblemConstrainConflict, Dep: raw,
					SourceID: cand, TargetID: chosen,
				})
				return undo, true
			}
		}
		// Constraints restrict without requesting installation, so the
		// name never joins pending here.
		st.cons[cname] = append(st.cons[cname], conRec{ms: c, owner: cand, raw: raw})
		addedCons = append(addedCons, cname)
	}

	return undo, false
}

func depVersionRaw(ms spec.MatchSpec) string {
	if ms.Version == nil {
		return "*"
	}
	return ms.Version.String()
}

// recordEmptyCandidates files a problem explaining why nothing can satisfy
// the requirements on name.
func (s *Solver) recordEmptyCandidates(st *solveState, name StringID) {
	p := s.pool
	recs := st.reqs[name]

	if st.removed[name] {
		for _, rec := range recs {
			st.problems = append(st.problems, Problem{
				Kind: ProblemDepConflict, Dep: rec.raw,
				SourceID: rec.owner, TargetID: noOwner,
			})
		}
		return
	}

	if len(p.byName[name]) == 0 {
		for _, rec := range recs {
			st.problems = append(st.problems, Problem{
				Kind: ProblemNothingProvides, Dep: rec.raw,
				SourceID: rec.owner, TargetID: noOwner,
			})
		}
		if len(recs) == 0 {
			st.problems = append(st.problems, Problem{
				Kind: ProblemNothingProvides, Dep: p.Str(name),
				SourceID: noOwner, TargetID: noOwner,
			})
		}
		return
	}

	kind := ProblemNotInstallable
	if st.locked[name] {
		kind = ProblemLockedConflict
	}
	for _, rec := range recs {
		st.problems = append(st.problems, Problem{
			Kind: kind, Dep: rec.raw,
			SourceID: rec.owner, TargetID: noOwner,
		})
	}
	if len(recs) == 0 {
		st.problems = append(st.problems, Problem{Kind: kind, Dep: p.Str(name), SourceID: noOwner, TargetID: noOwner})
	}
}

// resolveRemovals validates remove jobs against the final selection,
// cascading over dependers when AllowUninstall is set.
func (s *Solver) resolveRemovals(st *solveState) (map[StringID]bool, *Problem) {
	p := s.pool
	removedSet := make(map[StringID]bool)
	for name := range st.removed {
		removedSet[name] = true
	}
	if p.installed == nil || len(removedSet) == 0 {
		return removedSet, nil
	}

	for {
		grew := false
		for _, id := range p.installed.solvables {
			sv := p.Solvable(id)
			if removedSet[sv.NameID] {
				continue
			}
			if _, replaced := st.sel[sv.NameID]; replaced {
				continue
			}
			for _, did := range sv.Deps {
				dname := p.Intern(strings.ToLower(p.Dep(did).Name))
				if !removedSet[dname] {
					continue
				}
				if !s.flags.AllowUninstall {
					return nil, &Problem{
						Kind:     ProblemDepConflict,
						Dep:      p.DepStr(did),
						SourceID: id,
						TargetID: noOwner,
					}
				}
				removedSet[sv.NameID] = true
				grew = true
				break
			}
		}
		if !grew {
			break
		}
	}
	return removedSet, nil
}

// diff converts the final selection into transaction steps.
func (s *Solver) diff(st *solveState, removedSet map[StringID]bool) []Step {
	p := s.pool
	var steps []Step

	names := make([]StringID, 0, len(st.sel))
	for name := range st.sel {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return p.Str(names[i]) < p.Str(names[j]) })

	for _, name := range names {
		chosen := st.sel[name]
		inst := s.installedSolvable(name)
		switch {
		case inst == nil:
			steps = append(steps, Step{Kind: StepInstall, New: chosen, pool: p})
		case inst.ID == chosen:
			// Already satisfied; nothing to do.
		default:
			sv := p.Solvable(chosen)
			cmp := s.compareVersions(sv, inst)
			kind := StepChange
			switch {
			case cmp > 0:
				kind = StepUpgraded
			case cmp < 0:
				kind = StepDowngraded
			case sv.Build == inst.Build && sv.BuildNo == inst.BuildNo:
				kind = StepReinstall
			}
			steps = append(steps, Step{Kind: kind, Old: inst.ID, New: chosen, pool: p})
		}
	}

	if p.installed != nil {
		for _, id := range p.installed.solvables {
			sv := p.Solvable(id)
			if removedSet[sv.NameID] {
				if _, replaced := st.sel[sv.NameID]; !replaced {
					steps = append(steps, Step{Kind: StepRemove, Old: id, pool: p})
				}
			}
		}
	}
	return steps
}

// filterSteps applies the NoDeps / OnlyDeps step filters.
func (s *Solver) filterSteps(st *solveState, steps []Step) []Step {
	if !s.flags.NoDeps && !s.flags.OnlyDeps {
		return steps
	}
	p := s.pool
	var out []Step
	for _, step := range steps {
		var name StringID
		if step.HasNew() {
			name = p.Solvable(step.New).NameID
		} else {
			name = p.Solvable(step.Old).NameID
		}
		exp := st.explicit[name]
		if s.flags.NoDeps && !exp {
			continue
		}
		if s.flags.OnlyDeps && exp {
			continue
		}
		out = append(out, step)
	}
	return out
}
