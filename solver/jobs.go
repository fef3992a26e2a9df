// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package solver

import (
	"fmt"

	"github.com/mamba-org/mamba/spec"
)

// JobType enumerates the solver job queue entries.
type JobType int

const (
	// JobInstall asks for a package satisfying the spec to be present.
	JobInstall JobType = iota
	// JobRemove asks for installed packages matching the spec to go away.
	JobRemove
	// JobUpdate asks for the newest satisfying package, ignoring the
	// installed preference.
	JobUpdate
	// JobLock freezes the named package in its current state.
	JobLock
	// JobReinstall forces a fresh install of the currently installed
	// version, build and channel.
	JobReinstall
	// JobConstrain restricts versions without requesting installation.
	JobConstrain
	// JobPin restricts every solvable of the pinned name to the pin.
	JobPin
)

func (t JobType) String() string {
	switch t {
	case JobInstall:
		return "install"
	case JobRemove:
		return "remove"
	case JobUpdate:
		return "update"
	case JobLock:
		return "lock"
	case JobReinstall:
		return "reinstall"
	case JobConstrain:
		return "constrain"
	case JobPin:
		return "pin"
	}
	return fmt.Sprintf("job(%d)", int(t))
}

// A Job pairs a job type with its spec.
type Job struct {
	Type JobType
	Spec spec.MatchSpec
}

func (j Job) String() string {
	return j.Type.String() + " " + j.Spec.String()
}

// ChannelPriorityMode controls how repo priorities shape candidate order.
type ChannelPriorityMode int

const (
	// ChannelPriorityFlexible down-ranks lower priority repos but keeps
	// their packages available.
	ChannelPriorityFlexible ChannelPriorityMode = iota
	// ChannelPriorityStrict hides a name's packages from every repo but
	// the highest-priority one carrying the name.
	ChannelPriorityStrict
	// ChannelPriorityDisabled ignores repo priority entirely.
	ChannelPriorityDisabled
)

// SolveFlags tune a solver run.
type SolveFlags struct {
	// AllowDowngrade permits replacing an installed package with an older
	// version to satisfy constraints.
	AllowDowngrade bool

	// AllowUninstall permits removing installed packages (and, for
	// removals, cascading over dependers).
	AllowUninstall bool

	// ChannelPriority selects strict/flexible/disabled repo priority.
	ChannelPriority ChannelPriorityMode

	// NoDeps keeps only steps whose name appears in the request specs.
	NoDeps bool

	// OnlyDeps keeps only steps for dependencies of the request specs.
	OnlyDeps bool

	// ForceReinstall re-links packages already present.
	ForceReinstall bool
}
