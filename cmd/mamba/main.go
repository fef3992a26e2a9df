// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command mamba is the thin executable gate over the core: it translates
// one install/remove/update request into a solve plus a transaction, and
// maps the outcome onto the documented exit codes.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"

	mamba "github.com/mamba-org/mamba"
	"github.com/mamba-org/mamba/channel"
	"github.com/mamba-org/mamba/fetch"
	"github.com/mamba-org/mamba/internal/interrupt"
	"github.com/mamba-org/mamba/pkgcache"
	"github.com/mamba-org/mamba/repodata"
	"github.com/mamba-org/mamba/solver"
	"github.com/mamba-org/mamba/spec"
)

// Exit codes.
const (
	exitSuccess       = 0
	exitError         = 1
	exitUnsatisfiable = 2
	exitInterrupted   = 3
	exitTrust         = 4
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("mamba", flag.ContinueOnError)
	var (
		prefixFlag  = fs.String("prefix", "", "target prefix")
		channelFlag = fs.String("channel", "", "additional channel (comma separated)")
		dryRun      = fs.Bool("dry-run", false, "solve but do not execute")
		verbose     = fs.Bool("verbose", false, "debug logging")
	)
	if err := fs.Parse(args); err != nil {
		return exitError
	}
	rest := fs.Args()
	if len(rest) < 2 {
		fmt.Fprintln(os.Stderr, "usage: mamba [flags] install|remove|update spec...")
		return exitError
	}
	verb, specArgs := rest[0], rest[1:]

	log := logrus.New()
	if *verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	stop := interrupt.Install(os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := execute(verb, specArgs, *prefixFlag, *channelFlag, *dryRun, log)
	return exitCode(err, log)
}

// exitCode maps error kinds onto the documented process exit codes.
func exitCode(err error, log *logrus.Logger) int {
	if err == nil {
		return exitSuccess
	}
	log.Error(err)

	type tagged interface{ Tag() string }
	var tag string
	if te, ok := err.(tagged); ok {
		tag = te.Tag()
	}
	switch tag {
	case "Unsatisfiable":
		return exitUnsatisfiable
	case "Interrupted":
		return exitInterrupted
	case "TrustError":
		return exitTrust
	}
	return exitError
}

func execute(verb string, specArgs []string, prefix, extraChannels string, dryRun bool, log *logrus.Logger) error {
	ctx, err := mamba.NewCtx(mamba.Ctx{TargetPrefix: prefix, Log: log})
	if err != nil {
		return err
	}

	var jobs []solver.Job
	jobType, ok := map[string]solver.JobType{
		"install": solver.JobInstall,
		"remove":  solver.JobRemove,
		"update":  solver.JobUpdate,
	}[verb]
	if !ok {
		return fmt.Errorf("unknown command %q", verb)
	}
	for _, raw := range specArgs {
		ms, err := spec.Parse(raw)
		if err != nil {
			return err
		}
		jobs = append(jobs, solver.Job{Type: jobType, Spec: ms})
	}

	// Channel resolution.
	cc, err := channel.NewContext(channel.Config{Platform: ctx.Platform, Logger: log})
	if err != nil {
		return err
	}
	names := ctx.Channels
	if extraChannels != "" {
		names = append(strings.Split(extraChannels, ","), names...)
	}
	var chans []channel.Channel
	for _, n := range names {
		resolved, err := cc.Resolve(n)
		if err != nil {
			return err
		}
		chans = append(chans, resolved...)
	}

	// Repodata.
	dl := fetch.New(
		fetch.WithRetries(ctx.MaxRetries),
		fetch.WithConcurrency(ctx.DownloadThreads),
		fetch.WithLogger(log),
	)
	index, err := repodata.OpenIndexCache(ctx.CacheDir())
	if err != nil {
		return err
	}
	defer index.Close()

	var subdirs []*repodata.SubdirData
	for _, ch := range chans {
		for _, platform := range cc.DefaultPlatforms() {
			opts := []repodata.SubdirOption{
				repodata.WithIndexCache(index),
				repodata.WithLogger(log),
			}
			if ctx.Offline {
				opts = append(opts, repodata.Offline())
			}
			subdirs = append(subdirs, repodata.NewSubdirData(ch, platform, ctx.CacheDir(), dl, opts...))
		}
	}
	if err := repodata.LoadAll(context.Background(), subdirs); err != nil {
		return err
	}

	// Pool.
	pool := solver.NewPool()
	for i, sd := range subdirs {
		repo := pool.NewRepo(sd.Channel.CanonicalName(), len(subdirs)-i, 0)
		recs, err := sd.Records()
		if err != nil {
			log.Warnf("skipping %s/%s: %s", sd.Channel.CanonicalName(), sd.Platform, err)
			repo.Internalize()
			continue
		}
		for _, rec := range recs {
			if _, err := repo.AddRecord(rec); err != nil {
				return err
			}
		}
		repo.Internalize()
	}

	prefixData, err := mamba.LoadPrefix(ctx.TargetPrefix)
	if err != nil {
		return err
	}
	installed := pool.NewRepo("installed", 0, 0)
	for _, rec := range prefixData.Sorted() {
		if _, err := installed.AddRecord(rec.AsRepoData()); err != nil {
			return err
		}
	}
	installed.Internalize()
	pool.SetInstalled(installed)
	if err := pool.CreateWhatProvides(); err != nil {
		return err
	}

	// Solve.
	s := solver.NewSolver(pool, solver.SolveFlags{})
	s.AddJobs(jobs)
	steps, err := s.Solve()
	if err != nil {
		return err
	}

	if len(steps) == 0 {
		fmt.Println("All requested packages already installed.")
		return nil
	}
	for _, st := range solver.OrderSteps(pool, steps) {
		fmt.Println("  " + st.String())
	}
	if dryRun {
		return nil
	}

	// Execute.
	cache, err := pkgcache.FirstWritable(ctx.PkgsDirs, log)
	if err != nil {
		return err
	}
	tx := mamba.NewTransaction(ctx, pool, steps, cache, prefixData, dl)
	req := mamba.PrefilledUserRequest("mamba " + verb + " " + strings.Join(specArgs, " "))
	req.RequestedSpecs = specArgs
	if verb == "remove" {
		req.RemoveSpecs = specArgs
	} else {
		req.UpdateSpecs = specArgs
	}
	tx.Request = req
	return tx.Execute(context.Background())
}
