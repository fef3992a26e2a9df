// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mamba

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/sdboyer/constext"
	"github.com/sirupsen/logrus"

	"github.com/mamba-org/mamba/fetch"
	"github.com/mamba-org/mamba/internal/interrupt"
	"github.com/mamba-org/mamba/pkgcache"
	"github.com/mamba-org/mamba/repodata"
	"github.com/mamba-org/mamba/solver"
)

// A Transaction executes a solved step list against a prefix: fetch and
// extract what is missing, then link and unlink in dependency order, with
// rollback on failure or interrupt.
type Transaction struct {
	ctx    *Ctx
	pool   *solver.Pool
	steps  []solver.Step
	cache  *pkgcache.Cache
	prefix *PrefixData
	dl     *fetch.Downloader

	// Request metadata recorded into history on success.
	Request UserRequest

	log *logrus.Logger
}

// NewTransaction orders the solver's steps and binds the collaborators.
func NewTransaction(ctx *Ctx, pool *solver.Pool, steps []solver.Step, cache *pkgcache.Cache, prefix *PrefixData, dl *fetch.Downloader) *Transaction {
	if dl == nil {
		dl = fetch.New(
			fetch.WithRetries(ctx.MaxRetries),
			fetch.WithConcurrency(ctx.DownloadThreads),
			fetch.WithLogger(ctx.Log),
		)
	}
	return &Transaction{
		ctx:    ctx,
		pool:   pool,
		steps:  solver.OrderSteps(pool, steps),
		cache:  cache,
		prefix: prefix,
		dl:     dl,
		log:    ctx.Log,
	}
}

// Empty reports a transaction with nothing to do.
func (t *Transaction) Empty() bool { return len(t.steps) == 0 }

// Steps exposes the ordered step list (for display and dry runs).
func (t *Transaction) Steps() []solver.Step { return t.steps }

// recordFor flattens a solvable back into its repodata record.
func (t *Transaction) recordFor(sv *solver.Solvable) repodata.Record {
	return repodata.Record{
		Name:        sv.Name(),
		Version:     sv.Version(),
		Build:       sv.Build,
		BuildNumber: sv.BuildNo,
		Depends:     t.depStrings(sv.Deps),
		Constrains:  t.depStrings(sv.Constrains),
		MD5:         sv.MD5,
		SHA256:      sv.SHA256,
		Size:        sv.Size,
		Subdir:      sv.Subdir,
		Fn:          sv.Fn,
		URL:         sv.URL,
		Channel:     sv.Repo.Name,
	}
}

func (t *Transaction) depStrings(ids []solver.DepID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = t.pool.DepStr(id)
	}
	return out
}

// Execute runs the fetch phase then the link phase. Any error (or the
// process interrupt) rolls the link phase back and surfaces the first
// cause.
func (t *Transaction) Execute(ctx context.Context) error {
	if t.Empty() {
		return nil
	}
	ctx, cancel := constext.Cons(ctx, interrupt.Context())
	defer cancel()

	if err := t.fetchAll(ctx); err != nil {
		return err
	}
	return t.linkAll(ctx)
}

// fetchAll downloads, validates and extracts every package the cache does
// not already hold. Downloads run concurrently; extraction is serialized
// by the archive mutex.
func (t *Transaction) fetchAll(ctx context.Context) error {
	if err := t.cache.Lock(); err != nil {
		return err
	}
	defer t.cache.Unlock()

	type want struct {
		rec     repodata.Record
		tarball bool
	}
	var wants []want
	var targets []*fetch.Target

	for _, st := range t.steps {
		if !st.HasNew() {
			continue
		}
		rec := t.recordFor(st.NewSolvable())
		if t.cache.Query(rec) {
			// Tarball may be present without an extracted tree.
			if _, err := os.Stat(t.cache.ExtractedPath(rec.Fn)); err == nil {
				continue
			}
			wants = append(wants, want{rec: rec, tarball: true})
			continue
		}
		wants = append(wants, want{rec: rec})
		targets = append(targets, &fetch.Target{
			URL:          rec.URL,
			Path:         t.cache.TarballPath(rec.Fn),
			ExpectedSize: rec.Size,
			SHA256:       rec.SHA256,
			MD5:          rec.MD5,
		})
	}

	if len(targets) > 0 {
		if t.ctx.Offline {
			return errors.Errorf("%d packages missing from cache in offline mode", len(targets))
		}
		for _, res := range t.dl.DownloadAll(ctx, targets) {
			if res.Err != nil {
				return errors.Wrapf(res.Err, "fetching %s failed", res.Target.URL)
			}
		}
	}

	for _, w := range wants {
		if err := ctx.Err(); err != nil {
			return &InterruptedError{}
		}
		dst := t.cache.ExtractedPath(w.rec.Fn)
		if _, err := os.Stat(filepath.Join(dst, "info")); err != nil {
			if err := ExtractPackage(t.cache.TarballPath(w.rec.Fn), dst); err != nil {
				return err
			}
		}
		if err := t.cache.WriteRepodataRecord(w.rec.Fn, w.rec); err != nil {
			return err
		}
		if !w.tarball {
			if err := t.cache.AppendURL(w.rec.URL); err != nil {
				return err
			}
		}
	}
	return nil
}

// rollbackOp is one executed, invertible link-phase operation.
type rollbackOp func() error

// linkAll walks the ordered steps, maintaining a rollback stack. The
// interrupt flag is polled at every step boundary.
func (t *Transaction) linkAll(ctx context.Context) (err error) {
	trashDir := filepath.Join(t.prefix.Prefix(), ".mamba_trash",
		strconv.FormatInt(time.Now().UnixNano(), 10))
	var rollback []rollbackOp

	defer func() {
		if err == nil {
			os.RemoveAll(filepath.Dir(trashDir))
			return
		}
		// Unwind in reverse; rollback failures are logged, not raised
		// over the original cause.
		for i := len(rollback) - 1; i >= 0; i-- {
			if rerr := rollback[i](); rerr != nil {
				t.log.Errorf("rollback step failed: %s", rerr)
			}
		}
	}()

	for _, st := range t.steps {
		if ctx.Err() != nil {
			return &InterruptedError{}
		}

		if st.HasOld() {
			ops, uerr := t.unlinkOne(st.OldSolvable().Name(), trashDir)
			rollback = append(rollback, ops...)
			if uerr != nil {
				return uerr
			}
		}
		if ctx.Err() != nil {
			return &InterruptedError{}
		}
		if st.HasNew() {
			ops, lerr := t.linkOne(st.NewSolvable())
			rollback = append(rollback, ops...)
			if lerr != nil {
				return lerr
			}
		}
	}

	if herr := NewHistory(t.prefix.Prefix()).AddEntry(t.finishedRequest()); herr != nil {
		t.log.Warnf("cannot append history entry: %s", herr)
	}
	return nil
}

// unlinkOne removes an installed package's files and record, emitting the
// inverse operations.
func (t *Transaction) unlinkOne(name, trashDir string) ([]rollbackOp, error) {
	var ops []rollbackOp
	rec, ok := t.prefix.Get(name)
	if !ok {
		return ops, nil
	}
	prefix := t.prefix.Prefix()

	for _, rel := range rec.Files {
		rel := rel
		if err := unlinkFile(prefix, rel, trashDir); err != nil {
			return ops, err
		}
		ops = append(ops, func() error { return restoreFile(prefix, rel, trashDir) })
	}

	saved := *rec
	if err := t.prefix.RemoveRecord(name); err != nil {
		return ops, err
	}
	ops = append(ops, func() error { return t.prefix.WriteRecord(&saved) })

	t.log.WithField("pkg", rec.Fn).Debug("unlinked")
	return ops, nil
}

// linkOne places a package's payload into the prefix per info/paths.json
// and writes its prefix record, emitting the inverse operations.
func (t *Transaction) linkOne(sv *solver.Solvable) ([]rollbackOp, error) {
	var ops []rollbackOp
	extractedDir := t.cache.ExtractedPath(sv.Fn)
	prefix := t.prefix.Prefix()

	paths, err := readPathsJSON(extractedDir)
	if err != nil {
		return ops, err
	}

	var files []string
	for _, entry := range paths.Paths {
		entry := entry
		if err := linkFile(extractedDir, prefix, entry); err != nil {
			return ops, err
		}
		files = append(files, entry.Path)
		dst := filepath.Join(prefix, entry.Path)
		ops = append(ops, func() error { return os.Remove(dst) })
	}

	rec := &PrefixRecord{
		Name:        sv.Name(),
		Version:     sv.Version(),
		Build:       sv.Build,
		BuildNumber: sv.BuildNo,
		Channel:     sv.Repo.Name,
		Subdir:      sv.Subdir,
		Fn:          sv.Fn,
		URL:         sv.URL,
		MD5:         sv.MD5,
		SHA256:      sv.SHA256,
		Size:        sv.Size,
		Depends:     t.depStrings(sv.Deps),
		Constrains:  t.depStrings(sv.Constrains),
		Files:       files,
		PathsData:   paths,
		LinkSource:  extractedDir,
	}
	if err := t.prefix.WriteRecord(rec); err != nil {
		return ops, err
	}
	name := sv.Name()
	ops = append(ops, func() error { return t.prefix.RemoveRecord(name) })

	t.log.WithField("pkg", sv.Fn).Debug("linked")
	return ops, nil
}

// readPathsJSON loads info/paths.json from an extracted package.
func readPathsJSON(extractedDir string) (PathsData, error) {
	var paths PathsData
	data, err := os.ReadFile(filepath.Join(extractedDir, "info", "paths.json"))
	if err != nil {
		return paths, errors.Wrapf(err, "package at %s has no paths.json", extractedDir)
	}
	if err := json.Unmarshal(data, &paths); err != nil {
		return paths, errors.Wrapf(err, "malformed paths.json in %s", extractedDir)
	}
	return paths, nil
}

// finishedRequest fills the request's link/unlink dists from the executed
// steps.
func (t *Transaction) finishedRequest() UserRequest {
	req := t.Request
	if req.Date.IsZero() {
		req = PrefilledUserRequest(req.Cmd)
	}
	for _, st := range t.steps {
		if st.HasOld() {
			sv := st.OldSolvable()
			req.UnlinkDists = append(req.UnlinkDists, distString(sv))
		}
		if st.HasNew() {
			sv := st.NewSolvable()
			req.LinkDists = append(req.LinkDists, distString(sv))
		}
	}
	return req
}

func distString(sv *solver.Solvable) string {
	ch := sv.Repo.Name
	if ch == "" {
		ch = "defaults"
	}
	return ch + "::" + sv.Name() + "-" + sv.Version() + "-" + sv.Build
}
