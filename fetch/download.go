// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package fetch implements single- and multi-target downloads with
// conditional requests, checksum validation, retry with backoff, and
// post-download decompression.
package fetch

import (
	"compress/bzip2"
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
	"github.com/sdboyer/constext"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/mamba-org/mamba/internal/fs"
	"github.com/mamba-org/mamba/internal/interrupt"
)

const (
	// lowSpeedLimit/lowSpeedWindow: a transfer sustaining less than
	// lowSpeedLimit bytes per second for lowSpeedWindow is aborted.
	lowSpeedLimit  = 30
	lowSpeedWindow = 60 * time.Second

	// progressInterval rate-limits per-target progress callbacks.
	progressInterval = time.Second / 6
)

// A Target describes one file to download.
type Target struct {
	// URL is the source; http(s) and file schemes are supported.
	URL string

	// Path is the destination file. Parent directories are created.
	Path string

	// ExpectedSize, when > 0, is validated after download.
	ExpectedSize int64

	// SHA256 and MD5, when set, are validated after download; sha256 wins
	// when both are present.
	SHA256 string
	MD5    string

	// ETag and Mod, when set, are sent as If-None-Match and
	// If-Modified-Since; a 304 response short-circuits to success with
	// Unchanged set.
	ETag string
	Mod  string

	// Progress, when non-nil, receives rate-limited (transferred, total)
	// callbacks. Total is -1 when unknown.
	Progress func(transferred, total int64)
}

// A Result reports the outcome for one Target.
type Result struct {
	Target *Target

	// Status is the final http status; 0 for file copies.
	Status int

	// Unchanged is set on a 304 response.
	Unchanged bool

	// Response caching metadata, for the repodata preamble.
	ETag         string
	Mod          string
	CacheControl string

	Err error
}

// A Downloader runs downloads with bounded concurrency. The zero value is
// not usable; construct with New.
type Downloader struct {
	client         *http.Client
	maxConcurrent  int
	maxRetries     int
	initialBackoff time.Duration
	log            *logrus.Logger
}

// Option mutates a Downloader under construction.
type Option func(*Downloader)

// WithClient substitutes the http client (tests, custom TLS).
func WithClient(c *http.Client) Option {
	return func(d *Downloader) { d.client = c }
}

// WithConcurrency bounds simultaneous transfers.
func WithConcurrency(n int) Option {
	return func(d *Downloader) {
		if n > 0 {
			d.maxConcurrent = n
		}
	}
}

// WithRetries sets the retry budget for 5xx and transport errors.
func WithRetries(n int) Option {
	return func(d *Downloader) { d.maxRetries = n }
}

// WithLogger substitutes the process logger.
func WithLogger(l *logrus.Logger) Option {
	return func(d *Downloader) { d.log = l }
}

func withInitialBackoff(dur time.Duration) Option {
	return func(d *Downloader) { d.initialBackoff = dur }
}

// New constructs a Downloader with sane defaults: 5 concurrent transfers,
// 3 retries, a 30s response-header timeout.
func New(opts ...Option) *Downloader {
	d := &Downloader{
		client: &http.Client{
			Transport: &http.Transport{
				ResponseHeaderTimeout: 30 * time.Second,
				Proxy:                 http.ProxyFromEnvironment,
			},
		},
		maxConcurrent:  5,
		maxRetries:     3,
		initialBackoff: 500 * time.Millisecond,
		log:            logrus.StandardLogger(),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// DownloadAll runs every target, at most maxConcurrent at a time, and
// returns a Result per target in input order. Per-target failures land in
// the Result; only a context/interrupt cancellation aborts the whole run.
func (d *Downloader) DownloadAll(ctx context.Context, targets []*Target) []*Result {
	// Join the caller's context with the process interrupt so either stops
	// the run.
	ctx, cancelFunc := constext.Cons(ctx, interrupt.Context())
	defer cancelFunc()

	results := make([]*Result, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.maxConcurrent)

	for i, t := range targets {
		i, t := i, t
		if gctx.Err() != nil {
			results[i] = &Result{Target: t, Err: gctx.Err()}
			continue
		}
		g.Go(func() error {
			res := d.Download(gctx, t)
			results[i] = res
			// Target errors are per-target; do not cancel siblings.
			return nil
		})
	}
	g.Wait()

	for i, t := range targets {
		if results[i] == nil {
			results[i] = &Result{Target: t, Err: ctx.Err()}
		}
	}
	return results
}

// Download runs one target to completion, retrying per policy.
func (d *Downloader) Download(ctx context.Context, t *Target) *Result {
	res := &Result{Target: t}

	if strings.HasPrefix(t.URL, "file://") {
		res.Err = d.copyLocal(t)
		return res
	}

	bo := backoff.WithContext(d.retryPolicy(), ctx)
	attempt := 0
	op := func() error {
		attempt++
		err := d.fetchOnce(ctx, t, res)
		if err == nil {
			return nil
		}
		if !retryable(err) || attempt > d.maxRetries {
			return backoff.Permanent(err)
		}
		d.log.WithFields(logrus.Fields{
			"url":     t.URL,
			"attempt": attempt,
		}).Warnf("retrying download: %s", err)
		return err
	}
	if err := backoff.Retry(op, bo); err != nil {
		res.Err = err
		return res
	}

	if !res.Unchanged {
		res.Err = d.finalize(t)
	}
	return res
}

func (d *Downloader) retryPolicy() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.initialBackoff
	b.MaxElapsedTime = 0 // retry budget is counted in attempts
	return b
}

// retryable reports whether an error warrants another attempt: transport
// errors and 5xx statuses do, everything else is final.
func retryable(err error) bool {
	var se *HTTPStatusError
	if errors.As(err, &se) {
		return se.Status >= 500
	}
	var cse *ChecksumError
	if errors.As(err, &cse) {
		return false
	}
	var lbe *LowBandwidthError
	if errors.As(err, &lbe) {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

// fetchOnce performs a single conditional GET into t.Path + ".partial".
func (d *Downloader) fetchOnce(ctx context.Context, t *Target, res *Result) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.URL, nil)
	if err != nil {
		return backoff.Permanent(errors.Wrapf(err, "bad url %q", t.URL))
	}
	if t.ETag != "" {
		req.Header.Set("If-None-Match", t.ETag)
	}
	if t.Mod != "" {
		req.Header.Set("If-Modified-Since", t.Mod)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "request for %s failed", t.URL)
	}
	defer resp.Body.Close()

	res.Status = resp.StatusCode
	res.ETag = resp.Header.Get("ETag")
	res.Mod = resp.Header.Get("Last-Modified")
	res.CacheControl = resp.Header.Get("Cache-Control")

	switch {
	case resp.StatusCode == http.StatusNotModified:
		res.Unchanged = true
		return nil
	case resp.StatusCode == http.StatusOK:
	default:
		return &HTTPStatusError{URL: t.URL, Status: resp.StatusCode}
	}

	if err := os.MkdirAll(filepath.Dir(t.Path), 0o755); err != nil {
		return backoff.Permanent(errors.Wrapf(err, "cannot create %s", filepath.Dir(t.Path)))
	}
	partial := t.Path + ".partial"
	f, err := os.Create(partial)
	if err != nil {
		return backoff.Permanent(errors.Wrapf(err, "cannot create %s", partial))
	}

	body := d.meterBody(resp.Body, t, resp.ContentLength)
	_, err = io.Copy(f, body)
	cerr := f.Close()
	if err != nil {
		os.Remove(partial)
		return err
	}
	if cerr != nil {
		os.Remove(partial)
		return errors.Wrapf(cerr, "cannot close %s", partial)
	}
	return nil
}

// meterBody wraps the response body with bandwidth watchdog and progress
// reporting.
func (d *Downloader) meterBody(r io.Reader, t *Target, total int64) io.Reader {
	m := &meteredReader{
		r:           r,
		url:         t.URL,
		total:       total,
		progress:    t.Progress,
		windowStart: time.Now(),
	}
	return m
}

type meteredReader struct {
	r           io.Reader
	url         string
	total       int64
	transferred int64
	progress    func(int64, int64)
	lastReport  time.Time
	windowStart time.Time
	windowBytes int64
}

func (m *meteredReader) Read(p []byte) (int, error) {
	n, err := m.r.Read(p)
	m.transferred += int64(n)
	m.windowBytes += int64(n)

	now := time.Now()
	if elapsed := now.Sub(m.windowStart); elapsed >= lowSpeedWindow {
		if float64(m.windowBytes)/elapsed.Seconds() < lowSpeedLimit {
			return n, &LowBandwidthError{URL: m.url}
		}
		m.windowStart, m.windowBytes = now, 0
	}

	if m.progress != nil && (err == io.EOF || now.Sub(m.lastReport) >= progressInterval) {
		m.progress(m.transferred, m.total)
		m.lastReport = now
	}
	return n, err
}

// finalize validates checksums, then decompresses known suffixes and
// renames the partial file into place.
func (d *Downloader) finalize(t *Target) error {
	partial := t.Path + ".partial"
	defer os.Remove(partial)

	if err := Validate(partial, t.ExpectedSize, t.SHA256, t.MD5); err != nil {
		return err
	}

	switch {
	case strings.HasSuffix(t.URL, ".bz2") && !strings.HasSuffix(t.Path, ".bz2"):
		return decompressInto(partial, t.Path, func(r io.Reader) (io.Reader, error) {
			return bzip2.NewReader(r), nil
		})
	case strings.HasSuffix(t.URL, ".zck") && !strings.HasSuffix(t.Path, ".zck"):
		return decompressInto(partial, t.Path, func(r io.Reader) (io.Reader, error) {
			zr, err := zstd.NewReader(r)
			if err != nil {
				return nil, err
			}
			return zr.IOReadCloser(), nil
		})
	default:
		return fs.RenameWithFallback(partial, t.Path)
	}
}

func decompressInto(src, dst string, wrap func(io.Reader) (io.Reader, error)) error {
	in, err := os.Open(src)
	if err != nil {
		return errors.Wrapf(err, "cannot open %s", src)
	}
	defer in.Close()

	r, err := wrap(in)
	if err != nil {
		return errors.Wrapf(err, "cannot decompress %s", src)
	}

	tmp := dst + ".extract"
	out, err := os.Create(tmp)
	if err != nil {
		return errors.Wrapf(err, "cannot create %s", tmp)
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		os.Remove(tmp)
		return errors.Wrapf(err, "decompression of %s failed", src)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return fs.RenameWithFallback(tmp, dst)
}

// copyLocal services file:// targets by direct copy; Status stays 0.
func (d *Downloader) copyLocal(t *Target) error {
	src := strings.TrimPrefix(t.URL, "file://")
	if err := os.MkdirAll(filepath.Dir(t.Path), 0o755); err != nil {
		return errors.Wrapf(err, "cannot create %s", filepath.Dir(t.Path))
	}
	if err := fs.CopyFile(src, t.Path); err != nil {
		return errors.Wrapf(err, "cannot copy %s", src)
	}
	return Validate(t.Path, t.ExpectedSize, t.SHA256, t.MD5)
}

// Validate checks size, then sha256 if present, else md5.
func Validate(path string, size int64, sha, md5sum string) error {
	if size > 0 {
		fi, err := os.Stat(path)
		if err != nil {
			return errors.Wrapf(err, "cannot stat %s", path)
		}
		if fi.Size() != size {
			return &ChecksumError{
				Path:     path,
				Kind:     "size",
				Expected: fmt.Sprintf("%d", size),
				Actual:   fmt.Sprintf("%d", fi.Size()),
			}
		}
	}
	switch {
	case sha != "":
		return checkDigest(path, "sha256", sha, sha256.New())
	case md5sum != "":
		return checkDigest(path, "md5", md5sum, md5.New())
	}
	return nil
}

func checkDigest(path, kind, expected string, h hash.Hash) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "cannot open %s", path)
	}
	defer f.Close()
	if _, err := io.Copy(h, f); err != nil {
		return errors.Wrapf(err, "cannot hash %s", path)
	}
	actual := hex.EncodeToString(h.Sum(nil))
	if !strings.EqualFold(actual, expected) {
		return &ChecksumError{Path: path, Kind: kind, Expected: expected, Actual: actual}
	}
	return nil
}
