// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package mamba ties the subsystems together: resolved process
// configuration, prefix state, request history, and transaction execution.
package mamba

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/mamba-org/mamba/channel"
)

// rcFileName is the optional YAML config consulted below environment
// variables.
const rcFileName = ".mambarc"

// Ctx is the resolved process configuration. It is built once by NewCtx
// and read-only afterwards; a configuration change means a fresh Ctx.
type Ctx struct {
	// RootPrefix anchors default locations (pkgs cache, envs).
	RootPrefix string

	// TargetPrefix is the environment being operated on.
	TargetPrefix string

	// PkgsDirs are the package cache candidates, in preference order.
	PkgsDirs []string

	// Channels are the default channels consulted when a request names
	// none.
	Channels []string

	// Platform is the native subdir; resolution adds noarch.
	Platform string

	// Offline forbids network access; caches serve what they have.
	Offline bool

	// SSLNoRevoke and CABundle feed TLS setup.
	SSLNoRevoke bool
	CABundle    string

	// MaxRetries and DownloadThreads tune the downloader.
	MaxRetries      int
	DownloadThreads int

	Log *logrus.Logger
}

// rcFile is the YAML shape of .mambarc.
type rcFile struct {
	Channels        []string `yaml:"channels"`
	PkgsDirs        []string `yaml:"pkgs_dirs"`
	Platform        string   `yaml:"platform"`
	Offline         bool     `yaml:"offline"`
	MaxRetries      int      `yaml:"max_retries"`
	DownloadThreads int      `yaml:"download_threads"`
}

// NewCtx resolves configuration: explicit values in base win over
// environment variables, which win over the rc file, which wins over
// defaults.
func NewCtx(base Ctx) (*Ctx, error) {
	ctx := base
	if ctx.Log == nil {
		ctx.Log = logrus.StandardLogger()
	}

	rc := loadRC(ctx.Log)

	if ctx.RootPrefix == "" {
		ctx.RootPrefix = os.Getenv("MAMBA_ROOT_PREFIX")
	}
	if ctx.RootPrefix == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, errors.Wrap(err, "cannot determine home directory")
		}
		ctx.RootPrefix = filepath.Join(home, "micromamba")
	}
	if ctx.TargetPrefix == "" {
		ctx.TargetPrefix = ctx.RootPrefix
	}

	if len(ctx.PkgsDirs) == 0 {
		if env := os.Getenv("CONDA_PKGS_DIRS"); env != "" {
			ctx.PkgsDirs = splitList(env)
		} else if len(rc.PkgsDirs) > 0 {
			ctx.PkgsDirs = rc.PkgsDirs
		} else {
			ctx.PkgsDirs = []string{filepath.Join(ctx.RootPrefix, "pkgs")}
		}
	}

	if len(ctx.Channels) == 0 {
		if env := os.Getenv("CONDA_CHANNELS"); env != "" {
			ctx.Channels = splitList(env)
		} else if len(rc.Channels) > 0 {
			ctx.Channels = rc.Channels
		} else {
			ctx.Channels = []string{channel.DefaultsName}
		}
	}

	if ctx.Platform == "" {
		if env := os.Getenv("CONDA_SUBDIR"); env != "" {
			ctx.Platform = env
		} else if rc.Platform != "" {
			ctx.Platform = rc.Platform
		}
	}

	if ctx.CABundle == "" {
		ctx.CABundle = os.Getenv("REQUESTS_CA_BUNDLE")
	}
	if !ctx.SSLNoRevoke {
		ctx.SSLNoRevoke = envBool("MAMBA_SSL_NO_REVOKE")
	}
	if !ctx.Offline {
		ctx.Offline = rc.Offline || envBool("MAMBA_OFFLINE")
	}
	if ctx.MaxRetries == 0 {
		ctx.MaxRetries = firstNonZero(envInt("MAMBA_MAX_RETRIES"), rc.MaxRetries, 3)
	}
	if ctx.DownloadThreads == 0 {
		ctx.DownloadThreads = firstNonZero(envInt("MAMBA_DOWNLOAD_THREADS"), rc.DownloadThreads, 5)
	}

	return &ctx, nil
}

// CacheDir is where repodata caches live.
func (c *Ctx) CacheDir() string {
	return filepath.Join(c.PkgsDirs[0], "cache")
}

// loadRC reads ~/.mambarc if present; absence is not an error.
func loadRC(log *logrus.Logger) rcFile {
	var rc rcFile
	home, err := os.UserHomeDir()
	if err != nil {
		return rc
	}
	data, err := os.ReadFile(filepath.Join(home, rcFileName))
	if err != nil {
		return rc
	}
	if err := yaml.Unmarshal(data, &rc); err != nil {
		log.Warnf("ignoring malformed %s: %s", rcFileName, err)
		return rcFile{}
	}
	return rc
}

func splitList(s string) []string {
	var out []string
	for _, f := range strings.Split(s, string(os.PathListSeparator)) {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

func envBool(name string) bool {
	v := strings.ToLower(os.Getenv(name))
	return v == "1" || v == "true" || v == "yes"
}

func envInt(name string) int {
	v := os.Getenv(name)
	if v == "" {
		return 0
	}
	var n int
	for _, r := range v {
		if r < '0' || r > '9' {
			return 0
		}
		n = n*10 + int(r-'0')
	}
	return n
}

func firstNonZero(vals ...int) int {
	for _, v := range vals {
		if v != 0 {
			return v
		}
	}
	return 0
}
