// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package spec

// KnownSubdirs is the set of platform subdirs a channel may carry. The list
// mirrors what anaconda.org serves; "noarch" is a member of every channel.
var KnownSubdirs = []string{
	"noarch",
	"linux-32",
	"linux-64",
	"linux-aarch64",
	"linux-armv6l",
	"linux-armv7l",
	"linux-ppc64",
	"linux-ppc64le",
	"linux-riscv64",
	"linux-s390x",
	"osx-64",
	"osx-arm64",
	"win-32",
	"win-64",
	"win-arm64",
	"zos-z",
}

var knownSubdirSet = func() map[string]bool {
	m := make(map[string]bool, len(KnownSubdirs))
	for _, s := range KnownSubdirs {
		m[s] = true
	}
	return m
}()

func isKnownSubdir(s string) bool { return knownSubdirSet[s] }

// IsKnownSubdir reports whether s names a recognized platform subdir.
func IsKnownSubdir(s string) bool { return isKnownSubdir(s) }
