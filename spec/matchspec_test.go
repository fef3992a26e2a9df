// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package spec

import (
	"reflect"
	"testing"
)

func TestParseMatchSpec(t *testing.T) {
	cases := []struct {
		in    string
		check func(t *testing.T, m MatchSpec)
	}{
		{"numpy", func(t *testing.T, m MatchSpec) {
			if m.Name != "numpy" || m.Version != nil || m.Build != "" {
				t.Errorf("bare name parsed as %+v", m)
			}
		}},
		{"numpy 1.7", func(t *testing.T, m MatchSpec) {
			if m.Name != "numpy" {
				t.Errorf("name = %q", m.Name)
			}
			if !m.Matches("numpy", "1.7.4", "py38_0", 0) {
				t.Error("1.7.4 should satisfy prefix 1.7")
			}
			if m.Matches("numpy", "1.8", "py38_0", 0) {
				t.Error("1.8 should not satisfy prefix 1.7")
			}
		}},
		{"numpy=1.7=py38*", func(t *testing.T, m MatchSpec) {
			if m.Build != "py38*" {
				t.Errorf("build = %q", m.Build)
			}
			if !m.Matches("numpy", "1.7.1", "py38_0", 0) {
				t.Error("py38_0 should match glob py38*")
			}
			if m.Matches("numpy", "1.7.1", "py27_0", 0) {
				t.Error("py27_0 should not match glob py38*")
			}
		}},
		{"numpy>=1.7,<1.9", func(t *testing.T, m MatchSpec) {
			if !m.Matches("numpy", "1.8.2", "0", 0) || m.Matches("numpy", "1.9.0", "0", 0) {
				t.Error("range >=1.7,<1.9 misbehaved")
			}
		}},
		{"conda-forge::numpy", func(t *testing.T, m MatchSpec) {
			if m.Channel != "conda-forge" || m.Name != "numpy" {
				t.Errorf("channel = %q, name = %q", m.Channel, m.Name)
			}
		}},
		{"conda-forge/linux-64::numpy", func(t *testing.T, m MatchSpec) {
			if m.Channel != "conda-forge" || m.Subdir != "linux-64" {
				t.Errorf("channel = %q, subdir = %q", m.Channel, m.Subdir)
			}
		}},
		{"numpy[md5=deadbeef,license=BSD]", func(t *testing.T, m MatchSpec) {
			if m.MD5 != "deadbeef" || m.License != "BSD" {
				t.Errorf("brackets parsed as %+v", m)
			}
		}},
		{`numpy[version=">=1.7,<1.9", build="py38*"]`, func(t *testing.T, m MatchSpec) {
			if m.Build != "py38*" {
				t.Errorf("build = %q", m.Build)
			}
			if !m.Matches("numpy", "1.8", "py38_1", 0) {
				t.Error("bracket version+build should match")
			}
		}},
		{"numpy[build_number=>=2]", func(t *testing.T, m MatchSpec) {
			if !m.Matches("numpy", "1.0", "0", 2) || m.Matches("numpy", "1.0", "0", 1) {
				t.Error("build_number >=2 misbehaved")
			}
		}},
		{"numpy (target=numpy-1.7, optional)", func(t *testing.T, m MatchSpec) {
			if m.Target != "numpy-1.7" || !m.Optional {
				t.Errorf("parens parsed as %+v", m)
			}
		}},
		{"https://conda.anaconda.org/conda-forge/linux-64/numpy-1.22.3-py310h4ef5377_2.tar.bz2",
			func(t *testing.T, m MatchSpec) {
				if m.Name != "numpy" {
					t.Errorf("name = %q", m.Name)
				}
				if m.FN != "numpy-1.22.3-py310h4ef5377_2.tar.bz2" {
					t.Errorf("fn = %q", m.FN)
				}
				if m.Build != "py310h4ef5377_2" {
					t.Errorf("build = %q", m.Build)
				}
				if !m.IsPackage() {
					t.Error("tarball url should be a package spec")
				}
				if !m.Matches("numpy", "1.22.3", "py310h4ef5377_2", 2) {
					t.Error("inferred fields should match themselves")
				}
			}},
		{"/opt/pkgs/foo-1.0-0.conda", func(t *testing.T, m MatchSpec) {
			if m.Name != "foo" || !m.IsPackage() {
				t.Errorf("path spec parsed as %+v", m)
			}
		}},
	}

	for _, c := range cases {
		m, err := Parse(c.in)
		if err != nil {
			t.Errorf("Parse(%q): %s", c.in, err)
			continue
		}
		c.check(t, m)
	}
}

func TestParseMatchSpecErrors(t *testing.T) {
	bad := []string{
		"",
		"   ",
		">=1.7",
		"::numpy",
		"numpy[md5]",
		"numpy[unknownkey=1]",
		"numpy one two three four",
	}
	for _, in := range bad {
		if _, err := Parse(in); err == nil {
			t.Errorf("Parse(%q) succeeded, want error", in)
		} else if _, ok := err.(*ParseError); !ok {
			t.Errorf("Parse(%q) returned %T, want *ParseError", in, err)
		}
	}
}

func TestMatchSpecStringRoundTrip(t *testing.T) {
	inputs := []string{
		"numpy",
		"numpy=1.7",
		"numpy==1.7.1",
		"numpy=1.7=py38*",
		"numpy>=1.7,<1.9",
		"conda-forge::numpy=1.7",
		"numpy[md5=deadbeef]",
		"numpy[build_number=>=2]",
	}
	for _, in := range inputs {
		m, err := Parse(in)
		if err != nil {
			t.Fatalf("Parse(%q): %s", in, err)
		}
		m2, err := Parse(m.String())
		if err != nil {
			t.Fatalf("Parse(%q) (rendered from %q): %s", m.String(), in, err)
		}
		if !reflect.DeepEqual(m, m2) {
			t.Errorf("spec %q did not round-trip:\n first: %#v\nsecond: %#v", in, m, m2)
		}
	}
}

func TestCondaBuildForm(t *testing.T) {
	cases := []struct{ in, want string }{
		{"numpy", "numpy"},
		{"numpy=1.7", "numpy 1.7"},
		{"numpy=1.7=py38_0", "numpy 1.7 py38_0"},
		{"numpy>=1.7,<1.9", "numpy >=1.7,<1.9"},
	}
	for _, c := range cases {
		m := MustParse(c.in)
		if got := m.CondaBuildForm(); got != c.want {
			t.Errorf("CondaBuildForm(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}
