// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package spec

import (
	"fmt"
	"strconv"
	"strings"
)

// A Version is a parsed conda version string. Conda versions are not semver:
// they allow an arbitrary number of numeric segments, an optional epoch
// ("1!2.0"), underscore/dash separators, and interleaved alphanumeric parts
// ("1.2.3rc1", "2021a").
//
// Versions are value types; the zero Version compares equal to "0".
type Version struct {
	epoch int
	parts [][]versionAtom
	local [][]versionAtom
	raw   string
}

// versionAtom is one comparable unit within a version segment: either a
// number, or a (lowercased) alphabetic tag.
type versionAtom struct {
	num   int
	str   string
	isNum bool
}

// Relative ordering of alphabetic tags. dev sorts before everything, post
// sorts after numbers; all other tags sort between dev and the numeric
// portion, alphabetically.
const (
	tagDev  = "dev"
	tagPost = "post"
)

// ParseVersion parses a conda version string. It never panics; malformed
// input yields an error.
func ParseVersion(s string) (Version, error) {
	raw := s
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return Version{}, &ParseError{Input: raw, Reason: "empty version"}
	}

	v := Version{raw: raw}

	if i := strings.Index(s, "!"); i >= 0 {
		e, err := strconv.Atoi(s[:i])
		if err != nil {
			return Version{}, &ParseError{Input: raw, Pos: 0, Reason: "epoch must be an integer"}
		}
		v.epoch = e
		s = s[i+1:]
	}

	main := s
	if i := strings.Index(s, "+"); i >= 0 {
		main, s = s[:i], s[i+1:]
		lp, err := splitSegments(s)
		if err != nil {
			return Version{}, &ParseError{Input: raw, Reason: err.Error()}
		}
		v.local = lp
	}

	mp, err := splitSegments(main)
	if err != nil {
		return Version{}, &ParseError{Input: raw, Reason: err.Error()}
	}
	v.parts = mp

	return v, nil
}

// splitSegments breaks a version body on '.', '-' and '_', then splits each
// segment into numeric and alphabetic atoms. "1.2post3" becomes
// [[1] [2 post 3]].
func splitSegments(s string) ([][]versionAtom, error) {
	if s == "" {
		return nil, fmt.Errorf("empty version component")
	}
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == '.' || r == '-' || r == '_'
	})
	if len(fields) == 0 {
		return nil, fmt.Errorf("no version segments in %q", s)
	}

	out := make([][]versionAtom, 0, len(fields))
	for _, f := range fields {
		var atoms []versionAtom
		i := 0
		for i < len(f) {
			j := i
			if f[i] >= '0' && f[i] <= '9' {
				for j < len(f) && f[j] >= '0' && f[j] <= '9' {
					j++
				}
				n, err := strconv.Atoi(f[i:j])
				if err != nil {
					return nil, fmt.Errorf("numeric overflow in segment %q", f)
				}
				atoms = append(atoms, versionAtom{num: n, isNum: true})
			} else {
				for j < len(f) && (f[j] < '0' || f[j] > '9') {
					j++
				}
				atoms = append(atoms, versionAtom{str: f[i:j]})
			}
			i = j
		}
		if len(atoms) == 0 {
			return nil, fmt.Errorf("empty version segment in %q", s)
		}
		// A segment that starts alphabetic gets an implicit leading zero, so
		// that "1.rc1" and "1.0rc1" order consistently.
		if !atoms[0].isNum {
			atoms = append([]versionAtom{{num: 0, isNum: true}}, atoms...)
		}
		out = append(out, atoms)
	}
	return out, nil
}

func (v Version) String() string {
	if v.raw == "" {
		return "0"
	}
	return v.raw
}

// Epoch reports the version's epoch; 0 when none was given.
func (v Version) Epoch() int { return v.epoch }

// Compare returns -1, 0 or 1 as v sorts before, equal to, or after o.
// Trailing zero segments are insignificant: 1.2 == 1.2.0.
func (v Version) Compare(o Version) int {
	if v.epoch != o.epoch {
		if v.epoch < o.epoch {
			return -1
		}
		return 1
	}
	if c := compareSegmentLists(v.parts, o.parts); c != 0 {
		return c
	}
	return compareSegmentLists(v.local, o.local)
}

func compareSegmentLists(a, b [][]versionAtom) int {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	zero := []versionAtom{{num: 0, isNum: true}}
	for i := 0; i < n; i++ {
		sa, sb := zero, zero
		if i < len(a) {
			sa = a[i]
		}
		if i < len(b) {
			sb = b[i]
		}
		if c := compareSegment(sa, sb); c != 0 {
			return c
		}
	}
	return 0
}

func compareSegment(a, b []versionAtom) int {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		aa, ba := versionAtom{num: 0, isNum: true}, versionAtom{num: 0, isNum: true}
		if i < len(a) {
			aa = a[i]
		}
		if i < len(b) {
			ba = b[i]
		}
		if c := compareAtom(aa, ba); c != 0 {
			return c
		}
	}
	return 0
}

func compareAtom(a, b versionAtom) int {
	switch {
	case a.isNum && b.isNum:
		switch {
		case a.num < b.num:
			return -1
		case a.num > b.num:
			return 1
		}
		return 0
	case a.isNum:
		// post outranks any number; every other tag is a pre-release.
		if b.str == tagPost {
			return -1
		}
		return 1
	case b.isNum:
		if a.str == tagPost {
			return 1
		}
		return -1
	}
	return compareTags(a.str, b.str)
}

func compareTags(a, b string) int {
	if a == b {
		return 0
	}
	switch {
	case a == tagDev:
		return -1
	case b == tagDev:
		return 1
	case a == tagPost:
		return 1
	case b == tagPost:
		return -1
	}
	if a < b {
		return -1
	}
	return 1
}

// startsWith reports whether v is a prefix-match of o at segment granularity,
// the relation behind "=1.7" style constraints: 1.7, 1.7.4 and 1.7rc1 all
// start with 1.7; 1.17 does not.
func (v Version) startsWith(prefix Version) bool {
	if v.epoch != prefix.epoch {
		return false
	}
	if len(prefix.parts) > len(v.parts) {
		return false
	}
	for i, seg := range prefix.parts {
		if i == len(prefix.parts)-1 {
			// Last prefix segment: compare only the atoms it carries.
			vs := v.parts[i]
			for j, a := range seg {
				var va versionAtom
				if j < len(vs) {
					va = vs[j]
				} else {
					va = versionAtom{num: 0, isNum: true}
				}
				if compareAtom(a, va) != 0 {
					return false
				}
			}
			return true
		}
		if compareSegment(seg, v.parts[i]) != 0 {
			return false
		}
	}
	return true
}
