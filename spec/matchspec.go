// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package spec

import (
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"
)

// A MatchSpec is a single conda-style package constraint: a name plus
// optional limits on version, build string, build number, channel, subdir,
// file hashes, and source url. MatchSpecs are value types.
type MatchSpec struct {
	// Name of the constrained package. Empty only when the spec was given as
	// a bare url or filesystem path, in which case URL/FN identify it.
	Name string

	// Version limits package versions; nil admits every version.
	Version VersionConstraint

	// Build is a glob over build strings; empty admits every build.
	Build string

	// BuildNumber, when non-nil, restricts the build number.
	BuildNumber *BuildNumberPred

	// Channel restricts the source channel ("conda-forge",
	// "https://repo.example.com/stable", ...). Empty means any channel.
	Channel string

	// Subdir restricts the platform subdir ("linux-64", "noarch", ...).
	Subdir string

	// URL is set for explicit package specs given as a url or path.
	URL string

	// FN is the explicit package filename, from a url spec or an fn=
	// bracket.
	FN string

	MD5     string
	SHA256  string
	License string

	// Optional and Target come from paren qualifiers; they only affect how
	// the solver treats the job, never what the spec matches.
	Optional bool
	Target   string

	// versionRaw preserves the version expression as written, for String.
	versionRaw string
}

// BuildNumberPred restricts build numbers with a single comparison.
type BuildNumberPred struct {
	Op string // "", "==", "!=", ">", ">=", "<", "<="
	N  int
}

func (p *BuildNumberPred) matches(n int) bool {
	switch p.Op {
	case "", "==", "=":
		return n == p.N
	case "!=":
		return n != p.N
	case ">":
		return n > p.N
	case ">=":
		return n >= p.N
	case "<":
		return n < p.N
	case "<=":
		return n <= p.N
	}
	return false
}

func (p *BuildNumberPred) String() string {
	op := p.Op
	if op == "" {
		op = "="
	}
	return op + strconv.Itoa(p.N)
}

var specSchemes = []string{"http://", "https://", "file://", "ftp://", "s3://"}

// packageExts are the filename suffixes that force IsPackage.
var packageExts = []string{".conda", ".tar.bz2"}

// Parse parses a conda match spec. The grammar, informally:
//
//	[channel[/subdir]::]name [version [build]] [key=value, ...] (key=value, ...)
//
// A bare url, or an absolute or home-relative filesystem path, is an
// explicit package spec whose name is inferred from the filename stem.
// Parse is total; every failure is a *ParseError.
func Parse(s string) (MatchSpec, error) {
	raw := strings.TrimSpace(s)
	if raw == "" {
		return MatchSpec{}, &ParseError{Input: s, Reason: "empty spec"}
	}

	if isExplicitURL(raw) || isExplicitPath(raw) {
		return parseExplicit(raw)
	}

	var m MatchSpec
	rest := raw

	// Paren qualifiers bind last, so strip them first.
	var err error
	rest, err = stripTail(rest, '(', ')', &m, parenKey)
	if err != nil {
		return MatchSpec{}, err
	}
	rest, err = stripTail(rest, '[', ']', &m, bracketKey)
	if err != nil {
		return MatchSpec{}, err
	}
	rest = strings.TrimSpace(rest)

	if i := strings.Index(rest, "::"); i >= 0 {
		ch := rest[:i]
		rest = rest[i+2:]
		if j := strings.Index(ch, "/"); j >= 0 && isKnownSubdir(ch[j+1:]) {
			m.Channel, m.Subdir = ch[:j], ch[j+1:]
		} else if m.Channel == "" {
			m.Channel = ch
		}
		if m.Channel == "" {
			return MatchSpec{}, &ParseError{Input: raw, Reason: "empty channel before ::"}
		}
	}

	// Whatever remains is "name [version [build]]"; version and build may
	// also be glued to the name via an operator character.
	name, ver, build, perr := splitNameVersionBuild(rest)
	if perr != nil {
		perr.Input = raw
		return MatchSpec{}, perr
	}
	m.Name = strings.ToLower(name)

	if ver != "" {
		c, err := ParseVersionConstraint(ver)
		if err != nil {
			return MatchSpec{}, &ParseError{Input: raw, Reason: err.Error()}
		}
		m.Version = c
		m.versionRaw = c.String()
	}
	if build != "" {
		if m.Build != "" && m.Build != build {
			return MatchSpec{}, &ParseError{Input: raw, Reason: "conflicting build in spec and brackets"}
		}
		m.Build = build
	}

	if m.Name == "" && m.URL == "" && m.FN == "" {
		return MatchSpec{}, &ParseError{Input: raw, Reason: "spec has no package name"}
	}
	return m, nil
}

// MustParse is Parse for static test and table data; it panics on error.
func MustParse(s string) MatchSpec {
	m, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return m
}

func isExplicitURL(s string) bool {
	for _, scheme := range specSchemes {
		if strings.HasPrefix(s, scheme) {
			return true
		}
	}
	return false
}

func isExplicitPath(s string) bool {
	return strings.HasPrefix(s, "/") || strings.HasPrefix(s, "./") ||
		strings.HasPrefix(s, "../") || strings.HasPrefix(s, "~/")
}

// parseExplicit handles url and path specs: name, version and build come
// from the filename stem when it looks like a package file.
func parseExplicit(raw string) (MatchSpec, error) {
	m := MatchSpec{URL: raw}
	fn := path.Base(strings.TrimRight(raw, "/"))
	if i := strings.Index(fn, "#"); i >= 0 {
		// Fragment carries an md5 in conda's explicit lists.
		m.MD5 = fn[i+1:]
		fn = fn[:i]
		m.URL = raw[:strings.Index(raw, "#")]
	}
	m.FN = fn

	stem := fn
	for _, ext := range packageExts {
		if strings.HasSuffix(stem, ext) {
			stem = strings.TrimSuffix(stem, ext)
			name, ver, build := splitStem(stem)
			m.Name = strings.ToLower(name)
			if ver != "" {
				c, err := ParseVersionConstraint("==" + ver)
				if err != nil {
					return MatchSpec{}, &ParseError{Input: raw, Reason: err.Error()}
				}
				m.Version = c
				m.versionRaw = c.String()
			}
			m.Build = build
			return m, nil
		}
	}
	// Not a package filename; a directory or channel url. Name is the last
	// path segment.
	m.FN = ""
	m.Name = strings.ToLower(stem)
	if m.Name == "" {
		return MatchSpec{}, &ParseError{Input: raw, Reason: "url has no usable name"}
	}
	return m, nil
}

// splitStem breaks "name-version-build" on the last two dashes.
func splitStem(stem string) (name, ver, build string) {
	i := strings.LastIndex(stem, "-")
	if i < 0 {
		return stem, "", ""
	}
	j := strings.LastIndex(stem[:i], "-")
	if j < 0 {
		return stem[:i], stem[i+1:], ""
	}
	return stem[:j], stem[j+1 : i], stem[i+1:]
}

// IsPackage reports whether the spec pins one concrete package file.
func (m MatchSpec) IsPackage() bool {
	fn := m.FN
	if fn == "" {
		fn = m.URL
	}
	for _, ext := range packageExts {
		if strings.HasSuffix(fn, ext) {
			return true
		}
	}
	return false
}

type kvKind int

const (
	bracketKey kvKind = iota
	parenKey
)

// stripTail removes a trailing [..] or (..) qualifier group and folds its
// key=value pairs into m.
func stripTail(s string, open, close byte, m *MatchSpec, kind kvKind) (string, error) {
	s = strings.TrimSpace(s)
	if !strings.HasSuffix(s, string(close)) {
		return s, nil
	}
	i := strings.LastIndexByte(s, open)
	if i < 0 {
		return "", &ParseError{Input: s, Reason: fmt.Sprintf("unbalanced %q", string(close))}
	}
	body := s[i+1 : len(s)-1]
	for _, kv := range splitQuoted(body, ',') {
		kv = strings.TrimSpace(kv)
		if kv == "" {
			continue
		}
		var key, val string
		if eq := strings.Index(kv, "="); eq >= 0 {
			key = strings.TrimSpace(kv[:eq])
			val = strings.Trim(strings.TrimSpace(kv[eq+1:]), `'"`)
		} else if kv == "optional" {
			// The lone flag qualifier; everything else needs a value.
			key = kv
		} else {
			return "", &ParseError{Input: s, Reason: fmt.Sprintf("qualifier %q is not key=value", kv)}
		}
		if err := m.applyKV(key, val, kind); err != nil {
			return "", err
		}
	}
	return strings.TrimSpace(s[:i]), nil
}

// splitQuoted splits on sep outside single or double quotes.
func splitQuoted(s string, sep byte) []string {
	var out []string
	var quote byte
	start := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
		case c == sep:
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	return append(out, s[start:])
}

func (m *MatchSpec) applyKV(key, val string, kind kvKind) error {
	if kind == parenKey {
		switch key {
		case "target":
			m.Target = val
		case "optional":
			m.Optional = val == "" || val == "true" || val == "True"
		default:
			return &ParseError{Input: key, Reason: "unrecognized paren key"}
		}
		return nil
	}

	switch key {
	case "version":
		c, err := ParseVersionConstraint(val)
		if err != nil {
			return err
		}
		m.Version = c
		m.versionRaw = c.String()
	case "build":
		m.Build = val
	case "build_number":
		p, err := parseBuildNumber(val)
		if err != nil {
			return err
		}
		m.BuildNumber = p
	case "md5":
		m.MD5 = strings.ToLower(val)
	case "sha256":
		m.SHA256 = strings.ToLower(val)
	case "url":
		m.URL = val
	case "fn":
		m.FN = val
	case "channel":
		m.Channel = val
	case "subdir":
		m.Subdir = val
	case "license":
		m.License = val
	case "optional":
		m.Optional = val == "" || val == "true" || val == "True"
	case "target":
		m.Target = val
	default:
		return &ParseError{Input: key, Reason: "unrecognized bracket key"}
	}
	return nil
}

func parseBuildNumber(val string) (*BuildNumberPred, error) {
	ops := []string{">=", "<=", "==", "!=", ">", "<", "="}
	op := ""
	for _, o := range ops {
		if strings.HasPrefix(val, o) {
			op, val = o, val[len(o):]
			break
		}
	}
	n, err := strconv.Atoi(strings.TrimSpace(val))
	if err != nil {
		return nil, &ParseError{Input: val, Reason: "build_number is not an integer"}
	}
	return &BuildNumberPred{Op: op, N: n}, nil
}

// splitNameVersionBuild separates the head of a spec into its name, version
// expression, and build glob. Accepted shapes: "name", "name ver",
// "name ver build", "name=ver", "name==ver=build", "name>=ver".
func splitNameVersionBuild(s string) (name, ver, build string, err *ParseError) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", "", "", nil
	}

	if fields := strings.Fields(s); len(fields) > 1 {
		if len(fields) > 3 {
			return "", "", "", &ParseError{Reason: "too many space-separated fields"}
		}
		name = fields[0]
		ver = fields[1]
		if len(fields) == 3 {
			build = fields[2]
		}
		return name, ver, build, nil
	}

	// Glued forms: the name ends at the first operator character.
	i := strings.IndexAny(s, "><!=")
	if i < 0 {
		return s, "", "", nil
	}
	if i == 0 {
		return "", "", "", &ParseError{Reason: "spec begins with an operator"}
	}
	name, rest := s[:i], s[i:]

	// "=ver=build" and "==ver=build" carry the build after a second '='.
	if strings.HasPrefix(rest, "=") && !strings.HasPrefix(rest, "==") ||
		strings.HasPrefix(rest, "==") {
		body := strings.TrimLeft(rest, "=")
		eqs := len(rest) - len(body)
		if j := strings.Index(body, "="); j >= 0 {
			ver = strings.Repeat("=", eqs) + body[:j]
			build = body[j+1:]
			return name, ver, build, nil
		}
	}
	return name, rest, "", nil
}

// Matches evaluates the spec against a package's identifying fields. Hash,
// channel, and subdir restrictions are the caller's to check, since only the
// caller holds the full record.
func (m MatchSpec) Matches(name, version, build string, buildNumber int) bool {
	if m.Name != "" && m.Name != "*" && !strings.EqualFold(m.Name, name) {
		return false
	}
	if m.Version != nil {
		v, err := ParseVersion(version)
		if err != nil || !m.Version.Matches(v) {
			return false
		}
	}
	if m.Build != "" && !GlobMatch(m.Build, build) {
		return false
	}
	if m.BuildNumber != nil && !m.BuildNumber.matches(buildNumber) {
		return false
	}
	return true
}

// CondaBuildForm renders the canonical space-separated "name version build"
// form, omitting empty tails.
func (m MatchSpec) CondaBuildForm() string {
	parts := []string{m.Name}
	if m.versionRaw != "" {
		v := m.versionRaw
		// Exact and prefix atoms drop their leading '=' runs in build form;
		// compound expressions stay as-is.
		if !strings.ContainsAny(v, ",|") {
			v = strings.TrimLeft(v, "=")
		}
		parts = append(parts, v)
		if m.Build != "" {
			parts = append(parts, m.Build)
		}
	}
	return strings.Join(parts, " ")
}

// String renders the canonical external form used in history files:
// channel::name=version=build[brackets].
func (m MatchSpec) String() string {
	var b strings.Builder
	if m.Channel != "" {
		b.WriteString(m.Channel)
		if m.Subdir != "" {
			b.WriteByte('/')
			b.WriteString(m.Subdir)
		}
		b.WriteString("::")
	}
	b.WriteString(m.Name)
	// Builds can glue onto "=ver" and "==ver" forms only; other operator
	// expressions carry the build in brackets.
	glueBuild := false
	if m.versionRaw != "" {
		// Canonical version expressions always lead with an operator, so
		// they glue directly onto the name.
		b.WriteString(m.versionRaw)
		if m.Build != "" && strings.HasPrefix(m.versionRaw, "=") &&
			!strings.ContainsAny(m.versionRaw, ",|") {
			glueBuild = true
			b.WriteByte('=')
			b.WriteString(m.Build)
		}
	}

	var kvs []string
	if m.Subdir != "" && m.Channel == "" {
		kvs = append(kvs, "subdir="+m.Subdir)
	}
	if m.Build != "" && !glueBuild {
		kvs = append(kvs, "build="+m.Build)
	}
	if m.BuildNumber != nil {
		kvs = append(kvs, "build_number="+m.BuildNumber.String())
	}
	if m.MD5 != "" {
		kvs = append(kvs, "md5="+m.MD5)
	}
	if m.SHA256 != "" {
		kvs = append(kvs, "sha256="+m.SHA256)
	}
	if m.URL != "" {
		kvs = append(kvs, "url="+m.URL)
	}
	if m.FN != "" {
		kvs = append(kvs, "fn="+m.FN)
	}
	if m.License != "" {
		kvs = append(kvs, "license="+m.License)
	}
	if len(kvs) > 0 {
		sort.Strings(kvs)
		b.WriteByte('[')
		b.WriteString(strings.Join(kvs, ","))
		b.WriteByte(']')
	}
	return b.String()
}
