// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mamba

import (
	"bufio"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// historyTimeFormat is the block header timestamp layout.
const historyTimeFormat = "2006-01-02 15:04:05"

// A UserRequest is one history entry: what the user asked for and what the
// transaction did about it.
type UserRequest struct {
	Date time.Time

	// Cmd is the invoking command line, informational only.
	Cmd string

	// RequestedSpecs and NeuteredSpecs record the request as given and as
	// weakened by the solver.
	RequestedSpecs []string
	NeuteredSpecs  []string

	// LinkDists and UnlinkDists are the packages linked and unlinked, as
	// canonical dist strings.
	LinkDists   []string
	UnlinkDists []string

	// UpdateSpecs and RemoveSpecs partition the request by intent.
	UpdateSpecs []string
	RemoveSpecs []string
}

// PrefilledUserRequest seeds a request with the current UTC time.
func PrefilledUserRequest(cmd string) UserRequest {
	return UserRequest{
		Date: time.Now().UTC().Truncate(time.Second),
		Cmd:  cmd,
	}
}

// A History is the append-only request log of one prefix.
type History struct {
	prefix string
}

// NewHistory binds to <prefix>/conda-meta/history. The file appears on
// first append.
func NewHistory(prefix string) *History {
	return &History{prefix: prefix}
}

func (h *History) path() string {
	return filepath.Join(h.prefix, condaMeta, "history")
}

// Format renders one entry as its text block.
func Format(r UserRequest) string {
	var b strings.Builder
	b.WriteString("==> ")
	b.WriteString(r.Date.UTC().Format(historyTimeFormat))
	b.WriteString(" <==\n")
	if r.Cmd != "" {
		b.WriteString("# cmd: ")
		b.WriteString(r.Cmd)
		b.WriteString("\n")
	}
	writeSpecLine := func(tag string, specs []string) {
		if len(specs) == 0 {
			return
		}
		b.WriteString("# ")
		b.WriteString(tag)
		b.WriteString(" specs: [")
		for i, s := range specs {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString("'" + s + "'")
		}
		b.WriteString("]\n")
	}
	writeSpecLine("requested", r.RequestedSpecs)
	writeSpecLine("neutered", r.NeuteredSpecs)
	writeSpecLine("update", r.UpdateSpecs)
	writeSpecLine("remove", r.RemoveSpecs)

	unlinks := append([]string(nil), r.UnlinkDists...)
	links := append([]string(nil), r.LinkDists...)
	sort.Strings(unlinks)
	sort.Strings(links)
	for _, d := range unlinks {
		b.WriteString("-" + d + "\n")
	}
	for _, d := range links {
		b.WriteString("+" + d + "\n")
	}
	return b.String()
}

// AddEntry appends one entry. The log is never rewritten or reordered.
func (h *History) AddEntry(r UserRequest) error {
	if err := os.MkdirAll(filepath.Dir(h.path()), 0o755); err != nil {
		return errors.Wrap(err, "cannot create conda-meta")
	}
	f, err := os.OpenFile(h.path(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrap(err, "cannot open history")
	}
	defer f.Close()
	if _, err := f.WriteString(Format(r)); err != nil {
		return errors.Wrap(err, "cannot append history entry")
	}
	return nil
}

// GetUserRequests parses the log back into its sequence of requests.
func (h *History) GetUserRequests() ([]UserRequest, error) {
	f, err := os.Open(h.path())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "cannot open history")
	}
	defer f.Close()

	var out []UserRequest
	var cur *UserRequest

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r\n")
		switch {
		case strings.HasPrefix(line, "==> ") && strings.HasSuffix(line, " <=="):
			if cur != nil {
				out = append(out, *cur)
			}
			stamp := strings.TrimSuffix(strings.TrimPrefix(line, "==> "), " <==")
			date, err := time.Parse(historyTimeFormat, stamp)
			if err != nil {
				return nil, errors.Wrapf(err, "bad history header %q", line)
			}
			cur = &UserRequest{Date: date.UTC()}
		case cur == nil:
			// Garbage before the first header is tolerated.
		case strings.HasPrefix(line, "# cmd: "):
			cur.Cmd = strings.TrimPrefix(line, "# cmd: ")
		case strings.HasPrefix(line, "# requested specs: "):
			cur.RequestedSpecs = parseSpecList(line)
		case strings.HasPrefix(line, "# neutered specs: "):
			cur.NeuteredSpecs = parseSpecList(line)
		case strings.HasPrefix(line, "# update specs: "):
			cur.UpdateSpecs = parseSpecList(line)
		case strings.HasPrefix(line, "# remove specs: "):
			cur.RemoveSpecs = parseSpecList(line)
		case strings.HasPrefix(line, "+"):
			cur.LinkDists = append(cur.LinkDists, line[1:])
		case strings.HasPrefix(line, "-"):
			cur.UnlinkDists = append(cur.UnlinkDists, line[1:])
		}
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrap(err, "cannot read history")
	}
	if cur != nil {
		out = append(out, *cur)
	}
	return out, nil
}

// parseSpecList decodes "# tag specs: ['a', 'b']".
func parseSpecList(line string) []string {
	i := strings.Index(line, "[")
	j := strings.LastIndex(line, "]")
	if i < 0 || j <= i {
		return nil
	}
	var out []string
	for _, part := range strings.Split(line[i+1:j], ",") {
		part = strings.Trim(strings.TrimSpace(part), "'\"")
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Len counts entries by parsing the whole history file.
func (h *History) Len() (int, error) {
	reqs, err := h.GetUserRequests()
	if err != nil {
		return 0, err
	}
	return len(reqs), nil
}
