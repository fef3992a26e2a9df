// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package spec

import "fmt"

// ParseError reports an unparseable spec or version. Parsing is total: every
// failure surfaces as a ParseError, never a panic.
type ParseError struct {
	Input  string
	Pos    int
	Reason string
}

func (e *ParseError) Error() string {
	if e.Pos > 0 {
		return fmt.Sprintf("invalid spec %q at offset %d: %s", e.Input, e.Pos, e.Reason)
	}
	return fmt.Sprintf("invalid spec %q: %s", e.Input, e.Reason)
}

// Tag returns the machine-readable error kind.
func (e *ParseError) Tag() string { return "InvalidSpec" }
