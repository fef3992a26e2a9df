// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package trust

import "fmt"

// Error kinds for trust metadata validation. Every kind is fatal: a failed
// update preserves the existing trust state.

// RollbackError reports a candidate whose version does not advance the
// chain by exactly one.
type RollbackError struct {
	Current   int
	Candidate int
}

func (e *RollbackError) Error() string {
	return fmt.Sprintf("root update version %d does not follow current version %d", e.Candidate, e.Current)
}

// ThresholdError reports too few valid signatures for a role.
type ThresholdError struct {
	Role      string
	Need      int
	Have      int
	SelfCheck bool
}

func (e *ThresholdError) Error() string {
	by := "prior"
	if e.SelfCheck {
		by = "its own"
	}
	return fmt.Sprintf("root update carries %d valid signatures by %s %s role, need %d", e.Have, by, e.Role, e.Need)
}

// RoleFileError reports a metadata filename that does not match its
// content.
type RoleFileError struct {
	Filename string
	Reason   string
}

func (e *RoleFileError) Error() string {
	return fmt.Sprintf("role file %q rejected: %s", e.Filename, e.Reason)
}

// RoleMetadataError reports structurally invalid role metadata.
type RoleMetadataError struct {
	Reason string
}

func (e *RoleMetadataError) Error() string {
	return "invalid role metadata: " + e.Reason
}

// SpecVersionError reports an incompatible spec_version transition.
type SpecVersionError struct {
	Current   string
	Candidate string
}

func (e *SpecVersionError) Error() string {
	return fmt.Sprintf("spec version %q is not compatible with current %q", e.Candidate, e.Current)
}

// SignatureError reports malformed signature material.
type SignatureError struct {
	KeyID  string
	Reason string
}

func (e *SignatureError) Error() string {
	if e.KeyID != "" {
		return fmt.Sprintf("bad signature by key %s: %s", e.KeyID, e.Reason)
	}
	return "bad signature: " + e.Reason
}

// Tag returns the machine-readable error kind shared by the trust errors.
func (e *RollbackError) Tag() string     { return "TrustError" }
func (e *ThresholdError) Tag() string    { return "TrustError" }
func (e *RoleFileError) Tag() string     { return "TrustError" }
func (e *RoleMetadataError) Tag() string { return "TrustError" }
func (e *SpecVersionError) Tag() string  { return "TrustError" }
func (e *SignatureError) Tag() string    { return "TrustError" }
