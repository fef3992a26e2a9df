// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package trust

import (
	"crypto/ed25519"
	"encoding/json"
)

// v06Delegation is one role's key set in the v0.6 format; keyids are the
// hex public keys themselves.
type v06Delegation struct {
	PubKeys   []string `json:"pubkeys"`
	Threshold int      `json:"threshold"`
}

type v06Signed struct {
	Type        string                   `json:"type"`
	Version     int                      `json:"version"`
	SpecVersion string                   `json:"metadata_spec_version"`
	Expiration  string                   `json:"expiration"`
	Delegations map[string]v06Delegation `json:"delegations"`
}

type v06Document struct {
	Signed     json.RawMessage `json:"signed"`
	Signatures map[string]struct {
		Signature string `json:"signature"`
	} `json:"signatures"`
}

// RootV06 is a loaded conda-content-trust (spec 0.6) root.
type RootV06 struct {
	signed v06Signed
	doc    v06Document
}

var _ Root = (*RootV06)(nil)

// v06 requires at least these roles; mirrors is tolerated.
var v06RequiredRoles = []string{"root", "key_mgr"}

// LoadV06 parses and structurally validates a v0.6 root document. It does
// not verify signatures: the initial root is trusted by provenance, and
// updates are verified against their predecessor in Update.
func LoadV06(data []byte) (*RootV06, error) {
	var doc v06Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, &RoleMetadataError{Reason: "not valid JSON: " + err.Error()}
	}
	var signed v06Signed
	if err := json.Unmarshal(doc.Signed, &signed); err != nil {
		return nil, &RoleMetadataError{Reason: "bad signed portion: " + err.Error()}
	}
	r := &RootV06{signed: signed, doc: doc}
	if err := r.validateStructure(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *RootV06) validateStructure() error {
	if r.signed.Type != "root" {
		return &RoleMetadataError{Reason: "type is not root"}
	}
	if r.signed.Version < 1 {
		return &RoleMetadataError{Reason: "version must be >= 1"}
	}
	for _, role := range v06RequiredRoles {
		d, ok := r.signed.Delegations[role]
		if !ok {
			return &RoleMetadataError{Reason: "missing delegation for " + role}
		}
		if len(d.PubKeys) == 0 {
			return &RoleMetadataError{Reason: "role " + role + " has no keys"}
		}
		if d.Threshold < 1 {
			return &RoleMetadataError{Reason: "role " + role + " threshold below 1"}
		}
	}
	for role := range r.signed.Delegations {
		if role == "mirrors" {
			continue
		}
		known := false
		for _, want := range v06RequiredRoles {
			if role == want {
				known = true
			}
		}
		if !known {
			return &RoleMetadataError{Reason: "unexpected role " + role}
		}
	}
	return nil
}

// Version implements Root.
func (r *RootV06) Version() int { return r.signed.Version }

// SpecVersion implements Root.
func (r *RootV06) SpecVersion() string { return r.signed.SpecVersion }

// RoleKeys implements Root.
func (r *RootV06) RoleKeys(role string) ([]ed25519.PublicKey, int, bool) {
	d, ok := r.signed.Delegations[role]
	if !ok {
		return nil, 0, false
	}
	keys := make([]ed25519.PublicKey, 0, len(d.PubKeys))
	for _, hk := range d.PubKeys {
		k, err := decodeHexKey(hk)
		if err != nil {
			continue
		}
		keys = append(keys, k)
	}
	return keys, d.Threshold, true
}

func (r *RootV06) sigMap() map[string]string {
	out := make(map[string]string, len(r.doc.Signatures))
	for keyid, s := range r.doc.Signatures {
		out[keyid] = s.Signature
	}
	return out
}

// Update implements the root update protocol against a v0.6 candidate.
func (r *RootV06) Update(candidate []byte, filename string) (Root, error) {
	// The version check runs ahead of structural validation.
	var probe struct {
		Signed struct {
			Version int `json:"version"`
		} `json:"signed"`
	}
	if json.Unmarshal(candidate, &probe) == nil && probe.Signed.Version != r.signed.Version+1 {
		return nil, &RollbackError{Current: r.signed.Version, Candidate: probe.Signed.Version}
	}

	next, err := LoadV06(candidate)
	if err != nil {
		return nil, err
	}

	if next.signed.Version != r.signed.Version+1 {
		return nil, &RollbackError{Current: r.signed.Version, Candidate: next.signed.Version}
	}
	if err := checkRoleFilename(filename, next.signed.Version); err != nil {
		return nil, err
	}
	if err := compatibleSpecVersion(r.signed.SpecVersion, next.signed.SpecVersion); err != nil {
		return nil, err
	}

	// The previous root's delegation authorizes the update.
	keys, threshold, _ := r.RoleKeys("root")
	n, err := verifySigned(next.doc.Signed, next.sigMap(), keys)
	if err != nil {
		return nil, err
	}
	if n < threshold {
		return nil, &ThresholdError{Role: "root", Need: threshold, Have: n}
	}

	// Self-consistency: the candidate must satisfy its own delegation.
	selfKeys, selfThreshold, _ := next.RoleKeys("root")
	n, err = verifySigned(next.doc.Signed, next.sigMap(), selfKeys)
	if err != nil {
		return nil, err
	}
	if n < selfThreshold {
		return nil, &ThresholdError{Role: "root", Need: selfThreshold, Have: n, SelfCheck: true}
	}

	return next, nil
}

// UpgradeToV1 performs the explicit major spec bump: the v1 candidate must
// be signed to threshold by this v0.6 root's root delegation and be
// self-consistent under its own roles table.
func (r *RootV06) UpgradeToV1(candidate []byte, filename string) (*RootV1, error) {
	next, err := LoadV1(candidate)
	if err != nil {
		return nil, err
	}
	if next.signed.Version != r.signed.Version+1 {
		return nil, &RollbackError{Current: r.signed.Version, Candidate: next.signed.Version}
	}
	if err := checkRoleFilename(filename, next.signed.Version); err != nil {
		return nil, err
	}

	keys, threshold, _ := r.RoleKeys("root")
	n, err := verifySigned(next.doc.Signed, next.sigMap(), keys)
	if err != nil {
		return nil, err
	}
	if n < threshold {
		return nil, &ThresholdError{Role: "root", Need: threshold, Have: n}
	}

	selfKeys, selfThreshold, _ := next.RoleKeys("root")
	n, err = verifySigned(next.doc.Signed, next.sigMap(), selfKeys)
	if err != nil {
		return nil, err
	}
	if n < selfThreshold {
		return nil, &ThresholdError{Role: "root", Need: selfThreshold, Have: n, SelfCheck: true}
	}
	return next, nil
}
