// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package trust

import (
	"crypto/ed25519"
	"encoding/json"
)

// v1 roles carry keyids into a separate keys table.
type v1Role struct {
	KeyIDs    []string `json:"keyids"`
	Threshold int      `json:"threshold"`
}

type v1Key struct {
	KeyType string `json:"keytype"`
	Scheme  string `json:"scheme"`
	KeyVal  struct {
		Public string `json:"public"`
	} `json:"keyval"`
}

type v1Signed struct {
	Type        string            `json:"_type"`
	Version     int               `json:"version"`
	SpecVersion string            `json:"spec_version"`
	Expires     string            `json:"expires"`
	Keys        map[string]v1Key  `json:"keys"`
	Roles       map[string]v1Role `json:"roles"`
}

type v1Signature struct {
	KeyID string `json:"keyid"`
	Sig   string `json:"sig"`
}

type v1Document struct {
	Signed     json.RawMessage `json:"signed"`
	Signatures []v1Signature   `json:"signatures"`
}

// RootV1 is a loaded TUF v1 root.
type RootV1 struct {
	signed v1Signed
	doc    v1Document
}

var _ Root = (*RootV1)(nil)

var v1RequiredRoles = []string{"root", "targets", "snapshot", "timestamp"}

// LoadV1 parses and structurally validates a v1 root document.
func LoadV1(data []byte) (*RootV1, error) {
	var doc v1Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, &RoleMetadataError{Reason: "not valid JSON: " + err.Error()}
	}
	var signed v1Signed
	if err := json.Unmarshal(doc.Signed, &signed); err != nil {
		return nil, &RoleMetadataError{Reason: "bad signed portion: " + err.Error()}
	}
	r := &RootV1{signed: signed, doc: doc}
	if err := r.validateStructure(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *RootV1) validateStructure() error {
	if r.signed.Type != "root" {
		return &RoleMetadataError{Reason: "_type is not root"}
	}
	if r.signed.Version < 1 {
		return &RoleMetadataError{Reason: "version must be >= 1"}
	}
	for _, role := range v1RequiredRoles {
		ro, ok := r.signed.Roles[role]
		if !ok {
			return &RoleMetadataError{Reason: "missing role " + role}
		}
		if len(ro.KeyIDs) == 0 {
			return &RoleMetadataError{Reason: "role " + role + " has no keys"}
		}
		if ro.Threshold < 1 {
			return &RoleMetadataError{Reason: "role " + role + " threshold below 1"}
		}
		for _, kid := range ro.KeyIDs {
			if _, ok := r.signed.Keys[kid]; !ok {
				return &RoleMetadataError{Reason: "role " + role + " references unknown keyid " + kid}
			}
		}
	}
	for role := range r.signed.Roles {
		if role == "mirrors" {
			continue
		}
		known := false
		for _, want := range v1RequiredRoles {
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
func (r *RootV1) Version() int { return r.signed.Version }

// SpecVersion implements Root.
func (r *RootV1) SpecVersion() string { return r.signed.SpecVersion }

// RoleKeys implements Root.
func (r *RootV1) RoleKeys(role string) ([]ed25519.PublicKey, int, bool) {
	ro, ok := r.signed.Roles[role]
	if !ok {
		return nil, 0, false
	}
	keys := make([]ed25519.PublicKey, 0, len(ro.KeyIDs))
	for _, kid := range ro.KeyIDs {
		kd, ok := r.signed.Keys[kid]
		if !ok {
			continue
		}
		k, err := decodeHexKey(kd.KeyVal.Public)
		if err != nil {
			continue
		}
		keys = append(keys, k)
	}
	return keys, ro.Threshold, true
}

// sigMap keys signatures by the signing key's public hex so that
// verifySigned can match them against trusted keys regardless of the
// keyid naming scheme.
func (r *RootV1) sigMap() map[string]string {
	out := make(map[string]string, len(r.doc.Signatures))
	for _, s := range r.doc.Signatures {
		kid := s.KeyID
		if kd, ok := r.signed.Keys[kid]; ok && kd.KeyVal.Public != "" {
			kid = kd.KeyVal.Public
		}
		out[kid] = s.Sig
	}
	return out
}

// Update implements the root update protocol against a v1 candidate.
func (r *RootV1) Update(candidate []byte, filename string) (Root, error) {
	// The version check runs ahead of structural validation.
	var probe struct {
		Signed struct {
			Version int `json:"version"`
		} `json:"signed"`
	}
	if json.Unmarshal(candidate, &probe) == nil && probe.Signed.Version != r.signed.Version+1 {
		return nil, &RollbackError{Current: r.signed.Version, Candidate: probe.Signed.Version}
	}

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
	if err := compatibleSpecVersion(r.signed.SpecVersion, next.signed.SpecVersion); err != nil {
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
