// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package trust validates the signed root metadata that anchors repodata
// signature verification, in both the conda-content-trust v0.6 format and
// the TUF v1 format.
package trust

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/Masterminds/semver"
	"github.com/pkg/errors"
)

// A Root is the current trust anchor: version, spec version, and the key
// material for each delegated role.
type Root interface {
	// Version is the monotonically increasing root version.
	Version() int

	// SpecVersion is the metadata spec version string.
	SpecVersion() string

	// RoleKeys returns the public keys and threshold delegated to a role.
	RoleKeys(role string) ([]ed25519.PublicKey, int, bool)

	// Update validates a candidate next root against this one and, on
	// success, returns the new current root. filename may be empty when
	// the candidate did not come from a file.
	Update(candidate []byte, filename string) (Root, error)
}

// roleFileRe matches "<version>.root.json".
var roleFileRe = regexp.MustCompile(`^(\d+)\.root\.json$`)

// checkRoleFilename verifies "<version>.root.json" agreement.
func checkRoleFilename(filename string, version int) error {
	if filename == "" {
		return nil
	}
	m := roleFileRe.FindStringSubmatch(filepath.Base(filename))
	if m == nil {
		return &RoleFileError{Filename: filename, Reason: "not named <version>.root.json"}
	}
	if n, _ := strconv.Atoi(m[1]); n != version {
		return &RoleFileError{
			Filename: filename,
			Reason:   fmt.Sprintf("filename version %s does not match signed version %d", m[1], version),
		}
	}
	return nil
}

// canonicalize re-serializes a JSON document with sorted keys and no
// insignificant whitespace, the form signatures are computed over.
func canonicalize(raw json.RawMessage) ([]byte, error) {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, errors.Wrap(err, "cannot canonicalize signed portion")
	}
	return json.Marshal(v) // encoding/json sorts map keys
}

// verifySigned counts distinct keys out of trusted that produced a valid
// ed25519 signature over canonical(signed).
func verifySigned(signed json.RawMessage, sigs map[string]string, trusted []ed25519.PublicKey) (int, error) {
	msg, err := canonicalize(signed)
	if err != nil {
		return 0, err
	}

	byID := make(map[string]ed25519.PublicKey, len(trusted))
	for _, k := range trusted {
		byID[hex.EncodeToString(k)] = k
	}

	count := 0
	seen := make(map[string]bool)
	for keyid, sig := range sigs {
		raw, err := hex.DecodeString(sig)
		if err != nil || len(raw) != ed25519.SignatureSize {
			return 0, &SignatureError{KeyID: keyid, Reason: "signature is not hex ed25519"}
		}
		if k, ok := byID[keyid]; ok {
			if !seen[keyid] && ed25519.Verify(k, msg, raw) {
				seen[keyid] = true
				count++
			}
			continue
		}
		// Keyids that do not name a trusted key directly (rotated keys, v1
		// hash-style ids) still count if any trusted key verifies.
		for id, k := range byID {
			if seen[id] {
				continue
			}
			if ed25519.Verify(k, msg, raw) {
				seen[id] = true
				count++
				break
			}
		}
	}
	return count, nil
}

// decodeHexKey parses a hex ed25519 public key.
func decodeHexKey(s string) (ed25519.PublicKey, error) {
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != ed25519.PublicKeySize {
		return nil, &SignatureError{KeyID: s, Reason: "public key is not hex ed25519"}
	}
	return ed25519.PublicKey(raw), nil
}

// compatibleSpecVersion enforces the upgrade rules: within one major
// version updates are free; a major bump is reserved for the explicit
// upgrade path.
func compatibleSpecVersion(current, candidate string) error {
	cv, err1 := semver.NewVersion(current)
	nv, err2 := semver.NewVersion(candidate)
	if err1 != nil || err2 != nil {
		return &SpecVersionError{Current: current, Candidate: candidate}
	}
	if cv.Major() != nv.Major() {
		return &SpecVersionError{Current: current, Candidate: candidate}
	}
	if nv.LessThan(cv) {
		return &SpecVersionError{Current: current, Candidate: candidate}
	}
	return nil
}

// LoadChain initializes trust from an embedded initial root and applies
// every consecutive "<N>.root.json" found in dir. Gaps stop the walk; a
// failed update aborts and preserves the last good root.
func LoadChain(initial []byte, dir string) (Root, error) {
	current, err := LoadRoot(initial)
	if err != nil {
		return nil, err
	}
	if dir == "" {
		return current, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return current, nil
		}
		return nil, errors.Wrapf(err, "cannot read trust dir %s", dir)
	}

	byVersion := make(map[int]string)
	for _, e := range entries {
		m := roleFileRe.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		n, _ := strconv.Atoi(m[1])
		byVersion[n] = filepath.Join(dir, e.Name())
	}

	for v := current.Version() + 1; ; v++ {
		path, ok := byVersion[v]
		if !ok {
			break
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "cannot read %s", path)
		}
		next, err := current.Update(data, path)
		if err != nil {
			return nil, err
		}
		current = next
	}
	return current, nil
}

// LoadRoot parses a trusted root document, dispatching on format: a
// "delegations" table means v0.6, a "roles"+"keys" table means v1.
func LoadRoot(data []byte) (Root, error) {
	var probe struct {
		Signed struct {
			Delegations map[string]json.RawMessage `json:"delegations"`
			Roles       map[string]json.RawMessage `json:"roles"`
		} `json:"signed"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, &RoleMetadataError{Reason: "not valid JSON: " + err.Error()}
	}
	switch {
	case probe.Signed.Delegations != nil:
		return LoadV06(data)
	case probe.Signed.Roles != nil:
		return LoadV1(data)
	}
	return nil, &RoleMetadataError{Reason: "neither a v0.6 nor a v1 root document"}
}
