// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package channel

import "strings"

// A Credential is a stored authentication record for a url prefix. The two
// implementations are BasicAuth and TokenAuth.
type Credential interface {
	credential()
}

// BasicAuth carries user:password credentials.
type BasicAuth struct {
	User     string
	Password string
}

// TokenAuth carries an anaconda.org-style channel token.
type TokenAuth struct {
	Token string
}

func (BasicAuth) credential() {}
func (TokenAuth) credential() {}

// authDB maps credential-free url prefixes to credentials. Lookups weaken
// the query a path segment at a time, so an entry for "host/a" serves
// "host/a/b/c" when no deeper entry exists.
type authDB struct {
	t credTrie
}

func newAuthDB() *authDB {
	return &authDB{t: newCredTrie()}
}

func (db *authDB) add(prefix string, c Credential) {
	db.t.Insert(strings.TrimRight(prefix, "/"), c)
}

// lookup finds the credential for a credential-free url, weakening by whole
// path segments. A radix longest-prefix alone could match inside a segment
// ("host/ab" against "host/a"), so each candidate is an exact Get.
func (db *authDB) lookup(url string) (Credential, bool) {
	url = strings.TrimRight(url, "/")
	for url != "" {
		if c, ok := db.t.Get(url); ok {
			return c, true
		}
		i := strings.LastIndex(url, "/")
		if i < 0 {
			break
		}
		url = url[:i]
	}
	return nil, false
}
