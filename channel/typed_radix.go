// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package channel

import "github.com/armon/go-radix"

// Typed wrappers around radix trees so the rest of the package never type
// asserts.

type channelTrie struct {
	t *radix.Tree
}

func newChannelTrie() channelTrie {
	return channelTrie{t: radix.New()}
}

func (t channelTrie) Insert(s string, c Channel) {
	t.t.Insert(s, c)
}

func (t channelTrie) Get(s string) (Channel, bool) {
	if v, has := t.t.Get(s); has {
		return v.(Channel), true
	}
	return Channel{}, false
}

func (t channelTrie) Len() int {
	return t.t.Len()
}

type credTrie struct {
	t *radix.Tree
}

func newCredTrie() credTrie {
	return credTrie{t: radix.New()}
}

func (t credTrie) Insert(s string, c Credential) {
	t.t.Insert(s, c)
}

func (t credTrie) Get(s string) (Credential, bool) {
	if v, has := t.t.Get(s); has {
		return v.(Credential), true
	}
	return nil, false
}

// LongestPrefix returns the deepest entry whose key prefixes s.
func (t credTrie) LongestPrefix(s string) (string, Credential, bool) {
	if p, v, has := t.t.LongestPrefix(s); has {
		return p, v.(Credential), true
	}
	return "", nil, false
}
