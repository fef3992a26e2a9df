// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package channel

import "fmt"

// NotAllowedError reports a resolved channel rejected by the whitelist.
type NotAllowedError struct {
	Channel string
	URL     string
}

func (e *NotAllowedError) Error() string {
	return fmt.Sprintf("channel %s (%s) not allowed by whitelist_channels", e.Channel, e.URL)
}

// Tag returns the machine-readable error kind.
func (e *NotAllowedError) Tag() string { return "ChannelNotAllowed" }
