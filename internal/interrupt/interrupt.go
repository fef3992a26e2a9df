// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package interrupt carries the process-level interrupt flag. Signal
// handlers set it; every blocking loop polls it at well-defined points and
// unwinds when it is set.
package interrupt

import (
	"context"
	"os"
	"os/signal"
	"sync"
)

var (
	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
)

func init() {
	reset()
}

func reset() {
	ctx, cancel = context.WithCancel(context.Background())
}

// Set marks the process as interrupted, releasing every context obtained
// from Context.
func Set() {
	mu.Lock()
	defer mu.Unlock()
	cancel()
}

// IsSet reports whether the interrupt flag has been raised.
func IsSet() bool {
	mu.Lock()
	defer mu.Unlock()
	select {
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// Context returns a context released when the interrupt flag is set.
func Context() context.Context {
	mu.Lock()
	defer mu.Unlock()
	return ctx
}

// Reset clears the flag. Only tests and explicit context changes call this.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	cancel()
	reset()
}

// Install wires Set to the provided signals and returns a stop function
// restoring prior behavior.
func Install(sigs ...os.Signal) func() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sigs...)
	done := make(chan struct{})
	go func() {
		select {
		case <-ch:
			Set()
		case <-done:
		}
	}()
	return func() {
		signal.Stop(ch)
		close(done)
	}
}
