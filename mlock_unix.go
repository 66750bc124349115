// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

//go:build unix

package modcache

import "golang.org/x/sys/unix"

// lockPages pins buf's pages in physical memory for the duration of a
// load, the nearest real-world analogue to the host runtime's GC-paused
// traversal (§5): nothing can page the mapped cache out from under a
// single-threaded, non-reentrant deserialization pass. The returned
// func releases the lock; it never fails loudly, since mlock is a
// best-effort pinning hint, not a correctness requirement — a page
// fault mid-traversal just costs time, it doesn't corrupt state.
func lockPages(buf []byte) func() {
	if len(buf) == 0 {
		return func() {}
	}
	if err := unix.Mlock(buf); err != nil {
		return func() {}
	}
	return func() { _ = unix.Munlock(buf) }
}
