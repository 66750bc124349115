// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

//go:build !unix

package modcache

// lockPages is a no-op on platforms without mlock (notably Windows); see
// mlock_unix.go.
func lockPages(buf []byte) func() {
	return func() {}
}
