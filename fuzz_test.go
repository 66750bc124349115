// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package modcache_test

import (
	"testing"

	"github.com/saferwall/modcache"
	"github.com/saferwall/modcache/fakeruntime"
)

// FuzzRestoreIncremental is this package's fuzz harness: restore an
// arbitrary buffer against a fresh fake runtime and require that
// restoration never panics, the same "no crash" contract the teacher's
// legacy Fuzz(data []byte) int entry point checked. Go's native fuzzing
// replaces that convention here since the harness needs fakeruntime,
// and fakeruntime imports modcache — a root-package Fuzz function
// would create an import cycle that an external test package avoids.
func FuzzRestoreIncremental(f *testing.F) {
	f.Add([]byte{})
	f.Add([]byte("not a cache file"))

	f.Fuzz(func(t *testing.T, data []byte) {
		tc := fakeruntime.NewTypeCache()
		mt := fakeruntime.NewMethodTables()
		disp := fakeruntime.NewDispatcher()
		_, _ = modcache.RestoreIncrementalFromBuffer(data, nil, tc, mt, disp, modcache.LoadOptions{})
	})
}
