// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package modcache_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/saferwall/modcache"
	"github.com/saferwall/modcache/fakeruntime"
)

func TestSaveAndRestoreIncrementalRoundTrip(t *testing.T) {
	mod := &modcache.Module{
		Name:     "Example",
		TopLevel: true,
		UUIDHi:   1,
		UUIDLo:   2,
		BuildID:  3,
		Bindings: map[string]*modcache.Binding{},
	}
	worklist := []*modcache.Module{mod}

	dir := t.TempDir()
	path := filepath.Join(dir, "example.modcache")

	if err := modcache.SaveIncremental(path, worklist, modcache.DefaultSaveOptions()); err != nil {
		t.Fatalf("SaveIncremental failed: %v", err)
	}

	tc := fakeruntime.NewTypeCache()
	mt := fakeruntime.NewMethodTables()
	disp := fakeruntime.NewDispatcher()

	result, err := modcache.RestoreIncremental(path, nil, tc, mt, disp, modcache.LoadOptions{})
	if err != nil {
		t.Fatalf("RestoreIncremental failed: %v", err)
	}
	if len(result.RestoredModules) != 1 {
		t.Fatalf("RestoredModules = %d, want 1", len(result.RestoredModules))
	}
	if result.RestoredModules[0].Name != "Example" {
		t.Errorf("restored module name = %q, want %q", result.RestoredModules[0].Name, "Example")
	}
}

func TestRestoreIncrementalFromBufferRejectsGarbage(t *testing.T) {
	tc := fakeruntime.NewTypeCache()
	mt := fakeruntime.NewMethodTables()
	disp := fakeruntime.NewDispatcher()

	_, err := modcache.RestoreIncrementalFromBuffer([]byte("not a cache file"), nil, tc, mt, disp, modcache.LoadOptions{})
	if err == nil {
		t.Fatal("expected an error restoring garbage input, got nil")
	}
}

func TestRestoreIncrementalFromBufferRejectsEmpty(t *testing.T) {
	tc := fakeruntime.NewTypeCache()
	mt := fakeruntime.NewMethodTables()
	disp := fakeruntime.NewDispatcher()

	_, err := modcache.RestoreIncrementalFromBuffer(nil, nil, tc, mt, disp, modcache.LoadOptions{})
	if err == nil {
		t.Fatal("expected an error restoring an empty buffer, got nil")
	}
}

func TestSaveIncrementalWithMultipleModulesPreservesOrder(t *testing.T) {
	a := &modcache.Module{Name: "A", UUIDHi: 1, UUIDLo: 1, BuildID: 1, Bindings: map[string]*modcache.Binding{}}
	b := &modcache.Module{Name: "B", TopLevel: true, UUIDHi: 2, UUIDLo: 2, BuildID: 2, Bindings: map[string]*modcache.Binding{}}
	worklist := []*modcache.Module{a, b}

	dir := t.TempDir()
	path := filepath.Join(dir, "multi.modcache")
	if err := modcache.SaveIncremental(path, worklist, modcache.DefaultSaveOptions()); err != nil {
		t.Fatalf("SaveIncremental failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}

	tc := fakeruntime.NewTypeCache()
	mt := fakeruntime.NewMethodTables()
	disp := fakeruntime.NewDispatcher()
	result, err := modcache.RestoreIncrementalFromBuffer(data, nil, tc, mt, disp, modcache.LoadOptions{})
	if err != nil {
		t.Fatalf("RestoreIncrementalFromBuffer failed: %v", err)
	}
	if len(result.RestoredModules) != 2 {
		t.Fatalf("RestoredModules = %d, want 2", len(result.RestoredModules))
	}
	if result.RestoredModules[0].Name != "A" || result.RestoredModules[1].Name != "B" {
		t.Errorf("restored modules = %v, want [A B] in order", result.RestoredModules)
	}
}
