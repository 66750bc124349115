// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package fakeruntime_test

import (
	"testing"

	"github.com/saferwall/modcache"
	"github.com/saferwall/modcache/fakeruntime"
)

func TestTypeCacheInsertThenCanonical(t *testing.T) {
	tc := fakeruntime.NewTypeCache()
	tn := &modcache.TypeName{Name: "Foo"}
	dt := &modcache.DataType{TypeName: tn}

	if _, ok := tc.Canonical(tn, nil); ok {
		t.Fatal("expected no canonical type before Insert")
	}

	tc.Insert(dt)

	got, ok := tc.Canonical(tn, nil)
	if !ok || got != dt {
		t.Fatalf("Canonical after Insert = %v, %v, want dt, true", got, ok)
	}
	if tc.Len() != 1 {
		t.Errorf("Len() = %d, want 1", tc.Len())
	}
}

func TestTypeCacheDistinguishesParameters(t *testing.T) {
	tc := fakeruntime.NewTypeCache()
	tn := &modcache.TypeName{Name: "Vec"}
	intParam := &modcache.Symbol{Name: "Int"}
	strParam := &modcache.Symbol{Name: "String"}

	tc.Insert(&modcache.DataType{TypeName: tn, Parameters: []modcache.Node{intParam}})

	if _, ok := tc.Canonical(tn, []modcache.Node{strParam}); ok {
		t.Error("a different parameter list should not match the cached type")
	}
	if _, ok := tc.Canonical(tn, []modcache.Node{intParam}); !ok {
		t.Error("the same parameter list should match the cached type")
	}
}

func TestMethodTablesInsertAndLookup(t *testing.T) {
	mt := fakeruntime.NewMethodTables()
	tn := &modcache.TypeName{Name: "Foo"}
	sig := &modcache.DataType{Parameters: []modcache.Node{&modcache.DataType{TypeName: tn}}}
	m := &modcache.Method{Name: "bar", Signature: sig}

	if err := mt.InsertMethod(m); err != nil {
		t.Fatalf("InsertMethod failed: %v", err)
	}

	found, ok := mt.LookupMethod(tn, sig, 1)
	if !ok || found != m {
		t.Fatalf("LookupMethod = %v, %v, want m, true", found, ok)
	}
}

func TestMethodTablesInsertRejectsUnresolvableOwner(t *testing.T) {
	mt := fakeruntime.NewMethodTables()
	m := &modcache.Method{Name: "orphan", Signature: &modcache.DataType{}}

	if err := mt.InsertMethod(m); err == nil {
		t.Fatal("expected an error inserting a method with no resolvable owner")
	}
}

func TestMethodTablesLookupOrInsertInstanceIsIdempotent(t *testing.T) {
	mt := fakeruntime.NewMethodTables()
	m := &modcache.Method{Name: "bar"}
	spec := []modcache.Node{&modcache.Symbol{Name: "Int"}}

	first, existed := mt.LookupOrInsertInstance(m, spec, nil)
	if existed {
		t.Fatal("first call should report existed=false")
	}
	second, existed := mt.LookupOrInsertInstance(m, spec, nil)
	if !existed {
		t.Error("second call with the same key should report existed=true")
	}
	if first != second {
		t.Error("LookupOrInsertInstance returned different instances for the same key")
	}
}

func TestMethodTablesAppendRootAccumulates(t *testing.T) {
	mt := fakeruntime.NewMethodTables()
	m := &modcache.Method{Name: "bar"}
	v1 := &modcache.Symbol{Name: "a"}
	v2 := &modcache.Symbol{Name: "b"}

	mt.AppendRoot(m, 7, v1)
	mt.AppendRoot(m, 7, v2)

	roots := mt.Roots(m, 7)
	if len(roots) != 2 || roots[0] != v1 || roots[1] != v2 {
		t.Errorf("Roots(m, 7) = %v, want [v1 v2]", roots)
	}
}

func TestDispatcherWorldAndBackedges(t *testing.T) {
	d := fakeruntime.NewDispatcher()
	if d.CurrentWorld() != 1 {
		t.Fatalf("initial world = %d, want 1", d.CurrentWorld())
	}
	if got := d.BumpWorld(); got != 2 {
		t.Errorf("BumpWorld() = %d, want 2", got)
	}

	caller := &modcache.MethodInstance{}
	callee := &modcache.MethodInstance{}
	d.AddBackedge(caller, callee)

	got := d.Backedges(caller)
	if len(got) != 1 || got[0] != callee {
		t.Errorf("Backedges(caller) = %v, want [callee]", got)
	}
}
