// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package modcache

import "testing"

func TestRegistryResolvesWellKnownValues(t *testing.T) {
	r := DefaultRegistry()

	// LookupTag matches by identity, so use the registry's own cached
	// IntBox(1) rather than a fresh box holding the same value.
	var one Node
	for _, v := range r.byTag {
		if b, ok := v.(*IntBox); ok && b.Width == 64 && b.Value == 1 {
			one = b
			break
		}
	}
	tag, ok := r.LookupTag(one)
	if !ok {
		t.Fatal("expected cached IntBox(1) to have a well-known tag")
	}
	resolved, ok := r.ResolveTag(tag)
	if !ok {
		t.Fatal("ResolveTag failed for a tag LookupTag just returned")
	}
	if resolved != one {
		t.Error("ResolveTag(LookupTag(v)) did not return the same value")
	}
}

func TestRegistryCommonSymbolRoundTrip(t *testing.T) {
	r := DefaultRegistry()
	sym := &Symbol{Name: "call"}
	if _, ok := r.LookupTag(sym); ok {
		t.Fatal("a fresh Symbol with the same name should not match by identity")
	}
	if _, ok := r.LookupTag(r.commonSymbols[0]); !ok {
		t.Fatal("the registry's own common symbol instance should match by identity")
	}
}

func TestRegistryLessCommonSymbolIndex(t *testing.T) {
	r := DefaultRegistry()
	idx, ok := r.LookupLessCommonSymbol(&Symbol{Name: "getindex"})
	if !ok {
		t.Fatal("expected getindex in the less-common symbol table")
	}
	sym, ok := r.ResolveLessCommonSymbol(idx)
	if !ok || sym.Name != "getindex" {
		t.Errorf("ResolveLessCommonSymbol(%d) = %v, %v", idx, sym, ok)
	}
}
