// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package modcache

import "testing"

type stubTypeCache struct {
	canonical   *DataType
	found       bool
	insertedAny *DataType
}

func (c *stubTypeCache) Canonical(*TypeName, []Node) (*DataType, bool) { return c.canonical, c.found }
func (c *stubTypeCache) Insert(dt *DataType)                           { c.insertedAny = dt }

type stubReconcileMethodTables struct {
	matching []*Method
	appended []Node
}

func (s *stubReconcileMethodTables) LookupMethod(*TypeName, *DataType, uint64) (*Method, bool) {
	return nil, false
}
func (s *stubReconcileMethodTables) InsertMethod(*Method) error { return nil }
func (s *stubReconcileMethodTables) LookupOrInsertInstance(*Method, []Node, []Node) (*MethodInstance, bool) {
	return nil, false
}
func (s *stubReconcileMethodTables) AppendRoot(_ *Method, _ uint64, v Node) {
	s.appended = append(s.appended, v)
}
func (s *stubReconcileMethodTables) MatchingMethods(*DataType, uint64) []*Method { return s.matching }

type stubDispatcher struct {
	world     uint64
	backedges []*Backedge
}

func (d *stubDispatcher) CurrentWorld() uint64 { return d.world }
func (d *stubDispatcher) BumpWorld() uint64     { d.world++; return d.world }
func (d *stubDispatcher) AddBackedge(caller, callee *MethodInstance) {
	d.backedges = append(d.backedges, &Backedge{Caller: caller, Callee: callee})
}

func TestRecacheTypesRewritesToExistingCanonical(t *testing.T) {
	placeholder := &DataType{TypeName: &TypeName{Name: "Foo"}}
	canonical := &DataType{TypeName: placeholder.TypeName}
	tc := &stubTypeCache{canonical: canonical, found: true}

	s := newLoadSession(nil, tc, nil, nil, LoadOptions{})
	idx := s.backrefs.reserve(true)
	s.backrefs.fill(idx, placeholder)

	s.recacheTypes()

	if s.backrefs.at(idx) != canonical {
		t.Errorf("backrefs.at(idx) = %v, want canonical", s.backrefs.at(idx))
	}
}

func TestRecacheTypesInsertsWhenNoCanonicalFound(t *testing.T) {
	placeholder := &DataType{TypeName: &TypeName{Name: "Foo"}}
	tc := &stubTypeCache{found: false}

	s := newLoadSession(nil, tc, nil, nil, LoadOptions{})
	idx := s.backrefs.reserve(true)
	s.backrefs.fill(idx, placeholder)

	s.recacheTypes()

	if tc.insertedAny != placeholder {
		t.Error("expected the placeholder DataType to be inserted as canonical")
	}
	if s.backrefs.at(idx) != placeholder {
		t.Error("backref slot should be unchanged when no canonical existed")
	}
}

func TestRecacheTypesSkipsEntriesNotFlaggedNeedsUniquing(t *testing.T) {
	placeholder := &DataType{TypeName: &TypeName{Name: "Foo"}}
	tc := &stubTypeCache{found: false}

	s := newLoadSession(nil, tc, nil, nil, LoadOptions{})
	idx := s.backrefs.reserve(false)
	s.backrefs.fill(idx, placeholder)

	s.recacheTypes()

	if tc.insertedAny != nil {
		t.Error("entries not flagged needs-uniquing must not be inserted")
	}
}

func TestVerifyEdgesAndAddBackedgesActivatesOnMatch(t *testing.T) {
	match := &Method{Name: "m"}
	callee := &MethodInstance{Method: &Method{Name: "callee", Signature: &DataType{}}}
	caller := &MethodInstance{Method: &Method{Name: "caller"}}
	code := &CodeInstance{}
	caller.Cache = code
	caller.Backedges = []*Backedge{{Caller: caller, Callee: callee}}

	mt := &stubReconcileMethodTables{matching: []*Method{match}}
	disp := &stubDispatcher{}
	s := newLoadSession(nil, nil, mt, disp, LoadOptions{})
	s.newCodeInstances[code] = true
	s.extTargets = []extTarget{{Callee: callee, Matches: []*Method{match}}}
	s.edgeGroups = []edgeGroup{{Caller: caller, Targets: []uint32{0}}}

	s.verifyEdgesAndAddBackedges()

	if code.state != CodeActive {
		t.Errorf("code instance state = %v, want CodeActive", code.state)
	}
	if code.MaxWorld != infiniteWorld {
		t.Errorf("MaxWorld = %d, want infiniteWorld", code.MaxWorld)
	}
	if len(disp.backedges) != 1 {
		t.Fatalf("expected one backedge installed, got %d", len(disp.backedges))
	}
	if len(s.invalidationLog) != 0 {
		t.Errorf("expected no invalidations, got %v", s.invalidationLog)
	}
}

func TestVerifyEdgesAndAddBackedgesInvalidatesOnDrift(t *testing.T) {
	savedMatch := &Method{Name: "m"}
	liveMatch := &Method{Name: "m2"}
	callee := &MethodInstance{Method: &Method{Name: "callee", Signature: &DataType{}}}
	caller := &MethodInstance{Method: &Method{Name: "caller"}}
	code := &CodeInstance{}
	caller.Cache = code
	caller.Backedges = []*Backedge{{Caller: caller, Callee: callee}}

	mt := &stubReconcileMethodTables{matching: []*Method{liveMatch}}
	disp := &stubDispatcher{}
	s := newLoadSession(nil, nil, mt, disp, LoadOptions{RecordInvalidations: true})
	s.newCodeInstances[code] = true
	s.extTargets = []extTarget{{Callee: callee, Matches: []*Method{savedMatch}}}
	s.edgeGroups = []edgeGroup{{Caller: caller, Targets: []uint32{0}}}

	s.verifyEdgesAndAddBackedges()

	if code.state != CodeInvalidated {
		t.Errorf("code instance state = %v, want CodeInvalidated", code.state)
	}
	if len(disp.backedges) != 0 {
		t.Errorf("expected no backedges installed for an invalidated caller, got %d", len(disp.backedges))
	}
	if len(s.invalidationLog) != 1 {
		t.Fatalf("expected one invalidation logged, got %d", len(s.invalidationLog))
	}
}

func TestVerifyEdgesAndAddBackedgesSkipsInvalidationLogByDefault(t *testing.T) {
	savedMatch := &Method{Name: "m"}
	liveMatch := &Method{Name: "m2"}
	callee := &MethodInstance{Method: &Method{Name: "callee", Signature: &DataType{}}}
	caller := &MethodInstance{Method: &Method{Name: "caller"}}
	code := &CodeInstance{}
	caller.Cache = code
	caller.Backedges = []*Backedge{{Caller: caller, Callee: callee}}

	mt := &stubReconcileMethodTables{matching: []*Method{liveMatch}}
	disp := &stubDispatcher{}
	s := newLoadSession(nil, nil, mt, disp, LoadOptions{})
	s.newCodeInstances[code] = true
	s.extTargets = []extTarget{{Callee: callee, Matches: []*Method{savedMatch}}}
	s.edgeGroups = []edgeGroup{{Caller: caller, Targets: []uint32{0}}}

	s.verifyEdgesAndAddBackedges()

	if code.state != CodeInvalidated {
		t.Errorf("code instance state = %v, want CodeInvalidated", code.state)
	}
	if len(s.invalidationLog) != 0 {
		t.Errorf("expected invalidationLog to stay empty without RecordInvalidations, got %v", s.invalidationLog)
	}
}

func TestVerifyEdgesAndAddBackedgesActivatesInstancesWithNoExternalBackedges(t *testing.T) {
	mi := &MethodInstance{Method: &Method{Name: "leaf"}}
	code := &CodeInstance{MinWorld: 5}
	mi.Cache = code

	mt := &stubReconcileMethodTables{}
	disp := &stubDispatcher{}
	s := newLoadSession(nil, nil, mt, disp, LoadOptions{})
	s.newCodeInstances[code] = true
	// No edgeGroups entry for mi at all: it has no external backedges,
	// so it never appears in any caller's edge group.

	s.verifyEdgesAndAddBackedges()

	if code.state != CodeActive {
		t.Errorf("code instance state = %v, want CodeActive", code.state)
	}
	if code.MaxWorld != infiniteWorld {
		t.Errorf("MaxWorld = %d, want infiniteWorld", code.MaxWorld)
	}
}

func TestRebuildMethodTableCollectsOwnedMethods(t *testing.T) {
	tn := &TypeName{Name: "Foo"}
	ownerDT := &DataType{TypeName: tn}
	other := &TypeName{Name: "Bar"}
	otherDT := &DataType{TypeName: other}

	owned := &Method{Name: "owned", Signature: &DataType{Parameters: []Node{ownerDT}}}
	notOwned := &Method{Name: "notOwned", Signature: &DataType{Parameters: []Node{otherDT}}}

	s := newLoadSession(nil, nil, nil, nil, LoadOptions{})
	idx1 := s.backrefs.reserve(false)
	s.backrefs.fill(idx1, owned)
	idx2 := s.backrefs.reserve(false)
	s.backrefs.fill(idx2, notOwned)

	s.rebuildMethodTable(tn)

	if tn.MethodTable == nil || len(tn.MethodTable.Entries) != 1 || tn.MethodTable.Entries[0] != owned {
		t.Fatalf("MethodTable.Entries = %v, want [owned]", tn.MethodTable)
	}
}
