// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package modcache

import "testing"

// stubMethodTables implements MethodTables with a fixed matches map,
// just enough surface for the edge-collector tests below.
type stubMethodTables struct {
	matches map[*MethodInstance][]*Method
}

func (s *stubMethodTables) LookupMethod(*TypeName, *DataType, uint64) (*Method, bool) {
	return nil, false
}
func (s *stubMethodTables) InsertMethod(*Method) error { return nil }
func (s *stubMethodTables) LookupOrInsertInstance(*Method, []Node, []Node) (*MethodInstance, bool) {
	return nil, false
}
func (s *stubMethodTables) AppendRoot(*Method, uint64, Node) {}
func (s *stubMethodTables) MatchingMethods(sig *DataType, world uint64) []*Method {
	for mi, ms := range s.matches {
		if mi.Method != nil && mi.Method.Signature == sig {
			return ms
		}
	}
	return nil
}

func internalMethodInstance(name string) *MethodInstance {
	m := &Method{Name: name, Signature: &DataType{}}
	mi := &MethodInstance{Method: m}
	m.Specializations = append(m.Specializations, mi)
	return mi
}

func externalMethodInstance(name string) *MethodInstance {
	m := &Method{Name: name, Signature: &DataType{}, Module: &Module{Name: "Other"}}
	return &MethodInstance{Method: m}
}

func TestEdgeCollectorAddDeduplicates(t *testing.T) {
	c := newEdgeCollector()
	caller := internalMethodInstance("caller")
	callee := externalMethodInstance("callee")

	c.add(caller, callee)
	c.add(caller, callee)

	if len(c.forward[caller]) != 1 {
		t.Fatalf("forward[caller] = %d entries, want 1 (deduplicated)", len(c.forward[caller]))
	}
	if len(c.order) != 1 || c.order[0] != caller {
		t.Fatalf("order = %v, want [caller]", c.order)
	}
}

func TestEdgeCollectorPreservesFirstSeenOrder(t *testing.T) {
	c := newEdgeCollector()
	first := internalMethodInstance("first")
	second := internalMethodInstance("second")
	callee := externalMethodInstance("callee")

	c.add(second, callee)
	c.add(first, callee)

	if len(c.order) != 2 || c.order[0] != second || c.order[1] != first {
		t.Fatalf("order = %v, want [second, first]", c.order)
	}
}

func TestBuildEdgeOutputDropsGroupWithUnmatchedTarget(t *testing.T) {
	caller := internalMethodInstance("caller")
	callee := externalMethodInstance("callee")

	s := newSaveSession(nil, SaveOptions{
		MethodTables: &stubMethodTables{matches: map[*MethodInstance][]*Method{}},
	})
	s.edges.add(caller, callee)

	groups, targets := s.buildEdgeOutput()
	if len(groups) != 0 {
		t.Errorf("groups = %v, want empty (no matching methods for callee)", groups)
	}
	if len(targets) != 0 {
		t.Errorf("targets = %v, want empty", targets)
	}
}

func TestBuildEdgeOutputKeepsGroupWithMatchedTarget(t *testing.T) {
	caller := internalMethodInstance("caller")
	callee := externalMethodInstance("callee")
	matchingMethod := &Method{Name: "m"}

	s := newSaveSession(nil, SaveOptions{
		MethodTables: &stubMethodTables{matches: map[*MethodInstance][]*Method{
			callee: {matchingMethod},
		}},
	})
	s.edges.add(caller, callee)

	groups, targets := s.buildEdgeOutput()
	if len(groups) != 1 || len(groups[0].Targets) != 1 {
		t.Fatalf("groups = %v, want one group with one target", groups)
	}
	if len(targets) != 1 || len(targets[0].Matches) != 1 || targets[0].Matches[0] != matchingMethod {
		t.Fatalf("targets = %v, want one extTarget with [matchingMethod]", targets)
	}
	if groups[0].Targets[0] != 0 {
		t.Errorf("group target index = %d, want 0", groups[0].Targets[0])
	}
}

func TestCollectEdgesSkipsInternalToInternalCalls(t *testing.T) {
	mod := &Module{Name: "Main", worklist: true}
	caller := internalMethodInstance("caller")
	caller.Method.Module = mod
	calleeInternal := internalMethodInstance("callee")
	calleeInternal.Method.Module = mod
	caller.Backedges = []*Backedge{{Caller: caller, Callee: calleeInternal}}
	mod.Bindings = map[string]*Binding{"caller": {Name: "caller", Value: caller.Method}}

	s := newSaveSession([]*Module{mod}, SaveOptions{})
	s.collectEdges([]*Module{mod})

	if len(s.edges.order) != 0 {
		t.Errorf("collectEdges recorded an edge for an internal-to-internal call: %v", s.edges.order)
	}
}

func TestCollectEdgesRecordsInternalToExternalCall(t *testing.T) {
	mod := &Module{Name: "Main", worklist: true}
	caller := internalMethodInstance("caller")
	caller.Method.Module = mod
	callee := externalMethodInstance("callee")
	caller.Backedges = []*Backedge{{Caller: caller, Callee: callee}}
	mod.Bindings = map[string]*Binding{"caller": {Name: "caller", Value: caller.Method}}

	s := newSaveSession([]*Module{mod}, SaveOptions{})
	s.collectEdges([]*Module{mod})

	if len(s.edges.forward[caller]) != 1 || s.edges.forward[caller][0] != callee {
		t.Errorf("forward[caller] = %v, want [callee]", s.edges.forward[caller])
	}
}
