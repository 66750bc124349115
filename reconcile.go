// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package modcache

// Reconciliation Pipeline (§4.6): the ordered sequence of passes that
// turns a freshly deserialized, self-contained graph into one spliced
// into the running process's live type cache, method tables, and
// dispatch graph. Each step is a method on LoadSession so it can share
// the backref list, flag-ref list, and session-scoped logger.

// runReconciliation drives all seven steps in order and returns the
// LoadResult the public entry points hand back to the caller.
func runReconciliation(s *LoadSession, worklist []*Module) *LoadResult {
	s.recacheTypes()
	s.installNewMethods()
	s.recacheMethods()
	s.recacheMethodInstances()
	s.copyRoots()
	s.materializeNewCodeInstances()
	s.verifyEdgesAndAddBackedges()
	s.runReinitList()

	return &LoadResult{
		RestoredModules:    worklist,
		InitOrder:          s.loadedModulesOrdered,
		ReinitWarnings:     s.reinitWarnings,
		Invalidations:      s.invalidationLog,
		StaleCodeInstances: s.staleCodeInstances,
	}
}

// infiniteWorld is the max_world value a code instance gets once
// activated (§4.6 step 7 "open... world validity to max_world = ∞").
const infiniteWorld = ^uint64(0)

// ownerTypeName derives the TypeName whose method table an external
// Method belongs to from its signature's first (function-singleton)
// parameter, the same place dispatch gets a generic function's own
// type from.
func ownerTypeName(m *Method) *TypeName {
	if m == nil || m.Signature == nil || len(m.Signature.Parameters) == 0 {
		return nil
	}
	dt, ok := m.Signature.Parameters[0].(*DataType)
	if !ok || dt == nil {
		return nil
	}
	return dt.TypeName
}

// recacheTypes is step 1: every DataType flagged needs-uniquing is
// either unified with an existing structurally-identical type already
// known to the runtime, or inserted as the new canonical instance.
func (s *LoadSession) recacheTypes() {
	if s.tc == nil {
		return
	}
	s.backrefs.forEach(func(idx uint32, v Node, needsUQ bool) {
		if !needsUQ {
			return
		}
		dt, ok := v.(*DataType)
		if !ok || dt == nil {
			return
		}
		if canonical, found := s.tc.Canonical(dt.TypeName, dt.Parameters); found {
			if canonical != dt {
				s.backrefs.rewrite(idx, canonical)
			}
			return
		}
		s.tc.Insert(dt)
	})
}

// installNewMethods is step 2: methods written with MethodExternalMT
// extend a table this cache does not own and must be installed before
// any method lookup below can see them.
func (s *LoadSession) installNewMethods() {
	if s.mt == nil {
		return
	}
	for _, m := range s.extensionMethods {
		if err := s.mt.InsertMethod(m); err != nil {
			w := ReinitWarning{Kind: "install-method", Err: err}
			s.reinitWarnings = append(s.reinitWarnings, w)
			s.logger.Warnf("reinit warning: %v", w)
		}
	}
}

// recacheMethods is step 3: every Method that was written as a
// reference (signature + module + table binding, no body) is resolved
// against the runtime's live table, replacing the placeholder with the
// method actually in effect as of the current world.
func (s *LoadSession) recacheMethods() {
	if s.mt == nil {
		return
	}
	s.backrefs.forEach(func(idx uint32, v Node, needsUQ bool) {
		if !needsUQ {
			return
		}
		m, ok := v.(*Method)
		if !ok || m == nil || m.Flags&MethodInternal != 0 {
			return
		}
		tn := ownerTypeName(m)
		if tn == nil {
			return
		}
		if found, ok := s.mt.LookupMethod(tn, m.Signature, s.world); ok && found != m {
			s.backrefs.rewrite(idx, found)
		}
	})
}

// recacheMethodInstances is step 4: every MethodInstance flagged for
// uniquing (MIClassNotInternal, written without a full body, and
// MIClassQueuedExternal) is
// resolved to the runtime's canonical instance for the same
// (method, specialization) pair, creating one if none existed yet.
func (s *LoadSession) recacheMethodInstances() {
	if s.mt == nil {
		return
	}
	s.backrefs.forEach(func(idx uint32, v Node, needsUQ bool) {
		if !needsUQ {
			return
		}
		mi, ok := v.(*MethodInstance)
		if !ok || mi == nil {
			return
		}
		canonical, _ := s.mt.LookupOrInsertInstance(mi.Method, mi.Specialization, mi.StaticParams)
		if canonical != nil && canonical != mi {
			s.backrefs.rewrite(idx, canonical)
		}
	})
}

// copyRoots is step 5: roots queued under our worklist key for methods
// that are themselves external (MethodHasNewRoots) get appended to the
// runtime's live root array rather than replacing it.
func (s *LoadSession) copyRoots() {
	if s.mt == nil {
		return
	}
	s.backrefs.forEach(func(_ uint32, v Node, _ bool) {
		m, ok := v.(*Method)
		if !ok || m == nil || m.Flags&MethodHasNewRoots == 0 {
			return
		}
		for key, roots := range m.newRoots {
			for _, root := range roots {
				s.mt.AppendRoot(m, key, root)
			}
		}
	})
}

// materializeNewCodeInstances is step 6: every code instance reachable
// from a worklist-owned or queued-external method instance's cache
// chain is new to this process and pending the edge-verification step
// before it can be trusted.
func (s *LoadSession) materializeNewCodeInstances() {
	s.backrefs.forEach(func(_ uint32, v Node, _ bool) {
		mi, ok := v.(*MethodInstance)
		if !ok || mi == nil {
			return
		}
		if !mi.Internal() && !mi.QueuedExternal() {
			return
		}
		for c := mi.Cache; c != nil; c = c.Next {
			s.newCodeInstances[c] = true
			c.MinWorld = s.world
		}
	})
}

// verifyEdgesAndAddBackedges is step 7, verification and backedge
// insertion together: each recorded
// caller's backedges are only trustworthy if the external callees they
// targeted still resolve to exactly the method set snapshotted at save
// time; callers whose external targets drifted are invalidated, the
// rest are activated and their backedges spliced into the live graph.
func (s *LoadSession) verifyEdgesAndAddBackedges() {
	targetValid := make([]bool, len(s.extTargets))
	for i, t := range s.extTargets {
		targetValid[i] = s.targetStillMatches(t)
	}

	touched := make(map[*CodeInstance]bool, len(s.newCodeInstances))
	for _, g := range s.edgeGroups {
		ok := true
		for _, idx := range g.Targets {
			if int(idx) >= len(targetValid) || !targetValid[idx] {
				ok = false
				break
			}
		}
		s.finalizeCaller(g, ok, touched)
	}

	// Code instances with no external backedges at all never appear in
	// edgeGroups, but they have no cross-cache dependency to invalidate
	// on either — open them the same as a fully-verified caller (§4.6
	// step 7, closing sentence).
	for c := range s.newCodeInstances {
		if touched[c] {
			continue
		}
		c.state = CodeActive
		c.MaxWorld = infiniteWorld
	}
}

// targetStillMatches recomputes MatchingMethods for an external callee's
// signature as of the current world and compares it against the set
// recorded at save time; any difference means a method was added or
// removed in the meantime and the cached edge can no longer be trusted.
func (s *LoadSession) targetStillMatches(t extTarget) bool {
	if s.mt == nil || t.Callee == nil || t.Callee.Method == nil {
		return false
	}
	current := s.mt.MatchingMethods(t.Callee.Method.Signature, s.world)
	if len(current) != len(t.Matches) {
		return false
	}
	seen := make(map[*Method]bool, len(current))
	for _, m := range current {
		seen[m] = true
	}
	for _, m := range t.Matches {
		if !seen[m] {
			return false
		}
	}
	return true
}

// finalizeCaller walks g.Caller's code-instance chain, installing every
// new instance in it as Active when valid holds and Invalidated
// otherwise; backedges are only added to the live dispatch graph for an
// Active caller, matching §4.6's state machine (LOADED -> ACTIVE or
// LOADED -> INVALIDATED, never both).
func (s *LoadSession) finalizeCaller(g edgeGroup, valid bool, touched map[*CodeInstance]bool) {
	if g.Caller == nil {
		return
	}
	state := CodeActive
	if !valid {
		state = CodeInvalidated
	}
	for c := g.Caller.Cache; c != nil; c = c.Next {
		if !s.newCodeInstances[c] {
			continue
		}
		c.state = state
		touched[c] = true
		if valid {
			c.MaxWorld = infiniteWorld
		}
	}

	if !valid {
		if s.opts.RecordInvalidations {
			for _, be := range g.Caller.Backedges {
				if be.Callee != nil {
					s.invalidationLog = append(s.invalidationLog, EdgeInvalidation{
						Caller: g.Caller,
						Callee: be.Callee,
						Reason: "external target signature set changed since save",
					})
				}
			}
		}
		return
	}

	if s.disp == nil {
		return
	}
	for _, be := range g.Caller.Backedges {
		if be.Callee != nil {
			s.disp.AddBackedge(be.Caller, be.Callee)
		}
	}
}

// runReinitList drains the post-pipeline reinitialization list: entities
// whose backref index needs extra work beyond plain recaching, once the
// rest of the graph has settled (§4.6 "Post-pipeline reinitialization").
func (s *LoadSession) runReinitList() {
	for _, e := range s.reinitEntries {
		v := s.backrefs.at(e.BackrefIndex)
		switch e.Kind {
		case reinitModule:
			// Bindings and submodules are already wired by decodeModule;
			// nothing further to attach them to in this port, which has
			// no separate global module registry to re-insert into.
		case reinitMethodTable:
			tn, ok := v.(*TypeName)
			if !ok || tn == nil {
				continue
			}
			s.rebuildMethodTable(tn)
		}
	}
}

// rebuildMethodTable reassembles tn's MethodTable from every Method in
// this load whose owner type name is tn: the on-disk format never
// writes MethodTable.Entries directly, since a method table's contents
// are exactly the set of Methods that name it as their owner (§4.4.1,
// §4.4.3).
func (s *LoadSession) rebuildMethodTable(tn *TypeName) {
	var entries []*Method
	s.backrefs.forEach(func(_ uint32, v Node, _ bool) {
		m, ok := v.(*Method)
		if !ok || m == nil {
			return
		}
		if ownerTypeName(m) == tn {
			entries = append(entries, m)
		}
	})
	tn.MethodTable = &MethodTable{Name: tn.Name, Module: tn.Module, Entries: entries}
}
