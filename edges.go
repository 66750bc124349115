// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package modcache

// Edge Collector (§4.5): inverts the callee→caller backedge graph each
// method instance already carries into a forward caller→callee map
// restricted to worklist/queued-external callers and external callees,
// then snapshots, per distinct external callee, the methods currently
// matching its signature.

// edgeCollector accumulates the forward map during the worklist walk
// that precedes writeMainBody; buildEdgeOutput turns it into the two
// on-disk arrays once the snapshot collaborator (SaveOptions.MethodTables)
// is available.
type edgeCollector struct {
	forward map[*MethodInstance][]*MethodInstance
	order   []*MethodInstance
}

func newEdgeCollector() *edgeCollector {
	return &edgeCollector{forward: make(map[*MethodInstance][]*MethodInstance)}
}

// add records caller → callee, deduplicating repeated callees for the
// same caller and preserving first-seen caller order.
func (c *edgeCollector) add(caller, callee *MethodInstance) {
	for _, existing := range c.forward[caller] {
		if existing == callee {
			return
		}
	}
	if _, ok := c.forward[caller]; !ok {
		c.order = append(c.order, caller)
	}
	c.forward[caller] = append(c.forward[caller], callee)
}

// collectEdges walks every internal method's specializations plus every
// queued-external instance, recording one forward-map entry per backedge
// that crosses the internal/external boundary (§4.5).
func (s *SaveSession) collectEdges(worklist []*Module) {
	seenModule := make(map[*Module]bool)
	seenInstance := make(map[*MethodInstance]bool)

	var addInstance func(mi *MethodInstance)
	addInstance = func(mi *MethodInstance) {
		if mi == nil || seenInstance[mi] {
			return
		}
		seenInstance[mi] = true
		if !mi.Internal() && !mi.QueuedExternal() {
			return
		}
		for _, be := range mi.Backedges {
			if be == nil || be.Callee == nil {
				continue
			}
			if be.Callee.Internal() || be.Callee.QueuedExternal() {
				continue
			}
			s.edges.add(mi, be.Callee)
		}
	}

	var walk func(m *Module)
	walk = func(m *Module) {
		if m == nil || seenModule[m] {
			return
		}
		seenModule[m] = true
		for _, b := range m.Bindings {
			if b == nil {
				continue
			}
			switch v := b.Value.(type) {
			case *Method:
				if v.Internal() {
					for _, mi := range v.Specializations {
						addInstance(mi)
					}
				}
			case *Module:
				if v.worklist {
					walk(v)
				}
			}
		}
	}
	for _, m := range worklist {
		walk(m)
	}
	for mi := range s.newlyInferred {
		addInstance(mi)
	}
}

// extTarget is one entry of the ext_targets array: an external callee
// plus the methods that matched its signature at collection time.
type extTarget struct {
	Callee  *MethodInstance
	Matches []*Method
}

// edgeGroup is one entry of the edges array: an internal or
// queued-external caller plus the indices into ext_targets its
// backedges were resolved to.
type edgeGroup struct {
	Caller  *MethodInstance
	Targets []uint32
}

// buildEdgeOutput resolves the collected forward map into the edges and
// ext_targets arrays written by writeMainBody. A caller whose forward
// set includes any callee with zero matching methods is dropped
// entirely (§4.5: "we cannot soundly record a negative intersection").
func (s *SaveSession) buildEdgeOutput() ([]edgeGroup, []extTarget) {
	extIndex := make(map[*MethodInstance]int)
	valid := make(map[*MethodInstance]bool)
	var targets []extTarget

	for _, caller := range s.edges.order {
		for _, callee := range s.edges.forward[caller] {
			if _, done := valid[callee]; done {
				continue
			}
			matches := s.matchingMethodsFor(callee)
			if len(matches) == 0 {
				valid[callee] = false
				continue
			}
			valid[callee] = true
			extIndex[callee] = len(targets)
			targets = append(targets, extTarget{Callee: callee, Matches: matches})
		}
	}

	var groups []edgeGroup
	for _, caller := range s.edges.order {
		callees := s.edges.forward[caller]
		idxs := make([]uint32, 0, len(callees))
		ok := true
		for _, callee := range callees {
			if !valid[callee] {
				ok = false
				break
			}
			idxs = append(idxs, uint32(extIndex[callee]))
		}
		if !ok {
			s.logger.Warnf("dropping edge group for caller with unresolved external target")
			continue
		}
		groups = append(groups, edgeGroup{Caller: caller, Targets: idxs})
	}
	return groups, targets
}

// matchingMethodsFor asks the configured MethodTables collaborator for
// the methods currently matching callee's signature. With no
// collaborator configured, every target is treated as unmatched and its
// caller's edge group is dropped, the safe default.
func (s *SaveSession) matchingMethodsFor(callee *MethodInstance) []*Method {
	if s.opts.MethodTables == nil || callee == nil || callee.Method == nil {
		return nil
	}
	world := s.opts.World
	if s.opts.Dispatcher != nil {
		world = s.opts.Dispatcher.CurrentWorld()
	}
	return s.opts.MethodTables.MatchingMethods(callee.Method.Signature, world)
}
