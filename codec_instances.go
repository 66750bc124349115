// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package modcache

// Method Instances (§4.4.4) and Code Instances (§4.4.5).

// classifyMethodInstance picks mi's one-byte discriminant. A queued
// instance always wins the classification even if its method happens to
// be internal too, since its full body must be written either way.
func classifyMethodInstance(mi *MethodInstance) MethodInstanceClass {
	switch {
	case mi.QueuedExternal():
		return MIClassQueuedExternal
	case mi.Internal():
		if len(mi.Specialization) == 0 {
			return MIClassUnspecialized
		}
		return MIClassWorklistMethod
	default:
		return MIClassNotInternal
	}
}

func (s *SaveSession) encodeMethodInstance(mi *MethodInstance) {
	class := classifyMethodInstance(mi)
	needsUniquing := class == MIClassNotInternal || class == MIClassQueuedExternal
	s.registerAndTag(mi, TagMethodInstance, needsUniquing)
	s.w.WriteU8(uint8(class))

	switch class {
	case MIClassNotInternal:
		s.encodeValue(mi.Method)
		s.encodeNodeSlice(mi.Specialization)
		return
	case MIClassUnspecialized:
		s.encodeValue(mi.Method)
		s.encodeNodeSlice(mi.Specialization)
		s.encodeNodeSlice(mi.StaticParams)
		return
	}

	// Full body: worklist-owned and queued-external instances.
	s.encodeNodeSlice(mi.Specialization)
	s.encodeValue(mi.Method)
	s.encodeNodeSlice(mi.StaticParams)
	s.encodeBackedges(mi)
	s.w.WriteU8(0) // callbacks placeholder; always null in this port
	s.encodeCodeInstanceChain(mi.Cache)
}

// encodeBackedges keeps only the backedges whose callee will actually be
// materialized on the read side (worklist-owned or queued-external); a
// backedge to a callee this cache does not serialize can never be
// followed after load, so recording it would only dangle.
func (s *SaveSession) encodeBackedges(mi *MethodInstance) {
	kept := make([]*Backedge, 0, len(mi.Backedges))
	for _, be := range mi.Backedges {
		if be.Callee != nil && (be.Callee.Internal() || be.Callee.QueuedExternal()) {
			kept = append(kept, be)
		}
	}
	s.w.WriteU32(uint32(len(kept)))
	for _, be := range kept {
		s.encodeValue(be.Caller)
		s.encodeValue(be.Callee)
	}
}

func (s *LoadSession) decodeMethodInstance(loc storageLocation) *MethodInstance {
	class := MethodInstanceClass(s.r.ReadU8())
	needsUniquing := class == MIClassNotInternal || class == MIClassQueuedExternal
	idx := s.backrefs.reserve(needsUniquing)
	if needsUniquing && loc.set != nil {
		s.backrefs.addFlagRef(loc, idx, flagRefNode)
	}
	mi := &MethodInstance{}
	s.backrefs.fill(idx, mi)

	switch class {
	case MIClassNotInternal:
		mi.Method, _ = s.decodeValue(storageLocation{}).(*Method)
		mi.Specialization = s.decodeNodeSlice()
		return mi
	case MIClassUnspecialized:
		mi.Method, _ = s.decodeValue(storageLocation{}).(*Method)
		mi.Specialization = s.decodeNodeSlice()
		mi.StaticParams = s.decodeNodeSlice()
		return mi
	}

	mi.Specialization = s.decodeNodeSlice()
	mi.Method, _ = s.decodeValue(storageLocation{}).(*Method)
	mi.StaticParams = s.decodeNodeSlice()

	n := s.r.ReadU32()
	mi.Backedges = make([]*Backedge, n)
	for i := range mi.Backedges {
		caller, _ := s.decodeValue(storageLocation{}).(*MethodInstance)
		callee, _ := s.decodeValue(storageLocation{}).(*MethodInstance)
		mi.Backedges[i] = &Backedge{Caller: caller, Callee: callee}
	}
	s.r.ReadU8() // callbacks placeholder
	mi.Cache, _ = s.decodeValue(storageLocation{}).(*CodeInstance)
	if class == MIClassQueuedExternal {
		mi.queuedExternal = true
	}
	return mi
}

// Code instance flag bits (§4.4.5).
const (
	ciFlagReturnTypeIsConst uint8 = 1 << iota
	ciFlagPrecompile
)

// isPartialOpaqueReturn reports whether c's return is flagged constant
// but the constant value never resolved to a concrete node: the closest
// this Go port's type model comes to the source runtime's notion of a
// partial-opaque return-type discriminator (§9 invariant 5).
func isPartialOpaqueReturn(c *CodeInstance) bool {
	return c.ReturnTypeIsConst && c.ConstReturn == nil
}

// encodeCodeInstanceChain writes the head of a code-instance chain,
// skipping over any leading run of partial-opaque instances per
// SaveOptions.SkipPartialOpaque and writing the first survivor in their
// place (§4.4.5, §9 invariant 5). Every Next pointer in the chain is
// written the same way, so skipping is transparent no matter how deep
// into the chain the skippable instances sit.
func (s *SaveSession) encodeCodeInstanceChain(head *CodeInstance) {
	cur := head
	for cur != nil && isPartialOpaqueReturn(cur) {
		if !s.opts.SkipPartialOpaque {
			s.fail(unserializable(ErrPartialOpaqueReturn))
			return
		}
		cur = cur.Next
	}
	s.encodeValue(cur)
}

func (s *SaveSession) encodeCodeInstance(c *CodeInstance) {
	s.registerAndTag(c, TagCodeInstance, false)
	var flags uint8
	if c.ReturnTypeIsConst {
		flags |= ciFlagReturnTypeIsConst
	}
	if c.Precompile {
		flags |= ciFlagPrecompile
	}
	s.w.WriteU8(flags)
	s.w.WriteU64(c.MinWorld)
	s.w.WriteU64(c.MaxWorld)
	s.w.WriteU32(c.IPOPurityBits)
	s.w.WriteU32(c.PurityBits)
	s.encodeValue(c.Owner)
	s.w.WriteU8(boolToU8(c.Inferred != nil))
	if c.Inferred != nil {
		s.w.WriteBlock(c.Inferred)
	}
	s.w.WriteU8(boolToU8(c.ReturnTypeIsConst && c.ConstReturn != nil))
	if c.ReturnTypeIsConst && c.ConstReturn != nil {
		s.encodeValue(c.ConstReturn)
	}
	s.encodeValue(c.ReturnType)
	s.w.WriteBlock(nil) // arg-escape info: not modeled by this port
	s.w.WriteU8(c.Relocatability)
	s.encodeCodeInstanceChain(c.Next)
}

func (s *LoadSession) decodeCodeInstance() *CodeInstance {
	idx := s.backrefs.reserve(false)
	c := &CodeInstance{}
	s.backrefs.fill(idx, c)

	flags := s.r.ReadU8()
	c.ReturnTypeIsConst = flags&ciFlagReturnTypeIsConst != 0
	c.Precompile = flags&ciFlagPrecompile != 0
	minWorld := s.r.ReadU64()
	maxWorld := s.r.ReadU64()
	if minWorld > maxWorld {
		// The encoder writes MinWorld/MaxWorld verbatim, so a closed
		// (min > max) range read back here is one a save recorded as-is.
		// Replace it with the empty sentinel rather than failing the whole
		// load (§7 StaleCodeInstance), but only flag it when it wasn't
		// already the sentinel itself.
		if minWorld != 1 || maxWorld != 0 {
			s.staleCodeInstances = append(s.staleCodeInstances, StaleCodeInstance{BackrefIndex: idx})
		}
		minWorld, maxWorld = 1, 0
	}
	c.MinWorld = minWorld
	c.MaxWorld = maxWorld
	c.IPOPurityBits = s.r.ReadU32()
	c.PurityBits = s.r.ReadU32()
	c.Owner, _ = s.decodeValue(storageLocation{}).(*MethodInstance)
	if s.r.ReadU8() != 0 {
		c.Inferred = s.r.ReadBlock()
	}
	if s.r.ReadU8() != 0 {
		c.ConstReturn = s.decodeValue(storageLocation{})
	}
	c.ReturnType = s.decodeValue(storageLocation{})
	s.r.ReadBlock() // arg-escape info, discarded
	c.Relocatability = s.r.ReadU8()
	c.Next, _ = s.decodeValue(storageLocation{}).(*CodeInstance)
	return c
}
