// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package modcache

import "sort"

// Methods (§4.4.3). Every Method writes its flag byte, signature, and
// owning module first; INTERNAL methods then emit the full body,
// external methods emit only their external-table rebind string, and
// HAS_NEW_ROOTS additionally emits the roots queued under our worklist
// key. A method with neither flag set is the "default external" path
// the spec calls out: signature + module + table reference, nothing
// more, resolved by lookup during recaching.

func (s *SaveSession) encodeMethod(m *Method) {
	needsUniquing := m.Flags&MethodInternal == 0
	s.registerAndTag(m, TagMethod, needsUniquing)
	s.w.WriteU8(uint8(m.Flags))
	s.encodeValue(m.Signature)
	s.encodeValue(m.Module)

	if m.Flags&MethodInternal != 0 {
		s.encodeNodeSlice(nodesFromInstances(m.Specializations))
		s.w.WriteBlock([]byte(m.Name))
		s.w.WriteBlock([]byte(m.File))
		s.w.WriteI32(m.Line)
		s.w.WriteI32(m.NArgs)
		s.w.WriteI32(m.NKw)
		s.w.WriteU32(uint32(len(m.Slots)))
		for _, sym := range m.Slots {
			s.encodeValue(sym)
		}
		s.encodeNodeSlice(m.Roots)
		s.w.WriteBlock(m.Body)
		s.w.WriteBlock(m.Generator)
		s.w.WriteU64(m.Invokes)
		s.w.WriteBlock(m.RecursionRelation)
		return
	}

	s.w.WriteBlock([]byte(m.ExternalTableBinding))
	if m.Flags&MethodHasNewRoots != 0 {
		keys := make([]uint64, 0, len(m.newRoots))
		for k := range m.newRoots {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
		s.w.WriteU32(uint32(len(keys)))
		for _, k := range keys {
			roots := m.newRoots[k]
			s.w.WriteU64(k)
			s.encodeNodeSlice(roots)
		}
	}
}

func (s *LoadSession) decodeMethod(loc storageLocation) *Method {
	flags := MethodFlags(s.r.ReadU8())
	needsUniquing := flags&MethodInternal == 0
	idx := s.backrefs.reserve(needsUniquing)
	if needsUniquing && loc.set != nil {
		s.backrefs.addFlagRef(loc, idx, flagRefNode)
	}
	m := &Method{Flags: flags}
	s.backrefs.fill(idx, m)
	m.Signature, _ = s.decodeValue(storageLocation{}).(*DataType)
	m.Module, _ = s.decodeValue(storageLocation{}).(*Module)

	if flags&MethodInternal != 0 {
		m.Specializations = instancesFromNodes(s.decodeNodeSlice())
		m.Name = string(s.r.ReadBlock())
		m.File = string(s.r.ReadBlock())
		m.Line = s.r.ReadI32()
		m.NArgs = s.r.ReadI32()
		m.NKw = s.r.ReadI32()
		n := s.r.ReadU32()
		m.Slots = make([]*Symbol, n)
		for i := range m.Slots {
			m.Slots[i], _ = s.decodeValue(storageLocation{}).(*Symbol)
		}
		m.Roots = s.decodeNodeSlice()
		m.Body = s.r.ReadBlock()
		m.Generator = s.r.ReadBlock()
		m.Invokes = s.r.ReadU64()
		m.RecursionRelation = s.r.ReadBlock()
		return m
	}

	m.ExternalTableBinding = string(s.r.ReadBlock())
	if flags&MethodHasNewRoots != 0 {
		m.newRoots = make(map[uint64][]Node)
		n := s.r.ReadU32()
		for i := uint32(0); i < n; i++ {
			key := s.r.ReadU64()
			m.newRoots[key] = s.decodeNodeSlice()
		}
	}
	return m
}

// encodeNodeSlice/decodeNodeSlice write a u32 count followed by that many
// values, the shape shared by specialization lists, root arrays, static
// parameters, and field/parameter vectors throughout the codec.
func (s *SaveSession) encodeNodeSlice(vs []Node) {
	s.w.WriteU32(uint32(len(vs)))
	for _, v := range vs {
		s.encodeValue(v)
	}
}

func (s *LoadSession) decodeNodeSlice() []Node {
	n := s.r.ReadU32()
	out := make([]Node, n)
	for i := range out {
		out[i] = s.decodeValue(storageLocation{})
	}
	return out
}

func nodesFromInstances(mis []*MethodInstance) []Node {
	out := make([]Node, len(mis))
	for i, mi := range mis {
		out[i] = mi
	}
	return out
}

func instancesFromNodes(ns []Node) []*MethodInstance {
	out := make([]*MethodInstance, len(ns))
	for i, n := range ns {
		out[i], _ = n.(*MethodInstance)
	}
	return out
}
