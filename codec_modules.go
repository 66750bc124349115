// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package modcache

import "sort"

// Modules (§4.4.2). A module outside the worklist is written as a
// reference — either parent+name, or an index into the pre-saved
// loaded-modules array — never its full binding table. A module inside
// the worklist is written in full.

const (
	moduleRefByParentName uint8 = 1
	moduleRefByIndex      uint8 = 2
	moduleFullBody        uint8 = 0
)

func (s *SaveSession) encodeModule(m *Module) {
	if !m.worklist {
		s.encodeExternalModuleRef(m)
		return
	}

	idx := s.registerAndTag(m, TagModule, false)
	s.reinitEntries = append(s.reinitEntries, reinitEntry{BackrefIndex: idx, Kind: reinitModule})
	s.w.WriteU8(moduleFullBody)
	s.w.WriteBlock([]byte(m.Name))
	s.encodeValue(m.Parent)

	names := make([]string, 0, len(m.Bindings))
	for name := range m.Bindings {
		names = append(names, name)
	}
	sortStrings(names)
	s.w.WriteU32(uint32(len(names)))
	for _, name := range names {
		s.encodeBindingEntry(name, m.Bindings[name])
	}

	s.w.WriteU32(uint32(len(m.Uses)))
	for _, u := range m.Uses {
		s.encodeValue(u)
	}

	s.w.WriteU64(m.UUIDHi)
	s.w.WriteU64(m.UUIDLo)
	s.w.WriteU64(m.BuildID)
	s.w.WriteU32(m.Counters.NMethods)
	s.w.WriteU32(m.Counters.NGlobals)
	s.w.WriteU8(m.CompileByte)
	s.w.WriteU8(m.InferByte)
	s.w.WriteU8(m.OptByte)
	s.w.WriteU8(boolToU8(m.TopLevel))
}

func (s *SaveSession) encodeExternalModuleRef(m *Module) {
	s.registerAndTag(m, TagModule, false)
	if idx, ok := s.externalModuleIndex[m]; ok {
		s.w.WriteU8(moduleRefByIndex)
		s.w.WriteU32(idx)
		return
	}
	s.w.WriteU8(moduleRefByParentName)
	s.encodeValue(m.Parent)
	s.w.WriteBlock([]byte(m.Name))
}

// encodeBindingEntry writes one (name, binding) pair inline in a
// module's body: name, value (or a nulled-pointer sentinel for a
// not-yet-defined global), globalref, owner, declared type, flag byte.
func (s *SaveSession) encodeBindingEntry(name string, b *Binding) {
	s.w.WriteBlock([]byte(name))
	if b == nil {
		s.w.WriteU8(1) // nulled-pointer sentinel
		return
	}
	s.w.WriteU8(0)
	s.encodeValue(b.Value)
	s.w.WriteU8(boolToU8(b.GlobalRef))
	s.encodeValue(b.Owner)
	s.encodeValue(b.DeclaredType)
	s.w.WriteU8(uint8(b.Flags))
}

func (s *LoadSession) decodeModule(loc storageLocation) *Module {
	mode := s.r.ReadU8()
	switch mode {
	case moduleRefByIndex:
		idx := s.r.ReadU32()
		idx2 := s.backrefs.reserve(false)
		m := s.loadedModuleByIndex(idx)
		s.backrefs.fill(idx2, m)
		return m
	case moduleRefByParentName:
		idx := s.backrefs.reserve(false)
		parent, _ := s.decodeValue(storageLocation{}).(*Module)
		name := string(s.r.ReadBlock())
		m := s.resolveExternalModule(parent, name)
		s.backrefs.fill(idx, m)
		return m
	default:
		idx := s.backrefs.reserve(false)
		m := &Module{Bindings: make(map[string]*Binding)}
		s.backrefs.fill(idx, m)
		m.Name = string(s.r.ReadBlock())
		m.Parent, _ = s.decodeValue(storageLocation{}).(*Module)

		n := s.r.ReadU32()
		for i := uint32(0); i < n; i++ {
			name, b := s.decodeBindingEntry(m)
			m.Bindings[name] = b
		}

		nu := s.r.ReadU32()
		m.Uses = make([]*Module, nu)
		for i := range m.Uses {
			m.Uses[i], _ = s.decodeValue(storageLocation{}).(*Module)
		}

		m.UUIDHi = s.r.ReadU64()
		m.UUIDLo = s.r.ReadU64()
		m.BuildID = s.r.ReadU64()
		m.Counters.NMethods = s.r.ReadU32()
		m.Counters.NGlobals = s.r.ReadU32()
		m.CompileByte = s.r.ReadU8()
		m.InferByte = s.r.ReadU8()
		m.OptByte = s.r.ReadU8()
		m.TopLevel = s.r.ReadU8() != 0
		m.worklist = true
		return m
	}
}

func (s *LoadSession) decodeBindingEntry(owner *Module) (string, *Binding) {
	name := string(s.r.ReadBlock())
	sentinel := s.r.ReadU8()
	if sentinel != 0 {
		return name, nil
	}
	b := &Binding{Name: name}
	b.Value = s.decodeValue(storageLocation{
		set: func(v Node) { b.Value = v },
		get: func() Node { return b.Value },
	})
	b.GlobalRef = s.r.ReadU8() != 0
	b.Owner, _ = s.decodeValue(storageLocation{}).(*Module)
	b.DeclaredType, _ = s.decodeValue(storageLocation{}).(*DataType)
	b.Flags = BindingFlags(s.r.ReadU8())
	return name, b
}

// encodeBinding handles a Binding reached directly as a Node value (e.g.
// through a method root), outside the inline module-body form above.
func (s *SaveSession) encodeBinding(b *Binding) {
	s.registerAndTag(b, TagGeneral, false)
	s.w.WriteBlock([]byte(b.Name))
	s.encodeValue(b.Value)
	s.w.WriteU8(boolToU8(b.GlobalRef))
	s.encodeValue(b.Owner)
	s.encodeValue(b.DeclaredType)
	s.w.WriteU8(uint8(b.Flags))
}

func sortStrings(s []string) { sort.Strings(s) }
