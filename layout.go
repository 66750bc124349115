// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package modcache

import (
	"fmt"
	"hash/fnv"
)

// Cache file layout (§6): header, work-list, dependency-list,
// module-list, main body, and (optionally) source text, in that order.
// The work-list, the dependency and preference lists, and the
// source-text section use the same zero-length-prefix termination
// convention as WriteBlock/ReadBlock, so a terminator is read by the same
// loop that reads an entry; the main body's lists are count-prefixed and
// the reinit list ends with -1.

// worklistStub is one entry of the work-list section: enough to identify
// a worklist module without paying for its full body, read before the
// main body begins.
type worklistStub struct {
	Name    string
	UUIDHi  uint64
	UUIDLo  uint64
	BuildID uint64
}

func writeWorklistSection(s *SaveSession, worklist []*Module) {
	for _, m := range worklist {
		s.w.WriteBlock([]byte(m.Name))
		s.w.WriteU64(m.UUIDHi)
		s.w.WriteU64(m.UUIDLo)
		s.w.WriteU64(m.BuildID)
	}
	s.w.WriteU32(0)
}

func readWorklistSection(s *LoadSession) ([]worklistStub, error) {
	var stubs []worklistStub
	for {
		n := s.r.ReadU32()
		if s.r.Err() != nil {
			return nil, structuralReject(fmt.Errorf("%w: %v", ErrTruncatedStream, s.r.Err()))
		}
		if n == 0 {
			break
		}
		name := string(s.r.need(int(n)))
		stubs = append(stubs, worklistStub{
			Name:    name,
			UUIDHi:  s.r.ReadU64(),
			UUIDLo:  s.r.ReadU64(),
			BuildID: s.r.ReadU64(),
		})
	}
	if s.r.Err() != nil {
		return nil, structuralReject(fmt.Errorf("%w: %v", ErrTruncatedStream, s.r.Err()))
	}
	return stubs, nil
}

// writeDependencyListSection writes the dependency-list section,
// recording the current write offset as s.srctextPlaceholderOffset so
// writeSourceTextSection (or saveIncrementalTo, when source text is
// disabled) can patch in the real offset afterward.
func writeDependencyListSection(s *SaveSession) {
	sizeFieldOff := s.w.Offset()
	s.w.WriteU64(0) // placeholder-for-total-section-size, patched below
	contentStart := s.w.Offset()

	for _, d := range s.opts.Dependencies {
		s.w.WriteBlock([]byte(d.Path))
		s.w.WriteF64(d.Mtime)
		s.w.WriteU32(uint32(len(d.Providers)))
		for _, p := range d.Providers {
			s.w.WriteU32(p.ProvidesIndex)
			s.w.WriteU32(uint32(len(p.SubmodulePath)))
			for _, seg := range p.SubmodulePath {
				s.w.WriteBlock([]byte(seg))
			}
		}
	}
	s.w.WriteU32(0) // dependency-list terminator

	for _, k := range s.opts.PreferenceKeys {
		s.w.WriteBlock([]byte(k))
	}
	s.w.WriteU32(0)
	s.w.WriteU64(preferencesHash(s.opts.PreferenceKeys))

	s.srctextPlaceholderOffset = s.w.Offset()
	s.w.WriteU64(0) // placeholder-for-srctext-offset
	s.w.WriteI64(0)

	s.w.PatchU64(sizeFieldOff, s.w.Offset()-contentStart)
}

// preferencesHash checksums the active preference keys so a load can
// cheaply notice a preference-set change without comparing the full key
// list; fnv64a is the same "cheap, stable, non-cryptographic" class of
// hash the teacher reaches for elsewhere in this codebase's checksums.
func preferencesHash(keys []string) uint64 {
	h := fnv.New64a()
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{0})
	}
	return h.Sum64()
}

type dependencyListResult struct {
	srctextOffset uint64
}

func readDependencyListSection(s *LoadSession, checkMtime func(path string, savedMtime float64) bool) error {
	_ = s.r.ReadU64() // total-section-size; not needed for sequential reads

	for {
		n := s.r.ReadU32()
		if s.r.Err() != nil {
			return structuralReject(fmt.Errorf("%w: %v", ErrTruncatedStream, s.r.Err()))
		}
		if n == 0 {
			break
		}
		path := string(s.r.need(int(n)))
		mtime := s.r.ReadF64()
		np := s.r.ReadU32()
		for i := uint32(0); i < np; i++ {
			s.r.ReadU32() // provides-index
			nseg := s.r.ReadU32()
			for j := uint32(0); j < nseg; j++ {
				s.r.ReadBlock()
			}
		}
		if checkMtime != nil && !checkMtime(path, mtime) {
			return structuralReject(fmt.Errorf("%w: %s", ErrStaleDependency, path))
		}
	}

	for {
		n := s.r.ReadU32()
		if n == 0 {
			break
		}
		s.r.need(int(n))
	}
	s.r.ReadU64() // preferences-hash; informational only on this port

	s.srctextOffset = s.r.ReadU64()
	s.r.ReadI64() // trailing placeholder

	if s.r.Err() != nil {
		return structuralReject(fmt.Errorf("%w: %v", ErrTruncatedStream, s.r.Err()))
	}
	return nil
}

// writeModuleListSection pre-scans the worklist for every module
// reference that crosses outside it, assigns each a stable index in
// s.externalModuleIndex, and writes the module-list section in that
// order. The scan follows binding owners, declared types, nested
// modules, and method ownership — the paths the rest of the codec
// actually dereferences — rather than a full value-graph traversal: the
// embedding runtime keeps a global module registry and would not need
// this prepass at all, but this port's SaveSession does not have one.
func writeModuleListSection(s *SaveSession, worklist []*Module) {
	externals := collectExternalModules(worklist, s.worklistSet)
	for i, m := range externals {
		s.externalModuleIndex[m] = uint32(i)
		s.w.WriteBlock([]byte(m.Name))
		s.w.WriteU64(m.UUIDHi)
		s.w.WriteU64(m.UUIDLo)
		s.w.WriteU64(m.BuildID)
	}
	s.w.WriteU32(0)
}

func collectExternalModules(worklist []*Module, worklistSet map[*Module]bool) []*Module {
	seen := make(map[*Module]bool)
	var order []*Module

	var add func(m *Module)
	add = func(m *Module) {
		if m == nil || seen[m] {
			return
		}
		seen[m] = true
		if !worklistSet[m] {
			order = append(order, m)
			return
		}
		for _, u := range m.Uses {
			add(u)
		}
		for _, b := range m.Bindings {
			if b == nil {
				continue
			}
			if b.Owner != nil {
				add(b.Owner)
			}
			if b.DeclaredType != nil && b.DeclaredType.TypeName != nil {
				add(b.DeclaredType.TypeName.Module)
			}
			switch v := b.Value.(type) {
			case *Module:
				add(v)
			case *Method:
				if v.Module != nil {
					add(v.Module)
				}
			}
		}
	}
	for _, m := range worklist {
		add(m)
	}
	return order
}

func readModuleListSection(s *LoadSession, loadedModules []*Module) error {
	byName := make(map[string]*Module, len(loadedModules))
	for _, m := range loadedModules {
		byName[m.Name] = m
	}

	for {
		n := s.r.ReadU32()
		if s.r.Err() != nil {
			return structuralReject(fmt.Errorf("%w: %v", ErrTruncatedStream, s.r.Err()))
		}
		if n == 0 {
			break
		}
		name := string(s.r.need(int(n)))
		uuidHi := s.r.ReadU64()
		uuidLo := s.r.ReadU64()
		buildID := s.r.ReadU64()
		if s.r.Err() != nil {
			return structuralReject(fmt.Errorf("%w: %v", ErrTruncatedStream, s.r.Err()))
		}

		m, ok := byName[name]
		if !ok {
			return structuralReject(fmt.Errorf("%w: %s", ErrModuleListMissing, name))
		}
		if m.UUIDHi != uuidHi || m.UUIDLo != uuidLo {
			return structuralReject(fmt.Errorf("%w: %s", ErrModuleListUUID, name))
		}
		if m.BuildID != buildID {
			return structuralReject(fmt.Errorf("%w: %s", ErrModuleListBuildID, name))
		}
		s.loadedModulesOrdered = append(s.loadedModulesOrdered, m)
		s.loadedByName[name] = m
	}
	return nil
}

func (s *LoadSession) loadedModuleByIndex(idx uint32) *Module {
	if int(idx) < len(s.loadedModulesOrdered) {
		return s.loadedModulesOrdered[idx]
	}
	return nil
}

// resolveExternalModule looks up an external module by name among the
// caller-supplied loaded modules. A miss is not fatal: a placeholder
// Module with that name and parent is returned and nothing later reports
// it. This path exists for modules reachable only through a reference
// the module-list prepass did not walk.
func (s *LoadSession) resolveExternalModule(parent *Module, name string) *Module {
	if m, ok := s.loadedByName[name]; ok {
		return m
	}
	return &Module{Name: name, Parent: parent, Bindings: make(map[string]*Binding)}
}

// reinitKind distinguishes the handful of post-pipeline reinitialization
// cases this port models (§4.6 "Post-pipeline reinitialization").
type reinitKind uint8

const (
	reinitModule reinitKind = iota
	reinitMethodTable
)

func (k reinitKind) String() string {
	switch k {
	case reinitModule:
		return "module"
	case reinitMethodTable:
		return "method-table"
	default:
		return "unknown"
	}
}

// reinitEntry pairs a backref index with the reinitialization work it
// needs once reconciliation has otherwise finished with it.
type reinitEntry struct {
	BackrefIndex uint32
	Kind         reinitKind
}

// writeMainBody writes "serialize(worklist); serialize(extension_methods);
// count+keys(external_MI_queue); serialize(edges); serialize(ext_targets);
// reinit list" (§6).
func writeMainBody(s *SaveSession, worklist []*Module) {
	s.collectEdges(worklist)

	s.w.WriteU32(uint32(len(worklist)))
	for _, m := range worklist {
		s.encodeValue(m)
	}

	s.w.WriteU32(uint32(len(s.extensionMethods)))
	for _, m := range s.extensionMethods {
		s.encodeValue(m)
	}

	s.w.WriteU32(uint32(len(s.newlyInferred)))
	for mi := range s.newlyInferred {
		s.encodeValue(mi)
	}

	groups, targets := s.buildEdgeOutput()

	s.w.WriteU32(uint32(len(groups)))
	for _, g := range groups {
		s.encodeValue(g.Caller)
		s.w.WriteU32(uint32(len(g.Targets)))
		for _, idx := range g.Targets {
			s.w.WriteU32(idx)
		}
	}

	s.w.WriteU32(uint32(len(targets)))
	for _, t := range targets {
		s.encodeValue(t.Callee)
		s.w.WriteU32(uint32(len(t.Matches)))
		for _, m := range t.Matches {
			s.encodeValue(m)
		}
	}

	for _, e := range s.reinitEntries {
		s.w.WriteI32(int32(e.BackrefIndex))
		s.w.WriteU8(uint8(e.Kind))
	}
	s.w.WriteI32(-1)
}

func readMainBody(s *LoadSession, worklistStubs []worklistStub) []*Module {
	n := s.r.ReadU32()
	root := make([]*Module, n)
	for i := range root {
		root[i], _ = s.decodeValue(storageLocation{}).(*Module)
	}

	ne := s.r.ReadU32()
	extensionMethods := make([]*Method, ne)
	for i := range extensionMethods {
		extensionMethods[i], _ = s.decodeValue(storageLocation{}).(*Method)
	}
	s.extensionMethods = extensionMethods

	nq := s.r.ReadU32()
	for i := uint32(0); i < nq; i++ {
		if mi, ok := s.decodeValue(storageLocation{}).(*MethodInstance); ok {
			mi.queuedExternal = true
			s.newlyInferred = append(s.newlyInferred, mi)
		}
	}

	ng := s.r.ReadU32()
	s.edgeGroups = make([]edgeGroup, ng)
	for i := range s.edgeGroups {
		caller, _ := s.decodeValue(storageLocation{}).(*MethodInstance)
		nt := s.r.ReadU32()
		targets := make([]uint32, nt)
		for j := range targets {
			targets[j] = s.r.ReadU32()
		}
		s.edgeGroups[i] = edgeGroup{Caller: caller, Targets: targets}
	}

	nx := s.r.ReadU32()
	s.extTargets = make([]extTarget, nx)
	for i := range s.extTargets {
		callee, _ := s.decodeValue(storageLocation{}).(*MethodInstance)
		nm := s.r.ReadU32()
		matches := make([]*Method, nm)
		for j := range matches {
			matches[j], _ = s.decodeValue(storageLocation{}).(*Method)
		}
		s.extTargets[i] = extTarget{Callee: callee, Matches: matches}
	}

	for {
		idx := s.r.ReadI32()
		if idx == -1 {
			break
		}
		kind := reinitKind(s.r.ReadU8())
		s.reinitEntries = append(s.reinitEntries, reinitEntry{BackrefIndex: uint32(idx), Kind: kind})
	}

	return root
}

// writeSourceTextSection writes the source-text section and patches its
// real offset back into the dependency-list section's placeholder.
func writeSourceTextSection(s *SaveSession) {
	s.w.PatchU64(s.srctextPlaceholderOffset, s.w.Offset())
	for _, d := range s.opts.Dependencies {
		s.w.WriteBlock([]byte(d.Path))
		s.w.WriteU64(uint64(len(d.SourceText)))
		s.w.writeBytes(d.SourceText)
	}
	s.w.WriteU32(0)
}

// LoadSourceText re-reads a cache file's source-text section, keyed by
// dependency path, for callers that want the embedded source without
// running a full restore.
func LoadSourceText(data []byte) (map[string][]byte, error) {
	r := newStreamReader(data)
	if err := readAndVerifyHeader(r, CurrentHeader()); err != nil {
		return nil, err
	}
	for { // work-list
		n := r.ReadU32()
		if n == 0 {
			break
		}
		r.need(int(n))
		r.ReadU64()
		r.ReadU64()
		r.ReadU64()
	}
	depSectionStart := r.Pos()
	size := r.ReadU64()
	// The section size covers the trailing srctext-offset and I64 fields.
	r.Seek(depSectionStart + 8 + int(size) - 16)
	srctextOffset := r.ReadU64()
	r.ReadI64()
	if r.Err() != nil {
		return nil, structuralReject(fmt.Errorf("%w: %v", ErrTruncatedStream, r.Err()))
	}
	if srctextOffset == 0 {
		return map[string][]byte{}, nil
	}
	r.Seek(int(srctextOffset))

	out := make(map[string][]byte)
	for {
		n := r.ReadU32()
		if n == 0 {
			break
		}
		path := string(r.need(int(n)))
		length := r.ReadU64()
		out[path] = append([]byte(nil), r.need(int(length))...)
	}
	if r.Err() != nil {
		return nil, structuralReject(fmt.Errorf("%w: %v", ErrTruncatedStream, r.Err()))
	}
	return out, nil
}
