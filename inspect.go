// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package modcache

// Inspect reads a cache file's header, work-list, dependency-list, and
// module-list sections only, without running reconciliation or
// requiring any loaded-module/type-cache/method-table collaborator:
// the read-only "what is in this file" view `modcachetool inspect`
// needs, the way the teacher's `pedumper dump` prints header fields
// without mutating the parsed binary.
type InspectResult struct {
	Header       Header
	Worklist     []worklistStub
	Dependencies []InspectDependency
	ModuleList   []InspectModuleRef
}

// InspectDependency is one dependency-list entry as reported by Inspect.
type InspectDependency struct {
	Path  string
	Mtime float64
}

// InspectModuleRef is one module-list entry as reported by Inspect.
type InspectModuleRef struct {
	Name    string
	UUIDHi  uint64
	UUIDLo  uint64
	BuildID uint64
}

// Inspect parses data far enough to describe its shape without
// attempting to resolve any reference against a live process.
func Inspect(data []byte) (*InspectResult, error) {
	r := newStreamReader(data)
	if err := readAndVerifyHeader(r, CurrentHeader()); err != nil {
		return nil, err
	}
	out := &InspectResult{Header: CurrentHeader()}

	for {
		n := r.ReadU32()
		if r.Err() != nil {
			return nil, structuralReject(ErrTruncatedStream)
		}
		if n == 0 {
			break
		}
		name := string(r.need(int(n)))
		out.Worklist = append(out.Worklist, worklistStub{
			Name:    name,
			UUIDHi:  r.ReadU64(),
			UUIDLo:  r.ReadU64(),
			BuildID: r.ReadU64(),
		})
	}

	r.ReadU64() // dependency-list total-section-size
	for {
		n := r.ReadU32()
		if r.Err() != nil {
			return nil, structuralReject(ErrTruncatedStream)
		}
		if n == 0 {
			break
		}
		path := string(r.need(int(n)))
		mtime := r.ReadF64()
		np := r.ReadU32()
		for i := uint32(0); i < np; i++ {
			r.ReadU32()
			nseg := r.ReadU32()
			for j := uint32(0); j < nseg; j++ {
				r.ReadBlock()
			}
		}
		out.Dependencies = append(out.Dependencies, InspectDependency{Path: path, Mtime: mtime})
	}
	for {
		n := r.ReadU32()
		if n == 0 {
			break
		}
		r.need(int(n))
	}
	r.ReadU64() // preferences-hash
	r.ReadU64() // srctext offset
	r.ReadI64() // trailing placeholder

	for {
		n := r.ReadU32()
		if r.Err() != nil {
			return nil, structuralReject(ErrTruncatedStream)
		}
		if n == 0 {
			break
		}
		name := string(r.need(int(n)))
		out.ModuleList = append(out.ModuleList, InspectModuleRef{
			Name:    name,
			UUIDHi:  r.ReadU64(),
			UUIDLo:  r.ReadU64(),
			BuildID: r.ReadU64(),
		})
	}

	if r.Err() != nil {
		return nil, structuralReject(ErrTruncatedStream)
	}
	return out, nil
}

// VerifyHeaderAndDependencies runs only header verification and the
// dependency-list mtime check (spec.md §8 scenario 6), without
// attempting module-list resolution or full deserialization.
func VerifyHeaderAndDependencies(data []byte, checkMtime func(path string, savedMtime float64) bool) error {
	r := newStreamReader(data)
	if err := readAndVerifyHeader(r, CurrentHeader()); err != nil {
		return err
	}
	s := &LoadSession{r: r, backrefs: newReadBackrefList(), registry: DefaultRegistry(), loadedByName: make(map[string]*Module)}
	if _, err := readWorklistSection(s); err != nil {
		return err
	}
	return readDependencyListSection(s, checkMtime)
}
