// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package modcache

import (
	"bytes"
	"io"
	"os"

	mmap "github.com/edsrzf/mmap-go"
	"github.com/go-kratos/kratos/v2/log"

	"github.com/saferwall/modcache/internal/metrics"
)

func defaultLogWriter() io.Writer { return os.Stderr }

// SaveSession is the transient, process-exclusive state one
// save_incremental call allocates at entry and discards at exit (§5
// "Process-wide transient state"): the backref map, the edge map, the
// external-instance set, and the worklist handle. Modeling it as a
// struct rather than package globals means concurrent saves merely
// aren't supported, not impossible to express — matching Design Notes'
// "the global appearance in the source is an implementation detail".
type SaveSession struct {
	w         *streamWriter
	backrefs  *writeBackrefTable
	registry  *Registry
	opts      SaveOptions
	logger    *log.Helper
	metrics   *metrics.Recorder

	worklist    []*Module
	worklistSet map[*Module]bool

	// extensionMethods collects methods written with MethodExternalMT:
	// they extend a method table this save call does not own, and must
	// be (re)installed into that table at load time before any
	// method-instance lookups run (§4.6 step 2).
	extensionMethods []*Method

	// newlyInferred is the set registered via set_newly_inferred: method
	// instances written as "queued external" even though their owning
	// Method is not internal.
	newlyInferred map[*MethodInstance]bool

	externalInstances map[*MethodInstance]bool

	edges *edgeCollector

	// externalModuleIndex maps a non-worklist module to its position in
	// the module-list section, so later references to it in the main
	// body can be written as a cheap index instead of a parent+name pair
	// (§4.4.2).
	externalModuleIndex map[*Module]uint32

	// srctextPlaceholderOffset is where writeDependencyListSection left
	// the placeholder-for-srctext-offset field, patched once the
	// source-text section's real offset is known (§6).
	srctextPlaceholderOffset uint64

	// reinitEntries accumulates the post-pipeline reinitialization list
	// (§4.6 "Post-pipeline reinitialization"): entities whose backref
	// index needs extra load-time work beyond plain recaching.
	reinitEntries []reinitEntry

	firstErr error
}

func newSaveSession(worklist []*Module, opts SaveOptions) *SaveSession {
	s := &SaveSession{
		w:                   newStreamWriter(),
		backrefs:            newWriteBackrefTable(),
		registry:            DefaultRegistry(),
		opts:                opts,
		logger:              defaultHelper(opts.Logger),
		metrics:             metrics.Global(),
		worklist:            worklist,
		worklistSet:         make(map[*Module]bool),
		newlyInferred:       make(map[*MethodInstance]bool),
		externalInstances:   make(map[*MethodInstance]bool),
		edges:               newEdgeCollector(),
		externalModuleIndex: make(map[*Module]uint32),
	}
	for _, m := range worklist {
		markWorklist(m, s.worklistSet)
	}
	return s
}

// markWorklist marks m and every submodule reachable through its
// binding table as internal, the way §3's "internal iff in or under the
// worklist" is defined.
func markWorklist(m *Module, set map[*Module]bool) {
	if m == nil || set[m] {
		return
	}
	set[m] = true
	m.worklist = true
	for _, b := range m.Bindings {
		if sub, ok := b.Value.(*Module); ok {
			markWorklist(sub, set)
		}
	}
}

func (s *SaveSession) fail(err error) {
	if s.firstErr == nil {
		s.firstErr = err
	}
}

// LoadSession is the read-side mirror of SaveSession (§5 "On load: a
// transient read session allocates the backref list, flag-ref list,
// queued-method-roots table, uniquing table, and new-code-instance
// validation set").
type LoadSession struct {
	r        *streamReader
	backrefs *readBackrefList
	registry *Registry
	opts     LoadOptions
	logger   *log.Helper
	metrics  *metrics.Recorder

	tc   TypeCache
	mt   MethodTables
	disp Dispatcher

	// queuedRoots is allocated per session but not written by the load
	// path: roots read under §4.4.3 HAS_NEW_ROOTS travel on each
	// Method's own newRoots field instead (see copyRoots).
	queuedRoots map[*Method]map[uint64][]Node

	// uniquing is allocated per session but not written by the load
	// path: recaching replaces placeholders in the backref list itself
	// (readBackrefList.rewrite).
	uniquing map[Node]Node

	// newCodeInstances are the code instances on the cache chains of
	// worklist-owned and queued-external method instances, pending edge
	// verification; verifyEdgesAndAddBackedges moves each one to Active
	// or Invalidated.
	newCodeInstances map[*CodeInstance]bool

	reinitWarnings     []ReinitWarning
	invalidationLog    []EdgeInvalidation
	staleCodeInstances []StaleCodeInstance

	// extensionMethods mirrors SaveSession.extensionMethods: methods read
	// with MethodExternalMT that must be installed into their owning
	// table before any method-instance recaching runs (§4.6 step 2).
	extensionMethods []*Method

	// loadedModulesOrdered mirrors the module-list section's on-disk
	// order, so a moduleRefByIndex reference can resolve in O(1);
	// loadedByName additionally supports moduleRefByParentName lookups
	// and is keyed on the simple module name (§4.4.2).
	loadedModulesOrdered []*Module
	loadedByName         map[string]*Module

	// edgeGroups and extTargets are the read-side mirror of
	// SaveSession's edge collector output, populated by readMainBody and
	// consumed by runReconciliation steps 6 and 7 (§4.6).
	edgeGroups []edgeGroup
	extTargets []extTarget

	// reinitEntries is the read-side mirror of SaveSession.reinitEntries,
	// populated by readMainBody and drained by the post-pipeline
	// reinitialization pass.
	reinitEntries []reinitEntry

	world uint64

	firstErr error
}

func newLoadSession(buf []byte, tc TypeCache, mt MethodTables, disp Dispatcher, opts LoadOptions) *LoadSession {
	return &LoadSession{
		r:                newStreamReader(buf),
		backrefs:         newReadBackrefList(),
		registry:         DefaultRegistry(),
		opts:             opts,
		logger:           defaultHelper(opts.Logger),
		metrics:          metrics.Global(),
		tc:               tc,
		mt:               mt,
		disp:             disp,
		queuedRoots:      make(map[*Method]map[uint64][]Node),
		uniquing:         make(map[Node]Node),
		newCodeInstances: make(map[*CodeInstance]bool),
		loadedByName:     make(map[string]*Module),
	}
}

func (s *LoadSession) fail(err error) {
	if s.firstErr == nil {
		s.firstErr = err
	}
}

// EdgeInvalidation records one external-callee verification failure
// from §4.6 step 6, kept only when LoadOptions.RecordInvalidations is
// set.
type EdgeInvalidation struct {
	Caller *MethodInstance
	Callee *MethodInstance
	Reason string
}

// LoadResult is what restore_incremental / restore_incremental_from_buffer
// return on success.
type LoadResult struct {
	RestoredModules    []*Module
	InitOrder          []*Module
	ReinitWarnings     []ReinitWarning
	Invalidations      []EdgeInvalidation
	StaleCodeInstances []StaleCodeInstance
}

// newlyInferredRegistry is the process-wide list set_newly_inferred
// populates ahead of the next save_incremental call, mirroring spec §6's
// "registers a list of freshly inferred method instances (used by the
// edge collector)". It is cleared once consumed by saveIncrementalTo.
var newlyInferredRegistry []*MethodInstance

// SetNewlyInferred implements set_newly_inferred: it registers a list of
// freshly inferred method instances for the edge collector to treat as
// queued-external on the next save_incremental call.
func SetNewlyInferred(instances []*MethodInstance) {
	newlyInferredRegistry = append([]*MethodInstance(nil), instances...)
}

func consumeNewlyInferred() []*MethodInstance {
	out := newlyInferredRegistry
	newlyInferredRegistry = nil
	return out
}

// SaveIncremental implements save_incremental: worklist is an ordered
// list of modules to serialize; the last is treated as the primary
// top-level module.
func SaveIncremental(path string, worklist []*Module, opts SaveOptions) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return saveIncrementalTo(f, worklist, opts)
}

func saveIncrementalTo(w io.Writer, worklist []*Module, opts SaveOptions) error {
	s := newSaveSession(worklist, opts)
	for _, mi := range consumeNewlyInferred() {
		s.newlyInferred[mi] = true
		mi.queuedExternal = true
	}

	writeHeader(s.w, CurrentHeader())
	writeWorklistSection(s, worklist)
	writeDependencyListSection(s)
	writeModuleListSection(s, worklist)
	writeMainBody(s, worklist)
	if opts.IncludeSourceText {
		writeSourceTextSection(s)
	} else {
		s.w.PatchU64(s.srctextPlaceholderOffset, 0)
	}

	if s.firstErr != nil {
		return s.firstErr
	}
	if err := s.w.Err(); err != nil {
		return err
	}
	if err := s.w.Flush(); err != nil {
		return err
	}
	s.metrics.ObserveSave(s.backrefs.count(), len(s.edges.forward))
	if _, err := w.Write(s.w.Bytes()); err != nil {
		return err
	}
	return nil
}

// RestoreIncremental implements restore_incremental.
func RestoreIncremental(path string, loadedModules []*Module, tc TypeCache, mt MethodTables, disp Dispatcher, opts LoadOptions) (*LoadResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, structuralReject(ErrFileNotFound)
	}
	defer f.Close()

	var data []byte
	mapped, err := mmap.Map(f, mmap.RDONLY, 0)
	if err == nil {
		data = mapped
		defer mapped.Unmap()
	} else {
		// Fall back to a plain read for filesystems mmap cannot map
		// (pipes, some network mounts) the way the teacher's File.New
		// has no such fallback but NewBytes exists for exactly this.
		data, err = io.ReadAll(f)
		if err != nil {
			return nil, err
		}
	}
	return restoreFromBuffer(data, loadedModules, tc, mt, disp, opts)
}

// RestoreIncrementalFromBuffer implements restore_incremental_from_buffer.
func RestoreIncrementalFromBuffer(data []byte, loadedModules []*Module, tc TypeCache, mt MethodTables, disp Dispatcher, opts LoadOptions) (*LoadResult, error) {
	return restoreFromBuffer(data, loadedModules, tc, mt, disp, opts)
}

func restoreFromBuffer(data []byte, loadedModules []*Module, tc TypeCache, mt MethodTables, disp Dispatcher, opts LoadOptions) (*LoadResult, error) {
	s := newLoadSession(data, tc, mt, disp, opts)

	if opts.MlockPages {
		unlock := lockPages(data)
		defer unlock()
	}

	if err := readAndVerifyHeader(s.r, CurrentHeader()); err != nil {
		return nil, err
	}

	worklistStubs, err := readWorklistSection(s)
	if err != nil {
		return nil, err
	}
	if err := readDependencyListSection(s, opts.CheckDependencyMtimes); err != nil {
		return nil, err
	}
	if err := readModuleListSection(s, loadedModules); err != nil {
		return nil, err
	}

	s.world = disp.BumpWorld()

	root := readMainBody(s, worklistStubs)
	if s.firstErr != nil {
		return nil, s.firstErr
	}

	result := runReconciliation(s, root)
	if s.firstErr != nil {
		return nil, s.firstErr
	}
	invalidCallers := 0
	for _, g := range s.edgeGroups {
		if g.Caller != nil && g.Caller.Cache != nil && g.Caller.Cache.state == CodeInvalidated {
			invalidCallers++
		}
	}
	s.metrics.ObserveLoad(s.backrefs.len(), invalidCallers)
	return result, nil
}

// bytesReader adapts a []byte for the few call sites still using
// io.Reader-shaped helpers (source-text section re-export, etc).
func bytesReader(b []byte) *bytes.Reader { return bytes.NewReader(b) }
