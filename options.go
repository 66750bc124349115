// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package modcache

import "github.com/go-kratos/kratos/v2/log"

// SaveOptions configures save_incremental, the way the teacher's Options
// struct configures File.New/NewBytes.
type SaveOptions struct {
	// SkipPartialOpaque controls what happens when a code instance's
	// return-type-const is a partial-opaque type (§4.4.5): when true
	// (the default) the instance is skipped and its successor written
	// in its place; when false, encountering one fails the save.
	SkipPartialOpaque bool

	// IncludeSourceText controls whether the source-text section is
	// written at all.
	IncludeSourceText bool

	// Logger receives ReinitWarning-equivalent diagnostics raised during
	// save (e.g. a dropped edge group). A
	// nil Logger defaults to a stderr-backed kratos logger filtered to
	// Warn and above, matching the teacher's default in file.go.
	Logger log.Logger

	// MethodTables, if set, is consulted by the edge collector to
	// snapshot the set of methods currently matching each external
	// callee's signature (§4.5). A nil value causes every external edge
	// group to be dropped, the same as an unconditional "no methods
	// match" result for every target.
	MethodTables MethodTables

	// Dispatcher, if set, supplies the world age the edge collector
	// snapshots matches at. A nil value falls back to World.
	Dispatcher Dispatcher

	// World is the world age used for MethodTables.MatchingMethods calls
	// when Dispatcher is nil.
	World uint64

	// Dependencies lists the include-dependencies this worklist was
	// compiled against, written into the dependency-list section (§6)
	// and, when IncludeSourceText is set, the source-text section.
	Dependencies []IncludeDependency

	// PreferenceKeys lists the compile-time preference keys active for
	// this save, written into the dependency-list section's preferences
	// block (§6).
	PreferenceKeys []string
}

// IncludeDependency is one unique include-dependency tuple recorded in
// the dependency-list section: a source file this worklist was compiled
// against, the modules that "provide" it, and (when source text is
// included) its content.
type IncludeDependency struct {
	Path       string
	Mtime      float64
	Providers  []DependencyProvider
	SourceText []byte
}

// DependencyProvider names one worklist module (by its position in the
// work-list section) that provides an include-dependency, optionally
// through a chain of submodules.
type DependencyProvider struct {
	ProvidesIndex uint32
	SubmodulePath []string
}

// DefaultSaveOptions mirrors spec §6's configuration defaults.
func DefaultSaveOptions() SaveOptions {
	return SaveOptions{SkipPartialOpaque: true, IncludeSourceText: true}
}

// LoadOptions configures restore_incremental / restore_incremental_from_buffer.
type LoadOptions struct {
	// Logger, see SaveOptions.Logger.
	Logger log.Logger

	// RecordInvalidations appends every EdgeInvalidation verdict to a
	// debug invalidation log retrievable from the LoadResult, rather
	// than silently discarding the non-matching entries.
	RecordInvalidations bool

	// MlockPages asks the load session to pin the mmap'd cache buffer
	// in physical memory for the duration of deserialization +
	// reconciliation, standing in for the host runtime's GC-paused
	// traversal guarantee (§5); see lockPages in mlock_unix.go /
	// mlock_other.go.
	MlockPages bool

	// CheckDependencyMtimes, if non-nil, is called once per recorded
	// include-dependency with its saved path and mtime; returning false
	// aborts the load with ErrStaleDependency (spec §8 scenario 6).
	CheckDependencyMtimes func(path string, savedMtime float64) bool
}

func defaultHelper(l log.Logger) *log.Helper {
	if l == nil {
		l = log.NewFilter(log.NewStdLogger(defaultLogWriter()), log.FilterLevel(log.LevelWarn))
	}
	return log.NewHelper(l)
}
