// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package modcache

import (
	"errors"
	"fmt"
)

// Sentinel errors for the load/save entry points. Wrap these with
// fmt.Errorf("...: %w", err) rather than inventing new error values, the
// way helper.go's Errors block is used throughout the teacher's parsers.
var (
	// ErrFileNotFound is returned when the cache path cannot be opened.
	ErrFileNotFound = errors.New("modcache: cache file not found")

	// ErrTruncatedStream is returned when a read ran past the end of the
	// buffer while a value or header field was still being decoded.
	ErrTruncatedStream = errors.New("modcache: truncated cache stream")

	// ErrHeaderMagic is returned when the 8-byte magic does not match.
	ErrHeaderMagic = errors.New("modcache: bad magic, not a module cache file")

	// ErrHeaderVersion is returned when format-version does not match.
	ErrHeaderVersion = errors.New("modcache: format version mismatch")

	// ErrHeaderBOM is returned when the byte-order-mark field is not 0xFEFF.
	ErrHeaderBOM = errors.New("modcache: byte-order-mark mismatch")

	// ErrHeaderPointerSize is returned when pointer-size does not match
	// the running build.
	ErrHeaderPointerSize = errors.New("modcache: pointer size mismatch")

	// ErrHeaderEnvironment is returned when OS, arch, runtime version,
	// source branch, or source commit does not match the current build.
	ErrHeaderEnvironment = errors.New("modcache: build environment mismatch")

	// ErrModuleListMissing is returned when a non-worklist module this
	// cache depends on is not among the caller-supplied loaded modules.
	ErrModuleListMissing = errors.New("modcache: dependency module not loaded")

	// ErrModuleListUUID is returned when a dependency module is loaded
	// but carries a different UUID than the one recorded at save time.
	ErrModuleListUUID = errors.New("modcache: dependency module UUID mismatch")

	// ErrModuleListBuildID is returned when a dependency module is
	// loaded but carries a different build-id than recorded at save time.
	ErrModuleListBuildID = errors.New("modcache: dependency module build-id mismatch")

	// ErrStaleDependency is returned when a caller-supplied mtime check
	// finds a recorded include-dependency has changed since save.
	ErrStaleDependency = errors.New("modcache: stale dependency source file")

	// ErrUnserializableTask is returned when a worklist reaches a live
	// task value.
	ErrUnserializableTask = errors.New("modcache: cannot serialize a live task")

	// ErrUnserializableClosure is returned when a worklist reaches a live
	// opaque closure value.
	ErrUnserializableClosure = errors.New("modcache: cannot serialize a live opaque closure")

	// ErrUnserializableForeign is returned when a worklist reaches an
	// instance of an externally-registered (foreign) datatype.
	ErrUnserializableForeign = errors.New("modcache: cannot serialize a foreign datatype instance")

	// ErrPartialOpaqueReturn is returned when a code instance's
	// return-type-const is a partial-opaque type and skipping is
	// disabled.
	ErrPartialOpaqueReturn = errors.New("modcache: cannot serialize partial-opaque return type")
)

// ErrorKind classifies the failure shapes of spec §7.
type ErrorKind uint8

const (
	// KindStructuralReject means header, dependency-list, or
	// module-list verification failed; no partial state persists.
	KindStructuralReject ErrorKind = iota
	// KindUnserializableValue means a task, live opaque closure,
	// foreign datatype instance, or non-skippable partial-opaque
	// return type was encountered during save.
	KindUnserializableValue
)

func (k ErrorKind) String() string {
	switch k {
	case KindStructuralReject:
		return "StructuralReject"
	case KindUnserializableValue:
		return "UnserializableValue"
	default:
		return "Unknown"
	}
}

// CacheError carries an ErrorKind alongside the wrapped cause, the shape
// spec §6 calls for when restore_incremental fails: "an error value
// carrying an error kind and message".
type CacheError struct {
	Kind ErrorKind
	Err  error
}

func (e *CacheError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *CacheError) Unwrap() error { return e.Err }

func structuralReject(err error) *CacheError {
	return &CacheError{Kind: KindStructuralReject, Err: err}
}

func unserializable(err error) *CacheError {
	return &CacheError{Kind: KindUnserializableValue, Err: err}
}

// ReinitWarning is a non-fatal per-entity failure from the post-pipeline
// reinitialization pass (§4.6): caught and logged, never aborts the load.
type ReinitWarning struct {
	BackrefIndex uint32
	Kind         string
	Err          error
}

func (w ReinitWarning) Error() string {
	return fmt.Sprintf("reinit %s at #%d: %v", w.Kind, w.BackrefIndex, w.Err)
}

// StaleCodeInstance records a code instance whose serialized world range
// read back as garbage (min_world > max_world) during deserialization.
// Per §7 it is handled silently: decodeCodeInstance replaces the range
// with the empty (min=1, max=0) sentinel rather than failing the load;
// this is only collected for diagnostics, never surfaced as an error.
type StaleCodeInstance struct {
	BackrefIndex uint32
}
