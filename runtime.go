// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package modcache

// The interfaces below are the narrow surface the core calls into the
// embedding runtime through (spec §1's "external collaborators... the
// core calls them; it does not reimplement them"). They are defined
// here, not in a separate package, so a caller can satisfy them with
// whatever concrete type its own type system / method tables / dispatch
// machinery already is — the Go idiom of accepting interfaces close to
// their point of use rather than exporting them from a leaf package. A
// reference implementation lives in fakeruntime for tests and the CLI.

// TypeCache is the runtime's global structural type cache: the
// authority §4.6 step 1 ("Recache types") consults and updates.
type TypeCache interface {
	// Canonical returns the runtime's existing DataType structurally
	// identical to the given (TypeName, Parameters) pair, if one has
	// already been cached.
	Canonical(tn *TypeName, params []Node) (*DataType, bool)

	// Insert registers dt as the canonical instance for its own
	// (TypeName, Parameters) pair. Called when Canonical found nothing.
	Insert(dt *DataType)
}

// MethodTables is the runtime's method-table and method-instance cache:
// the authority §4.6 steps 2, 3, and 5 consult and update.
type MethodTables interface {
	// LookupMethod finds the live method matching sig in owner's table,
	// as of world. Used to recache an external Method reference (§4.6
	// step 3a); the load path makes no other call to it, so a queued
	// instance's dispatch target is not re-checked through it.
	LookupMethod(owner *TypeName, sig *DataType, world uint64) (*Method, bool)

	// InsertMethod installs m into its external table (§4.6 step 2,
	// "install new methods"), keyed by its (already recached) signature.
	InsertMethod(m *Method) error

	// LookupOrInsertInstance finds or creates the canonical
	// MethodInstance for (method, specialization, staticParams); the bool
	// reports whether it already existed (§4.6 step 3b).
	LookupOrInsertInstance(method *Method, specialization []Node, staticParams []Node) (*MethodInstance, bool)

	// MatchingMethods returns every currently-live method whose
	// signature intersects sig, as of world — the set the Edge
	// Collector records at save time and the Reconciliation Pipeline
	// recomputes at verification time (§4.5, §4.6 step 6).
	MatchingMethods(sig *DataType, world uint64) []*Method

	// AppendRoot appends v to method's root array under the given
	// worklist key (§4.6 step 4, "Copy roots").
	AppendRoot(method *Method, key uint64, v Node)
}

// Dispatcher is the runtime's world-age and live-backedge-graph surface.
type Dispatcher interface {
	// CurrentWorld returns the world counter's current value.
	CurrentWorld() uint64

	// BumpWorld atomically advances the world counter once and returns
	// the new value; called exactly once per load, before
	// deserialization begins (§5 "World counter").
	BumpWorld() uint64

	// AddBackedge installs caller -> callee in the runtime's live
	// backedge graph (§4.6 step 7, "add back the recorded backedges").
	AddBackedge(caller, callee *MethodInstance)
}
