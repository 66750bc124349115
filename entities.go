// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package modcache

// Node is the closed set of value kinds the cache format understands. A
// module graph reachable from a worklist is built entirely out of these;
// the codec dispatches on the concrete type via a type switch rather than
// open-ended interface methods, since the on-disk format fixes the set of
// kinds once and for all.
type Node interface {
	isNode()
}

// Symbol is an interned name. Symbols are shared runtime-wide and are
// never owned by a cache: every symbol round-trips through the tag
// registry's common/less-common symbol tables or, failing that, as a
// length-prefixed string payload.
type Symbol struct {
	Name string
}

func (*Symbol) isNode() {}

// BindingFlags packs the small set of per-binding boolean attributes.
type BindingFlags uint8

const (
	BindingDeprecated BindingFlags = 1 << iota
	BindingConst
	BindingExport
	BindingImport
)

// Binding is a module-scoped name to value mapping. Ownership is always
// the declaring Module; bindings are never shared across modules.
type Binding struct {
	Name         string
	Value        Node
	GlobalRef    bool
	Owner        *Module
	DeclaredType *DataType
	Flags        BindingFlags
}

func (*Binding) isNode() {}

// ModuleCounters tracks the small per-module bookkeeping the runtime
// keeps (method and global binding counts); round-tripped verbatim.
type ModuleCounters struct {
	NMethods uint32
	NGlobals uint32
}

// Module mirrors the runtime's module object: a name, a parent, a binding
// table, and the UUID/build-id pair used to validate a prior load against
// a freshly compiled source tree.
type Module struct {
	Name        string
	Parent      *Module
	Bindings    map[string]*Binding
	Uses        []*Module
	UUIDHi      uint64
	UUIDLo      uint64
	BuildID     uint64
	TopLevel    bool
	Counters    ModuleCounters
	CompileByte uint8
	InferByte   uint8
	OptByte     uint8

	// worklist is true for the duration of one save/load call when this
	// module is in, or nested under, the worklist being processed. It is
	// session-scoped state, not part of the on-disk format.
	worklist bool
}

func (*Module) isNode() {}

// Internal reports whether m is owned by this save/load call: it is
// internal iff it is in, or nested under, the active worklist.
func (m *Module) Internal() bool { return m != nil && m.worklist }

// TypeName is the stable identity a DataType specializes from: the
// runtime unifies two DataTypes with the same TypeName and Parameters.
type TypeName struct {
	Module         *Module
	Name           string
	FieldNames     []string
	Wrapper        *DataType
	MethodTable    *MethodTable
	Hash           uint64
	Abstract       bool
	Mutable        bool
	MayInlineAlloc bool
	AtomicFields   []bool
	ConstFields    []bool
}

func (*TypeName) isNode() {}

// DataTypeFlags packs the memory-semantics bits attached to a DataType.
type DataTypeFlags uint16

const (
	DTConcrete DataTypeFlags = 1 << iota
	DTBits
	DTDispatchTuple
	DTZeroInit
	DTCachedByHash
)

// LayoutKind distinguishes a custom layout descriptor from one of the
// three well-known shared layouts the format special-cases.
type LayoutKind uint8

const (
	LayoutCustom LayoutKind = iota
	LayoutWellKnownZeroField
	LayoutWellKnownOneFieldBoxed
	LayoutWellKnownOpaquePointer
)

// Layout describes how a DataType's instances are laid out in memory.
type Layout struct {
	Kind         LayoutKind
	NFields      uint32
	FieldOffsets []uint32
	FieldSizes   []uint32
}

// DataTypeSubTag classifies a DataType for the purposes of §4.4.1: how
// much of its body is written, and how much recaching work is needed.
type DataTypeSubTag uint8

const (
	SubTagGeneric                DataTypeSubTag = 0
	SubTagInternalPrimary        DataTypeSubTag = 5
	SubTagExternalPrimary        DataTypeSubTag = 6
	SubTagExternalApplyRecover   DataTypeSubTag = 7
	SubTagKeywordSorter          DataTypeSubTag = 9
	SubTagInternalNeedsRecache   DataTypeSubTag = 10
	SubTagExternalWithWorklist   DataTypeSubTag = 11
	SubTagExternalMaybeUniquing  DataTypeSubTag = 12
)

// DataType is a concrete or abstract struct type: name, parameters,
// supertype, field types and the layout/size information needed to
// reconstruct instances.
type DataType struct {
	TypeName     *TypeName
	Parameters   []Node
	Super        *DataType
	FieldTypes   []Node
	Size         uint32
	Layout       *Layout
	Flags        DataTypeFlags
	Hash         uint64
	Instance     *Singleton // non-nil only for zero-field immutable types

	// external is true when this type is not defined by a worklist
	// module; it drives which DataTypeSubTag the codec picks.
	external bool
	// hasFreeVars is true when Parameters contains an unbound TypeVar
	// or Super/FieldTypes reference one; forces SubTagGeneric.
	hasFreeVars bool
}

func (*DataType) isNode() {}

// TypeVar is a bounded type parameter: `name <: upper` and `name >: lower`.
type TypeVar struct {
	Name  string
	Lower Node
	Upper Node
}

func (*TypeVar) isNode() {}

// UnionAll is an existential/universal type: `{Var} . Body`.
type UnionAll struct {
	Var  *TypeVar
	Body Node
}

func (*UnionAll) isNode() {}

// MethodFlags packs the method-serialization mode bitfield of §4.4.3.
type MethodFlags uint8

const (
	MethodInternal    MethodFlags = 1 << iota // full body, owned by worklist
	MethodExternalMT                          // extends an external method table
	MethodHasNewRoots                         // external, but we add new roots under our key
)

// Method is a polymorphic function: one dispatch signature, one or more
// MethodInstance specializations.
type Method struct {
	Signature           *DataType
	Module              *Module
	ExternalTable       *MethodTable
	ExternalTableBinding string // owning-module + binding-name to rebind by
	Specializations     []*MethodInstance
	Name                string
	File                string
	Line                int32
	NArgs               int32
	NKw                 int32
	Flags               MethodFlags
	Slots               []*Symbol
	Roots               []Node
	Body                []byte // opaque compiled/source IR, companion codec
	Generator           []byte
	Invokes             uint64
	RecursionRelation   []byte

	// newRoots holds roots queued under our worklist key for a method
	// that is itself external (MethodHasNewRoots).
	newRoots map[uint64][]Node

	// ForOpaqueClosure marks a method synthesized for an opaque closure;
	// such methods are always internal regardless of their nominal
	// owning module.
	ForOpaqueClosure bool
}

func (*Method) isNode() {}

// Internal reports whether m is owned by this save/load call: either its
// module is in the worklist, or it is a for-opaque-closure method.
func (m *Method) Internal() bool {
	if m == nil {
		return false
	}
	if m.ForOpaqueClosure {
		return true
	}
	return m.Module != nil && m.Module.Internal()
}

// Backedge is a reverse dependency: callee is invoked by caller's compiled
// body, so invalidating callee must be able to find caller.
type Backedge struct {
	Caller *MethodInstance
	Callee *MethodInstance
}

// MethodInstanceClass is the one-byte discriminant of §4.4.4.
type MethodInstanceClass uint8

const (
	MIClassNotInternal    MethodInstanceClass = 0
	MIClassUnspecialized  MethodInstanceClass = 1
	MIClassWorklistMethod MethodInstanceClass = 2
	MIClassQueuedExternal MethodInstanceClass = 3
)

// MethodInstance is a Method paired with a concrete specialization: the
// unit of JIT compilation.
type MethodInstance struct {
	Method          *Method
	Specialization  []Node
	StaticParams    []Node
	Backedges       []*Backedge
	Cache           *CodeInstance // head of the code-instance chain

	// queuedExternal marks an instance explicitly registered via
	// set_newly_inferred even though its Method is not internal.
	queuedExternal bool
}

func (*MethodInstance) isNode() {}

// Internal reports whether mi is owned by this save/load call.
func (mi *MethodInstance) Internal() bool {
	return mi != nil && mi.Method != nil && mi.Method.Internal()
}

// QueuedExternal reports whether mi was registered via set_newly_inferred.
func (mi *MethodInstance) QueuedExternal() bool { return mi != nil && mi.queuedExternal }

// CodeInstanceState is the three-state machine of §4.6 "State machine for
// a single code instance".
type CodeInstanceState uint8

const (
	CodeLoaded CodeInstanceState = iota
	CodeActive
	CodeInvalidated
)

// CodeInstance is the compiled artifact for a MethodInstance, valid over
// a world-age range and chained to alternative compilations.
type CodeInstance struct {
	Owner              *MethodInstance
	Inferred           []byte // nil if instance is "closed-world"
	ReturnType         Node
	ConstReturn        Node
	ReturnTypeIsConst  bool
	MinWorld           uint64
	MaxWorld           uint64
	IPOPurityBits      uint32
	PurityBits         uint32
	Precompile         bool
	Relocatability     uint8
	Next               *CodeInstance

	state CodeInstanceState
}

func (*CodeInstance) isNode() {}

// State reports the code instance's current position in the §4.6 state
// machine; Active/Invalidated are only meaningful after reconciliation.
func (c *CodeInstance) State() CodeInstanceState { return c.state }

// ArrayFlags packs the array-kind bits of §4.4.6.
type ArrayFlags uint8

const (
	ArrayIsPointer ArrayFlags = 1 << iota
	ArrayHasPointerField
	ArrayIsUnion
)

// Array is a dense, typed, multi-dimensional array.
type Array struct {
	ElementType Node
	Dims        []uint32
	ElementSize uint16
	Flags       ArrayFlags
	Elements    []Node  // populated when ArrayIsPointer or ArrayHasPointerField
	Raw         []byte  // populated otherwise (plain bits, or bits-union payload)
	UnionTags   []byte  // type-tag-data block, only when ArrayIsUnion
}

func (*Array) isNode() {}

// MethodTable is the dispatch table owned by a TypeName.
type MethodTable struct {
	Name    string
	Module  *Module
	Entries []*Method
}

// SVec is a simple immutable vector of Nodes (the runtime's generic tuple
// container), used for parameter lists, field-type lists, and the like.
type SVec struct {
	Elements []Node
}

func (*SVec) isNode() {}

// StringValue is a length-prefixed byte string.
type StringValue struct {
	Bytes []byte
}

func (*StringValue) isNode() {}

// IntBox is a boxed fixed-width integer (int32, int64, or uint8 in the
// runtime's small-integer cache).
type IntBox struct {
	Width int // 32, 64, or 8
	Value int64
}

func (*IntBox) isNode() {}

// BigInt is an arbitrary-precision integer: sign plus raw limbs, sized by
// a globally cached limb-byte constant (see LimbBytes in stream.go).
type BigInt struct {
	Negative bool
	Limbs    []byte
}

func (*BigInt) isNode() {}

// Singleton is the sole instance of a zero-field, immutable DataType.
type Singleton struct {
	Type *DataType
}

func (*Singleton) isNode() {}

// CNull is a typed null native pointer.
type CNull struct {
	PointerType Node
}

func (*CNull) isNode() {}
