// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package modcache

import "sync"

// Tag is the one-byte (occasionally two-byte) discriminator written
// before every encoded value.
type Tag uint8

// Structural tags. Their numeric values are load-bearing: both the
// writer and reader pick these by value kind, not by a registry lookup,
// so renumbering them is a file-format break. Slot 0 is reserved for
// NULL.
const (
	TagNull Tag = iota
	TagDataType
	TagTypeVar
	TagUnionAll
	TagMethod
	TagMethodInstance
	TagCodeInstance
	TagModule
	TagArray
	TagArray1D
	TagSVec
	TagLongSVec
	TagSymbol
	TagLongSymbol
	TagString
	TagInt32
	TagInt64
	TagUInt8
	TagShortInt32
	TagShortInt64
	TagShorterInt64
	TagCommonSymbol
	TagBackref
	TagShortBackref
	TagCoreModule
	TagBaseModule
	TagSingleton
	TagBitTypename
	TagCNull
	TagShortGeneral
	TagGeneral

	// tagStructuralCount is the first tag value available for
	// well-known immutable values (empty containers, primitive type
	// representatives, small integer boxes, and the two common-symbol
	// tables).
	tagStructuralCount
)

// maxTagSlots is the hard ceiling on how many well-known values the
// registry can address with a single byte (256 total slots, minus the
// structural range).
const maxTagSlots = 256

// Registry is the bidirectional mapping between a fixed set of
// well-known core values and single-byte tags. It is initialized once
// and never mutated afterward: lookups are plain map/slice reads with no
// locking required on the read path.
type Registry struct {
	byTag   [maxTagSlots]Node
	byValue map[Node]Tag

	// commonSymbols is the curated frequent-symbol list: each entry owns a
	// registry slot and is written as that single slot byte.
	// lessCommonSymbols is the second,
	// larger list: written as TagCommonSymbol plus a second byte (the
	// "long" form §4.1 alludes to for the second symbol list).
	commonSymbols     []*Symbol
	lessCommonSymbols []*Symbol
}

var (
	defaultRegistry     *Registry
	defaultRegistryOnce sync.Once
)

// DefaultRegistry returns the process-wide tag registry, built once on
// first use. Initialization order is fixed: structural tags occupy their
// reserved slots first (not populated here, only reserved by the const
// block above), then well-known immutable values, then the two
// common-symbol tables.
func DefaultRegistry() *Registry {
	defaultRegistryOnce.Do(func() {
		defaultRegistry = newRegistry()
	})
	return defaultRegistry
}

func newRegistry() *Registry {
	r := &Registry{byValue: make(map[Node]Tag)}

	slot := Tag(tagStructuralCount)
	add := func(v Node) {
		r.byTag[slot] = v
		r.byValue[v] = slot
		slot++
	}

	// Well-known empty containers and singletons.
	add(&SVec{})                    // empty vector
	add(&StringValue{})              // empty string
	add(&Singleton{Type: boolType})  // nothing/false share a representative slot scheme in spirit
	add(&IntBox{Width: 64, Value: 0})

	// A small run of cached small-integer boxes, the way the runtime
	// caches Int64(0..255) to avoid allocating a fresh box for common
	// loop counters and indices.
	for i := int64(1); i <= 32; i++ {
		add(&IntBox{Width: 64, Value: i})
	}

	// Curated frequent-symbol table (one-byte encoding).
	for _, name := range commonSymbolNames {
		sym := &Symbol{Name: name}
		r.commonSymbols = append(r.commonSymbols, sym)
		add(sym)
	}

	// Less-frequent symbol table (two-byte encoding: TagCommonSymbol
	// plus an index byte into this table).
	r.lessCommonSymbols = make([]*Symbol, len(lessCommonSymbolNames))
	for i, name := range lessCommonSymbolNames {
		r.lessCommonSymbols[i] = &Symbol{Name: name}
	}

	return r
}

// boolType is a placeholder representative DataType used only to seed
// the registry's well-known singleton slot; the real type system's
// Bool/Nothing representatives are substituted in during reconciliation.
var boolType = &DataType{TypeName: &TypeName{Name: "Bool"}, Flags: DTConcrete | DTBits}

// commonSymbolNames is the curated, frequent-symbol list: argument
// names, common operators, and dispatch-table bookkeeping symbols that
// show up in nearly every cache file.
var commonSymbolNames = []string{
	"call", "body", "none", "quote", "new", "begin", "return", "block",
	"", "+", "-", "*", "/", "==", "<", ">", ":", "x", "y", "self",
}

// lessCommonSymbolNames is the secondary, larger symbol table: written
// with a two-byte encoding since a single byte cannot address it
// alongside the primary table and the well-known value range.
var lessCommonSymbolNames = []string{
	"getindex", "setindex!", "iterate", "convert", "promote",
	"show", "print", "length", "isempty", "push!", "pop!",
	"Base", "Core", "Main",
}

// LookupTag returns the tag for v if v is one of the registry's
// well-known values, found by identity (pointer equality on the
// concrete Node), not structural equality.
func (r *Registry) LookupTag(v Node) (Tag, bool) {
	t, ok := r.byValue[v]
	return t, ok
}

// LookupLessCommonSymbol returns the index of sym in the secondary
// less-common-symbol table, if present.
func (r *Registry) LookupLessCommonSymbol(sym *Symbol) (int, bool) {
	for i, s := range r.lessCommonSymbols {
		if s.Name == sym.Name {
			return i, true
		}
	}
	return -1, false
}

// ResolveTag returns the well-known value stored at slot t, if any.
func (r *Registry) ResolveTag(t Tag) (Node, bool) {
	if int(t) < len(r.byTag) {
		if v := r.byTag[t]; v != nil {
			return v, true
		}
	}
	return nil, false
}

// ResolveLessCommonSymbol returns the secondary-table symbol at index i.
func (r *Registry) ResolveLessCommonSymbol(i int) (*Symbol, bool) {
	if i < 0 || i >= len(r.lessCommonSymbols) {
		return nil, false
	}
	return r.lessCommonSymbols[i], true
}
