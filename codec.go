// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package modcache

// Value Codec (§4.4): a polymorphic serialize/deserialize pair over the
// full, closed set of Node kinds. encodeValue and decodeValue are the
// single entry points every component (module bindings, method roots,
// array elements, ...) calls through; they handle the three
// universal cases — NULL, a tag-registry hit, and "already backref'd" —
// before dispatching on concrete type to the per-kind encoder.

// encodeValue writes v to the session's stream: a single NULL byte, a
// one-or-two-byte tag-registry hit, a backref if v was already written,
// or else registers v and writes its full payload.
func (s *SaveSession) encodeValue(v Node) {
	if v == nil || isNilNode(v) {
		s.w.WriteU8(uint8(TagNull))
		return
	}

	if sym, ok := v.(*Symbol); ok {
		if s.encodeSymbol(sym) {
			return
		}
	} else if t, ok := s.registry.LookupTag(v); ok {
		s.w.WriteU8(uint8(t))
		return
	}

	if idx, ok := s.backrefs.lookup(v); ok {
		emitBackref(s.w, idx, s.backrefs.needsUniquing(v))
		return
	}

	s.encodeByKind(v)
}

// encodeByKind registers v in the backref table (so cycles reached while
// writing its subfields resolve to this index) and then writes its
// tagged payload, dispatching on concrete type.
func (s *SaveSession) encodeByKind(v Node) {
	switch n := v.(type) {
	case *DataType:
		s.encodeDataType(n)
	case *TypeVar:
		s.registerAndTag(n, TagTypeVar, false)
		s.encodeValue(n.Lower)
		s.encodeValue(n.Upper)
		s.w.WriteBlock([]byte(n.Name))
	case *UnionAll:
		s.registerAndTag(n, TagUnionAll, false)
		s.encodeValue(n.Var)
		s.encodeValue(n.Body)
	case *Module:
		s.encodeModule(n)
	case *Method:
		s.encodeMethod(n)
	case *MethodInstance:
		s.encodeMethodInstance(n)
	case *CodeInstance:
		s.encodeCodeInstance(n)
	case *Array:
		s.encodeArray(n)
	case *SVec:
		s.encodeSVec(n)
	case *StringValue:
		s.registerAndTag(n, TagString, false)
		s.w.WriteBlock(n.Bytes)
	case *IntBox:
		s.encodeIntBox(n)
	case *BigInt:
		s.registerAndTag(n, TagGeneral, false)
		s.w.WriteU8(boolToU8(n.Negative))
		s.w.WriteU32(uint32(len(n.Limbs)))
		s.w.writeBytes(n.Limbs)
	case *Singleton:
		s.encodeSingleton(n)
	case *CNull:
		s.registerAndTag(n, TagCNull, false)
		s.encodeValue(n.PointerType)
	case *Binding:
		s.encodeBinding(n)
	case *TypeName:
		s.encodeTypeName(n)
	default:
		s.fail(unserializable(ErrUnserializableForeign))
	}
}

// registerAndTag registers v in the backref table and writes its tag
// byte; callers follow this with the value's payload fields, in the
// exact order the corresponding decodeXxx function reads them. It
// returns the assigned backref index, for the rare caller (worklist
// modules, type names with a method table) that must also record a
// post-pipeline reinitialization entry against it.
func (s *SaveSession) registerAndTag(v Node, tag Tag, needsUniquing bool) uint32 {
	idx := s.backrefs.register(v, needsUniquing)
	s.w.WriteU8(uint8(tag))
	return idx
}

// encodeSymbol writes a symbol via the common or less-common table when
// possible, falling back to a length-prefixed payload (registered as a
// backref like any other value) otherwise. Returns false when the caller
// must fall through to the general backref/encode path.
func (s *SaveSession) encodeSymbol(sym *Symbol) bool {
	if t, ok := s.registry.LookupTag(sym); ok {
		s.w.WriteU8(uint8(t))
		return true
	}
	if idx, ok := s.registry.LookupLessCommonSymbol(sym); ok {
		s.w.WriteU8(uint8(TagCommonSymbol))
		s.w.WriteU8(uint8(idx))
		return true
	}
	if idx, ok := s.backrefs.lookup(sym); ok {
		emitBackref(s.w, idx, false)
		return true
	}
	long := len(sym.Name) > 255
	if long {
		s.registerAndTag(sym, TagLongSymbol, false)
		s.w.WriteU32(uint32(len(sym.Name)))
	} else {
		s.registerAndTag(sym, TagSymbol, false)
		s.w.WriteU8(uint8(len(sym.Name)))
	}
	s.w.writeBytes([]byte(sym.Name))
	return true
}

func (s *SaveSession) encodeIntBox(n *IntBox) {
	switch n.Width {
	case 8:
		s.registerAndTag(n, TagUInt8, false)
		s.w.WriteU8(uint8(n.Value))
	case 32:
		if n.Value >= -1<<20 && n.Value < 1<<20 {
			s.registerAndTag(n, TagShortInt32, false)
			s.w.WriteI32(int32(n.Value))
		} else {
			s.registerAndTag(n, TagInt32, false)
			s.w.WriteI32(int32(n.Value))
		}
	default: // 64
		switch {
		case n.Value >= -1<<12 && n.Value < 1<<12:
			s.registerAndTag(n, TagShorterInt64, false)
			s.w.WriteI64(n.Value)
		case n.Value >= -1<<32 && n.Value < 1<<32:
			s.registerAndTag(n, TagShortInt64, false)
			s.w.WriteI64(n.Value)
		default:
			s.registerAndTag(n, TagInt64, false)
			s.w.WriteI64(n.Value)
		}
	}
}

func (s *SaveSession) encodeSingleton(n *Singleton) {
	needsUniquing := n.Type == nil || !n.Type.external || typeMayBeShared(n.Type)
	s.registerAndTag(n, TagSingleton, needsUniquing)
	s.encodeValue(n.Type)
}

// typeMayBeShared reports whether a singleton's type is outside the
// worklist, meaning the singleton's instance must be rebound to the
// runtime's canonical copy (never an independently-allocated duplicate).
func typeMayBeShared(t *DataType) bool {
	return t == nil || t.external
}

func boolToU8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

// isNilNode reports whether a typed Node interface value wraps a nil
// pointer (e.g. a (*DataType)(nil) stored in an interface is non-nil as
// an interface but must still serialize as NULL).
func isNilNode(v Node) bool {
	switch n := v.(type) {
	case *DataType:
		return n == nil
	case *TypeVar:
		return n == nil
	case *UnionAll:
		return n == nil
	case *Module:
		return n == nil
	case *Method:
		return n == nil
	case *MethodInstance:
		return n == nil
	case *CodeInstance:
		return n == nil
	case *Array:
		return n == nil
	case *SVec:
		return n == nil
	case *StringValue:
		return n == nil
	case *IntBox:
		return n == nil
	case *BigInt:
		return n == nil
	case *Singleton:
		return n == nil
	case *CNull:
		return n == nil
	case *Symbol:
		return n == nil
	case *Binding:
		return n == nil
	case *TypeName:
		return n == nil
	default:
		return false
	}
}

// decodeValue is the read-side mirror of encodeValue: reads one tag
// byte and dispatches to NULL, a tag-registry value, a backref
// resolution, or a per-kind decoder. loc, if non-nil, is the storage
// location that should be registered against a flag-ref entry when the
// decoded value (or a backref to it) needs later recaching.
func (s *LoadSession) decodeValue(loc storageLocation) Node {
	tag := Tag(s.r.ReadU8())
	return s.decodeTagged(tag, loc)
}

func (s *LoadSession) decodeTagged(tag Tag, loc storageLocation) Node {
	switch tag {
	case TagNull:
		return nil
	case TagBackref, TagShortBackref:
		idx, needsUQ := readBackref(s.r, tag == TagBackref)
		if needsUQ && loc.set != nil {
			s.backrefs.addFlagRef(loc, idx, flagRefFollow)
		}
		return s.backrefs.at(idx)
	case TagCommonSymbol:
		idx := int(s.r.ReadU8())
		sym, _ := s.registry.ResolveLessCommonSymbol(idx)
		return sym
	case TagSymbol, TagLongSymbol:
		return s.decodeSymbolPayload(tag)
	case TagDataType:
		return s.decodeDataType(loc)
	case TagTypeVar:
		return s.decodeTypeVar()
	case TagUnionAll:
		return s.decodeUnionAll()
	case TagModule:
		return s.decodeModule(loc)
	case TagMethod:
		return s.decodeMethod(loc)
	case TagMethodInstance:
		return s.decodeMethodInstance(loc)
	case TagCodeInstance:
		return s.decodeCodeInstance()
	case TagArray, TagArray1D:
		return s.decodeArray(tag)
	case TagSVec, TagLongSVec:
		return s.decodeSVec(tag)
	case TagString:
		return s.decodeStringValue()
	case TagUInt8:
		idx := s.backrefs.reserve(false)
		v := &IntBox{Width: 8, Value: int64(s.r.ReadU8())}
		s.backrefs.fill(idx, v)
		return v
	case TagShortInt32, TagInt32:
		idx := s.backrefs.reserve(false)
		v := &IntBox{Width: 32, Value: int64(s.r.ReadI32())}
		s.backrefs.fill(idx, v)
		return v
	case TagShorterInt64, TagShortInt64, TagInt64:
		idx := s.backrefs.reserve(false)
		v := &IntBox{Width: 64, Value: s.r.ReadI64()}
		s.backrefs.fill(idx, v)
		return v
	case TagSingleton:
		return s.decodeSingleton(loc)
	case TagCNull:
		idx := s.backrefs.reserve(false)
		v := &CNull{}
		s.backrefs.fill(idx, v)
		v.PointerType = s.decodeValue(storageLocation{})
		return v
	case TagGeneral, TagShortGeneral:
		return s.decodeBigInt()
	case TagBitTypename:
		return s.decodeTypeNameFromBody(loc)
	default:
		if v, ok := s.registry.ResolveTag(tag); ok {
			return v
		}
		s.fail(structuralReject(ErrTruncatedStream))
		return nil
	}
}

func (s *LoadSession) decodeSymbolPayload(tag Tag) *Symbol {
	idx := s.backrefs.reserve(false)
	var n int
	if tag == TagLongSymbol {
		n = int(s.r.ReadU32())
	} else {
		n = int(s.r.ReadU8())
	}
	b := s.r.need(n)
	sym := &Symbol{Name: string(b)}
	s.backrefs.fill(idx, sym)
	return sym
}

func (s *LoadSession) decodeStringValue() *StringValue {
	idx := s.backrefs.reserve(false)
	v := &StringValue{Bytes: s.r.ReadBlock()}
	s.backrefs.fill(idx, v)
	return v
}

func (s *LoadSession) decodeBigInt() *BigInt {
	idx := s.backrefs.reserve(false)
	neg := s.r.ReadU8() != 0
	n := s.r.ReadU32()
	limbs := s.r.need(int(n))
	out := make([]byte, len(limbs))
	copy(out, limbs)
	v := &BigInt{Negative: neg, Limbs: out}
	s.backrefs.fill(idx, v)
	return v
}

func (s *LoadSession) decodeSingleton(loc storageLocation) *Singleton {
	idx := s.backrefs.reserve(true)
	if loc.set != nil {
		s.backrefs.addFlagRef(loc, idx, flagRefNode)
	}
	v := &Singleton{}
	s.backrefs.fill(idx, v)
	v.Type, _ = s.decodeValue(storageLocation{}).(*DataType)
	return v
}
