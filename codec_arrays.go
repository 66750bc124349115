// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package modcache

// Arrays (§4.4.6) and SVecs. Pointer fields within an array's raw byte
// payload are not individually walked by this port: §9 invariant 6's
// "except for two sentinel values" carve-out applies to native-pointer
// struct fields this Go model never represents outside CNull, so Raw is
// always opaque bytes and the only place a pointer can appear is an
// Elements slot, which already round-trips through the ordinary Node
// codec (CNull included: codec.go writes only its pointer type).

// encodeArray picks the compact 1-D header when both the sole dimension
// and the element size fit in a byte, else the general multi-dimensional
// header.
func (s *SaveSession) encodeArray(a *Array) {
	compact := len(a.Dims) == 1 && a.Dims[0] <= 0xFF && a.ElementSize <= 0xFF
	tag := TagArray
	if compact {
		tag = TagArray1D
	}
	s.registerAndTag(a, tag, false)

	if compact {
		s.w.WriteU8(uint8(a.Dims[0]))
		s.w.WriteU8(uint8(a.ElementSize))
		s.w.WriteU8(uint8(a.Flags))
	} else {
		s.w.WriteU16(uint16(len(a.Dims)))
		s.w.WriteU16(a.ElementSize)
		s.w.WriteU8(uint8(a.Flags))
		for _, d := range a.Dims {
			s.w.WriteU32(d)
		}
	}
	s.encodeValue(a.ElementType)

	switch {
	case a.Flags&(ArrayIsPointer|ArrayHasPointerField) != 0:
		s.w.WriteU32(uint32(len(a.Elements)))
		for _, e := range a.Elements {
			s.encodeValue(e)
		}
		if a.Flags&ArrayHasPointerField != 0 {
			s.w.WriteBlock(a.Raw)
		}
	default:
		s.w.WriteBlock(a.Raw)
		if a.Flags&ArrayIsUnion != 0 {
			s.w.WriteBlock(a.UnionTags)
		}
	}
}

func (s *LoadSession) decodeArray(tag Tag) *Array {
	idx := s.backrefs.reserve(false)
	a := &Array{}
	s.backrefs.fill(idx, a)

	if tag == TagArray1D {
		d0 := s.r.ReadU8()
		a.ElementSize = uint16(s.r.ReadU8())
		a.Flags = ArrayFlags(s.r.ReadU8())
		a.Dims = []uint32{uint32(d0)}
	} else {
		nd := s.r.ReadU16()
		a.ElementSize = s.r.ReadU16()
		a.Flags = ArrayFlags(s.r.ReadU8())
		a.Dims = make([]uint32, nd)
		for i := range a.Dims {
			a.Dims[i] = s.r.ReadU32()
		}
	}
	a.ElementType = s.decodeValue(storageLocation{})

	switch {
	case a.Flags&(ArrayIsPointer|ArrayHasPointerField) != 0:
		n := s.r.ReadU32()
		a.Elements = make([]Node, n)
		for i := range a.Elements {
			a.Elements[i] = s.decodeValue(storageLocation{})
		}
		if a.Flags&ArrayHasPointerField != 0 {
			a.Raw = s.r.ReadBlock()
		}
	default:
		a.Raw = s.r.ReadBlock()
		if a.Flags&ArrayIsUnion != 0 {
			a.UnionTags = s.r.ReadBlock()
		}
	}
	return a
}

// SVec, the runtime's generic immutable tuple container: a short form
// (u8 count) when it fits, a long form (u32 count) otherwise.
func (s *SaveSession) encodeSVec(v *SVec) {
	long := len(v.Elements) > 0xFF
	tag := TagSVec
	if long {
		tag = TagLongSVec
	}
	s.registerAndTag(v, tag, false)
	if long {
		s.w.WriteU32(uint32(len(v.Elements)))
	} else {
		s.w.WriteU8(uint8(len(v.Elements)))
	}
	for _, e := range v.Elements {
		s.encodeValue(e)
	}
}

func (s *LoadSession) decodeSVec(tag Tag) *SVec {
	idx := s.backrefs.reserve(false)
	v := &SVec{}
	s.backrefs.fill(idx, v)
	var n int
	if tag == TagLongSVec {
		n = int(s.r.ReadU32())
	} else {
		n = int(s.r.ReadU8())
	}
	v.Elements = make([]Node, n)
	for i := range v.Elements {
		v.Elements[i] = s.decodeValue(storageLocation{})
	}
	return v
}
