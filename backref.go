// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package modcache

// shortBackrefLimit is the largest index the short (tag + u16) backref
// encoding can address; indices at or beyond it use the long (tag + i32)
// form. Spec §8 calls out 65,536 as the exact boundary.
const shortBackrefLimit = 1 << 16

// writeBackrefTable is the write-side half of §4.3: a pointer-keyed map
// from object identity to a monotonically assigned index, plus the
// uniquing flag bit that marks entries needing post-load recaching.
type writeBackrefTable struct {
	index map[Node]uint32
	flags map[Node]bool
	next  uint32
}

func newWriteBackrefTable() *writeBackrefTable {
	return &writeBackrefTable{
		index: make(map[Node]uint32),
		flags: make(map[Node]bool),
	}
}

// lookup returns the existing index for v, if any. The second result is
// false on first encounter: the caller must then register v and write
// its full payload.
func (t *writeBackrefTable) lookup(v Node) (uint32, bool) {
	idx, ok := t.index[v]
	return idx, ok
}

// register assigns the next monotonic index to v and records whether it
// needs uniquing at read time. It must be called exactly once per value,
// before that value's subfields are written, so that cycles reached
// while writing those subfields resolve to this same index.
func (t *writeBackrefTable) register(v Node, needsUniquing bool) uint32 {
	idx := t.next
	t.next++
	t.index[v] = idx
	t.flags[v] = needsUniquing
	return idx
}

// needsUniquing reports the flag bit recorded for an already-registered
// value.
func (t *writeBackrefTable) needsUniquing(v Node) bool {
	return t.flags[v]
}

// count returns the number of distinct values registered so far; spec §8
// requires this to equal the read-side backref list length after load.
func (t *writeBackrefTable) count() uint32 { return t.next }

// emitBackref writes the tag+index pair for an already-registered value,
// choosing the short or long encoding by the §8 boundary. The long form
// packs the uniquing bit into the index's low bit; the short form writes
// the full 16-bit index followed by a one-byte uniquing flag, so every
// index below shortBackrefLimit fits.
func emitBackref(s *streamWriter, idx uint32, needsUniquing bool) {
	if idx < shortBackrefLimit {
		s.WriteU8(uint8(TagShortBackref))
		s.WriteU16(uint16(idx))
		s.WriteU8(boolToU8(needsUniquing))
		return
	}
	packed := idx << 1
	if needsUniquing {
		packed |= 1
	}
	s.WriteU8(uint8(TagBackref))
	s.WriteU32(packed)
}

// readBackref decodes a previously-written backref pair: returns the
// index and its uniquing bit.
func readBackref(s *streamReader, long bool) (idx uint32, needsUniquing bool) {
	if !long {
		idx = uint32(s.ReadU16())
		return idx, s.ReadU8() != 0
	}
	packed := s.ReadU32()
	return packed >> 1, packed&1 != 0
}

// flagRefKind distinguishes what kind of storage location a flagRef
// entry rewrites, purely for diagnostics; the reconciliation pipeline
// dispatches on the referenced entry's Node type, not on this field.
type flagRefKind uint8

const (
	flagRefNode flagRefKind = iota
	flagRefFollow
)

// storageLocation is a rewritable slot somewhere in the freshly
// deserialized graph: a pointer to the field that must be overwritten
// with the canonical value once recaching resolves it.
type storageLocation struct {
	set func(Node)
	get func() Node
}

// flagRef is an entry in the read-side flag-ref list: a storage location
// that must be rewritten once the backref-list entry at Index is
// recached, or (when Kind is flagRefFollow) once whatever that entry is
// itself eventually rewritten to is known.
type flagRef struct {
	Loc   storageLocation
	Index uint32
	Kind  flagRefKind
}

// readBackrefList is the read-side mirror of writeBackrefTable: an
// append-only vector indexed by assignment order, plus the flag-ref
// list of storage locations pending a post-recache rewrite.
type readBackrefList struct {
	entries  []Node
	needsUQ  []bool
	flagRefs []flagRef
}

func newReadBackrefList() *readBackrefList {
	return &readBackrefList{}
}

// reserve appends a new, as-yet-unfilled slot and returns its index. It
// must be called before a value's subfields are deserialized so cyclic
// references resolve to the enclosing parent, mirroring the write side's
// register-before-recurse discipline.
func (l *readBackrefList) reserve(needsUniquing bool) uint32 {
	idx := uint32(len(l.entries))
	l.entries = append(l.entries, nil)
	l.needsUQ = append(l.needsUQ, needsUniquing)
	return idx
}

// fill stores the fully deserialized value at idx, reserved earlier by
// reserve.
func (l *readBackrefList) fill(idx uint32, v Node) {
	l.entries[idx] = v
}

// at returns the value at idx, which may still be a placeholder pending
// recaching.
func (l *readBackrefList) at(idx uint32) Node {
	if int(idx) >= len(l.entries) {
		return nil
	}
	return l.entries[idx]
}

// needsUniquing reports the flag recorded at reservation time.
func (l *readBackrefList) needsUniquing(idx uint32) bool {
	if int(idx) >= len(l.needsUQ) {
		return false
	}
	return l.needsUQ[idx]
}

// len reports the number of reserved slots, used to check the §8
// invariant that this equals the write side's final count.
func (l *readBackrefList) len() uint32 { return uint32(len(l.entries)) }

// forEach visits every reserved slot in assignment order, the way the
// Reconciliation Pipeline walks the backref list once per step rather
// than re-traversing the deserialized graph from scratch each time.
func (l *readBackrefList) forEach(fn func(idx uint32, v Node, needsUQ bool)) {
	for i, v := range l.entries {
		fn(uint32(i), v, l.needsUQ[i])
	}
}

// addFlagRef records a storage location pending a post-recache rewrite.
// When a backref is read with its uniquing bit set and the caller
// supplied a storage location, the location is appended here; if the
// caller has no location handy (e.g. it is about to overwrite the slot
// itself right away), pass a nil Loc.set and the entry is still kept so
// reconciliation can still poison/rewrite the backref-list slot itself.
func (l *readBackrefList) addFlagRef(loc storageLocation, index uint32, kind flagRefKind) {
	l.flagRefs = append(l.flagRefs, flagRef{Loc: loc, Index: index, Kind: kind})
}

// rewrite stores v in the backref-list slot at index and overwrites every
// flag-ref location recorded against that same index with v. Entries are
// matched on Index alone, whatever their Kind; flagRefFollow entries get
// no extra hop.
func (l *readBackrefList) rewrite(index uint32, v Node) {
	l.fill(index, v)
	for _, fr := range l.flagRefs {
		if fr.Index == index && fr.Loc.set != nil {
			fr.Loc.set(v)
		}
	}
}
