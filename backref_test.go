// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package modcache

import "testing"

func TestWriteBackrefTableAssignsMonotonicIndices(t *testing.T) {
	tbl := newWriteBackrefTable()
	a := &Symbol{Name: "a"}
	b := &Symbol{Name: "b"}

	idxA := tbl.register(a, false)
	idxB := tbl.register(b, true)

	if idxA != 0 || idxB != 1 {
		t.Fatalf("got indices %d, %d, want 0, 1", idxA, idxB)
	}
	if got, ok := tbl.lookup(a); !ok || got != 0 {
		t.Errorf("lookup(a) = %d, %v, want 0, true", got, ok)
	}
	if tbl.needsUniquing(a) {
		t.Error("a should not need uniquing")
	}
	if !tbl.needsUniquing(b) {
		t.Error("b should need uniquing")
	}
	if tbl.count() != 2 {
		t.Errorf("count = %d, want 2", tbl.count())
	}
}

func TestEmitAndReadBackrefShortLongBoundary(t *testing.T) {
	cases := []struct {
		idx  uint32
		long bool
	}{
		{0, false},
		{shortBackrefLimit - 1, false},
		{shortBackrefLimit, true},
		{shortBackrefLimit + 100, true},
	}

	for _, c := range cases {
		w := newStreamWriter()
		emitBackref(w, c.idx, true)

		r := newStreamReader(w.Bytes())
		tag := Tag(r.ReadU8())
		long := tag == TagBackref
		if long != c.long {
			t.Errorf("idx %d: tag long = %v, want %v", c.idx, long, c.long)
		}
		idx, needsUQ := readBackref(r, long)
		if idx != c.idx {
			t.Errorf("idx %d: decoded idx = %d", c.idx, idx)
		}
		if !needsUQ {
			t.Errorf("idx %d: expected uniquing bit set", c.idx)
		}
	}
}

func TestReadBackrefListReserveFillRewrite(t *testing.T) {
	l := newReadBackrefList()
	idx := l.reserve(true)
	placeholder := &Symbol{Name: "placeholder"}
	l.fill(idx, placeholder)

	var rewritten Node
	l.addFlagRef(storageLocation{set: func(v Node) { rewritten = v }}, idx, flagRefNode)

	canonical := &Symbol{Name: "canonical"}
	l.rewrite(idx, canonical)

	if l.at(idx) != canonical {
		t.Errorf("at(idx) = %v, want canonical", l.at(idx))
	}
	if rewritten != canonical {
		t.Errorf("flag-ref location was not updated to canonical")
	}
}
