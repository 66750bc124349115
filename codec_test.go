// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package modcache

import "testing"

func roundTrip(t *testing.T, v Node) Node {
	t.Helper()
	s := newSaveSession(nil, SaveOptions{SkipPartialOpaque: true})
	s.encodeValue(v)
	if s.firstErr != nil {
		t.Fatalf("encode failed: %v", s.firstErr)
	}
	if err := s.w.Err(); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	ls := newLoadSession(s.w.Bytes(), nil, nil, nil, LoadOptions{})
	got := ls.decodeValue(storageLocation{})
	if err := ls.r.Err(); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	return got
}

func TestCodecIntBoxRoundTrip(t *testing.T) {
	cases := []int64{0, 1, -1, 200, -200, 1 << 20, -(1 << 20), 1 << 40}
	for _, want := range cases {
		got := roundTrip(t, &IntBox{Width: 64, Value: want})
		box, ok := got.(*IntBox)
		if !ok {
			t.Fatalf("got %T, want *IntBox", got)
		}
		if box.Value != want {
			t.Errorf("IntBox round trip = %d, want %d", box.Value, want)
		}
	}
}

func TestCodecSymbolRoundTrip(t *testing.T) {
	got := roundTrip(t, &Symbol{Name: "a_rare_symbol_not_in_any_table"})
	sym, ok := got.(*Symbol)
	if !ok || sym.Name != "a_rare_symbol_not_in_any_table" {
		t.Fatalf("got %v, want matching Symbol", got)
	}
}

func TestCodecStringValueRoundTrip(t *testing.T) {
	got := roundTrip(t, &StringValue{Bytes: []byte("payload")})
	sv, ok := got.(*StringValue)
	if !ok || string(sv.Bytes) != "payload" {
		t.Fatalf("got %v, want StringValue(payload)", got)
	}
}

func TestCodecArrayRoundTrip(t *testing.T) {
	arr := &Array{
		ElementType: &Symbol{Name: "Int64"},
		Dims:        []uint32{4},
		ElementSize: 8,
		Raw:         []byte{1, 2, 3, 4, 5, 6, 7, 8},
	}
	got := roundTrip(t, arr)
	out, ok := got.(*Array)
	if !ok {
		t.Fatalf("got %T, want *Array", got)
	}
	if len(out.Dims) != 1 || out.Dims[0] != 4 {
		t.Errorf("Dims round trip = %v, want [4]", out.Dims)
	}
	if string(out.Raw) != string(arr.Raw) {
		t.Errorf("Raw round trip = %v, want %v", out.Raw, arr.Raw)
	}
}

func TestCodecSVecRoundTrip(t *testing.T) {
	sv := &SVec{Elements: []Node{&IntBox{Width: 64, Value: 1}, &IntBox{Width: 64, Value: 2}}}
	got := roundTrip(t, sv)
	out, ok := got.(*SVec)
	if !ok || len(out.Elements) != 2 {
		t.Fatalf("got %v, want a 2-element SVec", got)
	}
}

func TestCodecNilIsNull(t *testing.T) {
	got := roundTrip(t, (*DataType)(nil))
	if got != nil {
		t.Errorf("nil DataType round trip = %v, want nil", got)
	}
}

func TestCodecBackreferenceAlignment(t *testing.T) {
	s := newSaveSession(nil, SaveOptions{SkipPartialOpaque: true})
	shared := &StringValue{Bytes: []byte("shared")}
	sv := &SVec{Elements: []Node{shared, shared}}
	s.encodeValue(sv)
	if s.firstErr != nil {
		t.Fatalf("encode failed: %v", s.firstErr)
	}

	ls := newLoadSession(s.w.Bytes(), nil, nil, nil, LoadOptions{})
	got, ok := ls.decodeValue(storageLocation{}).(*SVec)
	if !ok {
		t.Fatalf("decode did not return an *SVec")
	}
	if got.Elements[0] != got.Elements[1] {
		t.Error("two references to the same shared value decoded to different objects")
	}
}

func TestCodecCodeInstanceWorldRangeRoundTrip(t *testing.T) {
	c := &CodeInstance{MinWorld: 5, MaxWorld: infiniteWorld}
	got := roundTrip(t, c)
	ci, ok := got.(*CodeInstance)
	if !ok {
		t.Fatalf("got %T, want *CodeInstance", got)
	}
	if ci.MinWorld != 5 || ci.MaxWorld != infiniteWorld {
		t.Errorf("MinWorld/MaxWorld = %d/%d, want 5/%d", ci.MinWorld, ci.MaxWorld, infiniteWorld)
	}
}

func TestCodecCodeInstanceStaleWorldRangeIsSanitized(t *testing.T) {
	s := newSaveSession(nil, SaveOptions{SkipPartialOpaque: true})
	s.encodeValue(&CodeInstance{MinWorld: 10, MaxWorld: 5})
	if s.firstErr != nil {
		t.Fatalf("encode failed: %v", s.firstErr)
	}

	ls := newLoadSession(s.w.Bytes(), nil, nil, nil, LoadOptions{})
	got := ls.decodeValue(storageLocation{})
	ci, ok := got.(*CodeInstance)
	if !ok {
		t.Fatalf("got %T, want *CodeInstance", got)
	}
	if ci.MinWorld != 1 || ci.MaxWorld != 0 {
		t.Errorf("MinWorld/MaxWorld = %d/%d, want sentinel 1/0", ci.MinWorld, ci.MaxWorld)
	}
	if len(ls.staleCodeInstances) != 1 {
		t.Fatalf("expected one StaleCodeInstance recorded, got %d", len(ls.staleCodeInstances))
	}
}

func TestCodecCodeInstanceAlreadySentinelWorldRangeNotFlaggedStale(t *testing.T) {
	s := newSaveSession(nil, SaveOptions{SkipPartialOpaque: true})
	s.encodeValue(&CodeInstance{MinWorld: 1, MaxWorld: 0})
	if s.firstErr != nil {
		t.Fatalf("encode failed: %v", s.firstErr)
	}

	ls := newLoadSession(s.w.Bytes(), nil, nil, nil, LoadOptions{})
	ls.decodeValue(storageLocation{})
	if len(ls.staleCodeInstances) != 0 {
		t.Errorf("expected no StaleCodeInstance recorded for an already-empty range, got %d", len(ls.staleCodeInstances))
	}
}
