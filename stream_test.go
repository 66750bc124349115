// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package modcache

import "testing"

func TestStreamPrimitivesRoundTrip(t *testing.T) {
	w := newStreamWriter()
	w.WriteU8(0xAB)
	w.WriteU16(0x1234)
	w.WriteU32(0xDEADBEEF)
	w.WriteU64(0x0123456789ABCDEF)
	w.WriteI32(-7)
	w.WriteI64(-70000)
	w.WriteF64(3.5)
	w.WriteBlock([]byte("hello"))
	w.WriteCString("world")

	if err := w.Err(); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	r := newStreamReader(w.Bytes())
	if got := r.ReadU8(); got != 0xAB {
		t.Errorf("ReadU8 = %x, want %x", got, 0xAB)
	}
	if got := r.ReadU16(); got != 0x1234 {
		t.Errorf("ReadU16 = %x, want %x", got, 0x1234)
	}
	if got := r.ReadU32(); got != 0xDEADBEEF {
		t.Errorf("ReadU32 = %x, want %x", got, 0xDEADBEEF)
	}
	if got := r.ReadU64(); got != 0x0123456789ABCDEF {
		t.Errorf("ReadU64 = %x, want %x", got, 0x0123456789ABCDEF)
	}
	if got := r.ReadI32(); got != -7 {
		t.Errorf("ReadI32 = %d, want %d", got, -7)
	}
	if got := r.ReadI64(); got != -70000 {
		t.Errorf("ReadI64 = %d, want %d", got, -70000)
	}
	if got := r.ReadF64(); got != 3.5 {
		t.Errorf("ReadF64 = %v, want %v", got, 3.5)
	}
	if got := string(r.ReadBlock()); got != "hello" {
		t.Errorf("ReadBlock = %q, want %q", got, "hello")
	}
	if got := r.ReadCString(); got != "world" {
		t.Errorf("ReadCString = %q, want %q", got, "world")
	}
	if err := r.Err(); err != nil {
		t.Fatalf("read failed: %v", err)
	}
}

func TestStreamWriterPatchU64(t *testing.T) {
	w := newStreamWriter()
	off := w.Offset()
	w.WriteU64(0)
	w.WriteBlock([]byte("padding"))
	w.PatchU64(off, 0x99)

	r := newStreamReader(w.Bytes())
	if got := r.ReadU64(); got != 0x99 {
		t.Errorf("patched field = %x, want %x", got, 0x99)
	}
}

func TestStreamReaderSeek(t *testing.T) {
	w := newStreamWriter()
	w.WriteU32(1)
	markAt := w.Offset()
	w.WriteU32(2)
	w.WriteU32(3)

	r := newStreamReader(w.Bytes())
	r.Seek(int(markAt))
	if got := r.ReadU32(); got != 2 {
		t.Errorf("after seek, ReadU32 = %d, want %d", got, 2)
	}
}

func TestStreamTruncated(t *testing.T) {
	r := newStreamReader([]byte{1, 2})
	r.ReadU64()
	if r.Err() == nil {
		t.Fatal("expected truncated-stream error, got nil")
	}
}

func TestHeaderRoundTrip(t *testing.T) {
	w := newStreamWriter()
	want := CurrentHeader()
	writeHeader(w, want)

	r := newStreamReader(w.Bytes())
	if err := readAndVerifyHeader(r, want); err != nil {
		t.Fatalf("readAndVerifyHeader failed: %v", err)
	}
}

func TestHeaderRejectsVersionMismatch(t *testing.T) {
	w := newStreamWriter()
	written := CurrentHeader()
	written.FormatVersion++
	writeHeader(w, written)

	r := newStreamReader(w.Bytes())
	if err := readAndVerifyHeader(r, CurrentHeader()); err == nil {
		t.Fatal("expected version mismatch to be rejected")
	}
}
