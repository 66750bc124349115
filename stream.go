// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package modcache

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"math/bits"
	"runtime"

	"golang.org/x/mod/semver"
)

// magic is the 8-byte signature written at offset 0 of every cache file.
var magic = [8]byte{0xFB, 'j', 'l', 'i', '\r', '\n', 0x1A, '\n'}

// formatVersion is bumped whenever the on-disk encoding of any component
// changes in a way older readers cannot handle.
const formatVersion uint16 = 17

// byteOrderMark is written verbatim and checked on read; it happens to
// equal the UTF-16 byte-order mark, a coincidence with no bearing on how
// it's validated below.
const byteOrderMark uint16 = 0xFEFF

// LimbBytes is the byte width of one big-integer limb; BigInt payloads
// are sized in multiples of this constant.
const LimbBytes = 8

// Header identifies the environment a cache file was written in. A
// restore call rejects the file before any allocation if any field
// disagrees with the running build.
type Header struct {
	FormatVersion uint16
	PointerSize   uint8
	BuildOS       string
	BuildArch     string
	RuntimeVer    string
	SourceBranch  string
	SourceCommit  string
}

// CurrentHeader describes the running build; restore_incremental compares
// every saved Header field against this one.
func CurrentHeader() Header {
	return Header{
		FormatVersion: formatVersion,
		PointerSize:   uint8(bits.UintSize / 8),
		BuildOS:       runtime.GOOS,
		BuildArch:     runtime.GOARCH,
		RuntimeVer:    RuntimeVersion,
		SourceBranch:  SourceBranch,
		SourceCommit:  SourceCommit,
	}
}

// streamWriter wraps the length-prefixed integer/float/byte-block
// primitives of §4.2 around an in-memory buffer. Buffering the whole
// cache file rather than streaming it straight to the destination is
// what lets the dependency-list section reserve a placeholder offset
// and patch it in once the source-text section's real position is
// known (§6).
type streamWriter struct {
	buf bytes.Buffer
	off uint64
	err error
}

func newStreamWriter() *streamWriter {
	return &streamWriter{}
}

func (s *streamWriter) fail(err error) {
	if s.err == nil {
		s.err = err
	}
}

func (s *streamWriter) Err() error { return s.err }

func (s *streamWriter) writeBytes(b []byte) {
	if s.err != nil {
		return
	}
	n, _ := s.buf.Write(b)
	s.off += uint64(n)
}

// Offset reports the number of bytes written so far, used to record the
// source-text section's real offset for patch-up into the
// dependency-list placeholder.
func (s *streamWriter) Offset() uint64 { return s.off }

// PatchU64 overwrites 8 already-written bytes at off with v, little
// endian. writeDependencyListSection uses it for its own total-size
// field; writeSourceTextSection (or saveIncrementalTo, when source text
// is disabled) uses it to fill in the placeholder-for-srctext-offset
// field.
func (s *streamWriter) PatchU64(off uint64, v uint64) {
	b := s.buf.Bytes()
	if off+8 > uint64(len(b)) {
		s.fail(ErrTruncatedStream)
		return
	}
	binary.LittleEndian.PutUint64(b[off:off+8], v)
}

// Bytes returns the accumulated output. Valid only after Flush.
func (s *streamWriter) Bytes() []byte { return s.buf.Bytes() }

func (s *streamWriter) WriteU8(v uint8)   { s.writeBytes([]byte{v}) }
func (s *streamWriter) WriteU16(v uint16) { var b [2]byte; binary.LittleEndian.PutUint16(b[:], v); s.writeBytes(b[:]) }
func (s *streamWriter) WriteU32(v uint32) { var b [4]byte; binary.LittleEndian.PutUint32(b[:], v); s.writeBytes(b[:]) }
func (s *streamWriter) WriteU64(v uint64) { var b [8]byte; binary.LittleEndian.PutUint64(b[:], v); s.writeBytes(b[:]) }
func (s *streamWriter) WriteI32(v int32)  { s.WriteU32(uint32(v)) }
func (s *streamWriter) WriteI64(v int64)  { s.WriteU64(uint64(v)) }
func (s *streamWriter) WriteF64(v float64) {
	s.WriteU64(math.Float64bits(v))
}

// WriteBlock writes an explicit 4-byte length followed by the raw bytes.
func (s *streamWriter) WriteBlock(b []byte) {
	s.WriteU32(uint32(len(b)))
	s.writeBytes(b)
}

// WriteCString writes b followed by a single NUL terminator, the form
// the header uses for its textual environment fields.
func (s *streamWriter) WriteCString(str string) {
	s.writeBytes([]byte(str))
	s.WriteU8(0)
}

func (s *streamWriter) Flush() error {
	return s.err
}

// streamReader is the read-side mirror of streamWriter. It wraps a flat
// byte buffer (the whole cache file, or an mmap'd view of it) rather
// than an io.Reader, since several components (header verification,
// the dependency-list offset patch-up) need to seek.
type streamReader struct {
	buf []byte
	pos int
	err error
}

func newStreamReader(buf []byte) *streamReader {
	return &streamReader{buf: buf}
}

func (s *streamReader) fail(err error) {
	if s.err == nil {
		s.err = err
	}
}

func (s *streamReader) Err() error { return s.err }

func (s *streamReader) need(n int) []byte {
	if s.err != nil {
		return nil
	}
	if s.pos+n > len(s.buf) {
		s.fail(ErrTruncatedStream)
		return nil
	}
	b := s.buf[s.pos : s.pos+n]
	s.pos += n
	return b
}

func (s *streamReader) ReadU8() uint8 {
	b := s.need(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (s *streamReader) ReadU16() uint16 {
	b := s.need(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (s *streamReader) ReadU32() uint32 {
	b := s.need(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (s *streamReader) ReadU64() uint64 {
	b := s.need(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (s *streamReader) ReadI32() int32 { return int32(s.ReadU32()) }
func (s *streamReader) ReadI64() int64 { return int64(s.ReadU64()) }

func (s *streamReader) ReadF64() float64 { return math.Float64frombits(s.ReadU64()) }

// ReadBlock reads a 4-byte length prefix followed by that many bytes.
func (s *streamReader) ReadBlock() []byte {
	n := s.ReadU32()
	b := s.need(int(n))
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// ReadCString reads bytes up to and including the next NUL terminator
// and returns the bytes before it.
func (s *streamReader) ReadCString() string {
	start := s.pos
	for s.pos < len(s.buf) {
		if s.buf[s.pos] == 0 {
			str := string(s.buf[start:s.pos])
			s.pos++
			return str
		}
		s.pos++
	}
	s.fail(ErrTruncatedStream)
	return ""
}

// Pos reports the current read offset, used when the dependency-list
// section needs to seek forward to its recorded source-text offset.
func (s *streamReader) Pos() int { return s.pos }

// Seek moves the read cursor to an absolute offset.
func (s *streamReader) Seek(off int) {
	if off < 0 || off > len(s.buf) {
		s.fail(ErrTruncatedStream)
		return
	}
	s.pos = off
}

// writeHeader writes the §4.2 header at the current (expected-to-be-zero)
// write offset.
func writeHeader(s *streamWriter, h Header) {
	s.writeBytes(magic[:])
	s.WriteU16(h.FormatVersion)
	s.WriteU16(byteOrderMark)
	s.WriteU8(h.PointerSize)
	s.WriteCString(h.BuildOS)
	s.WriteCString(h.BuildArch)
	s.WriteCString(h.RuntimeVer)
	s.WriteCString(h.SourceBranch)
	s.WriteCString(h.SourceCommit)
}

// readAndVerifyHeader reads the header and strictly compares every field
// against want. Every byte must match or the file is rejected before any
// further allocation, per §4.2.
func readAndVerifyHeader(s *streamReader, want Header) error {
	gotMagic := s.need(len(magic))
	if s.Err() != nil {
		return structuralReject(fmt.Errorf("%w: %v", ErrHeaderMagic, s.Err()))
	}
	if !bytes.Equal(gotMagic, magic[:]) {
		return structuralReject(ErrHeaderMagic)
	}

	version := s.ReadU16()
	bom := s.ReadU16()
	pointerSize := s.ReadU8()
	buildOS := s.ReadCString()
	buildArch := s.ReadCString()
	runtimeVer := s.ReadCString()
	sourceBranch := s.ReadCString()
	sourceCommit := s.ReadCString()
	if s.Err() != nil {
		return structuralReject(fmt.Errorf("%w: %v", ErrTruncatedStream, s.Err()))
	}

	if !validByteOrderMark(bom) {
		return structuralReject(ErrHeaderBOM)
	}
	if version != want.FormatVersion {
		return structuralReject(fmt.Errorf("%w: file=%d running=%d", ErrHeaderVersion, version, want.FormatVersion))
	}
	if pointerSize != want.PointerSize {
		return structuralReject(fmt.Errorf("%w: file=%d running=%d", ErrHeaderPointerSize, pointerSize, want.PointerSize))
	}
	if buildOS != want.BuildOS || buildArch != want.BuildArch {
		return structuralReject(fmt.Errorf("%w: file=%s/%s running=%s/%s",
			ErrHeaderEnvironment, buildOS, buildArch, want.BuildOS, want.BuildArch))
	}
	if runtimeVer != want.RuntimeVer {
		return structuralReject(fmt.Errorf("%w: %s", ErrHeaderEnvironment, describeVersionSkew(runtimeVer, want.RuntimeVer)))
	}
	if sourceBranch != want.SourceBranch || sourceCommit != want.SourceCommit {
		return structuralReject(fmt.Errorf("%w: file=%s@%s running=%s@%s",
			ErrHeaderEnvironment, sourceBranch, sourceCommit, want.SourceBranch, want.SourceCommit))
	}
	return nil
}

// validByteOrderMark confirms the header's BOM field reads back exactly
// as written.
func validByteOrderMark(bom uint16) bool {
	return bom == byteOrderMark
}

// describeVersionSkew annotates a runtime-version mismatch as older,
// newer, or simply different, using semver comparison when both
// versions parse as valid semver (runtime versions are "v"-prefixed
// release tags in the common case).
func describeVersionSkew(fileVer, runningVer string) string {
	fv, rv := semverish(fileVer), semverish(runningVer)
	if semver.IsValid(fv) && semver.IsValid(rv) {
		switch semver.Compare(fv, rv) {
		case -1:
			return fmt.Sprintf("file=%s is older than running=%s", fileVer, runningVer)
		case 1:
			return fmt.Sprintf("file=%s is newer than running=%s", fileVer, runningVer)
		default:
			return fmt.Sprintf("file=%s running=%s (equal build, different commit)", fileVer, runningVer)
		}
	}
	return fmt.Sprintf("file=%s running=%s", fileVer, runningVer)
}

func semverish(v string) string {
	if len(v) == 0 || v[0] != 'v' {
		return "v" + v
	}
	return v
}
