// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Package packet provides support for encoding and decoding fixed-layout
// binary headers in either byte order.
package packet

import (
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"github.com/creachadair/mds/value"
)

// A Builder is a buffer that accumulates data into a packet. The zero value is
// ready for use as an empty builder that encodes in big-endian order.
type Builder struct {
	buf   []byte
	order binary.AppendByteOrder
}

// NewBuilder constructs an empty [Builder] that encodes multi-byte values in
// the specified order. If order == nil, big-endian is used.
func NewBuilder(order binary.AppendByteOrder) *Builder { return &Builder{order: order} }

func (b *Builder) ord() binary.AppendByteOrder {
	if b.order == nil {
		return binary.BigEndian
	}
	return b.order
}

// Bool appends a Boolean to b. The encoding is a single byte with value 0 or 1.
func (b *Builder) Bool(ok bool) { b.Put(value.Cond[byte](ok, 1, 0)) }

// Put appends the specified bytes to b in order.
func (b *Builder) Put(vs ...byte) { b.buf = append(b.buf, vs...) }

// PutString appends the specified string to b.
func (b *Builder) PutString(s string) { b.buf = append(b.buf, s...) }

// Fixed appends s to b as a field of exactly n bytes, padded with NUL bytes.
// It panics if len(s) > n.
func (b *Builder) Fixed(s string, n int) {
	if len(s) > n {
		panic(fmt.Sprintf("fixed field overflow (%d > %d bytes)", len(s), n))
	}
	b.Grow(n)
	b.buf = append(b.buf, s...)
	b.Zero(n - len(s))
}

// Zero appends n zero bytes to b.
func (b *Builder) Zero(n int) {
	for range n {
		b.buf = append(b.buf, 0)
	}
}

// Uint16 appends v to b in the byte order of b.
func (b *Builder) Uint16(v uint16) { b.buf = b.ord().AppendUint16(b.buf, v) }

// Int16 appends v to b as a two's complement value in the byte order of b.
func (b *Builder) Int16(v int16) { b.Uint16(uint16(v)) }

// Uint32 appends v to b in the byte order of b.
func (b *Builder) Uint32(v uint32) { b.buf = b.ord().AppendUint32(b.buf, v) }

// Uint64 appends v to b in the byte order of b.
func (b *Builder) Uint64(v uint64) { b.buf = b.ord().AppendUint64(b.buf, v) }

// Len reports the number of bytes currently in the buffer.
func (b *Builder) Len() int { return len(b.buf) }

// Bytes reports the current contents of the buffer. The builder retains ownership
// of the reported slice, and the caller must not retain or modify its contents
// unless b will no longer be accessed.
func (b *Builder) Bytes() []byte { return b.buf }

// Reset discards the contents of b and leaves it empty.
func (b *Builder) Reset() { b.buf = b.buf[:0] }

// Grow resizes the internal buffer of b if necessary to ensure that at least n
// more bytes can be added without triggering another allocation.
func (b *Builder) Grow(n int) {
	want := len(b.buf) + n
	if cap(b.buf) < want {
		r := make([]byte, len(b.buf), max(want, 2*cap(b.buf)))
		copy(r, b.buf)
		b.buf = r
	}
}

// A Scanner reads encoded values from the contents of a packet.
// Incomplete values report [io.ErrUnexpectedEOF].
type Scanner struct {
	rest   []byte
	offset int // of rest from the original input
	order  binary.ByteOrder
}

// NewScanner constructs a [Scanner] that consumes data from input, decoding
// multi-byte values in the specified order (big-endian if order == nil).
// The scanner does not modify the contents of input, but retains slices
// into it, so the caller should ensure it is not modified while the scanner
// is in use.
func NewScanner[Str ~string | ~[]byte](input Str, order binary.ByteOrder) *Scanner {
	if order == nil {
		order = binary.BigEndian
	}
	return &Scanner{rest: []byte(input), order: order}
}

// Order reports the byte order used by s.
func (s *Scanner) Order() binary.ByteOrder { return s.order }

// Byte scans a single byte from the head of the input.
func (s *Scanner) Byte() (byte, error) {
	if len(s.rest) == 0 {
		return 0, io.ErrUnexpectedEOF
	}
	s.offset++
	out := s.rest[0]
	s.rest = s.rest[1:]
	return out, nil
}

// Bool scans a single byte from the head of the input and converts it into a
// Boolean value (0 means false, non-zero means true).
func (s *Scanner) Bool() (bool, error) {
	b, err := s.Byte()
	if err != nil {
		return false, err
	}
	return b != 0, nil
}

func (s *Scanner) take(n int) ([]byte, error) {
	if len(s.rest) < n {
		return nil, fmt.Errorf("value truncated (%d < %d bytes): %w", len(s.rest), n, io.ErrUnexpectedEOF)
	}
	out := s.rest[:n]
	s.offset += n
	s.rest = s.rest[n:]
	return out, nil
}

// Uint16 parses a uint16 value from the head of the input.
func (s *Scanner) Uint16() (uint16, error) {
	v, err := s.take(2)
	if err != nil {
		return 0, err
	}
	return s.order.Uint16(v), nil
}

// Int16 parses a two's complement int16 value from the head of the input.
func (s *Scanner) Int16() (int16, error) {
	v, err := s.Uint16()
	return int16(v), err
}

// Uint32 parses a uint32 value from the head of the input.
func (s *Scanner) Uint32() (uint32, error) {
	v, err := s.take(4)
	if err != nil {
		return 0, err
	}
	return s.order.Uint32(v), nil
}

// Uint64 parses a uint64 value from the head of the input.
func (s *Scanner) Uint64() (uint64, error) {
	v, err := s.take(8)
	if err != nil {
		return 0, err
	}
	return s.order.Uint64(v), nil
}

// Fixed parses a NUL-padded field of exactly n bytes from the head of the
// input and returns its contents up to the first NUL.
func (s *Scanner) Fixed(n int) (string, error) {
	v, err := s.take(n)
	if err != nil {
		return "", err
	}
	str, _, _ := strings.Cut(string(v), "\x00")
	return str, nil
}

// Skip discards n bytes from the head of the input.
func (s *Scanner) Skip(n int) error { _, err := s.take(n); return err }

// Len reports the number of remaining unconsumed input bytes in s.
func (s *Scanner) Len() int { return len(s.rest) }

// Offset reports the offset (0-based) of the next unconsumed input byte in s.
func (s *Scanner) Offset() int { return s.offset }

// Rest returns a slice of the remaining unconsumed input of s.
// The reported slice is only valid until the next call to a method of s,
// and the caller must not modify its contents.
func (s *Scanner) Rest() []byte { return s.rest }

// Get returns a string of exactly n bytes from the head of the input.
// If the full requested amount is not available, a partial result is returned
// along with an error.  When the result is a slice, the value aliases the
// input, and the caller must not modify its contents.
func Get[Str ~string | ~[]byte](s *Scanner, n int) (Str, error) {
	if len(s.rest) < n {
		return Str(s.rest), fmt.Errorf("value truncated (%d < %d bytes): %w", len(s.rest), n, io.ErrUnexpectedEOF)
	}
	s.offset += n
	out := Str(s.rest[:n])
	s.rest = s.rest[n:]
	return out, nil
}
