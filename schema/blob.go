// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package schema

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/creachadair/brickwire/packet"
)

const (
	// HeaderLen is the encoded size in bytes of a blob header.
	HeaderLen = 64

	// DescriptorLen is the encoded size in bytes of one field descriptor.
	DescriptorLen = 64

	// MaxBlobLen is the maximum encoded size in bytes of a schema blob.
	MaxBlobLen = 4096

	// MaxItems is the largest number of descriptors that fit in a blob.
	MaxItems = (MaxBlobLen - HeaderLen) / DescriptorLen
)

// ErrTooLarge is reported by [Build] when a record has too many fields to
// describe in a single blob.
var ErrTooLarge = errors.New("schema blob too large")

// A Descriptor is the flattened, wire-level description of one field.
// Nested records contribute a descriptor of [KindSub] followed by the
// descriptors of their own fields, named with a dotted prefix.
type Descriptor struct {
	Name     string // dotted field path, e.g., "stamp.sec"
	Kind     Kind
	Size     int // declared size at the sender
	WireSize int // transfer size
	Offset   int // byte offset at the sender, informational

	// Local resolution. For a blob built for sending, Index is the path of
	// the field in the local record. For a received blob, Index is nil until
	// the descriptor is matched to a local field by [Blob.Resolve].
	LocalSize int
	Index     []int
}

// Resolved reports whether d is matched to a local field.
func (d *Descriptor) Resolved() bool { return d.Index != nil }

// A Blob is the negotiated schema of one record type on one connection
// direction.
type Blob struct {
	SenderID    uint64 // identity token of the sender's meta
	RecverID    uint64 // unused, always zero on the wire
	SenderProto uint16
	RecverProto uint16
	BigEndian   bool // the sender encodes integers big-endian
	Items       []Descriptor

	meta     *Meta // the local meta b is resolved against
	resolved bool
}

// Order returns the byte order of integers sent according to b.
func (b *Blob) Order() binary.ByteOrder {
	if b.BigEndian {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// EncodedLen reports the number of bytes in the wire encoding of b.
func (b *Blob) EncodedLen() int { return HeaderLen + len(b.Items)*DescriptorLen }

// Build flattens m into a blob for sending with the given protocol version.
// The bigEndian flag records the byte order the sender uses for integers.
func Build(m *Meta, proto uint16, bigEndian bool) (*Blob, error) {
	b := &Blob{
		SenderID:    m.ID,
		SenderProto: proto,
		BigEndian:   bigEndian,
		meta:        m,
		resolved:    true,
	}
	if err := b.flatten(m, "", nil, 0); err != nil {
		return nil, fmt.Errorf("build %q: %w", m.Name, err)
	}
	return b, nil
}

func (b *Blob) flatten(m *Meta, prefix string, index []int, offset int) error {
	for _, f := range m.Fields {
		name := joinName(prefix, f.Name)
		if len(name) > MaxNameLen {
			return fmt.Errorf("field name %q exceeds %d bytes", name, MaxNameLen)
		}
		if f.Kind.IsInt() && (f.Size > MaxIntTransfer || f.TransferSize() > MaxIntTransfer) {
			return fmt.Errorf("integer field %q exceeds %d bytes", name, MaxIntTransfer)
		}
		if len(b.Items) >= MaxItems {
			return fmt.Errorf("more than %d fields: %w", MaxItems, ErrTooLarge)
		}
		path := append(append([]int(nil), index...), f.Index...)
		b.Items = append(b.Items, Descriptor{
			Name:      name,
			Kind:      f.Kind,
			Size:      f.Size,
			WireSize:  f.TransferSize(),
			Offset:    offset + f.Offset,
			LocalSize: f.Size,
			Index:     path,
		})
		if f.Kind == KindSub && f.Sub != nil {
			if err := b.flatten(f.Sub, name, path, offset+f.Offset); err != nil {
				return err
			}
		}
	}
	return nil
}

func joinName(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}

// Encode returns the wire encoding of b in the specified byte order.
// The local resolution of each descriptor is not sent.
func (b *Blob) Encode(order binary.AppendByteOrder) []byte {
	pb := packet.NewBuilder(order)
	pb.Grow(b.EncodedLen())
	pb.Uint64(b.SenderID)
	pb.Uint64(b.RecverID)
	pb.Uint16(b.SenderProto)
	pb.Uint16(b.RecverProto)
	pb.Int16(int16(len(b.Items)))
	pb.Bool(b.BigEndian)
	pb.Zero(1 + 4 + 4 + 4*8) // spares
	for _, d := range b.Items {
		pb.Fixed(d.Name, MaxNameLen)
		pb.Put(byte(d.Kind), 0)
		pb.Int16(int16(d.Size))
		pb.Int16(int16(d.WireSize))
		pb.Int16(int16(d.Offset))
		pb.Int16(0)  // receiver size
		pb.Int16(-1) // receiver offset
		pb.Zero(4)
	}
	return pb.Bytes()
}

// Parse decodes a schema blob from data, whose integers are encoded in the
// specified byte order. The descriptors of the result are unresolved.
func Parse(data []byte, order binary.ByteOrder) (*Blob, error) {
	if len(data) > MaxBlobLen {
		return nil, fmt.Errorf("blob length %d exceeds %d: %w", len(data), MaxBlobLen, ErrTooLarge)
	}
	s := packet.NewScanner(data, order)
	var b Blob
	var err error
	b.SenderID, err = s.Uint64()
	if err != nil {
		return nil, fmt.Errorf("blob header: %w", err)
	}
	b.RecverID, _ = s.Uint64()
	b.SenderProto, _ = s.Uint16()
	b.RecverProto, _ = s.Uint16()
	nitems, _ := s.Int16()
	b.BigEndian, _ = s.Bool()
	if err := s.Skip(HeaderLen - s.Offset()); err != nil {
		return nil, fmt.Errorf("blob header: %w", err)
	}
	if nitems < 0 || int(nitems) > MaxItems {
		return nil, fmt.Errorf("invalid item count %d", nitems)
	}
	if want := HeaderLen + int(nitems)*DescriptorLen; len(data) < want {
		return nil, fmt.Errorf("blob truncated (%d < %d bytes)", len(data), want)
	}
	b.Items = make([]Descriptor, nitems)
	for i := range b.Items {
		d := &b.Items[i]
		d.Name, _ = s.Fixed(MaxNameLen)
		kind, _ := s.Byte()
		d.Kind = Kind(kind)
		s.Skip(1)
		size, _ := s.Int16()
		wsize, _ := s.Int16()
		off, _ := s.Int16()
		s.Skip(2 + 2 + 4) // receiver size, receiver offset, spare
		d.Size, d.WireSize, d.Offset = int(size), int(wsize), int(off)
		if d.Size < 0 || d.WireSize < 0 {
			return nil, fmt.Errorf("item %d (%q): invalid size", i, d.Name)
		}
		if d.Kind.IsInt() && (d.Size > MaxIntTransfer || d.WireSize > MaxIntTransfer) {
			return nil, fmt.Errorf("item %d (%q): integer exceeds %d bytes", i, d.Name, MaxIntTransfer)
		}
	}
	return &b, nil
}

// Resolve matches the fields of the local meta m against the descriptors of
// b by name and kind, recursing into nested records. It records the local
// size and field path of each match, and returns the dotted names of local
// fields that b does not describe. Those fields are left unchanged on
// receive.
func (b *Blob) Resolve(m *Meta) (missing []string) {
	byName := make(map[string]int, len(b.Items))
	for i, d := range b.Items {
		if _, ok := byName[d.Name]; !ok {
			byName[d.Name] = i
		}
	}
	var walk func(m *Meta, prefix string, index []int)
	walk = func(m *Meta, prefix string, index []int) {
		for _, f := range m.Fields {
			name := joinName(prefix, f.Name)
			i, ok := byName[name]
			if !ok || b.Items[i].Kind != f.Kind {
				missing = append(missing, name)
				continue
			}
			d := &b.Items[i]
			d.LocalSize = f.Size
			d.Index = append(append([]int(nil), index...), f.Index...)
			if f.Kind == KindSub && f.Sub != nil {
				walk(f.Sub, name, d.Index)
			}
		}
	}
	walk(m, "", nil)
	b.meta = m
	b.resolved = true
	return missing
}

// ResolveFor returns a blob whose descriptors are resolved against m. If b
// is already resolved against m, it is returned as-is. If b is unresolved,
// it is resolved in place. Otherwise b was resolved against another meta,
// and a resolved copy is returned, leaving b unchanged.
//
// The changed flag reports whether a resolution was performed, in which
// case missing lists the local fields of m that b does not describe.
func (b *Blob) ResolveFor(m *Meta) (_ *Blob, missing []string, changed bool) {
	switch {
	case b.resolved && b.meta == m:
		return b, nil, false
	case !b.resolved:
		return b, b.Resolve(m), true
	}
	cp := &Blob{
		SenderID:    b.SenderID,
		RecverID:    b.RecverID,
		SenderProto: b.SenderProto,
		RecverProto: b.RecverProto,
		BigEndian:   b.BigEndian,
		Items:       make([]Descriptor, len(b.Items)),
	}
	for i, d := range b.Items {
		d.LocalSize, d.Index = 0, nil
		cp.Items[i] = d
	}
	return cp, cp.Resolve(m), true
}

// Meta returns the local meta b is resolved against, or nil.
func (b *Blob) Meta() *Meta { return b.meta }

// IsResolved reports whether b has been matched against a local meta.
func (b *Blob) IsResolved() bool { return b.resolved }

// Unresolved returns the names of descriptors in b that are not matched to
// any local field. Their values are read and discarded on receive.
func (b *Blob) Unresolved() []string {
	var out []string
	for _, d := range b.Items {
		if !d.Resolved() {
			out = append(out, d.Name)
		}
	}
	return out
}

// String renders a human-readable listing of b, one descriptor per line.
func (b *Blob) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "blob id=%016x proto=%d big-endian=%v items=%d\n",
		b.SenderID, b.SenderProto, b.BigEndian, len(b.Items))
	for _, d := range b.Items {
		fmt.Fprintf(&sb, "  %-32s %-6s size=%-3d wire=%-3d off=%d\n",
			d.Name, d.Kind, d.Size, d.WireSize, d.Offset)
	}
	return sb.String()
}
