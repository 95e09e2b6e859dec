// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package brickwire

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"reflect"

	"github.com/creachadair/brickwire/codec"
	"github.com/creachadair/brickwire/packet"
	"github.com/creachadair/brickwire/schema"
	"go.uber.org/zap"
)

// frameMagic begins every frame header. A receiver that reads the magic
// byte-swapped knows the sender uses the other byte order.
const frameMagic uint64 = 0x73D0A2EC6148F48E

// headerLen is the size in bytes of a frame header.
const headerLen = 32

// A header precedes each record on the wire. The layout is
//
//	magic   u64  frameMagic
//	cookie  u64  identity token of the sender's record type
//	metaLen i16  length of the schema blob that follows, or 0
//	slot    i16  schema cache slot, or -1 for end of records
//	spare   u32
//	spare   u64
//
// with all integers in the sender's byte order.
type header struct {
	Cookie  uint64
	MetaLen int
	Slot    int
}

func (h header) encode(pb *packet.Builder) {
	pb.Uint64(frameMagic)
	pb.Uint64(h.Cookie)
	pb.Int16(int16(h.MetaLen))
	pb.Int16(int16(h.Slot))
	pb.Zero(4 + 8)
}

// parseHeader decodes a frame header and reports the byte order of the
// sender, as detected from the magic.
func parseHeader(data []byte) (header, binary.ByteOrder, error) {
	var order binary.ByteOrder
	switch frameMagic {
	case binary.BigEndian.Uint64(data):
		order = binary.BigEndian
	case binary.LittleEndian.Uint64(data):
		order = binary.LittleEndian
	default:
		return header{}, nil, fmt.Errorf("%w: %016x", ErrBadMagic, binary.BigEndian.Uint64(data))
	}
	s := packet.NewScanner(data[8:], order)
	cookie, _ := s.Uint64()
	metaLen, _ := s.Int16()
	slot, err := s.Int16()
	if err != nil {
		return header{}, nil, err
	}
	return header{Cookie: cookie, MetaLen: int(metaLen), Slot: int(slot)}, order, nil
}

// isEOR reports whether h marks the end of a sequence of records.
func (h header) isEOR() bool { return h.Slot < 0 }

// recordBuilder accumulates encoded fields, so that a record is sent in
// full or not at all.
type recordBuilder struct{ *packet.Builder }

func (r recordBuilder) Send(data []byte, _ bool) error { r.Put(data...); return nil }

// fieldReader receives encoded fields from a connection. The first error
// reported by the connection sticks.
type fieldReader struct {
	ctx context.Context
	c   *Conn
	err error
}

func (r *fieldReader) Recv(buf []byte) error {
	if r.err == nil {
		_, r.err = r.c.recv(r.ctx, buf, len(buf))
	}
	return r.err
}

// SendRecord sends the record rec, described by m, to the peer. The rec must
// be a pointer to a struct of the type m describes. If rec is nil, SendRecord
// sends an end-of-records marker and m is ignored.
//
// The first record of each type sent on c carries its schema; later records
// of the same type refer to it by cache slot. If cork is true, the record
// may be buffered for coalescing with later sends.
//
// SendRecord returns the number of fields sent. A field that cannot be
// encoded, such as an integer that does not fit its wire size, fails the
// record before any of it is sent.
func (c *Conn) SendRecord(ctx context.Context, rec any, m *schema.Meta, cork bool) (int, error) {
	end, err := c.begin(ctx)
	if err != nil {
		return 0, err
	}
	defer end()
	return c.sendRecord(ctx, rec, m, cork)
}

func (c *Conn) sendRecord(ctx context.Context, rec any, m *schema.Meta, cork bool) (int, error) {
	pb := packet.NewBuilder(c.order)
	rv := reflect.ValueOf(rec)
	if rec == nil || (rv.Kind() == reflect.Pointer && rv.IsNil()) {
		header{Slot: -1}.encode(pb)
		mark := c.mark()
		if _, err := c.send(ctx, pb.Bytes(), cork); err != nil {
			c.unsend(mark)
			return 0, err
		}
		return 0, nil
	}
	if m == nil {
		return 0, errors.New("send record: no schema")
	}
	if rv.Kind() != reflect.Pointer || rv.Elem().Kind() != reflect.Struct {
		return 0, fmt.Errorf("send record %q: %T is not a pointer to struct", m.Name, rec)
	}
	if m.Type != nil && rv.Elem().Type() != m.Type {
		return 0, fmt.Errorf("send record %q: got %T, want *%v", m.Name, rec, m.Type)
	}

	mark := c.mark()
	blob, slot, isNew, err := c.sendCache.Lookup(m)
	if err != nil {
		c.log.Error("cannot send record", append(errFields(err), zap.String("record", m.Name))...)
		return 0, fmt.Errorf("send record: %w", err)
	}
	if isNew {
		c.announced = append(c.announced, slot)
	}
	h := header{Cookie: m.ID, Slot: slot}
	var blobData []byte
	if isNew {
		blobData = blob.Encode(c.order)
		h.MetaLen = len(blobData)
	}
	h.encode(pb)
	pb.Put(blobData...)

	out := recordBuilder{pb}
	for i := range blob.Items {
		if err := codec.EncodeField(out, rv.Elem(), &blob.Items[i], c.order, true); err != nil {
			c.unsend(mark)
			c.log.Warn("cannot encode record", append(errFields(err), zap.String("record", m.Name))...)
			return 0, fmt.Errorf("send record %q: %w", m.Name, err)
		}
	}
	if _, err := c.send(ctx, pb.Bytes(), cork); err != nil {
		c.unsend(mark)
		return 0, err
	}
	if isNew {
		rootMetrics.schemasSent.Add(1)
		c.log.Debug("schema announced", zap.String("record", m.Name), zap.Int("slot", slot),
			zap.Int("fields", len(blob.Items)))
	}
	rootMetrics.recordsSent.Add(1)
	return len(blob.Items), nil
}

// SendEnd sends an end-of-records marker and flushes the send buffer.
func (c *Conn) SendEnd(ctx context.Context) error {
	_, err := c.SendRecord(ctx, nil, nil, false)
	return err
}

// RecvRecord receives the next record from the peer into rec, which must be
// a pointer to a struct of the type m describes. If rec is nil, the record
// is read and discarded.
//
// Fields are matched to the sender's schema by name and kind. Local fields
// the sender does not describe are left unchanged, and fields the sender
// describes that have no local counterpart are discarded. Integers are
// converted to the local width and byte order.
//
// RecvRecord returns the number of fields received. At the end of a sequence
// of records it returns 0 and a nil error.
//
// If a field cannot be stored, for example an integer too large for its
// local field, the rest of the record is still consumed so the connection
// stays usable, and the first such error is reported.
func (c *Conn) RecvRecord(ctx context.Context, rec any, m *schema.Meta) (int, error) {
	end, err := c.begin(ctx)
	if err != nil {
		return 0, err
	}
	defer end()
	return c.recvRecord(ctx, rec, m)
}

func (c *Conn) recvRecord(ctx context.Context, rec any, m *schema.Meta) (int, error) {
	var dst reflect.Value
	if rec != nil {
		rv := reflect.ValueOf(rec)
		if rv.Kind() != reflect.Pointer || rv.IsNil() || rv.Elem().Kind() != reflect.Struct {
			return 0, fmt.Errorf("receive record: %T is not a pointer to struct", rec)
		}
		if m == nil {
			return 0, errors.New("receive record: no schema")
		}
		if m.Type != nil && rv.Elem().Type() != m.Type {
			return 0, fmt.Errorf("receive record %q: got %T, want *%v", m.Name, rec, m.Type)
		}
		dst = rv.Elem()
	}

	var hbuf [headerLen]byte
	if _, err := c.recv(ctx, hbuf[:], headerLen); err != nil {
		return 0, err
	}
	h, order, err := parseHeader(hbuf[:])
	if err != nil {
		c.log.Warn("invalid frame header", errFields(err)...)
		return 0, fmt.Errorf("receive record: %w", err)
	}
	if h.isEOR() {
		return 0, nil
	}

	blob, err := c.recvCache.Lookup(h.Slot)
	if err != nil {
		c.log.Warn("invalid schema slot", append(errFields(err), zap.Int("slot", h.Slot))...)
		return 0, fmt.Errorf("receive record: %w", err)
	}
	if h.MetaLen > 0 {
		if h.MetaLen > schema.MaxBlobLen {
			return 0, fmt.Errorf("receive record: schema length %d: %w", h.MetaLen, schema.ErrTooLarge)
		}
		data := make([]byte, h.MetaLen)
		if _, err := c.recv(ctx, data, len(data)); err != nil {
			return 0, err
		}
		if blob != nil {
			c.log.Warn("schema for occupied slot ignored", zap.Int("slot", h.Slot))
		} else if blob, err = c.installBlob(h, data, order, m); err != nil {
			return 0, err
		}
	} else if blob == nil {
		c.log.Warn("frame refers to an empty schema slot", zap.Int("slot", h.Slot))
		return 0, fmt.Errorf("receive record: slot %d: %w", h.Slot, ErrMissingSchema)
	}
	if m != nil {
		var missing []string
		var changed bool
		if blob, missing, changed = blob.ResolveFor(m); changed {
			c.logMissing(m, blob, missing)
		}
	}

	name := "(discarded)"
	if m != nil {
		name = m.Name
	}
	r := &fieldReader{ctx: ctx, c: c}
	var first error
	for i := range blob.Items {
		d := &blob.Items[i]
		err := codec.DecodeField(r, dst, d, blob.Order())
		if r.err != nil {
			return i, r.err // the connection failed
		} else if err == nil {
			continue
		} else if !sized(d.Kind) {
			// The extent of the field is unknown, so the stream is lost.
			c.log.Error("undecodable field", append(errFields(err), zap.String("record", name))...)
			return i, fmt.Errorf("receive record %q: %w", name, err)
		} else if first == nil {
			first = err
			dst = reflect.Value{} // discard the remainder
		}
	}
	if first != nil {
		c.log.Warn("cannot decode record", append(errFields(first), zap.String("record", name))...)
		return 0, fmt.Errorf("receive record %q: %w", name, first)
	}
	rootMetrics.recordsRecv.Add(1)
	return len(blob.Items), nil
}

func (c *Conn) installBlob(h header, data []byte, order binary.ByteOrder, m *schema.Meta) (*schema.Blob, error) {
	blob, missing, err := c.recvCache.Install(h.Slot, data, order, m)
	if err != nil {
		c.log.Warn("invalid schema", append(errFields(err), zap.Int("slot", h.Slot))...)
		return nil, fmt.Errorf("receive record: %w", err)
	}
	rootMetrics.schemasRecv.Add(1)
	c.log.Debug("schema installed", zap.Int("slot", h.Slot), zap.Int("fields", len(blob.Items)),
		zap.Uint16("proto", blob.SenderProto), zap.Bool("bigEndian", blob.BigEndian))
	if m != nil {
		c.logMissing(m, blob, missing)
	}
	return blob, nil
}

// sized reports whether the wire extent of a field of kind k is known to
// the receiver, so that a field that cannot be stored can be skipped.
func sized(k schema.Kind) bool {
	switch k {
	case schema.KindRaw, schema.KindInt, schema.KindUint, schema.KindString, schema.KindSub:
		return true
	}
	return false
}

// logMissing reports the differences between blob, just resolved, and the
// local record type m.
func (c *Conn) logMissing(m *schema.Meta, blob *schema.Blob, missing []string) {
	for _, name := range missing {
		rootMetrics.fieldsMissed.Add(1)
		c.log.Warn("field missing from peer schema", zap.String("record", m.Name), zap.String("field", name))
	}
	for _, name := range blob.Unresolved() {
		c.log.Warn("field not transferred", zap.String("record", m.Name), zap.String("field", name))
	}
}

// SendList sends each of recs followed by an end-of-records marker, and
// flushes the send buffer.
func SendList[T any](ctx context.Context, c *Conn, m *schema.Meta, recs []*T) error {
	end, err := c.begin(ctx)
	if err != nil {
		return err
	}
	defer end()
	for i, rec := range recs {
		if rec == nil {
			return fmt.Errorf("send list: record %d is nil", i)
		}
		if _, err := c.sendRecord(ctx, rec, m, true); err != nil {
			return fmt.Errorf("send list: record %d: %w", i, err)
		}
	}
	_, err = c.sendRecord(ctx, nil, nil, false)
	return err
}

// RecvList receives records described by m until an end-of-records marker.
func RecvList[T any](ctx context.Context, c *Conn, m *schema.Meta) ([]*T, error) {
	end, err := c.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer end()
	var out []*T
	for {
		rec := new(T)
		n, err := c.recvRecord(ctx, rec, m)
		if err != nil {
			return out, fmt.Errorf("receive list: record %d: %w", len(out), err)
		} else if n == 0 {
			return out, nil
		}
		out = append(out, rec)
	}
}
