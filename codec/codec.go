// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package codec implements the transfer of individual record fields between
// peers whose integer widths and byte orders may differ.
//
// Each field is described by a [schema.Descriptor]. On send, a field value
// is encoded in the sender's byte order at the descriptor's wire size,
// reducing or extending integers as needed. On receive, the wire image is
// converted to the local width, and a reduction that would lose information
// is reported as an error instead of silently truncating the value.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"reflect"
	"strings"

	"github.com/creachadair/brickwire/schema"
)

var (
	// ErrSignReduce is reported on send when an integer value does not fit
	// in the reduced wire size of its field.
	ErrSignReduce = errors.New("sign mismatch on integer reduction")

	// ErrIntOverflow is reported on receive when an integer value does not
	// fit in the local size of its field.
	ErrIntOverflow = errors.New("integer overflow on reduction")

	// ErrUnsupportedKind is reported for fields that cannot be transferred.
	ErrUnsupportedKind = errors.New("unsupported field kind")

	// ErrSizeMismatch is reported when a fixed-size field differs in size
	// between the peers, or a field does not match its declared size.
	ErrSizeMismatch = errors.New("field size mismatch")
)

// A Sender accepts encoded bytes. When cork is true, the sender may buffer
// the data until a later call with cork false.
type Sender interface {
	Send(data []byte, cork bool) error
}

// A Receiver fills buf completely with the next bytes from the peer.
type Receiver interface {
	Recv(buf []byte) error
}

// FieldError is the concrete type of errors reported by [EncodeField] and
// [DecodeField].
type FieldError struct {
	Field string // the dotted name of the field
	Err   error  // the underlying error
}

// Error satisfies the error interface.
func (e *FieldError) Error() string { return fmt.Sprintf("field %q: %v", e.Field, e.Err) }

// Unwrap supports error wrapping.
func (e *FieldError) Unwrap() error { return e.Err }

func fieldErr(d *schema.Descriptor, err error) error {
	if err == nil {
		return nil
	}
	return &FieldError{Field: d.Name, Err: err}
}

// EncodeField sends the field of rec described by d, in the specified byte
// order. The rec value must be the struct the descriptor was built for.
// The final piece of the field is sent with the given cork flag; any
// earlier pieces are always corked.
func EncodeField(w Sender, rec reflect.Value, d *schema.Descriptor, order binary.ByteOrder, cork bool) error {
	switch d.Kind {
	case schema.KindSub:
		return nil
	case schema.KindRef:
		return fieldErr(d, ErrUnsupportedKind)
	}
	v, err := rec.FieldByIndexErr(d.Index)
	if err != nil {
		return fieldErr(d, err)
	}
	switch d.Kind {
	case schema.KindRaw:
		return fieldErr(d, sendRaw(w, v, d, cork))
	case schema.KindString:
		return fieldErr(d, sendString(w, v, order, cork))
	case schema.KindInt, schema.KindUint:
		return fieldErr(d, sendInt(w, v, d, order, cork))
	default:
		return fieldErr(d, fmt.Errorf("%w: %v", ErrUnsupportedKind, d.Kind))
	}
}

// DecodeField receives the field described by d, whose sender encoded
// integers in the specified byte order. If d is resolved and rec is valid,
// the value is stored into the corresponding field of rec; otherwise the
// field is read and discarded.
func DecodeField(r Receiver, rec reflect.Value, d *schema.Descriptor, order binary.ByteOrder) error {
	var v reflect.Value
	if rec.IsValid() && d.Resolved() {
		var err error
		v, err = rec.FieldByIndexErr(d.Index)
		if err != nil {
			return fieldErr(d, err)
		}
	}
	switch d.Kind {
	case schema.KindSub:
		return nil
	case schema.KindRaw:
		return fieldErr(d, recvRaw(r, v, d))
	case schema.KindString:
		return fieldErr(d, recvString(r, v, order))
	case schema.KindInt, schema.KindUint:
		return fieldErr(d, recvInt(r, v, d, order))
	default:
		return fieldErr(d, fmt.Errorf("%w: %v", ErrUnsupportedKind, d.Kind))
	}
}

func sendRaw(w Sender, v reflect.Value, d *schema.Descriptor, cork bool) error {
	if v.Kind() != reflect.Array || v.Type().Elem().Kind() != reflect.Uint8 {
		return fmt.Errorf("%w: raw field of type %v", ErrUnsupportedKind, v.Type())
	} else if v.Len() != d.Size {
		return fmt.Errorf("%w: array length %d, declared %d", ErrSizeMismatch, v.Len(), d.Size)
	}
	buf := make([]byte, v.Len())
	reflect.Copy(reflect.ValueOf(buf), v)
	return w.Send(buf, cork)
}

func recvRaw(r Receiver, v reflect.Value, d *schema.Descriptor) error {
	buf := make([]byte, d.Size)
	if err := r.Recv(buf); err != nil {
		return err
	}
	if !v.IsValid() {
		return nil
	}
	if v.Kind() != reflect.Array || v.Type().Elem().Kind() != reflect.Uint8 {
		return fmt.Errorf("%w: raw field of type %v", ErrUnsupportedKind, v.Type())
	} else if v.Len() != d.Size {
		return fmt.Errorf("%w: local length %d, peer sent %d", ErrSizeMismatch, v.Len(), d.Size)
	}
	reflect.Copy(v, reflect.ValueOf(buf))
	return nil
}

// A present string is sent with a trailing NUL, so that an empty string is
// distinguished from an absent one by a non-zero length.
func sendString(w Sender, v reflect.Value, order binary.ByteOrder, cork bool) error {
	var s string
	present := true
	switch {
	case v.Kind() == reflect.String:
		s = v.String()
	case v.Kind() == reflect.Pointer && v.Type().Elem().Kind() == reflect.String:
		if v.IsNil() {
			present = false
		} else {
			s = v.Elem().String()
		}
	default:
		return fmt.Errorf("%w: string field of type %v", ErrUnsupportedKind, v.Type())
	}
	var n int
	if present {
		n = len(s) + 1
	}
	if n > math.MaxInt16 {
		return fmt.Errorf("%w: string length %d exceeds %d", ErrSizeMismatch, n, math.MaxInt16)
	}
	hdr := make([]byte, 2)
	order.PutUint16(hdr, uint16(n))
	if n == 0 {
		return w.Send(hdr, cork)
	}
	if err := w.Send(hdr, true); err != nil {
		return err
	}
	return w.Send(append([]byte(s), 0), cork)
}

func recvString(r Receiver, v reflect.Value, order binary.ByteOrder) error {
	var hdr [2]byte
	if err := r.Recv(hdr[:]); err != nil {
		return err
	}
	n := int16(order.Uint16(hdr[:]))
	if n < 0 {
		return fmt.Errorf("invalid string length %d", n)
	}
	var buf []byte
	if n > 0 {
		buf = make([]byte, n)
		if err := r.Recv(buf); err != nil {
			return err
		}
	}
	if !v.IsValid() {
		return nil
	}
	s, _, _ := strings.Cut(string(buf), "\x00")
	switch {
	case v.Kind() == reflect.String:
		v.SetString(s)
	case v.Kind() == reflect.Pointer && v.Type().Elem().Kind() == reflect.String:
		if n == 0 {
			v.SetZero()
		} else {
			v.Set(reflect.ValueOf(&s))
		}
	default:
		return fmt.Errorf("%w: string field of type %v", ErrUnsupportedKind, v.Type())
	}
	return nil
}
