// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"reflect"
	"slices"

	"github.com/creachadair/brickwire/schema"
)

// IsBigEndian reports whether order encodes the most significant byte first.
// It works for binary.NativeEndian as well as the explicit orders.
func IsBigEndian(order binary.ByteOrder) bool {
	return order.Uint16([]byte{0, 1}) == 1
}

func sendInt(w Sender, v reflect.Value, d *schema.Descriptor, order binary.ByteOrder, cork bool) error {
	signed, err := checkInt(v, d.Kind)
	if err != nil {
		return err
	}
	if size := int(v.Type().Size()); size != d.Size {
		return fmt.Errorf("%w: %v is %d bytes, declared %d", ErrSizeMismatch, v.Type(), size, d.Size)
	}
	big := IsBigEndian(order)
	img := imageOf(v, signed, big)

	switch ws := d.WireSize; {
	case ws == len(img):
		return w.Send(img, cork)

	case ws > len(img):
		pad := bytes.Repeat([]byte{signByte(img, big, signed)}, ws-len(img))
		first, second := img, pad
		if big {
			first, second = pad, img
		}
		if err := w.Send(first, true); err != nil {
			return err
		}
		return w.Send(second, cork)

	default:
		kept, ok := narrow(img, ws, big, signed)
		if !ok {
			return fmt.Errorf("%w: %d bytes to %d", ErrSignReduce, len(img), ws)
		}
		return w.Send(kept, cork)
	}
}

func recvInt(r Receiver, v reflect.Value, d *schema.Descriptor, order binary.ByteOrder) error {
	if d.WireSize <= 0 {
		return fmt.Errorf("%w: wire size %d", ErrSizeMismatch, d.WireSize)
	}
	wire := make([]byte, d.WireSize)
	if err := r.Recv(wire); err != nil {
		return err
	}
	if !v.IsValid() {
		return nil
	}
	signed, err := checkInt(v, d.Kind)
	if err != nil {
		return err
	}

	// Work in big-endian order regardless of the sender, so the extension
	// bytes are always at the front.
	if !IsBigEndian(order) {
		slices.Reverse(wire)
	}
	local := int(v.Type().Size())
	switch {
	case len(wire) > local:
		kept, ok := narrow(wire, local, true, signed)
		if !ok {
			return fmt.Errorf("%w: %d bytes to %d", ErrIntOverflow, len(wire), local)
		}
		wire = kept
	case len(wire) < local:
		wire = widen(wire, local, true, signed)
	}
	setImage(v, wire, signed)
	return nil
}

// checkInt reports whether v is a signed integer, and verifies that its
// signedness agrees with kind.
func checkInt(v reflect.Value, kind schema.Kind) (signed bool, _ error) {
	switch v.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		signed = true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
	default:
		return false, fmt.Errorf("%w: %v field of type %v", ErrUnsupportedKind, kind, v.Type())
	}
	if signed != (kind == schema.KindInt) {
		return false, fmt.Errorf("%w: %v field of type %v", ErrUnsupportedKind, kind, v.Type())
	}
	return signed, nil
}

// imageOf returns the in-memory image of the integer v in the given order.
func imageOf(v reflect.Value, signed, big bool) []byte {
	var u uint64
	if signed {
		u = uint64(v.Int())
	} else {
		u = v.Uint()
	}
	img := make([]byte, v.Type().Size())
	for i := len(img) - 1; i >= 0; i-- {
		img[i] = byte(u)
		u >>= 8
	}
	if !big {
		slices.Reverse(img)
	}
	return img
}

// setImage stores the big-endian image img into the integer v.
func setImage(v reflect.Value, img []byte, signed bool) {
	var u uint64
	for _, b := range img {
		u = u<<8 | uint64(b)
	}
	if signed {
		shift := 64 - 8*len(img)
		v.SetInt(int64(u<<shift) >> shift)
	} else {
		v.SetUint(u)
	}
}

// signByte returns the byte that extends the integer image img to a wider
// size: 0xff for a negative signed value, otherwise zero.
func signByte(img []byte, big, signed bool) byte {
	if !signed || len(img) == 0 {
		return 0
	}
	msb := img[len(img)-1]
	if big {
		msb = img[0]
	}
	if msb&0x80 != 0 {
		return 0xff
	}
	return 0
}

// narrow returns the n low-order bytes of img. It reports false if any of
// the dropped bytes differs from the extension byte of the kept value, which
// means the value does not fit in n bytes.
func narrow(img []byte, n int, big, signed bool) ([]byte, bool) {
	kept, dropped := img[:n], img[n:]
	if big {
		dropped, kept = img[:len(img)-n], img[len(img)-n:]
	}
	sb := signByte(kept, big, signed)
	for _, b := range dropped {
		if b != sb {
			return nil, false
		}
	}
	return kept, true
}

// widen extends img to n bytes with its extension byte.
func widen(img []byte, n int, big, signed bool) []byte {
	pad := bytes.Repeat([]byte{signByte(img, big, signed)}, n-len(img))
	if big {
		return append(pad, img...)
	}
	return append(slices.Clone(img), pad...)
}
