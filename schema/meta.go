// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package schema describes the layout of records exchanged between peers.
//
// A [Meta] is a static, recursively composable description of a Go struct
// type: its fields, their kinds, their declared in-memory sizes, and an
// optional reduced size to use on the wire. A Meta is built once per record
// type, usually with [Derive] or [MustDerive]:
//
//	type Stamp struct {
//	   Sec  int64 `brick:"sec"`
//	   Nsec int64 `brick:"nsec,wire=4"`
//	}
//	var stampMeta = schema.MustDerive[Stamp]("stamp")
//
// A [Blob] is the flattened form of a Meta that is negotiated once per
// connection direction and cached in a [SendCache] or [RecvCache].
package schema

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Kind identifies how a field is transferred.
type Kind int8

const (
	KindRaw    Kind = 1 // fixed-size byte array, sent verbatim
	KindInt    Kind = 2 // signed integer
	KindUint   Kind = 3 // unsigned integer
	KindString Kind = 4 // length-prefixed string
	KindSub    Kind = 5 // nested record, flattened into its fields
	KindRef    Kind = 6 // pointer to a record (not supported on the wire)
)

func (k Kind) String() string {
	switch k {
	case KindRaw:
		return "raw"
	case KindInt:
		return "int"
	case KindUint:
		return "uint"
	case KindString:
		return "string"
	case KindSub:
		return "sub"
	case KindRef:
		return "ref"
	default:
		return fmt.Sprintf("kind:%d", int8(k))
	}
}

// IsInt reports whether k is an integer kind.
func (k Kind) IsInt() bool { return k == KindInt || k == KindUint }

const (
	// MaxNameLen is the maximum length in bytes of a dotted field name.
	MaxNameLen = 48

	// MaxIntTransfer is the maximum size in bytes of an integer field, both
	// in memory and on the wire.
	MaxIntTransfer = 16
)

// A Field describes one member of a record type.
type Field struct {
	Name     string // field name, without any parent prefix
	Kind     Kind   // transfer kind
	Size     int    // declared in-memory size in bytes
	WireSize int    // reduced or expanded wire size; 0 means Size
	Offset   int    // byte offset within the parent record
	Index    []int  // reflect field index within the parent record
	Sub      *Meta  // for KindSub, the nested record description
}

// TransferSize reports the number of bytes f occupies on the wire.
func (f Field) TransferSize() int {
	if f.WireSize > 0 {
		return f.WireSize
	}
	return f.Size
}

// A Meta describes the layout of a record type.
type Meta struct {
	Name   string       // record type name
	ID     uint64       // identity token, scoped to this process
	Type   reflect.Type // the Go struct type described
	Fields []Field
}

// String returns a human-friendly rendering of the meta.
func (m *Meta) String() string {
	return fmt.Sprintf("Meta(%s, %d fields, id=%016x)", m.Name, len(m.Fields), m.ID)
}

// New constructs a Meta from explicit field descriptions. Each field Index
// must address a field of the record type the Meta is used with.
func New(name string, fields ...Field) *Meta {
	return &Meta{Name: name, ID: xxhash.Sum64String(name), Fields: fields}
}

// Derive constructs a Meta for the struct type T by reflection. The name
// identifies the record type within the process; its hash becomes the
// identity token of the Meta.
//
// Exported fields of T are included in declaration order. A struct tag of
// the form
//
//	brick:"name,wire=N"
//
// overrides the field name and sets its wire size. The tag "-" excludes the
// field. Supported field types are signed and unsigned integers, string and
// *string, byte arrays, nested structs, and pointers to structs (which are
// described but cannot be transferred).
func Derive[T any](name string) (*Meta, error) {
	return DeriveType(name, reflect.TypeFor[T]())
}

// MustDerive is as [Derive], but panics if the type cannot be described.
func MustDerive[T any](name string) *Meta {
	m, err := Derive[T](name)
	if err != nil {
		panic(fmt.Sprintf("derive %q: %v", name, err))
	}
	return m
}

// DeriveType constructs a Meta for the struct type t. See [Derive].
func DeriveType(name string, t reflect.Type) (*Meta, error) {
	if t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("type %v is not a struct", t)
	}
	m := &Meta{Name: name, ID: xxhash.Sum64String(name), Type: t}
	for i := range t.NumField() {
		sf := t.Field(i)
		if !sf.IsExported() {
			continue
		}
		tag := sf.Tag.Get("brick")
		if tag == "-" {
			continue
		}
		f, err := deriveField(sf, tag)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", sf.Name, err)
		}
		m.Fields = append(m.Fields, f)
	}
	if len(m.Fields) == 0 {
		return nil, errors.New("no transferable fields")
	}
	return m, nil
}

func deriveField(sf reflect.StructField, tag string) (Field, error) {
	f := Field{
		Name:   sf.Name,
		Size:   int(sf.Type.Size()),
		Offset: int(sf.Offset),
		Index:  sf.Index,
	}
	name, opts, _ := strings.Cut(tag, ",")
	if name != "" {
		f.Name = name
	}
	if opts != "" {
		for opt := range strings.SplitSeq(opts, ",") {
			key, val, ok := strings.Cut(opt, "=")
			if !ok || key != "wire" {
				return Field{}, fmt.Errorf("invalid tag option %q", opt)
			}
			n, err := strconv.Atoi(val)
			if err != nil || n <= 0 {
				return Field{}, fmt.Errorf("invalid wire size %q", val)
			}
			f.WireSize = n
		}
	}

	switch t := sf.Type; t.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		f.Kind = KindInt
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		f.Kind = KindUint
	case reflect.String:
		f.Kind = KindString
	case reflect.Array:
		if t.Elem().Kind() != reflect.Uint8 {
			return Field{}, fmt.Errorf("unsupported array type %v", t)
		}
		f.Kind = KindRaw
	case reflect.Struct:
		sub, err := DeriveType(sf.Name, t)
		if err != nil {
			return Field{}, err
		}
		f.Kind = KindSub
		f.Sub = sub
	case reflect.Pointer:
		switch t.Elem().Kind() {
		case reflect.String:
			f.Kind = KindString
		case reflect.Struct:
			f.Kind = KindRef
		default:
			return Field{}, fmt.Errorf("unsupported pointer type %v", t)
		}
	default:
		return Field{}, fmt.Errorf("unsupported type %v", t)
	}
	if f.WireSize != 0 && !f.Kind.IsInt() {
		return Field{}, fmt.Errorf("wire size is only valid for integers, not %v", f.Kind)
	}
	return f, nil
}
