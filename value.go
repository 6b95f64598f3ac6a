// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package thread

import (
	"math"
	"math/big"
	"strconv"
	"time"
)

// Kind discriminates the variants of Value.
type Kind uint8

const (
	KindUndefined Kind = iota
	KindNull
	KindBool
	KindNumber
	KindBigInt
	KindString
	KindSymbol
	KindArray
	KindRecord
	KindMap
	KindSet
	KindError
	KindDate
	KindRegExp
	KindBuffer
	KindPort
)

var kindNames = [...]string{
	KindUndefined: "Undefined",
	KindNull:      "Null",
	KindBool:      "Bool",
	KindNumber:    "Number",
	KindBigInt:    "BigInt",
	KindString:    "String",
	KindSymbol:    "Symbol",
	KindArray:     "Array",
	KindRecord:    "Record",
	KindMap:       "Map",
	KindSet:       "Set",
	KindError:     "Error",
	KindDate:      "Date",
	KindRegExp:    "RegExp",
	KindBuffer:    "Buffer",
	KindPort:      "Port",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "Kind(" + strconv.Itoa(int(k)) + ")"
}

// Value is any datum that can cross a worker boundary. The concrete types
// in this file, *Port and nothing else implement it; containers and buffers
// are pointers so shared and cyclic references keep their identity.
type Value interface {
	Kind() Kind
}

type (
	Undefined struct{}
	Null      struct{}
	Bool      bool
	Number    float64
	String    string
	// Symbol carries only its description; symbols never keep identity
	// across a boundary.
	Symbol string
)

func (Undefined) Kind() Kind { return KindUndefined }
func (Null) Kind() Kind      { return KindNull }
func (Bool) Kind() Kind      { return KindBool }
func (Number) Kind() Kind    { return KindNumber }
func (String) Kind() Kind    { return KindString }
func (Symbol) Kind() Kind    { return KindSymbol }

// BigInt is an arbitrary precision integer.
type BigInt struct {
	Int *big.Int
}

func NewBigInt(x int64) BigInt { return BigInt{Int: big.NewInt(x)} }

func (BigInt) Kind() Kind { return KindBigInt }

// Array is an ordered list of values.
type Array struct {
	Elems []Value
}

func NewArray(elems ...Value) *Array { return &Array{Elems: elems} }

func (*Array) Kind() Kind { return KindArray }

func (a *Array) Len() int { return len(a.Elems) }

// At returns the i-th element or Undefined when out of range.
func (a *Array) At(i int) Value {
	if i < 0 || i >= len(a.Elems) {
		return Undefined{}
	}
	return a.Elems[i]
}

// Field is one key of a Record or one extra property of an Error.
type Field struct {
	Key   string
	Value Value
}

// Record is a plain keyed object. Field order is preserved.
type Record struct {
	Fields []Field
}

func NewRecord(fields ...Field) *Record { return &Record{Fields: fields} }

func (*Record) Kind() Kind { return KindRecord }

func (r *Record) Len() int { return len(r.Fields) }

func (r *Record) Get(key string) (Value, bool) {
	for _, f := range r.Fields {
		if f.Key == key {
			return f.Value, true
		}
	}
	return nil, false
}

// Set replaces the value stored under key, or appends a new field.
func (r *Record) Set(key string, v Value) *Record {
	for i := range r.Fields {
		if r.Fields[i].Key == key {
			r.Fields[i].Value = v
			return r
		}
	}
	r.Fields = append(r.Fields, Field{Key: key, Value: v})
	return r
}

// Entry is one key/value pair of a Map.
type Entry struct {
	Key   Value
	Value Value
}

// Map is an insertion ordered map keyed by arbitrary values. Keys compare
// by value for primitives and by identity for containers.
type Map struct {
	Entries []Entry
}

func NewMap(entries ...Entry) *Map { return &Map{Entries: entries} }

func (*Map) Kind() Kind { return KindMap }

func (m *Map) Len() int { return len(m.Entries) }

func (m *Map) Get(key Value) (Value, bool) {
	for _, e := range m.Entries {
		if sameValue(e.Key, key) {
			return e.Value, true
		}
	}
	return nil, false
}

func (m *Map) Set(key, v Value) *Map {
	for i := range m.Entries {
		if sameValue(m.Entries[i].Key, key) {
			m.Entries[i].Value = v
			return m
		}
	}
	m.Entries = append(m.Entries, Entry{Key: key, Value: v})
	return m
}

// Set is an insertion ordered set of values.
type Set struct {
	Items []Value
}

func NewSet(items ...Value) *Set { return &Set{Items: items} }

func (*Set) Kind() Kind { return KindSet }

func (s *Set) Len() int { return len(s.Items) }

func (s *Set) Has(v Value) bool {
	for _, item := range s.Items {
		if sameValue(item, v) {
			return true
		}
	}
	return false
}

func (s *Set) Add(v Value) *Set {
	if !s.Has(v) {
		s.Items = append(s.Items, v)
	}
	return s
}

// Error is an error object. Name, Message and Stack always cross the
// boundary; Props holds any other own properties.
type Error struct {
	Name    string
	Message string
	Stack   string
	Props   []Field
}

func NewError(name, message string) *Error {
	return &Error{Name: name, Message: message}
}

func (*Error) Kind() Kind { return KindError }

// Date is a point in time with millisecond precision on the wire.
type Date struct {
	Time    time.Time
	Invalid bool
}

func NewDate(t time.Time) Date { return Date{Time: t} }

// InvalidDate is the date that failed to parse.
func InvalidDate() Date { return Date{Invalid: true} }

func (Date) Kind() Kind { return KindDate }

// RegExp is a regular expression in source form.
type RegExp struct {
	Source string
	Flags  string
}

func (*RegExp) Kind() Kind { return KindRegExp }

// BufferType selects the binary view a Buffer represents.
type BufferType uint8

const (
	TypeBuffer BufferType = iota
	TypeArrayBuffer
	TypeInt8Array
	TypeUint8Array
	TypeInt16Array
	TypeUint16Array
	TypeInt32Array
	TypeUint32Array
	TypeFloat32Array
	TypeFloat64Array
)

var bufferTypeNames = [...]string{
	TypeBuffer:       "Buffer",
	TypeArrayBuffer:  "ArrayBuffer",
	TypeInt8Array:    "Int8Array",
	TypeUint8Array:   "Uint8Array",
	TypeInt16Array:   "Int16Array",
	TypeUint16Array:  "Uint16Array",
	TypeInt32Array:   "Int32Array",
	TypeUint32Array:  "Uint32Array",
	TypeFloat32Array: "Float32Array",
	TypeFloat64Array: "Float64Array",
}

func (t BufferType) String() string {
	if int(t) < len(bufferTypeNames) {
		return bufferTypeNames[t]
	}
	return "BufferType(" + strconv.Itoa(int(t)) + ")"
}

// ElemSize is the width in bytes of one element of the view.
func (t BufferType) ElemSize() int {
	switch t {
	case TypeInt16Array, TypeUint16Array:
		return 2
	case TypeInt32Array, TypeUint32Array, TypeFloat32Array:
		return 4
	case TypeFloat64Array:
		return 8
	default:
		return 1
	}
}

// Buffer is a byte region with a typed view. Transferring a buffer hands
// its bytes to the receiver and leaves the sender's Buffer detached and
// zero length.
type Buffer struct {
	Type     BufferType
	data     []byte
	detached bool
}

func NewBuffer(b []byte) *Buffer { return &Buffer{Type: TypeBuffer, data: b} }

// NewTypedArray wraps raw little-endian element bytes in a typed view.
func NewTypedArray(t BufferType, b []byte) *Buffer { return &Buffer{Type: t, data: b} }

func (*Buffer) Kind() Kind { return KindBuffer }

func (b *Buffer) Bytes() []byte { return b.data }

func (b *Buffer) Len() int { return len(b.data) }

func (b *Buffer) Detached() bool { return b.detached }

func (b *Buffer) detach() []byte {
	d := b.data
	b.data = nil
	b.detached = true
	return d
}

// sameValue is SameValueZero: NaN equals NaN, everything else compares
// with == (identity for pointer variants).
func sameValue(a, b Value) bool {
	if x, ok := a.(Number); ok {
		if y, ok := b.(Number); ok && math.IsNaN(float64(x)) && math.IsNaN(float64(y)) {
			return true
		}
	}
	if x, ok := a.(BigInt); ok {
		if y, ok := b.(BigInt); ok && x.Int != nil && y.Int != nil {
			return x.Int.Cmp(y.Int) == 0
		}
	}
	return a == b
}
