// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package thread

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/big"
	"time"
	"unicode/utf8"
)

// tag is the single byte that precedes every encoded value.
type tag uint8

const (
	tagUndefined tag = iota
	tagNull
	tagTrue
	tagFalse
	tagNumber
	tagNaN
	tagPosInf
	tagNegInf
	tagInt32
	tagUint32
	tagString
	tagSymbol
	tagBigInt
	tagFunction
	tagObject
	tagArray
	tagMap
	tagSet
	tagError
	tagRegExp
	tagDate
	tagInvalidDate
	tagBuffer
	tagArrayBuffer
	tagInt8Array
	tagUint8Array
	tagInt16Array
	tagUint16Array
	tagInt32Array
	tagUint32Array
	tagFloat32Array
	tagFloat64Array
	tagMessagePort
)

// maxDepth bounds container nesting in both directions.
const maxDepth = 4096

// PortResolver maps a port id read off the wire to a local Port.
type PortResolver func(id uint64) (*Port, error)

// Encode serializes v. The output is deterministic for a given value graph.
// A container met again while it is still being written encodes as
// Undefined; shared references that are not cycles are written in full at
// each occurrence.
func Encode(v Value) ([]byte, error) {
	e := encoder{active: make(map[Value]bool)}
	if err := e.value(v, 0); err != nil {
		return nil, err
	}
	return e.buf, nil
}

type encoder struct {
	buf    []byte
	active map[Value]bool
}

func (e *encoder) byte(t tag) { e.buf = append(e.buf, byte(t)) }

func (e *encoder) u32(n int) { e.buf = binary.LittleEndian.AppendUint32(e.buf, uint32(n)) }

func (e *encoder) str(s string) {
	e.u32(len(s))
	e.buf = append(e.buf, s...)
}

func (e *encoder) bytes(b []byte) {
	e.u32(len(b))
	e.buf = append(e.buf, b...)
}

func (e *encoder) value(v Value, depth int) error {
	if depth > maxDepth {
		return fmt.Errorf("%w: nesting deeper than %d", ErrMalformed, maxDepth)
	}
	switch x := v.(type) {
	case nil, Undefined:
		e.byte(tagUndefined)
	case Null:
		e.byte(tagNull)
	case Bool:
		if x {
			e.byte(tagTrue)
		} else {
			e.byte(tagFalse)
		}
	case Number:
		e.number(float64(x))
	case String:
		e.byte(tagString)
		e.str(string(x))
	case Symbol:
		e.byte(tagSymbol)
		e.str(string(x))
	case BigInt:
		e.byte(tagBigInt)
		n := x.Int
		if n == nil {
			n = new(big.Int)
		}
		if n.Sign() < 0 {
			e.buf = append(e.buf, 1)
		} else {
			e.buf = append(e.buf, 0)
		}
		e.bytes(n.Bytes())
	case Date:
		if x.Invalid {
			e.byte(tagInvalidDate)
			return nil
		}
		e.byte(tagDate)
		e.buf = binary.LittleEndian.AppendUint64(e.buf, math.Float64bits(float64(x.Time.UnixMilli())))
	case *RegExp:
		e.byte(tagRegExp)
		e.str(x.Source)
		e.str(x.Flags)
	case *Buffer:
		if x.Detached() {
			return fmt.Errorf("%s: %w", x.Type, ErrDetached)
		}
		e.byte(tagBuffer + tag(x.Type))
		e.bytes(x.Bytes())
	case *Port:
		e.byte(tagMessagePort)
		e.buf = binary.LittleEndian.AppendUint64(e.buf, x.ID())
	case *Array, *Record, *Map, *Set, *Error:
		if e.active[v] {
			e.byte(tagUndefined)
			return nil
		}
		e.active[v] = true
		defer delete(e.active, v)
		return e.container(v, depth)
	default:
		return cannotTransfer(fmt.Sprintf("%T", v), "value has no wire form")
	}
	return nil
}

func (e *encoder) number(f float64) {
	switch {
	case math.IsNaN(f):
		e.byte(tagNaN)
	case math.IsInf(f, 1):
		e.byte(tagPosInf)
	case math.IsInf(f, -1):
		e.byte(tagNegInf)
	case f == math.Trunc(f) && !(f == 0 && math.Signbit(f)) && f >= math.MinInt32 && f <= math.MaxInt32:
		e.byte(tagInt32)
		e.buf = binary.LittleEndian.AppendUint32(e.buf, uint32(int32(f)))
	case f == math.Trunc(f) && f > 0 && f <= math.MaxUint32:
		e.byte(tagUint32)
		e.buf = binary.LittleEndian.AppendUint32(e.buf, uint32(f))
	default:
		e.byte(tagNumber)
		e.buf = binary.LittleEndian.AppendUint64(e.buf, math.Float64bits(f))
	}
}

func (e *encoder) container(v Value, depth int) error {
	switch x := v.(type) {
	case *Array:
		e.byte(tagArray)
		e.u32(len(x.Elems))
		for _, el := range x.Elems {
			if err := e.value(el, depth+1); err != nil {
				return err
			}
		}
	case *Record:
		e.byte(tagObject)
		e.u32(len(x.Fields))
		for _, f := range x.Fields {
			e.str(f.Key)
			if err := e.value(f.Value, depth+1); err != nil {
				return err
			}
		}
	case *Map:
		e.byte(tagMap)
		e.u32(len(x.Entries))
		for _, en := range x.Entries {
			if err := e.value(en.Key, depth+1); err != nil {
				return err
			}
			if err := e.value(en.Value, depth+1); err != nil {
				return err
			}
		}
	case *Set:
		e.byte(tagSet)
		e.u32(len(x.Items))
		for _, it := range x.Items {
			if err := e.value(it, depth+1); err != nil {
				return err
			}
		}
	case *Error:
		e.byte(tagError)
		e.str(x.Name)
		e.str(x.Message)
		e.str(x.Stack)
		e.u32(len(x.Props))
		for _, f := range x.Props {
			e.str(f.Key)
			if err := e.value(f.Value, depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}

// Decode parses a single value occupying all of b. Port references are
// handed to resolve; with a nil resolver they decode to Undefined.
func Decode(b []byte, resolve PortResolver) (Value, error) {
	d := decoder{buf: b, resolve: resolve}
	v, err := d.value(0)
	if err != nil {
		return nil, err
	}
	if d.off != len(d.buf) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(d.buf)-d.off)
	}
	return v, nil
}

type decoder struct {
	buf     []byte
	off     int
	resolve PortResolver
}

func (d *decoder) need(n int) error {
	if n < 0 || len(d.buf)-d.off < n {
		return fmt.Errorf("%w: truncated at offset %d", ErrMalformed, d.off)
	}
	return nil
}

func (d *decoder) u8() (byte, error) {
	if err := d.need(1); err != nil {
		return 0, err
	}
	b := d.buf[d.off]
	d.off++
	return b, nil
}

func (d *decoder) u32() (uint32, error) {
	if err := d.need(4); err != nil {
		return 0, err
	}
	n := binary.LittleEndian.Uint32(d.buf[d.off:])
	d.off += 4
	return n, nil
}

func (d *decoder) u64() (uint64, error) {
	if err := d.need(8); err != nil {
		return 0, err
	}
	n := binary.LittleEndian.Uint64(d.buf[d.off:])
	d.off += 8
	return n, nil
}

func (d *decoder) raw() ([]byte, error) {
	n, err := d.u32()
	if err != nil {
		return nil, err
	}
	if err := d.need(int(n)); err != nil {
		return nil, err
	}
	b := d.buf[d.off : d.off+int(n)]
	d.off += int(n)
	return b, nil
}

func (d *decoder) str() (string, error) {
	b, err := d.raw()
	if err != nil {
		return "", err
	}
	if !utf8.Valid(b) {
		return "", fmt.Errorf("%w: invalid utf-8 at offset %d", ErrMalformed, d.off-len(b))
	}
	return string(b), nil
}

// count reads an element count and rejects counts the remaining input
// could not possibly hold.
func (d *decoder) count(per int) (int, error) {
	n, err := d.u32()
	if err != nil {
		return 0, err
	}
	if uint64(n)*uint64(per) > uint64(len(d.buf)-d.off) {
		return 0, fmt.Errorf("%w: count %d exceeds input", ErrMalformed, n)
	}
	return int(n), nil
}

func (d *decoder) value(depth int) (Value, error) {
	if depth > maxDepth {
		return nil, fmt.Errorf("%w: nesting deeper than %d", ErrMalformed, maxDepth)
	}
	b, err := d.u8()
	if err != nil {
		return nil, err
	}
	switch t := tag(b); t {
	case tagUndefined:
		return Undefined{}, nil
	case tagNull:
		return Null{}, nil
	case tagTrue:
		return Bool(true), nil
	case tagFalse:
		return Bool(false), nil
	case tagNumber:
		n, err := d.u64()
		if err != nil {
			return nil, err
		}
		return Number(math.Float64frombits(n)), nil
	case tagNaN:
		return Number(math.NaN()), nil
	case tagPosInf:
		return Number(math.Inf(1)), nil
	case tagNegInf:
		return Number(math.Inf(-1)), nil
	case tagInt32:
		n, err := d.u32()
		if err != nil {
			return nil, err
		}
		return Number(int32(n)), nil
	case tagUint32:
		n, err := d.u32()
		if err != nil {
			return nil, err
		}
		return Number(n), nil
	case tagString:
		s, err := d.str()
		return String(s), err
	case tagSymbol:
		s, err := d.str()
		return Symbol(s), err
	case tagBigInt:
		sign, err := d.u8()
		if err != nil {
			return nil, err
		}
		mag, err := d.raw()
		if err != nil {
			return nil, err
		}
		n := new(big.Int).SetBytes(mag)
		if sign == 1 {
			n.Neg(n)
		}
		return BigInt{Int: n}, nil
	case tagFunction:
		return nil, cannotTransfer("function", "functions cannot be cloned")
	case tagDate:
		n, err := d.u64()
		if err != nil {
			return nil, err
		}
		ms := math.Float64frombits(n)
		if math.IsNaN(ms) || math.IsInf(ms, 0) {
			return InvalidDate(), nil
		}
		return NewDate(time.UnixMilli(int64(ms))), nil
	case tagInvalidDate:
		return InvalidDate(), nil
	case tagRegExp:
		src, err := d.str()
		if err != nil {
			return nil, err
		}
		flags, err := d.str()
		if err != nil {
			return nil, err
		}
		return &RegExp{Source: src, Flags: flags}, nil
	case tagMessagePort:
		id, err := d.u64()
		if err != nil {
			return nil, err
		}
		if d.resolve == nil {
			return Undefined{}, nil
		}
		p, err := d.resolve(id)
		if err != nil {
			return nil, err
		}
		return p, nil
	case tagArray:
		n, err := d.count(1)
		if err != nil {
			return nil, err
		}
		arr := &Array{Elems: make([]Value, n)}
		for i := range arr.Elems {
			if arr.Elems[i], err = d.value(depth + 1); err != nil {
				return nil, err
			}
		}
		return arr, nil
	case tagObject:
		n, err := d.count(5)
		if err != nil {
			return nil, err
		}
		rec := &Record{Fields: make([]Field, n)}
		if err := d.fields(rec.Fields, depth); err != nil {
			return nil, err
		}
		return rec, nil
	case tagMap:
		n, err := d.count(2)
		if err != nil {
			return nil, err
		}
		m := &Map{Entries: make([]Entry, n)}
		for i := range m.Entries {
			if m.Entries[i].Key, err = d.value(depth + 1); err != nil {
				return nil, err
			}
			if m.Entries[i].Value, err = d.value(depth + 1); err != nil {
				return nil, err
			}
		}
		return m, nil
	case tagSet:
		n, err := d.count(1)
		if err != nil {
			return nil, err
		}
		s := &Set{Items: make([]Value, n)}
		for i := range s.Items {
			if s.Items[i], err = d.value(depth + 1); err != nil {
				return nil, err
			}
		}
		return s, nil
	case tagError:
		e := &Error{}
		if e.Name, err = d.str(); err != nil {
			return nil, err
		}
		if e.Message, err = d.str(); err != nil {
			return nil, err
		}
		if e.Stack, err = d.str(); err != nil {
			return nil, err
		}
		n, err := d.count(5)
		if err != nil {
			return nil, err
		}
		e.Props = make([]Field, n)
		if err := d.fields(e.Props, depth); err != nil {
			return nil, err
		}
		return e, nil
	default:
		if t >= tagBuffer && t <= tagFloat64Array {
			raw, err := d.raw()
			if err != nil {
				return nil, err
			}
			typ := BufferType(t - tagBuffer)
			if len(raw)%typ.ElemSize() != 0 {
				return nil, fmt.Errorf("%w: %s of %d bytes", ErrMalformed, typ, len(raw))
			}
			return &Buffer{Type: typ, data: append([]byte(nil), raw...)}, nil
		}
		return nil, fmt.Errorf("%w: unknown tag %d at offset %d", ErrMalformed, b, d.off-1)
	}
}

func (d *decoder) fields(out []Field, depth int) error {
	for i := range out {
		k, err := d.str()
		if err != nil {
			return err
		}
		v, err := d.value(depth + 1)
		if err != nil {
			return err
		}
		out[i] = Field{Key: k, Value: v}
	}
	return nil
}
