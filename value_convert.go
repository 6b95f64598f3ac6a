// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package thread

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"reflect"
	"regexp"
	"sort"
	"time"
)

// ValueOf converts a plain Go value into a Value. Functions, channels and
// other values without a data shape fail with a *TransferError. A map or
// slice that contains itself converts the inner reference to Undefined.
func ValueOf(x any) (Value, error) {
	c := converter{seen: make(map[uintptr]bool)}
	return c.convert(reflect.ValueOf(x))
}

// MustValueOf is ValueOf for literals known to convert.
func MustValueOf(x any) Value {
	v, err := ValueOf(x)
	if err != nil {
		panic(err)
	}
	return v
}

type converter struct {
	seen map[uintptr]bool
}

var (
	valueType  = reflect.TypeOf((*Value)(nil)).Elem()
	errorType  = reflect.TypeOf((*error)(nil)).Elem()
	timeType   = reflect.TypeOf(time.Time{})
	regexpType = reflect.TypeOf((*regexp.Regexp)(nil))
	bigIntType = reflect.TypeOf((*big.Int)(nil))
)

func (c *converter) convert(rv reflect.Value) (Value, error) {
	if !rv.IsValid() {
		return Null{}, nil
	}
	nilable := rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface
	if rv.Type().Implements(valueType) {
		if nilable && rv.IsNil() {
			return Null{}, nil
		}
		return rv.Interface().(Value), nil
	}
	switch rv.Type() {
	case timeType:
		return NewDate(rv.Interface().(time.Time)), nil
	case regexpType:
		if rv.IsNil() {
			return Null{}, nil
		}
		return &RegExp{Source: rv.Interface().(*regexp.Regexp).String()}, nil
	case bigIntType:
		if rv.IsNil() {
			return Null{}, nil
		}
		return BigInt{Int: new(big.Int).Set(rv.Interface().(*big.Int))}, nil
	}
	if rv.Type().Implements(errorType) {
		if nilable && rv.IsNil() {
			return Null{}, nil
		}
		return errorValue(rv.Interface().(error)), nil
	}

	switch rv.Kind() {
	case reflect.Bool:
		return Bool(rv.Bool()), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n := rv.Int()
		if n > 1<<53 || n < -(1<<53) {
			return BigInt{Int: big.NewInt(n)}, nil
		}
		return Number(n), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		n := rv.Uint()
		if n > 1<<53 {
			return BigInt{Int: new(big.Int).SetUint64(n)}, nil
		}
		return Number(n), nil
	case reflect.Float32, reflect.Float64:
		return Number(rv.Float()), nil
	case reflect.String:
		return String(rv.String()), nil
	case reflect.Interface:
		if rv.IsNil() {
			return Null{}, nil
		}
		return c.convert(rv.Elem())
	case reflect.Pointer:
		if rv.IsNil() {
			return Null{}, nil
		}
		return c.enter(rv, func() (Value, error) { return c.convert(rv.Elem()) })
	case reflect.Slice:
		if rv.IsNil() {
			return Null{}, nil
		}
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return NewBuffer(append([]byte(nil), rv.Bytes()...)), nil
		}
		if rv.Len() == 0 {
			return &Array{}, nil
		}
		return c.enter(rv, func() (Value, error) { return c.list(rv) })
	case reflect.Array:
		return c.list(rv)
	case reflect.Map:
		if rv.IsNil() {
			return Null{}, nil
		}
		return c.enter(rv, func() (Value, error) { return c.mapping(rv) })
	case reflect.Struct:
		return c.record(rv)
	default:
		return nil, cannotTransfer(rv.Type().String(), "value has no data shape")
	}
}

// enter guards reference kinds against cycles on the active path.
func (c *converter) enter(rv reflect.Value, fn func() (Value, error)) (Value, error) {
	ptr := rv.Pointer()
	if c.seen[ptr] {
		return Undefined{}, nil
	}
	c.seen[ptr] = true
	defer delete(c.seen, ptr)
	return fn()
}

func (c *converter) list(rv reflect.Value) (Value, error) {
	arr := &Array{Elems: make([]Value, rv.Len())}
	for i := range arr.Elems {
		v, err := c.convert(rv.Index(i))
		if err != nil {
			return nil, err
		}
		arr.Elems[i] = v
	}
	return arr, nil
}

func (c *converter) mapping(rv reflect.Value) (Value, error) {
	keys := rv.MapKeys()
	if rv.Type().Key().Kind() == reflect.String {
		sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
		rec := &Record{Fields: make([]Field, 0, len(keys))}
		for _, k := range keys {
			v, err := c.convert(rv.MapIndex(k))
			if err != nil {
				return nil, err
			}
			rec.Fields = append(rec.Fields, Field{Key: k.String(), Value: v})
		}
		return rec, nil
	}
	m := &Map{Entries: make([]Entry, 0, len(keys))}
	for _, k := range keys {
		kv, err := c.convert(k)
		if err != nil {
			return nil, err
		}
		vv, err := c.convert(rv.MapIndex(k))
		if err != nil {
			return nil, err
		}
		m.Entries = append(m.Entries, Entry{Key: kv, Value: vv})
	}
	return m, nil
}

func (c *converter) record(rv reflect.Value) (Value, error) {
	t := rv.Type()
	rec := &Record{}
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		v, err := c.convert(rv.Field(i))
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", f.Name, err)
		}
		rec.Fields = append(rec.Fields, Field{Key: f.Name, Value: v})
	}
	return rec, nil
}

// Export converts a Value into plain Go values: nil, bool, float64,
// string, []any, map[string]any, []byte, time.Time, *big.Int, error.
// Maps with non-string keys export as a list of [key, value] pairs, sets
// as lists. Shared references export once per path and cycles as nil.
func Export(v Value) any {
	return export(v, make(map[Value]bool))
}

func export(v Value, active map[Value]bool) any {
	switch x := v.(type) {
	case nil, Undefined, Null:
		return nil
	case Bool:
		return bool(x)
	case Number:
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil
		}
		return f
	case BigInt:
		if x.Int == nil {
			return nil
		}
		return new(big.Int).Set(x.Int)
	case String:
		return string(x)
	case Symbol:
		return string(x)
	case Date:
		if x.Invalid {
			return nil
		}
		return x.Time
	case *RegExp:
		return x.Source
	case *Buffer:
		return append([]byte(nil), x.Bytes()...)
	case *Error:
		return errors.New(x.Error())
	case *Port:
		return x.ID()
	}

	if active[v] {
		return nil
	}
	active[v] = true
	defer delete(active, v)

	switch x := v.(type) {
	case *Array:
		out := make([]any, len(x.Elems))
		for i, e := range x.Elems {
			out[i] = export(e, active)
		}
		return out
	case *Set:
		out := make([]any, len(x.Items))
		for i, e := range x.Items {
			out[i] = export(e, active)
		}
		return out
	case *Record:
		out := make(map[string]any, len(x.Fields))
		for _, f := range x.Fields {
			out[f.Key] = export(f.Value, active)
		}
		return out
	case *Map:
		keyed := true
		for _, e := range x.Entries {
			if _, ok := e.Key.(String); !ok {
				keyed = false
				break
			}
		}
		if keyed {
			out := make(map[string]any, len(x.Entries))
			for _, e := range x.Entries {
				out[string(e.Key.(String))] = export(e.Value, active)
			}
			return out
		}
		out := make([]any, len(x.Entries))
		for i, e := range x.Entries {
			out[i] = []any{export(e.Key, active), export(e.Value, active)}
		}
		return out
	}
	return nil
}
