// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package thread

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestValueOf(t *testing.T) {
	when := time.UnixMilli(1234)
	tests := []struct {
		name string
		in   any
		want Value
	}{
		{"nil", nil, Null{}},
		{"bool", true, Bool(true)},
		{"int", 42, Number(42)},
		{"uint8", uint8(7), Number(7)},
		{"float", 2.5, Number(2.5)},
		{"string", "s", String("s")},
		{"bytes", []byte("ab"), NewBuffer([]byte("ab"))},
		{"slice", []any{1, "x", nil}, NewArray(Number(1), String("x"), Null{})},
		{"empty slice", []int{}, &Array{}},
		{"string map", map[string]any{"b": 1, "a": "x"}, NewRecord(Field{"a", String("x")}, Field{"b", Number(1)})},
		{"int map", map[int]string{3: "c"}, NewMap(Entry{Key: Number(3), Value: String("c")})},
		{"struct", struct {
			Name string
			age  int
		}{"n", 3}, NewRecord(Field{"Name", String("n")})},
		{"time", when, NewDate(when)},
		{"value", Symbol("s"), Symbol("s")},
		{"big", int64(1) << 60, BigInt{Int: big.NewInt(1 << 60)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ValueOf(tt.in)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestValueOfError(t *testing.T) {
	v, err := ValueOf(ErrHookNotFound)
	require.NoError(t, err)
	e, ok := v.(*Error)
	require.True(t, ok)
	require.Equal(t, ErrHookNotFound.Error(), e.Message)
	require.Equal(t, "ERR_HOOK_NOT_FOUND", e.Code())
}

func TestValueOfRejectsShapelessValues(t *testing.T) {
	for _, in := range []any{
		func() {},
		make(chan int),
		[]any{1, func() {}},
		struct{ F func() }{},
	} {
		_, err := ValueOf(in)
		var te *TransferError
		require.True(t, errors.As(err, &te), "%T", in)
		require.Equal(t, CodeCannotTransfer, te.Code)
	}
}

func TestValueOfCycle(t *testing.T) {
	m := map[string]any{"n": 1}
	m["self"] = m

	v, err := ValueOf(m)
	require.NoError(t, err)
	require.Equal(t, NewRecord(Field{"n", Number(1)}, Field{"self", Undefined{}}), v)
}

func TestExport(t *testing.T) {
	v := NewRecord(
		Field{"list", NewArray(Number(1), String("a"), Null{})},
		Field{"keyed", NewMap(Entry{Key: String("k"), Value: Bool(true)})},
		Field{"pairs", NewMap(Entry{Key: Number(1), Value: Number(2)})},
		Field{"set", NewSet(Number(3))},
	)
	require.Equal(t, map[string]any{
		"list":  []any{1.0, "a", nil},
		"keyed": map[string]any{"k": true},
		"pairs": []any{[]any{1.0, 2.0}},
		"set":   []any{3.0},
	}, Export(v))
}

func TestExportCycle(t *testing.T) {
	arr := NewArray(Number(1))
	arr.Elems = append(arr.Elems, arr)
	require.Equal(t, []any{1.0, nil}, Export(arr))
}

func TestRecordAndMapAccessors(t *testing.T) {
	require := require.New(t)

	rec := NewRecord().Set("a", Number(1)).Set("a", Number(2)).Set("b", Null{})
	require.Equal(2, rec.Len())
	v, ok := rec.Get("a")
	require.True(ok)
	require.Equal(Number(2), v)

	m := NewMap().Set(Number(0), String("zero"))
	v, ok = m.Get(Number(0))
	require.True(ok)
	require.Equal(String("zero"), v)
	_, ok = m.Get(String("0"))
	require.False(ok)

	s := NewSet(Number(1)).Add(Number(1)).Add(BigInt{Int: big.NewInt(1)})
	require.Equal(2, s.Len())
	require.True(s.Has(BigInt{Int: big.NewInt(1)}))

	require.Equal(Undefined{}, NewArray().At(3))
}
