// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package thread

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMorphPreservesSharedReferences(t *testing.T) {
	require := require.New(t)

	shared := NewRecord(Field{"x", Number(1)})
	src := NewArray(shared, shared)

	out, err := morph(src, nil)
	require.NoError(err)

	arr := out.(*Array)
	require.NotSame(src, arr)
	require.NotSame(shared, arr.At(0))
	require.Same(arr.At(0), arr.At(1))
	require.Equal(shared, arr.At(0))
}

func TestMorphPreservesCycles(t *testing.T) {
	require := require.New(t)

	rec := NewRecord(Field{"n", Number(1)})
	rec.Set("self", rec)
	m := NewMap(Entry{Key: rec, Value: rec})

	out, err := morph(m, nil)
	require.NoError(err)

	cm := out.(*Map)
	key := cm.Entries[0].Key.(*Record)
	require.Same(key, cm.Entries[0].Value)
	self, ok := key.Get("self")
	require.True(ok)
	require.Same(key, self)
	require.NotSame(rec, key)
}

func TestMorphCopiesBuffersNotListed(t *testing.T) {
	buf := NewBuffer([]byte("abc"))
	out, err := morph(buf, nil)
	require.NoError(t, err)

	cp := out.(*Buffer)
	cp.Bytes()[0] = 'z'
	require.Equal(t, []byte("abc"), buf.Bytes())
	require.False(t, buf.Detached())
}

func TestMorphTransfersBuffers(t *testing.T) {
	require := require.New(t)

	buf := NewBuffer([]byte("foobar"))
	tl, err := newTransferList(nil, []Value{buf})
	require.NoError(err)

	out, err := morph(NewRecord(Field{"b", buf}), tl)
	require.NoError(err)

	require.True(buf.Detached())
	require.Zero(buf.Len())
	got, _ := out.(*Record).Get("b")
	require.Equal([]byte("foobar"), got.(*Buffer).Bytes())

	_, err = morph(buf, nil)
	require.ErrorIs(err, ErrDetached)
}

func TestMorphFailsWithoutSideEffects(t *testing.T) {
	require := require.New(t)

	rt := newTestRuntime(t, 1)
	ch, err := rt.NewChannel()
	require.NoError(err)

	buf := NewBuffer([]byte("keep"))
	tl, err := newTransferList(nil, []Value{buf})
	require.NoError(err)

	_, err = morph(NewArray(buf, ch.Port1), tl)
	var te *TransferError
	require.True(errors.As(err, &te))
	require.Equal(CodeCannotTransfer, te.Code)

	require.False(buf.Detached())
	require.Equal([]byte("keep"), buf.Bytes())
	require.False(ch.Port1.Transferred())
}

func TestTransferListValidation(t *testing.T) {
	rt := newTestRuntime(t, 1)
	ch, err := rt.NewChannel()
	require.NoError(t, err)
	closed, err := rt.NewChannel()
	require.NoError(t, err)
	require.NoError(t, closed.Port1.Close())

	buf := NewBuffer([]byte("x"))
	gone := NewBuffer([]byte("y"))
	gone.detach()

	tests := []struct {
		name  string
		src   *Port
		items []Value
		want  error
	}{
		{"source port", ch.Port1, []Value{ch.Port1}, nil},
		{"duplicate port", nil, []Value{ch.Port2, ch.Port2}, nil},
		{"duplicate buffer", nil, []Value{buf, buf}, nil},
		{"not transferable", nil, []Value{String("s")}, nil},
		{"undefined", nil, []Value{nil}, nil},
		{"closed port", nil, []Value{closed.Port2}, ErrPortClosed},
		{"detached buffer", nil, []Value{gone}, ErrDetached},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newTransferList(tt.src, tt.items)
			require.Error(t, err)
			if tt.want != nil {
				require.ErrorIs(t, err, tt.want)
				return
			}
			var te *TransferError
			require.True(t, errors.As(err, &te), "got %v", err)
		})
	}
}

func TestPortsIn(t *testing.T) {
	rt := newTestRuntime(t, 1)
	a, err := rt.NewChannel()
	require.NoError(t, err)
	b, err := rt.NewChannel()
	require.NoError(t, err)

	v := NewArray(a.Port1, NewRecord(Field{"p", b.Port1}, Field{"again", a.Port1}))
	require.Equal(t, []Value{a.Port1, b.Port1}, portsIn(v))
	require.Equal(t, []Value{a.Port2}, portsIn(a.Port2))
}
