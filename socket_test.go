// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package thread

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func socketPair(t testing.TB) (*Socket, *Socket) {
	t.Helper()
	ch, err := newTestRuntime(t, 1).NewChannel()
	require.NoError(t, err)
	a, b := NewSocket(ch.Port1), NewSocket(ch.Port2)
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b
}

func testContext(t testing.TB) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	t.Cleanup(cancel)
	return ctx
}

func TestSocketCall(t *testing.T) {
	ctx := testContext(t)
	a, b := socketPair(t)

	b.Hook("double", func(_ context.Context, c *Call) (Value, error) {
		s, _ := c.Arg(0).(String)
		return s + s, nil
	})
	res, err := a.Call(ctx, "double", []Value{String("ab")})
	require.NoError(t, err)
	require.Equal(t, String("abab"), res)

	b.Hook("nothing", func(context.Context, *Call) (Value, error) { return nil, nil })
	res, err = a.Call(ctx, "nothing", nil)
	require.NoError(t, err)
	require.Equal(t, Undefined{}, res)
	require.Zero(t, a.Pending())
}

func TestSocketCallBothWays(t *testing.T) {
	ctx := testContext(t)
	a, b := socketPair(t)

	a.Hook("who", func(context.Context, *Call) (Value, error) { return String("a"), nil })
	b.Hook("who", func(ctx context.Context, _ *Call) (Value, error) {
		// calls back into the caller while its own call is pending
		peer, err := b.Call(ctx, "who", nil)
		if err != nil {
			return nil, err
		}
		return NewArray(String("b"), peer), nil
	})
	res, err := a.Call(ctx, "who", nil)
	require.NoError(t, err)
	require.Equal(t, NewArray(String("b"), String("a")), res)
}

func TestSocketHookNotFound(t *testing.T) {
	ctx := testContext(t)
	a, b := socketPair(t)
	b.Hook("other", func(context.Context, *Call) (Value, error) { return nil, nil })

	_, err := a.Call(ctx, "missing", nil)
	require.ErrorIs(t, err, ErrHookNotFound)

	b.Unhook("other")
	_, err = a.Call(ctx, "other", nil)
	require.ErrorIs(t, err, ErrHookNotFound)
}

func TestSocketCallErrors(t *testing.T) {
	ctx := testContext(t)
	a, b := socketPair(t)

	b.Hook("type", func(context.Context, *Call) (Value, error) {
		return nil, &Error{Name: "TypeError", Message: "bad input", Props: []Field{
			{"code", String("E_BAD")},
			{"nested", NewArray()},
		}}
	})
	b.Hook("plain", func(context.Context, *Call) (Value, error) {
		return nil, errors.New("boom")
	})
	b.Hook("panic", func(context.Context, *Call) (Value, error) {
		panic("kaboom")
	})
	b.Hook("arg", func(_ context.Context, c *Call) (Value, error) {
		return c.Arg(0), nil
	})

	_, err := a.Call(ctx, "type", nil)
	var e *Error
	require.True(t, errors.As(err, &e))
	require.Equal(t, "TypeError", e.Class())
	require.Equal(t, "bad input", e.Message)
	require.Equal(t, "E_BAD", e.Code())
	require.Len(t, e.Props, 1)

	_, err = a.Call(ctx, "plain", nil)
	require.True(t, errors.As(err, &e))
	require.Equal(t, "Error", e.Class())
	require.Equal(t, "boom", e.Message)

	_, err = a.Call(ctx, "panic", nil)
	require.ErrorContains(t, err, "kaboom")

	// a detached buffer cannot be sent back; the caller gets the clone error
	gone := NewBuffer([]byte("x"))
	b.Hook("detached", func(context.Context, *Call) (Value, error) { return gone, nil })
	gone.detach()
	_, err = a.Call(ctx, "detached", nil)
	require.ErrorIs(t, err, ErrDetached)

	_, err = a.Call(ctx, "arg", []Value{NewBuffer([]byte("ok"))})
	require.NoError(t, err)
}

func TestSocketCallTimeout(t *testing.T) {
	ctx := testContext(t)
	a, b := socketPair(t)

	release := make(chan struct{})
	b.Hook("slow", func(context.Context, *Call) (Value, error) {
		<-release
		return Bool(true), nil
	})
	late := make(chan error, 1)
	a.OnError(func(err error) { late <- err })

	_, err := a.Call(ctx, "slow", nil, WithTimeout(20*time.Millisecond))
	require.ErrorIs(t, err, ErrCallTimeout)
	require.Zero(t, a.Pending())

	close(release)
	select {
	case err := <-late:
		require.ErrorIs(t, err, ErrJobNotFound)
	case <-ctx.Done():
		require.FailNow(t, "late answer was not reported")
	}
}

func TestSocketCallContextCancel(t *testing.T) {
	a, b := socketPair(t)
	b.Hook("block", func(ctx context.Context, _ *Call) (Value, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := a.Call(ctx, "block", nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = a.Call(ctx, "block", nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSocketCloseRejectsPending(t *testing.T) {
	ctx := testContext(t)
	a, b := socketPair(t)

	const calls = 3
	started := make(chan struct{}, calls)
	hookCtx := make(chan error, calls)
	b.Hook("hang", func(ctx context.Context, _ *Call) (Value, error) {
		started <- struct{}{}
		<-ctx.Done()
		hookCtx <- ctx.Err()
		return nil, ctx.Err()
	})

	errs := make(chan error, calls)
	for i := 0; i < calls; i++ {
		go func() {
			_, err := a.Call(ctx, "hang", nil)
			errs <- err
		}()
	}
	for i := 0; i < calls; i++ {
		recv(t, started)
	}
	require.Equal(t, calls, a.Pending())

	closed := make(chan struct{})
	b.OnClose(func() { close(closed) })
	require.NoError(t, a.Close())
	for i := 0; i < calls; i++ {
		require.ErrorIs(t, recv(t, errs), ErrJobDestroyed)
	}
	require.Zero(t, a.Pending())
	require.ErrorIs(t, a.Close(), ErrSocketClosed)

	waitClosed(t, closed)
	for i := 0; i < calls; i++ {
		require.ErrorIs(t, recv(t, hookCtx), context.Canceled)
	}
}

func TestSocketDuplicateAck(t *testing.T) {
	ctx := testContext(t)
	ch, err := newTestRuntime(t, 1).NewChannel()
	require.NoError(t, err)
	a := NewSocket(ch.Port1)
	defer a.Close()

	late := make(chan error, 1)
	a.OnError(func(err error) { late <- err })

	peer := collect(t, ch.Port2)
	res := make(chan Value, 1)
	go func() {
		v, err := a.Call(ctx, "twice", nil)
		if err != nil {
			v = String(err.Error())
		}
		res <- v
	}()

	env, ok := recv(t, peer).(*Array)
	require.True(t, ok)
	require.Equal(t, Number(envCall), env.At(0))
	id := env.At(1)
	ack := func(v Value) *Array { return NewArray(Number(envAck), id, v) }
	require.NoError(t, ch.Port2.PostMessage(ack(String("one"))))
	require.NoError(t, ch.Port2.PostMessage(ack(String("two"))))

	require.Equal(t, String("one"), recv(t, res))
	require.ErrorIs(t, recv(t, late), ErrJobNotFound)
	require.False(t, a.Closed())
}

func TestSocketHoldsUntilListener(t *testing.T) {
	ctx := testContext(t)
	a, b := socketPair(t)
	a.Hook("noop", func(context.Context, *Call) (Value, error) { return Null{}, nil })

	require.NoError(t, b.Send(String("first")))
	require.NoError(t, b.Fire("early", []Value{Number(1)}))
	require.NoError(t, b.Send(String("second")))
	// a call behind them proves they reached a before anyone listened
	_, err := b.Call(ctx, "noop", nil)
	require.NoError(t, err)

	msgs := make(chan Value, 2)
	a.OnMessage(func(v Value) { msgs <- v })
	require.Equal(t, String("first"), recv(t, msgs))
	require.Equal(t, String("second"), recv(t, msgs))

	events := make(chan Value, 1)
	a.Bind("early", func(args []Value) { events <- NewArray(args...) })
	require.Equal(t, NewArray(Number(1)), recv(t, events))

	require.NoError(t, b.Send(String("third")))
	require.Equal(t, String("third"), recv(t, msgs))
}

func TestSocketMessagesAndEvents(t *testing.T) {
	a, b := socketPair(t)

	msgs := make(chan Value, 1)
	b.OnMessage(func(v Value) { msgs <- v })
	ticks := make(chan Value, 1)
	b.Bind("tick", func(args []Value) { ticks <- NewArray(args...) })
	names := make(chan string, 2)
	b.OnEvent(func(name string, _ []Value) { names <- name })

	require.NoError(t, a.Send(String("hello")))
	require.NoError(t, a.Fire("tick", []Value{Number(1), Number(2)}))
	require.NoError(t, a.Fire("tock", nil))

	require.Equal(t, String("hello"), recv(t, msgs))
	require.Equal(t, NewArray(Number(1), Number(2)), recv(t, ticks))
	require.Equal(t, "tick", <-names)
	require.Equal(t, "tock", <-names)
}

func TestSocketTransfersBuffers(t *testing.T) {
	ctx := testContext(t)
	a, b := socketPair(t)

	b.Hook("echo", func(_ context.Context, c *Call) (Value, error) {
		buf := c.Arg(0).(*Buffer)
		c.Transfer(buf)
		return buf, nil
	})
	buf := NewBuffer([]byte("foobar"))
	res, err := a.Call(ctx, "echo", []Value{buf}, WithTransfer(buf))
	require.NoError(t, err)
	require.Zero(t, buf.Len())
	require.True(t, buf.Detached())
	require.Equal(t, []byte("foobar"), res.(*Buffer).Bytes())
}

func TestSocketConnect(t *testing.T) {
	ctx := testContext(t)
	a, b := socketPair(t)

	b.OnPort(func(sub *Socket) {
		sub.Hook("sub", func(context.Context, *Call) (Value, error) {
			return String("from sub"), nil
		})
	})
	sub, err := a.Connect()
	require.NoError(t, err)
	defer sub.Close()

	res, err := sub.Call(ctx, "sub", nil)
	require.NoError(t, err)
	require.Equal(t, String("from sub"), res)

	_, err = a.Call(ctx, "sub", nil)
	require.ErrorIs(t, err, ErrHookNotFound)
}

func TestSocketProtocolViolation(t *testing.T) {
	ch, err := newTestRuntime(t, 1).NewChannel()
	require.NoError(t, err)
	s := NewSocket(ch.Port2)

	errs := make(chan error, 1)
	s.OnError(func(err error) { errs <- err })
	require.NoError(t, ch.Port1.PostMessage(String("not an envelope")))

	select {
	case err := <-errs:
		require.ErrorIs(t, err, ErrMalformed)
	case <-time.After(testTimeout):
		require.FailNow(t, "violation not reported")
	}
	<-s.Done()
	require.True(t, s.Closed())
}
