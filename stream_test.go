// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package thread

import (
	"errors"
	"net"
	"testing"
)

// streamPair connects two runtimes with a started Stream on each end.
func streamPair(t testing.TB, left, right *Runtime) (*Stream, *Stream) {
	t.Helper()
	c1, c2 := net.Pipe()
	a := NewStream(left, c1, WithStreamName("left"))
	b := NewStream(right, c2, WithStreamName("right"))
	a.Start()
	b.Start()
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b
}

func recvPort(t testing.TB, ch <-chan Value) *Port {
	t.Helper()
	p, ok := recv(t, ch).(*Port)
	if !ok {
		t.Fatalf("expected a port")
	}
	return p
}

func TestStreamMainPort(t *testing.T) {
	a, b := streamPair(t, newTestRuntime(t, 1), newTestRuntime(t, 2))
	got := collect(t, b.Port())

	buf := NewBuffer([]byte("foobar"))
	if err := a.Port().PostMessage(NewArray(String("hi"), buf), buf); err != nil {
		t.Fatalf("PostMessage: %v", err)
	}
	arr, ok := recv(t, got).(*Array)
	if !ok {
		t.Fatalf("expected an array")
	}
	if arr.At(0) != String("hi") {
		t.Errorf("got %v, want hi", arr.At(0))
	}
	if s := string(arr.At(1).(*Buffer).Bytes()); s != "foobar" {
		t.Errorf("got %q, want foobar", s)
	}
	// streams copy buffers
	if buf.Detached() {
		t.Errorf("buffer detached by a stream post")
	}
}

func TestStreamPortHandoff(t *testing.T) {
	rt1 := newTestRuntime(t, 1)
	a, b := streamPair(t, rt1, newTestRuntime(t, 2))

	ch, err := rt1.NewChannel()
	if err != nil {
		t.Fatalf("NewChannel: %v", err)
	}
	got := collect(t, b.Port())
	if err := a.Port().PostMessage(ch.Port2, ch.Port2); err != nil {
		t.Fatalf("PostMessage: %v", err)
	}
	if !ch.Port2.Transferred() {
		t.Fatalf("port not marked transferred")
	}

	remote := recvPort(t, got)
	if remote.ID() != ch.Port1.ID() {
		t.Errorf("got id %d, want %d", remote.ID(), ch.Port1.ID())
	}

	there := collect(t, remote)
	here := collect(t, ch.Port1)

	if err := ch.Port1.PostMessage(String("ping")); err != nil {
		t.Fatalf("PostMessage: %v", err)
	}
	if v := recv(t, there); v != String("ping") {
		t.Errorf("got %v, want ping", v)
	}
	if err := remote.PostMessage(String("pong")); err != nil {
		t.Fatalf("PostMessage: %v", err)
	}
	if v := recv(t, here); v != String("pong") {
		t.Errorf("got %v, want pong", v)
	}

	closed := make(chan struct{})
	ch.Port1.OnClose(func() { close(closed) })
	if err := remote.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	waitClosed(t, closed)
}

func TestStreamRelayAcrossRuntimes(t *testing.T) {
	rtA, rtB, rtC := newTestRuntime(t, 1), newTestRuntime(t, 2), newTestRuntime(t, 3)
	ab, ba := streamPair(t, rtA, rtB)
	bc, cb := streamPair(t, rtB, rtC)

	ch, err := rtA.NewChannel()
	if err != nil {
		t.Fatalf("NewChannel: %v", err)
	}

	atB := collect(t, ba.Port())
	if err := ab.Port().PostMessage(ch.Port2, ch.Port2); err != nil {
		t.Fatalf("PostMessage: %v", err)
	}
	proxy := recvPort(t, atB)

	atC := collect(t, cb.Port())
	if err := bc.Port().PostMessage(NewRecord(Field{"p", proxy}), proxy); err != nil {
		t.Fatalf("forward: %v", err)
	}
	if !proxy.Transferred() {
		t.Fatalf("proxy not marked transferred")
	}
	rec, ok := recv(t, atC).(*Record)
	if !ok {
		t.Fatalf("expected a record")
	}
	v, _ := rec.Get("p")
	far, ok := v.(*Port)
	if !ok {
		t.Fatalf("expected a port")
	}

	here := collect(t, ch.Port1)
	there := collect(t, far)
	for i := 0; i < 10; i++ {
		if err := far.PostMessage(Number(i)); err != nil {
			t.Fatalf("PostMessage: %v", err)
		}
	}
	for i := 0; i < 10; i++ {
		if v := recv(t, here); v != Number(i) {
			t.Fatalf("got %v, want %d", v, i)
		}
	}
	if err := ch.Port1.PostMessage(String("back")); err != nil {
		t.Fatalf("PostMessage: %v", err)
	}
	if v := recv(t, there); v != String("back") {
		t.Errorf("got %v, want back", v)
	}
}

func TestStreamRejectsPortBoundToItself(t *testing.T) {
	rt1 := newTestRuntime(t, 1)
	a, b := streamPair(t, rt1, newTestRuntime(t, 2))
	ch, err := rt1.NewChannel()
	if err != nil {
		t.Fatalf("NewChannel: %v", err)
	}
	got := collect(t, b.Port())
	if err := a.Port().PostMessage(ch.Port2, ch.Port2); err != nil {
		t.Fatalf("PostMessage: %v", err)
	}
	remote := recvPort(t, got)

	err = b.Port().PostMessage(remote, remote)
	if !errors.Is(err, ErrIDCollision) {
		t.Fatalf("got %v, want ErrIDCollision", err)
	}
	if remote.Transferred() {
		t.Errorf("failed post transferred the port")
	}
}

func TestStreamRequiresTransferList(t *testing.T) {
	rt1 := newTestRuntime(t, 1)
	a, _ := streamPair(t, rt1, newTestRuntime(t, 2))
	ch, err := rt1.NewChannel()
	if err != nil {
		t.Fatalf("NewChannel: %v", err)
	}
	var te *TransferError
	if err := a.Port().PostMessage(ch.Port2); !errors.As(err, &te) {
		t.Fatalf("got %v, want TransferError", err)
	}
}

func TestStreamProtocolViolation(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c2.Close()
	s := NewStream(newTestRuntime(t, 1), c1)

	errs := make(chan error, 1)
	s.Port().OnError(func(err error) { errs <- err })
	closed := make(chan struct{})
	s.Port().OnClose(func() { close(closed) })
	if err := s.Port().Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	s.Start()

	if _, err := c2.Write([]byte{0x7F, 0, 0, 0, 0}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := s.Err(); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("got %v, want ErrCorrupt", err)
	}
	if err := <-errs; !errors.Is(err, ErrCorrupt) {
		t.Errorf("main port got %v, want ErrCorrupt", err)
	}
	waitClosed(t, closed)
	if err := s.Port().PostMessage(Null{}); err == nil {
		t.Errorf("post on a failed stream succeeded")
	}
}

func TestStreamCloseReachesPeer(t *testing.T) {
	a, b := streamPair(t, newTestRuntime(t, 1), newTestRuntime(t, 2))
	closed := make(chan struct{})
	b.Port().OnClose(func() { close(closed) })
	collect(t, b.Port())

	if err := a.Port().Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := b.Err(); err != nil {
		t.Fatalf("peer ended with %v, want clean close", err)
	}
	waitClosed(t, closed)
}

func BenchmarkStreamPost(b *testing.B) {
	x, y := streamPair(b, newTestRuntime(b, 1), newTestRuntime(b, 2))
	got := make(chan struct{}, 1024)
	y.Port().OnMessage(func(Value) { got <- struct{}{} })
	if err := y.Port().Start(); err != nil {
		b.Fatalf("Start: %v", err)
	}
	msg := NewRecord(Field{"payload", NewBuffer(make([]byte, 1024))})

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if err := x.Port().PostMessage(msg); err != nil {
			b.Fatalf("PostMessage: %v", err)
		}
		<-got
	}
}
