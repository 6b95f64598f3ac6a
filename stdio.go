// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package thread

import (
	"bytes"
	"io"
	"sync"
)

// bufferPipe is an unbounded in-memory pipe: writes never block, reads
// block until data arrives or the pipe is closed.
type bufferPipe struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    bytes.Buffer
	closed bool
}

func newBufferPipe() *bufferPipe {
	p := &bufferPipe{}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (p *bufferPipe) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, io.ErrClosedPipe
	}
	n, _ := p.buf.Write(b)
	p.cond.Broadcast()
	return n, nil
}

func (p *bufferPipe) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.buf.Len() == 0 && !p.closed {
		p.cond.Wait()
	}
	if p.buf.Len() == 0 {
		return 0, io.EOF
	}
	return p.buf.Read(b)
}

func (p *bufferPipe) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.cond.Broadcast()
	return nil
}

// stdioWriter carries a byte stream over STDIO packets on a reserved port.
// Close sends Null, which the other side reads as EOF.
type stdioWriter struct {
	s    *Stream
	typ  PacketType
	port uint64

	mu     sync.Mutex
	closed bool
}

func (w *stdioWriter) Write(b []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, io.ErrClosedPipe
	}
	chunk := NewBuffer(append([]byte(nil), b...))
	if err := w.s.writePacket(&Packet{Type: w.typ, Port: w.port, Value: chunk}); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (w *stdioWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	return w.s.writePacket(&Packet{Type: w.typ, Port: w.port, Value: Null{}})
}

// stdioChunk returns the bytes carried by one STDIO packet; ok is false
// for the end-of-stream marker.
func stdioChunk(v Value) (b []byte, ok bool) {
	switch x := v.(type) {
	case *Buffer:
		return x.Bytes(), true
	case String:
		return []byte(x), true
	}
	return nil, false
}
