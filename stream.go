// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package thread

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
)

const defaultReadSize = 64 * 1024

// controller receives the packets of a stream that are not routed to a
// port: OPEN, ERROR, EXIT and STDIO on reserved ids.
type controller interface {
	control(pkt *Packet)
	disconnected(err error)
}

// Stream carries many ports over one byte duplex such as a pipe pair, a
// net.Conn or a gRPC stream. Port 0 is the main port; ports sent over the
// stream are routed by id. A protocol violation closes the stream, is
// reported on the main port and closes every routed port.
type Stream struct {
	rt   *Runtime
	rwc  io.ReadWriteCloser
	log  *slog.Logger
	ctrl controller

	writeMu sync.Mutex
	mu      sync.Mutex
	routes  map[uint64]receiver
	main    *Port

	parser    *Parser
	readSize  int
	started   atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
	err       error
}

// StreamOption configures a Stream.
type StreamOption func(*streamOptions)

type streamOptions struct {
	name     string
	readSize int
	ctrl     controller
}

// WithStreamName labels the stream in log records.
func WithStreamName(name string) StreamOption {
	return func(o *streamOptions) { o.name = name }
}

// WithReadSize sets the size of reads from the underlying duplex.
func WithReadSize(n int) StreamOption {
	return func(o *streamOptions) { o.readSize = n }
}

func withController(c controller) StreamOption {
	return func(o *streamOptions) { o.ctrl = c }
}

// NewStream wraps rwc. Nothing is read until Start.
func NewStream(rt *Runtime, rwc io.ReadWriteCloser, opts ...StreamOption) *Stream {
	o := &streamOptions{name: "stream", readSize: defaultReadSize}
	for _, opt := range opts {
		opt(o)
	}
	s := &Stream{
		rt:       rt,
		rwc:      rwc,
		log:      rt.log.With("stream", o.name),
		ctrl:     o.ctrl,
		routes:   make(map[uint64]receiver),
		readSize: o.readSize,
		done:     make(chan struct{}),
	}
	s.parser = NewParser(s.resolve)
	s.main = rt.newPort(PortMain, route{s: s, id: PortMain})
	s.routes[PortMain] = s.main
	return s
}

// Port returns the main port.
func (s *Stream) Port() *Port { return s.main }

// Start launches the read loop.
func (s *Stream) Start() {
	if s.started.Swap(true) {
		return
	}
	go s.readLoop()
}

// Done is closed once the stream has shut down.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Err returns the error that ended the stream, or nil for a clean close.
func (s *Stream) Err() error {
	<-s.done
	return s.err
}

// Close shuts the stream and every port routed over it.
func (s *Stream) Close() error {
	s.fail(nil)
	return nil
}

func (s *Stream) readLoop() {
	buf := make([]byte, s.readSize)
	for {
		n, err := s.rwc.Read(buf)
		if n > 0 {
			pkts, perr := s.parser.Feed(buf[:n])
			for _, pkt := range pkts {
				s.dispatch(pkt)
			}
			if perr != nil {
				s.log.Error("protocol violation", "error", perr)
				s.fail(perr)
				return
			}
		}
		if err != nil {
			if s.closed.Load() || errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
				s.fail(nil)
			} else {
				s.fail(fmt.Errorf("%w: %w", ErrTransportClosed, err))
			}
			return
		}
	}
}

func (s *Stream) dispatch(pkt *Packet) {
	switch {
	case pkt.Type == PacketMessage:
		s.mu.Lock()
		r := s.routes[pkt.Port]
		s.mu.Unlock()
		if r == nil {
			s.log.Warn("message for unknown port", "port", pkt.Port)
			return
		}
		r.receive(pkt.Value)
	case pkt.Type == PacketExit && pkt.Port >= FirstDynamicPort:
		if r := s.unroute(pkt.Port); r != nil {
			r.hangup()
		}
	case s.ctrl != nil:
		s.ctrl.control(pkt)
	default:
		s.log.Debug("dropping control packet", "type", pkt.Type, "port", pkt.Port)
	}
}

func (s *Stream) fail(err error) {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.err = err
		s.rwc.Close()

		s.mu.Lock()
		routes := s.routes
		s.routes = make(map[uint64]receiver)
		s.mu.Unlock()

		if err != nil {
			s.main.emitError(err)
		}
		for _, r := range routes {
			r.hangup()
		}
		if s.ctrl != nil {
			s.ctrl.disconnected(err)
		}
		close(s.done)
	})
}

func (s *Stream) writePacket(pkt *Packet) error {
	buf, err := pkt.Encode()
	if err != nil {
		return err
	}
	return s.write(buf)
}

func (s *Stream) write(buf []byte) error {
	if s.closed.Load() {
		return ErrTransportClosed
	}
	s.writeMu.Lock()
	_, err := s.rwc.Write(buf)
	s.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTransportClosed, err)
	}
	return nil
}

// resolve materializes a port the peer sent us.
func (s *Stream) resolve(id uint64) (*Port, error) {
	if id < FirstDynamicPort {
		return nil, fmt.Errorf("%w: reserved id %d sent as a port", ErrMalformed, id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.routes[id]; ok {
		return nil, fmt.Errorf("%w: port %d already routed", ErrIDCollision, id)
	}
	p := s.rt.newPort(id, route{s: s, id: id})
	s.routes[id] = p
	return p, nil
}

func (s *Stream) unroute(id uint64) receiver {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.routes[id]
	delete(s.routes, id)
	return r
}

// reroute swaps the receiver of id if it is still old.
func (s *Stream) reroute(id uint64, old, r receiver) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.routes[id] != old {
		return false
	}
	s.routes[id] = r
	return true
}

// post sends v on port id. Every port in v must be listed in transfer; each
// is made reachable through this stream under its own id before the
// message is written. Buffers are always copied.
func (s *Stream) post(id uint64, v Value, transfer []Value) error {
	if s.closed.Load() {
		return ErrTransportClosed
	}
	tl, err := newTransferList(nil, transfer)
	if err != nil {
		return err
	}
	ports := portsIn(v)
	for _, x := range ports {
		p := x.(*Port)
		if !tl.ports[p] {
			return cannotTransfer("MessagePort", "port must be in the transfer list")
		}
		if err := s.exportable(p); err != nil {
			return err
		}
	}
	buf, err := (&Packet{Type: PacketMessage, Port: id, Value: v}).Encode()
	if err != nil {
		return err
	}

	relays := make([]*relay, 0, len(ports))
	for _, x := range ports {
		r, err := s.export(x.(*Port))
		if err != nil {
			for _, r := range relays {
				r.stop(r.x.to, r.y.to)
			}
			return err
		}
		relays = append(relays, r)
	}
	if err := s.write(buf); err != nil {
		for _, r := range relays {
			r.stop(r.x.to, r.y.to)
		}
		return err
	}
	for _, r := range relays {
		r.start()
	}
	return nil
}

func (s *Stream) exportable(p *Port) error {
	p.mu.Lock()
	err := p.usable()
	out := p.out
	p.mu.Unlock()
	if err != nil {
		return err
	}
	if o, ok := out.(route); ok && o.s == s {
		return fmt.Errorf("%w: port %d is bound to this stream", ErrIDCollision, p.id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.routes[p.id]; ok {
		return fmt.Errorf("%w: port %d already routed", ErrIDCollision, p.id)
	}
	return nil
}

// export routes p's id on this stream to a relay that carries p's traffic.
// The relay is started by the caller once the peer knows the id.
func (s *Stream) export(p *Port) (*relay, error) {
	here := route{s: s, id: p.id}

	p.mu.Lock()
	out := p.out
	p.mu.Unlock()

	if o, ok := out.(route); ok {
		// p is itself a proxy for another stream: join the two routes.
		p.mu.Lock()
		if err := p.usable(); err != nil {
			p.mu.Unlock()
			return nil, err
		}
		p.dead = true
		p.unrefLocked()
		p.mu.Unlock()

		r := newRelay(s.rt, p.id, o, here)
		if err := s.addRoute(p.id, r.y); err != nil {
			return nil, err
		}
		if !o.s.reroute(o.id, p, r.x) {
			s.unroute(p.id)
			return nil, fmt.Errorf("port %d: %w", p.id, ErrPortClosed)
		}
		r.x.in.prepend(p.in.take())
		return r, nil
	}

	ep, ok := out.(*endpoint)
	if !ok {
		return nil, fmt.Errorf("port %d: %w", p.id, ErrPortClosed)
	}
	r := newRelay(s.rt, p.id, ep, here)
	if err := s.addRoute(p.id, r.y); err != nil {
		return nil, err
	}
	if _, err := p.detachNative(); err != nil {
		s.unroute(p.id)
		return nil, err
	}
	ep.setOwner(r.x)
	return r, nil
}

func (s *Stream) addRoute(id uint64, r receiver) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.routes[id]; ok {
		return fmt.Errorf("%w: port %d already routed", ErrIDCollision, id)
	}
	s.routes[id] = r
	return nil
}

// route is the outlet of a port whose peer lives across a stream.
type route struct {
	s  *Stream
	id uint64
}

func (r route) post(v Value, transfer []Value) error {
	return r.s.post(r.id, v, transfer)
}

func (r route) shut() {
	if r.id == PortMain {
		r.s.Close()
		return
	}
	if r.s.unroute(r.id) == nil {
		return
	}
	if err := r.s.writePacket(&Packet{Type: PacketExit, Port: r.id, Value: Undefined{}}); err != nil {
		r.s.log.Debug("port close not sent", "port", r.id, "error", err)
	}
}
