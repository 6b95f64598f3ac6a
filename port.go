// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package thread

import (
	"fmt"
	"sync"
)

// outlet is where a port sends: a native endpoint or a stream route.
type outlet interface {
	post(v Value, transfer []Value) error
	shut()
}

// receiver is what an outlet delivers to: a Port or one side of a relay.
// receive and hangup must not block.
type receiver interface {
	receive(v Value)
	hangup()
}

// inbox is a FIFO mailbox drained by at most one goroutine at a time.
// After hangup the remaining items are handled, then finish runs once.
type inbox struct {
	mu       sync.Mutex
	items    []Value
	running  bool
	busy     bool
	hung     bool
	finished bool

	handle func(Value)
	finish func()
}

func (b *inbox) push(v Value) {
	b.mu.Lock()
	if b.finished {
		b.mu.Unlock()
		return
	}
	b.items = append(b.items, v)
	b.kick()
}

func (b *inbox) hangup() {
	b.mu.Lock()
	b.hung = true
	b.kick()
}

func (b *inbox) start() {
	b.mu.Lock()
	b.running = true
	b.kick()
}

// kick starts a drainer if one is due and releases b.mu.
func (b *inbox) kick() {
	due := b.running && !b.busy && !b.finished && (len(b.items) > 0 || b.hung)
	if due {
		b.busy = true
	}
	b.mu.Unlock()
	if due {
		go b.drain()
	}
}

func (b *inbox) drain() {
	for {
		b.mu.Lock()
		if b.finished {
			b.busy = false
			b.mu.Unlock()
			return
		}
		if len(b.items) == 0 {
			b.busy = false
			done := b.hung
			b.finished = done
			b.mu.Unlock()
			if done && b.finish != nil {
				b.finish()
			}
			return
		}
		v := b.items[0]
		b.items[0] = nil
		b.items = b.items[1:]
		b.mu.Unlock()

		b.handle(v)
	}
}

// prepend queues items ahead of anything already waiting.
func (b *inbox) prepend(items []Value) {
	if len(items) == 0 {
		return
	}
	b.mu.Lock()
	if b.finished {
		b.mu.Unlock()
		return
	}
	b.items = append(items, b.items...)
	b.kick()
}

// take stops delivery and returns what was still queued.
func (b *inbox) take() []Value {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.finished = true
	items := b.items
	b.items = nil
	return items
}

// endpoint is one half of a native channel. Values posted on it are
// cloned and delivered to the owner of its peer, or held in pending
// while the peer is in flight between owners.
type endpoint struct {
	id   uint64
	peer *endpoint

	mu      sync.Mutex
	owner   receiver
	pending []Value
	hung    bool
	closed  bool
}

func newPair(id uint64) (*endpoint, *endpoint) {
	a := &endpoint{id: id}
	b := &endpoint{id: id}
	a.peer, b.peer = b, a
	return a, b
}

func (*endpoint) Kind() Kind { return KindPort }

func (e *endpoint) post(v Value, transfer []Value) error {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return fmt.Errorf("port %d: %w", e.id, ErrPortClosed)
	}
	tl, err := newTransferList(nil, transfer)
	if err != nil {
		return err
	}
	clone, err := morph(v, tl)
	if err != nil {
		return err
	}
	if !e.peer.deliver(clone) {
		discard(clone)
	}
	return nil
}

func (e *endpoint) deliver(v Value) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	if e.owner != nil {
		e.owner.receive(v)
	} else {
		e.pending = append(e.pending, v)
	}
	return true
}

func (e *endpoint) shut() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.owner = nil
	pending := e.pending
	e.pending = nil
	e.mu.Unlock()

	for _, v := range pending {
		discard(v)
	}
	e.peer.hangupFromPeer()
}

func (e *endpoint) hangupFromPeer() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.hung {
		return
	}
	e.hung = true
	if e.owner != nil {
		e.owner.hangup()
	}
}

func (e *endpoint) setOwner(r receiver) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.owner = r
	for _, v := range e.pending {
		r.receive(v)
	}
	e.pending = nil
	if e.hung {
		r.hangup()
	}
}

// discard closes every endpoint inside a value nobody will receive, so
// their peers observe the close.
func discard(v Value) {
	shut := func(x Value) {
		if ep, ok := x.(*endpoint); ok {
			ep.shut()
		}
	}
	shut(v)
	walkSlots(v, func(slot *Value) { shut(*slot) })
}

// Port is one end of a logical channel. A port is usable until it is
// closed, by either side, or transferred; after that every operation
// fails with ErrPortClosed or ErrPortTransferred.
//
// Messages are delivered in order by a single goroutine once Start has
// been called; messages that arrive earlier are queued.
type Port struct {
	rt *Runtime
	id uint64
	in inbox

	mu        sync.Mutex
	out       outlet
	closed    bool
	dead      bool
	refed     bool
	onMessage []func(Value)
	onClose   []func()
	onError   []func(error)
	closeOnce sync.Once
}

func (rt *Runtime) newPort(id uint64, out outlet) *Port {
	p := &Port{rt: rt, id: id, out: out}
	p.in.handle = p.dispatch
	p.in.finish = p.finish
	return p
}

// adopt wraps an endpoint received from a native channel.
func (rt *Runtime) adopt(ep *endpoint) *Port {
	p := rt.newPort(ep.id, ep)
	ep.setOwner(p)
	return p
}

func (*Port) Kind() Kind { return KindPort }

func (p *Port) ID() uint64 { return p.id }

// Closed reports whether either side closed the channel.
func (p *Port) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Transferred reports whether the port was handed to another party.
func (p *Port) Transferred() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dead
}

func (p *Port) usable() error {
	switch {
	case p.dead:
		return fmt.Errorf("port %d: %w", p.id, ErrPortTransferred)
	case p.closed:
		return fmt.Errorf("port %d: %w", p.id, ErrPortClosed)
	}
	return nil
}

// PostMessage sends v to the other end. Ports and buffers listed in
// transfer move with the message; every port reachable from v must be
// listed.
func (p *Port) PostMessage(v Value, transfer ...Value) error {
	p.mu.Lock()
	if err := p.usable(); err != nil {
		p.mu.Unlock()
		return err
	}
	out := p.out
	p.mu.Unlock()

	for _, t := range transfer {
		if t == Value(p) {
			return cannotTransfer("MessagePort", "transfer list contains the source port")
		}
	}
	return out.post(v, transfer)
}

// Start begins delivery of queued and future messages.
func (p *Port) Start() error {
	p.mu.Lock()
	if err := p.usable(); err != nil {
		p.mu.Unlock()
		return err
	}
	p.mu.Unlock()
	p.in.start()
	return nil
}

// Close closes both ends of the channel. Undelivered messages on this end
// are dropped and close listeners run before Close returns.
func (p *Port) Close() error {
	p.mu.Lock()
	if err := p.usable(); err != nil {
		p.mu.Unlock()
		return err
	}
	p.closed = true
	out := p.out
	p.mu.Unlock()

	out.shut()
	for _, v := range p.in.take() {
		discard(v)
	}
	p.finish()
	return nil
}

// Ref counts the port in Runtime.Active until Unref or close.
func (p *Port) Ref() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.refed && !p.closed && !p.dead {
		p.refed = true
		p.rt.active.Add(1)
	}
}

func (p *Port) Unref() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unrefLocked()
}

func (p *Port) unrefLocked() {
	if p.refed {
		p.refed = false
		p.rt.active.Add(-1)
	}
}

func (p *Port) OnMessage(fn func(Value)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onMessage = append(p.onMessage, fn)
}

func (p *Port) OnClose(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onClose = append(p.onClose, fn)
}

func (p *Port) OnError(fn func(error)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onError = append(p.onError, fn)
}

func (p *Port) receive(v Value) { p.in.push(v) }

// hangup is the peer closing. Queued messages are still delivered, then
// the close listeners run.
func (p *Port) hangup() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.in.hangup()
}

func (p *Port) dispatch(v Value) {
	v = unmorph(v, p.rt.adopt)
	p.mu.Lock()
	fns := p.onMessage
	p.mu.Unlock()
	for _, fn := range fns {
		fn(v)
	}
}

func (p *Port) finish() {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.unrefLocked()
		fns := p.onClose
		p.mu.Unlock()
		for _, fn := range fns {
			fn()
		}
	})
}

func (p *Port) emitError(err error) {
	p.mu.Lock()
	fns := p.onError
	p.mu.Unlock()
	if len(fns) == 0 {
		p.rt.log.Warn("unhandled port error", "port", p.id, "error", err)
		return
	}
	for _, fn := range fns {
		fn(err)
	}
}

// detachNative marks p transferred and returns a native endpoint that
// carries its traffic, including messages p had queued but not delivered.
func (p *Port) detachNative() (*endpoint, error) {
	p.mu.Lock()
	out := p.out
	p.mu.Unlock()

	switch o := out.(type) {
	case *endpoint:
		o.mu.Lock()
		defer o.mu.Unlock()
		p.mu.Lock()
		defer p.mu.Unlock()
		if err := p.usable(); err != nil {
			return nil, err
		}
		p.dead = true
		p.unrefLocked()
		o.owner = nil
		o.pending = append(p.in.take(), o.pending...)
		return o, nil

	case route:
		p.mu.Lock()
		if err := p.usable(); err != nil {
			p.mu.Unlock()
			return nil, err
		}
		p.dead = true
		p.unrefLocked()
		p.mu.Unlock()

		// a leaves with the message; b stays here, relayed to the route.
		a, b := newPair(p.id)
		r := newRelay(p.rt, p.id, b, o)
		if !o.s.reroute(o.id, p, r.y) {
			p.in.take()
			return nil, fmt.Errorf("port %d: %w", p.id, ErrPortClosed)
		}
		for _, v := range p.in.take() {
			if err := b.post(v, portsIn(v)); err != nil {
				p.rt.log.Warn("dropping queued message", "port", p.id, "error", err)
			}
		}
		b.setOwner(r.x)
		r.start()
		return a, nil
	}
	return nil, fmt.Errorf("port %d: %w", p.id, ErrPortClosed)
}
