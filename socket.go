// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package thread

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"
)

// envelope kinds, the first element of every value a Socket posts.
const (
	envMessage = iota
	envEvent
	envCall
	envAck
	envError
	envConnect
)

// HookFunc answers an inbound call. It runs on its own goroutine; ctx is
// cancelled when the socket closes.
type HookFunc func(ctx context.Context, call *Call) (Value, error)

// EventFunc receives the arguments of a named event.
type EventFunc func(args []Value)

// Call is one inbound invocation of a hook.
type Call struct {
	ID   uint32
	Name string
	Args []Value

	transfer []Value
}

// Arg returns the i-th argument or Undefined.
func (c *Call) Arg(i int) Value {
	if i < 0 || i >= len(c.Args) {
		return Undefined{}
	}
	return c.Args[i]
}

// Transfer moves ports or buffers along with the result.
func (c *Call) Transfer(v ...Value) {
	c.transfer = append(c.transfer, v...)
}

type hookTable struct {
	mu    sync.RWMutex
	hooks map[string]HookFunc
}

func newHookTable() *hookTable {
	return &hookTable{hooks: make(map[string]HookFunc)}
}

func (t *hookTable) set(name string, fn HookFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if fn == nil {
		delete(t.hooks, name)
		return
	}
	t.hooks[name] = fn
}

func (t *hookTable) get(name string) HookFunc {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.hooks[name]
}

type eventBus struct {
	mu        sync.RWMutex
	listeners map[string][]EventFunc
}

func newEventBus() *eventBus {
	return &eventBus{listeners: make(map[string][]EventFunc)}
}

func (b *eventBus) bind(name string, fn EventFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners[name] = append(b.listeners[name], fn)
}

func (b *eventBus) has(name string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners[name]) > 0
}

func (b *eventBus) emit(name string, args []Value) {
	b.mu.RLock()
	fns := b.listeners[name]
	b.mu.RUnlock()
	for _, fn := range fns {
		fn(args)
	}
}

type job struct {
	id   uint32
	name string
	done chan jobResult
}

type jobResult struct {
	value Value
	err   error
}

// Socket is an RPC session over one Port: plain messages, named events,
// correlated calls answered by hooks, and handoff of new sub-channels.
// A socket starts listening on its port at the first registration or send.
type Socket struct {
	port   *Port
	rt     *Runtime
	log    *slog.Logger
	hooks  *hookTable
	events *eventBus
	ctx    context.Context
	cancel context.CancelFunc

	bindOnce  sync.Once
	mu        sync.Mutex
	closed    bool
	nextID    uint32
	jobs      map[uint32]*job
	onMessage []func(Value)
	onEvent   []func(string, []Value)
	onPort    []func(*Socket)
	onError   []func(error)
	onClose   []func()
	done      chan struct{}

	// messages and events that arrived before anyone listened for them
	held     []*Array
	flushing bool
}

// NewSocket wraps port.
func NewSocket(port *Port) *Socket {
	return newSocket(port, nil, nil)
}

func newSocket(port *Port, hooks *hookTable, events *eventBus) *Socket {
	if hooks == nil {
		hooks = newHookTable()
	}
	if events == nil {
		events = newEventBus()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Socket{
		port:   port,
		rt:     port.rt,
		log:    port.rt.log.With("port", port.id),
		hooks:  hooks,
		events: events,
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(map[uint32]*job),
		done:   make(chan struct{}),
	}
}

func (s *Socket) bind() {
	s.bindOnce.Do(func() {
		s.port.OnMessage(s.dispatch)
		s.port.OnError(s.emitError)
		s.port.OnClose(s.destroy)
		if err := s.port.Start(); err != nil {
			s.destroy()
		}
	})
}

// Port returns the underlying port.
func (s *Socket) Port() *Port { return s.port }

// Closed reports whether the socket has shut down.
func (s *Socket) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Done is closed when the socket shuts down.
func (s *Socket) Done() <-chan struct{} { return s.done }

// Pending returns the number of calls awaiting an answer.
func (s *Socket) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

func (s *Socket) post(env *Array, transfer []Value) error {
	s.bind()
	if s.Closed() {
		return ErrSocketClosed
	}
	return s.port.PostMessage(env, transfer...)
}

// Send posts a plain message.
func (s *Socket) Send(v Value, transfer ...Value) error {
	return s.post(NewArray(Number(envMessage), v), transfer)
}

// Fire emits a named event on the peer.
func (s *Socket) Fire(name string, args []Value, transfer ...Value) error {
	return s.post(NewArray(Number(envEvent), String(name), NewArray(args...)), transfer)
}

// Call invokes the peer's hook name and waits for its result. The call
// fails when ctx is done, when the timeout set by WithTimeout expires, or
// when the socket closes first.
func (s *Socket) Call(ctx context.Context, name string, args []Value, opts ...CallOption) (Value, error) {
	o := &callOptions{}
	for _, opt := range opts {
		opt(o)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.bind()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSocketClosed
	}
	s.nextID++
	id := s.nextID
	if _, busy := s.jobs[id]; busy {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: call id %d still pending", ErrIDCollision, id)
	}
	j := &job{id: id, name: name, done: make(chan jobResult, 1)}
	s.jobs[id] = j
	s.mu.Unlock()

	env := NewArray(Number(envCall), Number(id), String(name), NewArray(args...))
	if err := s.port.PostMessage(env, o.transfer...); err != nil {
		s.take(id)
		return nil, err
	}

	var timeout <-chan time.Time
	if o.timeout > 0 {
		t := time.NewTimer(o.timeout)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case r := <-j.done:
		return r.value, r.err
	case <-timeout:
		if s.take(id) != nil {
			return nil, fmt.Errorf("call %q after %v: %w", name, o.timeout, ErrCallTimeout)
		}
	case <-ctx.Done():
		if s.take(id) != nil {
			return nil, ctx.Err()
		}
	}
	// settled concurrently with the timeout or cancellation
	r := <-j.done
	return r.value, r.err
}

func (s *Socket) take(id uint32) *job {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.jobs[id]
	delete(s.jobs, id)
	return j
}

func (s *Socket) settle(id uint32, r jobResult) {
	j := s.take(id)
	if j == nil {
		err := fmt.Errorf("%w: id %d", ErrJobNotFound, id)
		s.log.Error("job not found", "id", id)
		s.emitError(err)
		return
	}
	j.done <- r
}

// Hook registers fn to answer calls to name, replacing any previous hook.
func (s *Socket) Hook(name string, fn HookFunc) {
	s.hooks.set(name, fn)
	s.bind()
}

func (s *Socket) Unhook(name string) {
	s.hooks.set(name, nil)
}

// Bind adds a listener for the named event.
func (s *Socket) Bind(name string, fn EventFunc) {
	s.events.bind(name, fn)
	s.bind()
	s.flush()
}

// OnEvent adds a listener for every event.
func (s *Socket) OnEvent(fn func(name string, args []Value)) {
	s.mu.Lock()
	s.onEvent = append(s.onEvent, fn)
	s.mu.Unlock()
	s.bind()
	s.flush()
}

func (s *Socket) OnMessage(fn func(Value)) {
	s.mu.Lock()
	s.onMessage = append(s.onMessage, fn)
	s.mu.Unlock()
	s.bind()
	s.flush()
}

// OnPort adds a listener for sub-channels opened by the peer with Connect.
func (s *Socket) OnPort(fn func(*Socket)) {
	s.mu.Lock()
	s.onPort = append(s.onPort, fn)
	s.mu.Unlock()
	s.bind()
}

func (s *Socket) OnError(fn func(error)) {
	s.mu.Lock()
	s.onError = append(s.onError, fn)
	s.mu.Unlock()
	s.bind()
}

// OnClose adds a listener run once when the socket shuts down. On a
// socket that is already closed fn runs immediately.
func (s *Socket) OnClose(fn func()) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		fn()
		return
	}
	s.onClose = append(s.onClose, fn)
	s.mu.Unlock()
	s.bind()
}

// Connect opens a new channel, hands one end to the peer and returns a
// socket over the other.
func (s *Socket) Connect() (*Socket, error) {
	ch, err := s.rt.NewChannel()
	if err != nil {
		return nil, err
	}
	if err := s.post(NewArray(Number(envConnect), ch.Port2), []Value{ch.Port2}); err != nil {
		ch.Port1.Close()
		return nil, err
	}
	return NewSocket(ch.Port1), nil
}

// Close closes the port and rejects every pending call.
func (s *Socket) Close() error {
	if s.Closed() {
		return ErrSocketClosed
	}
	err := s.port.Close()
	s.destroy()
	if err != nil && !errors.Is(err, ErrPortClosed) {
		return err
	}
	return nil
}

func (s *Socket) destroy() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	jobs := s.jobs
	s.jobs = make(map[uint32]*job)
	fns := s.onClose
	if n := len(s.held); n > 0 {
		s.log.Debug("dropping undelivered envelopes", "count", n)
	}
	s.held = nil
	s.mu.Unlock()

	s.cancel()
	for _, j := range jobs {
		j.done <- jobResult{err: fmt.Errorf("call %q: %w", j.name, ErrJobDestroyed)}
	}
	for _, fn := range fns {
		fn()
	}
	close(s.done)
}

func (s *Socket) emitError(err error) {
	s.mu.Lock()
	fns := s.onError
	s.mu.Unlock()
	if len(fns) == 0 {
		s.log.Warn("unhandled socket error", "error", err)
		return
	}
	for _, fn := range fns {
		fn(err)
	}
}

func (s *Socket) violate(reason string) {
	err := fmt.Errorf("%w: %s", ErrMalformed, reason)
	s.log.Error("protocol violation", "error", err)
	s.emitError(err)
	s.port.Close()
	s.destroy()
}

func (s *Socket) dispatch(v Value) {
	env, ok := v.(*Array)
	if !ok || env.Len() == 0 {
		s.violate("envelope is not a non-empty array")
		return
	}
	kind, ok := env.Elems[0].(Number)
	if !ok {
		s.violate("envelope kind is not a number")
		return
	}

	switch kind {
	case envMessage:
		if env.Len() != 2 {
			s.violate("message envelope must have 2 elements")
			return
		}
		s.deliver(env)

	case envEvent:
		_, nok := env.At(1).(String)
		_, aok := env.At(2).(*Array)
		if env.Len() != 3 || !nok || !aok {
			s.violate("event envelope must be [kind, name, args]")
			return
		}
		s.deliver(env)

	case envCall:
		id, iok := callID(env.At(1))
		name, nok := env.At(2).(String)
		args, aok := env.At(3).(*Array)
		if env.Len() != 4 || !iok || !nok || !aok {
			s.violate("call envelope must be [kind, id, name, args]")
			return
		}
		s.handleCall(id, string(name), args.Elems)

	case envAck:
		id, ok := callID(env.At(1))
		if env.Len() != 3 || !ok {
			s.violate("ack envelope must be [kind, id, result]")
			return
		}
		s.settle(id, jobResult{value: env.Elems[2]})

	case envError:
		id, ok := callID(env.At(1))
		if env.Len() != 3 || !ok {
			s.violate("error envelope must be [kind, id, error]")
			return
		}
		s.settle(id, jobResult{err: remoteError(env.Elems[2])})

	case envConnect:
		port, ok := env.At(1).(*Port)
		if env.Len() != 2 || !ok {
			s.violate("connect envelope must be [kind, port]")
			return
		}
		s.mu.Lock()
		fns := s.onPort
		s.mu.Unlock()
		if len(fns) == 0 {
			s.log.Warn("no listener for connected port", "remote", port.ID())
			port.Close()
			return
		}
		sub := NewSocket(port)
		for _, fn := range fns {
			fn(sub)
		}

	default:
		s.violate(fmt.Sprintf("unknown envelope kind %v", float64(kind)))
	}
}

func callID(v Value) (uint32, bool) {
	n, ok := v.(Number)
	if !ok {
		return 0, false
	}
	f := float64(n)
	if f != math.Trunc(f) || f < 0 || f > math.MaxUint32 {
		return 0, false
	}
	return uint32(f), true
}

// maxHeld bounds the envelopes a socket keeps for listeners not attached yet.
const maxHeld = 1024

// deliver hands a MESSAGE or EVENT envelope to its listeners. Envelopes
// nobody listens for yet are held, in order, until a listener is attached.
func (s *Socket) deliver(env *Array) {
	s.mu.Lock()
	if s.flushing || len(s.held) > 0 || !s.listensFor(env) {
		if len(s.held) == maxHeld {
			s.log.Warn("no listener, dropping oldest envelope", "held", maxHeld)
			s.held = s.held[1:]
		}
		s.held = append(s.held, env)
		s.mu.Unlock()
		s.flush()
		return
	}
	s.mu.Unlock()
	s.emit(env)
}

// listensFor must be called with s.mu held.
func (s *Socket) listensFor(env *Array) bool {
	if env.Elems[0].(Number) == envMessage {
		return len(s.onMessage) > 0
	}
	return len(s.onEvent) > 0 || s.events.has(string(env.Elems[1].(String)))
}

// flush delivers held envelopes that now have a listener. Only one
// goroutine flushes at a time; envelopes arriving meanwhile queue behind
// the held ones.
func (s *Socket) flush() {
	s.mu.Lock()
	if s.flushing {
		s.mu.Unlock()
		return
	}
	s.flushing = true
	for {
		var ready, keep []*Array
		for _, env := range s.held {
			if s.listensFor(env) {
				ready = append(ready, env)
			} else {
				keep = append(keep, env)
			}
		}
		s.held = keep
		if len(ready) == 0 {
			s.flushing = false
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		for _, env := range ready {
			s.emit(env)
		}
		s.mu.Lock()
	}
}

func (s *Socket) emit(env *Array) {
	if env.Elems[0].(Number) == envMessage {
		s.mu.Lock()
		fns := s.onMessage
		s.mu.Unlock()
		for _, fn := range fns {
			fn(env.Elems[1])
		}
		return
	}
	name, args := string(env.Elems[1].(String)), env.Elems[2].(*Array).Elems
	s.events.emit(name, args)
	s.mu.Lock()
	fns := s.onEvent
	s.mu.Unlock()
	for _, fn := range fns {
		fn(name, args)
	}
}

func (s *Socket) handleCall(id uint32, name string, args []Value) {
	fn := s.hooks.get(name)
	if fn == nil {
		s.reply(id, nil, nil, fmt.Errorf("%w: %s", ErrHookNotFound, name))
		return
	}
	go func() {
		call := &Call{ID: id, Name: name, Args: args}
		res, err := s.invoke(fn, call)
		s.reply(id, res, call.transfer, err)
	}()
}

func (s *Socket) invoke(fn HookFunc, call *Call) (res Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("hook panicked", "hook", call.Name, "panic", r)
			err = fmt.Errorf("hook %q panicked: %v", call.Name, r)
		}
	}()
	return fn(s.ctx, call)
}

func (s *Socket) reply(id uint32, res Value, transfer []Value, err error) {
	if err == nil {
		if res == nil {
			res = Undefined{}
		}
		perr := s.port.PostMessage(NewArray(Number(envAck), Number(id), res), transfer...)
		if perr == nil {
			return
		}
		if !isCloneError(perr) {
			s.log.Debug("reply not sent", "id", id, "error", perr)
			return
		}
		err = perr
	}
	if perr := s.port.PostMessage(NewArray(Number(envError), Number(id), errorValue(err))); perr != nil {
		s.log.Debug("error reply not sent", "id", id, "error", perr)
	}
}

// isCloneError reports errors caused by the value rather than the port.
func isCloneError(err error) bool {
	var te *TransferError
	return errors.As(err, &te) || errors.Is(err, ErrDetached) || errors.Is(err, ErrMalformed) ||
		errors.Is(err, ErrFrameTooLarge) || errors.Is(err, ErrIDCollision)
}
