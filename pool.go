// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package thread

import (
	"context"
	"log/slog"
	"runtime"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Pool spreads work over a fixed number of workers running the same entry.
// Slots are picked round robin and filled lazily; a worker that exits
// frees its slot for the next pick. Hooks and event bindings are shared by
// every worker of the pool and should be registered before the first call.
type Pool struct {
	rt     *Runtime
	entry  string
	size   int
	log    *slog.Logger
	opts   []WorkerOption
	hooks  *hookTable
	events *eventBus

	mu        sync.Mutex
	counter   uint64
	slots     map[int]*Worker
	closed    bool
	onMessage []func(*Worker, Value)
	onError   []func(*Worker, error)
	onEvent   []func(*Worker, string, []Value)
	onExit    []func(*Worker, int)
}

// NewPool returns a pool of workers running entry. No worker is spawned
// until the pool is used.
func NewPool(rt *Runtime, entry string, opts ...PoolOption) *Pool {
	o := &poolOptions{size: runtime.NumCPU()}
	for _, opt := range opts {
		opt(o)
	}
	if o.size < 2 {
		o.size = 2
	}
	return &Pool{
		rt:     rt,
		entry:  entry,
		size:   o.size,
		log:    rt.log.With("pool", entry),
		opts:   o.workerOpts,
		hooks:  newHookTable(),
		events: newEventBus(),
		slots:  make(map[int]*Worker),
	}
}

func (p *Pool) Size() int { return p.size }

// Next returns the worker of the next slot, spawning it if the slot is
// empty.
func (p *Pool) Next(ctx context.Context) (*Worker, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrPoolClosed
	}
	slot := int(p.counter % uint64(p.size))
	p.counter++
	if w := p.slots[slot]; w != nil {
		return w, nil
	}

	opts := append([]WorkerOption{}, p.opts...)
	opts = append(opts,
		withShared(p.hooks, p.events),
		withSpawnHook(func(w *Worker) { p.wire(slot, w) }),
	)
	w, err := Spawn(ctx, p.rt, p.entry, opts...)
	if err != nil {
		return nil, err
	}
	p.slots[slot] = w
	p.log.Debug("filled slot", "slot", slot, "worker", w.ID())
	return w, nil
}

func (p *Pool) wire(slot int, w *Worker) {
	w.Socket.OnMessage(func(v Value) {
		for _, fn := range p.listeners().onMessage {
			fn(w, v)
		}
	})
	w.Socket.OnEvent(func(name string, args []Value) {
		for _, fn := range p.listeners().onEvent {
			fn(w, name, args)
		}
	})
	w.OnError(func(err error) {
		fns := p.listeners().onError
		if len(fns) == 0 {
			p.log.Warn("worker error", "worker", w.ID(), "error", err)
		}
		for _, fn := range fns {
			fn(w, err)
		}
	})
	w.OnExit(func(code int) {
		p.mu.Lock()
		if p.slots[slot] == w {
			delete(p.slots, slot)
		}
		p.mu.Unlock()
		for _, fn := range p.listeners().onExit {
			fn(w, code)
		}
	})
}

type poolListeners struct {
	onMessage []func(*Worker, Value)
	onError   []func(*Worker, error)
	onEvent   []func(*Worker, string, []Value)
	onExit    []func(*Worker, int)
}

func (p *Pool) listeners() poolListeners {
	p.mu.Lock()
	defer p.mu.Unlock()
	return poolListeners{p.onMessage, p.onError, p.onEvent, p.onExit}
}

// Call forwards to the next worker.
func (p *Pool) Call(ctx context.Context, name string, args []Value, opts ...CallOption) (Value, error) {
	w, err := p.Next(ctx)
	if err != nil {
		return nil, err
	}
	return w.Call(ctx, name, args, opts...)
}

// Send posts a plain message to the next worker.
func (p *Pool) Send(ctx context.Context, v Value, transfer ...Value) error {
	w, err := p.Next(ctx)
	if err != nil {
		return err
	}
	return w.Send(v, transfer...)
}

// Fire emits an event on the next worker.
func (p *Pool) Fire(ctx context.Context, name string, args []Value, transfer ...Value) error {
	w, err := p.Next(ctx)
	if err != nil {
		return err
	}
	return w.Fire(name, args, transfer...)
}

// Hook answers calls to name made by any worker of the pool.
func (p *Pool) Hook(name string, fn HookFunc) { p.hooks.set(name, fn) }

func (p *Pool) Unhook(name string) { p.hooks.set(name, nil) }

// Bind listens for the named event from any worker of the pool.
func (p *Pool) Bind(name string, fn EventFunc) { p.events.bind(name, fn) }

func (p *Pool) OnMessage(fn func(w *Worker, v Value)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onMessage = append(p.onMessage, fn)
}

func (p *Pool) OnEvent(fn func(w *Worker, name string, args []Value)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onEvent = append(p.onEvent, fn)
}

func (p *Pool) OnError(fn func(w *Worker, err error)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onError = append(p.onError, fn)
}

func (p *Pool) OnExit(fn func(w *Worker, code int)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onExit = append(p.onExit, fn)
}

// Workers returns the live workers ordered by slot.
func (p *Pool) Workers() []*Worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	slots := make([]int, 0, len(p.slots))
	for slot := range p.slots {
		slots = append(slots, slot)
	}
	sort.Ints(slots)
	workers := make([]*Worker, len(slots))
	for i, slot := range slots {
		workers[i] = p.slots[slot]
	}
	return workers
}

// Close terminates every worker concurrently. The pool cannot be reused.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.closed = true
	p.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, w := range p.Workers() {
		g.Go(func() error {
			_, err := w.Terminate(gctx)
			return err
		})
	}
	return g.Wait()
}
