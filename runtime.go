// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package thread

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"sync/atomic"
)

// portBits is the width of the per-process counter inside a port id.
const portBits = 20

// EntryFunc is the body of a worker. The worker exits when it returns: with
// code 0 on nil, or after reporting the error to the parent with code 1.
type EntryFunc func(ctx context.Context, p *Parent) error

// idSource hands out port and worker ids. Runtimes forked for in-process
// workers share the source of their parent so ids never collide.
type idSource struct {
	port   atomic.Uint64
	worker atomic.Uint64
}

// Runtime is the per-process context threaded through every constructor:
// pid-scoped id counters, the logger and the table of worker entries.
type Runtime struct {
	pid    uint64
	log    *slog.Logger
	ids    *idSource
	active *atomic.Int64

	entriesMu sync.RWMutex
	entries   map[string]EntryFunc
}

// RuntimeOption configures a Runtime.
type RuntimeOption func(*Runtime)

// WithLogger sets the logger used by everything built on the runtime.
func WithLogger(l *slog.Logger) RuntimeOption {
	return func(rt *Runtime) { rt.log = l }
}

// NewRuntime returns a runtime whose port ids are scoped by pid. Two
// runtimes in one binary need distinct pids to exchange ports.
func NewRuntime(pid int, opts ...RuntimeOption) *Runtime {
	rt := &Runtime{
		pid:     uint64(pid),
		log:     slog.Default(),
		ids:     &idSource{},
		active:  new(atomic.Int64),
		entries: make(map[string]EntryFunc),
	}
	rt.ids.port.Store(FirstDynamicPort - 1)
	for _, opt := range opts {
		opt(rt)
	}
	rt.log = rt.log.With("pid", pid)
	return rt
}

var defaultRuntime = sync.OnceValue(func() *Runtime {
	return NewRuntime(os.Getpid())
})

// Default returns the runtime of the current process.
func Default() *Runtime { return defaultRuntime() }

func (rt *Runtime) Pid() int { return int(rt.pid) }

func (rt *Runtime) Logger() *slog.Logger { return rt.log }

// Active reports how many ports are currently referenced with Ref.
func (rt *Runtime) Active() int { return int(rt.active.Load()) }

func (rt *Runtime) nextPortID() (uint64, error) {
	n := rt.ids.port.Add(1)
	if n >= 1<<portBits {
		return 0, fmt.Errorf("%w: pid %d allocated %d ids", ErrIDExhausted, rt.pid, n)
	}
	return rt.pid<<portBits | n, nil
}

func (rt *Runtime) nextWorkerID() uint64 { return rt.ids.worker.Add(1) }

// Register makes entry spawnable by name on this runtime.
func (rt *Runtime) Register(name string, entry EntryFunc) {
	rt.entriesMu.Lock()
	defer rt.entriesMu.Unlock()
	rt.entries[name] = entry
}

// Entries lists the registered entry names.
func (rt *Runtime) Entries() []string {
	rt.entriesMu.RLock()
	defer rt.entriesMu.RUnlock()
	names := make([]string, 0, len(rt.entries))
	for name := range rt.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (rt *Runtime) entry(name string) (EntryFunc, error) {
	rt.entriesMu.RLock()
	defer rt.entriesMu.RUnlock()
	fn, ok := rt.entries[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEntry, name)
	}
	return fn, nil
}

// fork derives the runtime an in-process worker runs on. It shares ids,
// keep-alive accounting and entries with rt.
func (rt *Runtime) fork(worker uint64) *Runtime {
	rt.entriesMu.RLock()
	entries := make(map[string]EntryFunc, len(rt.entries))
	for k, v := range rt.entries {
		entries[k] = v
	}
	rt.entriesMu.RUnlock()
	return &Runtime{
		pid:     rt.pid,
		log:     rt.log.With("worker", worker),
		ids:     rt.ids,
		active:  rt.active,
		entries: entries,
	}
}

// NewChannel creates an entangled pair of ports.
func (rt *Runtime) NewChannel() (*Channel, error) {
	id, err := rt.nextPortID()
	if err != nil {
		return nil, err
	}
	a, b := newPair(id)
	return &Channel{Port1: rt.adopt(a), Port2: rt.adopt(b)}, nil
}

// Channel is a pair of ports: what is posted on one is received by the other.
type Channel struct {
	Port1 *Port
	Port2 *Port
}
