// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package thread

import (
	"time"

	"google.golang.org/grpc"
)

const defaultTerminateGrace = 5 * time.Second

// CallOption configures a single Call.
type CallOption func(*callOptions)

type callOptions struct {
	timeout  time.Duration
	transfer []Value
}

// WithTimeout rejects the call locally if no answer arrives within d. The
// remote hook keeps running; its late answer is reported as ErrJobNotFound.
func WithTimeout(d time.Duration) CallOption {
	return func(o *callOptions) { o.timeout = d }
}

// WithTransfer moves ports or buffers found in the call arguments.
func WithTransfer(v ...Value) CallOption {
	return func(o *callOptions) { o.transfer = append(o.transfer, v...) }
}

// WorkerOption configures Spawn.
type WorkerOption func(*workerOptions)

type workerOptions struct {
	backend  string
	data     Value
	args     []string
	env      []string
	exe      string
	stdin    bool
	addr     string
	dialOpts []grpc.DialOption
	grace    time.Duration
	hooks    *hookTable
	events   *eventBus
	onSpawn  func(*Worker)
}

func newWorkerOptions(opts []WorkerOption) *workerOptions {
	o := &workerOptions{
		backend: DefaultBackend,
		data:    Undefined{},
		grace:   defaultTerminateGrace,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithBackend selects how the worker runs: "goroutine", "process" or "grpc".
func WithBackend(name string) WorkerOption {
	return func(o *workerOptions) { o.backend = name }
}

// WithWorkerData sets the value the worker reads with Parent.WorkerData.
// It is cloned and may not contain ports.
func WithWorkerData(v Value) WorkerOption {
	return func(o *workerOptions) { o.data = v }
}

// WithArgs sets the command line arguments of a process worker.
func WithArgs(args ...string) WorkerOption {
	return func(o *workerOptions) { o.args = args }
}

// WithEnv adds KEY=VALUE pairs to the environment of a process worker.
func WithEnv(kv ...string) WorkerOption {
	return func(o *workerOptions) { o.env = append(o.env, kv...) }
}

// WithExecutable sets the binary of a process worker. It defaults to the
// running executable, which must call Main when IsWorker reports true.
func WithExecutable(path string) WorkerOption {
	return func(o *workerOptions) { o.exe = path }
}

// WithStdin gives the worker a stdin stream fed through Worker.Stdin.
func WithStdin(enabled bool) WorkerOption {
	return func(o *workerOptions) { o.stdin = enabled }
}

// WithTerminateGrace sets how long Terminate waits for a worker to stop
// before forcing it.
func WithTerminateGrace(d time.Duration) WorkerOption {
	return func(o *workerOptions) { o.grace = d }
}

func withShared(hooks *hookTable, events *eventBus) WorkerOption {
	return func(o *workerOptions) {
		o.hooks = hooks
		o.events = events
	}
}

// withSpawnHook runs fn on a new worker before its socket starts
// listening.
func withSpawnHook(fn func(*Worker)) WorkerOption {
	return func(o *workerOptions) { o.onSpawn = fn }
}

// PoolOption configures NewPool.
type PoolOption func(*poolOptions)

type poolOptions struct {
	size       int
	workerOpts []WorkerOption
}

// WithSize sets the number of worker slots. Sizes below 2 are raised to 2.
func WithSize(n int) PoolOption {
	return func(o *poolOptions) { o.size = n }
}

// WithWorkerOptions applies opts to every worker the pool spawns.
func WithWorkerOptions(opts ...WorkerOption) PoolOption {
	return func(o *poolOptions) { o.workerOpts = append(o.workerOpts, opts...) }
}
