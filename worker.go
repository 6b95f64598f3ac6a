// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package thread

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Worker is the parent's handle on a spawned worker: the Socket surface
// toward it plus its lifecycle (spawning, online, exited) and stdio.
type Worker struct {
	*Socket
	rt      *Runtime
	id      uint64
	backend string
	token   string
	log     *slog.Logger
	grace   time.Duration
	sess    session

	stdin  io.WriteCloser
	stdout *bufferPipe
	stderr *bufferPipe

	online     chan struct{}
	onlineOnce sync.Once
	exited     chan struct{}
	exitOnce   sync.Once
	termOnce   sync.Once

	mu        sync.Mutex
	code      int
	reported  *int
	listening bool
	early     []error
	onOnline  []func()
	onExit    []func(int)
}

// Spawn starts the entry registered under name on a new worker. ctx bounds
// the startup only; the worker lives until its entry returns or Terminate.
func Spawn(ctx context.Context, rt *Runtime, entry string, opts ...WorkerOption) (*Worker, error) {
	o := newWorkerOptions(opts)
	spawn, ok := lookupBackend(o.backend)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBackend, o.backend)
	}
	id := rt.nextWorkerID()
	w := &Worker{
		rt:      rt,
		id:      id,
		backend: o.backend,
		token:   uuid.NewString(),
		log:     rt.log.With("worker", id, "backend", o.backend),
		grace:   o.grace,
		stdout:  newBufferPipe(),
		stderr:  newBufferPipe(),
		online:  make(chan struct{}),
		exited:  make(chan struct{}),
	}
	sess, err := spawn(ctx, w, entry, o)
	if err != nil {
		return nil, fmt.Errorf("spawn %q: %w", entry, err)
	}
	w.sess = sess
	if o.onSpawn != nil {
		o.onSpawn(w)
	}
	w.Socket.bind()
	go w.run()
	w.log.Debug("worker spawned", "entry", entry)
	return w, nil
}

func (w *Worker) ID() uint64 { return w.id }

func (w *Worker) Backend() string { return w.backend }

// Online is closed once the worker is running its entry.
func (w *Worker) Online() <-chan struct{} { return w.online }

// Exited is closed once the worker has exited.
func (w *Worker) Exited() <-chan struct{} { return w.exited }

// OnOnline adds a listener for the worker coming online. It runs on its
// own goroutine if the worker is already online.
func (w *Worker) OnOnline(fn func()) {
	w.mu.Lock()
	select {
	case <-w.online:
		w.mu.Unlock()
		go fn()
		return
	default:
	}
	w.onOnline = append(w.onOnline, fn)
	w.mu.Unlock()
}

// OnExit adds a listener for the exit code. It fires exactly once, on its
// own goroutine if the worker has already exited.
func (w *Worker) OnExit(fn func(code int)) {
	w.mu.Lock()
	select {
	case <-w.exited:
		code := w.code
		w.mu.Unlock()
		go fn(code)
		return
	default:
	}
	w.onExit = append(w.onExit, fn)
	w.mu.Unlock()
}

// OnError adds a listener for worker errors: failures of its entry and
// transport errors. Errors raised before the first listener are replayed
// to it.
func (w *Worker) OnError(fn func(error)) {
	w.Socket.OnError(fn)
	w.mu.Lock()
	w.listening = true
	early := w.early
	w.early = nil
	w.mu.Unlock()
	for _, err := range early {
		fn(err)
	}
}

// ExitCode returns the exit code once the worker has exited.
func (w *Worker) ExitCode() (int, bool) {
	select {
	case <-w.exited:
	default:
		return 0, false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.code, true
}

// Wait blocks until the worker exits and returns its exit code.
func (w *Worker) Wait(ctx context.Context) (int, error) {
	select {
	case <-w.exited:
		code, _ := w.ExitCode()
		return code, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Terminate stops the worker and waits for it to exit. It is idempotent:
// once the worker has exited it returns the recorded code.
func (w *Worker) Terminate(ctx context.Context) (int, error) {
	if code, ok := w.ExitCode(); ok {
		return code, nil
	}
	w.termOnce.Do(func() {
		w.log.Debug("terminating worker")
		if err := w.sess.kill(ctx); err != nil {
			w.log.Warn("worker kill failed", "error", err)
		}
	})
	return w.Wait(ctx)
}

// Stdin writes to the worker's stdin. It is nil unless the worker was
// spawned WithStdin(true).
func (w *Worker) Stdin() io.WriteCloser { return w.stdin }

// Stdout reads what the worker writes to its stdout until it exits.
func (w *Worker) Stdout() io.Reader { return w.stdout }

func (w *Worker) Stderr() io.Reader { return w.stderr }

func (w *Worker) run() {
	code := w.sess.wait()
	t := time.NewTimer(w.grace)
	select {
	case <-w.Socket.Done():
	case <-t.C:
		w.log.Warn("socket still open after worker exit")
		w.Socket.Close()
	}
	t.Stop()
	w.markExit(code)
}

func (w *Worker) markOnline() {
	w.onlineOnce.Do(func() {
		w.mu.Lock()
		close(w.online)
		fns := w.onOnline
		w.onOnline = nil
		w.mu.Unlock()
		w.log.Debug("worker online")
		for _, fn := range fns {
			fn()
		}
	})
}

func (w *Worker) markExit(code int) {
	w.exitOnce.Do(func() {
		w.mu.Lock()
		w.code = code
		close(w.exited)
		fns := w.onExit
		w.onExit = nil
		w.mu.Unlock()

		w.stdout.Close()
		w.stderr.Close()
		if w.stdin != nil {
			w.stdin.Close()
		}
		if code != 0 {
			w.log.Info("worker exited", "code", code)
		} else {
			w.log.Debug("worker exited", "code", code)
		}
		for _, fn := range fns {
			fn(code)
		}
	})
}

// reportedExit returns the code the worker announced in an EXIT packet.
func (w *Worker) reportedExit() (int, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.reported == nil {
		return 0, false
	}
	return *w.reported, true
}

// fault raises err on the worker, holding it until a listener exists.
func (w *Worker) fault(err error) {
	w.mu.Lock()
	if !w.listening {
		w.early = append(w.early, err)
		w.mu.Unlock()
		w.log.Warn("worker error", "error", err)
		return
	}
	w.mu.Unlock()
	w.Socket.emitError(err)
}

// control handles the packets a stream-backed worker sends outside its
// ports.
func (w *Worker) control(pkt *Packet) {
	switch pkt.Type {
	case PacketOpen:
		if err := checkHandshake(pkt.Value, w.token); err != nil {
			w.log.Error("worker handshake failed", "error", err)
			w.fault(err)
			w.Socket.port.Close()
			return
		}
		w.markOnline()
	case PacketError:
		w.fault(remoteError(pkt.Value))
	case PacketExit:
		if n, ok := pkt.Value.(Number); ok {
			code := int(n)
			w.mu.Lock()
			w.reported = &code
			w.mu.Unlock()
		}
	case PacketStdioWrite:
		b, ok := stdioChunk(pkt.Value)
		if !ok {
			return
		}
		switch pkt.Port {
		case PortStdout:
			w.stdout.Write(b)
		case PortError:
			w.stderr.Write(b)
		}
	default:
		w.log.Debug("dropping control packet", "type", pkt.Type, "port", pkt.Port)
	}
}

func (w *Worker) disconnected(err error) {
	if err != nil {
		w.log.Debug("worker transport closed", "error", err)
	}
}

// directLink reports an in-process worker's failures straight to its
// Worker.
type directLink struct {
	w *Worker
}

func (l directLink) report(e *Error) {
	l.w.fault(remoteError(e))
}
