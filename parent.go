// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package thread

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
)

// Parent is the worker's view of the thread that spawned it. It carries
// the Socket surface toward the parent plus the worker's identity, its
// startup data and its stdio.
type Parent struct {
	*Socket
	id     uint64
	data   Value
	ctx    context.Context
	cancel context.CancelFunc
	link   parentLink

	stdin     io.Reader
	stdout    io.Writer
	stderr    io.Writer
	stdinPipe *bufferPipe

	mu   sync.Mutex
	code int
}

// parentLink carries what the worker reports outside the socket.
type parentLink interface {
	report(e *Error)
}

func newParent(ctx context.Context, cancel context.CancelFunc, s *Socket, id uint64, data Value) *Parent {
	return &Parent{
		Socket: s,
		id:     id,
		data:   data,
		ctx:    ctx,
		cancel: cancel,
		stdin:  bytes.NewReader(nil),
		stdout: io.Discard,
		stderr: io.Discard,
	}
}

// ID returns the worker id assigned by the parent.
func (p *Parent) ID() uint64 { return p.id }

// WorkerData returns the clone of the value passed with WithWorkerData.
func (p *Parent) WorkerData() Value { return p.data }

// Context is cancelled when the worker is terminated or loses its parent.
func (p *Parent) Context() context.Context { return p.ctx }

// Stdin reads what the parent writes to Worker.Stdin. It is empty unless
// the worker was spawned WithStdin(true).
func (p *Parent) Stdin() io.Reader { return p.stdin }

func (p *Parent) Stdout() io.Writer { return p.stdout }

func (p *Parent) Stderr() io.Writer { return p.stderr }

// Exit ends the worker with code. It must be called from the entry
// goroutine and does not return.
func (p *Parent) Exit(code int) {
	p.mu.Lock()
	p.code = code
	p.mu.Unlock()
	p.cancel()
	runtime.Goexit()
}

func (p *Parent) exitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.code
}

// Serve answers the parent until ctx is done, the worker is terminated or
// the parent goes away. Entries that only register hooks end with it.
func (p *Parent) Serve(ctx context.Context) error {
	p.bind()
	select {
	case <-ctx.Done():
	case <-p.ctx.Done():
	case <-p.Done():
	}
	return nil
}

func (p *Parent) control(pkt *Packet) {
	if pkt.Type != PacketStdioRead || pkt.Port != PortStdin || p.stdinPipe == nil {
		p.log.Debug("dropping control packet", "type", pkt.Type, "port", pkt.Port)
		return
	}
	if b, ok := stdioChunk(pkt.Value); ok {
		p.stdinPipe.Write(b)
		return
	}
	p.stdinPipe.Close()
}

func (p *Parent) disconnected(err error) {
	if err != nil {
		p.log.Warn("lost parent", "error", err)
	}
	if p.stdinPipe != nil {
		p.stdinPipe.Close()
	}
	p.cancel()
}

// runEntry runs entry to completion and returns the exit code. Errors and
// panics are reported to the parent and end the worker with code 1.
func runEntry(ctx context.Context, p *Parent, entry EntryFunc) int {
	done := make(chan int, 1)
	go func() {
		returned := false
		defer func() {
			if returned {
				return
			}
			if r := recover(); r != nil {
				p.log.Error("worker panicked", "panic", r)
				p.link.report(&Error{Name: "Error", Message: fmt.Sprint(r), Stack: string(debug.Stack())})
				done <- 1
				return
			}
			// Exit
			done <- p.exitCode()
		}()
		err := entry(ctx, p)
		returned = true
		if err != nil {
			p.log.Error("worker failed", "error", err)
			p.link.report(errorValue(err))
			done <- 1
			return
		}
		done <- p.exitCode()
	}()
	return <-done
}

// streamLink reports over the control packets of a stream.
type streamLink struct {
	s *Stream
}

func (l streamLink) report(e *Error) {
	if err := l.s.writePacket(&Packet{Type: PacketError, Port: PortError, Value: e}); err != nil {
		l.s.log.Warn("error report not sent", "error", err)
	}
}

func (l streamLink) exit(code int) {
	if err := l.s.writePacket(&Packet{Type: PacketExit, Port: PortExit, Value: Number(code)}); err != nil {
		l.s.log.Debug("exit not sent", "error", err)
	}
}

// serveWorker runs the worker side of a stream backend: it announces the
// worker with OPEN, runs the entry and reports its exit code.
func serveWorker(ctx context.Context, rt *Runtime, s *Stream, boot bootstrap) int {
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := newParent(wctx, cancel, NewSocket(s.Port()), boot.id, boot.data)
	link := streamLink{s: s}
	p.link = link
	p.stdout = &stdioWriter{s: s, typ: PacketStdioWrite, port: PortStdout}
	p.stderr = &stdioWriter{s: s, typ: PacketStdioWrite, port: PortError}
	if boot.stdin {
		p.stdinPipe = newBufferPipe()
		p.stdin = p.stdinPipe
	}
	s.ctrl = p
	s.Start()

	entry, err := rt.entry(boot.entry)
	if err != nil {
		rt.log.Error("worker bootstrap failed", "error", err)
		link.report(errorValue(err))
		link.exit(1)
		s.Close()
		return 1
	}
	if err := s.writePacket(&Packet{Type: PacketOpen, Port: PortOpen, Value: handshake(boot.token)}); err != nil {
		rt.log.Error("worker handshake not sent", "error", err)
		s.Close()
		return 1
	}

	code := runEntry(wctx, p, entry)
	link.exit(code)
	s.Close()
	return code
}

// Bootstrap variables handed to a worker by its parent. Process workers
// read them from the environment, gRPC workers from request metadata.
const (
	envWorkerID    = "THREAD_WORKER_ID"
	envWorkerEntry = "THREAD_WORKER_ENTRY"
	envWorkerToken = "THREAD_WORKER_TOKEN"
	envWorkerData  = "THREAD_WORKER_DATA"
	envWorkerStdin = "THREAD_WORKER_STDIN"
)

type bootstrap struct {
	id    uint64
	entry string
	token string
	data  Value
	stdin bool
}

func (b bootstrap) vars() (map[string]string, error) {
	if len(portsIn(b.data)) > 0 {
		return nil, cannotTransfer("MessagePort", "worker data cannot carry ports")
	}
	raw, err := Encode(b.data)
	if err != nil {
		return nil, fmt.Errorf("worker data: %w", err)
	}
	vars := map[string]string{
		envWorkerID:    strconv.FormatUint(b.id, 10),
		envWorkerEntry: b.entry,
		envWorkerToken: b.token,
		envWorkerData:  base64.StdEncoding.EncodeToString(raw),
	}
	if b.stdin {
		vars[envWorkerStdin] = "1"
	}
	return vars, nil
}

func parseBootstrap(get func(key string) string) (bootstrap, error) {
	raw := get(envWorkerID)
	if raw == "" {
		return bootstrap{}, ErrNotWorker
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return bootstrap{}, fmt.Errorf("%w: worker id %q", ErrBadHandshake, raw)
	}
	b := bootstrap{
		id:    id,
		entry: get(envWorkerEntry),
		token: get(envWorkerToken),
		data:  Undefined{},
		stdin: get(envWorkerStdin) == "1",
	}
	if enc := get(envWorkerData); enc != "" {
		buf, err := base64.StdEncoding.DecodeString(enc)
		if err != nil {
			return bootstrap{}, fmt.Errorf("%w: worker data: %w", ErrBadHandshake, err)
		}
		if b.data, err = Decode(buf, nil); err != nil {
			return bootstrap{}, fmt.Errorf("worker data: %w", err)
		}
	}
	return b, nil
}

// metadataKey maps a bootstrap variable to its gRPC metadata key.
func metadataKey(env string) string {
	return strings.ToLower(strings.ReplaceAll(env, "_", "-"))
}
