// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package thread

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"
)

// spawnGoroutine runs entry on a goroutine of this process. The worker
// talks to its parent over a native channel, so ports and buffers move
// without copying.
func spawnGoroutine(ctx context.Context, w *Worker, entry string, o *workerOptions) (session, error) {
	fn, err := w.rt.entry(entry)
	if err != nil {
		return nil, err
	}
	data, err := morph(o.data, nil)
	if err != nil {
		return nil, err
	}
	id, err := w.rt.nextPortID()
	if err != nil {
		return nil, err
	}

	a, b := newPair(id)
	here := w.rt.adopt(a)
	w.Socket = newSocket(here, o.hooks, o.events)

	wrt := w.rt.fork(w.id)
	wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p := newParent(wctx, cancel, NewSocket(wrt.adopt(b)), w.id, unmorph(data, wrt.adopt))
	p.link = directLink{w: w}
	p.stdout = w.stdout
	p.stderr = w.stderr
	if o.stdin {
		pr, pw := io.Pipe()
		p.stdin = pr
		w.stdin = pw
	}

	g := &goroutineSession{
		log:    w.log,
		port:   here,
		cancel: cancel,
		grace:  o.grace,
		killed: make(chan struct{}),
		done:   make(chan int, 1),
	}
	go func() {
		w.markOnline()
		code := runEntry(wctx, p, fn)
		cancel()
		p.Socket.Close()
		g.done <- code
	}()
	return g, nil
}

type goroutineSession struct {
	log    *slog.Logger
	port   *Port
	cancel context.CancelFunc
	grace  time.Duration

	once   sync.Once
	killed chan struct{}
	done   chan int
}

// kill cancels the entry's context and closes the channel. Goroutines
// cannot be stopped from outside, so an entry that ignores its context is
// abandoned after the grace period.
func (g *goroutineSession) kill(context.Context) error {
	g.once.Do(func() {
		close(g.killed)
		g.cancel()
		g.port.Close()
	})
	return nil
}

func (g *goroutineSession) wait() int {
	select {
	case code := <-g.done:
		return code
	case <-g.killed:
	}
	t := time.NewTimer(g.grace)
	defer t.Stop()
	select {
	case <-g.done:
	case <-t.C:
		g.log.Warn("worker ignored termination", "grace", g.grace)
	}
	return 1
}
