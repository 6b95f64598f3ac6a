// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package thread

import (
	"log/slog"
	"sync"
)

// relay joins two outlets so that this process forwards a channel whose
// ends both live elsewhere. Each side has its own mailbox, so forwarding
// keeps per-direction order and never blocks the delivering goroutine.
// When either side hangs up the other outlet is shut; a failed forward
// shuts both.
type relay struct {
	rt  *Runtime
	id  uint64
	log *slog.Logger

	x, y *relaySide
	once sync.Once
}

type relaySide struct {
	r  *relay
	to outlet
	in inbox
}

// newRelay returns a relay between outlets x and y. r.x must be installed
// as the receiver of x and r.y as the receiver of y, then start called.
func newRelay(rt *Runtime, id uint64, x, y outlet) *relay {
	r := &relay{rt: rt, id: id, log: rt.log.With("relay", id)}
	r.x = r.side(y)
	r.y = r.side(x)
	return r
}

// side builds a receiver that forwards what it gets to to.
func (r *relay) side(to outlet) *relaySide {
	s := &relaySide{r: r, to: to}
	s.in.handle = s.forward
	s.in.finish = func() { r.stop(to) }
	return s
}

func (r *relay) start() {
	r.x.in.start()
	r.y.in.start()
}

func (r *relay) stop(outs ...outlet) {
	r.once.Do(func() {
		r.log.Debug("relay stopped")
		for _, o := range outs {
			o.shut()
		}
	})
}

func (s *relaySide) receive(v Value) { s.in.push(v) }

func (s *relaySide) hangup() { s.in.hangup() }

func (s *relaySide) forward(v Value) {
	v = unmorph(v, s.r.rt.adopt)
	if err := s.to.post(v, portsIn(v)); err != nil {
		s.r.log.Error("relay forward failed", "error", err)
		s.r.stop(s.r.x.to, s.r.y.to)
	}
}
