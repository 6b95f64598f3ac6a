// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package thread

import (
	"fmt"
	"math/big"
)

// transferList is the validated set of ports and buffers whose ownership
// moves with a message.
type transferList struct {
	ports   map[*Port]bool
	buffers map[*Buffer]bool
}

func newTransferList(src *Port, items []Value) (*transferList, error) {
	tl := &transferList{
		ports:   make(map[*Port]bool),
		buffers: make(map[*Buffer]bool),
	}
	for _, item := range items {
		switch x := item.(type) {
		case *Port:
			switch {
			case x == src:
				return nil, cannotTransfer("MessagePort", "transfer list contains the source port")
			case tl.ports[x]:
				return nil, cannotTransfer("MessagePort", "port listed twice")
			case x.Transferred():
				return nil, fmt.Errorf("port %d: %w", x.ID(), ErrPortTransferred)
			case x.Closed():
				return nil, fmt.Errorf("port %d: %w", x.ID(), ErrPortClosed)
			}
			tl.ports[x] = true
		case *Buffer:
			switch {
			case tl.buffers[x]:
				return nil, cannotTransfer(x.Type.String(), "buffer listed twice")
			case x.Detached():
				return nil, fmt.Errorf("%s: %w", x.Type, ErrDetached)
			}
			tl.buffers[x] = true
		case nil:
			return nil, cannotTransfer("undefined", "not transferable")
		default:
			return nil, cannotTransfer(item.Kind().String(), "not transferable")
		}
	}
	return tl, nil
}

type cloneTask struct {
	src Value
	dst *Value
}

// morph builds the copy of v handed to a native channel. Containers are
// freshly allocated and shared or cyclic references keep their shape.
// Buffers in tl move to the copy and the originals are detached; other
// buffers are copied. Ports must be listed in tl and are replaced by
// their native endpoint. Nothing is detached unless the whole walk
// succeeds.
func morph(v Value, tl *transferList) (Value, error) {
	if tl == nil {
		tl = &transferList{}
	}
	var (
		root  Value
		seen  = make(map[Value]Value)
		ports = make(map[*Port][]*Value)
		moved []*Buffer
		stack = []cloneTask{{src: v, dst: &root}}
	)
	for len(stack) > 0 {
		t := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if c, ok := seen[t.src]; ok {
			*t.dst = c
			continue
		}
		switch x := t.src.(type) {
		case nil:
			*t.dst = Undefined{}
		case Undefined, Null, Bool, Number, String, Symbol, Date:
			*t.dst = x
		case BigInt:
			if x.Int != nil {
				*t.dst = BigInt{Int: new(big.Int).Set(x.Int)}
			} else {
				*t.dst = x
			}
		case *RegExp:
			c := &RegExp{Source: x.Source, Flags: x.Flags}
			seen[x] = c
			*t.dst = c
		case *Buffer:
			if x.Detached() {
				return nil, fmt.Errorf("%s: %w", x.Type, ErrDetached)
			}
			c := &Buffer{Type: x.Type}
			if tl.buffers[x] {
				c.data = x.data
				moved = append(moved, x)
			} else {
				c.data = append([]byte(nil), x.data...)
			}
			seen[x] = c
			*t.dst = c
		case *Port:
			if !tl.ports[x] {
				return nil, cannotTransfer("MessagePort", "port must be in the transfer list")
			}
			ports[x] = append(ports[x], t.dst)
		case *Array:
			c := &Array{Elems: make([]Value, len(x.Elems))}
			seen[x] = c
			*t.dst = c
			for i := len(x.Elems) - 1; i >= 0; i-- {
				stack = append(stack, cloneTask{x.Elems[i], &c.Elems[i]})
			}
		case *Record:
			c := &Record{Fields: make([]Field, len(x.Fields))}
			seen[x] = c
			*t.dst = c
			for i := len(x.Fields) - 1; i >= 0; i-- {
				c.Fields[i].Key = x.Fields[i].Key
				stack = append(stack, cloneTask{x.Fields[i].Value, &c.Fields[i].Value})
			}
		case *Map:
			c := &Map{Entries: make([]Entry, len(x.Entries))}
			seen[x] = c
			*t.dst = c
			for i := len(x.Entries) - 1; i >= 0; i-- {
				stack = append(stack,
					cloneTask{x.Entries[i].Value, &c.Entries[i].Value},
					cloneTask{x.Entries[i].Key, &c.Entries[i].Key},
				)
			}
		case *Set:
			c := &Set{Items: make([]Value, len(x.Items))}
			seen[x] = c
			*t.dst = c
			for i := len(x.Items) - 1; i >= 0; i-- {
				stack = append(stack, cloneTask{x.Items[i], &c.Items[i]})
			}
		case *Error:
			c := &Error{Name: x.Name, Message: x.Message, Stack: x.Stack, Props: make([]Field, len(x.Props))}
			seen[x] = c
			*t.dst = c
			for i := len(x.Props) - 1; i >= 0; i-- {
				c.Props[i].Key = x.Props[i].Key
				stack = append(stack, cloneTask{x.Props[i].Value, &c.Props[i].Value})
			}
		default:
			return nil, cannotTransfer(fmt.Sprintf("%T", x), "value cannot be cloned")
		}
	}

	for p, dsts := range ports {
		ep, err := p.detachNative()
		if err != nil {
			return nil, err
		}
		for _, dst := range dsts {
			*dst = ep
		}
	}
	for _, b := range moved {
		b.detach()
	}
	return root, nil
}

// unmorph replaces native endpoints inside a received value with Ports
// built by adopt. It mutates v in place and is a no-op on values that
// hold no endpoints.
func unmorph(v Value, adopt func(*endpoint) *Port) Value {
	adopted := make(map[*endpoint]*Port)
	swap := func(x Value) (Value, bool) {
		ep, ok := x.(*endpoint)
		if !ok {
			return x, false
		}
		p, ok := adopted[ep]
		if !ok {
			p = adopt(ep)
			adopted[ep] = p
		}
		return p, true
	}
	if r, ok := swap(v); ok {
		return r
	}
	walkSlots(v, func(slot *Value) {
		if r, ok := swap(*slot); ok {
			*slot = r
		}
	})
	return v
}

// portsIn lists every distinct Port reachable from v.
func portsIn(v Value) []Value {
	var out []Value
	seen := make(map[*Port]bool)
	add := func(x Value) {
		if p, ok := x.(*Port); ok && !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	add(v)
	walkSlots(v, func(slot *Value) { add(*slot) })
	return out
}

// walkSlots calls fn with a pointer to every child slot of every container
// reachable from root, visiting each container once.
func walkSlots(root Value, fn func(slot *Value)) {
	seen := make(map[Value]bool)
	stack := []Value{root}
	for len(stack) > 0 {
		c := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		switch c.(type) {
		case *Array, *Record, *Map, *Set, *Error:
		default:
			continue
		}
		if seen[c] {
			continue
		}
		seen[c] = true
		for _, s := range childSlots(c) {
			fn(s)
			stack = append(stack, *s)
		}
	}
}

func childSlots(c Value) []*Value {
	var slots []*Value
	switch x := c.(type) {
	case *Array:
		for i := range x.Elems {
			slots = append(slots, &x.Elems[i])
		}
	case *Record:
		for i := range x.Fields {
			slots = append(slots, &x.Fields[i].Value)
		}
	case *Map:
		for i := range x.Entries {
			slots = append(slots, &x.Entries[i].Key, &x.Entries[i].Value)
		}
	case *Set:
		for i := range x.Items {
			slots = append(slots, &x.Items[i])
		}
	case *Error:
		for i := range x.Props {
			slots = append(slots, &x.Props[i].Value)
		}
	}
	return slots
}
