// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package thread

import (
	"encoding/binary"
	"fmt"
)

// PacketType identifies what a stream frame carries.
type PacketType uint8

const (
	PacketMessage    PacketType = 0x01
	PacketStdioRead  PacketType = 0x02
	PacketStdioWrite PacketType = 0x03
	PacketError      PacketType = 0x04
	PacketOpen       PacketType = 0x05
	PacketExit       PacketType = 0x06
)

func (t PacketType) String() string {
	switch t {
	case PacketMessage:
		return "MESSAGE"
	case PacketStdioRead:
		return "STDIO_READ"
	case PacketStdioWrite:
		return "STDIO_WRITE"
	case PacketError:
		return "ERROR"
	case PacketOpen:
		return "OPEN"
	case PacketExit:
		return "EXIT"
	default:
		return fmt.Sprintf("PacketType(%d)", uint8(t))
	}
}

// Reserved port ids. Ids from FirstDynamicPort on are allocated by a
// Runtime for channels.
const (
	PortMain   uint64 = 0
	PortStdin  uint64 = 1
	PortStdout uint64 = 2
	PortError  uint64 = 3
	PortOpen   uint64 = 4
	PortExit   uint64 = 5

	FirstDynamicPort uint64 = 6
)

const (
	wideBit      = 0x80
	terminator   = 0x0A
	shortHeader  = 1 + 4 + 4
	wideHeader   = 1 + 8 + 4
	MaxFrameSize = 64 * 1024 * 1024 // 64MB max
)

// Packet is one routed value on a stream transport.
type Packet struct {
	Type  PacketType
	Port  uint64
	Value Value
}

// Encode frames the packet as
// [type:u8][port:u32|u64][len:u32][payload][0x0A]. The high bit of the
// type byte marks a 64-bit port id.
func (p *Packet) Encode() ([]byte, error) {
	payload, err := Encode(p.Value)
	if err != nil {
		return nil, err
	}
	if len(payload) > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}

	var buf []byte
	if p.Port > 0xFFFFFFFF {
		buf = make([]byte, 0, wideHeader+len(payload)+1)
		buf = append(buf, byte(p.Type)|wideBit)
		buf = binary.LittleEndian.AppendUint64(buf, p.Port)
	} else {
		buf = make([]byte, 0, shortHeader+len(payload)+1)
		buf = append(buf, byte(p.Type))
		buf = binary.LittleEndian.AppendUint32(buf, uint32(p.Port))
	}
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(payload)))
	buf = append(buf, payload...)
	return append(buf, terminator), nil
}

// Parser reassembles packets from arbitrary chunks of a byte stream. The
// first error is fatal: every later Feed returns it again.
type Parser struct {
	resolve PortResolver
	buf     []byte
	err     error
}

func NewParser(resolve PortResolver) *Parser {
	return &Parser{resolve: resolve}
}

// Feed consumes chunk and returns the packets it completed, in order. When
// a frame is bad, the packets completed before it are returned together
// with the error.
func (p *Parser) Feed(chunk []byte) ([]*Packet, error) {
	if p.err != nil {
		return nil, p.err
	}
	p.buf = append(p.buf, chunk...)

	var out []*Packet
	off := 0
	for {
		pkt, n, err := p.next(p.buf[off:])
		if err != nil {
			p.err = err
			p.buf = nil
			return out, err
		}
		if pkt == nil {
			break
		}
		out = append(out, pkt)
		off += n
	}
	if off > 0 {
		p.buf = append([]byte(nil), p.buf[off:]...)
	}
	return out, nil
}

// next decodes one frame from the head of b, or returns a nil packet when
// b does not hold a whole frame yet.
func (p *Parser) next(b []byte) (*Packet, int, error) {
	if len(b) == 0 {
		return nil, 0, nil
	}
	typ := PacketType(b[0] &^ wideBit)
	if typ < PacketMessage || typ > PacketExit {
		return nil, 0, fmt.Errorf("%w: unknown packet type 0x%02x", ErrCorrupt, b[0])
	}
	hdr := shortHeader
	if b[0]&wideBit != 0 {
		hdr = wideHeader
	}
	if len(b) < hdr {
		return nil, 0, nil
	}

	var port uint64
	if hdr == wideHeader {
		port = binary.LittleEndian.Uint64(b[1:9])
	} else {
		port = uint64(binary.LittleEndian.Uint32(b[1:5]))
	}
	size := binary.LittleEndian.Uint32(b[hdr-4 : hdr])
	if size > MaxFrameSize {
		return nil, 0, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}
	total := hdr + int(size) + 1
	if len(b) < total {
		return nil, 0, nil
	}
	if b[total-1] != terminator {
		return nil, 0, fmt.Errorf("%w: bad terminator 0x%02x on %s frame for port %d", ErrCorrupt, b[total-1], typ, port)
	}

	v, err := Decode(b[hdr:total-1], p.resolve)
	if err != nil {
		return nil, 0, fmt.Errorf("%s frame for port %d: %w", typ, port, err)
	}
	return &Packet{Type: typ, Port: port, Value: v}, total, nil
}
