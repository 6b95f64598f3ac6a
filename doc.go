// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package thread provides message-passing workers for the Lux ecosystem:
// structured values, entangled ports, an RPC socket over any port, and
// workers that run on a goroutine, in a child process or behind a gRPC host.
//
// # Backend Selection
//
// The goroutine backend is the default. Ports and buffers move between
// threads without copying. The other backends carry the same packet
// stream over a byte duplex:
//
//	thread.Spawn(ctx, rt, "sum")                                    // goroutine (default)
//	thread.Spawn(ctx, rt, "sum", thread.WithBackend("process"))     // child process, fds 3 and 4
//	thread.Spawn(ctx, rt, "sum", thread.WithBackend("grpc"),
//	    thread.WithAddr("worker-host:9650"))                        // thread.Transport/Pipe stream
//
// # Usage
//
// Entries are registered on the runtime before they are spawned:
//
//	rt := thread.Default()
//	rt.Register("sum", func(ctx context.Context, p *thread.Parent) error {
//	    p.Hook("add", func(ctx context.Context, c *thread.Call) (thread.Value, error) {
//	        a, _ := c.Arg(0).(thread.Number)
//	        b, _ := c.Arg(1).(thread.Number)
//	        return a + b, nil
//	    })
//	    return p.Serve(ctx)
//	})
//
//	w, err := thread.Spawn(ctx, rt, "sum")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer w.Terminate(ctx)
//
//	sum, err := w.Call(ctx, "add", []thread.Value{thread.Number(1), thread.Number(2)})
//
// Binaries that spawn process workers hand control to the worker side
// first thing in main:
//
//	if thread.IsWorker() {
//	    os.Exit(thread.Main(rt))
//	}
//
// Pools spread calls over workers round robin:
//
//	pool := thread.NewPool(rt, "sum", thread.WithSize(4))
//	defer pool.Close(ctx)
//	sum, err := pool.Call(ctx, "add", args)
//
// # Wire Format
//
// Values are encoded with a tagged binary codec (Encode, Decode). Packets
// frame them as
//
//	[type:u8][port:u32|u64][len:u32][payload][0x0a]
//
// where the 0x80 bit of the type selects a 64-bit port id. Port ids are
// (pid << 20) | n, so ports minted by different processes never collide.
//
// # Architecture
//
// The package separates concerns:
//
//   - value.go, value_convert.go: the Value sum type and Go conversions
//   - codec.go: binary value codec
//   - clone.go: structured clone for native transfer
//   - packet.go: packet framing and streaming parser
//   - port.go, relay.go: MessagePort, Channel and the forwarding relay
//   - stream.go: many ports over one byte duplex
//   - socket.go: events, calls and hooks over a port
//   - worker.go, parent.go, pool.go: worker lifecycle on both sides
//   - backend*.go: backend registry and the three backends
//   - json.go: JSON-RPC gateway in front of a worker or pool
package thread
