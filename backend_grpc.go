// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package thread

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

func init() {
	encoding.RegisterCodec(frameCodec{})
	registerBackend(BackendGRPC, spawnGRPC)
}

// frameCodecName is the content subtype of the Pipe stream. Its messages
// are raw chunks of the packet stream.
const frameCodecName = "thread-frame"

const pipeMethod = "/thread.Transport/Pipe"

// frame is one chunk of the packet stream carried by a gRPC message.
type frame struct {
	data []byte
}

type frameCodec struct{}

func (frameCodec) Marshal(v any) ([]byte, error) {
	f, ok := v.(*frame)
	if !ok {
		return nil, fmt.Errorf("%s codec: cannot marshal %T", frameCodecName, v)
	}
	return f.data, nil
}

func (frameCodec) Unmarshal(data []byte, v any) error {
	f, ok := v.(*frame)
	if !ok {
		return fmt.Errorf("%s codec: cannot unmarshal into %T", frameCodecName, v)
	}
	f.data = append(f.data[:0], data...)
	return nil
}

func (frameCodec) Name() string { return frameCodecName }

// transportServer is the handler type of the thread.Transport service.
type transportServer interface {
	pipe(stream grpc.ServerStream) error
}

func pipeHandler(srv any, stream grpc.ServerStream) error {
	return srv.(transportServer).pipe(stream)
}

var transportDesc = grpc.ServiceDesc{
	ServiceName: "thread.Transport",
	HandlerType: (*transportServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Pipe",
			Handler:       pipeHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "thread/transport.proto",
}

// WithAddr sets the address of the GRPCHost a grpc worker runs on.
func WithAddr(addr string) WorkerOption {
	return func(o *workerOptions) { o.addr = addr }
}

// WithDialOptions adds options to the connection of a grpc worker.
// Connections are insecure unless credentials are given here.
func WithDialOptions(opts ...grpc.DialOption) WorkerOption {
	return func(o *workerOptions) { o.dialOpts = append(o.dialOpts, opts...) }
}

func spawnGRPC(ctx context.Context, w *Worker, entry string, o *workerOptions) (session, error) {
	if o.addr == "" {
		return nil, fmt.Errorf("%w: grpc backend needs WithAddr", ErrUnknownBackend)
	}
	vars, err := bootstrap{id: w.id, entry: entry, token: w.token, data: o.data, stdin: o.stdin}.vars()
	if err != nil {
		return nil, err
	}
	md := metadata.MD{}
	for k, v := range vars {
		md.Set(metadataKey(k), v)
	}

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}, o.dialOpts...)
	conn, err := grpc.NewClient(o.addr, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("grpc dial: %w", err)
	}

	sctx, cancel := context.WithCancel(metadata.NewOutgoingContext(context.WithoutCancel(ctx), md))
	cs, err := conn.NewStream(sctx, &transportDesc.Streams[0], pipeMethod, grpc.CallContentSubtype(frameCodecName))
	if err != nil {
		cancel()
		conn.Close()
		return nil, fmt.Errorf("grpc open pipe: %w", err)
	}

	s := NewStream(w.rt, &clientPipe{cs: cs, cancel: cancel, conn: conn},
		WithStreamName(fmt.Sprintf("worker-%d", w.id)),
		withController(w),
	)
	w.Socket = newSocket(s.Port(), o.hooks, o.events)
	if o.stdin {
		w.stdin = &stdioWriter{s: s, typ: PacketStdioRead, port: PortStdin}
	}
	s.Start()
	return &grpcSession{w: w, stream: s, cancel: cancel}, nil
}

type grpcSession struct {
	w      *Worker
	stream *Stream
	cancel context.CancelFunc
}

// kill cancels the stream; the host cancels the entry's context in turn.
func (s *grpcSession) kill(context.Context) error {
	s.cancel()
	return nil
}

func (s *grpcSession) wait() int {
	<-s.stream.Done()
	if code, ok := s.w.reportedExit(); ok {
		return code
	}
	return 1
}

// clientPipe adapts the client end of a Pipe stream to a byte duplex.
type clientPipe struct {
	cs     grpc.ClientStream
	cancel context.CancelFunc
	conn   *grpc.ClientConn

	rest []byte
	once sync.Once
}

func (p *clientPipe) Read(b []byte) (int, error) {
	if len(p.rest) == 0 {
		var f frame
		if err := p.cs.RecvMsg(&f); err != nil {
			return 0, pipeErr(err)
		}
		p.rest = f.data
	}
	n := copy(b, p.rest)
	p.rest = p.rest[n:]
	return n, nil
}

func (p *clientPipe) Write(b []byte) (int, error) {
	if err := p.cs.SendMsg(&frame{data: b}); err != nil {
		return 0, pipeErr(err)
	}
	return len(b), nil
}

func (p *clientPipe) Close() error {
	var err error
	p.once.Do(func() {
		p.cs.CloseSend()
		p.cancel()
		err = p.conn.Close()
	})
	return err
}

// serverPipe adapts the server end of a Pipe stream. The stream ends when
// the handler returns.
type serverPipe struct {
	ss   grpc.ServerStream
	rest []byte
}

func (p *serverPipe) Read(b []byte) (int, error) {
	if len(p.rest) == 0 {
		var f frame
		if err := p.ss.RecvMsg(&f); err != nil {
			return 0, pipeErr(err)
		}
		p.rest = f.data
	}
	n := copy(b, p.rest)
	p.rest = p.rest[n:]
	return n, nil
}

func (p *serverPipe) Write(b []byte) (int, error) {
	if err := p.ss.SendMsg(&frame{data: b}); err != nil {
		return 0, pipeErr(err)
	}
	return len(b), nil
}

func (p *serverPipe) Close() error { return nil }

// pipeErr maps the end of a gRPC stream to io.EOF.
func pipeErr(err error) error {
	if errors.Is(err, io.EOF) {
		return io.EOF
	}
	if status.Code(err) == codes.Canceled {
		return io.EOF
	}
	return err
}

// GRPCHost runs grpc workers for remote parents. Workers run the entries
// registered on its runtime.
type GRPCHost struct {
	rt  *Runtime
	log *slog.Logger
}

func NewGRPCHost(rt *Runtime) *GRPCHost {
	return &GRPCHost{rt: rt, log: rt.log.With("host", "grpc")}
}

// Register adds the thread.Transport service to s.
func (h *GRPCHost) Register(s *grpc.Server) {
	s.RegisterService(&transportDesc, h)
}

// NewServer returns a gRPC server with the host registered.
func (h *GRPCHost) NewServer(opts ...grpc.ServerOption) *grpc.Server {
	s := grpc.NewServer(opts...)
	h.Register(s)
	return s
}

func (h *GRPCHost) pipe(ss grpc.ServerStream) error {
	md, _ := metadata.FromIncomingContext(ss.Context())
	boot, err := parseBootstrap(func(key string) string {
		if vals := md.Get(metadataKey(key)); len(vals) > 0 {
			return vals[0]
		}
		return ""
	})
	if err != nil {
		h.log.Warn("rejected worker", "error", err)
		return status.Error(codes.InvalidArgument, err.Error())
	}

	wrt := h.rt.fork(boot.id)
	s := NewStream(wrt, &serverPipe{ss: ss}, WithStreamName("parent"))
	code := serveWorker(ss.Context(), wrt, s, boot)
	h.log.Debug("worker exited", "worker", boot.id, "entry", boot.entry, "code", code)
	return nil
}
