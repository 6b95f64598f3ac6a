// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package thread

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

// startHost serves a GRPCHost on an in-memory listener and returns the
// worker options that reach it.
func startHost(t *testing.T) (*bufconn.Listener, []WorkerOption) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := NewGRPCHost(newTestRuntime(t, 100)).NewServer()
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	dialer := func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}
	return lis, []WorkerOption{
		WithBackend(BackendGRPC),
		WithAddr("passthrough:///bufnet"),
		WithDialOptions(grpc.WithContextDialer(dialer)),
	}
}

func TestFrameCodec(t *testing.T) {
	require := require.New(t)

	var c frameCodec
	b, err := c.Marshal(&frame{data: []byte("abc")})
	require.NoError(err)
	require.Equal([]byte("abc"), b)

	var f frame
	require.NoError(c.Unmarshal(b, &f))
	b[0] = 'z'
	require.Equal([]byte("abc"), f.data)

	_, err = c.Marshal("nope")
	require.Error(err)
	require.Error(c.Unmarshal(b, new(int)))
	require.Equal(frameCodecName, c.Name())
}

func TestGRPCWorkerCall(t *testing.T) {
	_, opts := startHost(t)
	rt := newTestRuntime(t, 1)
	w := spawnWorker(t, rt, "data", append(opts, WithWorkerData(NewRecord(Field{"k", String("v")})))...)
	waitClosed(t, w.Online())

	res, err := w.Call(testContext(t), "data", nil)
	require.NoError(t, err)
	require.Equal(t, NewRecord(Field{"k", String("v")}), res)
}

func TestGRPCWorkerPortHandoff(t *testing.T) {
	_, opts := startHost(t)
	rt := newTestRuntime(t, 1)
	w := spawnWorker(t, rt, "mirror", opts...)

	ch, err := rt.NewChannel()
	require.NoError(t, err)
	_, err = w.Call(testContext(t), "attach", []Value{ch.Port2}, WithTransfer(ch.Port2))
	require.NoError(t, err)
	require.True(t, ch.Port2.Transferred())

	got := collect(t, ch.Port1)
	require.NoError(t, ch.Port1.PostMessage(String("across")))
	require.Equal(t, String("across"), recv(t, got))
}

func TestGRPCWorkerExitCode(t *testing.T) {
	_, opts := startHost(t)
	w := spawnWorker(t, newTestRuntime(t, 1), "exit", append(opts, WithWorkerData(Number(5)))...)
	require.Equal(t, 5, waitExit(t, w))
}

func TestGRPCWorkerTerminate(t *testing.T) {
	_, opts := startHost(t)
	w := spawnWorker(t, newTestRuntime(t, 1), "wait", opts...)
	waitClosed(t, w.Online())

	code, err := w.Terminate(testContext(t))
	require.NoError(t, err)
	require.Equal(t, 1, code)
}

func TestGRPCWorkerUnknownEntry(t *testing.T) {
	_, opts := startHost(t)
	rt := newTestRuntime(t, 1)
	rt.Register("parent-only", func(context.Context, *Parent) error { return nil })
	w := spawnWorker(t, rt, "parent-only", opts...)
	errs := make(chan error, 1)
	w.OnError(func(err error) { errs <- err })

	require.Equal(t, 1, waitExit(t, w))
	require.ErrorIs(t, <-errs, ErrUnknownEntry)
}

func TestGRPCSpawnNeedsAddr(t *testing.T) {
	_, err := Spawn(testContext(t), newTestRuntime(t, 1), "echo", WithBackend(BackendGRPC))
	require.ErrorIs(t, err, ErrUnknownBackend)
}

func TestGRPCHostRejectsMissingBootstrap(t *testing.T) {
	lis, _ := startHost(t)
	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
	)
	require.NoError(t, err)
	defer conn.Close()

	ctx := metadata.NewOutgoingContext(testContext(t), metadata.Pairs("unrelated", "1"))
	cs, err := conn.NewStream(ctx, &transportDesc.Streams[0], pipeMethod, grpc.CallContentSubtype(frameCodecName))
	require.NoError(t, err)
	require.NoError(t, cs.CloseSend())

	var f frame
	err = cs.RecvMsg(&f)
	require.Equal(t, codes.InvalidArgument, status.Code(err), "got %v", err)
}
