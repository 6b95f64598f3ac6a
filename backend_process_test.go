// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package thread

import (
	"context"
	"errors"
	"io"
	"os"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestMain doubles as the process worker: the process backend re-executes
// the test binary with the bootstrap environment set.
func TestMain(m *testing.M) {
	if IsWorker() {
		rt := NewRuntime(os.Getpid(), WithLogger(discardLogger()))
		registerTestEntries(rt)
		os.Exit(Main(rt))
	}
	os.Exit(m.Run())
}

func spawnProcessWorker(t *testing.T, entry string, opts ...WorkerOption) *Worker {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("process workers need inherited descriptors")
	}
	if testing.Short() {
		t.Skip("spawns a child process")
	}
	rt := newTestRuntime(t, os.Getpid())
	return spawnWorker(t, rt, entry, append(opts, WithBackend(BackendProcess))...)
}

func TestProcessWorkerCall(t *testing.T) {
	w := spawnProcessWorker(t, "data", WithWorkerData(NewArray(String("x"), Number(2))))
	waitClosed(t, w.Online())

	res, err := w.Call(testContext(t), "data", nil)
	require.NoError(t, err)
	require.Equal(t, NewArray(String("x"), Number(2)), res)
	require.Equal(t, BackendProcess, w.Backend())
}

func TestProcessWorkerCallsParent(t *testing.T) {
	w := spawnProcessWorker(t, "twice")
	w.Hook("base", func(context.Context, *Call) (Value, error) { return Number(4), nil })

	res, err := w.Call(testContext(t), "twice", nil)
	require.NoError(t, err)
	require.Equal(t, Number(8), res)
}

func TestProcessWorkerEarlyMessages(t *testing.T) {
	w := spawnProcessWorker(t, "greet")
	waitClosed(t, w.Online())
	time.Sleep(10 * time.Millisecond)

	msgs := make(chan Value, 1)
	w.OnMessage(func(v Value) { msgs <- v })
	require.Equal(t, String("hello"), recv(t, msgs))
}

func TestProcessWorkerExitCode(t *testing.T) {
	w := spawnProcessWorker(t, "exit", WithWorkerData(Number(7)))
	require.Equal(t, 7, waitExit(t, w))
}

func TestProcessWorkerError(t *testing.T) {
	w := spawnProcessWorker(t, "fail")
	errs := make(chan error, 1)
	w.OnError(func(err error) { errs <- err })

	require.Equal(t, 1, waitExit(t, w))
	var e *Error
	require.True(t, errors.As(<-errs, &e))
	require.Equal(t, "RangeError", e.Name)
	require.Equal(t, "entry failed", e.Message)
}

func TestProcessWorkerUnknownEntry(t *testing.T) {
	w := spawnProcessWorker(t, "not-registered")
	errs := make(chan error, 1)
	w.OnError(func(err error) { errs <- err })

	require.Equal(t, 1, waitExit(t, w))
	require.ErrorIs(t, <-errs, ErrUnknownEntry)
	select {
	case <-w.Online():
		t.Fatal("worker without an entry came online")
	default:
	}
}

func TestProcessWorkerStdio(t *testing.T) {
	w := spawnProcessWorker(t, "stdio", WithStdin(true))

	_, err := io.WriteString(w.Stdin(), "over the pipe")
	require.NoError(t, err)
	require.NoError(t, w.Stdin().Close())

	out, err := io.ReadAll(w.Stdout())
	require.NoError(t, err)
	require.Equal(t, "over the pipe", string(out))
	errOut, err := io.ReadAll(w.Stderr())
	require.NoError(t, err)
	require.Equal(t, "to stderr", string(errOut))
	require.Zero(t, waitExit(t, w))
}

func TestProcessWorkerTerminate(t *testing.T) {
	w := spawnProcessWorker(t, "wait")
	waitClosed(t, w.Online())

	code, err := w.Terminate(testContext(t))
	require.NoError(t, err)
	if runtime.GOOS != "windows" {
		// killed by SIGTERM
		require.Equal(t, 128+15, code)
	}
	require.True(t, w.Closed())
}
