// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package thread

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"
)

func init() {
	registerBackend(BackendProcess, spawnProcess)
}

// File descriptors of the packet stream in a process worker.
const (
	childReadFD  = 3
	childWriteFD = 4
)

// IsWorker reports whether this process was started as a process worker.
func IsWorker() bool {
	return os.Getenv(envWorkerID) != ""
}

// Main runs the worker side of a process worker and returns its exit
// code. Binaries that spawn process workers call it early in main:
//
//	if thread.IsWorker() {
//		os.Exit(thread.Main(rt))
//	}
func Main(rt *Runtime) int {
	boot, err := parseBootstrap(os.Getenv)
	if err != nil {
		rt.log.Error("worker bootstrap failed", "error", err)
		return 1
	}
	wrt := rt.fork(boot.id)
	conn := &pipeConn{
		r: os.NewFile(childReadFD, "thread-in"),
		w: os.NewFile(childWriteFD, "thread-out"),
	}
	s := NewStream(wrt, conn, WithStreamName("parent"))
	return serveWorker(context.Background(), wrt, s, boot)
}

func spawnProcess(_ context.Context, w *Worker, entry string, o *workerOptions) (session, error) {
	exe := o.exe
	if exe == "" {
		var err error
		if exe, err = os.Executable(); err != nil {
			return nil, err
		}
	}
	vars, err := bootstrap{id: w.id, entry: entry, token: w.token, data: o.data, stdin: o.stdin}.vars()
	if err != nil {
		return nil, err
	}

	toChildR, toChildW, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	fromChildR, fromChildW, err := os.Pipe()
	if err != nil {
		toChildR.Close()
		toChildW.Close()
		return nil, err
	}

	cmd := exec.Command(exe, o.args...)
	cmd.Env = append(os.Environ(), o.env...)
	for k, v := range vars {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.ExtraFiles = []*os.File{toChildR, fromChildW}
	cmd.Stdout = w.stdout
	cmd.Stderr = w.stderr
	err = cmd.Start()
	toChildR.Close()
	fromChildW.Close()
	if err != nil {
		toChildW.Close()
		fromChildR.Close()
		return nil, fmt.Errorf("start %s: %w", exe, err)
	}

	s := NewStream(w.rt, &pipeConn{r: fromChildR, w: toChildW},
		WithStreamName(fmt.Sprintf("worker-%d", w.id)),
		withController(w),
	)
	w.Socket = newSocket(s.Port(), o.hooks, o.events)
	if o.stdin {
		w.stdin = &stdioWriter{s: s, typ: PacketStdioRead, port: PortStdin}
	}
	s.Start()

	return &processSession{
		log:    w.log.With("os_pid", cmd.Process.Pid),
		cmd:    cmd,
		stream: s,
		grace:  o.grace,
		exited: make(chan struct{}),
	}, nil
}

type processSession struct {
	log    *slog.Logger
	cmd    *exec.Cmd
	stream *Stream
	grace  time.Duration
	exited chan struct{}
}

// kill sends SIGTERM and escalates to SIGKILL after the grace period.
func (s *processSession) kill(context.Context) error {
	if err := signalTerm(s.cmd.Process); err != nil {
		return err
	}
	go func() {
		t := time.NewTimer(s.grace)
		defer t.Stop()
		select {
		case <-s.exited:
		case <-t.C:
			s.log.Warn("worker ignored SIGTERM, killing", "grace", s.grace)
			if err := signalKill(s.cmd.Process); err != nil {
				s.log.Debug("kill failed", "error", err)
			}
		}
	}()
	return nil
}

func (s *processSession) wait() int {
	err := s.cmd.Wait()
	close(s.exited)
	var ee *exec.ExitError
	if err != nil && !errors.As(err, &ee) {
		s.log.Warn("worker wait failed", "error", err)
	}

	t := time.NewTimer(s.grace)
	defer t.Stop()
	select {
	case <-s.stream.Done():
	case <-t.C:
		s.stream.Close()
	}
	if s.cmd.ProcessState == nil {
		return 1
	}
	return exitStatus(s.cmd.ProcessState)
}

// pipeConn joins the two halves of a pipe pair into one duplex.
type pipeConn struct {
	r *os.File
	w *os.File
}

func (c *pipeConn) Read(b []byte) (int, error) { return c.r.Read(b) }

func (c *pipeConn) Write(b []byte) (int, error) { return c.w.Write(b) }

func (c *pipeConn) Close() error {
	return errors.Join(c.w.Close(), c.r.Close())
}
