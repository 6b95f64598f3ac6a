//go:build unix

// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package thread

import (
	"errors"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

func signalTerm(p *os.Process) error {
	return signal(p, unix.SIGTERM)
}

func signalKill(p *os.Process) error {
	return signal(p, unix.SIGKILL)
}

func signal(p *os.Process, sig unix.Signal) error {
	err := unix.Kill(p.Pid, sig)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

// exitStatus follows the shell convention: a worker killed by a signal
// exits with 128 plus the signal number.
func exitStatus(ps *os.ProcessState) int {
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return ps.ExitCode()
}
