//go:build !unix

// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package thread

import (
	"errors"
	"os"
)

// signalTerm has no graceful variant outside unix.
func signalTerm(p *os.Process) error {
	return signalKill(p)
}

func signalKill(p *os.Process) error {
	err := p.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

func exitStatus(ps *os.ProcessState) int {
	return ps.ExitCode()
}
