// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package thread

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// ProtocolVersion is the wire protocol spoken by this package. A worker
// announces it in the OPEN packet.
const ProtocolVersion = "1.0.0"

// protocolConstraint is the range of worker versions a parent accepts.
const protocolConstraint = "^1.0.0"

var acceptedVersions = func() *semver.Constraints {
	c, err := semver.NewConstraint(protocolConstraint)
	if err != nil {
		panic(err)
	}
	return c
}()

// handshake is the OPEN payload: [version, token].
func handshake(token string) Value {
	return NewArray(String(ProtocolVersion), String(token))
}

// checkHandshake validates the OPEN payload sent by a worker.
func checkHandshake(v Value, token string) error {
	arr, ok := v.(*Array)
	if !ok || arr.Len() != 2 {
		return fmt.Errorf("%w: open payload is %s", ErrBadHandshake, describe(v))
	}
	raw, vok := arr.Elems[0].(String)
	got, tok := arr.Elems[1].(String)
	if !vok || !tok {
		return fmt.Errorf("%w: open payload must be [version, token]", ErrBadHandshake)
	}
	ver, err := semver.NewVersion(string(raw))
	if err != nil {
		return fmt.Errorf("%w: version %q: %w", ErrBadHandshake, raw, err)
	}
	if !acceptedVersions.Check(ver) {
		return fmt.Errorf("%w: worker speaks %s, want %s", ErrIncompatible, ver, protocolConstraint)
	}
	if string(got) != token {
		return fmt.Errorf("%w: session token mismatch", ErrBadHandshake)
	}
	return nil
}
