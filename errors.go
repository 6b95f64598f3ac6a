// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package thread

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrPortClosed      = errors.New("thread: port is closed")
	ErrPortTransferred = errors.New("thread: port already transferred")
	ErrIDCollision     = errors.New("thread: port id collision")
	ErrIDExhausted     = errors.New("thread: port id space exhausted")
	ErrDetached        = errors.New("thread: buffer is detached")
	ErrMalformed       = errors.New("thread: malformed data")
	ErrCorrupt         = errors.New("thread: corrupt frame")
	ErrFrameTooLarge   = errors.New("thread: frame too large")
	ErrTransportClosed = errors.New("thread: transport closed")

	ErrSocketClosed = errors.New("thread: socket is closed")
	ErrJobNotFound  = errors.New("thread: job not found")
	ErrJobDestroyed = errors.New("thread: job destroyed")
	ErrCallTimeout  = errors.New("thread: call timed out")
	ErrHookNotFound = errors.New("thread: hook does not exist")

	ErrUnknownBackend = errors.New("thread: unknown backend")
	ErrUnknownEntry   = errors.New("thread: unknown worker entry")
	ErrIncompatible   = errors.New("thread: incompatible protocol version")
	ErrBadHandshake   = errors.New("thread: bad handshake")
	ErrNotWorker      = errors.New("thread: process is not a worker")
	ErrPoolClosed     = errors.New("thread: pool is closed")
)

// CodeCannotTransfer is the stable code carried by every TransferError.
const CodeCannotTransfer = "ERR_CANNOT_TRANSFER"

// errorCodes lets sentinels survive a trip across the boundary: the code is
// attached to the encoded error and matched again by (*Error).Is.
var errorCodes = map[error]string{
	ErrHookNotFound:    "ERR_HOOK_NOT_FOUND",
	ErrCallTimeout:     "ERR_CALL_TIMEOUT",
	ErrJobDestroyed:    "ERR_JOB_DESTROYED",
	ErrSocketClosed:    "ERR_SOCKET_CLOSED",
	ErrPortClosed:      "ERR_PORT_CLOSED",
	ErrPortTransferred: "ERR_PORT_TRANSFERRED",
	ErrDetached:        "ERR_DETACHED",
	ErrUnknownEntry:    "ERR_UNKNOWN_ENTRY",
}

// TransferError reports a value that cannot cross a worker boundary.
type TransferError struct {
	Code   string
	Type   string
	Reason string
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("thread: cannot transfer %s: %s", e.Type, e.Reason)
}

func cannotTransfer(typ, reason string) *TransferError {
	return &TransferError{Code: CodeCannotTransfer, Type: typ, Reason: reason}
}

// builtinErrors are the error classes a remote name maps back onto.
var builtinErrors = []string{
	"EvalError",
	"RangeError",
	"ReferenceError",
	"SyntaxError",
	"TypeError",
	"URIError",
}

func (e *Error) Error() string {
	if e.Name == "" {
		return e.Message
	}
	if e.Message == "" {
		return e.Name
	}
	return e.Name + ": " + e.Message
}

// Class returns the builtin error class matching e.Name, or "Error".
func (e *Error) Class() string {
	for _, name := range builtinErrors {
		if e.Name == name {
			return name
		}
	}
	return "Error"
}

// Code returns the "code" property, if the error carries one.
func (e *Error) Code() string {
	for _, f := range e.Props {
		if f.Key == "code" {
			if s, ok := f.Value.(String); ok {
				return string(s)
			}
		}
	}
	return ""
}

// Is matches package sentinels by the code attached when they were sent.
func (e *Error) Is(target error) bool {
	code := e.Code()
	if code == "" {
		return false
	}
	want, ok := errorCodes[target]
	return ok && want == code
}

// errorValue converts a Go error into the wire representation.
func errorValue(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	out := &Error{Name: "Error", Message: err.Error()}
	var te *TransferError
	if errors.As(err, &te) {
		out.Name = "DataCloneError"
		out.Props = append(out.Props, Field{Key: "code", Value: String(te.Code)})
		return out
	}
	for sentinel, code := range errorCodes {
		if errors.Is(err, sentinel) {
			out.Props = append(out.Props, Field{Key: "code", Value: String(code)})
			break
		}
	}
	return out
}

// remoteError rebuilds an error received from the peer. Extra properties
// survive only when they hold primitive values.
func remoteError(v Value) *Error {
	src, ok := v.(*Error)
	if !ok {
		return &Error{Name: "Error", Message: describe(v)}
	}
	out := &Error{
		Name:    src.Name,
		Message: src.Message,
		Stack:   src.Stack,
	}
	if out.Name == "" {
		out.Name = "Error"
	}
	for _, f := range src.Props {
		switch f.Value.(type) {
		case Undefined, Null, Bool, Number, String, BigInt:
			out.Props = append(out.Props, f)
		}
	}
	return out
}

func describe(v Value) string {
	switch x := v.(type) {
	case nil:
		return "undefined"
	case String:
		return string(x)
	case Number:
		return fmt.Sprint(float64(x))
	case Bool:
		return fmt.Sprint(bool(x))
	default:
		return strings.ToLower(v.Kind().String())
	}
}
