// Copyright (C) 2026 phurth
// License: AGPL-3.0-only

package session

import "fmt"

// ConnectKind classifies why a connect attempt failed.
type ConnectKind int

const (
	ConnectUnreachable ConnectKind = iota
	ConnectAuthRejected
	ConnectTimeout
)

func (k ConnectKind) String() string {
	switch k {
	case ConnectAuthRejected:
		return "auth rejected"
	case ConnectTimeout:
		return "timeout"
	default:
		return "unreachable"
	}
}

// ConnectError reports a failed connect-and-handshake attempt.
type ConnectError struct {
	Kind      ConnectKind
	Transport Transport
	Err       error
}

func (e *ConnectError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("connect %s: %s: %v", e.Transport, e.Kind, e.Err)
	}
	return fmt.Sprintf("connect %s: %s", e.Transport, e.Kind)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// ExecKind classifies a failed command execution.
type ExecKind int

const (
	ExecNotConnected ExecKind = iota
	ExecTimeout
	ExecProtocol
)

func (k ExecKind) String() string {
	switch k {
	case ExecTimeout:
		return "timeout"
	case ExecProtocol:
		return "protocol error"
	default:
		return "not connected"
	}
}

// ExecError reports a failed command on an established session.
type ExecError struct {
	Kind ExecKind
	Op   string
	Err  error
}

func (e *ExecError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *ExecError) Unwrap() error { return e.Err }
