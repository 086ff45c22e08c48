package sshmanager

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownConnection is returned for IDs the registry does not hold.
	ErrUnknownConnection = errors.New("unknown connection")
	// ErrNotConnected is returned when a connection exists but its transport
	// is no longer usable.
	ErrNotConnected = errors.New("connection is not connected")
)

// Connect failure stages.
const (
	OpValidate  = "validate"
	OpAuth      = "auth"
	OpDial      = "dial"
	OpHandshake = "handshake"
	OpTimeout   = "timeout"
	OpLimit     = "limit"
	OpRateLimit = "rate_limit"
)

// ConnectError reports a failed Connect. Op names the stage that failed.
type ConnectError struct {
	Op   string
	Addr string
	Err  error
}

func (e *ConnectError) Error() string {
	if e.Addr == "" {
		return fmt.Sprintf("connect %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("connect %s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// ExecError reports a command that could not be run. A command that ran and
// exited non-zero is not an error.
type ExecError struct {
	ConnectionID string
	Err          error
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("execute on %s: %v", e.ConnectionID, e.Err)
}

func (e *ExecError) Unwrap() error { return e.Err }
