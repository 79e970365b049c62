// Package fserrors defines the stable, programmatic error taxonomy shared by the
// runtime's components. Concrete errors wrap one of these codes so callers can
// classify failures with errors.As/errors.Is without depending on message text.
package fserrors

import "fmt"

// Domain identifies which component raised the error.
type Domain string

const (
	DomainProtocol Domain = "protocol"
	DomainDispatch Domain = "dispatch"
	DomainOverseer Domain = "overseer"
	DomainSlave    Domain = "slave"
	DomainGateway  Domain = "gateway"
	DomainNode     Domain = "node"
)

// Code is a stable, programmatic error identifier.
type Code string

const (
	// Protocol.
	CodeParseError        Code = "parse_error"
	CodeFrameFormatError  Code = "frame_format_error"
	CodeInsufficientBytes Code = "insufficient_bytes" // internal only, never surfaced on the wire
	CodeUnknownChannel    Code = "unknown_channel"
	CodeUnknownMessageID  Code = "unknown_message_id"

	// Dispatch.
	CodeSlotNotFound    Code = "slot_not_found"
	CodeUncaughtError   Code = "uncaught_error"
	CodeInvocationError Code = "invocation_error"
	CodeQueueIsClosed   Code = "queue_is_closed"

	// Overseer.
	CodeQueueIsFull     Code = "queue_is_full"
	CodePoolIsFull      Code = "pool_is_full"
	CodeInvalidAppState Code = "invalid_app_state"

	// Slave.
	CodeSpawnTimeout         Code = "spawn_timeout"
	CodeActivateTimeout      Code = "activate_timeout"
	CodeHeartbeatTimeout     Code = "heartbeat_timeout"
	CodeTerminateTimeout     Code = "terminate_timeout"
	CodeInvalidState         Code = "invalid_state"
	CodeControlIPCError      Code = "control_ipc_error"
	CodeOverseerShutdowning  Code = "overseer_shutdowning"
	CodeCommittedSuicide     Code = "committed_suicide"
	CodeSlaveIdle            Code = "slave_idle"
	CodeLocatorNotFound      Code = "locator_not_found"
	CodeUnknownActivateError Code = "unknown_activate_error"

	// Gateway / locator.
	CodeServiceNotAvailable Code = "service_not_available"

	// Node (external, surfaced to clients over the wire).
	CodeDeadlineError Code = "deadline_error"
	CodeResourceError Code = "resource_error"
	CodeTimeoutError  Code = "timeout_error"
)

// Error is a structured, programmatically identifiable error.
type Error struct {
	Domain Domain
	Code   Code
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s (%s): %v", e.Domain, e.Code, e.Err)
	}
	return fmt.Sprintf("%s (%s)", e.Domain, e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, fserrors.Sentinel(...)) match on code alone, regardless
// of the wrapped cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t == nil {
		return false
	}
	return e.Code == t.Code
}

// New builds a bare Error carrying only a domain/code pair.
func New(domain Domain, code Code) error {
	return &Error{Domain: domain, Code: code}
}

// Wrap attaches a domain/code pair to an underlying error. Returns nil if err is nil.
func Wrap(domain Domain, code Code, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Domain: domain, Code: code, Err: err}
}

// Sentinel returns a comparable *Error usable as an errors.Is target for a bare code.
func Sentinel(domain Domain, code Code) *Error {
	return &Error{Domain: domain, Code: code}
}
