package agentloop

import (
	"errors"
	"fmt"
	"strings"

	"github.com/martinemde/turnloop/unifiedllm"
)

// UnknownToolOutput is the exact output payload returned for a function call
// whose name is not in the registry.
const UnknownToolOutput = "no function found"

var (
	// ErrUnknownTool marks a call to a name outside the registry.
	ErrUnknownTool = errors.New("unknown tool")

	// ErrCallAborted marks a call cancelled before it produced a result.
	ErrCallAborted = errors.New("function call aborted")

	// ErrSessionClosed is returned when the controller has ended.
	ErrSessionClosed = errors.New("session closed")

	// ErrTurnInProgress is returned when Submit is called while a turn runs.
	ErrTurnInProgress = errors.New("turn already in progress")

	// ErrMaxAutoTurns is returned when follow-up turns exceed the limit.
	ErrMaxAutoTurns = errors.New("automatic follow-up turn limit reached")
)

// TransportError wraps a failure to establish or keep the event stream.
type TransportError struct {
	Attempts int
	Cause    error
}

func (e *TransportError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("transport error after %d attempts: %v", e.Attempts, e.Cause)
	}
	return fmt.Sprintf("transport error: %v", e.Cause)
}

func (e *TransportError) Unwrap() error { return e.Cause }

// Retryable reports whether the underlying failure is transient.
func (e *TransportError) Retryable() bool {
	return unifiedllm.IsRetryable(e.Cause)
}

// MalformedArgumentsError is returned by the argument parser when the raw
// arguments do not satisfy the tool's schema.
type MalformedArgumentsError struct {
	Schema string
	Reason string
	Cause  error
}

func (e *MalformedArgumentsError) Error() string {
	return fmt.Sprintf("malformed arguments for %s: %s", e.Schema, e.Reason)
}

func (e *MalformedArgumentsError) Unwrap() error { return e.Cause }

// ExecutionFailure is returned by a gateway that could not run a call at
// all, for example a policy denial or a spawn failure. A command that ran and
// exited non-zero is not an ExecutionFailure.
type ExecutionFailure struct {
	Reason string // "denied", "spawn", "sandbox", "panic"
	Cause  error
}

func (e *ExecutionFailure) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("execution failed (%s): %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("execution failed (%s)", e.Reason)
}

func (e *ExecutionFailure) Unwrap() error { return e.Cause }

// ProtocolViolationError is a turn-level failure caused by an event sequence
// the consumer cannot accept. It is never retried.
type ProtocolViolationError struct {
	Reason     string
	ResponseID string
	Code       string
	Cause      error
}

func (e *ProtocolViolationError) Error() string {
	var parts []string
	parts = append(parts, "protocol violation: "+e.Reason)
	if e.Code != "" {
		parts = append(parts, "code="+e.Code)
	}
	if e.ResponseID != "" {
		parts = append(parts, "response="+e.ResponseID)
	}
	if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " ")
}

func (e *ProtocolViolationError) Unwrap() error { return e.Cause }

// ArgumentError reports invalid input to an item constructor.
type ArgumentError struct {
	Field   string
	Message string
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// LoopPhase names where in the controller a failure happened.
type LoopPhase string

// PhaseStream covers consuming the event stream and resolving its calls.
const PhaseStream LoopPhase = "stream"

// TurnError annotates a turn failure with its phase and turn number.
type TurnError struct {
	Phase LoopPhase
	Turn  int
	Cause error
}

func (e *TurnError) Error() string {
	return fmt.Sprintf("turn %d failed during %s: %v", e.Turn, e.Phase, e.Cause)
}

func (e *TurnError) Unwrap() error { return e.Cause }
