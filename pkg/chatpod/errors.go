package chatpod

import (
	"errors"
	"fmt"
)

// ErrorCode classifies session-level failures. Codes appear in StateEvent
// and in error control messages on the wire.
type ErrorCode string

const (
	CodeNone        ErrorCode = "none"
	CodeDevice      ErrorCode = "device_error"
	CodeCodec       ErrorCode = "codec_error"
	CodeTransport   ErrorCode = "transport_error"
	CodeActivation  ErrorCode = "activation_error"
	CodeToolTimeout ErrorCode = "tool_timeout"
	CodeProtocol    ErrorCode = "protocol_error"
)

// Sentinel errors.
var (
	// ErrInvalidFrameSize reports a PCM frame whose sample count does not
	// match the configured frame duration. This is a programming error on
	// the capture path and fails fast.
	ErrInvalidFrameSize = errors.New("chatpod: invalid frame size")

	// ErrCaptureOverflow reports a full capture queue. Outbound speech is
	// never dropped silently, so overflow ends the session with an error.
	ErrCaptureOverflow = errors.New("chatpod: capture queue overflow")

	// ErrToolCancelled resolves pending tool calls during teardown.
	ErrToolCancelled = errors.New("chatpod: tool call cancelled")

	// ErrRetryBudgetExhausted reports that reconnection attempts ran out.
	ErrRetryBudgetExhausted = errors.New("chatpod: retry budget exhausted")

	// ErrSessionClosed reports an operation on a closed session or conn.
	ErrSessionClosed = errors.New("chatpod: session closed")
)

// DeviceError wraps a failure of an audio device (mic or speaker).
type DeviceError struct {
	Op  string // "read", "write", "open"
	Err error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("chatpod: device %s: %v", e.Op, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// DecodeError wraps a corrupt inbound packet. The frame is dropped; the
// session keeps running.
type DecodeError struct {
	Seq uint32
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("chatpod: decode packet seq=%d: %v", e.Seq, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// ActivationError reports a failed activation handshake. Statuses other
// than 200 and 202 are not retried; the device needs re-provisioning.
type ActivationError struct {
	Status  int
	Message string
}

func (e *ActivationError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("chatpod: activation failed: %s", e.Message)
	}
	return fmt.Sprintf("chatpod: activation failed (status %d): %s", e.Status, e.Message)
}

// ToolError reports a failed tool call. Timeout is set when the executor
// exceeded its deadline.
type ToolError struct {
	ID      string
	Name    string
	Timeout bool
	Message string
}

func (e *ToolError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("chatpod: tool %s (id %s) timed out", e.Name, e.ID)
	}
	return fmt.Sprintf("chatpod: tool %s (id %s): %s", e.Name, e.ID, e.Message)
}

// CodeForError maps an error to the ErrorCode surfaced in state events.
func CodeForError(err error) ErrorCode {
	if err == nil {
		return CodeNone
	}
	var devErr *DeviceError
	var decErr *DecodeError
	var actErr *ActivationError
	var toolErr *ToolError
	switch {
	case errors.As(err, &devErr):
		return CodeDevice
	case errors.As(err, &decErr), errors.Is(err, ErrInvalidFrameSize):
		return CodeCodec
	case errors.As(err, &actErr):
		return CodeActivation
	case errors.As(err, &toolErr):
		if toolErr.Timeout {
			return CodeToolTimeout
		}
		return CodeProtocol
	case errors.Is(err, ErrCaptureOverflow):
		return CodeDevice
	case errors.Is(err, ErrRetryBudgetExhausted):
		return CodeTransport
	default:
		return CodeTransport
	}
}
