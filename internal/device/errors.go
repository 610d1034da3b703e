package device

import (
	"errors"
	"fmt"
)

var (
	ErrValidation         = errors.New("device: invalid command")
	ErrDevice             = errors.New("device: transport fault")
	ErrNotConnected       = errors.New("device: not connected")
	ErrUnexpectedResponse = errors.New("device: unexpected response")
	ErrRetryExhausted     = errors.New("device: expected response not received")
	ErrNoPilotFrequency   = errors.New("device: pilot frequency unassigned")
)

// TransportError is a link-level fault during one write or read. It matches
// ErrDevice and whatever the link reported.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("device: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Is(target error) bool {
	return target == ErrDevice
}

// Transport wraps a link fault for op. Nil stays nil.
func Transport(op string, err error) error {
	if err == nil {
		return nil
	}
	var te *TransportError
	if errors.As(err, &te) {
		return err
	}
	return &TransportError{Op: op, Err: err}
}

// NotConnected is the fault every link returns while it has no peer.
func NotConnected(op string) error {
	return &TransportError{Op: op, Err: ErrNotConnected}
}

// ProtocolError reports a command that never produced an acceptable response.
type ProtocolError struct {
	Command  string
	Attempts int
	Last     error
}

func (e *ProtocolError) Error() string {
	if e.Last == nil {
		return fmt.Sprintf("device: command %q: %v after %d attempts", e.Command, ErrRetryExhausted, e.Attempts)
	}
	return fmt.Sprintf("device: command %q failed after %d attempts: %v", e.Command, e.Attempts, e.Last)
}

func (e *ProtocolError) Unwrap() error {
	return e.Last
}

func (e *ProtocolError) Is(target error) bool {
	return target == ErrRetryExhausted
}

func validationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
