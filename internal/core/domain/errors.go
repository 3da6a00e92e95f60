package domain

import (
	"errors"
	"fmt"
)

var (
	ErrConnection       = errors.New("connection failed")
	ErrNotConnected     = errors.New("not connected")
	ErrDecryption       = errors.New("decryption failed")
	ErrSignaling        = errors.New("signaling failed")
	ErrCapabilityDenied = errors.New("capability denied")
	ErrInvalidChannel   = errors.New("invalid channel name")
	ErrClosed           = errors.New("client closed")
)

type ConnectionError struct {
	Cause error
}

func NewConnectionError(cause error) *ConnectionError {
	return &ConnectionError{Cause: cause}
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection failed: %v", e.Cause)
}

func (e *ConnectionError) Unwrap() []error { return []error{ErrConnection, e.Cause} }

type DecryptionError struct {
	Channel   string
	MessageID string
	Cause     error
}

func (e *DecryptionError) Error() string {
	return fmt.Sprintf("decrypt message %q on channel %q: %v", e.MessageID, e.Channel, e.Cause)
}

func (e *DecryptionError) Unwrap() []error { return []error{ErrDecryption, e.Cause} }

type SignalingError struct {
	RemoteID string
	Type     SignalType
	Cause    error
}

func (e *SignalingError) Error() string {
	return fmt.Sprintf("signaling %s from %q: %v", e.Type, e.RemoteID, e.Cause)
}

func (e *SignalingError) Unwrap() []error { return []error{ErrSignaling, e.Cause} }

type CapabilityError struct {
	Channel   string
	Operation Operation
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("capability denied: %s on %q", e.Operation, e.Channel)
}

func (e *CapabilityError) Unwrap() error { return ErrCapabilityDenied }
