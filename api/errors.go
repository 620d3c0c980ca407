// Package api
// Author: momentics <momentics@gmail.com>
//
// Common error types and error handling utilities for pollws.

package api

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by the codec, handshake and server layers.
// Callers match them with errors.Is; producers wrap them with context.
var (
	// ErrBind is fatal: the listening socket could not be created.
	ErrBind = errors.New("bind failed")

	// Per-read decode failures. The offending connection is marked for closing.
	ErrTruncatedFrame   = errors.New("truncated frame")
	ErrInvalidBitString = errors.New("invalid bit string")
	ErrInvalidInput     = errors.New("invalid input")
	ErrInvalidPadding   = errors.New("invalid padding")
	ErrFrameTooLarge    = errors.New("frame payload exceeds maximum allowed size")
	ErrMessageTooLarge  = errors.New("message exceeds maximum allowed size")

	ErrConnectionReset   = errors.New("connection reset")
	ErrHandshakeRejected = errors.New("handshake rejected")
	ErrProtocolViolation = errors.New("protocol violation")

	ErrServerClosed = errors.New("server closed")
	ErrNotListening = errors.New("server is not listening")
	ErrNotSupported = errors.New("operation not supported")
)

// ErrorCode represents specific error conditions in the library.
type ErrorCode int

const (
	ErrCodeOK ErrorCode = iota
	ErrCodeBind
	ErrCodeDecode
	ErrCodeHandshake
	ErrCodeProtocol
	ErrCodeSocket
	ErrCodeInternal
)

func (c ErrorCode) String() string {
	switch c {
	case ErrCodeOK:
		return "ok"
	case ErrCodeBind:
		return "bind"
	case ErrCodeDecode:
		return "decode"
	case ErrCodeHandshake:
		return "handshake"
	case ErrCodeProtocol:
		return "protocol"
	case ErrCodeSocket:
		return "socket"
	default:
		return "internal"
	}
}

// Error represents a structured error with code and context.
type Error struct {
	Code    ErrorCode
	Message string
	Context map[string]any
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if len(e.Context) == 0 {
		return msg
	}
	return fmt.Sprintf("%s (context: %+v)", msg, e.Context)
}

// Unwrap exposes the wrapped cause to errors.Is / errors.As.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a new structured error.
func NewError(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Context: make(map[string]any),
	}
}

// Wrap creates a structured error around cause.
func Wrap(code ErrorCode, message string, cause error) *Error {
	e := NewError(code, message)
	e.Err = cause
	return e
}

// WithContext adds context information to the error.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// CodeOf extracts the ErrorCode carried by err, or ErrCodeInternal.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ErrCodeOK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrCodeInternal
}
