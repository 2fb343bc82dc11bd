package kasaerr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
)

// ErrorType represents the category of error that occurred
type ErrorType int

const (
	// ErrTypeAuth indicates bad credentials or a handshake hash mismatch
	ErrTypeAuth ErrorType = iota
	// ErrTypeSessionExpired indicates the device no longer accepts the session
	ErrTypeSessionExpired
	// ErrTypeConnect indicates a socket level failure (refused, reset, unreachable)
	ErrTypeConnect
	// ErrTypeTimeout indicates a request timeout
	ErrTypeTimeout
	// ErrTypeDevice indicates a per-method error code reported by firmware
	ErrTypeDevice
	// ErrTypeDecode indicates a malformed or undecryptable response
	ErrTypeDecode
)

// String returns a human-readable name for the error type
func (et ErrorType) String() string {
	switch et {
	case ErrTypeAuth:
		return "Authentication Error"
	case ErrTypeSessionExpired:
		return "Session Expired"
	case ErrTypeConnect:
		return "Connect Error"
	case ErrTypeTimeout:
		return "Timeout"
	case ErrTypeDevice:
		return "Device Error"
	case ErrTypeDecode:
		return "Protocol Decode Error"
	default:
		return fmt.Sprintf("ErrorType(%d)", int(et))
	}
}

// Error is the error type returned by transports and protocols
type Error struct {
	Type      ErrorType // Category of error
	Code      ErrorCode // Device status code, Success when not applicable
	Method    string    // Method name for per-call errors
	Message   string    // Human-readable error message
	Host      string    // Device host (for context)
	Err       error     // Underlying error (if any)
	Retryable bool      // Whether the protocol layer may retry
}

// Error implements the error interface
func (e *Error) Error() string {
	msg := e.Message
	if e.Host != "" {
		msg = fmt.Sprintf("%s: %s", e.Host, msg)
	}
	if e.Method != "" {
		msg = fmt.Sprintf("%s [%s]", msg, e.Method)
	}
	if e.Code != Success {
		msg = fmt.Sprintf("%s: %s", msg, e.Code)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Type, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, msg)
}

// Unwrap returns the underlying error for error chain inspection
func (e *Error) Unwrap() error {
	return e.Err
}

// WithHost returns a copy of the error annotated with the device host
func (e *Error) WithHost(host string) *Error {
	cp := *e
	cp.Host = host
	return &cp
}

// NewAuthError creates a terminal authentication error
func NewAuthError(message string) *Error {
	return &Error{Type: ErrTypeAuth, Message: message}
}

// NewAuthCodeError creates an authentication error carrying a device code
func NewAuthCodeError(message string, code ErrorCode) *Error {
	return &Error{Type: ErrTypeAuth, Code: code, Message: message}
}

// NewSessionExpiredError creates a recoverable session error
func NewSessionExpiredError(message string, code ErrorCode) *Error {
	return &Error{Type: ErrTypeSessionExpired, Code: code, Message: message, Retryable: true}
}

// NewConnectError creates a connection error with automatic classification
func NewConnectError(message string, err error) *Error {
	classified := ClassifyNetworkError(err, "")
	if classified != nil {
		classified.Message = message
		return classified
	}
	return &Error{Type: ErrTypeConnect, Message: message, Retryable: true}
}

// NewTimeoutError creates a timeout error
func NewTimeoutError(message string, err error) *Error {
	return &Error{Type: ErrTypeTimeout, Message: message, Err: err, Retryable: true}
}

// NewDeviceError creates a per-method device error. Retryability follows the
// code table.
func NewDeviceError(method string, code ErrorCode) *Error {
	return &Error{
		Type:      ErrTypeDevice,
		Code:      code,
		Method:    method,
		Message:   "device returned error",
		Retryable: code.Category() == CategoryRetryable,
	}
}

// NewDecodeError creates a protocol decode error
func NewDecodeError(message string, err error) *Error {
	return &Error{Type: ErrTypeDecode, Message: message, Err: err}
}

// FromCode builds the error matching the category of a top-level device code.
// It returns nil for Success.
func FromCode(message string, code ErrorCode) *Error {
	switch code.Category() {
	case CategorySuccess:
		return nil
	case CategorySessionInvalid:
		return NewSessionExpiredError(message, code)
	case CategoryAuthentication:
		return NewAuthCodeError(message, code)
	default:
		e := NewDeviceError("", code)
		e.Message = message
		return e
	}
}

// ClassifyNetworkError analyzes a socket or HTTP client error and returns a
// Connect or Timeout error. Host-down style errors are not retryable.
func ClassifyNetworkError(err error, host string) *Error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err) {
		return &Error{Type: ErrTypeTimeout, Message: "request timed out", Host: host, Err: err, Retryable: true}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Type: ErrTypeTimeout, Message: "request timed out", Host: host, Err: err, Retryable: true}
	}

	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return &Error{Type: ErrTypeConnect, Message: "device refused connection", Host: host, Err: err}
	case errors.Is(err, syscall.EHOSTUNREACH):
		return &Error{Type: ErrTypeConnect, Message: "host unreachable", Host: host, Err: err}
	case errors.Is(err, syscall.EHOSTDOWN):
		return &Error{Type: ErrTypeConnect, Message: "host down", Host: host, Err: err}
	case errors.Is(err, syscall.ENETUNREACH):
		return &Error{Type: ErrTypeConnect, Message: "network unreachable", Host: host, Err: err}
	}

	return &Error{Type: ErrTypeConnect, Message: "connection error", Host: host, Err: err, Retryable: true}
}

func asError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// TypeOf returns the ErrorType of err, ok is false for foreign errors
func TypeOf(err error) (ErrorType, bool) {
	if e, ok := asError(err); ok {
		return e.Type, true
	}
	return 0, false
}

// CodeOf returns the device code carried by err, or Success
func CodeOf(err error) ErrorCode {
	if e, ok := asError(err); ok {
		return e.Code
	}
	return Success
}

func isType(err error, t ErrorType) bool {
	typ, ok := TypeOf(err)
	return ok && typ == t
}

// IsAuthError checks if an error is an authentication error
func IsAuthError(err error) bool { return isType(err, ErrTypeAuth) }

// IsSessionExpired checks if an error is a session expiry
func IsSessionExpired(err error) bool { return isType(err, ErrTypeSessionExpired) }

// IsConnectError checks if an error is a connection error
func IsConnectError(err error) bool { return isType(err, ErrTypeConnect) }

// IsTimeout checks if an error is a timeout
func IsTimeout(err error) bool { return isType(err, ErrTypeTimeout) }

// IsDeviceError checks if an error is a per-method device error
func IsDeviceError(err error) bool { return isType(err, ErrTypeDevice) }

// IsDecodeError checks if an error is a protocol decode error
func IsDecodeError(err error) bool { return isType(err, ErrTypeDecode) }

// IsRetryable checks if an error should be retried
func IsRetryable(err error) bool {
	if e, ok := asError(err); ok {
		return e.Retryable
	}
	// Unknown errors are not retryable by default
	return false
}
