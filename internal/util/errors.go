package util

import (
	"errors"
	"fmt"
)

// ErrorCode is the machine-readable code surfaced in error documents
type ErrorCode string

const (
	// CodeBadData marks malformed stubs, predicates, behaviors or requests
	CodeBadData ErrorCode = "bad data"
	// CodeInvalidInjection marks user scripts that threw or are not allowed
	CodeInvalidInjection ErrorCode = "invalid injection"
	// CodeInvalidProxy marks proxy destinations that cannot be reached
	CodeInvalidProxy ErrorCode = "invalid proxy"
	// CodeNoSuchResource marks lookups of imposters or stubs that do not exist
	CodeNoSuchResource ErrorCode = "no such resource"
	CodeInvalidOperation   ErrorCode = "invalid operation"
	CodeResourceConflict   ErrorCode = "resource conflict"
	CodeCannotStartServer  ErrorCode = "cannot start server"
	CodeInsufficientAccess ErrorCode = "insufficient access"
)

// MountebankError is the error document returned to API and imposter callers
type MountebankError struct {
	Code    ErrorCode   `json:"code"`
	Message string      `json:"message"`
	Source  interface{} `json:"source,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// Error implements the error interface
func (e *MountebankError) Error() string {
	if e.Data != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewValidationError creates a new validation error
func NewValidationError(message string, source interface{}) *MountebankError {
	return &MountebankError{
		Code:    CodeBadData,
		Message: message,
		Source:  source,
	}
}

// NewInjectionError creates a new injection error
func NewInjectionError(message string, source interface{}, data interface{}) *MountebankError {
	return &MountebankError{
		Code:    CodeInvalidInjection,
		Message: message,
		Source:  source,
		Data:    data,
	}
}

// NewInvalidProxyError creates an error for unreachable proxy destinations
func NewInvalidProxyError(message string, source interface{}) *MountebankError {
	return &MountebankError{
		Code:    CodeInvalidProxy,
		Message: message,
		Source:  source,
	}
}

// NewProtocolError creates an error raised when an imposter cannot be started
func NewProtocolError(message string, source interface{}, data interface{}) *MountebankError {
	return &MountebankError{
		Code:    CodeCannotStartServer,
		Message: message,
		Source:  source,
		Data:    data,
	}
}

// NewMissingResourceError creates a new missing resource error
func NewMissingResourceError(message string, source interface{}) *MountebankError {
	return &MountebankError{
		Code:    CodeNoSuchResource,
		Message: message,
		Source:  source,
	}
}

func NewInvalidOperationError(message string, source interface{}) *MountebankError {
	return &MountebankError{
		Code:    CodeInvalidOperation,
		Message: message,
		Source:  source,
	}
}

func NewResourceConflictError(message string, source interface{}) *MountebankError {
	return &MountebankError{
		Code:    CodeResourceConflict,
		Message: message,
		Source:  source,
	}
}

// NewInsufficientAccessError creates a new insufficient access error
func NewInsufficientAccessError(message string) *MountebankError {
	return &MountebankError{
		Code:    CodeInsufficientAccess,
		Message: message,
	}
}

// AsMountebankError unwraps err into a *MountebankError when it carries one
func AsMountebankError(err error) (*MountebankError, bool) {
	var mbErr *MountebankError
	if errors.As(err, &mbErr) {
		return mbErr, true
	}
	return nil, false
}

// HasCode reports whether err carries a MountebankError with the given code
func HasCode(err error, code ErrorCode) bool {
	mbErr, ok := AsMountebankError(err)
	return ok && mbErr.Code == code
}

// ToMountebankError converts any error into an error document, keeping
// structured errors as they are.
func ToMountebankError(err error, fallback ErrorCode) *MountebankError {
	if mbErr, ok := AsMountebankError(err); ok {
		return mbErr
	}
	return &MountebankError{Code: fallback, Message: err.Error()}
}
