// Package errors defines the service error taxonomy shared by the pool
// services and the HTTP layer.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode classifies a failure.
type ErrorCode string

const (
	CodeInvalidConfiguration   ErrorCode = "INVALID_CONFIGURATION"
	CodeInvalidArgument        ErrorCode = "INVALID_ARGUMENT"
	CodeNotFound               ErrorCode = "NOT_FOUND"
	CodeNotOpen                ErrorCode = "NOT_OPEN"
	CodeInvalidStateTransition ErrorCode = "INVALID_STATE_TRANSITION"
	CodePaused                 ErrorCode = "PAUSED"
	CodeCapExceeded            ErrorCode = "CAP_EXCEEDED"
	CodeInsufficientBalance    ErrorCode = "INSUFFICIENT_BALANCE"
	CodeInsufficientAllowance  ErrorCode = "INSUFFICIENT_ALLOWANCE"
	CodeTransferFailed         ErrorCode = "TRANSFER_FAILED"
	CodeNoParticipants         ErrorCode = "NO_PARTICIPANTS"
	CodeAlreadyDistributed     ErrorCode = "ALREADY_DISTRIBUTED"
	CodeAlreadyRefunded        ErrorCode = "ALREADY_REFUNDED"
	CodeAlreadyClaimed         ErrorCode = "ALREADY_CLAIMED"
	CodeNothingToClaim         ErrorCode = "NOTHING_TO_CLAIM"
	CodeUnknownRequest         ErrorCode = "UNKNOWN_REQUEST"
	CodeAlreadyFulfilled       ErrorCode = "ALREADY_FULFILLED"
	CodeNotAuthorized          ErrorCode = "NOT_AUTHORIZED"
	CodeUnauthenticated        ErrorCode = "UNAUTHENTICATED"
	CodeRateLimited            ErrorCode = "RATE_LIMITED"
	CodeInternal               ErrorCode = "INTERNAL"
)

var httpStatusByCode = map[ErrorCode]int{
	CodeInvalidConfiguration:   http.StatusBadRequest,
	CodeInvalidArgument:        http.StatusBadRequest,
	CodeNotFound:               http.StatusNotFound,
	CodeNotOpen:                http.StatusConflict,
	CodeInvalidStateTransition: http.StatusConflict,
	CodePaused:                 http.StatusConflict,
	CodeCapExceeded:            http.StatusUnprocessableEntity,
	CodeInsufficientBalance:    http.StatusPaymentRequired,
	CodeInsufficientAllowance:  http.StatusPaymentRequired,
	CodeTransferFailed:         http.StatusBadGateway,
	CodeNoParticipants:         http.StatusConflict,
	CodeAlreadyDistributed:     http.StatusConflict,
	CodeAlreadyRefunded:        http.StatusConflict,
	CodeAlreadyClaimed:         http.StatusConflict,
	CodeNothingToClaim:         http.StatusConflict,
	CodeUnknownRequest:         http.StatusNotFound,
	CodeAlreadyFulfilled:       http.StatusConflict,
	CodeNotAuthorized:          http.StatusForbidden,
	CodeUnauthenticated:        http.StatusUnauthorized,
	CodeRateLimited:            http.StatusTooManyRequests,
	CodeInternal:               http.StatusInternalServerError,
}

// ServiceError is a classified failure with an HTTP mapping.
type ServiceError struct {
	Code       ErrorCode              `json:"code"`
	Message    string                 `json:"message"`
	HTTPStatus int                    `json:"-"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Err        error                  `json:"-"`

	context string
}

// New creates a ServiceError of the given code.
func New(code ErrorCode, message string) *ServiceError {
	status, ok := httpStatusByCode[code]
	if !ok {
		status = http.StatusInternalServerError
	}
	return &ServiceError{Code: code, Message: message, HTTPStatus: status}
}

// Wrap creates a ServiceError of the given code around a cause.
func Wrap(code ErrorCode, message string, err error) *ServiceError {
	e := New(code, message)
	e.Err = err
	return e
}

func (e *ServiceError) Error() string {
	msg := e.Message
	if e.context != "" {
		msg += ": " + e.context
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

// Is matches another ServiceError by code, so a sentinel such as
// raffle.ErrCapExceeded and a freshly built CapExceeded error compare equal.
func (e *ServiceError) Is(target error) bool {
	var other *ServiceError
	if !stderrors.As(target, &other) {
		return false
	}
	if other.Message == "" {
		return e.Code == other.Code
	}
	return e.Code == other.Code && e.Message == other.Message
}

// WithDetails returns a copy carrying an extra detail entry.
func (e *ServiceError) WithDetails(key string, value interface{}) *ServiceError {
	cp := *e
	cp.Details = make(map[string]interface{}, len(e.Details)+1)
	for k, v := range e.Details {
		cp.Details[k] = v
	}
	cp.Details[key] = value
	return &cp
}

// Wrapf returns a copy of e that wraps cause and adds formatted context to
// the error string. Message is left untouched so the copy still matches e.
func (e *ServiceError) Wrapf(cause error, format string, args ...interface{}) *ServiceError {
	cp := *e
	cp.Err = cause
	if format != "" {
		cp.context = fmt.Sprintf(format, args...)
	}
	return &cp
}

// Kind returns a message-less error of the given code. errors.Is(err, Kind(c))
// reports whether err carries code c anywhere in its chain.
func Kind(code ErrorCode) error {
	return &ServiceError{Code: code}
}

// GetServiceError extracts the first ServiceError in err's chain.
func GetServiceError(err error) *ServiceError {
	var se *ServiceError
	if stderrors.As(err, &se) {
		return se
	}
	return nil
}

// CodeOf returns the code of err, or CodeInternal when err is unclassified.
func CodeOf(err error) ErrorCode {
	if se := GetServiceError(err); se != nil {
		return se.Code
	}
	return CodeInternal
}

// Is forwards to the standard library.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// As forwards to the standard library.
func As(err error, target interface{}) bool {
	return stderrors.As(err, target)
}

// Constructors used by the HTTP layer.

func Unauthorized(message string) *ServiceError {
	return New(CodeUnauthenticated, message)
}

func InvalidToken(err error) *ServiceError {
	return Wrap(CodeUnauthenticated, "invalid token", err)
}

func Forbidden(message string) *ServiceError {
	return New(CodeNotAuthorized, message)
}

func BadRequest(message string) *ServiceError {
	return New(CodeInvalidArgument, message)
}

func NotFound(resource, id string) *ServiceError {
	return New(CodeNotFound, fmt.Sprintf("%s not found", resource)).WithDetails("id", id)
}

func Internal(message string, err error) *ServiceError {
	return Wrap(CodeInternal, message, err)
}

func RateLimitExceeded(limit int, window string) *ServiceError {
	return New(CodeRateLimited, "rate limit exceeded").
		WithDetails("limit", limit).
		WithDetails("window", window)
}
