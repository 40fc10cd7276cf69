package errors

import (
	"errors"
	"fmt"
)

// Error represents a domain error with a stable wire code. Codes are part of
// the API contract: clients and the settlement decision engine match on them,
// and verification-time codes surface verbatim into reasonCodes.
type Error struct {
	Code       string                 `json:"code"`
	Message    string                 `json:"message"`
	HTTPStatus int                    `json:"-"`
	Err        error                  `json:"-"`
	Details    map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap implements the unwrap interface for error chaining
func (e *Error) Unwrap() error {
	return e.Err
}

// Is implements error comparison for errors.Is
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithDetails returns a copy carrying an additional contextual detail.
func (e *Error) WithDetails(key string, value interface{}) *Error {
	clone := e.clone()
	clone.Details[key] = value
	return clone
}

// WithMessage returns a copy with a replacement message.
func (e *Error) WithMessage(msg string) *Error {
	clone := e.clone()
	clone.Message = msg
	return clone
}

// Wrap returns a copy wrapping an underlying error.
func (e *Error) Wrap(err error) *Error {
	clone := e.clone()
	clone.Err = err
	return clone
}

func (e *Error) clone() *Error {
	details := make(map[string]interface{}, len(e.Details))
	for k, v := range e.Details {
		details[k] = v
	}
	return &Error{
		Code:       e.Code,
		Message:    e.Message,
		HTTPStatus: e.HTTPStatus,
		Err:        e.Err,
		Details:    details,
	}
}

// From extracts a *Error from err, or nil if the chain has none.
func From(err error) *Error {
	var domainErr *Error
	if errors.As(err, &domainErr) {
		return domainErr
	}
	return nil
}

// CodeOf returns the stable code of err, or INTERNAL_ERROR for plain errors.
func CodeOf(err error) string {
	if e := From(err); e != nil {
		return e.Code
	}
	return "INTERNAL_ERROR"
}
