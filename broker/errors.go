// Copyright 2026 The Courier Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"errors"
	"fmt"
)

// Error is a structured broker failure. The code travels on the wire
// in error responses so clients can branch without parsing messages.
// Callers inside the process use errors.As:
//
//	var brokerErr *Error
//	if errors.As(err, &brokerErr) {
//	    if brokerErr.Code == CodeRateLimited { ... }
//	}
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("broker: %s: %s", e.Code, e.Message)
}

// Error codes. Auth and session failures share deliberately vague
// messages so a response never reveals whether an instance id exists.
const (
	CodeAuth           = "AUTH_FAILED"
	CodeSessionExpired = "SESSION_EXPIRED"
	CodeSessionInvalid = "SESSION_INVALID"
	CodeSessionMissing = "SESSION_MISSING"
	CodeRateLimited    = "RATE_LIMITED"
	CodeConflict       = "CONFLICT"
	CodeMalformed      = "MALFORMED"
	CodeInternal       = "INTERNAL"
)

func errAuth() *Error {
	return &Error{Code: CodeAuth, Message: "Invalid auth token"}
}

func errSessionExpired() *Error {
	return &Error{Code: CodeSessionExpired, Message: "Session expired"}
}

func errSessionInvalid() *Error {
	return &Error{Code: CodeSessionInvalid, Message: "Invalid or missing session token"}
}

func errSessionMissing() *Error {
	return &Error{Code: CodeSessionMissing, Message: "Invalid or missing session token"}
}

func errRateLimited(message string) *Error {
	return &Error{Code: CodeRateLimited, Message: message}
}

func errConflict(message string) *Error {
	return &Error{Code: CodeConflict, Message: message}
}

func errMalformed(message string) *Error {
	return &Error{Code: CodeMalformed, Message: message}
}

func errInternal(err error) *Error {
	return &Error{Code: CodeInternal, Message: err.Error()}
}

// IsCode checks whether err is a *Error with the given code.
func IsCode(err error, code string) bool {
	var brokerErr *Error
	if errors.As(err, &brokerErr) {
		return brokerErr.Code == code
	}
	return false
}
