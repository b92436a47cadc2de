// Copyright 2024 The Nakama Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"errors"
	"fmt"
)

var (
	ErrSessionQueueFull     = errors.New("session outgoing queue full")
	ErrRegistryConflict     = errors.New("registry transaction conflict")
	ErrBusStopped           = errors.New("message bus stopped")
	ErrStoreNotFound        = errors.New("record not found")
	ErrMissingToken         = NewRelayError(ErrorCodeAuthentication, "missing or invalid token")
	ErrConversationNotFound = NewRelayError(ErrorCodeNotFound, "conversation not found")
	ErrMessageNotFound      = NewRelayError(ErrorCodeNotFound, "message not found")
	ErrNotParticipant       = NewRelayError(ErrorCodeUnauthorized, "sender is not a participant of the conversation")
	ErrRecipientsBlocked    = NewRelayError(ErrorCodeUnauthorized, "all recipients are blocked")
)

// ErrorCode classifies failures reported to a client in an `error` event.
type ErrorCode int

const (
	ErrorCodeInternal ErrorCode = iota
	ErrorCodeAuthentication
	ErrorCodeRegistryUnavailable
	ErrorCodeValidation
	ErrorCodeUnauthorized
	ErrorCodeNotFound
	ErrorCodeUnrecognizedEvent
)

func (c ErrorCode) String() string {
	switch c {
	case ErrorCodeAuthentication:
		return "authentication_failure"
	case ErrorCodeRegistryUnavailable:
		return "registry_unavailable"
	case ErrorCodeValidation:
		return "validation_failure"
	case ErrorCodeUnauthorized:
		return "authorization_failure"
	case ErrorCodeNotFound:
		return "not_found"
	case ErrorCodeUnrecognizedEvent:
		return "unrecognized_event"
	default:
		return "internal"
	}
}

// RelayError is an error that carries a client facing code.
type RelayError struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *RelayError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *RelayError) Unwrap() error {
	return e.Err
}

// Is matches any RelayError with the same code and message, so sentinel values
// keep matching after being wrapped with a cause.
func (e *RelayError) Is(target error) bool {
	t, ok := target.(*RelayError)
	if !ok {
		return false
	}
	return t.Code == e.Code && t.Message == e.Message
}

// Wrap returns a copy of the error with the given cause attached.
func (e *RelayError) Wrap(err error) *RelayError {
	return &RelayError{Code: e.Code, Message: e.Message, Err: err}
}

func NewRelayError(code ErrorCode, message string) *RelayError {
	return &RelayError{
		Code:    code,
		Message: message,
	}
}

func NewRelayErrorf(code ErrorCode, message string, a ...any) *RelayError {
	return &RelayError{
		Code:    code,
		Message: fmt.Sprintf(message, a...),
	}
}

// ValidationError is shorthand for a ValidationFailure with a formatted reason.
func ValidationError(message string, a ...any) *RelayError {
	return NewRelayErrorf(ErrorCodeValidation, message, a...)
}

// RegistryError marks a shared registry failure. Callers degrade instead of failing the request.
func RegistryError(op string, err error) *RelayError {
	return &RelayError{Code: ErrorCodeRegistryUnavailable, Message: op, Err: err}
}

// ErrorCodeOf returns the code of the first RelayError in the chain, or ErrorCodeInternal.
func ErrorCodeOf(err error) ErrorCode {
	var relayErr *RelayError
	if errors.As(err, &relayErr) {
		return relayErr.Code
	}
	return ErrorCodeInternal
}

func RelayErrorIs(err error, code ErrorCode) bool {
	if err == nil {
		return false
	}
	return ErrorCodeOf(err) == code
}

// ClientReason is the message that is safe to send to a client for this error.
// Internal causes are not exposed.
func ClientReason(err error) string {
	var relayErr *RelayError
	if errors.As(err, &relayErr) {
		return relayErr.Message
	}
	return "internal error"
}
