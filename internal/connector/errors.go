// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package connector

import (
	"errors"
	"fmt"
	"strings"
	"time"

	agenterrors "github.com/tombee/agentlink/pkg/errors"
)

// ErrorCode categorises connector failures.
type ErrorCode string

const (
	CodeConnectionNotFound ErrorCode = "CONNECTION_NOT_FOUND"
	CodeAlreadyOpen        ErrorCode = "ALREADY_OPEN"
	CodeHandshakeFailed    ErrorCode = "HANDSHAKE_FAILED"
	CodeNoOpenSession      ErrorCode = "NO_OPEN_SESSION"
	CodeRequestTimeout     ErrorCode = "REQUEST_TIMEOUT"
	CodeSessionClosed      ErrorCode = "SESSION_CLOSED"
	CodeRemoteError        ErrorCode = "REMOTE_ERROR"
	CodeTransportError     ErrorCode = "TRANSPORT_ERROR"
	CodeCancelled          ErrorCode = "CANCELLED"
	CodeValidation         ErrorCode = "VALIDATION"
)

// Sentinels for errors.Is. Matching compares codes only.
var (
	ErrConnectionNotFound = &Error{Code: CodeConnectionNotFound}
	ErrAlreadyOpen        = &Error{Code: CodeAlreadyOpen}
	ErrHandshakeFailed    = &Error{Code: CodeHandshakeFailed}
	ErrNoOpenSession      = &Error{Code: CodeNoOpenSession}
	ErrRequestTimeout     = &Error{Code: CodeRequestTimeout}
	ErrSessionClosed      = &Error{Code: CodeSessionClosed}
	ErrRemote             = &Error{Code: CodeRemoteError}
	ErrTransport          = &Error{Code: CodeTransportError}
	ErrCancelled          = &Error{Code: CodeCancelled}
	ErrValidation         = &Error{Code: CodeValidation}
)

// Error is a connector failure with optional detail and suggestions.
type Error struct {
	// Code is the error category.
	Code ErrorCode
	// Message is the primary error message.
	Message string
	// Detail provides additional context.
	Detail string
	// Suggestions are actionable steps to resolve the error.
	Suggestions []string
	// RemoteCode is the peer's protocol error code for CodeRemoteError.
	RemoteCode int
	// Cause is the underlying error, if any.
	Cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var sb strings.Builder
	if e.Message != "" {
		sb.WriteString(e.Message)
	} else {
		sb.WriteString(strings.ToLower(strings.ReplaceAll(string(e.Code), "_", " ")))
	}
	if e.Detail != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Detail)
	}
	if e.Cause != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Cause.Error())
	}
	return sb.String()
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// IsUserVisible implements pkg/errors.UserVisibleError.
func (e *Error) IsUserVisible() bool {
	return true
}

// UserMessage implements pkg/errors.UserVisibleError.
func (e *Error) UserMessage() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Message, e.Detail)
	}
	return e.Message
}

// Suggestion implements pkg/errors.UserVisibleError.
func (e *Error) Suggestion() string {
	if len(e.Suggestions) == 0 {
		return ""
	}
	return e.Suggestions[0]
}

// ErrorType implements pkg/errors.ErrorClassifier.
func (e *Error) ErrorType() string {
	return strings.ToLower(string(e.Code))
}

// IsRetryable implements pkg/errors.ErrorClassifier.
func (e *Error) IsRetryable() bool {
	switch e.Code {
	case CodeRequestTimeout, CodeTransportError, CodeSessionClosed:
		return true
	}
	return false
}

var (
	_ agenterrors.UserVisibleError = (*Error)(nil)
	_ agenterrors.ErrorClassifier  = (*Error)(nil)
)

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

func errConnectionNotFound(id string) *Error {
	return &Error{
		Code:        CodeConnectionNotFound,
		Message:     fmt.Sprintf("connection %q not found", id),
		Suggestions: []string{"List known connections: agentlink probe"},
		Cause:       &agenterrors.NotFoundError{Resource: "connection", ID: id},
	}
}

func errNoOpenSession(id string) *Error {
	return &Error{
		Code:        CodeNoOpenSession,
		Message:     fmt.Sprintf("connection %q has no open session", id),
		Suggestions: []string{"Initialize a session before sending requests"},
	}
}

func errHandshakeFailed(id string, cause error) *Error {
	return &Error{
		Code:    CodeHandshakeFailed,
		Message: fmt.Sprintf("handshake with connection %q failed", id),
		Suggestions: []string{
			"Check that the agent serves the protocol endpoint",
			"Verify the credential is accepted by the agent",
		},
		Cause: cause,
	}
}

func errRequestTimeout(method string, timeout time.Duration) *Error {
	return &Error{
		Code:        CodeRequestTimeout,
		Message:     fmt.Sprintf("request %s timed out", method),
		Suggestions: []string{"Increase transport.request_timeout or pass a longer timeout"},
		Cause:       &agenterrors.TimeoutError{Operation: method, Duration: timeout},
	}
}

func errSessionClosed(id string) *Error {
	return &Error{
		Code:    CodeSessionClosed,
		Message: fmt.Sprintf("session for connection %q closed", id),
	}
}

func errRemote(method string, code int, message string) *Error {
	return &Error{
		Code:       CodeRemoteError,
		Message:    fmt.Sprintf("agent rejected %s", method),
		RemoteCode: code,
		Cause:      &agenterrors.RemoteError{Method: method, Code: code, Message: message},
	}
}

func errTransport(op, endpoint string, cause error) *Error {
	return &Error{
		Code:    CodeTransportError,
		Message: "transport failure",
		Cause:   &agenterrors.TransportError{Op: op, Endpoint: endpoint, Cause: cause},
	}
}

func errCancelled(cause error) *Error {
	return &Error{
		Code:    CodeCancelled,
		Message: "request cancelled",
		Cause:   cause,
	}
}

func errValidation(cause *agenterrors.ValidationError) *Error {
	return &Error{
		Code:        CodeValidation,
		Message:     "invalid connection spec",
		Suggestions: nonEmpty(cause.Suggestion),
		Cause:       cause,
	}
}

func nonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	return []string{s}
}
