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

package shared

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/tombee/agentlink/internal/connector"
	agenterrors "github.com/tombee/agentlink/pkg/errors"
)

// Exit codes for agentlink commands
const (
	ExitSuccess       = 0
	ExitFailed        = 1
	ExitInvalidConfig = 2
	ExitUnreachable   = 3 // agent could not be reached or the session failed
	ExitRemoteError   = 4 // agent answered with an error
	ExitTimeout       = 5
)

// ExitError is an error that carries an exit code
type ExitError struct {
	Code    int
	Message string
	Cause   error
}

func (e *ExitError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Cause
}

// NewConfigError creates an error for unusable configuration or arguments.
func NewConfigError(msg string, cause error) *ExitError {
	return &ExitError{Code: ExitInvalidConfig, Message: msg, Cause: cause}
}

// NewConnectorError wraps a connector failure with the exit code for its
// category.
func NewConnectorError(msg string, cause error) *ExitError {
	return &ExitError{Code: ExitCodeFor(cause), Message: msg, Cause: cause}
}

// ExitCodeFor picks the process exit code for err.
func ExitCodeFor(err error) int {
	if err == nil {
		return ExitSuccess
	}

	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}

	var cfgErr *agenterrors.ConfigError
	if errors.As(err, &cfgErr) {
		return ExitInvalidConfig
	}

	switch connector.CodeOf(err) {
	case connector.CodeValidation:
		return ExitInvalidConfig
	case connector.CodeConnectionNotFound, connector.CodeNoOpenSession, connector.CodeHandshakeFailed,
		connector.CodeTransportError, connector.CodeSessionClosed:
		return ExitUnreachable
	case connector.CodeRemoteError:
		return ExitRemoteError
	case connector.CodeRequestTimeout:
		return ExitTimeout
	}
	return ExitFailed
}

// HandleExitError reports err for command and exits with the appropriate
// code. With --json the error is written to stdout as a JSON envelope.
func HandleExitError(command string, err error) {
	if err == nil {
		return
	}
	if GetJSON() {
		_ = EmitJSONError(os.Stdout, command, err)
	} else {
		PrintError(os.Stderr, err)
	}
	os.Exit(ExitCodeFor(err))
}

// PrintError writes err and, if the chain carries one, a suggestion.
func PrintError(w io.Writer, err error) {
	fmt.Fprintln(w, "Error:", err.Error())
	if _, suggestion := agenterrors.UserMessage(err); suggestion != "" {
		fmt.Fprintf(w, "\nSuggestion: %s\n", suggestion)
	}
}
