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
	"encoding/json"
	"io"

	"github.com/tombee/agentlink/internal/connector"
	agenterrors "github.com/tombee/agentlink/pkg/errors"
)

// JSONResponse is the base envelope for all JSON output
type JSONResponse struct {
	Version string `json:"@version"`
	Command string `json:"command"`
	Success bool   `json:"success"`
}

// JSONError is a structured error with a code and an optional suggestion.
type JSONError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	Suggestion string `json:"suggestion,omitempty"`
	Retryable  bool   `json:"retryable,omitempty"`
}

type dataResponse struct {
	JSONResponse
	Data any `json:"data,omitempty"`
}

type errorResponse struct {
	JSONResponse
	Errors []JSONError `json:"errors"`
}

// EmitJSON writes response as indented JSON.
func EmitJSON(w io.Writer, response any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(response)
}

// EmitJSONData writes a successful envelope carrying data.
func EmitJSONData(w io.Writer, command string, data any) error {
	return EmitJSON(w, dataResponse{
		JSONResponse: JSONResponse{Version: "1.0", Command: command, Success: true},
		Data:         data,
	})
}

// EmitJSONError writes a failed envelope describing err.
func EmitJSONError(w io.Writer, command string, err error) error {
	return EmitJSON(w, errorResponse{
		JSONResponse: JSONResponse{Version: "1.0", Command: command, Success: false},
		Errors:       []JSONError{ToJSONError(err)},
	})
}

// ToJSONError classifies err for JSON output. Connector errors keep their
// code; anything else is reported as INTERNAL.
func ToJSONError(err error) JSONError {
	msg, suggestion := agenterrors.UserMessage(err)
	code := string(connector.CodeOf(err))
	if code == "" {
		code = "INTERNAL"
		var cfgErr *agenterrors.ConfigError
		if agenterrors.As(err, &cfgErr) {
			code = "INVALID_CONFIG"
		}
	}
	return JSONError{
		Code:       code,
		Message:    msg,
		Suggestion: suggestion,
		Retryable:  agenterrors.IsRetryable(err),
	}
}
