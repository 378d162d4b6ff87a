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
	"encoding/json"
	"log/slog"
	"slices"
	"strings"
	"time"

	agenterrors "github.com/tombee/agentlink/pkg/errors"
)

// Status is the lifecycle state of a connection record.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnected    Status = "connected"
	StatusError        Status = "error"
)

// ProviderKind classifies the remote peer.
type ProviderKind string

const (
	// KindAgent is an autonomous agent that accepts tasks.
	KindAgent ProviderKind = "agent"
	// KindGenericLLM is a model endpoint exposing the tool protocol.
	KindGenericLLM ProviderKind = "generic-llm"
	// KindCustom is anything else.
	KindCustom ProviderKind = "custom"
)

// Valid reports whether k is a known provider kind.
func (k ProviderKind) Valid() bool {
	switch k {
	case KindAgent, KindGenericLLM, KindCustom:
		return true
	}
	return false
}

// Credential is an opaque bearer secret. It formats and logs as redacted.
type Credential string

// String implements fmt.Stringer without revealing the secret.
func (c Credential) String() string {
	if c == "" {
		return ""
	}
	return "[REDACTED]"
}

// LogValue implements slog.LogValuer.
func (c Credential) LogValue() slog.Value {
	return slog.StringValue(c.String())
}

// GoString keeps %#v from printing the secret.
func (c Credential) GoString() string {
	return `connector.Credential("` + c.String() + `")`
}

// Connection is the persistent record for one remote peer.
type Connection struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Kind         ProviderKind `json:"kind"`
	URL          string       `json:"url"`
	Credential   Credential   `json:"-"`
	Status       Status       `json:"status"`
	Capabilities []string     `json:"capabilities,omitempty"`
	// LastActivity is nil until the first probe, handshake or request.
	LastActivity *time.Time `json:"last_activity,omitempty"`
}

func (c Connection) clone() Connection {
	c.Capabilities = slices.Clone(c.Capabilities)
	if c.LastActivity != nil {
		t := *c.LastActivity
		c.LastActivity = &t
	}
	return c
}

// ConnectionSpec is the caller-supplied description of a new connection.
type ConnectionSpec struct {
	Name         string
	Kind         ProviderKind
	URL          string
	Credential   Credential
	Capabilities []string
}

// Validate checks the spec before a record is created.
func (s ConnectionSpec) Validate() error {
	switch {
	case strings.TrimSpace(s.Name) == "":
		return errValidation(&agenterrors.ValidationError{Field: "name", Message: "is required"})
	case strings.TrimSpace(s.URL) == "":
		return errValidation(&agenterrors.ValidationError{Field: "url", Message: "is required"})
	case s.Kind != "" && !s.Kind.Valid():
		return errValidation(&agenterrors.ValidationError{
			Field:      "kind",
			Message:    "unknown provider kind " + string(s.Kind),
			Suggestion: "use one of: agent, generic-llm, custom",
		})
	}
	if _, err := wsEndpoint(s.URL, "mcp"); err != nil {
		return errValidation(&agenterrors.ValidationError{Field: "url", Message: err.Error()})
	}
	return nil
}

// Tool is a capability advertised by a remote peer.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// Resource is a readable item advertised by a remote peer.
type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MIMEType    string `json:"mimeType,omitempty"`
}

// Summary counts connections by status.
type Summary struct {
	Total        int `json:"total"`
	Connected    int `json:"connected"`
	Disconnected int `json:"disconnected"`
	Error        int `json:"error"`
	OpenSessions int `json:"open_sessions"`
}
