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
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
)

// Protocol method names.
const (
	MethodInitialize              = "initialize"
	MethodInitialized             = "initialized"
	MethodNotificationInitialized = "notifications/initialized"
	MethodToolsList               = "tools/list"
	MethodToolsCall               = "tools/call"
	MethodResourcesList           = "resources/list"
	MethodTasksCreate             = "tasks/create"
	MethodToolsListChanged        = "notifications/tools/list_changed"
	MethodResourcesListChanged    = "notifications/resources/list_changed"

	methodPing = "ping"
)

const (
	// DefaultProtocolVersion is offered in the handshake unless configured otherwise.
	DefaultProtocolVersion = "2024-11-05"

	jsonrpcVersion = "2.0"
)

// request is an outbound frame. Notifications omit ID.
type request struct {
	JSONRPC   string `json:"jsonrpc"`
	ID        string `json:"id,omitempty"`
	Method    string `json:"method"`
	Params    any    `json:"params,omitempty"`
	Timestamp string `json:"timestamp"`
}

// Message is a decoded inbound frame: either a response to a pending
// request or a server-initiated notification.
type Message struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RemoteError    `json:"error,omitempty"`
}

// RemoteError is the error object of a response frame.
type RemoteError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// RequestID returns the frame's id as a string. Numeric ids are returned
// in their decimal form; a missing or null id returns "".
func (m *Message) RequestID() string {
	raw := bytes.TrimSpace(m.ID)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func decodeMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("invalid frame: %w", err)
	}
	if msg.Method == "" && len(msg.ID) == 0 {
		return nil, fmt.Errorf("invalid frame: neither id nor method present")
	}
	return &msg, nil
}

// idGenerator produces req_<counter>_<random> identifiers.
type idGenerator struct {
	seq atomic.Uint64
}

func (g *idGenerator) next() string {
	n := g.seq.Add(1)
	return fmt.Sprintf("req_%d_%s", n, strings.ReplaceAll(uuid.NewString(), "-", "")[:9])
}

func newConnectionID() string {
	return "conn_" + uuid.NewString()
}

func timestamp(now time.Time) string {
	return now.UTC().Format(time.RFC3339Nano)
}

// wsEndpoint maps an agent base URL to its websocket protocol endpoint:
// http becomes ws, https becomes wss, and suffix is appended to the path.
func wsEndpoint(base, suffix string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", fmt.Errorf("invalid url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("url has no host")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(suffix, "/")
	u.RawPath = ""
	return u.String(), nil
}

// healthURL returns base with path appended.
func healthURL(base, path string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", fmt.Errorf("invalid url: %w", err)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(path, "/")
	u.RawPath = ""
	return u.String(), nil
}

type listChanged struct {
	ListChanged bool `json:"listChanged"`
}

type resourceCaps struct {
	Subscribe   bool `json:"subscribe"`
	ListChanged bool `json:"listChanged"`
}

type clientCapabilities struct {
	Roots     listChanged  `json:"roots"`
	Sampling  struct{}     `json:"sampling"`
	Resources resourceCaps `json:"resources"`
	Tools     listChanged  `json:"tools"`
	Prompts   listChanged  `json:"prompts"`
}

type initializeParams struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    clientCapabilities `json:"capabilities"`
	ClientInfo      mcp.Implementation `json:"clientInfo"`
}

func newInitializeParams(version string, info mcp.Implementation) initializeParams {
	return initializeParams{
		ProtocolVersion: version,
		Capabilities: clientCapabilities{
			Roots:     listChanged{ListChanged: true},
			Resources: resourceCaps{Subscribe: true, ListChanged: true},
			Tools:     listChanged{ListChanged: true},
			Prompts:   listChanged{ListChanged: true},
		},
		ClientInfo: info,
	}
}

type callToolParams struct {
	Name      string `json:"name"`
	Arguments any    `json:"arguments"`
}

type createTaskParams struct {
	Task    string         `json:"task"`
	Context map[string]any `json:"context"`
}

// decodeTools extracts tools from a tools/list result, keeping each
// tool's input schema as raw JSON.
func decodeTools(result json.RawMessage) ([]Tool, error) {
	var payload struct {
		Tools []json.RawMessage `json:"tools"`
	}
	if err := json.Unmarshal(result, &payload); err != nil {
		return nil, fmt.Errorf("decode tools/list result: %w", err)
	}

	tools := make([]Tool, 0, len(payload.Tools))
	for _, raw := range payload.Tools {
		var t mcp.Tool
		if err := json.Unmarshal(raw, &t); err != nil {
			return nil, fmt.Errorf("decode tool: %w", err)
		}
		var schema struct {
			InputSchema json.RawMessage `json:"inputSchema"`
		}
		_ = json.Unmarshal(raw, &schema)
		tools = append(tools, Tool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schema.InputSchema,
		})
	}
	return tools, nil
}

func decodeResources(result json.RawMessage) ([]Resource, error) {
	var payload struct {
		Resources []mcp.Resource `json:"resources"`
	}
	if err := json.Unmarshal(result, &payload); err != nil {
		return nil, fmt.Errorf("decode resources/list result: %w", err)
	}
	out := make([]Resource, 0, len(payload.Resources))
	for _, r := range payload.Resources {
		out = append(out, Resource{
			URI:         r.URI,
			Name:        r.Name,
			Description: r.Description,
			MIMEType:    r.MIMEType,
		})
	}
	return out, nil
}

// response answers a request initiated by the peer.
type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result"`
}
