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
	"regexp"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWSEndpoint(t *testing.T) {
	tests := []struct {
		base    string
		want    string
		wantErr bool
	}{
		{base: "http://agent.local:8080", want: "ws://agent.local:8080/mcp"},
		{base: "https://agent.example.com", want: "wss://agent.example.com/mcp"},
		{base: "https://agent.example.com/api/", want: "wss://agent.example.com/api/mcp"},
		{base: "ws://h", want: "ws://h/mcp"},
		{base: "wss://h", want: "wss://h/mcp"},
		{base: "  http://h  ", want: "ws://h/mcp"},
		{base: "ftp://h", wantErr: true},
		{base: "http://", wantErr: true},
		{base: "://nope", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.base, func(t *testing.T) {
			got, err := wsEndpoint(tt.base, "mcp")
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHealthURL(t *testing.T) {
	got, err := healthURL("https://agent.example.com/", "/health")
	require.NoError(t, err)
	assert.Equal(t, "https://agent.example.com/health", got)

	got, err = healthURL("http://h/base", "health")
	require.NoError(t, err)
	assert.Equal(t, "http://h/base/health", got)
}

func TestMessage_RequestID(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{`"req_1_abc"`, "req_1_abc"},
		{`17`, "17"},
		{`null`, ""},
		{``, ""},
	}
	for _, tt := range tests {
		m := Message{ID: json.RawMessage(tt.raw)}
		assert.Equal(t, tt.want, m.RequestID(), tt.raw)
	}
}

func TestDecodeMessage(t *testing.T) {
	msg, err := decodeMessage([]byte(`{"id":"req_1","result":{"ok":true}}`))
	require.NoError(t, err)
	assert.Equal(t, "req_1", msg.RequestID())
	assert.JSONEq(t, `{"ok":true}`, string(msg.Result))

	msg, err = decodeMessage([]byte(`{"id":"req_2","error":{"code":-1,"message":"x"}}`))
	require.NoError(t, err)
	require.NotNil(t, msg.Error)
	assert.Equal(t, -1, msg.Error.Code)

	msg, err = decodeMessage([]byte(`{"method":"notifications/tools/list_changed"}`))
	require.NoError(t, err)
	assert.Equal(t, MethodToolsListChanged, msg.Method)

	for _, bad := range []string{`not json`, `{}`, `[1,2]`} {
		_, err := decodeMessage([]byte(bad))
		assert.Error(t, err, bad)
	}
}

func TestIDGenerator(t *testing.T) {
	var g idGenerator
	pattern := regexp.MustCompile(`^req_\d+_[0-9a-f]{9}$`)

	seen := make(map[string]bool)
	for range 100 {
		id := g.next()
		assert.Regexp(t, pattern, id)
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
	assert.Regexp(t, `^req_1_`, (&idGenerator{}).next())
}

func TestRequestEncoding(t *testing.T) {
	ts := timestamp(time.Date(2025, 1, 2, 3, 4, 5, 0, time.FixedZone("x", 3600)))
	data, err := json.Marshal(request{JSONRPC: jsonrpcVersion, ID: "req_1", Method: "tools/list", Params: struct{}{}, Timestamp: ts})
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":"req_1","method":"tools/list","params":{},"timestamp":"2025-01-02T02:04:05Z"}`, string(data))

	data, err = json.Marshal(request{JSONRPC: jsonrpcVersion, Method: MethodNotificationInitialized, Timestamp: ts})
	require.NoError(t, err)
	assert.NotContains(t, string(data), `"id"`)
}

func TestInitializeParams(t *testing.T) {
	params := newInitializeParams("2024-11-05", mcp.Implementation{Name: "agentlink", Version: "1.2.3"})
	data, err := json.Marshal(params)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"protocolVersion": "2024-11-05",
		"capabilities": {
			"roots": {"listChanged": true},
			"sampling": {},
			"resources": {"subscribe": true, "listChanged": true},
			"tools": {"listChanged": true},
			"prompts": {"listChanged": true}
		},
		"clientInfo": {"name": "agentlink", "version": "1.2.3"}
	}`, string(data))
}

func TestDecodeTools(t *testing.T) {
	tools, err := decodeTools(json.RawMessage(`{"tools":[
		{"name":"a","description":"first","inputSchema":{"type":"object","properties":{"x":{"type":"number"}}}},
		{"name":"b"}
	]}`))
	require.NoError(t, err)
	require.Len(t, tools, 2)
	assert.Equal(t, "first", tools[0].Description)
	assert.JSONEq(t, `{"type":"object","properties":{"x":{"type":"number"}}}`, string(tools[0].InputSchema))
	assert.Empty(t, tools[1].InputSchema)

	_, err = decodeTools(json.RawMessage(`"nope"`))
	assert.Error(t, err)
}
