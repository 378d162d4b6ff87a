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

package agent

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/agentlink/internal/commands/shared"
	"github.com/tombee/agentlink/internal/connector"
	"github.com/tombee/agentlink/internal/connector/connectortest"
	"github.com/tombee/agentlink/internal/tracing"
)

func TestProbeCommand(t *testing.T) {
	t.Run("healthy agent", func(t *testing.T) {
		agent := newTestAgent(t)
		path := writeConfig(t, agent.URL)

		stdout, _, err := execute(t, nil, "probe", "--config", path)
		require.NoError(t, err)
		assert.Contains(t, stdout, "line1")
		assert.Contains(t, stdout, "connected")
		assert.Equal(t, 1, agent.Probes())
		assert.Zero(t, agent.Connections(), "probe must not open a session")
	})

	t.Run("unhealthy agent", func(t *testing.T) {
		agent := newTestAgent(t)
		agent.SetHealth(http.StatusServiceUnavailable)
		path := writeConfig(t, agent.URL)

		_, _, err := execute(t, nil, "probe", "--config", path)
		require.Error(t, err)
		assert.Equal(t, shared.ExitUnreachable, shared.ExitCodeFor(err))
		assert.Contains(t, err.Error(), "1 of 1 agents unhealthy")
	})

	t.Run("json output", func(t *testing.T) {
		agent := newTestAgent(t)
		path := writeConfig(t, agent.URL)

		stdout, _, err := execute(t, nil, "probe", "--config", path, "--json")
		require.NoError(t, err)

		var resp struct {
			Command string        `json:"command"`
			Success bool          `json:"success"`
			Data    []ProbeResult `json:"data"`
		}
		require.NoError(t, json.Unmarshal([]byte(stdout), &resp))
		assert.Equal(t, "probe", resp.Command)
		assert.True(t, resp.Success)
		require.Len(t, resp.Data, 1)
		assert.Equal(t, "line1", resp.Data[0].Name)
		assert.Equal(t, connector.StatusConnected, resp.Data[0].Status)
		assert.True(t, resp.Data[0].Healthy)
	})

	t.Run("url target", func(t *testing.T) {
		agent := newTestAgent(t)
		path := writeConfig(t, agent.URL)

		stdout, _, err := execute(t, nil, "probe", "--config", path, agent.URL, "--credential-env", testCredentialEnv)
		require.NoError(t, err)
		assert.Contains(t, stdout, "127.0.0.1")
	})
}

func TestToolsCommand(t *testing.T) {
	agent := newTestAgent(t)
	agent.SetTools(connectortest.Tool{Name: "read_sensor", Description: "Read a sensor\nwith details"})
	path := writeConfig(t, agent.URL)

	stdout, _, err := execute(t, nil, "tools", "line1", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, stdout, "read_sensor")
	assert.Contains(t, stdout, "Read a sensor")
	assert.NotContains(t, stdout, "with details")
	assert.Equal(t, []string{"Bearer cli-secret"}, agent.AuthHeaders())
}

func TestResourcesCommand(t *testing.T) {
	agent := newTestAgent(t)
	path := writeConfig(t, agent.URL)

	stdout, _, err := execute(t, nil, "resources", "line1", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, stdout, "No resources advertised.")
}

func TestCallCommand(t *testing.T) {
	t.Run("arguments and jq", func(t *testing.T) {
		agent := newTestAgent(t)
		path := writeConfig(t, agent.URL)

		stdout, _, err := execute(t, nil, "call", "line1", "echo", "--config", path,
			"--args", `{"message":"hi","count":1}`, "--arg", "count=3", "--jq", ".count")
		require.NoError(t, err)
		assert.Equal(t, "3\n", stdout)

		calls := agent.RequestsFor("tools/call")
		require.Len(t, calls, 1)
		var params struct {
			Name      string         `json:"name"`
			Arguments map[string]any `json:"arguments"`
		}
		require.NoError(t, json.Unmarshal(calls[0].Params, &params))
		assert.Equal(t, "echo", params.Name)
		assert.Equal(t, map[string]any{"message": "hi", "count": float64(3)}, params.Arguments)
	})

	t.Run("text content", func(t *testing.T) {
		agent := newTestAgent(t)
		agent.Handle("tools/call", demoCall)
		path := writeConfig(t, agent.URL)

		stdout, _, err := execute(t, nil, "call", "line1", "read_sensor", "--config", path, "--arg", "sensor=temp_01")
		require.NoError(t, err)
		assert.Contains(t, stdout, "temp_01")
		assert.Contains(t, stdout, "21.4")
	})

	t.Run("tool error result", func(t *testing.T) {
		agent := newTestAgent(t)
		agent.Handle("tools/call", demoCall)
		path := writeConfig(t, agent.URL)

		stdout, _, err := execute(t, nil, "call", "line1", "read_sensor", "--config", path)
		require.Error(t, err)
		assert.Equal(t, shared.ExitRemoteError, shared.ExitCodeFor(err))
		assert.Contains(t, stdout, "sensor")
	})

	t.Run("invalid jq makes no connection", func(t *testing.T) {
		agent := newTestAgent(t)
		path := writeConfig(t, agent.URL)

		_, _, err := execute(t, nil, "call", "line1", "echo", "--config", path, "--jq", ".[")
		require.Error(t, err)
		assert.Equal(t, shared.ExitInvalidConfig, shared.ExitCodeFor(err))
		assert.Zero(t, agent.Probes())
	})

	t.Run("unknown connection", func(t *testing.T) {
		agent := newTestAgent(t)
		path := writeConfig(t, agent.URL)

		_, _, err := execute(t, nil, "call", "nope", "echo", "--config", path)
		require.Error(t, err)
		assert.Equal(t, shared.ExitInvalidConfig, shared.ExitCodeFor(err))
	})
}

func TestTaskCommand(t *testing.T) {
	agent := newTestAgent(t)
	var got struct {
		Task    string         `json:"task"`
		Context map[string]any `json:"context"`
	}
	agent.Handle("tasks/create", func(req connectortest.Request) (any, *connectortest.RPCError) {
		if err := json.Unmarshal(req.Params, &got); err != nil {
			return nil, &connectortest.RPCError{Code: -32602, Message: err.Error()}
		}
		return map[string]any{"taskId": "t-1", "status": "accepted"}, nil
	})
	path := writeConfig(t, agent.URL)

	stdout, _, err := execute(t, nil, "task", "line1", "optimise", "cycle", "time", "--config", path,
		"--context", `{"line":1}`, "--ctx", "line=3", "--ctx", "shift=night", "--jq", ".taskId")
	require.NoError(t, err)
	assert.Equal(t, "t-1\n", stdout)

	assert.Equal(t, "optimise cycle time", got.Task)
	assert.Equal(t, float64(3), got.Context["line"])
	assert.Equal(t, "night", got.Context["shift"])
	assert.Equal(t, "industrial_automation", got.Context["platform"])
	assert.NotEmpty(t, got.Context["timestamp"])
}

func TestRequestCommand(t *testing.T) {
	t.Run("remote error", func(t *testing.T) {
		agent := newTestAgent(t)
		path := writeConfig(t, agent.URL)

		_, _, err := execute(t, nil, "request", "line1", "prompts/list", "--config", path)
		require.Error(t, err)
		assert.Equal(t, shared.ExitRemoteError, shared.ExitCodeFor(err))
	})

	t.Run("json envelope", func(t *testing.T) {
		agent := newTestAgent(t)
		agent.Handle("prompts/list", func(req connectortest.Request) (any, *connectortest.RPCError) {
			return map[string]any{"prompts": []string{"triage"}}, nil
		})
		path := writeConfig(t, agent.URL)

		stdout, _, err := execute(t, nil, "request", "line1", "prompts/list", "--config", path, "--json")
		require.NoError(t, err)

		var resp struct {
			Success bool `json:"success"`
			Data    struct {
				Prompts []string `json:"prompts"`
			} `json:"data"`
		}
		require.NoError(t, json.Unmarshal([]byte(stdout), &resp))
		assert.True(t, resp.Success)
		assert.Equal(t, []string{"triage"}, resp.Data.Prompts)
	})

	t.Run("invalid params", func(t *testing.T) {
		agent := newTestAgent(t)
		path := writeConfig(t, agent.URL)

		_, _, err := execute(t, nil, "request", "line1", "x", "--config", path, "--params", "{bad")
		require.Error(t, err)
		assert.Equal(t, shared.ExitInvalidConfig, shared.ExitCodeFor(err))
	})
}

func TestSessionCommand(t *testing.T) {
	agent := newTestAgent(t)
	agent.SetTools(connectortest.Tool{Name: "echo"})
	path := writeConfig(t, agent.URL)

	stdout, _, err := execute(t, nil, "session", "line1", "--config", path, "--json")
	require.NoError(t, err)

	var resp struct {
		Data SessionInfo `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &resp))
	assert.Equal(t, "line1", resp.Data.Name)
	assert.Equal(t, "connectortest", resp.Data.ServerName)
	assert.Equal(t, "2024-11-05", resp.Data.ProtocolVersion)
	assert.Equal(t, []string{"echo"}, resp.Data.Tools)
	assert.NotContains(t, stdout, "cli-secret")

	ids := agent.CorrelationIDs()
	require.Len(t, ids, 1)
	assert.True(t, tracing.CorrelationID(ids[0]).IsValid(), "correlation id %q", ids[0])
}

func TestConnectCommand(t *testing.T) {
	agent := newTestAgent(t)
	path := writeConfig(t, agent.URL)
	t.Setenv(shared.DefaultCredentialEnv, "connect-secret")

	stdout, stderr, err := execute(t, nil, "connect", agent.URL, "--config", path)
	require.NoError(t, err)
	assert.Contains(t, stdout, "connectortest")
	assert.Equal(t, []string{"Bearer connect-secret"}, agent.AuthHeaders())
	assert.NotContains(t, stdout+stderr, "connect-secret")
}

func TestParseKeyValues(t *testing.T) {
	got, err := parseKeyValues([]string{"n=3", "s=line1", "b=true", "o={\"a\":1}", "empty="})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"n":     float64(3),
		"s":     "line1",
		"b":     true,
		"o":     map[string]any{"a": float64(1)},
		"empty": "",
	}, got)

	_, err = parseKeyValues([]string{"novalue"})
	require.Error(t, err)
	assert.Equal(t, shared.ExitInvalidConfig, shared.ExitCodeFor(err))

	_, err = parseKeyValues([]string{"=x"})
	require.Error(t, err)
}

func TestMergeArgs(t *testing.T) {
	got, err := mergeArgs("args", `{"a":1,"b":2}`, []string{"b=5"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": float64(1), "b": float64(5)}, got)

	got, err = mergeArgs("args", "", nil)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.NotNil(t, got)

	_, err = mergeArgs("args", `[1,2]`, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--args must be a JSON object")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
	assert.Equal(t, "ab", truncate("abcdef", 2))
}
