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
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/agentlink/internal/connector/connectortest"
	"github.com/tombee/agentlink/internal/log"
	"github.com/tombee/agentlink/internal/tracing"
)

func TestNew_RejectsInvalidOptions(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Options)
	}{
		{"negative retries", func(o *Options) { o.ProbeRetryAttempts = -1 }},
		{"negative rate", func(o *Options) { o.RequestsPerSecond = -1 }},
		{"negative frame size", func(o *Options) { o.MaxMessageBytes = -1 }},
		{"negative ping", func(o *Options) { o.PingInterval = -time.Second }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := DefaultOptions()
			tt.mutate(&opts)
			_, err := New(opts)
			require.ErrorIs(t, err, ErrValidation)
		})
	}
}

func TestNew_ZeroOptionsUseDefaults(t *testing.T) {
	reg, err := New(Options{})
	require.NoError(t, err)
	defer reg.Close()

	assert.Equal(t, "agentlink", reg.opts.ClientInfo.Name)
	assert.Equal(t, "mcp", reg.opts.ProtocolSuffix)
	assert.Equal(t, "/health", reg.opts.HealthPath)
	assert.Equal(t, DefaultRequestTimeout, reg.opts.RequestTimeout)
	assert.Equal(t, time.Duration(0), reg.opts.PingInterval)
}

func TestAddConnection_Validation(t *testing.T) {
	reg := newTestRegistry(t)
	tests := []struct {
		name  string
		spec  ConnectionSpec
		field string
	}{
		{"missing name", ConnectionSpec{URL: "http://x"}, "name"},
		{"missing url", ConnectionSpec{Name: "a"}, "url"},
		{"unknown kind", ConnectionSpec{Name: "a", URL: "http://x", Kind: "robot"}, "kind"},
		{"bad scheme", ConnectionSpec{Name: "a", URL: "ftp://x"}, "url"},
		{"no host", ConnectionSpec{Name: "a", URL: "http://"}, "url"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := reg.AddConnection(context.Background(), tt.spec)
			require.ErrorIs(t, err, ErrValidation)
			assert.Contains(t, err.Error(), tt.field)
		})
	}
	assert.Empty(t, reg.ListConnections())
}

func TestAddConnection_ProbeDeterminesStatus(t *testing.T) {
	agent := newTestAgent(t)
	reg := newTestRegistry(t)

	agent.SetHealth(http.StatusServiceUnavailable)
	down, err := reg.AddConnection(context.Background(), ConnectionSpec{Name: "Agent1", URL: agent.URL})
	require.NoError(t, err)

	agent.SetHealth(http.StatusOK)
	up, err := reg.AddConnection(context.Background(), ConnectionSpec{Name: "Agent2", URL: agent.URL})
	require.NoError(t, err)

	conn, _ := reg.GetConnection(down)
	assert.Equal(t, StatusError, conn.Status)
	assert.Equal(t, KindCustom, conn.Kind)
	conn, _ = reg.GetConnection(up)
	assert.Equal(t, StatusConnected, conn.Status)

	ok, err := reg.TestConnection(context.Background(), down)
	require.NoError(t, err)
	assert.True(t, ok)
	conn, _ = reg.GetConnection(down)
	assert.Equal(t, StatusConnected, conn.Status)
}

func TestConnectAgent(t *testing.T) {
	agent := newTestAgent(t)
	reg := newTestRegistry(t)

	id, err := reg.ConnectAgent(context.Background(), testCredential, agent.URL)
	require.NoError(t, err)

	conn, _ := reg.GetConnection(id)
	assert.Equal(t, AgentPresetName, conn.Name)
	assert.Equal(t, KindAgent, conn.Kind)
	assert.Equal(t, AgentPresetCapabilities, conn.Capabilities)
	assert.Equal(t, StatusConnected, conn.Status)
}

func TestConnectAgent_DefaultURL(t *testing.T) {
	var probed string
	var mu sync.Mutex
	client := &http.Client{Transport: roundTripFunc(func(req *http.Request) (*http.Response, error) {
		mu.Lock()
		probed = req.URL.String()
		mu.Unlock()
		return nil, errors.New("offline")
	})}
	reg := newTestRegistry(t, func(o *Options) { o.HTTPClient = client })

	id, err := reg.ConnectAgent(context.Background(), testCredential, "")
	require.NoError(t, err)

	conn, _ := reg.GetConnection(id)
	assert.Equal(t, DefaultAgentURL, conn.URL)
	assert.Equal(t, StatusError, conn.Status)
	mu.Lock()
	assert.Equal(t, DefaultAgentURL+"/health", probed)
	mu.Unlock()
}

func TestCallTool_RoundTrip(t *testing.T) {
	agent := newTestAgent(t)
	reg := newTestRegistry(t)
	id := openAgent(t, reg, agent)

	result, err := reg.CallTool(context.Background(), id, "x", map[string]any{"a": 1})
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(result))

	calls := agent.RequestsFor(MethodToolsCall)
	require.Len(t, calls, 1)
	assert.JSONEq(t, `{"name":"x","arguments":{"a":1}}`, string(calls[0].Params))
}

func TestCallTool_RemoteError(t *testing.T) {
	agent := newTestAgent(t)
	agent.Handle(MethodToolsCall, func(connectortest.Request) (any, *connectortest.RPCError) {
		return nil, &connectortest.RPCError{Code: 42, Message: "tool exploded"}
	})
	reg := newTestRegistry(t)
	id := openAgent(t, reg, agent)

	_, err := reg.CallTool(context.Background(), id, "x", nil)
	require.ErrorIs(t, err, ErrRemote)
	assert.Equal(t, CodeRemoteError, CodeOf(err))
	assert.Contains(t, err.Error(), "tool exploded")
}

func TestRequests_WithoutSession(t *testing.T) {
	agent := newTestAgent(t)
	reg := newTestRegistry(t)
	id := addAgent(t, reg, agent)

	_, err := reg.SendTask(context.Background(), id, "build", nil)
	require.ErrorIs(t, err, ErrNoOpenSession)
	_, err = reg.CallTool(context.Background(), id, "x", map[string]int{"a": 1})
	require.ErrorIs(t, err, ErrNoOpenSession)
	assert.Equal(t, 0, reg.PendingRequests(""))

	_, err = reg.SendRequest(context.Background(), "conn_missing", "tools/list", nil, 0)
	require.ErrorIs(t, err, ErrConnectionNotFound)
}

func TestSendTask_MergesContext(t *testing.T) {
	agent := newTestAgent(t)
	agent.Handle(MethodTasksCreate, func(connectortest.Request) (any, *connectortest.RPCError) {
		return map[string]string{"taskId": "t-1"}, nil
	})
	fixed := time.Date(2025, 6, 1, 8, 30, 0, 0, time.UTC)
	reg := newTestRegistry(t, func(o *Options) { o.Now = func() time.Time { return fixed } })
	id := openAgent(t, reg, agent)

	result, err := reg.SendTask(context.Background(), id, "generate ladder logic", map[string]any{
		"line":     "packaging",
		"platform": "override",
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"taskId":"t-1"}`, string(result))

	tasks := agent.RequestsFor(MethodTasksCreate)
	require.Len(t, tasks, 1)
	assert.JSONEq(t, `{
		"task": "generate ladder logic",
		"context": {"line": "packaging", "platform": "override", "timestamp": "2025-06-01T08:30:00Z"}
	}`, string(tasks[0].Params))
}

func TestSendTask_DefaultContext(t *testing.T) {
	agent := newTestAgent(t)
	agent.Handle(MethodTasksCreate, func(connectortest.Request) (any, *connectortest.RPCError) {
		return map[string]string{}, nil
	})
	reg := newTestRegistry(t)
	id := openAgent(t, reg, agent)

	_, err := reg.SendTask(context.Background(), id, "t", nil)
	require.NoError(t, err)

	var params struct {
		Context map[string]any `json:"context"`
	}
	require.NoError(t, json.Unmarshal(agent.RequestsFor(MethodTasksCreate)[0].Params, &params))
	assert.Equal(t, "industrial_automation", params.Context["platform"])
	assert.NotEmpty(t, params.Context["timestamp"])
}

func TestListTools(t *testing.T) {
	agent := newTestAgent(t)
	agent.SetTools(
		connectortest.Tool{Name: "read_tag", Description: "Read a PLC tag", InputSchema: map[string]any{"type": "object"}},
		connectortest.Tool{Name: "write_tag"},
	)
	reg := newTestRegistry(t)
	id := openAgent(t, reg, agent)

	tools := reg.ListTools(context.Background(), id)
	require.Len(t, tools, 2)
	assert.Equal(t, "read_tag", tools[0].Name)
	assert.Equal(t, "Read a PLC tag", tools[0].Description)
	assert.JSONEq(t, `{"type":"object"}`, string(tools[0].InputSchema))
	assert.Equal(t, "write_tag", tools[1].Name)
}

func TestListTools_FailureIsEmpty(t *testing.T) {
	agent := newTestAgent(t)
	agent.Handle(MethodToolsList, func(connectortest.Request) (any, *connectortest.RPCError) {
		return nil, &connectortest.RPCError{Code: -32601, Message: "nope"}
	})
	reg := newTestRegistry(t)
	id := openAgent(t, reg, agent)

	tools := reg.ListTools(context.Background(), id)
	assert.NotNil(t, tools)
	assert.Empty(t, tools)

	unopened := addAgent(t, reg, agent)
	assert.Empty(t, reg.ListTools(context.Background(), unopened))
}

func TestListResources(t *testing.T) {
	agent := newTestAgent(t)
	agent.Handle(MethodResourcesList, func(connectortest.Request) (any, *connectortest.RPCError) {
		return map[string]any{"resources": []map[string]string{
			{"uri": "plc://line1/tags", "name": "tags", "mimeType": "application/json"},
		}}, nil
	})
	reg := newTestRegistry(t)
	id := openAgent(t, reg, agent)

	resources, err := reg.ListResources(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, resources, 1)
	assert.Equal(t, Resource{URI: "plc://line1/tags", Name: "tags", MIMEType: "application/json"}, resources[0])
}

func TestListChangedNotificationsRefresh(t *testing.T) {
	agent := newTestAgent(t)
	agent.SetTools(connectortest.Tool{Name: "first"})

	toolsCh := make(chan []Tool, 1)
	resourcesCh := make(chan []Resource, 1)
	reg := newTestRegistry(t, func(o *Options) {
		o.OnToolsChanged = func(_ string, tools []Tool) { toolsCh <- tools }
		o.OnResourcesChanged = func(_ string, resources []Resource) { resourcesCh <- resources }
	})
	openAgent(t, reg, agent)

	agent.SetTools(connectortest.Tool{Name: "first"}, connectortest.Tool{Name: "second"})
	require.NoError(t, agent.Notify(MethodToolsListChanged, nil))
	select {
	case tools := <-toolsCh:
		require.Len(t, tools, 2)
		assert.Equal(t, "second", tools[1].Name)
	case <-time.After(2 * time.Second):
		t.Fatal("tools not refreshed")
	}

	require.NoError(t, agent.Notify(MethodResourcesListChanged, nil))
	select {
	case resources := <-resourcesCh:
		assert.Empty(t, resources)
	case <-time.After(2 * time.Second):
		t.Fatal("resources not refreshed")
	}
}

func TestInitializedNotificationMarksConnected(t *testing.T) {
	agent := newTestAgent(t)
	reg := newTestRegistry(t)
	id := openAgent(t, reg, agent)

	reg.store.UpdateStatus(id, StatusError)
	require.NoError(t, agent.Notify(MethodInitialized, nil))
	require.Eventually(t, func() bool {
		conn, _ := reg.GetConnection(id)
		return conn.Status == StatusConnected
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRemoveConnection(t *testing.T) {
	agent := newTestAgent(t)
	reg := newTestRegistry(t)
	id := openAgent(t, reg, agent)

	assert.True(t, reg.RemoveConnection(id))
	_, ok := reg.GetConnection(id)
	assert.False(t, ok)
	_, ok = reg.Session(id)
	assert.False(t, ok)

	require.Eventually(t, func() bool { return agent.Disconnects() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, agent.CloseFrames())

	assert.False(t, reg.RemoveConnection(id))
	assert.False(t, reg.RemoveConnection("conn_missing"))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, agent.Disconnects())
}

func TestSummary(t *testing.T) {
	agent := newTestAgent(t)
	reg := newTestRegistry(t)
	openAgent(t, reg, agent)
	addAgent(t, reg, agent)
	agent.SetHealth(http.StatusBadGateway)
	addAgent(t, reg, agent)

	assert.Equal(t, Summary{Total: 3, Connected: 2, Error: 1, OpenSessions: 1}, reg.Summary())
}

func TestEvents(t *testing.T) {
	agent := newTestAgent(t)
	var mu sync.Mutex
	var types []EventType
	reg := newTestRegistry(t, func(o *Options) {
		o.OnEvent = func(e Event) {
			mu.Lock()
			defer mu.Unlock()
			types = append(types, e.Type)
		}
	})
	id := openAgent(t, reg, agent)
	reg.RemoveConnection(id)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []EventType{
		EventProbed,
		EventSessionOpened,
		EventSessionClosed,
		EventConnectionRemoved,
	}, types)
}

func TestClose(t *testing.T) {
	agent := newTestAgent(t)
	reg := newTestRegistry(t)
	id := openAgent(t, reg, agent)

	require.NoError(t, reg.Close())
	require.NoError(t, reg.Close())

	conn, ok := reg.GetConnection(id)
	require.True(t, ok)
	assert.Equal(t, StatusDisconnected, conn.Status)
	require.ErrorIs(t, reg.InitializeSession(context.Background(), id), ErrSessionClosed)
}

func TestCredentialNeverLogged(t *testing.T) {
	var buf bytes.Buffer
	var mu sync.Mutex
	logger := slog.New(slog.NewJSONHandler(&lockedWriter{w: &buf, mu: &mu}, &slog.HandlerOptions{Level: log.LevelTrace}))

	agent := newTestAgent(t)
	reg := newTestRegistry(t, func(o *Options) { o.Logger = logger })
	id := openAgent(t, reg, agent)
	_, err := reg.CallTool(context.Background(), id, "x", nil)
	require.NoError(t, err)
	conn, _ := reg.GetConnection(id)
	logger.Info("snapshot", "connection", conn, "credential", conn.Credential)
	require.NoError(t, reg.Close())

	mu.Lock()
	defer mu.Unlock()
	assert.NotEmpty(t, buf.String())
	assert.NotContains(t, buf.String(), string(testCredential))
}

type lockedWriter struct {
	w  *bytes.Buffer
	mu *sync.Mutex
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

func TestInitializeSession_SendsCorrelationID(t *testing.T) {
	agent := newTestAgent(t)
	reg := newTestRegistry(t)

	openAgent(t, reg, agent)
	ids := agent.CorrelationIDs()
	require.Len(t, ids, 1)
	assert.True(t, tracing.CorrelationID(ids[0]).IsValid(), "minted id %q", ids[0])

	id := addAgent(t, reg, agent)
	want := tracing.NewCorrelationID()
	ctx := tracing.ToContext(context.Background(), want)
	require.NoError(t, reg.InitializeSession(ctx, id))
	ids = agent.CorrelationIDs()
	require.Len(t, ids, 2)
	assert.Equal(t, want.String(), ids[1])
}

func TestOnNotificationAsync_HandlerCanCallBack(t *testing.T) {
	agent := newTestAgent(t)
	reg := newTestRegistry(t, func(o *Options) { o.RequestTimeout = 500 * time.Millisecond })
	id := openAgent(t, reg, agent)

	results := make(chan error, 1)
	reg.OnNotificationAsync(MethodFilter("custom/changed"), func(ctx context.Context, connID string, _ *Message) error {
		_, err := reg.CallTool(ctx, connID, "refresh", nil)
		results <- err
		return err
	})

	require.NoError(t, agent.Notify("custom/changed", nil))
	select {
	case err := <-results:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not complete")
	}
	assert.Len(t, agent.RequestsFor(MethodToolsCall), 1)
	conn, _ := reg.GetConnection(id)
	assert.Equal(t, StatusConnected, conn.Status)
}
