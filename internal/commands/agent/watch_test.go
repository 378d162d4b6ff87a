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
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/agentlink/internal/commands/shared"
	"github.com/tombee/agentlink/internal/config"
	"github.com/tombee/agentlink/internal/connector"
)

// syncBuffer is a bytes.Buffer safe for the registry's callback goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestMonitor(t *testing.T, jsonOutput bool) (*monitor, *shared.Runtime, *syncBuffer) {
	t.Helper()
	cfg := config.Default()
	cfg.Log.Level = "error"
	cfg.Transport.PingInterval = 0
	cfg.Transport.HandshakeTimeout = 2 * time.Second
	cfg.Transport.RequestTimeout = 2 * time.Second
	cfg.Probe.Timeout = 2 * time.Second

	out := &syncBuffer{}
	m := newMonitor(out, jsonOutput)
	rt, err := shared.NewRuntime(context.Background(), shared.RuntimeOptions{
		Config:         cfg,
		LogOutput:      io.Discard,
		OnEvent:        m.onEvent,
		OnToolsChanged: m.onToolsChanged,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close() })
	m.attach(rt)
	return m, rt, out
}

func connectionConfig(name, url string, auto bool) config.ConnectionConfig {
	return config.ConnectionConfig{Name: name, Kind: "agent", URL: url, AutoSession: auto}
}

func TestMonitor_Sync(t *testing.T) {
	a := newTestAgent(t)
	b := newTestAgent(t)
	m, rt, out := newTestMonitor(t, false)
	ctx := context.Background()

	m.sync(ctx, []config.ConnectionConfig{
		connectionConfig("line1", a.URL, true),
		connectionConfig("line2", b.URL, false),
	})

	require.Len(t, rt.Registry.ListConnections(), 2)
	_, open := rt.Registry.Session(m.ids["line1"])
	assert.True(t, open, "auto_session connection should have a session")
	_, open = rt.Registry.Session(m.ids["line2"])
	assert.False(t, open)

	removedID := m.ids["line2"]
	m.sync(ctx, []config.ConnectionConfig{connectionConfig("line1", a.URL, true)})

	conns := rt.Registry.ListConnections()
	require.Len(t, conns, 1)
	assert.Equal(t, "line1", conns[0].Name)
	_, ok := rt.Registry.GetConnection(removedID)
	assert.False(t, ok)
	assert.NotContains(t, m.names, removedID)

	assert.Contains(t, out.String(), string(connector.EventSessionOpened))
	assert.Contains(t, out.String(), string(connector.EventConnectionRemoved))
}

func TestMonitor_SyncReplacesChangedConnection(t *testing.T) {
	a := newTestAgent(t)
	b := newTestAgent(t)
	m, rt, _ := newTestMonitor(t, false)
	ctx := context.Background()

	m.sync(ctx, []config.ConnectionConfig{connectionConfig("line1", a.URL, false)})
	oldID := m.ids["line1"]

	m.sync(ctx, []config.ConnectionConfig{connectionConfig("line1", b.URL, false)})
	newID := m.ids["line1"]

	assert.NotEqual(t, oldID, newID)
	conn, ok := rt.Registry.GetConnection(newID)
	require.True(t, ok)
	assert.Equal(t, b.URL, conn.URL)
	assert.Len(t, rt.Registry.ListConnections(), 1)
}

func TestMonitor_ProbeReopensDroppedSession(t *testing.T) {
	agent := newTestAgent(t)
	m, rt, _ := newTestMonitor(t, false)
	ctx := context.Background()

	m.sync(ctx, []config.ConnectionConfig{connectionConfig("line1", agent.URL, true)})
	id := m.ids["line1"]
	require.Len(t, agent.RequestsFor("initialize"), 1)

	agent.DropConnections()
	require.Eventually(t, func() bool {
		_, open := rt.Registry.Session(id)
		return !open
	}, 2*time.Second, 10*time.Millisecond)

	m.probeAll(ctx)

	_, open := rt.Registry.Session(id)
	assert.True(t, open)
	assert.Len(t, agent.RequestsFor("initialize"), 2)
}

func TestMonitor_OnEventJSON(t *testing.T) {
	var out bytes.Buffer
	m := newMonitor(&out, true)
	m.names["conn_1"] = "line1"

	m.onEvent(connector.Event{
		Type:         connector.EventProbed,
		ConnectionID: "conn_1",
		Timestamp:    time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
		Details:      map[string]any{"healthy": true},
	})

	var line map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &line))
	assert.Equal(t, "probed", line["type"])
	assert.Equal(t, "line1", line["name"])
}

func TestMonitor_OnEventText(t *testing.T) {
	var out bytes.Buffer
	m := newMonitor(&out, false)

	m.onEvent(connector.Event{
		Type:         connector.EventSessionClosed,
		ConnectionID: "conn_9",
		Message:      "peer went away",
		Timestamp:    time.Now(),
	})

	text := out.String()
	assert.Contains(t, text, "conn_9")
	assert.Contains(t, text, "session_closed")
	assert.Contains(t, text, "peer went away")
}

func TestMonitor_OnLogMessage(t *testing.T) {
	t.Run("text", func(t *testing.T) {
		var out bytes.Buffer
		m := newMonitor(&out, false)
		m.names["conn_1"] = "line1"

		err := m.onLogMessage(context.Background(), "conn_1", &connector.Message{
			Method: methodLogMessage,
			Params: json.RawMessage(`{"level":"warning","data":"belt slipping"}`),
		})
		require.NoError(t, err)
		assert.Contains(t, out.String(), "line1")
		assert.Contains(t, out.String(), "[warning] belt slipping")
	})

	t.Run("json", func(t *testing.T) {
		var out bytes.Buffer
		m := newMonitor(&out, true)

		err := m.onLogMessage(context.Background(), "conn_1", &connector.Message{
			Method: methodLogMessage,
			Params: json.RawMessage(`{"level":"info","data":{"rpm":1200}}`),
		})
		require.NoError(t, err)

		var line map[string]any
		require.NoError(t, json.Unmarshal(out.Bytes(), &line))
		assert.Equal(t, "agent_log", line["type"])
		assert.Equal(t, "info", line["level"])
		assert.Equal(t, map[string]any{"rpm": float64(1200)}, line["data"])
	})

	t.Run("malformed params", func(t *testing.T) {
		m := newMonitor(io.Discard, false)
		err := m.onLogMessage(context.Background(), "conn_1", &connector.Message{
			Method: methodLogMessage,
			Params: json.RawMessage(`"nope"`),
		})
		assert.Error(t, err)
	})
}

func TestMonitor_LogNotificationFromAgent(t *testing.T) {
	agent := newTestAgent(t)
	m, _, out := newTestMonitor(t, false)

	m.sync(context.Background(), []config.ConnectionConfig{connectionConfig("line1", agent.URL, true)})
	require.NoError(t, agent.Notify(methodLogMessage, map[string]any{"level": "error", "data": "estop pressed"}))

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "estop pressed")
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWatchCommand(t *testing.T) {
	agent := newTestAgent(t)
	path := writeConfig(t, agent.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	stdout, _, err := execute(t, ctx, "watch", "--config", path, "--no-reload", "--probe-interval", "100ms")
	require.NoError(t, err)
	assert.Contains(t, stdout, "line1")
	assert.Contains(t, stdout, string(connector.EventSessionOpened))
	assert.Contains(t, stdout, "1 connections (")
	assert.Greater(t, agent.Probes(), 1)
}

func TestServeMetrics(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	_, err = serveMetrics(l.Addr().String(), shared.NewLogger(config.Default(), io.Discard))
	require.Error(t, err)
	assert.Equal(t, shared.ExitInvalidConfig, shared.ExitCodeFor(err))
}
