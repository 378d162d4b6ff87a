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
	"context"
	"encoding/json"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/agentlink/internal/connector/connectortest"
)

func TestOpen_Handshake(t *testing.T) {
	agent := newTestAgent(t)
	reg := newTestRegistry(t)
	id := openAgent(t, reg, agent)

	conn, ok := reg.GetConnection(id)
	require.True(t, ok)
	assert.Equal(t, StatusConnected, conn.Status)

	s, ok := reg.Session(id)
	require.True(t, ok)
	assert.Equal(t, id, s.ConnectionID())
	assert.Equal(t, "connectortest", s.ServerInfo().Name)
	assert.Equal(t, "2024-11-05", s.ProtocolVersion())
	assert.Contains(t, s.Endpoint(), "/mcp")

	assert.Equal(t, []string{"Bearer " + string(testCredential)}, agent.AuthHeaders())

	inits := agent.RequestsFor(MethodInitialize)
	require.Len(t, inits, 1)
	var params struct {
		ProtocolVersion string `json:"protocolVersion"`
		Capabilities    struct {
			Roots     struct{ ListChanged bool } `json:"roots"`
			Resources struct {
				Subscribe   bool `json:"subscribe"`
				ListChanged bool `json:"listChanged"`
			} `json:"resources"`
			Tools struct{ ListChanged bool } `json:"tools"`
		} `json:"capabilities"`
		ClientInfo struct {
			Name    string `json:"name"`
			Version string `json:"version"`
		} `json:"clientInfo"`
	}
	require.NoError(t, json.Unmarshal(inits[0].Params, &params))
	assert.Equal(t, DefaultProtocolVersion, params.ProtocolVersion)
	assert.True(t, params.Capabilities.Roots.ListChanged)
	assert.True(t, params.Capabilities.Resources.Subscribe)
	assert.True(t, params.Capabilities.Tools.ListChanged)
	assert.Equal(t, "agentlink", params.ClientInfo.Name)
	assert.NotEmpty(t, inits[0].Timestamp)

	notices := waitForRequests(t, agent, MethodNotificationInitialized, 1)
	assert.True(t, notices[0].IsNotification())
}

func TestOpen_AlreadyOpenReturnsSession(t *testing.T) {
	agent := newTestAgent(t)
	reg := newTestRegistry(t)
	id := openAgent(t, reg, agent)

	first, _ := reg.Session(id)
	second, err := reg.transport.Open(context.Background(), id)
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, 1, agent.Connections())
}

func TestOpen_ConcurrentCallsShareOneDial(t *testing.T) {
	agent := newTestAgent(t)
	reg := newTestRegistry(t)
	id := addAgent(t, reg, agent)

	var wg sync.WaitGroup
	sessions := make([]*Session, 5)
	for i := range sessions {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := reg.transport.Open(context.Background(), id)
			assert.NoError(t, err)
			sessions[i] = s
		}(i)
	}
	wg.Wait()

	for _, s := range sessions[1:] {
		assert.Same(t, sessions[0], s)
	}
	assert.Len(t, agent.RequestsFor(MethodInitialize), 1)
}

func TestOpen_UnknownConnection(t *testing.T) {
	reg := newTestRegistry(t)
	err := reg.InitializeSession(context.Background(), "conn_missing")
	require.ErrorIs(t, err, ErrConnectionNotFound)
}

func TestOpen_HandshakeRejected(t *testing.T) {
	agent := newTestAgent(t)
	agent.Handle(MethodInitialize, func(connectortest.Request) (any, *connectortest.RPCError) {
		return nil, &connectortest.RPCError{Code: -32602, Message: "unsupported protocol version"}
	})
	reg := newTestRegistry(t)
	id := addAgent(t, reg, agent)

	err := reg.InitializeSession(context.Background(), id)
	require.ErrorIs(t, err, ErrHandshakeFailed)
	require.ErrorIs(t, err, ErrRemote)

	conn, _ := reg.GetConnection(id)
	assert.Equal(t, StatusError, conn.Status)
	_, ok := reg.Session(id)
	assert.False(t, ok)
	require.Eventually(t, func() bool { return agent.Connections() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestOpen_HandshakeTimeout(t *testing.T) {
	agent := newTestAgent(t)
	agent.Silence(MethodInitialize)
	reg := newTestRegistry(t, func(o *Options) { o.HandshakeTimeout = 50 * time.Millisecond })
	id := addAgent(t, reg, agent)

	err := reg.InitializeSession(context.Background(), id)
	require.ErrorIs(t, err, ErrHandshakeFailed)
	require.ErrorIs(t, err, ErrRequestTimeout)

	conn, _ := reg.GetConnection(id)
	assert.Equal(t, StatusError, conn.Status)
	assert.Equal(t, 0, reg.PendingRequests(id))
}

func TestOpen_DialFailure(t *testing.T) {
	srv := httptest.NewServer(nil)
	url := srv.URL
	srv.Close()

	reg := newTestRegistry(t)
	id, err := reg.AddConnection(context.Background(), ConnectionSpec{Name: "gone", URL: url})
	require.NoError(t, err)

	err = reg.InitializeSession(context.Background(), id)
	require.ErrorIs(t, err, ErrTransport)

	conn, _ := reg.GetConnection(id)
	assert.Equal(t, StatusError, conn.Status)
}

func TestSession_RemoteDropFailsPending(t *testing.T) {
	agent := newTestAgent(t)
	agent.Silence("slow/op")
	reg := newTestRegistry(t)
	id := openAgent(t, reg, agent)

	errs := make(chan error, 2)
	for range 2 {
		go func() {
			_, err := reg.SendRequest(context.Background(), id, "slow/op", nil, 5*time.Second)
			errs <- err
		}()
	}
	waitForRequests(t, agent, "slow/op", 2)
	agent.DropConnections()

	for range 2 {
		select {
		case err := <-errs:
			assert.ErrorIs(t, err, ErrSessionClosed)
		case <-time.After(2 * time.Second):
			t.Fatal("pending request not failed on session close")
		}
	}
	require.Eventually(t, func() bool {
		conn, _ := reg.GetConnection(id)
		return conn.Status == StatusDisconnected
	}, 2*time.Second, 5*time.Millisecond)
	_, ok := reg.Session(id)
	assert.False(t, ok)
}

func TestSession_LocalCloseFailsPending(t *testing.T) {
	agent := newTestAgent(t)
	agent.Silence("slow/op")
	reg := newTestRegistry(t)
	id := openAgent(t, reg, agent)

	errs := make(chan error, 2)
	for range 2 {
		go func() {
			_, err := reg.SendRequest(context.Background(), id, "slow/op", nil, 5*time.Second)
			errs <- err
		}()
	}
	waitForRequests(t, agent, "slow/op", 2)

	reg.transport.Close(id)
	reg.transport.Close(id)

	for range 2 {
		assert.ErrorIs(t, <-errs, ErrSessionClosed)
	}
	conn, _ := reg.GetConnection(id)
	assert.Equal(t, StatusDisconnected, conn.Status)
	require.Eventually(t, func() bool { return agent.Disconnects() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, agent.CloseFrames())
}

func TestSession_ReopenAfterClose(t *testing.T) {
	agent := newTestAgent(t)
	reg := newTestRegistry(t)
	id := openAgent(t, reg, agent)

	reg.transport.Close(id)
	require.NoError(t, reg.InitializeSession(context.Background(), id))

	res, err := reg.CallTool(context.Background(), id, "echo", map[string]int{"a": 1})
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(res))
}

func TestReadLoop_DropsUndecodableFrames(t *testing.T) {
	agent := newTestAgent(t)
	reg := newTestRegistry(t)
	id := openAgent(t, reg, agent)

	require.NoError(t, agent.Send([]byte("not json")))
	require.NoError(t, agent.Send([]byte(`{"jsonrpc":"2.0"}`)))

	res, err := reg.CallTool(context.Background(), id, "echo", map[string]int{"a": 1})
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(res))
}

func TestReadLoop_RoutesNotifications(t *testing.T) {
	agent := newTestAgent(t)
	reg := newTestRegistry(t)
	id := openAgent(t, reg, agent)

	got := make(chan json.RawMessage, 1)
	reg.OnNotification(MethodFilter("progress/update"), func(_ context.Context, connID string, msg *Message) error {
		assert.Equal(t, id, connID)
		got <- msg.Params
		return nil
	})

	require.NoError(t, agent.Notify("progress/update", map[string]int{"percent": 40}))
	select {
	case params := <-got:
		assert.JSONEq(t, `{"percent":40}`, string(params))
	case <-time.After(2 * time.Second):
		t.Fatal("notification not delivered")
	}
}

func TestReadLoop_AnswersPing(t *testing.T) {
	agent := newTestAgent(t)
	reg := newTestRegistry(t)
	openAgent(t, reg, agent)

	require.NoError(t, agent.Send([]byte(`{"jsonrpc":"2.0","id":"srv-1","method":"ping"}`)))
	require.Eventually(t, func() bool {
		for _, r := range agent.Requests() {
			if r.Method == "" && string(r.ID) == `"srv-1"` {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSession_RateLimiter(t *testing.T) {
	agent := newTestAgent(t)
	reg := newTestRegistry(t, func(o *Options) { o.RequestsPerSecond = 50 })
	id := openAgent(t, reg, agent)

	s, _ := reg.Session(id)
	require.NotNil(t, s.limiter)
	assert.InDelta(t, 50, float64(s.limiter.Limit()), 0.001)

	_, err := reg.CallTool(context.Background(), id, "echo", nil)
	require.NoError(t, err)
}

func TestSession_Keepalive(t *testing.T) {
	agent := newTestAgent(t)
	reg := newTestRegistry(t, func(o *Options) { o.PingInterval = 10 * time.Millisecond })
	id := openAgent(t, reg, agent)

	time.Sleep(50 * time.Millisecond)
	_, ok := reg.Session(id)
	assert.True(t, ok, "pings should not disturb the session")
}

func TestSession_KeepaliveDetectsUnresponsivePeer(t *testing.T) {
	agent := newTestAgent(t)
	reg := newTestRegistry(t, func(o *Options) { o.PingInterval = 20 * time.Millisecond })
	id := openAgent(t, reg, agent)

	agent.Stall()

	require.Eventually(t, func() bool {
		conn, _ := reg.GetConnection(id)
		return conn.Status == StatusDisconnected
	}, 2*time.Second, 10*time.Millisecond)
	_, ok := reg.Session(id)
	assert.False(t, ok)
}

func TestSession_ClosedStateVisibleToFailedCallers(t *testing.T) {
	agent := newTestAgent(t)
	agent.Silence("slow/op")
	reg := newTestRegistry(t)
	id := openAgent(t, reg, agent)

	errs := make(chan error, 1)
	go func() {
		_, err := reg.SendRequest(context.Background(), id, "slow/op", nil, 5*time.Second)
		errs <- err
	}()
	waitForRequests(t, agent, "slow/op", 1)
	agent.DropConnections()

	select {
	case err := <-errs:
		require.ErrorIs(t, err, ErrSessionClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("pending request not failed on session close")
	}

	conn, _ := reg.GetConnection(id)
	assert.Equal(t, StatusDisconnected, conn.Status)
	_, ok := reg.Session(id)
	assert.False(t, ok)
}
