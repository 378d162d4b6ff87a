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
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tombee/agentlink/internal/connector/connectortest"
)

const testCredential = Credential("secret-token-1234")

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRegistry(t *testing.T, mutate ...func(*Options)) *Registry {
	t.Helper()
	opts := DefaultOptions()
	opts.Logger = discardLogger()
	opts.PingInterval = 0
	opts.HandshakeTimeout = 2 * time.Second
	opts.RequestTimeout = 2 * time.Second
	opts.ProbeTimeout = 2 * time.Second
	for _, m := range mutate {
		m(&opts)
	}
	reg, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })
	return reg
}

func newTestAgent(t *testing.T) *connectortest.Server {
	t.Helper()
	agent := connectortest.NewServer()
	t.Cleanup(agent.Close)
	return agent
}

func addAgent(t *testing.T, reg *Registry, agent *connectortest.Server) string {
	t.Helper()
	id, err := reg.AddConnection(context.Background(), ConnectionSpec{
		Name:       "Agent1",
		Kind:       KindAgent,
		URL:        agent.URL,
		Credential: testCredential,
	})
	require.NoError(t, err)
	return id
}

func openAgent(t *testing.T, reg *Registry, agent *connectortest.Server) string {
	t.Helper()
	id := addAgent(t, reg, agent)
	require.NoError(t, reg.InitializeSession(context.Background(), id))
	return id
}

// waitForRequests blocks until the agent has received n frames for method.
func waitForRequests(t *testing.T, agent *connectortest.Server, method string, n int) []connectortest.Request {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(agent.RequestsFor(method)) >= n
	}, 2*time.Second, 5*time.Millisecond)
	return agent.RequestsFor(method)
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}
