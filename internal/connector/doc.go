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

/*
Package connector maintains persistent sessions to external agents and
multiplexes protocol requests over them.

A Registry owns every piece of connection state: records, open sessions,
in-flight requests and notification subscriptions. There is no global
instance; construct one with New and share it.

# Lifecycle

	reg, err := connector.New(connector.DefaultOptions())
	if err != nil {
	    return err
	}
	defer reg.Close()

	id, err := reg.AddConnection(ctx, connector.ConnectionSpec{
	    Name: "Agent1",
	    Kind: connector.KindAgent,
	    URL:  "https://agent.example.com",
	})
	if err := reg.InitializeSession(ctx, id); err != nil {
	    return err
	}
	tools := reg.ListTools(ctx, id)

AddConnection registers a record and runs a health probe against
<url>/health. InitializeSession dials <url>/mcp over a websocket and
performs the initialize handshake. Once a session is open, requests are
correlated to responses by identifier; frames that match no pending
request are dispatched as notifications.

# Errors

Every failure surfaced by this package is an *Error carrying an
ErrorCode. Use errors.Is against the Err* sentinels, or CodeOf:

	_, err := reg.SendRequest(ctx, id, "tools/list", nil, 0)
	if errors.Is(err, connector.ErrRequestTimeout) { ... }
*/
package connector
