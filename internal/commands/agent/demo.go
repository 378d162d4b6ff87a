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
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/agentlink/internal/commands/shared"
	"github.com/tombee/agentlink/internal/connector/connectortest"
)

// demoTools are advertised by the demo agent.
var demoTools = []connectortest.Tool{
	{
		Name:        "read_sensor",
		Description: "Read the current value of a line sensor",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"sensor": map[string]any{"type": "string"}},
			"required":   []string{"sensor"},
		},
	},
	{
		Name:        "echo",
		Description: "Return the arguments as text",
		InputSchema: map[string]any{"type": "object"},
	},
}

// newDemoServer starts a fake agent on addr with the demo tools and a
// tasks/create handler.
func newDemoServer(addr string) (*connectortest.Server, error) {
	srv, err := connectortest.NewServerAt(addr)
	if err != nil {
		return nil, err
	}
	srv.SetTools(demoTools...)
	srv.Handle("tools/call", demoCall)
	srv.Handle("tasks/create", func(req connectortest.Request) (any, *connectortest.RPCError) {
		var params struct {
			Task    string         `json:"task"`
			Context map[string]any `json:"context"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil, &connectortest.RPCError{Code: -32602, Message: "invalid params"}
		}
		return map[string]any{
			"taskId":   "demo-" + strings.Trim(string(req.ID), `"`),
			"status":   "accepted",
			"task":     params.Task,
			"platform": params.Context["platform"],
		}, nil
	})
	return srv, nil
}

func demoCall(req connectortest.Request) (any, *connectortest.RPCError) {
	var params struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, &connectortest.RPCError{Code: -32602, Message: "invalid params"}
	}

	var text string
	switch params.Name {
	case "read_sensor":
		sensor, _ := params.Arguments["sensor"].(string)
		if sensor == "" {
			return textResult("**error:** `sensor` is required", true), nil
		}
		text = fmt.Sprintf("## %s\n\n| reading | unit |\n|---|---|\n| 21.4 | °C |", sensor)
	case "echo":
		data, _ := json.Marshal(params.Arguments)
		text = string(data)
	default:
		return nil, &connectortest.RPCError{Code: -32602, Message: "unknown tool: " + params.Name}
	}
	return textResult(text, false), nil
}

func textResult(text string, isError bool) map[string]any {
	return map[string]any{
		"content": []map[string]any{{"type": "text", "text": text}},
		"isError": isError,
	}
}

// NewDemoCommand creates the demo command.
func NewDemoCommand() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run a local fake agent to try the other commands against",
		Long: `Start a fake agent serving /health and a websocket session endpoint.
It advertises read_sensor and echo tools and accepts tasks. Stop it with
Ctrl-C.`,
		Example: `  agentlink demo --addr 127.0.0.1:8765 &
  agentlink tools http://127.0.0.1:8765
  agentlink call http://127.0.0.1:8765 read_sensor --arg sensor=temp_01`,
		Annotations: map[string]string{"group": "agents"},
		Args:        cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			srv, err := newDemoServer(addr)
			if err != nil {
				return shared.NewConfigError("failed to start demo agent", err)
			}
			defer srv.Close()

			out := cmd.OutOrStdout()
			if shared.GetJSON() {
				if err := shared.EmitJSONData(out, "demo", map[string]string{"url": srv.URL}); err != nil {
					return err
				}
			} else {
				fmt.Fprintln(out, shared.RenderOK("Demo agent listening on "+shared.Bold.Render(srv.URL)))
			}

			started := time.Now()
			<-ctx.Done()
			if !shared.GetJSON() {
				fmt.Fprintf(out, "served %d frames in %s\n", len(srv.Requests()), shared.FormatElapsed(time.Since(started)))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8765", "Listen address")
	return cmd
}
