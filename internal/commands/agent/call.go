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
	"context"
	"encoding/json"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tombee/agentlink/internal/commands/shared"
)

// NewCallCommand creates the call command.
func NewCallCommand() *cobra.Command {
	var (
		flags    sessionFlags
		argsJSON string
		argPairs []string
		jqExpr   string
	)

	cmd := &cobra.Command{
		Use:   "call <connection> <tool>",
		Short: "Invoke a tool on an agent",
		Long: `Open a session with the agent and invoke one of its tools.

Arguments come from --args (a JSON object) overlaid with --arg key=value
pairs. Values given with --arg are decoded as JSON when they parse, so
--arg count=3 sends a number and --arg name=line1 sends a string.

Text content returned by the tool is rendered as markdown on a terminal.
Use --jq to filter the raw result instead.`,
		Example: `  agentlink call line1 read_sensor --arg sensor=temp_01
  agentlink call line1 set_speed --args '{"rpm": 1200}' --jq '.content[0].text'`,
		Annotations: map[string]string{"group": "agents"},
		Args:        cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			toolArgs, err := mergeArgs("args", argsJSON, argPairs)
			if err != nil {
				return err
			}
			printer, err := newResultPrinter("call", jqExpr)
			if err != nil {
				return err
			}
			return withSession(cmd, args[0], flags, func(ctx context.Context, rt *shared.Runtime, id string) error {
				result, err := rt.Registry.CallTool(ctx, id, args[1], toolArgs)
				if err != nil {
					return shared.NewConnectorError("tool call failed", err)
				}
				return printer.print(ctx, cmd, result)
			})
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&argsJSON, "args", "", "Tool arguments as a JSON object")
	cmd.Flags().StringArrayVar(&argPairs, "arg", nil, "Tool argument as key=value (repeatable)")
	cmd.Flags().StringVar(&jqExpr, "jq", "", "jq expression applied to the raw result")
	return cmd
}

// NewTaskCommand creates the task command.
func NewTaskCommand() *cobra.Command {
	var (
		flags       sessionFlags
		contextJSON string
		ctxPairs    []string
		jqExpr      string
	)

	cmd := &cobra.Command{
		Use:   "task <connection> <task...>",
		Short: "Submit a task to an agent",
		Long: `Open a session with the agent and submit a task description.

The task context always carries the configured platform and the
submission timestamp. --context and --ctx entries are merged over them.`,
		Example: `  agentlink task line1 "Generate a ladder program for the conveyor interlock"
  agentlink task line1 optimise cycle time --ctx line=3 --ctx shift=night`,
		Annotations: map[string]string{"group": "agents"},
		Args:        cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			taskCtx, err := mergeArgs("context", contextJSON, ctxPairs)
			if err != nil {
				return err
			}
			printer, err := newResultPrinter("task", jqExpr)
			if err != nil {
				return err
			}
			task := strings.Join(args[1:], " ")
			return withSession(cmd, args[0], flags, func(ctx context.Context, rt *shared.Runtime, id string) error {
				result, err := rt.Registry.SendTask(ctx, id, task, taskCtx)
				if err != nil {
					return shared.NewConnectorError("task submission failed", err)
				}
				return printer.print(ctx, cmd, result)
			})
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&contextJSON, "context", "", "Task context as a JSON object")
	cmd.Flags().StringArrayVar(&ctxPairs, "ctx", nil, "Task context entry as key=value (repeatable)")
	cmd.Flags().StringVar(&jqExpr, "jq", "", "jq expression applied to the raw result")
	return cmd
}

// NewRequestCommand creates the request command.
func NewRequestCommand() *cobra.Command {
	var (
		flags      sessionFlags
		paramsJSON string
		jqExpr     string
	)

	cmd := &cobra.Command{
		Use:   "request <connection> <method>",
		Short: "Send a raw protocol request",
		Long: `Open a session and send an arbitrary request. The result is printed
as JSON. --params must be a JSON value and defaults to an empty object.`,
		Example: `  agentlink request line1 prompts/list
  agentlink request line1 resources/read --params '{"uri":"plc://line1/status"}'`,
		Annotations: map[string]string{"group": "agents"},
		Args:        cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			params := json.RawMessage(`{}`)
			if strings.TrimSpace(paramsJSON) != "" {
				if !json.Valid([]byte(paramsJSON)) {
					return shared.NewConfigError("--params must be valid JSON", nil)
				}
				params = json.RawMessage(paramsJSON)
			}
			printer, err := newResultPrinter("request", jqExpr)
			if err != nil {
				return err
			}
			return withSession(cmd, args[0], flags, func(ctx context.Context, rt *shared.Runtime, id string) error {
				result, err := rt.Registry.SendRequest(ctx, id, args[1], params, flags.timeout)
				if err != nil {
					return shared.NewConnectorError("request failed", err)
				}
				return printer.print(ctx, cmd, result)
			})
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&paramsJSON, "params", "", "Request params as JSON")
	cmd.Flags().StringVar(&jqExpr, "jq", "", "jq expression applied to the raw result")
	return cmd
}
