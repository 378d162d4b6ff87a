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
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tombee/agentlink/internal/commands/shared"
	"github.com/tombee/agentlink/internal/connector"
)

// NewToolsCommand creates the tools command.
func NewToolsCommand() *cobra.Command {
	var flags sessionFlags

	cmd := &cobra.Command{
		Use:   "tools <connection>",
		Short: "List the tools an agent advertises",
		Long: `Open a session with the agent and list the tools it advertises.

<connection> is a configured connection name or an agent URL.`,
		Example: `  agentlink tools line1
  agentlink tools http://localhost:8080 --json | jq -r '.data[].name'`,
		Annotations: map[string]string{"group": "agents"},
		Args:        cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, args[0], flags, func(ctx context.Context, rt *shared.Runtime, id string) error {
				return printTools(cmd, rt.Registry.ListTools(ctx, id))
			})
		},
	}
	flags.register(cmd)
	return cmd
}

func printTools(cmd *cobra.Command, tools []connector.Tool) error {
	out := cmd.OutOrStdout()
	if shared.GetJSON() {
		return shared.EmitJSONData(out, "tools", tools)
	}
	if len(tools) == 0 {
		fmt.Fprintln(out, "No tools advertised.")
		return nil
	}
	fmt.Fprintf(out, "%-30s %s\n", "NAME", "DESCRIPTION")
	fmt.Fprintln(out, strings.Repeat("-", 70))
	for _, t := range tools {
		fmt.Fprintf(out, "%-30s %s\n", truncate(t.Name, 30), truncate(firstLine(t.Description), 60))
	}
	return nil
}

// NewResourcesCommand creates the resources command.
func NewResourcesCommand() *cobra.Command {
	var flags sessionFlags

	cmd := &cobra.Command{
		Use:         "resources <connection>",
		Short:       "List the resources an agent advertises",
		Annotations: map[string]string{"group": "agents"},
		Args:        cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, args[0], flags, func(ctx context.Context, rt *shared.Runtime, id string) error {
				resources, err := rt.Registry.ListResources(ctx, id)
				if err != nil {
					return shared.NewConnectorError("failed to list resources", err)
				}
				out := cmd.OutOrStdout()
				if shared.GetJSON() {
					return shared.EmitJSONData(out, "resources", resources)
				}
				if len(resources) == 0 {
					fmt.Fprintln(out, "No resources advertised.")
					return nil
				}
				fmt.Fprintf(out, "%-40s %-24s %s\n", "URI", "NAME", "MIME TYPE")
				fmt.Fprintln(out, strings.Repeat("-", 80))
				for _, r := range resources {
					fmt.Fprintf(out, "%-40s %-24s %s\n", truncate(r.URI, 40), truncate(r.Name, 24), r.MIMEType)
				}
				return nil
			})
		},
	}
	flags.register(cmd)
	return cmd
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
