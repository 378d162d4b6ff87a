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
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tombee/agentlink/internal/commands/shared"
	"github.com/tombee/agentlink/internal/config"
	"github.com/tombee/agentlink/internal/connector"
	"github.com/tombee/agentlink/pkg/httpclient"
)

// ProbeResult is one row of probe output.
type ProbeResult struct {
	Name    string           `json:"name"`
	Kind    string           `json:"kind"`
	URL     string           `json:"url"`
	Status  connector.Status `json:"status"`
	Healthy bool             `json:"healthy"`
	Error   string           `json:"error,omitempty"`
}

// NewProbeCommand creates the probe command.
func NewProbeCommand() *cobra.Command {
	var credentialEnv string

	cmd := &cobra.Command{
		Use:   "probe [connection...]",
		Short: "Check agent health endpoints",
		Long: `Probe the health endpoint of each named connection, or of every
configured connection when none are given. No session is opened.

Exit codes:
  0 - All agents are healthy
  3 - At least one agent is unreachable or unhealthy`,
		Example: `  # Probe every configured connection
  agentlink probe

  # Probe an agent by URL
  agentlink probe http://localhost:8080 --json`,
		Annotations: map[string]string{"group": "agents"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProbe(cmd, args, credentialEnv)
		},
	}
	cmd.Flags().StringVar(&credentialEnv, "credential-env", "",
		"Environment variable holding the credential for URL targets (default "+shared.DefaultCredentialEnv+")")
	return cmd
}

func runProbe(cmd *cobra.Command, args []string, credentialEnv string) error {
	ctx := commandContext(cmd)

	cfg, err := shared.LoadConfig()
	if err != nil {
		return err
	}

	var targets []config.ConnectionConfig
	if len(args) == 0 {
		targets = cfg.Connections
	}
	for _, arg := range args {
		cc, err := shared.ResolveTarget(cfg, arg, credentialEnv)
		if err != nil {
			return err
		}
		targets = append(targets, cc)
	}
	if len(targets) == 0 {
		return shared.NewConfigError("no connections configured", fmt.Errorf("add connections to the config file or pass a URL"))
	}

	rt, err := shared.NewRuntime(ctx, shared.RuntimeOptions{Config: cfg, LogOutput: cmd.ErrOrStderr()})
	if err != nil {
		return err
	}
	defer rt.Close()

	results := make([]ProbeResult, 0, len(targets))
	unhealthy := 0
	for _, cc := range targets {
		res := ProbeResult{Name: cc.Name, Kind: cc.Kind, URL: httpclient.SanitizeURL(cc.URL)}
		id, err := rt.Register(ctx, cc)
		if err != nil {
			res.Status = connector.StatusError
			res.Error = err.Error()
		} else if conn, ok := rt.Registry.GetConnection(id); ok {
			res.Status = conn.Status
			res.Healthy = conn.Status == connector.StatusConnected
		}
		if !res.Healthy {
			unhealthy++
		}
		results = append(results, res)
	}

	out := cmd.OutOrStdout()
	if shared.GetJSON() {
		if err := shared.EmitJSONData(out, "probe", results); err != nil {
			return err
		}
	} else {
		fmt.Fprintf(out, "%-20s %-12s %-14s %s\n", "NAME", "KIND", "STATUS", "URL")
		fmt.Fprintln(out, strings.Repeat("-", 70))
		for _, r := range results {
			status := shared.RenderConnectionStatus(r.Status)
			status += strings.Repeat(" ", max(0, 14-len(r.Status)))
			fmt.Fprintf(out, "%-20s %-12s %s %s\n", truncate(r.Name, 20), r.Kind, status, r.URL)
			if r.Error != "" {
				fmt.Fprintf(out, "  %s\n", shared.RenderLabel(r.Error))
			}
		}
	}

	if unhealthy > 0 {
		return &shared.ExitError{
			Code:    shared.ExitUnreachable,
			Message: fmt.Sprintf("%d of %d agents unhealthy", unhealthy, len(results)),
		}
	}
	return nil
}
