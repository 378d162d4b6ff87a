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

package cli

import (
	"github.com/spf13/cobra"

	"github.com/tombee/agentlink/internal/commands/shared"
)

// SetVersion sets the version information (called from main)
func SetVersion(v, c, b string) {
	shared.SetVersion(v, c, b)
}

// NewRootCommand creates the root Cobra command for agentlink
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agentlink",
		Short: "agentlink - connect to external AI agents",
		Long: `agentlink registers remote AI agents, checks their health, opens
authenticated websocket sessions and exchanges protocol requests with them.

Connections are declared in ~/.config/agentlink/config.yaml, or a target
can be given as a URL. Run 'agentlink demo' to start a local fake agent.`,
		SilenceUsage:  true, // Don't show usage on errors
		SilenceErrors: true, // We handle errors ourselves for proper exit codes
	}

	verbose, quiet, json, config, logLevel := shared.RegisterFlagPointers()

	cmd.PersistentFlags().BoolVarP(verbose, "verbose", "v", false, "Enable debug logging")
	cmd.PersistentFlags().BoolVarP(quiet, "quiet", "q", false, "Suppress non-error output")
	cmd.PersistentFlags().BoolVar(json, "json", false, "Output in JSON format")
	cmd.PersistentFlags().StringVar(config, "config", "", "Path to config file (default: ~/.config/agentlink/config.yaml)")
	cmd.PersistentFlags().StringVar(logLevel, "log-level", "", "Log level: trace, debug, info, warn, error (overrides config)")

	return cmd
}

// GetVersion returns version information
func GetVersion() (string, string, string) {
	return shared.GetVersion()
}

// HandleExitError reports err and exits with the matching exit code.
func HandleExitError(cmd *cobra.Command, err error) {
	command := "agentlink"
	if cmd != nil {
		command = cmd.CommandPath()
	}
	shared.HandleExitError(command, err)
}
