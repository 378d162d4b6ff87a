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
Package cli provides the root command and shared configuration for the
agentlink CLI.

This package creates the main Cobra command tree and handles global concerns
like version information, persistent flags, and error handling. Individual
commands are implemented in the internal/commands subpackages.

# Command Tree

	agentlink
	├── probe       Check agent health endpoints
	├── session     Open a session and show what the agent negotiated
	├── connect     Connect to the hosted coding agent preset
	├── tools       List advertised tools
	├── resources   List advertised resources
	├── call        Invoke a tool
	├── task        Submit a task
	├── request     Send a raw protocol request
	├── watch       Keep agents connected and stream events
	├── demo        Run a local fake agent
	├── version     Show version
	└── help        Show help (--json for machine-readable output)

# Usage

From main.go:

	cli.SetVersion(version, commit, date)
	rootCmd := cli.NewRootCommand()
	// ... add commands ...
	if cmd, err := rootCmd.ExecuteContextC(ctx); err != nil {
	    cli.HandleExitError(cmd, err)
	}

# Global Flags

	--verbose, -v    Enable debug logging
	--quiet, -q      Suppress non-error output
	--json           Output in JSON format
	--config         Path to config file
	--log-level      Override the configured log level

# Exit Codes

  - 0: Success
  - 1: General failure
  - 2: Invalid configuration or arguments
  - 3: Agent unreachable, or the session could not be opened or was lost
  - 4: Agent answered with an error
  - 5: Request timed out
*/
package cli
