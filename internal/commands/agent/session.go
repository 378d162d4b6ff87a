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
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/agentlink/internal/commands/shared"
	"github.com/tombee/agentlink/internal/connector"
	"github.com/tombee/agentlink/pkg/httpclient"
)

// SessionInfo describes an open session.
type SessionInfo struct {
	ConnectionID    string    `json:"connection_id"`
	Name            string    `json:"name"`
	Kind            string    `json:"kind"`
	Endpoint        string    `json:"endpoint"`
	ServerName      string    `json:"server_name,omitempty"`
	ServerVersion   string    `json:"server_version,omitempty"`
	ProtocolVersion string    `json:"protocol_version,omitempty"`
	Capabilities    []string  `json:"server_capabilities,omitempty"`
	Tools           []string  `json:"tools"`
	OpenedAt        time.Time `json:"opened_at"`
}

func describeSession(ctx context.Context, reg *connector.Registry, id string) (SessionInfo, error) {
	conn, ok := reg.GetConnection(id)
	if !ok {
		return SessionInfo{}, shared.NewConnectorError("connection disappeared", connector.ErrConnectionNotFound)
	}
	s, ok := reg.Session(id)
	if !ok {
		return SessionInfo{}, shared.NewConnectorError("session closed", connector.ErrSessionClosed)
	}

	info := SessionInfo{
		ConnectionID:    id,
		Name:            conn.Name,
		Kind:            string(conn.Kind),
		Endpoint:        httpclient.SanitizeURL(s.Endpoint()),
		ServerName:      s.ServerInfo().Name,
		ServerVersion:   s.ServerInfo().Version,
		ProtocolVersion: s.ProtocolVersion(),
		OpenedAt:        s.OpenedAt(),
		Tools:           []string{},
	}
	caps := s.ServerCapabilities()
	if caps.Tools != nil {
		info.Capabilities = append(info.Capabilities, "tools")
	}
	if caps.Resources != nil {
		info.Capabilities = append(info.Capabilities, "resources")
	}
	if caps.Prompts != nil {
		info.Capabilities = append(info.Capabilities, "prompts")
	}
	if caps.Logging != nil {
		info.Capabilities = append(info.Capabilities, "logging")
	}
	for _, t := range reg.ListTools(ctx, id) {
		info.Tools = append(info.Tools, t.Name)
	}
	return info, nil
}

func printSessionInfo(out io.Writer, command string, info SessionInfo) error {
	if shared.GetJSON() {
		return shared.EmitJSONData(out, command, info)
	}
	fmt.Fprintln(out, shared.RenderOK("Session open with "+shared.Bold.Render(info.Name)))
	fmt.Fprintf(out, "  %s %s\n", shared.RenderLabel("connection:"), info.ConnectionID)
	fmt.Fprintf(out, "  %s %s\n", shared.RenderLabel("endpoint:  "), info.Endpoint)
	if info.ServerName != "" {
		fmt.Fprintf(out, "  %s %s %s\n", shared.RenderLabel("server:    "), info.ServerName, info.ServerVersion)
	}
	fmt.Fprintf(out, "  %s %s\n", shared.RenderLabel("protocol:  "), info.ProtocolVersion)
	if len(info.Capabilities) > 0 {
		fmt.Fprintf(out, "  %s %v\n", shared.RenderLabel("features:  "), info.Capabilities)
	}
	fmt.Fprintf(out, "  %s %d\n", shared.RenderLabel("tools:     "), len(info.Tools))
	return nil
}

// NewSessionCommand creates the session command.
func NewSessionCommand() *cobra.Command {
	var flags sessionFlags

	cmd := &cobra.Command{
		Use:         "session <connection>",
		Short:       "Open a session and show what the agent negotiated",
		Annotations: map[string]string{"group": "agents"},
		Args:        cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, args[0], flags, func(ctx context.Context, rt *shared.Runtime, id string) error {
				info, err := describeSession(ctx, rt.Registry, id)
				if err != nil {
					return err
				}
				return printSessionInfo(cmd.OutOrStdout(), "session", info)
			})
		},
	}
	flags.register(cmd)
	return cmd
}

// NewConnectCommand creates the connect command, which uses the built-in
// agent preset.
func NewConnectCommand() *cobra.Command {
	var credentialEnv string

	cmd := &cobra.Command{
		Use:   "connect [url]",
		Short: "Connect to the hosted coding agent",
		Long: fmt.Sprintf(`Register the %q preset, open its session and show what the
agent negotiated. The URL defaults to %s.

The credential is read from the environment variable named by
--credential-env.`, connector.AgentPresetName, connector.DefaultAgentURL),
		Annotations: map[string]string{"group": "agents"},
		Args:        cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var url string
			if len(args) == 1 {
				url = args[0]
			}
			return runConnect(cmd, url, credentialEnv)
		},
	}
	cmd.Flags().StringVar(&credentialEnv, "credential-env", shared.DefaultCredentialEnv,
		"Environment variable holding the agent credential")
	return cmd
}

func runConnect(cmd *cobra.Command, url, credentialEnv string) error {
	ctx := commandContext(cmd)

	credential := os.Getenv(credentialEnv)
	if credential == "" {
		return shared.NewConfigError("no credential", fmt.Errorf("environment variable %s is empty", credentialEnv))
	}

	rt, err := shared.NewRuntime(ctx, shared.RuntimeOptions{LogOutput: cmd.ErrOrStderr()})
	if err != nil {
		return err
	}
	defer rt.Close()

	id, err := rt.Registry.ConnectAgent(ctx, connector.Credential(credential), url)
	if err != nil {
		return shared.NewConnectorError("failed to add agent", err)
	}

	spinner := shared.NewSpinner(cmd.ErrOrStderr())
	spinner.Start("Connecting to " + connector.AgentPresetName)
	err = rt.Registry.InitializeSession(ctx, id)
	spinner.Stop()
	if err != nil {
		return shared.NewConnectorError("failed to open session", err)
	}

	info, err := describeSession(ctx, rt.Registry, id)
	if err != nil {
		return err
	}
	return printSessionInfo(cmd.OutOrStdout(), "connect", info)
}
