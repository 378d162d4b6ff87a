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
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"

	"github.com/tombee/agentlink/internal/cli"
	"github.com/tombee/agentlink/internal/connector/connectortest"
)

const testCredentialEnv = "AGENTLINK_TEST_KEY"

func newTestAgent(t *testing.T) *connectortest.Server {
	t.Helper()
	agent := connectortest.NewServer()
	t.Cleanup(agent.Close)
	return agent
}

// writeConfig writes a config file with one auto-session connection named
// line1 pointing at url.
func writeConfig(t *testing.T, url string) string {
	t.Helper()
	t.Setenv(testCredentialEnv, "cli-secret")

	content := fmt.Sprintf(`log:
  level: error
transport:
  handshake_timeout: 2s
  request_timeout: 2s
  ping_interval: 0s
probe:
  timeout: 2s
  interval: 0s
connections:
  - name: line1
    kind: agent
    url: %s
    credential_env: %s
    auto_session: true
`, url, testCredentialEnv)

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func newTestRoot() *cobra.Command {
	root := cli.NewRootCommand()
	root.AddCommand(
		NewProbeCommand(),
		NewSessionCommand(),
		NewConnectCommand(),
		NewToolsCommand(),
		NewResourcesCommand(),
		NewCallCommand(),
		NewTaskCommand(),
		NewRequestCommand(),
		NewWatchCommand(),
		NewDemoCommand(),
	)
	return root
}

// execute runs the CLI with args and returns stdout, stderr and the error.
func execute(t *testing.T, ctx context.Context, args ...string) (string, string, error) {
	t.Helper()
	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
	}

	root := newTestRoot()
	var stdout, stderr bytes.Buffer
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	return stdout.String(), stderr.String(), err
}
