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

// Package agent implements the commands that talk to remote agents.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/agentlink/internal/cli/format"
	"github.com/tombee/agentlink/internal/commands/shared"
	"github.com/tombee/agentlink/internal/jq"
	"github.com/tombee/agentlink/internal/tracing"
)

// sessionFlags are shared by every command that opens a session.
type sessionFlags struct {
	credentialEnv string
	timeout       time.Duration
}

func (f *sessionFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.credentialEnv, "credential-env", "",
		"Environment variable holding the credential for URL targets (default "+shared.DefaultCredentialEnv+")")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 0, "Request timeout (default transport.request_timeout)")
}

// commandContext returns the command's context tagged with one correlation
// ID, so every request and log record of the invocation shares it.
func commandContext(cmd *cobra.Command) context.Context {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, _ = tracing.Ensure(ctx)
	return ctx
}

// withSession resolves target, opens its session and runs fn. The
// registry is closed when fn returns.
func withSession(cmd *cobra.Command, target string, flags sessionFlags, fn func(ctx context.Context, rt *shared.Runtime, id string) error) error {
	ctx := commandContext(cmd)

	cfg, err := shared.LoadConfig()
	if err != nil {
		return err
	}
	if flags.timeout > 0 {
		cfg.Transport.RequestTimeout = flags.timeout
	}
	cc, err := shared.ResolveTarget(cfg, target, flags.credentialEnv)
	if err != nil {
		return err
	}

	rt, err := shared.NewRuntime(ctx, shared.RuntimeOptions{Config: cfg, LogOutput: cmd.ErrOrStderr()})
	if err != nil {
		return err
	}
	defer rt.Close()

	id, err := rt.Open(ctx, cc, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	return fn(ctx, rt, id)
}

// parseKeyValues turns key=value pairs into a map. Values that parse as
// JSON keep their type; anything else is a string.
func parseKeyValues(pairs []string) (map[string]any, error) {
	out := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, shared.NewConfigError(fmt.Sprintf("invalid argument %q", pair),
				fmt.Errorf("expected key=value"))
		}
		var decoded any
		if err := json.Unmarshal([]byte(value), &decoded); err == nil {
			out[key] = decoded
		} else {
			out[key] = value
		}
	}
	return out, nil
}

// parseJSONObject decodes a --*-json flag. Empty input yields nil.
func parseJSONObject(flag, raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return nil, shared.NewConfigError(fmt.Sprintf("--%s must be a JSON object", flag), err)
	}
	return obj, nil
}

// mergeArgs overlays key=value pairs on a JSON object flag.
func mergeArgs(flag, raw string, pairs []string) (map[string]any, error) {
	base, err := parseJSONObject(flag, raw)
	if err != nil {
		return nil, err
	}
	kv, err := parseKeyValues(pairs)
	if err != nil {
		return nil, err
	}
	if base == nil {
		base = make(map[string]any, len(kv))
	}
	for k, v := range kv {
		base[k] = v
	}
	return base, nil
}

// resultPrinter renders raw results, optionally through a jq filter.
type resultPrinter struct {
	command string
	jqExpr  string
	exec    *jq.Executor
}

func newResultPrinter(command, jqExpr string) (*resultPrinter, error) {
	exec := jq.NewExecutor(0, 0)
	if jqExpr != "" {
		if err := exec.Validate(jqExpr); err != nil {
			return nil, shared.NewConfigError("invalid --jq expression", err)
		}
	}
	return &resultPrinter{command: command, jqExpr: jqExpr, exec: exec}, nil
}

func (p *resultPrinter) print(ctx context.Context, cmd *cobra.Command, raw json.RawMessage) error {
	out := cmd.OutOrStdout()
	tty := format.IsTTY(out)

	if p.jqExpr != "" {
		value, err := p.exec.Apply(ctx, p.jqExpr, raw)
		if err != nil {
			return &shared.ExitError{Code: shared.ExitFailed, Message: "jq filter failed", Cause: err}
		}
		if shared.GetJSON() {
			return shared.EmitJSONData(out, p.command, value)
		}
		text, err := format.FormatValue(value, tty)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(out, text)
		return err
	}

	if shared.GetJSON() {
		return shared.EmitJSONData(out, p.command, raw)
	}
	text, isError, err := format.FormatResult(raw, tty)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintln(out, text); err != nil {
		return err
	}
	if isError {
		return &shared.ExitError{Code: shared.ExitRemoteError, Message: "agent reported a tool error"}
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
