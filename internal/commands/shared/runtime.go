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

package shared

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"go.opentelemetry.io/otel/trace"

	"github.com/tombee/agentlink/internal/config"
	"github.com/tombee/agentlink/internal/connector"
	"github.com/tombee/agentlink/internal/log"
	"github.com/tombee/agentlink/internal/tracing"
	"github.com/tombee/agentlink/internal/tracing/export"
)

// DefaultCredentialEnv holds the credential for ad-hoc URL targets when
// --credential-env is not given.
const DefaultCredentialEnv = "AGENTLINK_CREDENTIAL"

// Runtime bundles the configuration, logger, tracer provider and registry
// a command needs to talk to agents.
type Runtime struct {
	Config   *config.Config
	Logger   *slog.Logger
	Registry *connector.Registry

	tracing *tracing.Provider
}

// RuntimeOptions customises NewRuntime.
type RuntimeOptions struct {
	// Config is used as-is when set; otherwise the --config file is loaded.
	Config *config.Config
	// LogOutput receives log records. Default os.Stderr.
	LogOutput io.Writer

	OnEvent            func(connector.Event)
	OnToolsChanged     func(connID string, tools []connector.Tool)
	OnResourcesChanged func(connID string, resources []connector.Resource)
}

// LoadConfig loads the file named by --config, or the default config file
// when it exists, and applies environment overrides.
func LoadConfig() (*config.Config, error) {
	cfg, err := config.Load(config.ResolvePath(GetConfigPath()))
	if err != nil {
		return nil, NewConfigError("failed to load configuration", err)
	}
	return cfg, nil
}

// NewLogger builds the CLI logger. --log-level wins over --verbose, which
// wins over the configured level.
func NewLogger(cfg *config.Config, out io.Writer) *slog.Logger {
	lc := &log.Config{
		Level:     cfg.Log.Level,
		Format:    log.Format(cfg.Log.Format),
		Output:    out,
		AddSource: cfg.Log.AddSource,
	}
	switch {
	case GetLogLevel() != "":
		lc.Level = GetLogLevel()
	case GetVerbose():
		lc.Level = "debug"
	case GetQuiet():
		lc.Level = "error"
	}
	return log.New(lc)
}

// TracingConfig translates the observability section into provider config.
func TracingConfig(cfg *config.Config, serviceVersion string) (tracing.Config, error) {
	tc := cfg.Observability.Tracing
	kind, err := export.ParseKind(tc.Exporter)
	if err != nil {
		return tracing.Config{}, NewConfigError("invalid tracing exporter", err)
	}
	tlsCfg, err := export.BuildTLSConfig(export.TLSOptions{
		Enabled:    tc.TLS.Enabled,
		SkipVerify: tc.TLS.SkipVerify,
		CACertPath: tc.TLS.CACert,
		ServerName: tc.TLS.ServerName,
	})
	if err != nil {
		return tracing.Config{}, NewConfigError("invalid tracing TLS settings", err)
	}
	return tracing.Config{
		Enabled:        tc.Enabled,
		ServiceName:    tc.ServiceName,
		ServiceVersion: serviceVersion,
		SampleRate:     tc.SampleRate,
		Exporter: export.Config{
			Kind:     kind,
			Endpoint: tc.Endpoint,
			URLPath:  tc.URLPath,
			Headers:  tc.Headers,
			TLS:      tlsCfg,
			Writer:   os.Stderr,
		},
	}, nil
}

// ConnectorOptions maps configuration onto registry options.
func ConnectorOptions(cfg *config.Config, logger *slog.Logger, tracer trace.Tracer) connector.Options {
	opts := connector.DefaultOptions()
	opts.ClientInfo = mcp.Implementation{Name: cfg.Client.Name, Version: cfg.Client.Version}
	opts.ProtocolVersion = cfg.Client.ProtocolVersion
	opts.Platform = cfg.Client.Platform

	opts.ProtocolSuffix = cfg.Transport.ProtocolSuffix
	opts.HandshakeTimeout = cfg.Transport.HandshakeTimeout
	opts.RequestTimeout = cfg.Transport.RequestTimeout
	opts.PingInterval = cfg.Transport.PingInterval
	opts.RequestsPerSecond = cfg.Transport.RequestsPerSecond
	opts.MaxMessageBytes = cfg.Transport.MaxMessageBytes

	opts.HealthPath = cfg.Probe.HealthPath
	opts.ProbeTimeout = cfg.Probe.Timeout
	opts.ProbeRetryAttempts = cfg.Probe.RetryAttempts

	opts.Logger = logger
	opts.Tracer = tracer
	return opts
}

// NewRuntime loads configuration and builds the registry.
func NewRuntime(ctx context.Context, ro RuntimeOptions) (*Runtime, error) {
	cfg := ro.Config
	if cfg == nil {
		var err error
		if cfg, err = LoadConfig(); err != nil {
			return nil, err
		}
	}
	out := ro.LogOutput
	if out == nil {
		out = os.Stderr
	}
	logger := NewLogger(cfg, out)

	v, _, _ := GetVersion()
	tc, err := TracingConfig(cfg, v)
	if err != nil {
		return nil, err
	}
	provider, err := tracing.NewProvider(ctx, tc)
	if err != nil {
		return nil, NewConfigError("failed to start tracing", err)
	}

	opts := ConnectorOptions(cfg, logger, provider.Tracer("github.com/tombee/agentlink/internal/connector"))
	opts.OnEvent = ro.OnEvent
	opts.OnToolsChanged = ro.OnToolsChanged
	opts.OnResourcesChanged = ro.OnResourcesChanged

	reg, err := connector.New(opts)
	if err != nil {
		_ = provider.Shutdown(ctx)
		return nil, NewConfigError("invalid connector settings", err)
	}
	return &Runtime{Config: cfg, Logger: logger, Registry: reg, tracing: provider}, nil
}

// Close tears down sessions and flushes spans.
func (r *Runtime) Close() error {
	err := r.Registry.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if terr := r.tracing.Shutdown(ctx); terr != nil && err == nil {
		err = terr
	}
	return err
}

// Register adds cc to the registry and returns its id. The record exists
// even when the health probe fails.
func (r *Runtime) Register(ctx context.Context, cc config.ConnectionConfig) (string, error) {
	id, err := r.Registry.AddConnection(ctx, connector.ConnectionSpec{
		Name:         cc.Name,
		Kind:         connector.ProviderKind(cc.Kind),
		URL:          cc.URL,
		Credential:   connector.Credential(cc.Credential()),
		Capabilities: cc.Capabilities,
	})
	if err != nil {
		return id, NewConnectorError(fmt.Sprintf("failed to add connection %q", cc.Name), err)
	}
	return id, nil
}

// Open registers cc and opens its session.
func (r *Runtime) Open(ctx context.Context, cc config.ConnectionConfig, out io.Writer) (string, error) {
	id, err := r.Register(ctx, cc)
	if err != nil {
		return "", err
	}

	spinner := NewSpinner(out)
	spinner.Start("Connecting to " + cc.Name)
	err = r.Registry.InitializeSession(ctx, id)
	spinner.Stop()
	if err != nil {
		return "", NewConnectorError(fmt.Sprintf("failed to open session with %q", cc.Name), err)
	}
	return id, nil
}

// ResolveTarget turns a command's target argument into a connection. A
// configured connection name wins; otherwise an http(s) or ws(s) URL is
// accepted as an ad-hoc custom connection whose credential is read from
// credentialEnv.
func ResolveTarget(cfg *config.Config, target, credentialEnv string) (config.ConnectionConfig, error) {
	if cc, ok := cfg.Connection(target); ok {
		return cc, nil
	}

	u, err := url.Parse(target)
	if err != nil || u.Host == "" {
		return config.ConnectionConfig{}, NewConfigError(fmt.Sprintf("unknown connection %q", target),
			fmt.Errorf("not a configured connection name or agent URL"))
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return config.ConnectionConfig{}, NewConfigError(fmt.Sprintf("unsupported URL scheme %q", u.Scheme), nil)
	}

	if credentialEnv == "" {
		credentialEnv = DefaultCredentialEnv
	}
	return config.ConnectionConfig{
		Name:          u.Host,
		Kind:          string(connector.KindCustom),
		URL:           target,
		CredentialEnv: credentialEnv,
	}, nil
}
