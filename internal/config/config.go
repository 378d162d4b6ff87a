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

// Package config loads agentlink's YAML configuration, applies environment
// overrides and watches the file for changes.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tombee/agentlink/internal/log"
	"github.com/tombee/agentlink/internal/tracing/export"
	agenterrors "github.com/tombee/agentlink/pkg/errors"
)

// ErrInvalidConfig is wrapped by validation failures.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the root configuration.
type Config struct {
	Client        ClientConfig        `yaml:"client"`
	Transport     TransportConfig     `yaml:"transport"`
	Probe         ProbeConfig         `yaml:"probe"`
	Log           LogConfig           `yaml:"log"`
	Observability ObservabilityConfig `yaml:"observability"`
	Connections   []ConnectionConfig  `yaml:"connections"`
}

// ClientConfig identifies this client to agents.
type ClientConfig struct {
	Name            string `yaml:"name"`
	Version         string `yaml:"version"`
	ProtocolVersion string `yaml:"protocol_version"`

	// Platform is added to every submitted task's context.
	Platform string `yaml:"platform"`
}

// TransportConfig controls agent sessions.
type TransportConfig struct {
	ProtocolSuffix   string        `yaml:"protocol_suffix"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`

	// PingInterval is the websocket keepalive period. Zero disables pings.
	PingInterval time.Duration `yaml:"ping_interval"`

	// RequestsPerSecond limits outbound frames per session. Zero is unlimited.
	RequestsPerSecond float64 `yaml:"requests_per_second"`

	MaxMessageBytes int64 `yaml:"max_message_bytes"`
}

// ProbeConfig controls health probes.
type ProbeConfig struct {
	HealthPath    string        `yaml:"health_path"`
	Timeout       time.Duration `yaml:"timeout"`
	RetryAttempts int           `yaml:"retry_attempts"`

	// Interval between background probes in watch mode.
	Interval time.Duration `yaml:"interval"`
}

// LogConfig contains logging configuration.
type LogConfig struct {
	// Level sets the minimum log level (trace, debug, info, warn, error).
	Level string `yaml:"level"`

	// Format sets the output format (json, text).
	Format string `yaml:"format"`

	// AddSource adds source file and line information to logs.
	AddSource bool `yaml:"add_source"`
}

// ObservabilityConfig configures metrics and tracing.
type ObservabilityConfig struct {
	// MetricsAddr serves Prometheus metrics in watch mode when set.
	MetricsAddr string `yaml:"metrics_addr"`

	Tracing TracingConfig `yaml:"tracing"`
}

// TracingConfig configures request span export.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`

	// Exporter is none, console, otlp or otlp_http.
	Exporter string            `yaml:"exporter"`
	Endpoint string            `yaml:"endpoint"`
	URLPath  string            `yaml:"url_path"`
	Headers  map[string]string `yaml:"headers"`
	TLS      TLSConfig         `yaml:"tls"`
}

// TLSConfig configures TLS to the trace collector.
type TLSConfig struct {
	Enabled    bool   `yaml:"enabled"`
	SkipVerify bool   `yaml:"skip_verify"`
	CACert     string `yaml:"ca_cert"`
	ServerName string `yaml:"server_name"`
}

// ConnectionConfig declares an agent to register at startup.
type ConnectionConfig struct {
	Name string `yaml:"name"`
	Kind string `yaml:"kind"`
	URL  string `yaml:"url"`

	// CredentialEnv names the environment variable holding the bearer
	// credential. Credentials are never stored in the file.
	CredentialEnv string `yaml:"credential_env"`

	Capabilities []string `yaml:"capabilities"`

	// AutoSession opens a session after registration.
	AutoSession bool `yaml:"auto_session"`
}

// Credential reads the connection's credential from the environment.
func (c ConnectionConfig) Credential() string {
	if c.CredentialEnv == "" {
		return ""
	}
	return os.Getenv(c.CredentialEnv)
}

// Default returns a configuration with default values.
func Default() *Config {
	return &Config{
		Client: ClientConfig{
			Name:            "agentlink",
			Version:         "1.0.0",
			ProtocolVersion: "2024-11-05",
			Platform:        "industrial_automation",
		},
		Transport: TransportConfig{
			ProtocolSuffix:   "mcp",
			HandshakeTimeout: 10 * time.Second,
			RequestTimeout:   30 * time.Second,
			PingInterval:     30 * time.Second,
			MaxMessageBytes:  4 << 20,
		},
		Probe: ProbeConfig{
			HealthPath: "/health",
			Timeout:    10 * time.Second,
			Interval:   time.Minute,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Observability: ObservabilityConfig{
			Tracing: TracingConfig{
				ServiceName: "agentlink",
				SampleRate:  1.0,
				Exporter:    "none",
			},
		},
	}
}

// Load reads configuration from configPath, if set, then applies defaults
// and environment overrides. Environment variables take precedence.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			return nil, &agenterrors.ConfigError{
				Key:    "config_file",
				Reason: fmt.Sprintf("failed to load from %s", configPath),
				Cause:  err,
			}
		}
	}

	cfg.applyDefaults()
	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, &agenterrors.ConfigError{
			Key:    "validation",
			Reason: "configuration validation failed",
			Cause:  err,
		}
	}
	return cfg, nil
}

// applyDefaults fills zero values so minimal files work. Fields where zero
// is meaningful (ping interval, rate limit) are left alone.
func (c *Config) applyDefaults() {
	d := Default()

	if c.Client.Name == "" {
		c.Client.Name = d.Client.Name
	}
	if c.Client.Version == "" {
		c.Client.Version = d.Client.Version
	}
	if c.Client.ProtocolVersion == "" {
		c.Client.ProtocolVersion = d.Client.ProtocolVersion
	}
	if c.Client.Platform == "" {
		c.Client.Platform = d.Client.Platform
	}
	if c.Transport.ProtocolSuffix == "" {
		c.Transport.ProtocolSuffix = d.Transport.ProtocolSuffix
	}
	if c.Transport.HandshakeTimeout == 0 {
		c.Transport.HandshakeTimeout = d.Transport.HandshakeTimeout
	}
	if c.Transport.RequestTimeout == 0 {
		c.Transport.RequestTimeout = d.Transport.RequestTimeout
	}
	if c.Transport.MaxMessageBytes == 0 {
		c.Transport.MaxMessageBytes = d.Transport.MaxMessageBytes
	}
	if c.Probe.HealthPath == "" {
		c.Probe.HealthPath = d.Probe.HealthPath
	}
	if c.Probe.Timeout == 0 {
		c.Probe.Timeout = d.Probe.Timeout
	}
	if c.Probe.Interval == 0 {
		c.Probe.Interval = d.Probe.Interval
	}
	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = d.Log.Format
	}
	if c.Observability.Tracing.ServiceName == "" {
		c.Observability.Tracing.ServiceName = d.Observability.Tracing.ServiceName
	}
	if c.Observability.Tracing.SampleRate == 0 {
		c.Observability.Tracing.SampleRate = d.Observability.Tracing.SampleRate
	}
	if c.Observability.Tracing.Exporter == "" {
		c.Observability.Tracing.Exporter = d.Observability.Tracing.Exporter
	}
	for i := range c.Connections {
		if c.Connections[i].Kind == "" {
			c.Connections[i].Kind = "custom"
		}
	}
}

// loadFromFile loads configuration from a YAML file.
func (c *Config) loadFromFile(path string) error {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}
	return nil
}

// loadFromEnv applies environment variable overrides.
func (c *Config) loadFromEnv() {
	if val := os.Getenv("AGENTLINK_REQUEST_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Transport.RequestTimeout = d
		}
	}
	if val := os.Getenv("AGENTLINK_HANDSHAKE_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Transport.HandshakeTimeout = d
		}
	}
	if val := os.Getenv("AGENTLINK_REQUESTS_PER_SECOND"); val != "" {
		if rps, err := strconv.ParseFloat(val, 64); err == nil {
			c.Transport.RequestsPerSecond = rps
		}
	}
	if val := os.Getenv("AGENTLINK_PROTOCOL_VERSION"); val != "" {
		c.Client.ProtocolVersion = val
	}
	if val := os.Getenv("AGENTLINK_METRICS_ADDR"); val != "" {
		c.Observability.MetricsAddr = val
	}

	if val := os.Getenv("LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}
	if val := os.Getenv("AGENTLINK_LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		c.Log.Format = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_SOURCE"); val != "" {
		c.Log.AddSource = val == "1" || strings.ToLower(val) == "true"
	}
	// AGENTLINK_DEBUG wins over the other log variables.
	if val := strings.ToLower(os.Getenv("AGENTLINK_DEBUG")); val == "1" || val == "true" {
		c.Log.Level = "debug"
		c.Log.AddSource = true
	}

	if val := os.Getenv("AGENTLINK_TRACING_EXPORTER"); val != "" {
		c.Observability.Tracing.Exporter = val
		c.Observability.Tracing.Enabled = val != "none"
	}
	if val := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); val != "" {
		c.Observability.Tracing.Endpoint = val
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Client.Name == "" {
		errs = append(errs, "client.name is required")
	}
	if c.Transport.HandshakeTimeout <= 0 {
		errs = append(errs, fmt.Sprintf("transport.handshake_timeout must be positive, got %v", c.Transport.HandshakeTimeout))
	}
	if c.Transport.RequestTimeout <= 0 {
		errs = append(errs, fmt.Sprintf("transport.request_timeout must be positive, got %v", c.Transport.RequestTimeout))
	}
	if c.Transport.PingInterval < 0 {
		errs = append(errs, fmt.Sprintf("transport.ping_interval must not be negative, got %v", c.Transport.PingInterval))
	}
	if c.Transport.RequestsPerSecond < 0 {
		errs = append(errs, fmt.Sprintf("transport.requests_per_second must not be negative, got %v", c.Transport.RequestsPerSecond))
	}
	if c.Transport.MaxMessageBytes < 0 {
		errs = append(errs, fmt.Sprintf("transport.max_message_bytes must not be negative, got %d", c.Transport.MaxMessageBytes))
	}

	if !strings.HasPrefix(c.Probe.HealthPath, "/") {
		errs = append(errs, fmt.Sprintf("probe.health_path must start with /, got %q", c.Probe.HealthPath))
	}
	if c.Probe.Timeout <= 0 {
		errs = append(errs, fmt.Sprintf("probe.timeout must be positive, got %v", c.Probe.Timeout))
	}
	if c.Probe.RetryAttempts < 0 {
		errs = append(errs, fmt.Sprintf("probe.retry_attempts must not be negative, got %d", c.Probe.RetryAttempts))
	}
	if c.Probe.Interval < 0 {
		errs = append(errs, fmt.Sprintf("probe.interval must not be negative, got %v", c.Probe.Interval))
	}

	if !log.ValidLevel(c.Log.Level) {
		errs = append(errs, fmt.Sprintf("log.level must be one of [trace, debug, info, warn, error], got %q", c.Log.Level))
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		errs = append(errs, fmt.Sprintf("log.format must be one of [json, text], got %q", c.Log.Format))
	}

	tr := c.Observability.Tracing
	kind, err := export.ParseKind(tr.Exporter)
	if err != nil {
		errs = append(errs, fmt.Sprintf("observability.tracing.exporter: %v", err))
	}
	if tr.Enabled && (kind == export.KindOTLP || kind == export.KindOTLPHTTP) && tr.Endpoint == "" {
		errs = append(errs, "observability.tracing.endpoint is required for otlp exporters")
	}
	if tr.SampleRate < 0 || tr.SampleRate > 1 {
		errs = append(errs, fmt.Sprintf("observability.tracing.sample_rate must be between 0 and 1, got %v", tr.SampleRate))
	}

	seen := make(map[string]bool)
	for i, conn := range c.Connections {
		prefix := fmt.Sprintf("connections[%d]", i)
		if conn.Name == "" {
			errs = append(errs, prefix+".name is required")
		} else if seen[conn.Name] {
			errs = append(errs, fmt.Sprintf("%s.name %q is duplicated", prefix, conn.Name))
		}
		seen[conn.Name] = true

		switch conn.Kind {
		case "agent", "generic-llm", "custom":
		default:
			errs = append(errs, fmt.Sprintf("%s.kind must be one of [agent, generic-llm, custom], got %q", prefix, conn.Kind))
		}

		if conn.URL == "" {
			errs = append(errs, prefix+".url is required")
		} else if u, err := url.Parse(conn.URL); err != nil || u.Host == "" {
			errs = append(errs, fmt.Sprintf("%s.url %q is not an absolute url", prefix, conn.URL))
		} else {
			switch u.Scheme {
			case "http", "https", "ws", "wss":
			default:
				errs = append(errs, fmt.Sprintf("%s.url scheme must be http, https, ws or wss, got %q", prefix, u.Scheme))
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w:\n  - %s", ErrInvalidConfig, strings.Join(errs, "\n  - "))
	}
	return nil
}

// Connection returns the named connection.
func (c *Config) Connection(name string) (ConnectionConfig, bool) {
	for _, conn := range c.Connections {
		if conn.Name == name {
			return conn, true
		}
	}
	return ConnectionConfig{}, false
}

// DiffConnections compares two connection lists by name. A connection
// whose settings changed appears in both removed and added.
func DiffConnections(old, updated []ConnectionConfig) (added, removed []ConnectionConfig) {
	before := make(map[string]ConnectionConfig, len(old))
	for _, c := range old {
		before[c.Name] = c
	}
	after := make(map[string]ConnectionConfig, len(updated))
	for _, c := range updated {
		after[c.Name] = c
	}

	for _, c := range old {
		if n, ok := after[c.Name]; !ok || !sameConnection(c, n) {
			removed = append(removed, c)
		}
	}
	for _, c := range updated {
		if o, ok := before[c.Name]; !ok || !sameConnection(o, c) {
			added = append(added, c)
		}
	}
	return added, removed
}

func sameConnection(a, b ConnectionConfig) bool {
	return a.Kind == b.Kind &&
		a.URL == b.URL &&
		a.CredentialEnv == b.CredentialEnv &&
		a.AutoSession == b.AutoSession &&
		slices.Equal(a.Capabilities, b.Capabilities)
}
