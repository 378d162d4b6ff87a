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

// Package export builds OpenTelemetry span exporters for the destinations
// agentlink can ship request spans to.
package export

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/trace"
	"google.golang.org/grpc/credentials"
)

// Kind names an exporter destination.
type Kind string

const (
	KindNone     Kind = "none"
	KindConsole  Kind = "console"
	KindOTLP     Kind = "otlp"
	KindOTLPHTTP Kind = "otlp_http"
)

// ParseKind normalises a configured exporter name. Empty means none.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "", "none":
		return KindNone, nil
	case "console", "stdout":
		return KindConsole, nil
	case "otlp", "otlp_grpc":
		return KindOTLP, nil
	case "otlp_http", "otlp-http":
		return KindOTLPHTTP, nil
	}
	return "", fmt.Errorf("unknown exporter type: %s", s)
}

// Config describes a single exporter.
type Config struct {
	Kind Kind

	// Endpoint is host:port for OTLP exporters.
	Endpoint string

	// URLPath overrides the OTLP/HTTP traces path (default /v1/traces).
	URLPath string

	// Headers are sent with every OTLP export request.
	Headers map[string]string

	// TLS is nil for plaintext OTLP.
	TLS *tls.Config

	// Writer receives console output (default os.Stdout).
	Writer io.Writer
}

// New creates the exporter described by cfg. A KindNone config returns
// (nil, nil).
func New(ctx context.Context, cfg Config) (trace.SpanExporter, error) {
	switch cfg.Kind {
	case KindNone, "":
		return nil, nil
	case KindConsole:
		return newConsole(cfg)
	case KindOTLP:
		return newOTLPGRPC(ctx, cfg)
	case KindOTLPHTTP:
		return newOTLPHTTP(ctx, cfg)
	}
	return nil, fmt.Errorf("unknown exporter type: %s", cfg.Kind)
}

func newConsole(cfg Config) (trace.SpanExporter, error) {
	w := cfg.Writer
	if w == nil {
		w = os.Stdout
	}
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("failed to create console exporter: %w", err)
	}
	return exporter, nil
}

func newOTLPGRPC(ctx context.Context, cfg Config) (trace.SpanExporter, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("otlp exporter requires an endpoint")
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.TLS == nil {
		opts = append(opts, otlptracegrpc.WithInsecure())
	} else {
		if err := ValidateTLSConfig(cfg.TLS); err != nil {
			return nil, fmt.Errorf("invalid TLS config: %w", err)
		}
		opts = append(opts, otlptracegrpc.WithTLSCredentials(credentials.NewTLS(cfg.TLS)))
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP gRPC exporter: %w", err)
	}
	return exporter, nil
}

func newOTLPHTTP(ctx context.Context, cfg Config) (trace.SpanExporter, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("otlp_http exporter requires an endpoint")
	}

	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
	if cfg.URLPath != "" {
		opts = append(opts, otlptracehttp.WithURLPath(cfg.URLPath))
	}
	if cfg.TLS == nil {
		opts = append(opts, otlptracehttp.WithInsecure())
	} else {
		if err := ValidateTLSConfig(cfg.TLS); err != nil {
			return nil, fmt.Errorf("invalid TLS config: %w", err)
		}
		opts = append(opts, otlptracehttp.WithTLSClientConfig(cfg.TLS))
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(cfg.Headers))
	}

	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP HTTP exporter: %w", err)
	}
	return exporter, nil
}
