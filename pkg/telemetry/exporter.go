// SPDX-FileCopyrightText: 2025 Deutsche Telekom IT GmbH
//
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"google.golang.org/grpc/credentials"
)

// Exporter selects where the spans of a trace run are sent to
type Exporter string

const (
	// HTTP is the OTLP exporter over HTTP
	HTTP Exporter = "http"
	// GRPC is the OTLP exporter over gRPC
	GRPC Exporter = "grpc"
	// STDOUT writes the spans to stdout
	STDOUT Exporter = "stdout"
	// NOOP discards every span
	NOOP Exporter = "noop"
)

// String returns the string representation of the exporter
func (e Exporter) String() string {
	return string(e)
}

// Validate returns an error if the exporter is not supported
func (e Exporter) Validate() error {
	switch e {
	case HTTP, GRPC, STDOUT, NOOP, "":
		return nil
	default:
		return fmt.Errorf("unsupported exporter %q", e)
	}
}

// IsExporting returns true if the exporter sends spans to a collector
func (e Exporter) IsExporting() bool {
	return e == HTTP || e == GRPC
}

// Create creates the span exporter for the configuration
func (e Exporter) Create(ctx context.Context, config *Config) (sdktrace.SpanExporter, error) {
	switch e {
	case HTTP:
		return newHTTPExporter(ctx, config)
	case GRPC:
		return newGRPCExporter(ctx, config)
	case STDOUT:
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case NOOP, "":
		return tracetest.NewNoopExporter(), nil
	default:
		return nil, fmt.Errorf("unsupported exporter %q", e)
	}
}

func newHTTPExporter(ctx context.Context, config *Config) (sdktrace.SpanExporter, error) {
	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpointURL(config.Url),
		otlptracehttp.WithHeaders(authHeaders(config.Token)),
	}
	if !config.TLS.Enabled {
		opts = append(opts, otlptracehttp.WithInsecure())
		return otlptracehttp.New(ctx, opts...)
	}

	tlsCfg, err := tlsConfig(config.TLS.CertPath)
	if err != nil {
		return nil, err
	}
	opts = append(opts, otlptracehttp.WithTLSClientConfig(tlsCfg))
	return otlptracehttp.New(ctx, opts...)
}

func newGRPCExporter(ctx context.Context, config *Config) (sdktrace.SpanExporter, error) {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpointURL(config.Url),
		otlptracegrpc.WithHeaders(authHeaders(config.Token)),
	}
	if !config.TLS.Enabled {
		opts = append(opts, otlptracegrpc.WithInsecure())
		return otlptracegrpc.New(ctx, opts...)
	}

	tlsCfg, err := tlsConfig(config.TLS.CertPath)
	if err != nil {
		return nil, err
	}
	opts = append(opts, otlptracegrpc.WithTLSCredentials(credentials.NewTLS(tlsCfg)))
	return otlptracegrpc.New(ctx, opts...)
}

func authHeaders(token string) map[string]string {
	if token == "" {
		return nil
	}
	return map[string]string{"Authorization": fmt.Sprintf("Bearer %s", token)}
}

// tlsConfig returns a tls configuration trusting the system pool and
// the certificate at certPath if set
func tlsConfig(certPath string) (*tls.Config, error) {
	pool, err := x509.SystemCertPool()
	if err != nil {
		return nil, fmt.Errorf("failed to load system cert pool: %w", err)
	}
	if certPath != "" {
		b, err := os.ReadFile(certPath) //#nosec G304
		if err != nil {
			return nil, fmt.Errorf("failed to read certificate: %w", err)
		}
		if !pool.AppendCertsFromPEM(b) {
			return nil, fmt.Errorf("failed to append certificate %q to the pool", certPath)
		}
	}
	return &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}, nil
}
