// SPDX-FileCopyrightText: 2025 Deutsche Telekom IT GmbH
//
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/telekom/pathfinder/internal/traceroute"
	"github.com/telekom/pathfinder/pkg/config"
	"github.com/telekom/pathfinder/pkg/report"
	"github.com/telekom/pathfinder/pkg/telemetry"
)

type resolverFunc func(ctx context.Context, network, host string) ([]netip.Addr, error)

func (f resolverFunc) LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error) {
	return f(ctx, network, host)
}

var exampleAddr = netip.MustParseAddr("198.51.100.1")

func exampleResolver(_ context.Context, network, host string) ([]netip.Addr, error) {
	if network != "ip4" || host != "example.test" {
		return nil, errors.New("no such host")
	}
	return []netip.Addr{exampleAddr}, nil
}

func reachedSession(req traceroute.Request) *traceroute.Session {
	hop := traceroute.HopResult{
		TTL: 1, Responder: req.Target, Responders: []netip.Addr{req.Target},
		RTTSamples: []time.Duration{time.Millisecond}, Status: traceroute.StatusResolved,
		Kind: traceroute.KindEchoReply, Reached: true,
	}
	return &traceroute.Session{
		Target:       req.Target,
		Protocol:     req.Protocol,
		Port:         req.Port,
		MaxTTL:       req.Options.MaxTTL,
		ProbesPerHop: req.Options.ProbesPerHop,
		Timeout:      req.Options.Timeout,
		Mode:         req.Options.Mode,
		Hops:         []traceroute.HopResult{hop},
		Paths:        []traceroute.Path{{FlowKeys: []traceroute.FlowKey{40000}, Hops: []traceroute.HopResult{hop}, Termination: traceroute.TerminationReached}},
		Termination:  traceroute.TerminationReached,
	}
}

func executeTrace(t *testing.T, client traceroute.Client, tel telemetry.Provider, args ...string) (string, error) {
	t.Helper()
	return executeTraceWith(t, traceDeps{
		newClient: func() traceroute.Client { return client },
		newTelemetry: func(cfg telemetry.Config, version string) telemetry.Provider {
			if tel != nil {
				return tel
			}
			return telemetry.New(cfg, version)
		},
		newLoader: config.NewLoader,
		resolver:  resolverFunc(exampleResolver),
	}, args...)
}

func executeTraceWith(t *testing.T, deps traceDeps, args ...string) (string, error) {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)

	cmd := newCmdTrace("v0.0.0-test", deps)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)

	err := cmd.ExecuteContext(t.Context())
	return out.String(), err
}

func TestTrace_JSON(t *testing.T) {
	client := &traceroute.ClientMock{
		RunFunc: func(_ context.Context, req traceroute.Request) (*traceroute.Session, error) {
			return reachedSession(req), nil
		},
		CollectorsFunc: func() []prometheus.Collector { return nil },
	}

	out, err := executeTrace(t, client, nil,
		"--protocol", "tcp", "--port", "443", "--mode", "multipath", "--flows", "4", "--wait", "2s",
		"--source", "192.0.2.1", "--output", "json", "example.test")
	require.NoError(t, err)

	calls := client.RunCalls()
	require.Len(t, calls, 1)
	req := calls[0].Req
	assert.Equal(t, exampleAddr, req.Target)
	assert.Equal(t, netip.MustParseAddr("192.0.2.1"), req.Source)
	assert.Equal(t, traceroute.ProtocolTCP, req.Protocol)
	assert.Equal(t, uint16(443), req.Port)
	assert.Equal(t, traceroute.ModeMultipath, req.Options.Mode)
	assert.Equal(t, 4, req.Options.Flows)
	assert.Equal(t, 2*time.Second, req.Options.Timeout)
	assert.Equal(t, traceroute.DefaultMaxTTL, req.Options.MaxTTL)
	assert.NotNil(t, req.OnHop)

	var r report.Report
	require.NoError(t, json.Unmarshal([]byte(out), &r))
	assert.Equal(t, "example.test", r.Host)
	assert.Equal(t, "198.51.100.1", r.Target)
	assert.Equal(t, "reached", r.Termination)
}

func TestTrace_Table(t *testing.T) {
	client := &traceroute.ClientMock{
		RunFunc: func(_ context.Context, req traceroute.Request) (*traceroute.Session, error) {
			return reachedSession(req), nil
		},
		CollectorsFunc: func() []prometheus.Collector { return nil },
	}

	out, err := executeTrace(t, client, nil, "--protocol", "icmp", "198.51.100.1")
	require.NoError(t, err)
	assert.Contains(t, out, "traceroute to 198.51.100.1 (198.51.100.1), 30 hops max, icmp, deterministic mode\n")
	assert.Contains(t, out, "(reached)")
}

func TestTrace_Failures(t *testing.T) {
	tests := []struct {
		name      string
		args      []string
		runErr    error
		wantErr   error
		wantCalls int
	}{
		{
			name:    "no hosts",
			args:    []string{},
			wantErr: config.ErrNoTargets,
		},
		{
			name:    "invalid protocol",
			args:    []string{"--protocol", "sctp", "198.51.100.1"},
			wantErr: config.ErrInvalidProtocol,
		},
		{
			name:    "invalid output",
			args:    []string{"--output", "xml", "198.51.100.1"},
			wantErr: report.ErrInvalidFormat,
		},
		{
			name:      "unresolvable host is reported and the next host traced",
			args:      []string{"unknown.test", "198.51.100.1"},
			wantCalls: 1,
		},
		{
			name:      "raw sockets unavailable stops tracing",
			args:      []string{"198.51.100.1", "198.51.100.2"},
			runErr:    traceroute.ErrRawSocketUnavailable,
			wantErr:   traceroute.ErrRawSocketUnavailable,
			wantCalls: 1,
		},
		{
			name:      "transport failures do not stop tracing",
			args:      []string{"198.51.100.1", "198.51.100.2"},
			runErr:    &traceroute.TransportError{Op: "send", Err: errors.New("network is down")},
			wantCalls: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &traceroute.ClientMock{
				RunFunc: func(_ context.Context, req traceroute.Request) (*traceroute.Session, error) {
					return reachedSession(req), tt.runErr
				},
				CollectorsFunc: func() []prometheus.Collector { return nil },
			}

			out, err := executeTrace(t, client, nil, tt.args...)
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
			assert.Len(t, client.RunCalls(), tt.wantCalls)
			if tt.wantCalls > 0 {
				assert.Contains(t, out, "error: ")
			}
		})
	}
}

func TestTrace_Telemetry(t *testing.T) {
	registry := prometheus.NewRegistry()
	tel := &telemetry.ProviderMock{
		GetRegistryFunc:  func() *prometheus.Registry { return registry },
		InitTracingFunc:  func(context.Context) error { return nil },
		WriteMetricsFunc: func(context.Context) error { return nil },
		ShutdownFunc:     func(context.Context) error { return nil },
	}
	probes := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_probes_total"})
	client := &traceroute.ClientMock{
		RunFunc: func(_ context.Context, req traceroute.Request) (*traceroute.Session, error) {
			probes.Inc()
			return reachedSession(req), nil
		},
		CollectorsFunc: func() []prometheus.Collector { return []prometheus.Collector{probes} },
	}

	_, err := executeTrace(t, client, tel, "--otel", "--otel-exporter", "noop", "198.51.100.1")
	require.NoError(t, err)

	assert.Len(t, tel.InitTracingCalls(), 1)
	assert.Len(t, tel.WriteMetricsCalls(), 1)
	assert.Len(t, tel.ShutdownCalls(), 1)

	families, err := registry.Gather()
	require.NoError(t, err)
	var names []string
	for _, mf := range families {
		names = append(names, mf.GetName())
	}
	assert.Contains(t, names, "test_probes_total")
	assert.Contains(t, names, "pathfinder_build_info")
}

func TestTrace_MetricsFile(t *testing.T) {
	client := &traceroute.ClientMock{
		RunFunc: func(_ context.Context, req traceroute.Request) (*traceroute.Session, error) {
			return reachedSession(req), nil
		},
		CollectorsFunc: func() []prometheus.Collector { return nil },
	}
	path := filepath.Join(t.TempDir(), "pathfinder.prom")

	_, err := executeTrace(t, client, nil, "--metrics-file", path, "198.51.100.1")
	require.NoError(t, err)

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), "pathfinder_build_info")
}

func TestTrace_TargetsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "targets.yaml")
	require.NoError(t, os.WriteFile(path, []byte("targets:\n  - example.test\n  - 198.51.100.9\n"), 0o600))

	client := &traceroute.ClientMock{
		RunFunc: func(_ context.Context, req traceroute.Request) (*traceroute.Session, error) {
			return reachedSession(req), nil
		},
		CollectorsFunc: func() []prometheus.Collector { return nil },
	}

	_, err := executeTrace(t, client, nil, "--targets-file", path, "--output", "yaml")
	require.NoError(t, err)

	calls := client.RunCalls()
	require.Len(t, calls, 2)
	assert.Equal(t, exampleAddr, calls[0].Req.Target)
	assert.Equal(t, netip.MustParseAddr("198.51.100.9"), calls[1].Req.Target)
}

func TestTrace_Loader(t *testing.T) {
	loadErr := errors.New("targets unavailable")
	tests := []struct {
		name      string
		hosts     []string
		err       error
		wantCalls int
	}{
		{name: "hosts from loader", hosts: []string{"example.test", "198.51.100.9"}, wantCalls: 2},
		{name: "loader fails", err: loadErr},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &traceroute.ClientMock{
				RunFunc: func(_ context.Context, req traceroute.Request) (*traceroute.Session, error) {
					return reachedSession(req), nil
				},
				CollectorsFunc: func() []prometheus.Collector { return nil },
			}
			loader := &config.LoaderMock{
				LoadFunc: func(context.Context) ([]string, error) { return tt.hosts, tt.err },
			}

			_, err := executeTraceWith(t, traceDeps{
				newClient:    func() traceroute.Client { return client },
				newTelemetry: telemetry.New,
				newLoader: func(_ *config.Config, hosts []string) config.Loader {
					assert.Equal(t, []string{"ignored.test"}, hosts)
					return loader
				},
				resolver: resolverFunc(exampleResolver),
			}, "ignored.test", "--output", "json")

			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
			} else {
				require.NoError(t, err)
			}
			assert.Len(t, loader.LoadCalls(), 1)
			assert.Len(t, client.RunCalls(), tt.wantCalls)
		})
	}
}

func TestResolve(t *testing.T) {
	r := resolverFunc(exampleResolver)

	addr, err := resolve(t.Context(), r, "::ffff:192.0.2.1")
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddr("192.0.2.1"), addr)

	addr, err = resolve(t.Context(), r, "example.test")
	require.NoError(t, err)
	assert.Equal(t, exampleAddr, addr)

	_, err = resolve(t.Context(), r, "unknown.test")
	assert.Error(t, err)

	empty := resolverFunc(func(context.Context, string, string) ([]netip.Addr, error) { return nil, nil })
	_, err = resolve(t.Context(), empty, "example.test")
	assert.Error(t, err)
}
