// SPDX-FileCopyrightText: 2025 Deutsche Telekom IT GmbH
//
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/telekom/pathfinder/internal/logger"
	"github.com/telekom/pathfinder/internal/traceroute"
	"github.com/telekom/pathfinder/pkg/config"
	"github.com/telekom/pathfinder/pkg/report"
	"github.com/telekom/pathfinder/pkg/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// resolver resolves host names to addresses
type resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// traceDeps are the collaborators of the trace command
type traceDeps struct {
	newClient    func() traceroute.Client
	newTelemetry func(cfg telemetry.Config, version string) telemetry.Provider
	newLoader    func(cfg *config.Config, hosts []string) config.Loader
	resolver     resolver
}

// NewCmdTrace creates a new trace command
func NewCmdTrace(version string) *cobra.Command {
	return newCmdTrace(version, traceDeps{
		newClient:    traceroute.NewClient,
		newTelemetry: telemetry.New,
		newLoader:    config.NewLoader,
		resolver:     net.DefaultResolver,
	})
}

func newCmdTrace(version string, deps traceDeps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trace [flags] host...",
		Short: "Discover the path to one or more hosts",
		Long: "Discover the forwarding path to one or more hosts.\n" +
			"The deterministic mode keeps the flow hash of all probes stable (Paris traceroute),\n" +
			"the multipath mode sweeps several flows to discover equal-cost paths and the classic mode\n" +
			"changes the flow on every probe. Raw sockets require root or CAP_NET_RAW.",
		Example: "  pathfinder trace example.com\n" +
			"  pathfinder trace --protocol tcp --port 443 --mode multipath --flows 16 example.com\n" +
			"  pathfinder trace --targets-file targets.yaml --output json",
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			return bindTraceFlags(cmd.Flags())
		},
		RunE: runTrace(version, deps),
	}

	f := cmd.Flags()
	f.StringP("protocol", "P", string(traceroute.ProtocolUDP), "probe protocol: udp, icmp or tcp")
	f.Uint16P("port", "p", 0, "destination port of udp and tcp probes (default 33434 for udp, 80 for tcp)")
	f.StringP("source", "s", "", "source address of the probes")
	f.IntP("max-ttl", "m", traceroute.DefaultMaxTTL, "maximum number of hops")
	f.IntP("queries", "q", traceroute.DefaultProbesPerHop, "number of probes per hop")
	f.DurationP("wait", "w", traceroute.DefaultTimeout, "time to wait for the response of a probe")
	f.String("mode", string(traceroute.ModeDeterministic), "flow mode: deterministic, multipath or classic")
	f.Int("flows", traceroute.DefaultFlows, "number of flows explored in multipath mode")
	f.Uint64("seed", 0, "seed of the flow key pool, 0 picks a random seed")
	f.Int("max-in-flight", traceroute.DefaultMaxInFlight, "maximum number of unanswered probes")
	f.Duration("send-interval", traceroute.DefaultSendInterval, "pause between two probes of a flow")
	f.Int("parallel", traceroute.DefaultParallelSweeps, "number of flows swept at the same time in multipath mode")
	f.String("targets-file", "", "yaml file listing the targets to trace")
	f.StringP("output", "o", string(report.FormatTable), "output format: table, json or yaml")
	f.String("metrics-file", "", "file the prometheus metrics are written to after the traces")
	f.Bool("otel", false, "export the spans of the traces with OpenTelemetry")
	f.String("otel-exporter", string(telemetry.STDOUT), "OpenTelemetry exporter: http, grpc, stdout or noop")
	f.String("otel-url", "", "url of the OpenTelemetry collector")

	return cmd
}

// traceFlagKeys maps the flags of the trace command to their config keys
var traceFlagKeys = map[string]string{
	"protocol":      "trace.protocol",
	"port":          "trace.port",
	"source":        "trace.source",
	"max-ttl":       "trace.maxTTL",
	"queries":       "trace.probesPerHop",
	"wait":          "trace.timeout",
	"mode":          "trace.mode",
	"flows":         "trace.flows",
	"seed":          "trace.seed",
	"max-in-flight": "trace.maxInFlight",
	"send-interval": "trace.sendInterval",
	"parallel":      "trace.parallelSweeps",
	"targets-file":  "targets.file.path",
	"output":        "output.format",
	"metrics-file":  "telemetry.metricsFile",
	"otel":          "telemetry.enabled",
	"otel-exporter": "telemetry.exporter",
	"otel-url":      "telemetry.url",
}

func bindTraceFlags(fs *pflag.FlagSet) error {
	for name, key := range traceFlagKeys {
		if err := viper.BindPFlag(key, fs.Lookup(name)); err != nil {
			return fmt.Errorf("failed to bind flag %q: %w", name, err)
		}
	}
	return nil
}

// runTrace traces every host and writes the reports
func runTrace(version string, deps traceDeps) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) (err error) {
		ctx, cancel := logger.NewContextWithLogger(cmd.Context())
		defer cancel()
		ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
		defer stop()
		log := logger.FromContext(ctx)

		cfg := &config.Config{}
		if err = viper.Unmarshal(cfg); err != nil {
			log.Error("Failed to parse config", "error", err)
			return fmt.Errorf("failed to parse config: %w", err)
		}
		cfg.SetDefaults()
		if err = cfg.Validate(ctx); err != nil {
			return err
		}

		hosts, err := deps.newLoader(cfg, args).Load(ctx)
		if err != nil {
			return err
		}

		tel := deps.newTelemetry(cfg.Telemetry, version)
		if cfg.HasTelemetry() {
			if err = tel.InitTracing(ctx); err != nil {
				return err
			}
		}
		defer func() {
			err = errors.Join(err, tel.Shutdown(context.WithoutCancel(ctx)))
		}()

		client := deps.newClient()
		registry := tel.GetRegistry()
		registry.MustRegister(client.Collectors()...)
		hostname, _ := os.Hostname()
		if rErr := telemetry.RegisterBuildInfo(registry, version, hostname); rErr != nil {
			log.Warn("Failed to register build info", "error", rErr)
		}

		ctx, sp := otel.Tracer("pathfinder").Start(ctx, "Trace", trace.WithAttributes(
			attribute.StringSlice("pathfinder.hosts", hosts),
		))
		defer sp.End()

		reports := make([]report.Report, 0, len(hosts))
		var failed error
		for _, host := range hosts {
			if ctx.Err() != nil {
				break
			}
			res, tErr := traceHost(ctx, client, deps.resolver, cfg, host)
			reports = append(reports, report.New(host, res, tErr))
			if tErr != nil {
				failed = errors.Join(failed, fmt.Errorf("trace to %s failed: %w", host, tErr))
				if errors.Is(tErr, traceroute.ErrRawSocketUnavailable) {
					break
				}
			}
		}
		if failed != nil {
			sp.SetStatus(codes.Error, failed.Error())
		}

		if wErr := report.Write(cmd.OutOrStdout(), cfg.Output.Format, reports...); wErr != nil {
			return errors.Join(failed, fmt.Errorf("failed to write report: %w", wErr))
		}
		return errors.Join(failed, tel.WriteMetrics(ctx))
	}
}

// traceHost resolves the host and traces it
func traceHost(ctx context.Context, client traceroute.Client, r resolver, cfg *config.Config, host string) (*traceroute.Session, error) {
	log := logger.FromContext(ctx).With("host", host)

	target, err := resolve(ctx, r, host)
	if err != nil {
		log.ErrorContext(ctx, "Failed to resolve host", "error", err)
		return nil, err
	}

	req, err := cfg.Trace.Request(target)
	if err != nil {
		return nil, err
	}
	req.OnHop = func(key traceroute.FlowKey, hop traceroute.HopResult) {
		log.InfoContext(ctx, "Hop finalized", "flowKey", key, "ttl", hop.TTL, "responder", hop.Responder, "status", hop.Status)
	}

	log.InfoContext(ctx, "Starting trace", "target", target, "protocol", req.Protocol, "mode", req.Options.Mode)
	return client.Run(logger.IntoContext(ctx, log), req)
}

// resolve returns the IPv4 address of the host
func resolve(ctx context.Context, r resolver, host string) (netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return addr.Unmap(), nil
	}

	addrs, err := r.LookupNetIP(ctx, "ip4", host)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("failed to resolve %q: %w", host, err)
	}
	if len(addrs) == 0 {
		return netip.Addr{}, fmt.Errorf("no IPv4 address found for %q", host)
	}
	return addrs[0].Unmap(), nil
}
