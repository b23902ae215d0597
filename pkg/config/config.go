// SPDX-FileCopyrightText: 2025 Deutsche Telekom IT GmbH
//
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"net/netip"

	"github.com/telekom/pathfinder/internal/traceroute"
	"github.com/telekom/pathfinder/pkg/report"
	"github.com/telekom/pathfinder/pkg/telemetry"
)

type Config struct {
	// Trace is the configuration of the traces
	Trace TraceConfig `yaml:"trace" mapstructure:"trace"`
	// Targets is the configuration of the target loader
	Targets TargetsConfig `yaml:"targets" mapstructure:"targets"`
	// Output is the configuration of the report output
	Output OutputConfig `yaml:"output" mapstructure:"output"`
	// Telemetry is the configuration for the telemetry
	Telemetry telemetry.Config `yaml:"telemetry" mapstructure:"telemetry"`
}

// TraceConfig is the configuration of a single trace
type TraceConfig struct {
	Protocol traceroute.Protocol `yaml:"protocol" mapstructure:"protocol"`
	// Port is the destination port of UDP and TCP probes
	Port uint16 `yaml:"port" mapstructure:"port"`
	// Source is the source address of the probes.
	// The transport picks one if it is empty.
	Source  string             `yaml:"source" mapstructure:"source"`
	Options traceroute.Options `yaml:",inline" mapstructure:",squash"`
}

// TargetsConfig is the configuration of the target loader
type TargetsConfig struct {
	// File is the yaml file listing the targets
	File FileLoaderConfig `yaml:"file" mapstructure:"file"`
}

// FileLoaderConfig is the configuration for the file loader
type FileLoaderConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// OutputConfig is the configuration of the report output
type OutputConfig struct {
	Format report.Format `yaml:"format" mapstructure:"format"`
}

// HasTargetsFile returns true if the targets are loaded from a file
func (c *Config) HasTargetsFile() bool {
	return c.Targets.File.Path != ""
}

// HasTelemetry returns true if the config has telemetry enabled
func (c *Config) HasTelemetry() bool {
	return c.Telemetry.Enabled
}

// SetDefaults fills unset fields with their defaults
func (c *Config) SetDefaults() {
	if c.Trace.Protocol == "" {
		c.Trace.Protocol = traceroute.ProtocolUDP
	}
	if c.Output.Format == "" {
		c.Output.Format = report.FormatTable
	}
	if c.Telemetry.Exporter == "" {
		c.Telemetry.Exporter = telemetry.NOOP
	}
	c.Trace.Options = c.Trace.Options.WithDefaults()
}

// Request returns the trace request for the target
func (c *TraceConfig) Request(target netip.Addr) (traceroute.Request, error) {
	req := traceroute.Request{
		Target:   target,
		Protocol: c.Protocol,
		Port:     c.Port,
		Options:  c.Options,
	}
	if c.Source != "" {
		src, err := netip.ParseAddr(c.Source)
		if err != nil {
			return traceroute.Request{}, fmt.Errorf("%w: %w", ErrInvalidSource, err)
		}
		req.Source = src
	}
	return req.WithDefaults(), nil
}
