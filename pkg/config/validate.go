// SPDX-FileCopyrightText: 2025 Deutsche Telekom IT GmbH
//
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"path/filepath"

	"github.com/telekom/pathfinder/internal/logger"
)

// Validate validates the startup config. It expects defaults to be applied.
func (c *Config) Validate(ctx context.Context) (err error) {
	log := logger.FromContext(ctx)

	if vErr := c.Trace.Validate(ctx); vErr != nil {
		log.Error("The trace configuration is invalid")
		err = errors.Join(err, vErr)
	}

	if c.HasTargetsFile() {
		if vErr := c.Targets.Validate(ctx); vErr != nil {
			log.Error("The targets configuration is invalid")
			err = errors.Join(err, vErr)
		}
	}

	if vErr := c.Output.Format.Validate(); vErr != nil {
		log.Error("The output format is invalid", "format", c.Output.Format)
		err = errors.Join(err, vErr)
	}

	if c.HasTelemetry() {
		if vErr := c.Telemetry.Validate(ctx); vErr != nil {
			log.Error("The telemetry configuration is invalid")
			err = errors.Join(err, vErr)
		}
	}

	if err != nil {
		return fmt.Errorf("validation of configuration failed: %w", err)
	}
	return nil
}

// Validate validates the trace configuration
func (c *TraceConfig) Validate(ctx context.Context) (err error) {
	log := logger.FromContext(ctx)

	if !c.Protocol.IsValid() {
		log.Error("The protocol must be one of udp, icmp or tcp", "protocol", c.Protocol)
		err = errors.Join(err, fmt.Errorf("%w: %q", ErrInvalidProtocol, c.Protocol))
	}

	if c.Source != "" {
		src, pErr := netip.ParseAddr(c.Source)
		if pErr != nil || !src.Unmap().Is4() {
			log.Error("The source must be an IPv4 address", "source", c.Source)
			err = errors.Join(err, fmt.Errorf("%w: %q", ErrInvalidSource, c.Source))
		}
	}

	if oErr := c.Options.Validate(); oErr != nil {
		log.Error("The trace options are invalid", "error", oErr)
		err = errors.Join(err, fmt.Errorf("%w: %w", ErrInvalidTraceOptions, oErr))
	}
	return err
}

// Validate validates the targets configuration
func (c *TargetsConfig) Validate(ctx context.Context) error {
	log := logger.FromContext(ctx)
	switch filepath.Ext(c.File.Path) {
	case ".yaml", ".yml":
		return nil
	default:
		log.Error("The targets file must be a yaml file", "path", c.File.Path)
		return fmt.Errorf("%w: %q", ErrInvalidTargetsFilePath, c.File.Path)
	}
}
