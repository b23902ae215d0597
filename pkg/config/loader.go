// SPDX-FileCopyrightText: 2025 Deutsche Telekom IT GmbH
//
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"context"
)

var (
	_ Loader = (*FileLoader)(nil)
	_ Loader = StaticLoader(nil)
)

// Loader provides the hosts to trace
//
//go:generate go tool moq -out loader_moq.go . Loader
type Loader interface {
	// Load returns the hosts to trace in the order they are traced
	Load(ctx context.Context) ([]string, error)
}

// NewLoader returns the file loader if a targets file is configured.
// Otherwise the hosts given on the command line are traced.
func NewLoader(cfg *Config, hosts []string) Loader {
	if cfg.HasTargetsFile() {
		return NewFileLoader(cfg, hosts)
	}
	return StaticLoader(hosts)
}

// StaticLoader returns a fixed list of hosts
type StaticLoader []string

func (s StaticLoader) Load(_ context.Context) ([]string, error) {
	if len(s) == 0 {
		return nil, ErrNoTargets
	}
	return s, nil
}
