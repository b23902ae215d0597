// SPDX-FileCopyrightText: 2025 Deutsche Telekom IT GmbH
//
// SPDX-License-Identifier: Apache-2.0

// Package pkg contains metadata about pathfinder.
package pkg

// Version is the current version of pathfinder.
// It is set at build time by using -ldflags "-X main.version=x.x.x"
// or "-X github.com/telekom/pathfinder/pkg.Version=x.x.x".
var Version = "dev"
