// SPDX-FileCopyrightText: 2025 Deutsche Telekom IT GmbH
//
// SPDX-License-Identifier: Apache-2.0

// Package test contains helpers shared by the tests of pathfinder.
package test

import (
	"os"
	"testing"
)

// MarkAsLong marks the test as long running.
// It is skipped if the -short flag is set.
func MarkAsLong(t testing.TB) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping long running test in short mode")
	}
}

// RequireRawSockets skips the test unless the process runs as root and may
// therefore open raw sockets.
func RequireRawSockets(t testing.TB) {
	t.Helper()
	MarkAsLong(t)
	if os.Geteuid() != 0 {
		t.Skip("raw sockets require root privileges")
	}
}
