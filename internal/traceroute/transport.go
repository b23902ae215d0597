// SPDX-FileCopyrightText: 2025 Deutsche Telekom IT GmbH
//
// SPDX-License-Identifier: Apache-2.0

package traceroute

import (
	"context"
	"net/netip"
)

// Transport moves raw IPv4 packets between the engine and the network.
//
//go:generate go tool moq -out transport_moq.go . Transport
type Transport interface {
	// Send transmits one complete IPv4 packet, header included.
	Send(ctx context.Context, packet []byte) error
	// Recv blocks until the next inbound IPv4 packet, header included, is
	// available or the context is done.
	Recv(ctx context.Context) ([]byte, error)
	// Close releases the resources of the transport.
	Close() error
}

// sourceResolver is implemented by transports that can pick the local
// address used to reach a target.
type sourceResolver interface {
	SourceFor(target netip.Addr) (netip.Addr, error)
}
