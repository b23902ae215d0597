// SPDX-FileCopyrightText: 2025 Deutsche Telekom IT GmbH
//
// SPDX-License-Identifier: Apache-2.0

package traceroute

import (
	"context"
	"errors"
	"fmt"
	"net/netip"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	_ Client = (*genericClient)(nil)
)

// Client is able to run a traceroute to a target.
//
//go:generate go tool moq -out client_moq.go . Client
type Client interface {
	// Run executes the traceroute described by the request.
	// It returns the session, which is partial if the trace was canceled or
	// the transport failed. Only validation and transport failures are errors.
	Run(ctx context.Context, req Request) (*Session, error)
	// Collectors returns the metric collectors of the client.
	Collectors() []prometheus.Collector
}

type genericClient struct {
	// transport is used for every run if set. It is owned by the caller.
	transport Transport
	// newTransport opens a transport per run if no transport is set.
	newTransport func() (Transport, error)
	metrics      *metrics
}

// NewClient returns a client that opens raw sockets for every run.
func NewClient() Client {
	return &genericClient{
		newTransport: newRawTransport,
		metrics:      newMetrics(),
	}
}

// NewClientWithTransport returns a client that runs every trace over t.
// The client never closes t.
func NewClientWithTransport(t Transport) Client {
	return &genericClient{
		transport: t,
		metrics:   newMetrics(),
	}
}

func (c *genericClient) Run(ctx context.Context, req Request) (*Session, error) {
	tracer := trace.SpanFromContext(ctx).TracerProvider().Tracer("traceroute.Client")
	ctx, sp := tracer.Start(ctx, "Run", trace.WithAttributes(
		attribute.Stringer("traceroute.target.address", req.Target),
		attribute.String("traceroute.target.protocol", req.Protocol.String()),
	))
	defer sp.End()

	req = req.WithDefaults()
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}

	t := c.transport
	if t == nil {
		var err error
		t, err = c.newTransport()
		if err != nil {
			return nil, wrapError(ctx, err, "failed to open transport")
		}
		defer func() { _ = t.Close() }()
	}

	src, err := sourceAddr(req, t)
	if err != nil {
		return nil, wrapError(ctx, err, "failed to determine source address")
	}

	res, err := newSession(req, src, t, c.metrics, tracer).run(ctx)
	logHops(ctx, res)
	return res, err
}

func (c *genericClient) Collectors() []prometheus.Collector {
	return c.metrics.GetCollectors()
}

// sourceAddr returns the source address of the request or asks the
// transport for one.
func sourceAddr(req Request, t Transport) (netip.Addr, error) {
	if req.Source.IsValid() {
		return req.Source.Unmap(), nil
	}
	r, ok := t.(sourceResolver)
	if !ok {
		return netip.Addr{}, errors.New("source address required, transport cannot resolve one")
	}
	src, err := r.SourceFor(req.Target.Unmap())
	if err != nil {
		return netip.Addr{}, err
	}
	if !src.Unmap().Is4() {
		return netip.Addr{}, fmt.Errorf("source address %s is not IPv4", src)
	}
	return src.Unmap(), nil
}
