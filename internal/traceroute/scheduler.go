// SPDX-FileCopyrightText: 2025 Deutsche Telekom IT GmbH
//
// SPDX-License-Identifier: Apache-2.0

package traceroute

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/telekom/pathfinder/internal/logger"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// sweep probes every TTL of one flow key and finalizes the hops in TTL order.
//
// A dispatcher goroutine sends probes TTL after TTL without waiting for
// responses, bounded by the in-flight semaphore of the session. The
// consumer applies probe outcomes to the aggregator and checks the
// termination rules each time the next TTL completes.
type sweep struct {
	s        *session
	key      FlowKey
	agg      *aggregator
	outcomes chan probeOutcome
	// dispatched is the highest TTL a probe was handed out for.
	dispatched atomic.Int32
	// sentKeys holds the flow key of every probe in classic mode. Only the
	// dispatcher writes it.
	sentKeys []FlowKey
}

func (s *session) newSweep(key FlowKey) *sweep {
	return &sweep{
		s:   s,
		key: key,
		agg: newAggregator(s.opts.Mode, s.req.Protocol, s.req.Target, key, s.opts.MaxTTL, s.opts.ProbesPerHop),
		// Every probe delivers at most one outcome, so delivery never blocks.
		outcomes: make(chan probeOutcome, s.opts.MaxTTL*s.opts.ProbesPerHop),
	}
}

// deliver hands the outcome of one of the sweep's probes to the consumer.
func (w *sweep) deliver(o probeOutcome) {
	w.outcomes <- o
}

// run executes the sweep until the target is reached, the maximum TTL is
// exhausted or the context is done.
func (w *sweep) run(ctx context.Context) Path {
	ctx, span := w.s.tracer.Start(ctx, "Sweep", trace.WithAttributes(
		attribute.Stringer("traceroute.target.address", w.s.req.Target),
		attribute.Int("traceroute.flow_key", int(w.key)),
	))
	defer span.End()
	log := logger.FromContext(ctx).With("flowKey", w.key)
	ctx = logger.IntoContext(ctx, log)

	dctx, stop := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.dispatch(dctx)
	}()

	term, last := w.consume(ctx)
	stop()
	<-done

	// Probes still in flight past the end of the sweep are abandoned.
	for _, p := range w.s.pending.drain(w) {
		w.s.abandon(p)
	}

	keys := []FlowKey{w.key}
	if len(w.sentKeys) > 0 {
		keys = w.sentKeys
	}
	path := Path{
		FlowKeys:    keys,
		Hops:        w.hops(term, last),
		Termination: term,
	}
	span.SetAttributes(
		attribute.String("traceroute.termination", string(term)),
		attribute.Int("traceroute.hops", len(path.Hops)),
	)
	log.DebugContext(ctx, "Sweep finished", "termination", term, "hops", len(path.Hops))
	return path
}

// dispatch sends the probes of the sweep in TTL order.
func (w *sweep) dispatch(ctx context.Context) {
	opts := w.s.opts
	index := 0
	for ttl := 1; ttl <= opts.MaxTTL; ttl++ {
		for i := range opts.ProbesPerHop {
			if err := w.s.sem.Acquire(ctx, 1); err != nil {
				return
			}
			if ctx.Err() != nil {
				w.s.sem.Release(1)
				return
			}

			probe := Probe{
				TTL:      uint8(ttl), // #nosec G115 // max TTL is at most 255
				Index:    i,
				Protocol: w.s.req.Protocol,
				FlowKey:  w.flowKey(index),
				Target:   w.s.req.Target,
				Port:     w.s.req.Port,
			}
			index++
			if opts.Mode == ModeClassic {
				w.sentKeys = append(w.sentKeys, probe.FlowKey)
			}
			w.dispatched.Store(int32(ttl)) // #nosec G115

			if err := w.s.send(ctx, w, probe); err != nil {
				if ctx.Err() == nil {
					w.s.fail(err)
				}
				return
			}

			if !sleepContext(ctx, opts.SendInterval) {
				return
			}
		}
	}
}

// flowKey returns the flow key of the probe with the given dispatch index.
func (w *sweep) flowKey(index int) FlowKey {
	if w.s.opts.Mode == ModeClassic {
		return w.s.flows.next(index)
	}
	return w.key
}

// consume applies outcomes until the sweep terminates. It returns the
// termination and the last finalized TTL.
func (w *sweep) consume(ctx context.Context) (Termination, int) {
	maxTTL := w.s.opts.MaxTTL
	next := 1
	for {
		select {
		case <-ctx.Done():
			return TerminationAborted, next - 1
		case o := <-w.outcomes:
			w.agg.record(ctx, o)
			for next <= maxTTL && w.agg.complete(next) {
				hop := w.agg.finalize(next)
				w.report(ctx, hop)
				if hop.Reached {
					return TerminationReached, next
				}
				if next == maxTTL {
					return TerminationExhausted, next
				}
				next++
			}
		}
	}
}

// hops returns the results of the sweep. Completed sweeps end at the
// terminal TTL, aborted ones include every dispatched TTL.
func (w *sweep) hops(term Termination, last int) []HopResult {
	upto := last
	if term == TerminationAborted {
		upto = max(last, int(w.dispatched.Load()))
	}
	hops := make([]HopResult, 0, upto)
	for ttl := 1; ttl <= upto; ttl++ {
		hops = append(hops, w.agg.snapshot(ttl))
	}
	return hops
}

// report publishes a finalized hop.
func (w *sweep) report(ctx context.Context, hop HopResult) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent("Hop finalized", trace.WithAttributes(
		attribute.Int("traceroute.target.ttl", int(hop.TTL)),
		attribute.Stringer("traceroute.target.hop", hop),
		attribute.Stringer("traceroute.target.hop.status", hop.Status),
		attribute.Bool("traceroute.target.reached", hop.Reached),
	))
	if hop.HashStabilityViolation {
		w.s.metrics.hashViolations.Inc()
	}
	logger.FromContext(ctx).DebugContext(ctx, hop.String())

	if w.s.req.OnHop != nil {
		w.s.req.OnHop(w.key, hop)
	}
}

// sleepContext waits for d or until the context is done. It reports whether
// the full duration elapsed.
func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
