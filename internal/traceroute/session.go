// SPDX-FileCopyrightText: 2025 Deutsche Telekom IT GmbH
//
// SPDX-License-Identifier: Apache-2.0

package traceroute

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/telekom/pathfinder/internal/logger"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// errSessionDone stops the receiver after every sweep finished.
var errSessionDone = errors.New("session done")

// session runs one trace end to end. It owns the pending index shared by the
// receiver and the sweeps.
type session struct {
	req       Request
	opts      Options
	source    netip.Addr
	transport Transport
	flows     *flowController
	pending   *pendingIndex
	corr      *correlator
	sem       *semaphore.Weighted
	seq       atomic.Uint32
	metrics   *metrics
	tracer    trace.Tracer
	// cancel aborts the session with a cause.
	cancel context.CancelCauseFunc
}

// newSession creates a session for the request. The request must have its
// defaults applied.
func newSession(req Request, source netip.Addr, t Transport, m *metrics, tracer trace.Tracer) *session {
	req.Target = req.Target.Unmap()
	pending := newPendingIndex()
	return &session{
		req:       req,
		opts:      req.Options,
		source:    source.Unmap(),
		transport: t,
		flows:     newFlowController(req.Options.Mode, req.Options.Seed, req.Options.Flows),
		pending:   pending,
		corr:      newCorrelator(pending),
		sem:       semaphore.NewWeighted(int64(req.Options.MaxInFlight)),
		metrics:   m,
		tracer:    tracer,
	}
}

// run executes the trace. Cancellation of the context aborts it and returns
// the partial session without error. A transport failure returns the partial
// session along with a [*TransportError].
func (s *session) run(parent context.Context) (*Session, error) {
	ctx, span := s.tracer.Start(parent, "Session", trace.WithAttributes(
		attribute.Stringer("traceroute.target.address", s.req.Target),
		attribute.String("traceroute.target.protocol", s.req.Protocol.String()),
		attribute.String("traceroute.options.mode", string(s.opts.Mode)),
		attribute.Int("traceroute.options.max_hops", s.opts.MaxTTL),
		attribute.Stringer("traceroute.options.timeout", s.opts.Timeout),
	))
	defer span.End()
	log := logger.FromContext(ctx)

	res := &Session{
		Target:       s.req.Target,
		Source:       s.source,
		Protocol:     s.req.Protocol,
		Port:         s.req.Port,
		MaxTTL:       s.opts.MaxTTL,
		ProbesPerHop: s.opts.ProbesPerHop,
		Timeout:      s.opts.Timeout,
		Mode:         s.opts.Mode,
		StartedAt:    time.Now(),
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	s.cancel = cancel

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.receive(ctx)
	}()

	keys := s.flows.keys()
	paths := make([]Path, len(keys))
	g := new(errgroup.Group)
	g.SetLimit(s.opts.ParallelSweeps)
	for i, key := range keys {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			// Go blocks while the limit is reached, the session may have
			// ended in the meantime.
			if ctx.Err() != nil {
				return nil
			}
			paths[i] = s.newSweep(key).run(ctx)
			return nil
		})
	}
	_ = g.Wait()

	cause := context.Cause(ctx)
	cancel(errSessionDone)
	wg.Wait()

	res.Paths = coalesce(slices.DeleteFunc(paths, func(p Path) bool {
		return len(p.FlowKeys) == 0 || (p.Termination == TerminationAborted && len(p.Hops) == 0)
	}))
	res.Termination = sessionTermination(res.Paths, cause)
	if len(res.Paths) > 0 {
		res.Hops = res.Paths[0].Hops
	}
	res.Duration = time.Since(res.StartedAt)
	s.metrics.sessionDone(s.req.Protocol, res.Termination)

	span.SetAttributes(
		attribute.String("traceroute.termination", string(res.Termination)),
		attribute.Int("traceroute.paths", len(res.Paths)),
	)
	log.DebugContext(ctx, "Trace finished",
		"target", s.req.Target,
		"termination", res.Termination,
		"paths", len(res.Paths),
		"duration", res.Duration,
	)

	if cause != nil && parent.Err() == nil {
		return res, wrapError(ctx, cause, "trace to %s failed", s.req.Target)
	}
	return res, nil
}

// receive reads the transport until the session ends. Every decoded packet
// is correlated and its probe resolved.
func (s *session) receive(ctx context.Context) {
	log := logger.FromContext(ctx)
	for {
		b, err := s.transport.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.fail(asTransportError("recv", err))
			return
		}

		resp, err := decodeResponse(b, time.Now())
		if err != nil {
			log.DebugContext(ctx, "Dropping undecodable packet", "error", err)
			s.metrics.decodeFailed(err)
			continue
		}

		p, ok := s.corr.correlate(ctx, &resp)
		if !ok {
			log.DebugContext(ctx, "Dropping unmatched response",
				"responder", resp.Responder,
				"kind", resp.Kind,
				"sequence", resp.QuotedSequence,
				"sequenceBits", resp.SequenceBits,
			)
			s.metrics.unmatched.Inc()
			continue
		}
		s.resolve(p, &resp)
	}
}

// send registers the probe as pending and transmits it. The caller holds one
// unit of the in-flight semaphore, which is released on error.
func (s *session) send(ctx context.Context, owner *sweep, probe Probe) error {
	p := &pendingProbe{probe: probe, timeout: s.opts.Timeout, owner: owner}
	var packet []byte
	for {
		p.probe.Sequence = s.nextSequence()
		b, err := encodeProbe(p.probe, s.source, p.probe.Port)
		if err != nil {
			s.sem.Release(1)
			return fmt.Errorf("failed to encode probe: %w", err)
		}
		p.probe.SentAt = time.Now()
		if s.pending.insert(p, s.expire) {
			packet = b
			break
		}
	}
	s.metrics.probeSent(probe.Protocol)

	if err := s.transport.Send(ctx, packet); err != nil {
		if s.pending.remove(p) {
			s.abandon(p)
		}
		return asTransportError("send", err)
	}
	return nil
}

// nextSequence returns the next probe sequence. Sequences whose low 16 bits
// are 0x0000 or 0xFFFF are skipped since they cannot be carried in a checksum.
func (s *session) nextSequence() uint32 {
	for {
		seq := s.seq.Add(1)
		if low := uint16(seq); low != 0 && low != 0xffff { // #nosec G115
			return seq
		}
	}
}

// resolve completes a probe that left the pending index with an outcome.
func (s *session) resolve(p *pendingProbe, resp *ProbeResponse) {
	s.sem.Release(1)
	s.metrics.probeResolved(p.probe, resp)
	p.owner.deliver(probeOutcome{probe: p.probe, resp: resp})
}

// expire is the timeout handler of pending probes.
func (s *session) expire(p *pendingProbe) {
	if s.pending.expire(p) {
		s.resolve(p, nil)
	}
}

// abandon releases a probe that left the pending index without outcome.
func (s *session) abandon(_ *pendingProbe) {
	s.sem.Release(1)
	s.metrics.probeAbandoned()
}

// fail aborts the session with err.
func (s *session) fail(err error) {
	s.cancel(err)
}

// asTransportError wraps err into a [*TransportError] unless it already is one.
func asTransportError(op string, err error) error {
	var te *TransportError
	if errors.As(err, &te) {
		return err
	}
	return &TransportError{Op: op, Err: err}
}

// coalesce merges paths that saw the same responder at every TTL.
func coalesce(paths []Path) []Path {
	var merged []Path
	for _, p := range paths {
		i := slices.IndexFunc(merged, func(m Path) bool { return samePath(m, p) })
		if i < 0 {
			merged = append(merged, p)
			continue
		}
		merged[i].FlowKeys = append(merged[i].FlowKeys, p.FlowKeys...)
	}
	return merged
}

func samePath(a, b Path) bool {
	return slices.EqualFunc(a.Hops, b.Hops, func(x, y HopResult) bool {
		return x.TTL == y.TTL && x.Responder == y.Responder
	})
}

// sessionTermination derives the termination of the session from its paths.
func sessionTermination(paths []Path, cause error) Termination {
	if cause != nil && !errors.Is(cause, errSessionDone) {
		return TerminationAborted
	}
	if len(paths) == 0 {
		return TerminationAborted
	}
	term := TerminationExhausted
	for _, p := range paths {
		switch p.Termination {
		case TerminationAborted:
			return TerminationAborted
		case TerminationReached:
			term = TerminationReached
		}
	}
	return term
}
