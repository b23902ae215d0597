// SPDX-FileCopyrightText: 2025 Deutsche Telekom IT GmbH
//
// SPDX-License-Identifier: Apache-2.0

package traceroute

import (
	"context"
	"net/netip"
	"slices"
	"time"

	"github.com/telekom/pathfinder/internal/logger"
)

// probeOutcome is the fate of one probe: answered by resp or timed out.
type probeOutcome struct {
	probe Probe
	// resp is nil if the probe timed out.
	resp *ProbeResponse
}

// hopRecord accumulates the outcomes of the probes of one TTL.
type hopRecord struct {
	result HopResult
	// samples holds the RTT per probe index, answered marks the valid ones.
	samples  []time.Duration
	answered []bool
	// resolved counts the probes that were answered or timed out.
	resolved int
	final    bool
}

// aggregator builds the hop results of one sweep. It is indexed by TTL and
// never by arrival order. It is not safe for concurrent use, the sweep
// consumer is its only caller.
type aggregator struct {
	mode         Mode
	protocol     Protocol
	target       netip.Addr
	flowKey      FlowKey
	probesPerHop int
	hops         []hopRecord
}

func newAggregator(mode Mode, protocol Protocol, target netip.Addr, key FlowKey, maxTTL, probesPerHop int) *aggregator {
	a := &aggregator{
		mode:         mode,
		protocol:     protocol,
		target:       target,
		flowKey:      key,
		probesPerHop: probesPerHop,
		hops:         make([]hopRecord, maxTTL),
	}
	for i := range a.hops {
		a.hops[i] = hopRecord{
			result: HopResult{
				TTL:     uint8(i + 1), // #nosec G115 // max TTL is at most 255
				FlowKey: key,
				Status:  StatusInProgress,
			},
			samples:  make([]time.Duration, probesPerHop),
			answered: make([]bool, probesPerHop),
		}
	}
	return a
}

// record applies the outcome of one probe to the hop of its TTL.
func (a *aggregator) record(ctx context.Context, o probeOutcome) {
	idx := int(o.probe.TTL) - 1
	if idx < 0 || idx >= len(a.hops) || o.probe.Index >= a.probesPerHop {
		return
	}
	h := &a.hops[idx]
	if h.final {
		return
	}
	h.resolved++
	if a.mode == ModeClassic && o.probe.Index == 0 {
		h.result.FlowKey = o.probe.FlowKey
	}

	if o.resp == nil {
		h.result.Timeouts++
		return
	}

	h.samples[o.probe.Index] = max(o.resp.ReceivedAt.Sub(o.probe.SentAt), 0)
	h.answered[o.probe.Index] = true

	switch {
	case !h.result.Responder.IsValid():
		h.result.Responder = o.resp.Responder
		h.result.Responders = append(h.result.Responders, o.resp.Responder)
		h.result.Kind = o.resp.Kind
		h.result.Annotation = o.resp.annotation()
	case !slices.Contains(h.result.Responders, o.resp.Responder):
		h.result.Responders = append(h.result.Responders, o.resp.Responder)
		if a.mode == ModeDeterministic {
			h.result.HashStabilityViolation = true
			logger.FromContext(ctx).WarnContext(ctx, "Hash stability violation, responders differ at one TTL",
				"ttl", h.result.TTL,
				"flowKey", a.flowKey,
				"responders", h.result.Responders,
			)
		}
	}

	if a.terminal(o.resp) && !h.result.Reached {
		h.result.Reached = true
		h.result.Kind = o.resp.Kind
	}
}

// terminal reports whether the response comes from the target with the
// terminal kind of the protocol.
func (a *aggregator) terminal(resp *ProbeResponse) bool {
	if resp.Responder != a.target {
		return false
	}
	switch a.protocol {
	case ProtocolUDP:
		return resp.Kind == KindPortUnreachable
	case ProtocolICMP:
		return resp.Kind == KindEchoReply
	case ProtocolTCP:
		return resp.Kind == KindTCPSynAck || resp.Kind == KindTCPRst
	default:
		return false
	}
}

// complete reports whether every probe of the TTL is resolved.
func (a *aggregator) complete(ttl int) bool {
	h := &a.hops[ttl-1]
	return h.final || h.resolved >= a.probesPerHop
}

// finalize fixes the status of the TTL and returns its result.
func (a *aggregator) finalize(ttl int) HopResult {
	h := &a.hops[ttl-1]
	if !h.final {
		h.final = true
		h.result.Status = a.status(h)
	}
	return a.snapshot(ttl)
}

// snapshot returns the current result of the TTL without finalizing it.
func (a *aggregator) snapshot(ttl int) HopResult {
	h := &a.hops[ttl-1]
	res := h.result
	res.Responders = slices.Clone(h.result.Responders)
	res.RTTSamples = nil
	for i, ok := range h.answered {
		if ok {
			res.RTTSamples = append(res.RTTSamples, h.samples[i])
		}
	}
	return res
}

func (a *aggregator) status(h *hopRecord) HopStatus {
	if !h.result.Responder.IsValid() {
		return StatusTimeout
	}
	if h.result.Reached && (h.result.Kind == KindPortUnreachable || h.result.Kind == KindTCPRst) {
		return StatusUnreachable
	}
	return StatusResolved
}
