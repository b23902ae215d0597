// SPDX-FileCopyrightText: 2025 Deutsche Telekom IT GmbH
//
// SPDX-License-Identifier: Apache-2.0

package traceroute

import (
	"context"

	"github.com/telekom/pathfinder/internal/logger"
)

// correlator matches inbound responses to pending probes.
type correlator struct {
	pending *pendingIndex
}

func newCorrelator(pending *pendingIndex) *correlator {
	return &correlator{pending: pending}
}

// correlate returns the pending probe the response answers and removes it
// from the index. A response answers at most one probe and a matched probe is
// never returned again.
//
// Responses carrying a sequence are matched by it. ICMP errors always carry at
// least the 16 bits of the quoted IPv4 identification. Only TCP resets without
// ACK carry none and fall back to the earliest pending probe of the same flow
// key whose timeout window covers the arrival time.
func (c *correlator) correlate(ctx context.Context, resp *ProbeResponse) (*pendingProbe, bool) {
	if resp.SequenceBits > 0 {
		seq := uint16(resp.QuotedSequence) // #nosec G115 // low 16 bits are the index key
		return c.pending.take(seq, func(p *pendingProbe) bool {
			return answers(p, resp)
		})
	}

	if !resp.HasFlowKey {
		logger.FromContext(ctx).DebugContext(ctx, "Response carries neither sequence nor flow key",
			"responder", resp.Responder, "kind", resp.Kind)
		return nil, false
	}
	return c.pending.takeOldest(func(p *pendingProbe) bool {
		return answers(p, resp) &&
			!resp.ReceivedAt.Before(p.probe.SentAt) &&
			!resp.ReceivedAt.After(p.deadline())
	})
}

// answers reports whether every field the response quotes agrees with the probe.
func answers(p *pendingProbe, resp *ProbeResponse) bool {
	if p.probe.Protocol != resp.Protocol {
		return false
	}
	if resp.SequenceBits == sequenceBits32 && p.probe.Sequence != resp.QuotedSequence {
		return false
	}
	if resp.HasFlowKey && p.probe.FlowKey != resp.QuotedFlowKey {
		return false
	}
	if resp.QuotedDestination.IsValid() && resp.QuotedDestination != p.probe.Target {
		return false
	}
	if resp.ReplyPort != 0 && resp.ReplyPort != p.probe.Port {
		return false
	}
	return true
}
