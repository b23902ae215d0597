// SPDX-FileCopyrightText: 2025 Deutsche Telekom IT GmbH
//
// SPDX-License-Identifier: Apache-2.0

package traceroute

import (
	"math/rand/v2"
)

const (
	// flowBase is the first flow key handed out.
	flowBase = 33434
	// flowRange is the number of flow keys above flowBase.
	flowRange = 30000
	// defaultUDPPort is the destination port of UDP probes.
	defaultUDPPort = 33434
	// defaultTCPPort is the destination port of TCP probes.
	defaultTCPPort = 80
)

// flowController hands out the flow key of every probe.
// It is immutable after construction and safe for concurrent use.
type flowController struct {
	mode Mode
	// pool holds distinct flow keys in [flowBase, flowBase+flowRange).
	pool []FlowKey
}

// newFlowController derives a pool of size flow keys from seed. A zero seed
// picks a random one. Only multipath mode uses more than one pool entry.
func newFlowController(mode Mode, seed uint64, size int) *flowController {
	if seed == 0 {
		seed = rand.Uint64() // #nosec G404 // flow keys only need to be distinct, not secret
	}
	if mode != ModeMultipath || size < 1 {
		size = 1
	}
	size = min(size, flowRange)

	r := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)) // #nosec G404
	seen := make(map[FlowKey]struct{}, size)
	pool := make([]FlowKey, 0, size)
	for len(pool) < size {
		k := FlowKey(flowBase + r.IntN(flowRange)) // #nosec G115 // below 63434
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		pool = append(pool, k)
	}

	return &flowController{mode: mode, pool: pool}
}

// next returns the flow key of the probe with the given index. In multipath
// mode the index selects a pool entry, in classic mode every index gets its
// own key.
func (f *flowController) next(probeIndex int) FlowKey {
	switch f.mode {
	case ModeMultipath:
		return f.pool[probeIndex%len(f.pool)]
	case ModeClassic:
		off := (int(f.pool[0]) - flowBase + probeIndex) % flowRange
		return FlowKey(flowBase + off) // #nosec G115 // below 63434
	default:
		return f.pool[0]
	}
}

// keys returns the flow keys a multipath trace sweeps, one per sub-trace.
// Every other mode runs a single sweep keyed by the first pool entry.
func (f *flowController) keys() []FlowKey {
	if f.mode != ModeMultipath {
		return f.pool[:1]
	}
	return f.pool
}
