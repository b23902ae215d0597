// SPDX-FileCopyrightText: 2025 Deutsche Telekom IT GmbH
//
// SPDX-License-Identifier: Apache-2.0

package traceroute

import (
	"sync"
	"time"
)

// pendingProbe is a sent probe waiting for its response.
type pendingProbe struct {
	probe   Probe
	timeout time.Duration
	// owner is the sweep the outcome of the probe is delivered to.
	owner *sweep
	// timer fires the expiry of the probe. It is only touched with the
	// index lock held.
	timer *time.Timer
}

// deadline returns the latest time a response is accepted for the probe.
func (p *pendingProbe) deadline() time.Time {
	return p.probe.SentAt.Add(p.timeout)
}

// pendingIndex holds every probe that is neither matched nor expired, keyed
// by the low 16 bits of its sequence. A probe belongs to the index until one
// of the take or expire operations removes it, which happens exactly once.
type pendingIndex struct {
	mu     sync.Mutex
	probes map[uint16]*pendingProbe
}

func newPendingIndex() *pendingIndex {
	return &pendingIndex{probes: make(map[uint16]*pendingProbe)}
}

// insert adds the probe and arms its expiry timer. It returns false if a
// probe with the same 16 bit sequence is still pending.
func (x *pendingIndex) insert(p *pendingProbe, onExpire func(*pendingProbe)) bool {
	x.mu.Lock()
	defer x.mu.Unlock()

	key := uint16(p.probe.Sequence) // #nosec G115 // low 16 bits are the key
	if _, ok := x.probes[key]; ok {
		return false
	}
	x.probes[key] = p
	p.timer = time.AfterFunc(p.timeout, func() { onExpire(p) })
	return true
}

// lookup returns the pending probe with the given 16 bit sequence without
// removing it.
func (x *pendingIndex) lookup(seq uint16) (*pendingProbe, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	p, ok := x.probes[seq]
	return p, ok
}

// take removes and returns the probe with the given 16 bit sequence if
// accept approves it.
func (x *pendingIndex) take(seq uint16, accept func(*pendingProbe) bool) (*pendingProbe, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()

	p, ok := x.probes[seq]
	if !ok || !accept(p) {
		return nil, false
	}
	x.removeLocked(seq)
	return p, true
}

// takeOldest removes and returns the earliest sent probe accept approves.
func (x *pendingIndex) takeOldest(accept func(*pendingProbe) bool) (*pendingProbe, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()

	var (
		oldest *pendingProbe
		key    uint16
	)
	for k, p := range x.probes {
		if !accept(p) {
			continue
		}
		if oldest == nil || p.probe.SentAt.Before(oldest.probe.SentAt) ||
			(p.probe.SentAt.Equal(oldest.probe.SentAt) && p.probe.Sequence < oldest.probe.Sequence) {
			oldest, key = p, k
		}
	}
	if oldest == nil {
		return nil, false
	}
	x.removeLocked(key)
	return oldest, true
}

// remove removes the given probe if it is still pending and reports whether
// it did.
func (x *pendingIndex) remove(p *pendingProbe) bool {
	x.mu.Lock()
	defer x.mu.Unlock()

	key := uint16(p.probe.Sequence) // #nosec G115
	if cur, ok := x.probes[key]; !ok || cur != p {
		return false
	}
	x.removeLocked(key)
	return true
}

// expire removes the probe when its timer fires. It reports false if the
// probe was matched or abandoned in the meantime.
func (x *pendingIndex) expire(p *pendingProbe) bool {
	return x.remove(p)
}

// drain removes and returns every probe owned by the sweep.
func (x *pendingIndex) drain(owner *sweep) []*pendingProbe {
	x.mu.Lock()
	defer x.mu.Unlock()

	var drained []*pendingProbe
	for k, p := range x.probes {
		if p.owner == owner {
			x.removeLocked(k)
			drained = append(drained, p)
		}
	}
	return drained
}

// len returns the number of pending probes.
func (x *pendingIndex) len() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.probes)
}

func (x *pendingIndex) removeLocked(key uint16) {
	if p := x.probes[key]; p != nil && p.timer != nil {
		p.timer.Stop()
	}
	delete(x.probes, key)
}
