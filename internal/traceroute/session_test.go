package traceroute

import (
	"context"
	"errors"
	"net/netip"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/telekom/pathfinder/test"
)

// fastOptions keeps the traces of the fake network short.
func fastOptions() Options {
	return Options{
		ProbesPerHop: 3,
		Timeout:      100 * time.Millisecond,
		SendInterval: time.Millisecond,
		MaxInFlight:  16,
	}
}

// runSession runs a trace over the fake network without request validation
// so that timeouts can be shorter than a real network allows.
func runSession(ctx context.Context, t *testing.T, n *fakeNetwork, req Request) (*Session, *metrics, error) {
	t.Helper()
	if !req.Target.IsValid() {
		req.Target = n.target
	}
	req = req.WithDefaults()
	m := newMetrics()
	s := newSession(req, n.source, n, m, noop.NewTracerProvider().Tracer("test"))
	res, err := s.run(ctx)
	require.NotNil(t, res)
	return res, m, err
}

// assertContiguous checks that the hops start at TTL 1 and increase by one.
func assertContiguous(t *testing.T, hops []HopResult) {
	t.Helper()
	for i, h := range hops {
		assert.Equal(t, uint8(i+1), h.TTL, "hop %d", i)
	}
}

func TestSession_ReachedUDP(t *testing.T) {
	// Four routers, the target answers at TTL 5.
	n := newFakeNetwork(t, "10.0.0.1", "10.0.0.2", "10.0.0.3", "10.0.0.4")
	opts := fastOptions()

	res, m, err := runSession(t.Context(), t, n, Request{Protocol: ProtocolUDP, Options: opts})
	require.NoError(t, err)

	assert.Equal(t, TerminationReached, res.Termination)
	require.Len(t, res.Hops, 5)
	assertContiguous(t, res.Hops)
	for i, h := range res.Hops[:4] {
		assert.Equal(t, n.paths[0][i], h.Responder)
		assert.Equal(t, StatusResolved, h.Status)
		assert.Equal(t, KindTimeExceeded, h.Kind)
		assert.Len(t, h.RTTSamples, opts.ProbesPerHop)
		assert.False(t, h.Reached)
	}
	last := res.Hops[4]
	assert.Equal(t, n.target, last.Responder)
	assert.True(t, last.Reached)
	assert.Equal(t, StatusUnreachable, last.Status)
	assert.Equal(t, KindPortUnreachable, last.Kind)

	for _, p := range n.sent() {
		assert.LessOrEqual(t, int(p.ttl), res.MaxTTL)
	}
	assert.Equal(t, float64(1), testutil.ToFloat64(m.sessions.WithLabelValues("udp", "reached")))
	assert.Zero(t, testutil.ToFloat64(m.inFlight), "every probe leaves the in-flight gauge")
}

func TestSession_ReachedICMPAndTCP(t *testing.T) {
	tests := []struct {
		name     string
		protocol Protocol
		refuse   bool
		kind     ResponseKind
		status   HopStatus
	}{
		{name: "icmp echo reply", protocol: ProtocolICMP, kind: KindEchoReply, status: StatusResolved},
		{name: "tcp syn ack", protocol: ProtocolTCP, kind: KindTCPSynAck, status: StatusResolved},
		{name: "tcp rst from target", protocol: ProtocolTCP, refuse: true, kind: KindTCPRst, status: StatusUnreachable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := newFakeNetwork(t, "10.0.0.1", "10.0.0.2")
			n.tcpRefuse = tt.refuse

			res, _, err := runSession(t.Context(), t, n, Request{Protocol: tt.protocol, Port: 443, Options: fastOptions()})
			require.NoError(t, err)

			assert.Equal(t, TerminationReached, res.Termination)
			require.Len(t, res.Hops, 3)
			assertContiguous(t, res.Hops)
			assert.Equal(t, tt.kind, res.Hops[2].Kind)
			assert.Equal(t, tt.status, res.Hops[2].Status)
			assert.True(t, res.Hops[2].Reached)
		})
	}
}

// A port unreachable from the target at TTL 5 ends the trace with 5 hops.
func TestSession_TerminatesAtTarget(t *testing.T) {
	n := newFakeNetwork(t, "10.0.0.1", "10.0.0.2", "10.0.0.3", "10.0.0.4")
	opts := fastOptions()
	opts.MaxTTL = 30

	res, _, err := runSession(t.Context(), t, n, Request{Protocol: ProtocolUDP, Options: opts})
	require.NoError(t, err)
	assert.Equal(t, TerminationReached, res.Termination)
	assert.Len(t, res.Hops, 5)
	for _, h := range res.Hops {
		assert.LessOrEqual(t, int(h.TTL), 5)
	}
}

// Nothing ever answers.
func TestSession_Exhausted(t *testing.T) {
	test.MarkAsLong(t)
	n := newFakeNetwork(t)
	n.targetSilent = true
	opts := fastOptions()
	opts.MaxTTL = 30
	opts.Timeout = 20 * time.Millisecond
	opts.SendInterval = 0
	opts.MaxInFlight = 32

	start := time.Now()
	res, m, err := runSession(t.Context(), t, n, Request{Protocol: ProtocolUDP, Options: opts})
	require.NoError(t, err)

	assert.Equal(t, TerminationExhausted, res.Termination)
	require.Len(t, res.Hops, 30)
	assertContiguous(t, res.Hops)
	for _, h := range res.Hops {
		assert.Equal(t, StatusTimeout, h.Status)
		assert.Equal(t, opts.ProbesPerHop, h.Timeouts)
		assert.False(t, h.Answered())
	}
	assert.Equal(t, float64(90), testutil.ToFloat64(m.timeouts.WithLabelValues("udp")))
	// Every probe resolves shortly after its own timeout.
	assert.Less(t, time.Since(start), 5*time.Second)
}

// A silent hop does not block the sweep.
func TestSession_SilentHop(t *testing.T) {
	n := newFakeNetwork(t, "10.0.0.1", "10.0.0.2")
	n.silent[2] = true
	opts := fastOptions()
	opts.Timeout = 50 * time.Millisecond

	res, _, err := runSession(t.Context(), t, n, Request{Protocol: ProtocolICMP, Options: opts})
	require.NoError(t, err)

	assert.Equal(t, TerminationReached, res.Termination)
	require.Len(t, res.Hops, 3)
	assert.Equal(t, StatusResolved, res.Hops[0].Status)
	assert.Equal(t, StatusTimeout, res.Hops[1].Status)
	assert.Equal(t, 3, res.Hops[1].Timeouts)
	assert.Equal(t, n.target, res.Hops[2].Responder)
	assert.True(t, res.Hops[2].Reached)
}

// Two equal cost paths after a shared segment.
func TestSession_MultipathDiscoversBranches(t *testing.T) {
	n := newFakeNetwork(t)
	n.paths = [][]netip.Addr{
		addrs("10.0.0.1", "10.0.0.2", "10.1.0.3", "10.0.0.4"),
		addrs("10.0.0.1", "10.0.0.2", "10.2.0.3", "10.0.0.4"),
	}
	const seed = 1234
	keys := newFlowController(ModeMultipath, seed, 2).keys()
	n.balance = func(k FlowKey) int {
		if k == keys[0] {
			return 0
		}
		return 1
	}

	opts := fastOptions()
	opts.Mode = ModeMultipath
	opts.Flows = 2
	opts.Seed = seed
	opts.ParallelSweeps = 2

	var (
		mu       sync.Mutex
		reported = map[FlowKey][]uint8{}
	)
	req := Request{Protocol: ProtocolUDP, Options: opts, OnHop: func(k FlowKey, h HopResult) {
		mu.Lock()
		defer mu.Unlock()
		reported[k] = append(reported[k], h.TTL)
	}}

	res, _, err := runSession(t.Context(), t, n, req)
	require.NoError(t, err)

	assert.Equal(t, TerminationReached, res.Termination)
	require.Len(t, res.Paths, 2, "different branches must not be coalesced")
	a, b := res.Paths[0], res.Paths[1]
	assert.Equal(t, []FlowKey{keys[0]}, a.FlowKeys)
	assert.Equal(t, []FlowKey{keys[1]}, b.FlowKeys)
	require.Len(t, a.Hops, 5)
	require.Len(t, b.Hops, 5)

	assert.Equal(t, a.Hops[0].Responder, b.Hops[0].Responder)
	assert.Equal(t, a.Hops[1].Responder, b.Hops[1].Responder)
	assert.NotEqual(t, a.Hops[2].Responder, b.Hops[2].Responder)
	assert.Equal(t, netip.MustParseAddr("10.1.0.3"), a.Hops[2].Responder)
	assert.Equal(t, netip.MustParseAddr("10.2.0.3"), b.Hops[2].Responder)
	assert.Equal(t, res.Hops, a.Hops)

	ecmp := res.ECMP()
	require.Len(t, ecmp, 5)
	assert.False(t, ecmp[1].Detected())
	assert.True(t, ecmp[2].Detected())

	for _, k := range keys {
		assert.Equal(t, []uint8{1, 2, 3, 4, 5}, reported[k], "hops are reported in TTL order")
	}
	for _, p := range n.sent() {
		assert.Contains(t, keys, p.flowKey)
	}
}

func TestSession_MultipathCoalescesIdenticalPaths(t *testing.T) {
	n := newFakeNetwork(t, "10.0.0.1", "10.0.0.2")
	opts := fastOptions()
	opts.Mode = ModeMultipath
	opts.Flows = 4
	opts.Seed = 99

	res, _, err := runSession(t.Context(), t, n, Request{Protocol: ProtocolICMP, Options: opts})
	require.NoError(t, err)

	require.Len(t, res.Paths, 1)
	assert.ElementsMatch(t, newFlowController(ModeMultipath, 99, 4).keys(), res.Paths[0].FlowKeys)
	assert.Equal(t, TerminationReached, res.Termination)
}

// A firewall resets TCP probes before the target.
func TestSession_FirewallReset(t *testing.T) {
	n := newFakeNetwork(t, "10.0.0.1", "10.0.0.2", "10.0.0.3")
	n.firewall = netip.MustParseAddr("10.9.9.9")
	n.firewallTTL = 2
	opts := fastOptions()
	opts.MaxTTL = 4

	res, _, err := runSession(t.Context(), t, n, Request{Protocol: ProtocolTCP, Port: 443, Options: opts})
	require.NoError(t, err)

	require.GreaterOrEqual(t, len(res.Hops), 2)
	fw := res.Hops[1]
	assert.Equal(t, KindTCPRst, fw.Kind)
	assert.Equal(t, n.firewall, fw.Responder)
	assert.False(t, fw.Reached, "a reset from another address is not the target")
	assert.Equal(t, StatusResolved, fw.Status)

	assert.Equal(t, TerminationReached, res.Termination)
	require.Len(t, res.Hops, 4)
	assert.Equal(t, KindTCPSynAck, res.Hops[3].Kind)
}

// Deterministic mode never changes the flow key.
func TestSession_DeterministicFlowKey(t *testing.T) {
	n := newFakeNetwork(t, "10.0.0.1", "10.0.0.2", "10.0.0.3")
	res, _, err := runSession(t.Context(), t, n, Request{Protocol: ProtocolUDP, Options: fastOptions()})
	require.NoError(t, err)

	sent := n.sent()
	require.NotEmpty(t, sent)
	for _, p := range sent {
		assert.Equal(t, sent[0].flowKey, p.flowKey)
	}
	assert.Equal(t, []FlowKey{sent[0].flowKey}, res.Paths[0].FlowKeys)
}

func TestSession_ClassicModeVariesFlowKey(t *testing.T) {
	n := newFakeNetwork(t, "10.0.0.1", "10.0.0.2")
	opts := fastOptions()
	opts.Mode = ModeClassic

	res, _, err := runSession(t.Context(), t, n, Request{Protocol: ProtocolUDP, Options: opts})
	require.NoError(t, err)
	assert.Equal(t, TerminationReached, res.Termination)

	sent := n.sent()
	seen := map[FlowKey]bool{}
	keys := make([]FlowKey, 0, len(sent))
	for _, p := range sent {
		assert.False(t, seen[p.flowKey])
		seen[p.flowKey] = true
		keys = append(keys, p.flowKey)
	}

	require.Len(t, res.Paths, 1)
	assert.Equal(t, keys, res.Paths[0].FlowKeys, "classic paths list the key of every probe")
	for _, h := range res.Hops {
		i := slices.IndexFunc(sent, func(p sentProbe) bool { return p.ttl == h.TTL })
		require.GreaterOrEqual(t, i, 0)
		assert.Equal(t, sent[i].flowKey, h.FlowKey, "ttl %d reports the key of its first probe", h.TTL)
	}
}

func TestSession_HashStabilityViolation(t *testing.T) {
	n := newFakeNetwork(t)
	n.paths = [][]netip.Addr{
		addrs("10.0.0.1", "10.1.0.2"),
		addrs("10.0.0.1", "10.2.0.2"),
	}
	// Per packet load balancing ignores the flow key.
	var counter atomic.Int32
	n.balance = func(FlowKey) int { return int(counter.Add(1)) % 2 }

	res, m, err := runSession(t.Context(), t, n, Request{Protocol: ProtocolUDP, Options: fastOptions()})
	require.NoError(t, err)

	require.Len(t, res.Hops, 3)
	assert.False(t, res.Hops[0].HashStabilityViolation)
	assert.True(t, res.Hops[1].HashStabilityViolation)
	assert.Len(t, res.Hops[1].Responders, 2)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.hashViolations))
}

// Duplicated responses are matched once.
func TestSession_DuplicateResponses(t *testing.T) {
	n := newFakeNetwork(t, "10.0.0.1", "10.0.0.2")
	n.duplicate = true
	opts := fastOptions()

	res, m, err := runSession(t.Context(), t, n, Request{Protocol: ProtocolICMP, Options: opts})
	require.NoError(t, err)

	require.Len(t, res.Hops, 3)
	for _, h := range res.Hops {
		assert.LessOrEqual(t, len(h.RTTSamples), opts.ProbesPerHop)
		assert.Equal(t, opts.ProbesPerHop, len(h.RTTSamples)+h.Timeouts)
	}
	assert.Positive(t, testutil.ToFloat64(m.unmatched))
}

// Routers quoting only 4 bytes of the payload must not shift the hops
// behind a silent one while probes of several TTLs are in flight.
func TestSession_ShortQuoteWithSilentHop(t *testing.T) {
	for _, proto := range []Protocol{ProtocolUDP, ProtocolICMP, ProtocolTCP} {
		t.Run(string(proto), func(t *testing.T) {
			n := newFakeNetwork(t, "10.0.0.1", "10.0.0.2", "10.0.0.3", "10.0.0.4")
			n.quoteLen = 4
			n.silent[2] = true
			opts := fastOptions()
			opts.MaxTTL = 8

			res, _, err := runSession(t.Context(), t, n, Request{Protocol: proto, Options: opts})
			require.NoError(t, err)

			assert.Equal(t, TerminationReached, res.Termination)
			require.Len(t, res.Hops, 5)
			assertContiguous(t, res.Hops)

			assert.Equal(t, StatusTimeout, res.Hops[1].Status)
			assert.Equal(t, opts.ProbesPerHop, res.Hops[1].Timeouts)
			for i, want := range []string{"10.0.0.1", "", "10.0.0.3", "10.0.0.4"} {
				if want == "" {
					continue
				}
				assert.Equal(t, netip.MustParseAddr(want), res.Hops[i].Responder, "ttl %d", i+1)
				assert.Len(t, res.Hops[i].RTTSamples, opts.ProbesPerHop, "ttl %d", i+1)
			}
			assert.Equal(t, n.target, res.Hops[4].Responder)
			assert.True(t, res.Hops[4].Reached)
		})
	}
}

func TestSession_Canceled(t *testing.T) {
	n := newFakeNetwork(t)
	n.targetSilent = true
	opts := fastOptions()
	opts.MaxTTL = 30
	opts.Timeout = time.Second
	opts.MaxInFlight = 6

	ctx, cancel := context.WithCancel(t.Context())
	time.AfterFunc(50*time.Millisecond, cancel)

	res, m, err := runSession(ctx, t, n, Request{Protocol: ProtocolUDP, Options: opts})
	require.NoError(t, err, "cancellation is no error")

	assert.Equal(t, TerminationAborted, res.Termination)
	assert.NotEmpty(t, res.Hops)
	assert.Less(t, len(res.Hops), 30)
	assertContiguous(t, res.Hops)
	for _, h := range res.Hops {
		assert.Equal(t, StatusInProgress, h.Status)
	}
	assert.Zero(t, testutil.ToFloat64(m.inFlight), "abandoned probes leave the in-flight gauge")
}

func TestSession_CanceledSkipsQueuedSweeps(t *testing.T) {
	n := newFakeNetwork(t, "10.0.0.1", "10.0.0.2", "10.0.0.3")
	n.targetSilent = true
	opts := fastOptions()
	opts.Mode = ModeMultipath
	opts.Flows = 4
	opts.Seed = 7
	opts.ParallelSweeps = 1
	opts.MaxTTL = 10
	opts.Timeout = time.Second

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	var once sync.Once
	req := Request{Protocol: ProtocolUDP, Options: opts, OnHop: func(FlowKey, HopResult) {
		once.Do(cancel)
	}}

	res, _, err := runSession(ctx, t, n, req)
	require.NoError(t, err)

	assert.Equal(t, TerminationAborted, res.Termination)
	require.Len(t, res.Paths, 1, "sweeps queued behind the limit never start")
	for _, p := range res.Paths {
		assert.NotEmpty(t, p.Hops)
	}
	first := newFlowController(ModeMultipath, 7, 4).keys()[0]
	for _, p := range n.sent() {
		assert.Equal(t, first, p.flowKey)
	}
}

func TestSession_TransportFailure(t *testing.T) {
	n := newFakeNetwork(t, "10.0.0.1", "10.0.0.2", "10.0.0.3", "10.0.0.4")
	n.failSendAfter = 4
	opts := fastOptions()

	res, _, err := runSession(t.Context(), t, n, Request{Protocol: ProtocolUDP, Options: opts})
	require.Error(t, err)

	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "send", te.Op)
	assert.Equal(t, TerminationAborted, res.Termination)
	assertContiguous(t, res.Hops)
}

func TestSession_RecvFailure(t *testing.T) {
	boom := errors.New("socket closed underneath")
	tm := &TransportMock{
		SendFunc: func(context.Context, []byte) error { return nil },
		RecvFunc: func(context.Context) ([]byte, error) { return nil, boom },
		CloseFunc: func() error {
			return nil
		},
	}
	req := Request{Target: testTarget, Protocol: ProtocolICMP, Options: fastOptions()}.WithDefaults()
	s := newSession(req, testSource, tm, newMetrics(), noop.NewTracerProvider().Tracer("test"))

	res, err := s.run(t.Context())
	require.ErrorIs(t, err, boom)
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "recv", te.Op)
	assert.Equal(t, TerminationAborted, res.Termination)
	assert.Empty(t, tm.CloseCalls(), "the session never closes the transport")
}

func TestSession_UndecodablePacketsAreDropped(t *testing.T) {
	n := newFakeNetwork(t, "10.0.0.1")
	n.inbox <- []byte{0x45, 0x00}
	n.inbox <- []byte("definitely not a packet")

	res, m, err := runSession(t.Context(), t, n, Request{Protocol: ProtocolUDP, Options: fastOptions()})
	require.NoError(t, err)
	assert.Equal(t, TerminationReached, res.Termination)
	assert.Equal(t, float64(2), testutil.ToFloat64(m.decodeErrors.WithLabelValues("truncated"))+
		testutil.ToFloat64(m.decodeErrors.WithLabelValues("unrecognized")))
}

func TestSession_NextSequenceSkipsReservedValues(t *testing.T) {
	s := &session{}
	s.seq.Store(0xfffd)
	assert.Equal(t, uint32(0xfffe), s.nextSequence())
	assert.Equal(t, uint32(0x10001), s.nextSequence())
}

func TestCoalesce(t *testing.T) {
	r1, r2 := netip.MustParseAddr("10.0.0.1"), netip.MustParseAddr("10.0.0.2")
	paths := []Path{
		{FlowKeys: []FlowKey{1}, Hops: []HopResult{{TTL: 1, Responder: r1}}},
		{FlowKeys: []FlowKey{2}, Hops: []HopResult{{TTL: 1, Responder: r2}}},
		{FlowKeys: []FlowKey{3}, Hops: []HopResult{{TTL: 1, Responder: r1}}},
		{FlowKeys: []FlowKey{4}, Hops: []HopResult{{TTL: 1, Responder: r1}, {TTL: 2, Responder: r2}}},
	}

	got := coalesce(paths)
	require.Len(t, got, 3)
	assert.Equal(t, []FlowKey{1, 3}, got[0].FlowKeys)
	assert.Equal(t, []FlowKey{2}, got[1].FlowKeys)
	assert.Equal(t, []FlowKey{4}, got[2].FlowKeys)
}

func TestSessionTermination(t *testing.T) {
	tests := []struct {
		name  string
		terms []Termination
		cause error
		want  Termination
	}{
		{"all exhausted", []Termination{TerminationExhausted, TerminationExhausted}, nil, TerminationExhausted},
		{"one reached", []Termination{TerminationExhausted, TerminationReached}, nil, TerminationReached},
		{"one aborted", []Termination{TerminationReached, TerminationAborted}, nil, TerminationAborted},
		{"canceled", []Termination{TerminationReached}, context.Canceled, TerminationAborted},
		{"no paths", nil, nil, TerminationAborted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var paths []Path
			for _, term := range tt.terms {
				paths = append(paths, Path{Termination: term})
			}
			assert.Equal(t, tt.want, sessionTermination(paths, tt.cause))
		})
	}
}
