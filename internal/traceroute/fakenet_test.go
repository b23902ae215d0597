package traceroute

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

var _ Transport = (*fakeNetwork)(nil)

// fakeNetwork is a [Transport] that simulates the routers between source
// and target. Every path holds the router addresses for TTL 1 up to the hop
// before the target. Probes are spread over the paths by their flow key.
type fakeNetwork struct {
	t      testing.TB
	source netip.Addr
	target netip.Addr
	paths  [][]netip.Addr
	// balance picks the path of a probe. It defaults to flow key modulo
	// the number of paths.
	balance func(key FlowKey) int
	// silent lists TTLs whose routers never answer.
	silent map[int]bool
	// targetSilent makes the target drop every probe.
	targetSilent bool
	// firewall answers TCP probes with a reset from its address at the TTL.
	firewall    netip.Addr
	firewallTTL int
	// tcpRefuse makes the target answer TCP probes with a reset.
	tcpRefuse bool
	// quoteLen is the number of layer 4 bytes routers quote. Zero means 8.
	quoteLen int
	// delay is the round trip time of every response.
	delay time.Duration
	// duplicate sends every response twice.
	duplicate bool
	// failSendAfter makes every send after that many probes fail.
	failSendAfter int

	mu     sync.Mutex
	probes []sentProbe
	inbox  chan []byte
	closed chan struct{}
	once   sync.Once
}

// sentProbe is what the fake network saw of a probe.
type sentProbe struct {
	ttl      uint8
	protocol Protocol
	flowKey  FlowKey
	ipID     uint16
	checksum uint16
}

func newFakeNetwork(t testing.TB, hops ...string) *fakeNetwork {
	t.Helper()
	n := &fakeNetwork{
		t:      t,
		source: netip.MustParseAddr("192.0.2.1"),
		target: netip.MustParseAddr("198.51.100.1"),
		silent: map[int]bool{},
		delay:  time.Millisecond,
		inbox:  make(chan []byte, 4096),
		closed: make(chan struct{}),
	}
	n.paths = [][]netip.Addr{addrs(hops...)}
	return n
}

func addrs(s ...string) []netip.Addr {
	out := make([]netip.Addr, 0, len(s))
	for _, a := range s {
		out = append(out, netip.MustParseAddr(a))
	}
	return out
}

func (n *fakeNetwork) Send(_ context.Context, packet []byte) error {
	select {
	case <-n.closed:
		return net.ErrClosed
	default:
	}

	pkt := gopacket.NewPacket(packet, layers.LayerTypeIPv4, gopacket.Default)
	ipLayer, ok := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	if !ok {
		n.t.Errorf("probe is not an IPv4 packet: %v", pkt.ErrorLayer())
		return nil
	}

	sp := sentProbe{ttl: ipLayer.TTL, ipID: ipLayer.Id}
	switch l := pkt.Layers()[1].(type) {
	case *layers.UDP:
		sp.protocol, sp.flowKey, sp.checksum = ProtocolUDP, FlowKey(l.SrcPort), l.Checksum
	case *layers.ICMPv4:
		sp.protocol, sp.flowKey, sp.checksum = ProtocolICMP, FlowKey(l.Id), l.Checksum
	case *layers.TCP:
		sp.protocol, sp.flowKey, sp.checksum = ProtocolTCP, FlowKey(l.SrcPort), l.Checksum
	default:
		n.t.Errorf("unexpected probe layer %T", l)
		return nil
	}

	n.mu.Lock()
	n.probes = append(n.probes, sp)
	count := len(n.probes)
	n.mu.Unlock()

	if n.failSendAfter > 0 && count > n.failSendAfter {
		return errors.New("network is down")
	}

	reply := n.respond(pkt, ipLayer, sp)
	if reply == nil {
		return nil
	}
	n.deliver(reply)
	if n.duplicate {
		n.deliver(reply)
	}
	return nil
}

// respond returns the packet the network answers the probe with, if any.
func (n *fakeNetwork) respond(pkt gopacket.Packet, ip *layers.IPv4, sp sentProbe) []byte {
	path := n.paths[n.pathOf(sp.flowKey)]
	ttl := int(ip.TTL)

	if ttl <= len(path) {
		if n.silent[ttl] {
			return nil
		}
		if sp.protocol == ProtocolTCP && n.firewall.IsValid() && ttl == n.firewallTTL {
			return n.tcpReply(n.firewall, pkt, false)
		}
		return n.icmpError(path[ttl-1], icmpTypeTimeExceeded, icmpTimeExceededInTransit, pkt)
	}

	if n.targetSilent {
		return nil
	}
	switch sp.protocol {
	case ProtocolUDP:
		return n.icmpError(n.target, icmpTypeDestinationUnreachable, icmpUnreachablePort, pkt)
	case ProtocolICMP:
		return n.echoReply(pkt)
	default:
		return n.tcpReply(n.target, pkt, !n.tcpRefuse)
	}
}

func (n *fakeNetwork) pathOf(key FlowKey) int {
	if n.balance != nil {
		return n.balance(key)
	}
	return int(key) % len(n.paths)
}

func (n *fakeNetwork) icmpError(from netip.Addr, typ, code uint8, pkt gopacket.Packet) []byte {
	quoteLen := n.quoteLen
	if quoteLen == 0 {
		quoteLen = 8
	}
	data := pkt.Data()
	quoted := data[:min(len(data), ipv4HeaderLen+quoteLen)]

	return n.serialize(from, layers.IPProtocolICMPv4,
		&layers.ICMPv4{TypeCode: layers.CreateICMPv4TypeCode(typ, code)},
		gopacket.Payload(quoted),
	)
}

func (n *fakeNetwork) echoReply(pkt gopacket.Packet) []byte {
	req := pkt.Layer(layers.LayerTypeICMPv4).(*layers.ICMPv4)
	return n.serialize(n.target, layers.IPProtocolICMPv4,
		&layers.ICMPv4{TypeCode: layers.CreateICMPv4TypeCode(icmpTypeEchoReply, 0), Id: req.Id, Seq: req.Seq},
		gopacket.Payload(req.Payload),
	)
}

func (n *fakeNetwork) tcpReply(from netip.Addr, pkt gopacket.Packet, accept bool) []byte {
	syn := pkt.Layer(layers.LayerTypeTCP).(*layers.TCP)
	tcp := &layers.TCP{
		SrcPort: syn.DstPort,
		DstPort: syn.SrcPort,
		Seq:     4242,
		Ack:     syn.Seq + 1,
		ACK:     true,
		SYN:     accept,
		RST:     !accept,
		Window:  1024,
	}
	return n.serialize(from, layers.IPProtocolTCP, tcp)
}

func (n *fakeNetwork) serialize(from netip.Addr, proto layers.IPProtocol, ls ...gopacket.SerializableLayer) []byte {
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: proto,
		SrcIP:    net.IP(from.AsSlice()),
		DstIP:    net.IP(n.source.AsSlice()),
	}
	for _, l := range ls {
		if tcp, ok := l.(*layers.TCP); ok {
			if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
				n.t.Fatalf("failed to set network layer: %v", err)
			}
		}
	}

	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, serializeOpts, append([]gopacket.SerializableLayer{ip}, ls...)...); err != nil {
		n.t.Errorf("failed to serialize response: %v", err)
		return nil
	}
	return buf.Bytes()
}

func (n *fakeNetwork) deliver(b []byte) {
	time.AfterFunc(n.delay, func() {
		select {
		case n.inbox <- b:
		case <-n.closed:
		}
	})
}

func (n *fakeNetwork) Recv(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-n.closed:
		return nil, net.ErrClosed
	case b := <-n.inbox:
		return b, nil
	}
}

func (n *fakeNetwork) SourceFor(netip.Addr) (netip.Addr, error) {
	return n.source, nil
}

func (n *fakeNetwork) Close() error {
	n.once.Do(func() { close(n.closed) })
	return nil
}

// sent returns the probes the network saw so far.
func (n *fakeNetwork) sent() []sentProbe {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]sentProbe, len(n.probes))
	copy(out, n.probes)
	return out
}
