// SPDX-FileCopyrightText: 2025 Deutsche Telekom IT GmbH
//
// SPDX-License-Identifier: Apache-2.0

package traceroute

import (
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// ICMP types the codec understands.
const (
	icmpTypeEchoReply              = 0
	icmpTypeDestinationUnreachable = 3
	icmpTypeEchoRequest            = 8
	icmpTypeTimeExceeded           = 11
)

// ICMP codes for Destination Unreachable messages.
// For more information, see:
// https://www.iana.org/assignments/icmp-parameters/icmp-parameters.xhtml#icmp-parameters-codes-3
const (
	icmpUnreachableNet             = 0
	icmpUnreachableHost            = 1
	icmpUnreachableProtocol        = 2
	icmpUnreachablePort            = 3
	icmpUnreachableFragmentation   = 4
	icmpUnreachableNetProhibited   = 9
	icmpUnreachableHostProhibited  = 10
	icmpUnreachableAdminProhibited = 13
)

// icmpTimeExceededInTransit is the ICMP code for Time Exceeded - "TTL exceeded in transit" messages.
const icmpTimeExceededInTransit = 0

const (
	ipv4HeaderLen = 20
	// Checksum offsets inside the layer 4 header.
	icmpChecksumOffset = 2
	udpChecksumOffset  = 6
	// probePayloadLen is the length of the checksum balancing payload.
	probePayloadLen = 2
	tcpWindowSize   = 64240
)

// Field bounds inside the quoted layer 4 header. RFC 792 only guarantees
// the first 8 bytes.
const (
	quotedPortEnd          = 2
	quotedEchoIDStart      = 4
	quotedEchoIDEnd        = 6
	quotedSequence16Start  = 6
	quotedTCPSequenceStart = 4
	quotedSequenceEnd      = 8
	sequenceBits16         = 16
	sequenceBits32         = 32
)

var serializeOpts = gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}

// encodeProbe builds the IPv4 packet of the probe, header included.
//
// The probe sequence is placed where routers quote it back:
//   - UDP: the checksum is forced to the low 16 bits of the sequence through a
//     two byte payload, ports stay untouched.
//   - ICMP: the echo sequence carries it while a two byte payload holds the
//     checksum constant for the flow key.
//   - TCP: the sequence number carries it in full.
//
// The IPv4 identification is the low 16 bits of the sequence as well, so
// routers quoting less than 8 bytes of the payload still return it.
func encodeProbe(p Probe, src netip.Addr, dstPort uint16) ([]byte, error) {
	if !src.Unmap().Is4() || !p.Target.Unmap().Is4() {
		return nil, fmt.Errorf("only IPv4 probes are supported: %s -> %s", src, p.Target)
	}

	ip := &layers.IPv4{
		Version: 4,
		IHL:     5,
		TTL:     p.TTL,
		Id:      uint16(p.Sequence), // #nosec G115 // low 16 bits on purpose
		Flags:   layers.IPv4DontFragment,
		SrcIP:   net.IP(src.Unmap().AsSlice()),
		DstIP:   net.IP(p.Target.Unmap().AsSlice()),
	}

	switch p.Protocol {
	case ProtocolUDP:
		ip.Protocol = layers.IPProtocolUDP
		udp := &layers.UDP{
			SrcPort: layers.UDPPort(p.FlowKey),
			DstPort: layers.UDPPort(dstPort),
		}
		if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
			return nil, err
		}
		return serializeBalanced(uint16(p.Sequence), ipv4HeaderLen+udpChecksumOffset, ip, udp) // #nosec G115
	case ProtocolICMP:
		ip.Protocol = layers.IPProtocolICMPv4
		echo := &layers.ICMPv4{
			TypeCode: layers.CreateICMPv4TypeCode(icmpTypeEchoRequest, 0),
			Id:       uint16(p.FlowKey),
			Seq:      uint16(p.Sequence), // #nosec G115
		}
		return serializeBalanced(uint16(p.FlowKey), ipv4HeaderLen+icmpChecksumOffset, ip, echo)
	case ProtocolTCP:
		ip.Protocol = layers.IPProtocolTCP
		tcp := &layers.TCP{
			SrcPort: layers.TCPPort(p.FlowKey),
			DstPort: layers.TCPPort(dstPort),
			Seq:     p.Sequence,
			SYN:     true,
			Window:  tcpWindowSize,
		}
		if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
			return nil, err
		}
		buf := gopacket.NewSerializeBuffer()
		if err := gopacket.SerializeLayers(buf, serializeOpts, ip, tcp); err != nil {
			return nil, fmt.Errorf("failed to serialize tcp probe: %w", err)
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("unsupported protocol: %s", p.Protocol)
	}
}

// serializeBalanced serializes the layers followed by a two byte payload
// chosen so the 16 bit checksum at offset ends up equal to want.
// want must be neither 0x0000 nor 0xFFFF.
func serializeBalanced(want uint16, offset int, ls ...gopacket.SerializableLayer) ([]byte, error) {
	payload := make(gopacket.Payload, probePayloadLen)
	ls = append(ls, &payload)

	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, serializeOpts, ls...); err != nil {
		return nil, fmt.Errorf("failed to serialize probe: %w", err)
	}
	initial := binary.BigEndian.Uint16(buf.Bytes()[offset:])

	// The checksum is the complement of the ones' complement sum. Adding the
	// initial checksum cancels every other word and leaves the wanted sum.
	binary.BigEndian.PutUint16(payload, onesAdd(^want, initial))

	buf = gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, serializeOpts, ls...); err != nil {
		return nil, fmt.Errorf("failed to serialize probe: %w", err)
	}
	return buf.Bytes(), nil
}

// onesAdd adds two 16 bit words in ones' complement arithmetic.
func onesAdd(a, b uint16) uint16 {
	s := uint32(a) + uint32(b)
	return uint16((s & 0xffff) + (s >> 16)) // #nosec G115 // folded sum fits
}

// decodeResponse parses an inbound IPv4 packet, header included.
// It never performs I/O and returns a [*DecodeError] for anything it cannot use.
func decodeResponse(b []byte, at time.Time) (ProbeResponse, error) {
	var ip layers.IPv4
	if err := ip.DecodeFromBytes(b, gopacket.NilDecodeFeedback); err != nil {
		return ProbeResponse{}, truncated("ipv4 header: %v", err)
	}
	responder, ok := netip.AddrFromSlice(ip.SrcIP)
	if !ok {
		return ProbeResponse{}, truncated("ipv4 source address")
	}
	resp := ProbeResponse{Responder: responder.Unmap(), ReceivedAt: at}

	switch ip.Protocol {
	case layers.IPProtocolICMPv4:
		return decodeICMP(ip.Payload, resp)
	case layers.IPProtocolTCP:
		return decodeTCP(ip.Payload, resp)
	default:
		return ProbeResponse{}, unrecognized("ip protocol %s", ip.Protocol)
	}
}

func decodeICMP(b []byte, resp ProbeResponse) (ProbeResponse, error) {
	var msg layers.ICMPv4
	if err := msg.DecodeFromBytes(b, gopacket.NilDecodeFeedback); err != nil {
		return ProbeResponse{}, truncated("icmp header: %v", err)
	}
	resp.ICMPType = msg.TypeCode.Type()
	resp.ICMPCode = msg.TypeCode.Code()

	switch resp.ICMPType {
	case icmpTypeEchoReply:
		resp.Kind = KindEchoReply
		resp.Protocol = ProtocolICMP
		resp.QuotedFlowKey, resp.HasFlowKey = FlowKey(msg.Id), true
		resp.QuotedSequence, resp.SequenceBits = uint32(msg.Seq), sequenceBits16
		resp.QuotedDestination = resp.Responder
		return resp, nil
	case icmpTypeTimeExceeded:
		resp.Kind = KindOther
		if resp.ICMPCode == icmpTimeExceededInTransit {
			resp.Kind = KindTimeExceeded
		}
	case icmpTypeDestinationUnreachable:
		resp.Kind = KindOther
		if resp.ICMPCode == icmpUnreachablePort {
			resp.Kind = KindPortUnreachable
		}
	default:
		return ProbeResponse{}, unrecognized("icmp type %d code %d", resp.ICMPType, resp.ICMPCode)
	}

	return decodeQuoted(msg.Payload, resp)
}

// decodeQuoted recovers the probe from the IP header and leading payload
// bytes an ICMP error message quotes.
func decodeQuoted(b []byte, resp ProbeResponse) (ProbeResponse, error) {
	var ip layers.IPv4
	if err := ip.DecodeFromBytes(b, gopacket.NilDecodeFeedback); err != nil {
		return ProbeResponse{}, truncated("quoted ipv4 header: %v", err)
	}
	if dst, ok := netip.AddrFromSlice(ip.DstIP); ok {
		resp.QuotedDestination = dst.Unmap()
	}

	l4 := ip.Payload
	switch ip.Protocol {
	case layers.IPProtocolUDP:
		resp.Protocol = ProtocolUDP
		if len(l4) >= quotedPortEnd {
			resp.QuotedFlowKey, resp.HasFlowKey = FlowKey(binary.BigEndian.Uint16(l4)), true
		}
		if len(l4) >= quotedSequenceEnd {
			resp.QuotedSequence = uint32(binary.BigEndian.Uint16(l4[quotedSequence16Start:]))
			resp.SequenceBits = sequenceBits16
		}
	case layers.IPProtocolICMPv4:
		resp.Protocol = ProtocolICMP
		if len(l4) > 0 && l4[0] != icmpTypeEchoRequest {
			return ProbeResponse{}, unrecognized("quoted icmp type %d", l4[0])
		}
		if len(l4) >= quotedEchoIDEnd {
			resp.QuotedFlowKey, resp.HasFlowKey = FlowKey(binary.BigEndian.Uint16(l4[quotedEchoIDStart:])), true
		}
		if len(l4) >= quotedSequenceEnd {
			resp.QuotedSequence = uint32(binary.BigEndian.Uint16(l4[quotedSequence16Start:]))
			resp.SequenceBits = sequenceBits16
		}
	case layers.IPProtocolTCP:
		resp.Protocol = ProtocolTCP
		if len(l4) >= quotedPortEnd {
			resp.QuotedFlowKey, resp.HasFlowKey = FlowKey(binary.BigEndian.Uint16(l4)), true
		}
		if len(l4) >= quotedSequenceEnd {
			resp.QuotedSequence = binary.BigEndian.Uint32(l4[quotedTCPSequenceStart:])
			resp.SequenceBits = sequenceBits32
		}
	default:
		return ProbeResponse{}, unrecognized("quoted ip protocol %s", ip.Protocol)
	}

	// Routers that quote less than 8 bytes of the payload still quote the
	// IPv4 header, whose identification holds the low 16 sequence bits.
	if resp.SequenceBits == 0 {
		resp.QuotedSequence, resp.SequenceBits = uint32(ip.Id), sequenceBits16
	}
	return resp, nil
}

func decodeTCP(b []byte, resp ProbeResponse) (ProbeResponse, error) {
	var tcp layers.TCP
	if err := tcp.DecodeFromBytes(b, gopacket.NilDecodeFeedback); err != nil {
		return ProbeResponse{}, truncated("tcp header: %v", err)
	}

	switch {
	case tcp.SYN && tcp.ACK:
		resp.Kind = KindTCPSynAck
	case tcp.RST:
		resp.Kind = KindTCPRst
	default:
		return ProbeResponse{}, unrecognized("tcp segment without syn-ack or rst")
	}

	resp.Protocol = ProtocolTCP
	resp.QuotedFlowKey, resp.HasFlowKey = FlowKey(tcp.DstPort), true
	resp.ReplyPort = uint16(tcp.SrcPort)
	// A reset without ACK does not acknowledge our sequence.
	if tcp.ACK {
		resp.QuotedSequence, resp.SequenceBits = tcp.Ack-1, sequenceBits32
	}
	// Only the target accepts a connection. A reset acknowledging nothing is
	// attributed to the target as well, firewalls acknowledge the probe.
	if resp.Kind == KindTCPSynAck || !tcp.ACK {
		resp.QuotedDestination = resp.Responder
	}
	return resp, nil
}
