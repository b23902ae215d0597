// SPDX-FileCopyrightText: 2025 Deutsche Telekom IT GmbH
//
// SPDX-License-Identifier: Apache-2.0

package traceroute

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/netip"
	"slices"
	"strings"
	"time"
)

// Protocol represents the protocol used for the probes of a traceroute.
type Protocol string

// Protocol constants for the traceroute.
const (
	ProtocolUDP  Protocol = "udp"
	ProtocolICMP Protocol = "icmp"
	ProtocolTCP  Protocol = "tcp"
)

func (p Protocol) String() string {
	switch p {
	case ProtocolUDP, ProtocolICMP, ProtocolTCP:
		return string(p)
	default:
		return "unknown"
	}
}

func (p Protocol) IsValid() bool {
	valid := []Protocol{ProtocolUDP, ProtocolICMP, ProtocolTCP}
	return slices.Contains(valid, p)
}

// DefaultPort returns the destination port probes of the protocol are sent to
// when the request does not name one.
func (p Protocol) DefaultPort() uint16 {
	switch p {
	case ProtocolUDP:
		return defaultUDPPort
	case ProtocolTCP:
		return defaultTCPPort
	default:
		return 0
	}
}

// Mode controls how the flow key is chosen across the probes of a trace.
type Mode string

const (
	// ModeDeterministic holds one flow key for every probe (Paris traceroute).
	ModeDeterministic Mode = "deterministic"
	// ModeMultipath runs one independent sweep per flow key of a seeded pool.
	ModeMultipath Mode = "multipath"
	// ModeClassic changes the flow key on every probe.
	ModeClassic Mode = "classic"
)

func (m Mode) IsValid() bool {
	return slices.Contains([]Mode{ModeDeterministic, ModeMultipath, ModeClassic}, m)
}

// FlowKey is the field a load balancer hashes on: the source port of UDP and
// TCP probes or the identifier of ICMP echo probes.
type FlowKey uint16

// Probe is one outbound diagnostic packet.
type Probe struct {
	// TTL is the IP time to live the probe is sent with.
	TTL uint8
	// Index is the dispatch position of the probe within its TTL.
	Index int
	// Protocol is the protocol of the probe.
	Protocol Protocol
	// FlowKey is the flow key the probe presents to load balancers.
	FlowKey FlowKey
	// Sequence is unique for the lifetime of a session.
	Sequence uint32
	// Target is the destination address of the probe.
	Target netip.Addr
	// Port is the destination port of UDP and TCP probes.
	Port uint16
	// SentAt is the time the probe was handed to the transport.
	SentAt time.Time
}

// ResponseKind classifies an inbound packet.
type ResponseKind int

const (
	KindNone ResponseKind = iota
	KindTimeExceeded
	KindPortUnreachable
	KindEchoReply
	KindTCPSynAck
	KindTCPRst
	KindOther
)

func (k ResponseKind) String() string {
	switch k {
	case KindTimeExceeded:
		return "time-exceeded"
	case KindPortUnreachable:
		return "port-unreachable"
	case KindEchoReply:
		return "echo-reply"
	case KindTCPSynAck:
		return "tcp-syn-ack"
	case KindTCPRst:
		return "tcp-rst"
	case KindOther:
		return "other"
	default:
		return "none"
	}
}

func (k ResponseKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// ProbeResponse is a parsed inbound packet believed to answer a probe.
type ProbeResponse struct {
	// Kind is the classification of the packet.
	Kind ResponseKind
	// Responder is the source address of the packet.
	Responder netip.Addr
	// Protocol is the protocol of the probe the packet answers.
	Protocol Protocol
	// QuotedSequence is the probe sequence recovered from the packet.
	// Only the low SequenceBits bits are meaningful.
	QuotedSequence uint32
	// SequenceBits is 0 if no sequence could be recovered, 16 if it was carried
	// in a 16 bit field and 32 for TCP sequence numbers.
	SequenceBits int
	// QuotedFlowKey is the flow key of the probe, valid if HasFlowKey is set.
	QuotedFlowKey FlowKey
	HasFlowKey    bool
	// QuotedDestination is the destination of the quoted probe, if known.
	QuotedDestination netip.Addr
	// ReplyPort is the source port of a direct TCP reply, zero otherwise.
	ReplyPort uint16
	// ICMPType and ICMPCode are set for ICMP responses.
	ICMPType uint8
	ICMPCode uint8
	// ReceivedAt is the time the packet was read from the transport.
	ReceivedAt time.Time
}

// annotation returns the traceroute style marker of the response, if any.
func (r *ProbeResponse) annotation() string {
	if r.Kind != KindOther || r.ICMPType != icmpTypeDestinationUnreachable {
		return ""
	}
	switch r.ICMPCode {
	case icmpUnreachableNet:
		return "!N"
	case icmpUnreachableHost:
		return "!H"
	case icmpUnreachableProtocol:
		return "!P"
	case icmpUnreachableFragmentation:
		return "!F"
	case icmpUnreachableNetProhibited, icmpUnreachableHostProhibited, icmpUnreachableAdminProhibited:
		return "!X"
	default:
		return fmt.Sprintf("!<%d>", r.ICMPCode)
	}
}

// HopStatus is the resolution state of one TTL.
type HopStatus int

const (
	StatusInProgress HopStatus = iota
	StatusResolved
	StatusUnreachable
	StatusTimeout
)

func (s HopStatus) String() string {
	switch s {
	case StatusResolved:
		return "resolved"
	case StatusUnreachable:
		return "unreachable"
	case StatusTimeout:
		return "timeout"
	default:
		return "in-progress"
	}
}

func (s HopStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// HopResult is the resolved outcome of one TTL of one flow key.
type HopResult struct {
	TTL uint8 `json:"ttl" yaml:"ttl"`
	// FlowKey is the flow key of the sweep. In classic mode every probe has
	// its own key and FlowKey is the one of the first probe of the TTL.
	FlowKey FlowKey `json:"flowKey" yaml:"flowKey"`
	// Responder is the first address that answered. The zero value means no
	// probe of this TTL was answered.
	Responder netip.Addr `json:"responder" yaml:"responder"`
	// Responders holds every distinct address that answered, Responder first.
	Responders []netip.Addr `json:"responders,omitempty" yaml:"responders,omitempty"`
	// RTTSamples holds one sample per answered probe in dispatch order.
	RTTSamples []time.Duration `json:"-" yaml:"-"`
	Timeouts   int             `json:"timeouts" yaml:"timeouts"`
	Status     HopStatus       `json:"status" yaml:"status"`
	Kind       ResponseKind    `json:"kind" yaml:"kind"`
	Reached    bool            `json:"reached" yaml:"reached"`
	// HashStabilityViolation is set in deterministic mode if probes of the
	// same TTL were answered by different addresses.
	HashStabilityViolation bool   `json:"hashStabilityViolation,omitempty" yaml:"hashStabilityViolation,omitempty"`
	Annotation             string `json:"annotation,omitempty" yaml:"annotation,omitempty"`
}

func (h HopResult) MarshalJSON() ([]byte, error) {
	type alias HopResult
	rtts := make([]string, len(h.RTTSamples))
	for i, rtt := range h.RTTSamples {
		rtts[i] = rtt.String()
	}
	return json.Marshal(&struct {
		RTTSamples []string `json:"rttSamples"`
		alias
	}{
		RTTSamples: rtts,
		alias:      alias(h),
	})
}

// Answered reports whether at least one probe of the hop was answered.
func (h HopResult) Answered() bool {
	return h.Responder.IsValid()
}

// Min returns the smallest RTT sample or zero.
func (h HopResult) Min() time.Duration {
	if len(h.RTTSamples) == 0 {
		return 0
	}
	return slices.Min(h.RTTSamples)
}

// Max returns the largest RTT sample or zero.
func (h HopResult) Max() time.Duration {
	if len(h.RTTSamples) == 0 {
		return 0
	}
	return slices.Max(h.RTTSamples)
}

// Avg returns the mean RTT or zero.
func (h HopResult) Avg() time.Duration {
	if len(h.RTTSamples) == 0 {
		return 0
	}
	var sum time.Duration
	for _, rtt := range h.RTTSamples {
		sum += rtt
	}
	return sum / time.Duration(len(h.RTTSamples))
}

// StdDev returns the population standard deviation of the RTT samples.
func (h HopResult) StdDev() time.Duration {
	if len(h.RTTSamples) < 2 {
		return 0
	}
	avg := float64(h.Avg())
	var sq float64
	for _, rtt := range h.RTTSamples {
		d := float64(rtt) - avg
		sq += d * d
	}
	return time.Duration(math.Sqrt(sq / float64(len(h.RTTSamples))))
}

// Loss returns the share of probes without a response in the range [0, 1].
func (h HopResult) Loss() float64 {
	total := len(h.RTTSamples) + h.Timeouts
	if total == 0 {
		return 0
	}
	return float64(h.Timeouts) / float64(total)
}

func (h HopResult) String() string {
	addr := "*"
	if h.Responder.IsValid() {
		addr = h.Responder.String()
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%-3d  %-15s", h.TTL, addr)
	for _, rtt := range h.RTTSamples {
		fmt.Fprintf(&b, "  %.3f ms", float64(rtt)/float64(time.Millisecond))
	}
	for range h.Timeouts {
		b.WriteString("  *")
	}
	if h.Annotation != "" {
		b.WriteString("  " + h.Annotation)
	}
	if h.Reached {
		b.WriteString("  (reached)")
	}
	return b.String()
}

// Termination is the reason a trace or one of its paths ended.
type Termination string

const (
	// TerminationNone is the termination of a trace that is still running.
	TerminationNone Termination = ""
	// TerminationReached means the destination answered with a terminal response.
	TerminationReached Termination = "reached"
	// TerminationExhausted means the maximum TTL was swept without reaching the destination.
	TerminationExhausted Termination = "exhausted"
	// TerminationAborted means the trace was canceled or the transport failed.
	TerminationAborted Termination = "aborted"
)

// Completed reports whether the trace ran to its natural end.
func (t Termination) Completed() bool {
	return t == TerminationReached || t == TerminationExhausted
}

// Path is the result of one sweep. After coalescing, a path holds every flow
// key that produced the same sequence of responders.
type Path struct {
	// FlowKeys lists the flow keys that followed the path. In classic mode it
	// holds the key of every probe sent, in dispatch order.
	FlowKeys    []FlowKey   `json:"flowKeys" yaml:"flowKeys"`
	Hops        []HopResult `json:"hops" yaml:"hops"`
	Termination Termination `json:"termination" yaml:"termination"`
}

// Session is the result of one trace run.
type Session struct {
	Target       netip.Addr    `json:"target" yaml:"target"`
	Source       netip.Addr    `json:"source" yaml:"source"`
	Protocol     Protocol      `json:"protocol" yaml:"protocol"`
	Port         uint16        `json:"port,omitempty" yaml:"port,omitempty"`
	MaxTTL       int           `json:"maxTTL" yaml:"maxTTL"`
	ProbesPerHop int           `json:"probesPerHop" yaml:"probesPerHop"`
	Timeout      time.Duration `json:"timeout" yaml:"timeout"`
	Mode         Mode          `json:"mode" yaml:"mode"`
	// Hops holds the hops of the first path.
	Hops        []HopResult   `json:"hops" yaml:"hops"`
	Paths       []Path        `json:"paths" yaml:"paths"`
	Termination Termination   `json:"termination" yaml:"termination"`
	StartedAt   time.Time     `json:"startedAt" yaml:"startedAt"`
	Duration    time.Duration `json:"duration" yaml:"duration"`
}

// ECMPInfo lists the distinct responders seen at one TTL across all paths.
type ECMPInfo struct {
	TTL        uint8
	Responders []netip.Addr
}

// Detected reports whether more than one responder answered at the TTL.
func (e ECMPInfo) Detected() bool {
	return len(e.Responders) > 1
}

// ECMP returns the distinct responders per TTL across all paths of the session.
func (s *Session) ECMP() []ECMPInfo {
	var infos []ECMPInfo
	for _, p := range s.Paths {
		for _, h := range p.Hops {
			idx := int(h.TTL) - 1
			for len(infos) <= idx {
				infos = append(infos, ECMPInfo{TTL: uint8(len(infos) + 1)}) // #nosec G115 // bounded by the max TTL
			}
			for _, r := range h.Responders {
				if !slices.Contains(infos[idx].Responders, r) {
					infos[idx].Responders = append(infos[idx].Responders, r)
				}
			}
		}
	}
	return infos
}

// Options contains the optional configuration for the traceroute.
type Options struct {
	// MaxTTL is the maximum TTL to probe.
	MaxTTL int `json:"maxTTL" yaml:"maxTTL" mapstructure:"maxTTL"`
	// ProbesPerHop is the number of probes sent per TTL.
	ProbesPerHop int `json:"probesPerHop" yaml:"probesPerHop" mapstructure:"probesPerHop"`
	// Timeout is the time each probe waits for its response.
	Timeout time.Duration `json:"timeout" yaml:"timeout" mapstructure:"timeout"`
	// Mode controls the flow key across probes.
	Mode Mode `json:"mode" yaml:"mode" mapstructure:"mode"`
	// Flows is the number of flow keys explored in multipath mode.
	Flows int `json:"flows" yaml:"flows" mapstructure:"flows"`
	// Seed seeds the flow key pool. Zero picks a random seed.
	Seed uint64 `json:"seed" yaml:"seed" mapstructure:"seed"`
	// MaxInFlight bounds the number of unanswered probes across all sweeps.
	MaxInFlight int `json:"maxInFlight" yaml:"maxInFlight" mapstructure:"maxInFlight"`
	// SendInterval is the pause between two probes of one sweep.
	SendInterval time.Duration `json:"sendInterval" yaml:"sendInterval" mapstructure:"sendInterval"`
	// ParallelSweeps is the number of multipath sweeps run at the same time.
	ParallelSweeps int `json:"parallelSweeps" yaml:"parallelSweeps" mapstructure:"parallelSweeps"`
}

const (
	DefaultMaxTTL         = 30
	DefaultProbesPerHop   = 3
	DefaultTimeout        = 3 * time.Second
	DefaultFlows          = 8
	DefaultMaxInFlight    = 16
	DefaultSendInterval   = 10 * time.Millisecond
	DefaultParallelSweeps = 1

	MinTimeout      = time.Second
	MaxTimeout      = 5 * time.Second
	maxProbesPerHop = 10
	maxFlows        = 16
)

// WithDefaults returns a copy of the options with every zero value replaced
// by its default.
func (o Options) WithDefaults() Options {
	if o.MaxTTL == 0 {
		o.MaxTTL = DefaultMaxTTL
	}
	if o.ProbesPerHop == 0 {
		o.ProbesPerHop = DefaultProbesPerHop
	}
	if o.Timeout == 0 {
		o.Timeout = DefaultTimeout
	}
	if o.Mode == "" {
		o.Mode = ModeDeterministic
	}
	if o.Flows == 0 {
		o.Flows = DefaultFlows
	}
	if o.MaxInFlight == 0 {
		o.MaxInFlight = DefaultMaxInFlight
	}
	if o.SendInterval == 0 {
		o.SendInterval = DefaultSendInterval
	}
	if o.ParallelSweeps == 0 {
		o.ParallelSweeps = DefaultParallelSweeps
	}
	return o
}

// Validate checks the options. It expects defaults to be applied.
func (o Options) Validate() (err error) {
	if o.MaxTTL < 1 || o.MaxTTL > math.MaxUint8 {
		err = errors.Join(err, fmt.Errorf("invalid max ttl %d, must be between 1 and %d", o.MaxTTL, math.MaxUint8))
	}
	if o.ProbesPerHop < 1 || o.ProbesPerHop > maxProbesPerHop {
		err = errors.Join(err, fmt.Errorf("invalid probes per hop %d, must be between 1 and %d", o.ProbesPerHop, maxProbesPerHop))
	}
	if o.Timeout < MinTimeout || o.Timeout > MaxTimeout {
		err = errors.Join(err, fmt.Errorf("invalid timeout %s, must be between %s and %s", o.Timeout, MinTimeout, MaxTimeout))
	}
	if !o.Mode.IsValid() {
		err = errors.Join(err, fmt.Errorf("invalid mode: %q", o.Mode))
	}
	if o.Flows < 1 || o.Flows > maxFlows {
		err = errors.Join(err, fmt.Errorf("invalid flows %d, must be between 1 and %d", o.Flows, maxFlows))
	}
	if o.MaxInFlight < 1 {
		err = errors.Join(err, fmt.Errorf("invalid max in flight %d, must be at least 1", o.MaxInFlight))
	}
	if o.SendInterval < 0 {
		err = errors.Join(err, fmt.Errorf("invalid send interval %s", o.SendInterval))
	}
	if o.ParallelSweeps < 1 {
		err = errors.Join(err, fmt.Errorf("invalid parallel sweeps %d, must be at least 1", o.ParallelSweeps))
	}
	return err
}

// Request describes one trace.
type Request struct {
	// Target is the IPv4 destination of the trace.
	Target netip.Addr
	// Source is the IPv4 source address of the probes. If unset, it is
	// discovered through the transport.
	Source netip.Addr
	// Protocol is the protocol of the probes.
	Protocol Protocol
	// Port is the destination port of UDP and TCP probes.
	// Zero selects [Protocol.DefaultPort].
	Port uint16
	// Options are the tunables of the trace.
	Options Options
	// OnHop is called for every hop as soon as it is final, in TTL order per
	// flow key. It may be called from several goroutines in multipath mode.
	OnHop func(FlowKey, HopResult)
}

// WithDefaults returns a copy of the request with default port and options.
func (r Request) WithDefaults() Request {
	if r.Port == 0 {
		r.Port = r.Protocol.DefaultPort()
	}
	r.Options = r.Options.WithDefaults()
	return r
}

// Validate checks the request. It expects defaults to be applied.
func (r Request) Validate() error {
	if !r.Target.IsValid() {
		return errors.New("target address cannot be empty")
	}
	if !r.Target.Unmap().Is4() {
		return fmt.Errorf("invalid target address %s, only IPv4 is supported", r.Target)
	}
	if r.Source.IsValid() && !r.Source.Unmap().Is4() {
		return fmt.Errorf("invalid source address %s, only IPv4 is supported", r.Source)
	}
	if !r.Protocol.IsValid() {
		return fmt.Errorf("invalid target protocol: %s", r.Protocol)
	}
	return r.Options.Validate()
}
