// SPDX-FileCopyrightText: 2025 Deutsche Telekom IT GmbH
//
// SPDX-License-Identifier: Apache-2.0

// Package report renders the sessions of pathfinder traces.
package report

import (
	"net/netip"
	"time"

	"github.com/telekom/pathfinder/internal/traceroute"
)

// Report is the document written for one traced target
type Report struct {
	// Host is the host name or address the user asked for
	Host         string    `json:"host" yaml:"host"`
	Target       string    `json:"target" yaml:"target"`
	Source       string    `json:"source" yaml:"source"`
	Protocol     string    `json:"protocol" yaml:"protocol"`
	Port         uint16    `json:"port,omitempty" yaml:"port,omitempty"`
	Mode         string    `json:"mode" yaml:"mode"`
	MaxTTL       int       `json:"maxTTL" yaml:"maxTTL"`
	ProbesPerHop int       `json:"probesPerHop" yaml:"probesPerHop"`
	Timeout      string    `json:"timeout" yaml:"timeout"`
	Termination  string    `json:"termination" yaml:"termination"`
	StartedAt    time.Time `json:"startedAt" yaml:"startedAt"`
	Duration     string    `json:"duration" yaml:"duration"`
	// Error is set if the trace failed
	Error string       `json:"error,omitempty" yaml:"error,omitempty"`
	Paths []PathReport `json:"paths" yaml:"paths"`
	// ECMP lists the TTLs at which more than one responder was seen
	ECMP []ECMPReport `json:"ecmp,omitempty" yaml:"ecmp,omitempty"`
}

// PathReport is one distinct path of a trace
type PathReport struct {
	FlowKeys    []uint16    `json:"flowKeys" yaml:"flowKeys"`
	Termination string      `json:"termination" yaml:"termination"`
	Hops        []HopReport `json:"hops" yaml:"hops"`
}

// HopReport holds the result and RTT statistics of one TTL.
// Durations are in milliseconds.
type HopReport struct {
	TTL                    int       `json:"ttl" yaml:"ttl"`
	FlowKey                uint16    `json:"flowKey" yaml:"flowKey"`
	Responder              string    `json:"responder,omitempty" yaml:"responder,omitempty"`
	Responders             []string  `json:"responders,omitempty" yaml:"responders,omitempty"`
	Status                 string    `json:"status" yaml:"status"`
	Kind                   string    `json:"kind" yaml:"kind"`
	Reached                bool      `json:"reached" yaml:"reached"`
	RTTs                   []float64 `json:"rtts" yaml:"rtts"`
	Timeouts               int       `json:"timeouts" yaml:"timeouts"`
	Min                    float64   `json:"min" yaml:"min"`
	Avg                    float64   `json:"avg" yaml:"avg"`
	Max                    float64   `json:"max" yaml:"max"`
	StdDev                 float64   `json:"stdDev" yaml:"stdDev"`
	Loss                   float64   `json:"loss" yaml:"loss"`
	HashStabilityViolation bool      `json:"hashStabilityViolation,omitempty" yaml:"hashStabilityViolation,omitempty"`
	Annotation             string    `json:"annotation,omitempty" yaml:"annotation,omitempty"`
}

// ECMPReport lists the responders of a TTL with more than one
type ECMPReport struct {
	TTL        int      `json:"ttl" yaml:"ttl"`
	Responders []string `json:"responders" yaml:"responders"`
}

// New creates the report of a session. A nil session yields a report
// carrying only the host and the error.
func New(host string, s *traceroute.Session, err error) Report {
	r := Report{Host: host, Paths: []PathReport{}}
	if err != nil {
		r.Error = err.Error()
	}
	if s == nil {
		return r
	}

	r.Target = s.Target.String()
	r.Source = addr(s.Source)
	r.Protocol = s.Protocol.String()
	r.Port = s.Port
	r.Mode = string(s.Mode)
	r.MaxTTL = s.MaxTTL
	r.ProbesPerHop = s.ProbesPerHop
	r.Timeout = s.Timeout.String()
	r.Termination = string(s.Termination)
	r.StartedAt = s.StartedAt
	r.Duration = s.Duration.String()

	for _, p := range s.Paths {
		pr := PathReport{
			FlowKeys:    make([]uint16, 0, len(p.FlowKeys)),
			Termination: string(p.Termination),
			Hops:        make([]HopReport, 0, len(p.Hops)),
		}
		for _, k := range p.FlowKeys {
			pr.FlowKeys = append(pr.FlowKeys, uint16(k))
		}
		for _, h := range p.Hops {
			pr.Hops = append(pr.Hops, newHopReport(h))
		}
		r.Paths = append(r.Paths, pr)
	}

	for _, e := range s.ECMP() {
		if !e.Detected() {
			continue
		}
		r.ECMP = append(r.ECMP, ECMPReport{TTL: int(e.TTL), Responders: addrs(e.Responders)})
	}
	return r
}

func newHopReport(h traceroute.HopResult) HopReport {
	rtts := make([]float64, 0, len(h.RTTSamples))
	for _, d := range h.RTTSamples {
		rtts = append(rtts, ms(d))
	}
	return HopReport{
		TTL:                    int(h.TTL),
		FlowKey:                uint16(h.FlowKey),
		Responder:              addr(h.Responder),
		Responders:             addrs(h.Responders),
		Status:                 h.Status.String(),
		Kind:                   h.Kind.String(),
		Reached:                h.Reached,
		RTTs:                   rtts,
		Timeouts:               h.Timeouts,
		Min:                    ms(h.Min()),
		Avg:                    ms(h.Avg()),
		Max:                    ms(h.Max()),
		StdDev:                 ms(h.StdDev()),
		Loss:                   h.Loss(),
		HashStabilityViolation: h.HashStabilityViolation,
		Annotation:             h.Annotation,
	}
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func addr(a netip.Addr) string {
	if !a.IsValid() {
		return ""
	}
	return a.String()
}

func addrs(as []netip.Addr) []string {
	if len(as) == 0 {
		return nil
	}
	s := make([]string, 0, len(as))
	for _, a := range as {
		s = append(s, a.String())
	}
	return s
}
