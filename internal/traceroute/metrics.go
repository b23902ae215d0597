// SPDX-FileCopyrightText: 2025 Deutsche Telekom IT GmbH
//
// SPDX-License-Identifier: Apache-2.0

package traceroute

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// metrics defines the metric collectors of the traceroute engine
type metrics struct {
	probes         *prometheus.CounterVec
	responses      *prometheus.CounterVec
	timeouts       *prometheus.CounterVec
	unmatched      prometheus.Counter
	decodeErrors   *prometheus.CounterVec
	hashViolations prometheus.Counter
	inFlight       prometheus.Gauge
	rtt            *prometheus.HistogramVec
	sessions       *prometheus.CounterVec
}

// newMetrics initializes metric collectors of the traceroute engine
func newMetrics() *metrics {
	return &metrics{
		probes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pathfinder_probes_sent_total",
				Help: "Total number of probes handed to the transport.",
			},
			[]string{"protocol"},
		),
		responses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pathfinder_responses_matched_total",
				Help: "Total number of responses matched to a probe.",
			},
			[]string{"protocol", "kind"},
		),
		timeouts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pathfinder_probe_timeouts_total",
				Help: "Total number of probes that expired without a response.",
			},
			[]string{"protocol"},
		),
		unmatched: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pathfinder_responses_unmatched_total",
				Help: "Total number of decoded responses that matched no pending probe.",
			},
		),
		decodeErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pathfinder_decode_errors_total",
				Help: "Total number of inbound packets that could not be decoded.",
			},
			[]string{"reason"},
		),
		hashViolations: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pathfinder_hash_stability_violations_total",
				Help: "Total number of hops answered by more than one address in deterministic mode.",
			},
		),
		inFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "pathfinder_probes_in_flight",
				Help: "Number of probes waiting for a response.",
			},
		),
		rtt: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pathfinder_probe_rtt_seconds",
				Help:    "Histogram of probe round trip times in seconds.",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
			},
			[]string{"protocol"},
		),
		sessions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pathfinder_sessions_total",
				Help: "Total number of traces by termination.",
			},
			[]string{"protocol", "termination"},
		),
	}
}

// GetCollectors returns all metric collectors
func (m *metrics) GetCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.probes,
		m.responses,
		m.timeouts,
		m.unmatched,
		m.decodeErrors,
		m.hashViolations,
		m.inFlight,
		m.rtt,
		m.sessions,
	}
}

func (m *metrics) probeSent(p Protocol) {
	m.probes.WithLabelValues(p.String()).Inc()
	m.inFlight.Inc()
}

// probeResolved records the outcome of a probe. A nil response is a timeout.
func (m *metrics) probeResolved(p Probe, resp *ProbeResponse) {
	m.inFlight.Dec()
	if resp == nil {
		m.timeouts.WithLabelValues(p.Protocol.String()).Inc()
		return
	}
	m.responses.WithLabelValues(p.Protocol.String(), resp.Kind.String()).Inc()
	m.rtt.WithLabelValues(p.Protocol.String()).Observe(max(resp.ReceivedAt.Sub(p.SentAt), 0).Seconds())
}

// probeAbandoned records a probe that left the pending index without outcome.
func (m *metrics) probeAbandoned() {
	m.inFlight.Dec()
}

func (m *metrics) decodeFailed(err error) {
	reason := "other"
	switch {
	case errors.Is(err, ErrTruncated):
		reason = "truncated"
	case errors.Is(err, ErrUnrecognized):
		reason = "unrecognized"
	}
	m.decodeErrors.WithLabelValues(reason).Inc()
}

func (m *metrics) sessionDone(p Protocol, t Termination) {
	m.sessions.WithLabelValues(p.String(), string(t)).Inc()
}
