// Package traceroute implements an ECMP-aware path discovery engine.
//
// It sweeps the TTL from 1 towards a configured maximum, sends UDP, ICMP echo
// or TCP SYN probes through a [Transport], correlates the ICMP errors and TCP
// replies it receives with the probe that caused them, and aggregates the
// outcome into one [HopResult] per TTL.
//
// The flow key (UDP/TCP source port or ICMP identifier) is what per-flow load
// balancers hash on. Depending on the [Mode] the engine
//   - holds it constant for the whole trace so every probe follows the same
//     physical path ([ModeDeterministic], the Paris traceroute technique),
//   - runs one independent sweep per key from a seeded pool and coalesces the
//     discovered paths ([ModeMultipath]), or
//   - changes it for every probe like classic traceroute does ([ModeClassic]).
//
// The sequence number of a probe is carried in fields routers quote back in
// their ICMP errors: the UDP checksum (balanced through a two byte payload),
// the ICMP echo sequence (with a payload that keeps the ICMP checksum fixed)
// or the TCP sequence number. Correlation therefore never depends on socket
// state owned by the operating system.
//
// Key features:
//   - Pipelined TTL sweep bounded by a maximum number of probes in flight
//   - Independent per-probe timeouts, recorded as data and never as errors
//   - Cancellation through the context, returning the partial path
//   - Built-in OpenTelemetry spans and Prometheus collectors
//   - Mockable transport for tests without raw socket privileges
//
// Typical usage:
//
//	client := traceroute.NewClient()
//	sess, err := client.Run(ctx, traceroute.Request{
//		Target:   netip.MustParseAddr("192.0.2.1"),
//		Protocol: traceroute.ProtocolUDP,
//		Options:  traceroute.Options{Mode: traceroute.ModeDeterministic},
//	})
//	// sess.Hops holds one HopResult per TTL
package traceroute
