// SPDX-FileCopyrightText: 2025 Deutsche Telekom IT GmbH
//
// SPDX-License-Identifier: Apache-2.0

package traceroute

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/telekom/pathfinder/internal/helper"
	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"
)

const (
	// mtuSize is the read buffer size of the raw listeners.
	mtuSize = 1500
	// rawQueueSize is the number of received packets buffered for Recv.
	rawQueueSize = 256
)

var _ Transport = (*rawTransport)(nil)

// rawTransport sends complete IPv4 packets through an IPPROTO_RAW socket
// and receives ICMP and TCP packets through raw listeners.
// It requires NET_RAW capabilities to be created successfully.
type rawTransport struct {
	// sender writes packets with IP_HDRINCL set.
	sender *ipv4.RawConn
	// listeners read ICMP and TCP packets including their IP header.
	listeners []*ipv4.RawConn
	packets   chan []byte
	errs      chan error
	closing   chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	// retry is applied to transient send failures.
	retry helper.RetryConfig
}

// newRawTransport opens the raw sockets of the transport. It returns
// [ErrRawSocketUnavailable] if the process lacks the NET_RAW capability.
func newRawTransport() (Transport, error) {
	sender, err := listenRaw("ip4:255")
	if err != nil {
		return nil, err
	}

	t := &rawTransport{
		sender:  sender,
		packets: make(chan []byte, rawQueueSize),
		errs:    make(chan error, 1),
		closing: make(chan struct{}),
		retry:   helper.RetryConfig{Count: 3, Delay: 5 * time.Millisecond},
	}
	for _, network := range []string{"ip4:icmp", "ip4:tcp"} {
		l, err := listenRaw(network)
		if err != nil {
			_ = t.Close()
			return nil, err
		}
		t.listeners = append(t.listeners, l)
	}

	for _, l := range t.listeners {
		t.wg.Add(1)
		go t.read(l)
	}
	return t, nil
}

// listenRaw opens a raw IPv4 socket with IP_HDRINCL set.
func listenRaw(network string) (*ipv4.RawConn, error) {
	c, err := net.ListenPacket(network, "0.0.0.0")
	if err != nil {
		if errors.Is(err, unix.EPERM) || errors.Is(err, unix.EACCES) {
			return nil, fmt.Errorf("%w: %w", ErrRawSocketUnavailable, err)
		}
		return nil, fmt.Errorf("failed to listen on %s: %w", network, err)
	}
	rc, err := ipv4.NewRawConn(c)
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("failed to create raw connection on %s: %w", network, err)
	}
	return rc, nil
}

// Send writes one IPv4 packet, header included. Transient buffer exhaustion
// is retried with exponential backoff.
func (t *rawTransport) Send(ctx context.Context, packet []byte) error {
	h, err := ipv4.ParseHeader(packet)
	if err != nil {
		return &TransportError{Op: "send", Err: fmt.Errorf("invalid ipv4 header: %w", err)}
	}
	if h.Len > len(packet) {
		return &TransportError{Op: "send", Err: fmt.Errorf("ipv4 header longer than packet: %d", h.Len)}
	}

	write := func(context.Context) error {
		return t.sender.WriteTo(h, packet[h.Len:], nil)
	}
	if err := helper.RetryWhen(write, t.retry, isTransientSendError)(ctx); err != nil {
		return &TransportError{Op: "send", Err: err}
	}
	return nil
}

// isTransientSendError reports whether a send failure is worth retrying.
func isTransientSendError(err error) bool {
	return errors.Is(err, unix.ENOBUFS) || errors.Is(err, unix.EAGAIN)
}

// Recv returns the next received packet.
func (t *rawTransport) Recv(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case b := <-t.packets:
		return b, nil
	case err := <-t.errs:
		return nil, &TransportError{Op: "recv", Err: err}
	}
}

// read delivers the packets of one listener until the transport is closed.
func (t *rawTransport) read(l *ipv4.RawConn) {
	defer t.wg.Done()
	for {
		buf := make([]byte, mtuSize)
		h, p, _, err := l.ReadFrom(buf)
		if err != nil {
			select {
			case <-t.closing:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			select {
			case t.errs <- err:
			default:
			}
			return
		}

		select {
		case t.packets <- buf[:h.Len+len(p)]:
		case <-t.closing:
			return
		}
	}
}

// SourceFor returns the local address the kernel routes traffic to the
// target from.
func (t *rawTransport) SourceFor(target netip.Addr) (netip.Addr, error) {
	conn, err := net.DialUDP("udp4", nil, net.UDPAddrFromAddrPort(netip.AddrPortFrom(target, defaultUDPPort)))
	if err != nil {
		return netip.Addr{}, fmt.Errorf("failed to determine source address: %w", err)
	}
	defer func() { _ = conn.Close() }()
	return conn.LocalAddr().(*net.UDPAddr).AddrPort().Addr().Unmap(), nil
}

// Close closes every socket of the transport.
//
// It is safe to call this method more than once.
func (t *rawTransport) Close() (err error) {
	t.closeOnce.Do(func() {
		close(t.closing)
		if t.sender != nil {
			err = errors.Join(err, t.sender.Close())
		}
		for _, l := range t.listeners {
			err = errors.Join(err, l.Close())
		}
		t.wg.Wait()
	})
	return err
}
