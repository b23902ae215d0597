// SPDX-FileCopyrightText: 2025 Deutsche Telekom IT GmbH
//
// SPDX-License-Identifier: Apache-2.0

package traceroute

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrTruncated is returned when an inbound packet is shorter than the
	// headers it announces.
	ErrTruncated = errors.New("packet truncated")
	// ErrUnrecognized is returned when an inbound packet is not a response
	// this engine understands.
	ErrUnrecognized = errors.New("packet not recognized")
	// ErrRawSocketUnavailable is returned when raw sockets cannot be opened.
	// This typically occurs when the process lacks the NET_RAW capability
	// or runs in an environment where raw sockets are restricted (e.g., some containerized environments).
	ErrRawSocketUnavailable = errors.New("no NET_RAW capabilities, raw sockets not available")
)

// DecodeError is returned when an inbound packet cannot be decoded.
type DecodeError struct {
	// Reason is either [ErrTruncated] or [ErrUnrecognized].
	Reason error
	// Detail describes which part of the packet failed to decode.
	Detail string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode: %s: %v", e.Detail, e.Reason)
}

func (e *DecodeError) Unwrap() error {
	return e.Reason
}

func truncated(format string, args ...any) error {
	return &DecodeError{Reason: ErrTruncated, Detail: fmt.Sprintf(format, args...)}
}

func unrecognized(format string, args ...any) error {
	return &DecodeError{Reason: ErrUnrecognized, Detail: fmt.Sprintf(format, args...)}
}

// TransportError is returned when the transport fails to send or receive.
// It aborts the running trace.
type TransportError struct {
	// Op is the failed operation, e.g. "send" or "recv".
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// isTracerouteError checks if the error is related to common
// and expected traceroute errors.
func isTracerouteError(err error) bool {
	return errors.Is(err, ErrRawSocketUnavailable) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled)
}
