// SPDX-FileCopyrightText: 2025 Deutsche Telekom IT GmbH
//
// SPDX-License-Identifier: Apache-2.0

package report

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"
)

// Format is the output format of the reports
type Format string

const (
	FormatTable Format = "table"
	FormatJSON  Format = "json"
	FormatYAML  Format = "yaml"
)

// ErrInvalidFormat is returned for an unknown output format
var ErrInvalidFormat = errors.New("invalid output format")

// Validate returns an error if the format is unknown
func (f Format) Validate() error {
	switch f {
	case FormatTable, FormatJSON, FormatYAML:
		return nil
	default:
		return fmt.Errorf("%w %q, expected one of table, json or yaml", ErrInvalidFormat, string(f))
	}
}

// Write renders the reports to w
func Write(w io.Writer, f Format, reports ...Report) error {
	switch f {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if len(reports) == 1 {
			return enc.Encode(reports[0])
		}
		return enc.Encode(reports)
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer func() { _ = enc.Close() }()
		if len(reports) == 1 {
			return enc.Encode(reports[0])
		}
		return enc.Encode(reports)
	case FormatTable:
		for i, r := range reports {
			if i > 0 {
				if _, err := fmt.Fprintln(w); err != nil {
					return err
				}
			}
			if err := writeTable(w, r); err != nil {
				return err
			}
		}
		return nil
	default:
		return f.Validate()
	}
}

func writeTable(w io.Writer, r Report) error {
	var b strings.Builder
	fmt.Fprintf(&b, "traceroute to %s (%s), %d hops max, %s, %s mode\n", r.Host, r.Target, r.MaxTTL, r.Protocol, r.Mode)
	if r.Error != "" {
		fmt.Fprintf(&b, "error: %s\n", r.Error)
	}

	multi := len(r.Paths) > 1
	for i, p := range r.Paths {
		if multi {
			fmt.Fprintf(&b, "path %d, flows %v, %s\n", i+1, p.FlowKeys, p.Termination)
		}
		for _, h := range p.Hops {
			b.WriteString(hopLine(h))
			b.WriteByte('\n')
		}
	}

	for _, e := range r.ECMP {
		fmt.Fprintf(&b, "ecmp at ttl %d: %s\n", e.TTL, strings.Join(e.Responders, ", "))
	}
	if r.Termination != "" {
		fmt.Fprintf(&b, "%s after %s\n", r.Termination, r.Duration)
	}

	_, err := io.WriteString(w, b.String())
	return err
}

func hopLine(h HopReport) string {
	responder := h.Responder
	if responder == "" {
		responder = "*"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%-3d  %-15s", h.TTL, responder)
	for _, rtt := range h.RTTs {
		fmt.Fprintf(&b, "  %.3f ms", rtt)
	}
	for range h.Timeouts {
		b.WriteString("  *")
	}
	if h.Annotation != "" {
		b.WriteString("  " + h.Annotation)
	}
	if len(h.Responders) > 1 {
		fmt.Fprintf(&b, "  [%s]", strings.Join(h.Responders[1:], " "))
	}
	if h.HashStabilityViolation {
		b.WriteString("  !unstable")
	}
	if h.Reached {
		b.WriteString("  (reached)")
	}
	return b.String()
}
