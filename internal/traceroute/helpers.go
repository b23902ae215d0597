// SPDX-FileCopyrightText: 2025 Deutsche Telekom IT GmbH
//
// SPDX-License-Identifier: Apache-2.0

package traceroute

import (
	"context"
	"fmt"

	"github.com/telekom/pathfinder/internal/logger"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// logHops logs the hops of every path in a structured format.
func logHops(ctx context.Context, s *Session) {
	log := logger.FromContext(ctx)
	for _, p := range s.Paths {
		for _, hop := range p.Hops {
			log.DebugContext(ctx, hop.String(), "flowKeys", p.FlowKeys)
		}
	}
}

// wrapError wraps an error with a message and logs it.
// It also records the error in the current OpenTelemetry span.
func wrapError(ctx context.Context, err error, msg string, args ...any) error {
	if err == nil {
		return nil
	}
	log := logger.FromContext(ctx)
	span := trace.SpanFromContext(ctx)
	caser := cases.Title(language.English)

	msg = fmt.Sprintf(msg, args...)
	log.ErrorContext(ctx, caser.String(msg), "error", err)
	span.SetStatus(codes.Error, msg)
	span.RecordError(err)
	return fmt.Errorf("%s: %w", msg, err)
}
