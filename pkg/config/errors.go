// SPDX-FileCopyrightText: 2025 Deutsche Telekom IT GmbH
//
// SPDX-License-Identifier: Apache-2.0

package config

import "errors"

var (
	// ErrInvalidProtocol is returned when the probe protocol is invalid
	ErrInvalidProtocol = errors.New("invalid protocol")
	// ErrInvalidSource is returned when the source address is invalid
	ErrInvalidSource = errors.New("invalid source address")
	// ErrInvalidTraceOptions is returned when the trace options are invalid
	ErrInvalidTraceOptions = errors.New("invalid trace options")
	// ErrInvalidTargetsFilePath is returned when the targets file path is invalid
	ErrInvalidTargetsFilePath = errors.New("invalid targets file path")
	// ErrNoTargets is returned when no target is given
	ErrNoTargets = errors.New("no targets given")
)
