// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import "errors"

var (
	// ErrNotAuthorized is returned when the auth engine rejects an operation.
	ErrNotAuthorized = errors.New("not authorized")

	// ErrRateLimited is returned when an operation exceeds its rate limit.
	ErrRateLimited = errors.New("rate limited")

	// ErrMessageTooLarge is returned when a payload exceeds the configured maximum.
	ErrMessageTooLarge = errors.New("message too large")

	// ErrMaxSessions is returned when the session limit is reached.
	ErrMaxSessions = errors.New("maximum sessions reached")

	// ErrShuttingDown is returned for operations arriving during shutdown.
	ErrShuttingDown = errors.New("broker shutting down")

	// ErrSessionNotFound is returned when no session exists for a client ID.
	ErrSessionNotFound = errors.New("session not found")
)
