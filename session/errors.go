// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import "errors"

var (
	// ErrNotConnected is returned when an operation needs a live connection.
	ErrNotConnected = errors.New("session not connected")

	// ErrPacketIDExhausted is returned when all 65535 packet identifiers
	// are in use. Callers must treat it as back-pressure and retry after
	// acknowledgments free identifiers.
	ErrPacketIDExhausted = errors.New("packet identifiers exhausted")
)
