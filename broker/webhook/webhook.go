// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package webhook delivers broker events to configured HTTP endpoints
// through a worker pool with per-endpoint circuit breaking and retries.
package webhook

import (
	"context"

	"github.com/absmach/routemq/broker/events"
)

// Notifier sends webhook notifications asynchronously.
type Notifier interface {
	// Notify queues an event for delivery. It never blocks; when the
	// queue is full the configured drop policy applies.
	Notify(ctx context.Context, event events.Event) error

	// Close shuts down, flushing pending events up to the shutdown timeout.
	Close() error
}

// Sender is the protocol-specific delivery mechanism.
type Sender interface {
	Send(ctx context.Context, url string, headers map[string]string, payload []byte) error
}
