// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/absmach/routemq/broker"
)

// BrokerMetrics exposes the broker's runtime counters as OpenTelemetry
// instruments. Counters are observed from the stats snapshot on each
// collection, so the broker pays nothing between scrapes.
type BrokerMetrics struct {
	meter        metric.Meter
	registration metric.Registration
}

// RegisterBrokerMetrics creates the broker instruments and hooks them
// up to the given broker. Unregister releases the callback.
func RegisterBrokerMetrics(b *broker.Broker) (*BrokerMetrics, error) {
	m := &BrokerMetrics{
		meter: otel.Meter("routemq-broker"),
	}

	connectionsTotal, err := m.meter.Int64ObservableCounter(
		"mqtt.connections.total",
		metric.WithDescription("Total accepted client connections"),
	)
	if err != nil {
		return nil, fmt.Errorf("create connections counter: %w", err)
	}

	messagesReceived, err := m.meter.Int64ObservableCounter(
		"mqtt.messages.received.total",
		metric.WithDescription("Total control packets received from clients"),
	)
	if err != nil {
		return nil, fmt.Errorf("create messages received counter: %w", err)
	}

	messagesSent, err := m.meter.Int64ObservableCounter(
		"mqtt.messages.sent.total",
		metric.WithDescription("Total messages written to clients"),
	)
	if err != nil {
		return nil, fmt.Errorf("create messages sent counter: %w", err)
	}

	messagesDropped, err := m.meter.Int64ObservableCounter(
		"mqtt.messages.dropped.total",
		metric.WithDescription("Messages dropped by queue limits or offline QoS 0 delivery"),
	)
	if err != nil {
		return nil, fmt.Errorf("create messages dropped counter: %w", err)
	}

	publishReceived, err := m.meter.Int64ObservableCounter(
		"mqtt.publish.received.total",
		metric.WithDescription("Total PUBLISH packets accepted"),
	)
	if err != nil {
		return nil, fmt.Errorf("create publish received counter: %w", err)
	}

	publishSent, err := m.meter.Int64ObservableCounter(
		"mqtt.publish.sent.total",
		metric.WithDescription("Total PUBLISH packets routed to subscribers"),
	)
	if err != nil {
		return nil, fmt.Errorf("create publish sent counter: %w", err)
	}

	willsPublished, err := m.meter.Int64ObservableCounter(
		"mqtt.wills.published.total",
		metric.WithDescription("Will messages fired on abnormal disconnects"),
	)
	if err != nil {
		return nil, fmt.Errorf("create wills counter: %w", err)
	}

	sessionsExpired, err := m.meter.Int64ObservableCounter(
		"mqtt.sessions.expired.total",
		metric.WithDescription("Sessions destroyed by the expiry sweep"),
	)
	if err != nil {
		return nil, fmt.Errorf("create sessions expired counter: %w", err)
	}

	sessionsTakenOver, err := m.meter.Int64ObservableCounter(
		"mqtt.sessions.taken_over.total",
		metric.WithDescription("Sessions taken over by a reconnecting client"),
	)
	if err != nil {
		return nil, fmt.Errorf("create sessions taken over counter: %w", err)
	}

	sessionsActive, err := m.meter.Int64ObservableGauge(
		"mqtt.sessions.active",
		metric.WithDescription("Sessions currently held by the broker"),
	)
	if err != nil {
		return nil, fmt.Errorf("create sessions gauge: %w", err)
	}

	connectionsCurrent, err := m.meter.Int64ObservableGauge(
		"mqtt.connections.current",
		metric.WithDescription("Sessions with a live connection"),
	)
	if err != nil {
		return nil, fmt.Errorf("create connections gauge: %w", err)
	}

	subscriptionsActive, err := m.meter.Int64ObservableGauge(
		"mqtt.subscriptions.active",
		metric.WithDescription("Subscriptions registered in the topic trie"),
	)
	if err != nil {
		return nil, fmt.Errorf("create subscriptions gauge: %w", err)
	}

	uptime, err := m.meter.Float64ObservableGauge(
		"mqtt.broker.uptime.seconds",
		metric.WithDescription("Time since broker start"),
	)
	if err != nil {
		return nil, fmt.Errorf("create uptime gauge: %w", err)
	}

	m.registration, err = m.meter.RegisterCallback(
		func(_ context.Context, o metric.Observer) error {
			snap := b.Stats().Snapshot()
			o.ObserveInt64(connectionsTotal, int64(snap.ConnectionsTotal))
			o.ObserveInt64(messagesReceived, int64(snap.MessagesReceived))
			o.ObserveInt64(messagesSent, int64(snap.MessagesSent))
			o.ObserveInt64(messagesDropped, int64(snap.MessagesDropped))
			o.ObserveInt64(publishReceived, int64(snap.PublishReceived))
			o.ObserveInt64(publishSent, int64(snap.PublishSent))
			o.ObserveInt64(willsPublished, int64(snap.WillsPublished))
			o.ObserveInt64(sessionsExpired, int64(snap.SessionsExpired))
			o.ObserveInt64(sessionsTakenOver, int64(snap.SessionsTakenOver))
			o.ObserveInt64(sessionsActive, int64(b.SessionCount()))
			o.ObserveInt64(connectionsCurrent, int64(b.ConnectedCount()))
			o.ObserveInt64(subscriptionsActive, int64(b.SubscriptionCount()))
			o.ObserveFloat64(uptime, snap.Uptime.Seconds())
			return nil
		},
		connectionsTotal, messagesReceived, messagesSent, messagesDropped,
		publishReceived, publishSent, willsPublished,
		sessionsExpired, sessionsTakenOver,
		sessionsActive, connectionsCurrent, subscriptionsActive, uptime,
	)
	if err != nil {
		return nil, fmt.Errorf("register metrics callback: %w", err)
	}

	return m, nil
}

// Unregister detaches the observation callback.
func (m *BrokerMetrics) Unregister() error {
	if m.registration == nil {
		return nil
	}
	return m.registration.Unregister()
}
