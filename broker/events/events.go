// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package events defines the broker lifecycle events published to
// webhook endpoints.
package events

import (
	"time"

	"github.com/google/uuid"
)

// Event type constants.
const (
	TypeClientConnected     = "client.connected"
	TypeClientDisconnected  = "client.disconnected"
	TypeSessionTakenOver    = "session.taken_over"
	TypeSessionExpired      = "session.expired"
	TypeMessagePublished    = "message.published"
	TypeMessageDropped      = "message.dropped"
	TypeRetainedMessageSet  = "message.retained"
	TypeWillPublished       = "message.will_published"
	TypeSubscriptionCreated = "subscription.created"
	TypeSubscriptionRemoved = "subscription.removed"
	TypeDurabilityFailure   = "storage.durability_failure"
)

// Event is the common interface for all webhook events.
type Event interface {
	// Type returns the event type identifier (e.g. "client.connected").
	Type() string

	// Topic returns the topic for message events, empty for others.
	Topic() string

	// Wrap wraps the event in a common envelope with metadata.
	Wrap(brokerID string) *Envelope
}

// Envelope is the common wrapper for all webhook events.
type Envelope struct {
	EventType string `json:"event_type"`
	EventID   string `json:"event_id"`
	Timestamp string `json:"timestamp"`
	BrokerID  string `json:"broker_id"`
	Data      any    `json:"data"`
}

func wrap(e Event, brokerID string) *Envelope {
	return &Envelope{
		EventType: e.Type(),
		EventID:   uuid.New().String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		BrokerID:  brokerID,
		Data:      e,
	}
}

// ClientConnected is emitted when a client successfully connects.
type ClientConnected struct {
	ClientID   string `json:"client_id"`
	CleanStart bool   `json:"clean_start"`
	Resumed    bool   `json:"resumed"`
	KeepAlive  uint16 `json:"keep_alive"`
	RemoteAddr string `json:"remote_addr"`
}

func (e ClientConnected) Type() string { return TypeClientConnected }
func (e ClientConnected) Topic() string { return "" }
func (e ClientConnected) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }

// ClientDisconnected is emitted when a client disconnects.
type ClientDisconnected struct {
	ClientID   string `json:"client_id"`
	Reason     string `json:"reason"` // "normal", "error", "timeout", "takeover"
	RemoteAddr string `json:"remote_addr"`
}

func (e ClientDisconnected) Type() string { return TypeClientDisconnected }
func (e ClientDisconnected) Topic() string { return "" }
func (e ClientDisconnected) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }

// SessionTakenOver is emitted when a new connection with the same
// client ID displaces an existing one.
type SessionTakenOver struct {
	ClientID string `json:"client_id"`
	OldAddr  string `json:"old_addr"`
	NewAddr  string `json:"new_addr"`
}

func (e SessionTakenOver) Type() string { return TypeSessionTakenOver }
func (e SessionTakenOver) Topic() string { return "" }
func (e SessionTakenOver) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }

// SessionExpired is emitted when a disconnected session passes its
// expiry interval and its state is destroyed.
type SessionExpired struct {
	ClientID string `json:"client_id"`
}

func (e SessionExpired) Type() string { return TypeSessionExpired }
func (e SessionExpired) Topic() string { return "" }
func (e SessionExpired) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }

// MessagePublished is emitted when a message is accepted from a publisher.
type MessagePublished struct {
	ClientID     string `json:"client_id"`
	MessageTopic string `json:"topic"`
	QoS          byte   `json:"qos"`
	Retained     bool   `json:"retained"`
	PayloadSize  int    `json:"payload_size"`
	Payload      string `json:"payload,omitempty"` // base64 encoded, optional
}

func (e MessagePublished) Type() string { return TypeMessagePublished }
func (e MessagePublished) Topic() string { return e.MessageTopic }
func (e MessagePublished) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }

// MessageDropped is emitted when a message could not be delivered to a
// subscriber, e.g. its offline queue was full.
type MessageDropped struct {
	ClientID     string `json:"client_id"` // subscriber
	MessageTopic string `json:"topic"`
	QoS          byte   `json:"qos"`
	Reason       string `json:"reason"`
}

func (e MessageDropped) Type() string { return TypeMessageDropped }
func (e MessageDropped) Topic() string { return e.MessageTopic }
func (e MessageDropped) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }

// RetainedMessageSet is emitted when a retained message is set or cleared.
type RetainedMessageSet struct {
	MessageTopic string `json:"topic"`
	PayloadSize  int    `json:"payload_size"` // 0 if cleared
	Cleared      bool   `json:"cleared"`
}

func (e RetainedMessageSet) Type() string { return TypeRetainedMessageSet }
func (e RetainedMessageSet) Topic() string { return e.MessageTopic }
func (e RetainedMessageSet) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }

// WillPublished is emitted when a will message is published on behalf
// of an abnormally disconnected client.
type WillPublished struct {
	ClientID     string `json:"client_id"`
	MessageTopic string `json:"topic"`
	QoS          byte   `json:"qos"`
	Delayed      bool   `json:"delayed"`
}

func (e WillPublished) Type() string { return TypeWillPublished }
func (e WillPublished) Topic() string { return e.MessageTopic }
func (e WillPublished) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }

// SubscriptionCreated is emitted when a client subscribes to a filter.
type SubscriptionCreated struct {
	ClientID    string `json:"client_id"`
	TopicFilter string `json:"topic_filter"`
	QoS         byte   `json:"qos"`
}

func (e SubscriptionCreated) Type() string { return TypeSubscriptionCreated }
func (e SubscriptionCreated) Topic() string { return e.TopicFilter }
func (e SubscriptionCreated) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }

// SubscriptionRemoved is emitted when a client unsubscribes.
type SubscriptionRemoved struct {
	ClientID    string `json:"client_id"`
	TopicFilter string `json:"topic_filter"`
}

func (e SubscriptionRemoved) Type() string { return TypeSubscriptionRemoved }
func (e SubscriptionRemoved) Topic() string { return e.TopicFilter }
func (e SubscriptionRemoved) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }

// DurabilityFailure is emitted when persisting session state to the
// storage backend fails. Consumers should treat it as a data-loss risk
// signal.
type DurabilityFailure struct {
	ClientID  string `json:"client_id"`
	Operation string `json:"operation"` // e.g. "persist_queue", "persist_inflight"
	Error     string `json:"error"`
}

func (e DurabilityFailure) Type() string { return TypeDurabilityFailure }
func (e DurabilityFailure) Topic() string { return "" }
func (e DurabilityFailure) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }
