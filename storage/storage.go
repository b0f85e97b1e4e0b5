// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package storage defines the persistence interfaces and domain types
// shared by the in-memory and BadgerDB backends.
package storage

import (
	"context"
	"errors"
	"time"
)

// Common errors.
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// Store is the composite storage interface providing access to all
// storage backends.
type Store interface {
	// Messages returns the message store used for offline queues and
	// persisted inflight state.
	Messages() MessageStore

	// Sessions returns the session store.
	Sessions() SessionStore

	// Subscriptions returns the subscription store.
	Subscriptions() SubscriptionStore

	// Retained returns the retained message store.
	Retained() RetainedStore

	// Wills returns the will message store.
	Wills() WillStore

	// Close closes all storage backends.
	Close() error
}

// Message is a stored application message.
type Message struct {
	PublishTime time.Time
	Topic       string
	Payload     []byte
	PacketID    uint16
	QoS         byte
	Retain      bool
	Dup         bool
}

// CopyMessage creates a deep copy of a message. Fan-out hands each
// subscriber its own copy so per-session QoS rewrites don't alias.
func CopyMessage(msg *Message) *Message {
	if msg == nil {
		return nil
	}
	cp := &Message{
		PublishTime: msg.PublishTime,
		Topic:       msg.Topic,
		PacketID:    msg.PacketID,
		QoS:         msg.QoS,
		Retain:      msg.Retain,
		Dup:         msg.Dup,
	}
	if len(msg.Payload) > 0 {
		cp.Payload = make([]byte, len(msg.Payload))
		copy(cp.Payload, msg.Payload)
	}
	return cp
}

// Session is the persisted session state.
type Session struct {
	ConnectedAt    time.Time
	DisconnectedAt time.Time
	ClientID       string
	ExpiryInterval uint32 // seconds; 0 expires immediately on disconnect
	CleanStart     bool
	Connected      bool
}

// Subscription is a stored subscription.
type Subscription struct {
	ClientID string
	Filter   string
	QoS      byte
	Options  SubscribeOptions
}

// SubscribeOptions holds the per-subscription delivery options.
type SubscribeOptions struct {
	NoLocal           bool // don't deliver the client's own messages
	RetainAsPublished bool // keep the original retain flag on delivery
	RetainHandling    byte // 0=send, 1=new subscriptions only, 2=none
}

// CopySubscription creates a copy of a subscription.
func CopySubscription(sub *Subscription) *Subscription {
	if sub == nil {
		return nil
	}
	cp := *sub
	return &cp
}

// WillMessage is a stored will message.
type WillMessage struct {
	ClientID string
	Topic    string
	Payload  []byte
	Delay    uint32 // seconds before publication after disconnect
	QoS      byte
	Retain   bool
}

// MessageStore persists messages under opaque keys. Keys follow the
// "{clientID}/queue/{seq}" convention for offline queues and
// "{clientID}/inflight/{packetID}" for inflight state.
type MessageStore interface {
	Store(key string, msg *Message) error
	Get(key string) (*Message, error)
	Delete(key string) error

	// List returns all messages whose key matches the prefix, in key order.
	List(prefix string) ([]*Message, error)

	// DeleteByPrefix removes all messages matching a prefix.
	DeleteByPrefix(prefix string) error
}

// SessionStore persists session metadata.
type SessionStore interface {
	Get(clientID string) (*Session, error)
	Save(session *Session) error
	Delete(clientID string) error

	// GetExpired returns client IDs of disconnected sessions whose
	// expiry deadline passed before the given time.
	GetExpired(before time.Time) ([]string, error)

	List() ([]*Session, error)
}

// SubscriptionStore persists subscriptions and answers topic matches.
type SubscriptionStore interface {
	// Add adds or replaces the (clientID, filter) subscription.
	Add(sub *Subscription) error

	Remove(clientID, filter string) error
	RemoveAll(clientID string) error
	GetForClient(clientID string) ([]*Subscription, error)

	// Match returns all subscriptions matching a topic, one entry per
	// (clientID, filter) pair.
	Match(topic string) ([]*Subscription, error)

	Count() int
}

// RetainedStore is the last-value cache keyed by topic.
type RetainedStore interface {
	// Set stores or replaces the retained message for a topic. An
	// empty payload clears it.
	Set(ctx context.Context, topic string, msg *Message) error

	Get(ctx context.Context, topic string) (*Message, error)
	Delete(ctx context.Context, topic string) error

	// Match returns retained messages whose topic matches the filter.
	Match(ctx context.Context, filter string) ([]*Message, error)
}

// WillStore persists will messages by client ID.
type WillStore interface {
	Set(ctx context.Context, clientID string, will *WillMessage) error
	Get(ctx context.Context, clientID string) (*WillMessage, error)
	Delete(ctx context.Context, clientID string) error

	// MarkDisconnected starts the will delay clock for a client.
	MarkDisconnected(clientID string) error

	// GetPending returns wills whose delay elapsed before the given
	// time while the client stayed disconnected.
	GetPending(ctx context.Context, before time.Time) ([]*WillMessage, error)
}
