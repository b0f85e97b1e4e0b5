// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"sync/atomic"
	"time"
)

// Stats tracks broker runtime counters. All counters are monotonic
// since broker start.
type Stats struct {
	startTime time.Time

	connectionsTotal     atomic.Uint64
	messagesReceived     atomic.Uint64
	messagesSent         atomic.Uint64
	messagesDropped      atomic.Uint64
	publishReceived      atomic.Uint64
	publishSent          atomic.Uint64
	retainedSet          atomic.Uint64
	willsPublished       atomic.Uint64
	sessionsExpired      atomic.Uint64
	sessionsTakenOver    atomic.Uint64
	subscriptionsTotal   atomic.Uint64
	unsubscriptionsTotal atomic.Uint64
}

// NewStats creates a stats collector.
func NewStats() *Stats {
	return &Stats{startTime: time.Now()}
}

func (s *Stats) IncConnections() { s.connectionsTotal.Add(1) }

func (s *Stats) IncMessagesReceived() { s.messagesReceived.Add(1) }

func (s *Stats) IncMessagesSent() { s.messagesSent.Add(1) }

func (s *Stats) IncMessagesDropped() { s.messagesDropped.Add(1) }

func (s *Stats) IncPublishReceived() { s.publishReceived.Add(1) }

func (s *Stats) IncPublishSent() { s.publishSent.Add(1) }

func (s *Stats) IncRetainedSet() { s.retainedSet.Add(1) }

func (s *Stats) IncWillsPublished() { s.willsPublished.Add(1) }

func (s *Stats) IncSessionsExpired() { s.sessionsExpired.Add(1) }

func (s *Stats) IncSessionsTakenOver() { s.sessionsTakenOver.Add(1) }

func (s *Stats) IncSubscriptions() { s.subscriptionsTotal.Add(1) }

func (s *Stats) IncUnsubscriptions() { s.unsubscriptionsTotal.Add(1) }

// Uptime returns the time since broker start.
func (s *Stats) Uptime() time.Duration {
	return time.Since(s.startTime)
}

// Snapshot is a point-in-time view of the counters.
type Snapshot struct {
	Uptime            time.Duration `json:"uptime"`
	ConnectionsTotal  uint64        `json:"connections_total"`
	MessagesReceived  uint64        `json:"messages_received"`
	MessagesSent      uint64        `json:"messages_sent"`
	MessagesDropped   uint64        `json:"messages_dropped"`
	PublishReceived   uint64        `json:"publish_received"`
	PublishSent       uint64        `json:"publish_sent"`
	RetainedSet       uint64        `json:"retained_set"`
	WillsPublished    uint64        `json:"wills_published"`
	SessionsExpired   uint64        `json:"sessions_expired"`
	SessionsTakenOver uint64        `json:"sessions_taken_over"`
	Subscriptions     uint64        `json:"subscriptions_total"`
	Unsubscriptions   uint64        `json:"unsubscriptions_total"`
}

// Snapshot returns the current counter values.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		Uptime:            s.Uptime(),
		ConnectionsTotal:  s.connectionsTotal.Load(),
		MessagesReceived:  s.messagesReceived.Load(),
		MessagesSent:      s.messagesSent.Load(),
		MessagesDropped:   s.messagesDropped.Load(),
		PublishReceived:   s.publishReceived.Load(),
		PublishSent:       s.publishSent.Load(),
		RetainedSet:       s.retainedSet.Load(),
		WillsPublished:    s.willsPublished.Load(),
		SessionsExpired:   s.sessionsExpired.Load(),
		SessionsTakenOver: s.sessionsTakenOver.Load(),
		Subscriptions:     s.subscriptionsTotal.Load(),
		Unsubscriptions:   s.unsubscriptionsTotal.Load(),
	}
}
