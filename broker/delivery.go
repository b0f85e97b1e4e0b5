// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"errors"
	"log/slog"

	"github.com/absmach/routemq/broker/events"
	"github.com/absmach/routemq/packets"
	"github.com/absmach/routemq/session"
	"github.com/absmach/routemq/storage"
	"github.com/absmach/routemq/storage/messages"
)

// deliverToSession delivers one message to one session, honoring its
// QoS. Disconnected sessions get QoS > 0 messages queued and QoS 0
// dropped. Reports whether the message was sent or queued.
func (b *Broker) deliverToSession(s *session.Session, msg *storage.Message) bool {
	if !s.IsConnected() {
		if msg.QoS == 0 {
			b.stats.IncMessagesDropped()
			return false
		}
		return b.enqueue(s, msg)
	}

	if msg.QoS == 0 {
		if err := s.WritePacket(&packets.Publish{
			Topic:   msg.Topic,
			Payload: msg.Payload,
			Retain:  msg.Retain,
		}); err != nil {
			b.stats.IncMessagesDropped()
			return false
		}
		b.stats.IncMessagesSent()
		b.stats.IncPublishSent()
		return true
	}

	// Messages still waiting in the queue go first; sending the new one
	// directly would reorder the client's stream when an ack just freed
	// an identifier.
	if s.OfflineQueue.Len() > 0 {
		if !b.enqueue(s, msg) {
			return false
		}
		b.flushQueued(s)
		return true
	}

	return b.deliverTracked(s, msg)
}

// deliverTracked starts a QoS 1/2 exchange. Packet identifier
// exhaustion is back-pressure: the message waits in the offline queue
// until acknowledgments free identifiers.
func (b *Broker) deliverTracked(s *session.Session, msg *storage.Message) bool {
	pid, err := s.NextPacketID()
	if err != nil {
		if errors.Is(err, session.ErrPacketIDExhausted) {
			return b.enqueue(s, msg)
		}
		b.stats.IncMessagesDropped()
		return false
	}

	if err := s.Inflight.Add(pid, msg, messages.Outbound); err != nil {
		// Inflight window full: queue and retry after an ack.
		return b.enqueue(s, msg)
	}

	if err := s.WritePacket(&packets.Publish{
		Topic:    msg.Topic,
		Payload:  msg.Payload,
		QoS:      msg.QoS,
		Retain:   msg.Retain,
		PacketID: pid,
	}); err != nil {
		// The exchange stays inflight; the retry loop resends with DUP
		// once the client reconnects or the write path recovers.
		b.logger.Debug("publish write failed, will retry",
			slog.String("client_id", s.ID),
			slog.Any("error", err))
		return true
	}

	b.stats.IncMessagesSent()
	b.stats.IncPublishSent()
	return true
}

// enqueue puts a message on the session's offline queue, counting and
// reporting the drop when the queue is full.
func (b *Broker) enqueue(s *session.Session, msg *storage.Message) bool {
	if err := s.OfflineQueue.Enqueue(msg); err != nil {
		b.stats.IncMessagesDropped()
		b.notify(events.MessageDropped{
			ClientID:     s.ID,
			MessageTopic: msg.Topic,
			QoS:          msg.QoS,
			Reason:       "queue full",
		})
		return false
	}
	return true
}

// flushQueued drains the session's offline queue onto the connection,
// stopping at the first failure or when packet identifiers run out.
func (b *Broker) flushQueued(s *session.Session) {
	for s.IsConnected() {
		msg := s.OfflineQueue.Peek()
		if msg == nil {
			return
		}

		if msg.QoS == 0 {
			s.OfflineQueue.Dequeue()
			if err := s.WritePacket(&packets.Publish{
				Topic:   msg.Topic,
				Payload: msg.Payload,
				Retain:  msg.Retain,
			}); err != nil {
				b.stats.IncMessagesDropped()
				return
			}
			b.stats.IncMessagesSent()
			b.stats.IncPublishSent()
			continue
		}

		pid, err := s.NextPacketID()
		if err != nil {
			// Still exhausted; the next ack tries again.
			return
		}
		if err := s.Inflight.Add(pid, msg, messages.Outbound); err != nil {
			return
		}
		s.OfflineQueue.Dequeue()

		if err := s.WritePacket(&packets.Publish{
			Topic:    msg.Topic,
			Payload:  msg.Payload,
			QoS:      msg.QoS,
			Retain:   msg.Retain,
			PacketID: pid,
		}); err != nil {
			return
		}
		b.stats.IncMessagesSent()
		b.stats.IncPublishSent()
	}
}
