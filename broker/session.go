// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/absmach/routemq/broker/events"
	"github.com/absmach/routemq/broker/router"
	"github.com/absmach/routemq/packets"
	"github.com/absmach/routemq/session"
	"github.com/absmach/routemq/storage"
	"github.com/absmach/routemq/storage/messages"
)

// createSession attaches a connection to a new or resumed session.
// Caller must hold the client's key lock. Reports whether persistent
// state from an earlier connection was resumed.
func (b *Broker) createSession(ctx context.Context, conn session.Connection, pkt *packets.Connect) (*session.Session, bool, error) {
	existing := b.sessions.Get(pkt.ClientID)

	// Another connection may own the client ID.
	if existing != nil && existing.IsConnected() {
		b.takeOver(existing, conn)
	}

	// The reconnect may beat the expiry sweep; a session whose interval
	// elapsed while disconnected is dead and must not be resumed.
	if existing != nil && existing.Expired(time.Now()) {
		if will, err := b.store.Wills().Get(ctx, pkt.ClientID); err == nil && will != nil {
			b.publishWill(ctx, will, true)
		}
		b.destroySessionLocked(ctx, pkt.ClientID)
		b.stats.IncSessionsExpired()
		b.notify(events.SessionExpired{ClientID: pkt.ClientID})
		existing = nil
	}

	resume := existing != nil && !pkt.CleanStart
	if existing != nil && pkt.CleanStart {
		// Clean start discards all prior state.
		b.destroySessionLocked(ctx, pkt.ClientID)
		existing = nil
	}

	var s *session.Session
	if resume {
		s = existing
		s.UpdateConnectionOptions(time.Duration(pkt.KeepAlive)*time.Second, pkt.ExpiryInterval, willFromConnect(pkt))
	} else {
		if b.sessions.Count() >= b.cfg.Session.MaxSessions {
			return nil, false, ErrMaxSessions
		}
		s = session.New(pkt.ClientID, session.Options{
			CleanStart:     pkt.CleanStart,
			ExpiryInterval: pkt.ExpiryInterval,
			KeepAlive:      time.Duration(pkt.KeepAlive) * time.Second,
			Will:           willFromConnect(pkt),
			MaxInflight:    b.cfg.Session.MaxInflightMessages,
			MaxQueueSize:   b.cfg.Session.MaxOfflineQueueSize,
			RetryTimeout:   b.cfg.Broker.RetryInterval,
			MaxRetries:     b.cfg.Broker.MaxRetries,
		})
		b.sessions.Set(pkt.ClientID, s)
	}

	// Reconnecting cancels any pending will from the previous
	// connection; the new connection's will replaces it.
	if err := b.store.Wills().Delete(ctx, pkt.ClientID); err != nil && err != storage.ErrNotFound {
		b.logger.Warn("failed to clear pending will",
			slog.String("client_id", pkt.ClientID), slog.Any("error", err))
	}
	if will := s.GetWill(); will != nil {
		if err := b.store.Wills().Set(ctx, pkt.ClientID, will); err != nil {
			b.logger.Warn("failed to store will",
				slog.String("client_id", pkt.ClientID), slog.Any("error", err))
		}
	}

	s.SetOnDisconnect(b.handleDisconnect)
	s.Connect(conn)

	if err := b.store.Sessions().Save(s.Info()); err != nil {
		b.logger.Warn("failed to persist session",
			slog.String("client_id", pkt.ClientID), slog.Any("error", err))
	}

	return s, resume, nil
}

// takeOver displaces the session's current connection. The old
// connection gets a DISCONNECT with the takeover reason and is closed
// without firing the disconnect callback; the session itself lives on
// for the new connection.
func (b *Broker) takeOver(s *session.Session, newConn session.Connection) {
	oldAddr := ""
	if conn := s.Conn(); conn != nil {
		oldAddr = conn.RemoteAddr().String()
	}

	s.SetOnDisconnect(nil)
	if err := s.WritePacket(&packets.Disconnect{ReasonCode: packets.ReasonSessionTakenOver}); err != nil {
		b.logger.Debug("takeover disconnect write failed",
			slog.String("client_id", s.ID), slog.Any("error", err))
	}
	s.Disconnect(false)

	b.stats.IncSessionsTakenOver()
	b.notify(events.SessionTakenOver{
		ClientID: s.ID,
		OldAddr:  oldAddr,
		NewAddr:  newConn.RemoteAddr().String(),
	})
	b.logger.Info("session taken over", slog.String("client_id", s.ID))
}

// handleDisconnect runs when a session's connection drops. It starts
// the will clock on abnormal disconnects, persists the session's
// delivery state and destroys sessions with no expiry interval.
func (b *Broker) handleDisconnect(s *session.Session, graceful bool) {
	ctx := context.Background()
	unlock := b.keys.lock(s.ID)
	defer unlock()

	b.limiter.OnClientDisconnect(s.ID)

	reason := "normal"
	if !graceful {
		reason = "error"
	}
	b.notify(events.ClientDisconnected{ClientID: s.ID, Reason: reason})

	will := s.GetWill()
	switch {
	case graceful || will == nil:
		// Graceful disconnects never publish the will.
		if err := b.store.Wills().Delete(ctx, s.ID); err != nil && err != storage.ErrNotFound {
			b.logger.Warn("failed to delete will",
				slog.String("client_id", s.ID), slog.Any("error", err))
		}
	case will.Delay == 0 || s.ExpiryInterval == 0:
		// No delay, or the session ends right now anyway.
		b.publishWill(ctx, will, false)
	default:
		if err := b.store.Wills().MarkDisconnected(s.ID); err != nil {
			b.logger.Warn("failed to start will delay",
				slog.String("client_id", s.ID), slog.Any("error", err))
		}
	}

	if err := b.store.Sessions().Save(s.Info()); err != nil {
		b.durabilityFailure(s.ID, "persist_session", err)
	}
	if err := b.persistSessionState(s); err != nil {
		b.durabilityFailure(s.ID, "persist_messages", err)
	}

	if s.ExpiryInterval == 0 {
		b.destroySessionLocked(ctx, s.ID)
	}

	b.logger.Info("client disconnected",
		slog.String("client_id", s.ID),
		slog.Bool("graceful", graceful))
}

// durabilityFailure reports a failed persistence operation. In strict
// mode this is an error with an event; otherwise a warning.
func (b *Broker) durabilityFailure(clientID, op string, err error) {
	b.notify(events.DurabilityFailure{ClientID: clientID, Operation: op, Error: err.Error()})
	if b.cfg.Session.StrictDurability {
		b.logger.Error("session state not durable",
			slog.String("client_id", clientID),
			slog.String("operation", op),
			slog.Any("error", err))
		return
	}
	b.logger.Warn("session state not durable",
		slog.String("client_id", clientID),
		slog.String("operation", op),
		slog.Any("error", err))
}

// persistSessionState writes the offline queue and inflight exchanges
// in both directions to the store so they survive a broker restart.
func (b *Broker) persistSessionState(s *session.Session) error {
	ms := b.store.Messages()

	if err := ms.DeleteByPrefix(s.ID + "/queue/"); err != nil {
		return fmt.Errorf("clear queue: %w", err)
	}
	for i, msg := range s.OfflineQueue.Messages() {
		key := fmt.Sprintf("%s/queue/%010d", s.ID, i)
		if err := ms.Store(key, msg); err != nil {
			return fmt.Errorf("persist queued message: %w", err)
		}
	}

	if err := ms.DeleteByPrefix(s.ID + "/inflight/"); err != nil {
		return fmt.Errorf("clear inflight: %w", err)
	}
	if err := ms.DeleteByPrefix(s.ID + "/received/"); err != nil {
		return fmt.Errorf("clear received: %w", err)
	}
	for _, inflight := range s.Inflight.GetAll() {
		msg := storage.CopyMessage(inflight.Message)
		msg.PacketID = inflight.PacketID
		key := fmt.Sprintf("%s/inflight/%d", s.ID, inflight.PacketID)
		if inflight.Direction == messages.Inbound {
			// Unreleased inbound QoS 2 exchanges; dropping these across a
			// restart would let a duplicate PUBLISH through.
			key = fmt.Sprintf("%s/received/%d", s.ID, inflight.PacketID)
		}
		if err := ms.Store(key, msg); err != nil {
			return fmt.Errorf("persist inflight message: %w", err)
		}
	}
	return nil
}

// restoreSessionMessages loads persisted queue and inflight state into
// the session and removes the persisted copies, which only exist to
// bridge restarts.
func (b *Broker) restoreSessionMessages(s *session.Session) {
	ms := b.store.Messages()

	queued, err := ms.List(s.ID + "/queue/")
	if err != nil {
		b.logger.Warn("failed to restore offline queue",
			slog.String("client_id", s.ID), slog.Any("error", err))
	}
	for _, msg := range queued {
		if err := s.OfflineQueue.Enqueue(msg); err != nil {
			b.stats.IncMessagesDropped()
		}
	}

	inflight, err := ms.List(s.ID + "/inflight/")
	if err != nil {
		b.logger.Warn("failed to restore inflight state",
			slog.String("client_id", s.ID), slog.Any("error", err))
	}
	for _, msg := range inflight {
		// Restored exchanges restart from the beginning: the PUBLISH is
		// resent with DUP and the receiver dedups on packet ID.
		if err := s.Inflight.Add(msg.PacketID, msg, messages.Outbound); err != nil {
			b.stats.IncMessagesDropped()
		}
	}

	received, err := ms.List(s.ID + "/received/")
	if err != nil {
		b.logger.Warn("failed to restore received state",
			slog.String("client_id", s.ID), slog.Any("error", err))
	}
	for _, msg := range received {
		// Re-park the unreleased inbound exchange so a duplicate
		// PUBLISH after the restart is still suppressed.
		if err := s.Inflight.Add(msg.PacketID, msg, messages.Inbound); err != nil {
			b.stats.IncMessagesDropped()
			continue
		}
		s.Inflight.MarkReceived(msg.PacketID)
	}

	if err := ms.DeleteByPrefix(s.ID + "/queue/"); err != nil {
		b.logger.Warn("failed to clear restored queue",
			slog.String("client_id", s.ID), slog.Any("error", err))
	}
	if err := ms.DeleteByPrefix(s.ID + "/inflight/"); err != nil {
		b.logger.Warn("failed to clear restored inflight",
			slog.String("client_id", s.ID), slog.Any("error", err))
	}
	if err := ms.DeleteByPrefix(s.ID + "/received/"); err != nil {
		b.logger.Warn("failed to clear restored received state",
			slog.String("client_id", s.ID), slog.Any("error", err))
	}
}

// DestroySession removes all broker and persisted state for a client.
func (b *Broker) DestroySession(ctx context.Context, clientID string) {
	unlock := b.keys.lock(clientID)
	defer unlock()
	b.destroySessionLocked(ctx, clientID)
}

// destroySessionLocked removes the session, its subscriptions from the
// trie and the store, queued and inflight messages and any stored
// will. Caller must hold the client's key lock.
func (b *Broker) destroySessionLocked(ctx context.Context, clientID string) {
	if s := b.sessions.Get(clientID); s != nil {
		for filter := range s.Subscriptions() {
			b.router.Unsubscribe(filter, clientID)
		}
		b.sessions.Delete(clientID)
	} else {
		// Session not in memory; fall back to the store for filters.
		if subs, err := b.store.Subscriptions().GetForClient(clientID); err == nil {
			for _, sub := range subs {
				b.router.Unsubscribe(sub.Filter, clientID)
			}
		}
	}

	if err := b.store.Subscriptions().RemoveAll(clientID); err != nil {
		b.logger.Warn("failed to remove subscriptions",
			slog.String("client_id", clientID), slog.Any("error", err))
	}
	if err := b.store.Messages().DeleteByPrefix(clientID + "/"); err != nil {
		b.logger.Warn("failed to remove persisted messages",
			slog.String("client_id", clientID), slog.Any("error", err))
	}
	if err := b.store.Wills().Delete(ctx, clientID); err != nil && err != storage.ErrNotFound {
		b.logger.Warn("failed to remove will",
			slog.String("client_id", clientID), slog.Any("error", err))
	}
	if err := b.store.Sessions().Delete(clientID); err != nil && err != storage.ErrNotFound {
		b.logger.Warn("failed to remove session record",
			slog.String("client_id", clientID), slog.Any("error", err))
	}
}

// willFromConnect extracts the will message from a CONNECT packet.
func willFromConnect(pkt *packets.Connect) *storage.WillMessage {
	if pkt.Will == nil {
		return nil
	}
	return &storage.WillMessage{
		ClientID: pkt.ClientID,
		Topic:    pkt.Will.Topic,
		Payload:  pkt.Will.Payload,
		QoS:      pkt.Will.QoS,
		Retain:   pkt.Will.Retain,
		Delay:    pkt.Will.DelayInterval,
	}
}

// subscriberFor converts a stored subscription into a routing entry.
func subscriberFor(sub storage.Subscription) router.Subscriber {
	return router.Subscriber{
		ClientID:          sub.ClientID,
		QoS:               sub.QoS,
		NoLocal:           sub.Options.NoLocal,
		RetainAsPublished: sub.Options.RetainAsPublished,
		RetainHandling:    sub.Options.RetainHandling,
	}
}
