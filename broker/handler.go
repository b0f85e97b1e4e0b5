// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/absmach/routemq/broker/events"
	"github.com/absmach/routemq/packets"
	"github.com/absmach/routemq/session"
	"github.com/absmach/routemq/storage/messages"
	"github.com/absmach/routemq/topics"
)

// HandleConnect authenticates the client, creates or resumes its
// session and writes the CONNACK. On success the returned session owns
// the connection.
func (b *Broker) HandleConnect(ctx context.Context, conn session.Connection, pkt *packets.Connect) (*session.Session, error) {
	if b.stopped.Load() {
		return nil, ErrShuttingDown
	}

	if !b.limiter.AllowConnection(conn.RemoteAddr()) {
		writeConnack(conn, &packets.Connack{ReasonCode: packets.ReasonQuotaExceeded})
		return nil, ErrRateLimited
	}

	if err := b.authenticateConnect(ctx, pkt.ClientID, pkt.Username, pkt.Password); err != nil {
		writeConnack(conn, &packets.Connack{ReasonCode: packets.ReasonNotAuthorized})
		return nil, fmt.Errorf("%w: %s", ErrNotAuthorized, pkt.ClientID)
	}

	if pkt.Will != nil {
		if err := topics.ValidateName(pkt.Will.Topic); err != nil {
			writeConnack(conn, &packets.Connack{ReasonCode: packets.ReasonTopicNameInvalid})
			return nil, err
		}
	}

	assigned := ""
	if pkt.ClientID == "" {
		// An empty client ID gets a broker-assigned one; there is no
		// prior session to resume under it.
		pkt.ClientID = generateClientID()
		pkt.CleanStart = true
		assigned = pkt.ClientID
	}

	// A zero expiry on a persistent connection means the client didn't
	// ask for one; apply the configured default so short network blips
	// don't destroy session state.
	if !pkt.CleanStart && pkt.ExpiryInterval == 0 {
		pkt.ExpiryInterval = b.cfg.Session.DefaultExpiryInterval
	}

	unlock := b.keys.lock(pkt.ClientID)
	s, resumed, err := b.createSession(ctx, conn, pkt)
	unlock()
	if err != nil {
		if errors.Is(err, ErrMaxSessions) {
			writeConnack(conn, &packets.Connack{ReasonCode: packets.ReasonServerBusy})
		}
		return nil, err
	}

	if err := s.WritePacket(&packets.Connack{
		SessionPresent:   resumed,
		ReasonCode:       packets.ReasonSuccess,
		AssignedClientID: assigned,
	}); err != nil {
		s.Disconnect(false)
		return nil, fmt.Errorf("write connack: %w", err)
	}

	b.stats.IncConnections()
	b.notify(events.ClientConnected{
		ClientID:   s.ID,
		CleanStart: pkt.CleanStart,
		Resumed:    resumed,
		KeepAlive:  pkt.KeepAlive,
		RemoteAddr: conn.RemoteAddr().String(),
	})
	b.logger.Info("client connected",
		slog.String("client_id", s.ID),
		slog.Bool("resumed", resumed),
		slog.String("remote_addr", conn.RemoteAddr().String()))

	// Messages queued while the client was away go out first.
	if resumed {
		b.flushQueued(s)
	}
	return s, nil
}

func writeConnack(conn session.Connection, ack *packets.Connack) {
	_ = conn.WritePacket(ack)
	_ = conn.Close()
}

// HandlePublish processes an inbound PUBLISH according to its QoS:
// fire-and-forget for QoS 0, PUBACK for QoS 1 and the PUBREC leg with
// duplicate suppression for QoS 2.
func (b *Broker) HandlePublish(ctx context.Context, s *session.Session, pkt *packets.Publish) error {
	s.Touch()
	b.stats.IncMessagesReceived()

	if pkt.QoS > 0 && pkt.PacketID == 0 {
		return fmt.Errorf("publish with QoS %d lacks packet identifier", pkt.QoS)
	}

	switch pkt.QoS {
	case 0:
		_, err := b.Publish(ctx, s.ID, pkt)
		if errors.Is(err, topics.ErrInvalidTopicName) {
			// Malformed topic is a protocol error; the connection goes.
			return err
		}
		if err != nil {
			b.logger.Warn("publish rejected",
				slog.String("client_id", s.ID),
				slog.String("topic", pkt.Topic),
				slog.Any("error", err))
		}
		return nil

	case 1:
		delivered, err := b.Publish(ctx, s.ID, pkt)
		if errors.Is(err, topics.ErrInvalidTopicName) {
			return err
		}
		reason := publishReason(err)
		if reason == packets.ReasonSuccess && delivered == 0 {
			reason = packets.ReasonNoMatchingSubs
		}
		return s.WritePacket(&packets.PubAck{
			PacketID:   pkt.PacketID,
			ReasonCode: reason,
		})

	case 2:
		// A DUP of an unreleased exchange was already accepted once;
		// acknowledge without admitting it again.
		if s.Inflight.WasReceived(pkt.PacketID) {
			return s.WritePacket(&packets.PubRec{
				PacketID:   pkt.PacketID,
				ReasonCode: packets.ReasonSuccess,
			})
		}

		msg, err := b.admitPublish(ctx, s.ID, pkt)
		if errors.Is(err, topics.ErrInvalidTopicName) {
			return err
		}
		reason := publishReason(err)
		if reason < 0x80 {
			// The message is parked until PUBREL releases it; routing now
			// would deliver twice when the PUBREC is lost.
			if err := s.Inflight.Add(pkt.PacketID, msg, messages.Inbound); err != nil {
				reason = packets.ReasonQuotaExceeded
			} else {
				s.Inflight.MarkReceived(pkt.PacketID)
			}
		}
		return s.WritePacket(&packets.PubRec{
			PacketID:   pkt.PacketID,
			ReasonCode: reason,
		})

	default:
		return fmt.Errorf("invalid QoS %d", pkt.QoS)
	}
}

// publishReason maps a publish admission error to an ack reason code.
func publishReason(err error) byte {
	switch {
	case errors.Is(err, ErrNotAuthorized):
		return packets.ReasonNotAuthorized
	case errors.Is(err, ErrRateLimited):
		return packets.ReasonQuotaExceeded
	case errors.Is(err, ErrMessageTooLarge):
		return packets.ReasonPacketTooLarge
	case err != nil:
		return packets.ReasonUnspecifiedError
	default:
		return packets.ReasonSuccess
	}
}

// HandlePubAck completes a QoS 1 exchange.
func (b *Broker) HandlePubAck(s *session.Session, pkt *packets.PubAck) error {
	s.Touch()
	if _, err := s.Inflight.Ack(pkt.PacketID); err != nil {
		b.logger.Debug("puback for unknown packet",
			slog.String("client_id", s.ID),
			slog.Int("packet_id", int(pkt.PacketID)))
		return nil
	}
	b.flushQueued(s)
	return nil
}

// HandlePubRec advances a QoS 2 exchange to the PUBREL leg.
func (b *Broker) HandlePubRec(s *session.Session, pkt *packets.PubRec) error {
	s.Touch()

	// The receiver rejected the message; the exchange is over.
	if pkt.ReasonCode >= 0x80 {
		s.Inflight.Remove(pkt.PacketID)
		b.flushQueued(s)
		return nil
	}

	if err := s.Inflight.UpdateState(pkt.PacketID, messages.StatePubRecReceived); err != nil {
		return s.WritePacket(&packets.PubRel{
			PacketID:   pkt.PacketID,
			ReasonCode: packets.ReasonPacketIDNotFound,
		})
	}
	return s.WritePacket(&packets.PubRel{PacketID: pkt.PacketID})
}

// HandlePubRel releases an inbound QoS 2 exchange: the message parked
// at PUBLISH is routed now, exactly once.
func (b *Broker) HandlePubRel(s *session.Session, pkt *packets.PubRel) error {
	s.Touch()

	if !s.Inflight.WasReceived(pkt.PacketID) {
		return s.WritePacket(&packets.PubComp{
			PacketID:   pkt.PacketID,
			ReasonCode: packets.ReasonPacketIDNotFound,
		})
	}

	if inflight, ok := s.Inflight.Get(pkt.PacketID); ok && inflight.Direction == messages.Inbound {
		b.route(inflight.Message, s.ID)
		s.Inflight.Remove(pkt.PacketID)
	}
	s.Inflight.ClearReceived(pkt.PacketID)
	return s.WritePacket(&packets.PubComp{
		PacketID:   pkt.PacketID,
		ReasonCode: packets.ReasonSuccess,
	})
}

// HandlePubComp completes an outbound QoS 2 exchange.
func (b *Broker) HandlePubComp(s *session.Session, pkt *packets.PubComp) error {
	s.Touch()
	if _, err := s.Inflight.Ack(pkt.PacketID); err != nil {
		b.logger.Debug("pubcomp for unknown packet",
			slog.String("client_id", s.ID),
			slog.Int("packet_id", int(pkt.PacketID)))
		return nil
	}
	b.flushQueued(s)
	return nil
}

// HandleSubscribe registers the requested subscriptions, writes the
// SUBACK and then replays matching retained messages.
func (b *Broker) HandleSubscribe(ctx context.Context, s *session.Session, pkt *packets.Subscribe) error {
	s.Touch()

	results := make([]subscribeResult, len(pkt.Subscriptions))
	codes := make([]byte, len(pkt.Subscriptions))
	for i, sub := range pkt.Subscriptions {
		results[i] = b.subscribe(ctx, s, sub)
		codes[i] = results[i].code
	}

	if err := s.WritePacket(&packets.SubAck{PacketID: pkt.PacketID, ReasonCodes: codes}); err != nil {
		return err
	}

	// Retained replay follows the SUBACK.
	for i, sub := range pkt.Subscriptions {
		if results[i].code < 0x80 && results[i].replay {
			b.replayRetained(ctx, s, sub.Filter, results[i].grantedQoS)
		}
	}
	return nil
}

// HandleUnsubscribe removes the filters and writes the UNSUBACK.
func (b *Broker) HandleUnsubscribe(s *session.Session, pkt *packets.Unsubscribe) error {
	s.Touch()

	codes := make([]byte, len(pkt.Filters))
	for i, filter := range pkt.Filters {
		codes[i] = b.unsubscribe(s, filter)
	}
	return s.WritePacket(&packets.UnsubAck{PacketID: pkt.PacketID, ReasonCodes: codes})
}

// HandlePingReq answers a keep-alive probe.
func (b *Broker) HandlePingReq(s *session.Session) error {
	s.Touch()
	return s.WritePacket(&packets.PingResp{})
}

// HandleDisconnect processes a client's DISCONNECT. Reason 0x04
// requests will publication despite the orderly shutdown; a new expiry
// interval replaces the one from CONNECT.
func (b *Broker) HandleDisconnect(ctx context.Context, s *session.Session, pkt *packets.Disconnect) {
	if pkt.HasExpiry {
		s.UpdateExpiry(pkt.ExpiryInterval)
	}

	if pkt.ReasonCode == packets.ReasonDisconnectWithWill {
		if will := s.GetWill(); will != nil {
			b.publishWill(ctx, will, false)
			s.SetWill(nil)
		}
	}

	s.Disconnect(true)
}
