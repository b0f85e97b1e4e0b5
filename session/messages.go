// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"github.com/absmach/routemq/packets"
	"github.com/absmach/routemq/storage/messages"
)

// ProcessRetries resends outbound inflight messages whose retry timeout
// elapsed. Exchanges that exceed MaxRetries are abandoned, which frees
// their packet identifiers; callers use the abandoned count to give
// queued messages a chance at the freed identifiers.
func (s *Session) ProcessRetries() (resent, abandoned int) {
	if !s.IsConnected() {
		return 0, 0
	}

	for _, inflight := range s.Inflight.GetExpired(s.RetryTimeout) {
		if inflight.Direction != messages.Outbound {
			continue
		}
		if inflight.Retries >= s.MaxRetries {
			s.Inflight.Remove(inflight.PacketID)
			abandoned++
			continue
		}
		if err := s.resendMessage(inflight); err != nil {
			// Write failed; the next tick retries.
			continue
		}
		s.Inflight.MarkRetry(inflight.PacketID)
		resent++
	}
	return resent, abandoned
}

// resendMessage retransmits according to the exchange state: the
// PUBLISH with DUP set while waiting for PUBACK/PUBREC, the PUBREL
// while waiting for PUBCOMP.
func (s *Session) resendMessage(inflight *messages.InflightMessage) error {
	if inflight.State == messages.StatePubRecReceived {
		return s.WritePacket(&packets.PubRel{PacketID: inflight.PacketID})
	}

	msg := inflight.Message
	return s.WritePacket(&packets.Publish{
		Topic:    msg.Topic,
		Payload:  msg.Payload,
		QoS:      msg.QoS,
		Retain:   msg.Retain,
		Dup:      true,
		PacketID: inflight.PacketID,
	})
}
