// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/absmach/routemq/packets"
	"github.com/absmach/routemq/session"
)

const (
	// connectTimeout bounds how long a fresh connection may take to
	// send its CONNECT.
	connectTimeout = 10 * time.Second

	// retryCheckInterval is the read deadline used to periodically
	// break out of blocking reads for retry and keep-alive checks.
	retryCheckInterval = time.Second
)

// ServeConn runs the packet loop for one connection: CONNECT first,
// then dispatch until disconnect. It blocks until the session's
// connection ends.
func (b *Broker) ServeConn(ctx context.Context, conn session.Connection) error {
	_ = conn.SetReadDeadline(time.Now().Add(connectTimeout))
	pkt, err := conn.ReadPacket()
	if err != nil {
		conn.Close()
		return fmt.Errorf("read connect: %w", err)
	}

	connect, ok := pkt.(*packets.Connect)
	if !ok {
		conn.Close()
		return fmt.Errorf("expected CONNECT, got %s", packets.TypeName(pkt.Type()))
	}

	s, err := b.HandleConnect(ctx, conn, connect)
	if err != nil {
		return err
	}

	b.runSession(ctx, s)
	return nil
}

// runSession dispatches packets for a connected session. Reads use a
// short deadline so QoS retransmissions and keep-alive enforcement run
// even when the client is silent.
func (b *Broker) runSession(ctx context.Context, s *session.Session) {
	for s.IsConnected() {
		select {
		case <-b.stopCh:
			return
		default:
		}

		if conn := s.Conn(); conn != nil {
			_ = conn.SetReadDeadline(time.Now().Add(retryCheckInterval))
		}

		pkt, err := s.ReadPacket()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				b.retryTick(s)
				if b.keepAliveExpired(s) {
					b.logger.Info("keep-alive expired",
						slog.String("client_id", s.ID))
					s.Disconnect(false)
					return
				}
				continue
			}
			// Connection dropped without DISCONNECT: the will fires.
			s.Disconnect(false)
			return
		}

		if err := b.dispatch(ctx, s, pkt); err != nil {
			b.logger.Warn("protocol error",
				slog.String("client_id", s.ID),
				slog.String("packet", packets.TypeName(pkt.Type())),
				slog.Any("error", err))
			s.Disconnect(false)
			return
		}
	}
}

// retryTick runs the session's retransmission pass. Abandoned
// exchanges free packet identifiers, so queued messages get a flush.
func (b *Broker) retryTick(s *session.Session) {
	if _, abandoned := s.ProcessRetries(); abandoned > 0 {
		b.flushQueued(s)
	}
}

// keepAliveExpired applies the grace factor of one and a half
// keep-alive periods without any control packet.
func (b *Broker) keepAliveExpired(s *session.Session) bool {
	if s.KeepAlive <= 0 {
		return false
	}
	return time.Since(s.LastActivity()) > s.KeepAlive+s.KeepAlive/2
}

func (b *Broker) dispatch(ctx context.Context, s *session.Session, pkt packets.ControlPacket) error {
	switch p := pkt.(type) {
	case *packets.Publish:
		return b.HandlePublish(ctx, s, p)
	case *packets.PubAck:
		return b.HandlePubAck(s, p)
	case *packets.PubRec:
		return b.HandlePubRec(s, p)
	case *packets.PubRel:
		return b.HandlePubRel(s, p)
	case *packets.PubComp:
		return b.HandlePubComp(s, p)
	case *packets.Subscribe:
		return b.HandleSubscribe(ctx, s, p)
	case *packets.Unsubscribe:
		return b.HandleUnsubscribe(s, p)
	case *packets.PingReq:
		return b.HandlePingReq(s)
	case *packets.Disconnect:
		b.HandleDisconnect(ctx, s, p)
		return nil
	case *packets.Connect:
		return fmt.Errorf("duplicate CONNECT")
	default:
		return fmt.Errorf("unexpected packet %s", packets.TypeName(pkt.Type()))
	}
}
