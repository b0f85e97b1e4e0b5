// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/absmach/routemq/broker/events"
	"github.com/absmach/routemq/packets"
	"github.com/absmach/routemq/storage"
	"github.com/absmach/routemq/topics"
)

// Publish runs the full publish pipeline for a message from clientID:
// validation, authorization, rate limiting, retained handling and
// fan-out to matching subscribers. Returns the number of sessions the
// message was routed to.
func (b *Broker) Publish(ctx context.Context, clientID string, pkt *packets.Publish) (int, error) {
	msg, err := b.admitPublish(ctx, clientID, pkt)
	if err != nil {
		return 0, err
	}
	return b.route(msg, clientID), nil
}

// admitPublish runs the publish pipeline up to routing: validation,
// authorization, rate limiting, retained handling and the publish
// event. QoS 2 admits at PUBLISH but routes the returned message only
// when PUBREL releases it.
func (b *Broker) admitPublish(ctx context.Context, clientID string, pkt *packets.Publish) (*storage.Message, error) {
	if err := topics.ValidateName(pkt.Topic); err != nil {
		return nil, err
	}
	if b.cfg.Broker.MaxMessageSize > 0 && len(pkt.Payload) > b.cfg.Broker.MaxMessageSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(pkt.Payload))
	}
	if err := b.authorizePublish(ctx, clientID, pkt.Topic); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotAuthorized, pkt.Topic)
	}
	if !b.limiter.AllowPublish(clientID) {
		return nil, ErrRateLimited
	}

	b.stats.IncPublishReceived()

	msg := &storage.Message{
		Topic:       pkt.Topic,
		Payload:     pkt.Payload,
		QoS:         pkt.QoS,
		Retain:      pkt.Retain,
		PublishTime: time.Now(),
	}

	if pkt.Retain {
		if err := b.setRetained(ctx, msg); err != nil {
			return nil, fmt.Errorf("store retained message: %w", err)
		}
	}

	ev := events.MessagePublished{
		ClientID:     clientID,
		MessageTopic: pkt.Topic,
		QoS:          pkt.QoS,
		Retained:     pkt.Retain,
		PayloadSize:  len(pkt.Payload),
	}
	if b.cfg.Webhook.IncludePayload {
		ev.Payload = base64.StdEncoding.EncodeToString(pkt.Payload)
	}
	b.notify(ev)

	return msg, nil
}

// setRetained updates the last-value cache: an empty payload clears
// the topic's retained message.
func (b *Broker) setRetained(ctx context.Context, msg *storage.Message) error {
	cleared := len(msg.Payload) == 0
	var err error
	if cleared {
		err = b.store.Retained().Delete(ctx, msg.Topic)
		if err == storage.ErrNotFound {
			err = nil
		}
	} else {
		err = b.store.Retained().Set(ctx, msg.Topic, msg)
	}
	if err != nil {
		return err
	}

	b.stats.IncRetainedSet()
	b.notify(events.RetainedMessageSet{
		MessageTopic: msg.Topic,
		PayloadSize:  len(msg.Payload),
		Cleared:      cleared,
	})
	return nil
}

// route fans the message out to every matching session. Overlapping
// filters collapse to one delivery per client at the highest granted
// QoS.
func (b *Broker) route(msg *storage.Message, publisherID string) int {
	matches := b.router.Match(msg.Topic)
	defer b.router.ReleaseMatches(matches)

	if len(matches) == 0 {
		return 0
	}

	// One entry per client, keeping the strongest subscription.
	selected := make(map[string]int, len(matches))
	for i, sub := range matches {
		if sub.NoLocal && sub.ClientID == publisherID {
			continue
		}
		prev, ok := selected[sub.ClientID]
		if !ok || sub.QoS > matches[prev].QoS {
			selected[sub.ClientID] = i
		}
	}

	delivered := 0
	for clientID, i := range selected {
		sub := matches[i]
		s := b.sessions.Get(clientID)
		if s == nil {
			continue
		}

		out := storage.CopyMessage(msg)
		out.QoS = min(msg.QoS, sub.QoS)
		out.Dup = false
		// Routed messages only carry the retain flag when the
		// subscription asked for retain-as-published.
		if !sub.RetainAsPublished {
			out.Retain = false
		}

		if b.deliverToSession(s, out) {
			delivered++
		}
	}
	return delivered
}

// publishWill publishes a client's will message and removes it from
// the store.
func (b *Broker) publishWill(ctx context.Context, will *storage.WillMessage, delayed bool) {
	msg := &storage.Message{
		Topic:       will.Topic,
		Payload:     will.Payload,
		QoS:         will.QoS,
		Retain:      will.Retain,
		PublishTime: time.Now(),
	}

	if will.Retain {
		if err := b.setRetained(ctx, msg); err != nil {
			b.logger.Warn("failed to retain will message",
				slog.String("client_id", will.ClientID), slog.Any("error", err))
		}
	}
	b.route(msg, will.ClientID)

	if err := b.store.Wills().Delete(ctx, will.ClientID); err != nil && err != storage.ErrNotFound {
		b.logger.Warn("failed to delete published will",
			slog.String("client_id", will.ClientID), slog.Any("error", err))
	}

	b.stats.IncWillsPublished()
	b.notify(events.WillPublished{
		ClientID:     will.ClientID,
		MessageTopic: will.Topic,
		QoS:          will.QoS,
		Delayed:      delayed,
	})
	b.logger.Info("will message published",
		slog.String("client_id", will.ClientID),
		slog.String("topic", will.Topic),
		slog.Bool("delayed", delayed))
}

// publishSys publishes a broker statistics value as a retained
// message under $SYS. Wildcard subscriptions starting at the first
// level never receive these.
func (b *Broker) publishSys(ctx context.Context, topic, value string) {
	if !strings.HasPrefix(topic, "$SYS/") {
		topic = "$SYS/" + topic
	}
	msg := &storage.Message{
		Topic:       topic,
		Payload:     []byte(value),
		PublishTime: time.Now(),
	}
	if err := b.store.Retained().Set(ctx, topic, msg); err != nil {
		b.logger.Warn("failed to retain $SYS value",
			slog.String("topic", topic), slog.Any("error", err))
	}
	b.route(msg, "")
}

// sysLoop periodically publishes broker statistics to $SYS topics.
func (b *Broker) sysLoop() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.cfg.Broker.SysInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.publishSysStats()
		}
	}
}

func (b *Broker) publishSysStats() {
	ctx := context.Background()
	snap := b.stats.Snapshot()

	b.publishSys(ctx, "broker/uptime", fmt.Sprintf("%d", int64(snap.Uptime.Seconds())))
	b.publishSys(ctx, "broker/clients/total", fmt.Sprintf("%d", b.sessions.Count()))
	b.publishSys(ctx, "broker/clients/connected", fmt.Sprintf("%d", b.sessions.ConnectedCount()))
	b.publishSys(ctx, "broker/subscriptions/count", fmt.Sprintf("%d", b.router.Count()))
	b.publishSys(ctx, "broker/messages/received", fmt.Sprintf("%d", snap.MessagesReceived))
	b.publishSys(ctx, "broker/messages/sent", fmt.Sprintf("%d", snap.MessagesSent))
	b.publishSys(ctx, "broker/messages/dropped", fmt.Sprintf("%d", snap.MessagesDropped))
	b.publishSys(ctx, "broker/messages/publish/received", fmt.Sprintf("%d", snap.PublishReceived))
	b.publishSys(ctx, "broker/messages/publish/sent", fmt.Sprintf("%d", snap.PublishSent))
}
