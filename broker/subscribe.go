// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"log/slog"

	"github.com/absmach/routemq/broker/events"
	"github.com/absmach/routemq/packets"
	"github.com/absmach/routemq/session"
	"github.com/absmach/routemq/storage"
	"github.com/absmach/routemq/topics"
)

// maxGrantedQoS is the highest QoS this broker grants.
const maxGrantedQoS = 2

// subscribeResult reports one filter's outcome within a SUBSCRIBE.
type subscribeResult struct {
	code       byte
	grantedQoS byte
	replay     bool
}

// subscribe registers one subscription and returns its SUBACK reason
// code. A re-subscription replaces the existing entry and suppresses
// retained replay under retain handling 1.
func (b *Broker) subscribe(ctx context.Context, s *session.Session, sub packets.Subscription) subscribeResult {
	if err := topics.ValidateFilter(sub.Filter); err != nil {
		return subscribeResult{code: packets.ReasonTopicFilterInvalid}
	}
	if err := b.authorizeSubscribe(ctx, s.ID, sub.Filter); err != nil {
		return subscribeResult{code: packets.ReasonNotAuthorized}
	}
	if !b.limiter.AllowSubscribe(s.ID) {
		return subscribeResult{code: packets.ReasonQuotaExceeded}
	}

	granted := min(sub.Options.QoS, maxGrantedQoS)
	existed := s.HasSubscription(sub.Filter)

	stored := storage.Subscription{
		ClientID: s.ID,
		Filter:   sub.Filter,
		QoS:      granted,
		Options: storage.SubscribeOptions{
			NoLocal:           sub.Options.NoLocal,
			RetainAsPublished: sub.Options.RetainAsPublished,
			RetainHandling:    sub.Options.RetainHandling,
		},
	}
	if err := b.store.Subscriptions().Add(&stored); err != nil {
		b.logger.Error("failed to persist subscription",
			slog.String("client_id", s.ID),
			slog.String("filter", sub.Filter),
			slog.Any("error", err))
		return subscribeResult{code: packets.ReasonUnspecifiedError}
	}

	b.router.Subscribe(sub.Filter, subscriberFor(stored))
	s.AddSubscription(stored)

	b.stats.IncSubscriptions()
	b.notify(events.SubscriptionCreated{
		ClientID:    s.ID,
		TopicFilter: sub.Filter,
		QoS:         granted,
	})

	replay := false
	switch sub.Options.RetainHandling {
	case 0:
		replay = true
	case 1:
		replay = !existed
	}

	code := packets.ReasonGrantedQoS0
	switch granted {
	case 1:
		code = packets.ReasonGrantedQoS1
	case 2:
		code = packets.ReasonGrantedQoS2
	}
	return subscribeResult{code: code, grantedQoS: granted, replay: replay}
}

// replayRetained delivers the retained messages matching the filter to
// the subscriber. Replayed messages always carry the retain flag and
// are capped at the granted QoS.
func (b *Broker) replayRetained(ctx context.Context, s *session.Session, filter string, grantedQoS byte) {
	retained, err := b.store.Retained().Match(ctx, filter)
	if err != nil {
		b.logger.Error("retained match failed",
			slog.String("filter", filter), slog.Any("error", err))
		return
	}

	for _, msg := range retained {
		out := storage.CopyMessage(msg)
		out.QoS = min(msg.QoS, grantedQoS)
		out.Retain = true
		out.Dup = false
		b.deliverToSession(s, out)
	}
}

// unsubscribe removes one subscription and returns its UNSUBACK reason
// code.
func (b *Broker) unsubscribe(s *session.Session, filter string) byte {
	existed := b.router.Unsubscribe(filter, s.ID)
	if err := b.store.Subscriptions().Remove(s.ID, filter); err != nil && err != storage.ErrNotFound {
		b.logger.Warn("failed to remove persisted subscription",
			slog.String("client_id", s.ID),
			slog.String("filter", filter),
			slog.Any("error", err))
	}
	s.RemoveSubscription(filter)

	if !existed {
		return packets.ReasonNoSubscription
	}

	b.stats.IncUnsubscriptions()
	b.notify(events.SubscriptionRemoved{ClientID: s.ID, TopicFilter: filter})
	return packets.ReasonSuccess
}
