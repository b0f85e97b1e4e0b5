// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package broker implements the message broker core: session
// management with delivery guarantees, topic routing, retained
// messages and will handling.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/routemq/broker/events"
	"github.com/absmach/routemq/broker/router"
	"github.com/absmach/routemq/broker/webhook"
	"github.com/absmach/routemq/config"
	"github.com/absmach/routemq/ratelimit"
	"github.com/absmach/routemq/session"
	"github.com/absmach/routemq/storage"
)

// willCheckInterval is how often pending delayed wills are polled.
const willCheckInterval = time.Second

// Broker is the message broker core. Transports hand it decoded
// control packets through the Handle* methods; everything else
// (routing, session state, persistence, retained messages, wills)
// happens here.
type Broker struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    storage.Store
	sessions *session.ShardedCache
	router   *router.TrieRouter
	auth     AuthEngine
	notifier webhook.Notifier
	limiter  *ratelimit.Manager
	stats    *Stats
	keys     keyLock

	wg      sync.WaitGroup
	stopCh  chan struct{}
	stopped atomic.Bool
}

// Option configures a Broker.
type Option func(*Broker)

// WithLogger sets the broker logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Broker) { b.logger = logger }
}

// WithAuth sets the auth engine. Without one all operations are allowed.
func WithAuth(auth AuthEngine) Option {
	return func(b *Broker) { b.auth = auth }
}

// WithNotifier sets the event notifier.
func WithNotifier(n webhook.Notifier) Option {
	return func(b *Broker) { b.notifier = n }
}

// WithRateLimiter sets the rate limit manager.
func WithRateLimiter(m *ratelimit.Manager) Option {
	return func(b *Broker) { b.limiter = m }
}

// New creates a broker backed by the given store.
func New(cfg *config.Config, store storage.Store, opts ...Option) (*Broker, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}

	b := &Broker{
		cfg:      cfg,
		logger:   slog.Default(),
		store:    store,
		sessions: session.NewShardedCache(),
		router:   router.NewTrieRouter(),
		notifier: webhook.NoopNotifier{},
		stats:    NewStats(),
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.limiter == nil {
		b.limiter = ratelimit.NewManager(cfg.Ratelimit)
	}
	return b, nil
}

// Start restores persisted state and launches the background loops.
func (b *Broker) Start() error {
	if err := b.restoreState(); err != nil {
		return fmt.Errorf("restore state: %w", err)
	}

	b.wg.Add(2)
	go b.expiryLoop()
	go b.willLoop()

	if b.cfg.Broker.SysInterval > 0 {
		b.wg.Add(1)
		go b.sysLoop()
	}

	b.logger.Info("broker started",
		slog.String("broker_id", b.cfg.Broker.ID),
		slog.Int("sessions", b.sessions.Count()),
		slog.Int("subscriptions", b.router.Count()))
	return nil
}

// restoreState rebuilds the in-memory session cache, subscription trie
// and offline queues from the store after a restart.
func (b *Broker) restoreState() error {
	stored, err := b.store.Sessions().List()
	if err != nil {
		return err
	}

	for _, info := range stored {
		s := session.New(info.ClientID, session.Options{
			CleanStart:     info.CleanStart,
			ExpiryInterval: info.ExpiryInterval,
			MaxInflight:    b.cfg.Session.MaxInflightMessages,
			MaxQueueSize:   b.cfg.Session.MaxOfflineQueueSize,
			RetryTimeout:   b.cfg.Broker.RetryInterval,
			MaxRetries:     b.cfg.Broker.MaxRetries,
		})
		s.RestoreFrom(info)
		s.SetOnDisconnect(b.handleDisconnect)

		// Sessions were connected when the process died; their expiry
		// clock starts now.
		if info.Connected {
			info.Connected = false
			info.DisconnectedAt = time.Now()
			if err := b.store.Sessions().Save(info); err != nil {
				b.logger.Warn("failed to mark restored session disconnected",
					slog.String("client_id", info.ClientID), slog.Any("error", err))
			}
		}

		subs, err := b.store.Subscriptions().GetForClient(info.ClientID)
		if err != nil {
			b.logger.Warn("failed to restore subscriptions",
				slog.String("client_id", info.ClientID), slog.Any("error", err))
		}
		for _, sub := range subs {
			s.AddSubscription(*sub)
			b.router.Subscribe(sub.Filter, router.Subscriber{
				ClientID:          sub.ClientID,
				QoS:               sub.QoS,
				NoLocal:           sub.Options.NoLocal,
				RetainAsPublished: sub.Options.RetainAsPublished,
				RetainHandling:    sub.Options.RetainHandling,
			})
		}

		b.restoreSessionMessages(s)
		b.sessions.Set(info.ClientID, s)
	}
	return nil
}

// expiryLoop destroys disconnected sessions whose expiry interval
// elapsed. The sweep publishes any stored will first: session end
// publishes the will even when its delay has not elapsed yet.
func (b *Broker) expiryLoop() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.cfg.Session.ExpiryCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.sweepExpired()
		}
	}
}

func (b *Broker) sweepExpired() {
	expired, err := b.store.Sessions().GetExpired(time.Now())
	if err != nil {
		b.logger.Error("session expiry sweep failed", slog.Any("error", err))
		return
	}

	ctx := context.Background()
	for _, clientID := range expired {
		unlock := b.keys.lock(clientID)

		// A client may have reconnected between the sweep query and
		// taking the lock.
		if s := b.sessions.Get(clientID); s != nil && s.IsConnected() {
			unlock()
			continue
		}

		if will, err := b.store.Wills().Get(ctx, clientID); err == nil && will != nil {
			b.publishWill(ctx, will, true)
		}
		b.destroySessionLocked(ctx, clientID)
		unlock()

		b.stats.IncSessionsExpired()
		b.notify(events.SessionExpired{ClientID: clientID})
		b.logger.Info("session expired", slog.String("client_id", clientID))
	}
}

// willLoop publishes delayed wills whose delay elapsed while the
// client stayed disconnected.
func (b *Broker) willLoop() {
	defer b.wg.Done()

	ticker := time.NewTicker(willCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.publishPendingWills()
		}
	}
}

func (b *Broker) publishPendingWills() {
	ctx := context.Background()
	pending, err := b.store.Wills().GetPending(ctx, time.Now())
	if err != nil {
		b.logger.Error("pending will query failed", slog.Any("error", err))
		return
	}

	for _, will := range pending {
		unlock := b.keys.lock(will.ClientID)
		// Reconnecting cancels the will; re-check under the lock.
		if s := b.sessions.Get(will.ClientID); s != nil && s.IsConnected() {
			unlock()
			continue
		}
		b.publishWill(ctx, will, true)
		unlock()
	}
}

// notify forwards an event to the notifier.
func (b *Broker) notify(ev events.Event) {
	if err := b.notifier.Notify(context.Background(), ev); err != nil {
		b.logger.Warn("event notification failed",
			slog.String("event_type", ev.Type()), slog.Any("error", err))
	}
}

// Stats returns the broker's runtime counters.
func (b *Broker) Stats() *Stats {
	return b.stats
}

// Session returns the session for a client ID.
func (b *Broker) Session(clientID string) (*session.Session, error) {
	s := b.sessions.Get(clientID)
	if s == nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, clientID)
	}
	return s, nil
}

// SessionCount returns the number of tracked sessions.
func (b *Broker) SessionCount() int {
	return b.sessions.Count()
}

// ConnectedCount returns the number of connected sessions.
func (b *Broker) ConnectedCount() int {
	return b.sessions.ConnectedCount()
}

// SubscriptionCount returns the number of live subscription entries.
func (b *Broker) SubscriptionCount() int {
	return b.router.Count()
}

// Close stops the background loops, disconnects all sessions and
// persists their state.
func (b *Broker) Close() error {
	if !b.stopped.CompareAndSwap(false, true) {
		return nil
	}
	close(b.stopCh)
	b.wg.Wait()

	b.sessions.ForEach(func(s *session.Session) {
		if s.IsConnected() {
			// Broker shutdown is not a client failure: no will.
			s.SetOnDisconnect(nil)
			s.Disconnect(true)
		}
		if err := b.persistSessionState(s); err != nil {
			b.logger.Error("failed to persist session on shutdown",
				slog.String("client_id", s.ID), slog.Any("error", err))
		}
	})

	b.limiter.Stop()
	b.logger.Info("broker stopped")
	return nil
}
