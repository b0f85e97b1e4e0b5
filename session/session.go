// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package session holds per-client session state: connection, inflight
// delivery tracking, offline queue, subscriptions and will message.
package session

import (
	"net"
	"sync"
	"time"

	"github.com/absmach/routemq/packets"
	"github.com/absmach/routemq/storage"
	"github.com/absmach/routemq/storage/messages"
)

// State represents the session state.
type State int

const (
	StateNew State = iota
	StateConnected
	StateDisconnecting
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Connection is a transport-provided channel of decoded control packets.
type Connection interface {
	ReadPacket() (packets.ControlPacket, error)
	WritePacket(p packets.ControlPacket) error
	Close() error
	RemoteAddr() net.Addr
	SetReadDeadline(t time.Time) error
}

// Session is a client session with full state management.
type Session struct {
	mu sync.RWMutex

	// ID is the client identifier.
	ID string

	// conn is nil while disconnected.
	conn Connection

	state          State
	connectedAt    time.Time
	disconnectedAt time.Time

	// Options from CONNECT.
	CleanStart     bool
	ExpiryInterval uint32        // seconds; packets.ExpiryNever disables expiry
	KeepAlive      time.Duration // 0 disables keep-alive enforcement

	// Will message; cleared on normal disconnect.
	Will *storage.WillMessage

	// Delivery state.
	Inflight     messages.Inflight
	OfflineQueue messages.Queue

	nextPacketID uint16

	// Subscriptions cached from the store for fast local lookup.
	subscriptions map[string]storage.Subscription

	// Retry policy for unacknowledged outbound messages.
	RetryTimeout time.Duration
	MaxRetries   int

	lastActivity time.Time

	onDisconnect func(s *Session, graceful bool)
}

// Options holds options for creating a new session.
type Options struct {
	CleanStart     bool
	ExpiryInterval uint32
	KeepAlive      time.Duration
	Will           *storage.WillMessage
	MaxInflight    int
	MaxQueueSize   int
	RetryTimeout   time.Duration
	MaxRetries     int
}

// DefaultOptions returns default session options.
func DefaultOptions() Options {
	return Options{
		CleanStart:   true,
		KeepAlive:    60 * time.Second,
		MaxInflight:  65535,
		MaxQueueSize: 1000,
		RetryTimeout: 20 * time.Second,
		MaxRetries:   5,
	}
}

// New creates a new session.
func New(clientID string, opts Options) *Session {
	if opts.RetryTimeout <= 0 {
		opts.RetryTimeout = 20 * time.Second
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 5
	}

	return &Session{
		ID:             clientID,
		state:          StateNew,
		CleanStart:     opts.CleanStart,
		ExpiryInterval: opts.ExpiryInterval,
		KeepAlive:      opts.KeepAlive,
		Will:           opts.Will,
		Inflight:       messages.NewTracker(opts.MaxInflight),
		OfflineQueue:   messages.NewQueue(opts.MaxQueueSize),
		subscriptions:  make(map[string]storage.Subscription),
		RetryTimeout:   opts.RetryTimeout,
		MaxRetries:     opts.MaxRetries,
		lastActivity:   time.Now(),
	}
}

// Connect attaches a connection to the session.
func (s *Session) Connect(conn Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.conn = conn
	s.state = StateConnected
	s.connectedAt = time.Now()
	s.lastActivity = time.Now()
}

// Disconnect detaches the connection. A graceful disconnect clears the
// will message so it is never published.
func (s *Session) Disconnect(graceful bool) {
	s.mu.Lock()

	if s.state != StateConnected {
		s.mu.Unlock()
		return
	}
	s.state = StateDisconnecting

	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	if graceful {
		s.Will = nil
	}
	s.state = StateDisconnected
	s.disconnectedAt = time.Now()
	callback := s.onDisconnect
	s.mu.Unlock()

	if callback != nil {
		callback(s, graceful)
	}
}

// State returns the current session state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// IsConnected reports whether the session has an active connection.
func (s *Session) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state == StateConnected && s.conn != nil
}

// Conn returns the current connection, nil when disconnected.
func (s *Session) Conn() Connection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn
}

// ConnectedAt returns when the current connection was attached.
func (s *Session) ConnectedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connectedAt
}

// NextPacketID allocates a free packet identifier. Identifiers wrap
// monotonically and skip values still held by inflight exchanges.
// When every identifier is taken it fails instead of spinning; the
// caller backs off until acknowledgments free identifiers.
func (s *Session) NextPacketID() (uint16, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for range 65535 {
		s.nextPacketID++
		if s.nextPacketID == 0 {
			s.nextPacketID = 1
		}
		if !s.Inflight.Has(s.nextPacketID) {
			return s.nextPacketID, nil
		}
	}
	return 0, ErrPacketIDExhausted
}

// WritePacket writes a packet to the connection.
func (s *Session) WritePacket(pkt packets.ControlPacket) error {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()

	if conn == nil {
		return ErrNotConnected
	}
	return conn.WritePacket(pkt)
}

// ReadPacket reads a packet from the connection.
func (s *Session) ReadPacket() (packets.ControlPacket, error) {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()

	if conn == nil {
		return nil, ErrNotConnected
	}
	return conn.ReadPacket()
}

// Touch updates the last activity timestamp.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// LastActivity returns the time of the last received packet.
func (s *Session) LastActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActivity
}

// SetOnDisconnect sets the disconnect callback.
func (s *Session) SetOnDisconnect(fn func(*Session, bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDisconnect = fn
}

// AddSubscription caches a subscription on the session.
func (s *Session) AddSubscription(sub storage.Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscriptions[sub.Filter] = sub
}

// RemoveSubscription drops a cached subscription.
func (s *Session) RemoveSubscription(filter string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subscriptions, filter)
}

// Subscriptions returns a copy of the cached subscriptions.
func (s *Session) Subscriptions() map[string]storage.Subscription {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]storage.Subscription, len(s.subscriptions))
	for k, v := range s.subscriptions {
		result[k] = v
	}
	return result
}

// HasSubscription reports whether the filter is already subscribed.
func (s *Session) HasSubscription(filter string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.subscriptions[filter]
	return ok
}

// GetWill returns the session's will message.
func (s *Session) GetWill() *storage.WillMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Will
}

// SetWill replaces the session's will message.
func (s *Session) SetWill(will *storage.WillMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Will = will
}

// UpdateConnectionOptions refreshes per-connection options on resume.
// Must be called before Connect.
func (s *Session) UpdateConnectionOptions(keepAlive time.Duration, expiry uint32, will *storage.WillMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.KeepAlive = keepAlive
	s.ExpiryInterval = expiry
	s.Will = will
}

// Expired reports whether the expiry interval elapsed while the
// session stayed disconnected.
func (s *Session) Expired(now time.Time) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.state == StateConnected || s.disconnectedAt.IsZero() {
		return false
	}
	if s.ExpiryInterval == packets.ExpiryNever {
		return false
	}
	return now.After(s.disconnectedAt.Add(time.Duration(s.ExpiryInterval) * time.Second))
}

// UpdateExpiry replaces the session expiry interval. Clients may lower
// or raise it in DISCONNECT.
func (s *Session) UpdateExpiry(expiry uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ExpiryInterval = expiry
}

// Info returns session metadata for persistence.
func (s *Session) Info() *storage.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return &storage.Session{
		ClientID:       s.ID,
		CleanStart:     s.CleanStart,
		ExpiryInterval: s.ExpiryInterval,
		ConnectedAt:    s.connectedAt,
		DisconnectedAt: s.disconnectedAt,
		Connected:      s.state == StateConnected,
	}
}

// RestoreFrom restores session metadata from persistence.
func (s *Session) RestoreFrom(stored *storage.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ExpiryInterval = stored.ExpiryInterval
	s.disconnectedAt = stored.DisconnectedAt
}
