// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit provides token-bucket limits on connection attempts
// per source IP and on publish/subscribe operations per client.
package ratelimit

import (
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// IPRateLimiter limits connection attempts per source IP.
type IPRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*ipEntry
	rate     rate.Limit
	burst    int
	cleanup  time.Duration
	stopCh   chan struct{}
}

type ipEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewIPRateLimiter creates an IP limiter allowing r connections per
// second with the given burst. Stale entries are dropped every
// cleanupInterval.
func NewIPRateLimiter(r float64, burst int, cleanupInterval time.Duration) *IPRateLimiter {
	l := &IPRateLimiter{
		limiters: make(map[string]*ipEntry),
		rate:     rate.Limit(r),
		burst:    burst,
		cleanup:  cleanupInterval,
		stopCh:   make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Allow reports whether a connection from the address is allowed.
// Addresses without an extractable IP are always allowed.
func (l *IPRateLimiter) Allow(addr net.Addr) bool {
	ip := extractIP(addr)
	if ip == "" {
		return true
	}

	l.mu.Lock()
	entry, exists := l.limiters[ip]
	if !exists {
		entry = &ipEntry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[ip] = entry
	}
	entry.lastSeen = time.Now()
	limiter := entry.limiter
	l.mu.Unlock()

	return limiter.Allow()
}

func (l *IPRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(l.cleanup)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.removeStale()
		case <-l.stopCh:
			return
		}
	}
}

func (l *IPRateLimiter) removeStale() {
	l.mu.Lock()
	defer l.mu.Unlock()

	threshold := time.Now().Add(-l.cleanup * 2)
	for ip, entry := range l.limiters {
		if entry.lastSeen.Before(threshold) {
			delete(l.limiters, ip)
		}
	}
}

// Stop stops the cleanup goroutine.
func (l *IPRateLimiter) Stop() {
	close(l.stopCh)
}

// ClientRateLimiter limits publish and subscribe rates per client ID.
type ClientRateLimiter struct {
	mu              sync.Mutex
	messageLimiters map[string]*rate.Limiter
	subLimiters     map[string]*rate.Limiter
	messageRate     rate.Limit
	messageBurst    int
	subRate         rate.Limit
	subBurst        int
}

// NewClientRateLimiter creates a per-client limiter.
func NewClientRateLimiter(messageRate float64, messageBurst int, subRate float64, subBurst int) *ClientRateLimiter {
	return &ClientRateLimiter{
		messageLimiters: make(map[string]*rate.Limiter),
		subLimiters:     make(map[string]*rate.Limiter),
		messageRate:     rate.Limit(messageRate),
		messageBurst:    messageBurst,
		subRate:         rate.Limit(subRate),
		subBurst:        subBurst,
	}
}

// AllowPublish reports whether a publish from the client is allowed.
func (l *ClientRateLimiter) AllowPublish(clientID string) bool {
	l.mu.Lock()
	limiter, exists := l.messageLimiters[clientID]
	if !exists {
		limiter = rate.NewLimiter(l.messageRate, l.messageBurst)
		l.messageLimiters[clientID] = limiter
	}
	l.mu.Unlock()

	return limiter.Allow()
}

// AllowSubscribe reports whether a subscribe from the client is allowed.
func (l *ClientRateLimiter) AllowSubscribe(clientID string) bool {
	l.mu.Lock()
	limiter, exists := l.subLimiters[clientID]
	if !exists {
		limiter = rate.NewLimiter(l.subRate, l.subBurst)
		l.subLimiters[clientID] = limiter
	}
	l.mu.Unlock()

	return limiter.Allow()
}

// RemoveClient drops limiters for a disconnected client.
func (l *ClientRateLimiter) RemoveClient(clientID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.messageLimiters, clientID)
	delete(l.subLimiters, clientID)
}

func extractIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}

	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.IP.String()
	case *net.UDPAddr:
		return a.IP.String()
	default:
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			return addr.String()
		}
		return host
	}
}

// Config holds rate limiting configuration.
type Config struct {
	Enabled bool `yaml:"enabled"`

	Connection ConnectionConfig `yaml:"connection"`
	Message    MessageConfig    `yaml:"message"`
	Subscribe  SubscribeConfig  `yaml:"subscribe"`
}

// ConnectionConfig holds per-IP connection rate limiting settings.
type ConnectionConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Rate            float64       `yaml:"rate"`  // connections per second per IP
	Burst           int           `yaml:"burst"` // burst allowance
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// MessageConfig holds per-client publish rate limiting settings.
type MessageConfig struct {
	Enabled bool    `yaml:"enabled"`
	Rate    float64 `yaml:"rate"`  // messages per second per client
	Burst   int     `yaml:"burst"` // burst allowance
}

// SubscribeConfig holds per-client subscription rate limiting settings.
type SubscribeConfig struct {
	Enabled bool    `yaml:"enabled"`
	Rate    float64 `yaml:"rate"`  // subscriptions per second per client
	Burst   int     `yaml:"burst"` // burst allowance
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() Config {
	return Config{
		Enabled: false,
		Connection: ConnectionConfig{
			Enabled:         true,
			Rate:            100.0 / 60.0, // 100 connections per minute per IP
			Burst:           20,
			CleanupInterval: 5 * time.Minute,
		},
		Message: MessageConfig{
			Enabled: true,
			Rate:    1000,
			Burst:   100,
		},
		Subscribe: SubscribeConfig{
			Enabled: true,
			Rate:    100,
			Burst:   10,
		},
	}
}

// Manager coordinates the configured limiters. A disabled manager
// allows everything.
type Manager struct {
	config   Config
	ip       *IPRateLimiter
	client   *ClientRateLimiter
	disabled bool
}

// NewManager creates a rate limit manager from configuration.
func NewManager(cfg Config) *Manager {
	if !cfg.Enabled {
		return &Manager{disabled: true, config: cfg}
	}

	m := &Manager{config: cfg}
	if cfg.Connection.Enabled {
		m.ip = NewIPRateLimiter(cfg.Connection.Rate, cfg.Connection.Burst, cfg.Connection.CleanupInterval)
	}
	if cfg.Message.Enabled || cfg.Subscribe.Enabled {
		m.client = NewClientRateLimiter(
			cfg.Message.Rate,
			cfg.Message.Burst,
			cfg.Subscribe.Rate,
			cfg.Subscribe.Burst,
		)
	}
	return m
}

// AllowConnection reports whether a new connection from the address is allowed.
func (m *Manager) AllowConnection(addr net.Addr) bool {
	if m.disabled || m.ip == nil || !m.config.Connection.Enabled {
		return true
	}
	return m.ip.Allow(addr)
}

// AllowPublish reports whether a publish from the client is allowed.
func (m *Manager) AllowPublish(clientID string) bool {
	if m.disabled || m.client == nil || !m.config.Message.Enabled {
		return true
	}
	return m.client.AllowPublish(clientID)
}

// AllowSubscribe reports whether a subscribe from the client is allowed.
func (m *Manager) AllowSubscribe(clientID string) bool {
	if m.disabled || m.client == nil || !m.config.Subscribe.Enabled {
		return true
	}
	return m.client.AllowSubscribe(clientID)
}

// OnClientDisconnect drops per-client limiters.
func (m *Manager) OnClientDisconnect(clientID string) {
	if m.disabled || m.client == nil {
		return
	}
	m.client.RemoveClient(clientID)
}

// Stop releases the manager's resources.
func (m *Manager) Stop() {
	if m.ip != nil {
		m.ip.Stop()
	}
}
