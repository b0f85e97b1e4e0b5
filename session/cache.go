// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"hash/fnv"
	"sync"
	"sync/atomic"
)

var _ Cache = (*ShardedCache)(nil)

// Cache is an in-memory cache of active sessions.
type Cache interface {
	// Get retrieves a session by client ID, nil when absent.
	Get(clientID string) *Session

	// Set stores a session.
	Set(clientID string, session *Session)

	// Delete removes a session, reporting whether it was present.
	Delete(clientID string) bool

	// ForEach iterates over all sessions in unspecified order.
	ForEach(fn func(*Session))

	// Count returns the total number of sessions.
	Count() int

	// ConnectedCount returns the number of connected sessions.
	ConnectedCount() int
}

const numShards = 64

type cacheShard struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// ShardedCache splits sessions across shards so concurrent operations
// on different clients don't contend on one lock.
type ShardedCache struct {
	shards [numShards]cacheShard
	count  atomic.Int64
}

// NewShardedCache creates a new sharded session cache.
func NewShardedCache() *ShardedCache {
	c := &ShardedCache{}
	for i := range c.shards {
		c.shards[i].sessions = make(map[string]*Session)
	}
	return c
}

func (c *ShardedCache) shard(key string) *cacheShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &c.shards[h.Sum32()%numShards]
}

func (c *ShardedCache) Get(clientID string) *Session {
	s := c.shard(clientID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[clientID]
}

func (c *ShardedCache) Set(clientID string, session *Session) {
	s := c.shard(clientID)
	s.mu.Lock()
	if _, exists := s.sessions[clientID]; !exists {
		c.count.Add(1)
	}
	s.sessions[clientID] = session
	s.mu.Unlock()
}

func (c *ShardedCache) Delete(clientID string) bool {
	s := c.shard(clientID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[clientID]; exists {
		delete(s.sessions, clientID)
		c.count.Add(-1)
		return true
	}
	return false
}

func (c *ShardedCache) ForEach(fn func(*Session)) {
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.RLock()
		sessions := make([]*Session, 0, len(s.sessions))
		for _, sess := range s.sessions {
			sessions = append(sessions, sess)
		}
		s.mu.RUnlock()

		for _, sess := range sessions {
			fn(sess)
		}
	}
}

func (c *ShardedCache) Count() int {
	return int(c.count.Load())
}

func (c *ShardedCache) ConnectedCount() int {
	count := 0
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.RLock()
		for _, sess := range s.sessions {
			if sess.IsConnected() {
				count++
			}
		}
		s.mu.RUnlock()
	}
	return count
}
