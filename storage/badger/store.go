// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package badger provides the BadgerDB-backed durable storage backend.
package badger

import (
	"sync"
	"time"

	"github.com/absmach/routemq/storage"
	"github.com/dgraph-io/badger/v4"
)

var _ storage.Store = (*Store)(nil)

// Store is the composite BadgerDB store implementing all storage interfaces.
type Store struct {
	db *badger.DB

	messages      *MessageStore
	sessions      *SessionStore
	subscriptions *SubscriptionStore
	retained      *RetainedStore
	wills         *WillStore

	gcStopCh chan struct{}
	gcDone   chan struct{}
	closed   bool
	mu       sync.Mutex
}

// Config holds BadgerDB configuration.
type Config struct {
	Dir string
}

// New creates a new BadgerDB-backed store.
func New(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Dir)
	opts.Logger = nil
	// Async writes: queued messages are re-deliverable, fsync per write
	// costs 10-100x throughput.
	opts.SyncWrites = false
	opts.NumVersionsToKeep = 1
	opts.NumCompactors = 2
	opts.NumLevelZeroTables = 5
	opts.NumLevelZeroTablesStall = 15

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	s := &Store{
		db:            db,
		messages:      NewMessageStore(db),
		sessions:      NewSessionStore(db),
		subscriptions: NewSubscriptionStore(db),
		retained:      NewRetainedStore(db),
		wills:         NewWillStore(db),
		gcStopCh:      make(chan struct{}),
		gcDone:        make(chan struct{}),
	}

	go s.runGC()

	return s, nil
}

func (s *Store) Messages() storage.MessageStore           { return s.messages }
func (s *Store) Sessions() storage.SessionStore           { return s.sessions }
func (s *Store) Subscriptions() storage.SubscriptionStore { return s.subscriptions }
func (s *Store) Retained() storage.RetainedStore          { return s.retained }
func (s *Store) Wills() storage.WillStore                 { return s.wills }

// Close gracefully closes the BadgerDB database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.gcStopCh)
	<-s.gcDone

	return s.db.Close()
}

// runGC runs BadgerDB's value log garbage collection periodically.
func (s *Store) runGC() {
	defer close(s.gcDone)

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// Reclaims vlog files that are at least half garbage. An
			// error just means there was nothing to collect.
			_ = s.db.RunValueLogGC(0.5)
		case <-s.gcStopCh:
			// Skip a final GC: collecting during close risks vlog
			// corruption on restart.
			return
		}
	}
}
