// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/absmach/routemq/storage"
	"github.com/absmach/routemq/topics"
	"github.com/dgraph-io/badger/v4"
)

var _ storage.SubscriptionStore = (*SubscriptionStore)(nil)

// SubscriptionStore implements storage.SubscriptionStore using BadgerDB.
//
// Key format: sub:{clientID}:{filter}.
type SubscriptionStore struct {
	db    *badger.DB
	count atomic.Int64
}

// NewSubscriptionStore creates a new BadgerDB subscription store.
func NewSubscriptionStore(db *badger.DB) *SubscriptionStore {
	s := &SubscriptionStore{db: db}
	s.refreshCount()
	return s
}

// Add adds or replaces the (clientID, filter) subscription.
func (s *SubscriptionStore) Add(sub *storage.Subscription) error {
	key := fmt.Sprintf("sub:%s:%s", sub.ClientID, sub.Filter)
	data, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("marshal subscription: %w", err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(key))
		isNew := err == badger.ErrKeyNotFound

		if err := txn.Set([]byte(key), data); err != nil {
			return err
		}
		if isNew {
			s.count.Add(1)
		}
		return nil
	})
}

// Remove removes a subscription. Unknown (clientID, filter) is a no-op.
func (s *SubscriptionStore) Remove(clientID, filter string) error {
	key := fmt.Sprintf("sub:%s:%s", clientID, filter)

	return s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(key))
		if err == badger.ErrKeyNotFound {
			return nil
		}

		if err := txn.Delete([]byte(key)); err != nil {
			return err
		}
		s.count.Add(-1)
		return nil
	})
}

// RemoveAll removes all subscriptions for a client.
func (s *SubscriptionStore) RemoveAll(clientID string) error {
	prefix := fmt.Sprintf("sub:%s:", clientID)

	return s.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		var keys [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}

		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return err
			}
			s.count.Add(-1)
		}
		return nil
	})
}

// GetForClient returns all subscriptions for a client.
func (s *SubscriptionStore) GetForClient(clientID string) ([]*storage.Subscription, error) {
	prefix := fmt.Sprintf("sub:%s:", clientID)
	var subs []*storage.Subscription

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var sub storage.Subscription
				if err := json.Unmarshal(val, &sub); err != nil {
					return err
				}
				subs = append(subs, &sub)
				return nil
			})
			if err != nil {
				return fmt.Errorf("unmarshal subscription: %w", err)
			}
		}
		return nil
	})

	return subs, err
}

// Match returns all subscriptions matching a topic by scanning all
// stored filters. The live trie index serves the hot path; this scan
// backs restore and inspection.
func (s *SubscriptionStore) Match(topic string) ([]*storage.Subscription, error) {
	var matched []*storage.Subscription

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte("sub:")
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var sub storage.Subscription
				if err := json.Unmarshal(val, &sub); err != nil {
					return err
				}
				if topics.Match(sub.Filter, topic) {
					matched = append(matched, &sub)
				}
				return nil
			})
			if err != nil {
				return fmt.Errorf("unmarshal subscription: %w", err)
			}
		}
		return nil
	})

	return matched, err
}

// Count returns total subscription count.
func (s *SubscriptionStore) Count() int {
	return int(s.count.Load())
}

// refreshCount recalculates the count by scanning the database.
func (s *SubscriptionStore) refreshCount() {
	count := int64(0)

	s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte("sub:")
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})

	s.count.Store(count)
}
