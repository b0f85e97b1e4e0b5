// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/absmach/routemq/storage"
	"github.com/dgraph-io/badger/v4"
)

var _ storage.WillStore = (*WillStore)(nil)

// WillStore implements storage.WillStore using BadgerDB.
//
// Key format: will:{clientID}.
type WillStore struct {
	db *badger.DB
}

// willEntry wraps a will message with the disconnect timestamp for
// delay calculation. A zero timestamp means the client is connected.
type willEntry struct {
	Will           *storage.WillMessage `json:"will"`
	DisconnectedAt time.Time            `json:"disconnected_at"`
}

// NewWillStore creates a new BadgerDB will message store.
func NewWillStore(db *badger.DB) *WillStore {
	return &WillStore{db: db}
}

// Set stores a will message for a client. The delay clock starts when
// MarkDisconnected is called.
func (w *WillStore) Set(_ context.Context, clientID string, will *storage.WillMessage) error {
	key := []byte("will:" + clientID)

	data, err := json.Marshal(&willEntry{Will: will})
	if err != nil {
		return fmt.Errorf("marshal will message: %w", err)
	}

	return w.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	})
}

// Get retrieves the will message for a client.
func (w *WillStore) Get(_ context.Context, clientID string) (*storage.WillMessage, error) {
	key := []byte("will:" + clientID)
	var entry *willEntry

	err := w.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return storage.ErrNotFound
			}
			return err
		}

		return item.Value(func(val []byte) error {
			entry = &willEntry{}
			return json.Unmarshal(val, entry)
		})
	})
	if err != nil {
		return nil, err
	}

	return entry.Will, nil
}

// Delete removes the will message for a client.
func (w *WillStore) Delete(_ context.Context, clientID string) error {
	key := []byte("will:" + clientID)

	return w.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
}

// MarkDisconnected starts the will delay clock for a client.
func (w *WillStore) MarkDisconnected(clientID string) error {
	key := []byte("will:" + clientID)

	return w.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return storage.ErrNotFound
			}
			return err
		}

		var entry willEntry
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &entry)
		}); err != nil {
			return err
		}

		entry.DisconnectedAt = time.Now()
		data, err := json.Marshal(&entry)
		if err != nil {
			return err
		}
		return txn.Set(key, data)
	})
}

// GetPending returns wills whose delay elapsed before the given time
// while the client stayed disconnected.
func (w *WillStore) GetPending(_ context.Context, before time.Time) ([]*storage.WillMessage, error) {
	var pending []*storage.WillMessage

	err := w.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte("will:")
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var entry willEntry
				if err := json.Unmarshal(val, &entry); err != nil {
					return err
				}

				if entry.DisconnectedAt.IsZero() {
					return nil
				}
				trigger := entry.DisconnectedAt.Add(time.Duration(entry.Will.Delay) * time.Second)
				if !trigger.After(before) {
					pending = append(pending, entry.Will)
				}
				return nil
			})
			if err != nil {
				return fmt.Errorf("unmarshal will entry: %w", err)
			}
		}
		return nil
	})

	return pending, err
}
