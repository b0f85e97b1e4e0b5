// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"sync"
	"time"

	"github.com/absmach/routemq/storage"
)

var _ storage.WillStore = (*WillStore)(nil)

// WillStore is an in-memory implementation of storage.WillStore.
type WillStore struct {
	mu   sync.RWMutex
	data map[string]*willEntry // clientID -> will entry
}

type willEntry struct {
	will           *storage.WillMessage
	disconnectedAt time.Time // zero while the client is still connected
}

// NewWillStore creates a new in-memory will message store.
func NewWillStore() *WillStore {
	return &WillStore{
		data: make(map[string]*willEntry),
	}
}

// Set stores a will message for a client. The delay clock starts when
// MarkDisconnected is called.
func (s *WillStore) Set(_ context.Context, clientID string, will *storage.WillMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[clientID] = &willEntry{will: copyWill(will)}
	return nil
}

// Get retrieves the will message for a client.
func (s *WillStore) Get(_ context.Context, clientID string) (*storage.WillMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.data[clientID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return copyWill(entry.will), nil
}

// Delete removes the will message for a client.
func (s *WillStore) Delete(_ context.Context, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data, clientID)
	return nil
}

// MarkDisconnected starts the will delay clock for a client.
func (s *WillStore) MarkDisconnected(clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.data[clientID]
	if !ok {
		return storage.ErrNotFound
	}
	entry.disconnectedAt = time.Now()
	return nil
}

// GetPending returns wills whose delay elapsed before the given time
// while the client stayed disconnected.
func (s *WillStore) GetPending(_ context.Context, before time.Time) ([]*storage.WillMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*storage.WillMessage
	for _, entry := range s.data {
		if entry.disconnectedAt.IsZero() {
			continue
		}
		trigger := entry.disconnectedAt.Add(time.Duration(entry.will.Delay) * time.Second)
		if !trigger.After(before) {
			result = append(result, copyWill(entry.will))
		}
	}
	return result, nil
}

func copyWill(will *storage.WillMessage) *storage.WillMessage {
	if will == nil {
		return nil
	}
	cp := *will
	if len(will.Payload) > 0 {
		cp.Payload = make([]byte, len(will.Payload))
		copy(cp.Payload, will.Payload)
	}
	return &cp
}
