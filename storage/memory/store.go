// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package memory provides the in-memory storage backend.
package memory

import (
	"github.com/absmach/routemq/storage"
)

var _ storage.Store = (*Store)(nil)

// Store is the composite in-memory store.
type Store struct {
	messages      *MessageStore
	sessions      *SessionStore
	subscriptions *SubscriptionStore
	retained      *RetainedStore
	wills         *WillStore
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		messages:      NewMessageStore(),
		sessions:      NewSessionStore(),
		subscriptions: NewSubscriptionStore(),
		retained:      NewRetainedStore(),
		wills:         NewWillStore(),
	}
}

func (s *Store) Messages() storage.MessageStore           { return s.messages }
func (s *Store) Sessions() storage.SessionStore           { return s.sessions }
func (s *Store) Subscriptions() storage.SubscriptionStore { return s.subscriptions }
func (s *Store) Retained() storage.RetainedStore          { return s.retained }
func (s *Store) Wills() storage.WillStore                 { return s.wills }

// Close is a no-op for the memory backend.
func (s *Store) Close() error {
	return nil
}
