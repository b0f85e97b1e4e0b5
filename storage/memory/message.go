package memory

import (
	"sort"
	"strings"
	"sync"

	"github.com/absmach/routemq/storage"
)

var _ storage.MessageStore = (*MessageStore)(nil)

// MessageStore is an in-memory implementation of storage.MessageStore.
type MessageStore struct {
	mu   sync.RWMutex
	data map[string]*storage.Message
}

// NewMessageStore creates a new in-memory message store.
func NewMessageStore() *MessageStore {
	return &MessageStore{
		data: make(map[string]*storage.Message),
	}
}

// Store stores a message under a key.
func (s *MessageStore) Store(key string, msg *storage.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[key] = storage.CopyMessage(msg)
	return nil
}

// Get retrieves a message by key.
func (s *MessageStore) Get(key string) (*storage.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msg, ok := s.data[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return storage.CopyMessage(msg), nil
}

// Delete removes a message.
func (s *MessageStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data, key)
	return nil
}

// List returns all messages matching a key prefix, in key order.
// Offline queues rely on key order for FIFO restore.
func (s *MessageStore) List(prefix string) ([]*storage.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var keys []string
	for key := range s.data {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	result := make([]*storage.Message, 0, len(keys))
	for _, key := range keys {
		result = append(result, storage.CopyMessage(s.data[key]))
	}
	return result, nil
}

// DeleteByPrefix removes all messages matching a prefix.
func (s *MessageStore) DeleteByPrefix(prefix string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key := range s.data {
		if strings.HasPrefix(key, prefix) {
			delete(s.data, key)
		}
	}
	return nil
}
