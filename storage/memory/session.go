package memory

import (
	"sync"
	"time"

	"github.com/absmach/routemq/storage"
)

var _ storage.SessionStore = (*SessionStore)(nil)

// SessionStore is an in-memory implementation of storage.SessionStore.
type SessionStore struct {
	mu   sync.RWMutex
	data map[string]*storage.Session
}

// NewSessionStore creates a new in-memory session store.
func NewSessionStore() *SessionStore {
	return &SessionStore{
		data: make(map[string]*storage.Session),
	}
}

// Get retrieves a session by client ID.
func (s *SessionStore) Get(clientID string) (*storage.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.data[clientID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return copySession(session), nil
}

// Save persists a session.
func (s *SessionStore) Save(session *storage.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[session.ClientID] = copySession(session)
	return nil
}

// Delete removes a session.
func (s *SessionStore) Delete(clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data, clientID)
	return nil
}

// GetExpired returns client IDs of disconnected sessions whose expiry
// deadline passed before the given time. Sessions with the never-expire
// interval are skipped.
func (s *SessionStore) GetExpired(before time.Time) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var expired []string
	for clientID, session := range s.data {
		if session.Connected || session.ExpiryInterval == 0xFFFFFFFF {
			continue
		}
		deadline := session.DisconnectedAt.Add(time.Duration(session.ExpiryInterval) * time.Second)
		if deadline.Before(before) {
			expired = append(expired, clientID)
		}
	}
	return expired, nil
}

// List returns all sessions.
func (s *SessionStore) List() ([]*storage.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*storage.Session, 0, len(s.data))
	for _, session := range s.data {
		result = append(result, copySession(session))
	}
	return result, nil
}

func copySession(session *storage.Session) *storage.Session {
	if session == nil {
		return nil
	}
	cp := *session
	return &cp
}
