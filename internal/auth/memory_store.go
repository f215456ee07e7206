package auth

import (
	"context"
	"sync"
	"time"
)

// MemorySessionStore keeps session state in-memory. It is safe for concurrent use
// and primarily intended for development or single-instance deployments.
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]SessionRecord
}

// NewMemorySessionStore constructs an in-memory store implementation.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{sessions: make(map[string]SessionRecord)}
}

// Save records the session details for the provided token hash.
func (s *MemorySessionStore) Save(tokenHash, userID string, expiresAt, absoluteExpiresAt time.Time) error {
	s.mu.Lock()
	s.sessions[tokenHash] = SessionRecord{
		TokenHash:         tokenHash,
		UserID:            userID,
		ExpiresAt:         expiresAt,
		AbsoluteExpiresAt: absoluteExpiresAt,
	}
	s.mu.Unlock()
	return nil
}

// Get retrieves the session record for the provided token hash.
func (s *MemorySessionStore) Get(tokenHash string) (SessionRecord, bool, error) {
	s.mu.RLock()
	record, ok := s.sessions[tokenHash]
	s.mu.RUnlock()
	return record, ok, nil
}

// Delete removes the session token from the store.
func (s *MemorySessionStore) Delete(tokenHash string) error {
	s.mu.Lock()
	delete(s.sessions, tokenHash)
	s.mu.Unlock()
	return nil
}

// PurgeExpired removes any expired sessions from the store and reports how
// many were dropped.
func (s *MemorySessionStore) PurgeExpired(now time.Time) (int, error) {
	s.mu.Lock()
	purged := 0
	for tokenHash, record := range s.sessions {
		if now.After(record.ExpiresAt) {
			delete(s.sessions, tokenHash)
			purged++
		}
	}
	s.mu.Unlock()
	return purged, nil
}

// Ping always reports success for the in-memory session store.
func (s *MemorySessionStore) Ping(context.Context) error {
	return nil
}
