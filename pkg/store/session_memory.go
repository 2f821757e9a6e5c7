package store

import (
	"sync"
	"time"

	"marketplace/internal/util"
)

// MemorySessionStore keeps sessions in process memory (single instance only).
type MemorySessionStore struct {
	mu       sync.Mutex
	ttl      time.Duration
	sessions map[string]memorySession
}

type memorySession struct {
	userID  int64
	expires time.Time
}

// NewMemorySessionStore builds an in-memory session store. ttl <= 0 means sessions never expire.
func NewMemorySessionStore(ttl time.Duration) *MemorySessionStore {
	return &MemorySessionStore{ttl: ttl, sessions: make(map[string]memorySession)}
}

func (s *MemorySessionStore) NewSession(userID int64) (string, error) {
	token := util.NewID()
	sess := memorySession{userID: userID}
	if s.ttl > 0 {
		sess.expires = time.Now().Add(s.ttl)
	}
	s.mu.Lock()
	s.sessions[token] = sess
	s.mu.Unlock()
	return token, nil
}

func (s *MemorySessionStore) GetUserIDByToken(token string) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[token]
	if !ok {
		return 0, false, nil
	}
	if !sess.expires.IsZero() && time.Now().After(sess.expires) {
		delete(s.sessions, token)
		return 0, false, nil
	}
	return sess.userID, true, nil
}

func (s *MemorySessionStore) DeleteSession(token string) error {
	s.mu.Lock()
	delete(s.sessions, token)
	s.mu.Unlock()
	return nil
}

func (s *MemorySessionStore) RevokeUserSessions(userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for token, sess := range s.sessions {
		if sess.userID == userID {
			delete(s.sessions, token)
		}
	}
	return nil
}
