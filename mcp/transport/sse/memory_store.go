package sse

import (
	"sort"
	"sync"
)

const defaultQueueSize = 100

type InMemorySessionStore struct {
	sessions  map[string]*ClientSession
	queueSize int
	mu        sync.RWMutex
}

var _ SessionStore = (*InMemorySessionStore)(nil)

func NewInMemorySessionStore() *InMemorySessionStore {
	return &InMemorySessionStore{
		sessions:  make(map[string]*ClientSession),
		queueSize: defaultQueueSize,
	}
}

func (store *InMemorySessionStore) Create(sessionID string) (*ClientSession, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	if _, ok := store.sessions[sessionID]; ok {
		return nil, ErrDuplicateSession
	}
	session := newClientSession(sessionID, store.queueSize)
	store.sessions[sessionID] = session
	return session, nil
}

func (store *InMemorySessionStore) Get(sessionID string) (*ClientSession, bool) {
	store.mu.RLock()
	defer store.mu.RUnlock()
	session, ok := store.sessions[sessionID]
	return session, ok
}

func (store *InMemorySessionStore) Remove(sessionID string) (*ClientSession, bool) {
	store.mu.Lock()
	defer store.mu.Unlock()

	session, ok := store.sessions[sessionID]
	if ok {
		delete(store.sessions, sessionID)
	}
	return session, ok
}

func (store *InMemorySessionStore) RemoveAll() []*ClientSession {
	store.mu.Lock()
	defer store.mu.Unlock()

	sessions := make([]*ClientSession, 0, len(store.sessions))
	for _, session := range store.sessions {
		sessions = append(sessions, session)
	}
	store.sessions = make(map[string]*ClientSession)
	return sessions
}

// Sessions returns a snapshot ordered by creation time
func (store *InMemorySessionStore) Sessions() []*ClientSession {
	store.mu.RLock()
	sessions := make([]*ClientSession, 0, len(store.sessions))
	for _, session := range store.sessions {
		sessions = append(sessions, session)
	}
	store.mu.RUnlock()

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})
	return sessions
}
