// Package session provides session management for registered evaluation keys.
package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opaque/admatch/pkg/crypto"
	"github.com/opaque/admatch/pkg/match"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExpired  = errors.New("session expired")
)

// Session holds the evaluation material a profile owner registered.
type Session struct {
	ID           string
	Key          *crypto.EvaluationKey
	Pool         *match.Pool
	CreatedAt    time.Time
	ExpiresAt    time.Time
	LastAccessAt time.Time

	// lifetime granted by Create or the last Refresh, after capping
	ttl time.Duration
}

// TTL returns the lifetime granted at creation or the last refresh.
func (s *Session) TTL() time.Duration {
	return s.ttl
}

// Manager manages sessions in memory.
type Manager struct {
	sessions map[string]*Session
	maxTTL   time.Duration
	poolSize int
	opts     []match.Option
	now      func() time.Time
	mu       sync.RWMutex

	stop     chan struct{}
	stopOnce sync.Once
}

// NewManager creates a new session manager. Every session gets a match pool
// of poolSize evaluators configured with opts.
func NewManager(maxTTL time.Duration, poolSize int, opts ...match.Option) *Manager {
	m := &Manager{
		sessions: make(map[string]*Session),
		maxTTL:   maxTTL,
		poolSize: poolSize,
		opts:     opts,
		now:      time.Now,
		stop:     make(chan struct{}),
	}

	go m.cleanupLoop()

	return m
}

// Create registers key and returns a new session.
func (m *Manager) Create(key *crypto.EvaluationKey, requestedTTL time.Duration) (*Session, error) {
	pool, err := match.NewPool(key, m.poolSize, m.opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create evaluator pool: %w", err)
	}

	// Cap TTL to max
	ttl := requestedTTL
	if ttl > m.maxTTL || ttl <= 0 {
		ttl = m.maxTTL
	}

	now := m.now()
	session := &Session{
		ID:           uuid.NewString(),
		Key:          key,
		Pool:         pool,
		CreatedAt:    now,
		ExpiresAt:    now.Add(ttl),
		LastAccessAt: now,
		ttl:          ttl,
	}

	m.mu.Lock()
	m.sessions[session.ID] = session
	m.mu.Unlock()

	return session, nil
}

// Get retrieves a session by ID.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	session, ok := m.sessions[id]
	m.mu.RUnlock()

	if !ok {
		return nil, ErrSessionNotFound
	}

	if m.now().After(session.ExpiresAt) {
		m.Delete(id)
		return nil, ErrSessionExpired
	}

	m.mu.Lock()
	session.LastAccessAt = m.now()
	m.mu.Unlock()

	return session, nil
}

// Delete removes a session.
func (m *Manager) Delete(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

// Count returns the number of active sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Refresh extends a session's TTL.
func (m *Manager) Refresh(id string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}

	if ttl > m.maxTTL || ttl <= 0 {
		ttl = m.maxTTL
	}

	now := m.now()
	session.ExpiresAt = now.Add(ttl)
	session.LastAccessAt = now
	session.ttl = ttl

	return nil
}

// Close stops the cleanup goroutine.
func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.stop) })
}

// cleanupLoop periodically removes expired sessions.
func (m *Manager) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.cleanup()
		case <-m.stop:
			return
		}
	}
}

// cleanup removes expired sessions.
func (m *Manager) cleanup() {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	for id, session := range m.sessions {
		if now.After(session.ExpiresAt) {
			delete(m.sessions, id)
		}
	}
}
