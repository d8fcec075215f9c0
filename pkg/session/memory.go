package session

import (
	"context"
	"sync"
	"time"
)

// DefaultCleanupInterval is how often the in-memory store sweeps expired
// entries.
const DefaultCleanupInterval = 1 * time.Minute

// timedEntry wraps a value with its expiry for TTL tracking.
type timedEntry[T any] struct {
	value     T
	expiresAt time.Time
}

func (e *timedEntry[T]) expired(now time.Time) bool {
	return now.After(e.expiresAt)
}

// MemoryStore implements Store with in-memory maps. It is thread-safe and
// suitable for development and tests; session state does not survive a
// restart and is not shared across instances.
type MemoryStore struct {
	mu sync.RWMutex

	authStates   map[string]*timedEntry[*AuthState]
	sessions     map[string]*timedEntry[*StoredSession]
	guestLinks   map[string]*timedEntry[string]
	guestReturns map[string]*timedEntry[string]
	guestPDS     map[string]*timedEntry[string]

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	cleanupDone     chan struct{}
}

// MemoryStoreOption configures a MemoryStore.
type MemoryStoreOption func(*MemoryStore)

// WithCleanupInterval sets a custom cleanup interval.
func WithCleanupInterval(interval time.Duration) MemoryStoreOption {
	return func(s *MemoryStore) {
		s.cleanupInterval = interval
	}
}

// NewMemoryStore creates a MemoryStore and starts its background cleanup
// goroutine.
func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	s := &MemoryStore{
		authStates:      make(map[string]*timedEntry[*AuthState]),
		sessions:        make(map[string]*timedEntry[*StoredSession]),
		guestLinks:      make(map[string]*timedEntry[string]),
		guestReturns:    make(map[string]*timedEntry[string]),
		guestPDS:        make(map[string]*timedEntry[string]),
		cleanupInterval: DefaultCleanupInterval,
		stopCleanup:     make(chan struct{}),
		cleanupDone:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	go s.cleanupLoop()

	return s
}

// Health is a no-op for the in-memory store.
func (*MemoryStore) Health(_ context.Context) error {
	return nil
}

// Close stops the cleanup goroutine and waits for it to finish.
func (s *MemoryStore) Close() error {
	close(s.stopCleanup)
	<-s.cleanupDone
	return nil
}

func (s *MemoryStore) cleanupLoop() {
	defer close(s.cleanupDone)

	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanupExpired()
		}
	}
}

// cleanupExpired removes expired entries. Keys are collected under the read
// lock, then deleted under the write lock to keep write lock hold time short.
func (s *MemoryStore) cleanupExpired() {
	now := time.Now()

	s.mu.RLock()

	var expiredStates, expiredSessions, expiredLinks, expiredReturns, expiredPDS []string
	for k, v := range s.authStates {
		if v.expired(now) {
			expiredStates = append(expiredStates, k)
		}
	}
	for k, v := range s.sessions {
		if v.expired(now) {
			expiredSessions = append(expiredSessions, k)
		}
	}
	for k, v := range s.guestLinks {
		if v.expired(now) {
			expiredLinks = append(expiredLinks, k)
		}
	}
	for k, v := range s.guestReturns {
		if v.expired(now) {
			expiredReturns = append(expiredReturns, k)
		}
	}
	for k, v := range s.guestPDS {
		if v.expired(now) {
			expiredPDS = append(expiredPDS, k)
		}
	}
	s.mu.RUnlock()

	if len(expiredStates) == 0 && len(expiredSessions) == 0 &&
		len(expiredLinks) == 0 && len(expiredReturns) == 0 && len(expiredPDS) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, k := range expiredStates {
		delete(s.authStates, k)
	}
	for _, k := range expiredSessions {
		delete(s.sessions, k)
	}
	for _, k := range expiredLinks {
		delete(s.guestLinks, k)
	}
	for _, k := range expiredReturns {
		delete(s.guestReturns, k)
	}
	for _, k := range expiredPDS {
		delete(s.guestPDS, k)
	}
}

// StoreAuthState saves per-login-attempt state with AuthStateTTL.
func (s *MemoryStore) StoreAuthState(_ context.Context, state string, authState *AuthState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.authStates[state] = &timedEntry[*AuthState]{
		value:     cloneAuthState(authState),
		expiresAt: time.Now().Add(AuthStateTTL),
	}
	return nil
}

// ConsumeAuthState returns and deletes the auth state under a single lock,
// so two concurrent callbacks with the same state cannot both succeed.
func (s *MemoryStore) ConsumeAuthState(_ context.Context, state string) (*AuthState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.authStates[state]
	if !ok {
		return nil, ErrNotFound
	}
	delete(s.authStates, state)

	if entry.expired(time.Now()) {
		return nil, ErrNotFound
	}
	return cloneAuthState(entry.value), nil
}

// CreateSession stores a session record with SessionTTL.
func (s *MemoryStore) CreateSession(_ context.Context, id string, sess *StoredSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions[id] = &timedEntry[*StoredSession]{
		value:     cloneSession(sess),
		expiresAt: time.Now().Add(SessionTTL),
	}
	return nil
}

// GetSession returns a copy of the session record.
func (s *MemoryStore) GetSession(_ context.Context, id string) (*StoredSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.sessions[id]
	if !ok || entry.expired(time.Now()) {
		return nil, ErrNotFound
	}
	return cloneSession(entry.value), nil
}

// UpdateSessionIf swaps the session record only if the stored access token
// still matches, re-arming SessionTTL.
func (s *MemoryStore) UpdateSessionIf(
	_ context.Context, id, expectedAccessToken string, sess *StoredSession,
) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.sessions[id]
	if !ok || entry.expired(time.Now()) {
		return false, ErrNotFound
	}
	if entry.value.AccessToken != expectedAccessToken {
		return false, nil
	}

	s.sessions[id] = &timedEntry[*StoredSession]{
		value:     cloneSession(sess),
		expiresAt: time.Now().Add(SessionTTL),
	}
	return true, nil
}

// DeleteSession removes a session record.
func (s *MemoryStore) DeleteSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, id)
	return nil
}

// MapGuestSession links a guest ID to a session ID with SessionTTL.
func (s *MemoryStore) MapGuestSession(_ context.Context, guestID, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.guestLinks[guestID] = &timedEntry[string]{
		value:     sessionID,
		expiresAt: time.Now().Add(SessionTTL),
	}
	return nil
}

// ResolveGuestSession returns the session ID behind a guest ID.
func (s *MemoryStore) ResolveGuestSession(_ context.Context, guestID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.guestLinks[guestID]
	if !ok || entry.expired(time.Now()) {
		return "", ErrNotFound
	}
	return entry.value, nil
}

// DeleteGuestMapping removes a guest indirection entry.
func (s *MemoryStore) DeleteGuestMapping(_ context.Context, guestID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.guestLinks, guestID)
	return nil
}

// StashGuestReturn saves the post-login redirect target with GuestStashTTL.
func (s *MemoryStore) StashGuestReturn(_ context.Context, state, returnTo string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.guestReturns[state] = &timedEntry[string]{
		value:     returnTo,
		expiresAt: time.Now().Add(GuestStashTTL),
	}
	return nil
}

// ConsumeGuestReturn returns and deletes the stashed redirect target.
func (s *MemoryStore) ConsumeGuestReturn(_ context.Context, state string) (string, error) {
	return s.consumeString(s.guestReturns, state)
}

// StashGuestPDS saves the resolved PDS URL with GuestStashTTL.
func (s *MemoryStore) StashGuestPDS(_ context.Context, state, pdsURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.guestPDS[state] = &timedEntry[string]{
		value:     pdsURL,
		expiresAt: time.Now().Add(GuestStashTTL),
	}
	return nil
}

// ConsumeGuestPDS returns and deletes the stashed PDS URL.
func (s *MemoryStore) ConsumeGuestPDS(_ context.Context, state string) (string, error) {
	return s.consumeString(s.guestPDS, state)
}

func (s *MemoryStore) consumeString(m map[string]*timedEntry[string], key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := m[key]
	if !ok {
		return "", ErrNotFound
	}
	delete(m, key)

	if entry.expired(time.Now()) {
		return "", ErrNotFound
	}
	return entry.value, nil
}

// Compile-time interface compliance check
var _ Store = (*MemoryStore)(nil)
