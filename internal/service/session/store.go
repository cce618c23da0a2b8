// Package session holds per-user brokerage credential bundles with expiry.
package session

import (
	"sync"
	"time"
)

// Cookie is one browser cookie harvested after a brokerage login.
type Cookie struct {
	Name     string `json:"name"`
	Value    string `json:"value"`
	Domain   string `json:"domain"`
	Path     string `json:"path"`
	Secure   bool   `json:"secure"`
	HTTPOnly bool   `json:"http_only"`
}

// Bundle is the opaque proof-of-session material for one brokerage/user pair.
// Either Cookies (cookie-based portals) or Tokens (bearer-token APIs) is set,
// sometimes both. Bundles never leave the server.
type Bundle struct {
	Cookies        []Cookie
	Tokens         map[string]string
	CreatedAt      time.Time
	LastAccessedAt time.Time
}

// Store maps user identity to a credential bundle. Entries expire TTL after
// creation and are evicted lazily on read; no background sweep is needed.
//
// The store is shared by concurrent request handlers. A Get issued after a Set
// for the same key always sees the update.
type Store struct {
	mu       sync.RWMutex
	ttl      time.Duration
	now      func() time.Time
	sessions map[string]*Bundle
}

// DefaultTTL matches the brokerage web-portal session lifetime.
const DefaultTTL = 24 * time.Hour

// NewStore creates a store with the given TTL. ttl <= 0 means DefaultTTL.
func NewStore(ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{
		ttl:      ttl,
		now:      time.Now,
		sessions: make(map[string]*Bundle),
	}
}

// Set stores a bundle for the user, overwriting any previous one.
// The expiry clock restarts from now.
func (s *Store) Set(userID string, b Bundle) {
	now := s.now()
	b.CreatedAt = now
	b.LastAccessedAt = now

	s.mu.Lock()
	s.sessions[userID] = &b
	s.mu.Unlock()
}

// Get returns the user's bundle if it has not expired. An expired entry is
// evicted and reported as not found.
func (s *Store) Get(userID string) (Bundle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.sessions[userID]
	if !ok {
		return Bundle{}, false
	}

	now := s.now()
	if now.Sub(b.CreatedAt) >= s.ttl {
		delete(s.sessions, userID)
		return Bundle{}, false
	}

	b.LastAccessedAt = now
	return *b, true
}

// Has reports whether the user currently holds a valid session.
func (s *Store) Has(userID string) bool {
	_, ok := s.Get(userID)
	return ok
}

// Clear removes the user's session unconditionally (logout).
func (s *Store) Clear(userID string) {
	s.mu.Lock()
	delete(s.sessions, userID)
	s.mu.Unlock()
}
