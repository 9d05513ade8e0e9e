package oauthstate

import (
	"sync"
	"time"
)

// NonceStore is the replay-state contract. The in-process UsedNonceSet below
// satisfies it for single-instance deployments; a multi-instance deployment
// should swap in a shared keyed store with per-entry TTL.
type NonceStore interface {
	SeenBefore(nonce string) bool
	MarkSeen(nonce string, ttl time.Duration)
}

// UsedNonceSet is a mutex-guarded map of consumed state nonces. Expired
// entries are evicted lazily on insert. CheckAndMark is the only mutation
// path so that check-then-insert is atomic for concurrent callers.
type UsedNonceSet struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time
}

func NewUsedNonceSet() *UsedNonceSet {
	return &UsedNonceSet{
		entries: make(map[string]time.Time),
		now:     time.Now,
	}
}

// CheckAndMark reports whether the nonce was already consumed, marking it
// consumed if it was not. Two concurrent calls for the same nonce cannot both
// observe "absent".
func (s *UsedNonceSet) CheckAndMark(nonce string, ttl time.Duration) (replayed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.evictLocked(now)

	if expiry, ok := s.entries[nonce]; ok && now.Before(expiry) {
		return true
	}

	s.entries[nonce] = now.Add(ttl)
	return false
}

func (s *UsedNonceSet) SeenBefore(nonce string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	expiry, ok := s.entries[nonce]
	return ok && s.now().Before(expiry)
}

func (s *UsedNonceSet) MarkSeen(nonce string, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[nonce] = s.now().Add(ttl)
}

func (s *UsedNonceSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *UsedNonceSet) evictLocked(now time.Time) {
	for nonce, expiry := range s.entries {
		if now.After(expiry) {
			delete(s.entries, nonce)
		}
	}
}
