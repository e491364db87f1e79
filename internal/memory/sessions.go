package memory

import (
	"sync"
	"time"

	cache "github.com/patrickmn/go-cache"
)

// Sessions holds one Buffer per user. A session is created on the user's
// first turn and dropped after idleTTL without activity or on End.
type Sessions struct {
	mu      sync.Mutex
	window  int
	buffers *cache.Cache
}

// NewSessions creates a registry whose buffers keep window exchanges.
// An idleTTL <= 0 keeps sessions until End is called.
func NewSessions(window int, idleTTL time.Duration) *Sessions {
	expiration := cache.NoExpiration
	cleanup := time.Duration(0)
	if idleTTL > 0 {
		expiration = idleTTL
		cleanup = idleTTL / 2
		if cleanup < time.Second {
			cleanup = time.Second
		}
	}
	return &Sessions{
		window:  window,
		buffers: cache.New(expiration, cleanup),
	}
}

// Buffer returns the user's buffer, creating it if needed, and pushes the
// idle deadline forward.
func (s *Sessions) Buffer(userID string) *Buffer {
	s.mu.Lock()
	defer s.mu.Unlock()

	if v, ok := s.buffers.Get(userID); ok {
		b := v.(*Buffer)
		s.buffers.Set(userID, b, cache.DefaultExpiration)
		return b
	}

	b := NewBuffer(s.window)
	s.buffers.Set(userID, b, cache.DefaultExpiration)
	return b
}

// End discards the user's conversation.
func (s *Sessions) End(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buffers.Delete(userID)
}

// Len reports the number of live sessions.
func (s *Sessions) Len() int {
	return s.buffers.ItemCount()
}
