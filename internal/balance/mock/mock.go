// Package mock provides an in-memory balance.Store for tests.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/MrWong99/voxline/internal/balance"
)

var _ balance.Store = (*Store)(nil)

// Store is an in-memory balance.Store.
type Store struct {
	mu sync.Mutex

	// Balances maps user ids to balance values.
	Balances map[int64]string

	// Err, if non-nil, is returned by every lookup.
	Err error

	// Lookups records every user id looked up.
	Lookups []int64
}

// Balance implements balance.Store.
func (s *Store) Balance(_ context.Context, userID int64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Lookups = append(s.Lookups, userID)
	if s.Err != nil {
		return "", s.Err
	}
	v, ok := s.Balances[userID]
	if !ok {
		return "", fmt.Errorf("mock store: user %d: %w", userID, balance.ErrNotFound)
	}
	return v, nil
}

// LookupCount returns how many lookups were made.
func (s *Store) LookupCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Lookups)
}
