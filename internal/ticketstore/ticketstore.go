// Package ticketstore holds issued connection tickets until they are
// consumed by the gateway during a websocket handshake. Tickets are
// one-shot: resolving a connection ID to its owning user deletes it.
package ticketstore

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNotFound means the ticket was never issued, already consumed, or
// expired. Admission control treats dependency failures the same way.
var ErrNotFound = errors.New("ticket not found")

// Resolver exchanges a verified connection ID for the owning user's
// identity, and can invalidate a ticket after a failed handshake.
type Resolver interface {

	// Resolve returns the user that owns connectionID, consuming the
	// ticket. Returns ErrNotFound if absent, consumed or unreachable.
	Resolve(ctx context.Context, connectionID string) (int64, error)

	// Invalidate removes the ticket, best effort. Failures are for the
	// caller to log, never to retry or block on.
	Invalidate(ctx context.Context, connectionID string) error
}

// entry represents an issued ticket and its expiry time.
type entry struct {

	// UserID is the owner the ticket resolves to
	UserID int64

	// Exp is the expiry Unix time in seconds
	Exp int64
}

// expired returns true if the ticket has expired.
func (e *entry) expired() bool {
	return GetTime() > e.Exp
}

// Store holds issued tickets in memory, keyed by connection ID.
type Store struct {
	// Prevent double consumption of a ticket by mutexing.
	sync.Mutex

	store map[string]entry

	// ttl is the lifetime in seconds of an unconsumed ticket
	ttl int64

	closed chan struct{}
}

// GetTime gets the current Unix time in seconds.
func GetTime() int64 {
	return time.Now().Unix()
}

// NewStore returns a store with a ticket lifetime of 60 seconds.
func NewStore() *Store {
	s := &Store{
		store:  make(map[string]entry),
		ttl:    60,
		closed: make(chan struct{}),
	}
	go s.keepClean()
	return s
}

// WithTTL sets the ticket lifetime of the new Store (in seconds).
func (s *Store) WithTTL(ttl int64) *Store {
	s.ttl = ttl
	return s
}

// Close stops the store's cleaning routine.
func (s *Store) Close() {
	s.Lock()
	defer s.Unlock()
	close(s.closed)
}

// keepClean periodically removes stale tickets
func (s *Store) keepClean() {
	for {
		select {
		case <-s.closed:
			return
		case <-time.After(time.Duration(2*s.ttl) * time.Second):
			s.CleanExpired()
		}
	}
}

// Submit records a ticket binding connectionID to userID, valid until it
// is resolved, invalidated, or the ttl passes.
func (s *Store) Submit(connectionID string, userID int64) {
	s.Lock()
	defer s.Unlock()
	s.store[connectionID] = entry{
		UserID: userID,
		Exp:    GetTime() + s.ttl,
	}
}

// Resolve swaps a connection ID for the owning user ID, consuming the
// ticket. The context is accepted for interface compatibility; an
// in-process lookup cannot block.
func (s *Store) Resolve(_ context.Context, connectionID string) (int64, error) {
	s.Lock()
	defer s.Unlock()
	e, ok := s.store[connectionID]
	if !ok || e.expired() {
		return 0, ErrNotFound
	}
	// can only resolve a ticket once
	delete(s.store, connectionID)
	return e.UserID, nil
}

// Invalidate removes the ticket for connectionID, if present.
func (s *Store) Invalidate(_ context.Context, connectionID string) error {
	s.Lock()
	defer s.Unlock()
	delete(s.store, connectionID)
	return nil
}

// CleanExpired removes stale tickets from the store
func (s *Store) CleanExpired() {
	s.Lock()
	defer s.Unlock()
	expired := []string{}

	for id, e := range s.store {
		if e.expired() {
			expired = append(expired, id)
		}
	}

	for _, id := range expired {
		delete(s.store, id)
	}
}

// GetTTL returns the ticket lifetime in seconds
func (s *Store) GetTTL() int64 {
	return s.ttl
}

// GetTicketCount counts the unconsumed tickets in the store
func (s *Store) GetTicketCount() int {
	s.Lock()
	defer s.Unlock()
	return len(s.store)
}
