// Package store holds the server-side record for each live confidential
// session: its id, its derived channel key, and the bookkeeping needed to
// evict idle sessions. It does not persist anything across process
// restarts; a restarted gateway forgets every session it held.
package store

import (
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned by Lookup when no live session matches.
var ErrNotFound = errors.New("store: session not found")

// Record is the server-side state retained for one confidential session.
type Record struct {
	SessionID    [16]byte
	ChannelKey   [32]byte
	ClientPubkey []byte
	CreatedAt    time.Time
}

type entry struct {
	record    Record
	lastTouch time.Time
	pubkeyHex string
}

// Store is a bounded, TTL-evicting map of live sessions, keyed primarily by
// session id with a deprecated secondary index by client public key for
// callers that have not migrated to session-id lookups.
type Store struct {
	mu          sync.RWMutex
	bySession   map[[16]byte]*entry
	byPubkey    map[string]*entry
	maxEntries  int
	idleTimeout time.Duration
}

// New constructs a session store. maxEntries <= 0 defaults to 100000;
// idleTimeout <= 0 defaults to 30 minutes, matching the handshake's
// expected request cadence for a single logical client.
func New(maxEntries int, idleTimeout time.Duration) *Store {
	if maxEntries <= 0 {
		maxEntries = 100_000
	}
	if idleTimeout <= 0 {
		idleTimeout = 30 * time.Minute
	}
	return &Store{
		bySession:   make(map[[16]byte]*entry, maxEntries),
		byPubkey:    make(map[string]*entry),
		maxEntries:  maxEntries,
		idleTimeout: idleTimeout,
	}
}

// NewSessionID generates a time-ordered UUIDv7 session identifier.
func NewSessionID() ([16]byte, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return [16]byte{}, err
	}
	var out [16]byte
	copy(out[:], id[:])
	return out, nil
}

// Insert records a new session, evicting the oldest-touched entry first if
// the store is at capacity.
func (s *Store) Insert(rec Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.bySession) >= s.maxEntries {
		s.evictOldestLocked()
	}

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	e := &entry{
		record:    rec,
		lastTouch: time.Now(),
		pubkeyHex: hex.EncodeToString(rec.ClientPubkey),
	}
	s.bySession[rec.SessionID] = e
	s.byPubkey[e.pubkeyHex] = e
}

// Lookup resolves a session by id, refreshing its idle deadline. Expired or
// unknown ids return ErrNotFound.
func (s *Store) Lookup(sessionID [16]byte) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.bySession[sessionID]
	if !ok || s.expiredLocked(e) {
		return Record{}, ErrNotFound
	}
	e.lastTouch = time.Now()
	return e.record, nil
}

// LookupByPubkey resolves a session by the client public key supplied at
// handshake time. Deprecated: callers should carry the session id returned
// from the handshake instead of re-deriving lookups from the key.
func (s *Store) LookupByPubkey(clientPubkey []byte) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byPubkey[hex.EncodeToString(clientPubkey)]
	if !ok || s.expiredLocked(e) {
		return Record{}, ErrNotFound
	}
	e.lastTouch = time.Now()
	return e.record, nil
}

// Delete removes a session immediately, forcing its client back through
// the handshake.
func (s *Store) Delete(sessionID [16]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.bySession[sessionID]
	if !ok {
		return
	}
	delete(s.bySession, sessionID)
	delete(s.byPubkey, e.pubkeyHex)
}

// Len reports the number of non-expired sessions. It is used by the
// readiness handler, not the request hot path.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, e := range s.bySession {
		if !s.expiredLocked(e) {
			n++
		}
	}
	return n
}

func (s *Store) expiredLocked(e *entry) bool {
	return time.Since(e.lastTouch) > s.idleTimeout
}

func (s *Store) evictOldestLocked() {
	var oldestKey [16]byte
	var oldest time.Time
	found := false
	for k, e := range s.bySession {
		if !found || e.lastTouch.Before(oldest) {
			oldestKey = k
			oldest = e.lastTouch
			found = true
		}
	}
	if found {
		e := s.bySession[oldestKey]
		delete(s.bySession, oldestKey)
		delete(s.byPubkey, e.pubkeyHex)
	}
}
