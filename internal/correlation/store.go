// Package correlation remembers the last interactive message sent into each
// conversation so a bare reply to it can be read as a selection.
package correlation

import (
	"sync"
	"time"
)

type entry struct {
	messageID string
	at        time.Time
}

// Store maps conversation ids to the last interactive message id sent
// there. Last write wins. Entries are kept until Prune removes them.
type Store struct {
	mu      sync.RWMutex
	entries map[string]entry
	now     func() time.Time
}

// New creates an empty store.
func New() *Store {
	return &Store{
		entries: make(map[string]entry),
		now:     time.Now,
	}
}

// Set records messageID as the last interactive message in conversation.
func (s *Store) Set(conversation, messageID string) {
	s.mu.Lock()
	s.entries[conversation] = entry{messageID: messageID, at: s.now()}
	s.mu.Unlock()
}

// Get returns the stored message id for conversation.
func (s *Store) Get(conversation string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[conversation]
	return e.messageID, ok
}

// Matches reports whether quotedID is the stored message for conversation.
func (s *Store) Matches(conversation, quotedID string) bool {
	if quotedID == "" {
		return false
	}
	id, ok := s.Get(conversation)
	return ok && id == quotedID
}

// Prune removes entries recorded more than olderThan ago and returns how
// many were removed.
func (s *Store) Prune(olderThan time.Duration) int {
	cutoff := s.now().Add(-olderThan)
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for conv, e := range s.entries {
		if e.at.Before(cutoff) {
			delete(s.entries, conv)
			n++
		}
	}
	return n
}

// Len returns the number of conversations tracked.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
