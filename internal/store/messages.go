// Package store holds the live state a session renders from: the message log
// of the active room and the operator room roster.
package store

import (
	"sync"

	"github.com/luciancaetano/kephaschat"
)

// MessageStore is an append-only log of live messages in arrival order.
//
// It is reset wholesale on every room change. Deduplication by message id is
// off unless requested; duplicates redelivered after a reconnect are kept.
type MessageStore struct {
	mu       sync.RWMutex
	messages []kephaschat.Message
	dedupe   bool
	seen     map[string]struct{}
}

// NewMessageStore creates an empty store. When dedupe is true, a message whose
// non-empty ID was already appended since the last Reset is skipped.
func NewMessageStore(dedupe bool) *MessageStore {
	s := &MessageStore{dedupe: dedupe}
	if dedupe {
		s.seen = make(map[string]struct{})
	}
	return s
}

// Append adds m at the end of the log. It reports false when m was skipped
// as a duplicate.
func (s *MessageStore) Append(m kephaschat.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dedupe && m.ID != "" {
		if _, dup := s.seen[m.ID]; dup {
			return false
		}
		s.seen[m.ID] = struct{}{}
	}
	s.messages = append(s.messages, m)
	return true
}

// Reset clears the log.
func (s *MessageStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.messages = nil
	if s.dedupe {
		s.seen = make(map[string]struct{})
	}
}

// Len returns the number of stored messages.
func (s *MessageStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

// All returns a copy of the log in arrival order.
func (s *MessageStore) All() []kephaschat.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]kephaschat.Message, len(s.messages))
	copy(out, s.messages)
	return out
}
