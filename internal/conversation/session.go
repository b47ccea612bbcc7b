// Package conversation implements the per-sender dialogue state machine:
// which field the bot is waiting for, how the next reply is interpreted, and
// when a draft is complete enough to submit.
package conversation

import (
	"sync"
	"time"

	"github.com/bradlymcgregorhale/bacollab-whatsapp/internal/domain"
)

// State is one open dialogue: a partial request plus the field the bot asked.
// At most one per sender at a time.
type State struct {
	Draft    domain.RequestDraft
	Awaiting domain.FieldTag
	Question string
	AskedAt  time.Time
}

// session bundles everything keyed by one sender. Deleted, not just emptied,
// once resolved so the store does not grow without bound.
type session struct {
	mu       sync.Mutex // per-sender processing lock
	state    *State
	vehicles *VehicleQueue
}

// SessionStore holds per-sender conversation records and the mutual-exclusion
// token serializing processing passes per sender.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[string]*session
}

func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[string]*session)}
}

func (s *SessionStore) get(senderID string) *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[senderID]
	if !ok {
		sess = &session{}
		s.sessions[senderID] = sess
	}
	return sess
}

// Lock acquires the sender's processing lock and returns the unlock func.
// Two processing passes for one sender never overlap; different senders
// proceed in parallel.
func (s *SessionStore) Lock(senderID string) func() {
	sess := s.get(senderID)
	sess.mu.Lock()
	return sess.mu.Unlock
}

// State returns the open dialogue for the sender, or nil.
func (s *SessionStore) State(senderID string) *State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[senderID]; ok {
		return sess.state
	}
	return nil
}

// SetState opens (or replaces) the sender's dialogue.
func (s *SessionStore) SetState(senderID string, st *State) {
	sess := s.get(senderID)
	s.mu.Lock()
	sess.state = st
	s.mu.Unlock()
}

// ClearState closes the sender's dialogue and drops the session record when
// nothing else is pending for that sender.
func (s *SessionStore) ClearState(senderID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[senderID]
	if !ok {
		return
	}
	sess.state = nil
}

// Vehicles returns the sender's vehicle queue, creating it when create is set.
func (s *SessionStore) Vehicles(senderID string, create bool) *VehicleQueue {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[senderID]
	if !ok {
		if !create {
			return nil
		}
		sess = &session{}
		s.sessions[senderID] = sess
	}
	if sess.vehicles == nil && create {
		sess.vehicles = &VehicleQueue{}
	}
	return sess.vehicles
}

// DropVehicles removes the sender's vehicle queue once drained.
func (s *SessionStore) DropVehicles(senderID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[senderID]
	if !ok {
		return
	}
	sess.vehicles = nil
}

// OpenCount returns the number of senders with an open dialogue.
func (s *SessionStore) OpenCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sess := range s.sessions {
		if sess.state != nil {
			n++
		}
	}
	return n
}

// Compact deletes resolved session records. Deleting while a processing pass
// holds the per-sender mutex would let a concurrent pass acquire a fresh,
// unlocked session, so only sessions whose mutex can be taken are removed.
// Run periodically by the maintenance jobs.
func (s *SessionStore) Compact() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, sess := range s.sessions {
		if sess.state != nil || (sess.vehicles != nil && sess.vehicles.Len() > 0) {
			continue
		}
		if !sess.mu.TryLock() {
			continue
		}
		delete(s.sessions, id)
		sess.mu.Unlock()
		removed++
	}
	return removed
}
