// Package session tracks the single user session the gateway allows: the
// issued session key and whether a user is connected.
package session

import (
	"errors"
	"sync"

	"github.com/google/uuid"
)

// ErrActive is returned by Issue while a user session is connected.
var ErrActive = errors.New("session: another user is connected")

// ErrNoKey is returned by Begin when no session key has been issued.
var ErrNoKey = errors.New("session: no session key issued")

// Slot is shared by the key service (issues keys) and the relay service
// (opens and closes sessions). The connected check and key replacement happen
// under one lock, so a key can never change under a live session.
type Slot struct {
	mu        sync.Mutex
	key       []byte
	connected bool
	id        string
}

// NewSlot returns an empty slot with no key and no session.
func NewSlot() *Slot {
	return &Slot{}
}

// Issue stores a key produced by gen, unless a session is connected.
func (s *Slot) Issue(gen func() ([]byte, error)) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connected {
		return nil, ErrActive
	}
	key, err := gen()
	if err != nil {
		return nil, err
	}
	s.key = key
	return append([]byte(nil), key...), nil
}

// Begin marks a session connected and returns its key and a fresh session id.
func (s *Slot) Begin() (key []byte, id string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.key == nil {
		return nil, "", ErrNoKey
	}
	s.connected = true
	s.id = uuid.NewString()
	return append([]byte(nil), s.key...), s.id, nil
}

// End clears the connected flag and revokes the key, so the next session needs
// a new key exchange.
func (s *Slot) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	s.key = nil
	s.id = ""
}

// Active reports whether a user session is connected.
func (s *Slot) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Key returns a copy of the current session key, or nil.
func (s *Slot) Key() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.key == nil {
		return nil
	}
	return append([]byte(nil), s.key...)
}

// ID returns the identifier of the connected session, or "".
func (s *Slot) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}
