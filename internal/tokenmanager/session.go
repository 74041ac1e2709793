package tokenmanager

import (
	"sync"
)

// SessionBindings maps a composite "(scope, session id)" key to the account
// id that was selected for it, so later requests on the same session reuse
// the same upstream account.
//
// Implemented with a plain sync.RWMutex-guarded map rather than sync.Map:
// clearAllSessions needs an atomic clear, which sync.Map cannot express
// without a full Range+Delete walk.
type SessionBindings struct {
	mu       sync.RWMutex
	bindings map[string]string
}

// NewSessionBindings constructs an empty binding map.
func NewSessionBindings() *SessionBindings {
	return &SessionBindings{bindings: make(map[string]string)}
}

// sessionKey builds the composite key "scope::sessionID".
func sessionKey(scope, sessionID string) string {
	return scope + "::" + sessionID
}

// Get returns the account bound to (scope, sessionID), if any.
func (s *SessionBindings) Get(scope, sessionID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acct, ok := s.bindings[sessionKey(scope, sessionID)]
	return acct, ok
}

// Set binds (scope, sessionID) to accountID, replacing any prior binding.
func (s *SessionBindings) Set(scope, sessionID, accountID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bindings[sessionKey(scope, sessionID)] = accountID
}

// Remove deletes the binding for (scope, sessionID) and reports whether one
// existed.
func (s *SessionBindings) Remove(scope, sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := sessionKey(scope, sessionID)
	_, ok := s.bindings[key]
	delete(s.bindings, key)
	return ok
}

// Clear drops every binding.
func (s *SessionBindings) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bindings = make(map[string]string)
}

// Len reports the number of active bindings.
func (s *SessionBindings) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.bindings)
}

// IsEmpty reports whether there are no active bindings.
func (s *SessionBindings) IsEmpty() bool {
	return s.Len() == 0
}
