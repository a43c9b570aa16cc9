package oauth

import (
	"sync"

	"github.com/inercia/chatemu/internal/protocol"
)

type tokenKey struct {
	userID         string
	connectionName string
}

// TokenStore keeps emulated user tokens per user and connection.
type TokenStore struct {
	mu     sync.RWMutex
	tokens map[tokenKey]protocol.TokenResponse
}

// NewTokenStore creates an empty token store.
func NewTokenStore() *TokenStore {
	return &TokenStore{tokens: make(map[tokenKey]protocol.TokenResponse)}
}

// Put stores a token, replacing any previous one for the same key.
func (s *TokenStore) Put(userID string, tok protocol.TokenResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[tokenKey{userID, tok.ConnectionName}] = tok
}

// Get returns the token for the user and connection.
func (s *TokenStore) Get(userID, connectionName string) (protocol.TokenResponse, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tok, ok := s.tokens[tokenKey{userID, connectionName}]
	return tok, ok
}

// SignOut removes the user's token for connectionName, or all of the user's
// tokens when connectionName is empty. It returns the number removed.
func (s *TokenStore) SignOut(userID, connectionName string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if connectionName != "" {
		key := tokenKey{userID, connectionName}
		if _, ok := s.tokens[key]; !ok {
			return 0
		}
		delete(s.tokens, key)
		return 1
	}
	n := 0
	for key := range s.tokens {
		if key.userID == userID {
			delete(s.tokens, key)
			n++
		}
	}
	return n
}
