package oauth

import (
	"sync"
	"time"
)

// Grant is what the server remembers about one rewritten sign-in link. The
// caller's bearer token lives here, never in the link itself.
type Grant struct {
	StateID        string
	ConversationID string
	ConnectionName string
	Bearer         string
	CodeVerifier   string
	CardText       string
	ExpiresAt      time.Time
}

// Vault holds pending grants keyed by state ID until they are redeemed or
// expire.
type Vault struct {
	mu     sync.Mutex
	grants map[string]Grant
	now    func() time.Time
}

// NewVault creates an empty vault.
func NewVault() *Vault {
	return &Vault{grants: make(map[string]Grant), now: time.Now}
}

// Put stores a grant, dropping any that have expired.
func (v *Vault) Put(g Grant) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.sweepLocked()
	v.grants[g.StateID] = g
}

// Get returns the grant for id without consuming it.
func (v *Vault) Get(id string) (Grant, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	g, ok := v.grants[id]
	if !ok || v.now().After(g.ExpiresAt) {
		return Grant{}, false
	}
	return g, true
}

// Take returns and removes the grant for id. A grant can be taken once.
func (v *Vault) Take(id string) (Grant, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	g, ok := v.grants[id]
	if !ok {
		return Grant{}, false
	}
	delete(v.grants, id)
	if v.now().After(g.ExpiresAt) {
		return Grant{}, false
	}
	return g, true
}

// Len returns the number of pending grants.
func (v *Vault) Len() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.grants)
}

func (v *Vault) sweepLocked() {
	now := v.now()
	for id, g := range v.grants {
		if now.After(g.ExpiresAt) {
			delete(v.grants, id)
		}
	}
}
